package memory

import (
	"context"
	"sort"
	"sync"

	"dropnet/internal/core/domain"
	"dropnet/internal/core/ports"
)

type MemoryPresenceRepository struct {
	peers map[domain.PeerID]*domain.Presence
	mu    sync.RWMutex
}

func NewMemoryPresenceRepository() ports.PresenceRepository {
	return &MemoryPresenceRepository{
		peers: make(map[domain.PeerID]*domain.Presence),
	}
}

func (r *MemoryPresenceRepository) Add(ctx context.Context, presence *domain.Presence) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := *presence
	r.peers[presence.PeerID] = &p
	return nil
}

func (r *MemoryPresenceRepository) Remove(ctx context.Context, id domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.peers, id)
	return nil
}

func (r *MemoryPresenceRepository) Exists(ctx context.Context, id domain.PeerID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.peers[id]
	return ok, nil
}

// List returns registered peers ordered by connection time.
func (r *MemoryPresenceRepository) List(ctx context.Context) ([]domain.PeerID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	presences := make([]*domain.Presence, 0, len(r.peers))
	for _, p := range r.peers {
		presences = append(presences, p)
	}
	sort.Slice(presences, func(i, j int) bool {
		if presences[i].ConnectedAt.Equal(presences[j].ConnectedAt) {
			return presences[i].PeerID < presences[j].PeerID
		}
		return presences[i].ConnectedAt.Before(presences[j].ConnectedAt)
	})

	ids := make([]domain.PeerID, len(presences))
	for i, p := range presences {
		ids[i] = p.PeerID
	}
	return ids, nil
}
