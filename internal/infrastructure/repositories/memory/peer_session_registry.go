package memory

import (
	"sync"

	"dropnet/internal/core/domain"
	"dropnet/internal/core/ports"
)

type peerSession struct {
	conn    domain.PeerConnection
	channel ports.Channel
	sendMu  sync.Mutex
}

func (s *peerSession) Connection() domain.PeerConnection { return s.conn }

func (s *peerSession) Channel() ports.Channel { return s.channel }

// Send writes one frame. Frames from concurrent senders never interleave.
func (s *peerSession) Send(frame []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.channel.Send(frame)
}

// PeerSessionRegistry maps peer identities to their single open channel.
type PeerSessionRegistry struct {
	sessions map[domain.PeerID]*peerSession
	order    []domain.PeerID
	mu       sync.RWMutex
}

func NewPeerSessionRegistry() ports.PeerSessionRegistry {
	return &PeerSessionRegistry{
		sessions: make(map[domain.PeerID]*peerSession),
	}
}

var _ ports.PeerSessionRegistry = (*PeerSessionRegistry)(nil)

func (r *PeerSessionRegistry) Register(conn domain.PeerConnection, ch ports.Channel) ports.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn.State = domain.ConnectionOpen
	if conn.DisplayLabel == "" {
		conn.DisplayLabel = domain.DisplayLabel(conn.PeerID)
	}

	var prior ports.Channel
	if existing, ok := r.sessions[conn.PeerID]; ok {
		if existing.channel != ch {
			prior = existing.channel
		}
	} else {
		r.order = append(r.order, conn.PeerID)
	}

	r.sessions[conn.PeerID] = &peerSession{conn: conn, channel: ch}
	return prior
}

func (r *PeerSessionRegistry) Lookup(peerID domain.PeerID) (ports.PeerSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[peerID]
	if !ok {
		return nil, false
	}
	return s, true
}

func (r *PeerSessionRegistry) Remove(peerID domain.PeerID, ch ports.Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[peerID]
	if !ok || (ch != nil && s.channel != ch) {
		return false
	}

	delete(r.sessions, peerID)
	for i, id := range r.order {
		if id == peerID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *PeerSessionRegistry) ListOpen() []domain.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]domain.PeerID, len(r.order))
	copy(ids, r.order)
	return ids
}

func (r *PeerSessionRegistry) Connections() []domain.PeerConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]domain.PeerConnection, 0, len(r.order))
	for _, id := range r.order {
		conns = append(conns, r.sessions[id].conn)
	}
	return conns
}

// Clear empties the registry and returns every channel it held.
func (r *PeerSessionRegistry) Clear() []ports.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	channels := make([]ports.Channel, 0, len(r.order))
	for _, id := range r.order {
		channels = append(channels, r.sessions[id].channel)
	}
	r.sessions = make(map[domain.PeerID]*peerSession)
	r.order = nil
	return channels
}
