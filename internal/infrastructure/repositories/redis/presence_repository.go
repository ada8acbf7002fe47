package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dropnet/internal/core/domain"
	"dropnet/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const (
	presencePrefix   = "dropnet:presence:"
	presenceIndexKey = "dropnet:presence:index"
)

// RedisPresenceRepository shares the peer directory between signaling server
// replicas. Entries expire after ttl unless refreshed by Add.
type RedisPresenceRepository struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisPresenceRepository(client *redis.Client, ttl time.Duration) ports.PresenceRepository {
	return &RedisPresenceRepository{
		client: client,
		ttl:    ttl,
	}
}

func (r *RedisPresenceRepository) presenceKey(id domain.PeerID) string {
	return presencePrefix + string(id)
}

func (r *RedisPresenceRepository) Add(ctx context.Context, presence *domain.Presence) error {
	data, err := json.Marshal(presence)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.presenceKey(presence.PeerID), data, r.ttl)
		pipe.ZAdd(ctx, presenceIndexKey, redis.Z{
			Score:  float64(presence.ConnectedAt.UnixNano()),
			Member: string(presence.PeerID),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store presence in Redis: %w", err)
	}
	return nil
}

func (r *RedisPresenceRepository) Remove(ctx context.Context, id domain.PeerID) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.presenceKey(id))
		pipe.ZRem(ctx, presenceIndexKey, string(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove presence from Redis: %w", err)
	}
	return nil
}

func (r *RedisPresenceRepository) Exists(ctx context.Context, id domain.PeerID) (bool, error) {
	n, err := r.client.Exists(ctx, r.presenceKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check presence in Redis: %w", err)
	}
	return n > 0, nil
}

// List returns live peers ordered by connection time. Index members whose
// presence key has expired are pruned.
func (r *RedisPresenceRepository) List(ctx context.Context) ([]domain.PeerID, error) {
	members, err := r.client.ZRange(ctx, presenceIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list presence index: %w", err)
	}
	if len(members) == 0 {
		return []domain.PeerID{}, nil
	}

	pipe := r.client.Pipeline()
	checks := make([]*redis.IntCmd, len(members))
	for i, m := range members {
		checks[i] = pipe.Exists(ctx, r.presenceKey(domain.PeerID(m)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to check presence keys: %w", err)
	}

	ids := make([]domain.PeerID, 0, len(members))
	var stale []interface{}
	for i, m := range members {
		if checks[i].Val() > 0 {
			ids = append(ids, domain.PeerID(m))
		} else {
			stale = append(stale, m)
		}
	}
	if len(stale) > 0 {
		r.client.ZRem(ctx, presenceIndexKey, stale...)
	}
	return ids, nil
}
