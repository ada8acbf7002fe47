package repositories

import (
	"context"
	"time"

	"dropnet/internal/core/ports"
	"dropnet/internal/infrastructure/repositories/memory"
	redisrepo "dropnet/internal/infrastructure/repositories/redis"
	"dropnet/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	presenceTTL time.Duration
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory creates a new repository factory. An unreachable
// Redis is not fatal: the factory falls back to in-memory repositories.
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	factory := &RepositoryFactory{
		useRedis:    cfg.Redis.Enabled,
		presenceTTL: cfg.Signal.PresenceTTL,
		logger:      logger,
	}

	if cfg.Redis.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		client, err := redisrepo.Connect(ctx, redisrepo.NewClientOptions(cfg), logger)
		cancel()
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory, nil
}

// UsingRedis reports whether repositories are backed by Redis.
func (f *RepositoryFactory) UsingRedis() bool {
	return f.useRedis && f.redisClient != nil
}

// RedisClient returns the Redis client, or nil when running on memory.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if f.UsingRedis() {
		return f.redisClient
	}
	return nil
}

// CreatePresenceRepository creates the signaling directory (Redis or memory
// with fallback)
func (f *RepositoryFactory) CreatePresenceRepository() ports.PresenceRepository {
	if f.UsingRedis() {
		return redisrepo.NewRedisPresenceRepository(f.redisClient, f.presenceTTL)
	}
	return memory.NewMemoryPresenceRepository()
}

// CreatePeerSessionRegistry creates a peer session registry. Sessions hold
// live channels, so the registry is always in memory.
func (f *RepositoryFactory) CreatePeerSessionRegistry() ports.PeerSessionRegistry {
	return memory.NewPeerSessionRegistry()
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.UsingRedis() {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
