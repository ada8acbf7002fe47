package redis

import (
	"context"
	"fmt"
	"time"

	"dropnet/pkg/config"
	"dropnet/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ClientOptions are the connection settings taken from the redis section of
// the config.
type ClientOptions struct {
	Address  string
	Password string
	DB       int
	PoolSize int

	// ConnectRetries is how many more pings are tried while Redis is still
	// starting up.
	ConnectRetries int
}

func NewClientOptions(cfg *config.Config) ClientOptions {
	return ClientOptions{
		Address:        cfg.Redis.Address,
		Password:       cfg.Redis.Password,
		DB:             cfg.Redis.DB,
		PoolSize:       cfg.Redis.PoolSize,
		ConnectRetries: 2,
	}
}

// Connect opens a pooled client, waits until Redis answers and brings the
// keyspace up to date.
func Connect(ctx context.Context, opts ClientOptions, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: 2,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ping := retry.DefaultConfig()
	ping.MaxAttempts = opts.ConnectRetries
	ping.InitialDelay = 200 * time.Millisecond
	ping.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Debugw("waiting for Redis", "address", opts.Address, "attempt", attempt, "error", err)
	}
	if err := retry.Retry(ctx, ping, func() error { return client.Ping(ctx).Err() }); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Address, err)
	}

	if err := Migrate(ctx, client, logger); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Infow("connected to Redis",
		"address", opts.Address,
		"db", opts.DB,
		"pool_size", opts.PoolSize,
	)
	return client, nil
}
