package redis

import (
	"context"
	"fmt"
	"time"

	"dropnet/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = "dropnet:schema:version"
	migrationLockKey     = "dropnet:lock:migrations"
	currentSchemaVersion = 2
)

// Migration represents a keyspace migration
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client) error
}

// Migrate runs all pending migrations. Replicas starting together serialize
// on a lock so each migration runs once.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	return distributed.WithLock(ctx, client, migrationLockKey, 30*time.Second, 10*time.Second, func() error {
		return migrate(ctx, client, logger)
	})
}

func migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Infow("schema is up to date",
				"current_version", currentVersion,
				"target_version", currentSchemaVersion,
			)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version)
		}

		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	if logger != nil {
		logger.Infow("all migrations completed", "final_version", currentSchemaVersion)
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client *redis.Client, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			// 1: versioned keyspace.
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client) error {
				return nil
			},
		},
		{
			// 2: presence index moved from a set to a sorted set scored by
			// connection time. Any leftover set is dropped; live servers
			// repopulate it on the next registration.
			Version: 2,
			Up: func(ctx context.Context, client *redis.Client) error {
				kind, err := client.Type(ctx, presenceIndexKey).Result()
				if err != nil {
					return err
				}
				if kind == "set" {
					return client.Del(ctx, presenceIndexKey).Err()
				}
				return nil
			},
		},
	}
}
