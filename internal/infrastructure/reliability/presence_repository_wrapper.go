package reliability

import (
	"context"
	"time"

	"dropnet/internal/core/domain"
	"dropnet/internal/core/ports"
	"dropnet/pkg/circuitbreaker"
	"dropnet/pkg/config"
	"dropnet/pkg/retry"

	"go.uber.org/zap"
)

// PresenceRepositoryWrapper guards a presence store with retries and a
// circuit breaker. Writes are retried; reads only go through the breaker so
// routing fails fast while the store is down.
type PresenceRepositoryWrapper struct {
	repo   ports.PresenceRepository
	logger *zap.SugaredLogger

	retryConfig    retry.Config
	circuitBreaker *circuitbreaker.CircuitBreaker
}

// NewPresenceRepositoryWrapper creates a new wrapper with retry and circuit breaker
func NewPresenceRepositoryWrapper(
	repo ports.PresenceRepository,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *PresenceRepositoryWrapper {
	w := &PresenceRepositoryWrapper{
		repo:           repo,
		logger:         logger,
		retryConfig:    retryConfig,
		circuitBreaker: circuitbreaker.New(cbConfig),
	}

	// An open breaker will not recover by retrying.
	w.retryConfig.NonRetryableErrors = append(w.retryConfig.NonRetryableErrors, circuitbreaker.ErrOpen)
	if w.retryConfig.OnRetry == nil {
		w.retryConfig.OnRetry = func(attempt int, err error, delay time.Duration) {
			logger.Debugw("retrying presence operation", "attempt", attempt, "delay", delay, "error", err)
		}
	}

	w.circuitBreaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("presence circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})

	return w
}

// WrapPresenceRepository builds the wrapper from configuration. With
// reliability disabled the repository is returned as is.
func WrapPresenceRepository(repo ports.PresenceRepository, cfg *config.Config, logger *zap.SugaredLogger) ports.PresenceRepository {
	if !cfg.Reliability.Enabled {
		return repo
	}

	retryConfig := retry.DefaultConfig()
	retryConfig.MaxAttempts = cfg.Reliability.RetryAttempts
	if cfg.Reliability.RetryInitialDelay > 0 {
		retryConfig.InitialDelay = cfg.Reliability.RetryInitialDelay
	}

	cbConfig := circuitbreaker.DefaultConfig()
	cbConfig.FailureThreshold = cfg.Reliability.BreakerFailureThreshold
	if cfg.Reliability.BreakerTimeout > 0 {
		cbConfig.Timeout = cfg.Reliability.BreakerTimeout
	}

	return NewPresenceRepositoryWrapper(repo, retryConfig, cbConfig, logger)
}

func (w *PresenceRepositoryWrapper) Add(ctx context.Context, presence *domain.Presence) error {
	return retry.Retry(ctx, w.retryConfig, func() error {
		return w.circuitBreaker.Execute(ctx, func() error {
			return w.repo.Add(ctx, presence)
		})
	})
}

func (w *PresenceRepositoryWrapper) Remove(ctx context.Context, id domain.PeerID) error {
	return retry.Retry(ctx, w.retryConfig, func() error {
		return w.circuitBreaker.Execute(ctx, func() error {
			return w.repo.Remove(ctx, id)
		})
	})
}

func (w *PresenceRepositoryWrapper) Exists(ctx context.Context, id domain.PeerID) (bool, error) {
	return circuitbreaker.Do(ctx, w.circuitBreaker, func() (bool, error) {
		return w.repo.Exists(ctx, id)
	})
}

func (w *PresenceRepositoryWrapper) List(ctx context.Context) ([]domain.PeerID, error) {
	return circuitbreaker.Do(ctx, w.circuitBreaker, func() ([]domain.PeerID, error) {
		return w.repo.List(ctx)
	})
}

// GetCircuitBreakerStats returns circuit breaker statistics
func (w *PresenceRepositoryWrapper) GetCircuitBreakerStats() circuitbreaker.Stats {
	return w.circuitBreaker.GetStats()
}
