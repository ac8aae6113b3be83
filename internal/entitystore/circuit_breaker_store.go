package entitystore

import (
	"context"
	"errors"

	"github.com/sony/gobreaker"

	"curator/internal/blockgraph"
	"curator/internal/config"
	"curator/internal/logger"
	"curator/internal/proposal"
	"curator/pkg/circuitbreaker"
	pkgerrors "curator/pkg/errors"
)

// CircuitBreakerStore shields the scheduler from a struggling downstream
// store. When the breaker is open, writes fail fast as ErrServiceUnavailable
// so the cycle records the failure instead of piling on.
type CircuitBreakerStore struct {
	store   Store
	breaker *circuitbreaker.Wrapper
	logger  logger.Logger
}

func NewCircuitBreakerStore(store Store, breakerCfg config.CircuitBreakerConfig, log logger.Logger) Store {
	cfg := circuitbreaker.DefaultConfig("entity-store")
	if breakerCfg.MaxRequests > 0 {
		cfg.MaxRequests = breakerCfg.MaxRequests
	}
	if breakerCfg.Interval > 0 {
		cfg.Interval = breakerCfg.Interval
	}
	if breakerCfg.Timeout > 0 {
		cfg.Timeout = breakerCfg.Timeout
	}
	if breakerCfg.FailureRatio > 0 && breakerCfg.MinRequests > 0 {
		cfg.ReadyToTrip = func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= breakerCfg.MinRequests && ratio >= breakerCfg.FailureRatio
		}
	}
	cfg.OnStateChange = func(name string, from, to gobreaker.State) {
		log.Warnw("entity store circuit breaker state change",
			"breaker", name,
			"from", from.String(),
			"to", to.String(),
		)
	}

	return &CircuitBreakerStore{
		store:   store,
		breaker: circuitbreaker.NewWrapper(cfg),
		logger:  log,
	}
}

func (s *CircuitBreakerStore) ApplyBlock(ctx context.Context, target proposal.TargetKey, block *blockgraph.BlockType, fields map[string]proposal.FieldValue) error {
	_, err := s.breaker.ExecuteWithContext(ctx, func() (interface{}, error) {
		return nil, s.store.ApplyBlock(ctx, target, block, fields)
	})
	s.breaker.RecordRequest(err == nil)

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return pkgerrors.ErrServiceUnavailable.WithCause(err).
			WithDetail("target_key", target.String())
	}
	return err
}

func (s *CircuitBreakerStore) HealthCheck(ctx context.Context) error {
	return s.store.HealthCheck(ctx)
}
