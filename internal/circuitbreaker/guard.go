package circuitbreaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dskow/bank-gateway/internal/config"
	"github.com/dskow/bank-gateway/internal/metrics"
)

// Guard is the protection stack of one service: a failure-rate breaker,
// an optional slow-call rule that counts successes slower than a threshold
// as failures, and an optional bulkhead capping concurrent requests.
type Guard struct {
	service string
	core    *FailureRateBreaker
	now     func() time.Time

	mu       sync.RWMutex
	slow     time.Duration
	bulkhead *semaphore.Weighted // nil when unlimited
}

func newGuard(service string, cfg config.CircuitBreakerConfig, logger *slog.Logger) *Guard {
	g := &Guard{
		service: service,
		core:    NewFailureRateBreaker(service, cfg.WindowSize, cfg.FailureThreshold, cfg.ResetTimeout, cfg.HalfOpenMax, logger),
		now:     time.Now,
	}
	g.apply(cfg)
	return g
}

func (g *Guard) apply(cfg config.CircuitBreakerConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.slow = cfg.SlowThreshold
	g.bulkhead = nil
	if cfg.MaxConcurrent > 0 {
		g.bulkhead = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
}

// Acquire admits a request or returns an error wrapping ErrOpen. On success
// the caller must invoke done exactly once with the request's outcome
// (see IsFailure).
func (g *Guard) Acquire() (done func(failed bool), err error) {
	g.mu.RLock()
	bulk, slow := g.bulkhead, g.slow
	g.mu.RUnlock()

	if bulk != nil && !bulk.TryAcquire(1) {
		metrics.BreakerRejections.WithLabelValues(g.service).Inc()
		return nil, fmt.Errorf("service %s: bulkhead full: %w", g.service, ErrOpen)
	}
	if !g.core.Allow() {
		if bulk != nil {
			bulk.Release(1)
		}
		metrics.BreakerRejections.WithLabelValues(g.service).Inc()
		return nil, fmt.Errorf("service %s: %w", g.service, ErrOpen)
	}

	start := g.now()
	var once sync.Once
	return func(failed bool) {
		once.Do(func() {
			latency := g.now().Sub(start)
			if !failed && slow > 0 && latency > slow {
				failed = true
			}
			g.core.Record(failed, latency)
			if bulk != nil {
				bulk.Release(1)
			}
		})
	}, nil
}

// State returns the service's circuit state.
func (g *Guard) State() State { return g.core.State() }
