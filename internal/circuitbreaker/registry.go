package circuitbreaker

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/dskow/bank-gateway/internal/config"
)

// Status is a point-in-time view of one service's breaker.
type Status struct {
	Service string `json:"service"`
	State   State  `json:"state"`
}

// Registry hands out one Guard per logical service, created on first use.
type Registry struct {
	logger *slog.Logger

	mu     sync.RWMutex
	cfg    config.CircuitBreakerConfig
	guards map[string]*Guard
}

// NewRegistry creates a registry whose guards use cfg.
func NewRegistry(cfg config.CircuitBreakerConfig, logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger,
		cfg:    cfg,
		guards: make(map[string]*Guard),
	}
}

// Guard returns the guard for service.
func (r *Registry) Guard(service string) *Guard {
	r.mu.RLock()
	g, ok := r.guards[service]
	r.mu.RUnlock()
	if ok {
		return g
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.guards[service]; ok {
		return g
	}
	g = newGuard(service, r.cfg, r.logger)
	r.guards[service] = g
	return g
}

// Update applies new settings to every existing and future guard. Breaker
// state is kept; a changed window size starts a fresh window.
func (r *Registry) Update(cfg config.CircuitBreakerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	for _, g := range r.guards {
		g.core.configure(cfg.WindowSize, cfg.FailureThreshold, cfg.ResetTimeout, cfg.HalfOpenMax)
		g.apply(cfg)
	}
	r.logger.Info("circuit breaker settings updated", "services", len(r.guards))
}

// State returns the state for service. Services never seen are closed.
func (r *Registry) State(service string) State {
	r.mu.RLock()
	g, ok := r.guards[service]
	r.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	return g.State()
}

// Reset closes the breaker of service. Returns false if it has none.
func (r *Registry) Reset(service string) bool {
	r.mu.RLock()
	g, ok := r.guards[service]
	r.mu.RUnlock()
	if ok {
		g.core.Reset()
	}
	return ok
}

// Snapshot lists every known breaker ordered by service name.
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	out := make([]Status, 0, len(r.guards))
	for name, g := range r.guards {
		out = append(out, Status{Service: name, State: g.State()})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}
