// Package health provides health check and readiness probe HTTP handlers.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dskow/bank-gateway/internal/circuitbreaker"
	"github.com/dskow/bank-gateway/internal/discovery"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

const (
	readinessCacheTTL = 5 * time.Second
	lookupTimeout     = 2 * time.Second
	maxParallelChecks = 8
)

// Service check results.
const (
	StatusOK             = "ok"
	StatusNoInstances    = "no-instances"
	StatusDiscoveryError = "discovery-error"
	StatusCircuitOpen    = "circuit-open"
	StatusHalfOpen       = "circuit-half-open"
)

// ServiceStatus is the readiness of one routed service.
type ServiceStatus struct {
	Status    string `json:"status"`
	Instances int    `json:"instances,omitempty"`
}

type readinessBody struct {
	Status   string                   `json:"status"`
	Services map[string]ServiceStatus `json:"services"`
}

// Handler provides /health and /ready endpoints.
type Handler struct {
	services []string
	resolver discovery.Resolver
	breakers *circuitbreaker.Registry
	logger   *slog.Logger
	now      func() time.Time

	// Cached readiness result so frequent probes do not hit discovery on
	// every poll. Protected by cacheMu.
	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates a health Handler. The gateway is ready when every service
// has at least one instance and a breaker that is not open. breakers may
// be nil.
func New(services []string, resolver discovery.Resolver, breakers *circuitbreaker.Registry, logger *slog.Logger) *Handler {
	return &Handler{
		services: services,
		resolver: resolver,
		breakers: breakers,
		logger:   logger,
		now:      time.Now,
	}
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	h.cacheMu.RLock()
	if h.cachedResult != nil && h.now().Sub(h.cachedAt) < readinessCacheTTL {
		body, status := h.cachedResult, h.cachedStatus
		h.cacheMu.RUnlock()
		writeBody(w, status, body)
		return
	}
	h.cacheMu.RUnlock()

	results := h.Check(r.Context())

	httpStatus := http.StatusOK
	out := readinessBody{Status: "ready", Services: results}
	for _, res := range results {
		if res.Status != StatusOK && res.Status != StatusHalfOpen {
			httpStatus = http.StatusServiceUnavailable
			out.Status = "not ready"
			break
		}
	}

	body, _ := json.Marshal(out)
	body = append(body, '\n')

	h.cacheMu.Lock()
	h.cachedResult = body
	h.cachedStatus = httpStatus
	h.cachedAt = h.now()
	h.cacheMu.Unlock()

	writeBody(w, httpStatus, body)
}

// Check evaluates every service. Breaker state is consulted first; a
// service whose breaker is closed is then resolved through discovery.
func (h *Handler) Check(ctx context.Context) map[string]ServiceStatus {
	var mu sync.Mutex
	results := make(map[string]ServiceStatus, len(h.services))

	var g errgroup.Group
	g.SetLimit(maxParallelChecks)
	for _, svc := range h.services {
		g.Go(func() error {
			st := h.checkService(ctx, svc)
			mu.Lock()
			results[svc] = st
			mu.Unlock()
			return nil
		})
	}
	g.Wait() //nolint:errcheck
	return results
}

func (h *Handler) checkService(ctx context.Context, service string) ServiceStatus {
	if h.breakers != nil {
		switch h.breakers.State(service) {
		case circuitbreaker.StateOpen:
			return ServiceStatus{Status: StatusCircuitOpen}
		case circuitbreaker.StateHalfOpen:
			return ServiceStatus{Status: StatusHalfOpen}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	instances, err := h.resolver.Resolve(ctx, service)
	switch {
	case errors.Is(err, discovery.ErrNoInstances):
		h.logger.Warn("service has no instances", "service", service)
		return ServiceStatus{Status: StatusNoInstances}
	case err != nil:
		h.logger.Warn("service lookup failed", "service", service, "error", err)
		return ServiceStatus{Status: StatusDiscoveryError}
	}
	return ServiceStatus{Status: StatusOK, Instances: len(instances)}
}

func writeBody(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
