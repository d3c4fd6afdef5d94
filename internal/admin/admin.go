// Package admin provides admin API endpoints for runtime inspection of
// gateway state. All endpoints are protected by IP allowlist.
package admin

import (
	"encoding/json"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"strconv"

	"github.com/dskow/bank-gateway/internal/circuitbreaker"
	"github.com/dskow/bank-gateway/internal/config"
	"github.com/dskow/bank-gateway/internal/ratelimit"
	"github.com/dskow/bank-gateway/internal/routing"
)

const redacted = "***"

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// Handler provides admin API endpoints.
type Handler struct {
	config      ConfigProvider
	limiter     *ratelimit.Limiter
	breakers    *circuitbreaker.Registry
	table       *routing.Table
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// New creates a new admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this).
func New(
	cfg ConfigProvider,
	limiter *ratelimit.Limiter,
	breakers *circuitbreaker.Registry,
	table *routing.Table,
	allowlist []string,
	logger *slog.Logger,
) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		config:      cfg,
		limiter:     limiter,
		breakers:    breakers,
		table:       table,
		allowedNets: nets,
		logger:      logger,
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/routes", h.guard(h.routesHandler))
	mux.HandleFunc("GET /admin/config", h.guard(h.configHandler))
	mux.HandleFunc("GET /admin/limiters", h.guard(h.limitersHandler))
	mux.HandleFunc("GET /admin/breakers", h.guard(h.breakersHandler))
	mux.HandleFunc("POST /admin/breakers/{service}/reset", h.guard(h.resetHandler))
}

// guard wraps a handler with IP allowlist checking.
func (h *Handler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "Forbidden",
			})
			return
		}
		next(w, r)
	}
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// routeStatus is the response type for /admin/routes.
type routeStatus struct {
	Pattern             string   `json:"pattern"`
	Service             string   `json:"service"`
	Methods             []string `json:"methods,omitempty"`
	RequiresAuth        bool     `json:"requires_auth"`
	CircuitBreakerState string   `json:"circuit_breaker_state"`
}

func (h *Handler) routesHandler(w http.ResponseWriter, r *http.Request) {
	routes := h.table.Routes()
	statuses := make([]routeStatus, len(routes))
	for i, route := range routes {
		statuses[i] = routeStatus{
			Pattern:             route.Pattern,
			Service:             route.Service,
			Methods:             route.Methods,
			RequiresAuth:        route.RequiresAuth,
			CircuitBreakerState: h.breakers.State(route.Service).String(),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"routes":       statuses,
		"public_paths": h.table.PublicPaths(),
	})
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, redact(h.config.Current()))
}

// redact returns a copy of cfg with credentials masked. Route header values
// often carry service keys, so every value is masked.
func redact(cfg *config.Config) config.Config {
	out := *cfg
	if out.Discovery.Consul.Token != "" {
		out.Discovery.Consul.Token = redacted
	}
	out.Gateway.Routes = make([]config.RouteConfig, len(cfg.Gateway.Routes))
	for i, route := range cfg.Gateway.Routes {
		if len(route.Headers) > 0 {
			route.Headers = maps.Clone(route.Headers)
			for k := range route.Headers {
				route.Headers[k] = redacted
			}
		}
		out.Gateway.Routes[i] = route
	}
	return out
}

func (h *Handler) limitersHandler(w http.ResponseWriter, r *http.Request) {
	entries := h.limiter.Snapshot()

	pageSize := defaultPageSize
	page := 0
	if v, err := strconv.Atoi(r.URL.Query().Get("page_size")); err == nil && v > 0 && v <= maxPageSize {
		pageSize = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v >= 0 {
		page = v
	}

	total := len(entries)
	start := min(page*pageSize, total)
	end := min(start+pageSize, total)

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries[start:end],
		"total":   total,
		"page":    page,
	})
}

func (h *Handler) breakersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": h.breakers.Snapshot()})
}

func (h *Handler) resetHandler(w http.ResponseWriter, r *http.Request) {
	service := r.PathValue("service")
	if !h.breakers.Reset(service) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "no breaker for service " + service,
		})
		return
	}
	h.logger.Info("circuit breaker reset via admin API", "service", service, "client_ip", extractIP(r.RemoteAddr))
	writeJSON(w, http.StatusOK, circuitbreaker.Status{Service: service, State: h.breakers.State(service)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
