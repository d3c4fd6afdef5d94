// Package gateway is the entry point of the API gateway: it accepts every
// method on every path, matches the request against the route table and
// hands it to the forwarder.
package gateway

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dskow/bank-gateway/internal/apierror"
	"github.com/dskow/bank-gateway/internal/config"
	"github.com/dskow/bank-gateway/internal/forward"
	"github.com/dskow/bank-gateway/internal/metrics"
	"github.com/dskow/bank-gateway/internal/middleware"
	"github.com/dskow/bank-gateway/internal/ratelimit"
	"github.com/dskow/bank-gateway/internal/routing"
)

const unmatchedRoute = "unmatched"

// routeExtras holds per-route settings the route table does not carry.
type routeExtras struct {
	seed     http.Header
	logLevel slog.Level
}

// Handler matches requests to routes and forwards them.
type Handler struct {
	table     *routing.Table
	extras    map[string]routeExtras // route pattern -> extras
	forwarder *forward.Forwarder
	logger    *slog.Logger
}

// NewHandler builds the entry point over table. routes supplies the
// per-route headers and log levels, keyed by pattern.
func NewHandler(table *routing.Table, routes []config.RouteConfig, forwarder *forward.Forwarder, logger *slog.Logger) *Handler {
	extras := make(map[string]routeExtras, len(routes))
	for _, rc := range routes {
		seed := make(http.Header, len(rc.Headers))
		for k, v := range rc.Headers {
			seed.Set(k, v)
		}
		extras[rc.Path] = routeExtras{seed: seed, logLevel: middleware.ParseLogLevel(rc.LogLevel)}
	}
	return &Handler{
		table:     table,
		extras:    extras,
		forwarder: forwarder,
		logger:    logger,
	}
}

// ServeHTTP implements http.Handler. Matching uses the decoded path and
// ignores the query; forwarding keeps both as received.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, ok := h.table.Match(r.URL.Path)
	if !ok {
		forward.NoRoute(r.URL.Path).Write(w) //nolint:errcheck
		return
	}

	if !route.AllowsMethod(r.Method) {
		w.Header().Set("Allow", strings.Join(route.Methods, ", "))
		apierror.WriteJSON(w, http.StatusMethodNotAllowed, apierror.MethodNotAllowed,
			"method "+r.Method+" is not allowed on "+route.Pattern)
		return
	}

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			if middleware.IsBodyTooLarge(err) {
				middleware.WriteBodyLimitError(w)
				return
			}
			h.logger.Warn("reading request body failed", "path", r.URL.Path, "error", err)
			apierror.WriteJSON(w, http.StatusBadRequest, apierror.BadRequest, "request body could not be read")
			return
		}
	}

	resp := h.forwarder.Route(r.Context(), forward.Request{
		Service:  route.Service,
		Method:   r.Method,
		Path:     r.URL.EscapedPath(),
		RawQuery: r.URL.RawQuery,
		Header:   r.Header,
		Seed:     h.extras[route.Pattern].seed,
		Body:     body,
		ClientIP: clientIP(r),
	})
	if err := resp.Write(w); err != nil {
		h.logger.Debug("writing response to client failed",
			"path", r.URL.Path, "service", route.Service, "status", resp.Status, "error", err)
	}
}

// RouteInfo reports the service and access-log level for path.
func (h *Handler) RouteInfo(path string) (string, slog.Level) {
	route, ok := h.table.Match(path)
	if !ok {
		return "", slog.LevelInfo
	}
	ex, ok := h.extras[route.Pattern]
	if !ok {
		return route.Service, slog.LevelInfo
	}
	return route.Service, ex.logLevel
}

// clientIP prefers the address resolved by the rate limiter, which honours
// trusted proxies, and falls back to the peer address.
func clientIP(r *http.Request) string {
	if ip := ratelimit.ClientIP(r.Context()); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Instrument records request count, latency and in-flight gauge for every
// request reaching next, labelled by matched route pattern.
func Instrument(table *routing.Table) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			metrics.ActiveRequests.Inc()
			defer metrics.ActiveRequests.Dec()

			pattern, service := unmatchedRoute, ""
			if route, ok := table.Match(r.URL.Path); ok {
				pattern, service = route.Pattern, route.Service
			}

			start := time.Now()
			rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			metrics.RequestDuration.WithLabelValues(pattern, r.Method).Observe(time.Since(start).Seconds())
			metrics.RequestsTotal.WithLabelValues(pattern, service, r.Method, strconv.Itoa(rec.status)).Inc()
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusWriter) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Unwrap() http.ResponseWriter { return s.ResponseWriter }
