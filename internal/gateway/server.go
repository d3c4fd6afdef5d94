package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/dskow/bank-gateway/internal/admin"
	"github.com/dskow/bank-gateway/internal/auth"
	"github.com/dskow/bank-gateway/internal/circuitbreaker"
	"github.com/dskow/bank-gateway/internal/config"
	"github.com/dskow/bank-gateway/internal/discovery"
	"github.com/dskow/bank-gateway/internal/forward"
	"github.com/dskow/bank-gateway/internal/health"
	"github.com/dskow/bank-gateway/internal/httpclient"
	"github.com/dskow/bank-gateway/internal/metrics"
	"github.com/dskow/bank-gateway/internal/middleware"
	"github.com/dskow/bank-gateway/internal/ratelimit"
	"github.com/dskow/bank-gateway/internal/routing"
	"github.com/dskow/bank-gateway/internal/tracing"
)

// Options override the collaborators Server would otherwise build from
// configuration. Zero values select the configured behaviour.
type Options struct {
	Logger *slog.Logger
	// Config serves /admin/config; defaults to the config passed to New.
	Config admin.ConfigProvider
	// Resolver replaces the configured discovery provider.
	Resolver discovery.Resolver
	// Validator replaces the remote token validator.
	Validator auth.Validator
	// TraceOutput receives spans from the stdout exporter; defaults to
	// os.Stdout.
	TraceOutput io.Writer
}

type staticConfig struct{ cfg *config.Config }

func (s staticConfig) Current() *config.Config { return s.cfg }

// Server is the assembled gateway: route table, middleware stack, probes,
// metrics and admin endpoints.
type Server struct {
	handler  http.Handler
	table    *routing.Table
	limiter  *ratelimit.Limiter
	breakers *circuitbreaker.Registry
	pool     *httpclient.Pool
	tracer   *tracing.Provider
	logger   *slog.Logger
}

// New builds every component described by cfg. Close releases them.
func New(cfg *config.Config, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	table, err := cfg.RouteTable()
	if err != nil {
		return nil, fmt.Errorf("building route table: %w", err)
	}

	resolver := opts.Resolver
	if resolver == nil {
		resolver, err = discovery.New(cfg.Discovery, logger)
		if err != nil {
			return nil, fmt.Errorf("creating service discovery: %w", err)
		}
	}

	traceOut := opts.TraceOutput
	if traceOut == nil {
		traceOut = os.Stdout
	}
	tracer, err := tracing.Init(cfg.Tracing, traceOut)
	if err != nil {
		return nil, fmt.Errorf("initialising tracing: %w", err)
	}

	pool := httpclient.New(cfg.HTTPClient, resolver, logger)
	breakers := circuitbreaker.NewRegistry(cfg.CircuitBreaker, logger)
	forwarder := forward.New(pool.Client(), breakers, cfg.HTTPClient.MaxResponseBytes, logger)

	validator := opts.Validator
	if validator == nil {
		if cfg.Gateway.OAuth2.ValidationEndpoint == "" {
			logger.Error("gateway.oauth2.validation_endpoint is not configured; protected routes will answer 401")
		}
		validator = auth.NewRemoteValidator(cfg.Gateway.OAuth2.ValidationEndpoint, pool.Client())
	}
	gate := auth.NewGate(table, validator, logger)

	limiter := ratelimit.New(cfg.RateLimit, table, cfg.Gateway.Routes, cfg.Server.TrustedProxies, logger)
	entry := NewHandler(table, cfg.Gateway.Routes, forwarder, logger)

	// Gateway stack, innermost last:
	// Instrument → RejectDotSegments → CORS → Deadline → BodyLimit →
	// RateLimit → Auth → Handler
	var routed http.Handler = entry
	routed = gate.Middleware(routed)
	routed = limiter.Middleware()(routed)
	routed = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(routed)
	routed = middleware.Deadline(cfg.Server.GlobalTimeout())(routed)
	routed = middleware.CORS(middleware.DefaultCORSConfig())(routed)
	routed = middleware.RejectDotSegments(routed)
	routed = Instrument(table)(routed)

	// Probes, scrapes and admin calls skip the gateway stack.
	mux := http.NewServeMux()
	health.New(table.Services(), resolver, breakers, logger).RegisterRoutes(mux)
	local := map[string]bool{"/health": true, "/ready": true}
	if cfg.Metrics.IsEnabled() {
		metrics.Init()
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		local[cfg.Metrics.Path] = true
		logger.Info("metrics endpoint registered", "path", cfg.Metrics.Path)
	}
	if cfg.Admin.Enabled {
		provider := opts.Config
		if provider == nil {
			provider = staticConfig{cfg: cfg}
		}
		admin.New(provider, limiter, breakers, table, cfg.Admin.IPAllowlist, logger).RegisterRoutes(mux)
		logger.Info("admin API enabled", "allowlist", cfg.Admin.IPAllowlist)
	}

	dispatch := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if local[r.URL.Path] || (cfg.Admin.Enabled && strings.HasPrefix(r.URL.Path, "/admin/")) {
			mux.ServeHTTP(w, r)
			return
		}
		routed.ServeHTTP(w, r)
	})

	skip := make([]string, 0, len(local))
	for p := range local {
		skip = append(skip, p)
	}

	// Shared outer stack:
	// Recovery → RequestID → Tracing → SecurityHeaders → Logging → dispatch
	var handler http.Handler = dispatch
	handler = middleware.Logging(logger, entry.RouteInfo, &middleware.LoggingConfig{
		BodyLogging:     cfg.Logging.BodyLogging,
		MaxBodyLogBytes: cfg.Logging.MaxBodyLogBytes,
		SkipPaths:       skip,
	})(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = tracing.Middleware(tracer.Tracer())(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	return &Server{
		handler:  handler,
		table:    table,
		limiter:  limiter,
		breakers: breakers,
		pool:     pool,
		tracer:   tracer,
		logger:   logger,
	}, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Table returns the immutable route table.
func (s *Server) Table() *routing.Table { return s.table }

// Apply hot-reloads the rate limit and circuit breaker settings of cfg.
// It is registered as a config.Reloader callback.
func (s *Server) Apply(cfg *config.Config) {
	s.limiter.Update(cfg.RateLimit)
	s.breakers.Update(cfg.CircuitBreaker)
}

// Close stops background goroutines and flushes pending spans.
func (s *Server) Close(ctx context.Context) error {
	s.limiter.Stop()
	return errors.Join(s.pool.Close(), s.tracer.Shutdown(ctx))
}
