package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dskow/bank-gateway/internal/circuitbreaker"
	"github.com/dskow/bank-gateway/internal/config"
	"github.com/dskow/bank-gateway/internal/discovery"
)

var testLogger = slog.New(slog.DiscardHandler)

func staticResolver(t *testing.T, services map[string][]string) discovery.Resolver {
	t.Helper()
	r, err := discovery.NewStatic(services)
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}
	return r
}

func serve(h *Handler, path string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) readinessBody {
	t.Helper()
	var body readinessBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	return body
}

func TestLiveness_AlwaysReturns200(t *testing.T) {
	rec := serve(New(nil, nil, nil, testLogger), "/health")

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}
	if rec.Body.String() != "{\"status\":\"ok\"}\n" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestReadiness_AllServicesResolvable(t *testing.T) {
	resolver := staticResolver(t, map[string][]string{
		"service-account": {"10.0.0.1:8080", "10.0.0.2:8080"},
		"service-payment": {"10.0.0.3:8080"},
	})
	h := New([]string{"service-account", "service-payment"}, resolver, nil, testLogger)

	rec := serve(h, "/ready")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decode(t, rec)
	if body.Status != "ready" {
		t.Errorf("expected ready, got %q", body.Status)
	}
	if got := body.Services["service-account"]; got.Status != StatusOK || got.Instances != 2 {
		t.Errorf("service-account = %+v", got)
	}
}

func TestReadiness_NoInstances(t *testing.T) {
	resolver := staticResolver(t, map[string][]string{"service-account": {"10.0.0.1:8080"}})
	h := New([]string{"service-account", "service-card"}, resolver, nil, testLogger)

	rec := serve(h, "/ready")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	body := decode(t, rec)
	if body.Status != "not ready" || body.Services["service-card"].Status != StatusNoInstances {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestReadiness_DiscoveryError(t *testing.T) {
	failing := resolverFunc(func(context.Context, string) ([]discovery.Instance, error) {
		return nil, errors.New("agent unreachable")
	})
	h := New([]string{"service-account"}, failing, nil, testLogger)

	body := decode(t, serve(h, "/ready"))
	if body.Services["service-account"].Status != StatusDiscoveryError {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestReadiness_CircuitOpen(t *testing.T) {
	breakers := circuitbreaker.NewRegistry(config.CircuitBreakerConfig{
		WindowSize:       1,
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		HalfOpenMax:      1,
	}, testLogger)
	done, err := breakers.Guard("service-account").Acquire()
	if err != nil {
		t.Fatal(err)
	}
	done(true)

	resolver := staticResolver(t, map[string][]string{"service-account": {"10.0.0.1:8080"}})
	h := New([]string{"service-account"}, resolver, breakers, testLogger)

	rec := serve(h, "/ready")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if st := decode(t, rec).Services["service-account"].Status; st != StatusCircuitOpen {
		t.Errorf("expected circuit-open, got %q", st)
	}
}

type resolverFunc func(ctx context.Context, service string) ([]discovery.Instance, error)

func (f resolverFunc) Resolve(ctx context.Context, service string) ([]discovery.Instance, error) {
	return f(ctx, service)
}

func TestReadiness_Cached(t *testing.T) {
	var calls atomic.Int32
	counting := resolverFunc(func(context.Context, string) ([]discovery.Instance, error) {
		calls.Add(1)
		return []discovery.Instance{{Address: "10.0.0.1", Port: 80}}, nil
	})
	h := New([]string{"service-account"}, counting, nil, testLogger)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	serve(h, "/ready")
	serve(h, "/ready")
	if calls.Load() != 1 {
		t.Fatalf("expected cached result, resolver called %d times", calls.Load())
	}

	now = now.Add(readinessCacheTTL)
	serve(h, "/ready")
	if calls.Load() != 2 {
		t.Errorf("expected refresh after TTL, resolver called %d times", calls.Load())
	}
}
