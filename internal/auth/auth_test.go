package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dskow/bank-gateway/internal/apierror"
	"github.com/dskow/bank-gateway/internal/config"
	"github.com/dskow/bank-gateway/internal/httpclient"
	"github.com/dskow/bank-gateway/internal/metrics"
	"github.com/dskow/bank-gateway/internal/routing"
)

func testTable(t testing.TB) *routing.Table {
	t.Helper()
	table, err := routing.New([]routing.Route{
		{Pattern: "/api/accounts/**", Service: "service-account", RequiresAuth: true},
		{Pattern: "/api/rates", Service: "service-rates", RequiresAuth: false},
		{Pattern: "/api/payments/**", Service: "service-payment", RequiresAuth: true},
	}, []string{"/api/accounts/public", "/health"})
	if err != nil {
		t.Fatalf("routing.New: %v", err)
	}
	return table
}

// fixedValidator accepts exactly one token and counts calls.
type fixedValidator struct {
	good  string
	err   error
	calls atomic.Int32
}

func (v *fixedValidator) Validate(_ context.Context, token string) (bool, error) {
	v.calls.Add(1)
	if v.err != nil {
		return false, v.err
	}
	return token == v.good, nil
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		header string
		want   Outcome
		calls  int32
		valErr error
	}{
		{name: "public prefix", path: "/api/accounts/public/info", want: AllowPublic},
		{name: "public wins over protected route", path: "/api/accounts/public", header: "", want: AllowPublic},
		{name: "no route", path: "/unknown", want: AllowNoRoute},
		{name: "open route", path: "/api/rates", want: AllowOpenRoute},
		{name: "missing header", path: "/api/accounts/1", want: DenyMissing},
		{name: "wrong scheme", path: "/api/accounts/1", header: "Basic dXNlcjpwYXNz", want: DenyMissing},
		{name: "lower-case scheme", path: "/api/accounts/1", header: "bearer good", want: DenyMissing},
		{name: "empty token", path: "/api/accounts/1", header: "Bearer   ", want: DenyMissing},
		{name: "valid token", path: "/api/accounts/1", header: "Bearer good", want: AllowToken, calls: 1},
		{name: "invalid token", path: "/api/payments/p/2", header: "Bearer bad", want: DenyInvalid, calls: 1},
		{name: "validator error", path: "/api/accounts/1", header: "Bearer good", want: DenyInvalid, calls: 1, valErr: errors.New("connection refused")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &fixedValidator{good: "good", err: tt.valErr}
			g := NewGate(testTable(t), v, slog.New(slog.DiscardHandler))

			if got := g.Decide(context.Background(), tt.path, tt.header); got != tt.want {
				t.Errorf("Decide = %s, want %s", got, tt.want)
			}
			if v.calls.Load() != tt.calls {
				t.Errorf("validator called %d times, want %d", v.calls.Load(), tt.calls)
			}
		})
	}
}

func TestOutcomeAllowed(t *testing.T) {
	for _, o := range []Outcome{AllowPublic, AllowNoRoute, AllowOpenRoute, AllowToken} {
		if !o.Allowed() {
			t.Errorf("%s should be allowed", o)
		}
	}
	for _, o := range []Outcome{DenyMissing, DenyInvalid} {
		if o.Allowed() {
			t.Errorf("%s should be denied", o)
		}
	}
}

func TestMiddleware(t *testing.T) {
	g := NewGate(testTable(t), &fixedValidator{good: "good"}, slog.New(slog.DiscardHandler))
	var reached bool
	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name    string
		header  string
		status  int
		body    string
		code    apierror.ErrorCode
		reaches bool
	}{
		{
			name:   "missing",
			status: http.StatusUnauthorized,
			body:   `{"error":"Unauthorized","message":"Missing or invalid Authorization header","status":401}`,
			code:   apierror.AuthMissingToken,
		},
		{
			name:   "invalid",
			header: "Bearer nope",
			status: http.StatusUnauthorized,
			body:   `{"error":"Unauthorized","message":"Invalid or expired token","status":401}`,
			code:   apierror.AuthInvalidToken,
		},
		{name: "valid", header: "Bearer good", status: http.StatusOK, reaches: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reached = false
			req := httptest.NewRequest(http.MethodGet, "/api/accounts/7", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if reached != tt.reaches {
				t.Errorf("next reached = %v, want %v", reached, tt.reaches)
			}
			if tt.body != "" {
				if rec.Body.String() != tt.body {
					t.Errorf("body = %s, want %s", rec.Body.String(), tt.body)
				}
				if rec.Header().Get(apierror.CodeHeader) != string(tt.code) {
					t.Errorf("code header = %q", rec.Header().Get(apierror.CodeHeader))
				}
				if rec.Header().Get("Content-Type") != "application/json" {
					t.Errorf("content type = %q", rec.Header().Get("Content-Type"))
				}
			}
		})
	}
}

func TestMiddleware_CountsDecisions(t *testing.T) {
	g := NewGate(testTable(t), &fixedValidator{good: "good"}, slog.New(slog.DiscardHandler))
	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	before := testutil.ToFloat64(metrics.AuthDecisions.WithLabelValues(string(DenyMissing)))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/payments/1", nil))
	after := testutil.ToFloat64(metrics.AuthDecisions.WithLabelValues(string(DenyMissing)))

	if after-before != 1 {
		t.Errorf("deny_missing counter moved by %v, want 1", after-before)
	}
}

// validatorServer answers like the token validation collaborator.
func validatorServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestRemoteValidator(t *testing.T) {
	var gotToken, gotCT string
	srv := validatorServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Token string `json:"token"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		gotToken, gotCT = body.Token, r.Header.Get("Content-Type")
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		json.NewEncoder(w).Encode(map[string]bool{"valid": body.Token == "t-1"})
	})
	v := NewRemoteValidator(srv.URL, srv.Client())

	ok, err := v.Validate(context.Background(), "t-1")
	if err != nil || !ok {
		t.Fatalf("Validate(t-1) = %v, %v", ok, err)
	}
	if gotToken != "t-1" || gotCT != "application/json" {
		t.Errorf("validator saw token %q content type %q", gotToken, gotCT)
	}

	ok, err = v.Validate(context.Background(), "t-2")
	if err != nil || ok {
		t.Errorf("Validate(t-2) = %v, %v; want false, nil", ok, err)
	}
}

func TestRemoteValidator_FailsClosed(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"valid":true}`))
		}},
		{"no content", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}},
		{"not json", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("yes"))
		}},
		{"wrong shape", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"ok":true}`))
		}},
		{"wrong type", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"valid":"true"}`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := validatorServer(t, tt.handler)
			ok, err := NewRemoteValidator(srv.URL, srv.Client()).Validate(context.Background(), "t")
			if ok {
				t.Error("validator accepted token")
			}
			if err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestRemoteValidator_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	ok, err := NewRemoteValidator(url, http.DefaultClient).Validate(context.Background(), "t")
	if ok || err == nil {
		t.Errorf("Validate = %v, %v; want false with error", ok, err)
	}
}

func TestRemoteValidator_NoRetry(t *testing.T) {
	var calls atomic.Int32
	srv := validatorServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	NewRemoteValidator(srv.URL, srv.Client()).Validate(context.Background(), "t")
	if calls.Load() != 1 {
		t.Errorf("validator called %d times, want 1", calls.Load())
	}
}

func TestRemoteValidator_NoEndpoint(t *testing.T) {
	ok, err := NewRemoteValidator("", http.DefaultClient).Validate(context.Background(), "t")
	if ok || !errors.Is(err, ErrNoEndpoint) {
		t.Errorf("Validate = %v, %v; want false, ErrNoEndpoint", ok, err)
	}
}

func TestGate_WithRemoteValidator(t *testing.T) {
	srv := validatorServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"valid": true}`))
	})
	g := NewGate(testTable(t), NewRemoteValidator(srv.URL, srv.Client()), slog.New(slog.DiscardHandler))

	if got := g.Decide(context.Background(), "/api/accounts/1", "Bearer X"); got != AllowToken {
		t.Errorf("Decide = %s, want %s", got, AllowToken)
	}
}

func TestRemoteValidator_StalledAnswerFailsClosed(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"val`)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	pool := httpclient.New(config.HTTPClientConfig{
		MaxTotalConnections:    2,
		MaxConnectionsPerRoute: 2,
		ConnectTimeout:         time.Second,
		ReadTimeout:            100 * time.Millisecond,
		IdleEvictionInterval:   time.Minute,
		IdleConnTimeout:        time.Minute,
	}, nil, slog.New(slog.DiscardHandler))
	defer pool.Close()

	start := time.Now()
	ok, err := NewRemoteValidator(srv.URL, pool.Client()).Validate(context.Background(), "t")
	if ok || !errors.Is(err, httpclient.ErrReadTimeout) {
		t.Fatalf("Validate = %v, %v; want false, ErrReadTimeout", ok, err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("validation took %s", elapsed)
	}
}
