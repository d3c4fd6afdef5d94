package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		inbound  string
		wantSame bool // inbound id preserved; otherwise a fresh UUID v4
	}{
		{"generated when absent", "", false},
		{"preserved", "req-7f3a-payments", true},
		{"oversized replaced", strings.Repeat("x", 500), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ctxID, headerID string
			handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxID = GetRequestID(r.Context())
				headerID = r.Header.Get(RequestIDHeader)
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/payments/transfer", nil)
			if tt.inbound != "" {
				req.Header.Set(RequestIDHeader, tt.inbound)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			respID := rec.Header().Get(RequestIDHeader)
			if ctxID == "" || ctxID != headerID || ctxID != respID {
				t.Fatalf("ids disagree: context=%q request=%q response=%q", ctxID, headerID, respID)
			}
			if tt.wantSame {
				if ctxID != tt.inbound {
					t.Errorf("id = %q, want %q", ctxID, tt.inbound)
				}
				return
			}
			parsed, err := uuid.Parse(ctxID)
			if err != nil {
				t.Fatalf("expected a UUID, got %q: %v", ctxID, err)
			}
			if parsed.Version() != 4 {
				t.Errorf("UUID version = %d, want 4", parsed.Version())
			}
		})
	}
}

func TestRequestID_UniquePerRequest(t *testing.T) {
	seen := make(map[string]bool)
	handler := RequestID(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	for range 100 {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/accounts/acc-1", nil))
		id := rec.Header().Get(RequestIDHeader)
		if seen[id] {
			t.Fatalf("duplicate request ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestGetRequestID_EmptyContext(t *testing.T) {
	if id := GetRequestID(httptest.NewRequest(http.MethodGet, "/", nil).Context()); id != "" {
		t.Errorf("expected empty id, got %q", id)
	}
}
