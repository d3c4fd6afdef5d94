package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dskow/bank-gateway/internal/apierror"
)

func TestHasDotSegment(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/api/accounts/1", false},
		{"/api/accounts/v1..2/statement.pdf", false},
		{"/api/accounts/.well-known", false},
		{"/", false},
		{"", false},
		{"/api/accounts/public/../1", true},
		{"/api/accounts/./1", true},
		{"/api/accounts/..", true},
		{"..", true},
		{"/api/accounts/public\\..\\1", true},
		{"/api/accounts/public/%2e%2e/1", true},
		{"/api/accounts/public/%252e%252e/1", true},
		{"/api/accounts/public/%2e/1", true},
		{"/api/accounts/%zz/1", false},
	}
	for _, tt := range tests {
		if got := HasDotSegment(tt.path); got != tt.want {
			t.Errorf("HasDotSegment(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestRejectDotSegments(t *testing.T) {
	var reached bool
	handler := RejectDotSegments(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/accounts/public/%2e%2e/1", nil))
	if rec.Code != http.StatusBadRequest || reached {
		t.Fatalf("status = %d reached = %v, want 400 without reaching next", rec.Code, reached)
	}
	if rec.Header().Get(apierror.CodeHeader) != string(apierror.BadRequest) {
		t.Errorf("code = %q", rec.Header().Get(apierror.CodeHeader))
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/accounts/1", nil))
	if !reached {
		t.Error("clean path not passed through")
	}
}
