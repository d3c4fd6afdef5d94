package auth

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func FuzzGateMiddleware(f *testing.F) {
	f.Add("/api/accounts/1", "Bearer good")
	f.Add("/api/accounts/1", "Bearer ")
	f.Add("/api/accounts/1", "Bearer not.a.jwt")
	f.Add("/api/payments", "")
	f.Add("/api/rates", "Basic dXNlcjpwYXNz")
	f.Add("/api/accounts/public/x", "bearer token")
	f.Add("/", "BEARER token")

	table := testTable(f)
	v := ValidatorFunc(func(_ context.Context, token string) (bool, error) {
		return token == "good", nil
	})
	handler := NewGate(table, v, slog.New(slog.DiscardHandler)).Middleware(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	f.Fuzz(func(t *testing.T, path, authHeader string) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.URL.Path = "/" + path
		req.Header.Set("Authorization", authHeader)
		rec := httptest.NewRecorder()

		// Must never panic.
		handler.ServeHTTP(rec, req)

		switch rec.Code {
		case http.StatusOK, http.StatusUnauthorized:
		default:
			t.Errorf("unexpected status %d for path %q header %q", rec.Code, path, authHeader)
		}
	})
}
