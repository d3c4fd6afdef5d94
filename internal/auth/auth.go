// Package auth implements the gateway's authentication gate.
//
// The gate decides per request whether a bearer token is required and, if
// so, asks the token validation collaborator whether the token is valid.
// Requests for public paths, unrouted paths and routes marked
// requires_auth: false pass without a token; a missing route is reported
// later by the gateway as a 404, not here.
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dskow/bank-gateway/internal/apierror"
	"github.com/dskow/bank-gateway/internal/metrics"
	"github.com/dskow/bank-gateway/internal/routing"
)

// Outcome is the result of one gate decision. Its string form is the
// metrics label.
type Outcome string

const (
	AllowPublic    Outcome = "allow_public"
	AllowNoRoute   Outcome = "allow_no_route"
	AllowOpenRoute Outcome = "allow_open_route"
	AllowToken     Outcome = "allow_token"
	DenyMissing    Outcome = "deny_missing"
	DenyInvalid    Outcome = "deny_invalid"
)

// Allowed reports whether the request may proceed.
func (o Outcome) Allowed() bool {
	switch o {
	case AllowPublic, AllowNoRoute, AllowOpenRoute, AllowToken:
		return true
	}
	return false
}

const bearerPrefix = "Bearer "

// Gate is the authentication gate. It is safe for concurrent use.
type Gate struct {
	table     *routing.Table
	validator Validator
	logger    *slog.Logger
}

// NewGate creates a gate over table. validator is consulted only for
// requests that need a token.
func NewGate(table *routing.Table, validator Validator, logger *slog.Logger) *Gate {
	return &Gate{table: table, validator: validator, logger: logger}
}

// Decide runs the decision chain for a request to path carrying the given
// Authorization header value. It blocks while the validator is called.
func (g *Gate) Decide(ctx context.Context, path, authorization string) Outcome {
	if g.table.IsPublic(path) {
		return AllowPublic
	}
	route, ok := g.table.Match(path)
	if !ok {
		return AllowNoRoute
	}
	if !route.RequiresAuth {
		return AllowOpenRoute
	}

	token, ok := bearerToken(authorization)
	if !ok {
		return DenyMissing
	}

	valid, err := g.validator.Validate(ctx, token)
	if err != nil {
		// Fail closed; the caller may retry the whole request.
		g.logger.Warn("token validation failed", "path", path, "service", route.Service, "error", err)
		return DenyInvalid
	}
	if !valid {
		return DenyInvalid
	}
	return AllowToken
}

// Middleware rejects requests the gate denies with a 401 JSON body and
// passes the rest to next.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		outcome := g.Decide(r.Context(), r.URL.Path, r.Header.Get("Authorization"))
		metrics.AuthDecisions.WithLabelValues(string(outcome)).Inc()

		switch outcome {
		case DenyMissing:
			apierror.Write(w, http.StatusUnauthorized, apierror.AuthMissingToken, apierror.UnauthorizedBody(apierror.MsgMissingToken))
			return
		case DenyInvalid:
			apierror.Write(w, http.StatusUnauthorized, apierror.AuthInvalidToken, apierror.UnauthorizedBody(apierror.MsgInvalidToken))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the token from "Bearer <token>". The scheme is
// matched case-sensitively; an empty token counts as missing.
func bearerToken(header string) (string, bool) {
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", false
	}
	return token, true
}
