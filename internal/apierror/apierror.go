// Package apierror provides the error response format for the API gateway.
// Every gateway-originated error body is produced here so clients see the
// same JSON shapes and a stable error code header regardless of which
// component rejected the request.
package apierror

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// CodeHeader carries the machine-readable ErrorCode on every synthesized
// error response. Backend error responses passed through verbatim do not
// carry it.
const CodeHeader = "X-Gateway-Error-Code"

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Gateway error codes. These form a public API contract; clients can program
// against these stable codes. Do not rename or remove existing codes.
const (
	RouteNotFound     ErrorCode = "GATEWAY_ROUTE_NOT_FOUND"
	MethodNotAllowed  ErrorCode = "GATEWAY_METHOD_NOT_ALLOWED"
	NoInstance        ErrorCode = "GATEWAY_NO_INSTANCE"
	CircuitOpen       ErrorCode = "GATEWAY_CIRCUIT_OPEN"
	ConnectionFailed  ErrorCode = "GATEWAY_CONNECTION_FAILED"
	RequestCancelled  ErrorCode = "GATEWAY_REQUEST_CANCELLED"
	ResponseTooLarge  ErrorCode = "GATEWAY_RESPONSE_TOO_LARGE"
	AuthMissingToken  ErrorCode = "GATEWAY_AUTH_MISSING_TOKEN"
	AuthInvalidToken  ErrorCode = "GATEWAY_AUTH_INVALID_TOKEN"
	RateLimitExceeded ErrorCode = "GATEWAY_RATE_LIMIT_EXCEEDED"
	InternalError     ErrorCode = "GATEWAY_INTERNAL_ERROR"
	BodyTooLarge      ErrorCode = "GATEWAY_BODY_TOO_LARGE"
	DeadlineExceeded  ErrorCode = "GATEWAY_DEADLINE_EXCEEDED"
	BadRequest        ErrorCode = "GATEWAY_BAD_REQUEST"
)

// Body is the JSON error body. Status is only emitted by the auth gate,
// whose clients expect it echoed in the body.
type Body struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Status  int    `json:"status,omitempty"`
}

// Messages used by more than one component.
const (
	MsgMissingToken     = "Missing or invalid Authorization header"
	MsgInvalidToken     = "Invalid or expired token"
	MsgConnectionFailed = "Connection failed"
	MsgCancelled        = "request cancelled"
	MsgRateLimited      = "rate limit exceeded, retry later"
)

// Constructors for the body shapes the gateway emits.

func NoRouteBody(path string) Body {
	return Body{Error: "No route found for path: " + path}
}

func UnauthorizedBody(message string) Body {
	return Body{Error: "Unauthorized", Message: message, Status: http.StatusUnauthorized}
}

func UnavailableBody(message string) Body {
	return Body{Error: "Service unavailable", Message: message}
}

func NoInstanceBody(service string) Body {
	return UnavailableBody("No instances available for service " + service)
}

func CircuitOpenBody(service string) Body {
	return UnavailableBody("Circuit breaker open for service " + service)
}

func TimeoutBody(message string) Body {
	return Body{Error: "Gateway timeout", Message: message}
}

func GatewayErrorBody(message string) Body {
	return Body{Error: "Gateway error", Message: message}
}

// preSerialized holds the bodies emitted on hot paths (auth rejects,
// limiter rejects, connectivity failures). Avoids json.Encoder allocation
// on every error; Body is comparable so it is its own key.
var preSerialized = func() map[Body][]byte {
	common := []Body{
		UnauthorizedBody(MsgMissingToken),
		UnauthorizedBody(MsgInvalidToken),
		UnavailableBody(MsgConnectionFailed),
		TimeoutBody(MsgCancelled),
		{Error: http.StatusText(http.StatusTooManyRequests), Message: MsgRateLimited},
	}
	m := make(map[Body][]byte, len(common))
	for _, b := range common {
		m[b] = mustMarshal(b)
	}
	return m
}()

func mustMarshal(b Body) []byte {
	out, err := json.Marshal(b)
	if err != nil {
		panic(fmt.Sprintf("apierror: marshal %+v: %v", b, err))
	}
	return out
}

// Encode returns the JSON encoding of b, reusing a pre-built slice for
// common bodies. Callers must not modify the returned slice.
func Encode(b Body) []byte {
	if pre, ok := preSerialized[b]; ok {
		return pre
	}
	out, err := json.Marshal(b)
	if err != nil {
		// Body holds only strings and an int; Marshal cannot fail.
		return []byte(`{"error":"Gateway error"}`)
	}
	return out
}

// Write writes a JSON error response with the given status, code header
// and body.
func Write(w http.ResponseWriter, status int, code ErrorCode, b Body) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set(CodeHeader, string(code))
	w.WriteHeader(status)
	w.Write(Encode(b)) //nolint:errcheck
}

// WriteJSON writes an error whose title is the standard status text.
func WriteJSON(w http.ResponseWriter, status int, code ErrorCode, message string) {
	Write(w, status, code, Body{Error: http.StatusText(status), Message: message})
}
