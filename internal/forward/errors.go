package forward

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/dskow/bank-gateway/internal/apierror"
)

// ErrResponseTooLarge is wrapped by the KindUnexpected error returned when
// a backend body exceeds the configured limit.
var ErrResponseTooLarge = errors.New("response too large")

// Kind classifies why a request did not produce a normal backend response.
type Kind int

const (
	// KindNoRoute: no route matched the request path.
	KindNoRoute Kind = iota + 1
	// KindBackendHTTP: the backend answered 4xx/5xx; its response is passed through.
	KindBackendHTTP
	// KindNoInstance: discovery found no instance of the service.
	KindNoInstance
	// KindCircuitOpen: the service's breaker rejected the request.
	KindCircuitOpen
	// KindConnectivity: connect or read failure, including timeouts.
	KindConnectivity
	// KindCancelled: the inbound request was cancelled by the caller.
	KindCancelled
	// KindUnexpected: anything else.
	KindUnexpected
)

func (k Kind) String() string {
	switch k {
	case KindNoRoute:
		return "no_route"
	case KindBackendHTTP:
		return "backend_http"
	case KindNoInstance:
		return "no_instance"
	case KindCircuitOpen:
		return "circuit_open"
	case KindConnectivity:
		return "connectivity"
	case KindCancelled:
		return "cancelled"
	case KindUnexpected:
		return "unexpected"
	default:
		return "unknown"
	}
}

// Error describes a forwarding failure. Callers branch on Kind.
type Error struct {
	Kind    Kind
	Service string
	Path    string // set for KindNoRoute
	Status  int    // backend status for KindBackendHTTP
	Err     error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindNoRoute:
		return "no route for path " + e.Path
	case KindBackendHTTP:
		return fmt.Sprintf("service %s answered %d", e.Service, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: service %s: %v", e.Kind, e.Service, e.Err)
	}
	return fmt.Sprintf("%s: service %s", e.Kind, e.Service)
}

func (e *Error) Unwrap() error { return e.Err }

// status, code and body of the synthesized response for each kind.
func (e *Error) render() (int, apierror.ErrorCode, apierror.Body) {
	switch e.Kind {
	case KindNoRoute:
		return http.StatusNotFound, apierror.RouteNotFound, apierror.NoRouteBody(e.Path)
	case KindNoInstance:
		return http.StatusServiceUnavailable, apierror.NoInstance, apierror.NoInstanceBody(e.Service)
	case KindCircuitOpen:
		return http.StatusServiceUnavailable, apierror.CircuitOpen, apierror.CircuitOpenBody(e.Service)
	case KindConnectivity:
		return http.StatusServiceUnavailable, apierror.ConnectionFailed, apierror.UnavailableBody(apierror.MsgConnectionFailed)
	case KindCancelled:
		return http.StatusGatewayTimeout, apierror.RequestCancelled, apierror.TimeoutBody(apierror.MsgCancelled)
	default:
		msg := "unexpected failure"
		if e.Err != nil {
			msg = e.Err.Error()
		}
		code := apierror.InternalError
		if errors.Is(e.Err, ErrResponseTooLarge) {
			code = apierror.ResponseTooLarge
		}
		return http.StatusInternalServerError, code, apierror.GatewayErrorBody(msg)
	}
}

// ErrorResponse synthesizes the gateway response for e. It must not be
// used for KindBackendHTTP, whose response is the backend's own.
func ErrorResponse(e *Error) *Response {
	status, code, body := e.render()
	h := make(http.Header, 2)
	h.Set("Content-Type", "application/json")
	h.Set(apierror.CodeHeader, string(code))
	return &Response{Status: status, Header: h, Body: apierror.Encode(body), Err: e}
}

// NoRoute is the response for a path no route matches.
func NoRoute(path string) *Response {
	return ErrorResponse(&Error{Kind: KindNoRoute, Path: path})
}
