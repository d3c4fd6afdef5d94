// Package forward sends a matched request to its backend service and
// turns the outcome into the response returned to the caller.
//
// Route never returns a Go error: every outcome, including failures, is a
// *Response. Failures carry an *Error whose Kind says what went wrong.
package forward

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/dskow/bank-gateway/internal/circuitbreaker"
	"github.com/dskow/bank-gateway/internal/discovery"
	"github.com/dskow/bank-gateway/internal/metrics"
	"github.com/dskow/bank-gateway/internal/tracing"
)

// Request is one call to forward.
type Request struct {
	Service string
	Method  string
	// Path is the escaped request path, forwarded as is.
	Path     string
	RawQuery string
	// Header holds the inbound request headers; Seed holds base headers
	// (route configuration) that inbound values override.
	Header http.Header
	Seed   http.Header
	Body   []byte
	// ClientIP is appended to X-Forwarded-For when set.
	ClientIP string
}

// Response is what the gateway returns to the caller.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	// Err is nil for 1xx-3xx backend responses.
	Err *Error
}

// Write sends the response to w. The error is the client-side write
// failure, typically a disconnected caller.
func (r *Response) Write(w http.ResponseWriter) error {
	h := w.Header()
	for k, vs := range r.Header {
		h[k] = vs
	}
	if _, ok := h["Content-Type"]; !ok {
		// Keep the backend's choice; do not let net/http sniff one.
		h["Content-Type"] = nil
	}
	w.WriteHeader(r.Status)
	if len(r.Body) == 0 {
		return nil
	}
	_, err := w.Write(r.Body)
	return err
}

// Forwarder executes backend calls through a shared client.
type Forwarder struct {
	client           *http.Client
	breakers         *circuitbreaker.Registry
	maxResponseBytes int64
	logger           *slog.Logger
}

// New creates a Forwarder. The client is expected to resolve logical
// service names (see discovery.Transport). breakers may be nil.
func New(client *http.Client, breakers *circuitbreaker.Registry, maxResponseBytes int64, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		client:           client,
		breakers:         breakers,
		maxResponseBytes: maxResponseBytes,
		logger:           logger,
	}
}

// Route forwards req to http://<service><path>[?query]. Cancelling ctx
// cancels the backend call. No retries are made.
func (f *Forwarder) Route(ctx context.Context, req Request) *Response {
	var done func(failed bool)
	if f.breakers != nil {
		var err error
		done, err = f.breakers.Guard(req.Service).Acquire()
		if err != nil {
			return f.fail(&Error{Kind: KindCircuitOpen, Service: req.Service, Err: err})
		}
	}

	resp, status, err := f.exchange(ctx, req)

	if done != nil {
		done(circuitbreaker.IsFailure(status, err))
	}
	return resp
}

// exchange performs the HTTP call. The returned status is the backend's
// status, or 0 when none was received; err is the transport error, if
// any, from sending the request or reading the response.
func (f *Forwarder) exchange(ctx context.Context, req Request) (*Response, int, error) {
	target := "http://" + req.Service + req.Path
	if req.RawQuery != "" {
		target += "?" + req.RawQuery
	}
	u, err := url.Parse(target)
	if err != nil {
		return f.fail(&Error{Kind: KindUnexpected, Service: req.Service, Err: fmt.Errorf("building target URL: %w", err)}), 0, nil
	}

	header := OutboundHeaders(req.Seed, req.Header)
	body := req.Body
	ct := req.Header.Get("Content-Type")
	switch {
	case isForm(ct) && strings.TrimSpace(string(body)) != "":
		body = []byte(ParseForm(string(body)).Encode())
		header.Set("Content-Type", "application/x-www-form-urlencoded")
	case isJSON(ct):
		header.Set("Content-Type", "application/json")
	}

	if tp, ok := tracing.Traceparent(ctx); ok {
		header.Set("Traceparent", tp)
	}
	if req.ClientIP != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+req.ClientIP)
		} else {
			header.Set("X-Forwarded-For", req.ClientIP)
		}
	}

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, u.String(), bodyReader)
	if err != nil {
		return f.fail(&Error{Kind: KindUnexpected, Service: req.Service, Err: fmt.Errorf("building request: %w", err)}), 0, nil
	}
	out.Header = header

	resp, err := f.client.Do(out)
	if err != nil {
		return f.fail(classify(ctx, req.Service, err)), 0, cause(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxResponseBytes+1))
	if err != nil {
		return f.fail(classify(ctx, req.Service, err)), resp.StatusCode, cause(ctx, err)
	}
	if int64(len(data)) > f.maxResponseBytes {
		return f.fail(&Error{Kind: KindUnexpected, Service: req.Service,
			Err: fmt.Errorf("%w: over %d bytes", ErrResponseTooLarge, f.maxResponseBytes)}), resp.StatusCode, nil
	}

	result := &Response{
		Status: resp.StatusCode,
		Header: ResponseHeaders(resp.Header),
		Body:   data,
	}
	if resp.StatusCode >= 400 {
		result.Err = &Error{Kind: KindBackendHTTP, Service: req.Service, Status: resp.StatusCode}
		if len(data) > 0 && result.Header.Get("Content-Type") == "" {
			result.Header.Set("Content-Type", "application/json")
		}
		metrics.ForwardErrors.WithLabelValues(req.Service, KindBackendHTTP.String()).Inc()
	}
	return result, resp.StatusCode, nil
}

// classify maps a transport error to its Kind.
func classify(ctx context.Context, service string, err error) *Error {
	e := &Error{Service: service, Err: err}

	var resolveErr *discovery.ResolveError
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		e.Kind = KindCancelled
	case errors.Is(err, discovery.ErrNoInstances):
		e.Kind = KindNoInstance
	case errors.As(err, &resolveErr):
		// Discovery itself failed (agent unreachable and no cached list).
		e.Kind = KindUnexpected
	case isConnectivity(err):
		e.Kind = KindConnectivity
	default:
		e.Kind = KindUnexpected
	}
	return e
}

// cause prefers the caller's cancellation over whatever error the
// transport surfaced for it.
func cause(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return err
}

// isConnectivity reports network-level failures: refused or reset
// connections, timeouts, and connections closed mid-response.
func isConnectivity(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		// Everything http.Client.Do reports after building the request is
		// an I/O failure talking to the backend.
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded)
}

func (f *Forwarder) fail(e *Error) *Response {
	metrics.ForwardErrors.WithLabelValues(e.Service, e.Kind.String()).Inc()
	switch e.Kind {
	case KindConnectivity, KindUnexpected:
		f.logger.Warn("backend call failed", "service", e.Service, "kind", e.Kind.String(), "error", e.Err)
	default:
		f.logger.Debug("backend call rejected", "service", e.Service, "kind", e.Kind.String(), "error", e.Err)
	}
	return ErrorResponse(e)
}
