package discovery

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
)

// Transport is an http.RoundTripper that resolves logical service names.
// A request URL whose host carries no port and is not an IP literal names a
// service: Transport resolves it, picks an instance round-robin, and sends
// the request there with the Host header left as the service name. URLs with
// an explicit address pass through untouched.
type Transport struct {
	Base     http.RoundTripper
	Resolver Resolver

	next sync.Map // service -> *atomic.Uint64
}

// NewTransport wraps base (http.DefaultTransport when nil).
func NewTransport(base http.RoundTripper, resolver Resolver) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{Base: base, Resolver: resolver}
}

// IsLogicalHost reports whether host (as in URL.Host) names a service
// rather than a network address.
func IsLogicalHost(host string) bool {
	if host == "" {
		return false
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return false
	}
	return net.ParseIP(host) == nil
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !IsLogicalHost(req.URL.Host) {
		return t.Base.RoundTrip(req)
	}

	service := req.URL.Host
	instances, err := t.Resolver.Resolve(req.Context(), service)
	if err != nil {
		closeBody(req)
		return nil, &ResolveError{Service: service, Err: err}
	}
	inst := instances[t.pick(service, len(instances))]

	// RoundTrippers must not modify the caller's request.
	out := req.Clone(req.Context())
	out.URL.Host = inst.HostPort()
	if out.Host == "" {
		out.Host = service
	}
	return t.Base.RoundTrip(out)
}

func (t *Transport) pick(service string, n int) int {
	v, _ := t.next.LoadOrStore(service, new(atomic.Uint64))
	return int((v.(*atomic.Uint64).Add(1) - 1) % uint64(n))
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		req.Body.Close()
	}
}
