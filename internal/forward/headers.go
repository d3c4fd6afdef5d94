package forward

import (
	"net/http"
	"net/textproto"
	"strings"
)

// hopByHop lists headers that are meaningful for a single connection only.
// They are dropped in both directions; the transport recomputes them.
var hopByHop = map[string]bool{
	"Host":              true,
	"Content-Length":    true,
	"Connection":        true,
	"Transfer-Encoding": true,
	"Keep-Alive":        true,
}

// isHopByHop reports whether the canonical header key ck is
// connection-scoped, either always or because the message's Connection
// header lists it.
func isHopByHop(ck string, listed map[string]bool) bool {
	return hopByHop[ck] || listed[ck]
}

// connectionTokens returns the extra header names a Connection header
// marks as connection-scoped.
func connectionTokens(h http.Header) map[string]bool {
	var out map[string]bool
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				if out == nil {
					out = make(map[string]bool)
				}
				out[textproto.CanonicalMIMEHeaderKey(tok)] = true
			}
		}
	}
	return out
}

// OutboundHeaders builds the headers for a backend request. seed provides
// base headers; an inbound header with the same name replaces the seeded
// values, any other inbound header is added. Hop-by-hop headers are never
// copied. The result shares no slices with either input.
func OutboundHeaders(seed, inbound http.Header) http.Header {
	out := make(http.Header, len(seed)+len(inbound))
	seeded := make(map[string]bool, len(seed))
	for k, vs := range seed {
		ck := textproto.CanonicalMIMEHeaderKey(k)
		if isHopByHop(ck, nil) {
			continue
		}
		seeded[ck] = true
		out[ck] = append(out[ck], vs...)
	}

	extra := connectionTokens(inbound)
	for k, vs := range inbound {
		ck := textproto.CanonicalMIMEHeaderKey(k)
		if isHopByHop(ck, extra) {
			continue
		}
		if seeded[ck] {
			out[ck] = append([]string(nil), vs...)
			continue
		}
		out[ck] = append(out[ck], vs...)
	}
	return out
}

// ResponseHeaders copies backend response headers minus hop-by-hop ones.
func ResponseHeaders(backend http.Header) http.Header {
	out := make(http.Header, len(backend))
	extra := connectionTokens(backend)
	for k, vs := range backend {
		ck := textproto.CanonicalMIMEHeaderKey(k)
		if isHopByHop(ck, extra) {
			continue
		}
		out[ck] = append([]string(nil), vs...)
	}
	return out
}
