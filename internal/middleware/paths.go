package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/dskow/bank-gateway/internal/apierror"
)

// HasDotSegment reports whether path contains a "." or ".." segment, in
// plain or percent-encoded form. Backslashes count as separators because
// some backends treat them that way.
func HasDotSegment(path string) bool {
	for _, seg := range strings.FieldsFunc(path, isPathSeparator) {
		if isDotSegment(seg) {
			return true
		}
		// Double-encoded forms (%252e) surface after a second decode.
		if strings.Contains(seg, "%") {
			if dec, err := url.PathUnescape(seg); err == nil {
				for _, inner := range strings.FieldsFunc(dec, isPathSeparator) {
					if isDotSegment(inner) {
						return true
					}
				}
			}
		}
	}
	return false
}

func isPathSeparator(r rune) bool { return r == '/' || r == '\\' }

func isDotSegment(seg string) bool { return seg == "." || seg == ".." }

// RejectDotSegments answers 400 for request paths carrying dot segments.
// The route table, the auth gate and the forwarder all work on the path as
// received, so such a path could match a public prefix and then resolve to
// a protected resource on the backend.
func RejectDotSegments(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if HasDotSegment(r.URL.Path) || HasDotSegment(r.URL.EscapedPath()) {
			apierror.WriteJSON(w, http.StatusBadRequest, apierror.BadRequest,
				"path must not contain dot segments")
			return
		}
		next.ServeHTTP(w, r)
	})
}
