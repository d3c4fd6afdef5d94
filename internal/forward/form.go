package forward

import (
	"net/url"
	"strings"
)

// ParseForm decodes an application/x-www-form-urlencoded body. Empty pairs
// are skipped, a key without '=' gets an empty value, and a component that
// fails to unescape is kept as written rather than rejecting the body.
func ParseForm(body string) url.Values {
	values := url.Values{}
	for _, pair := range strings.Split(body, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		values.Add(unescape(key), unescape(value))
	}
	return values
}

func unescape(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}

func isForm(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "application/x-www-form-urlencoded")
}

func isJSON(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "application/json")
}
