// Package main provides an echo backend for exercising the gateway. It
// returns the request it received as JSON, which makes header seeding,
// form re-encoding and trace propagation visible end to end.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type echoResponse struct {
	Service   string              `json:"service"`
	Method    string              `json:"method"`
	Host      string              `json:"host"`
	Path      string              `json:"path"`
	Query     string              `json:"query,omitempty"`
	Headers   map[string]string   `json:"headers"`
	Body      string              `json:"body,omitempty"`
	Form      map[string][]string `json:"form,omitempty"`
	Timestamp string              `json:"timestamp"`
}

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	name := flag.String("name", "echo", "service name")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		if v, err := strconv.Atoi(p); err == nil {
			*port = v
		}
	}
	if n := os.Getenv("SERVICE_NAME"); n != "" {
		*name = n
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	addr := fmt.Sprintf(":%d", *port)
	logger.Info("echo server listening", "service", *name, "addr", addr)
	if err := http.ListenAndServe(addr, newMux(*name)); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func newMux(name string) *http.ServeMux {
	mux := http.NewServeMux()

	// /__status/{code} returns an arbitrary HTTP status code, for testing
	// error passthrough and circuit breaking.
	// Example: GET /__status/503 → 503 Service Unavailable
	mux.HandleFunc("/__status/", func(w http.ResponseWriter, r *http.Request) {
		code, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/__status/"))
		if err != nil || code < 200 || code > 599 {
			code = http.StatusInternalServerError
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"service":        name,
			"requested_code": code,
			"message":        http.StatusText(code),
		})
	})

	// /__delay/{ms} sleeps before answering, for testing read timeouts.
	mux.HandleFunc("/__delay/", func(w http.ResponseWriter, r *http.Request) {
		ms, _ := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/__delay/"))
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"service":%q,"delayed_ms":%d}`, name, ms)
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		resp := echoResponse{
			Service:   name,
			Method:    r.Method,
			Host:      r.Host,
			Path:      r.URL.EscapedPath(),
			Query:     r.URL.RawQuery,
			Headers:   flattenHeaders(r.Header),
			Body:      string(body),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
			if form, err := url.ParseQuery(string(body)); err == nil {
				resp.Form = form
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp) //nolint:errcheck
	})

	return mux
}

func flattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for k, v := range h {
		flat[k] = strings.Join(v, ", ")
	}
	return flat
}
