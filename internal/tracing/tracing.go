// Package tracing carries distributed-trace context through the gateway.
//
// The inbound middleware accepts W3C traceparent or B3 headers and stores
// the trace in the request context as an OpenTelemetry span context. The
// forwarder reads it back with Traceparent. When tracing is enabled the
// gateway also records its own server span; when disabled the inbound
// context is propagated unchanged.
package tracing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/dskow/bank-gateway/internal/config"
)

const (
	TraceIDLen = 32
	SpanIDLen  = 16

	tracerName = "github.com/dskow/bank-gateway"
)

// Provider wraps the tracer provider with its shutdown hook.
type Provider struct {
	trace.TracerProvider
	shutdown func(context.Context) error
}

// Tracer returns the gateway tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.TracerProvider.Tracer(tracerName)
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// Init builds the tracer provider described by cfg and installs it as the
// global provider. Spans go to w when the stdout exporter is selected.
func Init(cfg config.TracingConfig, w io.Writer) (*Provider, error) {
	if !cfg.Enabled {
		p := &Provider{TracerProvider: noop.NewTracerProvider()}
		otel.SetTracerProvider(p.TracerProvider)
		return p, nil
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))),
	}
	if cfg.Exporter == "stdout" {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("creating stdout span exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return &Provider{TracerProvider: tp, shutdown: tp.Shutdown}, nil
}

// Extract returns ctx carrying the remote span context found in h: W3C
// traceparent first, then B3. ctx is returned unchanged when neither is
// present or valid.
func Extract(ctx context.Context, h http.Header) context.Context {
	if sc := trace.SpanContextFromContext(propagation.TraceContext{}.Extract(ctx, propagation.HeaderCarrier(h))); sc.IsValid() {
		return trace.ContextWithRemoteSpanContext(ctx, sc)
	}
	if sc, ok := extractB3(h); ok {
		return trace.ContextWithRemoteSpanContext(ctx, sc)
	}
	return ctx
}

func extractB3(h http.Header) (trace.SpanContext, bool) {
	rawTrace, rawSpan := h.Get("X-B3-TraceId"), h.Get("X-B3-SpanId")
	if rawTrace == "" || rawSpan == "" {
		return trace.SpanContext{}, false
	}
	traceID, err := trace.TraceIDFromHex(NormalizeHex(rawTrace, TraceIDLen))
	if err != nil {
		return trace.SpanContext{}, false
	}
	spanID, err := trace.SpanIDFromHex(NormalizeHex(rawSpan, SpanIDLen))
	if err != nil {
		return trace.SpanContext{}, false
	}
	var flags trace.TraceFlags
	if s := h.Get("X-B3-Sampled"); s == "1" || strings.EqualFold(s, "true") || h.Get("X-B3-Flags") == "1" {
		flags = trace.FlagsSampled
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
		Remote:     true,
	})
	return sc, sc.IsValid()
}

// Traceparent formats the outbound W3C header for the span in ctx. The
// sampled flag is always set. Returns false when ctx has no trace.
func Traceparent(ctx context.Context) (string, bool) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", false
	}
	return fmt.Sprintf("00-%s-%s-01",
		NormalizeHex(sc.TraceID().String(), TraceIDLen),
		NormalizeHex(sc.SpanID().String(), SpanIDLen),
	), true
}

// TraceID returns the hex trace id in ctx, or "" when there is none.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// NormalizeHex drops non-hex characters, lower-cases the rest, and
// truncates or right-pads with '0' to exactly n characters.
func NormalizeHex(s string, n int) string {
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < len(s) && b.Len() < n; i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f':
			b.WriteByte(c)
		case c >= 'A' && c <= 'F':
			b.WriteByte(c + ('a' - 'A'))
		}
	}
	for b.Len() < n {
		b.WriteByte('0')
	}
	return b.String()
}
