// Package httpclient builds the pooled outbound HTTP client shared by the
// forwarder and the token validator.
//
// Limits: connect timeout on the dialer, read timeout as both the response
// header timeout and the longest a response body read may stall, a
// per-target connection cap on the transport and a global cap on in-flight
// requests enforced with a weighted semaphore.
// A janitor goroutine closes idle connections on a fixed interval.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dskow/bank-gateway/internal/config"
	"github.com/dskow/bank-gateway/internal/discovery"
	"github.com/dskow/bank-gateway/internal/metrics"
)

// Pool owns the outbound transport and its janitor.
type Pool struct {
	client    *http.Client
	transport *http.Transport
	slots     *semaphore.Weighted
	logger    *slog.Logger

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Pool. resolver may be nil, in which case only URLs with
// explicit addresses can be reached.
func New(cfg config.HTTPClientConfig, resolver discovery.Resolver, logger *slog.Logger) *Pool {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxTotalConnections,
		MaxIdleConnsPerHost:   cfg.MaxConnectionsPerRoute,
		MaxConnsPerHost:       cfg.MaxConnectionsPerRoute,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ExpectContinueTimeout: time.Second,
	}

	var rt http.RoundTripper = transport
	if resolver != nil {
		rt = discovery.NewTransport(transport, resolver)
	}

	p := &Pool{
		transport: transport,
		slots:     semaphore.NewWeighted(int64(cfg.MaxTotalConnections)),
		logger:    logger,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	p.client = &http.Client{
		Transport: &limitedTransport{base: rt, slots: p.slots, readTimeout: cfg.ReadTimeout},
		// Backend redirects are responses for the caller, not for the gateway.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	go p.janitor(cfg.IdleEvictionInterval)
	return p
}

// Client returns the shared client.
func (p *Pool) Client() *http.Client { return p.client }

// Close stops the janitor and releases idle connections. Safe to call
// more than once.
func (p *Pool) Close() error {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		<-p.done
		p.transport.CloseIdleConnections()
	})
	return nil
}

func (p *Pool) janitor(interval time.Duration) {
	defer close(p.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.transport.CloseIdleConnections()
			p.logger.Debug("evicted idle outbound connections")
		case <-p.stopCh:
			return
		}
	}
}

// ErrReadTimeout is returned from a response body read after the backend
// sent nothing for the configured read timeout. It is a timeout net.Error.
var ErrReadTimeout net.Error = readTimeoutError{}

type readTimeoutError struct{}

func (readTimeoutError) Error() string   { return "backend response read timed out" }
func (readTimeoutError) Timeout() bool   { return true }
func (readTimeoutError) Temporary() bool { return false }

// limitedTransport holds a pool slot from request start until the response
// body is closed, so the global cap covers streaming reads too. Body reads
// that stall longer than readTimeout abort the exchange.
type limitedTransport struct {
	base        http.RoundTripper
	slots       *semaphore.Weighted
	readTimeout time.Duration
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.slots.Acquire(req.Context(), 1); err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, fmt.Errorf("waiting for outbound connection slot: %w", err)
	}
	metrics.OutboundInFlight.Inc()

	ctx, cancel := context.WithCancel(req.Context())
	resp, err := t.base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		cancel()
		t.release()
		return nil, err
	}
	body := &releasingBody{ReadCloser: resp.Body, release: t.release, cancel: cancel}
	if t.readTimeout > 0 {
		body.timeout = t.readTimeout
		body.timer = time.AfterFunc(t.readTimeout, body.expire)
	}
	resp.Body = body
	return resp, nil
}

func (t *limitedTransport) release() {
	metrics.OutboundInFlight.Dec()
	t.slots.Release(1)
}

type releasingBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
	cancel  context.CancelFunc

	// timer fires when no bytes arrived for timeout; it cancels the
	// request so the blocked Read returns.
	timer   *time.Timer
	timeout time.Duration
	expired atomic.Bool
}

func (b *releasingBody) expire() {
	b.expired.Store(true)
	b.cancel()
}

func (b *releasingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if b.expired.Load() {
		return n, ErrReadTimeout
	}
	if b.timer != nil {
		switch {
		case err != nil:
			b.timer.Stop()
		case n > 0:
			b.timer.Reset(b.timeout)
		}
	}
	return n, err
}

func (b *releasingBody) Close() error {
	if b.timer != nil {
		b.timer.Stop()
	}
	err := b.ReadCloser.Close()
	b.once.Do(func() {
		b.cancel()
		b.release()
	})
	return err
}
