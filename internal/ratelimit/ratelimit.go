// Package ratelimit provides per-client-IP token bucket rate limiting
// middleware for the API gateway.
package ratelimit

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dskow/bank-gateway/internal/apierror"
	"github.com/dskow/bank-gateway/internal/config"
	"github.com/dskow/bank-gateway/internal/metrics"
	"github.com/dskow/bank-gateway/internal/routing"
)

const (
	cleanupInterval = time.Minute
	staleAfter      = 3 * time.Minute
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientKey encodes IP, rate and burst so different route overrides get
// separate buckets.
type clientKey struct {
	ip    string
	rate  rate.Limit
	burst int
}

type ctxKey struct{}

// Limiter tracks per-client rate limiters and performs periodic cleanup
// of stale entries.
type Limiter struct {
	table        *routing.Table
	trustedCIDRs []*net.IPNet
	logger       *slog.Logger
	now          func() time.Time

	mu        sync.RWMutex
	clients   map[clientKey]*client
	rate      rate.Limit
	burst     int
	overrides map[string]config.RateLimitConfig // route pattern -> limits

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Limiter with global settings cfg. Routes resolved through
// table may carry their own limits (rate_override). A background goroutine
// drops clients unseen for a few minutes. trustedProxies lists CIDRs whose
// X-Forwarded-For headers are trusted.
func New(cfg config.RateLimitConfig, table *routing.Table, routes []config.RouteConfig, trustedProxies []string, logger *slog.Logger) *Limiter {
	l := &Limiter{
		table:        table,
		trustedCIDRs: parseCIDRs(trustedProxies, logger),
		logger:       logger,
		now:          time.Now,
		clients:      make(map[clientKey]*client),
		rate:         rate.Limit(cfg.RequestsPerSecond),
		burst:        cfg.BurstSize,
		overrides:    overridesFor(routes),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func overridesFor(routes []config.RouteConfig) map[string]config.RateLimitConfig {
	out := make(map[string]config.RateLimitConfig)
	for _, r := range routes {
		if r.RateOverride != nil {
			out[r.Path] = *r.RateOverride
		}
	}
	return out
}

func parseCIDRs(cidrs []string, logger *slog.Logger) []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn("invalid trusted proxy CIDR, skipping", "cidr", cidr, "error", err)
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// Stop terminates the background cleanup goroutine and waits for it.
// It is safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.done
}

// Update hot-reloads the global limits. Existing buckets are cleared so the
// new limits apply on the next request.
func (l *Limiter) Update(cfg config.RateLimitConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rate = rate.Limit(cfg.RequestsPerSecond)
	l.burst = cfg.BurstSize
	l.clients = make(map[clientKey]*client)
	l.logger.Info("rate limits updated", "requests_per_second", cfg.RequestsPerSecond, "burst_size", cfg.BurstSize)
}

// Middleware returns an HTTP middleware that enforces rate limits. It also
// stores the resolved client IP in the request context (see ClientIP).
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := l.clientIP(r)
			limit, burst, pattern := l.limitsForPath(r.URL.Path)

			if !l.getLimiter(ip, limit, burst).Allow() {
				l.logger.Warn("rate limit exceeded", "client_ip", ip, "path", r.URL.Path)
				metrics.RateLimitHits.WithLabelValues(pattern).Inc()
				w.Header().Set("Retry-After", retryAfter(limit))
				apierror.Write(w, http.StatusTooManyRequests, apierror.RateLimitExceeded,
					apierror.Body{Error: http.StatusText(http.StatusTooManyRequests), Message: apierror.MsgRateLimited})
				return
			}

			ctx := context.WithValue(r.Context(), ctxKey{}, ip)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIP returns the client address resolved by the middleware, or "".
func ClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(ctxKey{}).(string)
	return ip
}

// retryAfter is the whole number of seconds until one token is available.
func retryAfter(limit rate.Limit) string {
	if limit <= 0 {
		return "1"
	}
	secs := int(1/float64(limit) + 0.999)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// clientIP extracts the real client IP. X-Forwarded-For is only trusted when
// the direct peer (RemoteAddr) is in the trusted proxies list.
func (l *Limiter) clientIP(r *http.Request) string {
	peerIP := extractIP(r.RemoteAddr)

	if len(l.trustedCIDRs) > 0 && l.isTrusted(peerIP) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// Walk right-to-left, return first non-trusted IP
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				ip := strings.TrimSpace(parts[i])
				if ip != "" && !l.isTrusted(ip) {
					return ip
				}
			}
		}
	}

	return peerIP
}

func (l *Limiter) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range l.trustedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// limitsForPath returns the limits for path and the matched route pattern
// ("unmatched" when no route applies).
func (l *Limiter) limitsForPath(path string) (rate.Limit, int, string) {
	route, ok := l.table.Match(path)

	l.mu.RLock()
	defer l.mu.RUnlock()
	if !ok {
		return l.rate, l.burst, "unmatched"
	}
	if o, ok := l.overrides[route.Pattern]; ok {
		return rate.Limit(o.RequestsPerSecond), o.BurstSize, route.Pattern
	}
	return l.rate, l.burst, route.Pattern
}

// getLimiter returns or creates the bucket for a client key. rate.Limiter
// is goroutine-safe, so Allow is called outside our lock.
func (l *Limiter) getLimiter(ip string, r rate.Limit, burst int) *rate.Limiter {
	key := clientKey{ip: ip, rate: r, burst: burst}
	now := l.now()

	l.mu.RLock()
	if c, exists := l.clients[key]; exists {
		// Refreshing once a minute is enough to stay clear of eviction.
		stale := now.Sub(c.lastSeen) > cleanupInterval
		l.mu.RUnlock()
		if stale {
			l.mu.Lock()
			c.lastSeen = now
			l.mu.Unlock()
		}
		return c.limiter
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, exists := l.clients[key]; exists {
		c.lastSeen = now
		return c.limiter
	}
	limiter := rate.NewLimiter(r, burst)
	l.clients[key] = &client{limiter: limiter, lastSeen: now}
	return limiter
}

func (l *Limiter) cleanup() {
	defer close(l.done)
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) evictStale() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, c := range l.clients {
		if now.Sub(c.lastSeen) > staleAfter {
			delete(l.clients, key)
		}
	}
}

// Entry describes one client bucket.
type Entry struct {
	ClientIP          string    `json:"client_ip"`
	RequestsPerSecond float64   `json:"requests_per_second"`
	BurstSize         int       `json:"burst_size"`
	Tokens            float64   `json:"tokens"`
	LastSeen          time.Time `json:"last_seen"`
}

// Snapshot lists the current buckets ordered by client IP.
func (l *Limiter) Snapshot() []Entry {
	now := l.now()
	l.mu.RLock()
	out := make([]Entry, 0, len(l.clients))
	for key, c := range l.clients {
		out = append(out, Entry{
			ClientIP:          key.ip,
			RequestsPerSecond: float64(key.rate),
			BurstSize:         key.burst,
			Tokens:            c.limiter.TokensAt(now),
			LastSeen:          c.lastSeen,
		})
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClientIP != out[j].ClientIP {
			return out[i].ClientIP < out[j].ClientIP
		}
		return out[i].RequestsPerSecond < out[j].RequestsPerSecond
	})
	return out
}
