package circuitbreaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/bank-gateway/internal/metrics"
)

// FailureRateBreaker opens when the failure ratio over the last windowSize
// outcomes reaches failureThreshold. After resetTimeout it admits up to
// halfOpenMax probe requests; that many consecutive successes close it and
// any failure reopens it.
type FailureRateBreaker struct {
	mu      sync.Mutex
	service string
	logger  *slog.Logger
	now     func() time.Time

	state State

	// ring buffer of outcomes, true = failed
	window   []bool
	head     int
	count    int
	failures int

	failureThreshold float64
	resetTimeout     time.Duration
	halfOpenMax      int

	probesInFlight int
	probeSuccesses int
	openedAt       time.Time
}

// NewFailureRateBreaker creates a closed breaker for service.
func NewFailureRateBreaker(service string, windowSize int, failureThreshold float64, resetTimeout time.Duration, halfOpenMax int, logger *slog.Logger) *FailureRateBreaker {
	if windowSize < 1 {
		windowSize = 1
	}
	if halfOpenMax < 1 {
		halfOpenMax = 1
	}
	b := &FailureRateBreaker{
		service:          service,
		logger:           logger,
		now:              time.Now,
		window:           make([]bool, windowSize),
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		halfOpenMax:      halfOpenMax,
	}
	metrics.BreakerState.WithLabelValues(service).Set(float64(StateClosed))
	return b
}

func (b *FailureRateBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return false
		}
		b.setState(StateHalfOpen)
	}
	if b.state == StateHalfOpen {
		if b.probesInFlight >= b.halfOpenMax {
			return false
		}
		b.probesInFlight++
	}
	return true
}

func (b *FailureRateBreaker) Record(failed bool, _ time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.push(failed)
		if b.count == len(b.window) && b.ratio() >= b.failureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		if failed {
			b.setState(StateOpen)
			return
		}
		b.probeSuccesses++
		if b.probeSuccesses >= b.halfOpenMax {
			b.setState(StateClosed)
		}
	}
	// Outcomes arriving while open belong to requests admitted before the
	// trip and are ignored.
}

func (b *FailureRateBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

func (b *FailureRateBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
}

// configure applies new thresholds. A changed window size starts a fresh
// window.
func (b *FailureRateBreaker) configure(windowSize int, failureThreshold float64, resetTimeout time.Duration, halfOpenMax int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureThreshold = failureThreshold
	b.resetTimeout = resetTimeout
	if halfOpenMax >= 1 {
		b.halfOpenMax = halfOpenMax
	}
	if windowSize >= 1 && windowSize != len(b.window) {
		b.window = make([]bool, windowSize)
		b.clearWindow()
	}
}

// push must be called with b.mu held.
func (b *FailureRateBreaker) push(failed bool) {
	if b.count == len(b.window) {
		if b.window[b.head] {
			b.failures--
		}
	} else {
		b.count++
	}
	b.window[b.head] = failed
	if failed {
		b.failures++
	}
	b.head = (b.head + 1) % len(b.window)
}

func (b *FailureRateBreaker) ratio() float64 {
	if b.count == 0 {
		return 0
	}
	return float64(b.failures) / float64(b.count)
}

func (b *FailureRateBreaker) clearWindow() {
	b.head, b.count, b.failures = 0, 0, 0
}

// setState must be called with b.mu held.
func (b *FailureRateBreaker) setState(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.probesInFlight = 0
	b.probeSuccesses = 0

	switch to {
	case StateClosed:
		b.clearWindow()
	case StateOpen:
		b.openedAt = b.now()
	}

	metrics.BreakerState.WithLabelValues(b.service).Set(float64(to))
	b.logger.Info("circuit breaker state change",
		"service", b.service,
		"from", from.String(),
		"to", to.String(),
	)
}
