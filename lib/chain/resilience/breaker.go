package resilience

import (
	"sync"
	"time"

	"github.com/fanengagement/chainadp/lib/metrics"
)

// Breaker is a consecutive-failure circuit breaker. After threshold failures it opens for coolDown, then lets a single
// trial call through: a successful trial closes it, a failed one opens it again.
type Breaker struct {
	name      string
	threshold int
	coolDown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    int
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker returns a closed breaker.
func NewBreaker(name string, threshold int, coolDown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}

	b := &Breaker{name: name, threshold: threshold, coolDown: coolDown, now: time.Now}
	metrics.BreakerState.WithLabelValues(name).Set(metrics.BreakerClosed)

	return b
}

func (b *Breaker) set(state int) {
	if b.state != state {
		b.state = state
		metrics.BreakerState.WithLabelValues(b.name).Set(float64(state))
	}
}

// Allow reports whether a call may go through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case metrics.BreakerOpen:
		if b.now().Sub(b.openedAt) < b.coolDown {
			return false
		}

		b.set(metrics.BreakerHalfOpen)
		b.probing = true

		return true
	case metrics.BreakerHalfOpen:
		if b.probing {
			return false
		}

		b.probing = true

		return true
	}

	return true
}

// Success records an answered call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	b.set(metrics.BreakerClosed)
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.probing = false

	if b.state == metrics.BreakerHalfOpen || b.failures >= b.threshold {
		b.openedAt = b.now()
		b.set(metrics.BreakerOpen)
	}
}

// Abort ends a call that neither succeeded nor failed, as when the caller gives up.
func (b *Breaker) Abort() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// State returns BreakerClosed, BreakerOpen or BreakerHalfOpen.
func (b *Breaker) State() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}
