// Package resilience guards the vendor connection against repeated rate
// limiting.
package resilience

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitError is returned when the vendor refuses a handshake with 429.
type RateLimitError struct {
	Status string
	// RetryAfter is the vendor's Retry-After hint, zero when absent.
	RetryAfter time.Duration
}

func (e RateLimitError) Error() string {
	if e.Status != "" {
		return "upstream rate limited: " + e.Status
	}
	return "upstream rate limited"
}

// IsRateLimit returns true when the error is a RateLimitError.
func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

// RateLimitFromResponse builds a RateLimitError from a 429 handshake
// response. It reports false for any other status.
func RateLimitFromResponse(resp *http.Response) (RateLimitError, bool) {
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		return RateLimitError{}, false
	}
	rl := RateLimitError{Status: resp.Status}
	if v := strings.TrimSpace(resp.Header.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			rl.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return rl, true
}

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	// BreakerHalfOpen admits a single trial handshake after the cooldown.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops new vendor handshakes after repeated rate limits.
// Failures of any other kind do not count.
type CircuitBreaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	cooldown  time.Duration
	openUntil time.Time
	trial     bool
	now       func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow reports whether a handshake may be attempted. Once the cooldown has
// passed exactly one caller is admitted until the outcome is reported.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.stateLocked() {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if c.trial {
			return false
		}
		c.trial = true
		return true
	default:
		return false
	}
}

func (c *CircuitBreaker) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *CircuitBreaker) stateLocked() BreakerState {
	if c.openUntil.IsZero() {
		return BreakerClosed
	}
	if c.now().Before(c.openUntil) {
		return BreakerOpen
	}
	return BreakerHalfOpen
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.openUntil = time.Time{}
	c.trial = false
	c.mu.Unlock()
}

func (c *CircuitBreaker) OnError(err error) {
	var rl RateLimitError
	if !errors.As(err, &rl) {
		c.mu.Lock()
		// A failed trial for another reason frees the slot for the next caller.
		c.trial = false
		c.mu.Unlock()
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.failures >= c.threshold || c.trial {
		wait := c.cooldown
		if rl.RetryAfter > wait {
			wait = rl.RetryAfter
		}
		c.openUntil = c.now().Add(wait)
	}
	c.trial = false
}
