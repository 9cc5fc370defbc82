package supabase

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned without contacting the project while the
// breaker is open.
var ErrCircuitOpen = errors.New("supabase: circuit breaker is open")

// RetryConfig controls how transient PostgREST and Storage failures are
// retried. Only network timeouts and the listed statuses are transient.
type RetryConfig struct {
	// MaxRetries is the number of attempts after the first.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Jitter spreads each delay by up to this fraction in either direction.
	Jitter        float64
	RetryStatuses []int
}

// DefaultRetryConfig retries three times, doubling from 100ms up to 10s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Jitter:         0.1,
		RetryStatuses: []int{
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}
}

// delay is the wait before retry number attempt (1-based).
func (c RetryConfig) delay(attempt int) time.Duration {
	d := c.InitialBackoff << (attempt - 1)
	if d <= 0 || (c.MaxBackoff > 0 && d > c.MaxBackoff) {
		d = c.MaxBackoff
	}
	if c.Jitter > 0 {
		d += time.Duration(float64(d) * c.Jitter * (rand.Float64()*2 - 1))
	}
	return d
}

func (c RetryConfig) transientStatus(code int) bool {
	return slices.Contains(c.RetryStatuses, code)
}

func transientError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// CircuitState is the breaker position.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerConfig controls when the breaker opens and recovers.
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive failed requests open the circuit.
	FailureThreshold int
	// SuccessThreshold successful trial requests close it again.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration
	// OnStateChange runs synchronously after each transition; it must not
	// call back into the client.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig opens after 5 failures for 30s.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, Timeout: 30 * time.Second}
}

// CircuitBreaker stops calling an unhealthy project for a while so
// registrations fail fast instead of queueing behind timeouts.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     CircuitState
	failures  int
	trialsOK  int
	openedAt  time.Time
	lastError error
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Allow returns ErrCircuitOpen while the circuit is open. Once the timeout
// has passed the breaker moves to half-open and lets trial requests through.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != CircuitOpen {
		return nil
	}
	if b.now().Sub(b.openedAt) < b.cfg.Timeout {
		return ErrCircuitOpen
	}
	b.setLocked(CircuitHalfOpen)
	return nil
}

// RecordSuccess notes a healthy response.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case CircuitClosed:
		b.failures = 0
	case CircuitHalfOpen:
		b.trialsOK++
		if b.trialsOK >= b.cfg.SuccessThreshold {
			b.setLocked(CircuitClosed)
		}
	}
}

// RecordFailure notes a failed request. A failed trial reopens at once.
func (b *CircuitBreaker) RecordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastError = err
	switch b.state {
	case CircuitClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.setLocked(CircuitOpen)
		}
	case CircuitHalfOpen:
		b.setLocked(CircuitOpen)
	}
}

func (b *CircuitBreaker) setLocked(to CircuitState) {
	from := b.state
	b.state = to
	b.failures, b.trialsOK = 0, 0
	if to == CircuitOpen {
		b.openedAt = b.now()
	}
	if b.cfg.OnStateChange != nil && from != to {
		b.cfg.OnStateChange(from, to)
	}
}

// State returns the current position.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// LastError is the most recent recorded failure.
func (b *CircuitBreaker) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastError
}

// StatusError records a transient status against the breaker.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return "supabase: " + http.StatusText(e.StatusCode)
}

// TransportStats are cumulative request counters.
type TransportStats struct {
	Requests int64
	Retries  int64
	Failures int64
}

// retryTransport retries transient failures and guards the project with a
// circuit breaker. Each attempt goes through base, so base.Timeout bounds a
// single attempt. Requests with a body are replayed only when GetBody is
// set, which http.NewRequest does for in-memory readers.
type retryTransport struct {
	base    *http.Client
	retry   RetryConfig
	breaker *CircuitBreaker

	requests atomic.Int64
	retries  atomic.Int64
	failures atomic.Int64
}

func newRetryTransport(base *http.Client, retry RetryConfig, breaker CircuitBreakerConfig) *retryTransport {
	if base == nil {
		base = &http.Client{Timeout: 30 * time.Second}
	}
	return &retryTransport{base: base, retry: retry, breaker: NewCircuitBreaker(breaker)}
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.requests.Add(1)
	if err := t.breaker.Allow(); err != nil {
		t.failures.Add(1)
		return nil, err
	}

	attempts := t.retry.MaxRetries
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		attempts = 0
	}

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			t.retries.Add(1)
			next, err := t.rewind(req, attempt)
			if err != nil {
				return nil, err
			}
			req = next
		}

		resp, err := t.base.Do(req)
		switch {
		case err != nil:
			if attempt < attempts && transientError(err) {
				continue
			}
			t.fail(err)
			return nil, err

		case t.retry.transientStatus(resp.StatusCode):
			if attempt < attempts {
				_, _ = io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				continue
			}
			// The caller reads the error body from the last response.
			t.fail(&StatusError{StatusCode: resp.StatusCode})
			return resp, nil

		default:
			t.breaker.RecordSuccess()
			return resp, nil
		}
	}
}

// rewind waits out the backoff and returns a fresh copy of req.
func (t *retryTransport) rewind(req *http.Request, attempt int) (*http.Request, error) {
	timer := time.NewTimer(t.retry.delay(attempt))
	defer timer.Stop()
	select {
	case <-req.Context().Done():
		return nil, req.Context().Err()
	case <-timer.C:
	}

	next := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		next.Body = body
	}
	return next, nil
}

func (t *retryTransport) fail(err error) {
	t.failures.Add(1)
	t.breaker.RecordFailure(err)
}

func (t *retryTransport) stats() TransportStats {
	return TransportStats{
		Requests: t.requests.Load(),
		Retries:  t.retries.Load(),
		Failures: t.failures.Load(),
	}
}
