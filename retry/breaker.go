package retry

import (
	"sync"
	"time"

	"chatpay/errs"
)

// ErrBreakerOpen is returned while the breaker is rejecting calls.
var ErrBreakerOpen = errs.New(errs.KindLedgerTransient, "retry: circuit breaker open")

type breakerState uint8

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// Breaker is a three-state circuit breaker. After FailureThreshold
// consecutive failures it opens; once RecoveryTimeout elapses the next call
// probes in half-open state, and its outcome either closes or re-opens the
// breaker.
type Breaker struct {
	failureThreshold int
	recoveryTimeout  time.Duration
	now              func() time.Time

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
}

// NewBreaker constructs a breaker. Zero values fall back to 5 failures and a
// 30 second recovery window.
func NewBreaker(failureThreshold int, recoveryTimeout time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		now:              time.Now,
	}
}

// SetNowFunc overrides the clock. Test hook.
func (b *Breaker) SetNowFunc(now func() time.Time) {
	if now != nil {
		b.now = now
	}
}

// Execute runs op under the breaker's admission policy.
func (b *Breaker) Execute(op func() error) error {
	if !b.allow() {
		return ErrBreakerOpen
	}
	err := op()
	b.record(err == nil)
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateClosed, stateHalfOpen:
		return true
	default:
		if b.now().Sub(b.openedAt) >= b.recoveryTimeout {
			b.state = stateHalfOpen
			return true
		}
		return false
	}
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if success {
		b.state = stateClosed
		b.failures = 0
		return
	}
	if b.state == stateHalfOpen {
		b.trip()
		return
	}
	b.failures++
	if b.failures >= b.failureThreshold {
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = stateOpen
	b.failures = 0
	b.openedAt = b.now()
}
