// Package breaker implements the consumption-gating circuit breaker from
// the component design: three states (Closed, Open, HalfOpen) with an
// asymmetric recovery rule — a success in Closed trims the failure count
// toward zero rather than resetting it outright. That rule doesn't match
// the "any success fully resets" behavior generic breaker libraries ship
// with, so it's hand-rolled here; the general-purpose sony/gobreaker
// dependency is instead used for store-write and outbound-HTTP resilience
// (see internal/store and internal/transport), where its default policy
// is exactly what's wanted.
package breaker

import (
	"sync"
	"time"
)

type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

type Breaker struct {
	mu sync.Mutex

	failureThreshold int
	openDuration     time.Duration
	halfOpenSuccess  int

	state               State
	failureCount        int
	halfOpenSuccesses   int
	lastFailure         time.Time
	now                 func() time.Time
}

type Options struct {
	FailureThreshold int
	OpenDuration     time.Duration
	HalfOpenSuccess  int
	// Now overrides time.Now, for deterministic tests. Optional.
	Now func() time.Time
}

func New(opts Options) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.OpenDuration <= 0 {
		opts.OpenDuration = 60 * time.Second
	}
	if opts.HalfOpenSuccess <= 0 {
		opts.HalfOpenSuccess = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Breaker{
		failureThreshold: opts.FailureThreshold,
		openDuration:     opts.OpenDuration,
		halfOpenSuccess:  opts.HalfOpenSuccess,
		state:            Closed,
		now:              opts.Now,
	}
}

// IsAvailable returns false while Open. Reading state implicitly performs
// the Open->HalfOpen transition once openDuration has elapsed since the
// last recorded failure.
func (b *Breaker) IsAvailable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionFromOpen()
	return b.state != Open
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionFromOpen()
	return b.state
}

func (b *Breaker) maybeTransitionFromOpen() {
	if b.state == Open && !b.lastFailure.IsZero() && b.now().Sub(b.lastFailure) >= b.openDuration {
		b.state = HalfOpen
		b.halfOpenSuccesses = 0
	}
}

// RecordSuccess handles a successful Ack.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionFromOpen()

	switch b.state {
	case HalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.halfOpenSuccess {
			b.state = Closed
			b.failureCount = 0
			b.halfOpenSuccesses = 0
		}
	case Closed:
		if b.failureCount > 0 {
			b.failureCount--
		}
	}
}

// RecordFailure handles a failed delivery (Nack).
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionFromOpen()

	b.lastFailure = b.now()

	switch b.state {
	case HalfOpen:
		b.state = Open
		b.halfOpenSuccesses = 0
	case Closed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.state = Open
		}
	}
}

// FailureCount returns the current failure tally, for metrics/diagnostics.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}
