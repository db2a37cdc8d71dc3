package llm

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker position.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
	DefaultHalfOpenMaxCalls = 3
)

// BreakerConfig tunes a Breaker. Zero fields take the defaults above.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
	// Now overrides the clock; used by tests.
	Now func() time.Time
	// OnStateChange is called with the lock released after a transition.
	OnStateChange func(from, to BreakerState)
}

// BreakerSnapshot is the persisted form of a breaker.
type BreakerSnapshot struct {
	State         BreakerState `json:"state"`
	Failures      int          `json:"failures"`
	LastFailure   time.Time    `json:"last_failure"`
	HalfOpenCalls int          `json:"half_open_calls"`
}

// Breaker is a three-state circuit breaker guarding one provider.
type Breaker struct {
	cfg BreakerConfig

	mu            sync.Mutex
	state         BreakerState
	failures      int
	lastFailure   time.Time
	halfOpenCalls int
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = DefaultHalfOpenMaxCalls
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Allow reports whether a call may proceed. An open breaker moves to
// half-open once the recovery timeout has elapsed since the last failure;
// half-open admits at most HalfOpenMaxCalls trial calls.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	from := b.state
	allowed := false
	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if b.cfg.Now().Sub(b.lastFailure) >= b.cfg.RecoveryTimeout {
			b.state = StateHalfOpen
			b.halfOpenCalls = 1
			allowed = true
		}
	case StateHalfOpen:
		if b.halfOpenCalls < b.cfg.HalfOpenMaxCalls {
			b.halfOpenCalls++
			allowed = true
		}
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
	return allowed
}

// RecordSuccess closes a half-open breaker and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.halfOpenCalls = 0
	}
	b.failures = 0
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

// RecordFailure counts a failure. A failed half-open trial call reopens the
// breaker immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	b.failures++
	b.lastFailure = b.cfg.Now()
	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.halfOpenCalls = 0
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
		}
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.halfOpenCalls = 0
	b.lastFailure = time.Time{}
	b.mu.Unlock()
	b.notify(from, StateClosed)
}

// State returns the current state without advancing it.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the persisted form.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		State:         b.state,
		Failures:      b.failures,
		LastFailure:   b.lastFailure,
		HalfOpenCalls: b.halfOpenCalls,
	}
}

// Restore loads a persisted snapshot. Unknown states restore as closed.
func (b *Breaker) Restore(s BreakerSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch s.State {
	case StateOpen, StateHalfOpen:
		b.state = s.State
	default:
		b.state = StateClosed
	}
	b.failures = s.Failures
	b.lastFailure = s.LastFailure
	b.halfOpenCalls = s.HalfOpenCalls
}

func (b *Breaker) notify(from, to BreakerState) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
