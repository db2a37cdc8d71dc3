package llm_test

import (
	"testing"
	"time"

	"github.com/basket/newsgraph/internal/llm"
)

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time          { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(clock *manualClock) *llm.Breaker {
	return llm.NewBreaker(llm.BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		HalfOpenMaxCalls: 2,
		Now:              clock.now,
	})
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	clock := &manualClock{t: time.Unix(1_700_000_000, 0)}
	b := newTestBreaker(clock)
	for i := 0; i < 2; i++ {
		b.RecordFailure()
	}
	if b.State() != llm.StateClosed || !b.Allow() {
		t.Fatal("expected closed breaker below threshold")
	}
	b.RecordFailure()
	if b.State() != llm.StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker must fail fast")
	}
}

func TestBreaker_HalfOpenTrialLimitAndRecovery(t *testing.T) {
	clock := &manualClock{t: time.Unix(1_700_000_000, 0)}
	b := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.advance(time.Minute)

	if !b.Allow() || b.State() != llm.StateHalfOpen {
		t.Fatalf("expected half-open trial, state=%s", b.State())
	}
	if !b.Allow() {
		t.Fatal("expected second trial call to be admitted")
	}
	if b.Allow() {
		t.Fatal("expected third trial call to be rejected")
	}

	b.RecordSuccess()
	if b.State() != llm.StateClosed {
		t.Fatalf("state = %s, want closed", b.State())
	}
	if snap := b.Snapshot(); snap.Failures != 0 {
		t.Fatalf("failures = %d, want 0", snap.Failures)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &manualClock{t: time.Unix(1_700_000_000, 0)}
	var transitions []string
	b := llm.NewBreaker(llm.BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Second,
		Now:              clock.now,
		OnStateChange: func(from, to llm.BreakerState) {
			transitions = append(transitions, string(from)+">"+string(to))
		},
	})
	b.RecordFailure()
	clock.advance(time.Second)
	if !b.Allow() {
		t.Fatal("expected trial call after recovery timeout")
	}
	b.RecordFailure()
	if b.State() != llm.StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}
	want := []string{"closed>open", "open>half_open", "half_open>open"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestBreaker_SnapshotRestoreAndReset(t *testing.T) {
	clock := &manualClock{t: time.Unix(1_700_000_000, 0)}
	b := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	restored := newTestBreaker(clock)
	restored.Restore(b.Snapshot())
	if restored.State() != llm.StateOpen || restored.Allow() {
		t.Fatal("expected restored breaker to stay open")
	}
	restored.Reset()
	if restored.State() != llm.StateClosed || !restored.Allow() {
		t.Fatal("expected reset breaker to be closed")
	}
}
