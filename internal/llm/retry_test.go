package llm_test

import (
	"testing"
	"time"

	"github.com/basket/newsgraph/internal/llm"
)

func TestRetryConfig_Delay(t *testing.T) {
	exp := llm.RetryConfig{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: 5 * time.Second, Strategy: llm.RetryExponential}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for attempt, w := range want {
		if got := exp.Delay(attempt); got != w {
			t.Errorf("exponential Delay(%d) = %v, want %v", attempt, got, w)
		}
	}

	fixed := llm.RetryConfig{BaseDelay: 250 * time.Millisecond, Strategy: llm.RetryFixed}
	if got := fixed.Delay(4); got != 250*time.Millisecond {
		t.Errorf("fixed Delay(4) = %v", got)
	}

	jitter := llm.RetryConfig{BaseDelay: time.Second, MaxDelay: time.Minute, Strategy: llm.RetryJitter}
	for i := 0; i < 20; i++ {
		got := jitter.Delay(1)
		if got < 2*time.Second || got > 3*time.Second {
			t.Fatalf("jitter Delay(1) = %v, want within [2s, 3s]", got)
		}
	}
}
