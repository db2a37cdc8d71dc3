package llm_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/basket/newsgraph/internal/llm"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err  error
		want llm.ErrorClass
	}{
		{errors.New("HTTP 401 Unauthorized"), llm.ErrorClassAuth},
		{errors.New("429 Too Many Requests"), llm.ErrorClassRateLimit},
		{fmt.Errorf("call: %w", context.DeadlineExceeded), llm.ErrorClassTimeout},
		{errors.New("insufficient balance on account, billing required"), llm.ErrorClassBilling},
		{errors.New("maximum context length is 8192 tokens"), llm.ErrorClassContextOverflow},
		{errors.New("dial tcp: connection refused"), llm.ErrorClassNetwork},
		{fmt.Errorf("kimi: %w", llm.ErrCircuitOpen), llm.ErrorClassCircuitOpen},
		{errors.New("something odd"), llm.ErrorClassUnknown},
		{nil, llm.ErrorClassUnknown},
	}
	for _, tc := range cases {
		if got := llm.ClassifyError(tc.err); got != tc.want {
			t.Errorf("ClassifyError(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestIsTransient(t *testing.T) {
	if !llm.IsTransient(errors.New("503 service unavailable")) {
		t.Fatal("expected 503 to be transient")
	}
	if llm.IsTransient(errors.New("invalid api key")) {
		t.Fatal("expected auth failure to be permanent")
	}
}
