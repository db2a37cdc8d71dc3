package candidates

import (
	"context"
	"math"
)

// Matcher embeds names for the optional semantic candidate stage. Its
// absence lowers recall only; exact and lexical stages run regardless.
type Matcher interface {
	Available() bool
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// NoopMatcher disables the semantic stage.
type NoopMatcher struct{}

func (NoopMatcher) Available() bool { return false }

func (NoopMatcher) Embed(context.Context, []string) ([][]float32, error) { return nil, nil }

// cosine01 is cosine similarity rescaled from [-1, 1] to [0, 1].
func cosine01(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return (dot/(math.Sqrt(na)*math.Sqrt(nb)) + 1) / 2
}
