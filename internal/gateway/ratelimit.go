package gateway

import (
	"context"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/newsgraph/internal/otel"
	"github.com/basket/newsgraph/internal/ratelimit"
)

// RateLimitMiddleware enforces a per-client token bucket. Clients are keyed
// by authenticated principal, or by remote host before authentication.
type RateLimitMiddleware struct {
	buckets *ratelimit.Keyed
	metrics *otel.Metrics
}

// NewRateLimitMiddleware returns nil when perSecond is not positive.
func NewRateLimitMiddleware(perSecond float64, burst int, metrics *otel.Metrics) *RateLimitMiddleware {
	if perSecond <= 0 {
		return nil
	}
	return &RateLimitMiddleware{
		buckets: ratelimit.NewKeyed(perSecond, burst),
		metrics: metrics,
	}
}

// StartEviction drops idle client buckets until ctx is done.
func (rl *RateLimitMiddleware) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	if rl == nil {
		return
	}
	rl.buckets.StartEviction(ctx, interval, maxAge)
}

func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		key := PrincipalFromContext(r.Context())
		if key == "" {
			key = clientHost(r)
		}
		if !rl.buckets.Allow(key) {
			if rl.metrics != nil {
				rl.metrics.RateLimitRejects.Add(r.Context(), 1, metric.WithAttributes(otel.AttrRoute.String(r.URL.Path)))
			}
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
