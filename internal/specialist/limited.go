package specialist

import (
	"context"
	"iter"

	"golang.org/x/time/rate"
)

// Limited throttles calls to a wrapped specialist.
type Limited struct {
	inner   Specialist
	limiter *rate.Limiter
}

// NewLimited wraps inner with a token bucket. rps <= 0 disables limiting.
func NewLimited(inner Specialist, rps float64, burst int) *Limited {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst < 1 {
		burst = 1
	}
	return &Limited{inner: inner, limiter: rate.NewLimiter(limit, burst)}
}

func (l *Limited) Name() string { return l.inner.Name() }

func (l *Limited) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := l.limiter.Wait(ctx); err != nil {
			yield("", err)
			return
		}
		for chunk, err := range l.inner.Stream(ctx, req) {
			if !yield(chunk, err) || err != nil {
				return
			}
		}
	}
}
