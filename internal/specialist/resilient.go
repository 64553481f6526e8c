package specialist

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// RetryPolicy bounds the attempts made against each backend.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// Backoff is the delay before the first retry; it doubles per attempt.
	Backoff time.Duration
	// Timeout bounds a single attempt. Zero means no per-attempt deadline.
	Timeout time.Duration
}

// Resilient tries a primary specialist and then a fallback. Each attempt is
// collected in full before any chunk is yielded, so a failed attempt never
// leaks partial output to the caller.
type Resilient struct {
	primary  Specialist
	fallback Specialist
	policy   RetryPolicy
	logger   *zap.Logger
}

// NewResilient returns a Resilient. fallback may be nil.
func NewResilient(primary, fallback Specialist, policy RetryPolicy, logger *zap.Logger) *Resilient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	return &Resilient{primary: primary, fallback: fallback, policy: policy, logger: logger}
}

func (r *Resilient) Name() string {
	if r.fallback == nil || r.fallback.Name() == r.primary.Name() {
		return r.primary.Name()
	}
	return r.primary.Name() + "|" + r.fallback.Name()
}

func (r *Resilient) backends() []Specialist {
	out := []Specialist{r.primary}
	if r.fallback != nil && r.fallback.Name() != r.primary.Name() {
		out = append(out, r.fallback)
	}
	return out
}

func (r *Resilient) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		var failures []string
		for _, backend := range r.backends() {
			chunks, err := r.attempt(ctx, backend, req, &failures)
			if err == nil {
				for _, c := range chunks {
					if !yield(c, nil) {
						return
					}
				}
				return
			}
			if ctx.Err() != nil {
				yield("", ctx.Err())
				return
			}
			r.logger.Warn("specialist backend exhausted",
				zap.String("backend", backend.Name()), zap.Error(err))
		}

		if len(failures) > 6 {
			failures = failures[len(failures)-6:]
		}
		yield("", &BackendError{
			Backend: r.Name(),
			Err:     fmt.Errorf("all backend attempts failed: %s", strings.Join(failures, "; ")),
		})
	}
}

// attempt runs backend up to MaxRetries+1 times. Non-retriable errors stop
// the loop so the next backend can be tried.
func (r *Resilient) attempt(ctx context.Context, backend Specialist, req Request, failures *[]string) ([]string, error) {
	tries := 0
	op := func() ([]string, error) {
		tries++
		chunks, err := r.collectOnce(ctx, backend, req)
		if err == nil {
			return chunks, nil
		}
		*failures = append(*failures, fmt.Sprintf("%s attempt %d: %v", backend.Name(), tries, err))
		var be *BackendError
		if errors.As(err, &be) && !be.Retriable {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	policy := &backoff.ExponentialBackOff{
		InitialInterval:     r.policy.Backoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         r.policy.Backoff << 10,
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = time.Millisecond
		policy.MaxInterval = time.Millisecond
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(r.policy.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
	)
}

func (r *Resilient) collectOnce(ctx context.Context, backend Specialist, req Request) ([]string, error) {
	attemptCtx := ctx
	if r.policy.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, r.policy.Timeout)
		defer cancel()
	}

	var chunks []string
	for chunk, err := range backend.Stream(attemptCtx, req) {
		if err != nil {
			if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, &BackendError{Backend: backend.Name(), Retriable: true,
					Err: fmt.Errorf("%w after %s", ErrTimeout, r.policy.Timeout)}
			}
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, &BackendError{Backend: backend.Name(), Retriable: true,
			Err: fmt.Errorf("%w after %s", ErrTimeout, r.policy.Timeout)}
	}
	return chunks, nil
}
