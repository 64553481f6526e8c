package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/architect/internal/metrics"
)

const instrumentationName = "github.com/fyrsmithlabs/architect/internal/statestore"

// DefaultMaxRetries bounds the optimistic read-modify-write loop.
const DefaultMaxRetries = 4

// Store is the typed entry point to a Backend.
type Store struct {
	backend    Backend
	logger     *zap.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	maxRetries int
	retryBase  time.Duration
	now        func() time.Time

	// locks serializes read-modify-write per namespace inside this process;
	// the backend CAS covers other processes.
	locks map[Namespace]*sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Store) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithMaxRetries sets how many conflicting writes are retried before
// ErrStateConflict.
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithRetryBase sets the initial backoff between conflicting writes.
func WithRetryBase(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retryBase = d
		}
	}
}

// WithClock overrides time.Now for envelope timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New wraps backend in a Store.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:    backend,
		logger:     zap.NewNop(),
		tracer:     otel.Tracer(instrumentationName),
		maxRetries: DefaultMaxRetries,
		retryBase:  10 * time.Millisecond,
		now:        time.Now,
		locks:      make(map[Namespace]*sync.Mutex, len(Namespaces)),
	}
	for _, ns := range Namespaces {
		s.locks[ns] = &sync.Mutex{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend {
	return s.backend
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Get returns the current envelope for ns, upgraded to the current schema.
// A namespace that was never written yields revision 0 and empty data.
func (s *Store) Get(ctx context.Context, ns Namespace) (*Envelope, error) {
	if err := checkNamespace(ns); err != nil {
		return nil, err
	}
	env, err := s.backend.Read(ctx, ns)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", ns, err)
	}
	if env == nil {
		return &Envelope{
			Namespace:     ns,
			SchemaVersion: CurrentSchemaVersion,
			Data:          json.RawMessage(`{}`),
		}, nil
	}
	env = env.clone()
	if err := upgrade(env); err != nil {
		return nil, err
	}
	return env, nil
}

// Put replaces the data of ns and returns the new revision.
func (s *Store) Put(ctx context.Context, ns Namespace, data any) (int64, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("encoding %s: %w", ns, err)
	}
	env, err := s.Update(ctx, ns, func(json.RawMessage) (json.RawMessage, error) {
		return raw, nil
	})
	if err != nil {
		return 0, err
	}
	return env.Revision, nil
}

// UpdateFunc computes new namespace data from the current data. It may be
// called more than once when writes conflict.
type UpdateFunc func(current json.RawMessage) (json.RawMessage, error)

// Update performs an optimistic read-modify-write of ns.
func (s *Store) Update(ctx context.Context, ns Namespace, fn UpdateFunc) (*Envelope, error) {
	if err := checkNamespace(ns); err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "statestore.update", trace.WithAttributes(
		attribute.String("state.namespace", string(ns)),
		attribute.String("state.backend", string(s.backend.Kind())),
	))
	defer span.End()

	mu := s.locks[ns]
	mu.Lock()
	defer mu.Unlock()

	attempt := 0
	op := func() (*Envelope, error) {
		attempt++
		cur, err := s.Get(ctx, ns)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		data, err := fn(cur.Data)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		next := &Envelope{
			Namespace:     ns,
			SchemaVersion: CurrentSchemaVersion,
			Revision:      cur.Revision + 1,
			UpdatedAt:     s.now().UTC().Truncate(time.Millisecond),
			Data:          data,
		}

		start := time.Now()
		err = s.backend.Write(ctx, next, cur.Revision)
		if errors.Is(err, ErrRevisionMismatch) {
			s.metrics.StateConflict(string(ns))
			s.logger.Debug("state write conflict, retrying",
				zap.String("namespace", string(ns)),
				zap.Int64("expected_revision", cur.Revision),
				zap.Int("attempt", attempt))
			return nil, err
		}
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("writing %s: %w", ns, err))
		}
		s.metrics.StateWrite(string(s.backend.Kind()), time.Since(start))
		return next, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retryBase
	policy.MaxInterval = 20 * s.retryBase

	env, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(s.maxRetries)),
	)
	if err != nil {
		if errors.Is(err, ErrRevisionMismatch) {
			err = fmt.Errorf("%w: %s after %d attempts: %v", ErrStateConflict, ns, attempt, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int64("state.revision", env.Revision))
	return env, nil
}

// Revisions returns the current revision of every namespace.
func (s *Store) Revisions(ctx context.Context) (map[Namespace]int64, error) {
	out := make(map[Namespace]int64, len(Namespaces))
	for _, ns := range Namespaces {
		env, err := s.Get(ctx, ns)
		if err != nil {
			return nil, err
		}
		out[ns] = env.Revision
	}
	return out, nil
}

// Load decodes the current data of ns into a T.
func Load[T any](ctx context.Context, s *Store, ns Namespace) (T, int64, error) {
	var v T
	env, err := s.Get(ctx, ns)
	if err != nil {
		return v, 0, err
	}
	if err := env.Decode(&v); err != nil {
		return v, 0, err
	}
	return v, env.Revision, nil
}

// Mutate applies fn to the decoded data of ns and persists the result.
// fn may run more than once; it must only mutate its argument.
func Mutate[T any](ctx context.Context, s *Store, ns Namespace, fn func(*T) error) (T, int64, error) {
	var result T
	env, err := s.Update(ctx, ns, func(cur json.RawMessage) (json.RawMessage, error) {
		var v T
		if len(cur) > 0 {
			if err := json.Unmarshal(cur, &v); err != nil {
				return nil, fmt.Errorf("decoding %s: %w", ns, err)
			}
		}
		if err := fn(&v); err != nil {
			return nil, err
		}
		result = v
		return json.Marshal(v)
	})
	if err != nil {
		var zero T
		return zero, 0, err
	}
	return result, env.Revision, nil
}

// Copy migrates every namespace from one backend to another, keeping the
// stored revisions and schema versions. A namespace already present in the
// target at the same or a newer revision is refused so that no revision is
// ever reused.
func Copy(ctx context.Context, from, to Backend) (map[Namespace]int64, error) {
	copied := make(map[Namespace]int64)
	for _, ns := range Namespaces {
		src, err := from.Read(ctx, ns)
		if err != nil {
			return copied, fmt.Errorf("reading %s from %s: %w", ns, from.Kind(), err)
		}
		if src == nil {
			continue
		}
		dst, err := to.Read(ctx, ns)
		if err != nil {
			return copied, fmt.Errorf("reading %s from %s: %w", ns, to.Kind(), err)
		}
		var dstRev int64
		if dst != nil {
			dstRev = dst.Revision
			if dstRev >= src.Revision {
				return copied, fmt.Errorf("%w: %s target revision %d is not behind source revision %d",
					ErrStateConflict, ns, dstRev, src.Revision)
			}
		}
		if err := to.Write(ctx, src, dstRev); err != nil {
			return copied, fmt.Errorf("writing %s to %s: %w", ns, to.Kind(), err)
		}
		copied[ns] = src.Revision
	}
	return copied, nil
}
