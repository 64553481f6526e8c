// Package lease grants a single live owner per run.
//
// A lease is live while heartbeat_at + ttl has not passed. Expired leases are
// reclaimed by the next Acquire, which records the previous holder.
package lease

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/architect/internal/metrics"
	"github.com/fyrsmithlabs/architect/internal/statestore"
)

var (
	// ErrLeaseHeld is returned when another holder owns a live lease.
	ErrLeaseHeld = errors.New("lease held")
	// ErrLeaseLost is returned when the caller no longer holds the lease.
	ErrLeaseLost = errors.New("lease lost")
	// ErrLeaseNotFound is returned by Get for a run without a lease.
	ErrLeaseNotFound = errors.New("lease not found")
)

// HeldError describes the live lease that blocked an Acquire.
type HeldError struct {
	RunID       string
	Holder      string
	HeartbeatAt time.Time
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("lease for run %s held by %s (last heartbeat %s)",
		e.RunID, e.Holder, e.HeartbeatAt.Format(time.RFC3339))
}

func (e *HeldError) Unwrap() error { return ErrLeaseHeld }

// Lease is the persisted ownership record of a run.
type Lease struct {
	RunID         string        `json:"run_id"`
	Holder        string        `json:"holder"`
	AcquiredAt    time.Time     `json:"acquired_at"`
	HeartbeatAt   time.Time     `json:"heartbeat_at"`
	TTL           time.Duration `json:"ttl"`
	TaskID        string        `json:"task_id,omitempty"`
	ReclaimedFrom string        `json:"reclaimed_from,omitempty"`
}

// Live reports whether the lease has not expired at now.
func (l *Lease) Live(now time.Time) bool {
	return !l.HeartbeatAt.Add(l.TTL).Before(now)
}

type leasesDoc struct {
	Leases map[string]*Lease `json:"leases"`
}

// Manager acquires and maintains leases on behalf of one holder.
type Manager struct {
	store            *statestore.Store
	holder           string
	ttl              time.Duration
	heartbeatTimeout time.Duration
	now              func() time.Time
	logger           *zap.Logger
	metrics          *metrics.Metrics
}

// Option configures a Manager.
type Option func(*Manager)

// WithHolder fixes the holder id instead of generating one.
func WithHolder(h string) Option { return func(m *Manager) { m.holder = h } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithMetrics records heartbeat outcomes.
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithHeartbeatTimeout bounds each heartbeat write.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(m *Manager) { m.heartbeatTimeout = d }
}

// NewManager returns a Manager granting leases of the given ttl.
func NewManager(store *statestore.Store, ttl time.Duration, opts ...Option) *Manager {
	m := &Manager{
		store:            store,
		holder:           uuid.NewString(),
		ttl:              ttl,
		heartbeatTimeout: 5 * time.Second,
		now:              time.Now,
		logger:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Holder returns this manager's holder id.
func (m *Manager) Holder() string { return m.holder }

// TTL returns the ttl granted by Acquire.
func (m *Manager) TTL() time.Duration { return m.ttl }

func (m *Manager) mutate(ctx context.Context, fn func(*leasesDoc) error) error {
	_, _, err := statestore.Mutate(ctx, m.store, statestore.NSLeases, func(doc *leasesDoc) error {
		if doc.Leases == nil {
			doc.Leases = map[string]*Lease{}
		}
		return fn(doc)
	})
	return err
}

// Acquire takes the lease for runID. Any live lease fails with a
// *HeldError, including one this manager already holds; an expired one is
// reclaimed.
func (m *Manager) Acquire(ctx context.Context, runID string) (*Lease, error) {
	var (
		out       Lease
		reclaimed bool
	)
	err := m.mutate(ctx, func(doc *leasesDoc) error {
		reclaimed = false
		now := m.now().UTC()
		next := &Lease{
			RunID:       runID,
			Holder:      m.holder,
			AcquiredAt:  now,
			HeartbeatAt: now,
			TTL:         m.ttl,
		}
		if cur := doc.Leases[runID]; cur != nil {
			if cur.Live(now) {
				return &HeldError{RunID: runID, Holder: cur.Holder, HeartbeatAt: cur.HeartbeatAt}
			}
			next.ReclaimedFrom = cur.Holder
			reclaimed = true
		}
		doc.Leases[runID] = next
		out = *next
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("acquiring lease for %s: %w", runID, err)
	}
	if reclaimed {
		m.logger.Warn("reclaimed expired lease",
			zap.String("run_id", runID),
			zap.String("previous_holder", out.ReclaimedFrom))
	}
	return &out, nil
}

// Heartbeat refreshes the lease and records the active task. An empty
// taskID keeps the current one.
func (m *Manager) Heartbeat(ctx context.Context, runID, taskID string) error {
	if m.heartbeatTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.heartbeatTimeout)
		defer cancel()
	}
	err := m.mutate(ctx, func(doc *leasesDoc) error {
		cur := doc.Leases[runID]
		if cur == nil {
			return fmt.Errorf("%w: no lease for run %s", ErrLeaseLost, runID)
		}
		if cur.Holder != m.holder {
			return fmt.Errorf("%w: run %s now held by %s", ErrLeaseLost, runID, cur.Holder)
		}
		cur.HeartbeatAt = m.now().UTC()
		if taskID != "" {
			cur.TaskID = taskID
		}
		return nil
	})
	switch {
	case err == nil:
		m.metrics.Heartbeat("ok")
		return nil
	case errors.Is(err, ErrLeaseLost):
		m.metrics.Heartbeat("lost")
	default:
		m.metrics.Heartbeat("error")
	}
	return fmt.Errorf("heartbeat for %s: %w", runID, err)
}

// Release removes the lease if this manager holds it.
func (m *Manager) Release(ctx context.Context, runID string) error {
	err := m.mutate(ctx, func(doc *leasesDoc) error {
		cur := doc.Leases[runID]
		if cur == nil {
			return nil
		}
		if cur.Holder != m.holder {
			return fmt.Errorf("%w: run %s held by %s", ErrLeaseLost, runID, cur.Holder)
		}
		delete(doc.Leases, runID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("releasing lease for %s: %w", runID, err)
	}
	return nil
}

// ForceRelease removes the lease regardless of holder.
func (m *Manager) ForceRelease(ctx context.Context, runID string) (*Lease, error) {
	var removed *Lease
	err := m.mutate(ctx, func(doc *leasesDoc) error {
		removed = doc.Leases[runID]
		delete(doc.Leases, runID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("force releasing lease for %s: %w", runID, err)
	}
	if removed == nil {
		return nil, fmt.Errorf("%w: %s", ErrLeaseNotFound, runID)
	}
	m.logger.Warn("lease force released", zap.String("run_id", runID), zap.String("holder", removed.Holder))
	return removed, nil
}

// Get returns the lease of runID.
func (m *Manager) Get(ctx context.Context, runID string) (*Lease, error) {
	doc, _, err := statestore.Load[leasesDoc](ctx, m.store, statestore.NSLeases)
	if err != nil {
		return nil, err
	}
	l, ok := doc.Leases[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLeaseNotFound, runID)
	}
	return l, nil
}

// List returns every stored lease, live or not, ordered by run id.
func (m *Manager) List(ctx context.Context) ([]*Lease, error) {
	doc, _, err := statestore.Load[leasesDoc](ctx, m.store, statestore.NSLeases)
	if err != nil {
		return nil, err
	}
	out := make([]*Lease, 0, len(doc.Leases))
	for _, l := range doc.Leases {
		out = append(out, l)
	}
	slices.SortFunc(out, func(a, b *Lease) int { return strings.Compare(a.RunID, b.RunID) })
	return out, nil
}

// Keepalive heartbeats runID every interval until ctx is done, stop is
// called, or the lease is lost. onLost is called once on loss; transient
// failures are logged and retried on the next tick.
func (m *Manager) Keepalive(ctx context.Context, runID string, interval time.Duration, onLost func(error)) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := m.Heartbeat(ctx, runID, "")
			if err == nil {
				continue
			}
			if errors.Is(err, ErrLeaseLost) {
				m.logger.Error("lease lost", zap.String("run_id", runID), zap.Error(err))
				if onLost != nil {
					onLost(err)
				}
				return
			}
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("heartbeat failed", zap.String("run_id", runID), zap.Error(err))
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
