// Package scheduler drives a run's tasks to terminal states.
//
// Each loop reloads the run's tasks, so tasks enqueued while the run is in
// progress (retries, amendments) are picked up. Eligible tasks are
// dispatched in FIFO order to a bounded worker pool; failures are retried
// with capped exponential backoff until the task's attempts are spent.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/architect/internal/metrics"
	"github.com/fyrsmithlabs/architect/internal/taskgraph"
)

// Executor runs one task end to end.
type Executor interface {
	Execute(ctx context.Context, task *taskgraph.Task) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task *taskgraph.Task) error

func (f ExecutorFunc) Execute(ctx context.Context, task *taskgraph.Task) error { return f(ctx, task) }

// Config bounds concurrency and retry timing.
type Config struct {
	MaxParallel     int
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
	// PollInterval caps how long the loop sleeps without an event.
	PollInterval time.Duration
}

// Summary is the outcome of Run.
type Summary struct {
	RunID     string
	Total     int
	Done      []string
	Failed    []string
	Remaining []string
}

// Completed reports whether every task finished successfully.
func (s *Summary) Completed() bool {
	return len(s.Failed) == 0 && len(s.Remaining) == 0
}

// Scheduler dispatches tasks of one run at a time.
type Scheduler struct {
	repo       *taskgraph.Repository
	exec       Executor
	cfg        Config
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	onTerminal func(ctx context.Context, task *taskgraph.Task, err error)

	paused atomic.Bool
	wake   chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithMetrics records task transitions.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// OnTerminalFailure registers a hook called after a task fails for good.
func OnTerminalFailure(fn func(ctx context.Context, task *taskgraph.Task, err error)) Option {
	return func(s *Scheduler) { s.onTerminal = fn }
}

// New returns a Scheduler.
func New(repo *taskgraph.Repository, exec Executor, cfg Config, opts ...Option) *Scheduler {
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	s := &Scheduler{
		repo:   repo,
		exec:   exec,
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pause stops dispatch at the next dequeue boundary. In-flight tasks finish.
func (s *Scheduler) Pause() {
	if !s.paused.Swap(true) {
		s.logger.Info("scheduler paused")
	}
	s.signal()
}

// Resume re-enables dispatch.
func (s *Scheduler) Resume() {
	if s.paused.Swap(false) {
		s.logger.Info("scheduler resumed")
	}
	s.signal()
}

// Paused reports whether dispatch is paused.
func (s *Scheduler) Paused() bool { return s.paused.Load() }

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Backoff returns the delay before attempt n+1 after n failures.
func (s *Scheduler) Backoff(failures int) time.Duration {
	if failures < 1 || s.cfg.RetryBackoff <= 0 {
		return 0
	}
	d := s.cfg.RetryBackoff
	for i := 1; i < failures; i++ {
		d *= 2
		if s.cfg.RetryBackoffMax > 0 && d >= s.cfg.RetryBackoffMax {
			return s.cfg.RetryBackoffMax
		}
	}
	if s.cfg.RetryBackoffMax > 0 && d > s.cfg.RetryBackoffMax {
		return s.cfg.RetryBackoffMax
	}
	return d
}

type result struct {
	task *taskgraph.Task
	err  error
}

// Run drives runID until every task is terminal or ctx is cancelled. On
// cancellation dispatch stops, in-flight tasks run to completion, and the
// summary is returned with ctx's error.
func (s *Scheduler) Run(ctx context.Context, runID string) (*Summary, error) {
	logger := s.logger.With(zap.String("run_id", runID))
	// Writes made after cancellation must still land.
	bg := context.WithoutCancel(ctx)

	if err := s.recoverInFlight(bg, runID); err != nil {
		return nil, err
	}

	p := pool.New().WithMaxGoroutines(s.cfg.MaxParallel)
	results := make(chan result, s.cfg.MaxParallel)
	inflight := map[string]bool{}

	drain := func() {
		for len(inflight) > 0 {
			r := <-results
			delete(inflight, r.task.ID)
			s.complete(bg, logger, r)
		}
		p.Wait()
	}

	for ctx.Err() == nil {
		if err := s.propagateFailures(bg, runID); err != nil {
			drain()
			return nil, err
		}
		tasks, err := s.repo.List(bg, runID)
		if err != nil {
			drain()
			return nil, err
		}

		now := s.now()
		var (
			pending  int
			eligible []*taskgraph.Task
			wakeAt   time.Time
		)
		byID := make(map[string]*taskgraph.Task, len(tasks))
		for _, t := range tasks {
			byID[t.ID] = t
		}
		for _, t := range tasks {
			if t.Status.Terminal() || inflight[t.ID] {
				continue
			}
			pending++
			if t.Status != taskgraph.StatusPending && t.Status != taskgraph.StatusBlocked {
				continue
			}
			if !depsDone(t, byID) {
				continue
			}
			if !t.Ready(now) {
				if wakeAt.IsZero() || t.NotBefore.Before(wakeAt) {
					wakeAt = *t.NotBefore
				}
				continue
			}
			eligible = append(eligible, t)
		}

		if pending == 0 && len(inflight) == 0 {
			break
		}
		if len(inflight) == 0 && len(eligible) == 0 && wakeAt.IsZero() && !s.Paused() {
			if err := s.failStuck(bg, runID); err != nil {
				return nil, err
			}
			continue
		}

		if !s.Paused() {
			for _, t := range eligible {
				if len(inflight) >= s.cfg.MaxParallel {
					break
				}
				started, err := s.start(bg, t)
				if err != nil {
					drain()
					return nil, err
				}
				if started == nil {
					continue
				}
				inflight[started.ID] = true
				logger.Debug("task dispatched", zap.String("task_id", started.ID), zap.Int("attempt", started.AttemptCount+1))
				p.Go(func() {
					results <- result{task: started, err: s.exec.Execute(bg, started.Clone())}
				})
			}
		}

		wait := s.cfg.PollInterval
		if !wakeAt.IsZero() {
			wait = min(wait, max(wakeAt.Sub(s.now()), time.Millisecond))
		}
		timer := time.NewTimer(wait)
		select {
		case r := <-results:
			delete(inflight, r.task.ID)
			s.complete(bg, logger, r)
		case <-s.wake:
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()
	}

	drain()

	summary, err := s.summarize(bg, runID)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		logger.Warn("scheduler stopped", zap.Error(ctx.Err()), zap.Int("remaining", len(summary.Remaining)))
		return summary, ctx.Err()
	}
	logger.Info("scheduler finished",
		zap.Int("done", len(summary.Done)),
		zap.Int("failed", len(summary.Failed)))
	return summary, nil
}

func depsDone(t *taskgraph.Task, byID map[string]*taskgraph.Task) bool {
	for _, d := range t.DependsOn {
		dep, ok := byID[d]
		if !ok || dep.Status != taskgraph.StatusDone {
			return false
		}
	}
	return true
}

// recoverInFlight requeues tasks left in_progress by a previous process.
func (s *Scheduler) recoverInFlight(ctx context.Context, runID string) error {
	return s.repo.Mutate(ctx, func(q *taskgraph.Queue) error {
		for _, t := range q.Run(runID) {
			if t.Status == taskgraph.StatusInProgress {
				t.Status = taskgraph.StatusPending
				t.UpdatedAt = s.now().UTC()
			}
		}
		return nil
	})
}

// start moves t to in_progress if it is still dispatchable.
func (s *Scheduler) start(ctx context.Context, t *taskgraph.Task) (*taskgraph.Task, error) {
	var skipped bool
	out, err := s.repo.Update(ctx, t.RunID, t.ID, func(cur *taskgraph.Task) error {
		skipped = cur.Status != taskgraph.StatusPending && cur.Status != taskgraph.StatusBlocked
		if skipped {
			return nil
		}
		cur.Status = taskgraph.StatusInProgress
		cur.UpdatedAt = s.now().UTC()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("starting %s: %w", t.ID, err)
	}
	if skipped {
		return nil, nil
	}
	s.metrics.TaskStatus(string(taskgraph.StatusInProgress))
	return out, nil
}

func (s *Scheduler) complete(ctx context.Context, logger *zap.Logger, r result) {
	var terminal bool
	updated, err := s.repo.Update(ctx, r.task.RunID, r.task.ID, func(cur *taskgraph.Task) error {
		now := s.now().UTC()
		cur.UpdatedAt = now
		terminal = false
		if r.err == nil {
			cur.Status = taskgraph.StatusDone
			cur.FailureReason = ""
			cur.NotBefore = nil
			return nil
		}
		cur.AttemptCount++
		cur.FailureReason = r.err.Error()
		if cur.AttemptCount < cur.MaxAttempts {
			cur.Status = taskgraph.StatusBlocked
			nb := now.Add(s.Backoff(cur.AttemptCount))
			cur.NotBefore = &nb
			return nil
		}
		cur.Status = taskgraph.StatusFailed
		cur.NotBefore = nil
		terminal = true
		return nil
	})
	if err != nil {
		logger.Error("failed to record task result", zap.String("task_id", r.task.ID), zap.Error(err))
		return
	}

	switch {
	case r.err == nil:
		s.metrics.TaskStatus(string(taskgraph.StatusDone))
		logger.Info("task done", zap.String("task_id", updated.ID))
	case !terminal:
		s.metrics.TaskRetried()
		s.metrics.TaskStatus(string(taskgraph.StatusBlocked))
		logger.Warn("task failed, retrying",
			zap.String("task_id", updated.ID),
			zap.Int("attempt", updated.AttemptCount),
			zap.Time("not_before", *updated.NotBefore),
			zap.Error(r.err))
	default:
		s.metrics.TaskStatus(string(taskgraph.StatusFailed))
		logger.Error("task failed", zap.String("task_id", updated.ID),
			zap.Int("attempts", updated.AttemptCount), zap.Error(r.err))
		if s.onTerminal != nil {
			s.onTerminal(ctx, updated, r.err)
		}
	}
}

// propagateFailures fails every waiting task that depends on a failed or
// missing task, transitively, in a single write.
func (s *Scheduler) propagateFailures(ctx context.Context, runID string) error {
	var failed []string
	err := s.repo.Mutate(ctx, func(q *taskgraph.Queue) error {
		failed = failed[:0]
		tasks := q.Run(runID)
		byID := make(map[string]*taskgraph.Task, len(tasks))
		for _, t := range tasks {
			byID[t.ID] = t
		}
		for changed := true; changed; {
			changed = false
			for _, t := range tasks {
				if t.Status != taskgraph.StatusPending && t.Status != taskgraph.StatusBlocked {
					continue
				}
				for _, d := range t.DependsOn {
					dep, ok := byID[d]
					var reason string
					switch {
					case !ok:
						reason = fmt.Sprintf("dependency %s not found", d)
					case dep.Status == taskgraph.StatusFailed:
						reason = fmt.Sprintf("dependency %s failed", d)
					default:
						continue
					}
					t.Status = taskgraph.StatusFailed
					t.FailureReason = reason
					t.NotBefore = nil
					t.UpdatedAt = s.now().UTC()
					failed = append(failed, t.ID)
					changed = true
					break
				}
			}
		}
		if len(failed) == 0 {
			return errNoChange
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, id := range failed {
		s.metrics.TaskStatus(string(taskgraph.StatusFailed))
		s.logger.Warn("task failed by dependency", zap.String("run_id", runID), zap.String("task_id", id))
	}
	return nil
}

// errNoChange aborts a read-modify-write that would write nothing.
var errNoChange = errors.New("no change")

// failStuck fails tasks that can never become eligible. It only runs when
// nothing is in flight, eligible or backing off.
func (s *Scheduler) failStuck(ctx context.Context, runID string) error {
	return s.repo.Mutate(ctx, func(q *taskgraph.Queue) error {
		for _, t := range q.Run(runID) {
			if !t.Status.Terminal() {
				t.Status = taskgraph.StatusFailed
				t.FailureReason = "unschedulable: dependencies can never complete"
				t.UpdatedAt = s.now().UTC()
				s.logger.Error("task unschedulable", zap.String("run_id", runID), zap.String("task_id", t.ID))
			}
		}
		return nil
	})
}

func (s *Scheduler) summarize(ctx context.Context, runID string) (*Summary, error) {
	tasks, err := s.repo.List(ctx, runID)
	if err != nil {
		return nil, err
	}
	sum := &Summary{RunID: runID, Total: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case taskgraph.StatusDone:
			sum.Done = append(sum.Done, t.ID)
		case taskgraph.StatusFailed:
			sum.Failed = append(sum.Failed, t.ID)
		default:
			sum.Remaining = append(sum.Remaining, t.ID)
		}
	}
	return sum, nil
}
