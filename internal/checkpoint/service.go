package checkpoint

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/architect/internal/metrics"
	"github.com/fyrsmithlabs/architect/internal/session"
	"github.com/fyrsmithlabs/architect/internal/statestore"
	"github.com/fyrsmithlabs/architect/internal/taskgraph"
	"github.com/fyrsmithlabs/architect/internal/vcs"
)

const instrumentationName = "github.com/fyrsmithlabs/architect/internal/checkpoint"

// Service manages checkpoints.
type Service interface {
	// Create tags the current head and snapshots runID.
	Create(ctx context.Context, runID, reason string) (*Checkpoint, error)

	// Rollback creates rollback-<n> at the checkpoint's head and returns it.
	Rollback(ctx context.Context, tag string) (string, error)

	// Resume starts a new run from the checkpoint's unfinished tasks.
	Resume(ctx context.Context, tag, goal string) (*session.RunSession, error)

	// List returns checkpoints in creation order.
	List(ctx context.Context) ([]*Checkpoint, error)

	// Get returns the checkpoint with tag.
	Get(ctx context.Context, tag string) (*Checkpoint, error)
}

type service struct {
	store    *statestore.Store
	sessions *session.Repository
	tasks    *taskgraph.Repository
	vcs      vcs.VCS
	logger   *zap.Logger
	metrics  *metrics.Metrics

	tracer        trace.Tracer
	createCounter metric.Int64Counter
	resumeCounter metric.Int64Counter
}

// Option configures the service.
type Option func(*service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *service) { s.logger = l } }

// WithMetrics records checkpoint creation in prometheus.
func WithMetrics(m *metrics.Metrics) Option { return func(s *service) { s.metrics = m } }

// NewService returns a checkpoint Service.
func NewService(store *statestore.Store, sessions *session.Repository, tasks *taskgraph.Repository, v vcs.VCS, opts ...Option) Service {
	s := &service{
		store:    store,
		sessions: sessions,
		tasks:    tasks,
		vcs:      v,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.initMetrics(otel.Meter(instrumentationName))
	return s
}

func (s *service) initMetrics(meter metric.Meter) {
	var err error
	s.createCounter, err = meter.Int64Counter(
		"architect.checkpoint.creates_total",
		metric.WithDescription("Total number of checkpoints created"),
		metric.WithUnit("{checkpoint}"),
	)
	if err != nil {
		s.logger.Warn("failed to create checkpoint counter", zap.Error(err))
	}
	s.resumeCounter, err = meter.Int64Counter(
		"architect.checkpoint.resumes_total",
		metric.WithDescription("Total number of runs resumed from a checkpoint"),
		metric.WithUnit("{resume}"),
	)
	if err != nil {
		s.logger.Warn("failed to create resume counter", zap.Error(err))
	}
}

var unsafeLabel = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Label sanitizes a reason for use in a tag name.
func Label(reason string) string {
	safe := strings.Trim(unsafeLabel.ReplaceAllString(strings.ToLower(strings.TrimSpace(reason)), "-"), "-")
	if safe == "" {
		return "checkpoint"
	}
	return safe
}

func snapshotRef(revs map[statestore.Namespace]int64) string {
	parts := make([]string, 0, len(statestore.Namespaces))
	for _, ns := range statestore.Namespaces {
		parts = append(parts, fmt.Sprintf("%s:%d", ns, revs[ns]))
	}
	return "revisions@" + strings.Join(parts, ",")
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (s *service) Create(ctx context.Context, runID, reason string) (*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.create", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("reason", reason),
	))
	defer span.End()

	now := s.sessions.Now()
	head, err := s.vcs.CurrentHead(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("reading head: %w", err))
	}
	revs, err := s.store.Revisions(ctx)
	if err != nil {
		return nil, fail(span, err)
	}

	var sess *session.RunSession
	if runID != "" {
		sess, err = s.sessions.Get(ctx, runID)
		if err != nil {
			return nil, fail(span, err)
		}
	}
	tasks := []*taskgraph.Task{}
	if runID != "" {
		if tasks, err = s.tasks.List(ctx, runID); err != nil {
			return nil, fail(span, err)
		}
	}

	existing, _, err := statestore.Load[checkpointsDoc](ctx, s.store, statestore.NSCheckpoints)
	if err != nil {
		return nil, fail(span, err)
	}
	tag, err := s.freeTag(ctx, &existing, fmt.Sprintf("architect/%s-%s", Label(reason), now.Format("20060102150405")))
	if err != nil {
		return nil, fail(span, err)
	}

	if err := s.vcs.Tag(ctx, tag, head); err != nil {
		return nil, fail(span, fmt.Errorf("tagging %s: %w", tag, err))
	}

	cp := &Checkpoint{
		Tag:              tag,
		RunID:            runID,
		Reason:           reason,
		CreatedAt:        now,
		StateSnapshotRef: snapshotRef(revs),
		Revisions:        revs,
		BranchHead:       head,
		Session:          sess,
		Tasks:            tasks,
	}
	_, _, err = statestore.Mutate(ctx, s.store, statestore.NSCheckpoints, func(d *checkpointsDoc) error {
		if d.find(tag) == nil {
			d.Checkpoints = append(d.Checkpoints, cp)
		}
		return nil
	})
	if err != nil {
		return nil, fail(span, fmt.Errorf("recording %s: %w", tag, err))
	}

	if runID != "" {
		if err := s.stampPatches(ctx, runID, tag); err != nil {
			s.logger.Warn("failed to stamp checkpoint on patches", zap.String("tag", tag), zap.Error(err))
		}
	}

	s.metrics.Checkpoint(Label(reason))
	if s.createCounter != nil {
		s.createCounter.Add(ctx, 1)
	}
	s.logger.Info("checkpoint created",
		zap.String("tag", tag),
		zap.String("run_id", runID),
		zap.String("reason", reason),
		zap.String("head", head))
	span.SetAttributes(attribute.String("tag", tag))
	return cp, nil
}

// freeTag appends -<n> to base until neither the VCS nor the record has it.
func (s *service) freeTag(ctx context.Context, doc *checkpointsDoc, base string) (string, error) {
	tag := base
	for n := 2; ; n++ {
		exists, err := s.vcs.TagExists(ctx, tag)
		if err != nil {
			return "", fmt.Errorf("checking %s: %w", tag, err)
		}
		if !exists && doc.find(tag) == nil {
			return tag, nil
		}
		tag = fmt.Sprintf("%s-%d", base, n)
	}
}

// stampPatches records tag as the checkpoint covering runID's pending patches.
func (s *service) stampPatches(ctx context.Context, runID, tag string) error {
	return s.sessions.Mutate(ctx, func(d *session.Doc) error {
		for _, p := range d.Patches {
			if p.RunID == runID && p.Status == session.PatchPending && p.CheckpointRef == "" {
				p.CheckpointRef = tag
			}
		}
		return nil
	})
}

func (s *service) Rollback(ctx context.Context, tag string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.rollback", trace.WithAttributes(attribute.String("tag", tag)))
	defer span.End()

	doc, _, err := statestore.Load[checkpointsDoc](ctx, s.store, statestore.NSCheckpoints)
	if err != nil {
		return "", fail(span, err)
	}
	cp := doc.find(tag)
	if cp == nil {
		return "", fail(span, fmt.Errorf("%w: %s", ErrCheckpointNotFound, tag))
	}

	n, branch, err := s.freeRollbackBranch(ctx, doc.RollbackCounter+1)
	if err != nil {
		return "", fail(span, err)
	}
	if err := s.vcs.Branch(ctx, branch, cp.BranchHead); err != nil {
		return "", fail(span, fmt.Errorf("creating %s: %w", branch, err))
	}
	_, _, err = statestore.Mutate(ctx, s.store, statestore.NSCheckpoints, func(d *checkpointsDoc) error {
		d.RollbackCounter = max(d.RollbackCounter, n)
		return nil
	})
	if err != nil {
		return "", fail(span, err)
	}

	s.logger.Info("rollback branch created", zap.String("tag", tag), zap.String("branch", branch))
	return branch, nil
}

// freeRollbackBranch returns the first rollback-<n> from n on that does not
// exist yet.
func (s *service) freeRollbackBranch(ctx context.Context, n int) (int, string, error) {
	for ; ; n++ {
		branch := fmt.Sprintf("rollback-%d", n)
		exists, err := s.vcs.BranchExists(ctx, branch)
		if err != nil {
			return 0, "", fmt.Errorf("checking %s: %w", branch, err)
		}
		if !exists {
			return n, branch, nil
		}
	}
}

func (s *service) Resume(ctx context.Context, tag, goal string) (*session.RunSession, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.resume", trace.WithAttributes(attribute.String("tag", tag)))
	defer span.End()

	cp, err := s.Get(ctx, tag)
	if err != nil {
		return nil, fail(span, err)
	}

	now := s.sessions.Now()
	next := &session.RunSession{
		RunID:        session.NewRunID(now),
		Goal:         goal,
		StartedAt:    now,
		PhaseHistory: []session.PhaseEntry{{Phase: "resumed", Status: tag, At: now}},
		PatchStack:   []string{},
		ResumedFrom:  tag,
	}
	if cp.Session != nil {
		if next.Goal == "" {
			next.Goal = cp.Session.Goal
		}
		next.BaseBranch = cp.Session.BaseBranch
		next.ActiveBranch = cp.Session.ActiveBranch
		next.PatchStack = append(next.PatchStack, cp.Session.PatchStack...)
	}
	if next.ActiveBranch == "" {
		if branch, err := s.vcs.CurrentBranch(ctx); err == nil {
			next.BaseBranch, next.ActiveBranch = branch, branch
		}
	}

	pending, err := s.resumable(ctx, cp)
	if err != nil {
		return nil, fail(span, err)
	}
	var carried []*taskgraph.Task
	for _, t := range pending {
		c := t.Clone()
		c.RunID = next.RunID
		c.Status = taskgraph.StatusPending
		c.NotBefore = nil
		c.FailureReason = ""
		c.UpdatedAt = now
		carried = append(carried, c)
	}
	// Dependencies on tasks that were already done are satisfied.
	carriedIDs := make(map[string]bool, len(carried))
	for _, t := range carried {
		carriedIDs[t.ID] = true
	}
	for _, t := range carried {
		deps := t.DependsOn[:0]
		for _, d := range t.DependsOn {
			if carriedIDs[d] {
				deps = append(deps, d)
			}
		}
		t.DependsOn = deps
	}

	if err := s.tasks.Save(ctx, carried...); err != nil {
		return nil, fail(span, err)
	}
	if err := s.sessions.Start(ctx, next); err != nil {
		return nil, fail(span, err)
	}

	if s.resumeCounter != nil {
		s.resumeCounter.Add(ctx, 1)
	}
	s.logger.Info("run resumed from checkpoint",
		zap.String("tag", tag),
		zap.String("run_id", next.RunID),
		zap.Int("tasks", len(carried)))
	span.SetAttributes(attribute.String("run_id", next.RunID))
	return next, nil
}

// resumable returns the snapshot's unfinished tasks followed by the source
// run's open tasks enqueued after the snapshot, such as retries and
// amendments requested during review.
func (s *service) resumable(ctx context.Context, cp *Checkpoint) ([]*taskgraph.Task, error) {
	seen := make(map[string]bool, len(cp.Tasks))
	var out []*taskgraph.Task
	for _, t := range cp.Tasks {
		seen[t.ID] = true
		if t.Status != taskgraph.StatusDone {
			out = append(out, t)
		}
	}
	if cp.RunID == "" {
		return out, nil
	}
	current, err := s.tasks.List(ctx, cp.RunID)
	if err != nil {
		return nil, fmt.Errorf("loading tasks of %s: %w", cp.RunID, err)
	}
	for _, t := range current {
		if !seen[t.ID] && !t.Status.Terminal() {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *service) List(ctx context.Context) ([]*Checkpoint, error) {
	doc, _, err := statestore.Load[checkpointsDoc](ctx, s.store, statestore.NSCheckpoints)
	if err != nil {
		return nil, err
	}
	return doc.Checkpoints, nil
}

func (s *service) Get(ctx context.Context, tag string) (*Checkpoint, error) {
	doc, _, err := statestore.Load[checkpointsDoc](ctx, s.store, statestore.NSCheckpoints)
	if err != nil {
		return nil, err
	}
	cp := doc.find(tag)
	if cp == nil {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, tag)
	}
	return cp, nil
}
