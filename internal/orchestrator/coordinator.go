package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/architect/internal/checkpoint"
	"github.com/fyrsmithlabs/architect/internal/config"
	"github.com/fyrsmithlabs/architect/internal/events"
	"github.com/fyrsmithlabs/architect/internal/lease"
	"github.com/fyrsmithlabs/architect/internal/metrics"
	"github.com/fyrsmithlabs/architect/internal/patchstack"
	"github.com/fyrsmithlabs/architect/internal/scheduler"
	"github.com/fyrsmithlabs/architect/internal/secrets"
	"github.com/fyrsmithlabs/architect/internal/session"
	"github.com/fyrsmithlabs/architect/internal/specialist"
	"github.com/fyrsmithlabs/architect/internal/statestore"
	"github.com/fyrsmithlabs/architect/internal/taskgraph"
	"github.com/fyrsmithlabs/architect/internal/vcs"
)

// Deps wires a Coordinator. Config, Root, Store, VCS and Specialist are
// required.
type Deps struct {
	Config     *config.Config
	Root       string
	Store      *statestore.Store
	VCS        vcs.VCS
	Specialist specialist.Specialist
	Prompts    *specialist.Prompts
	// Scanner redacts outputs and feeds the implementation gate. Nil disables both.
	Scanner *secrets.Scanner
	// Runner executes phase commands. Defaults to a ShellRunner in Root.
	Runner  CommandRunner
	Events  events.Publisher
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Leases defaults to a manager with the configured ttl.
	Leases *lease.Manager
	// Tracer defaults to the global otel tracer.
	Tracer trace.Tracer
	Clock  func() time.Time
	// PollInterval bounds the scheduler's idle wait.
	PollInterval time.Duration
}

// RunSummary is the outcome of Run and Resume.
type RunSummary struct {
	RunID         string             `json:"run_id"`
	Goal          string             `json:"goal"`
	Status        RunStatus          `json:"status"`
	StartedAt     time.Time          `json:"started_at"`
	EndedAt       time.Time          `json:"ended_at"`
	Tasks         *scheduler.Summary `json:"tasks,omitempty"`
	CheckpointTag string             `json:"checkpoint_tag,omitempty"`
}

// StatusReport is returned by Status.
type StatusReport struct {
	Session     *session.RunSession `json:"session,omitempty"`
	Run         *RunRecord          `json:"run,omitempty"`
	Lease       *lease.Lease        `json:"lease,omitempty"`
	Tasks       []*taskgraph.Task   `json:"tasks"`
	Patches     []*session.Patch    `json:"patches"`
	RecentGates []GateResult        `json:"recent_gates"`
	Paused      bool                `json:"paused"`
}

// recentGateLimit bounds StatusReport.RecentGates.
const recentGateLimit = 10

// Coordinator drives runs end to end.
type Coordinator struct {
	cfg         *config.Config
	root        string
	store       *statestore.Store
	vcs         vcs.VCS
	backend     specialist.Specialist
	prompts     *specialist.Prompts
	scanner     *secrets.Scanner
	runner      CommandRunner
	events      events.Publisher
	logger      *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
	poll        time.Duration
	tracer      trace.Tracer
	sessions    *session.Repository
	tasks       *taskgraph.Repository
	patches     *patchstack.Manager
	checkpoints checkpoint.Service
	leases      *lease.Manager
	records     *Records
	engine      *Engine

	// commitMu keeps DirtyPaths and Commit of one worker together.
	commitMu sync.Mutex

	mu     sync.Mutex
	sched  *scheduler.Scheduler
	paused bool
}

// NewCoordinator wires the run components from d.
func NewCoordinator(d Deps) (*Coordinator, error) {
	switch {
	case d.Config == nil:
		return nil, errors.New("coordinator: config is required")
	case d.Store == nil:
		return nil, errors.New("coordinator: state store is required")
	case d.VCS == nil:
		return nil, errors.New("coordinator: vcs is required")
	case d.Specialist == nil:
		return nil, errors.New("coordinator: specialist is required")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if d.Runner == nil {
		d.Runner = &ShellRunner{Dir: d.Root, Timeout: d.Config.Project.CommandTimeout.Duration()}
	}
	if d.PollInterval <= 0 {
		d.PollInterval = 500 * time.Millisecond
	}
	if d.Tracer == nil {
		d.Tracer = otel.Tracer(instrumentationName)
	}
	if d.Leases == nil {
		d.Leases = lease.NewManager(d.Store, d.Config.LeaseTTL(),
			lease.WithClock(d.Clock),
			lease.WithLogger(d.Logger.Named("lease")),
			lease.WithMetrics(d.Metrics),
			lease.WithHeartbeatTimeout(d.Config.Lease.HeartbeatTimeout.Duration()))
	}

	sessions := session.NewRepository(d.Store).WithClock(d.Clock)
	tasks := taskgraph.NewRepository(d.Store)
	records := NewRecords(d.Store)
	records.now = d.Clock

	c := &Coordinator{
		cfg:      d.Config,
		root:     d.Root,
		store:    d.Store,
		vcs:      d.VCS,
		backend:  d.Specialist,
		prompts:  d.Prompts,
		scanner:  d.Scanner,
		runner:   d.Runner,
		events:   d.Events,
		logger:   d.Logger,
		metrics:  d.Metrics,
		now:      d.Clock,
		poll:     d.PollInterval,
		tracer:   d.Tracer,
		sessions: sessions,
		tasks:    tasks,
		leases:   d.Leases,
		records:  records,
		patches: patchstack.New(sessions, tasks, d.VCS,
			patchstack.WithLogger(d.Logger.Named("patches")),
			patchstack.WithMetrics(d.Metrics),
			patchstack.WithBranchStrategy(d.Config.Workflow.BranchStrategy)),
		checkpoints: checkpoint.NewService(d.Store, sessions, tasks, d.VCS,
			checkpoint.WithLogger(d.Logger.Named("checkpoint")),
			checkpoint.WithMetrics(d.Metrics)),
	}
	c.engine = NewEngine(records,
		WithEngineLogger(d.Logger.Named("gates")),
		WithEngineMetrics(d.Metrics),
		WithEngineTracer(d.Tracer),
		WithEngineClock(d.Clock))
	c.engine.RegisterGate(DefaultGates(d.Config, d.Scanner)...)
	return c, nil
}

func (c *Coordinator) Sessions() *session.Repository { return c.sessions }
func (c *Coordinator) Tasks() *taskgraph.Repository { return c.tasks }
func (c *Coordinator) Patches() *patchstack.Manager { return c.patches }
func (c *Coordinator) Checkpoints() checkpoint.Service { return c.checkpoints }
func (c *Coordinator) Leases() *lease.Manager { return c.leases }
func (c *Coordinator) Records() *Records { return c.records }
func (c *Coordinator) Engine() *Engine { return c.engine }

// Pause stops dispatch at the next dequeue boundary.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	if c.sched != nil {
		c.sched.Pause()
	}
}

// Resume re-enables dispatch.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	if c.sched != nil {
		c.sched.Resume()
	}
}

// Paused reports whether dispatch is paused.
func (c *Coordinator) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// SetPaused writes or removes the pause marker and toggles dispatch.
func (c *Coordinator) SetPaused(paused bool) error {
	if paused {
		if err := WritePauseMarker(c.root); err != nil {
			return err
		}
		c.Pause()
		return nil
	}
	if err := RemovePauseMarker(c.root); err != nil {
		return err
	}
	c.Resume()
	return nil
}

// ListPatches returns the patches of scope.
func (c *Coordinator) ListPatches(ctx context.Context, scope patchstack.Scope) ([]*session.Patch, error) {
	return c.patches.List(ctx, scope)
}

// runPlan describes one execution of the run loop.
type runPlan struct {
	session *session.RunSession
	fresh   bool
}

// Run starts a new run for goal.
func (c *Coordinator) Run(ctx context.Context, goal string) (*RunSummary, error) {
	now := c.now().UTC()
	return c.execute(ctx, runPlan{
		fresh: true,
		session: &session.RunSession{
			RunID:        session.NewRunID(now),
			Goal:         goal,
			StartedAt:    now,
			PhaseHistory: []session.PhaseEntry{{Phase: "planning", Status: "started", At: now}},
			PatchStack:   []string{},
		},
	})
}

// ResumeFrom runs the unfinished tasks of checkpoint tag as a new run.
func (c *Coordinator) ResumeFrom(ctx context.Context, tag, goal string) (*RunSummary, error) {
	rs, err := c.checkpoints.Resume(ctx, tag, goal)
	if err != nil {
		return nil, err
	}
	return c.execute(ctx, runPlan{session: rs})
}

// haltState keeps the first unrecoverable error of a run.
type haltState struct {
	mu  sync.Mutex
	err error
}

func (h *haltState) set(err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return false
	}
	h.err = err
	return true
}

func (h *haltState) get() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Unrecoverable reports whether err must halt the run.
func Unrecoverable(err error) bool {
	return errors.Is(err, statestore.ErrStateConflict) ||
		errors.Is(err, vcs.ErrVCS) ||
		errors.Is(err, lease.ErrLeaseLost)
}

func (c *Coordinator) execute(ctx context.Context, plan runPlan) (summary *RunSummary, err error) {
	rs := plan.session
	runID := rs.RunID
	ctx, span := c.tracer.Start(ctx, "run.execute", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.Bool("resumed", !plan.fresh),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	logger := c.logger.With(zap.String("run_id", runID))
	bg := context.WithoutCancel(ctx)

	if _, err := c.leases.Acquire(ctx, runID); err != nil {
		return nil, err
	}
	defer func() {
		if relErr := c.leases.Release(bg, runID); relErr != nil {
			logger.Warn("releasing lease", zap.Error(relErr))
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	halt := &haltState{}
	stopKeepalive := c.leases.Keepalive(runCtx, runID, c.cfg.HeartbeatInterval(), func(err error) {
		halt.set(err)
		cancel()
	})
	defer stopKeepalive()

	summary = &RunSummary{RunID: runID, Goal: rs.Goal, StartedAt: rs.StartedAt}

	// Every failure from here on halts with a checkpoint.
	fail := func(cause error) (*RunSummary, error) {
		summary.Status = RunHalted
		summary.CheckpointTag = c.haltRun(bg, logger, runID, "halted", cause)
		summary.EndedAt = c.now().UTC()
		return summary, cause
	}

	if err := c.prepareSession(ctx, plan); err != nil {
		return fail(err)
	}
	if _, err := c.records.UpsertRun(ctx, runID, func(r *RunRecord) {
		r.Goal = rs.Goal
		r.Status = RunInProgress
		r.StartedAt = rs.StartedAt
		r.HeartbeatAt = c.now().UTC()
	}); err != nil {
		return fail(err)
	}
	c.events.Publish(events.Event{Kind: events.KindRun, RunID: runID, Status: string(RunInProgress),
		Detail: map[string]any{"goal": rs.Goal, "resumed_from": rs.ResumedFrom}})

	if err := c.buildGraph(ctx, plan); err != nil {
		return fail(err)
	}

	isolated, err := c.vcs.DirtyPaths(ctx)
	if err != nil {
		return fail(err)
	}
	w := &worker{c: c, runID: runID, goal: rs.Goal, isolated: toSet(isolated), halt: func(err error) {
		if halt.set(err) {
			logger.Error("unrecoverable error, halting run", zap.Error(err))
		}
		cancel()
	}}

	sched := scheduler.New(c.tasks, w, scheduler.Config{
		MaxParallel:     c.cfg.Workflow.MaxParallelTasks,
		RetryBackoff:    c.cfg.Workflow.RetryBackoff(),
		RetryBackoffMax: c.cfg.Workflow.RetryBackoffMax(),
		PollInterval:    c.poll,
	},
		scheduler.WithLogger(c.logger.Named("scheduler")),
		scheduler.WithMetrics(c.metrics),
		scheduler.WithClock(c.now),
		scheduler.OnTerminalFailure(func(ctx context.Context, t *taskgraph.Task, cause error) {
			if _, err := c.checkpoints.Create(ctx, runID, "failed-"+t.ID); err != nil {
				logger.Error("checkpoint after task failure", zap.String("task_id", t.ID), zap.Error(err))
			}
			c.events.Publish(events.Event{Kind: events.KindTask, RunID: runID, TaskID: t.ID,
				Status: string(taskgraph.StatusFailed), Detail: map[string]any{"reason": t.FailureReason}})
		}),
	)
	c.attach(sched)
	defer c.attach(nil)

	tasks, runErr := sched.Run(runCtx, runID)
	summary.Tasks = tasks

	switch {
	case halt.get() != nil:
		return fail(halt.get())
	case runErr != nil:
		return fail(runErr)
	}

	status := RunCompleted
	if !tasks.Completed() {
		status = RunFailed
	}
	summary.Status = status
	if cp, err := c.checkpoints.Create(bg, runID, string(status)); err != nil {
		logger.Error("final checkpoint", zap.Error(err))
	} else {
		summary.CheckpointTag = cp.Tag
	}
	summary.EndedAt = c.now().UTC()
	if err := c.closeRun(bg, runID, status, summary.CheckpointTag, ""); err != nil {
		return summary, err
	}
	logger.Info("run finished",
		zap.String("status", string(status)),
		zap.Int("done", len(tasks.Done)),
		zap.Int("failed", len(tasks.Failed)))
	return summary, nil
}

func (c *Coordinator) attach(s *scheduler.Scheduler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sched = s
	if s != nil && c.paused {
		s.Pause()
	}
}

// prepareSession records the run session and, under auxiliary branches,
// moves the worktree onto run-<id>.
func (c *Coordinator) prepareSession(ctx context.Context, plan runPlan) error {
	rs := plan.session
	base, err := c.vcs.CurrentBranch(ctx)
	if err != nil {
		return err
	}
	active := base
	if c.cfg.Workflow.BranchStrategy == config.BranchAuxiliary {
		head, err := c.vcs.CurrentHead(ctx)
		if err != nil {
			return err
		}
		active = "run-" + rs.RunID
		if err := c.vcs.Branch(ctx, active, head); err != nil {
			return err
		}
		if err := c.vcs.Checkout(ctx, active); err != nil {
			return err
		}
	}
	if plan.fresh {
		rs.BaseBranch = base
		rs.ActiveBranch = active
		return c.sessions.Start(ctx, rs)
	}
	return c.sessions.Mutate(ctx, func(d *session.Doc) error {
		s, ok := d.Sessions[rs.RunID]
		if !ok {
			return fmt.Errorf("%w: %s", session.ErrRunNotFound, rs.RunID)
		}
		if s.BaseBranch == "" {
			s.BaseBranch = base
		}
		s.ActiveBranch = active
		d.ActiveRunID = rs.RunID
		return nil
	})
}

// buildGraph decomposes a fresh run or loads a resumed run's tasks, then
// validates and persists the graph.
func (c *Coordinator) buildGraph(ctx context.Context, plan runPlan) error {
	rs := plan.session
	var tasks []*taskgraph.Task
	if plan.fresh {
		steps, err := c.decompose(ctx, rs)
		if err != nil {
			return err
		}
		tasks = taskgraph.Decompose(rs.RunID, rs.Goal, steps, taskgraph.Options{
			MaxPatchesBeforeReview: c.cfg.Workflow.MaxPatchesBeforeReview,
			RequireCriticApproval:  c.cfg.Workflow.RequireCriticApproval,
			MaxAttempts:            c.cfg.Workflow.TaskMaxAttempts,
			Now:                    c.now().UTC(),
		})
	} else {
		var err error
		if tasks, err = c.tasks.List(ctx, rs.RunID); err != nil {
			return err
		}
	}

	g := taskgraph.New(tasks)
	if err := c.resolveCycles(ctx, rs.RunID, g); err != nil {
		return err
	}
	return c.tasks.Save(ctx, g.Tasks()...)
}

// decompose asks the supervisor for ordered steps. A backend failure is
// logged and the default single-step plan is used.
func (c *Coordinator) decompose(ctx context.Context, rs *session.RunSession) ([]string, error) {
	res, err := specialist.Collect(ctx, c.backend, specialist.Request{
		SystemPrompt: c.prompts.System(specialist.RoleSupervisor),
		UserPrompt: "Decompose this goal into implementation milestones and ordering constraints. " +
			"Return concise numbered or bullet steps.",
		Context: map[string]any{"goal": rs.Goal, "phase": "decomposition", "role": string(specialist.RoleSupervisor)},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("supervisor decomposition failed, using default plan",
			zap.String("run_id", rs.RunID), zap.Error(err))
		return nil, nil
	}
	content := c.redact(res.Content)
	steps := PlanSteps(content)
	if _, err := c.records.RecordDecision(ctx, Decision{
		Topic:     TopicDecomposition,
		DecidedBy: string(specialist.RoleSupervisor),
		RunID:     rs.RunID,
		Summary:   content,
	}); err != nil {
		return nil, err
	}
	return steps, nil
}

// resolveCycles breaks dependency cycles by dropping, per attempt, the cycle
// edge whose source task was created last. Each drop is recorded.
func (c *Coordinator) resolveCycles(ctx context.Context, runID string, g *taskgraph.Graph) error {
	for attempt := 0; ; attempt++ {
		err := g.Validate()
		var cycle *taskgraph.CycleError
		if !errors.As(err, &cycle) {
			return err
		}
		if attempt >= c.cfg.Workflow.MaxConflictCycles {
			return fmt.Errorf("unresolved after %d attempts: %w", attempt, err)
		}
		edges := cycle.Edges()
		if len(edges) == 0 {
			return err
		}
		pick := edges[0]
		for _, e := range edges[1:] {
			a, b := g.Task(e.From), g.Task(pick.From)
			if a.CreatedAt.After(b.CreatedAt) || (a.CreatedAt.Equal(b.CreatedAt) && e.From > pick.From) {
				pick = e
			}
		}
		g.DropDependency(pick.From, pick.To)
		c.logger.Warn("dropped dependency to break cycle",
			zap.String("run_id", runID),
			zap.String("from", pick.From),
			zap.String("to", pick.To),
			zap.Strings("cycle", cycle.Path))
		if _, err := c.records.RecordDecision(ctx, Decision{
			Topic:     TopicCycleResolution,
			DecidedBy: string(specialist.RoleSupervisor),
			TaskID:    pick.From,
			RunID:     runID,
			Summary:   fmt.Sprintf("dropped dependency %s -> %s to break %s", pick.From, pick.To, cycle.Error()),
		}); err != nil {
			return err
		}
	}
}

// haltRun checkpoints and closes a run after an unrecoverable error. It
// returns the checkpoint tag, or "" when the checkpoint could not be taken.
func (c *Coordinator) haltRun(ctx context.Context, logger *zap.Logger, runID, reason string, cause error) string {
	var tag string
	cp, err := c.checkpoints.Create(ctx, runID, reason)
	if err != nil {
		logger.Error("checkpoint before halt", zap.Error(err))
	} else {
		tag = cp.Tag
		c.events.Publish(events.Event{Kind: events.KindCheckpoint, RunID: runID, Status: "created",
			Detail: map[string]any{"tag": tag, "reason": reason}})
	}
	if err := c.closeRun(ctx, runID, RunHalted, tag, cause.Error()); err != nil {
		logger.Error("closing halted run", zap.Error(err))
	}
	logger.Error("run halted", zap.String("checkpoint", tag), zap.Error(cause))
	return tag
}

func (c *Coordinator) closeRun(ctx context.Context, runID string, status RunStatus, tag, reason string) error {
	now := c.now().UTC()
	if _, err := c.records.UpsertRun(ctx, runID, func(r *RunRecord) {
		r.Status = status
		r.EndedAt = &now
		r.ActiveTaskID = ""
		r.CheckpointTag = tag
		r.Reason = reason
	}); err != nil {
		return err
	}
	if err := c.sessions.End(ctx, runID, string(status)); err != nil && !errors.Is(err, session.ErrRunNotFound) {
		return err
	}
	c.events.Publish(events.Event{Kind: events.KindRun, RunID: runID, Status: string(status),
		Detail: map[string]any{"checkpoint": tag}})
	return nil
}

// Status returns the active run with its lease, tasks, patches and recent
// gate results.
func (c *Coordinator) Status(ctx context.Context) (*StatusReport, error) {
	rep := &StatusReport{Paused: c.Paused() || PauseMarkerExists(c.root)}
	rs, err := c.sessions.Active(ctx)
	if errors.Is(err, session.ErrNoActiveRun) {
		return rep, nil
	}
	if err != nil {
		return nil, err
	}
	rep.Session = rs
	if rep.Run, err = c.records.Run(ctx, rs.RunID); err != nil {
		return nil, err
	}
	if rep.Lease, err = c.leases.Get(ctx, rs.RunID); err != nil && !errors.Is(err, lease.ErrLeaseNotFound) {
		return nil, err
	}
	if rep.Tasks, err = c.tasks.List(ctx, rs.RunID); err != nil {
		return nil, err
	}
	if rep.Patches, err = c.patches.List(ctx, patchstack.ScopeActive); err != nil {
		return nil, err
	}
	if rep.RecentGates, err = c.records.GateResults(ctx, rs.RunID, recentGateLimit); err != nil {
		return nil, err
	}
	return rep, nil
}

func (c *Coordinator) redact(content string) string {
	if c.scanner == nil {
		return content
	}
	out, findings := c.scanner.Redact(content)
	if len(findings) > 0 {
		c.logger.Warn("redacted secrets from specialist output", zap.Int("findings", len(findings)))
	}
	return out
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, s := range items {
		out[s] = true
	}
	return out
}
