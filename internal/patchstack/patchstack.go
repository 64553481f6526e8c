// Package patchstack manages the review lifecycle of the commits a run
// produces.
//
// Every patch is one commit. Accepting tags it, rejecting reverts it and may
// enqueue a retry task, modifying enqueues an amendment task. The order of a
// run's patch stack is fixed when each patch is proposed and never changes.
package patchstack

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/architect/internal/config"
	"github.com/fyrsmithlabs/architect/internal/metrics"
	"github.com/fyrsmithlabs/architect/internal/session"
	"github.com/fyrsmithlabs/architect/internal/taskgraph"
	"github.com/fyrsmithlabs/architect/internal/vcs"
)

var (
	// ErrPatchNotFound is returned when a reference matches no patch.
	ErrPatchNotFound = errors.New("patch not found")
	// ErrAmbiguousRef is returned when a reference matches several patches.
	ErrAmbiguousRef = errors.New("ambiguous patch reference")
	// ErrInvalidTransition is returned for a transition the patch cannot make.
	ErrInvalidTransition = errors.New("invalid patch transition")
)

// Scope selects which patches an operation considers. Lifecycle operations
// given ScopeActive only reach the active run's stack.
type Scope int

const (
	// ScopeActive is the active run's patch stack, in stack order.
	ScopeActive Scope = iota
	// ScopeAll is every run's patches, in creation order.
	ScopeAll
)

// ReasonAttemptsExhausted marks a terminal rejection.
const ReasonAttemptsExhausted = "attempts exhausted"

// ID returns the patch id of a commit.
func ID(commitID string) string {
	if len(commitID) > 12 {
		commitID = commitID[:12]
	}
	return "patch-" + commitID
}

// Manager implements the patch lifecycle.
type Manager struct {
	sessions *session.Repository
	tasks    *taskgraph.Repository
	vcs      vcs.VCS
	strategy config.BranchStrategy
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithMetrics records patch transitions.
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithBranchStrategy selects where amendments land.
func WithBranchStrategy(s config.BranchStrategy) Option {
	return func(m *Manager) { m.strategy = s }
}

// New returns a Manager.
func New(sessions *session.Repository, tasks *taskgraph.Repository, v vcs.VCS, opts ...Option) *Manager {
	m := &Manager{
		sessions: sessions,
		tasks:    tasks,
		vcs:      v,
		strategy: config.BranchSingleQueue,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) now() time.Time { return m.sessions.Now() }

// Propose registers the commit as a pending patch on runID and appends it to
// the run's stack in the same write. Proposing a known commit returns the
// existing patch.
func (m *Manager) Propose(ctx context.Context, runID, taskID, commitID string) (*session.Patch, error) {
	files, err := m.vcs.ChangedFiles(ctx, commitID)
	if err != nil {
		return nil, fmt.Errorf("listing files of %s: %w", commitID, err)
	}
	subject, err := m.vcs.Subject(ctx, commitID)
	if err != nil {
		return nil, fmt.Errorf("reading subject of %s: %w", commitID, err)
	}

	id := ID(commitID)
	var (
		out     session.Patch
		created bool
	)
	err = m.sessions.Mutate(ctx, func(d *session.Doc) error {
		created = false
		if p, ok := d.Patches[id]; ok {
			out = *p
			return nil
		}
		s, ok := d.Sessions[runID]
		if !ok {
			return fmt.Errorf("%w: %s", session.ErrRunNotFound, runID)
		}
		now := m.now()
		p := &session.Patch{
			ID:           id,
			CommitID:     commitID,
			Subject:      subject,
			TaskID:       taskID,
			RunID:        runID,
			FilesChanged: files,
			CreatedAt:    now,
		}
		p.Transition(session.PatchPending, now, "proposed")
		d.Patches[id] = p
		s.PatchStack = append(s.PatchStack, id)
		out = *p
		created = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if created {
		m.metrics.PatchTransition(string(session.PatchPending))
		m.logger.Info("patch proposed",
			zap.String("run_id", runID),
			zap.String("task_id", taskID),
			zap.String("patch_id", id),
			zap.Int("files", len(files)))
	}
	return &out, nil
}

// Accept finalizes a patch by tagging accepted/<id>. Accepting twice is a
// no-op once the tag exists.
func (m *Manager) Accept(ctx context.Context, ref string, scope Scope) (*session.Patch, error) {
	p, err := m.Resolve(ctx, ref, scope)
	if err != nil {
		return nil, err
	}
	tag := "accepted/" + p.ID

	if p.Status == session.PatchAccepted {
		ok, err := m.vcs.TagExists(ctx, tag)
		if err != nil {
			return nil, fmt.Errorf("checking %s: %w", tag, err)
		}
		if ok {
			return p, nil
		}
	}
	if p.Status == session.PatchRejected {
		return nil, fmt.Errorf("%w: %s is rejected", ErrInvalidTransition, p.ID)
	}

	if err := m.vcs.Tag(ctx, tag, p.CommitID); err != nil {
		return nil, fmt.Errorf("tagging %s: %w", p.ID, err)
	}

	out, err := m.transition(ctx, p.ID, func(p *session.Patch) error {
		p.FinalizeTag = tag
		if p.Status != session.PatchAccepted {
			p.Transition(session.PatchAccepted, m.now(), "accepted")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.metrics.PatchTransition(string(session.PatchAccepted))
	m.logger.Info("patch accepted", zap.String("patch_id", p.ID), zap.String("tag", tag))
	return out, nil
}

// RejectResult reports the outcome of a rejection.
type RejectResult struct {
	Patch *session.Patch
	// RetryTask is the task enqueued to redo the work, nil when none was.
	RetryTask *taskgraph.Task
	// Terminal is true when the originating task has no attempts left.
	Terminal bool
}

// Reject reverts the patch's commit and records the revert. When the
// originating task still has attempts left, exactly one retry task is
// enqueued for the patch; rejecting again never adds another.
func (m *Manager) Reject(ctx context.Context, ref, reason string, scope Scope) (*RejectResult, error) {
	p, err := m.Resolve(ctx, ref, scope)
	if err != nil {
		return nil, err
	}
	if p.Status == session.PatchAccepted {
		return nil, fmt.Errorf("%w: %s is accepted", ErrInvalidTransition, p.ID)
	}

	revert, err := m.revert(ctx, p)
	if err != nil {
		return nil, err
	}

	origin, err := m.tasks.Get(ctx, p.RunID, p.TaskID)
	if err != nil && !errors.Is(err, taskgraph.ErrTaskNotFound) {
		return nil, err
	}
	terminal := origin == nil || origin.AttemptCount >= origin.MaxAttempts

	statusReason := reason
	if terminal {
		statusReason = ReasonAttemptsExhausted
		if reason != "" {
			statusReason = reason + "; " + ReasonAttemptsExhausted
		}
	}

	out, err := m.transition(ctx, p.ID, func(p *session.Patch) error {
		p.RevertCommit = revert
		p.StatusReason = statusReason
		if p.Status != session.PatchRejected {
			p.Transition(session.PatchRejected, m.now(), reason)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.metrics.PatchTransition(string(session.PatchRejected))

	res := &RejectResult{Patch: out, Terminal: terminal}
	if terminal {
		m.logger.Warn("patch rejected, attempts exhausted", zap.String("patch_id", p.ID))
		return res, nil
	}

	res.RetryTask, err = m.enqueueRetry(ctx, origin, p.ID)
	if err != nil {
		return nil, err
	}
	m.logger.Info("patch rejected, retry enqueued",
		zap.String("patch_id", p.ID), zap.String("retry_task", res.RetryTask.ID))
	return res, nil
}

// revert returns the commit undoing p, creating it only when neither state
// nor history already has one.
func (m *Manager) revert(ctx context.Context, p *session.Patch) (string, error) {
	if p.RevertCommit != "" {
		return p.RevertCommit, nil
	}
	prior, err := m.vcs.FindRevert(ctx, p.CommitID)
	if err != nil {
		return "", fmt.Errorf("looking up revert of %s: %w", p.ID, err)
	}
	if prior != "" {
		m.logger.Info("reusing unrecorded revert", zap.String("patch_id", p.ID), zap.String("revert", prior))
		return prior, nil
	}
	rev, err := m.vcs.Revert(ctx, p.CommitID)
	if err != nil {
		return "", fmt.Errorf("reverting %s: %w", p.ID, err)
	}
	return rev, nil
}

func (m *Manager) enqueueRetry(ctx context.Context, origin *taskgraph.Task, patchID string) (*taskgraph.Task, error) {
	var out *taskgraph.Task
	err := m.tasks.Mutate(ctx, func(q *taskgraph.Queue) error {
		out = nil
		for _, t := range q.Tasks {
			if t.RunID == origin.RunID && t.RetryOf == origin.ID && t.PatchRef == patchID {
				out = t.Clone()
				return nil
			}
		}
		n := 1
		for q.Find(origin.RunID, fmt.Sprintf("%s-retry-%d", origin.ID, n)) != nil {
			n++
		}
		now := m.now()
		t := &taskgraph.Task{
			ID:           fmt.Sprintf("%s-retry-%d", origin.ID, n),
			RunID:        origin.RunID,
			Type:         origin.Type,
			AssignedRole: origin.AssignedRole,
			Description:  origin.Description,
			Status:       taskgraph.StatusPending,
			DependsOn:    append([]string(nil), origin.DependsOn...),
			AttemptCount: origin.AttemptCount + 1,
			MaxAttempts:  origin.MaxAttempts,
			CreatedAt:    now,
			UpdatedAt:    now,
			RetryOf:      origin.ID,
			PatchRef:     patchID,
		}
		q.Upsert(t)
		out = t.Clone()
		return nil
	})
	return out, err
}

// ModifyResult reports the outcome of a modification.
type ModifyResult struct {
	Patch *session.Patch
	Task  *taskgraph.Task
}

// Modify requests an amendment. Under auxiliary branches the amendment
// branch amend-<id> is created at the patch's commit.
func (m *Manager) Modify(ctx context.Context, ref, note string, scope Scope) (*ModifyResult, error) {
	p, err := m.Resolve(ctx, ref, scope)
	if err != nil {
		return nil, err
	}
	if p.Status == session.PatchAccepted || p.Status == session.PatchRejected {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, p.ID, p.Status)
	}

	branch := p.AmendBranch
	if m.strategy == config.BranchAuxiliary && branch == "" {
		branch = "amend-" + p.ID
		if err := m.vcs.Branch(ctx, branch, p.CommitID); err != nil {
			return nil, fmt.Errorf("creating %s: %w", branch, err)
		}
	}

	var task *taskgraph.Task
	err = m.tasks.Mutate(ctx, func(q *taskgraph.Queue) error {
		task = nil
		for _, t := range q.Tasks {
			if t.RunID == p.RunID && t.ModifyOf == p.ID && !t.Status.Terminal() {
				task = t.Clone()
				return nil
			}
		}
		n := 1
		for q.Find(p.RunID, fmt.Sprintf("task-modify-%s-%d", p.ID, n)) != nil {
			n++
		}
		maxAttempts := 1
		var deps []string
		if origin := q.Find(p.RunID, p.TaskID); origin != nil {
			maxAttempts = origin.MaxAttempts
			deps = append(deps, origin.DependsOn...)
		}
		now := m.now()
		t := &taskgraph.Task{
			ID:           fmt.Sprintf("task-modify-%s-%d", p.ID, n),
			RunID:        p.RunID,
			Type:         taskgraph.TypeImplement,
			AssignedRole: taskgraph.TypeImplement.Role(),
			Description:  fmt.Sprintf("Amend %s (%s): %s", p.ID, p.Subject, note),
			Status:       taskgraph.StatusPending,
			DependsOn:    deps,
			MaxAttempts:  maxAttempts,
			CreatedAt:    now,
			UpdatedAt:    now,
			ModifyOf:     p.ID,
			PatchRef:     p.ID,
		}
		q.Upsert(t)
		task = t.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	out, err := m.transition(ctx, p.ID, func(p *session.Patch) error {
		p.AmendBranch = branch
		p.StatusReason = note
		if p.Status != session.PatchModified {
			p.Transition(session.PatchModified, m.now(), note)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.metrics.PatchTransition(string(session.PatchModified))
	m.logger.Info("patch modification requested",
		zap.String("patch_id", p.ID), zap.String("task_id", task.ID), zap.String("branch", branch))
	return &ModifyResult{Patch: out, Task: task}, nil
}

func (m *Manager) transition(ctx context.Context, id string, fn func(*session.Patch) error) (*session.Patch, error) {
	var out session.Patch
	err := m.sessions.Mutate(ctx, func(d *session.Doc) error {
		p, ok := d.Patches[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrPatchNotFound, id)
		}
		if err := fn(p); err != nil {
			return err
		}
		out = *p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns patches in scope.
func (m *Manager) List(ctx context.Context, scope Scope) ([]*session.Patch, error) {
	d, err := m.sessions.Load(ctx)
	if err != nil {
		return nil, err
	}
	return listFrom(d, scope), nil
}

func listFrom(d *session.Doc, scope Scope) []*session.Patch {
	if scope == ScopeActive {
		s := d.Active()
		if s == nil {
			return nil
		}
		out := make([]*session.Patch, 0, len(s.PatchStack))
		for _, id := range s.PatchStack {
			if p, ok := d.Patches[id]; ok {
				out = append(out, p)
			}
		}
		return out
	}

	out := make([]*session.Patch, 0, len(d.Patches))
	for _, p := range d.Patches {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *session.Patch) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Resolve finds a patch by full id, id prefix, or commit prefix.
func (m *Manager) Resolve(ctx context.Context, ref string, scope Scope) (*session.Patch, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrPatchNotFound)
	}
	d, err := m.sessions.Load(ctx)
	if err != nil {
		return nil, err
	}
	patches := listFrom(d, scope)

	for _, p := range patches {
		if p.ID == ref {
			return p, nil
		}
	}
	var matches []*session.Patch
	for _, p := range patches {
		if strings.HasPrefix(p.ID, ref) || strings.HasPrefix(p.ID, "patch-"+ref) || strings.HasPrefix(p.CommitID, ref) {
			matches = append(matches, p)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrPatchNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, 0, len(matches))
		for _, p := range matches {
			ids = append(ids, p.ID)
		}
		return nil, fmt.Errorf("%w: %s matches %s", ErrAmbiguousRef, ref, strings.Join(ids, ", "))
	}
}
