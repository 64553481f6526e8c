package patchstack

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/architect/internal/config"
	"github.com/fyrsmithlabs/architect/internal/session"
	"github.com/fyrsmithlabs/architect/internal/statestore"
	"github.com/fyrsmithlabs/architect/internal/taskgraph"
	"github.com/fyrsmithlabs/architect/internal/vcs"
)

type fixture struct {
	mgr      *Manager
	vcs      *vcs.Memory
	tasks    *taskgraph.Repository
	sessions *session.Repository
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	store := statestore.New(statestore.NewMemory())
	f := &fixture{
		vcs:      vcs.NewMemory(),
		tasks:    taskgraph.NewRepository(store),
		sessions: session.NewRepository(store),
	}
	f.mgr = New(f.sessions, f.tasks, f.vcs, opts...)

	require.NoError(t, f.sessions.Start(ctx, &session.RunSession{RunID: "run-1", Goal: "goal"}))
	require.NoError(t, f.tasks.Save(ctx, &taskgraph.Task{
		ID:          "task-implement-001",
		RunID:       "run-1",
		Type:        taskgraph.TypeImplement,
		Status:      taskgraph.StatusDone,
		DependsOn:   []string{"task-plan-001"},
		MaxAttempts: 2,
		CreatedAt:   time.Now(),
	}))
	return f
}

func (f *fixture) commit(t *testing.T, msg string, files ...string) string {
	t.Helper()
	f.vcs.Touch(files...)
	id, err := f.vcs.Commit(context.Background(), nil, msg)
	require.NoError(t, err)
	return id
}

func (f *fixture) propose(t *testing.T, msg string, files ...string) *session.Patch {
	t.Helper()
	p, err := f.mgr.Propose(context.Background(), "run-1", "task-implement-001", f.commit(t, msg, files...))
	require.NoError(t, err)
	return p
}

func TestPropose_AppendsToStack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	commit := f.commit(t, "add parser\n\ndetails", "parser.go")
	p, err := f.mgr.Propose(ctx, "run-1", "task-implement-001", commit)
	require.NoError(t, err)
	assert.Equal(t, "patch-"+commit[:12], p.ID)
	assert.Equal(t, "add parser", p.Subject)
	assert.Equal(t, []string{"parser.go"}, p.FilesChanged)
	assert.Equal(t, session.PatchPending, p.Status)
	require.Len(t, p.History, 1)

	again, err := f.mgr.Propose(ctx, "run-1", "task-implement-001", commit)
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID)

	s, err := f.sessions.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, []string{p.ID}, s.PatchStack)

	_, err = f.mgr.Propose(ctx, "run-404", "t", f.commit(t, "other", "b.go"))
	assert.ErrorIs(t, err, session.ErrRunNotFound)
}

func TestAccept_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.propose(t, "feat", "a.go")

	first, err := f.mgr.Accept(ctx, p.ID, ScopeActive)
	require.NoError(t, err)
	assert.Equal(t, session.PatchAccepted, first.Status)
	assert.Equal(t, "accepted/"+p.ID, first.FinalizeTag)
	assert.Equal(t, p.CommitID, f.vcs.Tags()["accepted/"+p.ID])

	second, err := f.mgr.Accept(ctx, p.ID, ScopeActive)
	require.NoError(t, err)
	assert.Equal(t, first.History, second.History)
	assert.Len(t, second.History, 2)
}

func TestAccept_RecreatesMissingTag(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.propose(t, "feat", "a.go")

	// Accepted in state but the tag was never written.
	require.NoError(t, f.sessions.Mutate(ctx, func(d *session.Doc) error {
		d.Patches[p.ID].Transition(session.PatchAccepted, time.Now(), "imported")
		return nil
	}))

	out, err := f.mgr.Accept(ctx, p.ID, ScopeActive)
	require.NoError(t, err)
	assert.Len(t, out.History, 2)
	ok, err := f.vcs.TagExists(ctx, "accepted/"+p.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReject_EnqueuesExactlyOneRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.propose(t, "feat", "a.go")

	res, err := f.mgr.Reject(ctx, p.ID, "wrong approach", ScopeActive)
	require.NoError(t, err)
	assert.False(t, res.Terminal)
	assert.Equal(t, session.PatchRejected, res.Patch.Status)
	assert.NotEmpty(t, res.Patch.RevertCommit)
	require.NotNil(t, res.RetryTask)
	assert.Equal(t, "task-implement-001-retry-1", res.RetryTask.ID)
	assert.Equal(t, "task-implement-001", res.RetryTask.RetryOf)
	assert.Equal(t, p.ID, res.RetryTask.PatchRef)
	assert.Equal(t, 1, res.RetryTask.AttemptCount)
	assert.Equal(t, []string{"task-plan-001"}, res.RetryTask.DependsOn)

	again, err := f.mgr.Reject(ctx, p.ID, "still wrong", ScopeActive)
	require.NoError(t, err)
	assert.Equal(t, res.RetryTask.ID, again.RetryTask.ID)
	assert.Equal(t, res.Patch.RevertCommit, again.Patch.RevertCommit)

	tasks, err := f.tasks.List(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	reverts := 0
	for _, c := range f.vcs.Commits() {
		if c.RevertOf != "" {
			reverts++
		}
	}
	assert.Equal(t, 1, reverts)
}

func TestReject_AttemptsExhausted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.tasks.Update(ctx, "run-1", "task-implement-001", func(t *taskgraph.Task) error {
		t.AttemptCount = 2
		return nil
	})
	require.NoError(t, err)
	p := f.propose(t, "feat", "a.go")

	res, err := f.mgr.Reject(ctx, p.ID, "", ScopeActive)
	require.NoError(t, err)
	assert.True(t, res.Terminal)
	assert.Nil(t, res.RetryTask)
	assert.Equal(t, ReasonAttemptsExhausted, res.Patch.StatusReason)

	tasks, err := f.tasks.List(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestReject_VCSFailurePersistsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.propose(t, "feat", "a.go")
	f.vcs.FailOn("revert", assert.AnError)

	_, err := f.mgr.Reject(ctx, p.ID, "x", ScopeActive)
	require.ErrorIs(t, err, vcs.ErrVCS)

	got, err := f.mgr.Resolve(ctx, p.ID, ScopeAll)
	require.NoError(t, err)
	assert.Equal(t, session.PatchPending, got.Status)
}

func TestReject_ReusesUnrecordedRevert(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.propose(t, "feat", "a.go")

	// The revert landed but its state write never happened.
	prior, err := f.vcs.Revert(ctx, p.CommitID)
	require.NoError(t, err)

	res, err := f.mgr.Reject(ctx, p.ID, "wrong", ScopeActive)
	require.NoError(t, err)
	assert.Equal(t, prior, res.Patch.RevertCommit)

	reverts := 0
	for _, c := range f.vcs.Commits() {
		if c.RevertOf != "" {
			reverts++
		}
	}
	assert.Equal(t, 1, reverts)
}

func TestLifecycle_ScopeLimitsPriorRuns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	old := f.propose(t, "feat", "a.go")
	other := f.propose(t, "other", "b.go")
	require.NoError(t, f.sessions.Start(ctx, &session.RunSession{RunID: "run-2", Goal: "next"}))

	_, err := f.mgr.Accept(ctx, old.ID, ScopeActive)
	assert.ErrorIs(t, err, ErrPatchNotFound)
	_, err = f.mgr.Reject(ctx, old.ID, "no", ScopeActive)
	assert.ErrorIs(t, err, ErrPatchNotFound)
	_, err = f.mgr.Modify(ctx, old.ID, "tweak", ScopeActive)
	assert.ErrorIs(t, err, ErrPatchNotFound)

	got, err := f.mgr.Resolve(ctx, old.ID, ScopeAll)
	require.NoError(t, err)
	assert.Equal(t, session.PatchPending, got.Status)
	assert.Empty(t, f.vcs.Tags())

	accepted, err := f.mgr.Accept(ctx, old.ID, ScopeAll)
	require.NoError(t, err)
	assert.Equal(t, session.PatchAccepted, accepted.Status)

	modified, err := f.mgr.Modify(ctx, other.ID, "tweak", ScopeAll)
	require.NoError(t, err)
	assert.Equal(t, "run-1", modified.Task.RunID)
}

func TestAcceptRejected_IsInvalid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.propose(t, "feat", "a.go")
	_, err := f.mgr.Reject(ctx, p.ID, "no", ScopeActive)
	require.NoError(t, err)

	_, err = f.mgr.Accept(ctx, p.ID, ScopeActive)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestModify_SingleBranchQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.propose(t, "feat", "a.go")

	res, err := f.mgr.Modify(ctx, p.ID, "rename the flag", ScopeActive)
	require.NoError(t, err)
	assert.Equal(t, session.PatchModified, res.Patch.Status)
	assert.Empty(t, res.Patch.AmendBranch)
	assert.Equal(t, p.ID, res.Task.ModifyOf)
	assert.Equal(t, "run-1", res.Task.RunID)
	assert.Contains(t, res.Task.Description, "rename the flag")
	assert.Equal(t, []string{"main"}, f.vcs.Branches())

	again, err := f.mgr.Modify(ctx, p.ID, "rename the flag", ScopeActive)
	require.NoError(t, err)
	assert.Equal(t, res.Task.ID, again.Task.ID)
}

func TestModify_AuxiliaryBranches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithBranchStrategy(config.BranchAuxiliary))
	p := f.propose(t, "feat", "a.go")

	res, err := f.mgr.Modify(ctx, p.ID, "split it", ScopeActive)
	require.NoError(t, err)
	assert.Equal(t, "amend-"+p.ID, res.Patch.AmendBranch)
	assert.Contains(t, f.vcs.Branches(), "amend-"+p.ID)
}

func TestListAndResolve(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p1 := f.propose(t, "one", "a.go")
	p2 := f.propose(t, "two", "b.go")

	active, err := f.mgr.List(ctx, ScopeActive)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, p1.ID, active[0].ID)
	assert.Equal(t, p2.ID, active[1].ID)

	// A second run becomes active; its stack starts empty.
	require.NoError(t, f.sessions.Start(ctx, &session.RunSession{RunID: "run-2"}))
	active, err = f.mgr.List(ctx, ScopeActive)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := f.mgr.List(ctx, ScopeAll)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	got, err := f.mgr.Resolve(ctx, p2.CommitID[:10], ScopeAll)
	require.NoError(t, err)
	assert.Equal(t, p2.ID, got.ID)

	got, err = f.mgr.Resolve(ctx, p1.ID[:14], ScopeAll)
	require.NoError(t, err)
	assert.Equal(t, p1.ID, got.ID)

	_, err = f.mgr.Resolve(ctx, "patch-", ScopeAll)
	assert.ErrorIs(t, err, ErrAmbiguousRef)

	_, err = f.mgr.Resolve(ctx, "deadbeefcafe", ScopeAll)
	assert.ErrorIs(t, err, ErrPatchNotFound)

	_, err = f.mgr.Resolve(ctx, p1.ID, ScopeActive)
	assert.ErrorIs(t, err, ErrPatchNotFound)
}

func TestID(t *testing.T) {
	assert.Equal(t, "patch-0123456789ab", ID("0123456789abcdef"))
	assert.Equal(t, "patch-abc", ID("abc"))
}
