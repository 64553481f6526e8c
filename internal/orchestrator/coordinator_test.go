package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/architect/internal/config"
	"github.com/fyrsmithlabs/architect/internal/lease"
	"github.com/fyrsmithlabs/architect/internal/patchstack"
	"github.com/fyrsmithlabs/architect/internal/session"
	"github.com/fyrsmithlabs/architect/internal/specialist"
	"github.com/fyrsmithlabs/architect/internal/statestore"
	"github.com/fyrsmithlabs/architect/internal/taskgraph"
	"github.com/fyrsmithlabs/architect/internal/telemetry"
	"github.com/fyrsmithlabs/architect/internal/vcs"
)

// fakeRunner answers phase commands without executing anything.
type fakeRunner struct {
	mu       sync.Mutex
	failTest bool
	ran      []string
}

func (r *fakeRunner) Run(_ context.Context, command string) *CommandResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran = append(r.ran, command)
	res := &CommandResult{Command: command, StdoutTail: "ok"}
	if command == "make test" {
		res.StdoutTail = "coverage: 91.0% of statements"
		if r.failTest {
			res.ExitCode = 1
		}
	}
	return res
}

func (r *fakeRunner) setFailTest(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failTest = v
}

// replies maps a request to scripted specialist output.
type replies func(role specialist.Role, req specialist.Request) string

type harness struct {
	root   string
	repo   *vcs.Memory
	runner *fakeRunner
	coord  *Coordinator
	static *specialist.Static
	tel    *telemetry.TestTelemetry
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Project.LintCommand = "make lint"
	cfg.Project.TypeCheckCommand = "make typecheck"
	cfg.Project.TestCommand = "make test"
	cfg.Workflow.MaxParallelTasks = 1
	cfg.Workflow.TaskMaxAttempts = 2
	cfg.Workflow.TaskRetryBackoffSeconds = 0.01
	cfg.Workflow.TaskRetryBackoffMaxSeconds = 0.02
	cfg.Workflow.TestCoverageThreshold = 80
	cfg.Guardrails.RequireTestsFor = nil
	return cfg
}

func newHarness(t *testing.T, cfg *config.Config, script func(*vcs.Memory) replies) *harness {
	t.Helper()
	h := &harness{root: t.TempDir(), repo: vcs.NewMemory(), runner: &fakeRunner{}, tel: telemetry.NewTestTelemetry()}
	reply := script(h.repo)
	h.static = specialist.NewStatic("static", func(req specialist.Request) ([]string, error) {
		role := specialist.Role(req.Context["role"].(string))
		return []string{reply(role, req)}, nil
	})
	coord, err := NewCoordinator(Deps{
		Config:       cfg,
		Root:         h.root,
		Store:        statestore.New(statestore.NewMemory()),
		VCS:          h.repo,
		Specialist:   h.static,
		Runner:       h.runner,
		Tracer:       h.tel.Tracer(instrumentationName),
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	h.coord = coord
	return h
}

// defaultReplies touches one source file per implement task and approves
// every review.
func defaultReplies(repo *vcs.Memory) replies {
	return func(role specialist.Role, req specialist.Request) string {
		switch role {
		case specialist.RoleSupervisor:
			return "1. Add the store\n2. Wire the handler"
		case specialist.RolePlanner:
			return "Analysis of the problem and api boundary.\n1. Build the store\n2. Expose it"
		case specialist.RoleCoder:
			repo.Touch("lib/" + req.Context["task_id"].(string) + ".go")
			return "Implemented the change."
		case specialist.RoleTester:
			return "Added tests."
		case specialist.RoleCritic:
			return "Looks good to me."
		case specialist.RoleDocumenter:
			return "Updated the README usage section."
		}
		return "ok"
	}
}

func TestNewCoordinator_RequiresDeps(t *testing.T) {
	_, err := NewCoordinator(Deps{})
	assert.Error(t, err)
	_, err = NewCoordinator(Deps{Config: config.Default(), Store: statestore.New(statestore.NewMemory())})
	assert.Error(t, err)
}

func TestCoordinator_RunCompletes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), defaultReplies)

	summary, err := h.coord.Run(ctx, "add a cache")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, summary.Status)
	assert.Len(t, summary.Tasks.Done, 6)
	assert.Empty(t, summary.Tasks.Failed)
	assert.NotEmpty(t, summary.CheckpointTag)

	tasks, err := h.coord.Tasks().List(ctx, summary.RunID)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, taskgraph.StatusDone, task.Status, task.ID)
		if task.Type == taskgraph.TypeImplement {
			assert.NotEmpty(t, task.PatchID, task.ID)
		}
	}

	patches, err := h.coord.Patches().List(ctx, patchstack.ScopeActive)
	require.NoError(t, err)
	require.Len(t, patches, 2)
	for _, p := range patches {
		assert.Equal(t, session.PatchPending, p.Status)
		assert.Equal(t, summary.CheckpointTag, p.CheckpointRef)
	}

	rec, err := h.coord.Records().Run(ctx, summary.RunID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, RunCompleted, rec.Status)
	assert.NotNil(t, rec.EndedAt)
	assert.Equal(t, summary.CheckpointTag, rec.CheckpointTag)

	decisions, err := h.coord.Records().Decisions(ctx, summary.RunID)
	require.NoError(t, err)
	require.NotEmpty(t, decisions)
	assert.Equal(t, TopicDecomposition, decisions[0].Topic)

	_, err = h.coord.Leases().Get(ctx, summary.RunID)
	assert.ErrorIs(t, err, lease.ErrLeaseNotFound, "lease is released")

	assert.Contains(t, h.runner.ran, "make lint")
	assert.Contains(t, h.runner.ran, "make typecheck")
	assert.Contains(t, h.runner.ran, "make test")

	status, err := h.coord.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, status.Session)
	assert.Equal(t, summary.RunID, status.Session.RunID)
	assert.Len(t, status.Tasks, 6)
	assert.Len(t, status.Patches, 2)
	assert.NotEmpty(t, status.RecentGates)
	assert.LessOrEqual(t, len(status.RecentGates), recentGateLimit)
	assert.Nil(t, status.Lease)
	assert.False(t, status.Paused)
}

func TestCoordinator_TracesRunAndTasks(t *testing.T) {
	h := newHarness(t, testConfig(), defaultReplies)

	summary, err := h.coord.Run(context.Background(), "add a cache")
	require.NoError(t, err)

	h.tel.AssertSpanExists(t, "run.execute")
	h.tel.AssertSpanAttribute(t, "run.execute", "run_id", summary.RunID)
	assert.Equal(t, 6, h.tel.CountSpans("task.execute"))
	h.tel.AssertSpanExists(t, "gates.evaluate")
}

func TestCoordinator_StatusWithoutRun(t *testing.T) {
	h := newHarness(t, testConfig(), defaultReplies)
	status, err := h.coord.Status(context.Background())
	require.NoError(t, err)
	assert.Nil(t, status.Session)
	assert.Empty(t, status.Tasks)
}

func TestCoordinator_FallbackArtifact(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), func(repo *vcs.Memory) replies {
		base := defaultReplies(repo)
		return func(role specialist.Role, req specialist.Request) string {
			if role == specialist.RoleCoder {
				return "Nothing needed changing."
			}
			return base(role, req)
		}
	})

	summary, err := h.coord.Run(ctx, "audit the cache")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, summary.Status)

	artifact := filepath.Join(h.root, ".architect", "runs", summary.RunID, "task-implement-001.md")
	data, err := os.ReadFile(artifact)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Nothing needed changing.")

	patches, err := h.coord.Patches().List(ctx, patchstack.ScopeAll)
	require.NoError(t, err)
	assert.Empty(t, patches)
}

func TestCoordinator_ReviewBlockersAreRemediated(t *testing.T) {
	ctx := context.Background()
	var reviews atomic.Int32
	h := newHarness(t, testConfig(), func(repo *vcs.Memory) replies {
		base := defaultReplies(repo)
		return func(role specialist.Role, req specialist.Request) string {
			if role == specialist.RoleCritic && reviews.Add(1) == 1 {
				return "BLOCKER: the store ignores write errors"
			}
			if role == specialist.RoleCoder && req.Context["round"] != nil {
				repo.Touch("lib/fix.go")
				return "Handled write errors."
			}
			return base(role, req)
		}
	})

	summary, err := h.coord.Run(ctx, "add a cache")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, summary.Status)
	assert.Equal(t, int32(2), reviews.Load())

	decisions, err := h.coord.Records().Decisions(ctx, summary.RunID)
	require.NoError(t, err)
	var resolved int
	for _, d := range decisions {
		if d.Topic == TopicConflictResolved {
			resolved++
		}
	}
	assert.Equal(t, 1, resolved)

	patches, err := h.coord.Patches().List(ctx, patchstack.ScopeActive)
	require.NoError(t, err)
	assert.Len(t, patches, 3, "the remediation fix is proposed as its own patch")
}

func TestCoordinator_GateFailureFailsRunThenResumes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), defaultReplies)
	h.runner.setFailTest(true)

	summary, err := h.coord.Run(ctx, "add a cache")
	require.NoError(t, err)
	assert.Equal(t, RunFailed, summary.Status)
	assert.ElementsMatch(t, []string{"task-test-001", "task-review-001", "task-document-001"}, summary.Tasks.Failed)

	tasks, err := h.coord.Tasks().List(ctx, summary.RunID)
	require.NoError(t, err)
	for _, task := range tasks {
		if task.ID == "task-test-001" {
			assert.Equal(t, 2, task.AttemptCount)
			assert.Contains(t, task.FailureReason, "testing-gate")
		}
	}

	cps, err := h.coord.Checkpoints().List(ctx)
	require.NoError(t, err)
	var reasons []string
	for _, cp := range cps {
		reasons = append(reasons, cp.Reason)
	}
	assert.Contains(t, reasons, "failed-task-test-001")
	assert.Contains(t, reasons, string(RunFailed))

	h.runner.setFailTest(false)
	resumed, err := h.coord.ResumeFrom(ctx, summary.CheckpointTag, "")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, resumed.Status)
	assert.Equal(t, "add a cache", resumed.Goal)
	assert.ElementsMatch(t, []string{"task-test-001", "task-review-001", "task-document-001"}, resumed.Tasks.Done)
}

func TestCoordinator_VCSErrorHalts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), defaultReplies)
	h.repo.FailOn("commit", errors.New("disk full"))

	summary, err := h.coord.Run(ctx, "add a cache")
	require.Error(t, err)
	assert.ErrorIs(t, err, vcs.ErrVCS)
	require.NotNil(t, summary)
	assert.Equal(t, RunHalted, summary.Status)
	assert.NotEmpty(t, summary.CheckpointTag)

	rec, err := h.coord.Records().Run(ctx, summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunHalted, rec.Status)
	assert.Contains(t, rec.Reason, "disk full")

	cp, err := h.coord.Checkpoints().Get(ctx, summary.CheckpointTag)
	require.NoError(t, err)
	assert.Equal(t, "halted", cp.Reason)
}

func TestCoordinator_CancelHalts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, testConfig(), func(repo *vcs.Memory) replies {
		base := defaultReplies(repo)
		return func(role specialist.Role, req specialist.Request) string {
			if role == specialist.RolePlanner {
				cancel()
			}
			return base(role, req)
		}
	})

	summary, err := h.coord.Run(ctx, "add a cache")
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, summary)
	assert.Equal(t, RunHalted, summary.Status)
	assert.NotEmpty(t, summary.CheckpointTag)
}

func TestCoordinator_PauseHoldsDispatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), defaultReplies)
	h.coord.Pause()
	assert.True(t, h.coord.Paused())

	done := make(chan *RunSummary, 1)
	go func() {
		s, _ := h.coord.Run(ctx, "add a cache")
		done <- s
	}()

	require.Eventually(t, func() bool {
		rs, err := h.coord.Sessions().Active(ctx)
		if err != nil {
			return false
		}
		tasks, err := h.coord.Tasks().List(ctx, rs.RunID)
		return err == nil && len(tasks) > 0
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, h.static.Calls(), 1, "only the supervisor ran while paused")

	h.coord.Resume()
	select {
	case s := <-done:
		require.NotNil(t, s)
		assert.Equal(t, RunCompleted, s.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after resume")
	}
}

func TestCoordinator_ResolvesCycles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), defaultReplies)
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	a := &taskgraph.Task{ID: "a", RunID: "r1", DependsOn: []string{"b"}, CreatedAt: now}
	b := &taskgraph.Task{ID: "b", RunID: "r1", DependsOn: []string{"a"}, CreatedAt: now.Add(time.Second)}
	g := taskgraph.New([]*taskgraph.Task{a, b})

	require.NoError(t, h.coord.resolveCycles(ctx, "r1", g))
	assert.Equal(t, []string{"b"}, g.Task("a").DependsOn)
	assert.Empty(t, g.Task("b").DependsOn, "the newest task loses its edge")

	decisions, err := h.coord.Records().Decisions(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, TopicCycleResolution, decisions[0].Topic)
	assert.True(t, strings.Contains(decisions[0].Summary, "b -> a"))
}

func TestCoordinator_UnresolvableCycle(t *testing.T) {
	cfg := testConfig()
	cfg.Workflow.MaxConflictCycles = 0
	h := newHarness(t, cfg, defaultReplies)
	g := taskgraph.New([]*taskgraph.Task{
		{ID: "a", RunID: "r1", DependsOn: []string{"b"}},
		{ID: "b", RunID: "r1", DependsOn: []string{"a"}},
	})
	err := h.coord.resolveCycles(context.Background(), "r1", g)
	var cycle *taskgraph.CycleError
	assert.True(t, errors.As(err, &cycle))
}

func TestUnrecoverable(t *testing.T) {
	assert.True(t, Unrecoverable(&vcs.Error{Op: "commit"}))
	assert.True(t, Unrecoverable(statestore.ErrStateConflict))
	assert.True(t, Unrecoverable(lease.ErrLeaseLost))
	assert.False(t, Unrecoverable(&GateFailure{}))
	assert.False(t, Unrecoverable(errors.New("backend down")))
}

func TestCoordinator_SetPaused(t *testing.T) {
	h := newHarness(t, testConfig(), defaultReplies)
	require.NoError(t, h.coord.SetPaused(true))
	assert.True(t, PauseMarkerExists(h.root))
	status, err := h.coord.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Paused)

	require.NoError(t, h.coord.SetPaused(false))
	assert.False(t, PauseMarkerExists(h.root))
	assert.False(t, h.coord.Paused())
}

func TestCommitMessage_TruncatesOnRunes(t *testing.T) {
	task := &taskgraph.Task{ID: "task-implement-001", Description: strings.Repeat("é", 59) + "日本語\nbody"}

	msg := commitMessage(task)
	assert.True(t, utf8.ValidString(msg))
	assert.Equal(t, "architect(task-implement-001): "+strings.Repeat("é", 59)+"日", msg)

	short := commitMessage(&taskgraph.Task{ID: "t", Description: "  fix parser  "})
	assert.Equal(t, "architect(t): fix parser", short)
}
