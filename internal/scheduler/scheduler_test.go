package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/architect/internal/metrics"
	"github.com/fyrsmithlabs/architect/internal/statestore"
	"github.com/fyrsmithlabs/architect/internal/taskgraph"
)

const runID = "20260301-120000-abc123"

func newRepo(t *testing.T, tasks ...*taskgraph.Task) *taskgraph.Repository {
	t.Helper()
	repo := taskgraph.NewRepository(statestore.New(statestore.NewMemory()))
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, task := range tasks {
		task.RunID = runID
		if task.Status == "" {
			task.Status = taskgraph.StatusPending
		}
		if task.MaxAttempts == 0 {
			task.MaxAttempts = 1
		}
		task.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
	}
	require.NoError(t, repo.Save(context.Background(), tasks...))
	return repo
}

func testConfig() Config {
	return Config{
		MaxParallel:     2,
		RetryBackoff:    time.Millisecond,
		RetryBackoffMax: 4 * time.Millisecond,
		PollInterval:    10 * time.Millisecond,
	}
}

func statuses(t *testing.T, repo *taskgraph.Repository) map[string]taskgraph.Status {
	t.Helper()
	tasks, err := repo.List(context.Background(), runID)
	require.NoError(t, err)
	out := make(map[string]taskgraph.Status, len(tasks))
	for _, task := range tasks {
		out[task.ID] = task.Status
	}
	return out
}

func TestRun_DependencyOrder(t *testing.T) {
	repo := newRepo(t,
		&taskgraph.Task{ID: "t1"},
		&taskgraph.Task{ID: "t2", DependsOn: []string{"t1"}},
		&taskgraph.Task{ID: "t3", DependsOn: []string{"t1"}},
	)

	var (
		mu      sync.Mutex
		order   []string
		arrived sync.WaitGroup
		both    = make(chan struct{})
	)
	// t2 and t3 only finish once both are in flight.
	arrived.Add(2)
	go func() {
		arrived.Wait()
		close(both)
	}()
	exec := ExecutorFunc(func(ctx context.Context, task *taskgraph.Task) error {
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		assert.Equal(t, taskgraph.StatusInProgress, task.Status)
		if task.ID == "t1" {
			return nil
		}
		arrived.Done()
		select {
		case <-both:
			return nil
		case <-time.After(5 * time.Second):
			return errors.New("sibling never ran concurrently")
		}
	})

	sum, err := New(repo, exec, testConfig()).Run(context.Background(), runID)
	require.NoError(t, err)
	assert.True(t, sum.Completed())
	assert.Equal(t, 3, sum.Total)
	assert.ElementsMatch(t, []string{"t1", "t2", "t3"}, sum.Done)

	require.Len(t, order, 3)
	assert.Equal(t, "t1", order[0])
	assert.ElementsMatch(t, []string{"t2", "t3"}, order[1:])
}

func TestRun_RetriesWithBackoffThenSucceeds(t *testing.T) {
	repo := newRepo(t, &taskgraph.Task{ID: "flaky", MaxAttempts: 3})
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	var calls atomic.Int32
	exec := ExecutorFunc(func(ctx context.Context, task *taskgraph.Task) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	sum, err := New(repo, exec, testConfig(), WithMetrics(m)).Run(context.Background(), runID)
	require.NoError(t, err)
	assert.True(t, sum.Completed())
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TaskRetriesTotal))

	task, err := repo.Get(context.Background(), runID, "flaky")
	require.NoError(t, err)
	assert.Equal(t, 2, task.AttemptCount)
	assert.Nil(t, task.NotBefore)
	assert.Empty(t, task.FailureReason)
}

func TestRun_ExhaustedAttemptsFailAndPropagate(t *testing.T) {
	repo := newRepo(t,
		&taskgraph.Task{ID: "a", MaxAttempts: 2},
		&taskgraph.Task{ID: "b", DependsOn: []string{"a"}},
		&taskgraph.Task{ID: "c", DependsOn: []string{"b"}},
		&taskgraph.Task{ID: "d"},
	)

	var hooked []string
	exec := ExecutorFunc(func(ctx context.Context, task *taskgraph.Task) error {
		if task.ID == "a" {
			return errors.New("always broken")
		}
		return nil
	})
	s := New(repo, exec, testConfig(), OnTerminalFailure(func(ctx context.Context, task *taskgraph.Task, err error) {
		hooked = append(hooked, task.ID)
	}))

	sum, err := s.Run(context.Background(), runID)
	require.NoError(t, err)
	assert.False(t, sum.Completed())
	assert.Equal(t, []string{"d"}, sum.Done)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, sum.Failed)
	assert.Equal(t, []string{"a"}, hooked)

	a, err := repo.Get(context.Background(), runID, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, a.AttemptCount)
	assert.Equal(t, "always broken", a.FailureReason)

	b, err := repo.Get(context.Background(), runID, "b")
	require.NoError(t, err)
	assert.Equal(t, "dependency a failed", b.FailureReason)
	c, err := repo.Get(context.Background(), runID, "c")
	require.NoError(t, err)
	assert.Equal(t, "dependency b failed", c.FailureReason)
}

func TestRun_MissingDependencyFails(t *testing.T) {
	repo := newRepo(t, &taskgraph.Task{ID: "orphan", DependsOn: []string{"ghost"}})
	sum, err := New(repo, ExecutorFunc(func(context.Context, *taskgraph.Task) error { return nil }), testConfig()).
		Run(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, []string{"orphan"}, sum.Failed)
}

func TestRun_CyclicLeftoversAreFailed(t *testing.T) {
	repo := newRepo(t,
		&taskgraph.Task{ID: "x", DependsOn: []string{"y"}},
		&taskgraph.Task{ID: "y", DependsOn: []string{"x"}},
	)
	sum, err := New(repo, ExecutorFunc(func(context.Context, *taskgraph.Task) error { return nil }), testConfig()).
		Run(context.Background(), runID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"x", "y"}, sum.Failed)
	assert.Empty(t, sum.Remaining)
}

func TestRun_RecoversInProgressTasks(t *testing.T) {
	repo := newRepo(t, &taskgraph.Task{ID: "stale", Status: taskgraph.StatusInProgress})
	sum, err := New(repo, ExecutorFunc(func(context.Context, *taskgraph.Task) error { return nil }), testConfig()).
		Run(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, sum.Done)
}

func TestRun_PicksUpTasksAddedMidRun(t *testing.T) {
	repo := newRepo(t, &taskgraph.Task{ID: "first"})
	exec := ExecutorFunc(func(ctx context.Context, task *taskgraph.Task) error {
		if task.ID == "first" {
			return repo.Save(ctx, &taskgraph.Task{
				ID:          "first-retry-1",
				RunID:       runID,
				Status:      taskgraph.StatusPending,
				MaxAttempts: 1,
				CreatedAt:   time.Now().UTC(),
			})
		}
		return nil
	})

	sum, err := New(repo, exec, testConfig()).Run(context.Background(), runID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"first", "first-retry-1"}, sum.Done)
}

func TestRun_PauseStopsDispatch(t *testing.T) {
	repo := newRepo(t,
		&taskgraph.Task{ID: "a"},
		&taskgraph.Task{ID: "b", DependsOn: []string{"a"}},
	)

	var s *Scheduler
	var ran []string
	var mu sync.Mutex
	exec := ExecutorFunc(func(ctx context.Context, task *taskgraph.Task) error {
		mu.Lock()
		ran = append(ran, task.ID)
		mu.Unlock()
		if task.ID == "a" {
			s.Pause()
		}
		return nil
	})
	s = New(repo, exec, testConfig())

	done := make(chan *Summary, 1)
	go func() {
		sum, err := s.Run(context.Background(), runID)
		assert.NoError(t, err)
		done <- sum
	}()

	require.Eventually(t, func() bool {
		return statuses(t, repo)["a"] == taskgraph.StatusDone
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.True(t, s.Paused())
	assert.Equal(t, taskgraph.StatusPending, statuses(t, repo)["b"])

	s.Resume()
	select {
	case sum := <-done:
		assert.True(t, sum.Completed())
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not finish after resume")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b"}, ran)
}

func TestRun_CancellationWaitsForInFlight(t *testing.T) {
	repo := newRepo(t,
		&taskgraph.Task{ID: "slow"},
		&taskgraph.Task{ID: "next", DependsOn: []string{"slow"}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	exec := ExecutorFunc(func(taskCtx context.Context, task *taskgraph.Task) error {
		close(started)
		cancel()
		time.Sleep(30 * time.Millisecond)
		assert.NoError(t, taskCtx.Err(), "tasks run detached from cancellation")
		return nil
	})

	sum, err := New(repo, exec, testConfig()).Run(ctx, runID)
	<-started
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, sum)
	assert.Equal(t, []string{"slow"}, sum.Done)
	assert.Equal(t, []string{"next"}, sum.Remaining)
}

func TestBackoff(t *testing.T) {
	s := New(nil, nil, Config{RetryBackoff: time.Second, RetryBackoffMax: 5 * time.Second})
	assert.Equal(t, time.Duration(0), s.Backoff(0))
	assert.Equal(t, time.Second, s.Backoff(1))
	assert.Equal(t, 2*time.Second, s.Backoff(2))
	assert.Equal(t, 4*time.Second, s.Backoff(3))
	assert.Equal(t, 5*time.Second, s.Backoff(4))
	assert.Equal(t, 5*time.Second, s.Backoff(30))
}
