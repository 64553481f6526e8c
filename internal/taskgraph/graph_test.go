package taskgraph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/architect/internal/specialist"
	"github.com/fyrsmithlabs/architect/internal/statestore"
)

func task(id string, deps ...string) *Task {
	return &Task{ID: id, RunID: "r1", Status: StatusPending, DependsOn: deps}
}

func TestDecompose_ChunksWithReview(t *testing.T) {
	tasks := Decompose("r1", "ship it", []string{"a", "b", "c"}, Options{
		MaxPatchesBeforeReview: 2,
		RequireCriticApproval:  true,
		MaxAttempts:            3,
		Now:                    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	ids := make([]string, 0, len(tasks))
	for _, tk := range tasks {
		ids = append(ids, tk.ID)
	}
	assert.Equal(t, []string{
		"task-plan-001",
		"task-implement-001", "task-implement-002", "task-test-001", "task-review-001",
		"task-implement-003", "task-test-002", "task-review-002",
		"task-document-001",
	}, ids)

	g := New(tasks)
	require.NoError(t, g.Validate())
	assert.Equal(t, []string{"task-plan-001"}, g.Task("task-implement-002").DependsOn)
	assert.Equal(t, []string{"task-implement-001", "task-implement-002"}, g.Task("task-test-001").DependsOn)
	assert.Equal(t, []string{"task-review-001"}, g.Task("task-implement-003").DependsOn)
	assert.Equal(t, []string{"task-review-002"}, g.Task("task-document-001").DependsOn)
	assert.Equal(t, specialist.RoleCritic, g.Task("task-review-001").AssignedRole)
	assert.Equal(t, 3, g.Task("task-test-002").MaxAttempts)
	assert.True(t, g.Task("task-plan-001").CreatedAt.Before(g.Task("task-implement-001").CreatedAt))
}

func TestDecompose_NoStepsNoReview(t *testing.T) {
	tasks := Decompose("r1", "goal", nil, Options{})
	require.Len(t, tasks, 4)
	assert.Equal(t, "Implement step 1: Implement the approved plan for: goal", tasks[1].Description)
	assert.Equal(t, []string{"task-test-001"}, tasks[3].DependsOn)
}

func TestValidate_Errors(t *testing.T) {
	err := New([]*Task{task("a"), task("a")}).Validate()
	assert.ErrorIs(t, err, ErrDuplicateTask)

	err = New([]*Task{task("a", "ghost")}).Validate()
	assert.ErrorIs(t, err, ErrUnknownDependency)

	err = New([]*Task{task("a", "b"), task("b", "c"), task("c", "a")}).Validate()
	require.ErrorIs(t, err, ErrCycle)
	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"a", "b", "c", "a"}, ce.Path)
	assert.Equal(t, []Edge{{"a", "b"}, {"b", "c"}, {"c", "a"}}, ce.Edges())
	assert.Contains(t, err.Error(), "a -> b -> c -> a")
}

func TestDropDependency_BreaksCycle(t *testing.T) {
	g := New([]*Task{task("a", "b"), task("b", "a")})
	require.Error(t, g.Validate())

	assert.True(t, g.DropDependency("b", "a"))
	assert.False(t, g.DropDependency("b", "a"))
	assert.NoError(t, g.Validate())
}

func TestWaves(t *testing.T) {
	// T1 -> {T2, T3} -> T4
	g := New([]*Task{task("t1"), task("t2", "t1"), task("t3", "t1"), task("t4", "t2", "t3")})
	waves, err := g.Waves()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"t1"}, {"t2", "t3"}, {"t4"}}, waves)

	_, err = New([]*Task{task("a", "a")}).Waves()
	assert.ErrorIs(t, err, ErrCycle)
}

func TestRepository_SaveListUpdate(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(statestore.New(statestore.NewMemory()))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := task("b")
	b.CreatedAt = base
	a := task("a")
	a.CreatedAt = base
	c := task("c")
	c.CreatedAt = base.Add(-time.Second)
	other := task("a")
	other.RunID = "r2"
	require.NoError(t, repo.Save(ctx, b, a, c, other))

	got, err := repo.List(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{got[0].ID, got[1].ID, got[2].ID})

	all, err := repo.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	updated, err := repo.Update(ctx, "r2", "a", func(t *Task) error {
		t.Status = StatusDone
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusDone, updated.Status)

	stored, err := repo.Get(ctx, "r1", "a")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)

	_, err = repo.Get(ctx, "r1", "zzz")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestTask_ReadyAndClone(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Minute)
	tk := task("a", "dep")
	tk.NotBefore = &later

	assert.False(t, tk.Ready(now))
	assert.True(t, tk.Ready(later))

	c := tk.Clone()
	c.DependsOn[0] = "changed"
	*c.NotBefore = now
	assert.Equal(t, "dep", tk.DependsOn[0])
	assert.Equal(t, later, *tk.NotBefore)
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusBlocked.Terminal())
}
