package taskgraph

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/fyrsmithlabs/architect/internal/statestore"
)

// ErrTaskNotFound is returned for an unknown (run, task) pair.
var ErrTaskNotFound = errors.New("task not found")

// Queue is the persisted layout of the tasks namespace.
type Queue struct {
	Tasks []*Task `json:"tasks"`
}

// Find returns the task of runID with id, or nil.
func (q *Queue) Find(runID, id string) *Task {
	for _, t := range q.Tasks {
		if t.RunID == runID && t.ID == id {
			return t
		}
	}
	return nil
}

// Upsert replaces the task with the same key or appends t.
func (q *Queue) Upsert(t *Task) {
	for i, cur := range q.Tasks {
		if cur.RunID == t.RunID && cur.ID == t.ID {
			q.Tasks[i] = t
			return
		}
	}
	q.Tasks = append(q.Tasks, t)
}

// Run returns the tasks of runID. An empty runID returns every task.
func (q *Queue) Run(runID string) []*Task {
	out := make([]*Task, 0, len(q.Tasks))
	for _, t := range q.Tasks {
		if runID == "" || t.RunID == runID {
			out = append(out, t)
		}
	}
	return out
}

// Repository persists tasks in the tasks namespace.
type Repository struct {
	store *statestore.Store
}

// NewRepository returns a Repository over store.
func NewRepository(store *statestore.Store) *Repository {
	return &Repository{store: store}
}

// List returns the tasks of runID ordered by creation time, then id.
func (r *Repository) List(ctx context.Context, runID string) ([]*Task, error) {
	q, _, err := statestore.Load[Queue](ctx, r.store, statestore.NSTasks)
	if err != nil {
		return nil, fmt.Errorf("loading tasks: %w", err)
	}
	tasks := q.Run(runID)
	SortFIFO(tasks)
	return tasks, nil
}

// Get returns one task.
func (r *Repository) Get(ctx context.Context, runID, id string) (*Task, error) {
	q, _, err := statestore.Load[Queue](ctx, r.store, statestore.NSTasks)
	if err != nil {
		return nil, fmt.Errorf("loading tasks: %w", err)
	}
	t := q.Find(runID, id)
	if t == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrTaskNotFound, runID, id)
	}
	return t, nil
}

// Save upserts tasks in a single write.
func (r *Repository) Save(ctx context.Context, tasks ...*Task) error {
	return r.Mutate(ctx, func(q *Queue) error {
		for _, t := range tasks {
			q.Upsert(t.Clone())
		}
		return nil
	})
}

// Update applies fn to one task atomically and returns the stored result.
func (r *Repository) Update(ctx context.Context, runID, id string, fn func(*Task) error) (*Task, error) {
	var out *Task
	err := r.Mutate(ctx, func(q *Queue) error {
		t := q.Find(runID, id)
		if t == nil {
			return fmt.Errorf("%w: %s/%s", ErrTaskNotFound, runID, id)
		}
		if err := fn(t); err != nil {
			return err
		}
		out = t.Clone()
		return nil
	})
	return out, err
}

// Mutate applies fn to the whole queue atomically. fn may run more than once.
func (r *Repository) Mutate(ctx context.Context, fn func(*Queue) error) error {
	_, _, err := statestore.Mutate(ctx, r.store, statestore.NSTasks, fn)
	if err != nil {
		return fmt.Errorf("updating tasks: %w", err)
	}
	return nil
}

// SortFIFO orders tasks by creation time, then id.
func SortFIFO(tasks []*Task) {
	slices.SortStableFunc(tasks, func(a, b *Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
