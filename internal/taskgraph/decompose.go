package taskgraph

import (
	"fmt"
	"time"
)

// Options shapes the default decomposition.
type Options struct {
	MaxPatchesBeforeReview int
	RequireCriticApproval  bool
	MaxAttempts            int
	Now                    time.Time
}

// PlanTaskID is the root of every decomposed run.
const PlanTaskID = "task-plan-001"

// Decompose builds the default graph for goal: a plan task, one implement
// task per step chunked by MaxPatchesBeforeReview, a test task per chunk
// (followed by a review task when critic approval is required), and a final
// document task. Each chunk waits for the previous chunk's gate task.
//
// Creation times increase by one nanosecond per task so FIFO order matches
// the order of the returned slice.
func Decompose(runID, goal string, steps []string, opts Options) []*Task {
	if opts.MaxPatchesBeforeReview < 1 {
		opts.MaxPatchesBeforeReview = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now().UTC()
	}
	if len(steps) == 0 {
		steps = []string{"Implement the approved plan for: " + goal}
	}

	var tasks []*Task
	add := func(id string, typ Type, desc string, deps ...string) *Task {
		at := opts.Now.Add(time.Duration(len(tasks)))
		t := &Task{
			ID:           id,
			RunID:        runID,
			Type:         typ,
			AssignedRole: typ.Role(),
			Description:  desc,
			Status:       StatusPending,
			DependsOn:    deps,
			MaxAttempts:  opts.MaxAttempts,
			CreatedAt:    at,
			UpdatedAt:    at,
		}
		tasks = append(tasks, t)
		return t
	}

	add(PlanTaskID, TypePlan, "Design a technical approach for: "+goal)

	gate := PlanTaskID
	chunk := 0
	for start := 0; start < len(steps); start += opts.MaxPatchesBeforeReview {
		chunk++
		end := min(start+opts.MaxPatchesBeforeReview, len(steps))

		var implemented []string
		for i := start; i < end; i++ {
			id := fmt.Sprintf("task-implement-%03d", i+1)
			add(id, TypeImplement, fmt.Sprintf("Implement step %d: %s", i+1, steps[i]), gate)
			implemented = append(implemented, id)
		}

		testID := fmt.Sprintf("task-test-%03d", chunk)
		add(testID, TypeTest, fmt.Sprintf("Test implementation chunk %d for: %s", chunk, goal), implemented...)
		gate = testID

		if opts.RequireCriticApproval {
			reviewID := fmt.Sprintf("task-review-%03d", chunk)
			add(reviewID, TypeReview, fmt.Sprintf("Review implementation chunk %d for: %s", chunk, goal), testID)
			gate = reviewID
		}
	}

	add("task-document-001", TypeDocument, "Document final changes for: "+goal, gate)
	return tasks
}
