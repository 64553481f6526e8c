// Package taskgraph models a run's units of work and their dependencies.
package taskgraph

import (
	"time"

	"github.com/fyrsmithlabs/architect/internal/specialist"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	// StatusBlocked means requeued and waiting out a retry backoff.
	StatusBlocked Status = "blocked"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Type selects the phase a task runs in.
type Type string

const (
	TypePlan      Type = "plan"
	TypeImplement Type = "implement"
	TypeTest      Type = "test"
	TypeReview    Type = "review"
	TypeDocument  Type = "document"
)

// Role returns the specialist that works on tasks of this type.
func (t Type) Role() specialist.Role {
	switch t {
	case TypePlan:
		return specialist.RolePlanner
	case TypeTest:
		return specialist.RoleTester
	case TypeReview:
		return specialist.RoleCritic
	case TypeDocument:
		return specialist.RoleDocumenter
	default:
		return specialist.RoleCoder
	}
}

// Task is one unit of work within a run. Tasks are keyed by (run_id, id)
// and never deleted.
type Task struct {
	ID            string          `json:"id"`
	RunID         string          `json:"run_id"`
	Type          Type            `json:"type"`
	AssignedRole  specialist.Role `json:"assigned_role"`
	Description   string          `json:"description"`
	Status        Status          `json:"status"`
	DependsOn     []string        `json:"depends_on"`
	AttemptCount  int             `json:"attempt_count"`
	MaxAttempts   int             `json:"max_attempts"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	NotBefore     *time.Time      `json:"not_before,omitempty"`
	RetryOf       string          `json:"retry_of,omitempty"`
	PatchRef      string          `json:"patch_ref,omitempty"`
	ModifyOf      string          `json:"modify_of,omitempty"`
	PatchID       string          `json:"patch_id,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	c := *t
	c.DependsOn = append([]string(nil), t.DependsOn...)
	if t.NotBefore != nil {
		nb := *t.NotBefore
		c.NotBefore = &nb
	}
	return &c
}

// Ready reports whether the backoff window, if any, has elapsed at now.
func (t *Task) Ready(now time.Time) bool {
	return t.NotBefore == nil || !now.Before(*t.NotBefore)
}
