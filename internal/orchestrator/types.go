package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/architect/internal/session"
	"github.com/fyrsmithlabs/architect/internal/taskgraph"
)

// Phase is a gated stage of the workflow.
type Phase string

const (
	PhasePlanning       Phase = "planning"
	PhaseImplementation Phase = "implementation"
	PhaseTesting        Phase = "testing"
	PhaseReview         Phase = "review"
	PhaseDocumentation  Phase = "documentation"
)

// AllPhases returns all phases in execution order
func AllPhases() []Phase {
	return []Phase{PhasePlanning, PhaseImplementation, PhaseTesting, PhaseReview, PhaseDocumentation}
}

// PhaseFor returns the phase a task type runs in.
func PhaseFor(t taskgraph.Type) Phase {
	switch t {
	case taskgraph.TypePlan:
		return PhasePlanning
	case taskgraph.TypeTest:
		return PhaseTesting
	case taskgraph.TypeReview:
		return PhaseReview
	case taskgraph.TypeDocument:
		return PhaseDocumentation
	default:
		return PhaseImplementation
	}
}

// Command keys used in GateInput.Commands.
const (
	CommandLint      = "lint"
	CommandTypeCheck = "type_check"
	CommandTest      = "test"
)

// CommandResult captures one phase command execution.
type CommandResult struct {
	Command    string        `json:"command"`
	ExitCode   int           `json:"exit_code"`
	StdoutTail string        `json:"stdout_tail"`
	StderrTail string        `json:"stderr_tail"`
	TimedOut   bool          `json:"timed_out,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// OK reports whether the command exited 0 in time.
func (r *CommandResult) OK() bool {
	return r != nil && !r.TimedOut && r.ExitCode == 0
}

// Output returns stdout and stderr tails joined by a newline.
func (r *CommandResult) Output() string {
	if r == nil {
		return ""
	}
	return r.StdoutTail + "\n" + r.StderrTail
}

// GateInput is everything a gate may look at. Gates never perform I/O.
type GateInput struct {
	RunID  string
	TaskID string
	// Output is the specialist output, already redacted.
	Output string
	// Patch is the patch produced by the task, if any.
	Patch *session.Patch
	// Diff is the patch's unified diff, scanned for secrets.
	Diff string
	// RunFiles are the files changed by every patch of the run so far.
	RunFiles []string
	// Commands holds phase command results keyed by CommandLint and friends.
	Commands map[string]*CommandResult
}

// GateResult is the immutable outcome of one gate evaluation.
type GateResult struct {
	GateName    string            `json:"gate_name"`
	Phase       Phase             `json:"phase"`
	RunID       string            `json:"run_id"`
	TaskID      string            `json:"task_id,omitempty"`
	Passed      bool              `json:"passed"`
	Reasons     []string          `json:"reasons"`
	Artifacts   map[string]string `json:"artifacts"`
	EvaluatedAt time.Time         `json:"evaluated_at"`
}

// Gate is a pass/fail policy check over one phase.
type Gate interface {
	// Name returns the gate identifier
	Name() string

	// Phase returns the phase the gate guards
	Phase() Phase

	// Evaluate checks in against the gate's policy.
	Evaluate(in GateInput) GateResult
}

// ErrGateFailure matches every *GateFailure.
var ErrGateFailure = errors.New("gate failure")

// GateFailure reports the failed gates of one evaluation. It fails only the
// owning task.
type GateFailure struct {
	Phase  Phase
	TaskID string
	Failed []GateResult
}

func (e *GateFailure) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, r := range e.Failed {
		parts = append(parts, fmt.Sprintf("%s: %s", r.GateName, strings.Join(r.Reasons, "; ")))
	}
	return fmt.Sprintf("%s gate failed for %s: %s", e.Phase, e.TaskID, strings.Join(parts, " | "))
}

func (e *GateFailure) Unwrap() error { return ErrGateFailure }

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunHalted     RunStatus = "halted"
)

// RunRecord summarizes a run in the runs namespace.
type RunRecord struct {
	RunID         string     `json:"run_id"`
	Goal          string     `json:"goal"`
	Status        RunStatus  `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	HeartbeatAt   time.Time  `json:"heartbeat_at"`
	ActiveTaskID  string     `json:"active_task_id,omitempty"`
	CheckpointTag string     `json:"checkpoint_tag,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

// Decision is one audit log entry in the decisions namespace.
type Decision struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	DecidedBy string    `json:"decided_by"`
	TaskID    string    `json:"task_id,omitempty"`
	RunID     string    `json:"run_id"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// Decision topics.
const (
	TopicTaskOutput       = "task_output"
	TopicDecomposition    = "goal_decomposition"
	TopicCycleResolution  = "cycle_resolution"
	TopicConflictResolved = "conflict_resolution"
)
