// Package session holds the run sessions and the patch registry persisted in
// the session namespace.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/architect/internal/statestore"
)

var (
	// ErrNoActiveRun is returned when no run session is active.
	ErrNoActiveRun = errors.New("no active run")
	// ErrRunNotFound is returned for an unknown run id.
	ErrRunNotFound = errors.New("run not found")
)

// PatchStatus is a patch's review state.
type PatchStatus string

const (
	PatchPending  PatchStatus = "pending"
	PatchAccepted PatchStatus = "accepted"
	PatchModified PatchStatus = "modified"
	PatchRejected PatchStatus = "rejected"
)

// HistoryEntry records one patch transition.
type HistoryEntry struct {
	Status PatchStatus `json:"status"`
	At     time.Time   `json:"at"`
	Note   string      `json:"note,omitempty"`
}

// Patch is one reviewable commit.
type Patch struct {
	ID            string         `json:"id"`
	CommitID      string         `json:"commit_id"`
	Subject       string         `json:"subject"`
	Status        PatchStatus    `json:"status"`
	TaskID        string         `json:"task_id"`
	RunID         string         `json:"run_id"`
	FilesChanged  []string       `json:"files_changed"`
	CheckpointRef string         `json:"checkpoint_ref,omitempty"`
	FinalizeTag   string         `json:"finalize_tag,omitempty"`
	RevertCommit  string         `json:"revert_commit,omitempty"`
	AmendBranch   string         `json:"amend_branch,omitempty"`
	StatusReason  string         `json:"status_reason,omitempty"`
	History       []HistoryEntry `json:"history"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Transition moves the patch to status and appends the history entry.
func (p *Patch) Transition(status PatchStatus, at time.Time, note string) {
	p.Status = status
	p.History = append(p.History, HistoryEntry{Status: status, At: at, Note: note})
}

// PhaseEntry is one step of a run's phase history.
type PhaseEntry struct {
	Phase  string    `json:"phase"`
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

// RunSession describes one run.
type RunSession struct {
	RunID        string       `json:"run_id"`
	Goal         string       `json:"goal"`
	BaseBranch   string       `json:"base_branch"`
	ActiveBranch string       `json:"active_branch"`
	StartedAt    time.Time    `json:"started_at"`
	EndedAt      *time.Time   `json:"ended_at,omitempty"`
	PhaseHistory []PhaseEntry `json:"phase_history"`
	PatchStack   []string     `json:"patch_stack"`
	ResumedFrom  string       `json:"resumed_from,omitempty"`
}

// Doc is the persisted layout of the session namespace.
type Doc struct {
	ActiveRunID string                 `json:"active_run_id"`
	Sessions    map[string]*RunSession `json:"sessions"`
	Patches     map[string]*Patch      `json:"patches"`
}

// Active returns the active session or nil.
func (d *Doc) Active() *RunSession {
	if d.ActiveRunID == "" {
		return nil
	}
	return d.Sessions[d.ActiveRunID]
}

func (d *Doc) init() {
	if d.Sessions == nil {
		d.Sessions = map[string]*RunSession{}
	}
	if d.Patches == nil {
		d.Patches = map[string]*Patch{}
	}
}

// Repository reads and writes the session namespace.
type Repository struct {
	store *statestore.Store
	now   func() time.Time
}

// NewRepository returns a Repository over store.
func NewRepository(store *statestore.Store) *Repository {
	return &Repository{store: store, now: time.Now}
}

// WithClock overrides time.Now and returns r.
func (r *Repository) WithClock(now func() time.Time) *Repository {
	r.now = now
	return r
}

// Now returns the repository clock in UTC.
func (r *Repository) Now() time.Time { return r.now().UTC() }

// Load returns the current document.
func (r *Repository) Load(ctx context.Context) (*Doc, error) {
	doc, _, err := statestore.Load[Doc](ctx, r.store, statestore.NSSession)
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	doc.init()
	return &doc, nil
}

// Mutate applies fn atomically. fn may run more than once.
func (r *Repository) Mutate(ctx context.Context, fn func(*Doc) error) error {
	_, _, err := statestore.Mutate(ctx, r.store, statestore.NSSession, func(d *Doc) error {
		d.init()
		return fn(d)
	})
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	return nil
}

// Start registers s and makes it the active run.
func (r *Repository) Start(ctx context.Context, s *RunSession) error {
	return r.Mutate(ctx, func(d *Doc) error {
		cp := *s
		if cp.PatchStack == nil {
			cp.PatchStack = []string{}
		}
		d.Sessions[s.RunID] = &cp
		d.ActiveRunID = s.RunID
		return nil
	})
}

// Get returns the session of runID.
func (r *Repository) Get(ctx context.Context, runID string) (*RunSession, error) {
	d, err := r.Load(ctx)
	if err != nil {
		return nil, err
	}
	s, ok := d.Sessions[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return s, nil
}

// Active returns the active session.
func (r *Repository) Active(ctx context.Context) (*RunSession, error) {
	d, err := r.Load(ctx)
	if err != nil {
		return nil, err
	}
	s := d.Active()
	if s == nil {
		return nil, ErrNoActiveRun
	}
	return s, nil
}

// AppendPhase records a phase transition on runID.
func (r *Repository) AppendPhase(ctx context.Context, runID, phase, status string) error {
	return r.Mutate(ctx, func(d *Doc) error {
		s, ok := d.Sessions[runID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		s.PhaseHistory = append(s.PhaseHistory, PhaseEntry{Phase: phase, Status: status, At: r.Now()})
		return nil
	})
}

// End closes runID with a final phase entry. The run stays active so status
// and patch review keep addressing it until another run starts.
func (r *Repository) End(ctx context.Context, runID, status string) error {
	return r.Mutate(ctx, func(d *Doc) error {
		s, ok := d.Sessions[runID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		now := r.Now()
		s.EndedAt = &now
		s.PhaseHistory = append(s.PhaseHistory, PhaseEntry{Phase: "run", Status: status, At: now})
		return nil
	})
}

// NewRunID returns an id of the form <yyyymmdd-HHMMSS>-<6 hex>.
func NewRunID(now time.Time) string {
	return now.UTC().Format("20060102-150405") + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}
