package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/architect/internal/statestore"
)

// maxSummary bounds decision summaries.
const maxSummary = 4000

type decisionsDoc struct {
	Decisions   []Decision   `json:"decisions"`
	GateResults []GateResult `json:"gate_results"`
}

type runsDoc struct {
	Runs map[string]*RunRecord `json:"runs"`
}

// Records reads and writes the decisions and runs namespaces.
type Records struct {
	store *statestore.Store
	now   func() time.Time
}

// NewRecords returns Records over store.
func NewRecords(store *statestore.Store) *Records {
	return &Records{store: store, now: time.Now}
}

// RecordDecision appends d to the audit log, filling in the id and time.
func (r *Records) RecordDecision(ctx context.Context, d Decision) (Decision, error) {
	if d.ID == "" {
		d.ID = fmt.Sprintf("dec-%s-%s", strings.ReplaceAll(d.Topic, "_", "-"), uuid.NewString()[:8])
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = r.now().UTC()
	}
	if len(d.Summary) > maxSummary {
		d.Summary = d.Summary[:maxSummary]
	}
	_, _, err := statestore.Mutate(ctx, r.store, statestore.NSDecisions, func(doc *decisionsDoc) error {
		doc.Decisions = append(doc.Decisions, d)
		return nil
	})
	if err != nil {
		return d, fmt.Errorf("recording decision: %w", err)
	}
	return d, nil
}

func (r *Records) appendGateResults(ctx context.Context, results []GateResult) error {
	_, _, err := statestore.Mutate(ctx, r.store, statestore.NSDecisions, func(doc *decisionsDoc) error {
		doc.GateResults = append(doc.GateResults, results...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording gate results: %w", err)
	}
	return nil
}

// Decisions returns the audit log of runID, or every run when empty.
func (r *Records) Decisions(ctx context.Context, runID string) ([]Decision, error) {
	doc, _, err := statestore.Load[decisionsDoc](ctx, r.store, statestore.NSDecisions)
	if err != nil {
		return nil, err
	}
	if runID == "" {
		return doc.Decisions, nil
	}
	var out []Decision
	for _, d := range doc.Decisions {
		if d.RunID == runID {
			out = append(out, d)
		}
	}
	return out, nil
}

// GateResults returns the last limit results of runID, oldest first. A
// limit of 0 returns all of them.
func (r *Records) GateResults(ctx context.Context, runID string, limit int) ([]GateResult, error) {
	doc, _, err := statestore.Load[decisionsDoc](ctx, r.store, statestore.NSDecisions)
	if err != nil {
		return nil, err
	}
	var out []GateResult
	for _, g := range doc.GateResults {
		if runID == "" || g.RunID == runID {
			out = append(out, g)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// UpsertRun applies fn to the record of runID, creating it when missing.
func (r *Records) UpsertRun(ctx context.Context, runID string, fn func(*RunRecord)) (*RunRecord, error) {
	var out RunRecord
	_, _, err := statestore.Mutate(ctx, r.store, statestore.NSRuns, func(doc *runsDoc) error {
		if doc.Runs == nil {
			doc.Runs = map[string]*RunRecord{}
		}
		rec, ok := doc.Runs[runID]
		if !ok {
			rec = &RunRecord{RunID: runID, Status: RunInProgress}
			doc.Runs[runID] = rec
		}
		fn(rec)
		out = *rec
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("updating run %s: %w", runID, err)
	}
	return &out, nil
}

// Run returns the record of runID, or nil.
func (r *Records) Run(ctx context.Context, runID string) (*RunRecord, error) {
	doc, _, err := statestore.Load[runsDoc](ctx, r.store, statestore.NSRuns)
	if err != nil {
		return nil, err
	}
	return doc.Runs[runID], nil
}

// Runs returns every run record ordered by start time.
func (r *Records) Runs(ctx context.Context) ([]*RunRecord, error) {
	doc, _, err := statestore.Load[runsDoc](ctx, r.store, statestore.NSRuns)
	if err != nil {
		return nil, err
	}
	out := make([]*RunRecord, 0, len(doc.Runs))
	for _, rec := range doc.Runs {
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b *RunRecord) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.RunID, b.RunID)
	})
	return out, nil
}
