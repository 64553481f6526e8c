package checkpoint

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/architect/internal/session"
	"github.com/fyrsmithlabs/architect/internal/statestore"
	"github.com/fyrsmithlabs/architect/internal/taskgraph"
)

// ErrCheckpointNotFound is returned for an unknown tag.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Checkpoint is an immutable snapshot of a run.
type Checkpoint struct {
	Tag              string                         `json:"tag"`
	RunID            string                         `json:"run_id"`
	Reason           string                         `json:"reason"`
	CreatedAt        time.Time                      `json:"created_at"`
	StateSnapshotRef string                         `json:"state_snapshot_ref"`
	Revisions        map[statestore.Namespace]int64 `json:"revisions"`
	BranchHead       string                         `json:"branch_head"`
	Session          *session.RunSession            `json:"session,omitempty"`
	Tasks            []*taskgraph.Task              `json:"tasks"`
}

// checkpointsDoc is the persisted layout of the checkpoints namespace.
type checkpointsDoc struct {
	Checkpoints []*Checkpoint `json:"checkpoints"`
	// RollbackCounter numbers rollback-<n> branches.
	RollbackCounter int `json:"rollback_counter"`
}

func (d *checkpointsDoc) find(tag string) *Checkpoint {
	for _, cp := range d.Checkpoints {
		if cp.Tag == tag {
			return cp
		}
	}
	return nil
}
