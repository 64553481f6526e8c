package http

import (
	"github.com/fyrsmithlabs/architect/internal/lease"
	"github.com/fyrsmithlabs/architect/internal/orchestrator"
	"github.com/fyrsmithlabs/architect/internal/session"
	"github.com/fyrsmithlabs/architect/internal/taskgraph"
)

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status      string                    `json:"status"`
	Version     string                    `json:"version,omitempty"`
	Paused      bool                      `json:"paused"`
	Session     *session.RunSession       `json:"session,omitempty"`
	Run         *orchestrator.RunRecord   `json:"run,omitempty"`
	Lease       *lease.Lease              `json:"lease,omitempty"`
	Counts      StatusCounts              `json:"counts"`
	Tasks       []*taskgraph.Task         `json:"tasks"`
	RecentGates []orchestrator.GateResult `json:"recent_gates"`
}

// StatusCounts groups tasks and patches by status.
type StatusCounts struct {
	Tasks   map[string]int `json:"tasks"`
	Patches map[string]int `json:"patches"`
}

// PatchesResponse is the response body for GET /api/v1/patches.
type PatchesResponse struct {
	Patches []*session.Patch `json:"patches"`
	Counts  map[string]int   `json:"counts,omitempty"`
}

// PauseResponse is the response body for the pause endpoints.
type PauseResponse struct {
	Paused bool `json:"paused"`
}

// NewStatusResponse flattens a status report. Status is "idle" without an
// active run, otherwise the run record's status.
func NewStatusResponse(rep *orchestrator.StatusReport, version string) StatusResponse {
	resp := StatusResponse{
		Status:      "idle",
		Version:     version,
		Paused:      rep.Paused,
		Session:     rep.Session,
		Run:         rep.Run,
		Lease:       rep.Lease,
		Tasks:       rep.Tasks,
		RecentGates: rep.RecentGates,
		Counts: StatusCounts{
			Tasks:   CountTasks(rep.Tasks),
			Patches: CountPatches(rep.Patches),
		},
	}
	if rep.Run != nil {
		resp.Status = string(rep.Run.Status)
	}
	if resp.Tasks == nil {
		resp.Tasks = []*taskgraph.Task{}
	}
	if resp.RecentGates == nil {
		resp.RecentGates = []orchestrator.GateResult{}
	}
	return resp
}

// CountTasks counts tasks by status.
func CountTasks(tasks []*taskgraph.Task) map[string]int {
	out := map[string]int{}
	for _, t := range tasks {
		out[string(t.Status)]++
	}
	return out
}

// CountPatches counts patches by status.
func CountPatches(patches []*session.Patch) map[string]int {
	out := map[string]int{}
	for _, p := range patches {
		out[string(p.Status)]++
	}
	return out
}
