// Package orchestrator runs a goal through planning, implementation, testing,
// review and documentation with quality gates between phases.
//
// # Overview
//
// A Coordinator owns one run at a time. It takes the run lease, asks the
// supervisor specialist to decompose the goal, builds the task graph and
// hands it to the scheduler. Each task is executed by a worker:
//
//	heartbeat → specialist → redact → commit + propose → commands → gates
//
// # Gates
//
// Gates are pure checks over a GateInput. One gate is registered per phase
// by DefaultGates:
//   - planning-gate: actionable steps and plan coverage signals
//   - implementation-gate: lint, type check, file limits, forbidden paths, secrets
//   - testing-gate: test command and coverage threshold
//   - review-gate: critic findings and run-wide test, docs and changelog evidence
//   - documentation-gate: documentation impact summary
//
// The Engine evaluates every gate of a phase, persists all results and
// returns a *GateFailure when any gate failed. Failure reasons accumulate
// so one evaluation reports every violation.
//
// # Review Remediation
//
// When the review gate fails on blocker findings the worker asks the coder
// to fix them and the critic to review again, for at most
// max_conflict_cycles rounds.
//
// # Halting
//
// State conflicts, VCS errors and lease loss halt the run. A checkpoint is
// taken before the run is marked halted so it can be resumed.
//
// # Pausing
//
// Dispatch pauses while .architect/PAUSE exists. Tasks already running
// finish; no new task starts until the marker is removed.
//
// # Usage
//
//	coord, err := orchestrator.NewCoordinator(orchestrator.Deps{
//	    Config:     cfg,
//	    Root:       root,
//	    Store:      store,
//	    VCS:        repo,
//	    Specialist: backend,
//	    Prompts:    prompts,
//	})
//	if err != nil {
//	    return err
//	}
//	summary, err := coord.Run(ctx, "add rate limiting to the API")
package orchestrator
