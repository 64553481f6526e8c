// Package checkpoint snapshots a run so it can be rolled back or resumed.
//
// A checkpoint is a VCS tag on the current head plus an immutable record of
// every namespace revision, the run session and the run's tasks at that
// moment. Rollback branches from the recorded head without touching the
// current branch; Resume seeds a new run from the unfinished tasks.
package checkpoint
