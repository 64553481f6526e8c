// Package vcs exposes version control as a transactional service.
//
// The orchestrator never touches git internals directly: patches, checkpoints
// and rollbacks are expressed as commit, branch, tag and revert calls against
// a VCS. Git drives the git CLI; Memory is an in-process double for tests.
package vcs

import (
	"context"
	"errors"
	"fmt"
)

// ErrVCS matches every error returned by a VCS implementation.
var ErrVCS = errors.New("vcs operation failed")

// VCS is the version-control collaborator.
type VCS interface {
	// Commit stages paths (all changes when empty) and commits them.
	Commit(ctx context.Context, paths []string, message string) (string, error)
	// Branch creates name at from without switching to it.
	Branch(ctx context.Context, name, from string) error
	// Tag points name at target. Re-tagging the same target is a no-op.
	Tag(ctx context.Context, name, target string) error
	// Revert records a commit undoing id and returns the new commit id.
	Revert(ctx context.Context, id string) (string, error)
	// FindRevert returns the commit reachable from HEAD that reverts id, or
	// "" when there is none.
	FindRevert(ctx context.Context, id string) (string, error)
	CurrentHead(ctx context.Context) (string, error)
	CurrentBranch(ctx context.Context) (string, error)
	Checkout(ctx context.Context, name string) error
	ChangedFiles(ctx context.Context, id string) ([]string, error)
	Diff(ctx context.Context, id string) (string, error)
	// Subject returns the first line of the commit message of id.
	Subject(ctx context.Context, id string) (string, error)
	DirtyPaths(ctx context.Context) ([]string, error)
	TagExists(ctx context.Context, name string) (bool, error)
	BranchExists(ctx context.Context, name string) (bool, error)
}

// Error describes a failed VCS operation.
type Error struct {
	Op     string
	Args   []string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("vcs %s failed", e.Op)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrVCS}
	}
	return []error{ErrVCS, e.Err}
}
