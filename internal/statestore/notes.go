package statestore

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// GitRunner runs git subcommands in a work tree. *vcs.Git satisfies it.
type GitRunner interface {
	Run(ctx context.Context, stdin string, args ...string) (string, error)
}

// anchorContent is hashed into the blob every note is attached to. The
// content is fixed so the anchor id is identical in every clone.
const anchorContent = "architect-state-anchor\n"

// Notes stores each namespace as a git note on a fixed anchor blob, under
// refs/notes/architect/<ns>.
type Notes struct {
	git  GitRunner
	lock *fileLock

	anchorOnce sync.Once
	anchor     string
	anchorErr  error
}

// NewNotes returns a notes backend for the repository at root.
func NewNotes(git GitRunner, root string, lockTimeout time.Duration) *Notes {
	return &Notes{
		git:  git,
		lock: newFileLock(filepath.Join(root, ".architect", "state"), lockTimeout),
	}
}

func (n *Notes) Kind() Kind { return KindNotes }

func notesRef(ns Namespace) string {
	return "refs/notes/architect/" + string(ns)
}

// anchorObject writes the anchor blob (idempotent) and caches its id.
func (n *Notes) anchorObject(ctx context.Context) (string, error) {
	n.anchorOnce.Do(func() {
		n.anchor, n.anchorErr = n.git.Run(ctx, anchorContent, "hash-object", "-w", "--stdin")
	})
	if n.anchorErr != nil {
		return "", fmt.Errorf("writing state anchor: %w", n.anchorErr)
	}
	return n.anchor, nil
}

func (n *Notes) Read(ctx context.Context, ns Namespace) (*Envelope, error) {
	anchor, err := n.anchorObject(ctx)
	if err != nil {
		return nil, err
	}
	out, err := n.git.Run(ctx, "", "notes", "--ref", notesRef(ns), "show", anchor)
	if err != nil {
		if strings.Contains(err.Error(), "no note found") {
			return nil, nil
		}
		return nil, fmt.Errorf("reading note %s: %w", notesRef(ns), err)
	}
	return decodeStored(ns, []byte(out))
}

func (n *Notes) Write(ctx context.Context, env *Envelope, expected int64) error {
	raw, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	release, err := n.lock.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	cur, err := n.Read(ctx, env.Namespace)
	if err != nil {
		return err
	}
	var current int64
	if cur != nil {
		current = cur.Revision
	}
	if current != expected {
		return mismatch(env.Namespace, expected, current)
	}
	return n.writeNote(ctx, env.Namespace, raw)
}

func (n *Notes) WriteRaw(ctx context.Context, ns Namespace, raw []byte) error {
	release, err := n.lock.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return n.writeNote(ctx, ns, raw)
}

func (n *Notes) writeNote(ctx context.Context, ns Namespace, raw []byte) error {
	anchor, err := n.anchorObject(ctx)
	if err != nil {
		return err
	}
	if _, err := n.git.Run(ctx, string(raw), "notes", "--ref", notesRef(ns), "add", "-f", "-F", "-", anchor); err != nil {
		return fmt.Errorf("writing note %s: %w", notesRef(ns), err)
	}
	return nil
}

func (n *Notes) Close() error { return nil }
