package statestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Local stores one JSON file per namespace under <root>/.architect/state.
type Local struct {
	dir  string
	lock *fileLock
}

// NewLocal creates the state directory under root.
func NewLocal(root string, lockTimeout time.Duration) (*Local, error) {
	dir := filepath.Join(root, ".architect", "state")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	return &Local{dir: dir, lock: newFileLock(dir, lockTimeout)}, nil
}

func (l *Local) Kind() Kind { return KindLocal }

func (l *Local) file(ns Namespace) string {
	return filepath.Join(l.dir, string(ns)+".json")
}

func (l *Local) Read(_ context.Context, ns Namespace) (*Envelope, error) {
	raw, err := os.ReadFile(l.file(ns))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", l.file(ns), err)
	}
	return decodeStored(ns, raw)
}

func (l *Local) Write(ctx context.Context, env *Envelope, expected int64) error {
	raw, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	release, err := l.lock.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	cur, err := l.Read(ctx, env.Namespace)
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
	return writeFileAtomic(l.file(env.Namespace), raw)
}

func (l *Local) WriteRaw(ctx context.Context, ns Namespace, raw []byte) error {
	release, err := l.lock.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return writeFileAtomic(l.file(ns), raw)
}

func (l *Local) Close() error { return nil }

// writeFileAtomic writes through a synced temp file and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("syncing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	return nil
}
