package statestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// DefaultLockTimeout bounds how long a writer waits for the state lock file.
const DefaultLockTimeout = 3 * time.Second

// staleLockAge is how old a lock file must be before it is considered
// abandoned by a crashed writer.
const staleLockAge = 30 * time.Second

// fileLock is a cross-process mutex based on exclusive file creation.
type fileLock struct {
	path    string
	timeout time.Duration
}

func newFileLock(dir string, timeout time.Duration) *fileLock {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &fileLock{path: filepath.Join(dir, ".lock"), timeout: timeout}
}

func (l *fileLock) acquire(ctx context.Context) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}
	deadline := time.Now().Add(l.timeout)
	for {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
			_ = f.Close()
			return func() { _ = os.Remove(l.path) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("creating lock file: %w", err)
		}
		if info, statErr := os.Stat(l.path); statErr == nil && time.Since(info.ModTime()) > staleLockAge {
			_ = os.Remove(l.path)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out after %s waiting for state lock %s", l.timeout, l.path)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}
