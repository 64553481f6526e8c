package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// PauseMarker is the file whose presence pauses dispatch, relative to the
// repository root.
const PauseMarker = ".architect/PAUSE"

// ErrWatcherFailed indicates the filesystem watcher failed to initialize
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// Pausable is paused and resumed by the marker watcher.
type Pausable interface {
	Pause()
	Resume()
}

// WritePauseMarker creates the pause marker under root.
func WritePauseMarker(root string) error {
	p := filepath.Join(root, PauseMarker)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(p), err)
	}
	return os.WriteFile(p, []byte("paused\n"), 0o644)
}

// RemovePauseMarker deletes the pause marker. A missing marker is not an error.
func RemovePauseMarker(root string) error {
	err := os.Remove(filepath.Join(root, PauseMarker))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// PauseMarkerExists reports whether the marker is present.
func PauseMarkerExists(root string) bool {
	_, err := os.Stat(filepath.Join(root, PauseMarker))
	return err == nil
}

// PauseWatcher toggles a Pausable when the marker is created or removed.
type PauseWatcher struct {
	root    string
	target  Pausable
	watcher *fsnotify.Watcher
	logger  *zap.Logger
	stop    chan struct{}
	done    chan struct{}
}

// WatchPause starts watching root's marker. The current marker state is
// applied before returning.
func WatchPause(ctx context.Context, root string, target Pausable, logger *zap.Logger) (*PauseWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := filepath.Join(root, filepath.Dir(PauseMarker))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}

	w := &PauseWatcher{
		root:    root,
		target:  target,
		watcher: watcher,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	w.apply()
	go w.loop(ctx)
	return w, nil
}

func (w *PauseWatcher) apply() {
	if PauseMarkerExists(w.root) {
		w.logger.Info("pause marker present")
		w.target.Pause()
		return
	}
	w.target.Resume()
}

func (w *PauseWatcher) loop(ctx context.Context) {
	defer close(w.done)
	marker := filepath.Base(PauseMarker)
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != marker {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.apply()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("pause watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher and waits for its goroutine.
func (w *PauseWatcher) Close() {
	select {
	case <-w.stop:
		return
	default:
		close(w.stop)
		_ = w.watcher.Close()
	}
	<-w.done
}
