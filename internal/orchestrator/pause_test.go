package orchestrator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pauseFlag struct{ paused atomic.Bool }

func (p *pauseFlag) Pause()  { p.paused.Store(true) }
func (p *pauseFlag) Resume() { p.paused.Store(false) }

func TestPauseMarker(t *testing.T) {
	root := t.TempDir()
	assert.False(t, PauseMarkerExists(root))
	require.NoError(t, WritePauseMarker(root))
	assert.True(t, PauseMarkerExists(root))
	require.NoError(t, RemovePauseMarker(root))
	assert.False(t, PauseMarkerExists(root))
	require.NoError(t, RemovePauseMarker(root), "removing a missing marker is not an error")
}

func TestWatchPause_AppliesInitialState(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, WritePauseMarker(root))

	flag := &pauseFlag{}
	w, err := WatchPause(context.Background(), root, flag, nil)
	require.NoError(t, err)
	defer w.Close()
	assert.True(t, flag.paused.Load())
}

func TestWatchPause_FollowsMarker(t *testing.T) {
	root := t.TempDir()
	flag := &pauseFlag{}
	w, err := WatchPause(context.Background(), root, flag, nil)
	require.NoError(t, err)
	defer w.Close()
	assert.False(t, flag.paused.Load())

	require.NoError(t, WritePauseMarker(root))
	assert.Eventually(t, flag.paused.Load, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, RemovePauseMarker(root))
	assert.Eventually(t, func() bool { return !flag.paused.Load() }, 2*time.Second, 10*time.Millisecond)
}
