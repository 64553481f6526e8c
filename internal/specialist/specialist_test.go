package specialist

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/architect/internal/config"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCollect_JoinsChunks(t *testing.T) {
	s := NewStatic("static", func(Request) ([]string, error) {
		return []string{"  hello ", "world\n"}, nil
	})

	res, err := Collect(context.Background(), s, Request{UserPrompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", res.Content)
	assert.Equal(t, 2, res.Chunks)
	assert.Equal(t, "static", res.Backend)
	require.Len(t, s.Calls(), 1)
	assert.Equal(t, "hi", s.Calls()[0].UserPrompt)
}

func TestComposePrompt(t *testing.T) {
	out, err := ComposePrompt(Request{
		SystemPrompt: "be terse",
		UserPrompt:   "add a flag",
		Context:      map[string]any{"goal": "ship"},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "be terse\n\nadd a flag")
	assert.Contains(t, out, "Context JSON:")
	assert.Contains(t, out, `"goal": "ship"`)

	out, err = ComposePrompt(Request{UserPrompt: "only"})
	require.NoError(t, err)
	assert.Equal(t, "only", out)
}

func TestBackendError_Matching(t *testing.T) {
	cause := errors.New("exit status 2")
	err := error(&BackendError{Backend: "claude", ExitCode: 2, Err: cause})

	assert.ErrorIs(t, err, ErrBackend)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "exit 2")

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "claude", be.Backend)
}

func TestCommand_StreamsStdout(t *testing.T) {
	requireShell(t)
	cmd, err := NewCommand([]string{"sh", "-c", "cat; echo; echo done"}, t.TempDir(), nil)
	require.NoError(t, err)

	res, err := Collect(context.Background(), cmd, Request{UserPrompt: "line one"})
	require.NoError(t, err)
	assert.Equal(t, "line one\ndone", res.Content)
	assert.Equal(t, "sh", res.Backend)
}

func TestCommand_NonZeroExit(t *testing.T) {
	requireShell(t)
	cmd, err := NewCommand([]string{"sh", "-c", "echo oops >&2; exit 3"}, "", nil)
	require.NoError(t, err)

	_, err = Collect(context.Background(), cmd, Request{UserPrompt: "x"})
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 3, be.ExitCode)
	assert.True(t, be.Retriable)
	assert.Contains(t, be.Stderr, "oops")
}

func TestCommand_MissingBinaryIsNotRetriable(t *testing.T) {
	cmd, err := NewCommand([]string{"architect-no-such-generator"}, "", nil)
	require.NoError(t, err)

	_, err = Collect(context.Background(), cmd, Request{UserPrompt: "x"})
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.False(t, be.Retriable)
}

func TestNewCommand_Empty(t *testing.T) {
	_, err := NewCommand(nil, "", nil)
	assert.Error(t, err)
}

func flaky(name string, failures int32, retriable bool) (*Static, *atomic.Int32) {
	var calls atomic.Int32
	s := NewStatic(name, func(Request) ([]string, error) {
		n := calls.Add(1)
		if n <= failures {
			return nil, &BackendError{Backend: name, Retriable: retriable, Err: errors.New("transient")}
		}
		return []string{name + " ok"}, nil
	})
	return s, &calls
}

func TestResilient_RetriesPrimary(t *testing.T) {
	primary, calls := flaky("primary", 1, true)
	r := NewResilient(primary, nil, RetryPolicy{MaxRetries: 2, Backoff: time.Millisecond}, nil)

	res, err := Collect(context.Background(), r, Request{})
	require.NoError(t, err)
	assert.Equal(t, "primary ok", res.Content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestResilient_FallsBackAfterExhaustion(t *testing.T) {
	primary, pcalls := flaky("primary", 100, true)
	fallback, fcalls := flaky("fallback", 0, true)
	r := NewResilient(primary, fallback, RetryPolicy{MaxRetries: 1, Backoff: time.Millisecond}, nil)

	res, err := Collect(context.Background(), r, Request{})
	require.NoError(t, err)
	assert.Equal(t, "fallback ok", res.Content)
	assert.Equal(t, int32(2), pcalls.Load())
	assert.Equal(t, int32(1), fcalls.Load())
	assert.Equal(t, "primary|fallback", r.Name())
}

func TestResilient_NonRetriableSkipsToFallback(t *testing.T) {
	primary, pcalls := flaky("primary", 100, false)
	fallback, _ := flaky("fallback", 0, true)
	r := NewResilient(primary, fallback, RetryPolicy{MaxRetries: 3, Backoff: time.Millisecond}, nil)

	res, err := Collect(context.Background(), r, Request{})
	require.NoError(t, err)
	assert.Equal(t, "fallback ok", res.Content)
	assert.Equal(t, int32(1), pcalls.Load())
}

func TestResilient_AllFail(t *testing.T) {
	primary, _ := flaky("primary", 100, true)
	fallback, _ := flaky("fallback", 100, true)
	r := NewResilient(primary, fallback, RetryPolicy{MaxRetries: 1, Backoff: time.Millisecond}, nil)

	_, err := Collect(context.Background(), r, Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackend)
	assert.Contains(t, err.Error(), "all backend attempts failed")
	assert.Contains(t, err.Error(), "fallback attempt 2")
}

func TestResilient_SameBackendNotRepeated(t *testing.T) {
	primary, calls := flaky("same", 100, true)
	other := NewStatic("same", func(Request) ([]string, error) { return []string{"never"}, nil })
	r := NewResilient(primary, other, RetryPolicy{MaxRetries: 0}, nil)

	_, err := Collect(context.Background(), r, Request{})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestResilient_AttemptTimeout(t *testing.T) {
	slow := NewStatic("slow", func(Request) ([]string, error) {
		time.Sleep(50 * time.Millisecond)
		return []string{"late"}, nil
	})
	r := NewResilient(slow, nil, RetryPolicy{Timeout: 10 * time.Millisecond}, nil)

	_, err := Collect(context.Background(), r, Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestLimited_WaitsForToken(t *testing.T) {
	inner := Reply("inner", "ok")
	l := NewLimited(inner, 1000, 1)

	for range 3 {
		res, err := Collect(context.Background(), l, Request{})
		require.NoError(t, err)
		assert.Equal(t, "ok", res.Content)
	}
	assert.Len(t, inner.Calls(), 3)
}

func TestLimited_CancelledContext(t *testing.T) {
	l := NewLimited(Reply("inner", "ok"), 0.001, 1)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := Collect(ctx, l, Request{})
	require.NoError(t, err)

	cancel()
	_, err = Collect(ctx, l, Request{})
	assert.Error(t, err)
}

func TestPrompts_Overrides(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "critic.md"), []byte("Be harsh.\n"), 0o644))

	p, err := LoadPrompts(dir)
	require.NoError(t, err)
	assert.Equal(t, "Be harsh.", p.System(RoleCritic))
	assert.Contains(t, p.System(RoleCoder), "Coder/Engineer")

	var none *Prompts
	assert.Contains(t, none.System(RolePlanner), "plans, not code")
}

func TestFromConfig(t *testing.T) {
	s, err := FromConfig(config.Default().Backend, t.TempDir(), nil)
	require.NoError(t, err)
	assert.Equal(t, "claude|codex", s.Name())

	_, err = FromConfig(config.BackendConfig{}, "", nil)
	assert.Error(t, err)
}
