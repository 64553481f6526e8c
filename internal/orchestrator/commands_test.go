package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShellRunner(t *testing.T) {
	ctx := context.Background()
	r := &ShellRunner{Dir: t.TempDir(), Timeout: 5 * time.Second}

	t.Run("direct exec", func(t *testing.T) {
		res := r.Run(ctx, "echo hello")
		assert.True(t, res.OK())
		assert.Equal(t, "hello", res.StdoutTail)
	})

	t.Run("shell operators", func(t *testing.T) {
		res := r.Run(ctx, "echo out && echo err 1>&2 && exit 3")
		assert.False(t, res.OK())
		assert.Equal(t, 3, res.ExitCode)
		assert.Equal(t, "out", res.StdoutTail)
		assert.Equal(t, "err", res.StderrTail)
		assert.Equal(t, "out\nerr", res.Output())
	})

	t.Run("missing binary", func(t *testing.T) {
		res := r.Run(ctx, "definitely-not-a-real-binary-xyz")
		assert.Equal(t, 127, res.ExitCode)
	})

	t.Run("empty command", func(t *testing.T) {
		res := r.Run(ctx, "  ")
		assert.Equal(t, 1, res.ExitCode)
		assert.False(t, res.OK())
	})

	t.Run("timeout", func(t *testing.T) {
		short := &ShellRunner{Dir: t.TempDir(), Timeout: 100 * time.Millisecond}
		res := short.Run(ctx, "sleep 5")
		assert.True(t, res.TimedOut)
		assert.Equal(t, -1, res.ExitCode)
		assert.False(t, res.OK())
	})

	t.Run("output tail", func(t *testing.T) {
		res := r.Run(ctx, "printf '%3000s' x | tr ' x' aa")
		assert.Len(t, res.StdoutTail, 1000)
		assert.Equal(t, strings.Repeat("a", 1000), res.StdoutTail)
	})
}
