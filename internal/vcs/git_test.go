package vcs

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRepo initialises a git repository with one commit and returns a Git for it.
func newTestRepo(t *testing.T) *Git {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-q", "-b", "main"},
		{"config", "user.email", "architect@example.com"},
		{"config", "user.name", "architect"},
		{"config", "commit.gpgsign", "false"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test\n"), 0o644))

	g, err := NewGit(context.Background(), dir, nil)
	require.NoError(t, err)
	_, err = g.Commit(context.Background(), nil, "initial")
	require.NoError(t, err)
	return g
}

func TestNewGit_NotRepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	_, err := NewGit(context.Background(), t.TempDir(), nil)
	assert.ErrorIs(t, err, ErrNotRepository)
}

func TestGit_CommitChangedFilesRevert(t *testing.T) {
	ctx := context.Background()
	g := newTestRepo(t)

	require.NoError(t, os.MkdirAll(filepath.Join(g.Root(), "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(g.Root(), "src", "main.go"), []byte("package main\n"), 0o644))

	dirty, err := g.DirtyPaths(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"src/main.go"}, dirty)

	id, err := g.Commit(ctx, dirty, "add main")
	require.NoError(t, err)
	assert.Len(t, id, 40)

	files, err := g.ChangedFiles(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"src/main.go"}, files)

	diff, err := g.Diff(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, diff, "+package main")

	subject, err := g.Subject(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "add main", subject)

	found, err := g.FindRevert(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, found)

	rev, err := g.Revert(ctx, id)
	require.NoError(t, err)
	head, err := g.CurrentHead(ctx)
	require.NoError(t, err)
	assert.Equal(t, rev, head)

	found, err = g.FindRevert(ctx, id[:10])
	require.NoError(t, err)
	assert.Equal(t, rev, found)
	_, statErr := os.Stat(filepath.Join(g.Root(), "src", "main.go"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestGit_TagIdempotentAndRefresh(t *testing.T) {
	ctx := context.Background()
	g := newTestRepo(t)
	first, err := g.CurrentHead(ctx)
	require.NoError(t, err)

	require.NoError(t, g.Tag(ctx, "architect/halt-20260101000000", first))
	require.NoError(t, g.Tag(ctx, "architect/halt-20260101000000", first))

	ok, err := g.TagExists(ctx, "architect/halt-20260101000000")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.TagExists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(filepath.Join(g.Root(), "x.txt"), []byte("x"), 0o644))
	second, err := g.Commit(ctx, nil, "second")
	require.NoError(t, err)
	require.NoError(t, g.Tag(ctx, "architect/halt-20260101000000", second))

	got, err := g.Run(ctx, "", "rev-parse", "architect/halt-20260101000000^{commit}")
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestGit_BranchCheckout(t *testing.T) {
	ctx := context.Background()
	g := newTestRepo(t)

	ok, err := g.BranchExists(ctx, "rollback-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, g.Branch(ctx, "rollback-1", "HEAD"))
	ok, err = g.BranchExists(ctx, "rollback-1")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, g.Checkout(ctx, "rollback-1"))

	br, err := g.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "rollback-1", br)
}

func TestGit_ErrorsWrapErrVCS(t *testing.T) {
	g := newTestRepo(t)
	_, err := g.Revert(context.Background(), "deadbeef")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVCS)
}

func TestParsePorcelain(t *testing.T) {
	out := " M a.go\n?? new dir/b.go\nR  old.go -> new.go\nA  \"quoted.go\"\n"
	assert.Equal(t, []string{"a.go", "new dir/b.go", "new.go", "quoted.go"}, parsePorcelain(out))
}
