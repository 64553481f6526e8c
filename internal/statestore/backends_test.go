package statestore

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/architect/internal/vcs"
)

func initGitRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-q", "-b", "main"},
		{"config", "user.email", "architect@example.com"},
		{"config", "user.name", "architect"},
		{"commit", "-q", "--allow-empty", "-m", "initial"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	return dir
}

func TestMemory_Contract(t *testing.T) {
	RunContractTests(t, func(t *testing.T) Backend {
		return NewMemory()
	})
}

func TestLocal_Contract(t *testing.T) {
	RunContractTests(t, func(t *testing.T) Backend {
		b, err := NewLocal(t.TempDir(), time.Second)
		require.NoError(t, err)
		return b
	})
}

func TestNotes_Contract(t *testing.T) {
	RunContractTests(t, func(t *testing.T) Backend {
		root := initGitRepo(t)
		g, err := vcs.NewGit(context.Background(), root, nil)
		require.NoError(t, err)
		return NewNotes(g, root, 5*time.Second)
	})
}

func TestBranch_Contract(t *testing.T) {
	RunContractTests(t, func(t *testing.T) Backend {
		b, err := NewBranch(initGitRepo(t), "", 5*time.Second)
		require.NoError(t, err)
		return b
	})
}

func TestRedis_Contract(t *testing.T) {
	RunContractTests(t, func(t *testing.T) Backend {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		b := NewRedis(client, "test")
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}

func TestSQLite_Contract(t *testing.T) {
	RunContractTests(t, func(t *testing.T) Backend {
		b, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}
