package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"
)

// ErrNotRepository is returned by NewGit when root is not inside a work tree.
var ErrNotRepository = errors.New("not a git repository")

// Git implements VCS with the git CLI. Mutating calls are serialized because
// workers share one working tree.
type Git struct {
	root   string
	mu     sync.Mutex
	logger *zap.Logger
}

// NewGit opens the work tree at root.
func NewGit(ctx context.Context, root string, logger *zap.Logger) (*Git, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", root, err)
	}
	g := &Git{root: abs, logger: logger}

	out, err := g.Run(ctx, "", "rev-parse", "--is-inside-work-tree")
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return nil, fmt.Errorf("git not found in PATH: %w", err)
		}
		return nil, fmt.Errorf("%w: %s", ErrNotRepository, abs)
	}
	if out != "true" {
		return nil, fmt.Errorf("%w: %s", ErrNotRepository, abs)
	}
	return g, nil
}

// IsRepository reports whether root is inside a git work tree.
func IsRepository(root string) bool {
	_, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{DetectDotGit: true})
	return err == nil
}

// Root returns the absolute work tree path.
func (g *Git) Root() string {
	return g.root
}

// Run executes git with args in the work tree and returns trimmed stdout.
// stdin is piped to the process when non-empty.
func (g *Git) Run(ctx context.Context, stdin string, args ...string) (string, error) {
	out, err := g.run(ctx, stdin, args...)
	return strings.TrimSpace(out), err
}

func (g *Git) run(ctx context.Context, stdin string, args ...string) (string, error) {
	full := append([]string{"--no-pager"}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Dir = g.root
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		op := "git"
		if len(args) > 0 {
			op = args[0]
		}
		return "", &Error{
			Op:     op,
			Args:   args,
			Stderr: strings.TrimSpace(stderr.String()),
			Err:    err,
		}
	}
	return stdout.String(), nil
}

func (g *Git) Commit(ctx context.Context, paths []string, message string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	add := []string{"add", "-A"}
	if len(paths) > 0 {
		add = append(add, "--")
		add = append(add, paths...)
	}
	if _, err := g.Run(ctx, "", add...); err != nil {
		return "", err
	}
	if _, err := g.Run(ctx, message, "commit", "-F", "-"); err != nil {
		return "", err
	}
	id, err := g.Run(ctx, "", "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	g.logger.Debug("committed", zap.String("commit", id), zap.Int("paths", len(paths)))
	return id, nil
}

func (g *Git) Branch(ctx context.Context, name, from string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	args := []string{"branch", name}
	if from != "" {
		args = append(args, from)
	}
	_, err := g.Run(ctx, "", args...)
	return err
}

func (g *Git) Tag(ctx context.Context, name, target string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	want, err := g.Run(ctx, "", "rev-parse", "--verify", target+"^{commit}")
	if err != nil {
		return err
	}
	if cur, err := g.Run(ctx, "", "rev-parse", "--verify", "--quiet", "refs/tags/"+name+"^{commit}"); err == nil {
		if cur == want {
			return nil
		}
		g.logger.Info("refreshing tag", zap.String("tag", name), zap.String("from", cur), zap.String("to", want))
	}
	_, err = g.Run(ctx, "", "tag", "-f", name, want)
	return err
}

func (g *Git) Revert(ctx context.Context, id string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.Run(ctx, "", "revert", "--no-edit", id); err != nil {
		_, _ = g.Run(ctx, "", "revert", "--abort")
		return "", err
	}
	return g.Run(ctx, "", "rev-parse", "HEAD")
}

func (g *Git) FindRevert(ctx context.Context, id string) (string, error) {
	full, err := g.Run(ctx, "", "rev-parse", "--verify", id+"^{commit}")
	if err != nil {
		return "", err
	}
	return g.Run(ctx, "", "log", "-1", "--format=%H", "--fixed-strings",
		"--grep=This reverts commit "+full+".", "HEAD")
}

func (g *Git) CurrentHead(ctx context.Context) (string, error) {
	return g.Run(ctx, "", "rev-parse", "HEAD")
}

// CurrentBranch returns the checked-out branch, or "" on a detached HEAD.
func (g *Git) CurrentBranch(_ context.Context) (string, error) {
	repo, err := git.PlainOpen(g.root)
	if err != nil {
		return "", &Error{Op: "open", Err: err}
	}
	head, err := repo.Head()
	if err != nil {
		return "", &Error{Op: "head", Err: err}
	}
	if head.Name().IsBranch() {
		return head.Name().Short(), nil
	}
	return "", nil
}

func (g *Git) Checkout(ctx context.Context, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, err := g.Run(ctx, "", "checkout", name)
	return err
}

func (g *Git) ChangedFiles(ctx context.Context, id string) ([]string, error) {
	out, err := g.Run(ctx, "", "diff-tree", "--no-commit-id", "--name-only", "-r", "--root", id)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func (g *Git) Diff(ctx context.Context, id string) (string, error) {
	return g.Run(ctx, "", "show", "--format=", "--patch", id)
}

func (g *Git) Subject(ctx context.Context, id string) (string, error) {
	return g.Run(ctx, "", "log", "-1", "--format=%s", id)
}

// DirtyPaths lists modified, staged and untracked paths.
func (g *Git) DirtyPaths(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "", "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	return parsePorcelain(out), nil
}

func (g *Git) TagExists(_ context.Context, name string) (bool, error) {
	return g.refExists(plumbing.NewTagReferenceName(name), "tag-lookup")
}

func (g *Git) BranchExists(_ context.Context, name string) (bool, error) {
	return g.refExists(plumbing.NewBranchReferenceName(name), "branch-lookup")
}

func (g *Git) refExists(ref plumbing.ReferenceName, op string) (bool, error) {
	repo, err := git.PlainOpen(g.root)
	if err != nil {
		return false, &Error{Op: "open", Err: err}
	}
	if _, err := repo.Reference(ref, false); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return false, nil
		}
		return false, &Error{Op: op, Err: err}
	}
	return true, nil
}

func parsePorcelain(out string) []string {
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		file := strings.TrimSpace(line[3:])
		if i := strings.Index(file, " -> "); i >= 0 {
			file = file[i+4:]
		}
		paths = append(paths, strings.Trim(file, `"`))
	}
	return paths
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

var _ VCS = (*Git)(nil)
