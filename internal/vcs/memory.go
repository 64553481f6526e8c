package vcs

import (
	"context"
	"crypto/sha1" //nolint:gosec // fake object ids only
	"encoding/hex"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
)

// MemoryCommit is one commit recorded by Memory.
type MemoryCommit struct {
	ID       string
	Parent   string
	Message  string
	Files    []string
	RevertOf string
}

// Memory is an in-process VCS for tests. Commits are linear per branch and
// ids are deterministic hashes of the commit sequence.
type Memory struct {
	mu       sync.Mutex
	commits  map[string]*MemoryCommit
	order    []string
	branches map[string]string
	tags     map[string]string
	current  string
	dirty    map[string]bool
	failOps  map[string]error
}

// NewMemory returns a repository on branch main with one root commit.
func NewMemory() *Memory {
	m := &Memory{
		commits:  make(map[string]*MemoryCommit),
		branches: make(map[string]string),
		tags:     make(map[string]string),
		dirty:    make(map[string]bool),
		failOps:  make(map[string]error),
		current:  "main",
	}
	root := m.addCommit("", "initial commit", nil, "")
	m.branches["main"] = root
	return m
}

// Touch marks paths as modified in the working tree.
func (m *Memory) Touch(paths ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range paths {
		m.dirty[p] = true
	}
}

// FailOn makes every subsequent call of op ("commit", "tag", ...) return err.
// A nil err clears the failure.
func (m *Memory) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failOps, op)
		return
	}
	m.failOps[op] = err
}

// Commits returns every commit in creation order.
func (m *Memory) Commits() []MemoryCommit {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MemoryCommit, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.commits[id])
	}
	return out
}

// Tags returns a copy of the tag table.
func (m *Memory) Tags() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.tags))
	for k, v := range m.tags {
		out[k] = v
	}
	return out
}

// Branches returns the sorted branch names.
func (m *Memory) Branches() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.branches))
	for name := range m.branches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Memory) fail(op string) error {
	if err, ok := m.failOps[op]; ok {
		return &Error{Op: op, Err: err}
	}
	return nil
}

func (m *Memory) head() string {
	return m.branches[m.current]
}

func (m *Memory) addCommit(parent, message string, files []string, revertOf string) string {
	h := sha1.New() //nolint:gosec // fake object ids only
	fmt.Fprintf(h, "%d\x00%s\x00%s\x00%s", len(m.order), parent, message, strings.Join(files, ","))
	id := hex.EncodeToString(h.Sum(nil))
	m.commits[id] = &MemoryCommit{
		ID:       id,
		Parent:   parent,
		Message:  message,
		Files:    slices.Clone(files),
		RevertOf: revertOf,
	}
	m.order = append(m.order, id)
	return id
}

func (m *Memory) resolve(ref string) (string, bool) {
	if id, ok := m.branches[ref]; ok {
		return id, true
	}
	if id, ok := m.tags[ref]; ok {
		return id, true
	}
	if ref == "HEAD" {
		return m.head(), true
	}
	if _, ok := m.commits[ref]; ok {
		return ref, true
	}
	for _, id := range m.order {
		if len(ref) >= 4 && strings.HasPrefix(id, ref) {
			return id, true
		}
	}
	return "", false
}

func (m *Memory) Commit(_ context.Context, paths []string, message string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("commit"); err != nil {
		return "", err
	}

	var files []string
	if len(paths) == 0 {
		for p := range m.dirty {
			files = append(files, p)
		}
	} else {
		for _, p := range paths {
			if m.dirty[p] {
				files = append(files, p)
			}
		}
	}
	if len(files) == 0 {
		return "", &Error{Op: "commit", Stderr: "nothing to commit, working tree clean"}
	}
	sort.Strings(files)
	for _, p := range files {
		delete(m.dirty, p)
	}

	id := m.addCommit(m.head(), message, files, "")
	m.branches[m.current] = id
	return id, nil
}

func (m *Memory) Branch(_ context.Context, name, from string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("branch"); err != nil {
		return err
	}
	if _, exists := m.branches[name]; exists {
		return &Error{Op: "branch", Stderr: fmt.Sprintf("a branch named '%s' already exists", name)}
	}
	if from == "" {
		from = "HEAD"
	}
	id, ok := m.resolve(from)
	if !ok {
		return &Error{Op: "branch", Stderr: fmt.Sprintf("not a valid object name: '%s'", from)}
	}
	m.branches[name] = id
	return nil
}

func (m *Memory) Tag(_ context.Context, name, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("tag"); err != nil {
		return err
	}
	id, ok := m.resolve(target)
	if !ok {
		return &Error{Op: "tag", Stderr: fmt.Sprintf("not a valid object name: '%s'", target)}
	}
	m.tags[name] = id
	return nil
}

func (m *Memory) Revert(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("revert"); err != nil {
		return "", err
	}
	full, ok := m.resolve(id)
	if !ok {
		return "", &Error{Op: "revert", Stderr: fmt.Sprintf("bad revision '%s'", id)}
	}
	orig := m.commits[full]
	msg := fmt.Sprintf("Revert %q\n\nThis reverts commit %s.", firstLine(orig.Message), full)
	rev := m.addCommit(m.head(), msg, orig.Files, full)
	m.branches[m.current] = rev
	return rev, nil
}

func (m *Memory) FindRevert(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	full, ok := m.resolve(id)
	if !ok {
		return "", &Error{Op: "rev-parse", Stderr: fmt.Sprintf("bad revision '%s'", id)}
	}
	for c := m.head(); c != ""; c = m.commits[c].Parent {
		if m.commits[c].RevertOf == full {
			return c, nil
		}
	}
	return "", nil
}

func (m *Memory) CurrentHead(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("rev-parse"); err != nil {
		return "", err
	}
	return m.head(), nil
}

func (m *Memory) CurrentBranch(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, nil
}

func (m *Memory) Checkout(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("checkout"); err != nil {
		return err
	}
	if _, ok := m.branches[name]; !ok {
		return &Error{Op: "checkout", Stderr: fmt.Sprintf("pathspec '%s' did not match", name)}
	}
	m.current = name
	return nil
}

func (m *Memory) ChangedFiles(_ context.Context, id string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	full, ok := m.resolve(id)
	if !ok {
		return nil, &Error{Op: "diff-tree", Stderr: fmt.Sprintf("bad object %s", id)}
	}
	return slices.Clone(m.commits[full].Files), nil
}

func (m *Memory) Diff(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	full, ok := m.resolve(id)
	if !ok {
		return "", &Error{Op: "show", Stderr: fmt.Sprintf("bad object %s", id)}
	}
	var b strings.Builder
	for _, f := range m.commits[full].Files {
		fmt.Fprintf(&b, "diff --git a/%s b/%s\n", f, f)
	}
	return b.String(), nil
}

func (m *Memory) Subject(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	full, ok := m.resolve(id)
	if !ok {
		return "", &Error{Op: "log", Stderr: fmt.Sprintf("bad object %s", id)}
	}
	return firstLine(m.commits[full].Message), nil
}

func (m *Memory) DirtyPaths(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.dirty))
	for p := range m.dirty {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

func (m *Memory) BranchExists(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.branches[name]
	return ok, nil
}

func (m *Memory) TagExists(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tags[name]
	return ok, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

var _ VCS = (*Memory)(nil)
