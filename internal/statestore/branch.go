package statestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage"
)

// DefaultBranchRef is the state branch used when none is configured.
const DefaultBranchRef = "architect/state"

// Branch stores every namespace as <ns>.json in the tree of a dedicated
// branch. Each write is one commit; the ref moves by compare-and-swap so
// the working tree and index are never touched.
type Branch struct {
	repo *git.Repository
	ref  plumbing.ReferenceName
	lock *fileLock
	mu   sync.Mutex
	now  func() time.Time
}

// NewBranch opens the repository at root. ref may be a short branch name
// or a full refs/ name.
func NewBranch(root, ref string, lockTimeout time.Duration) (*Branch, error) {
	repo, err := git.PlainOpen(root)
	if err != nil {
		return nil, fmt.Errorf("opening repository %s: %w", root, err)
	}
	if ref == "" {
		ref = DefaultBranchRef
	}
	name := plumbing.ReferenceName(ref)
	if !strings.HasPrefix(ref, "refs/") {
		name = plumbing.NewBranchReferenceName(ref)
	}
	return &Branch{
		repo: repo,
		ref:  name,
		lock: newFileLock(filepath.Join(root, ".architect", "state"), lockTimeout),
		now:  time.Now,
	}, nil
}

func (b *Branch) Kind() Kind { return KindBranch }

// head returns the state commit, or nil when the branch does not exist yet.
func (b *Branch) head() (*object.Commit, error) {
	ref, err := b.repo.Reference(b.ref, true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", b.ref, err)
	}
	commit, err := b.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("loading state commit %s: %w", ref.Hash(), err)
	}
	return commit, nil
}

func (b *Branch) readFrom(commit *object.Commit, ns Namespace) (*Envelope, error) {
	if commit == nil {
		return nil, nil
	}
	file, err := commit.File(string(ns) + ".json")
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s.json: %w", ns, err)
	}
	content, err := file.Contents()
	if err != nil {
		return nil, fmt.Errorf("reading %s.json: %w", ns, err)
	}
	return decodeStored(ns, []byte(content))
}

func (b *Branch) Read(_ context.Context, ns Namespace) (*Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	commit, err := b.head()
	if err != nil {
		return nil, err
	}
	return b.readFrom(commit, ns)
}

func (b *Branch) Write(ctx context.Context, env *Envelope, expected int64) error {
	raw, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	release, err := b.lock.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	b.mu.Lock()
	defer b.mu.Unlock()

	parent, err := b.head()
	if err != nil {
		return err
	}
	cur, err := b.readFrom(parent, env.Namespace)
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
	return b.commit(parent, env.Namespace, raw, fmt.Sprintf("architect-state: update %s to revision %d", env.Namespace, env.Revision))
}

func (b *Branch) WriteRaw(ctx context.Context, ns Namespace, raw []byte) error {
	release, err := b.lock.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	b.mu.Lock()
	defer b.mu.Unlock()

	parent, err := b.head()
	if err != nil {
		return err
	}
	return b.commit(parent, ns, raw, fmt.Sprintf("architect-state: import %s", ns))
}

func (b *Branch) commit(parent *object.Commit, ns Namespace, raw []byte, message string) error {
	blob, err := b.storeObject(plumbing.BlobObject, func(w io.Writer) error {
		_, err := w.Write(raw)
		return err
	})
	if err != nil {
		return fmt.Errorf("storing %s blob: %w", ns, err)
	}

	name := string(ns) + ".json"
	entries := []object.TreeEntry{{Name: name, Mode: filemode.Regular, Hash: blob}}
	var parents []plumbing.Hash
	if parent != nil {
		tree, err := parent.Tree()
		if err != nil {
			return fmt.Errorf("loading state tree: %w", err)
		}
		for _, e := range tree.Entries {
			if e.Name != name {
				entries = append(entries, e)
			}
		}
		parents = append(parents, parent.Hash)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	tree := &object.Tree{Entries: entries}
	treeHash, err := b.storeEncoded(tree)
	if err != nil {
		return fmt.Errorf("storing state tree: %w", err)
	}

	sig := object.Signature{Name: "architect", Email: "architect@localhost", When: b.now()}
	commit := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      message + "\n",
		TreeHash:     treeHash,
		ParentHashes: parents,
	}
	commitHash, err := b.storeEncoded(commit)
	if err != nil {
		return fmt.Errorf("storing state commit: %w", err)
	}

	newRef := plumbing.NewHashReference(b.ref, commitHash)
	var oldRef *plumbing.Reference
	if parent != nil {
		oldRef = plumbing.NewHashReference(b.ref, parent.Hash)
	}
	if err := b.repo.Storer.CheckAndSetReference(newRef, oldRef); err != nil {
		if errors.Is(err, storage.ErrReferenceHasChanged) {
			return fmt.Errorf("%w: %s moved concurrently", ErrRevisionMismatch, b.ref)
		}
		return fmt.Errorf("updating %s: %w", b.ref, err)
	}
	return nil
}

type encoder interface {
	Encode(plumbing.EncodedObject) error
}

func (b *Branch) storeEncoded(obj encoder) (plumbing.Hash, error) {
	enc := b.repo.Storer.NewEncodedObject()
	if err := obj.Encode(enc); err != nil {
		return plumbing.ZeroHash, err
	}
	return b.repo.Storer.SetEncodedObject(enc)
}

func (b *Branch) storeObject(t plumbing.ObjectType, write func(io.Writer) error) (plumbing.Hash, error) {
	obj := b.repo.Storer.NewEncodedObject()
	obj.SetType(t)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if err := write(w); err != nil {
		_ = w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return b.repo.Storer.SetEncodedObject(obj)
}

func (b *Branch) Close() error { return nil }
