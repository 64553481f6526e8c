package statestore

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/architect/internal/config"
	"github.com/fyrsmithlabs/architect/internal/vcs"
)

// OpenBackend constructs the backend selected by cfg for the project at root.
// The git-backed kinds fall back to local when root is not a repository.
func OpenBackend(ctx context.Context, cfg config.StateConfig, root string, logger *zap.Logger) (Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	lockTimeout := cfg.LockTimeout.Duration()
	kind := Kind(cfg.Backend)

	if (kind == KindNotes || kind == KindBranch) && !vcs.IsRepository(root) {
		logger.Warn("state backend requires a git repository, using local files",
			zap.String("requested", string(kind)), zap.String("root", root))
		kind = KindLocal
	}

	switch kind {
	case KindNotes:
		g, err := vcs.NewGit(ctx, root, logger)
		if err != nil {
			return nil, err
		}
		return NewNotes(g, root, lockTimeout), nil
	case KindBranch:
		return NewBranch(root, cfg.BranchRef, lockTimeout)
	case KindLocal:
		return NewLocal(root, lockTimeout)
	case KindRedis:
		return DialRedis(ctx, cfg.RedisAddr, cfg.RedisPrefix)
	case KindSQLite:
		path := cfg.SQLitePath
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, path)
		}
		return OpenSQLite(ctx, path)
	case KindMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported state backend %q", cfg.Backend)
	}
}
