package statestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS state (
	namespace      TEXT PRIMARY KEY,
	schema_version INTEGER NOT NULL,
	revision       INTEGER NOT NULL,
	updated_at     TEXT NOT NULL,
	data           TEXT NOT NULL
)`

// SQLite stores one row per namespace.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init state schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Kind() Kind { return KindSQLite }

func (s *SQLite) Read(ctx context.Context, ns Namespace) (*Envelope, error) {
	var (
		env       = Envelope{Namespace: ns}
		updatedAt string
		data      string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT schema_version, revision, updated_at, data FROM state WHERE namespace = ?`, string(ns),
	).Scan(&env.SchemaVersion, &env.Revision, &updatedAt, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", ns, err)
	}
	if updatedAt != "" {
		if env.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("%w: %s updated_at %q", ErrCorrupt, ns, updatedAt)
		}
	}
	env.Data = []byte(data)
	return &env, nil
}

func (s *SQLite) Write(ctx context.Context, env *Envelope, expected int64) error {
	updatedAt := env.UpdatedAt.UTC().Format(time.RFC3339Nano)
	return retryOnBusy(ctx, 5, func() error {
		var (
			res sql.Result
			err error
		)
		if expected == 0 {
			res, err = s.db.ExecContext(ctx,
				`INSERT INTO state (namespace, schema_version, revision, updated_at, data)
				 VALUES (?, ?, ?, ?, ?) ON CONFLICT(namespace) DO NOTHING`,
				string(env.Namespace), env.SchemaVersion, env.Revision, updatedAt, string(env.Data))
		} else {
			res, err = s.db.ExecContext(ctx,
				`UPDATE state SET schema_version = ?, revision = ?, updated_at = ?, data = ?
				 WHERE namespace = ? AND revision = ?`,
				env.SchemaVersion, env.Revision, updatedAt, string(env.Data), string(env.Namespace), expected)
		}
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s expected revision %d", ErrRevisionMismatch, env.Namespace, expected)
		}
		return nil
	})
}

// WriteRaw imports a document written by an older release. Raw payloads
// become schema 1 rows at revision 1.
func (s *SQLite) WriteRaw(ctx context.Context, ns Namespace, raw []byte) error {
	env, err := decodeStored(ns, raw)
	if err != nil {
		return err
	}
	if env == nil {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO state (namespace, schema_version, revision, updated_at, data)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(namespace) DO UPDATE SET schema_version = excluded.schema_version,
			   revision = excluded.revision, updated_at = excluded.updated_at, data = excluded.data`,
			string(ns), env.SchemaVersion, env.Revision, env.UpdatedAt.UTC().Format(time.RFC3339Nano), string(env.Data))
		return err
	})
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f while SQLite reports BUSY or LOCKED, with
// exponential backoff (50ms doubling, capped at 500ms) and jitter, on top
// of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}
