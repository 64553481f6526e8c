// Package statestore persists architect's shared state as versioned JSON
// envelopes, one per namespace.
//
// Every namespace carries a revision that increases by exactly one on each
// successful write. Writers go through Store.Update, an optimistic
// read-modify-write loop on top of a backend compare-and-swap, so concurrent
// workers (and concurrent processes sharing a backend) never lose updates.
//
// Backends:
//   - notes: git notes under refs/notes/architect/<ns>
//   - branch: commits on a dedicated state branch
//   - local: .architect/state/<ns>.json
//   - redis: one key per namespace, CAS via WATCH/MULTI
//   - sqlite: one row per namespace, CAS via conditional UPDATE
//   - memory: in-process, for tests
//
// Envelopes written by older releases are upgraded in memory on read and
// persisted in the current layout on the next write.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Namespace names one independently versioned document.
type Namespace string

const (
	NSTasks       Namespace = "tasks"
	NSDecisions   Namespace = "decisions"
	NSSession     Namespace = "session"
	NSCheckpoints Namespace = "checkpoints"
	NSMetrics     Namespace = "metrics"
	NSRuns        Namespace = "runs"
	NSLeases      Namespace = "leases"
)

// Namespaces lists every namespace in a stable order.
var Namespaces = []Namespace{
	NSTasks, NSDecisions, NSSession, NSCheckpoints, NSMetrics, NSRuns, NSLeases,
}

// Valid reports whether ns is one of the fixed namespaces.
func (ns Namespace) Valid() bool {
	for _, n := range Namespaces {
		if n == ns {
			return true
		}
	}
	return false
}

// CurrentSchemaVersion is the envelope layout written by this release.
const CurrentSchemaVersion = 2

var (
	// ErrStateConflict is returned when a read-modify-write exhausts its retries.
	ErrStateConflict = errors.New("state conflict")

	// ErrRevisionMismatch is returned by Backend.Write when the stored
	// revision differs from the expected one.
	ErrRevisionMismatch = errors.New("revision mismatch")

	// ErrUnknownNamespace is returned for namespaces outside the fixed set.
	ErrUnknownNamespace = errors.New("unknown namespace")

	// ErrCorrupt is returned when stored bytes are not valid JSON.
	ErrCorrupt = errors.New("corrupt state document")
)

// Envelope is the persisted form of one namespace.
type Envelope struct {
	Namespace     Namespace       `json:"namespace"`
	SchemaVersion int             `json:"schema_version"`
	Revision      int64           `json:"revision"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Data          json.RawMessage `json:"data"`
}

// Decode unmarshals the envelope data into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", e.Namespace, err)
	}
	return nil
}

func (e *Envelope) clone() *Envelope {
	c := *e
	c.Data = append(json.RawMessage(nil), e.Data...)
	return &c
}

// Kind identifies a backend implementation.
type Kind string

const (
	KindNotes  Kind = "notes"
	KindBranch Kind = "branch"
	KindLocal  Kind = "local"
	KindRedis  Kind = "redis"
	KindSQLite Kind = "sqlite"
	KindMemory Kind = "memory"
)

// Backend stores envelopes with per-namespace compare-and-swap.
type Backend interface {
	Kind() Kind
	// Read returns the stored envelope exactly as persisted, or nil when the
	// namespace has never been written.
	Read(ctx context.Context, ns Namespace) (*Envelope, error)
	// Write stores env when the stored revision equals expected (0 for an
	// absent namespace) and returns ErrRevisionMismatch otherwise.
	Write(ctx context.Context, env *Envelope, expected int64) error
	Close() error
}

// RawSeeder is implemented by backends that can store arbitrary bytes for a
// namespace. Used to import documents written by older releases.
type RawSeeder interface {
	WriteRaw(ctx context.Context, ns Namespace, raw []byte) error
}

func checkNamespace(ns Namespace) error {
	if !ns.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownNamespace, ns)
	}
	return nil
}

func mismatch(ns Namespace, expected, actual int64) error {
	return fmt.Errorf("%w: %s expected revision %d, found %d", ErrRevisionMismatch, ns, expected, actual)
}
