package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// BackendFactory returns a fresh, empty backend for one subtest.
type BackendFactory func(t *testing.T) Backend

// RunContractTests verifies that a Backend honours the compare-and-swap and
// revision guarantees every Store relies on.
func RunContractTests(t *testing.T, factory BackendFactory) {
	t.Helper()

	t.Run("missing namespace reads as nil", func(t *testing.T) {
		b := factory(t)
		env, err := b.Read(context.Background(), NSTasks)
		require.NoError(t, err)
		assert.Nil(t, env)
	})

	t.Run("write then read", func(t *testing.T) {
		ctx := context.Background()
		b := factory(t)
		env := &Envelope{
			Namespace:     NSDecisions,
			SchemaVersion: CurrentSchemaVersion,
			Revision:      1,
			UpdatedAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			Data:          json.RawMessage(`{"decisions":[{"id":"d1"}]}`),
		}
		require.NoError(t, b.Write(ctx, env, 0))

		got, err := b.Read(ctx, NSDecisions)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, int64(1), got.Revision)
		assert.Equal(t, CurrentSchemaVersion, got.SchemaVersion)
		assert.True(t, env.UpdatedAt.Equal(got.UpdatedAt))
		assert.JSONEq(t, string(env.Data), string(got.Data))
	})

	t.Run("stale expected revision is rejected", func(t *testing.T) {
		ctx := context.Background()
		b := factory(t)
		first := &Envelope{Namespace: NSRuns, SchemaVersion: CurrentSchemaVersion, Revision: 1, Data: json.RawMessage(`{"n":1}`)}
		require.NoError(t, b.Write(ctx, first, 0))

		stale := &Envelope{Namespace: NSRuns, SchemaVersion: CurrentSchemaVersion, Revision: 1, Data: json.RawMessage(`{"n":2}`)}
		err := b.Write(ctx, stale, 0)
		assert.True(t, errors.Is(err, ErrRevisionMismatch), "got %v", err)

		got, err := b.Read(ctx, NSRuns)
		require.NoError(t, err)
		assert.JSONEq(t, `{"n":1}`, string(got.Data))
	})

	t.Run("namespaces are independent", func(t *testing.T) {
		ctx := context.Background()
		b := factory(t)
		require.NoError(t, b.Write(ctx, &Envelope{Namespace: NSTasks, SchemaVersion: 2, Revision: 1, Data: json.RawMessage(`{"tasks":[]}`)}, 0))
		require.NoError(t, b.Write(ctx, &Envelope{Namespace: NSLeases, SchemaVersion: 2, Revision: 1, Data: json.RawMessage(`{"leases":{}}`)}, 0))
		require.NoError(t, b.Write(ctx, &Envelope{Namespace: NSTasks, SchemaVersion: 2, Revision: 2, Data: json.RawMessage(`{"tasks":[1]}`)}, 1))

		tasks, err := b.Read(ctx, NSTasks)
		require.NoError(t, err)
		leases, err := b.Read(ctx, NSLeases)
		require.NoError(t, err)
		assert.Equal(t, int64(2), tasks.Revision)
		assert.Equal(t, int64(1), leases.Revision)
	})

	t.Run("store revisions are monotonic", func(t *testing.T) {
		ctx := context.Background()
		s := New(factory(t))
		var last int64
		for i := 0; i < 5; i++ {
			rev, err := s.Put(ctx, NSMetrics, map[string]int{"i": i})
			require.NoError(t, err)
			assert.Equal(t, last+1, rev)
			last = rev
		}
	})

	t.Run("concurrent stores never lose updates", func(t *testing.T) {
		ctx := context.Background()
		b := factory(t)
		stores := []*Store{
			New(b, WithMaxRetries(100), WithRetryBase(time.Millisecond)),
			New(b, WithMaxRetries(100), WithRetryBase(time.Millisecond)),
		}
		type counter struct {
			N int `json:"n"`
		}

		const perStore = 8
		var wg sync.WaitGroup
		for _, s := range stores {
			wg.Add(1)
			go func(s *Store) {
				defer wg.Done()
				for i := 0; i < perStore; i++ {
					_, _, err := Mutate(ctx, s, NSMetrics, func(c *counter) error {
						c.N++
						return nil
					})
					assert.NoError(t, err)
				}
			}(s)
		}
		wg.Wait()

		got, rev, err := Load[counter](ctx, stores[0], NSMetrics)
		require.NoError(t, err)
		assert.Equal(t, 2*perStore, got.N)
		assert.Equal(t, int64(2*perStore), rev)
	})

	t.Run("legacy documents upgrade on read", func(t *testing.T) {
		ctx := context.Background()
		b := factory(t)
		seeder, ok := b.(RawSeeder)
		if !ok {
			t.Skip("backend cannot seed raw documents")
		}
		require.NoError(t, seeder.WriteRaw(ctx, NSTasks, []byte(`{"task_queue":[{"id":"task-plan-001"}]}`)))

		s := New(b)
		env, err := s.Get(ctx, NSTasks)
		require.NoError(t, err)
		assert.Equal(t, CurrentSchemaVersion, env.SchemaVersion)
		assert.Equal(t, int64(1), env.Revision)
		assert.JSONEq(t, `{"tasks":[{"id":"task-plan-001"}]}`, string(env.Data))

		stored, err := b.Read(ctx, NSTasks)
		require.NoError(t, err)
		assert.Equal(t, 1, stored.SchemaVersion, "upgrade is not persisted by a read")

		_, err = s.Update(ctx, NSTasks, func(cur json.RawMessage) (json.RawMessage, error) { return cur, nil })
		require.NoError(t, err)
		stored, err = b.Read(ctx, NSTasks)
		require.NoError(t, err)
		assert.Equal(t, CurrentSchemaVersion, stored.SchemaVersion)
		assert.Equal(t, int64(2), stored.Revision)
	})
}
