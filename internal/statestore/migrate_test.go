package statestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeStored(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		env, err := decodeStored(NSTasks, []byte("  \n"))
		require.NoError(t, err)
		assert.Nil(t, env)
	})

	t.Run("envelope", func(t *testing.T) {
		env, err := decodeStored(NSRuns, []byte(`{"schema_version":2,"revision":7,"updated_at":"2026-01-01T00:00:00Z","data":{"runs":{}}}`))
		require.NoError(t, err)
		assert.Equal(t, int64(7), env.Revision)
		assert.Equal(t, 2, env.SchemaVersion)
		assert.Equal(t, NSRuns, env.Namespace)
	})

	t.Run("raw payload is schema 1 revision 1", func(t *testing.T) {
		env, err := decodeStored(NSTasks, []byte(`{"task_queue":[]}`))
		require.NoError(t, err)
		assert.Equal(t, int64(1), env.Revision)
		assert.Equal(t, 1, env.SchemaVersion)
	})

	t.Run("corrupt", func(t *testing.T) {
		_, err := decodeStored(NSTasks, []byte(`{"task_queue":`))
		assert.ErrorIs(t, err, ErrCorrupt)
	})
}

func TestUpgrade_Tasks(t *testing.T) {
	env := &Envelope{Namespace: NSTasks, SchemaVersion: 1, Revision: 4, Data: []byte(`{"task_queue":[{"id":"t1"}]}`)}
	require.NoError(t, upgrade(env))
	assert.Equal(t, CurrentSchemaVersion, env.SchemaVersion)
	assert.Equal(t, int64(4), env.Revision)
	assert.JSONEq(t, `{"tasks":[{"id":"t1"}]}`, string(env.Data))
}

func TestUpgrade_Session(t *testing.T) {
	env := &Envelope{Namespace: NSSession, SchemaVersion: 1, Revision: 2,
		Data: []byte(`{"session":{"run_id":"r1","goal":"ship it"},"patches":{"patch-abc":{"id":"patch-abc"}}}`)}
	require.NoError(t, upgrade(env))
	assert.JSONEq(t,
		`{"active_run_id":"r1","sessions":{"r1":{"run_id":"r1","goal":"ship it"}},"patches":{"patch-abc":{"id":"patch-abc"}}}`,
		string(env.Data))
}

func TestUpgrade_CurrentIsUntouched(t *testing.T) {
	env := &Envelope{Namespace: NSTasks, SchemaVersion: CurrentSchemaVersion, Data: []byte(`{"task_queue":"kept"}`)}
	require.NoError(t, upgrade(env))
	assert.JSONEq(t, `{"task_queue":"kept"}`, string(env.Data))
}
