package statestore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// decodeStored parses persisted bytes. Documents without the envelope keys
// predate envelopes and are read as schema 1, revision 1.
func decodeStored(ns Namespace, raw []byte) (*Envelope, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, ns)
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err == nil && isEnvelope(probe) {
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, ns, err)
		}
		env.Namespace = ns
		if env.SchemaVersion == 0 {
			env.SchemaVersion = 1
		}
		if env.Revision == 0 {
			env.Revision = 1
		}
		return &env, nil
	}

	return &Envelope{
		Namespace:     ns,
		SchemaVersion: 1,
		Revision:      1,
		Data:          append(json.RawMessage(nil), raw...),
	}, nil
}

func isEnvelope(m map[string]json.RawMessage) bool {
	_, hasSchema := m["schema_version"]
	_, hasRev := m["revision"]
	_, hasData := m["data"]
	return hasSchema && hasRev && hasData
}

func encodeEnvelope(env *Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", env.Namespace, err)
	}
	return b, nil
}

// upgrade converts env to CurrentSchemaVersion in place. The revision is
// untouched; the new layout is persisted by the next write.
func upgrade(env *Envelope) error {
	if env.SchemaVersion >= CurrentSchemaVersion {
		return nil
	}
	if env.UpdatedAt.IsZero() {
		env.UpdatedAt = time.Unix(0, 0).UTC()
	}

	var err error
	switch env.Namespace {
	case NSTasks:
		env.Data, err = renameKey(env.Data, "task_queue", "tasks")
	case NSSession:
		env.Data, err = unwrapSession(env.Data)
	}
	if err != nil {
		return fmt.Errorf("upgrading %s from schema %d: %w", env.Namespace, env.SchemaVersion, err)
	}
	env.SchemaVersion = CurrentSchemaVersion
	return nil
}

func renameKey(data json.RawMessage, from, to string) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		// Non-object payloads carry nothing to rename.
		return data, nil
	}
	v, ok := obj[from]
	if !ok {
		return data, nil
	}
	delete(obj, from)
	if _, exists := obj[to]; !exists {
		obj[to] = v
	}
	return json.Marshal(obj)
}

// unwrapSession turns the single-session layout {"session": {...}} into the
// multi-run layout keyed by run id.
func unwrapSession(data json.RawMessage) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return data, nil
	}
	inner, ok := obj["session"]
	if !ok {
		return data, nil
	}

	var sess map[string]json.RawMessage
	if err := json.Unmarshal(inner, &sess); err != nil || sess == nil {
		return json.Marshal(map[string]any{})
	}
	var runID string
	if raw, ok := sess["run_id"]; ok {
		_ = json.Unmarshal(raw, &runID)
	}
	if runID == "" {
		return inner, nil
	}

	out := map[string]any{
		"active_run_id": runID,
		"sessions":      map[string]json.RawMessage{runID: inner},
	}
	if patches, ok := obj["patches"]; ok {
		out["patches"] = patches
	}
	return json.Marshal(out)
}
