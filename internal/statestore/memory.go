package statestore

import (
	"context"
	"sync"
)

// Memory keeps serialized envelopes in process memory.
type Memory struct {
	mu   sync.Mutex
	docs map[Namespace][]byte
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{docs: make(map[Namespace][]byte)}
}

func (m *Memory) Kind() Kind { return KindMemory }

func (m *Memory) Read(_ context.Context, ns Namespace) (*Envelope, error) {
	m.mu.Lock()
	raw, ok := m.docs[ns]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return decodeStored(ns, raw)
}

func (m *Memory) Write(_ context.Context, env *Envelope, expected int64) error {
	raw, err := encodeEnvelope(env)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	if prev, ok := m.docs[env.Namespace]; ok {
		stored, err := decodeStored(env.Namespace, prev)
		if err != nil {
			return err
		}
		if stored != nil {
			current = stored.Revision
		}
	}
	if current != expected {
		return mismatch(env.Namespace, expected, current)
	}
	m.docs[env.Namespace] = raw
	return nil
}

func (m *Memory) WriteRaw(_ context.Context, ns Namespace, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[ns] = append([]byte(nil), raw...)
	return nil
}

func (m *Memory) Close() error { return nil }
