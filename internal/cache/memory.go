package cache

import (
	"context"
	"encoding/json"
	"sync"
)

// Memory is an in-process Cache.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memEntry
}

type memEntry struct {
	key   Key
	value any
}

var _ Cache = (*Memory)(nil)

// NewMemory returns an empty Memory cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memEntry)}
}

func encodeKey(k Key) string {
	b, _ := json.Marshal([]string(k))
	return string(b)
}

// Get returns the value stored under key.
func (m *Memory) Get(key Key) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[encodeKey(key)]
	return e.value, ok
}

// Keys returns every stored key in no particular order.
func (m *Memory) Keys() []Key {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Key, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.key)
	}
	return out
}

func (m *Memory) Invalidate(_ context.Context, pred Predicate) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.entries {
		if pred(e.key) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) ClearAll(context.Context) error {
	m.mu.Lock()
	clear(m.entries)
	m.mu.Unlock()
	return nil
}

func (m *Memory) SetData(_ context.Context, key Key, value any) error {
	m.mu.Lock()
	m.entries[encodeKey(key)] = memEntry{key: append(Key(nil), key...), value: value}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Prefetch(ctx context.Context, key Key, fetch Fetcher) error {
	v, err := fetch(ctx)
	if err != nil {
		return err
	}
	return m.SetData(ctx, key, v)
}
