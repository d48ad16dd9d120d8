package queue

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Store is the key-value surface the queue needs: FIFO lists plus TTL'd
// standalone entries for the dead-letter tier.
type Store interface {
	Push(ctx context.Context, key string, value []byte) error
	// PushFront prepends an entry so the next Pop returns it. Used to put
	// back a peeked list head without disturbing FIFO order.
	PushFront(ctx context.Context, key string, value []byte) error
	// Pop removes and returns the oldest list entry, or (nil, nil) when empty.
	Pop(ctx context.Context, key string) ([]byte, error)
	// BPop blocks up to timeout for an entry on any of the keys, scanning
	// them in order. Returns (“”, nil, nil) on timeout.
	BPop(ctx context.Context, keys []string, timeout time.Duration) (string, []byte, error)
	Len(ctx context.Context, key string) (int64, error)
	// Set writes a standalone entry with a TTL (dead-letter records).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Keys lists keys beginning with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// MemoryStore is an in-process Store used when Redis is disabled and in
// tests. Lists are unbounded; TTL entries are evicted lazily.
type MemoryStore struct {
	mu      sync.Mutex
	lists   map[string][][]byte
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryStore constructs an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		lists:   make(map[string][][]byte),
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// SetNowFunc overrides the clock used for TTL eviction. Test hook.
func (m *MemoryStore) SetNowFunc(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

func (m *MemoryStore) Push(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], value)
	return nil
}

func (m *MemoryStore) PushFront(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append([][]byte{value}, m.lists[key]...)
	return nil
}

func (m *MemoryStore) Pop(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	if len(list) == 0 {
		return nil, nil
	}
	head := list[0]
	m.lists[key] = list[1:]
	return head, nil
}

func (m *MemoryStore) BPop(ctx context.Context, keys []string, timeout time.Duration) (string, []byte, error) {
	deadline := m.now().Add(timeout)
	for {
		for _, key := range keys {
			value, err := m.Pop(ctx, key)
			if err != nil {
				return "", nil, err
			}
			if value != nil {
				return key, value, nil
			}
		}
		if timeout >= 0 && !m.now().Before(deadline) {
			return "", nil, nil
		}
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func (m *MemoryStore) Len(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[key])), nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	expires := time.Time{}
	if ttl > 0 {
		expires = m.now().Add(ttl)
	}
	m.entries[key] = memoryEntry{value: value, expiresAt: expires}
	return nil
}

func (m *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var keys []string
	for key, entry := range m.entries {
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			delete(m.entries, key)
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	for key, list := range m.lists {
		if len(list) > 0 && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
