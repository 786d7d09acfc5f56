package numbering

import "sync"

// MemoryStore keeps the counter in memory. It does not survive restarts.
type MemoryStore struct {
	mu     sync.Mutex
	value  string
	exists bool
}

// NewMemoryStore creates a store, optionally holding an initial value
func NewMemoryStore(initial string) *MemoryStore {
	return &MemoryStore{value: initial, exists: initial != ""}
}

// Update runs fn under the store lock and keeps its result on success
func (m *MemoryStore) Update(fn func(current string, exists bool) (string, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := fn(m.value, m.exists)
	if err != nil {
		return err
	}
	m.value = next
	m.exists = true
	return nil
}

// Value returns the stored counter
func (m *MemoryStore) Value() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}
