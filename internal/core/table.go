package core

import "sync"

// Table is an id-keyed resource table. Ids come from a monotonically
// increasing counter starting at 1 and are never reused, so a stale id can
// never address a newer resource.
type Table[T any] struct {
	mu      sync.Mutex
	next    uint64
	entries map[uint64]T
}

// NewTable creates an empty Table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{entries: make(map[uint64]T)}
}

// Add stores v under a fresh id and returns the id.
func (t *Table[T]) Add(v T) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.entries[t.next] = v
	return t.next
}

// Get returns the resource stored under id.
func (t *Table[T]) Get(id uint64) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.entries[id]
	return v, ok
}

// Update applies fn to the resource stored under id and stores the result.
// It returns false without calling fn when id is not present, and whatever
// error fn returns otherwise.
func (t *Table[T]) Update(id uint64, fn func(T) (T, error)) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.entries[id]
	if !ok {
		return false, nil
	}
	nv, err := fn(v)
	if err != nil {
		return true, err
	}
	t.entries[id] = nv
	return true, nil
}

// Take removes the resource stored under id and returns it.
func (t *Table[T]) Take(id uint64) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return v, ok
}

// Len returns the number of live resources.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// LastID returns the most recently issued id, or 0 if none was issued.
func (t *Table[T]) LastID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next
}
