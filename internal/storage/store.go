package storage

import (
	"errors"
	"sync"

	"golang.org/x/exp/slices"
)

// ErrFormulaNotFound is returned when no formula is stored for an originator.
var ErrFormulaNotFound = errors.New("storage: formula not found")

// Store keeps the raw DIMACS bytes of every formula a node works on, keyed
// by the id of the node that originated it. Only the originator sends its
// formula to peers; a peer keeps the copy it received until the context
// is removed.
// All implementations must be thread-safe for concurrent access.
type Store interface {
	// Get retrieves the formula of an originator.
	// Returns ErrFormulaNotFound if none is stored.
	Get(originator int64) ([]byte, error)

	// Put stores a formula, replacing any previous one.
	Put(originator int64, formula []byte) error

	// Delete removes a formula.
	// No error if none is stored.
	Delete(originator int64) error

	// List returns the originators with a stored formula in ascending order.
	List() []int64

	// Stats returns storage statistics.
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Formulas int `json:"formulas"` // Number of stored formulas
	Bytes    int `json:"bytes"`    // Total size of all formulas in bytes
}

// MemoryStore implements Store with in-memory storage
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu   sync.RWMutex     // Protects concurrent access
	data map[int64][]byte // Formula bytes per originator
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[int64][]byte),
	}
}

// Get retrieves a formula.
// The returned slice is shared and must not be modified; formulas are
// immutable once stored.
func (m *MemoryStore) Get(originator int64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.data[originator]
	if !exists {
		return nil, ErrFormulaNotFound
	}
	return value, nil
}

// Put stores a formula
// Makes a copy of the value to prevent external modification
func (m *MemoryStore) Put(originator int64, formula []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(formula))
	copy(stored, formula)
	m.data[originator] = stored
	return nil
}

// Delete removes a formula
// No error if it doesn't exist (idempotent)
func (m *MemoryStore) Delete(originator int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, originator)
	return nil
}

// List returns all originators in ascending order
func (m *MemoryStore) List() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]int64, 0, len(m.data))
	for key := range m.data {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totalBytes := 0
	for _, value := range m.data {
		totalBytes += len(value)
	}

	return StoreStats{
		Formulas: len(m.data),
		Bytes:    totalBytes,
	}
}
