package cache

import (
	"context"
	"sort"
	"sync"
)

// MemoryStorage keeps generations in process memory.
// Entries are lost on restart; suitable for tests and single short-lived instances.
type MemoryStorage struct {
	mu          sync.RWMutex
	generations map[string]*memoryGeneration
}

type memoryGeneration struct {
	name    string
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemory creates an empty in-memory storage
func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		generations: make(map[string]*memoryGeneration),
	}
}

func (m *MemoryStorage) Open(_ context.Context, name string) (Generation, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	gen, ok := m.generations[name]
	if !ok {
		gen = &memoryGeneration{name: name, entries: make(map[string]*Entry)}
		m.generations[name] = gen
	}
	return gen, nil
}

func (m *MemoryStorage) Lookup(_ context.Context, name string) (Generation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	gen, ok := m.generations[name]
	if !ok {
		return nil, false, nil
	}
	return gen, true, nil
}

func (m *MemoryStorage) Names(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.generations))
	for name := range m.generations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.generations[name]; !ok {
		return false, nil
	}
	delete(m.generations, name)
	return true, nil
}

// Close is a no-op for memory storage
func (m *MemoryStorage) Close() error {
	return nil
}

func (g *memoryGeneration) Name() string {
	return g.name
}

func (g *memoryGeneration) Match(_ context.Context, key string) (*Entry, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	entry, ok := g.entries[key]
	if !ok {
		return nil, nil
	}
	return entry.Clone(), nil
}

func (g *memoryGeneration) Put(_ context.Context, key string, entry *Entry) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.entries[key] = entry.Clone()
	return nil
}
