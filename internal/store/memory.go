package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps generations in process memory. Contents are lost on restart.
type MemoryStore struct {
	mu          sync.RWMutex
	generations map[string]map[Fingerprint]*StoredResponse
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		generations: make(map[string]map[Fingerprint]*StoredResponse),
	}
}

func (s *MemoryStore) Open(_ context.Context, name string) (Generation, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, ok := s.generations[name]; !ok {
		s.generations[name] = make(map[Fingerprint]*StoredResponse)
	}
	s.mu.Unlock()

	return &memoryGeneration{store: s, name: name}, nil
}

func (s *MemoryStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	delete(s.generations, name)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	names := make([]string, 0, len(s.generations))
	for name := range s.generations {
		names = append(names, name)
	}
	s.mu.RUnlock()

	sort.Strings(names)
	return names, nil
}

// Len returns the number of entries in a generation.
func (s *MemoryStore) Len(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.generations[name])
}

type memoryGeneration struct {
	store *MemoryStore
	name  string
}

func (g *memoryGeneration) Name() string { return g.name }

func (g *memoryGeneration) Match(_ context.Context, fp Fingerprint) (*StoredResponse, bool, error) {
	g.store.mu.RLock()
	entry, ok := g.store.generations[g.name][fp]
	g.store.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	return entry.Clone(), true, nil
}

// Put fails with ErrGenerationRetired once the generation has been deleted;
// only Open creates a generation.
func (g *memoryGeneration) Put(_ context.Context, fp Fingerprint, resp *StoredResponse) error {
	entry := resp.Clone()

	g.store.mu.Lock()
	defer g.store.mu.Unlock()

	entries, ok := g.store.generations[g.name]
	if !ok {
		return ErrGenerationRetired
	}
	entries[fp] = entry
	return nil
}
