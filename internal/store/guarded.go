package store

import (
	"context"
	"sync"
)

// Guarded serializes writes against deletion, per generation. A Put holds
// the generation's read lock for its whole duration; Delete takes the write
// lock, so it starts only after every in-flight Put has finished, and marks
// the generation retired so later Puts are refused instead of resurrecting
// entries. Reads are not guarded.
type Guarded struct {
	inner Store

	mu     sync.Mutex
	guards map[string]*generationGuard
}

type generationGuard struct {
	mu      sync.RWMutex
	retired bool
}

// NewGuarded wraps inner with per-generation write/delete serialization.
func NewGuarded(inner Store) *Guarded {
	return &Guarded{
		inner:  inner,
		guards: make(map[string]*generationGuard),
	}
}

func (s *Guarded) guard(name string) *generationGuard {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.guards[name]
	if !ok {
		g = &generationGuard{}
		s.guards[name] = g
	}
	return g
}

// Open opens the generation and clears any retired mark left by an
// earlier Delete of the same name.
func (s *Guarded) Open(ctx context.Context, name string) (Generation, error) {
	g := s.guard(name)

	g.mu.Lock()
	defer g.mu.Unlock()

	gen, err := s.inner.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	g.retired = false

	return &guardedGeneration{inner: gen, guard: g}, nil
}

func (s *Guarded) Delete(ctx context.Context, name string) error {
	g := s.guard(name)

	g.mu.Lock()
	defer g.mu.Unlock()

	g.retired = true
	return s.inner.Delete(ctx, name)
}

func (s *Guarded) List(ctx context.Context) ([]string, error) {
	return s.inner.List(ctx)
}

type guardedGeneration struct {
	inner Generation
	guard *generationGuard
}

func (g *guardedGeneration) Name() string { return g.inner.Name() }

func (g *guardedGeneration) Match(ctx context.Context, fp Fingerprint) (*StoredResponse, bool, error) {
	return g.inner.Match(ctx, fp)
}

func (g *guardedGeneration) Put(ctx context.Context, fp Fingerprint, resp *StoredResponse) error {
	g.guard.mu.RLock()
	defer g.guard.mu.RUnlock()

	if g.guard.retired {
		return ErrGenerationRetired
	}
	return g.inner.Put(ctx, fp, resp)
}
