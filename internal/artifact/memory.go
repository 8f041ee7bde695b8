package artifact

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps artifacts in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Artifact
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Artifact)}
}

func (s *MemoryStore) Put(_ context.Context, a *Artifact) (string, error) {
	assignRef(a)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[a.Ref] = *a
	return a.Ref, nil
}

func (s *MemoryStore) Get(_ context.Context, ref string) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.items[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return &a, nil
}

// Len returns the number of stored artifacts.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
