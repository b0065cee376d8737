package catalog

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory catalogue for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	packages map[string]*Package
}

// NewMemoryStore creates a new in-memory catalogue store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{packages: make(map[string]*Package)}
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Package, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.packages[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, ErrPackageNotFound
}

func (m *MemoryStore) GetActive(ctx context.Context, id string) (*Package, error) {
	p, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, ErrPackageNotFound
	}
	return p, nil
}

func (m *MemoryStore) List(ctx context.Context, activeOnly bool) ([]*Package, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Package
	for _, p := range m.packages {
		if activeOnly && !p.Active {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out, nil
}

func (m *MemoryStore) Create(ctx context.Context, p *Package) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	cp := *p
	m.packages[p.ID] = &cp
	return nil
}
