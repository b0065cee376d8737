package withdrawal

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryAccountStore is an in-memory AccountStore for demo mode and tests.
type MemoryAccountStore struct {
	mu       sync.RWMutex
	accounts map[string]*BankAccount
}

// NewMemoryAccountStore creates a new in-memory account store.
func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{accounts: make(map[string]*BankAccount)}
}

func copyAccount(a *BankAccount) *BankAccount {
	cp := *a
	return &cp
}

func (m *MemoryAccountStore) Create(ctx context.Context, a *BankAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now
	m.accounts[a.ID] = copyAccount(a)
	return nil
}

func (m *MemoryAccountStore) Get(ctx context.Context, id string) (*BankAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.accounts[id]; ok {
		return copyAccount(a), nil
	}
	return nil, ErrAccountNotFound
}

func (m *MemoryAccountStore) ListByCreator(ctx context.Context, creatorID string) ([]*BankAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*BankAccount
	for _, a := range m.accounts {
		if a.CreatorID == creatorID {
			out = append(out, copyAccount(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsPrimary != out[j].IsPrimary {
			return out[i].IsPrimary
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryAccountStore) SetPrimary(ctx context.Context, creatorID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.accounts[id]
	if !ok || target.CreatorID != creatorID {
		return ErrAccountNotFound
	}
	for _, a := range m.accounts {
		if a.CreatorID == creatorID {
			a.IsPrimary = false
		}
	}
	target.IsPrimary = true
	target.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryAccountStore) SetStatus(ctx context.Context, id string, status AccountStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	if a.Status != AccountPending {
		return ErrAccountReviewed
	}
	a.Status = status
	a.UpdatedAt = time.Now()
	return nil
}
