package unlock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/crewledger/crewledger/internal/idgen"
	"github.com/crewledger/crewledger/internal/ledger"
)

// MemoryStore is an in-memory Store for demo mode and tests. The token
// debit is delegated to the ledger store; the pair check and the debit run
// under one mutex hold, which is as atomic as demo mode needs to be.
type MemoryStore struct {
	mu      sync.Mutex
	ledger  ledger.Store
	records map[string]*Record // key brandID|creatorID
}

// NewMemoryStore creates a new in-memory unlock store.
func NewMemoryStore(ls ledger.Store) *MemoryStore {
	return &MemoryStore{ledger: ls, records: make(map[string]*Record)}
}

func key(brandID, creatorID string) string {
	return brandID + "|" + creatorID
}

func (m *MemoryStore) Unlock(ctx context.Context, brandID, creatorID string, tokens int64) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[key(brandID, creatorID)]; ok {
		cp := *rec
		return &cp, false, nil
	}

	txn, _, err := m.ledger.DebitTokens(ctx, brandID, tokens,
		ledger.TypeCreatorUnlock, ledger.Reference{Type: "creator", ID: creatorID}, "contact unlock")
	if err != nil {
		return nil, false, err
	}

	rec := &Record{
		ID:            idgen.WithPrefix("unl_"),
		BrandID:       brandID,
		CreatorID:     creatorID,
		Tokens:        tokens,
		TransactionID: txn.ID,
		CreatedAt:     time.Now(),
	}
	m.records[key(brandID, creatorID)] = rec
	cp := *rec
	return &cp, true, nil
}

func (m *MemoryStore) Get(ctx context.Context, brandID, creatorID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[key(brandID, creatorID)]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, ErrUnlockNotFound
}

func (m *MemoryStore) ListByBrand(ctx context.Context, brandID string) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Record
	for _, rec := range m.records {
		if rec.BrandID == brandID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
