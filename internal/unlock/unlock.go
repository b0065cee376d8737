// Package unlock implements paid access to creator contact details. The
// first unlock of a (brand, creator) pair debits tokens and records the
// purchase; every later call returns the existing record without charging.
// The pair is unique at the storage level, so concurrent first unlocks
// charge exactly once.
package unlock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/crewledger/crewledger/internal/ledger"
	"github.com/crewledger/crewledger/internal/metrics"
	"github.com/crewledger/crewledger/internal/traces"
)

var ErrUnlockNotFound = errors.New("unlock not found")

// Record is one purchased unlock of a creator's contact details.
type Record struct {
	ID            string    `json:"id"`
	BrandID       string    `json:"brandId"`
	CreatorID     string    `json:"creatorId"`
	Tokens        int64     `json:"tokens"`
	TransactionID string    `json:"transactionId"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Store persists unlocks. Unlock must be atomic with the token debit: the
// record and the debit commit together, and a duplicate pair returns the
// existing record with charged=false.
type Store interface {
	Unlock(ctx context.Context, brandID, creatorID string, tokens int64) (rec *Record, charged bool, err error)
	Get(ctx context.Context, brandID, creatorID string) (*Record, error)
	ListByBrand(ctx context.Context, brandID string) ([]*Record, error)
}

// Service drives unlock purchases.
type Service struct {
	store  Store
	tokens int64 // cost per unlock
	logger *slog.Logger
}

// NewService creates the unlock service.
func NewService(store Store, tokens int64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, tokens: tokens, logger: logger}
}

// Unlock purchases (or returns the already purchased) access to a creator's
// contact details. Charged reports whether this call debited tokens.
func (s *Service) Unlock(ctx context.Context, brandID, creatorID string) (*Record, bool, error) {
	ctx, span := traces.StartSpan(ctx, "unlock.Unlock", traces.ActorID(brandID))
	defer span.End()

	rec, charged, err := s.store.Unlock(ctx, brandID, creatorID, s.tokens)
	if err != nil {
		return nil, false, err
	}
	if charged {
		metrics.TransactionsTotal.WithLabelValues(string(ledger.TypeCreatorUnlock), string(ledger.StatusCompleted)).Inc()
		s.logger.Info("creator unlocked", "brand", brandID, "creator", creatorID, "tokens", s.tokens)
	}
	return rec, charged, nil
}

// Unlocked reports whether the brand has already unlocked the creator.
func (s *Service) Unlocked(ctx context.Context, brandID, creatorID string) (bool, error) {
	_, err := s.store.Get(ctx, brandID, creatorID)
	if errors.Is(err, ErrUnlockNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List returns every unlock a brand has purchased.
func (s *Service) List(ctx context.Context, brandID string) ([]*Record, error) {
	return s.store.ListByBrand(ctx, brandID)
}
