package withdrawal

import (
	"context"
	"errors"
	"testing"

	"github.com/crewledger/crewledger/internal/idgen"
	"github.com/crewledger/crewledger/internal/testutil"
)

// Integration tests for the PostgreSQL account store. They require
// POSTGRES_URL and skip otherwise.

func pgAccounts(t *testing.T) *PostgresAccountStore {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	return NewPostgresAccountStore(db)
}

func pgAccount(t *testing.T, store *PostgresAccountStore, creatorID string, primary bool) *BankAccount {
	t.Helper()
	a := &BankAccount{
		ID:            idgen.WithPrefix("ba_"),
		CreatorID:     creatorID,
		HolderName:    "Test Holder",
		AccountNumber: "1234567890",
		IFSC:          "HDFC0001234",
		Status:        AccountPending,
		IsPrimary:     primary,
	}
	if err := store.Create(context.Background(), a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return a
}

func TestPostgresSetPrimaryDemotesAndPromotes(t *testing.T) {
	store := pgAccounts(t)
	ctx := context.Background()

	first := pgAccount(t, store, "creator_1", true)
	second := pgAccount(t, store, "creator_1", false)

	if err := store.SetPrimary(ctx, "creator_1", second.ID); err != nil {
		t.Fatalf("SetPrimary: %v", err)
	}

	accounts, err := store.ListByCreator(ctx, "creator_1")
	if err != nil {
		t.Fatalf("ListByCreator: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("accounts = %d, want 2", len(accounts))
	}
	// ListByCreator orders the primary account first.
	if accounts[0].ID != second.ID || !accounts[0].IsPrimary {
		t.Errorf("expected %s primary first, got %+v", second.ID, accounts[0])
	}
	if accounts[1].ID != first.ID || accounts[1].IsPrimary {
		t.Errorf("old primary not demoted: %+v", accounts[1])
	}

	if err := store.SetPrimary(ctx, "creator_1", "ba_missing"); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("SetPrimary on missing account: %v", err)
	}
	// A foreign account must not be promotable by another creator.
	if err := store.SetPrimary(ctx, "creator_2", first.ID); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("SetPrimary across creators: %v", err)
	}
}

func TestPostgresSetStatusReviewsOnce(t *testing.T) {
	store := pgAccounts(t)
	ctx := context.Background()

	a := pgAccount(t, store, "creator_1", true)

	if err := store.SetStatus(ctx, a.ID, AccountVerified); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	got, err := store.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != AccountVerified {
		t.Errorf("status = %s, want verified", got.Status)
	}
	if got.Last4 != "7890" {
		t.Errorf("last4 = %s, want 7890", got.Last4)
	}

	// The review is terminal; a second decision must not overwrite it.
	if err := store.SetStatus(ctx, a.ID, AccountRejected); !errors.Is(err, ErrAccountReviewed) {
		t.Errorf("second review: %v", err)
	}
	if err := store.SetStatus(ctx, "ba_missing", AccountVerified); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("review of missing account: %v", err)
	}
}
