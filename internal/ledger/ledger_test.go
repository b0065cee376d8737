package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crewledger/crewledger/internal/idgen"
	"github.com/crewledger/crewledger/internal/pagination"
)

func newBrandWallet(t *testing.T, store *MemoryStore, brandID string, trial *TrialCredit) *BrandWallet {
	t.Helper()
	store.RegisterBrand(brandID)
	w, err := store.GetOrCreateBrandWallet(context.Background(), brandID, trial)
	if err != nil {
		t.Fatalf("GetOrCreateBrandWallet failed: %v", err)
	}
	return w
}

func depositEscrow(t *testing.T, store *MemoryStore, brandID string, amount int64) {
	t.Helper()
	ctx := context.Background()
	txn := &Transaction{
		ID:        idgen.WithPrefix("txn_"),
		ActorID:   brandID,
		ActorKind: ActorBrand,
		Type:      TypeEscrowDeposit,
		Amount:    amount,
		Unit:      UnitCurrency,
		OrderRef:  "order_" + idgen.Hex(8),
	}
	if err := store.CreatePending(ctx, txn); err != nil {
		t.Fatalf("CreatePending failed: %v", err)
	}
	if _, _, err := store.CompleteEscrowDeposit(ctx, txn.ID, "pay_"+idgen.Hex(8)); err != nil {
		t.Fatalf("CompleteEscrowDeposit failed: %v", err)
	}
}

func TestBrandWalletRequiresBrand(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.GetOrCreateBrandWallet(context.Background(), "brand_ghost", nil)
	if !errors.Is(err, ErrNoBrandLinked) {
		t.Fatalf("expected ErrNoBrandLinked, got %v", err)
	}
}

func TestTrialCreditOnFirstAccess(t *testing.T) {
	store := NewMemoryStore()
	trial := &TrialCredit{
		Snapshot: PackageSnapshot{Version: SnapshotVersion, PackageID: "pkg_trial", Name: "Trial", Tokens: 10, PackageType: "topup"},
		Tokens:   10,
	}

	w := newBrandWallet(t, store, "brand_a", trial)
	if w.TokenBalance != 10 || w.TotalTokensCredited != 10 {
		t.Errorf("trial not credited: %+v", w)
	}

	// Second access must not credit again.
	w2, err := store.GetOrCreateBrandWallet(context.Background(), "brand_a", trial)
	if err != nil {
		t.Fatalf("second access failed: %v", err)
	}
	if w2.TokenBalance != 10 {
		t.Errorf("trial credited twice: balance = %d", w2.TokenBalance)
	}

	txns, err := store.List(context.Background(), Filter{ActorKind: ActorBrand, ActorID: "brand_a"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(txns) != 1 || txns[0].Type != TypeTokenCredit || txns[0].Package == nil {
		t.Errorf("expected one token_credit row with snapshot, got %+v", txns)
	}
}

func TestCompleteTokenCreditOnce(t *testing.T) {
	store := NewMemoryStore()
	newBrandWallet(t, store, "brand_a", nil)
	ctx := context.Background()

	txn := &Transaction{
		ID:        "txn_pending1",
		ActorID:   "brand_a",
		ActorKind: ActorBrand,
		Type:      TypeTokenCredit,
		Amount:    4999,
		Unit:      UnitCurrency,
		OrderRef:  "order_abc",
		Package: &PackageSnapshot{
			Version: SnapshotVersion, PackageID: "pkg_starter", Name: "Starter",
			Tokens: 50, PackageType: "subscription", ValidityDays: 30,
		},
	}
	if err := store.CreatePending(ctx, txn); err != nil {
		t.Fatalf("CreatePending failed: %v", err)
	}

	done, w, err := store.CompleteTokenCredit(ctx, "txn_pending1", "pay_1")
	if err != nil {
		t.Fatalf("CompleteTokenCredit failed: %v", err)
	}
	if w.TokenBalance != 50 {
		t.Errorf("token balance = %d, want 50", w.TokenBalance)
	}
	if done.BalanceAfter != 50 || done.Status != StatusCompleted || done.PaymentRef != "pay_1" {
		t.Errorf("completed row wrong: %+v", done)
	}
	if w.CurrentPackageID != "pkg_starter" || w.PackageExpiresAt == nil {
		t.Errorf("subscription tier not applied: %+v", w)
	}

	// Replay (webhook after verify) must not credit again.
	_, _, err = store.CompleteTokenCredit(ctx, "txn_pending1", "pay_1")
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed on replay, got %v", err)
	}
	w2, _ := store.GetBrandWallet(ctx, "brand_a")
	if w2.TokenBalance != 50 {
		t.Errorf("replay credited tokens: balance = %d", w2.TokenBalance)
	}
}

func TestCompleteTokenCreditRequiresSnapshot(t *testing.T) {
	store := NewMemoryStore()
	newBrandWallet(t, store, "brand_a", nil)
	ctx := context.Background()

	// A pending token_credit without its package snapshot is malformed and
	// must not credit anything.
	txn := &Transaction{
		ID:        "txn_nosnap",
		ActorID:   "brand_a",
		ActorKind: ActorBrand,
		Type:      TypeTokenCredit,
		Amount:    4999,
		Unit:      UnitCurrency,
		OrderRef:  "order_nosnap",
	}
	if err := store.CreatePending(ctx, txn); err != nil {
		t.Fatalf("CreatePending failed: %v", err)
	}

	if _, _, err := store.CompleteTokenCredit(ctx, "txn_nosnap", "pay_1"); err == nil {
		t.Fatal("expected error for missing package snapshot")
	}
	w, _ := store.GetBrandWallet(ctx, "brand_a")
	if w.TokenBalance != 0 {
		t.Errorf("tokens credited from malformed row: %d", w.TokenBalance)
	}
}

func TestEscrowHoldInsufficient(t *testing.T) {
	store := NewMemoryStore()
	newBrandWallet(t, store, "brand_a", nil)
	depositEscrow(t, store, "brand_a", 10000)

	_, _, err := store.EscrowHold(context.Background(), "brand_a", "camp_1", 10001)
	if !errors.Is(err, ErrInsufficientEscrow) {
		t.Fatalf("expected ErrInsufficientEscrow, got %v", err)
	}

	w, _ := store.GetBrandWallet(context.Background(), "brand_a")
	if w.EscrowBalance != 10000 || w.EscrowOnHold != 0 {
		t.Errorf("failed hold mutated wallet: %+v", w)
	}
}

func TestEscrowReleaseConservation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newBrandWallet(t, store, "brand_a", nil)
	depositEscrow(t, store, "brand_a", 50000)

	if _, err := store.GetOrCreateCreatorWallet(ctx, "creator_1", "INR"); err != nil {
		t.Fatalf("creator wallet: %v", err)
	}
	if _, _, err := store.EscrowHold(ctx, "brand_a", "camp_1", 30000); err != nil {
		t.Fatalf("EscrowHold failed: %v", err)
	}

	res, err := store.EscrowRelease(ctx, ReleaseParams{
		BrandID: "brand_a", CreatorID: "creator_1",
		CampaignID: "camp_1", ApplicationID: "app_1", Amount: 20000,
	})
	if err != nil {
		t.Fatalf("EscrowRelease failed: %v", err)
	}

	// Brand loses exactly what the creator gains.
	if res.Brand.EscrowOnHold != 10000 {
		t.Errorf("on-hold = %d, want 10000", res.Brand.EscrowOnHold)
	}
	if res.Creator.Balance != 20000 || res.Creator.TotalEarnings != 20000 {
		t.Errorf("creator wallet = %+v", res.Creator)
	}
	if res.BrandTxn.Amount != -20000 || res.CreatorTxn.Amount != 20000 {
		t.Errorf("amounts not opposite: brand %d creator %d", res.BrandTxn.Amount, res.CreatorTxn.Amount)
	}
	if res.BrandTxn.BalanceAfter != 10000 {
		t.Errorf("brand balance_after = %d, want on-hold 10000", res.BrandTxn.BalanceAfter)
	}
	if res.CreatorTxn.Type != TypeCampaignEarning || res.CreatorTxn.Reference.ID != "app_1" {
		t.Errorf("creator row = %+v", res.CreatorTxn)
	}

	// Release beyond remaining hold fails even though escrow_balance has funds.
	_, err = store.EscrowRelease(ctx, ReleaseParams{
		BrandID: "brand_a", CreatorID: "creator_1",
		CampaignID: "camp_1", ApplicationID: "app_2", Amount: 10001,
	})
	if !errors.Is(err, ErrInsufficientHold) {
		t.Fatalf("expected ErrInsufficientHold, got %v", err)
	}
}

func TestEscrowHoldRefundRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newBrandWallet(t, store, "brand_a", nil)
	depositEscrow(t, store, "brand_a", 25000)

	if _, _, err := store.EscrowHold(ctx, "brand_a", "camp_1", 25000); err != nil {
		t.Fatalf("EscrowHold failed: %v", err)
	}
	txn, w, err := store.EscrowRefund(ctx, "brand_a", "camp_1", 25000, "campaign cancelled")
	if err != nil {
		t.Fatalf("EscrowRefund failed: %v", err)
	}

	if w.EscrowBalance != 25000 || w.EscrowOnHold != 0 {
		t.Errorf("round trip did not restore pools: %+v", w)
	}
	if w.TotalEscrowRefunded != 25000 {
		t.Errorf("total_escrow_refunded = %d", w.TotalEscrowRefunded)
	}
	if txn.Amount != 25000 || txn.Notes != "campaign cancelled" {
		t.Errorf("refund row = %+v", txn)
	}
}

func TestWithdrawReserveSettle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, err := store.GetOrCreateCreatorWallet(ctx, "creator_1", "INR"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.AdjustCreatorBalance(ctx, "creator_1", 10000, TypeCampaignEarning, Reference{}, ""); err != nil {
		t.Fatal(err)
	}

	txn, w, err := store.WithdrawReserve(ctx, "creator_1", "bank_1", 6000)
	if err != nil {
		t.Fatalf("WithdrawReserve failed: %v", err)
	}
	if w.Balance != 4000 || w.PendingBalance != 6000 {
		t.Errorf("after reserve: %+v", w)
	}
	if txn.Status != StatusPending || txn.Amount != -6000 || txn.BalanceAfter != 4000 {
		t.Errorf("reservation row = %+v", txn)
	}

	// A second reservation cannot touch the reserved funds.
	if _, _, err := store.WithdrawReserve(ctx, "creator_1", "bank_1", 4001); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	done, w2, err := store.WithdrawSettle(ctx, txn.ID, "utr_123")
	if err != nil {
		t.Fatalf("WithdrawSettle failed: %v", err)
	}
	if w2.Balance != 4000 || w2.PendingBalance != 0 || w2.TotalWithdrawals != 6000 {
		t.Errorf("after settle: %+v", w2)
	}
	if done.Status != StatusCompleted || done.PaymentRef != "utr_123" {
		t.Errorf("settled row = %+v", done)
	}

	// The reservation resolves exactly once.
	if _, _, err := store.WithdrawSettle(ctx, txn.ID, "utr_123"); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}
	if _, _, err := store.WithdrawReverse(ctx, txn.ID, "late failure"); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed after settle, got %v", err)
	}
}

func TestWithdrawReverseRestoresBalance(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, err := store.GetOrCreateCreatorWallet(ctx, "creator_1", "INR"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.AdjustCreatorBalance(ctx, "creator_1", 10000, TypeCampaignEarning, Reference{}, ""); err != nil {
		t.Fatal(err)
	}

	txn, _, err := store.WithdrawReserve(ctx, "creator_1", "bank_1", 5000)
	if err != nil {
		t.Fatal(err)
	}

	failed, w, err := store.WithdrawReverse(ctx, txn.ID, "bank transfer rejected")
	if err != nil {
		t.Fatalf("WithdrawReverse failed: %v", err)
	}
	if w.Balance != 10000 || w.PendingBalance != 0 {
		t.Errorf("reversal did not restore balance: %+v", w)
	}
	if w.TotalWithdrawals != 0 {
		t.Errorf("reversed withdrawal counted in totals: %d", w.TotalWithdrawals)
	}
	if failed.Status != StatusFailed || failed.FailureReason != "bank transfer rejected" {
		t.Errorf("reversed row = %+v", failed)
	}
	if failed.BalanceAfter != 10000 {
		t.Errorf("balance_after = %d, want restored 10000", failed.BalanceAfter)
	}
}

func TestDebitTokens(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	trial := &TrialCredit{Snapshot: PackageSnapshot{Version: SnapshotVersion, PackageID: "pkg_trial", Tokens: 5, PackageType: "topup"}, Tokens: 5}
	newBrandWallet(t, store, "brand_a", trial)

	txn, w, err := store.DebitTokens(ctx, "brand_a", 2, TypeCreatorUnlock, Reference{Type: "creator", ID: "creator_1"}, "")
	if err != nil {
		t.Fatalf("DebitTokens failed: %v", err)
	}
	if w.TokenBalance != 3 || w.TotalTokensDebited != 2 {
		t.Errorf("after debit: %+v", w)
	}
	if txn.Amount != -2 || txn.Unit != UnitToken || txn.BalanceAfter != 3 {
		t.Errorf("debit row = %+v", txn)
	}

	if _, _, err := store.DebitTokens(ctx, "brand_a", 4, TypeCreatorUnlock, Reference{}, ""); !errors.Is(err, ErrInsufficientTokens) {
		t.Fatalf("expected ErrInsufficientTokens, got %v", err)
	}
}

func TestGift(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"creator_1", "creator_2"} {
		if _, err := store.GetOrCreateCreatorWallet(ctx, id, "INR"); err != nil {
			t.Fatal(err)
		}
	}
	if _, _, err := store.AdjustCreatorBalance(ctx, "creator_1", 1000, TypeCampaignEarning, Reference{}, ""); err != nil {
		t.Fatal(err)
	}

	svc := NewService(store, "INR", nil)
	res, err := svc.Gift(ctx, "creator_1", "creator_2", 300, "thanks")
	if err != nil {
		t.Fatalf("Gift failed: %v", err)
	}
	if res.Sender.Balance != 700 || res.Recipient.Balance != 300 {
		t.Errorf("balances after gift: sender %d recipient %d", res.Sender.Balance, res.Recipient.Balance)
	}
	if res.SentTxn.Reference.ID != "creator_2" || res.ReceivedTxn.Reference.ID != "creator_1" {
		t.Errorf("gift rows not cross-referenced: %+v %+v", res.SentTxn, res.ReceivedTxn)
	}

	if _, err := svc.Gift(ctx, "creator_1", "creator_1", 100, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("self-gift should fail, got %v", err)
	}
	if _, err := svc.Gift(ctx, "creator_1", "creator_2", 0, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero gift should fail, got %v", err)
	}
}

func TestFailTransactionIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newBrandWallet(t, store, "brand_a", nil)

	txn := &Transaction{ID: "txn_p", ActorID: "brand_a", ActorKind: ActorBrand, Type: TypeTokenCredit, Amount: 100, Unit: UnitCurrency, OrderRef: "order_x"}
	if err := store.CreatePending(ctx, txn); err != nil {
		t.Fatal(err)
	}

	if err := store.FailTransaction(ctx, ActorBrand, "txn_p", "signature mismatch"); err != nil {
		t.Fatalf("FailTransaction failed: %v", err)
	}
	got, _ := store.GetTransaction(ctx, ActorBrand, "txn_p")
	if got.Status != StatusFailed || got.FailureReason != "signature mismatch" {
		t.Errorf("failed row = %+v", got)
	}

	// Terminal rows are untouched on repeat.
	if err := store.FailTransaction(ctx, ActorBrand, "txn_p", "other reason"); err != nil {
		t.Fatalf("repeat FailTransaction errored: %v", err)
	}
	got, _ = store.GetTransaction(ctx, ActorBrand, "txn_p")
	if got.FailureReason != "signature mismatch" {
		t.Errorf("terminal row mutated: %+v", got)
	}

	// Completion after failure must not credit.
	if _, _, err := store.CompleteTokenCredit(ctx, "txn_p", "pay_1"); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}
}

func TestTransactionsPagination(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, err := store.GetOrCreateCreatorWallet(ctx, "creator_1", "INR"); err != nil {
		t.Fatal(err)
	}

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		txn := &Transaction{
			ID:        idgen.WithPrefix("txn_"),
			ActorID:   "creator_1",
			ActorKind: ActorCreator,
			Type:      TypeCampaignEarning,
			Amount:    int64(100 + i),
			Unit:      UnitCurrency,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.CreatePending(ctx, txn); err != nil {
			t.Fatal(err)
		}
	}

	svc := NewService(store, "INR", nil)
	page1, next, more, err := svc.Transactions(ctx, Filter{ActorKind: ActorCreator, ActorID: "creator_1", Limit: 2})
	if err != nil {
		t.Fatalf("Transactions failed: %v", err)
	}
	if len(page1) != 2 || !more || next == "" {
		t.Fatalf("page1: len=%d more=%v next=%q", len(page1), more, next)
	}
	if page1[0].Amount != 104 {
		t.Errorf("newest first expected, got amount %d", page1[0].Amount)
	}

	cur, err := pagination.Decode(next)
	if err != nil {
		t.Fatalf("decode cursor: %v", err)
	}
	page2, _, _, err := svc.Transactions(ctx, Filter{ActorKind: ActorCreator, ActorID: "creator_1", Limit: 2, Cursor: cur})
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 2 || page2[0].Amount != 102 {
		t.Errorf("page2 wrong: %+v", page2)
	}
}
