package escrow

import (
	"context"
	"errors"
	"testing"

	"github.com/crewledger/crewledger/internal/ledger"
	"github.com/crewledger/crewledger/internal/payments"
)

func setup(t *testing.T) (*Service, *ledger.MemoryStore, *payments.Mock) {
	t.Helper()
	store := ledger.NewMemoryStore()
	store.RegisterBrand("brand_a")
	if _, err := store.GetOrCreateBrandWallet(context.Background(), "brand_a", nil); err != nil {
		t.Fatal(err)
	}
	gateway := payments.NewMock()
	return NewService(store, gateway, "INR", nil), store, gateway
}

func fund(t *testing.T, svc *Service, gateway *payments.Mock, brandID string, amount int64) {
	t.Helper()
	ctx := context.Background()
	res, err := svc.DepositInitiate(ctx, brandID, amount)
	if err != nil {
		t.Fatalf("DepositInitiate failed: %v", err)
	}
	if !res.RequiresPayment {
		return
	}
	sig := gateway.SignCheckout(res.OrderID, "pay_fund")
	if _, _, err := svc.DepositVerify(ctx, res.TransactionID, res.OrderID, "pay_fund", sig); err != nil {
		t.Fatalf("DepositVerify failed: %v", err)
	}
}

func TestDepositShortfallOnly(t *testing.T) {
	svc, store, gateway := setup(t)
	ctx := context.Background()

	fund(t, svc, gateway, "brand_a", 30000)
	w, _ := store.GetBrandWallet(ctx, "brand_a")
	if w.EscrowBalance != 30000 {
		t.Fatalf("escrow balance = %d, want 30000", w.EscrowBalance)
	}

	// Pool already covers 20000: no payment needed.
	res, err := svc.DepositInitiate(ctx, "brand_a", 20000)
	if err != nil {
		t.Fatal(err)
	}
	if res.RequiresPayment {
		t.Errorf("expected short-circuit, got %+v", res)
	}

	// Asking for 50000 charges only the 20000 shortfall.
	res, err = svc.DepositInitiate(ctx, "brand_a", 50000)
	if err != nil {
		t.Fatal(err)
	}
	if !res.RequiresPayment || res.Shortfall != 20000 || res.Amount != 20000 {
		t.Errorf("shortfall order wrong: %+v", res)
	}
	if got := gateway.Order(res.OrderID); got == nil || got.Amount != 20000 {
		t.Errorf("gateway order = %+v", got)
	}
}

func TestDepositVerifyCreditsAvailableOnly(t *testing.T) {
	svc, store, gateway := setup(t)
	ctx := context.Background()

	res, err := svc.DepositInitiate(ctx, "brand_a", 10000)
	if err != nil {
		t.Fatal(err)
	}
	sig := gateway.SignCheckout(res.OrderID, "pay_1")
	txn, w, err := svc.DepositVerify(ctx, res.TransactionID, res.OrderID, "pay_1", sig)
	if err != nil {
		t.Fatalf("DepositVerify failed: %v", err)
	}
	if w.EscrowBalance != 10000 || w.EscrowOnHold != 0 {
		t.Errorf("wallet after deposit: %+v", w)
	}
	if txn.BalanceAfter != 10000 || txn.Type != ledger.TypeEscrowDeposit {
		t.Errorf("deposit row = %+v", txn)
	}

	// Replay does not double-credit.
	if _, _, err := svc.DepositVerify(ctx, res.TransactionID, res.OrderID, "pay_1", sig); !errors.Is(err, ledger.ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}
	w2, _ := store.GetBrandWallet(ctx, "brand_a")
	if w2.EscrowBalance != 10000 {
		t.Errorf("replay credited escrow: %d", w2.EscrowBalance)
	}
}

func TestDepositVerifyBadSignature(t *testing.T) {
	svc, store, _ := setup(t)
	ctx := context.Background()

	res, err := svc.DepositInitiate(ctx, "brand_a", 10000)
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := svc.DepositVerify(ctx, res.TransactionID, res.OrderID, "pay_1", "forged"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	failed, _ := store.GetTransaction(ctx, ledger.ActorBrand, res.TransactionID)
	if failed.Status != ledger.StatusFailed {
		t.Errorf("bad signature should fail the row, got %s", failed.Status)
	}
}

func TestHoldReleaseRefundLifecycle(t *testing.T) {
	svc, store, gateway := setup(t)
	ctx := context.Background()
	fund(t, svc, gateway, "brand_a", 50000)
	if _, err := store.GetOrCreateCreatorWallet(ctx, "creator_1", "INR"); err != nil {
		t.Fatal(err)
	}

	if _, _, err := svc.Hold(ctx, "brand_a", "camp_1", 30000); err != nil {
		t.Fatalf("Hold failed: %v", err)
	}

	// Hold beyond the available pool fails even though on-hold has funds.
	if _, _, err := svc.Hold(ctx, "brand_a", "camp_2", 20001); !errors.Is(err, ledger.ErrInsufficientEscrow) {
		t.Fatalf("expected ErrInsufficientEscrow, got %v", err)
	}

	res, err := svc.Release(ctx, ledger.ReleaseParams{
		BrandID: "brand_a", CreatorID: "creator_1",
		CampaignID: "camp_1", ApplicationID: "app_1", Amount: 18000,
	})
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if res.Brand.EscrowOnHold != 12000 || res.Creator.Balance != 18000 {
		t.Errorf("after release: onHold=%d creator=%d", res.Brand.EscrowOnHold, res.Creator.Balance)
	}

	// Release beyond the remaining hold fails.
	_, err = svc.Release(ctx, ledger.ReleaseParams{
		BrandID: "brand_a", CreatorID: "creator_1",
		CampaignID: "camp_1", ApplicationID: "app_2", Amount: 12001,
	})
	if !errors.Is(err, ledger.ErrInsufficientHold) {
		t.Fatalf("expected ErrInsufficientHold, got %v", err)
	}

	// Refund the rest back to the available pool.
	_, w, err := svc.Refund(ctx, "brand_a", "camp_1", 12000, "campaign ended early")
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if w.EscrowOnHold != 0 || w.EscrowBalance != 32000 {
		t.Errorf("after refund: %+v", w)
	}
	if w.TotalEscrowDeposited != 50000 || w.TotalEscrowReleased != 18000 || w.TotalEscrowRefunded != 12000 {
		t.Errorf("lifetime counters: %+v", w)
	}
}

// depositFailStore simulates the crediting transaction rolling back.
type depositFailStore struct {
	ledger.Store
	err error
}

func (s *depositFailStore) CompleteEscrowDeposit(ctx context.Context, txnID, paymentRef string) (*ledger.Transaction, *ledger.BrandWallet, error) {
	return nil, nil, s.err
}

func TestDepositVerifyCreditFailureMarksFailed(t *testing.T) {
	svc, store, gateway := setup(t)
	ctx := context.Background()

	res, err := svc.DepositInitiate(ctx, "brand_a", 10000)
	if err != nil {
		t.Fatal(err)
	}

	svc.store = &depositFailStore{Store: store, err: errors.New("storage offline")}

	sig := gateway.SignCheckout(res.OrderID, "pay_1")
	if _, _, err := svc.DepositVerify(ctx, res.TransactionID, res.OrderID, "pay_1", sig); err == nil {
		t.Fatal("expected crediting error to propagate")
	}

	// The pending row must not linger: the fail-mark is a separate write.
	row, err := store.GetTransaction(ctx, ledger.ActorBrand, res.TransactionID)
	if err != nil {
		t.Fatal(err)
	}
	if row.Status != ledger.StatusFailed {
		t.Errorf("row status = %s, want %s", row.Status, ledger.StatusFailed)
	}
	if row.FailureReason == "" {
		t.Error("failure reason not recorded")
	}
	w, _ := store.GetBrandWallet(ctx, "brand_a")
	if w.EscrowBalance != 0 {
		t.Errorf("escrow credited despite failure: %d", w.EscrowBalance)
	}
}

func TestWebhookAfterVerifyIsNoop(t *testing.T) {
	svc, store, gateway := setup(t)
	ctx := context.Background()

	res, err := svc.DepositInitiate(ctx, "brand_a", 10000)
	if err != nil {
		t.Fatal(err)
	}
	sig := gateway.SignCheckout(res.OrderID, "pay_1")
	if _, _, err := svc.DepositVerify(ctx, res.TransactionID, res.OrderID, "pay_1", sig); err != nil {
		t.Fatal(err)
	}

	body := []byte(`{"event":"payment.captured","payload":{"orderId":"` + res.OrderID +
		`","paymentId":"pay_1","notes":{"transactionId":"` + res.TransactionID + `","flow":"escrow_deposit"}}}`)
	if err := svc.HandleWebhook(ctx, body, gateway.SignWebhook(body)); err != nil {
		t.Fatalf("webhook replay should be silent, got %v", err)
	}

	w, _ := store.GetBrandWallet(ctx, "brand_a")
	if w.EscrowBalance != 10000 {
		t.Errorf("webhook double-credited: %d", w.EscrowBalance)
	}
}
