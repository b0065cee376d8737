package recharge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/crewledger/crewledger/internal/catalog"
	"github.com/crewledger/crewledger/internal/ledger"
	"github.com/crewledger/crewledger/internal/payments"
)

func setup(t *testing.T) (*Service, *ledger.MemoryStore, *payments.Mock) {
	t.Helper()
	store := ledger.NewMemoryStore()
	store.RegisterBrand("brand_a")

	cat := catalog.NewMemoryStore()
	if err := cat.Create(context.Background(), &catalog.Package{
		ID:             "pkg_starter",
		Name:           "Starter",
		TokensIncluded: 50,
		Price:          4999,
		ValidityDays:   30,
		Type:           catalog.TypeSubscription,
		Active:         true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := cat.Create(context.Background(), &catalog.Package{
		ID: "pkg_free", Name: "Free", TokensIncluded: 5, Price: 0,
		Type: catalog.TypeTopup, Active: true,
	}); err != nil {
		t.Fatal(err)
	}

	gateway := payments.NewMock()
	return NewService(store, cat, gateway, "INR", nil), store, gateway
}

func TestInitiate(t *testing.T) {
	svc, store, gateway := setup(t)
	ctx := context.Background()

	res, err := svc.Initiate(ctx, "brand_a", "pkg_starter")
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if res.Amount != 4999 || res.Tokens != 50 || res.OrderID == "" {
		t.Errorf("unexpected result %+v", res)
	}
	if gateway.Order(res.OrderID) == nil {
		t.Error("order not created at gateway")
	}

	pending, err := store.GetTransaction(ctx, ledger.ActorBrand, res.TransactionID)
	if err != nil {
		t.Fatalf("pending transaction missing: %v", err)
	}
	if pending.Status != ledger.StatusPending || pending.OrderRef != res.OrderID {
		t.Errorf("pending row = %+v", pending)
	}
	if pending.Package == nil || pending.Package.Tokens != 50 || pending.Package.PackageType != "subscription" {
		t.Errorf("package snapshot = %+v", pending.Package)
	}

	// No tokens before verification.
	w, err := store.GetBrandWallet(ctx, "brand_a")
	if err != nil {
		t.Fatal(err)
	}
	if w.TokenBalance != 0 {
		t.Errorf("tokens credited before verify: %d", w.TokenBalance)
	}
}

func TestInitiateRejections(t *testing.T) {
	svc, _, gateway := setup(t)
	ctx := context.Background()

	if _, err := svc.Initiate(ctx, "brand_a", "pkg_missing"); !errors.Is(err, catalog.ErrPackageNotFound) {
		t.Errorf("expected ErrPackageNotFound, got %v", err)
	}
	if _, err := svc.Initiate(ctx, "brand_a", "pkg_free"); !errors.Is(err, ErrFreePackage) {
		t.Errorf("expected ErrFreePackage, got %v", err)
	}
	if _, err := svc.Initiate(ctx, "brand_unknown", "pkg_starter"); !errors.Is(err, ledger.ErrNoBrandLinked) {
		t.Errorf("expected ErrNoBrandLinked, got %v", err)
	}

	gateway.FailNext(errors.New("gateway down"))
	if _, err := svc.Initiate(ctx, "brand_a", "pkg_starter"); err == nil {
		t.Error("expected error when gateway order creation fails")
	}
}

func TestVerifyCreditsOnce(t *testing.T) {
	svc, store, gateway := setup(t)
	ctx := context.Background()

	res, err := svc.Initiate(ctx, "brand_a", "pkg_starter")
	if err != nil {
		t.Fatal(err)
	}

	sig := gateway.SignCheckout(res.OrderID, "pay_1")
	txn, wallet, err := svc.Verify(ctx, res.TransactionID, res.OrderID, "pay_1", sig)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if wallet.TokenBalance != 50 {
		t.Errorf("token balance = %d, want 50", wallet.TokenBalance)
	}
	if txn.Status != ledger.StatusCompleted || txn.PaymentRef != "pay_1" {
		t.Errorf("completed row = %+v", txn)
	}
	if wallet.CurrentPackageID != "pkg_starter" || wallet.PackageExpiresAt == nil {
		t.Errorf("subscription not applied: %+v", wallet)
	}

	// Repeat verify must not credit again.
	if _, _, err := svc.Verify(ctx, res.TransactionID, res.OrderID, "pay_1", sig); !errors.Is(err, ledger.ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}
	w, _ := store.GetBrandWallet(ctx, "brand_a")
	if w.TokenBalance != 50 {
		t.Errorf("replay credited tokens: %d", w.TokenBalance)
	}
}

func TestVerifyBadSignature(t *testing.T) {
	svc, store, _ := setup(t)
	ctx := context.Background()

	res, err := svc.Initiate(ctx, "brand_a", "pkg_starter")
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = svc.Verify(ctx, res.TransactionID, res.OrderID, "pay_1", "forged")
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	failed, err := store.GetTransaction(ctx, ledger.ActorBrand, res.TransactionID)
	if err != nil {
		t.Fatal(err)
	}
	if failed.Status != ledger.StatusFailed {
		t.Errorf("bad signature should fail the transaction, got %s", failed.Status)
	}
	w, _ := store.GetBrandWallet(ctx, "brand_a")
	if w.TokenBalance != 0 {
		t.Errorf("tokens credited despite bad signature: %d", w.TokenBalance)
	}
}

// creditFailStore simulates the crediting transaction rolling back.
type creditFailStore struct {
	ledger.Store
	err error
}

func (s *creditFailStore) CompleteTokenCredit(ctx context.Context, txnID, paymentRef string) (*ledger.Transaction, *ledger.BrandWallet, error) {
	return nil, nil, s.err
}

func TestVerifyCreditFailureMarksFailed(t *testing.T) {
	svc, store, gateway := setup(t)
	ctx := context.Background()

	res, err := svc.Initiate(ctx, "brand_a", "pkg_starter")
	if err != nil {
		t.Fatal(err)
	}

	svc.store = &creditFailStore{Store: store, err: errors.New("storage offline")}

	sig := gateway.SignCheckout(res.OrderID, "pay_1")
	if _, _, err := svc.Verify(ctx, res.TransactionID, res.OrderID, "pay_1", sig); err == nil {
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
	if w.TokenBalance != 0 {
		t.Errorf("tokens credited despite failure: %d", w.TokenBalance)
	}
}

func TestWebhookCreditFailureMarksFailed(t *testing.T) {
	svc, store, gateway := setup(t)
	ctx := context.Background()

	res, err := svc.Initiate(ctx, "brand_a", "pkg_starter")
	if err != nil {
		t.Fatal(err)
	}

	svc.store = &creditFailStore{Store: store, err: errors.New("storage offline")}

	body := webhookBody(t, res.OrderID, "pay_wh", res.TransactionID)
	if err := svc.HandleWebhook(ctx, body, gateway.SignWebhook(body)); err == nil {
		t.Fatal("expected crediting error to propagate")
	}

	row, err := store.GetTransaction(ctx, ledger.ActorBrand, res.TransactionID)
	if err != nil {
		t.Fatal(err)
	}
	if row.Status != ledger.StatusFailed {
		t.Errorf("row status = %s, want %s", row.Status, ledger.StatusFailed)
	}
}

func webhookBody(t *testing.T, orderID, paymentID, txnID string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"event": "payment.captured",
		"payload": map[string]any{
			"orderId":   orderID,
			"paymentId": paymentID,
			"notes":     map[string]string{"transactionId": txnID, "flow": "recharge"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestWebhookCompletesPending(t *testing.T) {
	svc, store, gateway := setup(t)
	ctx := context.Background()

	res, err := svc.Initiate(ctx, "brand_a", "pkg_starter")
	if err != nil {
		t.Fatal(err)
	}

	body := webhookBody(t, res.OrderID, "pay_wh", res.TransactionID)
	if err := svc.HandleWebhook(ctx, body, gateway.SignWebhook(body)); err != nil {
		t.Fatalf("HandleWebhook failed: %v", err)
	}

	w, _ := store.GetBrandWallet(ctx, "brand_a")
	if w.TokenBalance != 50 {
		t.Errorf("webhook did not credit: %d", w.TokenBalance)
	}
}

func TestWebhookAfterVerifyIsNoop(t *testing.T) {
	svc, store, gateway := setup(t)
	ctx := context.Background()

	res, err := svc.Initiate(ctx, "brand_a", "pkg_starter")
	if err != nil {
		t.Fatal(err)
	}
	sig := gateway.SignCheckout(res.OrderID, "pay_1")
	if _, _, err := svc.Verify(ctx, res.TransactionID, res.OrderID, "pay_1", sig); err != nil {
		t.Fatal(err)
	}

	body := webhookBody(t, res.OrderID, "pay_1", res.TransactionID)
	if err := svc.HandleWebhook(ctx, body, gateway.SignWebhook(body)); err != nil {
		t.Fatalf("webhook replay should be silent, got %v", err)
	}

	w, _ := store.GetBrandWallet(ctx, "brand_a")
	if w.TokenBalance != 50 {
		t.Errorf("webhook after verify double-credited: %d", w.TokenBalance)
	}
}

func TestWebhookRejectsTamperedBody(t *testing.T) {
	svc, _, gateway := setup(t)

	body := webhookBody(t, "ord_x", "pay_x", "txn_x")
	sig := gateway.SignWebhook(body)
	tampered := append([]byte{}, body...)
	tampered[len(tampered)-2] ^= 0xFF

	if err := svc.HandleWebhook(context.Background(), tampered, sig); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	svc, _, gateway := setup(t)

	body, _ := json.Marshal(map[string]any{"event": "payment.failed", "payload": map[string]any{}})
	if err := svc.HandleWebhook(context.Background(), body, gateway.SignWebhook(body)); err != nil {
		t.Fatalf("non-captured event should be ignored, got %v", err)
	}
}
