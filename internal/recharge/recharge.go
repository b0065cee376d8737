// Package recharge implements the token purchase flow: a brand picks a
// package, pays through the payment gateway, and receives the package's
// tokens after signature verification. The flow is two-phase: Initiate
// writes a pending transaction carrying a snapshot of the package, and
// Verify (or the gateway webhook, whichever lands first) completes it.
package recharge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/crewledger/crewledger/internal/catalog"
	"github.com/crewledger/crewledger/internal/idgen"
	"github.com/crewledger/crewledger/internal/ledger"
	"github.com/crewledger/crewledger/internal/metrics"
	"github.com/crewledger/crewledger/internal/payments"
	"github.com/crewledger/crewledger/internal/traces"
)

var (
	ErrFreePackage      = errors.New("free packages cannot be purchased")
	ErrInvalidSignature = errors.New("payment signature verification failed")
)

// Notifier delivers outbound platform events. Delivery is best-effort; the
// recharge flow never fails because a notification could not be sent.
type Notifier interface {
	Emit(ctx context.Context, event string, payload any)
}

// Service drives the token purchase flow.
type Service struct {
	store    ledger.Store
	catalog  catalog.Store
	gateway  payments.Authority
	currency string
	trial    *ledger.TrialCredit
	notifier Notifier
	logger   *slog.Logger
}

// NewService creates the recharge service.
func NewService(store ledger.Store, cat catalog.Store, gateway payments.Authority, currency string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, catalog: cat, gateway: gateway, currency: currency, logger: logger}
}

// WithTrial sets the trial credited when a brand wallet is first created.
func (s *Service) WithTrial(t *ledger.TrialCredit) *Service {
	s.trial = t
	return s
}

// WithNotifier sets the outbound event sink.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// InitiateResult is what the client needs to open the gateway checkout.
type InitiateResult struct {
	TransactionID string `json:"transactionId"`
	OrderID       string `json:"orderId"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	PackageID     string `json:"packageId"`
	PackageName   string `json:"packageName"`
	Tokens        int64  `json:"tokens"`
}

// Initiate starts a purchase: creates a gateway order for the package price
// and writes the pending transaction with a snapshot of the package, so a
// later catalogue edit cannot change what this purchase delivers.
func (s *Service) Initiate(ctx context.Context, brandID, packageID string) (*InitiateResult, error) {
	ctx, span := traces.StartSpan(ctx, "recharge.Initiate", traces.ActorID(brandID))
	defer span.End()

	pkg, err := s.catalog.GetActive(ctx, packageID)
	if err != nil {
		return nil, err
	}
	if pkg.IsFree() {
		return nil, ErrFreePackage
	}

	// Wallet must exist (and trial credit apply) before any purchase.
	if _, err := s.store.GetOrCreateBrandWallet(ctx, brandID, s.trial); err != nil {
		return nil, err
	}

	txnID := idgen.WithPrefix("txn_")
	order, err := s.gateway.CreateOrder(ctx, pkg.Price, s.currency, txnID, map[string]string{
		"transactionId": txnID,
		"brandId":       brandID,
		"packageId":     pkg.ID,
		"flow":          "recharge",
	})
	if err != nil {
		metrics.RechargesTotal.WithLabelValues("order_failed").Inc()
		return nil, fmt.Errorf("failed to create payment order: %w", err)
	}

	txn := &ledger.Transaction{
		ID:        txnID,
		ActorID:   brandID,
		ActorKind: ledger.ActorBrand,
		Type:      ledger.TypeTokenCredit,
		Amount:    pkg.Price,
		Unit:      ledger.UnitCurrency,
		Reference: ledger.Reference{Type: "package", ID: pkg.ID},
		OrderRef:  order.ID,
		Package: &ledger.PackageSnapshot{
			Version:      ledger.SnapshotVersion,
			PackageID:    pkg.ID,
			Name:         pkg.Name,
			Tokens:       pkg.TokensIncluded,
			PackageType:  string(pkg.Type),
			ValidityDays: pkg.ValidityDays,
		},
	}
	if err := s.store.CreatePending(ctx, txn); err != nil {
		return nil, err
	}

	metrics.RechargesTotal.WithLabelValues("initiated").Inc()
	s.logger.Info("recharge initiated",
		"brand", brandID, "package", pkg.ID, "amount", pkg.Price, "order", order.ID)

	return &InitiateResult{
		TransactionID: txnID,
		OrderID:       order.ID,
		Amount:        pkg.Price,
		Currency:      s.currency,
		PackageID:     pkg.ID,
		PackageName:   pkg.Name,
		Tokens:        pkg.TokensIncluded,
	}, nil
}

// failPending marks a pending transaction failed after its crediting
// transaction rolled back (or its signature check rejected it). The write is
// idempotent; if it also fails the row stays pending and is surfaced for
// out-of-band reconciliation.
func (s *Service) failPending(ctx context.Context, txnID, reason string) {
	if err := s.store.FailTransaction(ctx, ledger.ActorBrand, txnID, reason); err != nil {
		metrics.PendingStuckTotal.Inc()
		s.logger.Error("pending transaction stuck, fail-mark write failed", "txn", txnID, "error", err)
	}
}

// Verify completes a purchase from the client-side checkout callback. The
// gateway signature over orderID|paymentID is checked before any credit. A
// bad signature marks the pending transaction failed; a replay after
// completion returns ErrAlreadyProcessed without double-crediting.
func (s *Service) Verify(ctx context.Context, txnID, orderID, paymentID, signature string) (*ledger.Transaction, *ledger.BrandWallet, error) {
	ctx, span := traces.StartSpan(ctx, "recharge.Verify", traces.TransactionID(txnID), traces.OrderRef(orderID))
	defer span.End()

	pending, err := s.store.GetPendingByOrder(ctx, ledger.ActorBrand, txnID, orderID)
	if err != nil {
		return nil, nil, err
	}

	if !s.gateway.VerifySignature(orderID, paymentID, signature) {
		s.failPending(ctx, pending.ID, "signature verification failed")
		metrics.RechargesTotal.WithLabelValues("bad_signature").Inc()
		return nil, nil, ErrInvalidSignature
	}

	txn, wallet, err := s.store.CompleteTokenCredit(ctx, pending.ID, paymentID)
	if err != nil {
		if !errors.Is(err, ledger.ErrAlreadyProcessed) {
			s.failPending(ctx, pending.ID, "token credit failed: "+err.Error())
		}
		return nil, nil, err
	}

	metrics.RechargesTotal.WithLabelValues("completed").Inc()
	metrics.TransactionsTotal.WithLabelValues(string(ledger.TypeTokenCredit), string(ledger.StatusCompleted)).Inc()
	s.logger.Info("recharge completed",
		"brand", txn.ActorID, "txn", txn.ID, "payment", paymentID, "tokens", txn.Package.Tokens)

	if s.notifier != nil {
		s.notifier.Emit(ctx, "recharge.completed", map[string]any{
			"brandId":       txn.ActorID,
			"transactionId": txn.ID,
			"packageId":     txn.Package.PackageID,
			"tokens":        txn.Package.Tokens,
			"tokenBalance":  wallet.TokenBalance,
		})
	}
	return txn, wallet, nil
}

// webhookEvent is the shape of the gateway's payment.captured callback.
type webhookEvent struct {
	Event   string `json:"event"`
	Payload struct {
		OrderID   string            `json:"orderId"`
		PaymentID string            `json:"paymentId"`
		Notes     map[string]string `json:"notes"`
	} `json:"payload"`
}

// HandleWebhook processes a gateway webhook. The HMAC over the raw body is
// checked first; a tampered body is rejected before parsing. Events for
// transactions already completed by Verify are acknowledged silently: the
// webhook is the safety net for clients that never came back, not a second
// credit path.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, signature string) error {
	if !s.gateway.VerifyWebhook(body, signature) {
		metrics.RechargesTotal.WithLabelValues("webhook_bad_signature").Inc()
		return ErrInvalidSignature
	}

	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("malformed webhook body: %w", err)
	}
	if ev.Event != "payment.captured" {
		s.logger.Debug("ignoring webhook event", "event", ev.Event)
		return nil
	}
	if ev.Payload.Notes["flow"] != "recharge" {
		return nil
	}

	txnID := ev.Payload.Notes["transactionId"]
	if txnID == "" {
		return fmt.Errorf("webhook payload missing transactionId note")
	}

	pending, err := s.store.GetPendingByOrder(ctx, ledger.ActorBrand, txnID, ev.Payload.OrderID)
	if err != nil {
		if errors.Is(err, ledger.ErrAlreadyProcessed) {
			return nil
		}
		return err
	}

	txn, wallet, err := s.store.CompleteTokenCredit(ctx, pending.ID, ev.Payload.PaymentID)
	if err != nil {
		if errors.Is(err, ledger.ErrAlreadyProcessed) {
			return nil
		}
		s.failPending(ctx, pending.ID, "token credit failed: "+err.Error())
		return err
	}

	metrics.RechargesTotal.WithLabelValues("completed_via_webhook").Inc()
	s.logger.Info("recharge completed via webhook", "brand", txn.ActorID, "txn", txn.ID)

	if s.notifier != nil {
		s.notifier.Emit(ctx, "recharge.completed", map[string]any{
			"brandId":       txn.ActorID,
			"transactionId": txn.ID,
			"packageId":     txn.Package.PackageID,
			"tokens":        txn.Package.Tokens,
			"tokenBalance":  wallet.TokenBalance,
		})
	}
	return nil
}
