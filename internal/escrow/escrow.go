// Package escrow implements the campaign funding lifecycle. Funds move
// through three stages: deposited into the brand's available escrow pool
// (via a gateway payment when the pool falls short), held against a specific
// campaign, and finally released to a creator or refunded back to the pool.
// The available and on-hold pools only ever exchange funds with each other
// after deposit; release is the single path by which escrow money leaves the
// brand's wallet.
package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/crewledger/crewledger/internal/idgen"
	"github.com/crewledger/crewledger/internal/ledger"
	"github.com/crewledger/crewledger/internal/metrics"
	"github.com/crewledger/crewledger/internal/payments"
	"github.com/crewledger/crewledger/internal/traces"
)

var ErrInvalidSignature = errors.New("payment signature verification failed")

// Notifier delivers outbound platform events, best-effort.
type Notifier interface {
	Emit(ctx context.Context, event string, payload any)
}

// Service drives escrow deposits and pool movements.
type Service struct {
	store    ledger.Store
	gateway  payments.Authority
	currency string
	notifier Notifier
	logger   *slog.Logger
}

// NewService creates the escrow service.
func NewService(store ledger.Store, gateway payments.Authority, currency string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, gateway: gateway, currency: currency, logger: logger}
}

// WithNotifier sets the outbound event sink.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// DepositResult describes what the brand must do to reach the requested
// escrow level. When the pool already covers the amount, RequiresPayment is
// false and no order or pending transaction exists.
type DepositResult struct {
	RequiresPayment bool   `json:"requiresPayment"`
	EscrowBalance   int64  `json:"escrowBalance"`
	Shortfall       int64  `json:"shortfall,omitempty"`
	TransactionID   string `json:"transactionId,omitempty"`
	OrderID         string `json:"orderId,omitempty"`
	Amount          int64  `json:"amount,omitempty"`
	Currency        string `json:"currency,omitempty"`
}

// DepositInitiate prepares the brand's escrow pool to cover amount. Only the
// shortfall is charged; existing pool funds are reused.
func (s *Service) DepositInitiate(ctx context.Context, brandID string, amount int64) (*DepositResult, error) {
	if amount <= 0 {
		return nil, ledger.ErrInvalidAmount
	}

	ctx, span := traces.StartSpan(ctx, "escrow.DepositInitiate", traces.ActorID(brandID), traces.Amount(amount))
	defer span.End()

	wallet, err := s.store.GetBrandWallet(ctx, brandID)
	if err != nil {
		return nil, err
	}

	if wallet.EscrowBalance >= amount {
		metrics.EscrowOpsTotal.WithLabelValues("deposit", "covered").Inc()
		return &DepositResult{RequiresPayment: false, EscrowBalance: wallet.EscrowBalance}, nil
	}

	shortfall := amount - wallet.EscrowBalance
	txnID := idgen.WithPrefix("txn_")
	order, err := s.gateway.CreateOrder(ctx, shortfall, s.currency, txnID, map[string]string{
		"transactionId": txnID,
		"brandId":       brandID,
		"flow":          "escrow_deposit",
	})
	if err != nil {
		metrics.EscrowOpsTotal.WithLabelValues("deposit", "order_failed").Inc()
		return nil, fmt.Errorf("failed to create payment order: %w", err)
	}

	txn := &ledger.Transaction{
		ID:        txnID,
		ActorID:   brandID,
		ActorKind: ledger.ActorBrand,
		Type:      ledger.TypeEscrowDeposit,
		Amount:    shortfall,
		Unit:      ledger.UnitCurrency,
		OrderRef:  order.ID,
	}
	if err := s.store.CreatePending(ctx, txn); err != nil {
		return nil, err
	}

	metrics.EscrowOpsTotal.WithLabelValues("deposit", "initiated").Inc()
	s.logger.Info("escrow deposit initiated",
		"brand", brandID, "shortfall", shortfall, "order", order.ID)

	return &DepositResult{
		RequiresPayment: true,
		EscrowBalance:   wallet.EscrowBalance,
		Shortfall:       shortfall,
		TransactionID:   txnID,
		OrderID:         order.ID,
		Amount:          shortfall,
		Currency:        s.currency,
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

// DepositVerify completes a deposit after the client checkout. The credit
// lands in the available pool only; holding against a campaign is a
// separate, explicit step.
func (s *Service) DepositVerify(ctx context.Context, txnID, orderID, paymentID, signature string) (*ledger.Transaction, *ledger.BrandWallet, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.DepositVerify", traces.TransactionID(txnID), traces.OrderRef(orderID))
	defer span.End()

	pending, err := s.store.GetPendingByOrder(ctx, ledger.ActorBrand, txnID, orderID)
	if err != nil {
		return nil, nil, err
	}

	if !s.gateway.VerifySignature(orderID, paymentID, signature) {
		s.failPending(ctx, pending.ID, "signature verification failed")
		metrics.EscrowOpsTotal.WithLabelValues("deposit", "bad_signature").Inc()
		return nil, nil, ErrInvalidSignature
	}

	txn, wallet, err := s.store.CompleteEscrowDeposit(ctx, pending.ID, paymentID)
	if err != nil {
		if !errors.Is(err, ledger.ErrAlreadyProcessed) {
			s.failPending(ctx, pending.ID, "escrow credit failed: "+err.Error())
		}
		return nil, nil, err
	}

	metrics.EscrowOpsTotal.WithLabelValues("deposit", "completed").Inc()
	metrics.TransactionsTotal.WithLabelValues(string(ledger.TypeEscrowDeposit), string(ledger.StatusCompleted)).Inc()
	s.logger.Info("escrow deposit completed",
		"brand", txn.ActorID, "txn", txn.ID, "amount", txn.Amount, "escrowBalance", wallet.EscrowBalance)

	if s.notifier != nil {
		s.notifier.Emit(ctx, "escrow.deposited", map[string]any{
			"brandId":       txn.ActorID,
			"transactionId": txn.ID,
			"amount":        txn.Amount,
			"escrowBalance": wallet.EscrowBalance,
		})
	}
	return txn, wallet, nil
}

// HandleWebhook completes escrow deposits delivered via the gateway
// callback. Replays after DepositVerify are acknowledged silently.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, signature string) error {
	if !s.gateway.VerifyWebhook(body, signature) {
		return ErrInvalidSignature
	}

	var ev struct {
		Event   string `json:"event"`
		Payload struct {
			OrderID   string            `json:"orderId"`
			PaymentID string            `json:"paymentId"`
			Notes     map[string]string `json:"notes"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("malformed webhook body: %w", err)
	}
	if ev.Event != "payment.captured" || ev.Payload.Notes["flow"] != "escrow_deposit" {
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

	if _, _, err := s.store.CompleteEscrowDeposit(ctx, pending.ID, ev.Payload.PaymentID); err != nil {
		if errors.Is(err, ledger.ErrAlreadyProcessed) {
			return nil
		}
		s.failPending(ctx, pending.ID, "escrow credit failed: "+err.Error())
		return err
	}

	metrics.EscrowOpsTotal.WithLabelValues("deposit", "completed_via_webhook").Inc()
	return nil
}

// Hold commits available escrow to a campaign.
func (s *Service) Hold(ctx context.Context, brandID, campaignID string, amount int64) (*ledger.Transaction, *ledger.BrandWallet, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Hold",
		traces.ActorID(brandID), traces.CampaignID(campaignID), traces.Amount(amount))
	defer span.End()

	txn, wallet, err := s.store.EscrowHold(ctx, brandID, campaignID, amount)
	if err != nil {
		metrics.EscrowOpsTotal.WithLabelValues("hold", "failed").Inc()
		return nil, nil, err
	}

	metrics.EscrowOpsTotal.WithLabelValues("hold", "completed").Inc()
	s.logger.Info("escrow held",
		"brand", brandID, "campaign", campaignID, "amount", amount, "onHold", wallet.EscrowOnHold)
	return txn, wallet, nil
}

// Release pays a creator from campaign escrow. Both wallet movements and
// both log rows commit atomically in the store.
func (s *Service) Release(ctx context.Context, p ledger.ReleaseParams) (*ledger.ReleaseResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release",
		traces.ActorID(p.BrandID), traces.CampaignID(p.CampaignID), traces.Amount(p.Amount))
	defer span.End()

	res, err := s.store.EscrowRelease(ctx, p)
	if err != nil {
		metrics.EscrowOpsTotal.WithLabelValues("release", "failed").Inc()
		return nil, err
	}

	metrics.EscrowOpsTotal.WithLabelValues("release", "completed").Inc()
	metrics.TransactionsTotal.WithLabelValues(string(ledger.TypeCampaignEarning), string(ledger.StatusCompleted)).Inc()
	s.logger.Info("escrow released",
		"brand", p.BrandID, "creator", p.CreatorID, "campaign", p.CampaignID, "amount", p.Amount)

	if s.notifier != nil {
		s.notifier.Emit(ctx, "escrow.released", map[string]any{
			"brandId":    p.BrandID,
			"creatorId":  p.CreatorID,
			"campaignId": p.CampaignID,
			"amount":     p.Amount,
			"balance":    res.Creator.Balance,
		})
	}
	return res, nil
}

// Refund returns committed campaign funds to the available pool.
func (s *Service) Refund(ctx context.Context, brandID, campaignID string, amount int64, reason string) (*ledger.Transaction, *ledger.BrandWallet, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund",
		traces.ActorID(brandID), traces.CampaignID(campaignID), traces.Amount(amount))
	defer span.End()

	txn, wallet, err := s.store.EscrowRefund(ctx, brandID, campaignID, amount, reason)
	if err != nil {
		metrics.EscrowOpsTotal.WithLabelValues("refund", "failed").Inc()
		return nil, nil, err
	}

	metrics.EscrowOpsTotal.WithLabelValues("refund", "completed").Inc()
	s.logger.Info("escrow refunded",
		"brand", brandID, "campaign", campaignID, "amount", amount, "reason", reason)
	return txn, wallet, nil
}
