// Package withdrawal implements creator payouts. A withdrawal reserves
// funds immediately (balance down, pending_balance up) and resolves exactly
// once when an operator settles or reverses it. Bank accounts go through a
// pending -> verified | rejected review before they can receive a payout.
package withdrawal

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/crewledger/crewledger/internal/ledger"
	"github.com/crewledger/crewledger/internal/metrics"
	"github.com/crewledger/crewledger/internal/traces"
)

var (
	ErrAccountNotFound   = errors.New("bank account not found")
	ErrNotAccountOwner   = errors.New("bank account belongs to another creator")
	ErrUnverifiedAccount = errors.New("bank account is not verified")
	ErrAccountReviewed   = errors.New("bank account already reviewed")
	ErrBelowMinimum      = errors.New("amount is below the minimum withdrawal")
)

// AccountStatus is the bank account review state. Verified and rejected are
// terminal.
type AccountStatus string

const (
	AccountPending  AccountStatus = "pending"
	AccountVerified AccountStatus = "verified"
	AccountRejected AccountStatus = "rejected"
)

// BankAccount is a creator's payout destination. The account number is
// never serialized; clients see only the last four digits.
type BankAccount struct {
	ID            string        `json:"id"`
	CreatorID     string        `json:"creatorId"`
	HolderName    string        `json:"holderName"`
	AccountNumber string        `json:"-"`
	Last4         string        `json:"last4"`
	IFSC          string        `json:"ifsc"`
	Status        AccountStatus `json:"status"`
	IsPrimary     bool          `json:"isPrimary"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

func last4(accountNumber string) string {
	if len(accountNumber) <= 4 {
		return accountNumber
	}
	return accountNumber[len(accountNumber)-4:]
}

// AccountStore persists bank accounts. SetPrimary must keep at most one
// primary account per creator.
type AccountStore interface {
	Create(ctx context.Context, a *BankAccount) error
	Get(ctx context.Context, id string) (*BankAccount, error)
	ListByCreator(ctx context.Context, creatorID string) ([]*BankAccount, error)
	SetPrimary(ctx context.Context, creatorID, id string) error
	// SetStatus applies the pending -> verified|rejected transition.
	// ErrAccountReviewed if the account is already terminal.
	SetStatus(ctx context.Context, id string, status AccountStatus) error
}

// Notifier delivers outbound platform events, best-effort.
type Notifier interface {
	Emit(ctx context.Context, event string, payload any)
}

// Service drives the withdrawal lifecycle.
type Service struct {
	store     ledger.Store
	accounts  AccountStore
	minAmount int64
	notifier  Notifier
	logger    *slog.Logger
}

// NewService creates the withdrawal service.
func NewService(store ledger.Store, accounts AccountStore, minAmount int64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, accounts: accounts, minAmount: minAmount, logger: logger}
}

// WithNotifier sets the outbound event sink.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// AddAccount registers a new payout destination in pending review state.
func (s *Service) AddAccount(ctx context.Context, a *BankAccount) error {
	a.Status = AccountPending
	a.Last4 = last4(a.AccountNumber)
	if err := s.accounts.Create(ctx, a); err != nil {
		return err
	}
	s.logger.Info("bank account added", "creator", a.CreatorID, "account", a.ID)
	return nil
}

// Accounts lists a creator's payout destinations.
func (s *Service) Accounts(ctx context.Context, creatorID string) ([]*BankAccount, error) {
	return s.accounts.ListByCreator(ctx, creatorID)
}

// SetPrimary marks one verified account as the default payout destination.
func (s *Service) SetPrimary(ctx context.Context, creatorID, accountID string) error {
	a, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return err
	}
	if a.CreatorID != creatorID {
		return ErrNotAccountOwner
	}
	if a.Status != AccountVerified {
		return ErrUnverifiedAccount
	}
	return s.accounts.SetPrimary(ctx, creatorID, accountID)
}

// Review applies the admin verification decision to a pending account.
func (s *Service) Review(ctx context.Context, accountID string, approve bool) error {
	status := AccountRejected
	if approve {
		status = AccountVerified
	}
	if err := s.accounts.SetStatus(ctx, accountID, status); err != nil {
		return err
	}
	s.logger.Info("bank account reviewed", "account", accountID, "status", status)
	return nil
}

// Request reserves funds for a payout to a verified account owned by the
// caller. The reservation is atomic with the balance check; funds move to
// pending_balance until an operator settles or reverses.
func (s *Service) Request(ctx context.Context, creatorID, accountID string, amount int64) (*ledger.Transaction, *ledger.CreatorWallet, error) {
	ctx, span := traces.StartSpan(ctx, "withdrawal.Request", traces.ActorID(creatorID), traces.Amount(amount))
	defer span.End()

	if amount < s.minAmount {
		return nil, nil, ErrBelowMinimum
	}

	account, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	if account.CreatorID != creatorID {
		return nil, nil, ErrNotAccountOwner
	}
	if account.Status != AccountVerified {
		return nil, nil, ErrUnverifiedAccount
	}

	txn, wallet, err := s.store.WithdrawReserve(ctx, creatorID, accountID, amount)
	if err != nil {
		metrics.WithdrawalsTotal.WithLabelValues("rejected").Inc()
		return nil, nil, err
	}

	metrics.WithdrawalsTotal.WithLabelValues("requested").Inc()
	s.logger.Info("withdrawal requested",
		"creator", creatorID, "account", accountID, "amount", amount, "txn", txn.ID)

	if s.notifier != nil {
		s.notifier.Emit(ctx, "withdrawal.requested", map[string]any{
			"creatorId":     creatorID,
			"transactionId": txn.ID,
			"amount":        amount,
		})
	}
	return txn, wallet, nil
}

// Process resolves a reservation after the operator ran (or failed) the bank
// transfer. Success settles against total_withdrawals; failure returns the
// funds to the spendable balance. Either way the pending row flips exactly
// once.
func (s *Service) Process(ctx context.Context, txnID string, success bool, refOrReason string) (*ledger.Transaction, *ledger.CreatorWallet, error) {
	ctx, span := traces.StartSpan(ctx, "withdrawal.Process", traces.TransactionID(txnID))
	defer span.End()

	var txn *ledger.Transaction
	var wallet *ledger.CreatorWallet
	var err error
	if success {
		txn, wallet, err = s.store.WithdrawSettle(ctx, txnID, refOrReason)
	} else {
		txn, wallet, err = s.store.WithdrawReverse(ctx, txnID, refOrReason)
	}
	if err != nil {
		return nil, nil, err
	}

	outcome := "settled"
	event := "withdrawal.completed"
	if !success {
		outcome = "reversed"
		event = "withdrawal.failed"
	}
	metrics.WithdrawalsTotal.WithLabelValues(outcome).Inc()
	metrics.TransactionsTotal.WithLabelValues(string(ledger.TypeWithdrawal), string(txn.Status)).Inc()
	s.logger.Info("withdrawal processed", "txn", txnID, "outcome", outcome)

	if s.notifier != nil {
		s.notifier.Emit(ctx, event, map[string]any{
			"creatorId":     txn.ActorID,
			"transactionId": txn.ID,
			"amount":        -txn.Amount,
			"balance":       wallet.Balance,
		})
	}
	return txn, wallet, nil
}
