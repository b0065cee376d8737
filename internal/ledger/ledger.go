// Package ledger is the consistency core of the wallet platform.
//
// It owns the two wallet shapes (creator and brand), the append-only
// transaction log, and every operation that mutates a balance. A Store
// implementation must execute each mutation as one atomic unit spanning the
// precondition read, the balance change, and the transaction-log insert;
// balance_after is always taken from the post-mutation state under the same
// lock. The engines (recharge, escrow, withdrawal, unlock) sit on top of
// this package and never touch balances directly.
//
// Transaction amounts are signed: positive credits the pool named by the
// type, negative debits it. balance_after snapshots the primary pool the
// type affects:
//
//	token_credit/token_debit/creator_unlock -> brand token_balance
//	escrow_deposit/escrow_hold/escrow_refund -> brand escrow_balance
//	escrow_release (brand side)              -> brand escrow_on_hold
//	everything creator-side                  -> creator balance
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/crewledger/crewledger/internal/metrics"
	"github.com/crewledger/crewledger/internal/pagination"
	"github.com/crewledger/crewledger/internal/traces"
)

var (
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrNoBrandLinked       = errors.New("no brand registration linked to this account")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrAlreadyProcessed    = errors.New("transaction already processed or not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientEscrow  = errors.New("insufficient escrow balance")
	ErrInsufficientHold    = errors.New("insufficient funds on hold")
	ErrInsufficientTokens  = errors.New("insufficient token balance")
	ErrInvalidAmount       = errors.New("invalid amount")
)

// ActorKind identifies which wallet table an actor belongs to.
type ActorKind string

const (
	ActorCreator ActorKind = "creator"
	ActorBrand   ActorKind = "brand"
)

// Unit distinguishes currency amounts from token counts.
type Unit string

const (
	UnitCurrency Unit = "currency"
	UnitToken    Unit = "token"
)

// Type is the closed set of balance-affecting event kinds.
type Type string

const (
	TypeDeposit         Type = "deposit"
	TypeWithdrawal      Type = "withdrawal"
	TypeTokenCredit     Type = "token_credit"
	TypeTokenDebit      Type = "token_debit"
	TypeEscrowDeposit   Type = "escrow_deposit"
	TypeEscrowHold      Type = "escrow_hold"
	TypeEscrowRelease   Type = "escrow_release"
	TypeEscrowRefund    Type = "escrow_refund"
	TypeCampaignEarning Type = "campaign_earning"
	TypeCreatorUnlock   Type = "creator_unlock"
	TypeReferralBonus   Type = "referral_bonus"
	TypeGiftSent        Type = "gift_sent"
	TypeGiftReceived    Type = "gift_received"
	TypeAdjustment      Type = "adjustment"
)

// Status is the transaction lifecycle state. Completed and failed are
// terminal; rows in a terminal state are immutable.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Reference points at the entity that caused a transaction.
type Reference struct {
	Type string `json:"type,omitempty"` // package, campaign, application, bank_account, creator, brand
	ID   string `json:"id,omitempty"`
}

// PackageSnapshot is the typed, versioned snapshot of a package embedded in a
// pending purchase transaction, so that verification never re-reads the
// catalogue (the package may have been edited in between).
type PackageSnapshot struct {
	Version      int    `json:"v"`
	PackageID    string `json:"packageId"`
	Name         string `json:"name"`
	Tokens       int64  `json:"tokens"`
	PackageType  string `json:"packageType"` // subscription or topup
	ValidityDays int    `json:"validityDays"`
}

// SnapshotVersion is the current PackageSnapshot schema version.
const SnapshotVersion = 1

// Transaction is one immutable row in an actor's transaction log.
type Transaction struct {
	ID            string           `json:"id"`
	ActorID       string           `json:"actorId"`
	ActorKind     ActorKind        `json:"actorKind"`
	Type          Type             `json:"type"`
	Amount        int64            `json:"amount"` // signed; positive = credit
	Unit          Unit             `json:"unit"`
	BalanceAfter  int64            `json:"balanceAfter"`
	Status        Status           `json:"status"`
	Reference     Reference        `json:"reference"`
	OrderRef      string           `json:"orderRef,omitempty"`   // gateway order id
	PaymentRef    string           `json:"paymentRef,omitempty"` // gateway payment id
	Package       *PackageSnapshot `json:"package,omitempty"`
	FailureReason string           `json:"failureReason,omitempty"`
	Notes         string           `json:"notes,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	ProcessedAt   *time.Time       `json:"processedAt,omitempty"`
}

// IsTerminal reports whether the transaction can no longer change.
func (t *Transaction) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// CreatorWallet holds spendable funds earned by a creator.
type CreatorWallet struct {
	ID               string    `json:"id"`
	CreatorID        string    `json:"creatorId"`
	Balance          int64     `json:"balance"`        // spendable
	PendingBalance   int64     `json:"pendingBalance"` // reserved for in-flight withdrawal
	TotalEarnings    int64     `json:"totalEarnings"`
	TotalWithdrawals int64     `json:"totalWithdrawals"`
	Currency         string    `json:"currency"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// BrandWallet holds a brand's token credits and campaign escrow pools.
type BrandWallet struct {
	ID                   string     `json:"id"`
	BrandID              string     `json:"brandId"`
	TokenBalance         int64      `json:"tokenBalance"`
	TotalTokensCredited  int64      `json:"totalTokensCredited"`
	TotalTokensDebited   int64      `json:"totalTokensDebited"`
	EscrowBalance        int64      `json:"escrowBalance"` // available for campaigns
	EscrowOnHold         int64      `json:"escrowOnHold"`  // committed to active campaigns
	TotalEscrowDeposited int64      `json:"totalEscrowDeposited"`
	TotalEscrowReleased  int64      `json:"totalEscrowReleased"`
	TotalEscrowRefunded  int64      `json:"totalEscrowRefunded"`
	CurrentPackageID     string     `json:"currentPackageId,omitempty"`
	PackageExpiresAt     *time.Time `json:"packageExpiresAt,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// TrialCredit describes the free package credited on first brand access.
type TrialCredit struct {
	Snapshot PackageSnapshot
	Tokens   int64
}

// Filter narrows a transaction listing.
type Filter struct {
	ActorKind ActorKind
	ActorID   string
	Type      Type
	Status    Status
	Unit      Unit
	From      *time.Time
	To        *time.Time
	Limit     int
	Cursor    *pagination.Cursor
}

// ReleaseParams carries the inputs of an escrow release.
type ReleaseParams struct {
	BrandID       string
	CreatorID     string
	CampaignID    string
	ApplicationID string
	Amount        int64
}

// ReleaseResult is the two-sided outcome of an escrow release.
type ReleaseResult struct {
	BrandTxn   *Transaction   `json:"brandTransaction"`
	CreatorTxn *Transaction   `json:"creatorTransaction"`
	Brand      *BrandWallet   `json:"brand"`
	Creator    *CreatorWallet `json:"creator"`
}

// GiftResult is the two-sided outcome of a creator-to-creator gift.
type GiftResult struct {
	SentTxn     *Transaction   `json:"sentTransaction"`
	ReceivedTxn *Transaction   `json:"receivedTransaction"`
	Sender      *CreatorWallet `json:"sender"`
	Recipient   *CreatorWallet `json:"recipient"`
}

// Store persists wallets and the transaction log. Every mutation method is
// atomic: precondition, balance change, and log insert commit together or
// not at all.
type Store interface {
	// Wallet accessor. GetOrCreate* are race-safe under concurrent first
	// access: duplicate creations converge to a single row.
	GetOrCreateCreatorWallet(ctx context.Context, creatorID, currency string) (*CreatorWallet, error)
	GetOrCreateBrandWallet(ctx context.Context, brandID string, trial *TrialCredit) (*BrandWallet, error)
	GetCreatorWallet(ctx context.Context, creatorID string) (*CreatorWallet, error)
	GetBrandWallet(ctx context.Context, brandID string) (*BrandWallet, error)

	// Transaction log.
	CreatePending(ctx context.Context, txn *Transaction) error
	GetTransaction(ctx context.Context, kind ActorKind, id string) (*Transaction, error)
	GetPendingByOrder(ctx context.Context, kind ActorKind, id, orderRef string) (*Transaction, error)
	// FailTransaction flips a pending row to failed. It is idempotent: a row
	// already in a terminal state is left untouched and no error is returned.
	FailTransaction(ctx context.Context, kind ActorKind, id, reason string) error
	List(ctx context.Context, f Filter) ([]*Transaction, error)

	// Pending-purchase completion. Both use compare-and-swap on
	// status=pending, so a verify/webhook race credits exactly once; the
	// loser observes ErrAlreadyProcessed.
	CompleteTokenCredit(ctx context.Context, txnID, paymentRef string) (*Transaction, *BrandWallet, error)
	CompleteEscrowDeposit(ctx context.Context, txnID, paymentRef string) (*Transaction, *BrandWallet, error)

	// Escrow pool movements. Hold only transfers available -> on-hold;
	// on-hold decreases only through Release or Refund.
	EscrowHold(ctx context.Context, brandID, campaignID string, amount int64) (*Transaction, *BrandWallet, error)
	EscrowRelease(ctx context.Context, p ReleaseParams) (*ReleaseResult, error)
	EscrowRefund(ctx context.Context, brandID, campaignID string, amount int64, reason string) (*Transaction, *BrandWallet, error)

	// Withdrawal reservation lifecycle.
	WithdrawReserve(ctx context.Context, creatorID, bankAccountID string, amount int64) (*Transaction, *CreatorWallet, error)
	WithdrawSettle(ctx context.Context, txnID, externalRef string) (*Transaction, *CreatorWallet, error)
	WithdrawReverse(ctx context.Context, txnID, reason string) (*Transaction, *CreatorWallet, error)

	// Token debits (unlocks, campaign creation, report costs).
	DebitTokens(ctx context.Context, brandID string, tokens int64, txType Type, ref Reference, notes string) (*Transaction, *BrandWallet, error)

	// Creator credits and signed admin adjustments.
	AdjustCreatorBalance(ctx context.Context, creatorID string, amount int64, txType Type, ref Reference, notes string) (*Transaction, *CreatorWallet, error)

	// Creator-to-creator gift, two rows in one atomic unit.
	TransferGift(ctx context.Context, fromCreatorID, toCreatorID string, amount int64, notes string) (*GiftResult, error)
}

// Service exposes the wallet accessor and query surface. Engine packages
// hold their own Store reference for mutations; this service is the shared
// read/accessor layer behind the wallet HTTP endpoints.
type Service struct {
	store    Store
	currency string
	trial    *TrialCredit
	logger   *slog.Logger
}

// NewService creates the wallet accessor service.
func NewService(store Store, currency string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, currency: currency, logger: logger}
}

// WithTrial configures the free package credited on first brand access.
// A trial with zero tokens is ignored.
func (s *Service) WithTrial(t *TrialCredit) *Service {
	if t != nil && t.Tokens > 0 {
		s.trial = t
	}
	return s
}

// CreatorWallet gets or creates the wallet for a creator.
func (s *Service) CreatorWallet(ctx context.Context, creatorID string) (*CreatorWallet, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.CreatorWallet", traces.ActorID(creatorID), traces.ActorKind(string(ActorCreator)))
	defer span.End()
	return s.store.GetOrCreateCreatorWallet(ctx, creatorID, s.currency)
}

// BrandWallet gets or creates the wallet for a brand. The brand id must
// resolve to an existing brand registration; otherwise ErrNoBrandLinked.
// On first access the configured trial package (if any) is credited and the
// matching transaction written in the same commit.
func (s *Service) BrandWallet(ctx context.Context, brandID string) (*BrandWallet, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.BrandWallet", traces.ActorID(brandID), traces.ActorKind(string(ActorBrand)))
	defer span.End()
	return s.store.GetOrCreateBrandWallet(ctx, brandID, s.trial)
}

// Transactions lists an actor's transaction log, newest first.
func (s *Service) Transactions(ctx context.Context, f Filter) ([]*Transaction, string, bool, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 200 {
		f.Limit = 200
	}

	// Fetch one extra row to compute the next cursor.
	fetch := f
	fetch.Limit = f.Limit + 1
	items, err := s.store.List(ctx, fetch)
	if err != nil {
		return nil, "", false, err
	}

	page, next, more := pagination.ComputePage(items, f.Limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return page, next, more, nil
}

// Transaction returns one transaction from an actor's log.
func (s *Service) Transaction(ctx context.Context, kind ActorKind, id string) (*Transaction, error) {
	return s.store.GetTransaction(ctx, kind, id)
}

// Gift moves spendable balance from one creator to another, writing a
// gift_sent and a gift_received row atomically.
func (s *Service) Gift(ctx context.Context, fromCreatorID, toCreatorID string, amount int64, notes string) (*GiftResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if fromCreatorID == toCreatorID {
		return nil, ErrInvalidAmount
	}

	ctx, span := traces.StartSpan(ctx, "ledger.Gift", traces.ActorID(fromCreatorID), traces.Amount(amount))
	defer span.End()

	res, err := s.store.TransferGift(ctx, fromCreatorID, toCreatorID, amount, notes)
	if err != nil {
		return nil, err
	}

	metrics.TransactionsTotal.WithLabelValues(string(TypeGiftSent), string(StatusCompleted)).Inc()
	metrics.TransactionsTotal.WithLabelValues(string(TypeGiftReceived), string(StatusCompleted)).Inc()
	return res, nil
}

// Adjust applies a signed admin adjustment to a creator wallet.
func (s *Service) Adjust(ctx context.Context, creatorID string, amount int64, notes string) (*Transaction, *CreatorWallet, error) {
	if amount == 0 {
		return nil, nil, ErrInvalidAmount
	}
	txn, w, err := s.store.AdjustCreatorBalance(ctx, creatorID, amount, TypeAdjustment, Reference{}, notes)
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info("balance adjusted", "creator", creatorID, "amount", amount)
	metrics.TransactionsTotal.WithLabelValues(string(TypeAdjustment), string(StatusCompleted)).Inc()
	return txn, w, nil
}

// CreatorSummary aggregates a creator wallet for the stats endpoint.
type CreatorSummary struct {
	Wallet        *CreatorWallet `json:"wallet"`
	LifetimeIn    int64          `json:"lifetimeIn"`
	LifetimeOut   int64          `json:"lifetimeOut"`
	PendingPayout int64          `json:"pendingPayout"`
}

// Summary returns the creator stats view.
func (s *Service) Summary(ctx context.Context, creatorID string) (*CreatorSummary, error) {
	w, err := s.store.GetOrCreateCreatorWallet(ctx, creatorID, s.currency)
	if err != nil {
		return nil, err
	}
	return &CreatorSummary{
		Wallet:        w,
		LifetimeIn:    w.TotalEarnings,
		LifetimeOut:   w.TotalWithdrawals,
		PendingPayout: w.PendingBalance,
	}, nil
}
