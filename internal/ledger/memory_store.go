package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/crewledger/crewledger/internal/idgen"
)

// MemoryStore is an in-memory Store for demo/development mode and tests.
// One mutex guards everything; each mutation applies its precondition,
// balance change, and log append under a single lock acquisition, matching
// the atomicity contract of the interface.
type MemoryStore struct {
	mu       sync.RWMutex
	brands   map[string]bool // registered brand ids
	creators map[string]*CreatorWallet
	brandWs  map[string]*BrandWallet
	txns     map[ActorKind]map[string]*Transaction
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		brands:   make(map[string]bool),
		creators: make(map[string]*CreatorWallet),
		brandWs:  make(map[string]*BrandWallet),
		txns: map[ActorKind]map[string]*Transaction{
			ActorCreator: make(map[string]*Transaction),
			ActorBrand:   make(map[string]*Transaction),
		},
	}
}

// RegisterBrand records a brand registration so GetOrCreateBrandWallet can
// succeed. In production the brands table is owned by the identity service;
// demo mode seeds it here.
func (m *MemoryStore) RegisterBrand(brandID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.brands[brandID] = true
}

func copyCreator(w *CreatorWallet) *CreatorWallet {
	cp := *w
	return &cp
}

func copyBrand(w *BrandWallet) *BrandWallet {
	cp := *w
	if w.PackageExpiresAt != nil {
		t := *w.PackageExpiresAt
		cp.PackageExpiresAt = &t
	}
	return &cp
}

func copyTxn(t *Transaction) *Transaction {
	cp := *t
	if t.ProcessedAt != nil {
		at := *t.ProcessedAt
		cp.ProcessedAt = &at
	}
	if t.Package != nil {
		ps := *t.Package
		cp.Package = &ps
	}
	return &cp
}

func (m *MemoryStore) record(t *Transaction) *Transaction {
	if t.ID == "" {
		t.ID = idgen.WithPrefix("txn_")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	m.txns[t.ActorKind][t.ID] = t
	return t
}

func completedNow(t *Transaction) *Transaction {
	now := time.Now()
	t.Status = StatusCompleted
	t.CreatedAt = now
	t.ProcessedAt = &now
	return t
}

// -----------------------------------------------------------------------------
// Wallet accessor
// -----------------------------------------------------------------------------

func (m *MemoryStore) GetOrCreateCreatorWallet(ctx context.Context, creatorID, currency string) (*CreatorWallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.creators[creatorID]; ok {
		return copyCreator(w), nil
	}
	now := time.Now()
	w := &CreatorWallet{
		ID:        idgen.WithPrefix("wal_"),
		CreatorID: creatorID,
		Currency:  currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.creators[creatorID] = w
	return copyCreator(w), nil
}

func (m *MemoryStore) GetOrCreateBrandWallet(ctx context.Context, brandID string, trial *TrialCredit) (*BrandWallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.brandWs[brandID]; ok {
		return copyBrand(w), nil
	}
	if !m.brands[brandID] {
		return nil, ErrNoBrandLinked
	}

	now := time.Now()
	w := &BrandWallet{
		ID:        idgen.WithPrefix("wal_"),
		BrandID:   brandID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if trial != nil && trial.Tokens > 0 {
		w.TokenBalance = trial.Tokens
		w.TotalTokensCredited = trial.Tokens
		snap := trial.Snapshot
		m.record(completedNow(&Transaction{
			ActorID:      brandID,
			ActorKind:    ActorBrand,
			Type:         TypeTokenCredit,
			Amount:       trial.Tokens,
			Unit:         UnitToken,
			BalanceAfter: w.TokenBalance,
			Reference:    Reference{Type: "package", ID: snap.PackageID},
			Package:      &snap,
			Notes:        "trial package credit",
		}))
	}
	m.brandWs[brandID] = w
	return copyBrand(w), nil
}

func (m *MemoryStore) GetCreatorWallet(ctx context.Context, creatorID string) (*CreatorWallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if w, ok := m.creators[creatorID]; ok {
		return copyCreator(w), nil
	}
	return nil, ErrWalletNotFound
}

func (m *MemoryStore) GetBrandWallet(ctx context.Context, brandID string) (*BrandWallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if w, ok := m.brandWs[brandID]; ok {
		return copyBrand(w), nil
	}
	return nil, ErrWalletNotFound
}

// -----------------------------------------------------------------------------
// Transaction log
// -----------------------------------------------------------------------------

func (m *MemoryStore) CreatePending(ctx context.Context, txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn.Status = StatusPending
	m.record(txn)
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, kind ActorKind, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.txns[kind][id]; ok {
		return copyTxn(t), nil
	}
	return nil, ErrTransactionNotFound
}

func (m *MemoryStore) GetPendingByOrder(ctx context.Context, kind ActorKind, id, orderRef string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.txns[kind][id]
	if !ok || t.OrderRef != orderRef || t.Status != StatusPending {
		return nil, ErrAlreadyProcessed
	}
	return copyTxn(t), nil
}

func (m *MemoryStore) FailTransaction(ctx context.Context, kind ActorKind, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[kind][id]
	if !ok || t.Status != StatusPending {
		return nil
	}
	now := time.Now()
	t.Status = StatusFailed
	t.FailureReason = reason
	t.ProcessedAt = &now
	return nil
}

func (m *MemoryStore) List(ctx context.Context, f Filter) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, t := range m.txns[f.ActorKind] {
		if t.ActorID != f.ActorID {
			continue
		}
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Unit != "" && t.Unit != f.Unit {
			continue
		}
		if f.From != nil && t.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && t.CreatedAt.After(*f.To) {
			continue
		}
		if f.Cursor != nil {
			if t.CreatedAt.After(f.Cursor.CreatedAt) {
				continue
			}
			if t.CreatedAt.Equal(f.Cursor.CreatedAt) && t.ID >= f.Cursor.ID {
				continue
			}
		}
		out = append(out, copyTxn(t))
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Pending-purchase completion
// -----------------------------------------------------------------------------

func (m *MemoryStore) CompleteTokenCredit(ctx context.Context, txnID, paymentRef string) (*Transaction, *BrandWallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txns[ActorBrand][txnID]
	if !ok || t.Status != StatusPending {
		return nil, nil, ErrAlreadyProcessed
	}
	w, ok := m.brandWs[t.ActorID]
	if !ok {
		return nil, nil, ErrWalletNotFound
	}
	if t.Package == nil {
		return nil, nil, fmt.Errorf("pending transaction %s has no package snapshot", txnID)
	}
	snap := t.Package

	w.TokenBalance += snap.Tokens
	w.TotalTokensCredited += snap.Tokens
	if snap.PackageType == "subscription" {
		expiry := time.Now().AddDate(0, 0, snap.ValidityDays)
		w.CurrentPackageID = snap.PackageID
		w.PackageExpiresAt = &expiry
	}
	w.UpdatedAt = time.Now()

	now := time.Now()
	t.Status = StatusCompleted
	t.PaymentRef = paymentRef
	t.BalanceAfter = w.TokenBalance
	t.ProcessedAt = &now
	return copyTxn(t), copyBrand(w), nil
}

func (m *MemoryStore) CompleteEscrowDeposit(ctx context.Context, txnID, paymentRef string) (*Transaction, *BrandWallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txns[ActorBrand][txnID]
	if !ok || t.Status != StatusPending {
		return nil, nil, ErrAlreadyProcessed
	}
	if t.Amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	w, ok := m.brandWs[t.ActorID]
	if !ok {
		return nil, nil, ErrWalletNotFound
	}

	w.EscrowBalance += t.Amount
	w.TotalEscrowDeposited += t.Amount
	w.UpdatedAt = time.Now()

	now := time.Now()
	t.Status = StatusCompleted
	t.PaymentRef = paymentRef
	t.BalanceAfter = w.EscrowBalance
	t.ProcessedAt = &now
	return copyTxn(t), copyBrand(w), nil
}

// -----------------------------------------------------------------------------
// Escrow pool movements
// -----------------------------------------------------------------------------

func (m *MemoryStore) EscrowHold(ctx context.Context, brandID, campaignID string, amount int64) (*Transaction, *BrandWallet, error) {
	if amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.brandWs[brandID]
	if !ok {
		return nil, nil, ErrWalletNotFound
	}
	if w.EscrowBalance < amount {
		return nil, nil, ErrInsufficientEscrow
	}
	w.EscrowBalance -= amount
	w.EscrowOnHold += amount
	w.UpdatedAt = time.Now()

	txn := m.record(completedNow(&Transaction{
		ActorID:      brandID,
		ActorKind:    ActorBrand,
		Type:         TypeEscrowHold,
		Amount:       -amount,
		Unit:         UnitCurrency,
		BalanceAfter: w.EscrowBalance,
		Reference:    Reference{Type: "campaign", ID: campaignID},
	}))
	return copyTxn(txn), copyBrand(w), nil
}

func (m *MemoryStore) EscrowRelease(ctx context.Context, p ReleaseParams) (*ReleaseResult, error) {
	if p.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	bw, ok := m.brandWs[p.BrandID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cw, ok := m.creators[p.CreatorID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	if bw.EscrowOnHold < p.Amount {
		return nil, ErrInsufficientHold
	}

	bw.EscrowOnHold -= p.Amount
	bw.TotalEscrowReleased += p.Amount
	bw.UpdatedAt = time.Now()
	cw.Balance += p.Amount
	cw.TotalEarnings += p.Amount
	cw.UpdatedAt = time.Now()

	brandTxn := m.record(completedNow(&Transaction{
		ActorID:      p.BrandID,
		ActorKind:    ActorBrand,
		Type:         TypeEscrowRelease,
		Amount:       -p.Amount,
		Unit:         UnitCurrency,
		BalanceAfter: bw.EscrowOnHold,
		Reference:    Reference{Type: "campaign", ID: p.CampaignID},
		Notes:        "released to creator " + p.CreatorID,
	}))
	creatorTxn := m.record(completedNow(&Transaction{
		ActorID:      p.CreatorID,
		ActorKind:    ActorCreator,
		Type:         TypeCampaignEarning,
		Amount:       p.Amount,
		Unit:         UnitCurrency,
		BalanceAfter: cw.Balance,
		Reference:    Reference{Type: "application", ID: p.ApplicationID},
		Notes:        "campaign " + p.CampaignID + " payout from brand " + p.BrandID,
	}))

	return &ReleaseResult{
		BrandTxn:   copyTxn(brandTxn),
		CreatorTxn: copyTxn(creatorTxn),
		Brand:      copyBrand(bw),
		Creator:    copyCreator(cw),
	}, nil
}

func (m *MemoryStore) EscrowRefund(ctx context.Context, brandID, campaignID string, amount int64, reason string) (*Transaction, *BrandWallet, error) {
	if amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.brandWs[brandID]
	if !ok {
		return nil, nil, ErrWalletNotFound
	}
	if w.EscrowOnHold < amount {
		return nil, nil, ErrInsufficientHold
	}
	w.EscrowOnHold -= amount
	w.EscrowBalance += amount
	w.TotalEscrowRefunded += amount
	w.UpdatedAt = time.Now()

	txn := m.record(completedNow(&Transaction{
		ActorID:      brandID,
		ActorKind:    ActorBrand,
		Type:         TypeEscrowRefund,
		Amount:       amount,
		Unit:         UnitCurrency,
		BalanceAfter: w.EscrowBalance,
		Reference:    Reference{Type: "campaign", ID: campaignID},
		Notes:        reason,
	}))
	return copyTxn(txn), copyBrand(w), nil
}

// -----------------------------------------------------------------------------
// Withdrawal reservation lifecycle
// -----------------------------------------------------------------------------

func (m *MemoryStore) WithdrawReserve(ctx context.Context, creatorID, bankAccountID string, amount int64) (*Transaction, *CreatorWallet, error) {
	if amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.creators[creatorID]
	if !ok {
		return nil, nil, ErrWalletNotFound
	}
	if w.Balance < amount {
		return nil, nil, ErrInsufficientBalance
	}
	w.Balance -= amount
	w.PendingBalance += amount
	w.UpdatedAt = time.Now()

	txn := m.record(&Transaction{
		ActorID:      creatorID,
		ActorKind:    ActorCreator,
		Type:         TypeWithdrawal,
		Amount:       -amount,
		Unit:         UnitCurrency,
		BalanceAfter: w.Balance,
		Status:       StatusPending,
		Reference:    Reference{Type: "bank_account", ID: bankAccountID},
	})
	return copyTxn(txn), copyCreator(w), nil
}

func (m *MemoryStore) WithdrawSettle(ctx context.Context, txnID, externalRef string) (*Transaction, *CreatorWallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txns[ActorCreator][txnID]
	if !ok || t.Status != StatusPending {
		return nil, nil, ErrAlreadyProcessed
	}
	w, ok := m.creators[t.ActorID]
	if !ok {
		return nil, nil, ErrWalletNotFound
	}
	amount := -t.Amount

	w.PendingBalance -= amount
	w.TotalWithdrawals += amount
	w.UpdatedAt = time.Now()

	now := time.Now()
	t.Status = StatusCompleted
	t.PaymentRef = externalRef
	t.ProcessedAt = &now
	return copyTxn(t), copyCreator(w), nil
}

func (m *MemoryStore) WithdrawReverse(ctx context.Context, txnID, reason string) (*Transaction, *CreatorWallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txns[ActorCreator][txnID]
	if !ok || t.Status != StatusPending {
		return nil, nil, ErrAlreadyProcessed
	}
	w, ok := m.creators[t.ActorID]
	if !ok {
		return nil, nil, ErrWalletNotFound
	}
	amount := -t.Amount

	w.PendingBalance -= amount
	w.Balance += amount
	w.UpdatedAt = time.Now()

	now := time.Now()
	t.Status = StatusFailed
	t.FailureReason = reason
	t.BalanceAfter = w.Balance
	t.ProcessedAt = &now
	return copyTxn(t), copyCreator(w), nil
}

// -----------------------------------------------------------------------------
// Token debits, adjustments, gifts
// -----------------------------------------------------------------------------

func (m *MemoryStore) DebitTokens(ctx context.Context, brandID string, tokens int64, txType Type, ref Reference, notes string) (*Transaction, *BrandWallet, error) {
	if tokens <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.brandWs[brandID]
	if !ok {
		return nil, nil, ErrWalletNotFound
	}
	if w.TokenBalance < tokens {
		return nil, nil, ErrInsufficientTokens
	}
	w.TokenBalance -= tokens
	w.TotalTokensDebited += tokens
	w.UpdatedAt = time.Now()

	txn := m.record(completedNow(&Transaction{
		ActorID:      brandID,
		ActorKind:    ActorBrand,
		Type:         txType,
		Amount:       -tokens,
		Unit:         UnitToken,
		BalanceAfter: w.TokenBalance,
		Reference:    ref,
		Notes:        notes,
	}))
	return copyTxn(txn), copyBrand(w), nil
}

func (m *MemoryStore) AdjustCreatorBalance(ctx context.Context, creatorID string, amount int64, txType Type, ref Reference, notes string) (*Transaction, *CreatorWallet, error) {
	if amount == 0 {
		return nil, nil, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.creators[creatorID]
	if !ok {
		return nil, nil, ErrWalletNotFound
	}
	if w.Balance+amount < 0 {
		return nil, nil, ErrInsufficientBalance
	}
	w.Balance += amount
	if amount > 0 {
		w.TotalEarnings += amount
	}
	w.UpdatedAt = time.Now()

	txn := m.record(completedNow(&Transaction{
		ActorID:      creatorID,
		ActorKind:    ActorCreator,
		Type:         txType,
		Amount:       amount,
		Unit:         UnitCurrency,
		BalanceAfter: w.Balance,
		Reference:    ref,
		Notes:        notes,
	}))
	return copyTxn(txn), copyCreator(w), nil
}

func (m *MemoryStore) TransferGift(ctx context.Context, fromCreatorID, toCreatorID string, amount int64, notes string) (*GiftResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	from, ok := m.creators[fromCreatorID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	to, ok := m.creators[toCreatorID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	if from.Balance < amount {
		return nil, ErrInsufficientBalance
	}

	from.Balance -= amount
	from.UpdatedAt = time.Now()
	to.Balance += amount
	to.UpdatedAt = time.Now()

	sent := m.record(completedNow(&Transaction{
		ActorID:      fromCreatorID,
		ActorKind:    ActorCreator,
		Type:         TypeGiftSent,
		Amount:       -amount,
		Unit:         UnitCurrency,
		BalanceAfter: from.Balance,
		Reference:    Reference{Type: "creator", ID: toCreatorID},
		Notes:        notes,
	}))
	received := m.record(completedNow(&Transaction{
		ActorID:      toCreatorID,
		ActorKind:    ActorCreator,
		Type:         TypeGiftReceived,
		Amount:       amount,
		Unit:         UnitCurrency,
		BalanceAfter: to.Balance,
		Reference:    Reference{Type: "creator", ID: fromCreatorID},
		Notes:        notes,
	}))

	return &GiftResult{
		SentTxn:     copyTxn(sent),
		ReceivedTxn: copyTxn(received),
		Sender:      copyCreator(from),
		Recipient:   copyCreator(to),
	}, nil
}
