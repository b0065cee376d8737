package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/crewledger/crewledger/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL. Row-level locking plus
// CHECK constraints on every balance column are the concurrency-correctness
// mechanism; the service layer holds no in-memory locks.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func txnTable(kind ActorKind) string {
	if kind == ActorBrand {
		return "brand_transactions"
	}
	return "creator_transactions"
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if ok := asPQError(err, &pqErr); ok {
		return pqErr.Code == uniqueViolation
	}
	return false
}

// asPQError unwraps err into a *pq.Error.
func asPQError(err error, target **pq.Error) bool {
	for err != nil {
		if pe, ok := err.(*pq.Error); ok {
			*target = pe
			return true
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// -----------------------------------------------------------------------------
// Wallet accessor
// -----------------------------------------------------------------------------

const creatorWalletColumns = `id, creator_id, balance, pending_balance, total_earnings, total_withdrawals, currency, created_at, updated_at`

func scanCreatorWallet(row interface{ Scan(...any) error }) (*CreatorWallet, error) {
	w := &CreatorWallet{}
	err := row.Scan(&w.ID, &w.CreatorID, &w.Balance, &w.PendingBalance,
		&w.TotalEarnings, &w.TotalWithdrawals, &w.Currency, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return w, nil
}

const brandWalletColumns = `id, brand_id, token_balance, total_tokens_credited, total_tokens_debited,
	escrow_balance, escrow_on_hold, total_escrow_deposited, total_escrow_released, total_escrow_refunded,
	current_package_id, package_expires_at, created_at, updated_at`

func scanBrandWallet(row interface{ Scan(...any) error }) (*BrandWallet, error) {
	w := &BrandWallet{}
	var pkg sql.NullString
	var expires sql.NullTime
	err := row.Scan(&w.ID, &w.BrandID, &w.TokenBalance, &w.TotalTokensCredited, &w.TotalTokensDebited,
		&w.EscrowBalance, &w.EscrowOnHold, &w.TotalEscrowDeposited, &w.TotalEscrowReleased, &w.TotalEscrowRefunded,
		&pkg, &expires, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	w.CurrentPackageID = pkg.String
	if expires.Valid {
		t := expires.Time
		w.PackageExpiresAt = &t
	}
	return w, nil
}

// GetCreatorWallet fetches a creator wallet without creating it.
func (p *PostgresStore) GetCreatorWallet(ctx context.Context, creatorID string) (*CreatorWallet, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+creatorWalletColumns+` FROM creator_wallets WHERE creator_id = $1
	`, creatorID)
	w, err := scanCreatorWallet(row)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	return w, err
}

// GetBrandWallet fetches a brand wallet without creating it.
func (p *PostgresStore) GetBrandWallet(ctx context.Context, brandID string) (*BrandWallet, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+brandWalletColumns+` FROM brand_wallets WHERE brand_id = $1
	`, brandID)
	w, err := scanBrandWallet(row)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	return w, err
}

// GetOrCreateCreatorWallet materializes the wallet on first access.
// A concurrent-creation race loses the insert with a unique violation and
// re-fetches the winner's row, so one identity exists per creator.
func (p *PostgresStore) GetOrCreateCreatorWallet(ctx context.Context, creatorID, currency string) (*CreatorWallet, error) {
	w, err := p.GetCreatorWallet(ctx, creatorID)
	if err == nil {
		return w, nil
	}
	if err != ErrWalletNotFound {
		return nil, err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO creator_wallets (id, creator_id, currency, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
	`, idgen.WithPrefix("wal_"), creatorID, currency)
	if err != nil && !isUniqueViolation(err) {
		return nil, fmt.Errorf("failed to create creator wallet: %w", err)
	}

	return p.GetCreatorWallet(ctx, creatorID)
}

// GetOrCreateBrandWallet materializes the wallet on first access, crediting
// the trial package (if configured) and writing its transaction in the same
// commit. Requires an existing brand registration row.
func (p *PostgresStore) GetOrCreateBrandWallet(ctx context.Context, brandID string, trial *TrialCredit) (*BrandWallet, error) {
	w, err := p.GetBrandWallet(ctx, brandID)
	if err == nil {
		return w, nil
	}
	if err != ErrWalletNotFound {
		return nil, err
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM brands WHERE id = $1)
	`, brandID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNoBrandLinked
	}

	createErr := p.withTx(ctx, func(tx *sql.Tx) error {
		tokens := int64(0)
		if trial != nil {
			tokens = trial.Tokens
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO brand_wallets (id, brand_id, token_balance, total_tokens_credited, created_at, updated_at)
			VALUES ($1, $2, $3, $3, NOW(), NOW())
		`, idgen.WithPrefix("wal_"), brandID, tokens); err != nil {
			return err
		}

		if trial != nil && trial.Tokens > 0 {
			now := time.Now()
			txn := &Transaction{
				ID:           idgen.WithPrefix("txn_"),
				ActorID:      brandID,
				ActorKind:    ActorBrand,
				Type:         TypeTokenCredit,
				Amount:       trial.Tokens,
				Unit:         UnitToken,
				BalanceAfter: trial.Tokens,
				Status:       StatusCompleted,
				Reference:    Reference{Type: "package", ID: trial.Snapshot.PackageID},
				Package:      &trial.Snapshot,
				Notes:        "trial package credit",
				CreatedAt:    now,
				ProcessedAt:  &now,
			}
			if err := insertTxn(ctx, tx, txn); err != nil {
				return err
			}
		}
		return nil
	})
	// A concurrent first access may have won the insert; the transaction
	// rolled back whole, so no dangling trial-credit row exists.
	if createErr != nil && !isUniqueViolation(createErr) {
		return nil, fmt.Errorf("failed to create brand wallet: %w", createErr)
	}

	return p.GetBrandWallet(ctx, brandID)
}

// -----------------------------------------------------------------------------
// Transaction log
// -----------------------------------------------------------------------------

const txnColumns = `id, actor_id, type, amount, unit, balance_after, status, reference_type, reference_id,
	order_ref, payment_ref, package_snapshot, failure_reason, notes, created_at, processed_at`

func insertTxn(ctx context.Context, tx *sql.Tx, t *Transaction) error {
	var snapshot any
	if t.Package != nil {
		b, err := json.Marshal(t.Package)
		if err != nil {
			return fmt.Errorf("marshal package snapshot: %w", err)
		}
		snapshot = b
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO `+txnTable(t.ActorKind)+` (`+txnColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, t.ID, t.ActorID, string(t.Type), t.Amount, string(t.Unit), t.BalanceAfter, string(t.Status),
		nullable(t.Reference.Type), nullable(t.Reference.ID), nullable(t.OrderRef), nullable(t.PaymentRef),
		snapshot, nullable(t.FailureReason), nullable(t.Notes), t.CreatedAt, t.ProcessedAt)
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanTxn(row interface{ Scan(...any) error }, kind ActorKind) (*Transaction, error) {
	t := &Transaction{ActorKind: kind}
	var typ, unit, status string
	var refType, refID, orderRef, paymentRef, failureReason, notes sql.NullString
	var snapshot []byte
	var processedAt sql.NullTime

	err := row.Scan(&t.ID, &t.ActorID, &typ, &t.Amount, &unit, &t.BalanceAfter, &status,
		&refType, &refID, &orderRef, &paymentRef, &snapshot, &failureReason, &notes,
		&t.CreatedAt, &processedAt)
	if err != nil {
		return nil, err
	}

	t.Type = Type(typ)
	t.Unit = Unit(unit)
	t.Status = Status(status)
	t.Reference = Reference{Type: refType.String, ID: refID.String}
	t.OrderRef = orderRef.String
	t.PaymentRef = paymentRef.String
	t.FailureReason = failureReason.String
	t.Notes = notes.String
	if processedAt.Valid {
		at := processedAt.Time
		t.ProcessedAt = &at
	}
	if len(snapshot) > 0 {
		var ps PackageSnapshot
		if err := json.Unmarshal(snapshot, &ps); err != nil {
			return nil, fmt.Errorf("unmarshal package snapshot: %w", err)
		}
		t.Package = &ps
	}
	return t, nil
}

// CreatePending inserts a status=pending transaction row.
func (p *PostgresStore) CreatePending(ctx context.Context, txn *Transaction) error {
	txn.Status = StatusPending
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now()
	}
	return p.withTx(ctx, func(tx *sql.Tx) error {
		return insertTxn(ctx, tx, txn)
	})
}

// GetTransaction fetches one transaction from an actor-kind's log.
func (p *PostgresStore) GetTransaction(ctx context.Context, kind ActorKind, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+txnColumns+` FROM `+txnTable(kind)+` WHERE id = $1
	`, id)
	t, err := scanTxn(row, kind)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

// GetPendingByOrder fetches a pending transaction by id and gateway order
// reference. Absence means already-processed or forged input.
func (p *PostgresStore) GetPendingByOrder(ctx context.Context, kind ActorKind, id, orderRef string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+txnColumns+` FROM `+txnTable(kind)+`
		WHERE id = $1 AND order_ref = $2 AND status = 'pending'
	`, id, orderRef)
	t, err := scanTxn(row, kind)
	if err == sql.ErrNoRows {
		return nil, ErrAlreadyProcessed
	}
	return t, err
}

// FailTransaction flips a pending row to failed. Terminal rows are untouched.
func (p *PostgresStore) FailTransaction(ctx context.Context, kind ActorKind, id, reason string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE `+txnTable(kind)+` SET
			status = 'failed',
			failure_reason = $2,
			processed_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id, reason)
	return err
}

// List returns transactions matching the filter, newest first.
func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Transaction, error) {
	query := `SELECT ` + txnColumns + ` FROM ` + txnTable(f.ActorKind) + ` WHERE actor_id = $1`
	args := []any{f.ActorID}

	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND %s $%d", clause, len(args))
	}

	if f.Type != "" {
		add("type =", string(f.Type))
	}
	if f.Status != "" {
		add("status =", string(f.Status))
	}
	if f.Unit != "" {
		add("unit =", string(f.Unit))
	}
	if f.From != nil {
		add("created_at >=", *f.From)
	}
	if f.To != nil {
		add("created_at <=", *f.To)
	}
	if f.Cursor != nil {
		args = append(args, f.Cursor.CreatedAt, f.Cursor.ID)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}

	args = append(args, f.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTxn(rows, f.ActorKind)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// Pending-purchase completion
// -----------------------------------------------------------------------------

// lockPending reads a pending row FOR UPDATE. A verify/webhook race
// serializes on the row lock; the loser sees no pending row left.
func lockPending(ctx context.Context, tx *sql.Tx, kind ActorKind, txnID string) (*Transaction, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+txnColumns+` FROM `+txnTable(kind)+`
		WHERE id = $1 AND status = 'pending'
		FOR UPDATE
	`, txnID)
	t, err := scanTxn(row, kind)
	if err == sql.ErrNoRows {
		return nil, ErrAlreadyProcessed
	}
	return t, err
}

func completePending(ctx context.Context, tx *sql.Tx, kind ActorKind, txnID, paymentRef string, balanceAfter int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE `+txnTable(kind)+` SET
			status = 'completed',
			payment_ref = $2,
			balance_after = $3,
			processed_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, txnID, paymentRef, balanceAfter)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrAlreadyProcessed
	}
	return nil
}

// CompleteTokenCredit credits the tokens captured in the pending row's
// package snapshot and completes the row, in one transaction. Subscription
// packages also replace the wallet's tier and expiry.
func (p *PostgresStore) CompleteTokenCredit(ctx context.Context, txnID, paymentRef string) (*Transaction, *BrandWallet, error) {
	var txn *Transaction
	var wallet *BrandWallet

	err := p.withTx(ctx, func(tx *sql.Tx) error {
		pending, err := lockPending(ctx, tx, ActorBrand, txnID)
		if err != nil {
			return err
		}
		if pending.Package == nil {
			return fmt.Errorf("pending transaction %s has no package snapshot", txnID)
		}
		snap := pending.Package

		var row *sql.Row
		if snap.PackageType == "subscription" {
			expiry := time.Now().AddDate(0, 0, snap.ValidityDays)
			row = tx.QueryRowContext(ctx, `
				UPDATE brand_wallets SET
					token_balance         = token_balance + $2,
					total_tokens_credited = total_tokens_credited + $2,
					current_package_id    = $3,
					package_expires_at    = $4,
					updated_at            = NOW()
				WHERE brand_id = $1
				RETURNING `+brandWalletColumns+`
			`, pending.ActorID, snap.Tokens, snap.PackageID, expiry)
		} else {
			row = tx.QueryRowContext(ctx, `
				UPDATE brand_wallets SET
					token_balance         = token_balance + $2,
					total_tokens_credited = total_tokens_credited + $2,
					updated_at            = NOW()
				WHERE brand_id = $1
				RETURNING `+brandWalletColumns+`
			`, pending.ActorID, snap.Tokens)
		}

		wallet, err = scanBrandWallet(row)
		if err == sql.ErrNoRows {
			return ErrWalletNotFound
		}
		if err != nil {
			return err
		}

		if err := completePending(ctx, tx, ActorBrand, txnID, paymentRef, wallet.TokenBalance); err != nil {
			return err
		}
		txn = pending
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return p.reloadCompleted(ctx, ActorBrand, txn.ID, wallet)
}

// CompleteEscrowDeposit credits the pending row's amount to the available
// escrow pool and completes the row. Never touches on-hold.
func (p *PostgresStore) CompleteEscrowDeposit(ctx context.Context, txnID, paymentRef string) (*Transaction, *BrandWallet, error) {
	var txn *Transaction
	var wallet *BrandWallet

	err := p.withTx(ctx, func(tx *sql.Tx) error {
		pending, err := lockPending(ctx, tx, ActorBrand, txnID)
		if err != nil {
			return err
		}
		if pending.Amount <= 0 {
			return ErrInvalidAmount
		}

		row := tx.QueryRowContext(ctx, `
			UPDATE brand_wallets SET
				escrow_balance         = escrow_balance + $2,
				total_escrow_deposited = total_escrow_deposited + $2,
				updated_at             = NOW()
			WHERE brand_id = $1
			RETURNING `+brandWalletColumns+`
		`, pending.ActorID, pending.Amount)

		wallet, err = scanBrandWallet(row)
		if err == sql.ErrNoRows {
			return ErrWalletNotFound
		}
		if err != nil {
			return err
		}

		if err := completePending(ctx, tx, ActorBrand, txnID, paymentRef, wallet.EscrowBalance); err != nil {
			return err
		}
		txn = pending
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return p.reloadCompleted(ctx, ActorBrand, txn.ID, wallet)
}

func (p *PostgresStore) reloadCompleted(ctx context.Context, kind ActorKind, txnID string, wallet *BrandWallet) (*Transaction, *BrandWallet, error) {
	t, err := p.GetTransaction(ctx, kind, txnID)
	if err != nil {
		return nil, nil, err
	}
	return t, wallet, nil
}

// -----------------------------------------------------------------------------
// Escrow pool movements
// -----------------------------------------------------------------------------

// EscrowHold moves amount from the available pool to on-hold. The
// precondition and the decrement run in the same guarded UPDATE, so two
// holds cannot both spend the same funds.
func (p *PostgresStore) EscrowHold(ctx context.Context, brandID, campaignID string, amount int64) (*Transaction, *BrandWallet, error) {
	if amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}

	var txn *Transaction
	var wallet *BrandWallet

	err := p.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE brand_wallets SET
				escrow_balance = escrow_balance - $2,
				escrow_on_hold = escrow_on_hold + $2,
				updated_at     = NOW()
			WHERE brand_id = $1 AND escrow_balance >= $2
			RETURNING `+brandWalletColumns+`
		`, brandID, amount)

		var err error
		wallet, err = scanBrandWallet(row)
		if err == sql.ErrNoRows {
			return p.escrowShortfall(ctx, brandID)
		}
		if err != nil {
			return err
		}

		now := time.Now()
		txn = &Transaction{
			ID:           idgen.WithPrefix("txn_"),
			ActorID:      brandID,
			ActorKind:    ActorBrand,
			Type:         TypeEscrowHold,
			Amount:       -amount,
			Unit:         UnitCurrency,
			BalanceAfter: wallet.EscrowBalance,
			Status:       StatusCompleted,
			Reference:    Reference{Type: "campaign", ID: campaignID},
			CreatedAt:    now,
			ProcessedAt:  &now,
		}
		return insertTxn(ctx, tx, txn)
	})
	if err != nil {
		return nil, nil, err
	}
	return txn, wallet, nil
}

// escrowShortfall distinguishes a missing wallet from insufficient funds
// after a guarded UPDATE matched no row.
func (p *PostgresStore) escrowShortfall(ctx context.Context, brandID string) error {
	if _, err := p.GetBrandWallet(ctx, brandID); err != nil {
		return err
	}
	return ErrInsufficientEscrow
}

func (p *PostgresStore) holdShortfall(ctx context.Context, brandID string) error {
	if _, err := p.GetBrandWallet(ctx, brandID); err != nil {
		return err
	}
	return ErrInsufficientHold
}

// EscrowRelease pays a creator from the brand's on-hold pool. Both sides
// commit in one transaction: a crash cannot debit the brand without
// crediting the creator, or vice versa.
func (p *PostgresStore) EscrowRelease(ctx context.Context, rp ReleaseParams) (*ReleaseResult, error) {
	if rp.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	res := &ReleaseResult{}
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE brand_wallets SET
				escrow_on_hold        = escrow_on_hold - $2,
				total_escrow_released = total_escrow_released + $2,
				updated_at            = NOW()
			WHERE brand_id = $1 AND escrow_on_hold >= $2
			RETURNING `+brandWalletColumns+`
		`, rp.BrandID, rp.Amount)

		var err error
		res.Brand, err = scanBrandWallet(row)
		if err == sql.ErrNoRows {
			return p.holdShortfall(ctx, rp.BrandID)
		}
		if err != nil {
			return err
		}

		row = tx.QueryRowContext(ctx, `
			UPDATE creator_wallets SET
				balance        = balance + $2,
				total_earnings = total_earnings + $2,
				updated_at     = NOW()
			WHERE creator_id = $1
			RETURNING `+creatorWalletColumns+`
		`, rp.CreatorID, rp.Amount)

		res.Creator, err = scanCreatorWallet(row)
		if err == sql.ErrNoRows {
			return ErrWalletNotFound
		}
		if err != nil {
			return err
		}

		now := time.Now()
		res.BrandTxn = &Transaction{
			ID:           idgen.WithPrefix("txn_"),
			ActorID:      rp.BrandID,
			ActorKind:    ActorBrand,
			Type:         TypeEscrowRelease,
			Amount:       -rp.Amount,
			Unit:         UnitCurrency,
			BalanceAfter: res.Brand.EscrowOnHold,
			Status:       StatusCompleted,
			Reference:    Reference{Type: "campaign", ID: rp.CampaignID},
			Notes:        "released to creator " + rp.CreatorID,
			CreatedAt:    now,
			ProcessedAt:  &now,
		}
		if err := insertTxn(ctx, tx, res.BrandTxn); err != nil {
			return err
		}

		res.CreatorTxn = &Transaction{
			ID:           idgen.WithPrefix("txn_"),
			ActorID:      rp.CreatorID,
			ActorKind:    ActorCreator,
			Type:         TypeCampaignEarning,
			Amount:       rp.Amount,
			Unit:         UnitCurrency,
			BalanceAfter: res.Creator.Balance,
			Status:       StatusCompleted,
			Reference:    Reference{Type: "application", ID: rp.ApplicationID},
			Notes:        "campaign " + rp.CampaignID + " payout from brand " + rp.BrandID,
			CreatedAt:    now,
			ProcessedAt:  &now,
		}
		return insertTxn(ctx, tx, res.CreatorTxn)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// EscrowRefund returns on-hold funds to the available pool.
func (p *PostgresStore) EscrowRefund(ctx context.Context, brandID, campaignID string, amount int64, reason string) (*Transaction, *BrandWallet, error) {
	if amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}

	var txn *Transaction
	var wallet *BrandWallet

	err := p.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE brand_wallets SET
				escrow_on_hold        = escrow_on_hold - $2,
				escrow_balance        = escrow_balance + $2,
				total_escrow_refunded = total_escrow_refunded + $2,
				updated_at            = NOW()
			WHERE brand_id = $1 AND escrow_on_hold >= $2
			RETURNING `+brandWalletColumns+`
		`, brandID, amount)

		var err error
		wallet, err = scanBrandWallet(row)
		if err == sql.ErrNoRows {
			return p.holdShortfall(ctx, brandID)
		}
		if err != nil {
			return err
		}

		now := time.Now()
		txn = &Transaction{
			ID:           idgen.WithPrefix("txn_"),
			ActorID:      brandID,
			ActorKind:    ActorBrand,
			Type:         TypeEscrowRefund,
			Amount:       amount,
			Unit:         UnitCurrency,
			BalanceAfter: wallet.EscrowBalance,
			Status:       StatusCompleted,
			Reference:    Reference{Type: "campaign", ID: campaignID},
			Notes:        reason,
			CreatedAt:    now,
			ProcessedAt:  &now,
		}
		return insertTxn(ctx, tx, txn)
	})
	if err != nil {
		return nil, nil, err
	}
	return txn, wallet, nil
}

// -----------------------------------------------------------------------------
// Withdrawal reservation lifecycle
// -----------------------------------------------------------------------------

// WithdrawReserve moves amount from spendable balance to pending_balance and
// writes the pending withdrawal row. The balance check and the decrement are
// one guarded UPDATE, so two concurrent requests cannot reserve the same
// funds.
func (p *PostgresStore) WithdrawReserve(ctx context.Context, creatorID, bankAccountID string, amount int64) (*Transaction, *CreatorWallet, error) {
	if amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}

	var txn *Transaction
	var wallet *CreatorWallet

	err := p.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE creator_wallets SET
				balance         = balance - $2,
				pending_balance = pending_balance + $2,
				updated_at      = NOW()
			WHERE creator_id = $1 AND balance >= $2
			RETURNING `+creatorWalletColumns+`
		`, creatorID, amount)

		var err error
		wallet, err = scanCreatorWallet(row)
		if err == sql.ErrNoRows {
			if _, gerr := p.GetCreatorWallet(ctx, creatorID); gerr != nil {
				return gerr
			}
			return ErrInsufficientBalance
		}
		if err != nil {
			return err
		}

		txn = &Transaction{
			ID:           idgen.WithPrefix("txn_"),
			ActorID:      creatorID,
			ActorKind:    ActorCreator,
			Type:         TypeWithdrawal,
			Amount:       -amount,
			Unit:         UnitCurrency,
			BalanceAfter: wallet.Balance,
			Status:       StatusPending,
			Reference:    Reference{Type: "bank_account", ID: bankAccountID},
			CreatedAt:    time.Now(),
		}
		return insertTxn(ctx, tx, txn)
	})
	if err != nil {
		return nil, nil, err
	}
	return txn, wallet, nil
}

// WithdrawSettle finalizes a paid-out reservation: pending_balance down,
// total_withdrawals up, row completed. CAS on status=pending.
func (p *PostgresStore) WithdrawSettle(ctx context.Context, txnID, externalRef string) (*Transaction, *CreatorWallet, error) {
	var txn *Transaction
	var wallet *CreatorWallet

	err := p.withTx(ctx, func(tx *sql.Tx) error {
		pending, err := lockPending(ctx, tx, ActorCreator, txnID)
		if err != nil {
			return err
		}
		amount := -pending.Amount // reservation rows carry a negative amount

		row := tx.QueryRowContext(ctx, `
			UPDATE creator_wallets SET
				pending_balance   = pending_balance - $2,
				total_withdrawals = total_withdrawals + $2,
				updated_at        = NOW()
			WHERE creator_id = $1 AND pending_balance >= $2
			RETURNING `+creatorWalletColumns+`
		`, pending.ActorID, amount)

		wallet, err = scanCreatorWallet(row)
		if err == sql.ErrNoRows {
			return fmt.Errorf("withdrawal %s: reservation missing from pending_balance", txnID)
		}
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE `+txnTable(ActorCreator)+` SET
				status = 'completed',
				payment_ref = $2,
				processed_at = NOW()
			WHERE id = $1 AND status = 'pending'
		`, txnID, externalRef)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrAlreadyProcessed
		}
		txn = pending
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	t, err := p.GetTransaction(ctx, ActorCreator, txn.ID)
	if err != nil {
		return nil, nil, err
	}
	return t, wallet, nil
}

// WithdrawReverse returns a failed reservation to spendable balance and
// marks the row failed. The reservation resolves exactly once.
func (p *PostgresStore) WithdrawReverse(ctx context.Context, txnID, reason string) (*Transaction, *CreatorWallet, error) {
	var txn *Transaction
	var wallet *CreatorWallet

	err := p.withTx(ctx, func(tx *sql.Tx) error {
		pending, err := lockPending(ctx, tx, ActorCreator, txnID)
		if err != nil {
			return err
		}
		amount := -pending.Amount

		row := tx.QueryRowContext(ctx, `
			UPDATE creator_wallets SET
				pending_balance = pending_balance - $2,
				balance         = balance + $2,
				updated_at      = NOW()
			WHERE creator_id = $1 AND pending_balance >= $2
			RETURNING `+creatorWalletColumns+`
		`, pending.ActorID, amount)

		wallet, err = scanCreatorWallet(row)
		if err == sql.ErrNoRows {
			return fmt.Errorf("withdrawal %s: reservation missing from pending_balance", txnID)
		}
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE `+txnTable(ActorCreator)+` SET
				status = 'failed',
				failure_reason = $2,
				balance_after = $3,
				processed_at = NOW()
			WHERE id = $1 AND status = 'pending'
		`, txnID, reason, wallet.Balance)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrAlreadyProcessed
		}
		txn = pending
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	t, err := p.GetTransaction(ctx, ActorCreator, txn.ID)
	if err != nil {
		return nil, nil, err
	}
	return t, wallet, nil
}

// -----------------------------------------------------------------------------
// Token debits and creator credits
// -----------------------------------------------------------------------------

// DebitTokens removes tokens from a brand wallet for platform feature usage.
func (p *PostgresStore) DebitTokens(ctx context.Context, brandID string, tokens int64, txType Type, ref Reference, notes string) (*Transaction, *BrandWallet, error) {
	if tokens <= 0 {
		return nil, nil, ErrInvalidAmount
	}

	var txn *Transaction
	var wallet *BrandWallet

	err := p.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE brand_wallets SET
				token_balance        = token_balance - $2,
				total_tokens_debited = total_tokens_debited + $2,
				updated_at           = NOW()
			WHERE brand_id = $1 AND token_balance >= $2
			RETURNING `+brandWalletColumns+`
		`, brandID, tokens)

		var err error
		wallet, err = scanBrandWallet(row)
		if err == sql.ErrNoRows {
			if _, gerr := p.GetBrandWallet(ctx, brandID); gerr != nil {
				return gerr
			}
			return ErrInsufficientTokens
		}
		if err != nil {
			return err
		}

		now := time.Now()
		txn = &Transaction{
			ID:           idgen.WithPrefix("txn_"),
			ActorID:      brandID,
			ActorKind:    ActorBrand,
			Type:         txType,
			Amount:       -tokens,
			Unit:         UnitToken,
			BalanceAfter: wallet.TokenBalance,
			Status:       StatusCompleted,
			Reference:    ref,
			Notes:        notes,
			CreatedAt:    now,
			ProcessedAt:  &now,
		}
		return insertTxn(ctx, tx, txn)
	})
	if err != nil {
		return nil, nil, err
	}
	return txn, wallet, nil
}

// AdjustCreatorBalance applies a signed credit or debit to a creator wallet.
// Debits are guarded so the balance never goes negative.
func (p *PostgresStore) AdjustCreatorBalance(ctx context.Context, creatorID string, amount int64, txType Type, ref Reference, notes string) (*Transaction, *CreatorWallet, error) {
	if amount == 0 {
		return nil, nil, ErrInvalidAmount
	}

	var txn *Transaction
	var wallet *CreatorWallet

	err := p.withTx(ctx, func(tx *sql.Tx) error {
		earnings := int64(0)
		if amount > 0 {
			earnings = amount
		}
		row := tx.QueryRowContext(ctx, `
			UPDATE creator_wallets SET
				balance        = balance + $2,
				total_earnings = total_earnings + $3,
				updated_at     = NOW()
			WHERE creator_id = $1 AND balance + $2 >= 0
			RETURNING `+creatorWalletColumns+`
		`, creatorID, amount, earnings)

		var err error
		wallet, err = scanCreatorWallet(row)
		if err == sql.ErrNoRows {
			if _, gerr := p.GetCreatorWallet(ctx, creatorID); gerr != nil {
				return gerr
			}
			return ErrInsufficientBalance
		}
		if err != nil {
			return err
		}

		now := time.Now()
		txn = &Transaction{
			ID:           idgen.WithPrefix("txn_"),
			ActorID:      creatorID,
			ActorKind:    ActorCreator,
			Type:         txType,
			Amount:       amount,
			Unit:         UnitCurrency,
			BalanceAfter: wallet.Balance,
			Status:       StatusCompleted,
			Reference:    ref,
			Notes:        notes,
			CreatedAt:    now,
			ProcessedAt:  &now,
		}
		return insertTxn(ctx, tx, txn)
	})
	if err != nil {
		return nil, nil, err
	}
	return txn, wallet, nil
}

// TransferGift moves spendable balance between creators, writing both rows
// in one transaction.
func (p *PostgresStore) TransferGift(ctx context.Context, fromCreatorID, toCreatorID string, amount int64, notes string) (*GiftResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	res := &GiftResult{}
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE creator_wallets SET
				balance    = balance - $2,
				updated_at = NOW()
			WHERE creator_id = $1 AND balance >= $2
			RETURNING `+creatorWalletColumns+`
		`, fromCreatorID, amount)

		var err error
		res.Sender, err = scanCreatorWallet(row)
		if err == sql.ErrNoRows {
			if _, gerr := p.GetCreatorWallet(ctx, fromCreatorID); gerr != nil {
				return gerr
			}
			return ErrInsufficientBalance
		}
		if err != nil {
			return err
		}

		row = tx.QueryRowContext(ctx, `
			UPDATE creator_wallets SET
				balance    = balance + $2,
				updated_at = NOW()
			WHERE creator_id = $1
			RETURNING `+creatorWalletColumns+`
		`, toCreatorID, amount)

		res.Recipient, err = scanCreatorWallet(row)
		if err == sql.ErrNoRows {
			return ErrWalletNotFound
		}
		if err != nil {
			return err
		}

		now := time.Now()
		res.SentTxn = &Transaction{
			ID:           idgen.WithPrefix("txn_"),
			ActorID:      fromCreatorID,
			ActorKind:    ActorCreator,
			Type:         TypeGiftSent,
			Amount:       -amount,
			Unit:         UnitCurrency,
			BalanceAfter: res.Sender.Balance,
			Status:       StatusCompleted,
			Reference:    Reference{Type: "creator", ID: toCreatorID},
			Notes:        notes,
			CreatedAt:    now,
			ProcessedAt:  &now,
		}
		if err := insertTxn(ctx, tx, res.SentTxn); err != nil {
			return err
		}

		res.ReceivedTxn = &Transaction{
			ID:           idgen.WithPrefix("txn_"),
			ActorID:      toCreatorID,
			ActorKind:    ActorCreator,
			Type:         TypeGiftReceived,
			Amount:       amount,
			Unit:         UnitCurrency,
			BalanceAfter: res.Recipient.Balance,
			Status:       StatusCompleted,
			Reference:    Reference{Type: "creator", ID: fromCreatorID},
			Notes:        notes,
			CreatedAt:    now,
			ProcessedAt:  &now,
		}
		return insertTxn(ctx, tx, res.ReceivedTxn)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
