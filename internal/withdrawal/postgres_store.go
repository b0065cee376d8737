package withdrawal

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresAccountStore implements AccountStore with PostgreSQL. A partial
// unique index on (creator_id) WHERE is_primary enforces the single-primary
// rule at the schema level; SetPrimary demotes and promotes in one
// transaction so the index never sees two primaries.
type PostgresAccountStore struct {
	db *sql.DB
}

// NewPostgresAccountStore creates a new PostgreSQL-backed account store.
func NewPostgresAccountStore(db *sql.DB) *PostgresAccountStore {
	return &PostgresAccountStore{db: db}
}

const accountColumns = `id, creator_id, holder_name, account_number, ifsc, status, is_primary, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*BankAccount, error) {
	a := &BankAccount{}
	var status string
	err := row.Scan(&a.ID, &a.CreatorID, &a.HolderName, &a.AccountNumber, &a.IFSC,
		&status, &a.IsPrimary, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = AccountStatus(status)
	a.Last4 = last4(a.AccountNumber)
	return a, nil
}

func (s *PostgresAccountStore) Create(ctx context.Context, a *BankAccount) error {
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bank_accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.CreatorID, a.HolderName, a.AccountNumber, a.IFSC,
		string(a.Status), a.IsPrimary, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create bank account: %w", err)
	}
	return nil
}

func (s *PostgresAccountStore) Get(ctx context.Context, id string) (*BankAccount, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+` FROM bank_accounts WHERE id = $1
	`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	return a, err
}

func (s *PostgresAccountStore) ListByCreator(ctx context.Context, creatorID string) ([]*BankAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM bank_accounts
		WHERE creator_id = $1
		ORDER BY is_primary DESC, created_at DESC
	`, creatorID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*BankAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresAccountStore) SetPrimary(ctx context.Context, creatorID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE bank_accounts SET is_primary = FALSE, updated_at = NOW()
		WHERE creator_id = $1 AND is_primary
	`, creatorID); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE bank_accounts SET is_primary = TRUE, updated_at = NOW()
		WHERE id = $1 AND creator_id = $2
	`, id, creatorID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	return tx.Commit()
}

func (s *PostgresAccountStore) SetStatus(ctx context.Context, id string, status AccountStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bank_accounts SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id, string(status))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrAccountReviewed
	}
	return nil
}
