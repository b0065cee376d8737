package unlock

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/crewledger/crewledger/internal/idgen"
	"github.com/crewledger/crewledger/internal/ledger"
)

// PostgresStore implements Store with PostgreSQL. The unlock insert, the
// token debit, and the log row share one transaction; a unique index on
// (brand_id, creator_id) resolves concurrent first unlocks to one charge.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed unlock store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const unlockColumns = `id, brand_id, creator_id, tokens, transaction_id, created_at`

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	r := &Record{}
	err := row.Scan(&r.ID, &r.BrandID, &r.CreatorID, &r.Tokens, &r.TransactionID, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) Unlock(ctx context.Context, brandID, creatorID string, tokens int64) (*Record, bool, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	rec := &Record{
		ID:            idgen.WithPrefix("unl_"),
		BrandID:       brandID,
		CreatorID:     creatorID,
		Tokens:        tokens,
		TransactionID: idgen.WithPrefix("txn_"),
		CreatedAt:     now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO unlocks (`+unlockColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.ID, rec.BrandID, rec.CreatorID, rec.Tokens, rec.TransactionID, rec.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			// Pair already unlocked; no charge.
			existing, gerr := p.Get(ctx, brandID, creatorID)
			if gerr != nil {
				return nil, false, gerr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	var balanceAfter int64
	err = tx.QueryRowContext(ctx, `
		UPDATE brand_wallets SET
			token_balance        = token_balance - $2,
			total_tokens_debited = total_tokens_debited + $2,
			updated_at           = NOW()
		WHERE brand_id = $1 AND token_balance >= $2
		RETURNING token_balance
	`, brandID, tokens).Scan(&balanceAfter)
	if err == sql.ErrNoRows {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM brand_wallets WHERE brand_id = $1)
		`, brandID).Scan(&exists); err != nil {
			return nil, false, err
		}
		if !exists {
			return nil, false, ledger.ErrWalletNotFound
		}
		return nil, false, ledger.ErrInsufficientTokens
	}
	if err != nil {
		return nil, false, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO brand_transactions
			(id, actor_id, type, amount, unit, balance_after, status,
			 reference_type, reference_id, notes, created_at, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'completed', 'creator', $7, $8, $9, $9)
	`, rec.TransactionID, brandID, string(ledger.TypeCreatorUnlock), -tokens,
		string(ledger.UnitToken), balanceAfter, creatorID, "contact unlock", now)
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (p *PostgresStore) Get(ctx context.Context, brandID, creatorID string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+unlockColumns+` FROM unlocks WHERE brand_id = $1 AND creator_id = $2
	`, brandID, creatorID)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrUnlockNotFound
	}
	return r, err
}

func (p *PostgresStore) ListByBrand(ctx context.Context, brandID string) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+unlockColumns+` FROM unlocks WHERE brand_id = $1 ORDER BY created_at DESC
	`, brandID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
