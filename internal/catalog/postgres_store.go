package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed catalogue store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const packageColumns = `id, name, tokens_included, price, campaign_token_cost, report_token_cost, validity_days, package_type, active, created_at`

func scanPackage(row interface{ Scan(...any) error }) (*Package, error) {
	p := &Package{}
	var pkgType string
	err := row.Scan(&p.ID, &p.Name, &p.TokensIncluded, &p.Price, &p.CampaignTokenCost,
		&p.ReportTokenCost, &p.ValidityDays, &pkgType, &p.Active, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.Type = PackageType(pkgType)
	return p, nil
}

// Get retrieves a package by id regardless of active state.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Package, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+packageColumns+` FROM packages WHERE id = $1
	`, id)
	p, err := scanPackage(row)
	if err == sql.ErrNoRows {
		return nil, ErrPackageNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetActive retrieves a package by id, treating inactive as not found.
func (s *PostgresStore) GetActive(ctx context.Context, id string) (*Package, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+packageColumns+` FROM packages WHERE id = $1 AND active = TRUE
	`, id)
	p, err := scanPackage(row)
	if err == sql.ErrNoRows {
		return nil, ErrPackageNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// List returns packages, optionally only active ones.
func (s *PostgresStore) List(ctx context.Context, activeOnly bool) ([]*Package, error) {
	query := `SELECT ` + packageColumns + ` FROM packages`
	if activeOnly {
		query += ` WHERE active = TRUE`
	}
	query += ` ORDER BY price ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var packages []*Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		packages = append(packages, p)
	}
	return packages, rows.Err()
}

// Create inserts a new package.
func (s *PostgresStore) Create(ctx context.Context, p *Package) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO packages (`+packageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, p.ID, p.Name, p.TokensIncluded, p.Price, p.CampaignTokenCost,
		p.ReportTokenCost, p.ValidityDays, string(p.Type), p.Active, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create package: %w", err)
	}
	return nil
}
