package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{`
		CREATE TABLE IF NOT EXISTS charges (
			id                 UUID PRIMARY KEY,
			username           TEXT NOT NULL,
			request_id         TEXT NOT NULL,
			coin               TEXT NOT NULL,
			model              TEXT NOT NULL,
			provider           TEXT NOT NULL,
			input_tokens       INTEGER NOT NULL,
			output_tokens      INTEGER NOT NULL,
			total_tokens       INTEGER NOT NULL,
			estimated_cost_usd NUMERIC(18, 6) NOT NULL,
			actual_cost_usd    NUMERIC(18, 6) NOT NULL,
			balance_after_usd  NUMERIC(18, 6) NOT NULL,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_charges_username_created ON charges (username, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate charges: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) LogCharge(ctx context.Context, c *Charge) error {
	prepare(c)
	query := `
		INSERT INTO charges (id, username, request_id, coin, model, provider,
			input_tokens, output_tokens, total_tokens,
			estimated_cost_usd, actual_cost_usd, balance_after_usd, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := s.db.Exec(ctx, query,
		c.ID, c.Username, c.RequestID, c.Coin, c.Model, c.Provider,
		c.InputTokens, c.OutputTokens, c.TotalTokens,
		c.EstimatedCostUSD, c.ActualCostUSD, c.BalanceAfterUSD, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to log charge: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCharges(ctx context.Context, username string, from, to time.Time) ([]*Charge, error) {
	query := `
		SELECT id::text, username, request_id, coin, model, provider,
			input_tokens, output_tokens, total_tokens,
			estimated_cost_usd::float8, actual_cost_usd::float8, balance_after_usd::float8, created_at
		FROM charges
		WHERE username = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, username, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query charges: %w", err)
	}
	defer rows.Close()

	var charges []*Charge
	for rows.Next() {
		var c Charge
		err := rows.Scan(
			&c.ID, &c.Username, &c.RequestID, &c.Coin, &c.Model, &c.Provider,
			&c.InputTokens, &c.OutputTokens, &c.TotalTokens,
			&c.EstimatedCostUSD, &c.ActualCostUSD, &c.BalanceAfterUSD, &c.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan charge: %w", err)
		}
		charges = append(charges, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating charges: %w", err)
	}

	return charges, nil
}
