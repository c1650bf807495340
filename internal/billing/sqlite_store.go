package billing

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteStore shares the ledger's database file. Timestamps are stored as
// fixed-width UTC text so lexical order matches time order.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	stmts := []string{`
		CREATE TABLE IF NOT EXISTS charges (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			request_id TEXT NOT NULL,
			coin TEXT NOT NULL,
			model TEXT NOT NULL,
			provider TEXT NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			total_tokens INTEGER NOT NULL,
			estimated_cost_usd REAL NOT NULL,
			actual_cost_usd REAL NOT NULL,
			balance_after_usd REAL NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_charges_username_created ON charges (username, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate charges: %w", err)
		}
	}
	return nil
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func (s *SQLiteStore) LogCharge(ctx context.Context, c *Charge) error {
	prepare(c)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO charges (id, username, request_id, coin, model, provider,
			input_tokens, output_tokens, total_tokens,
			estimated_cost_usd, actual_cost_usd, balance_after_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Username, c.RequestID, c.Coin, c.Model, c.Provider,
		c.InputTokens, c.OutputTokens, c.TotalTokens,
		c.EstimatedCostUSD, c.ActualCostUSD, c.BalanceAfterUSD, formatTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to log charge: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListCharges(ctx context.Context, username string, from, to time.Time) ([]*Charge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, request_id, coin, model, provider,
			input_tokens, output_tokens, total_tokens,
			estimated_cost_usd, actual_cost_usd, balance_after_usd, created_at
		FROM charges
		WHERE username = ? AND created_at BETWEEN ? AND ?
		ORDER BY created_at DESC`,
		username, formatTime(from), formatTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query charges: %w", err)
	}
	defer rows.Close()

	var charges []*Charge
	for rows.Next() {
		var (
			c       Charge
			created string
		)
		err := rows.Scan(
			&c.ID, &c.Username, &c.RequestID, &c.Coin, &c.Model, &c.Provider,
			&c.InputTokens, &c.OutputTokens, &c.TotalTokens,
			&c.EstimatedCostUSD, &c.ActualCostUSD, &c.BalanceAfterUSD, &created,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan charge: %w", err)
		}
		if c.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("failed to parse charge time: %w", err)
		}
		charges = append(charges, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating charges: %w", err)
	}

	return charges, nil
}
