package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/vnmchuo/coin-advisor/internal/pricing"
)

type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore locks the single account row for the duration of a
// deduction; other accounts are never blocked.
type PostgresStore struct {
	db  DB
	log zerolog.Logger
}

func NewPostgresStore(db DB, log zerolog.Logger) *PostgresStore {
	return &PostgresStore{db: db, log: log}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS users (
			username            TEXT PRIMARY KEY,
			balance_usd         NUMERIC(18, 6) NOT NULL DEFAULT 0 CHECK (balance_usd >= 0),
			initial_balance_usd NUMERIC(18, 6) NOT NULL DEFAULT 0,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`
	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}
	return nil
}

func (s *PostgresStore) EnsureUser(ctx context.Context, username string, startBalance float64) error {
	if err := validateAmount(startBalance); err != nil {
		return err
	}
	b := pricing.Round6(startBalance)
	query := `
		INSERT INTO users (username, balance_usd, initial_balance_usd)
		VALUES ($1, $2, $2)
		ON CONFLICT (username) DO NOTHING
	`
	if _, err := s.db.Exec(ctx, query, username, b); err != nil {
		return unavailable("ensure user", err)
	}
	return nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, username string) (float64, error) {
	var balance float64
	err := s.db.QueryRow(ctx, `SELECT balance_usd::float8 FROM users WHERE username = $1`, username).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("get balance", err)
	}
	return balance, nil
}

func (s *PostgresStore) GetUserInfo(ctx context.Context, username string) (*User, error) {
	u := User{Username: username}
	err := s.db.QueryRow(ctx, `
		SELECT balance_usd::float8, initial_balance_usd::float8
		FROM users
		WHERE username = $1
	`, username).Scan(&u.BalanceUSD, &u.InitialBalanceUSD)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, unavailable("get user info", err)
	}
	return &u, nil
}

func (s *PostgresStore) Deduct(ctx context.Context, username string, amount float64) (float64, error) {
	if err := validateAmount(amount); err != nil {
		return 0, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, unavailable("begin deduct", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current float64
	err = tx.QueryRow(ctx,
		`SELECT balance_usd::float8 FROM users WHERE username = $1 FOR UPDATE`, username,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, unknownUser(username)
	}
	if err != nil {
		return 0, unavailable("lock account", err)
	}

	if current < amount {
		s.log.Debug().Str("username", username).Float64("balance_usd", current).Float64("amount_usd", amount).Msg("deduction rejected")
		return 0, insufficient(username, current, amount)
	}

	newBalance := pricing.Round6(current - amount)
	if _, err := tx.Exec(ctx, `UPDATE users SET balance_usd = $1 WHERE username = $2`, newBalance, username); err != nil {
		return 0, unavailable("update balance", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, unavailable("commit deduct", err)
	}
	return newBalance, nil
}

// Close is a no-op; the pool is owned by the caller and shared with the
// charge log.
func (s *PostgresStore) Close() error { return nil }
