package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/vnmchuo/coin-advisor/internal/pricing"
)

// SQLiteStore is the default single-file ledger. SQLite serializes writers
// per database, so a deduction is one conditional UPDATE: the comparison and
// the write happen under the same write lock.
type SQLiteStore struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewSQLiteStore(db *sql.DB, log zerolog.Logger) *SQLiteStore {
	return &SQLiteStore{db: db, log: log}
}

// Migrate creates the users table and backfills initial_balance_usd on
// databases created before that column existed.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		balance_usd REAL NOT NULL DEFAULT 0.0 CHECK (balance_usd >= 0),
		initial_balance_usd REAL NOT NULL DEFAULT 0.0
	);
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "PRAGMA table_info(users)")
	if err != nil {
		return fmt.Errorf("failed to inspect users table: %w", err)
	}
	hasInitial := false
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan column info: %w", err)
		}
		if name == "initial_balance_usd" {
			hasInitial = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating column info: %w", err)
	}

	if !hasInitial {
		s.log.Info().Msg("adding initial_balance_usd column to users")
		stmts := []string{
			"ALTER TABLE users ADD COLUMN initial_balance_usd REAL NOT NULL DEFAULT 0.0",
			"UPDATE users SET initial_balance_usd = balance_usd WHERE initial_balance_usd = 0.0",
		}
		for _, stmt := range stmts {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to migrate users table: %w", err)
			}
		}
	}
	return nil
}

func (s *SQLiteStore) EnsureUser(ctx context.Context, username string, startBalance float64) error {
	if err := validateAmount(startBalance); err != nil {
		return err
	}
	b := pricing.Round6(startBalance)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (username, balance_usd, initial_balance_usd) VALUES (?, ?, ?)`,
		username, b, b,
	)
	if err != nil {
		return unavailable("ensure user", err)
	}
	return nil
}

func (s *SQLiteStore) GetBalance(ctx context.Context, username string) (float64, error) {
	var balance float64
	err := s.db.QueryRowContext(ctx, `SELECT balance_usd FROM users WHERE username = ?`, username).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("get balance", err)
	}
	return balance, nil
}

func (s *SQLiteStore) GetUserInfo(ctx context.Context, username string) (*User, error) {
	u := User{Username: username}
	err := s.db.QueryRowContext(ctx,
		`SELECT balance_usd, initial_balance_usd FROM users WHERE username = ?`, username,
	).Scan(&u.BalanceUSD, &u.InitialBalanceUSD)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, unavailable("get user info", err)
	}
	return &u, nil
}

func (s *SQLiteStore) Deduct(ctx context.Context, username string, amount float64) (float64, error) {
	if err := validateAmount(amount); err != nil {
		return 0, err
	}

	var newBalance float64
	err := s.db.QueryRowContext(ctx, `
		UPDATE users
		SET balance_usd = ROUND(balance_usd - ?, 6)
		WHERE username = ? AND balance_usd >= ?
		RETURNING balance_usd`,
		amount, username, amount,
	).Scan(&newBalance)
	if err == nil {
		return pricing.Round6(newBalance), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, unavailable("deduct", err)
	}

	// Nothing was written; find out why for the caller.
	u, err := s.GetUserInfo(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		return 0, unknownUser(username)
	}
	if err != nil {
		return 0, err
	}
	s.log.Debug().Str("username", username).Float64("balance_usd", u.BalanceUSD).Float64("amount_usd", amount).Msg("deduction rejected")
	return 0, insufficient(username, u.BalanceUSD, amount)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
