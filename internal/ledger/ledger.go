// Package ledger is the only place account balances change.
//
// Every backend implements Deduct as a single atomic read-compare-write on
// one account: two concurrent deductions can never both observe the same
// pre-deduction balance and both succeed if together they would overdraw it.
// Contention is scoped to the account being mutated wherever the backend
// allows it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrUnavailable       = errors.New("ledger unavailable")
	ErrUserNotFound      = errors.New("user not found")
)

type User struct {
	Username          string  `json:"username"`
	BalanceUSD        float64 `json:"balance_usd"`
	InitialBalanceUSD float64 `json:"initial_balance_usd"`
}

type Store interface {
	// EnsureUser creates the account if it does not exist. An existing
	// account is left untouched.
	EnsureUser(ctx context.Context, username string, startBalance float64) error
	// GetBalance reports 0 for an unknown user. Errors are storage failures.
	GetBalance(ctx context.Context, username string) (float64, error)
	// GetUserInfo returns ErrUserNotFound for an unknown user.
	GetUserInfo(ctx context.Context, username string) (*User, error)
	// Deduct atomically subtracts amount and returns the new balance,
	// rounded to 6 decimals. An unknown user has nothing to spend and gets
	// ErrInsufficientFunds.
	Deduct(ctx context.Context, username string, amount float64) (float64, error)
	Close() error
}

func validateAmount(amount float64) error {
	if amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, amount)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

func insufficient(username string, balance, amount float64) error {
	return fmt.Errorf("%w: %q has %.6f, needs %g", ErrInsufficientFunds, username, balance, amount)
}

func unknownUser(username string) error {
	return fmt.Errorf("%w: unknown user %q", ErrInsufficientFunds, username)
}
