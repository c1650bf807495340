package ledger

import (
	"context"
	"sync"

	"github.com/vnmchuo/coin-advisor/internal/pricing"
)

type account struct {
	mu      sync.Mutex
	balance float64
	initial float64
}

// MemoryStore keeps accounts in process memory. The map lock only guards
// membership; balances are guarded per account.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*account
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*account)}
}

func (s *MemoryStore) EnsureUser(ctx context.Context, username string, startBalance float64) error {
	if err := validateAmount(startBalance); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[username]; ok {
		return nil
	}
	b := pricing.Round6(startBalance)
	s.accounts[username] = &account{balance: b, initial: b}
	return nil
}

func (s *MemoryStore) lookup(username string) *account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accounts[username]
}

func (s *MemoryStore) GetBalance(ctx context.Context, username string) (float64, error) {
	acc := s.lookup(username)
	if acc == nil {
		return 0, nil
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.balance, nil
}

func (s *MemoryStore) GetUserInfo(ctx context.Context, username string) (*User, error) {
	acc := s.lookup(username)
	if acc == nil {
		return nil, ErrUserNotFound
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return &User{Username: username, BalanceUSD: acc.balance, InitialBalanceUSD: acc.initial}, nil
}

func (s *MemoryStore) Deduct(ctx context.Context, username string, amount float64) (float64, error) {
	if err := validateAmount(amount); err != nil {
		return 0, err
	}
	acc := s.lookup(username)
	if acc == nil {
		return 0, unknownUser(username)
	}

	acc.mu.Lock()
	defer acc.mu.Unlock()
	if acc.balance < amount {
		return 0, insufficient(username, acc.balance, amount)
	}
	acc.balance = pricing.Round6(acc.balance - amount)
	return acc.balance, nil
}

func (s *MemoryStore) Close() error { return nil }
