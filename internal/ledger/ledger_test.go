package ledger

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vnmchuo/coin-advisor/internal/db"
)

type storeFactory func(t *testing.T) Store

func backends(t *testing.T) map[string]storeFactory {
	t.Helper()
	b := map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": newTestSQLiteStore,
	}
	if dsn := os.Getenv("TEST_POSTGRES_DSN"); dsn != "" {
		b["postgres"] = func(t *testing.T) Store { return newTestPostgresStore(t, dsn) }
	}
	b["redis"] = func(t *testing.T) Store {
		addr := os.Getenv("TEST_REDIS_ADDR")
		if addr == "" {
			addr = miniredis.RunT(t).Addr()
		}
		return newTestRedisStore(t, addr)
	}
	return b
}

func newTestSQLiteStore(t *testing.T) Store {
	t.Helper()
	ctx := context.Background()
	sqlDB, err := db.OpenSQLite(ctx, filepath.Join(t.TempDir(), "wallet.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	s := NewSQLiteStore(sqlDB, zerolog.Nop())
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestPostgresStore(t *testing.T, dsn string) Store {
	t.Helper()
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New failed: %v", err)
	}
	t.Cleanup(pool.Close)
	s := NewPostgresStore(pool, zerolog.Nop())
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	return s
}

func newTestRedisStore(t *testing.T, addr string) Store {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}
	s := NewRedisStore(rdb, zerolog.Nop())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// uniqueUser keeps shared Postgres and Redis instances free of cross-test
// collisions.
func uniqueUser(name string) string {
	return name + "-" + uuid.NewString()
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestStores(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("EnsureUserIsIdempotent", func(t *testing.T) { testEnsureUserIsIdempotent(t, factory(t)) })
			t.Run("UnknownUser", func(t *testing.T) { testUnknownUser(t, factory(t)) })
			t.Run("DeductRoundTrip", func(t *testing.T) { testDeductRoundTrip(t, factory(t)) })
			t.Run("InsufficientFundsLeavesBalance", func(t *testing.T) { testInsufficientFunds(t, factory(t)) })
			t.Run("SubMicroOverdrawRejected", func(t *testing.T) { testSubMicroOverdraw(t, factory(t)) })
			t.Run("InvalidAmount", func(t *testing.T) { testInvalidAmount(t, factory(t)) })
			t.Run("ZeroDeduction", func(t *testing.T) { testZeroDeduction(t, factory(t)) })
			t.Run("ConcurrentDeductionsConserveFunds", func(t *testing.T) { testConcurrentDeductions(t, factory(t)) })
		})
	}
}

func testEnsureUserIsIdempotent(t *testing.T, s Store) {
	ctx := context.Background()
	user := uniqueUser("admin")

	if err := s.EnsureUser(ctx, user, 0.05); err != nil {
		t.Fatalf("EnsureUser failed: %v", err)
	}
	if _, err := s.Deduct(ctx, user, 0.01); err != nil {
		t.Fatalf("Deduct failed: %v", err)
	}
	if err := s.EnsureUser(ctx, user, 0.05); err != nil {
		t.Fatalf("second EnsureUser failed: %v", err)
	}

	info, err := s.GetUserInfo(ctx, user)
	if err != nil {
		t.Fatalf("GetUserInfo failed: %v", err)
	}
	if !almostEqual(info.BalanceUSD, 0.04) {
		t.Errorf("Expected balance 0.04 after re-bootstrap, got %v", info.BalanceUSD)
	}
	if !almostEqual(info.InitialBalanceUSD, 0.05) {
		t.Errorf("Expected initial balance 0.05, got %v", info.InitialBalanceUSD)
	}
}

func testUnknownUser(t *testing.T, s Store) {
	ctx := context.Background()
	user := uniqueUser("ghost")

	balance, err := s.GetBalance(ctx, user)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance != 0 {
		t.Errorf("Expected 0 balance for unknown user, got %v", balance)
	}

	if _, err := s.GetUserInfo(ctx, user); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}

	if _, err := s.Deduct(ctx, user, 0.00001); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("Expected ErrInsufficientFunds for unknown user, got %v", err)
	}
}

func testDeductRoundTrip(t *testing.T, s Store) {
	ctx := context.Background()
	user := uniqueUser("admin")
	if err := s.EnsureUser(ctx, user, 0.05); err != nil {
		t.Fatalf("EnsureUser failed: %v", err)
	}

	got, err := s.Deduct(ctx, user, 0.00006)
	if err != nil {
		t.Fatalf("Deduct failed: %v", err)
	}
	if got != 0.04994 {
		t.Errorf("Expected new balance 0.04994, got %v", got)
	}

	balance, err := s.GetBalance(ctx, user)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if !almostEqual(balance, 0.04994) {
		t.Errorf("Expected stored balance 0.04994, got %v", balance)
	}
}

func testInsufficientFunds(t *testing.T, s Store) {
	ctx := context.Background()
	user := uniqueUser("user")
	if err := s.EnsureUser(ctx, user, 0.00001); err != nil {
		t.Fatalf("EnsureUser failed: %v", err)
	}

	_, err := s.Deduct(ctx, user, 0.00006)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("Expected ErrInsufficientFunds, got %v", err)
	}

	balance, err := s.GetBalance(ctx, user)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if !almostEqual(balance, 0.00001) {
		t.Errorf("Expected balance to stay 0.00001, got %v", balance)
	}
}

func testSubMicroOverdraw(t *testing.T, s Store) {
	ctx := context.Background()
	user := uniqueUser("edge")
	if err := s.EnsureUser(ctx, user, 0.00005); err != nil {
		t.Fatalf("EnsureUser failed: %v", err)
	}

	_, err := s.Deduct(ctx, user, 0.0000504)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("Expected ErrInsufficientFunds, got %v", err)
	}
	if !strings.Contains(err.Error(), "5.04e-05") {
		t.Errorf("Expected the unrounded amount in %q", err.Error())
	}

	balance, err := s.GetBalance(ctx, user)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if !almostEqual(balance, 0.00005) {
		t.Errorf("Expected balance to stay 0.00005, got %v", balance)
	}

	got, err := s.Deduct(ctx, user, 0.0000496)
	if err != nil {
		t.Fatalf("Deduct within balance failed: %v", err)
	}
	if got != 0 {
		t.Errorf("Expected rounded balance 0, got %v", got)
	}
}

func testInvalidAmount(t *testing.T, s Store) {
	ctx := context.Background()
	user := uniqueUser("user")
	if err := s.EnsureUser(ctx, user, 0.05); err != nil {
		t.Fatalf("EnsureUser failed: %v", err)
	}

	for _, amount := range []float64{-0.01, math.NaN(), math.Inf(1)} {
		if _, err := s.Deduct(ctx, user, amount); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Deduct(%v): expected ErrInvalidAmount, got %v", amount, err)
		}
	}
	if err := s.EnsureUser(ctx, uniqueUser("neg"), -1); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("EnsureUser(-1): expected ErrInvalidAmount, got %v", err)
	}

	balance, _ := s.GetBalance(ctx, user)
	if !almostEqual(balance, 0.05) {
		t.Errorf("Expected balance untouched at 0.05, got %v", balance)
	}
}

func testZeroDeduction(t *testing.T, s Store) {
	ctx := context.Background()
	user := uniqueUser("user")
	if err := s.EnsureUser(ctx, user, 0); err != nil {
		t.Fatalf("EnsureUser failed: %v", err)
	}
	got, err := s.Deduct(ctx, user, 0)
	if err != nil {
		t.Fatalf("Deduct(0) failed: %v", err)
	}
	if got != 0 {
		t.Errorf("Expected balance 0, got %v", got)
	}
}

func testConcurrentDeductions(t *testing.T, s Store) {
	ctx := context.Background()
	user := uniqueUser("race")
	if err := s.EnsureUser(ctx, user, 1.0); err != nil {
		t.Fatalf("EnsureUser failed: %v", err)
	}

	const (
		workers = 100
		amount  = 0.013
	)
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []error
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Deduct(ctx, user, amount)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else if !errors.Is(err, ErrInsufficientFunds) {
				failures = append(failures, err)
			}
		}()
	}
	wg.Wait()

	for _, err := range failures {
		t.Errorf("Unexpected deduct error: %v", err)
	}
	if successes != 76 {
		t.Errorf("Expected 76 successful deductions, got %d", successes)
	}

	balance, err := s.GetBalance(ctx, user)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance < 0 {
		t.Fatalf("Balance went negative: %v", balance)
	}
	if !almostEqual(float64(successes)*amount+balance, 1.0) {
		t.Errorf("Funds not conserved: %d*%v + %v != 1.0", successes, amount, balance)
	}
}

func TestSQLiteMigrate_AddsInitialBalanceColumn(t *testing.T) {
	ctx := context.Background()
	sqlDB, err := db.OpenSQLite(ctx, filepath.Join(t.TempDir(), "legacy.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer sqlDB.Close()

	legacy := []string{
		`CREATE TABLE users (id INTEGER PRIMARY KEY AUTOINCREMENT, username TEXT UNIQUE NOT NULL, balance_usd REAL NOT NULL DEFAULT 0.0)`,
		`INSERT INTO users (username, balance_usd) VALUES ('admin', 0.042)`,
	}
	for _, stmt := range legacy {
		if _, err := sqlDB.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("legacy setup failed: %v", err)
		}
	}

	s := NewSQLiteStore(sqlDB, zerolog.Nop())
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	// Second run must be a no-op.
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}

	info, err := s.GetUserInfo(ctx, "admin")
	if err != nil {
		t.Fatalf("GetUserInfo failed: %v", err)
	}
	if info.BalanceUSD != 0.042 || info.InitialBalanceUSD != 0.042 {
		t.Errorf("Expected backfilled balances 0.042/0.042, got %+v", info)
	}
}
