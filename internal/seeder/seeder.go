package seeder

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/vnmchuo/coin-advisor/internal/ledger"
)

// SeedUsers creates an account for every configured user. Existing accounts
// keep their balance, so restarts never refill a wallet.
func SeedUsers(ctx context.Context, store ledger.Store, usernames []string, startBalance float64, log zerolog.Logger) error {
	names := append([]string(nil), usernames...)
	sort.Strings(names)

	for _, name := range names {
		if err := store.EnsureUser(ctx, name, startBalance); err != nil {
			return fmt.Errorf("failed to seed user %q: %w", name, err)
		}
		info, err := store.GetUserInfo(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to read seeded user %q: %w", name, err)
		}
		log.Info().
			Str("username", name).
			Float64("balance_usd", info.BalanceUSD).
			Float64("initial_balance_usd", info.InitialBalanceUSD).
			Msg("user ready")
	}
	return nil
}
