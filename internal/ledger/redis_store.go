package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vnmchuo/coin-advisor/internal/pricing"
)

const (
	fieldBalance = "balance_usd"
	fieldInitial = "initial_balance_usd"
)

// ensureScript creates the account hash only when the key is absent.
var ensureScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'balance_usd', ARGV[1], 'initial_balance_usd', ARGV[1])
return 1
`)

// deductScript runs the compare and the write inside the Redis server, so no
// other command touches the key in between. Status: -1 unknown user,
// 0 insufficient funds, 1 applied.
var deductScript = redis.NewScript(`
local bal = redis.call('HGET', KEYS[1], 'balance_usd')
if not bal then
	return {-1, '0'}
end
local current = tonumber(bal)
local amount = tonumber(ARGV[1])
if current < amount then
	return {0, bal}
end
local updated = string.format('%.6f', current - amount)
redis.call('HSET', KEYS[1], 'balance_usd', updated)
return {1, updated}
`)

// RedisStore keeps each account in its own hash at ledger:user:<name>.
type RedisStore struct {
	rdb redis.UniversalClient
	log zerolog.Logger
}

func NewRedisStore(rdb redis.UniversalClient, log zerolog.Logger) *RedisStore {
	return &RedisStore{rdb: rdb, log: log}
}

func userKey(username string) string {
	return fmt.Sprintf("ledger:user:%s", username)
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// exactAmount keeps every digit of a charge so the script compares the
// unrounded value against the balance.
func exactAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (s *RedisStore) EnsureUser(ctx context.Context, username string, startBalance float64) error {
	if err := validateAmount(startBalance); err != nil {
		return err
	}
	created, err := ensureScript.Run(ctx, s.rdb, []string{userKey(username)}, formatAmount(pricing.Round6(startBalance))).Int()
	if err != nil {
		return unavailable("ensure user", err)
	}
	if created == 1 {
		s.log.Debug().Str("username", username).Msg("account created")
	}
	return nil
}

func (s *RedisStore) GetBalance(ctx context.Context, username string) (float64, error) {
	balance, err := s.rdb.HGet(ctx, userKey(username), fieldBalance).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("get balance", err)
	}
	return balance, nil
}

func (s *RedisStore) GetUserInfo(ctx context.Context, username string) (*User, error) {
	vals, err := s.rdb.HMGet(ctx, userKey(username), fieldBalance, fieldInitial).Result()
	if err != nil {
		return nil, unavailable("get user info", err)
	}
	if len(vals) != 2 || vals[0] == nil {
		return nil, ErrUserNotFound
	}

	u := &User{Username: username}
	if u.BalanceUSD, err = parseField(vals[0]); err != nil {
		return nil, unavailable("get user info", err)
	}
	if vals[1] != nil {
		if u.InitialBalanceUSD, err = parseField(vals[1]); err != nil {
			return nil, unavailable("get user info", err)
		}
	}
	return u, nil
}

func (s *RedisStore) Deduct(ctx context.Context, username string, amount float64) (float64, error) {
	if err := validateAmount(amount); err != nil {
		return 0, err
	}

	res, err := deductScript.Run(ctx, s.rdb, []string{userKey(username)}, exactAmount(amount)).Slice()
	if err != nil {
		return 0, unavailable("deduct", err)
	}
	if len(res) != 2 {
		return 0, unavailable("deduct", fmt.Errorf("unexpected script reply %v", res))
	}
	status, _ := res[0].(int64)
	balance, err := parseField(res[1])
	if err != nil {
		return 0, unavailable("deduct", err)
	}

	switch status {
	case 1:
		return pricing.Round6(balance), nil
	case 0:
		return 0, insufficient(username, balance, amount)
	default:
		return 0, unknownUser(username)
	}
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func parseField(v any) (float64, error) {
	str, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected value type %T", v)
	}
	f, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", str, err)
	}
	return f, nil
}
