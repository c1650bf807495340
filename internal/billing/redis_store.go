package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one sorted set per user at billing:charges:<name>, scored
// by creation time in unix nanoseconds.
type RedisStore struct {
	rdb redis.UniversalClient
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func chargesKey(username string) string {
	return fmt.Sprintf("billing:charges:%s", username)
}

func (s *RedisStore) LogCharge(ctx context.Context, c *Charge) error {
	prepare(c)
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode charge: %w", err)
	}
	err = s.rdb.ZAdd(ctx, chargesKey(c.Username), redis.Z{
		Score:  float64(c.CreatedAt.UnixNano()),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to log charge: %w", err)
	}
	return nil
}

func (s *RedisStore) ListCharges(ctx context.Context, username string, from, to time.Time) ([]*Charge, error) {
	members, err := s.rdb.ZRevRangeByScore(ctx, chargesKey(username), &redis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixNano(), 10),
		Max: strconv.FormatInt(to.UnixNano(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query charges: %w", err)
	}

	charges := make([]*Charge, 0, len(members))
	for _, m := range members {
		var c Charge
		if err := json.Unmarshal([]byte(m), &c); err != nil {
			return nil, fmt.Errorf("failed to decode charge: %w", err)
		}
		charges = append(charges, &c)
	}
	return charges, nil
}
