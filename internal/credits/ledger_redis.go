package credits

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "pewcore:credits:"

// deductScript decrements an existing balance atomically. A missing key
// returns nil so absent users stay unenforced.
var deductScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
return redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
`)

// RedisLedger keeps balances as float strings at <prefix><user_id>.
type RedisLedger struct {
	client *redis.Client
	prefix string
}

// NewRedisLedger connects to url (redis://...) and pings it.
func NewRedisLedger(url, prefix string) (*RedisLedger, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewRedisLedgerFromClient(client, prefix), nil
}

func NewRedisLedgerFromClient(client *redis.Client, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisLedger{client: client, prefix: prefix}
}

func (l *RedisLedger) key(userID string) string { return l.prefix + userID }

func (l *RedisLedger) Balance(ctx context.Context, userID string) (float64, bool, error) {
	v, err := l.client.Get(ctx, l.key(userID)).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (l *RedisLedger) Deduct(ctx context.Context, userID string, amount float64) (float64, bool, error) {
	raw, err := deductScript.Run(ctx, l.client, []string{l.key(userID)},
		strconv.FormatFloat(-amount, 'f', -1, 64)).Text()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, true, fmt.Errorf("parse balance %q: %w", raw, err)
	}
	return v, true, nil
}

// Set stores a balance; used by operators and tests.
func (l *RedisLedger) Set(ctx context.Context, userID string, balance float64) error {
	return l.client.Set(ctx, l.key(userID), strconv.FormatFloat(balance, 'f', -1, 64), 0).Err()
}

func (l *RedisLedger) Close() error { return l.client.Close() }
