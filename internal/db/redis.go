package db

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ReloadChannel is the pub/sub channel that asks every instance to reload
// inventory.
const ReloadChannel = "openbidder:reload"

// spendKeyTTL keeps daily spend counters around for a day after they stop
// changing.
const spendKeyTTL = 48 * time.Hour

// RedisStore wraps a redis client.
type RedisStore struct {
	Client *redis.Client
	logger *zap.Logger
}

// InitRedis initializes a Redis client and returns a RedisStore.
func InitRedis(addr string, logger *zap.Logger) (*RedisStore, error) {
	rs := NewRedisStore(redis.NewClient(&redis.Options{Addr: addr}), logger)

	if err := redisotel.InstrumentTracing(rs.Client); err != nil {
		return nil, fmt.Errorf("failed to instrument redis tracing: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rs.Client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	rs.logger.Info("Connected to Redis", zap.String("addr", addr))
	return rs, nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{Client: client, logger: logger}
}

// MarkNotified records that a notice of the given kind was seen for bidID.
// It returns true the first time and false for every duplicate within ttl.
func (r *RedisStore) MarkNotified(ctx context.Context, kind, bidID string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("notice:%s:%s", kind, bidID)
	return r.Client.SetNX(ctx, key, 1, ttl).Result()
}

// IncrSpend adds amount to the campaign's spend counter for the UTC day of
// at and returns the new total.
func (r *RedisStore) IncrSpend(ctx context.Context, campaignID int, amount decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	key := spendKey(campaignID, at)
	pipe := r.Client.TxPipeline()
	incr := pipe.IncrByFloat(ctx, key, amount.InexactFloat64())
	pipe.Expire(ctx, key, spendKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(incr.Val()).Round(4), nil
}

// DailySpend returns the campaign's spend counter for the UTC day of at.
func (r *RedisStore) DailySpend(ctx context.Context, campaignID int, at time.Time) (decimal.Decimal, error) {
	v, err := r.Client.Get(ctx, spendKey(campaignID, at)).Float64()
	if err == redis.Nil {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(v).Round(4), nil
}

func spendKey(campaignID int, at time.Time) string {
	return fmt.Sprintf("spend:campaign:%d:%s", campaignID, at.UTC().Format("2006-01-02"))
}

// PublishReload asks every subscribed instance to reload inventory.
func (r *RedisStore) PublishReload(ctx context.Context) error {
	return r.Client.Publish(ctx, ReloadChannel, time.Now().UTC().Format(time.RFC3339)).Err()
}

// SubscribeReload calls fn for every reload message until ctx is done.
func (r *RedisStore) SubscribeReload(ctx context.Context, fn func(context.Context)) error {
	sub := r.Client.Subscribe(ctx, ReloadChannel)
	defer func() {
		_ = sub.Close()
	}()
	// wait for the subscription to be confirmed so no publish is missed
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", ReloadChannel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			fn(ctx)
		}
	}
}

// Close shuts down the Redis client.
func (r *RedisStore) Close() {
	if r != nil && r.Client != nil {
		if err := r.Client.Close(); err != nil {
			r.logger.Error("redis close", zap.Error(err))
		}
	}
}
