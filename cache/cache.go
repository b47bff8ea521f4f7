/*
Package cache keeps current balances in Redis.

PURPOSE:
  Current balances are sums over the whole append-only ledger. Reads go
  through Balances.Current, which serves the cached sum when present and
  falls back to the store otherwise.

INVALIDATION:
  Balances.Invalidate has the ledger.BalanceListener signature. Register it
  with Store.OnBalanceChange and every committed entry deletes the key of
  its (balance_type, recipient_id). Entries are never used to update the
  cached value in place.

  A read racing a commit can store the pre-commit sum after the delete.
  Such a value lives at most TTL.

FAILURE MODE:
  Redis is optional. Every call runs through a circuit breaker and any
  Redis error falls back to the store. Current never fails because of
  Redis.

KEYS:
  balance:{balance_type}:{recipient_id}
*/
package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/warp/tabcoin-engine/ledger"
	"github.com/warp/tabcoin-engine/metrics"
)

const DefaultTTL = 5 * time.Minute

// Client is the subset of *redis.Client used by the cache.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type Balances struct {
	client  Client
	repo    ledger.BalanceRepo
	ttl     time.Duration
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
	metrics *metrics.Metrics
}

type Option func(*Balances)

// WithTTL sets the expiry of cached balances. A ttl <= 0 keeps DefaultTTL:
// every cached value must expire.
func WithTTL(ttl time.Duration) Option {
	return func(b *Balances) {
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option { return func(b *Balances) { b.metrics = m } }

// NewBalances builds a cache in front of repo. A nil client disables
// caching and every read goes to repo.
func NewBalances(client Client, repo ledger.BalanceRepo, log *zap.Logger, opts ...Option) *Balances {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Balances{
		client: client,
		repo:   repo,
		ttl:    DefaultTTL,
		log:    log.With(zap.String("component", "cache")),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-balances",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.log.Warn("circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return b
}

func Key(balanceType ledger.BalanceType, recipientID string) string {
	return "balance:" + string(balanceType) + ":" + recipientID
}

// Current returns the current balance of recipientID.
func (b *Balances) Current(ctx context.Context, balanceType ledger.BalanceType, recipientID string) (int64, error) {
	if b.client == nil {
		return b.repo.SumBalance(ctx, balanceType, recipientID)
	}
	key := Key(balanceType, recipientID)

	if v, ok := b.lookup(ctx, key); ok {
		b.metrics.ObserveCache("hit")
		return v, nil
	}
	b.metrics.ObserveCache("miss")

	sum, err := b.repo.SumBalance(ctx, balanceType, recipientID)
	if err != nil {
		return 0, err
	}
	_, err = b.breaker.Execute(func() (interface{}, error) {
		return nil, b.client.Set(ctx, key, strconv.FormatInt(sum, 10), b.ttl).Err()
	})
	if err != nil {
		b.log.Debug("failed to cache balance", zap.String("key", key), zap.Error(err))
	}
	return sum, nil
}

func (b *Balances) lookup(ctx context.Context, key string) (int64, bool) {
	raw, err := b.breaker.Execute(func() (interface{}, error) {
		s, err := b.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return s, err
	})
	if err != nil {
		b.metrics.ObserveCache("error")
		b.log.Debug("balance cache unavailable", zap.String("key", key), zap.Error(err))
		return 0, false
	}
	s, ok := raw.(string)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		b.log.Warn("dropping malformed cached balance", zap.String("key", key), zap.String("value", s))
		b.del(ctx, key)
		return 0, false
	}
	return v, true
}

// Invalidate drops the cached balance. It matches ledger.BalanceListener.
func (b *Balances) Invalidate(ctx context.Context, balanceType ledger.BalanceType, recipientID string) {
	if b.client == nil {
		return
	}
	b.del(ctx, Key(balanceType, recipientID))
}

func (b *Balances) del(ctx context.Context, key string) {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.client.Del(ctx, key).Err()
	})
	if err != nil {
		b.log.Warn("failed to invalidate cached balance", zap.String("key", key), zap.Error(err))
	}
}
