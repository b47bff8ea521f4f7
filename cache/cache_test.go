package cache_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/tabcoin-engine/cache"
	"github.com/warp/tabcoin-engine/ledger"
	"github.com/warp/tabcoin-engine/metrics"
	"github.com/warp/tabcoin-engine/store/sqlite"
	"github.com/warp/tabcoin-engine/store/sqlstore"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// fakeRedis is an in-memory cache.Client. When down is set every call fails.
type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
	down bool
	gets int
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

var errDown = errors.New("connection refused")

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.down {
		return redis.NewStringResult("", errDown)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return redis.NewStatusResult("", errDown)
	}
	f.data[key] = value.(string)
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return redis.NewIntResult(0, errDown)
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) ttl(key string) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ttls[key]
}

func (f *fakeRedis) value(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok
}

func newTestStore(t *testing.T) *sqlstore.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// =============================================================================
// TESTS
// =============================================================================

func TestCurrent_MissThenHit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	rdb := newFakeRedis()
	m := metrics.New(prometheus.NewRegistry())
	balances := cache.NewBalances(rdb, store, nil, cache.WithMetrics(m))
	user := uuid.NewString()

	_, err := ledger.NewBalance(store).Create(ctx, ledger.BalanceUserTabcoin, user, 7, uuid.NewString())
	require.NoError(t, err)

	v, err := balances.Current(ctx, ledger.BalanceUserTabcoin, user)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	cached, ok := rdb.value(cache.Key(ledger.BalanceUserTabcoin, user))
	require.True(t, ok)
	assert.Equal(t, "7", cached)

	v, err = balances.Current(ctx, ledger.BalanceUserTabcoin, user)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("hit")))
}

func TestCurrent_CachedValuesAlwaysExpire(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	tests := []struct {
		name string
		opt  cache.Option
		want time.Duration
	}{
		{"configured", cache.WithTTL(time.Minute), time.Minute},
		{"zero keeps default", cache.WithTTL(0), cache.DefaultTTL},
		{"negative keeps default", cache.WithTTL(-time.Second), cache.DefaultTTL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rdb := newFakeRedis()
			user := uuid.NewString()
			_, err := cache.NewBalances(rdb, store, nil, tt.opt).Current(ctx, ledger.BalanceUserTabcoin, user)
			require.NoError(t, err)
			assert.Equal(t, tt.want, rdb.ttl(cache.Key(ledger.BalanceUserTabcoin, user)))
		})
	}
}

func TestInvalidate_OnCommittedEntry(t *testing.T) {
	// GIVEN: a cached balance and the cache registered as a balance listener
	// WHEN: a new entry for that key commits
	// THEN: the next read sees the new sum

	ctx := context.Background()
	store := newTestStore(t)
	rdb := newFakeRedis()
	balances := cache.NewBalances(rdb, store, nil)
	store.OnBalanceChange(balances.Invalidate)
	content := uuid.NewString()

	_, err := ledger.NewBalance(store).Create(ctx, ledger.BalanceContentTabcoin, content, 2, uuid.NewString())
	require.NoError(t, err)
	v, err := balances.Current(ctx, ledger.BalanceContentTabcoin, content)
	require.NoError(t, err)
	require.Equal(t, int64(2), v)

	err = store.WithTx(ctx, func(tx ledger.Repo) error {
		_, err := ledger.NewBalance(tx).Create(ctx, ledger.BalanceContentTabcoin, content, 3, uuid.NewString())
		return err
	})
	require.NoError(t, err)

	_, ok := rdb.value(cache.Key(ledger.BalanceContentTabcoin, content))
	assert.False(t, ok)

	v, err = balances.Current(ctx, ledger.BalanceContentTabcoin, content)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
}

func TestCurrent_RedisDownFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	rdb := newFakeRedis()
	rdb.down = true
	balances := cache.NewBalances(rdb, store, nil)
	user := uuid.NewString()

	_, err := ledger.NewBalance(store).Create(ctx, ledger.BalanceUserTabcash, user, 4, uuid.NewString())
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		v, err := balances.Current(ctx, ledger.BalanceUserTabcash, user)
		require.NoError(t, err)
		assert.Equal(t, int64(4), v)
	}

	// The breaker opened: redis stopped being called.
	rdb.mu.Lock()
	gets := rdb.gets
	rdb.mu.Unlock()
	assert.Less(t, gets, 20)

	// Invalidate never panics or fails the caller.
	balances.Invalidate(ctx, ledger.BalanceUserTabcash, user)
}

func TestCurrent_MalformedValueIsDropped(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	rdb := newFakeRedis()
	balances := cache.NewBalances(rdb, store, nil)
	user := uuid.NewString()
	key := cache.Key(ledger.BalanceUserTabcoin, user)
	rdb.data[key] = "not-a-number"

	v, err := balances.Current(ctx, ledger.BalanceUserTabcoin, user)
	require.NoError(t, err)
	assert.Zero(t, v)

	cached, ok := rdb.value(key)
	require.True(t, ok)
	assert.Equal(t, "0", cached)
}

func TestNilClientReadsThrough(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	balances := cache.NewBalances(nil, store, nil)
	user := uuid.NewString()

	_, err := ledger.NewBalance(store).Create(ctx, ledger.BalanceUserTabcoin, user, -3, uuid.NewString())
	require.NoError(t, err)

	v, err := balances.Current(ctx, ledger.BalanceUserTabcoin, user)
	require.NoError(t, err)
	assert.Equal(t, int64(-3), v)
	balances.Invalidate(ctx, ledger.BalanceUserTabcoin, user)
}
