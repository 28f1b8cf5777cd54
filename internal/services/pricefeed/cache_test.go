package pricefeed

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/bullion/internal/domain"
	"github.com/vadiminshakov/bullion/internal/storage/kv"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	mr    *miniredis.Miniredis
	store *kv.RedisStore
	clock *fakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return &testEnv{
		mr:    mr,
		store: kv.NewRedisStore(client),
		clock: &fakeClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
	}
}

// advance moves both the cache clock and redis expiry.
func (e *testEnv) advance(d time.Duration) {
	e.clock.Advance(d)
	e.mr.FastForward(d)
}

func staticFeed(prices map[domain.Asset]string, calls *int32) Feed {
	return FeedFunc(func(ctx context.Context, assets []domain.Asset) (map[domain.Asset]decimal.Decimal, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		out := make(map[domain.Asset]decimal.Decimal)
		for _, a := range assets {
			if p, ok := prices[a]; ok {
				out[a] = decimal.RequireFromString(p)
			}
		}
		return out, nil
	})
}

func fullPrices() map[domain.Asset]string {
	out := make(map[domain.Asset]string)
	for a, p := range hardcodedPrices {
		out[a] = p
	}
	out[domain.AssetGold] = "140.10"
	out[domain.AssetBTC] = "99000"
	return out
}

func assertNoZeroPrices(t *testing.T, snap domain.PriceSnapshot) {
	t.Helper()
	for _, a := range domain.TrackedAssets {
		p, ok := snap.Price(a)
		require.True(t, ok, "missing price for %s", a)
		require.True(t, p.IsPositive(), "non-positive price for %s", a)
	}
}

func TestCache_LiveFetchAndReuse(t *testing.T) {
	env := newTestEnv(t)
	var calls int32
	cache := NewCache(env.store, staticFeed(fullPrices(), &calls), zap.NewNop(), WithClock(env.clock.Now))

	snap := cache.GetPrices(context.Background())
	assert.Equal(t, domain.PriceSourceLive, snap.Source)
	assert.False(t, snap.Stale)
	assert.Equal(t, env.clock.Now(), snap.Timestamp)
	gold, _ := snap.Price(domain.AssetGold)
	assert.Equal(t, "140.1", gold.String())
	assertNoZeroPrices(t, snap)

	assert.True(t, env.mr.Exists("bullion:prices:live"))
	assert.Equal(t, DefaultTTL, env.mr.TTL("bullion:prices:live"))
	assert.True(t, env.mr.Exists("bullion:prices:stale"))
	assert.Equal(t, time.Duration(0), env.mr.TTL("bullion:prices:stale"))

	env.advance(30 * time.Second)
	again := cache.GetPrices(context.Background())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "cached snapshot within ttl")
	assert.Equal(t, snap.Timestamp, again.Timestamp)

	env.advance(31 * time.Second)
	_ = cache.GetPrices(context.Background())
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "refetch after ttl")
}

func TestCache_FeedDownServesStale(t *testing.T) {
	env := newTestEnv(t)
	var failing atomic.Bool
	good := staticFeed(fullPrices(), nil)
	feed := FeedFunc(func(ctx context.Context, assets []domain.Asset) (map[domain.Asset]decimal.Decimal, error) {
		if failing.Load() {
			return nil, errors.New("dial tcp: i/o timeout")
		}
		return good.Fetch(ctx, assets)
	})
	cache := NewCache(env.store, feed, zap.NewNop(), WithClock(env.clock.Now), WithFailureBackoff(0))

	first := cache.GetPrices(context.Background())
	require.Equal(t, domain.PriceSourceLive, first.Source)

	failing.Store(true)
	env.advance(2 * time.Minute)

	snap := cache.GetPrices(context.Background())
	assert.Equal(t, domain.PriceSourceStale, snap.Source)
	assert.True(t, snap.Stale)
	assert.Equal(t, env.clock.Now(), snap.Timestamp, "timestamp refreshed")
	for a, p := range first.Prices {
		assert.True(t, p.Equal(snap.Prices[a]), "price of %s preserved", a)
	}
}

func TestCache_NoStaleServesHardcoded(t *testing.T) {
	env := newTestEnv(t)
	feed := FeedFunc(func(ctx context.Context, assets []domain.Asset) (map[domain.Asset]decimal.Decimal, error) {
		return nil, ErrRateLimited
	})
	cache := NewCache(env.store, feed, zap.NewNop(), WithClock(env.clock.Now))

	snap := cache.GetPrices(context.Background())
	assert.Equal(t, domain.PriceSourceFallback, snap.Source)
	assert.True(t, snap.Stale)
	assertNoZeroPrices(t, snap)
	assert.False(t, env.mr.Exists("bullion:prices:stale"), "fallback never becomes the stale value")
}

func TestCache_PartialFeedIsCompleted(t *testing.T) {
	env := newTestEnv(t)
	partial := map[domain.Asset]string{
		domain.AssetGold: "140.10",
		domain.AssetBTC:  "0",
	}
	cache := NewCache(env.store, staticFeed(partial, nil), zap.NewNop(), WithClock(env.clock.Now))

	snap := cache.GetPrices(context.Background())
	assertNoZeroPrices(t, snap)
	gold, _ := snap.Price(domain.AssetGold)
	assert.Equal(t, "140.1", gold.String())
	btc, _ := snap.Price(domain.AssetBTC)
	assert.Equal(t, hardcodedPrices[domain.AssetBTC], btc.String())
}

func TestCache_LimiterCountsAsRateLimit(t *testing.T) {
	env := newTestEnv(t)
	var calls int32
	cache := NewCache(env.store, staticFeed(fullPrices(), &calls), zap.NewNop(),
		WithClock(env.clock.Now),
		WithLimiter(rate.NewLimiter(0, 0)))

	snap := cache.GetPrices(context.Background())
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
	assert.Equal(t, domain.PriceSourceFallback, snap.Source)
}

func TestCache_ConcurrentRefreshCollapses(t *testing.T) {
	env := newTestEnv(t)
	var calls int32
	release := make(chan struct{})
	good := staticFeed(fullPrices(), nil)
	feed := FeedFunc(func(ctx context.Context, assets []domain.Asset) (map[domain.Asset]decimal.Decimal, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return good.Fetch(ctx, assets)
	})
	cache := NewCache(env.store, feed, zap.NewNop(), WithClock(env.clock.Now))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap := cache.GetPrices(context.Background())
			assert.Equal(t, domain.PriceSourceLive, snap.Source)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCache_DegradedSnapshotBacksOff(t *testing.T) {
	env := newTestEnv(t)
	var calls int32
	feed := FeedFunc(func(ctx context.Context, assets []domain.Asset) (map[domain.Asset]decimal.Decimal, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("503")
	})
	cache := NewCache(env.store, feed, zap.NewNop(), WithClock(env.clock.Now), WithFailureBackoff(10*time.Second))

	_ = cache.GetPrices(context.Background())
	_ = cache.GetPrices(context.Background())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	env.advance(11 * time.Second)
	_ = cache.GetPrices(context.Background())
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
