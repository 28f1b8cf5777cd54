package spread

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/bullion/internal/domain"
	"github.com/vadiminshakov/bullion/internal/storage/kv"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(kv.NewRedisStore(client), zap.NewNop()), mr
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func storedConfig(t *testing.T, mr *miniredis.Miniredis) map[string]any {
	t.Helper()
	raw, err := mr.Get("bullion:spread:config")
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &out))
	return out
}

func TestStore_GetMaterializesDefaults(t *testing.T) {
	s, mr := newTestStore(t)

	cfg, err := s.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.SpreadConfigVersion, cfg.Version)

	gold, ok := cfg.Lookup(domain.AssetGold)
	require.True(t, ok)
	assert.True(t, gold.Buy.Equal(dec("1.5")))

	for _, a := range domain.TrackedAssets {
		_, ok := cfg.Lookup(a)
		assert.True(t, ok, "default for %s", a)
	}

	stored := storedConfig(t, mr)
	assert.EqualValues(t, 2, stored["version"])
}

func TestStore_UpgradesLegacyFlatMap(t *testing.T) {
	s, mr := newTestStore(t)
	require.NoError(t, mr.Set("bullion:spread:config",
		`{"gold":{"buy":3,"sell":2.5},"silver":{"buy":4,"sell":4},"BTC":{"buy":0.8,"sell":0.9},"dogecoin":{"buy":9,"sell":9}}`))

	cfg, err := s.Get(context.Background())
	require.NoError(t, err)

	gold, _ := cfg.Lookup(domain.AssetGold)
	assert.True(t, gold.Buy.Equal(dec("3")))
	assert.True(t, gold.Sell.Equal(dec("2.5")))

	btc, _ := cfg.Lookup(domain.AssetBTC)
	assert.True(t, btc.Sell.Equal(dec("0.9")))

	// assets absent from the legacy record get defaults
	eth, ok := cfg.Lookup(domain.AssetETH)
	require.True(t, ok)
	assert.True(t, eth.Buy.Equal(dec("1")))

	stored := storedConfig(t, mr)
	assert.EqualValues(t, 2, stored["version"])
	assert.Contains(t, stored, "metals")
	assert.NotContains(t, stored, "gold")
}

func TestStore_UpgradesLegacyGlobalPair(t *testing.T) {
	s, mr := newTestStore(t)
	require.NoError(t, mr.Set("bullion:spread:config", `{"buySpread":2,"sellSpread":1.25}`))

	cfg, err := s.Get(context.Background())
	require.NoError(t, err)

	for _, a := range domain.TrackedAssets {
		p, ok := cfg.Lookup(a)
		require.True(t, ok)
		assert.True(t, p.Buy.Equal(dec("2")), "buy for %s", a)
		assert.True(t, p.Sell.Equal(dec("1.25")), "sell for %s", a)
	}
}

func TestStore_UpgradesLegacyBuyOnlyKeepsDefaultSell(t *testing.T) {
	s, mr := newTestStore(t)
	require.NoError(t, mr.Set("bullion:spread:config", `{"buySpread":3}`))

	cfg, err := s.Get(context.Background())
	require.NoError(t, err)

	defaults := Defaults()
	for _, a := range domain.TrackedAssets {
		p, ok := cfg.Lookup(a)
		require.True(t, ok)
		want, _ := defaults.Lookup(a)
		assert.True(t, p.Buy.Equal(dec("3")), "buy for %s", a)
		assert.True(t, p.Sell.Equal(want.Sell), "sell for %s", a)
	}

	gold, _ := cfg.Lookup(domain.AssetGold)
	assert.True(t, gold.Sell.Equal(dec("1.5")))
}

func TestStore_SetOneMerges(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	cfg, err := s.SetOne(ctx, domain.ClassMetals, domain.AssetGold, domain.SpreadUpdate{Buy: ptr("2.25")})
	require.NoError(t, err)
	gold, _ := cfg.Lookup(domain.AssetGold)
	assert.True(t, gold.Buy.Equal(dec("2.25")))
	assert.True(t, gold.Sell.Equal(dec("1.5")), "sell untouched")

	read, err := s.Get(ctx)
	require.NoError(t, err)
	gold, _ = read.Lookup(domain.AssetGold)
	assert.True(t, gold.Buy.Equal(dec("2.25")))
	silver, _ := read.Lookup(domain.AssetSilver)
	assert.True(t, silver.Buy.Equal(dec("2.5")), "other assets untouched")

	t.Run("class mismatch is rejected", func(t *testing.T) {
		_, err := s.SetOne(ctx, domain.ClassCrypto, domain.AssetGold, domain.SpreadUpdate{Buy: ptr("1")})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("no bounds enforced here", func(t *testing.T) {
		cfg, err := s.SetOne(ctx, domain.ClassCrypto, domain.AssetBTC, domain.SpreadUpdate{Sell: ptr("45")})
		require.NoError(t, err)
		btc, _ := cfg.Lookup(domain.AssetBTC)
		assert.True(t, btc.Sell.Equal(dec("45")))
	})
}

func TestStore_SetAllMerges(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	cfg, err := s.SetAll(ctx, domain.SpreadPatch{
		Metals: map[domain.Asset]domain.SpreadUpdate{domain.AssetPlatinum: {Sell: ptr("3")}},
		Crypto: map[domain.Asset]domain.SpreadUpdate{domain.AssetSOL: {Buy: ptr("0.75"), Sell: ptr("0.8")}},
	})
	require.NoError(t, err)

	pt, _ := cfg.Lookup(domain.AssetPlatinum)
	assert.True(t, pt.Buy.Equal(dec("2")))
	assert.True(t, pt.Sell.Equal(dec("3")))
	sol, _ := cfg.Lookup(domain.AssetSOL)
	assert.True(t, sol.Buy.Equal(dec("0.75")))
	gold, _ := cfg.Lookup(domain.AssetGold)
	assert.True(t, gold.Buy.Equal(dec("1.5")))

	_, err = s.SetAll(ctx, domain.SpreadPatch{Metals: map[domain.Asset]domain.SpreadUpdate{domain.AssetBTC: {Buy: ptr("1")}}})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestStore_ConcurrentUpdatesAreNotLost(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	// separate stores model separate admin processes sharing redis
	newStore := func() *Store {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return NewStore(kv.NewRedisStore(client), zap.NewNop())
	}
	a, b := newStore(), newStore()

	var wg sync.WaitGroup
	for i, asset := range domain.AssetsOfClass(domain.ClassCrypto) {
		s := a
		if i%2 == 1 {
			s = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.SetOne(ctx, domain.ClassCrypto, asset, domain.SpreadUpdate{Buy: ptr("7")})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	cfg, err := a.Get(ctx)
	require.NoError(t, err)
	for _, asset := range domain.AssetsOfClass(domain.ClassCrypto) {
		p, _ := cfg.Lookup(asset)
		assert.True(t, p.Buy.Equal(dec("7")), "update for %s kept", asset)
	}
}
