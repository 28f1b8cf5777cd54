package pricefeed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/bullion/internal/domain"
	"github.com/vadiminshakov/bullion/internal/observability"
	"github.com/vadiminshakov/bullion/internal/storage/kv"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	liveKey  = "prices:live"
	staleKey = "prices:stale"

	DefaultTTL            = 60 * time.Second
	defaultFetchTimeout   = 8 * time.Second
	defaultFailureBackoff = 10 * time.Second
)

// Cache is the three-tier price source: live cache, stale cache, hardcoded table.
type Cache struct {
	store          kv.Store
	feed           Feed
	assets         []domain.Asset
	ttl            time.Duration
	fetchTimeout   time.Duration
	failureBackoff time.Duration
	limiter        *rate.Limiter
	group          singleflight.Group
	now            func() time.Time
	metrics        *observability.Metrics
	l              *zap.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets how long a fetched snapshot is served as live.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) { c.ttl = d }
}

// WithFetchTimeout bounds one outbound feed call.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) { c.fetchTimeout = d }
}

// WithFailureBackoff sets how long a degraded snapshot is served before the
// feed is tried again. Zero retries on every call.
func WithFailureBackoff(d time.Duration) Option {
	return func(c *Cache) { c.failureBackoff = d }
}

// WithLimiter throttles outbound feed calls. A denied call is handled as a
// rate-limit signal from the feed.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Cache) { c.limiter = l }
}

// WithAssets overrides the tracked asset set.
func WithAssets(assets []domain.Asset) Option {
	return func(c *Cache) { c.assets = assets }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithMetrics records snapshot sources.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// NewCache creates the price cache over a KV store and a feed.
func NewCache(store kv.Store, feed Feed, l *zap.Logger, opts ...Option) *Cache {
	c := &Cache{
		store:          store,
		feed:           feed,
		assets:         domain.TrackedAssets,
		ttl:            DefaultTTL,
		fetchTimeout:   defaultFetchTimeout,
		failureBackoff: defaultFailureBackoff,
		now:            time.Now,
		l:              l,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetPrices returns the current snapshot. It never fails and never returns a
// non-positive price for a tracked asset.
func (c *Cache) GetPrices(ctx context.Context) domain.PriceSnapshot {
	if snap, ok := c.load(ctx, liveKey); ok && c.fresh(snap) {
		c.metrics.PriceSnapshot(snap.Source)
		return snap
	}

	// one refresh at a time; waiters share its result
	v, _, _ := c.group.Do("refresh", func() (any, error) {
		return c.refresh(context.WithoutCancel(ctx)), nil
	})
	snap := v.(domain.PriceSnapshot)
	c.metrics.PriceSnapshot(snap.Source)

	return snap.Clone()
}

func (c *Cache) fresh(s domain.PriceSnapshot) bool {
	ttl := c.ttl
	if s.Stale {
		ttl = c.failureBackoff
	}
	return s.Age(c.now()) < ttl
}

func (c *Cache) refresh(ctx context.Context) domain.PriceSnapshot {
	ctx, span := observability.Tracer("pricefeed").Start(ctx, "pricefeed.refresh")
	defer span.End()

	if c.limiter != nil && !c.limiter.Allow() {
		span.SetAttributes(attribute.String("outcome", "throttled"))
		return c.degrade(ctx, ErrRateLimited)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	started := time.Now()
	prices, err := c.feed.Fetch(fetchCtx, c.assets)
	c.metrics.FeedFetch(time.Since(started))
	if err != nil {
		span.RecordError(err)
		return c.degrade(ctx, err)
	}

	snap := domain.PriceSnapshot{
		Prices:    make(map[domain.Asset]decimal.Decimal, len(c.assets)),
		Timestamp: c.now(),
		Source:    domain.PriceSourceLive,
	}

	var missing []domain.Asset
	for _, a := range c.assets {
		if p, ok := prices[a]; ok && p.IsPositive() {
			snap.Prices[a] = p
			continue
		}
		missing = append(missing, a)
	}

	if len(missing) > 0 {
		stale, _ := c.load(ctx, staleKey)
		c.fill(&snap, stale)
		c.l.Warn("price feed omitted assets, filled from cache",
			zap.Int("missing", len(missing)),
			zap.Any("assets", missing))
	}

	c.save(ctx, liveKey, snap, c.ttl)
	c.save(ctx, staleKey, snap, 0)

	return snap
}

// degrade serves the stale snapshot with a refreshed timestamp, or the
// hardcoded table when nothing was ever cached.
func (c *Cache) degrade(ctx context.Context, cause error) domain.PriceSnapshot {
	now := c.now()

	stale, ok := c.load(ctx, staleKey)
	if ok {
		snap := stale.Clone()
		snap.Timestamp = now
		snap.Stale = true
		snap.Source = domain.PriceSourceStale
		c.fill(&snap, domain.PriceSnapshot{})

		c.l.Warn("price feed unavailable, serving stale prices",
			zap.Error(cause),
			zap.Bool("rate_limited", errors.Is(cause, ErrRateLimited)))

		if c.failureBackoff > 0 {
			c.save(ctx, liveKey, snap, c.failureBackoff)
		}
		return snap
	}

	snap := domain.PriceSnapshot{
		Prices:    HardcodedPrices(),
		Timestamp: now,
		Stale:     true,
		Source:    domain.PriceSourceFallback,
	}

	c.l.Error("price feed unavailable and no cached prices, serving hardcoded table",
		zap.Error(cause))

	if c.failureBackoff > 0 {
		c.save(ctx, liveKey, snap, c.failureBackoff)
	}
	return snap
}

// fill completes missing or non-positive prices from src, then the hardcoded table.
func (c *Cache) fill(dst *domain.PriceSnapshot, src domain.PriceSnapshot) {
	if dst.Prices == nil {
		dst.Prices = make(map[domain.Asset]decimal.Decimal, len(c.assets))
	}
	var hardcoded map[domain.Asset]decimal.Decimal
	for _, a := range c.assets {
		if p, ok := dst.Prices[a]; ok && p.IsPositive() {
			continue
		}
		if p, ok := src.Price(a); ok {
			dst.Prices[a] = p
			continue
		}
		if hardcoded == nil {
			hardcoded = HardcodedPrices()
		}
		if p, ok := hardcoded[a]; ok {
			dst.Prices[a] = p
		}
	}
}

func (c *Cache) load(ctx context.Context, key string) (domain.PriceSnapshot, bool) {
	raw, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			c.l.Warn("price cache read failed", zap.String("key", key), zap.Error(err))
		}
		return domain.PriceSnapshot{}, false
	}

	var snap domain.PriceSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		c.l.Warn("price cache entry is corrupt", zap.String("key", key), zap.Error(err))
		return domain.PriceSnapshot{}, false
	}
	return snap, len(snap.Prices) > 0
}

func (c *Cache) save(ctx context.Context, key string, snap domain.PriceSnapshot, ttl time.Duration) {
	payload, err := json.Marshal(snap)
	if err != nil {
		c.l.Error("encode price snapshot", zap.Error(err))
		return
	}
	if err := c.store.Set(ctx, key, payload, ttl); err != nil {
		c.l.Warn("price cache write failed", zap.String("key", key), zap.Error(err))
	}
}
