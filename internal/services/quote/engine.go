// Package quote issues single-use, time-boxed price locks.
package quote

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/bullion/internal/domain"
	"github.com/vadiminshakov/bullion/internal/observability"
	"github.com/vadiminshakov/bullion/internal/storage/kv"
	"go.uber.org/zap"
)

const (
	quoteKeyPrefix  = "quote:"
	latestKeyPrefix = "quote:latest:"

	DefaultTTL = 30 * time.Second
	MinTTL     = 15 * time.Second
	MaxTTL     = 30 * time.Second

	lockedPricePlaces = 4
	totalPlaces       = 2
)

var hundred = decimal.NewFromInt(100)

// PriceSource provides the price snapshot quotes are built from.
type PriceSource interface {
	GetPrices(ctx context.Context) domain.PriceSnapshot
}

// SpreadSource provides the current spread table.
type SpreadSource interface {
	Get(ctx context.Context) (domain.SpreadConfig, error)
}

// Engine creates, reads and redeems quotes.
type Engine struct {
	prices  PriceSource
	spreads SpreadSource
	store   kv.Store
	ttl     time.Duration
	now     func() time.Time
	metrics *observability.Metrics
	l       *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithTTL sets the lock window, clamped to 15-30s.
func WithTTL(d time.Duration) Option {
	return func(e *Engine) {
		switch {
		case d < MinTTL:
			d = MinTTL
		case d > MaxTTL:
			d = MaxTTL
		}
		e.ttl = d
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics records quote activity.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func NewEngine(prices PriceSource, spreads SpreadSource, store kv.Store, l *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		prices:  prices,
		spreads: spreads,
		store:   store,
		ttl:     DefaultTTL,
		now:     time.Now,
		l:       l,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TTL returns the lock window.
func (e *Engine) TTL() time.Duration {
	return e.ttl
}

// CreateQuote locks a price for accountID.
func (e *Engine) CreateQuote(ctx context.Context, direction domain.Direction, asset domain.Asset, quantity decimal.Decimal, accountID string) (domain.Quote, error) {
	if direction != domain.DirectionBuy && direction != domain.DirectionSell {
		return domain.Quote{}, errors.Wrapf(domain.ErrValidation, "unknown direction %q", direction)
	}
	if !asset.Known() {
		return domain.Quote{}, errors.Wrapf(domain.ErrUnknownAsset, "%q", asset)
	}
	if !quantity.IsPositive() {
		return domain.Quote{}, errors.Wrap(domain.ErrValidation, "quantity must be positive")
	}
	if accountID == "" {
		return domain.Quote{}, errors.Wrap(domain.ErrValidation, "account is required")
	}

	snap := e.prices.GetPrices(ctx)
	base, ok := snap.Price(asset)
	if !ok {
		return domain.Quote{}, errors.Wrapf(domain.ErrUnknownAsset, "no price for %s", asset)
	}

	cfg, err := e.spreads.Get(ctx)
	if err != nil {
		return domain.Quote{}, errors.Wrap(err, "load spreads")
	}
	pair, ok := cfg.Lookup(asset)
	if !ok {
		return domain.Quote{}, errors.Wrapf(domain.ErrUnknownAsset, "no spread for %s", asset)
	}
	spread := pair.For(direction)

	locked := LockedPrice(direction, base, spread)
	now := e.now()
	q := domain.Quote{
		ID:            uuid.NewString(),
		AccountID:     accountID,
		Direction:     direction,
		Asset:         asset,
		Quantity:      quantity,
		BasePrice:     base,
		LockedPrice:   locked,
		SpreadPercent: spread,
		Total:         locked.Mul(quantity).Round(totalPlaces),
		StalePrice:    snap.Stale,
		CreatedAt:     now,
		ExpiresAt:     now.Add(e.ttl),
	}

	payload, err := json.Marshal(q)
	if err != nil {
		return domain.Quote{}, errors.Wrap(err, "encode quote")
	}
	if err := e.store.Set(ctx, quoteKeyPrefix+q.ID, payload, e.ttl); err != nil {
		return domain.Quote{}, errors.Wrap(domain.ErrTransient, err.Error())
	}
	// the pointer outlives the quote slightly; the quote's own TTL decides validity
	if err := e.store.Set(ctx, latestKeyPrefix+accountID, []byte(q.ID), 2*e.ttl); err != nil {
		e.l.Warn("failed to record latest quote", zap.String("account_id", accountID), zap.Error(err))
	}

	e.metrics.QuoteCreated(string(asset), string(direction))
	e.l.Info("quote created",
		zap.String("quote_id", q.ID),
		zap.String("account_id", accountID),
		zap.String("direction", string(direction)),
		zap.String("asset", string(asset)),
		zap.String("base_price", base.String()),
		zap.String("locked_price", locked.String()),
		zap.Bool("stale_price", snap.Stale))

	return q, nil
}

// LockedPrice applies the spread to the base price: up for buys, down for sells.
func LockedPrice(direction domain.Direction, base, spreadPercent decimal.Decimal) decimal.Decimal {
	factor := spreadPercent.Div(hundred)
	if direction == domain.DirectionSell {
		return base.Mul(decimal.NewFromInt(1).Sub(factor)).Round(lockedPricePlaces)
	}
	return base.Mul(decimal.NewFromInt(1).Add(factor)).Round(lockedPricePlaces)
}

// GetQuote returns a pending quote. Expired quotes are removed and reported as not found.
func (e *Engine) GetQuote(ctx context.Context, id string) (domain.Quote, error) {
	raw, err := e.store.Get(ctx, quoteKeyPrefix+id)
	if errors.Is(err, kv.ErrNotFound) {
		return domain.Quote{}, errors.Wrapf(domain.ErrNotFound, "quote %s", id)
	}
	if err != nil {
		return domain.Quote{}, errors.Wrap(domain.ErrTransient, err.Error())
	}

	q, err := decodeQuote(raw)
	if err != nil {
		return domain.Quote{}, err
	}

	if q.Expired(e.now()) {
		if err := e.store.Delete(ctx, quoteKeyPrefix+id); err != nil {
			e.l.Warn("failed to drop expired quote", zap.String("quote_id", id), zap.Error(err))
		}
		return domain.Quote{}, errors.Wrapf(domain.ErrNotFound, "quote %s", id)
	}

	return q, nil
}

// LatestQuote resolves the account's most recent quote, if still pending.
func (e *Engine) LatestQuote(ctx context.Context, accountID string) (domain.Quote, error) {
	id, err := e.store.Get(ctx, latestKeyPrefix+accountID)
	if errors.Is(err, kv.ErrNotFound) {
		return domain.Quote{}, errors.Wrapf(domain.ErrNotFound, "no quote for account %s", accountID)
	}
	if err != nil {
		return domain.Quote{}, errors.Wrap(domain.ErrTransient, err.Error())
	}
	return e.GetQuote(ctx, string(id))
}

// ExecuteQuote consumes the quote. Only one caller can ever succeed for an id.
// Missing, consumed and expired quotes are all ErrInvalidQuote; the reason is logged.
func (e *Engine) ExecuteQuote(ctx context.Context, id string) (domain.Quote, error) {
	raw, err := e.store.GetDel(ctx, quoteKeyPrefix+id)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			e.reject(id, "not found or already consumed", nil)
			return domain.Quote{}, domain.ErrInvalidQuote
		}
		return domain.Quote{}, errors.Wrap(domain.ErrTransient, err.Error())
	}

	q, err := decodeQuote(raw)
	if err != nil {
		e.reject(id, "corrupt record", err)
		return domain.Quote{}, domain.ErrInvalidQuote
	}

	if q.Expired(e.now()) {
		e.reject(id, "expired", nil)
		return domain.Quote{}, domain.ErrInvalidQuote
	}

	e.metrics.QuoteRedeemed("ok")
	e.l.Info("quote redeemed",
		zap.String("quote_id", id),
		zap.String("account_id", q.AccountID))

	return q, nil
}

func (e *Engine) reject(id, reason string, err error) {
	e.metrics.QuoteRedeemed("invalid")
	fields := []zap.Field{zap.String("quote_id", id), zap.String("reason", reason)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	e.l.Info("quote redemption rejected", fields...)
}

func decodeQuote(raw []byte) (domain.Quote, error) {
	var q domain.Quote
	if err := json.Unmarshal(raw, &q); err != nil {
		return domain.Quote{}, errors.Wrap(err, "decode quote")
	}
	return q, nil
}
