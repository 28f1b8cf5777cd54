// Package pricefeed serves USD prices for the tracked assets from a cache
// that degrades to stale or hardcoded values instead of failing.
package pricefeed

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/bullion/internal/domain"
	"github.com/vadiminshakov/bullion/internal/services/pricer"
	"golang.org/x/sync/errgroup"
)

// ErrRateLimited marks feed failures caused by throttling.
var ErrRateLimited = errors.New("price feed rate limited")

// Feed fetches per-unit USD prices for the requested assets.
type Feed interface {
	Fetch(ctx context.Context, assets []domain.Asset) (map[domain.Asset]decimal.Decimal, error)
}

// FeedFunc adapts a function to Feed.
type FeedFunc func(ctx context.Context, assets []domain.Asset) (map[domain.Asset]decimal.Decimal, error)

func (f FeedFunc) Fetch(ctx context.Context, assets []domain.Asset) (map[domain.Asset]decimal.Decimal, error) {
	return f(ctx, assets)
}

// ExchangeFeed prices crypto assets through an exchange pricer against USDT.
type ExchangeFeed struct {
	pricer pricer.Pricer
}

func NewExchangeFeed(p pricer.Pricer) *ExchangeFeed {
	return &ExchangeFeed{pricer: p}
}

func (f *ExchangeFeed) Fetch(ctx context.Context, assets []domain.Asset) (map[domain.Asset]decimal.Decimal, error) {
	var (
		mu  sync.Mutex
		out = make(map[domain.Asset]decimal.Decimal, len(assets))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, a := range assets {
		g.Go(func() error {
			price, err := f.pricer.GetPrice(gctx, domain.USDTPair(a))
			if err != nil {
				if errors.Is(err, pricer.ErrRateLimited) {
					return errors.Wrapf(ErrRateLimited, "%s: %v", a, err)
				}
				return errors.Wrapf(err, "price %s", a)
			}
			mu.Lock()
			out[a] = price
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// PeggedFeed returns a fixed price for every requested asset.
type PeggedFeed struct {
	price decimal.Decimal
}

func NewPeggedFeed(price decimal.Decimal) *PeggedFeed {
	return &PeggedFeed{price: price}
}

func (f *PeggedFeed) Fetch(_ context.Context, assets []domain.Asset) (map[domain.Asset]decimal.Decimal, error) {
	out := make(map[domain.Asset]decimal.Decimal, len(assets))
	for _, a := range assets {
		out[a] = f.price
	}
	return out, nil
}

// Route sends a subset of assets to one feed.
type Route struct {
	Match func(domain.Asset) bool
	Feed  Feed
}

// CompositeFeed splits a request across routes and fails if any route fails.
type CompositeFeed struct {
	routes []Route
}

func NewCompositeFeed(routes ...Route) *CompositeFeed {
	return &CompositeFeed{routes: routes}
}

func (c *CompositeFeed) Fetch(ctx context.Context, assets []domain.Asset) (map[domain.Asset]decimal.Decimal, error) {
	var (
		mu  sync.Mutex
		out = make(map[domain.Asset]decimal.Decimal, len(assets))
	)

	claimed := make(map[domain.Asset]bool, len(assets))
	g, gctx := errgroup.WithContext(ctx)
	for _, route := range c.routes {
		var subset []domain.Asset
		for _, a := range assets {
			if !claimed[a] && route.Match(a) {
				subset = append(subset, a)
				claimed[a] = true
			}
		}
		if len(subset) == 0 {
			continue
		}

		feed := route.Feed
		g.Go(func() error {
			prices, err := feed.Fetch(gctx, subset)
			if err != nil {
				return err
			}
			mu.Lock()
			for k, v := range prices {
				out[k] = v
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// DefaultRoutes wires metals, stablecoins and exchange-traded crypto.
func DefaultRoutes(metals Feed, exchange Feed) []Route {
	return []Route{
		{Match: domain.Asset.IsMetal, Feed: metals},
		{Match: domain.Asset.IsStablecoin, Feed: NewPeggedFeed(decimal.NewFromInt(1))},
		{Match: func(a domain.Asset) bool { return a.Class() == domain.ClassCrypto }, Feed: exchange},
	}
}
