package internal

import (
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/vadiminshakov/bullion/config"
	"github.com/vadiminshakov/bullion/internal/clients"
	"github.com/vadiminshakov/bullion/internal/domain"
	"github.com/vadiminshakov/bullion/internal/services/pricefeed"
	"github.com/vadiminshakov/bullion/internal/services/pricer"
)

// newExchangePricer returns the configured exchange pricer with the other
// exchange as its fallback.
func newExchangePricer(exchange string, s config.Secrets) (pricer.Pricer, error) {
	binancePricer := pricer.NewBinancePricer(clients.NewBinanceClient(s.BinanceAPIKey, s.BinanceAPISecret))
	bybitPricer := pricer.NewBybitPricer(clients.NewBybitClient(s.BybitAPIKey, s.BybitAPISecret))

	switch exchange {
	case "binance":
		return pricer.NewFallback(binancePricer, bybitPricer), nil
	case "bybit":
		return pricer.NewFallback(bybitPricer, binancePricer), nil
	default:
		return nil, errors.Wrapf(domain.ErrConfiguration, "unsupported exchange %q", exchange)
	}
}

// newPriceFeed routes metals to the metals API, stablecoins to the peg and
// everything else to the exchanges.
func newPriceFeed(c *config.Config) (pricefeed.Feed, error) {
	exchange, err := newExchangePricer(c.Prices.Exchange, c.Secrets)
	if err != nil {
		return nil, err
	}
	metals := pricefeed.NewMetalsFeed(c.Prices.MetalsURL, c.Secrets.MetalsAPIKey)
	return pricefeed.NewCompositeFeed(pricefeed.DefaultRoutes(metals, pricefeed.NewExchangeFeed(exchange))...), nil
}

func priceFeedLimiter(c config.Prices) *rate.Limiter {
	if c.RequestsPerMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(c.RequestsPerMinute/60), 1)
}
