package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot sources.
const (
	PriceSourceLive     = "live"
	PriceSourceStale    = "stale"
	PriceSourceFallback = "fallback"
)

// PriceSnapshot holds USD per-unit prices captured at one moment.
// Metals are priced per gram. A snapshot is replaced, never mutated.
type PriceSnapshot struct {
	Prices    map[Asset]decimal.Decimal `json:"prices"`
	Timestamp time.Time                 `json:"timestamp"`
	Stale     bool                      `json:"stale"`
	Source    string                    `json:"source"`
}

// Price returns the price of an asset and whether it is usable.
func (s PriceSnapshot) Price(a Asset) (decimal.Decimal, bool) {
	p, ok := s.Prices[a]
	if !ok || !p.IsPositive() {
		return decimal.Zero, false
	}
	return p, true
}

// Age returns how long ago the snapshot was captured.
func (s PriceSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}

// Clone returns a copy with its own price map.
func (s PriceSnapshot) Clone() PriceSnapshot {
	prices := make(map[Asset]decimal.Decimal, len(s.Prices))
	for k, v := range s.Prices {
		prices[k] = v
	}
	s.Prices = prices
	return s
}
