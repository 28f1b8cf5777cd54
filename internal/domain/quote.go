package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote locks a price for one account, asset, direction and quantity until ExpiresAt.
type Quote struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"account_id"`
	Direction     Direction       `json:"direction"`
	Asset         Asset           `json:"asset"`
	Quantity      decimal.Decimal `json:"quantity"`
	BasePrice     decimal.Decimal `json:"base_price"`
	LockedPrice   decimal.Decimal `json:"locked_price"`
	SpreadPercent decimal.Decimal `json:"spread_percent"`
	Total         decimal.Decimal `json:"total"`
	StalePrice    bool            `json:"stale_price,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
}

// Expired reports whether the quote can no longer be redeemed at now.
func (q Quote) Expired(now time.Time) bool {
	return !now.Before(q.ExpiresAt)
}
