package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Trade is a redeemed quote settled against an account's balances.
type Trade struct {
	QuoteID   string          `json:"quote_id"`
	AccountID string          `json:"account_id"`
	Direction Direction       `json:"direction"`
	Asset     Asset           `json:"asset"`
	Quantity  decimal.Decimal `json:"quantity"`
	// Price is the locked per-unit price in USD.
	Price      decimal.Decimal `json:"price"`
	Total      decimal.Decimal `json:"total"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// String returns a human-readable string representation.
func (t Trade) String() string {
	return fmt.Sprintf("%s %s %s @ %s (total %s USD)", t.Direction, t.Quantity, t.Asset, t.Price, t.Total)
}
