package domain

import "github.com/shopspring/decimal"

// CustodyMode tells where the authoritative balance of on-chain assets lives.
type CustodyMode string

const (
	CustodyCustodial CustodyMode = "custodial"
	CustodyExternal  CustodyMode = "external"
)

// BalanceView is a read-time projection of an account's position in one asset.
type BalanceView struct {
	Asset     Asset           `json:"asset"`
	Total     decimal.Decimal `json:"total"`
	Locked    decimal.Decimal `json:"locked"`
	Available decimal.Decimal `json:"available"`
}

// NewBalanceView derives available from total and locked, never below zero.
func NewBalanceView(a Asset, total, locked decimal.Decimal) BalanceView {
	available := total.Sub(locked)
	if available.IsNegative() {
		available = decimal.Zero
	}
	return BalanceView{Asset: a, Total: total, Locked: locked, Available: available}
}
