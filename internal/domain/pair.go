// Package domain defines the core types shared by pricing and settlement.
package domain

import "fmt"

// Pair is an exchange market used to price an asset.
type Pair struct {
	// From base asset.
	From Asset
	// To quote currency symbol on the exchange, usually USDT.
	To string
}

// String returns the string representation.
func (p Pair) String() string {
	return fmt.Sprintf("%s_%s", p.From, p.To)
}

// Symbol returns the concatenated exchange symbol, e.g. BTCUSDT.
func (p Pair) Symbol() string {
	return fmt.Sprintf("%s%s", p.From, p.To)
}

// USDTPair returns the USDT market for the asset.
func USDTPair(a Asset) Pair {
	return Pair{From: a, To: "USDT"}
}
