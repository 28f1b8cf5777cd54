package pricefeed

import (
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/bullion/internal/domain"
)

// hardcodedPrices is the last line of defence when neither the feed nor the
// stale cache can answer. Metals are USD per gram.
var hardcodedPrices = map[domain.Asset]string{
	domain.AssetGold:      "135.80",
	domain.AssetSilver:    "1.65",
	domain.AssetPlatinum:  "51.40",
	domain.AssetPalladium: "47.20",
	domain.AssetBTC:       "110000",
	domain.AssetETH:       "3900",
	domain.AssetMATIC:     "0.38",
	domain.AssetSOL:       "190",
	domain.AssetXRP:       "2.40",
	domain.AssetUSDT:      "1",
	domain.AssetUSDC:      "1",
}

// HardcodedPrices returns a fresh copy of the built-in price table.
func HardcodedPrices() map[domain.Asset]decimal.Decimal {
	out := make(map[domain.Asset]decimal.Decimal, len(hardcodedPrices))
	for a, p := range hardcodedPrices {
		out[a] = decimal.RequireFromString(p)
	}
	return out
}
