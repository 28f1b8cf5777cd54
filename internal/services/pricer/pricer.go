// Package pricer fetches last-trade prices from crypto exchanges.
package pricer

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/bullion/internal/domain"
)

// ErrRateLimited is returned when an exchange throttles the caller.
var ErrRateLimited = errors.New("exchange rate limit reached")

// Pricer returns the latest price of a pair.
type Pricer interface {
	GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error)
}

// Fallback asks the primary pricer first and the secondary one when it fails.
type Fallback struct {
	primary   Pricer
	secondary Pricer
}

// NewFallback chains two pricers. A nil secondary disables the fallback.
func NewFallback(primary, secondary Pricer) *Fallback {
	return &Fallback{primary: primary, secondary: secondary}
}

func (f *Fallback) GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	price, err := f.primary.GetPrice(ctx, pair)
	if err == nil || f.secondary == nil {
		return price, err
	}

	price, secondErr := f.secondary.GetPrice(ctx, pair)
	if secondErr != nil {
		return decimal.Decimal{}, errors.Wrapf(secondErr, "fallback after primary error: %v", err)
	}
	return price, nil
}
