package domain

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// SpreadConfigVersion is the version of the normalized spread shape.
const SpreadConfigVersion = 2

// MaxSpreadPercent is the largest markup an administrator may set.
var MaxSpreadPercent = decimal.NewFromInt(10)

// ValidateSpreadPercent accepts markups in [0, MaxSpreadPercent].
func ValidateSpreadPercent(p decimal.Decimal) error {
	if p.IsNegative() || p.GreaterThan(MaxSpreadPercent) {
		return errors.Wrapf(ErrValidation, "spread %s%% is outside 0-%s%%", p, MaxSpreadPercent)
	}
	return nil
}

// SpreadPair is the markup in percent applied per direction.
type SpreadPair struct {
	Buy  decimal.Decimal `json:"buy"`
	Sell decimal.Decimal `json:"sell"`
}

// For returns the percent for a direction.
func (p SpreadPair) For(d Direction) decimal.Decimal {
	if d == DirectionSell {
		return p.Sell
	}
	return p.Buy
}

// SpreadConfig is the normalized metals+crypto spread table.
type SpreadConfig struct {
	Version int                  `json:"version"`
	Metals  map[Asset]SpreadPair `json:"metals"`
	Crypto  map[Asset]SpreadPair `json:"crypto"`
}

// Lookup returns the spread pair for an asset.
func (c SpreadConfig) Lookup(a Asset) (SpreadPair, bool) {
	var m map[Asset]SpreadPair
	switch a.Class() {
	case ClassMetals:
		m = c.Metals
	case ClassCrypto:
		m = c.Crypto
	default:
		return SpreadPair{}, false
	}
	p, ok := m[a]
	return p, ok
}

// Class returns the map for an asset class, creating it on demand.
func (c *SpreadConfig) Class(class AssetClass) map[Asset]SpreadPair {
	switch class {
	case ClassMetals:
		if c.Metals == nil {
			c.Metals = make(map[Asset]SpreadPair)
		}
		return c.Metals
	case ClassCrypto:
		if c.Crypto == nil {
			c.Crypto = make(map[Asset]SpreadPair)
		}
		return c.Crypto
	default:
		return nil
	}
}

// SpreadUpdate is a partial change. Nil fields keep the current value.
type SpreadUpdate struct {
	Buy  *decimal.Decimal `json:"buy,omitempty"`
	Sell *decimal.Decimal `json:"sell,omitempty"`
}

// Validate checks the supplied fields.
func (u SpreadUpdate) Validate() error {
	for _, p := range []*decimal.Decimal{u.Buy, u.Sell} {
		if p == nil {
			continue
		}
		if err := ValidateSpreadPercent(*p); err != nil {
			return err
		}
	}
	return nil
}

// Apply merges the update into p.
func (u SpreadUpdate) Apply(p SpreadPair) SpreadPair {
	if u.Buy != nil {
		p.Buy = *u.Buy
	}
	if u.Sell != nil {
		p.Sell = *u.Sell
	}
	return p
}

// SpreadPatch is a partial update of the whole table.
type SpreadPatch struct {
	Metals map[Asset]SpreadUpdate `json:"metals,omitempty"`
	Crypto map[Asset]SpreadUpdate `json:"crypto,omitempty"`
}

// Validate checks every update in the patch.
func (p SpreadPatch) Validate() error {
	for _, entries := range []map[Asset]SpreadUpdate{p.Metals, p.Crypto} {
		for a, u := range entries {
			if err := u.Validate(); err != nil {
				return errors.Wrapf(err, "%s", a)
			}
		}
	}
	return nil
}
