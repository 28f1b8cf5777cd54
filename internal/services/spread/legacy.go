package spread

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/bullion/internal/domain"
)

// v0 stored one global pair for every asset.
type legacyGlobal struct {
	BuySpread  *decimal.Decimal `json:"buySpread"`
	SellSpread *decimal.Decimal `json:"sellSpread"`
}

// v1 stored a flat map keyed by asset name or symbol.
type legacyPair struct {
	Buy  decimal.Decimal `json:"buy"`
	Sell decimal.Decimal `json:"sell"`
}

// decode understands the current shape and both legacy shapes. The second
// result reports whether the record needs to be rewritten.
func decode(raw []byte) (domain.SpreadConfig, bool, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return domain.SpreadConfig{}, false, errors.Wrap(err, "decode spread config")
	}

	if _, ok := probe["version"]; ok {
		var cfg domain.SpreadConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return domain.SpreadConfig{}, false, errors.Wrap(err, "decode spread config")
		}
		if cfg.Metals == nil {
			cfg.Metals = map[domain.Asset]domain.SpreadPair{}
		}
		if cfg.Crypto == nil {
			cfg.Crypto = map[domain.Asset]domain.SpreadPair{}
		}
		return cfg, cfg.Version < domain.SpreadConfigVersion, nil
	}

	cfg := domain.SpreadConfig{
		Metals: map[domain.Asset]domain.SpreadPair{},
		Crypto: map[domain.Asset]domain.SpreadPair{},
	}

	_, hasBuy := probe["buySpread"]
	_, hasSell := probe["sellSpread"]
	if hasBuy || hasSell {
		var g legacyGlobal
		if err := json.Unmarshal(raw, &g); err != nil {
			return domain.SpreadConfig{}, false, errors.Wrap(err, "decode legacy spread config")
		}
		defaults := Defaults()
		for _, a := range domain.TrackedAssets {
			p, _ := defaults.Lookup(a)
			if g.BuySpread != nil {
				p.Buy = *g.BuySpread
			}
			if g.SellSpread != nil {
				p.Sell = *g.SellSpread
			}
			cfg.Class(a.Class())[a] = p
		}
		return cfg, true, nil
	}

	for key, val := range probe {
		asset, err := domain.ParseAsset(key)
		if err != nil || !asset.Known() {
			// unknown entries from retired assets are dropped on upgrade
			continue
		}
		var p legacyPair
		if err := json.Unmarshal(val, &p); err != nil {
			return domain.SpreadConfig{}, false, errors.Wrapf(err, "decode legacy spread for %s", key)
		}
		cfg.Class(asset.Class())[asset] = domain.SpreadPair{Buy: p.Buy, Sell: p.Sell}
	}

	return cfg, true, nil
}
