// Package spread keeps the administrator-configured buy/sell markups.
package spread

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/bullion/internal/domain"
	"github.com/vadiminshakov/bullion/internal/storage/kv"
	"go.uber.org/zap"
)

const configKey = "spread:config"

// Defaults returns the spreads a fresh installation starts with.
func Defaults() domain.SpreadConfig {
	pair := func(buy, sell string) domain.SpreadPair {
		return domain.SpreadPair{Buy: decimal.RequireFromString(buy), Sell: decimal.RequireFromString(sell)}
	}
	return domain.SpreadConfig{
		Version: domain.SpreadConfigVersion,
		Metals: map[domain.Asset]domain.SpreadPair{
			domain.AssetGold:      pair("1.5", "1.5"),
			domain.AssetSilver:    pair("2.5", "2.5"),
			domain.AssetPlatinum:  pair("2", "2"),
			domain.AssetPalladium: pair("2", "2"),
		},
		Crypto: map[domain.Asset]domain.SpreadPair{
			domain.AssetBTC:   pair("1", "1"),
			domain.AssetETH:   pair("1", "1"),
			domain.AssetMATIC: pair("1.5", "1.5"),
			domain.AssetSOL:   pair("1.5", "1.5"),
			domain.AssetXRP:   pair("1.5", "1.5"),
			domain.AssetUSDT:  pair("0.5", "0.5"),
			domain.AssetUSDC:  pair("0.5", "0.5"),
		},
	}
}

// Store reads and updates the spread table in the KV store.
type Store struct {
	kv kv.Store
	mu sync.Mutex
	l  *zap.Logger
}

func NewStore(store kv.Store, l *zap.Logger) *Store {
	return &Store{kv: store, l: l}
}

// Get returns the current configuration. A missing record is created from
// defaults and a legacy record is upgraded in place.
func (s *Store) Get(ctx context.Context) (domain.SpreadConfig, error) {
	raw, err := s.kv.Get(ctx, configKey)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		return s.update(ctx, func(cfg *domain.SpreadConfig) {})
	case err != nil:
		return domain.SpreadConfig{}, errors.Wrap(err, "read spread config")
	}

	cfg, legacy, err := decode(raw)
	if err != nil {
		return domain.SpreadConfig{}, err
	}
	if !legacy && complete(cfg) {
		return cfg, nil
	}

	// upgrade through the same write path so concurrent readers agree
	return s.update(ctx, func(*domain.SpreadConfig) {})
}

// SetOne merges buy/sell for one asset. Nil fields are left unchanged.
func (s *Store) SetOne(ctx context.Context, class domain.AssetClass, asset domain.Asset, upd domain.SpreadUpdate) (domain.SpreadConfig, error) {
	if !asset.Known() || asset.Class() != class {
		return domain.SpreadConfig{}, errors.Wrapf(domain.ErrValidation, "asset %s is not in class %s", asset, class)
	}
	return s.update(ctx, func(cfg *domain.SpreadConfig) {
		m := cfg.Class(class)
		m[asset] = upd.Apply(m[asset])
	})
}

// SetAll merges a partial table. Assets not mentioned keep their spreads.
func (s *Store) SetAll(ctx context.Context, patch domain.SpreadPatch) (domain.SpreadConfig, error) {
	for class, entries := range map[domain.AssetClass]map[domain.Asset]domain.SpreadUpdate{
		domain.ClassMetals: patch.Metals,
		domain.ClassCrypto: patch.Crypto,
	} {
		for a := range entries {
			if !a.Known() || a.Class() != class {
				return domain.SpreadConfig{}, errors.Wrapf(domain.ErrValidation, "asset %s is not in class %s", a, class)
			}
		}
	}

	return s.update(ctx, func(cfg *domain.SpreadConfig) {
		for a, u := range patch.Metals {
			cfg.Metals[a] = u.Apply(cfg.Metals[a])
		}
		for a, u := range patch.Crypto {
			cfg.Crypto[a] = u.Apply(cfg.Crypto[a])
		}
	})
}

// update normalizes the stored record, applies fn and writes it back atomically.
func (s *Store) update(ctx context.Context, fn func(cfg *domain.SpreadConfig)) (domain.SpreadConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result domain.SpreadConfig
	err := s.kv.Update(ctx, configKey, func(current []byte, found bool) ([]byte, error) {
		cfg := Defaults()
		if found {
			stored, legacy, err := decode(current)
			if err != nil {
				return nil, err
			}
			if legacy {
				s.l.Info("upgrading legacy spread config")
			}
			mergeInto(&cfg, stored)
		}

		fn(&cfg)
		cfg.Version = domain.SpreadConfigVersion
		result = cfg

		return json.Marshal(cfg)
	})
	if err != nil {
		return domain.SpreadConfig{}, errors.Wrap(err, "write spread config")
	}

	return result, nil
}

// mergeInto overlays stored spreads on top of defaults.
func mergeInto(dst *domain.SpreadConfig, src domain.SpreadConfig) {
	for a, p := range src.Metals {
		dst.Metals[a] = p
	}
	for a, p := range src.Crypto {
		dst.Crypto[a] = p
	}
}

func complete(cfg domain.SpreadConfig) bool {
	for _, a := range domain.TrackedAssets {
		if _, ok := cfg.Lookup(a); !ok {
			return false
		}
	}
	return true
}
