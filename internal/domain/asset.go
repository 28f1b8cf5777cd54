package domain

import (
	"strings"

	"github.com/pkg/errors"
)

// Asset is a tradable or settlement symbol.
type Asset string

const (
	AssetGold      Asset = "XAU"
	AssetSilver    Asset = "XAG"
	AssetPlatinum  Asset = "XPT"
	AssetPalladium Asset = "XPD"

	AssetBTC   Asset = "BTC"
	AssetETH   Asset = "ETH"
	AssetMATIC Asset = "MATIC"
	AssetSOL   Asset = "SOL"
	AssetXRP   Asset = "XRP"
	AssetUSDT  Asset = "USDT"
	AssetUSDC  Asset = "USDC"

	// AssetUSD is the settlement unit. It is never quoted.
	AssetUSD Asset = "USD"
)

// AssetClass groups assets for spread configuration.
type AssetClass string

const (
	ClassMetals AssetClass = "metals"
	ClassCrypto AssetClass = "crypto"
)

type assetInfo struct {
	class   AssetClass
	name    string
	onChain bool
	home    ChainID
}

var assets = map[Asset]assetInfo{
	AssetGold:      {class: ClassMetals, name: "gold"},
	AssetSilver:    {class: ClassMetals, name: "silver"},
	AssetPlatinum:  {class: ClassMetals, name: "platinum"},
	AssetPalladium: {class: ClassMetals, name: "palladium"},

	AssetBTC:   {class: ClassCrypto, name: "bitcoin"},
	AssetETH:   {class: ClassCrypto, name: "ether", onChain: true, home: ChainEthereum},
	AssetMATIC: {class: ClassCrypto, name: "polygon", onChain: true, home: ChainPolygon},
	AssetSOL:   {class: ClassCrypto, name: "solana", onChain: true, home: ChainSolana},
	AssetXRP:   {class: ClassCrypto, name: "xrp", onChain: true, home: ChainXRPL},
	AssetUSDT:  {class: ClassCrypto, name: "tether", onChain: true, home: ChainEthereum},
	AssetUSDC:  {class: ClassCrypto, name: "usd coin", onChain: true, home: ChainEthereum},
}

// TrackedAssets lists every asset the price feed must price, metals first.
var TrackedAssets = []Asset{
	AssetGold, AssetSilver, AssetPlatinum, AssetPalladium,
	AssetBTC, AssetETH, AssetMATIC, AssetSOL, AssetXRP, AssetUSDT, AssetUSDC,
}

// ParseAsset accepts a symbol or a metal name in any case.
func ParseAsset(s string) (Asset, error) {
	s = strings.TrimSpace(s)
	up := Asset(strings.ToUpper(s))
	if _, ok := assets[up]; ok || up == AssetUSD {
		return up, nil
	}

	low := strings.ToLower(s)
	for a, info := range assets {
		if info.class == ClassMetals && info.name == low {
			return a, nil
		}
	}

	return "", errors.Wrapf(ErrUnknownAsset, "%q", s)
}

// Known reports whether the asset is tradable.
func (a Asset) Known() bool {
	_, ok := assets[a]
	return ok
}

// Class returns the spread class of the asset.
func (a Asset) Class() AssetClass {
	return assets[a].class
}

// Name returns the human-readable name.
func (a Asset) Name() string {
	if a == AssetUSD {
		return "us dollar"
	}
	return assets[a].name
}

// OnChain reports whether balances of the asset may live in an external wallet.
func (a Asset) OnChain() bool {
	return assets[a].onChain
}

// HomeChain is the network where external balances of the asset are read.
func (a Asset) HomeChain() ChainID {
	return assets[a].home
}

// IsMetal reports whether the asset is a precious metal priced per gram.
func (a Asset) IsMetal() bool {
	return assets[a].class == ClassMetals
}

// IsStablecoin reports whether the asset is pegged to USD.
func (a Asset) IsStablecoin() bool {
	return a == AssetUSDT || a == AssetUSDC
}

// AssetsOfClass returns the tracked assets of a class in display order.
func AssetsOfClass(c AssetClass) []Asset {
	out := make([]Asset, 0, len(TrackedAssets))
	for _, a := range TrackedAssets {
		if a.Class() == c {
			out = append(out, a)
		}
	}
	return out
}
