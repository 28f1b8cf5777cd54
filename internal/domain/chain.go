package domain

import (
	"strings"

	"github.com/pkg/errors"
)

// ChainID identifies a settlement network.
type ChainID string

const (
	ChainEthereum ChainID = "ethereum"
	ChainPolygon  ChainID = "polygon"
	ChainXRPL     ChainID = "xrpl"
	ChainSolana   ChainID = "solana"
)

// ChainFamily is the transaction model a settlement strategy implements.
type ChainFamily string

const (
	FamilyNativeValue    ChainFamily = "native-value"
	FamilyContractToken  ChainFamily = "contract-token"
	FamilyReserveAccount ChainFamily = "reserve-account"
	FamilyNonceSequenced ChainFamily = "nonce-sequenced"
)

// ParseChainID validates a chain identifier.
func ParseChainID(s string) (ChainID, error) {
	switch c := ChainID(strings.ToLower(strings.TrimSpace(s))); c {
	case ChainEthereum, ChainPolygon, ChainXRPL, ChainSolana:
		return c, nil
	default:
		return "", errors.Wrapf(ErrValidation, "unsupported chain %q", s)
	}
}

// IsEVM reports whether the chain speaks the Ethereum JSON-RPC dialect.
func (c ChainID) IsEVM() bool {
	return c == ChainEthereum || c == ChainPolygon
}

// NativeAsset returns the asset that pays fees on the chain.
func (c ChainID) NativeAsset() Asset {
	switch c {
	case ChainEthereum:
		return AssetETH
	case ChainPolygon:
		return AssetMATIC
	case ChainXRPL:
		return AssetXRP
	case ChainSolana:
		return AssetSOL
	default:
		return ""
	}
}
