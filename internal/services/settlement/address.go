package settlement

import (
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/bullion/internal/domain"
)

const (
	rippleAlphabet  = "rpshnaf39wBUDNEGHJKLM4PQRST7VWXYZ2bcdeCg65jkm8oFqi1tuvAxyz"
	bitcoinAlphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

	xrplAccountVersion = 0
	xrplAccountIDLen   = 20
	solanaPubkeyLen    = 32
)

var rippleToBitcoin = func() *strings.Replacer {
	pairs := make([]string, 0, 2*len(rippleAlphabet))
	for i := range rippleAlphabet {
		pairs = append(pairs, rippleAlphabet[i:i+1], bitcoinAlphabet[i:i+1])
	}
	return strings.NewReplacer(pairs...)
}()

// ValidateEVMAddress accepts a 0x-prefixed 20-byte hex address other than the zero address.
func ValidateEVMAddress(address string) error {
	if !strings.HasPrefix(address, "0x") || !common.IsHexAddress(address) {
		return errors.Wrapf(domain.ErrValidation, "invalid address %q", address)
	}
	if common.HexToAddress(address) == (common.Address{}) {
		return errors.Wrap(domain.ErrValidation, "zero address is not a valid destination")
	}
	return nil
}

// ValidateXRPLAddress accepts a classic r-address with a valid checksum.
func ValidateXRPLAddress(address string) error {
	if len(address) < 25 || len(address) > 35 || !strings.HasPrefix(address, "r") {
		return errors.Wrapf(domain.ErrValidation, "invalid address %q", address)
	}
	for _, c := range address {
		if !strings.ContainsRune(rippleAlphabet, c) {
			return errors.Wrapf(domain.ErrValidation, "invalid address %q", address)
		}
	}

	payload, version, err := base58.CheckDecode(rippleToBitcoin.Replace(address))
	if err != nil || version != xrplAccountVersion || len(payload) != xrplAccountIDLen {
		return errors.Wrapf(domain.ErrValidation, "invalid address %q", address)
	}
	return nil
}

// ValidateSolanaAddress accepts a base58 encoded 32-byte public key.
func ValidateSolanaAddress(address string) error {
	if len(address) < 32 || len(address) > 44 {
		return errors.Wrapf(domain.ErrValidation, "invalid address %q", address)
	}
	if key := base58.Decode(address); len(key) != solanaPubkeyLen {
		return errors.Wrapf(domain.ErrValidation, "invalid address %q", address)
	}
	return nil
}

func rejectTag(chain domain.ChainID, tag *uint32) error {
	if tag != nil {
		return errors.Wrapf(domain.ErrValidation, "%s transfers do not take a destination tag", chain)
	}
	return nil
}
