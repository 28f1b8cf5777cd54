package settlement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vadiminshakov/bullion/internal/domain"
)

func TestValidateEVMAddress(t *testing.T) {
	tests := []struct {
		address string
		ok      bool
	}{
		{"0x52908400098527886E0F7030069857D2E4169EE7", true},
		{"0xde709f2102306220921060314715629080e2fb77", true},
		{"52908400098527886E0F7030069857D2E4169EE7", false},
		{"0x52908400098527886E0F7030069857D2E4169E", false},
		{"0xZZ908400098527886E0F7030069857D2E4169EE7", false},
		{"0x0000000000000000000000000000000000000000", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			err := ValidateEVMAddress(tt.address)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, domain.ErrValidation)
			}
		})
	}
}

func TestValidateXRPLAddress(t *testing.T) {
	tests := []struct {
		address string
		ok      bool
	}{
		{"rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh", true},
		{"rrrrrrrrrrrrrrrrrrrrrhoLvTp", true},
		{"rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTj", false},
		{"xHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh", false},
		{"rHb9CJAWyB4rj91VRWn96DkukG4bwdty0h", false},
		{"r123", false},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			err := ValidateXRPLAddress(tt.address)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, domain.ErrValidation)
			}
		})
	}
}

func TestValidateSolanaAddress(t *testing.T) {
	tests := []struct {
		address string
		ok      bool
	}{
		{"11111111111111111111111111111111", true},
		{"SysvarRecentB1ockHashes11111111111111111111", true},
		{"4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T", true},
		{"4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB40", false},
		{"0x52908400098527886E0F7030069857D2E4169EE7", false},
		{"short", false},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			err := ValidateSolanaAddress(tt.address)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, domain.ErrValidation)
			}
		})
	}
}
