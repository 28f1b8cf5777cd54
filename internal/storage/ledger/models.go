package ledger

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Lock states of staking positions and allocations.
const (
	LockActive   = "active"
	LockReleased = "released"
)

// Account is a ledger holder. System accounts (clearing, settled) are ordinary rows.
type Account struct {
	ID          string `gorm:"primaryKey;size:64"`
	CustodyMode string `gorm:"size:16;not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AccountWallet is the external address an account registered on a chain.
type AccountWallet struct {
	AccountID string `gorm:"primaryKey;size:64"`
	Chain     string `gorm:"primaryKey;size:16"`
	Address   string `gorm:"size:128;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Balance is the stored amount of one asset. Version guards conditional updates.
type Balance struct {
	AccountID string          `gorm:"primaryKey;size:64"`
	Asset     string          `gorm:"primaryKey;size:16"`
	Amount    decimal.Decimal `gorm:"type:varchar(64);not null"`
	Version   int64           `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

// StakingPosition locks part of a balance while staked.
type StakingPosition struct {
	ID        string          `gorm:"primaryKey;size:36"`
	AccountID string          `gorm:"size:64;index:idx_stake_owner"`
	Asset     string          `gorm:"size:16;index:idx_stake_owner"`
	Amount    decimal.Decimal `gorm:"type:varchar(64);not null"`
	Status    string          `gorm:"size:16;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Allocation locks part of a balance for a pending commitment.
type Allocation struct {
	ID        string          `gorm:"primaryKey;size:36"`
	AccountID string          `gorm:"size:64;index:idx_alloc_owner"`
	Asset     string          `gorm:"size:16;index:idx_alloc_owner"`
	Amount    decimal.Decimal `gorm:"type:varchar(64);not null"`
	Purpose   string          `gorm:"size:64"`
	Status    string          `gorm:"size:16;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AutoMigrate creates or updates the ledger tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Account{},
		&AccountWallet{},
		&Balance{},
		&StakingPosition{},
		&Allocation{},
	)
}
