// Package ledger is the custodial balance store. Every decrement is conditional
// on the free balance, inside a transaction that re-reads locks.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/bullion/internal/domain"
	"github.com/vadiminshakov/bullion/pkg/retrier"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errVersionConflict = errors.New("balance version conflict")

// Leg is one side of an exchange.
type Leg struct {
	Asset  domain.Asset
	Amount decimal.Decimal
}

// Store reads and conditionally mutates balances.
type Store struct {
	db      *gorm.DB
	retrier *retrier.Retrier
	l       *zap.Logger
}

func NewStore(db *gorm.DB, l *zap.Logger) *Store {
	return &Store{
		db: db,
		retrier: retrier.New(
			retrier.WithMaxRetries(5),
			retrier.WithInitialInterval(5*time.Millisecond),
			retrier.WithMaxInterval(100*time.Millisecond),
		),
		l: l,
	}
}

// EnsureAccount creates the account if missing. An existing account keeps its mode.
func (s *Store) EnsureAccount(ctx context.Context, accountID string, mode domain.CustodyMode) error {
	if accountID == "" {
		return errors.Wrap(domain.ErrValidation, "account is required")
	}
	if mode != domain.CustodyCustodial && mode != domain.CustodyExternal {
		return errors.Wrapf(domain.ErrValidation, "unknown custody mode %q", mode)
	}
	acc := Account{ID: accountID, CustodyMode: string(mode)}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&acc).Error
	return errors.Wrapf(err, "ensure account %s", accountID)
}

// CustodyMode returns where the account's on-chain balances live.
func (s *Store) CustodyMode(ctx context.Context, accountID string) (domain.CustodyMode, error) {
	var acc Account
	err := s.db.WithContext(ctx).First(&acc, "id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", errors.Wrapf(domain.ErrNotFound, "account %s", accountID)
	}
	if err != nil {
		return "", errors.Wrapf(err, "load account %s", accountID)
	}
	return domain.CustodyMode(acc.CustodyMode), nil
}

// RegisterWallet records the account's address on a chain, replacing any previous one.
func (s *Store) RegisterWallet(ctx context.Context, accountID string, chain domain.ChainID, address string) error {
	w := AccountWallet{AccountID: accountID, Chain: string(chain), Address: address}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "chain"}},
		DoUpdates: clause.AssignmentColumns([]string{"address", "updated_at"}),
	}).Create(&w).Error
	return errors.Wrapf(err, "register %s wallet for %s", chain, accountID)
}

// WalletAddress returns the account's registered address on chain.
func (s *Store) WalletAddress(ctx context.Context, accountID string, chain domain.ChainID) (string, error) {
	var w AccountWallet
	err := s.db.WithContext(ctx).First(&w, "account_id = ? AND chain = ?", accountID, string(chain)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", errors.Wrapf(domain.ErrNotFound, "no %s wallet for %s", chain, accountID)
	}
	if err != nil {
		return "", errors.Wrapf(err, "load %s wallet for %s", chain, accountID)
	}
	return w.Address, nil
}

// Balance returns the stored amount, zero when the account never held the asset.
func (s *Store) Balance(ctx context.Context, accountID string, asset domain.Asset) (decimal.Decimal, error) {
	var b Balance
	err := s.db.WithContext(ctx).First(&b, "account_id = ? AND asset = ?", accountID, string(asset)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "load %s balance of %s", asset, accountID)
	}
	return b.Amount, nil
}

// ActiveStaking sums the active staking positions in asset.
func (s *Store) ActiveStaking(ctx context.Context, accountID string, asset domain.Asset) (decimal.Decimal, error) {
	return sumActive[StakingPosition](s.db.WithContext(ctx), accountID, asset)
}

// ActiveAllocations sums the active allocations in asset.
func (s *Store) ActiveAllocations(ctx context.Context, accountID string, asset domain.Asset) (decimal.Decimal, error) {
	return sumActive[Allocation](s.db.WithContext(ctx), accountID, asset)
}

type lockRow interface {
	StakingPosition | Allocation
}

func sumActive[T lockRow](db *gorm.DB, accountID string, asset domain.Asset) (decimal.Decimal, error) {
	var amounts []decimal.Decimal
	err := db.Model(new(T)).
		Where("account_id = ? AND asset = ? AND status = ?", accountID, string(asset), LockActive).
		Pluck("amount", &amounts).Error
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "sum locks of %s", accountID)
	}
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total, nil
}

func lockedIn(tx *gorm.DB, accountID string, asset domain.Asset) (decimal.Decimal, error) {
	staked, err := sumActive[StakingPosition](tx, accountID, asset)
	if err != nil {
		return decimal.Zero, err
	}
	allocated, err := sumActive[Allocation](tx, accountID, asset)
	if err != nil {
		return decimal.Zero, err
	}
	return staked.Add(allocated), nil
}

// Credit adds amount to the account's balance.
func (s *Store) Credit(ctx context.Context, accountID string, asset domain.Asset, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *gorm.DB) error {
		return credit(tx, accountID, asset, amount)
	})
}

// Debit removes amount if the free balance (stored minus locks) covers it.
func (s *Store) Debit(ctx context.Context, accountID string, asset domain.Asset, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *gorm.DB) error {
		return debit(tx, accountID, asset, amount)
	})
}

// Transfer moves amount between accounts atomically.
func (s *Store) Transfer(ctx context.Context, from, to string, asset domain.Asset, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if from == to {
		return errors.Wrap(domain.ErrValidation, "transfer to the same account")
	}
	return s.inTx(ctx, func(tx *gorm.DB) error {
		if err := debit(tx, from, asset, amount); err != nil {
			return err
		}
		return credit(tx, to, asset, amount)
	})
}

// Exchange debits out and credits in on one account atomically.
func (s *Store) Exchange(ctx context.Context, accountID string, out, in Leg) error {
	if err := checkAmount(out.Amount); err != nil {
		return err
	}
	if err := checkAmount(in.Amount); err != nil {
		return err
	}
	if out.Asset == in.Asset {
		return errors.Wrap(domain.ErrValidation, "exchange needs two assets")
	}
	return s.inTx(ctx, func(tx *gorm.DB) error {
		if err := debit(tx, accountID, out.Asset, out.Amount); err != nil {
			return err
		}
		return credit(tx, accountID, in.Asset, in.Amount)
	})
}

// AddStake locks amount of the free balance as a staking position.
func (s *Store) AddStake(ctx context.Context, accountID string, asset domain.Asset, amount decimal.Decimal) (string, error) {
	pos := StakingPosition{ID: uuid.NewString(), AccountID: accountID, Asset: string(asset), Amount: amount, Status: LockActive}
	return pos.ID, s.addLock(ctx, accountID, asset, amount, &pos)
}

// AddAllocation locks amount of the free balance for purpose.
func (s *Store) AddAllocation(ctx context.Context, accountID string, asset domain.Asset, amount decimal.Decimal, purpose string) (string, error) {
	alloc := Allocation{ID: uuid.NewString(), AccountID: accountID, Asset: string(asset), Amount: amount, Purpose: purpose, Status: LockActive}
	return alloc.ID, s.addLock(ctx, accountID, asset, amount, &alloc)
}

// ReleaseStake ends a staking position.
func (s *Store) ReleaseStake(ctx context.Context, id string) error {
	return s.release(ctx, &StakingPosition{}, id)
}

// ReleaseAllocation ends an allocation.
func (s *Store) ReleaseAllocation(ctx context.Context, id string) error {
	return s.release(ctx, &Allocation{}, id)
}

func (s *Store) addLock(ctx context.Context, accountID string, asset domain.Asset, amount decimal.Decimal, row any) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *gorm.DB) error {
		bal, err := lockBalance(tx, accountID, asset)
		if err != nil {
			return err
		}
		if err := ensureFree(tx, accountID, asset, bal.Amount, amount); err != nil {
			return err
		}
		return errors.Wrap(tx.Create(row).Error, "create lock")
	})
}

func (s *Store) release(ctx context.Context, model any, id string) error {
	res := s.db.WithContext(ctx).Model(model).
		Where("id = ? AND status = ?", id, LockActive).
		Update("status", LockReleased)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "release lock %s", id)
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(domain.ErrNotFound, "active lock %s", id)
	}
	return nil
}

// inTx runs fn in a transaction, retrying when a concurrent writer won the version race.
func (s *Store) inTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.retrier.Do(ctx, func(ctx context.Context) error {
		err := s.db.WithContext(ctx).Transaction(fn)
		if errors.Is(err, errVersionConflict) {
			s.l.Debug("ledger version conflict, retrying")
			return err
		}
		return retrier.Permanent(err)
	})
}

func lockBalance(tx *gorm.DB, accountID string, asset domain.Asset) (Balance, error) {
	var bal Balance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&bal, "account_id = ? AND asset = ?", accountID, string(asset)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Balance{AccountID: accountID, Asset: string(asset), Amount: decimal.Zero}, nil
	}
	if err != nil {
		return Balance{}, errors.Wrapf(err, "lock %s balance of %s", asset, accountID)
	}
	return bal, nil
}

func ensureFree(tx *gorm.DB, accountID string, asset domain.Asset, stored, amount decimal.Decimal) error {
	locked, err := lockedIn(tx, accountID, asset)
	if err != nil {
		return err
	}
	free := stored.Sub(locked)
	if free.LessThan(amount) {
		if free.IsNegative() {
			free = decimal.Zero
		}
		return errors.Wrapf(domain.ErrInsufficientFunds, "%s available %s, requested %s", asset, free, amount)
	}
	return nil
}

func debit(tx *gorm.DB, accountID string, asset domain.Asset, amount decimal.Decimal) error {
	bal, err := lockBalance(tx, accountID, asset)
	if err != nil {
		return err
	}
	if err := ensureFree(tx, accountID, asset, bal.Amount, amount); err != nil {
		return err
	}
	return casUpdate(tx, bal, bal.Amount.Sub(amount))
}

func credit(tx *gorm.DB, accountID string, asset domain.Asset, amount decimal.Decimal) error {
	row := Balance{AccountID: accountID, Asset: string(asset), Amount: decimal.Zero}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return errors.Wrapf(err, "open %s balance of %s", asset, accountID)
	}
	bal, err := lockBalance(tx, accountID, asset)
	if err != nil {
		return err
	}
	return casUpdate(tx, bal, bal.Amount.Add(amount))
}

func casUpdate(tx *gorm.DB, bal Balance, amount decimal.Decimal) error {
	res := tx.Model(&Balance{}).
		Where("account_id = ? AND asset = ? AND version = ?", bal.AccountID, bal.Asset, bal.Version).
		Updates(map[string]any{
			"amount":     amount,
			"version":    bal.Version + 1,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "update %s balance of %s", bal.Asset, bal.AccountID)
	}
	if res.RowsAffected == 0 {
		return errVersionConflict
	}
	return nil
}

func checkAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errors.Wrap(domain.ErrValidation, "amount must be positive")
	}
	return nil
}
