package ledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/bullion/internal/domain"
	"go.uber.org/zap"
)

func setupLedger(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := Open(DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return NewStore(db, zap.NewNop())
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestDebit_RespectsLocks(t *testing.T) {
	s := setupLedger(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureAccount(ctx, "acc", domain.CustodyCustodial))
	require.NoError(t, s.Credit(ctx, "acc", domain.AssetGold, dec("100")))
	_, err := s.AddStake(ctx, "acc", domain.AssetGold, dec("60"))
	require.NoError(t, err)

	err = s.Debit(ctx, "acc", domain.AssetGold, dec("41"))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	require.NoError(t, s.Debit(ctx, "acc", domain.AssetGold, dec("40")))

	bal, err := s.Balance(ctx, "acc", domain.AssetGold)
	require.NoError(t, err)
	assert.Equal(t, "60", bal.String())

	err = s.Debit(ctx, "acc", domain.AssetGold, dec("0.0001"))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestDebit_AllocationsLockToo(t *testing.T) {
	s := setupLedger(t)
	ctx := context.Background()

	require.NoError(t, s.Credit(ctx, "acc", domain.AssetETH, dec("5")))
	_, err := s.AddStake(ctx, "acc", domain.AssetETH, dec("1"))
	require.NoError(t, err)
	allocID, err := s.AddAllocation(ctx, "acc", domain.AssetETH, dec("2"), "vault")
	require.NoError(t, err)

	staked, err := s.ActiveStaking(ctx, "acc", domain.AssetETH)
	require.NoError(t, err)
	allocated, err := s.ActiveAllocations(ctx, "acc", domain.AssetETH)
	require.NoError(t, err)
	assert.Equal(t, "1", staked.String())
	assert.Equal(t, "2", allocated.String())

	assert.ErrorIs(t, s.Debit(ctx, "acc", domain.AssetETH, dec("2.5")), domain.ErrInsufficientFunds)

	require.NoError(t, s.ReleaseAllocation(ctx, allocID))
	require.NoError(t, s.Debit(ctx, "acc", domain.AssetETH, dec("2.5")))

	assert.ErrorIs(t, s.ReleaseAllocation(ctx, allocID), domain.ErrNotFound)
}

func TestAddStake_CannotExceedFree(t *testing.T) {
	s := setupLedger(t)
	ctx := context.Background()

	require.NoError(t, s.Credit(ctx, "acc", domain.AssetSilver, dec("10")))
	_, err := s.AddStake(ctx, "acc", domain.AssetSilver, dec("8"))
	require.NoError(t, err)

	_, err = s.AddStake(ctx, "acc", domain.AssetSilver, dec("3"))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestDebit_Concurrent(t *testing.T) {
	s := setupLedger(t)
	ctx := context.Background()

	require.NoError(t, s.Credit(ctx, "acc", domain.AssetUSD, dec("10")))

	var (
		wg  sync.WaitGroup
		ok  int32
		nsf int32
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Debit(ctx, "acc", domain.AssetUSD, dec("1"))
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case assert.ErrorIs(t, err, domain.ErrInsufficientFunds):
				atomic.AddInt32(&nsf, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), ok)
	assert.Equal(t, int32(15), nsf)

	bal, err := s.Balance(ctx, "acc", domain.AssetUSD)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestTransfer(t *testing.T) {
	s := setupLedger(t)
	ctx := context.Background()

	require.NoError(t, s.Credit(ctx, "a", domain.AssetXRP, dec("50")))
	require.NoError(t, s.Transfer(ctx, "a", "b", domain.AssetXRP, dec("20")))

	a, err := s.Balance(ctx, "a", domain.AssetXRP)
	require.NoError(t, err)
	b, err := s.Balance(ctx, "b", domain.AssetXRP)
	require.NoError(t, err)
	assert.Equal(t, "30", a.String())
	assert.Equal(t, "20", b.String())

	assert.ErrorIs(t, s.Transfer(ctx, "a", "b", domain.AssetXRP, dec("31")), domain.ErrInsufficientFunds)
	assert.ErrorIs(t, s.Transfer(ctx, "a", "a", domain.AssetXRP, dec("1")), domain.ErrValidation)
}

func TestExchange_IsAtomic(t *testing.T) {
	s := setupLedger(t)
	ctx := context.Background()

	require.NoError(t, s.Credit(ctx, "acc", domain.AssetUSD, dec("100")))

	err := s.Exchange(ctx, "acc",
		Leg{Asset: domain.AssetUSD, Amount: dec("137.84")},
		Leg{Asset: domain.AssetGold, Amount: dec("1")})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	gold, err := s.Balance(ctx, "acc", domain.AssetGold)
	require.NoError(t, err)
	assert.True(t, gold.IsZero())

	require.NoError(t, s.Exchange(ctx, "acc",
		Leg{Asset: domain.AssetUSD, Amount: dec("68.92")},
		Leg{Asset: domain.AssetGold, Amount: dec("0.5")}))

	usd, err := s.Balance(ctx, "acc", domain.AssetUSD)
	require.NoError(t, err)
	gold, err = s.Balance(ctx, "acc", domain.AssetGold)
	require.NoError(t, err)
	assert.Equal(t, "31.08", usd.String())
	assert.Equal(t, "0.5", gold.String())
}

func TestAccountsAndWallets(t *testing.T) {
	s := setupLedger(t)
	ctx := context.Background()

	_, err := s.CustodyMode(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.EnsureAccount(ctx, "acc", domain.CustodyExternal))
	require.NoError(t, s.EnsureAccount(ctx, "acc", domain.CustodyCustodial))
	mode, err := s.CustodyMode(ctx, "acc")
	require.NoError(t, err)
	assert.Equal(t, domain.CustodyExternal, mode)

	assert.ErrorIs(t, s.EnsureAccount(ctx, "acc2", domain.CustodyMode("cold")), domain.ErrValidation)

	_, err = s.WalletAddress(ctx, "acc", domain.ChainEthereum)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.RegisterWallet(ctx, "acc", domain.ChainEthereum, "0x1111111111111111111111111111111111111111"))
	require.NoError(t, s.RegisterWallet(ctx, "acc", domain.ChainEthereum, "0x2222222222222222222222222222222222222222"))
	addr, err := s.WalletAddress(ctx, "acc", domain.ChainEthereum)
	require.NoError(t, err)
	assert.Equal(t, "0x2222222222222222222222222222222222222222", addr)
}

func TestAmountsMustBePositive(t *testing.T) {
	s := setupLedger(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.Credit(ctx, "acc", domain.AssetGold, decimal.Zero), domain.ErrValidation)
	assert.ErrorIs(t, s.Debit(ctx, "acc", domain.AssetGold, dec("-1")), domain.ErrValidation)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn")
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}
