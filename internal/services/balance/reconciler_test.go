package balance

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/bullion/internal/domain"
	"go.uber.org/zap"
)

type fakeLedger struct {
	mode      domain.CustodyMode
	wallets   map[domain.ChainID]string
	balances  map[domain.Asset]decimal.Decimal
	staked    map[domain.Asset]decimal.Decimal
	allocated map[domain.Asset]decimal.Decimal
}

func (f *fakeLedger) CustodyMode(_ context.Context, accountID string) (domain.CustodyMode, error) {
	if f.mode == "" {
		return "", errors.Wrapf(domain.ErrNotFound, "account %s", accountID)
	}
	return f.mode, nil
}

func (f *fakeLedger) WalletAddress(_ context.Context, _ string, chain domain.ChainID) (string, error) {
	addr, ok := f.wallets[chain]
	if !ok {
		return "", domain.ErrNotFound
	}
	return addr, nil
}

func (f *fakeLedger) Balance(_ context.Context, _ string, asset domain.Asset) (decimal.Decimal, error) {
	return f.balances[asset], nil
}

func (f *fakeLedger) ActiveStaking(_ context.Context, _ string, asset domain.Asset) (decimal.Decimal, error) {
	return f.staked[asset], nil
}

func (f *fakeLedger) ActiveAllocations(_ context.Context, _ string, asset domain.Asset) (decimal.Decimal, error) {
	return f.allocated[asset], nil
}

type mockChains struct {
	mock.Mock
}

func (m *mockChains) BalanceOf(ctx context.Context, chain domain.ChainID, asset domain.Asset, address string) (decimal.Decimal, error) {
	args := m.Called(ctx, chain, asset, address)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestComputeBalance_LocksSubtracted(t *testing.T) {
	ledger := &fakeLedger{
		mode:      domain.CustodyCustodial,
		balances:  map[domain.Asset]decimal.Decimal{domain.AssetGold: d("100")},
		staked:    map[domain.Asset]decimal.Decimal{domain.AssetGold: d("60")},
		allocated: map[domain.Asset]decimal.Decimal{domain.AssetGold: d("15")},
	}
	r := NewReconciler(ledger, &mockChains{}, zap.NewNop())

	v, err := r.ComputeBalance(context.Background(), "acc", domain.AssetGold)
	require.NoError(t, err)
	assert.Equal(t, "100", v.Total.String())
	assert.Equal(t, "75", v.Locked.String())
	assert.Equal(t, "25", v.Available.String())
}

func TestComputeBalance_AvailableNeverNegative(t *testing.T) {
	ledger := &fakeLedger{
		mode:     domain.CustodyCustodial,
		balances: map[domain.Asset]decimal.Decimal{domain.AssetSilver: d("10")},
		staked:   map[domain.Asset]decimal.Decimal{domain.AssetSilver: d("12")},
	}
	r := NewReconciler(ledger, &mockChains{}, zap.NewNop())

	v, err := r.ComputeBalance(context.Background(), "acc", domain.AssetSilver)
	require.NoError(t, err)
	assert.True(t, v.Available.IsZero())
}

func TestComputeBalance_CustodySplit(t *testing.T) {
	const addr = "0x52908400098527886E0F7030069857D2E4169EE7"

	t.Run("external on-chain asset reads the chain", func(t *testing.T) {
		chains := &mockChains{}
		chains.On("BalanceOf", mock.Anything, domain.ChainEthereum, domain.AssetETH, addr).Return(d("3.5"), nil).Once()
		ledger := &fakeLedger{
			mode:     domain.CustodyExternal,
			wallets:  map[domain.ChainID]string{domain.ChainEthereum: addr},
			balances: map[domain.Asset]decimal.Decimal{domain.AssetETH: d("99")},
			staked:   map[domain.Asset]decimal.Decimal{domain.AssetETH: d("1")},
		}

		v, err := NewReconciler(ledger, chains, zap.NewNop()).ComputeBalance(context.Background(), "acc", domain.AssetETH)
		require.NoError(t, err)
		assert.Equal(t, "3.5", v.Total.String())
		assert.Equal(t, "2.5", v.Available.String())
		chains.AssertExpectations(t)
	})

	t.Run("custodial on-chain asset reads the ledger", func(t *testing.T) {
		chains := &mockChains{}
		ledger := &fakeLedger{
			mode:     domain.CustodyCustodial,
			wallets:  map[domain.ChainID]string{domain.ChainEthereum: addr},
			balances: map[domain.Asset]decimal.Decimal{domain.AssetETH: d("99")},
		}

		v, err := NewReconciler(ledger, chains, zap.NewNop()).ComputeBalance(context.Background(), "acc", domain.AssetETH)
		require.NoError(t, err)
		assert.Equal(t, "99", v.Total.String())
		chains.AssertNotCalled(t, "BalanceOf", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("external off-chain asset reads the ledger", func(t *testing.T) {
		chains := &mockChains{}
		ledger := &fakeLedger{
			mode:     domain.CustodyExternal,
			balances: map[domain.Asset]decimal.Decimal{domain.AssetBTC: d("0.2")},
		}

		v, err := NewReconciler(ledger, chains, zap.NewNop()).ComputeBalance(context.Background(), "acc", domain.AssetBTC)
		require.NoError(t, err)
		assert.Equal(t, "0.2", v.Total.String())
		chains.AssertNotCalled(t, "BalanceOf", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("external without a wallet is empty", func(t *testing.T) {
		ledger := &fakeLedger{mode: domain.CustodyExternal}

		v, err := NewReconciler(ledger, &mockChains{}, zap.NewNop()).ComputeBalance(context.Background(), "acc", domain.AssetSOL)
		require.NoError(t, err)
		assert.True(t, v.Total.IsZero())
	})

	t.Run("chain failure is transient", func(t *testing.T) {
		chains := &mockChains{}
		chains.On("BalanceOf", mock.Anything, domain.ChainXRPL, domain.AssetXRP, "rAddr").Return(decimal.Zero, errors.New("timeout"))
		ledger := &fakeLedger{
			mode:    domain.CustodyExternal,
			wallets: map[domain.ChainID]string{domain.ChainXRPL: "rAddr"},
		}

		_, err := NewReconciler(ledger, chains, zap.NewNop()).ComputeBalance(context.Background(), "acc", domain.AssetXRP)
		assert.ErrorIs(t, err, domain.ErrTransient)
	})
}

func TestComputeBalance_Errors(t *testing.T) {
	r := NewReconciler(&fakeLedger{}, &mockChains{}, zap.NewNop())

	_, err := r.ComputeBalance(context.Background(), "ghost", domain.AssetGold)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = r.ComputeBalance(context.Background(), "ghost", domain.Asset("DOGE"))
	assert.ErrorIs(t, err, domain.ErrUnknownAsset)
}

func TestComputeBalances(t *testing.T) {
	ledger := &fakeLedger{
		mode: domain.CustodyCustodial,
		balances: map[domain.Asset]decimal.Decimal{
			domain.AssetUSD:  d("1000"),
			domain.AssetGold: d("2"),
		},
	}
	r := NewReconciler(ledger, &mockChains{}, zap.NewNop())

	all, err := r.ComputeBalances(context.Background(), "acc")
	require.NoError(t, err)
	require.Len(t, all, len(domain.TrackedAssets)+1)
	assert.Equal(t, domain.AssetUSD, all[0].Asset)
	assert.Equal(t, "1000", all[0].Available.String())

	some, err := r.ComputeBalances(context.Background(), "acc", domain.AssetGold)
	require.NoError(t, err)
	require.Len(t, some, 1)
	assert.Equal(t, "2", some[0].Total.String())
}
