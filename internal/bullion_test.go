package internal

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/bullion/config"
	"github.com/vadiminshakov/bullion/internal/domain"
	"github.com/vadiminshakov/bullion/internal/services/settlement"
)

const testEVMKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

type idleEVM struct{}

func (idleEVM) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 0, nil }
func (idleEVM) SuggestGasPrice(context.Context) (*big.Int, error)              { return big.NewInt(1), nil }
func (idleEVM) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error)  { return 21000, nil }
func (idleEVM) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (idleEVM) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}
func (idleEVM) SendTransaction(context.Context, *types.Transaction) error { return nil }
func (idleEVM) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}
func (idleEVM) BlockNumber(context.Context) (uint64, error) { return 0, nil }

type recordingRegistry struct {
	registered []string
	seen       map[string]bool
}

func (r *recordingRegistry) Register(s settlement.Strategy) error {
	k := fmt.Sprintf("%s/%s", s.Chain(), s.Asset())
	if r.seen == nil {
		r.seen = map[string]bool{}
	}
	if r.seen[k] {
		return errors.Wrapf(domain.ErrConfiguration, "duplicate %s", k)
	}
	r.seen[k] = true
	r.registered = append(r.registered, k)
	return nil
}

func TestNewExchangePricer(t *testing.T) {
	for _, exchange := range []string{"binance", "bybit"} {
		p, err := newExchangePricer(exchange, config.Secrets{})
		require.NoError(t, err, exchange)
		assert.NotNil(t, p)
	}

	_, err := newExchangePricer("kraken", config.Secrets{})
	assert.True(t, errors.Is(err, domain.ErrConfiguration))
}

func TestPriceFeedLimiter(t *testing.T) {
	assert.Nil(t, priceFeedLimiter(config.Prices{}))

	l := priceFeedLimiter(config.Prices{RequestsPerMinute: 30})
	require.NotNil(t, l)
	assert.InDelta(t, 0.5, float64(l.Limit()), 1e-9)
	assert.Equal(t, 1, l.Burst())
}

func TestDispatcherOptions(t *testing.T) {
	conf := &config.Config{
		EVM: map[domain.ChainID]config.EVMChain{
			domain.ChainEthereum: {MaxWait: 30 * time.Minute},
			domain.ChainPolygon:  {},
		},
		XRPL:   &config.XRPLChain{MaxWait: time.Minute},
		Solana: &config.SolanaChain{},
	}
	opts := newStrategyFactory(conf, zap.NewNop()).dispatcherOptions()
	// four global timings plus ethereum and xrpl windows
	assert.Len(t, opts, 6)
}

func TestRegisterEVMSharesWallet(t *testing.T) {
	conf := &config.Config{
		Secrets: config.Secrets{HotWalletKeys: map[domain.ChainID]string{domain.ChainEthereum: testEVMKey}},
	}
	f := newStrategyFactory(conf, zap.NewNop())
	reg := &recordingRegistry{}

	err := f.registerEVM(reg, domain.ChainEthereum, idleEVM{}, config.EVMChain{
		ChainID:   1,
		MinAmount: decimal.RequireFromString("0.001"),
		Tokens: []config.Token{
			{Asset: domain.AssetUSDC, Contract: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6},
			{Asset: domain.AssetUSDT, Contract: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Decimals: 6},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ethereum/ETH", "ethereum/USDC", "ethereum/USDT"}, reg.registered)

	t.Run("bad key", func(t *testing.T) {
		conf.Secrets.HotWalletKeys[domain.ChainPolygon] = "not-a-key"
		err := f.registerEVM(&recordingRegistry{}, domain.ChainPolygon, idleEVM{}, config.EVMChain{ChainID: 137})
		assert.True(t, errors.Is(err, domain.ErrConfiguration))
	})

	t.Run("duplicate registration", func(t *testing.T) {
		err := f.registerEVM(reg, domain.ChainEthereum, idleEVM{}, config.EVMChain{ChainID: 1})
		assert.True(t, errors.Is(err, domain.ErrConfiguration))
	})
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	mr := miniredis.RunT(t)
	conf, err := config.Parse([]byte("{}"), func(k string) string {
		if k == config.EnvMetalsAPIKey {
			return "test"
		}
		return ""
	})
	require.NoError(t, err)
	conf.Redis.Addr = mr.Addr()
	conf.Ledger.DSN = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	conf.Journal.Dir = t.TempDir()
	return conf
}

func TestNewBullionWithoutChains(t *testing.T) {
	ctx := context.Background()
	conf := newTestConfig(t)

	b, err := NewBullion(ctx, conf, zap.NewNop())
	require.NoError(t, err)
	defer b.Close()

	mode, err := b.Ledger.CustodyMode(ctx, conf.Settlement.ClearingAccount)
	require.NoError(t, err)
	assert.Equal(t, domain.CustodyCustodial, mode)

	assert.False(t, b.Dispatcher.Supports(domain.ChainEthereum, domain.AssetETH))

	rec := httptest.NewRecorder()
	b.AdminHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/spreads", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/withdrawals/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNewBullionUnreachableRedis(t *testing.T) {
	conf := newTestConfig(t)
	conf.Redis.Addr = "127.0.0.1:1"

	_, err := NewBullion(context.Background(), conf, zap.NewNop())
	assert.Error(t, err)
}
