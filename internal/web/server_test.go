package web

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/bullion/internal/domain"
	"go.uber.org/zap"
)

type fakeQuotes struct {
	created []quoteRequest
	quotes  map[string]domain.Quote
	err     error
}

func (f *fakeQuotes) CreateQuote(_ context.Context, dir domain.Direction, asset domain.Asset, qty decimal.Decimal, acc string) (domain.Quote, error) {
	if f.err != nil {
		return domain.Quote{}, f.err
	}
	f.created = append(f.created, quoteRequest{AccountID: acc, Direction: string(dir), Asset: string(asset), Quantity: qty})
	return domain.Quote{ID: "q1", AccountID: acc, Direction: dir, Asset: asset, Quantity: qty, LockedPrice: decimal.RequireFromString("68.92")}, nil
}

func (f *fakeQuotes) GetQuote(_ context.Context, id string) (domain.Quote, error) {
	q, ok := f.quotes[id]
	if !ok {
		return domain.Quote{}, errors.Wrapf(domain.ErrNotFound, "quote %s", id)
	}
	return q, nil
}

type fakeDesk struct {
	tradeErr    error
	withdrawErr error
	lastAccount string
	lastIn      domain.WithdrawalInstruction
}

func (f *fakeDesk) ExecuteTrade(_ context.Context, acc, quoteID string) (domain.Trade, error) {
	f.lastAccount = acc
	if f.tradeErr != nil {
		return domain.Trade{}, f.tradeErr
	}
	return domain.Trade{QuoteID: quoteID, AccountID: acc, Asset: domain.AssetGold}, nil
}

func (f *fakeDesk) Withdraw(_ context.Context, acc string, in domain.WithdrawalInstruction) (domain.WithdrawalRequest, error) {
	f.lastAccount, f.lastIn = acc, in
	req := domain.WithdrawalRequest{ID: "w1", AccountID: acc, Chain: in.Chain, Asset: in.Asset, Amount: in.Amount, Status: domain.WithdrawalSubmitted}
	return req, f.withdrawErr
}

type fakeBalances struct {
	assets []domain.Asset
	err    error
}

func (f *fakeBalances) ComputeBalances(_ context.Context, _ string, assets ...domain.Asset) ([]domain.BalanceView, error) {
	f.assets = assets
	if f.err != nil {
		return nil, f.err
	}
	views := make([]domain.BalanceView, 0, len(assets))
	for _, a := range assets {
		views = append(views, domain.NewBalanceView(a, decimal.NewFromInt(100), decimal.NewFromInt(60)))
	}
	return views, nil
}

type fakeWithdrawals struct {
	mu       sync.Mutex
	requests map[string]domain.WithdrawalRequest
	subs     chan chan domain.WithdrawalRequest
}

func newFakeWithdrawals() *fakeWithdrawals {
	return &fakeWithdrawals{requests: map[string]domain.WithdrawalRequest{}, subs: make(chan chan domain.WithdrawalRequest, 1)}
}

func (f *fakeWithdrawals) Status(_ context.Context, id string) (domain.WithdrawalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requests[id]
	if !ok {
		return domain.WithdrawalRequest{}, errors.Wrapf(domain.ErrNotFound, "withdrawal %s", id)
	}
	return r, nil
}

func (f *fakeWithdrawals) Subscribe() (<-chan domain.WithdrawalRequest, func()) {
	ch := make(chan domain.WithdrawalRequest, 4)
	f.subs <- ch
	return ch, func() {}
}

type fakePrices struct{}

func (fakePrices) GetPrices(context.Context) domain.PriceSnapshot {
	return domain.PriceSnapshot{
		Prices: map[domain.Asset]decimal.Decimal{domain.AssetGold: decimal.RequireFromString("68.92")},
		Source: domain.PriceSourceLive,
	}
}

type fakeSpreads struct {
	setOne []domain.Asset
	patch  *domain.SpreadPatch
}

func (f *fakeSpreads) Get(context.Context) (domain.SpreadConfig, error) {
	return domain.SpreadConfig{Version: domain.SpreadConfigVersion}, nil
}

func (f *fakeSpreads) SetOne(_ context.Context, _ domain.AssetClass, a domain.Asset, _ domain.SpreadUpdate) (domain.SpreadConfig, error) {
	f.setOne = append(f.setOne, a)
	return domain.SpreadConfig{Version: domain.SpreadConfigVersion}, nil
}

func (f *fakeSpreads) SetAll(_ context.Context, p domain.SpreadPatch) (domain.SpreadConfig, error) {
	f.patch = &p
	return domain.SpreadConfig{Version: domain.SpreadConfigVersion}, nil
}

type fixture struct {
	quotes      *fakeQuotes
	desk        *fakeDesk
	balances    *fakeBalances
	withdrawals *fakeWithdrawals
	spreads     *fakeSpreads
	server      *Server
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		quotes:      &fakeQuotes{quotes: map[string]domain.Quote{}},
		desk:        &fakeDesk{},
		balances:    &fakeBalances{},
		withdrawals: newFakeWithdrawals(),
		spreads:     &fakeSpreads{},
	}
	f.server = NewServer(cfg, Services{
		Quotes:      f.quotes,
		Desk:        f.desk,
		Balances:    f.balances,
		Withdrawals: f.withdrawals,
		Prices:      fakePrices{},
		Spreads:     f.spreads,
	}, zap.NewNop())
	return f
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestCreateQuote(t *testing.T) {
	f := newFixture(t, Config{})

	rec := do(t, f.server.Handler(), http.MethodPost, "/v1/quotes",
		`{"account_id":"alice","direction":"BUY","asset":"gold","quantity":"10"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var q domain.Quote
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &q))
	assert.Equal(t, "q1", q.ID)
	assert.Equal(t, domain.AssetGold, q.Asset)
	assert.Equal(t, domain.DirectionBuy, q.Direction)
	assert.True(t, q.LockedPrice.Equal(decimal.RequireFromString("68.92")))
	require.Len(t, f.quotes.created, 1)
	assert.True(t, f.quotes.created[0].Quantity.Equal(decimal.NewFromInt(10)))
}

func TestCreateQuoteValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown direction", `{"account_id":"alice","direction":"hold","asset":"XAU","quantity":"1"}`},
		{"unknown asset", `{"account_id":"alice","direction":"buy","asset":"DOGE","quantity":"1"}`},
		{"missing account", `{"direction":"buy","asset":"XAU","quantity":"1"}`},
		{"unknown field", `{"account_id":"alice","direction":"buy","asset":"XAU","quantity":"1","price":"1"}`},
		{"malformed", `{"account_id":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			rec := do(t, f.server.Handler(), http.MethodPost, "/v1/quotes", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, domain.KindValidation, decodeError(t, rec).Kind)
			assert.Empty(t, f.quotes.created)
		})
	}
}

func TestGetQuote(t *testing.T) {
	f := newFixture(t, Config{})
	f.quotes.quotes["q1"] = domain.Quote{ID: "q1", Asset: domain.AssetSilver}

	rec := do(t, f.server.Handler(), http.MethodGet, "/v1/quotes/q1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	// absent, consumed and expired quotes all read the same
	rec = do(t, f.server.Handler(), http.MethodGet, "/v1/quotes/gone", "")
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, domain.KindInvalidQuote, decodeError(t, rec).Kind)
}

func TestExecuteTradeErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"invalid quote", errors.Wrap(domain.ErrInvalidQuote, "quote q1 is owned by bob"), http.StatusGone, "invalid quote"},
		{"insufficient funds", errors.Wrap(domain.ErrInsufficientFunds, "available 5 USD"), http.StatusUnprocessableEntity, "available 5 USD: insufficient funds"},
		{"transient", errors.Wrap(domain.ErrTransient, "rpc timeout"), http.StatusServiceUnavailable, "temporarily unavailable, try again"},
		{"internal", errors.New("pq: connection refused to 10.0.0.5"), http.StatusInternalServerError, "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			f.desk.tradeErr = tt.err

			rec := do(t, f.server.Handler(), http.MethodPost, "/v1/accounts/alice/trades", `{"quote_id":"q1"}`)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.message, decodeError(t, rec).Error)
			assert.Equal(t, "alice", f.desk.lastAccount)
		})
	}
}

func TestExecuteTrade(t *testing.T) {
	f := newFixture(t, Config{})

	rec := do(t, f.server.Handler(), http.MethodPost, "/v1/accounts/alice/trades", `{"quote_id":"q1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var trade domain.Trade
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trade))
	assert.Equal(t, "q1", trade.QuoteID)
	assert.Equal(t, "alice", trade.AccountID)

	rec = do(t, f.server.Handler(), http.MethodPost, "/v1/accounts/alice/trades", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBalances(t *testing.T) {
	f := newFixture(t, Config{})

	rec := do(t, f.server.Handler(), http.MethodGet, "/v1/accounts/alice/balances?asset=xau,ETH&asset=usd", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []domain.Asset{domain.AssetGold, domain.AssetETH, domain.AssetUSD}, f.balances.assets)

	var resp balancesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "alice", resp.AccountID)
	require.Len(t, resp.Balances, 3)
	assert.True(t, resp.Balances[0].Available.Equal(decimal.NewFromInt(40)))

	rec = do(t, f.server.Handler(), http.MethodGet, "/v1/accounts/alice/balances", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, f.balances.assets)

	rec = do(t, f.server.Handler(), http.MethodGet, "/v1/accounts/alice/balances?asset=DOGE", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWithdraw(t *testing.T) {
	t.Run("chain defaults to the asset's home chain", func(t *testing.T) {
		f := newFixture(t, Config{})
		rec := do(t, f.server.Handler(), http.MethodPost, "/v1/accounts/alice/withdrawals",
			`{"asset":"xrp","destination":" rPT1Sjq2YGrBMTttX4GZHjKu9dyfzbpAYe ","amount":"20","tag":42}`)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		assert.Equal(t, domain.ChainXRPL, f.desk.lastIn.Chain)
		assert.Equal(t, "rPT1Sjq2YGrBMTttX4GZHjKu9dyfzbpAYe", f.desk.lastIn.Destination)
		require.NotNil(t, f.desk.lastIn.Tag)
		assert.Equal(t, uint32(42), *f.desk.lastIn.Tag)
		assert.Nil(t, f.desk.lastIn.Coupled)

		var view withdrawalView
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
		assert.Equal(t, "w1", view.ID)
		assert.Equal(t, "processing", view.Status)
	})

	t.Run("explicit chain", func(t *testing.T) {
		f := newFixture(t, Config{})
		rec := do(t, f.server.Handler(), http.MethodPost, "/v1/accounts/alice/withdrawals",
			`{"chain":"Polygon","asset":"USDC","destination":"0x71562b71999873DB5b286dF957af199Ec94617F7","amount":"5"}`)
		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, domain.ChainPolygon, f.desk.lastIn.Chain)
	})

	t.Run("coupled transfer cannot be injected", func(t *testing.T) {
		f := newFixture(t, Config{})
		rec := do(t, f.server.Handler(), http.MethodPost, "/v1/accounts/alice/withdrawals",
			`{"asset":"ETH","destination":"0x71562b71999873DB5b286dF957af199Ec94617F7","amount":"1","coupled":{"from_account":"bob"}}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, f.desk.lastAccount)
	})

	t.Run("unknown outcome is accepted", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.desk.withdrawErr = errors.Wrap(domain.ErrPostSubmission, "broadcast outcome unknown")
		rec := do(t, f.server.Handler(), http.MethodPost, "/v1/accounts/alice/withdrawals",
			`{"asset":"SOL","destination":"11111111111111111111111111111111","amount":"1"}`)
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})

	t.Run("rejected submission asks to retry", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.desk.withdrawErr = errors.Wrap(domain.ErrTransient, "node refused")
		rec := do(t, f.server.Handler(), http.MethodPost, "/v1/accounts/alice/withdrawals",
			`{"asset":"ETH","destination":"0x71562b71999873DB5b286dF957af199Ec94617F7","amount":"1"}`)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("unsupported chain", func(t *testing.T) {
		f := newFixture(t, Config{})
		rec := do(t, f.server.Handler(), http.MethodPost, "/v1/accounts/alice/withdrawals",
			`{"chain":"tron","asset":"USDT","destination":"T9yD14Nj9j7xAB4dbGeiX9h8unkKHxuWwb","amount":"1"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestWithdrawalStatus(t *testing.T) {
	f := newFixture(t, Config{})
	f.withdrawals.requests["w1"] = domain.WithdrawalRequest{
		ID:                "w1",
		Status:            domain.WithdrawalIndeterminate,
		ReconcileRequired: true,
		ReconcileReason:   "confirmation window elapsed",
	}

	rec := do(t, f.server.Handler(), http.MethodGet, "/v1/withdrawals/w1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"processing"`)
	assert.NotContains(t, rec.Body.String(), "reconcile")

	rec = do(t, f.server.Handler(), http.MethodGet, "/v1/withdrawals/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWithdrawalStream(t *testing.T) {
	f := newFixture(t, Config{Heartbeat: 20 * time.Millisecond})
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/withdrawals/stream?account=alice", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var ch chan domain.WithdrawalRequest
	select {
	case ch = <-f.withdrawals.subs:
	case <-time.After(time.Second):
		t.Fatal("stream did not subscribe")
	}
	ch <- domain.WithdrawalRequest{ID: "other", AccountID: "bob", Status: domain.WithdrawalConfirmed}
	ch <- domain.WithdrawalRequest{ID: "w1", AccountID: "alice", Status: domain.WithdrawalConfirmed}

	reader := bufio.NewReader(resp.Body)
	var sawPing bool
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, ": ping") {
			sawPing = true
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var view withdrawalView
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &view))
		assert.Equal(t, "w1", view.ID)
		assert.Equal(t, "confirmed", view.Status)
		break
	}

	// heartbeats keep flowing once events are drained
	for !sawPing {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		sawPing = strings.HasPrefix(line, ": ping")
	}
}

func TestPricesAndMetrics(t *testing.T) {
	f := newFixture(t, Config{})

	rec := do(t, f.server.Handler(), http.MethodGet, "/v1/prices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap domain.PriceSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.True(t, snap.Prices[domain.AssetGold].Equal(decimal.RequireFromString("68.92")))

	rec = do(t, f.server.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, Config{RateLimit: RateLimit{RequestsPerMinute: 1, Burst: 2}})
	h := f.server.Handler()

	for i := 0; i < 2; i++ {
		rec := do(t, h, http.MethodGet, "/v1/prices", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/v1/prices", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// another client has its own bucket
	req := httptest.NewRequest(http.MethodGet, "/v1/prices", nil)
	req.RemoteAddr = "198.51.100.7:5555"
	other := httptest.NewRecorder()
	h.ServeHTTP(other, req)
	assert.Equal(t, http.StatusOK, other.Code)
}

func TestIPLimiterSweepsIdleVisitors(t *testing.T) {
	l := newIPLimiter(RateLimit{RequestsPerMinute: 60, Burst: 1})
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	require.True(t, l.allow("192.0.2.1"))
	require.False(t, l.allow("192.0.2.1"))

	now = now.Add(2 * visitorIdle)
	require.True(t, l.allow("192.0.2.2"))
	assert.Len(t, l.visitors, 1)

	assert.Nil(t, newIPLimiter(RateLimit{}))
}

func TestAdminSpreads(t *testing.T) {
	t.Run("single asset", func(t *testing.T) {
		f := newFixture(t, Config{})
		rec := do(t, f.server.AdminHandler(), http.MethodPut, "/admin/spreads/metals/XAU", `{"buy":"1.5"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, []domain.Asset{domain.AssetGold}, f.spreads.setOne)
	})

	rejected := []struct {
		name string
		path string
		body string
	}{
		{"above ten percent", "/admin/spreads/metals/XAU", `{"buy":"10.01"}`},
		{"negative", "/admin/spreads/crypto/BTC", `{"sell":"-0.1"}`},
		{"wrong class", "/admin/spreads/crypto/XAU", `{"buy":"1"}`},
		{"unknown class", "/admin/spreads/stocks/XAU", `{"buy":"1"}`},
		{"empty update", "/admin/spreads/metals/XAU", `{}`},
	}
	for _, tt := range rejected {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			rec := do(t, f.server.AdminHandler(), http.MethodPut, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, f.spreads.setOne)
		})
	}

	t.Run("whole table", func(t *testing.T) {
		f := newFixture(t, Config{})
		rec := do(t, f.server.AdminHandler(), http.MethodPut, "/admin/spreads",
			`{"metals":{"XAG":{"buy":"2","sell":"2"}},"crypto":{"ETH":{"sell":"0.5"}}}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.NotNil(t, f.spreads.patch)
		assert.Contains(t, f.spreads.patch.Metals, domain.AssetSilver)

		rec = do(t, f.server.AdminHandler(), http.MethodPut, "/admin/spreads", `{"crypto":{"ETH":{"sell":"11"}}}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = do(t, f.server.AdminHandler(), http.MethodGet, "/admin/spreads", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("admin routes are not public", func(t *testing.T) {
		f := newFixture(t, Config{})
		rec := do(t, f.server.Handler(), http.MethodGet, "/admin/spreads", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
