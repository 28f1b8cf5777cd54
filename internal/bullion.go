package internal

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/vadiminshakov/bullion/config"
	"github.com/vadiminshakov/bullion/internal/domain"
	"github.com/vadiminshakov/bullion/internal/observability"
	"github.com/vadiminshakov/bullion/internal/services/balance"
	"github.com/vadiminshakov/bullion/internal/services/desk"
	"github.com/vadiminshakov/bullion/internal/services/pricefeed"
	"github.com/vadiminshakov/bullion/internal/services/quote"
	"github.com/vadiminshakov/bullion/internal/services/settlement"
	"github.com/vadiminshakov/bullion/internal/services/spread"
	"github.com/vadiminshakov/bullion/internal/storage/kv"
	"github.com/vadiminshakov/bullion/internal/storage/ledger"
	"github.com/vadiminshakov/bullion/internal/storage/withdrawals"
	"github.com/vadiminshakov/bullion/internal/web"
)

// Bullion is the assembled pricing and settlement core.
type Bullion struct {
	Ledger     *ledger.Store
	Prices     *pricefeed.Cache
	Spreads    *spread.Store
	Quotes     *quote.Engine
	Dispatcher *settlement.Dispatcher
	Balances   *balance.Reconciler
	Desk       *desk.Desk

	server  *web.Server
	closers []func()
	logger  *zap.Logger
}

// NewBullion connects storage, registers settlement strategies and builds
// the service graph. Close releases everything it opened.
func NewBullion(ctx context.Context, conf *config.Config, logger *zap.Logger) (b *Bullion, err error) {
	b = &Bullion{logger: logger}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	metrics := observability.Default()

	store, err := kv.DialRedis(ctx, conf.Redis.Addr, conf.Secrets.RedisPassword, conf.Redis.DB, kv.WithNamespace(conf.Redis.Namespace))
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, func() { _ = store.Close() })

	db, err := ledger.Open(conf.Ledger.Driver, conf.Ledger.DSN)
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, closeDB(db))
	b.Ledger = ledger.NewStore(db, logger.With(zap.String("component", "ledger")))

	for _, house := range []string{conf.Settlement.ClearingAccount, conf.Settlement.SettledAccount} {
		if err := b.Ledger.EnsureAccount(ctx, house, domain.CustodyCustodial); err != nil {
			return nil, errors.Wrapf(err, "ensure house account %s", house)
		}
	}

	journal, err := withdrawals.Open(conf.Journal.Dir, logger.With(zap.String("component", "journal")))
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, func() { _ = journal.Close() })

	feed, err := newPriceFeed(conf)
	if err != nil {
		return nil, err
	}
	b.Prices = pricefeed.NewCache(store, feed, logger.With(zap.String("component", "pricefeed")),
		pricefeed.WithTTL(conf.Prices.TTL),
		pricefeed.WithFetchTimeout(conf.Prices.FetchTimeout),
		pricefeed.WithFailureBackoff(conf.Prices.FailureBackoff),
		pricefeed.WithLimiter(priceFeedLimiter(conf.Prices)),
		pricefeed.WithMetrics(metrics),
	)

	b.Spreads = spread.NewStore(store, logger.With(zap.String("component", "spreads")))
	b.Quotes = quote.NewEngine(b.Prices, b.Spreads, store, logger.With(zap.String("component", "quotes")),
		quote.WithTTL(conf.Quotes.TTL),
		quote.WithMetrics(metrics),
	)

	factory := newStrategyFactory(conf, logger.With(zap.String("component", "settlement")))
	b.Dispatcher = settlement.NewDispatcher(journal, b.Ledger, logger.With(zap.String("component", "dispatcher")),
		append(factory.dispatcherOptions(), settlement.WithMetrics(metrics))...)
	closers, err := factory.registerAll(ctx, b.Dispatcher)
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, closers...)

	b.Balances = balance.NewReconciler(b.Ledger, b.Dispatcher, logger.With(zap.String("component", "balances")))
	b.Desk = desk.New(b.Quotes, b.Ledger, b.Balances, b.Dispatcher, logger.With(zap.String("component", "desk")),
		desk.WithHouseAccounts(conf.Settlement.ClearingAccount, conf.Settlement.SettledAccount))

	b.server = web.NewServer(web.Config{
		Addr:      conf.HTTP.Addr,
		AdminAddr: conf.HTTP.AdminAddr,
		RateLimit: web.RateLimit{
			RequestsPerMinute: conf.HTTP.RateLimitPerMinute,
			Burst:             conf.HTTP.RateLimitBurst,
		},
		Heartbeat:      conf.HTTP.Heartbeat,
		AutoTLSDomains: conf.HTTP.AutoTLSDomains,
		CertCacheDir:   conf.HTTP.CertCacheDir,
	}, web.Services{
		Quotes:      b.Quotes,
		Desk:        b.Desk,
		Balances:    b.Balances,
		Withdrawals: b.Dispatcher,
		Prices:      b.Prices,
		Spreads:     b.Spreads,
	}, logger.With(zap.String("component", "http")))

	return b, nil
}

// Handler returns the public HTTP API.
func (b *Bullion) Handler() http.Handler {
	return b.server.Handler()
}

// AdminHandler returns the admin HTTP API.
func (b *Bullion) AdminHandler() http.Handler {
	return b.server.AdminHandler()
}

// Run serves HTTP and drives withdrawal confirmation until ctx is cancelled.
func (b *Bullion) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Dispatcher.Run(ctx)
	})
	g.Go(func() error {
		return b.server.Start(ctx)
	})

	b.logger.Info("bullion started")
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases connections in reverse order of acquisition.
func (b *Bullion) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

func closeDB(db *gorm.DB) func() {
	return func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
