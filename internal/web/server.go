// Package web exposes quoting, trading, balances and withdrawals over HTTP.
package web

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/bullion/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"
)

const (
	defaultHeartbeat = 20 * time.Second
	shutdownTimeout  = 5 * time.Second
	maxBodyBytes     = 1 << 20
)

type QuoteService interface {
	CreateQuote(ctx context.Context, direction domain.Direction, asset domain.Asset, quantity decimal.Decimal, accountID string) (domain.Quote, error)
	GetQuote(ctx context.Context, id string) (domain.Quote, error)
}

type TradeDesk interface {
	ExecuteTrade(ctx context.Context, accountID, quoteID string) (domain.Trade, error)
	Withdraw(ctx context.Context, accountID string, in domain.WithdrawalInstruction) (domain.WithdrawalRequest, error)
}

type BalanceService interface {
	ComputeBalances(ctx context.Context, accountID string, assets ...domain.Asset) ([]domain.BalanceView, error)
}

type WithdrawalTracker interface {
	Status(ctx context.Context, id string) (domain.WithdrawalRequest, error)
	Subscribe() (<-chan domain.WithdrawalRequest, func())
}

type PriceService interface {
	GetPrices(ctx context.Context) domain.PriceSnapshot
}

type SpreadAdmin interface {
	Get(ctx context.Context) (domain.SpreadConfig, error)
	SetOne(ctx context.Context, class domain.AssetClass, asset domain.Asset, upd domain.SpreadUpdate) (domain.SpreadConfig, error)
	SetAll(ctx context.Context, patch domain.SpreadPatch) (domain.SpreadConfig, error)
}

// Services are the components the handlers call.
type Services struct {
	Quotes      QuoteService
	Desk        TradeDesk
	Balances    BalanceService
	Withdrawals WithdrawalTracker
	Prices      PriceService
	Spreads     SpreadAdmin
}

// Config controls listeners and request limits.
type Config struct {
	Addr      string
	AdminAddr string
	RateLimit RateLimit
	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
	// AutoTLSDomains enables ACME certificates for the public listener.
	AutoTLSDomains []string
	CertCacheDir   string
}

// Server serves the public API and, on a separate listener, the admin API.
type Server struct {
	cfg   Config
	svc   Services
	api   http.Handler
	admin http.Handler
	l     *zap.Logger
}

func NewServer(cfg Config, svc Services, l *zap.Logger) *Server {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	s := &Server{cfg: cfg, svc: svc, l: l}
	s.api = s.apiRouter()
	s.admin = s.adminRouter()
	return s
}

// Handler returns the public router.
func (s *Server) Handler() http.Handler {
	return s.api
}

// AdminHandler returns the admin router.
func (s *Server) AdminHandler() http.Handler {
	return s.admin
}

func (s *Server) apiRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(newIPLimiter(s.cfg.RateLimit).middleware)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/prices", s.handlePrices)

		v1.Post("/quotes", s.handleCreateQuote)
		v1.Get("/quotes/{id}", s.handleGetQuote)

		v1.Route("/accounts/{account}", func(acc chi.Router) {
			acc.Post("/trades", s.handleExecuteTrade)
			acc.Get("/balances", s.handleBalances)
			acc.Post("/withdrawals", s.handleWithdraw)
		})

		v1.Get("/withdrawals/stream", s.handleWithdrawalStream)
		v1.Get("/withdrawals/{id}", s.handleWithdrawalStatus)
	})

	return r
}

// Start serves both listeners until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.cfg.AdminAddr != "" {
		g.Go(func() error {
			return s.serve(ctx, s.newHTTPServer(s.cfg.AdminAddr, s.admin), false)
		})
	}

	if len(s.cfg.AutoTLSDomains) == 0 {
		g.Go(func() error {
			return s.serve(ctx, s.newHTTPServer(s.cfg.Addr, s.api), false)
		})
		return g.Wait()
	}

	cacheDir := s.cfg.CertCacheDir
	if cacheDir == "" {
		cacheDir = "cert-cache"
	}
	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(s.cfg.AutoTLSDomains...),
		Cache:      autocert.DirCache(cacheDir),
	}

	// port 80 answers ACME HTTP-01 challenges and redirects everything else
	g.Go(func() error {
		return s.serve(ctx, s.newHTTPServer(":80", manager.HTTPHandler(nil)), false)
	})

	https := s.newHTTPServer(s.cfg.Addr, s.api)
	tlsConfig := manager.TLSConfig()
	tlsConfig.MinVersion = tls.VersionTLS12
	https.TLSConfig = tlsConfig
	g.Go(func() error {
		return s.serve(ctx, https, true)
	})

	return g.Wait()
}

func (s *Server) newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func (s *Server) serve(ctx context.Context, server *http.Server, useTLS bool) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.l.Warn("http server shutdown", zap.String("addr", server.Addr), zap.Error(err))
		}
	}()

	s.l.Info("http server listening", zap.String("addr", server.Addr), zap.Bool("tls", useTLS))

	var err error
	if useTLS {
		err = server.ListenAndServeTLS("", "")
	} else {
		err = server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrapf(err, "serve %s", server.Addr)
	}
	return nil
}
