// Command bulliond serves quotes, trades and withdrawals for tokenized metals and crypto.
//
// Usage:
//
//	bulliond -config bullion.yaml [-env .env]
//
// Secrets are read from the environment:
//
//	METALS_API_KEY                       metals price feed
//	BINANCE_API_KEY, BINANCE_API_SECRET  optional, public tickers work without them
//	BYBIT_API_KEY, BYBIT_API_SECRET      optional
//	<CHAIN>_HOT_WALLET_KEY               per configured EVM chain and solana
//	XRPL_HOT_WALLET_SECRET               when xrpl is configured
//	REDIS_PASSWORD, LEDGER_DSN           optional overrides
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/vadiminshakov/bullion/config"
	"github.com/vadiminshakov/bullion/internal"
	"github.com/vadiminshakov/bullion/internal/observability"
)

func main() {
	conf, err := config.Get()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := newLogger(conf.Logging)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName: "bulliond",
		Environment: conf.Tracing.Environment,
		Endpoint:    conf.Tracing.Endpoint,
		Insecure:    conf.Tracing.Insecure,
	})
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	app, err := internal.NewBullion(ctx, conf, logger)
	if err != nil {
		logger.Fatal("failed to start", zap.Error(err))
	}
	defer app.Close()

	if err := app.Run(ctx); err != nil {
		logger.Error("stopped with error", zap.Error(err))
		return
	}
	logger.Info("stopped")
}

// newLogger builds a production JSON logger, teed to a rotating file when one is configured.
func newLogger(c config.Logging) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}

	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)}
	if c.File != "" {
		sink := zapcore.AddSync(&lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			MaxAge:     c.MaxAgeDays,
			Compress:   true,
		})
		cores = append(cores, zapcore.NewCore(encoder, sink, level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}
