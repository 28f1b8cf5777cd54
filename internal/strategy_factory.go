package internal

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/bullion/config"
	"github.com/vadiminshakov/bullion/internal/clients"
	"github.com/vadiminshakov/bullion/internal/domain"
	"github.com/vadiminshakov/bullion/internal/services/settlement"
)

// strategyRegistry is the part of the dispatcher the factory needs.
type strategyRegistry interface {
	Register(s settlement.Strategy) error
}

// strategyFactory dials chain nodes and registers one settlement strategy per
// configured (chain, asset).
type strategyFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

func newStrategyFactory(cfg *config.Config, logger *zap.Logger) *strategyFactory {
	return &strategyFactory{cfg: cfg, logger: logger}
}

// dispatcherOptions translates settlement timings, including per-chain confirmation windows.
func (f *strategyFactory) dispatcherOptions() []settlement.Option {
	s := f.cfg.Settlement
	opts := []settlement.Option{
		settlement.WithWorkers(s.Workers),
		settlement.WithPolling(s.PollInitial, s.PollMax),
		settlement.WithMaxWait(s.MaxWait),
		settlement.WithSubmitTimeout(s.SubmitTimeout),
	}
	for chain, ec := range f.cfg.EVM {
		if ec.MaxWait > 0 {
			opts = append(opts, settlement.WithChainMaxWait(chain, ec.MaxWait))
		}
	}
	if x := f.cfg.XRPL; x != nil && x.MaxWait > 0 {
		opts = append(opts, settlement.WithChainMaxWait(domain.ChainXRPL, x.MaxWait))
	}
	if sol := f.cfg.Solana; sol != nil && sol.MaxWait > 0 {
		opts = append(opts, settlement.WithChainMaxWait(domain.ChainSolana, sol.MaxWait))
	}
	return opts
}

// registerAll returns closers for the node connections it opened.
func (f *strategyFactory) registerAll(ctx context.Context, reg strategyRegistry) ([]func(), error) {
	var closers []func()
	fail := func(err error) ([]func(), error) {
		for _, c := range closers {
			c()
		}
		return nil, err
	}

	chains := make([]domain.ChainID, 0, len(f.cfg.EVM))
	for chain := range f.cfg.EVM {
		chains = append(chains, chain)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })

	for _, chain := range chains {
		ec := f.cfg.EVM[chain]
		client, err := clients.DialEVM(ctx, ec.RPCURL, ec.ChainID)
		if err != nil {
			return fail(errors.Wrapf(err, "dial %s", chain))
		}
		closers = append(closers, client.Close)

		if err := f.registerEVM(reg, chain, client, ec); err != nil {
			return fail(err)
		}
	}

	if x := f.cfg.XRPL; x != nil {
		client := clients.NewXRPLClient(x.RPCURL, x.Timeout)
		s, err := settlement.NewXRPLStrategy(client, x.Address, f.cfg.Secrets.XRPLSecret, x.MinAmount, x.LedgerWindow)
		if err != nil {
			return fail(errors.Wrap(err, "xrpl strategy"))
		}
		if err := f.register(reg, s); err != nil {
			return fail(err)
		}
	}

	if sol := f.cfg.Solana; sol != nil {
		client, err := clients.DialSolana(ctx, sol.RPCURL, sol.Commitment)
		if err != nil {
			return fail(errors.Wrap(err, "dial solana"))
		}
		closers = append(closers, client.Close)

		s, err := settlement.NewSolanaStrategy(client, f.cfg.Secrets.HotWalletKeys[domain.ChainSolana], sol.NonceAccount, sol.MinAmount, sol.NonceWait)
		if err != nil {
			return fail(errors.Wrap(err, "solana strategy"))
		}
		if err := f.register(reg, s); err != nil {
			return fail(err)
		}
	}

	return closers, nil
}

// registerEVM registers the native coin and every configured token on one shared wallet.
func (f *strategyFactory) registerEVM(reg strategyRegistry, chain domain.ChainID, client settlement.EVMClient, ec config.EVMChain) error {
	wallet, err := settlement.NewEVMWallet(chain, client, f.cfg.Secrets.HotWalletKeys[chain], ec.ChainID, ec.Confirmations)
	if err != nil {
		return errors.Wrapf(err, "%s wallet", chain)
	}
	if err := f.register(reg, settlement.NewNativeStrategy(wallet, ec.MinAmount)); err != nil {
		return err
	}
	for _, tok := range ec.Tokens {
		s, err := settlement.NewTokenStrategy(wallet, tok.Asset, tok.Contract, tok.Decimals, tok.MinAmount)
		if err != nil {
			return errors.Wrapf(err, "%s %s token", chain, tok.Asset)
		}
		if err := f.register(reg, s); err != nil {
			return err
		}
	}
	return nil
}

func (f *strategyFactory) register(reg strategyRegistry, s settlement.Strategy) error {
	if err := reg.Register(s); err != nil {
		return err
	}
	f.logger.Info("settlement strategy registered",
		zap.String("chain", string(s.Chain())),
		zap.String("asset", string(s.Asset())))
	return nil
}
