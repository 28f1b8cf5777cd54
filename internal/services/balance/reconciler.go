// Package balance projects account balances net of staking and allocation locks.
package balance

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/bullion/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Ledger is the subset of the ledger store the reconciler reads.
type Ledger interface {
	CustodyMode(ctx context.Context, accountID string) (domain.CustodyMode, error)
	WalletAddress(ctx context.Context, accountID string, chain domain.ChainID) (string, error)
	Balance(ctx context.Context, accountID string, asset domain.Asset) (decimal.Decimal, error)
	ActiveStaking(ctx context.Context, accountID string, asset domain.Asset) (decimal.Decimal, error)
	ActiveAllocations(ctx context.Context, accountID string, asset domain.Asset) (decimal.Decimal, error)
}

// ChainBalances reads balances held at external addresses.
type ChainBalances interface {
	BalanceOf(ctx context.Context, chain domain.ChainID, asset domain.Asset, address string) (decimal.Decimal, error)
}

type Reconciler struct {
	ledger Ledger
	chains ChainBalances
	l      *zap.Logger
}

func NewReconciler(ledger Ledger, chains ChainBalances, l *zap.Logger) *Reconciler {
	return &Reconciler{ledger: ledger, chains: chains, l: l}
}

// ComputeBalance returns total, locked and available for one asset.
func (r *Reconciler) ComputeBalance(ctx context.Context, accountID string, asset domain.Asset) (domain.BalanceView, error) {
	if !asset.Known() && asset != domain.AssetUSD {
		return domain.BalanceView{}, errors.Wrapf(domain.ErrUnknownAsset, "%q", asset)
	}

	mode, err := r.ledger.CustodyMode(ctx, accountID)
	if err != nil {
		return domain.BalanceView{}, err
	}

	total, err := r.total(ctx, accountID, asset, mode)
	if err != nil {
		return domain.BalanceView{}, err
	}

	staked, err := r.ledger.ActiveStaking(ctx, accountID, asset)
	if err != nil {
		return domain.BalanceView{}, errors.Wrap(err, "staking locks")
	}
	allocated, err := r.ledger.ActiveAllocations(ctx, accountID, asset)
	if err != nil {
		return domain.BalanceView{}, errors.Wrap(err, "allocation locks")
	}

	return domain.NewBalanceView(asset, total, staked.Add(allocated)), nil
}

// ComputeBalances returns views for the given assets, or for every asset when none is given.
func (r *Reconciler) ComputeBalances(ctx context.Context, accountID string, assets ...domain.Asset) ([]domain.BalanceView, error) {
	if len(assets) == 0 {
		assets = append([]domain.Asset{domain.AssetUSD}, domain.TrackedAssets...)
	}

	views := make([]domain.BalanceView, len(assets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, a := range assets {
		g.Go(func() error {
			v, err := r.ComputeBalance(gctx, accountID, a)
			if err != nil {
				return errors.Wrapf(err, "balance of %s", a)
			}
			views[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return views, nil
}

func (r *Reconciler) total(ctx context.Context, accountID string, asset domain.Asset, mode domain.CustodyMode) (decimal.Decimal, error) {
	if !asset.OnChain() || mode == domain.CustodyCustodial {
		return r.ledger.Balance(ctx, accountID, asset)
	}

	chain := asset.HomeChain()
	addr, err := r.ledger.WalletAddress(ctx, accountID, chain)
	if errors.Is(err, domain.ErrNotFound) {
		// nothing registered on that chain yet
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}

	bal, err := r.chains.BalanceOf(ctx, chain, asset, addr)
	if err != nil {
		r.l.Warn("chain balance query failed",
			zap.String("account_id", accountID),
			zap.String("chain", string(chain)),
			zap.String("asset", string(asset)),
			zap.Error(err))
		return decimal.Zero, errors.Wrapf(domain.ErrTransient, "%s balance unavailable", chain)
	}
	return bal, nil
}
