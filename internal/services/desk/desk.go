// Package desk turns quotes into ledger trades and balances into withdrawals.
package desk

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/bullion/internal/domain"
	"github.com/vadiminshakov/bullion/internal/storage/ledger"
	"go.uber.org/zap"
)

const (
	DefaultClearingAccount = "house:withdrawals:clearing"
	DefaultSettledAccount  = "house:withdrawals:settled"
)

// Quotes redeems locked prices.
type Quotes interface {
	GetQuote(ctx context.Context, id string) (domain.Quote, error)
	ExecuteQuote(ctx context.Context, id string) (domain.Quote, error)
}

// Ledger is the custodial balance store.
type Ledger interface {
	CustodyMode(ctx context.Context, accountID string) (domain.CustodyMode, error)
	Exchange(ctx context.Context, accountID string, out, in ledger.Leg) error
	Transfer(ctx context.Context, from, to string, asset domain.Asset, amount decimal.Decimal) error
}

// Balances reports what an account can spend.
type Balances interface {
	ComputeBalance(ctx context.Context, accountID string, asset domain.Asset) (domain.BalanceView, error)
}

// Settlement submits on-chain withdrawals.
type Settlement interface {
	Validate(in domain.WithdrawalInstruction) error
	SubmitWithdrawal(ctx context.Context, in domain.WithdrawalInstruction) (domain.WithdrawalRequest, error)
}

// Desk executes trades and withdrawals for customer accounts.
type Desk struct {
	quotes     Quotes
	ledger     Ledger
	balances   Balances
	settlement Settlement

	clearing string
	settled  string
	now      func() time.Time
	l        *zap.Logger
}

type Option func(*Desk)

// WithHouseAccounts sets the accounts withdrawn funds pass through.
func WithHouseAccounts(clearing, settled string) Option {
	return func(d *Desk) {
		if clearing != "" {
			d.clearing = clearing
		}
		if settled != "" {
			d.settled = settled
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Desk) { d.now = now }
}

func New(quotes Quotes, ledger Ledger, balances Balances, settlement Settlement, l *zap.Logger, opts ...Option) *Desk {
	d := &Desk{
		quotes:     quotes,
		ledger:     ledger,
		balances:   balances,
		settlement: settlement,
		clearing:   DefaultClearingAccount,
		settled:    DefaultSettledAccount,
		now:        time.Now,
		l:          l,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ExecuteTrade redeems quoteID for accountID and settles it in one ledger
// transaction. The quote is consumed even if settlement fails.
func (d *Desk) ExecuteTrade(ctx context.Context, accountID, quoteID string) (domain.Trade, error) {
	l := d.l.With(zap.String("account_id", accountID), zap.String("quote_id", quoteID))

	peek, err := d.quotes.GetQuote(ctx, quoteID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Trade{}, errors.Wrap(domain.ErrInvalidQuote, "unknown or expired quote")
		}
		return domain.Trade{}, err
	}
	if peek.AccountID != accountID {
		l.Warn("quote presented by another account", zap.String("owner", peek.AccountID))
		return domain.Trade{}, errors.Wrap(domain.ErrInvalidQuote, "quote belongs to another account")
	}
	if peek.Asset.OnChain() {
		mode, err := d.ledger.CustodyMode(ctx, accountID)
		if err != nil {
			return domain.Trade{}, err
		}
		if mode != domain.CustodyCustodial {
			return domain.Trade{}, errors.Wrapf(domain.ErrValidation, "%s is held in an external wallet for this account", peek.Asset)
		}
	}

	q, err := d.quotes.ExecuteQuote(ctx, quoteID)
	if err != nil {
		return domain.Trade{}, err
	}

	usd := ledger.Leg{Asset: domain.AssetUSD, Amount: q.Total}
	asset := ledger.Leg{Asset: q.Asset, Amount: q.Quantity}
	if q.Direction == domain.DirectionBuy {
		err = d.ledger.Exchange(ctx, accountID, usd, asset)
	} else {
		err = d.ledger.Exchange(ctx, accountID, asset, usd)
	}
	if err != nil {
		l.Info("trade not settled", zap.Error(err))
		return domain.Trade{}, err
	}

	t := domain.Trade{
		QuoteID:    q.ID,
		AccountID:  accountID,
		Direction:  q.Direction,
		Asset:      q.Asset,
		Quantity:   q.Quantity,
		Price:      q.LockedPrice,
		Total:      q.Total,
		ExecutedAt: d.now(),
	}
	l.Info("trade executed", zap.Stringer("trade", t))
	return t, nil
}

// Withdraw moves a custodial balance to an external address. The amount is
// held in the clearing account until the chain confirms.
func (d *Desk) Withdraw(ctx context.Context, accountID string, in domain.WithdrawalInstruction) (domain.WithdrawalRequest, error) {
	if !in.Asset.OnChain() {
		return domain.WithdrawalRequest{}, errors.Wrapf(domain.ErrValidation, "%s cannot be withdrawn on chain", in.Asset)
	}
	if !in.Amount.IsPositive() {
		return domain.WithdrawalRequest{}, errors.Wrap(domain.ErrValidation, "amount must be positive")
	}
	mode, err := d.ledger.CustodyMode(ctx, accountID)
	if err != nil {
		return domain.WithdrawalRequest{}, err
	}
	if mode != domain.CustodyCustodial {
		return domain.WithdrawalRequest{}, errors.Wrap(domain.ErrValidation, "only custodial accounts withdraw through the desk")
	}
	if err := d.settlement.Validate(in); err != nil {
		return domain.WithdrawalRequest{}, err
	}

	view, err := d.balances.ComputeBalance(ctx, accountID, in.Asset)
	if err != nil {
		return domain.WithdrawalRequest{}, err
	}
	if view.Available.LessThan(in.Amount) {
		return domain.WithdrawalRequest{}, errors.Wrapf(domain.ErrInsufficientFunds, "available %s %s", view.Available, in.Asset)
	}

	l := d.l.With(zap.String("account_id", accountID), zap.String("asset", string(in.Asset)), zap.String("amount", in.Amount.String()))

	if err := d.ledger.Transfer(ctx, accountID, d.clearing, in.Asset, in.Amount); err != nil {
		return domain.WithdrawalRequest{}, err
	}

	in.AccountID = accountID
	in.Coupled = &domain.CoupledTransfer{FromAccount: d.clearing, ToAccount: d.settled, Asset: in.Asset, Amount: in.Amount}

	req, err := d.settlement.SubmitWithdrawal(ctx, in)
	switch {
	case err == nil:
		l.Info("withdrawal submitted", zap.String("withdrawal_id", req.ID))
		return req, nil
	case errors.Is(err, domain.ErrPostSubmission):
		// funds may already be on chain; they stay in clearing for an operator
		l.Error("withdrawal outcome unknown, funds held in clearing", zap.String("withdrawal_id", req.ID), zap.Bool("alert", true), zap.Error(err))
		return req, err
	}

	if refundErr := d.refund(accountID, in.Asset, in.Amount); refundErr != nil {
		l.Error("failed to return withdrawal funds", zap.Bool("alert", true), zap.Error(refundErr))
	}
	return req, err
}

func (d *Desk) refund(accountID string, asset domain.Asset, amount decimal.Decimal) error {
	// the caller's context may be gone already
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return d.ledger.Transfer(ctx, d.clearing, accountID, asset, amount)
}
