package settlement

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/bullion/internal/domain"
)

// Strategy implements one chain family for one (chain, asset) pair. Prepare and
// Submit are only ever called from inside the wallet lane of Wallet().
type Strategy interface {
	Chain() domain.ChainID
	Asset() domain.Asset
	Family() domain.ChainFamily
	// Wallet is the hot wallet address; it keys the submission lane.
	Wallet() string
	MinAmount() decimal.Decimal
	// Precision is the number of decimal places the chain can represent.
	Precision() int32
	// ValidateDestination checks address and tag format without any network call.
	ValidateDestination(address string, tag *uint32) error
	// Prepare estimates the fee and verifies the hot wallet can cover the transfer.
	Prepare(ctx context.Context, req domain.WithdrawalRequest) (Plan, error)
	// Submit signs and broadcasts, setting TxRef, Sequence and LastValidSlot on req.
	Submit(ctx context.Context, req *domain.WithdrawalRequest, plan Plan) error
	Confirm(ctx context.Context, req domain.WithdrawalRequest) (Confirmation, error)
	BalanceOf(ctx context.Context, address string) (decimal.Decimal, error)
}

// Plan is what Prepare decided: the fee and strategy specific parameters.
type Plan struct {
	Fee      decimal.Decimal
	FeeAsset domain.Asset
	params   any
}

// ConfirmationState is the observed on-chain state of a submitted transfer.
type ConfirmationState int

const (
	StatePending ConfirmationState = iota
	StateConfirmed
	StateFailed
)

// Confirmation is one observation of a submitted transfer.
type Confirmation struct {
	State  ConfirmationState
	Reason string
}

func pending() Confirmation { return Confirmation{State: StatePending} }

func confirmed() Confirmation { return Confirmation{State: StateConfirmed} }

func failed(reason string) Confirmation { return Confirmation{State: StateFailed, Reason: reason} }

var (
	// errNotBroadcast marks a Submit failure after which nothing can be on the
	// network: the transaction was never signed, or the node refused it.
	errNotBroadcast = errors.New("not broadcast")
	// errRejected is the subset of errNotBroadcast where the node answered and
	// refused. The nonce was not consumed.
	errRejected = errors.New("broadcast rejected")
)

type notBroadcastError struct {
	err     error
	refused bool
}

func (e *notBroadcastError) Error() string { return e.err.Error() }
func (e *notBroadcastError) Unwrap() error { return e.err }
func (e *notBroadcastError) Is(target error) bool {
	return target == errNotBroadcast || (e.refused && target == errRejected)
}

func rejected(err error) error {
	if err == nil {
		return nil
	}
	return &notBroadcastError{err: err, refused: true}
}

// notSent wraps a failure that happened before anything was signed.
func notSent(err error) error {
	if err == nil {
		return nil
	}
	return &notBroadcastError{err: err}
}

// unavailable wraps an RPC failure that happened before anything was signed.
func unavailable(err error, what string) error {
	return errors.Wrapf(domain.ErrTransient, "%s: %v", what, err)
}

// toUnits converts amount to integer base units, failing when it has more
// decimals than the chain can carry.
func toUnits(amount decimal.Decimal, precision int32) (decimal.Decimal, error) {
	units := amount.Shift(precision)
	if !units.Equal(units.Truncate(0)) {
		return decimal.Zero, errors.Wrapf(domain.ErrValidation, "amount %s has more than %d decimals", amount, precision)
	}
	return units, nil
}
