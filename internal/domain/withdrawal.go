package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// WithdrawalStatus is the lifecycle state of a withdrawal.
type WithdrawalStatus string

const (
	WithdrawalCreated   WithdrawalStatus = "created"
	WithdrawalSubmitted WithdrawalStatus = "submitted"
	WithdrawalConfirmed WithdrawalStatus = "confirmed"
	WithdrawalFailed    WithdrawalStatus = "failed"
	// WithdrawalIndeterminate means neither finality nor failure was observed
	// within the confirmation window. Funds may or may not have moved.
	WithdrawalIndeterminate WithdrawalStatus = "indeterminate"
)

// Terminal reports whether the status will not change without an operator.
func (s WithdrawalStatus) Terminal() bool {
	return s == WithdrawalConfirmed || s == WithdrawalFailed || s == WithdrawalIndeterminate
}

// Public maps the status to what customers see.
func (s WithdrawalStatus) Public() string {
	switch s {
	case WithdrawalConfirmed:
		return "confirmed"
	case WithdrawalFailed:
		return "failed"
	default:
		return "processing"
	}
}

// CoupledTransfer is a ledger movement that must only happen after the
// on-chain transfer is final.
type CoupledTransfer struct {
	FromAccount string          `json:"from_account"`
	ToAccount   string          `json:"to_account"`
	Asset       Asset           `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
	Done        bool            `json:"done,omitempty"`
}

// WithdrawalInstruction is a validated request to move funds out of a hot wallet.
type WithdrawalInstruction struct {
	AccountID   string           `json:"account_id,omitempty"`
	Chain       ChainID          `json:"chain"`
	Asset       Asset            `json:"asset"`
	Destination string           `json:"destination"`
	Amount      decimal.Decimal  `json:"amount"`
	Tag         *uint32          `json:"tag,omitempty"`
	Coupled     *CoupledTransfer `json:"coupled,omitempty"`
}

// WithdrawalRequest is the tracked state of one settlement.
type WithdrawalRequest struct {
	ID          string           `json:"id"`
	AccountID   string           `json:"account_id,omitempty"`
	Chain       ChainID          `json:"chain"`
	Family      ChainFamily      `json:"family"`
	Asset       Asset            `json:"asset"`
	Destination string           `json:"destination"`
	Amount      decimal.Decimal  `json:"amount"`
	Tag         *uint32          `json:"tag,omitempty"`
	Fee         decimal.Decimal  `json:"fee"`
	FeeAsset    Asset            `json:"fee_asset"`
	Status      WithdrawalStatus `json:"status"`
	TxRef       string           `json:"tx_ref,omitempty"`
	Sequence    uint64           `json:"sequence"`
	// Nonce is the durable nonce value consumed on nonce-sequenced chains.
	Nonce string `json:"nonce,omitempty"`
	// LastValidSlot bounds inclusion on chains that expire transactions
	// (ledger index on xrpl), zero when unused.
	LastValidSlot     uint64           `json:"last_valid_slot,omitempty"`
	Error             string           `json:"error,omitempty"`
	ReconcileRequired bool             `json:"reconcile_required,omitempty"`
	ReconcileReason   string           `json:"reconcile_reason,omitempty"`
	Coupled           *CoupledTransfer `json:"coupled,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}
