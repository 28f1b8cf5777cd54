package settlement

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/bullion/internal/clients"
	"github.com/vadiminshakov/bullion/internal/domain"
)

const (
	xrpDecimals             = 6
	defaultXRPLLedgerWindow = 20
	minXRPLFeeDrops         = 10
	xrplSuccess             = "tesSUCCESS"
)

// XRPLClient is the part of clients.XRPLClient the strategy uses.
type XRPLClient interface {
	AccountInfo(ctx context.Context, account string) (clients.XRPLAccount, error)
	ServerState(ctx context.Context) (clients.XRPLServerState, error)
	SignAndSubmit(ctx context.Context, secret string, tx map[string]any) (clients.XRPLSubmitResult, error)
	Tx(ctx context.Context, hash string) (clients.XRPLTxStatus, error)
}

// XRPLStrategy pays XRP from a reserve-account wallet. Every transaction carries
// the account Sequence and a LastLedgerSequence bound, so it either lands in a
// validated ledger or provably never will.
type XRPLStrategy struct {
	client       XRPLClient
	address      string
	secret       string
	minAmount    decimal.Decimal
	ledgerWindow uint32
	nonces       *nonceTracker
}

type xrplParams struct {
	feeDrops string
}

// NewXRPLStrategy signs through rippled with the wallet's secret.
func NewXRPLStrategy(client XRPLClient, address, secret string, minAmount decimal.Decimal, ledgerWindow uint32) (*XRPLStrategy, error) {
	if err := ValidateXRPLAddress(address); err != nil {
		return nil, errors.Wrapf(domain.ErrConfiguration, "xrpl hot wallet address: %v", err)
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.Wrap(domain.ErrConfiguration, "xrpl hot wallet secret is empty")
	}
	if ledgerWindow == 0 {
		ledgerWindow = defaultXRPLLedgerWindow
	}
	return &XRPLStrategy{
		client:       client,
		address:      address,
		secret:       secret,
		minAmount:    minAmount,
		ledgerWindow: ledgerWindow,
		nonces:       newNonceTracker(),
	}, nil
}

func (s *XRPLStrategy) Chain() domain.ChainID      { return domain.ChainXRPL }
func (s *XRPLStrategy) Asset() domain.Asset        { return domain.AssetXRP }
func (s *XRPLStrategy) Family() domain.ChainFamily { return domain.FamilyReserveAccount }
func (s *XRPLStrategy) Wallet() string             { return s.address }
func (s *XRPLStrategy) MinAmount() decimal.Decimal { return s.minAmount }
func (s *XRPLStrategy) Precision() int32           { return xrpDecimals }

func (s *XRPLStrategy) ValidateDestination(address string, _ *uint32) error {
	if err := ValidateXRPLAddress(address); err != nil {
		return err
	}
	if address == s.address {
		return errors.Wrap(domain.ErrValidation, "destination is the hot wallet")
	}
	return nil
}

func (s *XRPLStrategy) Prepare(ctx context.Context, req domain.WithdrawalRequest) (Plan, error) {
	if _, err := toUnits(req.Amount, xrpDecimals); err != nil {
		return Plan{}, err
	}

	state, err := s.client.ServerState(ctx)
	if err != nil {
		return Plan{}, unavailable(err, "server state")
	}
	feeDrops := state.BaseFee.Mul(state.LoadFactor).Shift(xrpDecimals).Ceil()
	if feeDrops.LessThan(decimal.NewFromInt(minXRPLFeeDrops)) {
		feeDrops = decimal.NewFromInt(minXRPLFeeDrops)
	}
	fee := feeDrops.Shift(-xrpDecimals)

	src, err := s.client.AccountInfo(ctx, s.address)
	if err != nil {
		return Plan{}, unavailable(err, "hot wallet account")
	}
	if !src.Found {
		return Plan{}, errors.Wrap(domain.ErrInsufficientFunds, "hot wallet is not funded")
	}
	reserve := state.ReserveBase.Add(state.ReserveInc.Mul(decimal.NewFromInt(int64(src.OwnerCount))))
	if src.Balance.Sub(req.Amount).Sub(fee).LessThan(reserve) {
		return Plan{}, errors.Wrapf(domain.ErrInsufficientFunds, "payment would take the hot wallet below its %s XRP reserve", reserve)
	}

	dst, err := s.client.AccountInfo(ctx, req.Destination)
	if err != nil {
		return Plan{}, unavailable(err, "destination account")
	}
	switch {
	case !dst.Found && req.Amount.LessThan(state.ReserveBase):
		return Plan{}, errors.Wrapf(domain.ErrValidation, "destination is unfunded; send at least %s XRP", state.ReserveBase)
	case dst.Found && dst.Flags&clients.XRPLFlagRequireDestTag != 0 && req.Tag == nil:
		return Plan{}, errors.Wrap(domain.ErrValidation, "destination requires a destination tag")
	}

	return Plan{
		Fee:      fee,
		FeeAsset: domain.AssetXRP,
		params:   xrplParams{feeDrops: feeDrops.String()},
	}, nil
}

func (s *XRPLStrategy) Submit(ctx context.Context, req *domain.WithdrawalRequest, plan Plan) error {
	p, ok := plan.params.(xrplParams)
	if !ok {
		return notSent(errors.New("plan was not prepared by the xrpl strategy"))
	}

	state, err := s.client.ServerState(ctx)
	if err != nil {
		return notSent(unavailable(err, "server state"))
	}
	seq, err := s.nonces.Next(ctx, s.address, func(ctx context.Context) (uint64, error) {
		info, err := s.client.AccountInfo(ctx, s.address)
		return uint64(info.Sequence), err
	})
	if err != nil {
		return notSent(unavailable(err, "account sequence"))
	}

	lastLedger := state.ValidatedLedger + s.ledgerWindow
	tx := map[string]any{
		"TransactionType":    "Payment",
		"Account":            s.address,
		"Destination":        req.Destination,
		"Amount":             req.Amount.Shift(xrpDecimals).String(),
		"Fee":                p.feeDrops,
		"Sequence":           seq,
		"LastLedgerSequence": lastLedger,
	}
	if req.Tag != nil {
		tx["DestinationTag"] = *req.Tag
	}

	req.Sequence = seq
	req.LastValidSlot = uint64(lastLedger)

	res, err := s.client.SignAndSubmit(ctx, s.secret, tx)
	var xe *clients.XRPLError
	if errors.As(err, &xe) {
		s.nonces.Reset(s.address)
		return rejected(err)
	}
	if err != nil {
		// unknown outcome, the sequence may be consumed
		s.nonces.Commit(s.address, seq)
		return err
	}

	code := res.EngineResult
	switch {
	case strings.HasPrefix(code, "tef"), strings.HasPrefix(code, "tem"), strings.HasPrefix(code, "tel"):
		s.nonces.Reset(s.address)
		return rejected(errors.Errorf("%s: %s", code, res.EngineResultMessage))
	default:
		// tes, tec and ter results may still make it into a validated ledger
		s.nonces.Commit(s.address, seq)
		req.TxRef = res.Hash
		return nil
	}
}

func (s *XRPLStrategy) Confirm(ctx context.Context, req domain.WithdrawalRequest) (Confirmation, error) {
	st, err := s.client.Tx(ctx, req.TxRef)
	if err != nil {
		return Confirmation{}, errors.Wrap(err, "tx lookup")
	}
	if st.Found && st.Validated {
		if st.Result == xrplSuccess {
			return confirmed(), nil
		}
		return failed(st.Result), nil
	}
	if st.Found {
		return pending(), nil
	}

	state, err := s.client.ServerState(ctx)
	if err != nil {
		return Confirmation{}, errors.Wrap(err, "server state")
	}
	if req.LastValidSlot > 0 && uint64(state.ValidatedLedger) > req.LastValidSlot {
		return failed("expired past LastLedgerSequence"), nil
	}
	return pending(), nil
}

func (s *XRPLStrategy) BalanceOf(ctx context.Context, address string) (decimal.Decimal, error) {
	if err := ValidateXRPLAddress(address); err != nil {
		return decimal.Zero, err
	}
	info, err := s.client.AccountInfo(ctx, address)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "account info")
	}
	return info.Balance, nil
}
