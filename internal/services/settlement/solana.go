package settlement

import (
	"context"
	"crypto/ed25519"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/bullion/internal/clients"
	"github.com/vadiminshakov/bullion/internal/domain"
	"github.com/vadiminshakov/bullion/pkg/retrier"
)

const (
	lamportDecimals = 9
	// the hot wallet stays rent exempt (zero-data account minimum)
	rentExemptLamports = 890880
	defaultNonceWait   = 20 * time.Second
	solanaFinalized    = "finalized"
)

var errNonceNotAdvanced = errors.New("durable nonce not advanced yet")

// SolanaClient is the part of clients.SolanaClient the strategy uses.
type SolanaClient interface {
	GetBalance(ctx context.Context, pubkey string) (uint64, error)
	GetAccountData(ctx context.Context, pubkey string) ([]byte, bool, error)
	GetFeeForMessage(ctx context.Context, message []byte) (uint64, error)
	SendTransaction(ctx context.Context, tx []byte) (string, error)
	SignatureStatus(ctx context.Context, signature string) (clients.SolanaSignatureStatus, error)
}

// SolanaStrategy sends SOL using a durable nonce account owned by the hot
// wallet. Each nonce value is used once; the next transfer waits until the
// previous one advanced it.
type SolanaStrategy struct {
	client    SolanaClient
	key       ed25519.PrivateKey
	wallet    pubkey
	nonceAcc  pubkey
	minAmount decimal.Decimal
	nonceWait time.Duration

	mu        sync.Mutex
	lastNonce pubkey
}

type solanaParams struct {
	lamports uint64
}

// NewSolanaStrategy loads a base58 keypair (64 bytes) or seed (32 bytes).
func NewSolanaStrategy(client SolanaClient, secret, nonceAccount string, minAmount decimal.Decimal, nonceWait time.Duration) (*SolanaStrategy, error) {
	raw := base58.Decode(strings.TrimSpace(secret))
	var key ed25519.PrivateKey
	switch len(raw) {
	case ed25519.PrivateKeySize:
		key = ed25519.PrivateKey(raw)
	case ed25519.SeedSize:
		key = ed25519.NewKeyFromSeed(raw)
	default:
		return nil, errors.Wrap(domain.ErrConfiguration, "solana hot wallet key must be a base58 keypair or seed")
	}

	nonceAcc, err := parsePubkey(nonceAccount)
	if err != nil {
		return nil, errors.Wrapf(domain.ErrConfiguration, "solana nonce account: %v", err)
	}
	if nonceWait <= 0 {
		nonceWait = defaultNonceWait
	}

	var wallet pubkey
	copy(wallet[:], key.Public().(ed25519.PublicKey))

	return &SolanaStrategy{
		client:    client,
		key:       key,
		wallet:    wallet,
		nonceAcc:  nonceAcc,
		minAmount: minAmount,
		nonceWait: nonceWait,
	}, nil
}

func (s *SolanaStrategy) Chain() domain.ChainID      { return domain.ChainSolana }
func (s *SolanaStrategy) Asset() domain.Asset        { return domain.AssetSOL }
func (s *SolanaStrategy) Family() domain.ChainFamily { return domain.FamilyNonceSequenced }
func (s *SolanaStrategy) Wallet() string             { return s.wallet.String() }
func (s *SolanaStrategy) MinAmount() decimal.Decimal { return s.minAmount }
func (s *SolanaStrategy) Precision() int32           { return lamportDecimals }

func (s *SolanaStrategy) ValidateDestination(address string, tag *uint32) error {
	if err := ValidateSolanaAddress(address); err != nil {
		return err
	}
	switch address {
	case s.wallet.String():
		return errors.Wrap(domain.ErrValidation, "destination is the hot wallet")
	case s.nonceAcc.String(), systemProgramID, sysvarRecentBlockhashes:
		return errors.Wrap(domain.ErrValidation, "destination is a system account")
	}
	return rejectTag(domain.ChainSolana, tag)
}

func (s *SolanaStrategy) Prepare(ctx context.Context, req domain.WithdrawalRequest) (Plan, error) {
	units, err := toUnits(req.Amount, lamportDecimals)
	if err != nil {
		return Plan{}, err
	}
	if !units.IsPositive() || units.GreaterThan(decimal.NewFromInt(1<<62)) {
		return Plan{}, errors.Wrap(domain.ErrValidation, "amount out of range")
	}
	lamports := uint64(units.IntPart())

	nonce, err := s.readNonce(ctx)
	if err != nil {
		return Plan{}, err
	}
	to, err := parsePubkey(req.Destination)
	if err != nil {
		return Plan{}, errors.Wrap(domain.ErrValidation, err.Error())
	}

	msg := durableTransfer{from: s.wallet, nonceAcc: s.nonceAcc, to: to, nonce: nonce.blockhash, lamports: lamports}.message()
	fee, err := s.client.GetFeeForMessage(ctx, msg)
	if err != nil {
		if nonce.lamportsPerSignature == 0 {
			return Plan{}, unavailable(err, "fee for message")
		}
		fee = nonce.lamportsPerSignature
	}

	balance, err := s.client.GetBalance(ctx, s.wallet.String())
	if err != nil {
		return Plan{}, unavailable(err, "hot wallet balance")
	}
	if balance < lamports+fee+rentExemptLamports {
		return Plan{}, errors.Wrapf(domain.ErrInsufficientFunds, "hot wallet cannot cover %s SOL plus fee", req.Amount)
	}

	return Plan{
		Fee:      decimal.NewFromInt(int64(fee)).Shift(-lamportDecimals),
		FeeAsset: domain.AssetSOL,
		params:   solanaParams{lamports: lamports},
	}, nil
}

func (s *SolanaStrategy) Submit(ctx context.Context, req *domain.WithdrawalRequest, plan Plan) error {
	p, ok := plan.params.(solanaParams)
	if !ok {
		return notSent(errors.New("plan was not prepared by the solana strategy"))
	}
	to, err := parsePubkey(req.Destination)
	if err != nil {
		return notSent(errors.Wrap(domain.ErrValidation, err.Error()))
	}

	nonce, err := s.freshNonce(ctx)
	if err != nil {
		return notSent(err)
	}

	msg := durableTransfer{from: s.wallet, nonceAcc: s.nonceAcc, to: to, nonce: nonce, lamports: p.lamports}.message()
	raw, sig := signTransaction(s.key, msg)
	req.TxRef = sig
	req.Nonce = nonce.String()

	_, err = s.client.SendTransaction(ctx, raw)
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		req.TxRef = ""
		req.Nonce = ""
		return rejected(err)
	}

	s.mu.Lock()
	s.lastNonce = nonce
	s.mu.Unlock()
	return err
}

func (s *SolanaStrategy) Confirm(ctx context.Context, req domain.WithdrawalRequest) (Confirmation, error) {
	st, err := s.client.SignatureStatus(ctx, req.TxRef)
	if err != nil {
		return Confirmation{}, err
	}
	if st.Found {
		return solanaState(st), nil
	}

	// a transfer whose nonce moved on without it can never land
	current, err := s.readNonce(ctx)
	if err != nil {
		return Confirmation{}, err
	}
	if req.Nonce == "" || current.blockhash.String() == req.Nonce {
		return pending(), nil
	}

	st, err = s.client.SignatureStatus(ctx, req.TxRef)
	if err != nil {
		return Confirmation{}, err
	}
	if st.Found {
		return solanaState(st), nil
	}
	return failed("durable nonce advanced without this transaction"), nil
}

func solanaState(st clients.SolanaSignatureStatus) Confirmation {
	switch {
	case st.Err != "":
		return failed(st.Err)
	case st.ConfirmationStatus == solanaFinalized:
		return confirmed()
	default:
		return pending()
	}
}

func (s *SolanaStrategy) BalanceOf(ctx context.Context, address string) (decimal.Decimal, error) {
	if err := ValidateSolanaAddress(address); err != nil {
		return decimal.Zero, err
	}
	lamports, err := s.client.GetBalance(ctx, address)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "balance")
	}
	return decimal.NewFromBigInt(new(big.Int).SetUint64(lamports), -lamportDecimals), nil
}

func (s *SolanaStrategy) readNonce(ctx context.Context) (nonceAccount, error) {
	data, found, err := s.client.GetAccountData(ctx, s.nonceAcc.String())
	if err != nil {
		return nonceAccount{}, unavailable(err, "nonce account")
	}
	if !found {
		return nonceAccount{}, errors.Wrapf(domain.ErrConfiguration, "nonce account %s does not exist", s.nonceAcc)
	}
	n, err := parseNonceAccount(data)
	if err != nil {
		return nonceAccount{}, errors.Wrapf(domain.ErrConfiguration, "nonce account %s: %v", s.nonceAcc, err)
	}
	if n.authority != s.wallet {
		return nonceAccount{}, errors.Wrapf(domain.ErrConfiguration, "nonce account %s is not controlled by the hot wallet", s.nonceAcc)
	}
	return n, nil
}

// freshNonce waits until the nonce differs from the one the previous transfer used.
func (s *SolanaStrategy) freshNonce(ctx context.Context) (pubkey, error) {
	s.mu.Lock()
	last := s.lastNonce
	s.mu.Unlock()

	r := retrier.New(
		retrier.WithInitialInterval(250*time.Millisecond),
		retrier.WithMaxInterval(2*time.Second),
		retrier.WithMaxRetries(-1),
		retrier.WithMaxElapsed(s.nonceWait),
	)
	n, err := retrier.DoWithData(r, ctx, func(ctx context.Context) (nonceAccount, error) {
		n, err := s.readNonce(ctx)
		if errors.Is(err, domain.ErrConfiguration) {
			return n, retrier.Permanent(err)
		}
		if err != nil {
			return n, err
		}
		if n.blockhash == last {
			return n, errNonceNotAdvanced
		}
		return n, nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrConfiguration) {
			return pubkey{}, err
		}
		return pubkey{}, unavailable(err, "durable nonce")
	}
	return n.blockhash, nil
}
