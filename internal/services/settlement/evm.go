package settlement

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/bullion/internal/domain"
)

const (
	weiDecimals = 18
	// token transfers get headroom over the node's estimate
	tokenGasMarginNum = 12
	tokenGasMarginDen = 10
)

const erc20ABIJSON = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

var erc20ABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// EVMClient is the part of ethclient.Client the EVM strategies use.
type EVMClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// EVMWallet is a hot wallet on one EVM chain. Native and token strategies on
// the same chain share it, so they share a lane and a nonce sequence.
type EVMWallet struct {
	chain         domain.ChainID
	client        EVMClient
	key           *ecdsa.PrivateKey
	address       common.Address
	chainID       *big.Int
	confirmations uint64
	nonces        *nonceTracker
}

// NewEVMWallet loads a hex private key for chain.
func NewEVMWallet(chain domain.ChainID, client EVMClient, hexKey string, chainID int64, confirmations uint64) (*EVMWallet, error) {
	if !chain.IsEVM() {
		return nil, errors.Wrapf(domain.ErrConfiguration, "%s is not an EVM chain", chain)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, errors.Wrapf(domain.ErrConfiguration, "%s hot wallet key: %v", chain, err)
	}
	if confirmations == 0 {
		confirmations = 1
	}
	return &EVMWallet{
		chain:         chain,
		client:        client,
		key:           key,
		address:       crypto.PubkeyToAddress(key.PublicKey),
		chainID:       big.NewInt(chainID),
		confirmations: confirmations,
		nonces:        newNonceTracker(),
	}, nil
}

// Address returns the hot wallet address.
func (w *EVMWallet) Address() string {
	return w.address.Hex()
}

type evmParams struct {
	to       common.Address
	value    *big.Int
	data     []byte
	gasPrice *big.Int
	gasLimit uint64
}

func (w *EVMWallet) nativeBalance(ctx context.Context) (*big.Int, error) {
	bal, err := w.client.BalanceAt(ctx, w.address, nil)
	if err != nil {
		return nil, unavailable(err, "hot wallet balance")
	}
	return bal, nil
}

func (w *EVMWallet) submit(ctx context.Context, req *domain.WithdrawalRequest, plan Plan) error {
	p, ok := plan.params.(evmParams)
	if !ok {
		return notSent(errors.New("plan was not prepared by an EVM strategy"))
	}

	wallet := w.address.Hex()
	nonce, err := w.nonces.Next(ctx, wallet, func(ctx context.Context) (uint64, error) {
		return w.client.PendingNonceAt(ctx, w.address)
	})
	if err != nil {
		return notSent(unavailable(err, "pending nonce"))
	}

	to := p.to
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    p.value,
		Gas:      p.gasLimit,
		GasPrice: p.gasPrice,
		Data:     p.data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(w.chainID), w.key)
	if err != nil {
		return notSent(errors.Wrap(err, "sign transaction"))
	}

	req.Sequence = nonce
	err = w.client.SendTransaction(ctx, signed)

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		// the node answered and refused; the nonce is still free
		w.nonces.Reset(wallet)
		req.Sequence = 0
		return rejected(err)
	}

	w.nonces.Commit(wallet, nonce)
	req.TxRef = signed.Hash().Hex()
	return err
}

func (w *EVMWallet) confirm(ctx context.Context, req domain.WithdrawalRequest) (Confirmation, error) {
	receipt, err := w.client.TransactionReceipt(ctx, common.HexToHash(req.TxRef))
	if errors.Is(err, ethereum.NotFound) {
		return pending(), nil
	}
	if err != nil {
		return Confirmation{}, errors.Wrap(err, "transaction receipt")
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return failed("transaction reverted"), nil
	}

	head, err := w.client.BlockNumber(ctx)
	if err != nil {
		return Confirmation{}, errors.Wrap(err, "block number")
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined || head-mined+1 < w.confirmations {
		return pending(), nil
	}
	return confirmed(), nil
}

// NativeStrategy sends the chain's native coin (ETH, MATIC).
type NativeStrategy struct {
	w         *EVMWallet
	minAmount decimal.Decimal
}

func NewNativeStrategy(w *EVMWallet, minAmount decimal.Decimal) *NativeStrategy {
	return &NativeStrategy{w: w, minAmount: minAmount}
}

func (s *NativeStrategy) Chain() domain.ChainID      { return s.w.chain }
func (s *NativeStrategy) Asset() domain.Asset        { return s.w.chain.NativeAsset() }
func (s *NativeStrategy) Family() domain.ChainFamily { return domain.FamilyNativeValue }
func (s *NativeStrategy) Wallet() string             { return s.w.Address() }
func (s *NativeStrategy) MinAmount() decimal.Decimal { return s.minAmount }
func (s *NativeStrategy) Precision() int32           { return weiDecimals }

func (s *NativeStrategy) ValidateDestination(address string, tag *uint32) error {
	if err := ValidateEVMAddress(address); err != nil {
		return err
	}
	if strings.EqualFold(address, s.w.Address()) {
		return errors.Wrap(domain.ErrValidation, "destination is the hot wallet")
	}
	return rejectTag(s.w.chain, tag)
}

func (s *NativeStrategy) Prepare(ctx context.Context, req domain.WithdrawalRequest) (Plan, error) {
	units, err := toUnits(req.Amount, weiDecimals)
	if err != nil {
		return Plan{}, err
	}
	to := common.HexToAddress(req.Destination)
	value := units.BigInt()

	gasPrice, err := s.w.client.SuggestGasPrice(ctx)
	if err != nil {
		return Plan{}, unavailable(err, "gas price")
	}
	gasLimit, err := s.w.client.EstimateGas(ctx, ethereum.CallMsg{From: s.w.address, To: &to, Value: value})
	if err != nil {
		return Plan{}, unavailable(err, "estimate gas")
	}

	fee := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	balance, err := s.w.nativeBalance(ctx)
	if err != nil {
		return Plan{}, err
	}
	need := new(big.Int).Add(value, fee)
	if balance.Cmp(need) < 0 {
		return Plan{}, errors.Wrapf(domain.ErrInsufficientFunds, "hot wallet cannot cover %s %s plus fee", req.Amount, s.Asset())
	}

	return Plan{
		Fee:      decimal.NewFromBigInt(fee, -weiDecimals),
		FeeAsset: s.Asset(),
		params:   evmParams{to: to, value: value, gasPrice: gasPrice, gasLimit: gasLimit},
	}, nil
}

func (s *NativeStrategy) Submit(ctx context.Context, req *domain.WithdrawalRequest, plan Plan) error {
	return s.w.submit(ctx, req, plan)
}

func (s *NativeStrategy) Confirm(ctx context.Context, req domain.WithdrawalRequest) (Confirmation, error) {
	return s.w.confirm(ctx, req)
}

func (s *NativeStrategy) BalanceOf(ctx context.Context, address string) (decimal.Decimal, error) {
	if err := ValidateEVMAddress(address); err != nil {
		return decimal.Zero, err
	}
	bal, err := s.w.client.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "balance")
	}
	return decimal.NewFromBigInt(bal, -weiDecimals), nil
}

// TokenStrategy sends an ERC-20 token; gas is paid in the chain's native coin.
type TokenStrategy struct {
	w         *EVMWallet
	asset     domain.Asset
	contract  common.Address
	decimals  int32
	minAmount decimal.Decimal
}

func NewTokenStrategy(w *EVMWallet, asset domain.Asset, contract string, decimals int32, minAmount decimal.Decimal) (*TokenStrategy, error) {
	if !common.IsHexAddress(contract) {
		return nil, errors.Wrapf(domain.ErrConfiguration, "%s contract address %q", asset, contract)
	}
	return &TokenStrategy{
		w:         w,
		asset:     asset,
		contract:  common.HexToAddress(contract),
		decimals:  decimals,
		minAmount: minAmount,
	}, nil
}

func (s *TokenStrategy) Chain() domain.ChainID      { return s.w.chain }
func (s *TokenStrategy) Asset() domain.Asset        { return s.asset }
func (s *TokenStrategy) Family() domain.ChainFamily { return domain.FamilyContractToken }
func (s *TokenStrategy) Wallet() string             { return s.w.Address() }
func (s *TokenStrategy) MinAmount() decimal.Decimal { return s.minAmount }
func (s *TokenStrategy) Precision() int32           { return s.decimals }

func (s *TokenStrategy) ValidateDestination(address string, tag *uint32) error {
	if err := ValidateEVMAddress(address); err != nil {
		return err
	}
	if strings.EqualFold(address, s.w.Address()) {
		return errors.Wrap(domain.ErrValidation, "destination is the hot wallet")
	}
	if common.HexToAddress(address) == s.contract {
		return errors.Wrap(domain.ErrValidation, "destination is the token contract")
	}
	return rejectTag(s.w.chain, tag)
}

func (s *TokenStrategy) Prepare(ctx context.Context, req domain.WithdrawalRequest) (Plan, error) {
	units, err := toUnits(req.Amount, s.decimals)
	if err != nil {
		return Plan{}, err
	}
	amount := units.BigInt()

	data, err := erc20ABI.Pack("transfer", common.HexToAddress(req.Destination), amount)
	if err != nil {
		return Plan{}, errors.Wrap(err, "pack transfer")
	}

	tokens, err := s.tokenBalance(ctx, s.w.address)
	if err != nil {
		return Plan{}, unavailable(err, "hot wallet token balance")
	}
	if tokens.Cmp(amount) < 0 {
		return Plan{}, errors.Wrapf(domain.ErrInsufficientFunds, "hot wallet cannot cover %s %s", req.Amount, s.asset)
	}

	gasPrice, err := s.w.client.SuggestGasPrice(ctx)
	if err != nil {
		return Plan{}, unavailable(err, "gas price")
	}
	estimate, err := s.w.client.EstimateGas(ctx, ethereum.CallMsg{From: s.w.address, To: &s.contract, Data: data})
	if err != nil {
		return Plan{}, unavailable(err, "estimate gas")
	}
	gasLimit := estimate * tokenGasMarginNum / tokenGasMarginDen

	fee := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	native, err := s.w.nativeBalance(ctx)
	if err != nil {
		return Plan{}, err
	}
	if native.Cmp(fee) < 0 {
		return Plan{}, errors.Wrapf(domain.ErrInsufficientFunds, "hot wallet lacks %s for gas", s.w.chain.NativeAsset())
	}

	return Plan{
		Fee:      decimal.NewFromBigInt(fee, -weiDecimals),
		FeeAsset: s.w.chain.NativeAsset(),
		params:   evmParams{to: s.contract, value: big.NewInt(0), data: data, gasPrice: gasPrice, gasLimit: gasLimit},
	}, nil
}

func (s *TokenStrategy) Submit(ctx context.Context, req *domain.WithdrawalRequest, plan Plan) error {
	return s.w.submit(ctx, req, plan)
}

func (s *TokenStrategy) Confirm(ctx context.Context, req domain.WithdrawalRequest) (Confirmation, error) {
	return s.w.confirm(ctx, req)
}

func (s *TokenStrategy) BalanceOf(ctx context.Context, address string) (decimal.Decimal, error) {
	if err := ValidateEVMAddress(address); err != nil {
		return decimal.Zero, err
	}
	bal, err := s.tokenBalance(ctx, common.HexToAddress(address))
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(bal, -s.decimals), nil
}

func (s *TokenStrategy) tokenBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, errors.Wrap(err, "pack balanceOf")
	}
	out, err := s.w.client.CallContract(ctx, ethereum.CallMsg{To: &s.contract, Data: data}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "call balanceOf")
	}
	values, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, errors.Wrap(err, "unpack balanceOf")
	}
	if len(values) == 0 {
		return nil, errors.New("empty balanceOf result")
	}
	bal, ok := values[0].(*big.Int)
	if !ok {
		return nil, errors.New("unexpected balanceOf result")
	}
	return bal, nil
}
