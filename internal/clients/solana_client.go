package clients

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
)

// SolanaSignatureStatus is the cluster's view of a transaction signature.
type SolanaSignatureStatus struct {
	Found              bool
	Slot               uint64
	ConfirmationStatus string
	// Err is the raw instruction error, empty on success.
	Err string
}

// SolanaClient speaks Solana's JSON-RPC 2.0 API through the go-ethereum RPC transport.
type SolanaClient struct {
	rpc        *rpc.Client
	commitment string
}

// DialSolana connects to a Solana RPC node. Reads use the given commitment level.
func DialSolana(ctx context.Context, url, commitment string) (*SolanaClient, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	if commitment == "" {
		commitment = "finalized"
	}
	return &SolanaClient{rpc: c, commitment: commitment}, nil
}

// GetBalance returns the lamports held by pubkey.
func (c *SolanaClient) GetBalance(ctx context.Context, pubkey string) (uint64, error) {
	var out struct {
		Value uint64 `json:"value"`
	}
	if err := c.rpc.CallContext(ctx, &out, "getBalance", pubkey, c.config(nil)); err != nil {
		return 0, errors.Wrap(err, "getBalance")
	}
	return out.Value, nil
}

// GetAccountData returns the raw account data, or found=false when the account does not exist.
func (c *SolanaClient) GetAccountData(ctx context.Context, pubkey string) ([]byte, bool, error) {
	var out struct {
		Value *struct {
			Data     []string `json:"data"`
			Lamports uint64   `json:"lamports"`
		} `json:"value"`
	}
	if err := c.rpc.CallContext(ctx, &out, "getAccountInfo", pubkey, c.config(map[string]any{"encoding": "base64"})); err != nil {
		return nil, false, errors.Wrap(err, "getAccountInfo")
	}
	if out.Value == nil {
		return nil, false, nil
	}
	if len(out.Value.Data) == 0 {
		return nil, true, nil
	}
	data, err := base64.StdEncoding.DecodeString(out.Value.Data[0])
	if err != nil {
		return nil, true, errors.Wrap(err, "decode account data")
	}
	return data, true, nil
}

// GetFeeForMessage returns the fee in lamports the cluster charges for message.
func (c *SolanaClient) GetFeeForMessage(ctx context.Context, message []byte) (uint64, error) {
	var out struct {
		Value *uint64 `json:"value"`
	}
	encoded := base64.StdEncoding.EncodeToString(message)
	if err := c.rpc.CallContext(ctx, &out, "getFeeForMessage", encoded, c.config(nil)); err != nil {
		return 0, errors.Wrap(err, "getFeeForMessage")
	}
	if out.Value == nil {
		return 0, errors.New("getFeeForMessage: blockhash not recognized")
	}
	return *out.Value, nil
}

// SendTransaction broadcasts a signed wire transaction and returns its signature.
func (c *SolanaClient) SendTransaction(ctx context.Context, tx []byte) (string, error) {
	var sig string
	err := c.rpc.CallContext(ctx, &sig, "sendTransaction", base64.StdEncoding.EncodeToString(tx), map[string]any{
		"encoding":            "base64",
		"preflightCommitment": c.commitment,
	})
	if err != nil {
		return "", errors.Wrap(err, "sendTransaction")
	}
	return sig, nil
}

// SignatureStatus looks a signature up, including transaction history.
func (c *SolanaClient) SignatureStatus(ctx context.Context, signature string) (SolanaSignatureStatus, error) {
	var out struct {
		Value []*struct {
			Slot               uint64          `json:"slot"`
			Err                json.RawMessage `json:"err"`
			ConfirmationStatus string          `json:"confirmationStatus"`
		} `json:"value"`
	}
	err := c.rpc.CallContext(ctx, &out, "getSignatureStatuses", []string{signature}, map[string]any{
		"searchTransactionHistory": true,
	})
	if err != nil {
		return SolanaSignatureStatus{}, errors.Wrap(err, "getSignatureStatuses")
	}
	if len(out.Value) == 0 || out.Value[0] == nil {
		return SolanaSignatureStatus{}, nil
	}

	st := out.Value[0]
	res := SolanaSignatureStatus{Found: true, Slot: st.Slot, ConfirmationStatus: st.ConfirmationStatus}
	if len(st.Err) > 0 && string(st.Err) != "null" {
		res.Err = string(st.Err)
	}
	return res, nil
}

// Commitment returns the commitment level used for reads.
func (c *SolanaClient) Commitment() string {
	return c.commitment
}

func (c *SolanaClient) Close() {
	c.rpc.Close()
}

func (c *SolanaClient) config(extra map[string]any) map[string]any {
	cfg := map[string]any{"commitment": c.commitment}
	for k, v := range extra {
		cfg[k] = v
	}
	return cfg
}
