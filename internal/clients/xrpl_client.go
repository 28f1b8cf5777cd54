package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	xrplDropsPerXRP = 6

	// account flag: incoming payments must carry a destination tag
	XRPLFlagRequireDestTag = 0x00020000
)

// XRPLError is an error reported by rippled in a well-formed response.
type XRPLError struct {
	Code    string
	Message string
}

func (e *XRPLError) Error() string {
	if e.Message == "" {
		return "rippled: " + e.Code
	}
	return fmt.Sprintf("rippled: %s: %s", e.Code, e.Message)
}

// XRPLAccount is the subset of account_info the settlement layer needs.
type XRPLAccount struct {
	Found      bool
	Balance    decimal.Decimal
	Sequence   uint32
	OwnerCount uint32
	Flags      uint32
}

// XRPLServerState carries fee and reserve settings of the last validated ledger.
type XRPLServerState struct {
	ValidatedLedger uint32
	BaseFee         decimal.Decimal
	LoadFactor      decimal.Decimal
	ReserveBase     decimal.Decimal
	ReserveInc      decimal.Decimal
}

// XRPLSubmitResult is the preliminary outcome of a submission.
type XRPLSubmitResult struct {
	EngineResult        string
	EngineResultMessage string
	Hash                string
}

// XRPLTxStatus is the lookup result for a transaction hash.
type XRPLTxStatus struct {
	Found       bool
	Validated   bool
	Result      string
	LedgerIndex uint32
}

// XRPLClient talks to rippled's JSON-RPC over HTTP. rippled wraps every reply in
// {"result": {...}} with a status field instead of JSON-RPC 2.0 envelopes.
type XRPLClient struct {
	url  string
	http *http.Client
}

func NewXRPLClient(url string, timeout time.Duration) *XRPLClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &XRPLClient{url: url, http: &http.Client{Timeout: timeout}}
}

// AccountInfo returns the account state in the current open ledger.
func (c *XRPLClient) AccountInfo(ctx context.Context, account string) (XRPLAccount, error) {
	var out struct {
		AccountData struct {
			Balance    string `json:"Balance"`
			Sequence   uint32 `json:"Sequence"`
			OwnerCount uint32 `json:"OwnerCount"`
			Flags      uint32 `json:"Flags"`
		} `json:"account_data"`
	}
	err := c.call(ctx, "account_info", map[string]any{
		"account":      account,
		"ledger_index": "current",
		"strict":       true,
	}, &out)

	var xe *XRPLError
	if errors.As(err, &xe) && xe.Code == "actNotFound" {
		return XRPLAccount{}, nil
	}
	if err != nil {
		return XRPLAccount{}, err
	}

	drops, err := decimal.NewFromString(out.AccountData.Balance)
	if err != nil {
		return XRPLAccount{}, errors.Wrapf(err, "parse balance %q", out.AccountData.Balance)
	}

	return XRPLAccount{
		Found:      true,
		Balance:    drops.Shift(-xrplDropsPerXRP),
		Sequence:   out.AccountData.Sequence,
		OwnerCount: out.AccountData.OwnerCount,
		Flags:      out.AccountData.Flags,
	}, nil
}

// ServerState reads reserves, base fee and the validated ledger index.
func (c *XRPLClient) ServerState(ctx context.Context) (XRPLServerState, error) {
	var out struct {
		Info struct {
			LoadFactor      decimal.Decimal `json:"load_factor"`
			ValidatedLedger *struct {
				Seq         uint32          `json:"seq"`
				BaseFeeXRP  decimal.Decimal `json:"base_fee_xrp"`
				ReserveBase decimal.Decimal `json:"reserve_base_xrp"`
				ReserveInc  decimal.Decimal `json:"reserve_inc_xrp"`
			} `json:"validated_ledger"`
		} `json:"info"`
	}
	if err := c.call(ctx, "server_info", map[string]any{}, &out); err != nil {
		return XRPLServerState{}, err
	}
	vl := out.Info.ValidatedLedger
	if vl == nil {
		return XRPLServerState{}, errors.New("rippled has no validated ledger")
	}

	load := out.Info.LoadFactor
	if !load.IsPositive() {
		load = decimal.NewFromInt(1)
	}

	return XRPLServerState{
		ValidatedLedger: vl.Seq,
		BaseFee:         vl.BaseFeeXRP,
		LoadFactor:      load,
		ReserveBase:     vl.ReserveBase,
		ReserveInc:      vl.ReserveInc,
	}, nil
}

// SignAndSubmit has rippled sign tx with secret and submit it.
func (c *XRPLClient) SignAndSubmit(ctx context.Context, secret string, tx map[string]any) (XRPLSubmitResult, error) {
	var out struct {
		EngineResult        string `json:"engine_result"`
		EngineResultMessage string `json:"engine_result_message"`
		TxJSON              struct {
			Hash string `json:"hash"`
		} `json:"tx_json"`
	}
	if err := c.call(ctx, "submit", map[string]any{
		"secret":  secret,
		"tx_json": tx,
		"offline": false,
	}, &out); err != nil {
		return XRPLSubmitResult{}, err
	}

	return XRPLSubmitResult{
		EngineResult:        out.EngineResult,
		EngineResultMessage: out.EngineResultMessage,
		Hash:                out.TxJSON.Hash,
	}, nil
}

// Tx looks up a transaction by hash.
func (c *XRPLClient) Tx(ctx context.Context, hash string) (XRPLTxStatus, error) {
	var out struct {
		Validated   bool   `json:"validated"`
		LedgerIndex uint32 `json:"ledger_index"`
		Meta        struct {
			TransactionResult string `json:"TransactionResult"`
		} `json:"meta"`
	}
	err := c.call(ctx, "tx", map[string]any{"transaction": hash, "binary": false}, &out)

	var xe *XRPLError
	if errors.As(err, &xe) && xe.Code == "txnNotFound" {
		return XRPLTxStatus{}, nil
	}
	if err != nil {
		return XRPLTxStatus{}, err
	}

	return XRPLTxStatus{
		Found:       true,
		Validated:   out.Validated,
		Result:      out.Meta.TransactionResult,
		LedgerIndex: out.LedgerIndex,
	}, nil
}

func (c *XRPLClient) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(map[string]any{
		"method": method,
		"params": []any{params},
	})
	if err != nil {
		return errors.Wrapf(err, "encode %s request", method)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "build %s request", method)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s request", method)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("%s: rippled returned http %d", method, resp.StatusCode)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return errors.Wrapf(err, "decode %s response", method)
	}

	var status struct {
		Status       string `json:"status"`
		Error        string `json:"error"`
		ErrorMessage string `json:"error_message"`
	}
	if err := json.Unmarshal(envelope.Result, &status); err != nil {
		return errors.Wrapf(err, "decode %s status", method)
	}
	if status.Status == "error" {
		return &XRPLError{Code: status.Error, Message: status.ErrorMessage}
	}

	return errors.Wrapf(json.Unmarshal(envelope.Result, out), "decode %s result", method)
}
