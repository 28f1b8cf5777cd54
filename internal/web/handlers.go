package web

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/bullion/internal/domain"
)

type quoteRequest struct {
	AccountID string          `json:"account_id"`
	Direction string          `json:"direction"`
	Asset     string          `json:"asset"`
	Quantity  decimal.Decimal `json:"quantity"`
}

type tradeRequest struct {
	QuoteID string `json:"quote_id"`
}

type withdrawRequest struct {
	Chain       string          `json:"chain,omitempty"`
	Asset       string          `json:"asset"`
	Destination string          `json:"destination"`
	Amount      decimal.Decimal `json:"amount"`
	Tag         *uint32         `json:"tag,omitempty"`
}

// withdrawalView is the customer-facing shape of a withdrawal. Operator
// details stay in the journal.
type withdrawalView struct {
	ID          string          `json:"id"`
	Chain       domain.ChainID  `json:"chain"`
	Asset       domain.Asset    `json:"asset"`
	Destination string          `json:"destination"`
	Amount      decimal.Decimal `json:"amount"`
	Tag         *uint32         `json:"tag,omitempty"`
	Fee         decimal.Decimal `json:"fee"`
	FeeAsset    domain.Asset    `json:"fee_asset"`
	Status      string          `json:"status"`
	TxRef       string          `json:"tx_ref,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func newWithdrawalView(r domain.WithdrawalRequest) withdrawalView {
	return withdrawalView{
		ID:          r.ID,
		Chain:       r.Chain,
		Asset:       r.Asset,
		Destination: r.Destination,
		Amount:      r.Amount,
		Tag:         r.Tag,
		Fee:         r.Fee,
		FeeAsset:    r.FeeAsset,
		Status:      r.Status.Public(),
		TxRef:       r.TxRef,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

type balancesResponse struct {
	AccountID string               `json:"account_id"`
	Balances  []domain.BalanceView `json:"balances"`
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Prices.GetPrices(r.Context()))
}

func (s *Server) handleCreateQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.AccountID) == "" {
		s.writeError(w, r, errors.Wrap(domain.ErrValidation, "account_id is required"))
		return
	}
	dir, err := domain.ParseDirection(req.Direction)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	asset, err := domain.ParseAsset(req.Asset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	q, err := s.svc.Quotes.CreateQuote(r.Context(), dir, asset, req.Quantity, req.AccountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

func (s *Server) handleGetQuote(w http.ResponseWriter, r *http.Request) {
	q, err := s.svc.Quotes.GetQuote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			err = errors.Wrap(domain.ErrInvalidQuote, err.Error())
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.QuoteID == "" {
		s.writeError(w, r, errors.Wrap(domain.ErrValidation, "quote_id is required"))
		return
	}

	t, err := s.svc.Desk.ExecuteTrade(r.Context(), chi.URLParam(r, "account"), req.QuoteID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	var assets []domain.Asset
	for _, raw := range r.URL.Query()["asset"] {
		for _, part := range strings.Split(raw, ",") {
			if part == "" {
				continue
			}
			a, err := domain.ParseAsset(part)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			assets = append(assets, a)
		}
	}

	account := chi.URLParam(r, "account")
	views, err := s.svc.Balances.ComputeBalances(r.Context(), account, assets...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balancesResponse{AccountID: account, Balances: views})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	asset, err := domain.ParseAsset(req.Asset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	chain := asset.HomeChain()
	if req.Chain != "" {
		if chain, err = domain.ParseChainID(req.Chain); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	in := domain.WithdrawalInstruction{
		Chain:       chain,
		Asset:       asset,
		Destination: strings.TrimSpace(req.Destination),
		Amount:      req.Amount,
		Tag:         req.Tag,
	}
	wr, err := s.svc.Desk.Withdraw(r.Context(), chi.URLParam(r, "account"), in)
	// an unknown broadcast outcome is still a tracked request
	if err != nil && !errors.Is(err, domain.ErrPostSubmission) {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newWithdrawalView(wr))
}

func (s *Server) handleWithdrawalStatus(w http.ResponseWriter, r *http.Request) {
	wr, err := s.svc.Withdrawals.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newWithdrawalView(wr))
}
