package accounts

import (
	"errors"
	"net/http"
	"strconv"

	"coinview/internal/balance"
	"coinview/internal/httputil"
	"coinview/internal/ledger"
	"coinview/internal/portfolio"
)

type Handler struct {
	balances *balance.Service
	alloc    *portfolio.Allocator
	ledger   *ledger.Store
}

func NewHandler(balances *balance.Service, alloc *portfolio.Allocator, ledgerStore *ledger.Store) *Handler {
	return &Handler{balances: balances, alloc: alloc, ledger: ledgerStore}
}

type accountResponse struct {
	AccountID      string             `json:"account_id"`
	Balance        string             `json:"balance"`
	PortfolioValue string             `json:"portfolio_value"`
	SimEnabled     bool               `json:"sim_enabled"`
	SimPaused      bool               `json:"sim_paused"`
	Holdings       portfolio.Holdings `json:"holdings"`
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request, accountID string) {
	acct, err := h.balances.Snapshot(r.Context(), accountID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, balance.ErrAccountNotFound) {
			status = http.StatusNotFound
		}
		httputil.WriteJSON(w, status, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	holdings, err := h.alloc.Holdings(r.Context(), accountID)
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, accountResponse{
		AccountID:      acct.ID,
		Balance:        acct.Balance.StringFixed(2),
		PortfolioValue: acct.PortfolioValue.StringFixed(2),
		SimEnabled:     acct.SimEnabled,
		SimPaused:      acct.SimPaused,
		Holdings:       holdings,
	})
}

func (h *Handler) Trades(w http.ResponseWriter, r *http.Request, accountID string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := h.ledger.Trades(r.Context(), accountID, limit)
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request, accountID string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := h.ledger.Transactions(r.Context(), accountID, limit)
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}
