package admin

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"coinview/internal/accounts"
	"coinview/internal/balance"
	"coinview/internal/db"
	"coinview/internal/deposits"
	"coinview/internal/httputil"
	"coinview/internal/ledger"
	"coinview/internal/portfolio"
	"coinview/internal/types"
	"coinview/internal/withdrawals"
)

// Runner lets operational tooling force one simulator tick for an account.
type Runner interface {
	RunFor(ctx context.Context, accountID string) error
}

type Handler struct {
	pool        db.Pool
	jwtSecret   []byte
	balances    *balance.Service
	alloc       *portfolio.Allocator
	ledger      *ledger.Store
	accounts    *accounts.Service
	deposits    *deposits.Service
	withdrawals *withdrawals.Service
	growth      Runner
	ticker      Runner
	simInterval time.Duration
	log         zerolog.Logger
}

type Deps struct {
	Pool        db.Pool
	JWTSecret   string
	Balances    *balance.Service
	Alloc       *portfolio.Allocator
	Ledger      *ledger.Store
	Accounts    *accounts.Service
	Deposits    *deposits.Service
	Withdrawals *withdrawals.Service
	Growth      Runner
	Ticker      Runner
	SimInterval time.Duration
	Log         zerolog.Logger
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		pool:        d.Pool,
		jwtSecret:   []byte(d.JWTSecret),
		balances:    d.Balances,
		alloc:       d.Alloc,
		ledger:      d.Ledger,
		accounts:    d.Accounts,
		deposits:    d.Deposits,
		withdrawals: d.Withdrawals,
		growth:      d.Growth,
		ticker:      d.Ticker,
		simInterval: d.SimInterval,
		log:         d.Log.With().Str("component", "admin").Logger(),
	}
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid request"})
		return
	}
	var id, passwordHash string
	err := h.pool.QueryRow(r.Context(),
		"select id, password_hash from admin_users where username = $1", req.Username).Scan(&id, &passwordHash)
	if err != nil {
		httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "invalid credentials"})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(req.Password)); err != nil {
		httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "invalid credentials"})
		return
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  id,
		"role": "admin",
		"exp":  time.Now().Add(24 * time.Hour).Unix(),
	})
	signed, err := token.SignedString(h.jwtSecret)
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "token signing failed"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"token": signed})
}

// WithAuth gates the admin routes on a token carrying role=admin.
func (h *Handler) WithAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "missing bearer token"})
			return
		}
		token, err := jwt.Parse(parts[1], func(t *jwt.Token) (any, error) {
			if t.Method != jwt.SigningMethodHS256 {
				return nil, errors.New("unexpected signing method")
			}
			return h.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "invalid token"})
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok || claims["role"] != "admin" {
			httputil.WriteJSON(w, http.StatusForbidden, httputil.ErrorResponse{Error: "admin role required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type amountInput struct {
	Amount string `json:"amount"`
}

func parseAmount(r *http.Request) (decimal.Decimal, error) {
	var req amountInput
	if err := httputil.ReadJSON(r, &req); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(strings.TrimSpace(req.Amount))
}

// SetBalance overrides the balance to an absolute value and reallocates
// the portfolio against it.
func (h *Handler) SetBalance(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	target, err := parseAmount(r)
	if err != nil || target.IsNegative() {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid amount"})
		return
	}
	res, err := h.balances.Mutate(r.Context(), balance.Mutation{
		AccountID: accountID,
		Apply: func(ctx context.Context, tx pgx.Tx, acct balance.Account) (decimal.Decimal, error) {
			return target, nil
		},
		InTx: func(ctx context.Context, tx pgx.Tx, before, after decimal.Decimal) error {
			if _, err := ledger.InsertTransactionTx(ctx, tx, accountID, types.TransactionTypeAdjustment, after.Sub(before), types.TransactionStatusCompleted, "admin:set_balance"); err != nil {
				return err
			}
			return h.alloc.AllocateInTx(ctx, tx, accountID, after)
		},
		Event: "balance.adjusted",
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.log.Info().Str("account_id", accountID).Str("balance", res.After.String()).Msg("balance override")
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"balance": res.After.String()})
}

// Credit adds an amount on top of the current balance.
func (h *Handler) Credit(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	amount, err := parseAmount(r)
	if err != nil || !amount.IsPositive() {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid amount"})
		return
	}
	res, err := h.balances.Mutate(r.Context(), balance.Mutation{
		AccountID: accountID,
		Apply: func(ctx context.Context, tx pgx.Tx, acct balance.Account) (decimal.Decimal, error) {
			return acct.Balance.Add(amount), nil
		},
		InTx: func(ctx context.Context, tx pgx.Tx, before, after decimal.Decimal) error {
			if _, err := ledger.InsertTransactionTx(ctx, tx, accountID, types.TransactionTypeCredit, amount, types.TransactionStatusCompleted, "admin:credit"); err != nil {
				return err
			}
			return h.alloc.AllocateInTx(ctx, tx, accountID, after)
		},
		Event: "balance.credited",
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"balance": res.After.String()})
}

type simInput struct {
	Enabled *bool `json:"enabled,omitempty"`
	Paused  *bool `json:"paused,omitempty"`
}

// Sim starts, stops, or pauses the simulators for one account.
func (h *Handler) Sim(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	var req simInput
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	switch {
	case req.Enabled != nil:
		if err := h.accounts.SetSimEnabled(r.Context(), accountID, *req.Enabled, h.simInterval); err != nil {
			h.writeError(w, err)
			return
		}
	case req.Paused != nil:
		if err := h.accounts.SetSimPaused(r.Context(), accountID, *req.Paused); err != nil {
			h.writeError(w, err)
			return
		}
	default:
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "enabled or paused required"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type taxIDInput struct {
	TaxID string `json:"tax_id"`
}

// SetTaxID records or clears the account's tax identifier.
func (h *Handler) SetTaxID(w http.ResponseWriter, r *http.Request) {
	var req taxIDInput
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	if err := h.accounts.SetTaxID(r.Context(), chi.URLParam(r, "id"), strings.TrimSpace(req.TaxID)); err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// DisableAccount soft-disables the account and stops its simulators.
func (h *Handler) DisableAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.accounts.Disable(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

type runInput struct {
	Scheduler string `json:"scheduler"`
}

// RunSim force-runs one scheduler tick for one account.
func (h *Handler) RunSim(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	var req runInput
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	var runner Runner
	switch strings.ToLower(strings.TrimSpace(req.Scheduler)) {
	case "growth":
		runner = h.growth
	case "tick":
		runner = h.ticker
	default:
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "scheduler must be growth or tick"})
		return
	}
	if err := runner.RunFor(r.Context(), accountID); err != nil {
		if errors.Is(err, balance.ErrSkip) {
			httputil.WriteJSON(w, http.StatusConflict, httputil.ErrorResponse{Error: "simulation disabled for account"})
			return
		}
		h.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) PendingDeposits(w http.ResponseWriter, r *http.Request) {
	items, err := h.deposits.ListPending(r.Context(), 0)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) ApproveDeposit(w http.ResponseWriter, r *http.Request) {
	if err := h.deposits.Approve(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (h *Handler) RejectDeposit(w http.ResponseWriter, r *http.Request) {
	if err := h.deposits.Reject(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "failed"})
}

func (h *Handler) PendingWithdrawals(w http.ResponseWriter, r *http.Request) {
	items, err := h.withdrawals.ListPending(r.Context(), 0)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) ConfirmWithdrawalFee(w http.ResponseWriter, r *http.Request) {
	if err := h.withdrawals.ConfirmFee(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "processing"})
}

func (h *Handler) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	if err := h.withdrawals.Approve(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (h *Handler) FailWithdrawal(w http.ResponseWriter, r *http.Request) {
	if err := h.withdrawals.Fail(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "failed"})
}

func (h *Handler) PurgeTrades(w http.ResponseWriter, r *http.Request) {
	n, err := h.ledger.PurgeSimulatedTrades(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"purged": n})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, balance.ErrAccountNotFound),
		errors.Is(err, accounts.ErrNotFound),
		errors.Is(err, deposits.ErrNotFound),
		errors.Is(err, withdrawals.ErrNotFound):
		httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: err.Error()})
	case errors.Is(err, deposits.ErrInvalidState), errors.Is(err, withdrawals.ErrInvalidState):
		httputil.WriteJSON(w, http.StatusConflict, httputil.ErrorResponse{Error: err.Error()})
	case errors.Is(err, balance.ErrInsufficientFunds):
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "insufficient funds"})
	default:
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: err.Error()})
	}
}
