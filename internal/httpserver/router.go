package httpserver

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"coinview/internal/accounts"
	"coinview/internal/admin"
	"coinview/internal/auth"
	"coinview/internal/deposits"
	"coinview/internal/health"
	"coinview/internal/httputil"
	"coinview/internal/withdrawals"
)

type RouterDeps struct {
	AuthHandler        *auth.Handler
	AccountsHandler    *accounts.Handler
	WithdrawalsHandler *withdrawals.Handler
	DepositsHandler    *deposits.Handler
	AdminHandler       *admin.Handler
	HealthHandler      *health.Handler
	AuthService        *auth.Service
	AccountsService    *accounts.Service
	WSHandler          http.Handler
}

type accountHandlerFunc func(http.ResponseWriter, *http.Request, string)

// withAccountID adapts the (w, r, accountID) handler signature.
func withAccountID(fn accountHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := AccountID(r)
		if !ok {
			httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "unauthorized"})
			return
		}
		fn(w, r, accountID)
	}
}

func NewRouter(ctx context.Context, d RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)
	r.Use(RateLimit(ctx))

	r.Get("/health", d.HealthHandler.Get)
	r.Handle("/ws", d.WSHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", d.AuthHandler.Register)
			r.Post("/login", d.AuthHandler.Login)
		})

		r.Group(func(r chi.Router) {
			r.Use(WithAccount(d.AuthService, d.AccountsService))

			r.Route("/account", func(r chi.Router) {
				r.Get("/", withAccountID(d.AccountsHandler.Get))
				r.Get("/trades", withAccountID(d.AccountsHandler.Trades))
				r.Get("/transactions", withAccountID(d.AccountsHandler.Transactions))
			})

			r.Route("/withdrawals", func(r chi.Router) {
				r.Post("/", withAccountID(d.WithdrawalsHandler.Create))
				r.Get("/", withAccountID(d.WithdrawalsHandler.List))
				r.Get("/{id}", withAccountID(d.WithdrawalsHandler.Get))
				r.Post("/{id}/fee", withAccountID(d.WithdrawalsHandler.SubmitFee))
				r.Delete("/{id}", withAccountID(d.WithdrawalsHandler.Delete))
			})

			r.Post("/deposits", withAccountID(d.DepositsHandler.Create))
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/login", d.AdminHandler.Login)
			r.Group(func(r chi.Router) {
				r.Use(d.AdminHandler.WithAuth)
				r.Post("/accounts/{id}/balance", d.AdminHandler.SetBalance)
				r.Post("/accounts/{id}/credit", d.AdminHandler.Credit)
				r.Post("/accounts/{id}/sim", d.AdminHandler.Sim)
				r.Post("/accounts/{id}/sim/run", d.AdminHandler.RunSim)
				r.Post("/accounts/{id}/tax-id", d.AdminHandler.SetTaxID)
				r.Delete("/accounts/{id}", d.AdminHandler.DisableAccount)
				r.Delete("/accounts/{id}/trades", d.AdminHandler.PurgeTrades)
				r.Get("/deposits", d.AdminHandler.PendingDeposits)
				r.Post("/deposits/{id}/approve", d.AdminHandler.ApproveDeposit)
				r.Post("/deposits/{id}/reject", d.AdminHandler.RejectDeposit)
				r.Get("/withdrawals", d.AdminHandler.PendingWithdrawals)
				r.Post("/withdrawals/{id}/confirm-fee", d.AdminHandler.ConfirmWithdrawalFee)
				r.Post("/withdrawals/{id}/approve", d.AdminHandler.ApproveWithdrawal)
				r.Post("/withdrawals/{id}/fail", d.AdminHandler.FailWithdrawal)
			})
		})
	})
	return r
}
