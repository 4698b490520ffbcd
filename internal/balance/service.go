package balance

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"coinview/internal/db"
	"coinview/internal/ledger"
	"coinview/internal/notify"
	"coinview/internal/types"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrSkip rolls the mutation back without treating it as a failure.
	// Apply returns it when a re-check under the lock shows the mutation
	// no longer applies (paused simulator, already-completed deposit).
	ErrSkip = errors.New("mutation skipped")
)

// Account is the row snapshot handed to Apply, read under the exclusive
// row lock. Apply must derive the new balance from this value only.
type Account struct {
	ID             string
	Balance        decimal.Decimal
	PortfolioValue decimal.Decimal
	SimEnabled     bool
	SimPaused      bool
	SimNextRunAt   *time.Time
	SimLastRunAt   *time.Time
	TaxID          string
	Active         bool
}

type TradeDraft struct {
	Type      types.TradeType
	Asset     string
	Qty       decimal.Decimal
	Price     decimal.Decimal
	Simulated bool
}

// Mutation describes one balance change. Every writer in the system goes
// through Service.Mutate with one of these; nothing else updates
// accounts.balance.
type Mutation struct {
	AccountID string

	// Apply computes the new balance from the locked snapshot. It may run
	// further statements on tx (the account lock is already held, so the
	// lock order stays account-first) and may return ErrSkip.
	Apply func(ctx context.Context, tx pgx.Tx, acct Account) (decimal.Decimal, error)

	// Audit, when non-nil, appends one trade record for the change.
	Audit func(before, after decimal.Decimal) *TradeDraft

	// InTx runs after the balance write, before commit. Workflow rows
	// (withdrawals, deposit completion, portfolio allocation) go here so
	// they commit or roll back together with the balance.
	InTx func(ctx context.Context, tx pgx.Tx, before, after decimal.Decimal) error

	// NextRunAt reschedules the per-account simulator in the same
	// statement that writes the balance.
	NextRunAt *time.Time

	// TouchLastRun stamps sim_last_run_at with the balance write so
	// last-run-ordered scans rotate past this account. NextRunAt implies it.
	TouchLastRun bool

	// Event, when set, is published to the account's subscribers after a
	// successful commit.
	Event string
}

type Result struct {
	Before decimal.Decimal
	After  decimal.Decimal
}

type Payload struct {
	Balance  string `json:"balance"`
	Previous string `json:"previous"`
	TS       int64  `json:"ts"`
}

type Service struct {
	pool db.Pool
	bus  *notify.Bus
	log  zerolog.Logger
}

func NewService(pool db.Pool, bus *notify.Bus, log zerolog.Logger) *Service {
	return &Service{pool: pool, bus: bus, log: log.With().Str("component", "balance").Logger()}
}

const lockAccountSQL = "select id, balance, portfolio_value, sim_enabled, sim_paused, sim_next_run_at, sim_last_run_at, coalesce(tax_id, ''), active from accounts where id = $1 for update"

// Mutate applies m under the account's exclusive row lock. Two racing
// mutations on one account serialize on the lock; each sees the other's
// committed balance. Balance and portfolio_value are written by a single
// statement to the same value, so they cannot diverge across a commit.
func (s *Service) Mutate(ctx context.Context, m Mutation) (Result, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback(ctx)

	var acct Account
	err = tx.QueryRow(ctx, lockAccountSQL, m.AccountID).Scan(
		&acct.ID, &acct.Balance, &acct.PortfolioValue, &acct.SimEnabled, &acct.SimPaused,
		&acct.SimNextRunAt, &acct.SimLastRunAt, &acct.TaxID, &acct.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Result{}, ErrAccountNotFound
		}
		return Result{}, err
	}

	next, err := m.Apply(ctx, tx, acct)
	if err != nil {
		return Result{}, err
	}
	if next.IsNegative() {
		return Result{}, ErrInsufficientFunds
	}

	now := time.Now().UTC()
	switch {
	case m.NextRunAt != nil:
		_, err = tx.Exec(ctx,
			"update accounts set balance = $1, portfolio_value = $1, sim_next_run_at = $2, sim_last_run_at = $3, updated_at = $3 where id = $4",
			next, m.NextRunAt.UTC(), now, m.AccountID)
	case m.TouchLastRun:
		_, err = tx.Exec(ctx,
			"update accounts set balance = $1, portfolio_value = $1, sim_last_run_at = $2, updated_at = $2 where id = $3",
			next, now, m.AccountID)
	default:
		_, err = tx.Exec(ctx,
			"update accounts set balance = $1, portfolio_value = $1, updated_at = $2 where id = $3",
			next, now, m.AccountID)
	}
	if err != nil {
		return Result{}, err
	}

	if m.Audit != nil {
		if draft := m.Audit(acct.Balance, next); draft != nil {
			if _, err := ledger.InsertTradeTx(ctx, tx, ledger.Trade{
				AccountID:     m.AccountID,
				Type:          draft.Type,
				Asset:         draft.Asset,
				Qty:           draft.Qty,
				Price:         draft.Price,
				BalanceBefore: acct.Balance,
				BalanceAfter:  next,
				Simulated:     draft.Simulated,
			}); err != nil {
				return Result{}, err
			}
		}
	}

	// Accounts without a tax identifier on file get a synthetic loss
	// record for every decreasing mutation, no matter the caller.
	if next.LessThan(acct.Balance) && acct.TaxID == "" {
		if _, err := ledger.InsertTradeTx(ctx, tx, ledger.Trade{
			AccountID:     m.AccountID,
			Type:          types.TradeTypeLoss,
			Asset:         "USD",
			Qty:           acct.Balance.Sub(next),
			Price:         decimal.NewFromInt(1),
			BalanceBefore: acct.Balance,
			BalanceAfter:  next,
			Simulated:     true,
		}); err != nil {
			return Result{}, err
		}
	}

	if m.InTx != nil {
		if err := m.InTx(ctx, tx, acct.Balance, next); err != nil {
			return Result{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, err
	}

	res := Result{Before: acct.Balance, After: next}
	s.log.Debug().Str("account_id", m.AccountID).
		Str("before", res.Before.String()).Str("after", res.After.String()).
		Str("event", m.Event).Msg("balance committed")
	if m.Event != "" && s.bus != nil {
		s.bus.Publish(m.AccountID, notify.Event{Type: m.Event, Data: Payload{
			Balance:  res.After.String(),
			Previous: res.Before.String(),
			TS:       time.Now().UnixMilli(),
		}})
	}
	return res, nil
}

// Snapshot reads the account without taking the lock.
func (s *Service) Snapshot(ctx context.Context, accountID string) (Account, error) {
	var acct Account
	err := s.pool.QueryRow(ctx,
		"select id, balance, portfolio_value, sim_enabled, sim_paused, sim_next_run_at, sim_last_run_at, coalesce(tax_id, ''), active from accounts where id = $1",
		accountID).Scan(
		&acct.ID, &acct.Balance, &acct.PortfolioValue, &acct.SimEnabled, &acct.SimPaused,
		&acct.SimNextRunAt, &acct.SimLastRunAt, &acct.TaxID, &acct.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	return acct, nil
}
