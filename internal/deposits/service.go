package deposits

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"coinview/internal/balance"
	"coinview/internal/db"
	"coinview/internal/ledger"
	"coinview/internal/portfolio"
	"coinview/internal/types"
)

var (
	ErrNotFound     = errors.New("deposit not found")
	ErrInvalidState = errors.New("deposit is not pending")
)

// Service owns the deposit request lifecycle. Creation never moves money;
// admin approval is the only crediting path.
type Service struct {
	pool        db.Pool
	balances    *balance.Service
	alloc       *portfolio.Allocator
	simInterval time.Duration
	log         zerolog.Logger
}

func NewService(pool db.Pool, balances *balance.Service, alloc *portfolio.Allocator, simInterval time.Duration, log zerolog.Logger) *Service {
	return &Service{
		pool:        pool,
		balances:    balances,
		alloc:       alloc,
		simInterval: simInterval,
		log:         log.With().Str("component", "deposits").Logger(),
	}
}

// Create records a pending deposit request with zero balance effect.
func (s *Service) Create(ctx context.Context, accountID string, amount decimal.Decimal) (ledger.Transaction, error) {
	if !amount.IsPositive() {
		return ledger.Transaction{}, errors.New("invalid amount")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ledger.Transaction{}, err
	}
	defer tx.Rollback(ctx)
	id, err := ledger.InsertTransactionTx(ctx, tx, accountID, types.TransactionTypeDeposit, amount, types.TransactionStatusPending, "")
	if err != nil {
		return ledger.Transaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ledger.Transaction{}, err
	}
	now := time.Now().UTC()
	return ledger.Transaction{
		ID:        id,
		AccountID: accountID,
		Type:      types.TransactionTypeDeposit,
		Amount:    amount,
		Status:    types.TransactionStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Approve credits the deposit under the account lock. The transaction row
// is re-read FOR UPDATE after the account lock, so a duplicate approval
// finds it already completed and becomes a no-op. The first completed
// deposit for an account also switches the simulator on and allocates the
// initial portfolio, still inside the same transaction.
func (s *Service) Approve(ctx context.Context, depositID string) error {
	var accountID string
	err := s.pool.QueryRow(ctx,
		"select account_id from transactions where id = $1 and tx_type = 'deposit'", depositID).Scan(&accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	_, err = s.balances.Mutate(ctx, balance.Mutation{
		AccountID: accountID,
		Apply: func(ctx context.Context, tx pgx.Tx, acct balance.Account) (decimal.Decimal, error) {
			var status string
			var amount decimal.Decimal
			err := tx.QueryRow(ctx,
				"select status, amount from transactions where id = $1 for update", depositID).Scan(&status, &amount)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return decimal.Zero, ErrNotFound
				}
				return decimal.Zero, err
			}
			switch types.TransactionStatus(status) {
			case types.TransactionStatusCompleted:
				return decimal.Zero, balance.ErrSkip
			case types.TransactionStatusFailed:
				return decimal.Zero, ErrInvalidState
			}
			return acct.Balance.Add(amount), nil
		},
		InTx: func(ctx context.Context, tx pgx.Tx, before, after decimal.Decimal) error {
			now := time.Now().UTC()
			if _, err := tx.Exec(ctx,
				"update transactions set status = 'completed', updated_at = $1 where id = $2", now, depositID); err != nil {
				return err
			}
			var completed int
			if err := tx.QueryRow(ctx,
				"select count(*) from transactions where account_id = $1 and tx_type = 'deposit' and status = 'completed'",
				accountID).Scan(&completed); err != nil {
				return err
			}
			if completed == 1 {
				// first completed deposit: switch the simulator on
				nextRun := now.Add(s.simInterval)
				if _, err := tx.Exec(ctx,
					"update accounts set sim_enabled = true, sim_paused = false, sim_next_run_at = $1, updated_at = $2 where id = $3",
					nextRun, now, accountID); err != nil {
					return err
				}
			}
			return s.alloc.AllocateInTx(ctx, tx, accountID, after)
		},
		Event: "deposit.completed",
	})
	if errors.Is(err, balance.ErrSkip) {
		return nil
	}
	return err
}

// Reject fails a pending request; no balance was ever credited.
func (s *Service) Reject(ctx context.Context, depositID string) error {
	tag, err := s.pool.Exec(ctx,
		"update transactions set status = 'failed', updated_at = $1 where id = $2 and tx_type = 'deposit' and status = 'pending'",
		time.Now().UTC(), depositID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

// ListPending returns deposit requests awaiting review.
func (s *Service) ListPending(ctx context.Context, limit int) ([]ledger.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		"select id, account_id, amount, status, created_at, updated_at from transactions where tx_type = 'deposit' and status = 'pending' order by created_at asc limit $1",
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.Transaction
	for rows.Next() {
		var t ledger.Transaction
		var status string
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Amount, &status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Type = types.TransactionTypeDeposit
		t.Status = types.TransactionStatus(status)
		out = append(out, t)
	}
	return out, rows.Err()
}
