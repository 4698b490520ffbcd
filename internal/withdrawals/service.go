package withdrawals

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
	"coinview/internal/types"
)

var (
	ErrNotFound      = errors.New("withdrawal not found")
	ErrInvalidState  = errors.New("withdrawal is not in the required state")
	ErrInvalidAmount = errors.New("invalid amount")
)

type Withdrawal struct {
	ID            string                 `json:"id"`
	AccountID     string                 `json:"account_id"`
	Amount        decimal.Decimal        `json:"amount"`
	Fee           decimal.Decimal        `json:"fee"`
	FeeStatus     types.FeeStatus        `json:"fee_status"`
	Status        types.WithdrawalStatus `json:"status"`
	Address       string                 `json:"address"`
	BalanceBefore decimal.Decimal        `json:"balance_before"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// Service drives the request/fee/approval lifecycle. Funds move exactly
// twice: amount+fee out at creation, amount+fee back on failure or
// deletion of a non-completed request. Approval moves nothing.
type Service struct {
	pool     db.Pool
	balances *balance.Service
	feeRate  decimal.Decimal
	log      zerolog.Logger
}

func NewService(pool db.Pool, balances *balance.Service, feeRate decimal.Decimal, log zerolog.Logger) *Service {
	return &Service{pool: pool, balances: balances, feeRate: feeRate, log: log.With().Str("component", "withdrawals").Logger()}
}

// Quote returns the fee and the total debit for a requested amount.
func (s *Service) Quote(amount decimal.Decimal) (fee, total decimal.Decimal) {
	fee = amount.Mul(s.feeRate).Round(8)
	return fee, amount.Add(fee)
}

// Create validates the request and deducts amount+fee immediately under
// the account lock. The withdrawal row commits in the same transaction as
// the debit, with the pre-deduction balance as its audit snapshot.
func (s *Service) Create(ctx context.Context, accountID string, amount decimal.Decimal, address string) (Withdrawal, error) {
	if !amount.IsPositive() {
		return Withdrawal{}, ErrInvalidAmount
	}
	if address == "" {
		return Withdrawal{}, errors.New("destination address required")
	}
	fee, total := s.Quote(amount)
	wd := Withdrawal{
		AccountID: accountID,
		Amount:    amount,
		Fee:       fee,
		FeeStatus: types.FeeStatusRequired,
		Status:    types.WithdrawalStatusPending,
		Address:   address,
	}
	_, err := s.balances.Mutate(ctx, balance.Mutation{
		AccountID: accountID,
		Apply: func(ctx context.Context, tx pgx.Tx, acct balance.Account) (decimal.Decimal, error) {
			if acct.Balance.LessThan(total) {
				return decimal.Zero, balance.ErrInsufficientFunds
			}
			wd.BalanceBefore = acct.Balance
			return acct.Balance.Sub(total), nil
		},
		InTx: func(ctx context.Context, tx pgx.Tx, before, after decimal.Decimal) error {
			now := time.Now().UTC()
			if err := tx.QueryRow(ctx,
				"insert into withdrawals (account_id, amount, fee, fee_status, status, address, balance_before, created_at, updated_at) values ($1, $2, $3, $4, $5, $6, $7, $8, $8) returning id",
				accountID, amount, fee, string(wd.FeeStatus), string(wd.Status), address, before, now).Scan(&wd.ID); err != nil {
				return err
			}
			wd.CreatedAt, wd.UpdatedAt = now, now
			_, err := ledger.InsertTransactionTx(ctx, tx, accountID, types.TransactionTypeWithdrawal, total, types.TransactionStatusPending, "withdrawal:"+wd.ID)
			return err
		},
		Event: "withdrawal.created",
	})
	if err != nil {
		return Withdrawal{}, err
	}
	return wd, nil
}

// SubmitFee is the user's fee acknowledgement: required -> submitted.
func (s *Service) SubmitFee(ctx context.Context, accountID, id string) error {
	tag, err := s.pool.Exec(ctx,
		"update withdrawals set fee_status = 'submitted', updated_at = $1 where id = $2 and account_id = $3 and fee_status = 'required' and status = 'pending'",
		time.Now().UTC(), id, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

// ConfirmFee is the admin side: submitted -> confirmed, request moves to
// processing.
func (s *Service) ConfirmFee(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		"update withdrawals set fee_status = 'confirmed', status = 'processing', updated_at = $1 where id = $2 and fee_status = 'submitted' and status = 'pending'",
		time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

// Approve finalizes a processing request. The funds already left the
// balance at creation, so no mutation happens here.
func (s *Service) Approve(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	var status string
	err = tx.QueryRow(ctx, "select status from withdrawals where id = $1 for update", id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if types.WithdrawalStatus(status) == types.WithdrawalStatusCompleted {
		return nil
	}
	if types.WithdrawalStatus(status) != types.WithdrawalStatusProcessing {
		return ErrInvalidState
	}
	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, "update withdrawals set status = 'completed', updated_at = $1 where id = $2", now, id); err != nil {
		return err
	}
	if err := ledger.SetTransactionStatusByRefTx(ctx, tx, "withdrawal:"+id, types.TransactionStatusCompleted); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Fail refunds amount+fee and marks the request failed. Status is
// re-checked under the account lock, so a racing approval cannot be
// refunded.
func (s *Service) Fail(ctx context.Context, id string) error {
	wd, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.balances.Mutate(ctx, balance.Mutation{
		AccountID: wd.AccountID,
		Apply: func(ctx context.Context, tx pgx.Tx, acct balance.Account) (decimal.Decimal, error) {
			var status string
			var amount, fee decimal.Decimal
			err := tx.QueryRow(ctx, "select status, amount, fee from withdrawals where id = $1 for update", id).Scan(&status, &amount, &fee)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return decimal.Zero, ErrNotFound
				}
				return decimal.Zero, err
			}
			switch types.WithdrawalStatus(status) {
			case types.WithdrawalStatusCompleted, types.WithdrawalStatusFailed:
				return decimal.Zero, balance.ErrSkip
			}
			return acct.Balance.Add(amount).Add(fee), nil
		},
		InTx: func(ctx context.Context, tx pgx.Tx, before, after decimal.Decimal) error {
			if _, err := tx.Exec(ctx, "update withdrawals set status = 'failed', updated_at = $1 where id = $2", time.Now().UTC(), id); err != nil {
				return err
			}
			return ledger.SetTransactionStatusByRefTx(ctx, tx, "withdrawal:"+id, types.TransactionStatusFailed)
		},
		Event: "withdrawal.failed",
	})
	if errors.Is(err, balance.ErrSkip) {
		return ErrInvalidState
	}
	return err
}

// Delete removes the request, refunding amount+fee unless it already
// completed.
func (s *Service) Delete(ctx context.Context, accountID, id string) error {
	_, err := s.balances.Mutate(ctx, balance.Mutation{
		AccountID: accountID,
		Apply: func(ctx context.Context, tx pgx.Tx, acct balance.Account) (decimal.Decimal, error) {
			var status string
			var amount, fee decimal.Decimal
			err := tx.QueryRow(ctx, "select status, amount, fee from withdrawals where id = $1 and account_id = $2 for update", id, accountID).Scan(&status, &amount, &fee)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return decimal.Zero, ErrNotFound
				}
				return decimal.Zero, err
			}
			if types.WithdrawalStatus(status) == types.WithdrawalStatusCompleted {
				return acct.Balance, nil
			}
			return acct.Balance.Add(amount).Add(fee), nil
		},
		InTx: func(ctx context.Context, tx pgx.Tx, before, after decimal.Decimal) error {
			if _, err := tx.Exec(ctx, "delete from withdrawals where id = $1 and account_id = $2", id, accountID); err != nil {
				return err
			}
			if after.GreaterThan(before) {
				return ledger.SetTransactionStatusByRefTx(ctx, tx, "withdrawal:"+id, types.TransactionStatusFailed)
			}
			return nil
		},
		Event: "withdrawal.deleted",
	})
	return err
}

func (s *Service) get(ctx context.Context, id string) (Withdrawal, error) {
	var wd Withdrawal
	var feeStatus, status string
	err := s.pool.QueryRow(ctx,
		"select id, account_id, amount, fee, fee_status, status, address, balance_before, created_at, updated_at from withdrawals where id = $1",
		id).Scan(&wd.ID, &wd.AccountID, &wd.Amount, &wd.Fee, &feeStatus, &status, &wd.Address, &wd.BalanceBefore, &wd.CreatedAt, &wd.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Withdrawal{}, ErrNotFound
		}
		return Withdrawal{}, err
	}
	wd.FeeStatus = types.FeeStatus(feeStatus)
	wd.Status = types.WithdrawalStatus(status)
	return wd, nil
}

// Get returns one withdrawal scoped to its owner.
func (s *Service) Get(ctx context.Context, accountID, id string) (Withdrawal, error) {
	wd, err := s.get(ctx, id)
	if err != nil {
		return Withdrawal{}, err
	}
	if wd.AccountID != accountID {
		return Withdrawal{}, ErrNotFound
	}
	return wd, nil
}

func (s *Service) List(ctx context.Context, accountID string, limit int) ([]Withdrawal, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		"select id, account_id, amount, fee, fee_status, status, address, balance_before, created_at, updated_at from withdrawals where account_id = $1 order by created_at desc limit $2",
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Withdrawal
	for rows.Next() {
		var wd Withdrawal
		var feeStatus, status string
		if err := rows.Scan(&wd.ID, &wd.AccountID, &wd.Amount, &wd.Fee, &feeStatus, &status, &wd.Address, &wd.BalanceBefore, &wd.CreatedAt, &wd.UpdatedAt); err != nil {
			return nil, err
		}
		wd.FeeStatus = types.FeeStatus(feeStatus)
		wd.Status = types.WithdrawalStatus(status)
		out = append(out, wd)
	}
	return out, rows.Err()
}

// ListPending returns requests awaiting admin action.
func (s *Service) ListPending(ctx context.Context, limit int) ([]Withdrawal, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		"select id, account_id, amount, fee, fee_status, status, address, balance_before, created_at, updated_at from withdrawals where status in ('pending', 'processing') order by created_at asc limit $1",
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Withdrawal
	for rows.Next() {
		var wd Withdrawal
		var feeStatus, status string
		if err := rows.Scan(&wd.ID, &wd.AccountID, &wd.Amount, &wd.Fee, &feeStatus, &status, &wd.Address, &wd.BalanceBefore, &wd.CreatedAt, &wd.UpdatedAt); err != nil {
			return nil, err
		}
		wd.FeeStatus = types.FeeStatus(feeStatus)
		wd.Status = types.WithdrawalStatus(status)
		out = append(out, wd)
	}
	return out, rows.Err()
}
