package withdrawals

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinview/internal/balance"
	"coinview/internal/notify"
	"coinview/internal/types"
)

type decEq string

func (d decEq) Match(v any) bool {
	dv, ok := v.(decimal.Decimal)
	if !ok {
		return false
	}
	want, err := decimal.NewFromString(string(d))
	if err != nil {
		return false
	}
	return dv.Equal(want)
}

func newService(t *testing.T) (*Service, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	balances := balance.NewService(mock, notify.NewBus(), zerolog.Nop())
	feeRate := decimal.NewFromFloat(0.30)
	return NewService(mock, balances, feeRate, zerolog.Nop()), mock
}

func accountRow(bal string, taxID string) *pgxmock.Rows {
	b, _ := decimal.NewFromString(bal)
	return pgxmock.NewRows([]string{"id", "balance", "portfolio_value", "sim_enabled", "sim_paused", "sim_next_run_at", "sim_last_run_at", "tax_id", "active"}).
		AddRow("acct-1", b, b, true, false, (*time.Time)(nil), (*time.Time)(nil), taxID, true)
}

func TestQuote(t *testing.T) {
	svc, _ := newService(t)
	fee, total := svc.Quote(decimal.NewFromInt(100))
	assert.True(t, fee.Equal(decimal.NewFromInt(30)), "fee %s", fee)
	assert.True(t, total.Equal(decimal.NewFromInt(130)), "total %s", total)
}

func TestCreateDeductsAmountPlusFeeImmediately(t *testing.T) {
	svc, mock := newService(t)

	mock.ExpectBegin()
	mock.ExpectQuery("from accounts where id = .* for update").
		WithArgs("acct-1").
		WillReturnRows(accountRow("200", "TAX-1"))
	mock.ExpectExec("update accounts set balance").
		WithArgs(decEq("70"), pgxmock.AnyArg(), "acct-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("insert into withdrawals").
		WithArgs("acct-1", decEq("100"), decEq("30"), "required", "pending", "addr-1", decEq("200"), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("wd-1"))
	mock.ExpectQuery("insert into transactions").
		WithArgs("acct-1", "withdrawal", decEq("130"), "pending", "withdrawal:wd-1", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("tx-1"))
	mock.ExpectCommit()

	wd, err := svc.Create(context.Background(), "acct-1", decimal.NewFromInt(100), "addr-1")
	require.NoError(t, err)
	assert.Equal(t, "wd-1", wd.ID)
	assert.True(t, wd.Fee.Equal(decimal.NewFromInt(30)))
	assert.True(t, wd.BalanceBefore.Equal(decimal.NewFromInt(200)))
	assert.Equal(t, types.WithdrawalStatusPending, wd.Status)
	assert.Equal(t, types.FeeStatusRequired, wd.FeeStatus)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRejectsInsufficientBalance(t *testing.T) {
	svc, mock := newService(t)

	// 400 at 30% needs 520; only 500 available
	mock.ExpectBegin()
	mock.ExpectQuery("from accounts where id = .* for update").
		WithArgs("acct-1").
		WillReturnRows(accountRow("500", "TAX-1"))
	mock.ExpectRollback()

	_, err := svc.Create(context.Background(), "acct-1", decimal.NewFromInt(400), "addr-1")
	assert.ErrorIs(t, err, balance.ErrInsufficientFunds)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRejectsNonPositiveAmount(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Create(context.Background(), "acct-1", decimal.Zero, "addr-1")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestFailRefundsAmountPlusFee(t *testing.T) {
	svc, mock := newService(t)

	mock.ExpectQuery("from withdrawals where id = ..$").
		WithArgs("wd-1").
		WillReturnRows(withdrawalRow("wd-1", "pending"))
	mock.ExpectBegin()
	mock.ExpectQuery("from accounts where id = .* for update").
		WithArgs("acct-1").
		WillReturnRows(accountRow("70", "TAX-1"))
	mock.ExpectQuery("select status, amount, fee from withdrawals where id = .* for update").
		WithArgs("wd-1").
		WillReturnRows(pgxmock.NewRows([]string{"status", "amount", "fee"}).
			AddRow("pending", decimal.NewFromInt(100), decimal.NewFromInt(30)))
	mock.ExpectExec("update accounts set balance").
		WithArgs(decEq("200"), pgxmock.AnyArg(), "acct-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("update withdrawals set status = 'failed'").
		WithArgs(pgxmock.AnyArg(), "wd-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("update transactions set status").
		WithArgs("failed", pgxmock.AnyArg(), "withdrawal:wd-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, svc.Fail(context.Background(), "wd-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailCompletedWithdrawalIsRejected(t *testing.T) {
	svc, mock := newService(t)

	mock.ExpectQuery("from withdrawals where id = ..$").
		WithArgs("wd-1").
		WillReturnRows(withdrawalRow("wd-1", "completed"))
	mock.ExpectBegin()
	mock.ExpectQuery("from accounts where id = .* for update").
		WithArgs("acct-1").
		WillReturnRows(accountRow("70", "TAX-1"))
	mock.ExpectQuery("select status, amount, fee from withdrawals where id = .* for update").
		WithArgs("wd-1").
		WillReturnRows(pgxmock.NewRows([]string{"status", "amount", "fee"}).
			AddRow("completed", decimal.NewFromInt(100), decimal.NewFromInt(30)))
	mock.ExpectRollback()

	err := svc.Fail(context.Background(), "wd-1")
	assert.ErrorIs(t, err, ErrInvalidState)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApproveCompletedWithdrawalIsNoOp(t *testing.T) {
	svc, mock := newService(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select status from withdrawals where id = .* for update").
		WithArgs("wd-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("completed"))
	mock.ExpectRollback()

	require.NoError(t, svc.Approve(context.Background(), "wd-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApprovePendingWithdrawalIsRejected(t *testing.T) {
	svc, mock := newService(t)

	// fee not confirmed yet, so the request never reached processing
	mock.ExpectBegin()
	mock.ExpectQuery("select status from withdrawals where id = .* for update").
		WithArgs("wd-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("pending"))
	mock.ExpectRollback()

	err := svc.Approve(context.Background(), "wd-1")
	assert.ErrorIs(t, err, ErrInvalidState)
	require.NoError(t, mock.ExpectationsWereMet())
}

func withdrawalRow(id, status string) *pgxmock.Rows {
	now := time.Now().UTC()
	return pgxmock.NewRows([]string{"id", "account_id", "amount", "fee", "fee_status", "status", "address", "balance_before", "created_at", "updated_at"}).
		AddRow(id, "acct-1", decimal.NewFromInt(100), decimal.NewFromInt(30), "required", status, "addr-1", decimal.NewFromInt(200), now, now)
}
