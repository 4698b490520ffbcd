package balance

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinview/internal/notify"
)

// decEq matches a decimal argument by numeric value, not representation.
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

func accountRow(balance int64, taxID string) *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "balance", "portfolio_value", "sim_enabled", "sim_paused", "sim_next_run_at", "sim_last_run_at", "tax_id", "active"}).
		AddRow("acct-1", decimal.NewFromInt(balance), decimal.NewFromInt(balance), true, false, (*time.Time)(nil), (*time.Time)(nil), taxID, true)
}

func newService(t *testing.T) (*Service, pgxmock.PgxPoolIface, *notify.Bus) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	bus := notify.NewBus()
	return NewService(mock, bus, zerolog.Nop()), mock, bus
}

func TestMutateWritesBalanceAndPortfolioValueTogether(t *testing.T) {
	svc, mock, bus := newService(t)
	sub := bus.Subscribe("acct-1")

	mock.ExpectBegin()
	mock.ExpectQuery("select id, balance, portfolio_value,.* from accounts where id = .* for update").
		WithArgs("acct-1").
		WillReturnRows(accountRow(1000, "TAX-1"))
	mock.ExpectExec("update accounts set balance = .., portfolio_value = ..,").
		WithArgs(decEq("1100"), pgxmock.AnyArg(), "acct-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	res, err := svc.Mutate(context.Background(), Mutation{
		AccountID: "acct-1",
		Apply: func(ctx context.Context, tx pgx.Tx, acct Account) (decimal.Decimal, error) {
			return acct.Balance.Add(decimal.NewFromInt(100)), nil
		},
		Event: "balance.credited",
	})
	require.NoError(t, err)
	assert.True(t, res.Before.Equal(decimal.NewFromInt(1000)))
	assert.True(t, res.After.Equal(decimal.NewFromInt(1100)))
	require.NoError(t, mock.ExpectationsWereMet())

	select {
	case evt := <-sub:
		assert.Equal(t, "balance.credited", evt.Type)
		payload, ok := evt.Data.(Payload)
		require.True(t, ok)
		assert.Equal(t, "1100", payload.Balance)
	default:
		t.Fatal("no event published after commit")
	}
}

func TestMutateDecreaseWithoutTaxIDAppendsLossRecord(t *testing.T) {
	svc, mock, _ := newService(t)

	mock.ExpectBegin()
	mock.ExpectQuery("from accounts where id = .* for update").
		WithArgs("acct-1").
		WillReturnRows(accountRow(1000, ""))
	mock.ExpectExec("update accounts set balance").
		WithArgs(decEq("900"), pgxmock.AnyArg(), "acct-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("insert into trades").
		WithArgs("acct-1", "loss", "USD", decEq("100"), decEq("1"), decEq("1000"), decEq("900"), true, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("trade-1"))
	mock.ExpectCommit()

	_, err := svc.Mutate(context.Background(), Mutation{
		AccountID: "acct-1",
		Apply: func(ctx context.Context, tx pgx.Tx, acct Account) (decimal.Decimal, error) {
			return acct.Balance.Sub(decimal.NewFromInt(100)), nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMutateDecreaseWithTaxIDProducesNoLossRecord(t *testing.T) {
	svc, mock, _ := newService(t)

	mock.ExpectBegin()
	mock.ExpectQuery("from accounts where id = .* for update").
		WithArgs("acct-1").
		WillReturnRows(accountRow(1000, "TAX-1"))
	mock.ExpectExec("update accounts set balance").
		WithArgs(decEq("900"), pgxmock.AnyArg(), "acct-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	_, err := svc.Mutate(context.Background(), Mutation{
		AccountID: "acct-1",
		Apply: func(ctx context.Context, tx pgx.Tx, acct Account) (decimal.Decimal, error) {
			return acct.Balance.Sub(decimal.NewFromInt(100)), nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMutateRollsBackOnApplyError(t *testing.T) {
	svc, mock, bus := newService(t)
	sub := bus.Subscribe("acct-1")
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectQuery("from accounts where id = .* for update").
		WithArgs("acct-1").
		WillReturnRows(accountRow(1000, "TAX-1"))
	mock.ExpectRollback()

	_, err := svc.Mutate(context.Background(), Mutation{
		AccountID: "acct-1",
		Apply: func(ctx context.Context, tx pgx.Tx, acct Account) (decimal.Decimal, error) {
			return decimal.Zero, boom
		},
		Event: "never",
	})
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())

	select {
	case <-sub:
		t.Fatal("no event may be published for a rolled-back mutation")
	default:
	}
}

func TestMutateSkip(t *testing.T) {
	svc, mock, _ := newService(t)

	mock.ExpectBegin()
	mock.ExpectQuery("from accounts where id = .* for update").
		WithArgs("acct-1").
		WillReturnRows(accountRow(1000, "TAX-1"))
	mock.ExpectRollback()

	_, err := svc.Mutate(context.Background(), Mutation{
		AccountID: "acct-1",
		Apply: func(ctx context.Context, tx pgx.Tx, acct Account) (decimal.Decimal, error) {
			return decimal.Zero, ErrSkip
		},
	})
	assert.ErrorIs(t, err, ErrSkip)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMutateUnknownAccount(t *testing.T) {
	svc, mock, _ := newService(t)

	mock.ExpectBegin()
	mock.ExpectQuery("from accounts where id = .* for update").
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := svc.Mutate(context.Background(), Mutation{
		AccountID: "nope",
		Apply: func(ctx context.Context, tx pgx.Tx, acct Account) (decimal.Decimal, error) {
			return decimal.Zero, nil
		},
	})
	assert.ErrorIs(t, err, ErrAccountNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMutateNegativeResultIsRejected(t *testing.T) {
	svc, mock, _ := newService(t)

	mock.ExpectBegin()
	mock.ExpectQuery("from accounts where id = .* for update").
		WithArgs("acct-1").
		WillReturnRows(accountRow(10, "TAX-1"))
	mock.ExpectRollback()

	_, err := svc.Mutate(context.Background(), Mutation{
		AccountID: "acct-1",
		Apply: func(ctx context.Context, tx pgx.Tx, acct Account) (decimal.Decimal, error) {
			return acct.Balance.Sub(decimal.NewFromInt(100)), nil
		},
	})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMutateTouchStampsLastRunInSameStatement(t *testing.T) {
	svc, mock, _ := newService(t)

	mock.ExpectBegin()
	mock.ExpectQuery("from accounts where id = .* for update").
		WithArgs("acct-1").
		WillReturnRows(accountRow(1000, "TAX-1"))
	mock.ExpectExec("update accounts set balance = .., portfolio_value = .., sim_last_run_at").
		WithArgs(decEq("1010"), pgxmock.AnyArg(), "acct-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	_, err := svc.Mutate(context.Background(), Mutation{
		AccountID: "acct-1",
		Apply: func(ctx context.Context, tx pgx.Tx, acct Account) (decimal.Decimal, error) {
			return acct.Balance.Add(decimal.NewFromInt(10)), nil
		},
		TouchLastRun: true,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMutateReschedulesInSameStatement(t *testing.T) {
	svc, mock, _ := newService(t)
	next := time.Now().UTC().Add(4 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("from accounts where id = .* for update").
		WithArgs("acct-1").
		WillReturnRows(accountRow(1000, "TAX-1"))
	mock.ExpectExec("update accounts set balance = .., portfolio_value = .., sim_next_run_at").
		WithArgs(decEq("1012.5"), next, pgxmock.AnyArg(), "acct-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	_, err := svc.Mutate(context.Background(), Mutation{
		AccountID: "acct-1",
		Apply: func(ctx context.Context, tx pgx.Tx, acct Account) (decimal.Decimal, error) {
			return acct.Balance.Mul(decimal.NewFromFloat(1.0125)), nil
		},
		NextRunAt: &next,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// memPool is an in-memory Pool whose account-row lock blocks until the
// holding transaction commits or rolls back, mimicking FOR UPDATE.
type memPool struct {
	mu      sync.Mutex
	balance decimal.Decimal
}

func (p *memPool) Begin(ctx context.Context) (pgx.Tx, error) {
	return &memTx{pool: p}, nil
}

func (p *memPool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("unexpected pool exec: " + sql)
}

func (p *memPool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("unexpected pool query: " + sql)
}

func (p *memPool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return memRow{scan: func(...any) error { return errors.New("unexpected pool query: " + sql) }}
}

type memRow struct {
	scan func(dest ...any) error
}

func (r memRow) Scan(dest ...any) error { return r.scan(dest...) }

type memTx struct {
	pool   *memPool
	locked bool
	staged *decimal.Decimal
}

func (t *memTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if strings.Contains(sql, "from accounts") && strings.Contains(sql, "for update") {
		t.pool.mu.Lock()
		t.locked = true
		bal := t.pool.balance
		return memRow{scan: func(dest ...any) error {
			*dest[0].(*string) = "acct-1"
			*dest[1].(*decimal.Decimal) = bal
			*dest[2].(*decimal.Decimal) = bal
			*dest[3].(*bool) = true
			*dest[4].(*bool) = false
			*dest[5].(**time.Time) = nil
			*dest[6].(**time.Time) = nil
			*dest[7].(*string) = "TAX-1"
			*dest[8].(*bool) = true
			return nil
		}}
	}
	return memRow{scan: func(...any) error { return errors.New("unexpected tx query: " + sql) }}
}

func (t *memTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if strings.Contains(sql, "update accounts set balance") {
		next := args[0].(decimal.Decimal)
		t.staged = &next
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return pgconn.CommandTag{}, errors.New("unexpected tx exec: " + sql)
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.staged != nil {
		t.pool.balance = *t.staged
	}
	t.release()
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	t.release()
	return nil
}

func (t *memTx) release() {
	if t.locked {
		t.locked = false
		t.pool.mu.Unlock()
	}
}

func (t *memTx) Begin(ctx context.Context) (pgx.Tx, error) {
	return nil, errors.New("nested transactions not supported")
}
func (t *memTx) Conn() *pgx.Conn { return nil }
func (t *memTx) CopyFrom(ctx context.Context, name pgx.Identifier, cols []string, src pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not supported")
}
func (t *memTx) LargeObjects() pgx.LargeObjects { return pgx.LargeObjects{} }
func (t *memTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not supported")
}
func (t *memTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not supported")
}
func (t *memTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }

func TestMutateSerializesConcurrentMutations(t *testing.T) {
	pool := &memPool{balance: decimal.NewFromInt(1000)}
	svc := NewService(pool, notify.NewBus(), zerolog.Nop())

	const n = 16
	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(delta int64) {
			defer wg.Done()
			_, err := svc.Mutate(context.Background(), Mutation{
				AccountID: "acct-1",
				Apply: func(ctx context.Context, tx pgx.Tx, acct Account) (decimal.Decimal, error) {
					return acct.Balance.Add(decimal.NewFromInt(delta)), nil
				},
			})
			assert.NoError(t, err)
		}(int64(i))
	}
	wg.Wait()

	// no lost update: 1000 plus every delta exactly once
	want := decimal.NewFromInt(1000 + n*(n+1)/2)
	assert.True(t, pool.balance.Equal(want), "final balance %s, want %s", pool.balance, want)
}
