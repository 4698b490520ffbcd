package ledger

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"coinview/internal/db"
	"coinview/internal/types"
)

type Trade struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"account_id"`
	Type          types.TradeType `json:"type"`
	Asset         string          `json:"asset"`
	Qty           decimal.Decimal `json:"qty"`
	Price         decimal.Decimal `json:"price"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Simulated     bool            `json:"simulated"`
	CreatedAt     time.Time       `json:"created_at"`
}

type Transaction struct {
	ID        string                  `json:"id"`
	AccountID string                  `json:"account_id"`
	Type      types.TransactionType   `json:"type"`
	Amount    decimal.Decimal         `json:"amount"`
	Status    types.TransactionStatus `json:"status"`
	Ref       string                  `json:"ref,omitempty"`
	CreatedAt time.Time               `json:"created_at"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// Store is the append-only audit ledger. Trades and transactions are never
// updated after insert, except for transaction status transitions and the
// bulk administrative purge of simulated trades.
type Store struct {
	pool db.Pool
}

func NewStore(pool db.Pool) *Store {
	return &Store{pool: pool}
}

// InsertTradeTx appends a trade inside the caller's transaction.
func InsertTradeTx(ctx context.Context, tx pgx.Tx, t Trade) (string, error) {
	var id string
	err := tx.QueryRow(ctx,
		"insert into trades (account_id, trade_type, asset, qty, price, balance_before, balance_after, simulated, created_at) values ($1, $2, $3, $4, $5, $6, $7, $8, $9) returning id",
		t.AccountID, string(t.Type), t.Asset, t.Qty, t.Price, t.BalanceBefore, t.BalanceAfter, t.Simulated, time.Now().UTC()).Scan(&id)
	return id, err
}

// InsertTransactionTx appends a transaction record inside the caller's
// transaction. Ref ties the record back to the originating workflow row
// (e.g. "withdrawal:<id>").
func InsertTransactionTx(ctx context.Context, tx pgx.Tx, accountID string, typ types.TransactionType, amount decimal.Decimal, status types.TransactionStatus, ref string) (string, error) {
	var id string
	now := time.Now().UTC()
	err := tx.QueryRow(ctx,
		"insert into transactions (account_id, tx_type, amount, status, ref, created_at, updated_at) values ($1, $2, $3, $4, $5, $6, $6) returning id",
		accountID, string(typ), amount, string(status), ref, now).Scan(&id)
	return id, err
}

// SetTransactionStatusByRefTx flips every non-terminal record carrying ref.
func SetTransactionStatusByRefTx(ctx context.Context, tx pgx.Tx, ref string, status types.TransactionStatus) error {
	_, err := tx.Exec(ctx,
		"update transactions set status = $1, updated_at = $2 where ref = $3 and status = 'pending'",
		string(status), time.Now().UTC(), ref)
	return err
}

func (s *Store) Trades(ctx context.Context, accountID string, limit int) ([]Trade, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		"select id, account_id, trade_type, asset, qty, price, balance_before, balance_after, simulated, created_at from trades where account_id = $1 order by created_at desc, id desc limit $2",
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Trade
	for rows.Next() {
		var t Trade
		var typ string
		if err := rows.Scan(&t.ID, &t.AccountID, &typ, &t.Asset, &t.Qty, &t.Price, &t.BalanceBefore, &t.BalanceAfter, &t.Simulated, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Type = types.TradeType(typ)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) Transactions(ctx context.Context, accountID string, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		"select id, account_id, tx_type, amount, status, coalesce(ref, ''), created_at, updated_at from transactions where account_id = $1 order by created_at desc, id desc limit $2",
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		var t Transaction
		var typ, status string
		if err := rows.Scan(&t.ID, &t.AccountID, &typ, &t.Amount, &status, &t.Ref, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Type = types.TransactionType(typ)
		t.Status = types.TransactionStatus(status)
		out = append(out, t)
	}
	return out, rows.Err()
}

// PurgeSimulatedTrades removes synthetic activity for one account. Real
// trades are never touched.
func (s *Store) PurgeSimulatedTrades(ctx context.Context, accountID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, "delete from trades where account_id = $1 and simulated", accountID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
