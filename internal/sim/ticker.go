package sim

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"coinview/internal/balance"
	"coinview/internal/db"
	"coinview/internal/portfolio"
)

// Ticker is the per-account simulator: it polls for accounts whose
// sim_next_run_at has elapsed and compounds each by a fixed rate, one
// transaction per account. The poll is an unlocked read, so eligibility is
// re-checked under the account lock before the mutation applies.
type Ticker struct {
	pool     db.Pool
	balances *balance.Service
	alloc    *portfolio.Allocator
	interval time.Duration
	rate     decimal.Decimal
	poll     time.Duration
	batch    int
	log      zerolog.Logger
}

func NewTicker(pool db.Pool, balances *balance.Service, alloc *portfolio.Allocator, interval time.Duration, rate decimal.Decimal, poll time.Duration, batch int, log zerolog.Logger) *Ticker {
	if batch <= 0 {
		batch = 50
	}
	return &Ticker{
		pool:     pool,
		balances: balances,
		alloc:    alloc,
		interval: interval,
		rate:     rate,
		poll:     poll,
		batch:    batch,
		log:      log.With().Str("component", "ticker").Logger(),
	}
}

// Start runs the poll loop until ctx is done.
func (t *Ticker) Start(ctx context.Context) {
	run := func() {
		if err := t.runDue(ctx); err != nil {
			t.log.Error().Err(err).Msg("due scan failed")
		}
	}
	run()
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

func (t *Ticker) runDue(ctx context.Context) error {
	rows, err := t.pool.Query(ctx,
		"select id from accounts where sim_enabled and not sim_paused and active and sim_next_run_at is not null and sim_next_run_at <= $1 order by sim_next_run_at asc limit $2",
		time.Now().UTC(), t.batch)
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range ids {
		if err := t.run(ctx, id, false); err != nil && !errors.Is(err, balance.ErrSkip) {
			t.log.Error().Err(err).Str("account_id", id).Msg("tick failed")
		}
	}
	return nil
}

// RunFor is the force-run entry point: it applies one tick immediately,
// ignoring the schedule but not the enabled/active flags.
func (t *Ticker) RunFor(ctx context.Context, accountID string) error {
	return t.run(ctx, accountID, true)
}

func (t *Ticker) run(ctx context.Context, accountID string, force bool) error {
	next := time.Now().UTC().Add(t.interval)
	_, err := t.balances.Mutate(ctx, balance.Mutation{
		AccountID: accountID,
		Apply: func(ctx context.Context, tx pgx.Tx, acct balance.Account) (decimal.Decimal, error) {
			if !acct.SimEnabled || !acct.Active {
				return decimal.Zero, balance.ErrSkip
			}
			if !force {
				// a pause or reschedule may have won the race since the poll
				if acct.SimPaused {
					return decimal.Zero, balance.ErrSkip
				}
				if acct.SimNextRunAt == nil || acct.SimNextRunAt.After(time.Now().UTC()) {
					return decimal.Zero, balance.ErrSkip
				}
			}
			return acct.Balance.Mul(decimal.NewFromInt(1).Add(t.rate)).Round(8), nil
		},
		InTx: func(ctx context.Context, tx pgx.Tx, before, after decimal.Decimal) error {
			return t.alloc.AllocateInTx(ctx, tx, accountID, after)
		},
		NextRunAt: &next,
		Event:     "balance.tick",
	})
	return err
}
