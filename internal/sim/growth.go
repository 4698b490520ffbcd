package sim

import (
	"context"
	"errors"
	"math/rand"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"coinview/internal/balance"
	"coinview/internal/db"
	"coinview/internal/portfolio"
	"coinview/internal/types"
)

// Growth is the canonical scheduled growth mechanism: on every cron firing
// (the cron spec carries the trading-day gating) it boosts each eligible
// account by a random percentage within [MinPct, MaxPct] and books a
// synthetic buy of one randomly chosen asset.
type Growth struct {
	pool     db.Pool
	balances *balance.Service
	alloc    *portfolio.Allocator
	prices   portfolio.PriceSource
	minPct   decimal.Decimal
	maxPct   decimal.Decimal
	batch    int
	log      zerolog.Logger
}

func NewGrowth(pool db.Pool, balances *balance.Service, alloc *portfolio.Allocator, prices portfolio.PriceSource, minPct, maxPct decimal.Decimal, batch int, log zerolog.Logger) *Growth {
	if batch <= 0 {
		batch = 200
	}
	return &Growth{
		pool:     pool,
		balances: balances,
		alloc:    alloc,
		prices:   prices,
		minPct:   minPct,
		maxPct:   maxPct,
		batch:    batch,
		log:      log.With().Str("component", "growth").Logger(),
	}
}

// RunOnce processes one batch, one transaction per account. A failing
// account is logged and skipped; it never aborts the rest of the batch.
func (g *Growth) RunOnce(ctx context.Context) {
	rows, err := g.pool.Query(ctx,
		"select id from accounts where sim_enabled and not sim_paused and active and balance > 0 order by sim_last_run_at nulls first limit $1",
		g.batch)
	if err != nil {
		g.log.Error().Err(err).Msg("eligible account scan failed")
		return
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			g.log.Error().Err(err).Msg("eligible account scan failed")
			return
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		g.log.Error().Err(err).Msg("eligible account scan failed")
		return
	}

	for _, id := range ids {
		if err := g.RunFor(ctx, id); err != nil && !errors.Is(err, balance.ErrSkip) {
			g.log.Error().Err(err).Str("account_id", id).Msg("growth tick failed")
		}
	}
}

// RunFor applies one growth tick to a single account. Also the force-run
// entry point for support tooling; eligibility is still re-checked under
// the account lock.
func (g *Growth) RunFor(ctx context.Context, accountID string) error {
	boost := randomBoost(g.minPct, g.maxPct)
	sym := randomAsset()
	price, priceErr := g.prices.Price(ctx, sym)
	_, err := g.balances.Mutate(ctx, balance.Mutation{
		AccountID: accountID,
		Apply: func(ctx context.Context, tx pgx.Tx, acct balance.Account) (decimal.Decimal, error) {
			if !acct.SimEnabled || acct.SimPaused || !acct.Active {
				return decimal.Zero, balance.ErrSkip
			}
			return acct.Balance.Mul(decimal.NewFromInt(1).Add(boost)).Round(8), nil
		},
		Audit: func(before, after decimal.Decimal) *balance.TradeDraft {
			if priceErr != nil {
				// no usable price: keep the balance boost, skip the
				// synthetic trade rather than book it at zero
				return nil
			}
			return &balance.TradeDraft{
				Type:      types.TradeTypeBuy,
				Asset:     sym,
				Qty:       after.Sub(before).DivRound(price, 12),
				Price:     price,
				Simulated: true,
			}
		},
		InTx: func(ctx context.Context, tx pgx.Tx, before, after decimal.Decimal) error {
			if priceErr != nil {
				return nil
			}
			return g.alloc.AdjustAssetInTx(ctx, tx, accountID, sym, after.Sub(before), price)
		},
		// the eligible scan orders by sim_last_run_at; every tick must
		// advance it so the next batch picks up where this one left off
		TouchLastRun: true,
		Event:        "balance.growth",
	})
	if priceErr != nil && err == nil {
		g.log.Warn().Err(priceErr).Str("account_id", accountID).Msg("growth applied without trade record")
	}
	return err
}

func randomBoost(minPct, maxPct decimal.Decimal) decimal.Decimal {
	span := maxPct.Sub(minPct)
	if !span.IsPositive() {
		return minPct
	}
	return minPct.Add(span.Mul(decimal.NewFromFloat(rand.Float64()))).Round(6)
}

func randomAsset() string {
	// anything but the stable leg
	candidates := make([]string, 0, len(portfolio.Assets))
	for _, a := range portfolio.Assets {
		if a.Symbol != "USDT" {
			candidates = append(candidates, a.Symbol)
		}
	}
	return candidates[rand.Intn(len(candidates))]
}
