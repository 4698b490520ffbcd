package portfolio

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"coinview/internal/db"
)

// Supported assets and their fixed allocation weights. Weights sum to 1.0;
// USDT absorbs the weight of any asset whose price is unavailable.
type Asset struct {
	Symbol string
	Weight decimal.Decimal
}

var Assets = []Asset{
	{Symbol: "BTC", Weight: decimal.NewFromFloat(0.40)},
	{Symbol: "ETH", Weight: decimal.NewFromFloat(0.25)},
	{Symbol: "SOL", Weight: decimal.NewFromFloat(0.15)},
	{Symbol: "BNB", Weight: decimal.NewFromFloat(0.10)},
	{Symbol: "USDT", Weight: decimal.NewFromFloat(0.10)},
}

// quantity columns per symbol; keeps symbols out of SQL text
var qtyColumns = map[string]string{
	"BTC":  "btc_qty",
	"ETH":  "eth_qty",
	"SOL":  "sol_qty",
	"BNB":  "bnb_qty",
	"USDT": "usdt_qty",
}

var ErrUnknownAsset = errors.New("unknown asset")

type PriceSource interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

type Holdings struct {
	AccountID string          `json:"account_id"`
	Qty       map[string]decimal.Decimal `json:"qty"`
	Valuation decimal.Decimal `json:"valuation_usd"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Allocator struct {
	pool   db.Pool
	prices PriceSource
	log    zerolog.Logger
}

func NewAllocator(pool db.Pool, prices PriceSource, log zerolog.Logger) *Allocator {
	return &Allocator{pool: pool, prices: prices, log: log.With().Str("component", "portfolio").Logger()}
}

// Split divides target into per-asset USD sub-allocations following the
// weight table.
func Split(target decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(Assets))
	for _, a := range Assets {
		out[a.Symbol] = target.Mul(a.Weight)
	}
	return out
}

// Quantities converts USD sub-allocations to unit quantities. Assets whose
// price is missing or zero contribute their USD value to USDT instead of
// producing a divide-by-zero quantity.
func Quantities(alloc map[string]decimal.Decimal, prices map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(alloc))
	for _, a := range Assets {
		out[a.Symbol] = decimal.Zero
	}
	for sym, usd := range alloc {
		price := prices[sym]
		if sym == "USDT" || !price.IsPositive() {
			out["USDT"] = out["USDT"].Add(usd)
			continue
		}
		out[sym] = out[sym].Add(usd.DivRound(price, 12))
	}
	return out
}

// Valuation is the weighted sum of quantity times price, with USDT pinned
// at 1.
func Valuation(qty map[string]decimal.Decimal, prices map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for sym, q := range qty {
		price := prices[sym]
		if sym == "USDT" {
			price = decimal.NewFromInt(1)
		}
		total = total.Add(q.Mul(price))
	}
	return total
}

func (a *Allocator) gatherPrices(ctx context.Context) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(Assets))
	for _, asset := range Assets {
		if asset.Symbol == "USDT" {
			out["USDT"] = decimal.NewFromInt(1)
			continue
		}
		p, err := a.prices.Price(ctx, asset.Symbol)
		if err != nil {
			// stale or unavailable price folds the asset into USDT;
			// never valued at zero
			a.log.Warn().Err(err).Str("asset", asset.Symbol).Msg("price unavailable, folding into USDT")
			continue
		}
		out[asset.Symbol] = p
	}
	return out
}

// AllocateInTx recomputes the whole portfolio row for target inside the
// caller's transaction. The caller already holds the account row lock
// (account first, portfolio second, everywhere). valuation_usd is written
// as target itself, so the invariant with the account balance is asserted
// here as well as at the account write site.
func (a *Allocator) AllocateInTx(ctx context.Context, tx pgx.Tx, accountID string, target decimal.Decimal) error {
	prices := a.gatherPrices(ctx)
	qty := Quantities(Split(target), prices)

	var exists bool
	err := tx.QueryRow(ctx, "select true from portfolios where account_id = $1 for update", accountID).Scan(&exists)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	now := time.Now().UTC()
	if !exists {
		_, err = tx.Exec(ctx,
			"insert into portfolios (account_id, btc_qty, eth_qty, sol_qty, bnb_qty, usdt_qty, valuation_usd, updated_at) values ($1, $2, $3, $4, $5, $6, $7, $8)",
			accountID, qty["BTC"], qty["ETH"], qty["SOL"], qty["BNB"], qty["USDT"], target, now)
		return err
	}
	_, err = tx.Exec(ctx,
		"update portfolios set btc_qty = $1, eth_qty = $2, sol_qty = $3, bnb_qty = $4, usdt_qty = $5, valuation_usd = $6, updated_at = $7 where account_id = $8",
		qty["BTC"], qty["ETH"], qty["SOL"], qty["BNB"], qty["USDT"], target, now, accountID)
	return err
}

// AdjustAssetInTx bumps one asset's quantity by usdDelta worth at price,
// for simulated trades that should not reshuffle the whole allocation.
// A portfolio that has not been created yet is left for the first full
// allocation.
func (a *Allocator) AdjustAssetInTx(ctx context.Context, tx pgx.Tx, accountID, symbol string, usdDelta, price decimal.Decimal) error {
	col, ok := qtyColumns[symbol]
	if !ok {
		return ErrUnknownAsset
	}
	if !price.IsPositive() {
		col = qtyColumns["USDT"]
		price = decimal.NewFromInt(1)
	}
	qtyDelta := usdDelta.DivRound(price, 12)
	_, err := tx.Exec(ctx,
		"update portfolios set "+col+" = "+col+" + $1, valuation_usd = valuation_usd + $2, updated_at = $3 where account_id = $4",
		qtyDelta, usdDelta, time.Now().UTC(), accountID)
	return err
}

// Holdings reads the portfolio row; a missing row reads as all-zero.
func (a *Allocator) Holdings(ctx context.Context, accountID string) (Holdings, error) {
	h := Holdings{AccountID: accountID, Qty: make(map[string]decimal.Decimal, len(Assets))}
	for _, asset := range Assets {
		h.Qty[asset.Symbol] = decimal.Zero
	}
	var btc, eth, sol, bnb, usdt decimal.Decimal
	err := a.pool.QueryRow(ctx,
		"select btc_qty, eth_qty, sol_qty, bnb_qty, usdt_qty, valuation_usd, updated_at from portfolios where account_id = $1",
		accountID).Scan(&btc, &eth, &sol, &bnb, &usdt, &h.Valuation, &h.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return h, nil
		}
		return h, err
	}
	h.Qty["BTC"], h.Qty["ETH"], h.Qty["SOL"], h.Qty["BNB"], h.Qty["USDT"] = btc, eth, sol, bnb, usdt
	return h, nil
}
