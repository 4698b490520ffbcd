package portfolio

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeightsSumToOne(t *testing.T) {
	sum := decimal.Zero
	for _, a := range Assets {
		sum = sum.Add(a.Weight)
	}
	require.True(t, sum.Equal(decimal.NewFromInt(1)), "weights sum to %s", sum)
}

func TestSplitPreservesTarget(t *testing.T) {
	target := decimal.NewFromInt(10000)
	alloc := Split(target)
	sum := decimal.Zero
	for _, usd := range alloc {
		sum = sum.Add(usd)
	}
	assert.True(t, sum.Equal(target), "split sums to %s", sum)
}

func testPrices() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"BTC":  decimal.NewFromInt(50000),
		"ETH":  decimal.NewFromInt(2500),
		"SOL":  decimal.NewFromInt(150),
		"BNB":  decimal.NewFromInt(500),
		"USDT": decimal.NewFromInt(1),
	}
}

func TestQuantitiesRoundTripValuation(t *testing.T) {
	target := decimal.NewFromInt(10000)
	prices := testPrices()
	qty := Quantities(Split(target), prices)

	got := Valuation(qty, prices)
	diff := got.Sub(target).Abs()
	tolerance := decimal.NewFromFloat(0.01)
	assert.True(t, diff.LessThanOrEqual(tolerance), "valuation %s differs from target by %s", got, diff)
}

func TestQuantitiesFoldMissingPriceIntoUSDT(t *testing.T) {
	target := decimal.NewFromInt(1000)
	prices := testPrices()
	delete(prices, "SOL")

	qty := Quantities(Split(target), prices)
	assert.True(t, qty["SOL"].IsZero(), "asset without a price must hold zero units")
	// SOL's 15% plus USDT's 10%
	assert.True(t, qty["USDT"].Equal(decimal.NewFromInt(250)), "usdt got %s", qty["USDT"])

	got := Valuation(qty, prices)
	diff := got.Sub(target).Abs()
	assert.True(t, diff.LessThanOrEqual(decimal.NewFromFloat(0.01)))
}

func TestQuantitiesZeroPriceDoesNotDivide(t *testing.T) {
	prices := testPrices()
	prices["BTC"] = decimal.Zero
	qty := Quantities(Split(decimal.NewFromInt(100)), prices)
	assert.True(t, qty["BTC"].IsZero())
}
