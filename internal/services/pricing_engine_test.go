package services

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/localhands/marketplace/internal/domain"
)

func pct(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func cad(amount int64) domain.Money {
	return domain.NewMoney(amount, "CAD")
}

func TestComputeBreakdown_InstantPayScenario(t *testing.T) {
	got, err := ComputeBreakdown(BreakdownInput{
		Model:      domain.PricingModelFixed,
		UnitPrice:  cad(2500),
		Quantity:   1,
		FeeRatePct: pct("5"),
		TaxRatePct: pct("13"),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(2500), got.BaseAmount.Amount)
	assert.Equal(t, int64(125), got.PlatformFee.Amount)
	require.NotNil(t, got.TaxAmount)
	assert.Equal(t, int64(341), got.TaxAmount.Amount)
	assert.Equal(t, int64(2966), got.Total.Amount)
	assert.Equal(t, "CAD", got.Total.Currency)
	assert.Contains(t, got.Total.Formatted, "29.66")
	assert.Nil(t, got.ServiceFee)
	assert.Nil(t, got.TipAmount)
	assert.Nil(t, got.Deposit)
	assert.True(t, got.Balanced())
}

func TestComputeBreakdown_DepositExcludedFromTotal(t *testing.T) {
	deposit := cad(1_500_000)
	got, err := ComputeBreakdown(BreakdownInput{
		Model:      domain.PricingModelDaily,
		UnitPrice:  cad(20000),
		Quantity:   3,
		FeeRatePct: pct("5"),
		TaxRatePct: pct("13"),
		Deposit:    &deposit,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(60000), got.BaseAmount.Amount)
	assert.Equal(t, int64(3000), got.PlatformFee.Amount)
	assert.Equal(t, int64(8190), got.TaxAmount.Amount)
	assert.Equal(t, int64(71190), got.Total.Amount)
	require.NotNil(t, got.Deposit)
	assert.Equal(t, int64(1_500_000), got.Deposit.Amount)
	assert.Equal(t, got.ComponentSum(), got.Total.Amount)
}

func TestComputeBreakdown_QuoteRequiresNegotiatedAmount(t *testing.T) {
	_, err := ComputeBreakdown(BreakdownInput{
		Model:      domain.PricingModelQuote,
		UnitPrice:  cad(0),
		Quantity:   1,
		FeeRatePct: pct("5"),
		TaxRatePct: pct("13"),
	})
	require.ErrorIs(t, err, ErrUnsupportedPricingModel)

	quote := cad(8000)
	got, err := ComputeBreakdown(BreakdownInput{
		Model:            domain.PricingModelQuote,
		UnitPrice:        cad(0),
		FeeRatePct:       pct("5"),
		TaxRatePct:       pct("13"),
		NegotiatedAmount: &quote,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(8000), got.BaseAmount.Amount)
	assert.Equal(t, int64(400), got.PlatformFee.Amount)
	assert.Equal(t, int64(1092), got.TaxAmount.Amount)
	assert.Equal(t, int64(9492), got.Total.Amount)
	assert.Equal(t, 1, got.Quantity)
}

func TestComputeBreakdown_InvalidQuantity(t *testing.T) {
	for _, qty := range []int{0, -1} {
		_, err := ComputeBreakdown(BreakdownInput{
			Model:      domain.PricingModelHourly,
			UnitPrice:  cad(4000),
			Quantity:   qty,
			FeeRatePct: pct("5"),
		})
		assert.ErrorIs(t, err, ErrInvalidQuantity, "quantity %d", qty)
	}
}

func TestComputeBreakdown_RejectsBadInputs(t *testing.T) {
	tip := domain.NewMoney(100, "USD")
	cases := map[string]BreakdownInput{
		"unknown model":      {Model: "BARTER", UnitPrice: cad(100), Quantity: 1},
		"negative rate":      {Model: domain.PricingModelFixed, UnitPrice: cad(100), Quantity: 1, FeeRatePct: pct("-1")},
		"rate above 100":     {Model: domain.PricingModelFixed, UnitPrice: cad(100), Quantity: 1, TaxRatePct: pct("101")},
		"unknown currency":   {Model: domain.PricingModelFixed, UnitPrice: domain.Money{Amount: 100, Currency: "ZZZ"}, Quantity: 1},
		"tip currency":       {Model: domain.PricingModelFixed, UnitPrice: cad(100), Quantity: 1, Tip: &tip},
		"overflow":           {Model: domain.PricingModelDaily, UnitPrice: cad(1 << 62), Quantity: 4},
		"deposit required":   {Model: domain.PricingModelDepositRequired, UnitPrice: cad(100), Quantity: 1},
		"negative unit cost": {Model: domain.PricingModelFixed, UnitPrice: cad(-5), Quantity: 1},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ComputeBreakdown(in)
			require.Error(t, err)
			assert.Equal(t, ErrorClassInvalidInput, Classify(err))
		})
	}
}

func TestComputeBreakdown_TipAndServiceFeeBalance(t *testing.T) {
	tip := cad(500)
	got, err := ComputeBreakdown(BreakdownInput{
		Model:         domain.PricingModelHourly,
		UnitPrice:     cad(3333),
		Quantity:      3,
		FeeRatePct:    pct("5"),
		ServiceFeePct: pct("2.5"),
		TaxRatePct:    pct("13"),
		Tip:           &tip,
	})
	require.NoError(t, err)

	// 9999 × 5% = 499.95 → 500; 9999 × 2.5% = 249.975 → 250; (9999+500+250) × 13% = 1397.37 → 1397
	assert.Equal(t, int64(500), got.PlatformFee.Amount)
	require.NotNil(t, got.ServiceFee)
	assert.Equal(t, int64(250), got.ServiceFee.Amount)
	assert.Equal(t, int64(1397), got.TaxAmount.Amount)
	assert.Equal(t, int64(500), got.TipAmount.Amount)
	assert.Equal(t, int64(9999+500+250+1397+500), got.Total.Amount)
	assert.True(t, got.Balanced())
}

func TestComputeBreakdown_HalfUpAtBoundary(t *testing.T) {
	// 10 × 5% = 0.5 rounds up to 1; 30 × 5% = 1.5 rounds up to 2.
	got, err := ComputeBreakdown(BreakdownInput{Model: domain.PricingModelFixed, UnitPrice: cad(10), Quantity: 1, FeeRatePct: pct("5")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.PlatformFee.Amount)

	got, err = ComputeBreakdown(BreakdownInput{Model: domain.PricingModelFixed, UnitPrice: cad(30), Quantity: 1, FeeRatePct: pct("5")})
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.PlatformFee.Amount)
}

func TestComputeBreakdown_Deterministic(t *testing.T) {
	in := BreakdownInput{
		Model:      domain.PricingModelHourly,
		UnitPrice:  cad(1999),
		Quantity:   7,
		FeeRatePct: pct("5"),
		TaxRatePct: pct("13"),
	}
	first, err := ComputeBreakdown(in)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := ComputeBreakdown(in)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestComputeBreakdown_BalancedAcrossGrid(t *testing.T) {
	for unit := int64(0); unit <= 5000; unit += 137 {
		for qty := 1; qty <= 5; qty++ {
			got, err := ComputeBreakdown(BreakdownInput{
				Model:         domain.PricingModelHourly,
				UnitPrice:     cad(unit),
				Quantity:      qty,
				FeeRatePct:    pct("5"),
				ServiceFeePct: pct("1.75"),
				TaxRatePct:    pct("13"),
			})
			require.NoError(t, err)
			require.True(t, got.Balanced(), "unit=%d qty=%d", unit, qty)
		}
	}
}

func TestPricingEngine_PriceItemUsesConfiguredRates(t *testing.T) {
	engine, err := NewPricingEngine(PricingEngineDeps{Rates: PricingRates{PlatformFeePct: pct("5"), TaxPct: pct("13")}})
	require.NoError(t, err)

	got, err := engine.PriceItem(PriceItemRequest{
		Item:     domain.ListingItem{ID: "itm_1", PricingModel: domain.PricingModelFixed, UnitPrice: cad(2500)},
		Quantity: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2966), got.Total.Amount)

	flat, err := engine.PriceFlat(cad(7500))
	require.NoError(t, err)
	assert.Equal(t, int64(7500), flat.Total.Amount)
	assert.Equal(t, int64(0), flat.PlatformFee.Amount)

	_, err = NewPricingEngine(PricingEngineDeps{Rates: PricingRates{TaxPct: pct("-2")}})
	require.Error(t, err)
}
