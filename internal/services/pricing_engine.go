package services

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/localhands/marketplace/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// BreakdownInput carries everything ComputeBreakdown needs. Rates are percentages
// (5 means 5%). NegotiatedAmount replaces UnitPrice × Quantity when present and is
// mandatory for the QUOTE model.
type BreakdownInput struct {
	Model            domain.PricingModel
	UnitPrice        domain.Money
	Quantity         int
	FeeRatePct       decimal.Decimal
	TaxRatePct       decimal.Decimal
	ServiceFeePct    decimal.Decimal
	Deposit          *domain.Money
	NegotiatedAmount *domain.Money
	Tip              *domain.Money
}

// ComputeBreakdown prices one order line. It is deterministic, uses integer minor
// units throughout and rounds each percentage component half-up exactly once:
//
//	subtotal    = unit × quantity (or the negotiated amount)
//	platformFee = round(subtotal × fee%)
//	serviceFee  = round(subtotal × service%)
//	tax         = round((subtotal + platformFee + serviceFee) × tax%)
//	total       = subtotal + platformFee + serviceFee + tax + tip
//
// The deposit is carried on the breakdown but never added to total.
func ComputeBreakdown(in BreakdownInput) (domain.PriceBreakdown, error) {
	if !in.Model.Valid() {
		return domain.PriceBreakdown{}, fmt.Errorf("%w: %q", ErrUnsupportedPricingModel, in.Model)
	}
	if err := validateRates(in.FeeRatePct, in.TaxRatePct, in.ServiceFeePct); err != nil {
		return domain.PriceBreakdown{}, err
	}

	quantity := in.Quantity
	var subtotal int64
	currency := domain.NormalizeCurrency(in.UnitPrice.Currency)

	switch {
	case in.NegotiatedAmount != nil:
		negotiated := *in.NegotiatedAmount
		if negotiated.Amount < 0 {
			return domain.PriceBreakdown{}, fmt.Errorf("%w: negotiated amount must be non-negative", ErrPricingInvalidInput)
		}
		if code := domain.NormalizeCurrency(negotiated.Currency); code != "" {
			if currency != "" && code != currency {
				return domain.PriceBreakdown{}, fmt.Errorf("%w: negotiated currency %s does not match %s", ErrPricingInvalidInput, code, currency)
			}
			currency = code
		}
		subtotal = negotiated.Amount
		quantity = 1
	case in.Model == domain.PricingModelQuote:
		return domain.PriceBreakdown{}, fmt.Errorf("%w: quote pricing requires a negotiated amount", ErrUnsupportedPricingModel)
	default:
		if quantity <= 0 {
			return domain.PriceBreakdown{}, fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity)
		}
		if in.UnitPrice.Amount < 0 {
			return domain.PriceBreakdown{}, fmt.Errorf("%w: unit price must be non-negative", ErrPricingInvalidInput)
		}
		if in.UnitPrice.Amount > 0 && int64(quantity) > math.MaxInt64/in.UnitPrice.Amount {
			return domain.PriceBreakdown{}, fmt.Errorf("%w: subtotal overflows", ErrPricingInvalidInput)
		}
		subtotal = in.UnitPrice.Amount * int64(quantity)
	}

	if currency == "" || !domain.ValidCurrency(currency) {
		return domain.PriceBreakdown{}, fmt.Errorf("%w: currency %q is not a valid ISO 4217 code", ErrPricingInvalidInput, currency)
	}
	if in.Model == domain.PricingModelDepositRequired && in.Deposit == nil {
		return domain.PriceBreakdown{}, fmt.Errorf("%w: deposit required but not supplied", ErrUnsupportedPricingModel)
	}

	platformFee, err := percentOf(subtotal, in.FeeRatePct)
	if err != nil {
		return domain.PriceBreakdown{}, err
	}
	serviceFee, err := percentOf(subtotal, in.ServiceFeePct)
	if err != nil {
		return domain.PriceBreakdown{}, err
	}
	taxBase, err := addChecked(subtotal, platformFee, serviceFee)
	if err != nil {
		return domain.PriceBreakdown{}, err
	}
	tax, err := percentOf(taxBase, in.TaxRatePct)
	if err != nil {
		return domain.PriceBreakdown{}, err
	}

	var tip int64
	if in.Tip != nil {
		if err := sameCurrency(*in.Tip, currency, "tip"); err != nil {
			return domain.PriceBreakdown{}, err
		}
		if in.Tip.Amount < 0 {
			return domain.PriceBreakdown{}, fmt.Errorf("%w: tip must be non-negative", ErrPricingInvalidInput)
		}
		tip = in.Tip.Amount
	}

	total, err := addChecked(taxBase, tax, tip)
	if err != nil {
		return domain.PriceBreakdown{}, err
	}

	breakdown := domain.PriceBreakdown{
		BaseAmount:   domain.NewMoney(subtotal, currency),
		PlatformFee:  domain.NewMoney(platformFee, currency),
		Total:        domain.NewMoney(total, currency),
		PricingModel: in.Model,
		UnitPrice:    domain.NewMoney(in.UnitPrice.Amount, currency),
		Quantity:     quantity,
		FeeRatePct:   in.FeeRatePct.String(),
		TaxRatePct:   in.TaxRatePct.String(),
	}
	if in.NegotiatedAmount != nil {
		breakdown.UnitPrice = domain.NewMoney(subtotal, currency)
	}
	if in.ServiceFeePct.IsPositive() {
		breakdown.ServiceFee = moneyPtr(serviceFee, currency)
	}
	if in.TaxRatePct.IsPositive() {
		breakdown.TaxAmount = moneyPtr(tax, currency)
	}
	if tip > 0 {
		breakdown.TipAmount = moneyPtr(tip, currency)
	}
	if in.Deposit != nil {
		if err := sameCurrency(*in.Deposit, currency, "deposit"); err != nil {
			return domain.PriceBreakdown{}, err
		}
		if in.Deposit.Amount < 0 {
			return domain.PriceBreakdown{}, fmt.Errorf("%w: deposit must be non-negative", ErrPricingInvalidInput)
		}
		breakdown.Deposit = moneyPtr(in.Deposit.Amount, currency)
	}

	if !breakdown.Balanced() {
		return domain.PriceBreakdown{}, errors.New("pricing: breakdown components do not sum to total")
	}
	return breakdown, nil
}

// PricingRates are the marketplace-wide percentages applied to every order.
type PricingRates struct {
	PlatformFeePct decimal.Decimal
	ServiceFeePct  decimal.Decimal
	TaxPct         decimal.Decimal
}

// PricingEngineDeps bundles configuration for the pricing engine.
type PricingEngineDeps struct {
	Rates PricingRates
}

// PricingEngine binds ComputeBreakdown to the configured marketplace rates so the
// cart and every order flow price through the same path.
type PricingEngine struct {
	rates PricingRates
}

// NewPricingEngine validates the configured rates.
func NewPricingEngine(deps PricingEngineDeps) (*PricingEngine, error) {
	if err := validateRates(deps.Rates.PlatformFeePct, deps.Rates.TaxPct, deps.Rates.ServiceFeePct); err != nil {
		return nil, fmt.Errorf("pricing engine: %w", err)
	}
	return &PricingEngine{rates: deps.Rates}, nil
}

// PriceItemRequest describes a listing item to price at the configured rates.
type PriceItemRequest struct {
	Item             domain.ListingItem
	Quantity         int
	NegotiatedAmount *domain.Money
	Tip              *domain.Money
}

// PriceItem prices a listing item, carrying its deposit when the item defines one.
func (e *PricingEngine) PriceItem(req PriceItemRequest) (domain.PriceBreakdown, error) {
	return ComputeBreakdown(BreakdownInput{
		Model:            req.Item.PricingModel,
		UnitPrice:        req.Item.UnitPrice,
		Quantity:         req.Quantity,
		FeeRatePct:       e.rates.PlatformFeePct,
		TaxRatePct:       e.rates.TaxPct,
		ServiceFeePct:    e.rates.ServiceFeePct,
		Deposit:          req.Item.Deposit,
		NegotiatedAmount: req.NegotiatedAmount,
		Tip:              req.Tip,
	})
}

// PriceFlat prices an amount that is charged as-is, such as a visit fee.
func (e *PricingEngine) PriceFlat(amount domain.Money) (domain.PriceBreakdown, error) {
	return ComputeBreakdown(BreakdownInput{
		Model:            domain.PricingModelFixed,
		UnitPrice:        amount,
		Quantity:         1,
		NegotiatedAmount: &amount,
	})
}

// PriceQuote prices a provider-submitted amount through the standard fee and tax formula.
func (e *PricingEngine) PriceQuote(amount domain.Money) (domain.PriceBreakdown, error) {
	return ComputeBreakdown(BreakdownInput{
		Model:            domain.PricingModelQuote,
		UnitPrice:        domain.Money{Currency: amount.Currency},
		FeeRatePct:       e.rates.PlatformFeePct,
		TaxRatePct:       e.rates.TaxPct,
		ServiceFeePct:    e.rates.ServiceFeePct,
		NegotiatedAmount: &amount,
	})
}

// Rates returns the configured marketplace rates.
func (e *PricingEngine) Rates() PricingRates {
	return e.rates
}

func percentOf(amount int64, pct decimal.Decimal) (int64, error) {
	if amount == 0 || pct.IsZero() {
		return 0, nil
	}
	// Round rounds half away from zero, which is half-up for the non-negative amounts priced here.
	rounded := decimal.NewFromInt(amount).Mul(pct).Shift(-2).Round(0)
	if !rounded.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: component overflows", ErrPricingInvalidInput)
	}
	return rounded.IntPart(), nil
}

func validateRates(rates ...decimal.Decimal) error {
	for _, rate := range rates {
		if rate.IsNegative() {
			return fmt.Errorf("%w: rate %s must be non-negative", ErrPricingInvalidInput, rate)
		}
		if rate.GreaterThan(hundred) {
			return fmt.Errorf("%w: rate %s exceeds 100%%", ErrPricingInvalidInput, rate)
		}
	}
	return nil
}

func addChecked(values ...int64) (int64, error) {
	var sum int64
	for _, v := range values {
		if v > 0 && sum > math.MaxInt64-v {
			return 0, fmt.Errorf("%w: total overflows", ErrPricingInvalidInput)
		}
		sum += v
	}
	return sum, nil
}

func sameCurrency(m domain.Money, currency string, field string) error {
	code := domain.NormalizeCurrency(m.Currency)
	if code != "" && code != currency {
		return fmt.Errorf("%w: %s currency %s does not match %s", ErrPricingInvalidInput, field, code, strings.ToUpper(currency))
	}
	return nil
}

func moneyPtr(amount int64, currency string) *domain.Money {
	m := domain.NewMoney(amount, currency)
	return &m
}
