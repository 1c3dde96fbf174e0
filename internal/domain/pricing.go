package domain

// PricingModel describes how a listing item is priced.
type PricingModel string

const (
	// PricingModelFixed is a flat price per unit (quantity is normally 1).
	PricingModelFixed PricingModel = "FIXED"
	// PricingModelHourly prices consultations and services by the hour.
	PricingModelHourly PricingModel = "HOURLY"
	// PricingModelDaily prices rentals by the day.
	PricingModelDaily PricingModel = "DAILY"
	// PricingModelDepositRequired prices per unit and additionally holds a refundable deposit.
	PricingModelDepositRequired PricingModel = "DEPOSIT_REQUIRED"
	// PricingModelQuote has no list price; the provider submits a negotiated amount.
	PricingModelQuote PricingModel = "QUOTE"
)

// Valid reports whether the pricing model is recognised.
func (m PricingModel) Valid() bool {
	switch m {
	case PricingModelFixed, PricingModelHourly, PricingModelDaily, PricingModelDepositRequired, PricingModelQuote:
		return true
	}
	return false
}

// PriceBreakdown is the priced result for one order or cart line. Total always equals
// BaseAmount + ServiceFee + PlatformFee + TaxAmount + TipAmount with absent components
// counted as zero. Deposit is authorised separately and never part of Total.
type PriceBreakdown struct {
	BaseAmount  Money  `json:"baseAmount" firestore:"baseAmount"`
	ServiceFee  *Money `json:"serviceFee,omitempty" firestore:"serviceFee,omitempty"`
	PlatformFee Money  `json:"platformFee" firestore:"platformFee"`
	TaxAmount   *Money `json:"taxAmount,omitempty" firestore:"taxAmount,omitempty"`
	TipAmount   *Money `json:"tipAmount,omitempty" firestore:"tipAmount,omitempty"`
	Total       Money  `json:"total" firestore:"total"`
	Deposit     *Money `json:"deposit,omitempty" firestore:"deposit,omitempty"`

	PricingModel PricingModel `json:"pricingModel" firestore:"pricingModel"`
	UnitPrice    Money        `json:"unitPrice" firestore:"unitPrice"`
	Quantity     int          `json:"quantity" firestore:"quantity"`
	FeeRatePct   string       `json:"feeRatePct" firestore:"feeRatePct"`
	TaxRatePct   string       `json:"taxRatePct" firestore:"taxRatePct"`
}

// ComponentSum adds every total-bearing component, treating absent ones as zero.
func (b PriceBreakdown) ComponentSum() int64 {
	sum := b.BaseAmount.Amount + b.PlatformFee.Amount
	for _, component := range []*Money{b.ServiceFee, b.TaxAmount, b.TipAmount} {
		if component != nil {
			sum += component.Amount
		}
	}
	return sum
}

// Balanced reports whether Total matches the sum of its components.
func (b PriceBreakdown) Balanced() bool {
	return b.Total.Amount == b.ComponentSum()
}

// Fees returns platform plus service fees.
func (b PriceBreakdown) Fees() int64 {
	fees := b.PlatformFee.Amount
	if b.ServiceFee != nil {
		fees += b.ServiceFee.Amount
	}
	return fees
}

// Tax returns the tax amount or zero.
func (b PriceBreakdown) Tax() int64 {
	if b.TaxAmount == nil {
		return 0
	}
	return b.TaxAmount.Amount
}

// Clone returns a deep copy of the breakdown.
func (b PriceBreakdown) Clone() PriceBreakdown {
	dup := b
	dup.ServiceFee = cloneMoneyPtr(b.ServiceFee)
	dup.TaxAmount = cloneMoneyPtr(b.TaxAmount)
	dup.TipAmount = cloneMoneyPtr(b.TipAmount)
	dup.Deposit = cloneMoneyPtr(b.Deposit)
	return dup
}

func cloneMoneyPtr(m *Money) *Money {
	if m == nil {
		return nil
	}
	dup := *m
	return &dup
}
