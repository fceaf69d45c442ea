package services

import (
	"github.com/shopspring/decimal"

	"app-hivepay/config"
)

// FeeCalculator computes the application fee for a contribution debit.
// All arithmetic stays in exact decimal; rounding to cents happens only at
// the gateway boundary.
type FeeCalculator struct {
	percent   decimal.Decimal
	fixed     decimal.Decimal
	cap       decimal.Decimal
	surcharge decimal.Decimal
}

// NewFeeCalculator creates a calculator from the configured fee knobs
func NewFeeCalculator(cfg *config.Config) *FeeCalculator {
	return &FeeCalculator{
		percent:   cfg.FeePercent,
		fixed:     cfg.FeeFixed,
		cap:       cfg.FeeCap,
		surcharge: cfg.RetrySurcharge,
	}
}

// FeeForAttempt returns the fee for a debit at the given retry count.
// First attempts pay min(cap, amount*percent + fixed); retries add the
// surcharge once, regardless of how many retries preceded them.
func (fc *FeeCalculator) FeeForAttempt(amount decimal.Decimal, retryCount int) decimal.Decimal {
	fee := amount.Mul(fc.percent).Add(fc.fixed)
	if fee.GreaterThan(fc.cap) {
		fee = fc.cap
	}
	if retryCount >= 1 {
		fee = fee.Add(fc.surcharge)
	}
	return fee
}
