// Package fees computes the protocol fee breakdown applied at settlement.
//
// All components are expressed in basis points against the escrowed amount.
// The sum of all components is capped at configuration time, so settlement
// itself can never fail for fee reasons.
package fees

import (
	"errors"
	"fmt"
)

// BpsDenominator is the basis-point scale: 10,000 bps == 100%.
const BpsDenominator = 10_000

// DefaultMaxTotalBps caps the combined fee at 10% unless configured otherwise.
const DefaultMaxTotalBps = 1_000

var ErrInvalidFeeConfig = errors.New("fee configuration exceeds the allowed cap")

// Config holds the per-component fee rates in basis points.
type Config struct {
	BurnBps        int64 `json:"burnBps"`
	ChainBps       int64 `json:"chainBps"`
	WarchestBps    int64 `json:"warchestBps"`
	ConversionBps  int64 `json:"conversionBps"`
	ArbitrationBps int64 `json:"arbitrationBps"`

	// MaxTotalBps caps the sum of all components. Zero means DefaultMaxTotalBps.
	MaxTotalBps int64 `json:"maxTotalBps"`
}

// Validate checks the configuration cap. Called once at load time.
func (c Config) Validate() error {
	for _, bps := range []int64{c.BurnBps, c.ChainBps, c.WarchestBps, c.ConversionBps, c.ArbitrationBps} {
		if bps < 0 {
			return fmt.Errorf("%w: negative component", ErrInvalidFeeConfig)
		}
	}
	cap := c.MaxTotalBps
	if cap == 0 {
		cap = DefaultMaxTotalBps
	}
	total := c.BurnBps + c.ChainBps + c.WarchestBps + c.ConversionBps + c.ArbitrationBps
	if total > cap {
		return fmt.Errorf("%w: %d bps > %d bps", ErrInvalidFeeConfig, total, cap)
	}
	return nil
}

// Breakdown is the result of applying a Config to a settlement amount.
// Each component truncates toward zero; the rounding remainder stays with
// the counterparty, so BuyerReceives + Total() == amount exactly.
type Breakdown struct {
	Burn        int64 `json:"burn"`
	Chain       int64 `json:"chain"`
	Warchest    int64 `json:"warchest"`
	Conversion  int64 `json:"conversion"`
	Arbitration int64 `json:"arbitration"`

	// BuyerReceives is the settlement amount net of all components above.
	BuyerReceives int64 `json:"buyerReceives"`
}

// Total returns the sum of all fee components.
func (b Breakdown) Total() int64 {
	return b.Burn + b.Chain + b.Warchest + b.Conversion + b.Arbitration
}

// Compute returns the fee breakdown for a settlement amount in token base
// units. The arbitration component is only charged on arbitrated settlements;
// pass withArbitration=false for a normal release.
func Compute(amount int64, cfg Config, withArbitration bool) Breakdown {
	b := Breakdown{
		Burn:       component(amount, cfg.BurnBps),
		Chain:      component(amount, cfg.ChainBps),
		Warchest:   component(amount, cfg.WarchestBps),
		Conversion: component(amount, cfg.ConversionBps),
	}
	if withArbitration {
		b.Arbitration = component(amount, cfg.ArbitrationBps)
	}
	b.BuyerReceives = amount - b.Total()
	return b
}

func component(amount, bps int64) int64 {
	return amount * bps / BpsDenominator
}
