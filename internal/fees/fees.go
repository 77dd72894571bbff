// Package fees computes commission and margin from an instrument's schedule.
//
// Money math runs on decimals and is rounded to cents at the edge, so ratio
// schedules like 0.000023/turnover don't accumulate binary-float drift across
// a day of fills.
package fees

import (
	"github.com/shopspring/decimal"

	"github.com/ktrader-tech/ktrader-broker-api/pkg/types"
)

const moneyPlaces = 2

// Turnover returns price · volume · multiplier.
func Turnover(sec *types.Security, price float64, volume int) float64 {
	t := decimal.NewFromFloat(price).
		Mul(decimal.NewFromInt(int64(volume))).
		Mul(decimal.NewFromInt(int64(sec.Multiplier())))
	f, _ := t.Round(moneyPlaces).Float64()
	return f
}

// Commission returns the fee for one fill: turnover·ratio + perLot·volume,
// floored at the instrument's minimum when one is set.
func Commission(sec *types.Security, price float64, volume int) float64 {
	turnover := decimal.NewFromFloat(price).
		Mul(decimal.NewFromInt(int64(volume))).
		Mul(decimal.NewFromInt(int64(sec.Multiplier())))
	c := turnover.Mul(decimal.NewFromFloat(sec.CommissionRatio)).
		Add(decimal.NewFromFloat(sec.CommissionPerLot).Mul(decimal.NewFromInt(int64(volume))))
	if sec.MinCommission > 0 {
		if min := decimal.NewFromFloat(sec.MinCommission); c.LessThan(min) {
			c = min
		}
	}
	f, _ := c.Round(moneyPlaces).Float64()
	return f
}

// Margin returns the cash frozen to carry volume lots at price.
// Instruments without a margin ratio (stocks) freeze full notional.
func Margin(sec *types.Security, price float64, volume int) float64 {
	notional := decimal.NewFromFloat(price).
		Mul(decimal.NewFromInt(int64(volume))).
		Mul(decimal.NewFromInt(int64(sec.Multiplier())))
	ratio := sec.MarginRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	f, _ := notional.Mul(decimal.NewFromFloat(ratio)).Round(moneyPlaces).Float64()
	return f
}
