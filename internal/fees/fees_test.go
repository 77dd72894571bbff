package fees

import (
	"math"
	"testing"

	"github.com/ktrader-tech/ktrader-broker-api/pkg/types"
)

func TestCommissionRatioPlusPerLot(t *testing.T) {
	t.Parallel()
	sec := &types.Security{
		Code:             "rb2410",
		VolumeMultiple:   10,
		CommissionRatio:  0.0001,
		CommissionPerLot: 1.5,
	}

	// turnover = 3500 * 2 * 10 = 70000; ratio part 7.0; per-lot part 3.0
	got := Commission(sec, 3500, 2)
	if math.Abs(got-10.0) > 1e-9 {
		t.Errorf("Commission = %v, want 10.0", got)
	}
}

func TestCommissionMinimumFloor(t *testing.T) {
	t.Parallel()
	sec := &types.Security{
		Code:            "600000",
		VolumeMultiple:  1,
		CommissionRatio: 0.0001,
		MinCommission:   5,
	}

	// turnover = 10 * 100 = 1000, ratio part 0.10 — floored to 5.
	if got := Commission(sec, 10, 100); got != 5 {
		t.Errorf("Commission = %v, want minimum 5", got)
	}
}

func TestCommissionDecimalExactness(t *testing.T) {
	t.Parallel()
	sec := &types.Security{
		Code:            "IF2409",
		VolumeMultiple:  300,
		CommissionRatio: 0.000023,
	}

	// 3900.2 * 1 * 300 * 0.000023 = 26.91138 → rounds to 26.91, not a
	// float artifact like 26.909999….
	if got := Commission(sec, 3900.2, 1); got != 26.91 {
		t.Errorf("Commission = %v, want 26.91", got)
	}
}

func TestMarginRatio(t *testing.T) {
	t.Parallel()
	sec := &types.Security{
		Code:           "rb2410",
		VolumeMultiple: 10,
		MarginRatio:    0.12,
	}

	// 3500 * 2 * 10 * 0.12 = 8400
	if got := Margin(sec, 3500, 2); math.Abs(got-8400) > 1e-9 {
		t.Errorf("Margin = %v, want 8400", got)
	}
}

func TestMarginDefaultsToFullNotional(t *testing.T) {
	t.Parallel()
	sec := &types.Security{Code: "600000", VolumeMultiple: 1}

	if got := Margin(sec, 10, 100); got != 1000 {
		t.Errorf("Margin = %v, want full notional 1000", got)
	}
}

func TestTurnover(t *testing.T) {
	t.Parallel()
	sec := &types.Security{Code: "rb2410", VolumeMultiple: 10}

	if got := Turnover(sec, 3501.5, 3); math.Abs(got-105045) > 1e-9 {
		t.Errorf("Turnover = %v, want 105045", got)
	}
}
