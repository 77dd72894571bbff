package bars

import (
	"errors"
	"testing"
	"time"

	"github.com/ktrader-tech/ktrader-broker-api/pkg/broker"
	"github.com/ktrader-tech/ktrader-broker-api/pkg/types"
)

// at builds a timestamp on a fixed historical session so wall-clock flush
// timers never arm and the state machine is driven by ticks alone.
func at(h, m, s int) time.Time {
	return time.Date(2024, 5, 20, h, m, s, 0, time.Local)
}

func tick(code string, t time.Time, price float64, volume int, status types.MarketStatus) *types.Tick {
	return &types.Tick{
		Code:      code,
		Time:      t,
		LastPrice: price,
		Volume:    volume,
		Turnover:  price * float64(volume),
		Status:    status,
	}
}

func collector() (func(*types.Bar), *[]*types.Bar) {
	var bars []*types.Bar
	return func(b *types.Bar) { bars = append(bars, b) }, &bars
}

func TestInvalidIntervals(t *testing.T) {
	t.Parallel()
	for _, interval := range []int{0, -5, 1, 4, 7, 45, 61, 120} {
		_, err := NewSecondBarGenerator("X", interval, func(*types.Bar) {})
		if !errors.Is(err, broker.ErrInvalidArgument) {
			t.Errorf("interval %d: err = %v, want ErrInvalidArgument", interval, err)
		}
	}
}

func TestValidIntervals(t *testing.T) {
	t.Parallel()
	for _, interval := range []int{2, 3, 5, 6, 10, 15, 20, 30, 60} {
		if _, err := NewSecondBarGenerator("X", interval, func(*types.Bar) {}); err != nil {
			t.Errorf("interval %d: unexpected error %v", interval, err)
		}
	}
}

// Continuous ticks at 10:00:02, 10:00:11 and 10:00:21 on a 10-second
// generator produce the two aligned bars between them.
func TestBarAlignment(t *testing.T) {
	t.Parallel()
	emit, bars := collector()
	g, err := NewSecondBarGenerator("X", 10, emit)
	if err != nil {
		t.Fatal(err)
	}

	g.OnTick(tick("X", at(10, 0, 2), 100.0, 1, types.MarketContinuousMatching))
	g.OnTick(tick("X", at(10, 0, 11), 101.0, 2, types.MarketContinuousMatching))
	g.OnTick(tick("X", at(10, 0, 21), 99.0, 3, types.MarketContinuousMatching))

	if len(*bars) != 2 {
		t.Fatalf("emitted %d bars, want 2", len(*bars))
	}

	b1 := (*bars)[0]
	if !b1.StartTime.Equal(at(10, 0, 0)) || !b1.EndTime.Equal(at(10, 0, 10)) {
		t.Errorf("bar1 span = [%v, %v), want [10:00:00, 10:00:10)", b1.StartTime, b1.EndTime)
	}
	if b1.Open != 100 || b1.High != 100 || b1.Low != 100 || b1.Close != 100 || b1.Volume != 1 {
		t.Errorf("bar1 = O%v H%v L%v C%v V%d, want all 100 / volume 1", b1.Open, b1.High, b1.Low, b1.Close, b1.Volume)
	}

	b2 := (*bars)[1]
	if !b2.StartTime.Equal(at(10, 0, 10)) || !b2.EndTime.Equal(at(10, 0, 20)) {
		t.Errorf("bar2 span = [%v, %v), want [10:00:10, 10:00:20)", b2.StartTime, b2.EndTime)
	}
	if b2.Open != 101 || b2.Close != 101 || b2.Volume != 2 {
		t.Errorf("bar2 = O%v C%v V%d, want O101 C101 V2", b2.Open, b2.Close, b2.Volume)
	}
}

// The open-auction match becomes the opening trade of the first continuous
// bar: its price is the open and its volume folds in.
func TestAuctionMerge(t *testing.T) {
	t.Parallel()
	emit, bars := collector()
	g, err := NewSecondBarGenerator("X", 10, emit)
	if err != nil {
		t.Fatal(err)
	}

	g.OnTick(tick("X", at(9, 14, 59), 3000, 10, types.MarketAuctionMatched))
	g.OnTick(tick("X", at(9, 15, 0), 3001, 5, types.MarketContinuousMatching))
	// Boundary tick closes the first continuous bar.
	g.OnTick(tick("X", at(9, 15, 11), 3002, 1, types.MarketContinuousMatching))

	if len(*bars) != 1 {
		t.Fatalf("emitted %d bars, want 1", len(*bars))
	}
	b := (*bars)[0]
	if !b.StartTime.Equal(at(9, 15, 0)) {
		t.Errorf("bar start = %v, want 09:15:00", b.StartTime)
	}
	if b.Open != 3000 {
		t.Errorf("bar open = %v, want the auction match 3000", b.Open)
	}
	if b.Volume != 15 {
		t.Errorf("bar volume = %d, want 15 (auction 10 + continuous 5)", b.Volume)
	}
	if b.Close != 3001 || b.High != 3001 {
		t.Errorf("bar close/high = %v/%v, want 3001/3001", b.Close, b.High)
	}
}

// A boundary tick inside the grace window folds into the closing bar.
func TestGraceWindowFoldsBoundaryTick(t *testing.T) {
	t.Parallel()
	emit, bars := collector()
	g, _ := NewSecondBarGenerator("X", 10, emit)

	g.OnTick(tick("X", at(10, 0, 2), 100, 1, types.MarketContinuousMatching))
	late := at(10, 0, 10).Add(500 * time.Millisecond)
	g.OnTick(tick("X", late, 102, 4, types.MarketContinuousMatching))

	if len(*bars) != 1 {
		t.Fatalf("emitted %d bars, want 1", len(*bars))
	}
	b := (*bars)[0]
	if b.Volume != 5 || b.Close != 102 || b.High != 102 {
		t.Errorf("grace bar = V%d C%v H%v, want V5 C102 H102 (late tick folded)", b.Volume, b.Close, b.High)
	}
}

// A gap beyond the grace window closes the stale bar without the new tick
// and realigns.
func TestGapRealignsWithoutFoldingIntoStaleBar(t *testing.T) {
	t.Parallel()
	emit, bars := collector()
	g, _ := NewSecondBarGenerator("X", 10, emit)

	g.OnTick(tick("X", at(10, 0, 2), 100, 1, types.MarketContinuousMatching))
	g.OnTick(tick("X", at(10, 0, 35), 105, 2, types.MarketContinuousMatching))
	g.OnTick(tick("X", at(10, 0, 41), 106, 1, types.MarketContinuousMatching))

	if len(*bars) != 2 {
		t.Fatalf("emitted %d bars, want 2", len(*bars))
	}
	if (*bars)[0].Volume != 1 || (*bars)[0].Close != 100 {
		t.Errorf("stale bar = V%d C%v, want V1 C100 (gap tick excluded)", (*bars)[0].Volume, (*bars)[0].Close)
	}
	b2 := (*bars)[1]
	if !b2.StartTime.Equal(at(10, 0, 30)) {
		t.Errorf("realigned bar start = %v, want 10:00:30", b2.StartTime)
	}
	if b2.Open != 105 || b2.Volume != 2 {
		t.Errorf("realigned bar = O%v V%d, want O105 V2", b2.Open, b2.Volume)
	}
}

func TestClosedMarketTicksIgnored(t *testing.T) {
	t.Parallel()
	emit, bars := collector()
	g, _ := NewSecondBarGenerator("X", 10, emit)

	g.OnTick(tick("X", at(15, 0, 1), 100, 5, types.MarketClosed))
	g.OnTick(tick("X", at(15, 0, 12), 100, 5, types.MarketClosed))

	if len(*bars) != 0 {
		t.Errorf("emitted %d bars from a closed market, want 0", len(*bars))
	}
}

func TestPureStatusTickDoesNotTrade(t *testing.T) {
	t.Parallel()
	emit, bars := collector()
	g, _ := NewSecondBarGenerator("X", 10, emit)

	g.OnTick(tick("X", at(10, 0, 2), 100, 0, types.MarketContinuousMatching))
	g.OnTick(tick("X", at(10, 0, 21), 101, 1, types.MarketContinuousMatching))

	// The zero-volume tick opened the session bar but contributed nothing;
	// the gap then emits it with volume 0 but a real open.
	if len(*bars) != 1 {
		t.Fatalf("emitted %d bars, want 1", len(*bars))
	}
	if (*bars)[0].Volume != 0 || (*bars)[0].Open != 100 {
		t.Errorf("bar = V%d O%v, want V0 O100", (*bars)[0].Volume, (*bars)[0].Open)
	}
}

// Bars whose open price is still the zero sentinel stay silent.
func TestSentinelBarsSuppressed(t *testing.T) {
	t.Parallel()
	emit, bars := collector()
	g, _ := NewSecondBarGenerator("X", 10, emit)

	// Status-only tick before any trading state: UNKNOWN is not a trading
	// transition, so the sentinel bar never initializes.
	g.OnTick(tick("X", at(9, 0, 0), 0, 0, types.MarketUnknown))
	g.OnTick(tick("X", at(9, 0, 30), 0, 0, types.MarketUnknown))

	if len(*bars) != 0 {
		t.Errorf("emitted %d sentinel bars, want 0", len(*bars))
	}
}

func TestResetRestoresInitialState(t *testing.T) {
	t.Parallel()
	emit, bars := collector()
	g, _ := NewSecondBarGenerator("X", 10, emit)

	g.OnTick(tick("X", at(10, 0, 2), 100, 1, types.MarketContinuousMatching))
	g.Reset()
	*bars = nil

	// After reset the generator behaves like a fresh session.
	g.OnTick(tick("X", at(21, 0, 2), 200, 1, types.MarketContinuousMatching))
	g.OnTick(tick("X", at(21, 0, 15), 201, 1, types.MarketContinuousMatching))

	if len(*bars) != 1 {
		t.Fatalf("emitted %d bars after reset, want 1", len(*bars))
	}
	if (*bars)[0].Open != 200 {
		t.Errorf("post-reset open = %v, want 200", (*bars)[0].Open)
	}
}
