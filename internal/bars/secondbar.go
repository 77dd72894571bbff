// Package bars builds OHLCV bars from tick streams.
//
// SecondBarGenerator is the per-(code, interval) state machine for sub-minute
// bars; BarAggregator fans ticks out to generators and composes minute bars
// into higher intervals. Bar boundaries follow tick time, not wall time, so
// replayed sessions aggregate exactly like live ones; wall-clock timers only
// close bars that ticks stopped arriving for.
package bars

import (
	"fmt"
	"sync"
	"time"

	"github.com/ktrader-tech/ktrader-broker-api/pkg/broker"
	"github.com/ktrader-tech/ktrader-broker-api/pkg/types"
)

// validSecondIntervals are the divisors of 60 greater than 1.
var validSecondIntervals = map[int]struct{}{
	2: {}, 3: {}, 5: {}, 6: {}, 10: {}, 15: {}, 20: {}, 30: {}, 60: {},
}

// flushGrace is how long past a bar's end time a late tick still folds into
// it, and the delay after end time before the wall-clock flush fires.
const flushGrace = time.Second

// SecondBarGenerator produces bars at one sub-minute interval for one code.
// Bars whose open price is still the zero sentinel are never emitted.
type SecondBarGenerator struct {
	mu sync.Mutex

	code     string
	interval int
	emit     func(*types.Bar)

	current          *types.Bar
	marketStatus     types.MarketStatus
	firstAuctionTick *types.Tick

	// gen invalidates pending flush timers whenever current advances.
	gen    uint64
	timer  *time.Timer
	closed bool
}

// NewSecondBarGenerator creates a generator for one (code, interval).
// interval must be a divisor of 60 greater than 1.
func NewSecondBarGenerator(code string, interval int, emit func(*types.Bar)) (*SecondBarGenerator, error) {
	if _, ok := validSecondIntervals[interval]; !ok {
		return nil, fmt.Errorf("%w: bar interval %ds (want a divisor of 60 > 1)", broker.ErrInvalidArgument, interval)
	}
	g := &SecondBarGenerator{
		code:         code,
		interval:     interval,
		emit:         emit,
		marketStatus: types.MarketUnknown,
	}
	// Seed a sentinel bar at the next whole-minute boundary; it is silent
	// until a trading tick replaces it.
	g.current = g.newBar(time.Now().Truncate(time.Minute).Add(time.Minute), 0)
	return g, nil
}

// newBar builds a bar starting at start. open == 0 marks the sentinel.
func (g *SecondBarGenerator) newBar(start time.Time, open float64) *types.Bar {
	return &types.Bar{
		Code:      g.code,
		Interval:  g.interval,
		StartTime: start,
		EndTime:   start.Add(time.Duration(g.interval) * time.Second),
		Open:      open,
		High:      open,
		Low:       open,
		Close:     open,
	}
}

// alignStart aligns t down to the interval boundary within its minute.
func (g *SecondBarGenerator) alignStart(t time.Time) time.Time {
	sec := t.Second() / g.interval * g.interval
	return t.Truncate(time.Minute).Add(time.Duration(sec) * time.Second)
}

// OnTick feeds one tick through the state machine.
func (g *SecondBarGenerator) OnTick(tick *types.Tick) {
	g.mu.Lock()
	var out []*types.Bar
	g.ingestLocked(tick, &out)
	g.mu.Unlock()

	g.postBars(out)
}

func (g *SecondBarGenerator) ingestLocked(tick *types.Tick, out *[]*types.Bar) {
	if g.closed {
		return
	}
	if tick.Status == types.MarketClosed {
		g.marketStatus = types.MarketClosed
		return
	}

	prev := g.marketStatus
	if !prev.Trading() && tick.Status.Trading() {
		// Market just opened (or resumed): start a fresh bar at this tick.
		g.replaceCurrentLocked(g.newBar(g.alignStart(tick.Time), tick.LastPrice))
	}
	g.marketStatus = tick.Status

	if tick.Volume == 0 {
		// Pure status tick.
		return
	}

	if tick.Status.Auction() {
		// The open-auction match is folded into the first continuous bar,
		// not into any auction-phase bar.
		if g.firstAuctionTick == nil {
			g.firstAuctionTick = tick
		}
		return
	}

	if g.firstAuctionTick != nil && tick.Status == types.MarketContinuousMatching {
		auction := g.firstAuctionTick
		g.firstAuctionTick = nil
		bar := g.newBar(g.alignStart(tick.Time), auction.LastPrice)
		g.replaceCurrentLocked(bar)
		fold(bar, auction)
	}

	cur := g.current
	switch {
	case tick.Time.Before(cur.EndTime):
		fold(cur, tick)
	case tick.Time.Before(cur.EndTime.Add(flushGrace)):
		// Boundary tick within the grace window closes the current bar.
		fold(cur, tick)
		*out = append(*out, cur)
		g.replaceCurrentLocked(g.newBar(cur.EndTime, tick.LastPrice))
	default:
		// Gap: close the stale bar without this tick, re-align.
		*out = append(*out, cur)
		next := g.newBar(g.alignStart(tick.Time), tick.LastPrice)
		g.replaceCurrentLocked(next)
		fold(next, tick)
	}
}

// fold applies a tick's trade data into a bar.
func fold(bar *types.Bar, tick *types.Tick) {
	if bar.High == 0 && bar.Low == 0 {
		bar.High = tick.LastPrice
		bar.Low = tick.LastPrice
	} else {
		if tick.LastPrice > bar.High {
			bar.High = tick.LastPrice
		}
		if tick.LastPrice < bar.Low {
			bar.Low = tick.LastPrice
		}
	}
	bar.Close = tick.LastPrice
	bar.Volume += int64(tick.Volume)
	bar.Turnover += tick.Turnover
	bar.OpenInterest = tick.TodayOpenInterest
}

// replaceCurrentLocked swaps in the next bar, invalidates the pending flush
// timer and arms a new one at endTime + grace.
func (g *SecondBarGenerator) replaceCurrentLocked(bar *types.Bar) {
	g.current = bar
	g.gen++
	g.armTimerLocked()
}

// armTimerLocked schedules the wall-clock flush for the current bar. Bars in
// the past (historical replay) are never armed: the next tick closes them.
func (g *SecondBarGenerator) armTimerLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	delay := time.Until(g.current.EndTime.Add(flushGrace))
	if delay <= 0 {
		return
	}
	gen := g.gen
	g.timer = time.AfterFunc(delay, func() { g.flush(gen) })
}

// flush closes the current bar when no boundary tick arrived in time. The
// next bar opens at the previous close so the series stays continuous across
// tick gaps.
func (g *SecondBarGenerator) flush(gen uint64) {
	g.mu.Lock()
	if g.closed || gen != g.gen {
		g.mu.Unlock()
		return
	}
	done := g.current
	g.replaceCurrentLocked(g.newBar(done.EndTime, done.Close))
	g.mu.Unlock()

	g.postBars([]*types.Bar{done})
}

// postBars emits bars, suppressing the uninitialized sentinel.
func (g *SecondBarGenerator) postBars(bars []*types.Bar) {
	for _, b := range bars {
		if b.Open == 0 {
			continue
		}
		g.emit(b)
	}
}

// Reset restores the initial state for a new trading day.
func (g *SecondBarGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.gen++
	g.marketStatus = types.MarketUnknown
	g.firstAuctionTick = nil
	g.current = g.newBar(time.Now().Truncate(time.Minute).Add(time.Minute), 0)
}

// Close stops the generator and cancels its timer.
func (g *SecondBarGenerator) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.gen++
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}
