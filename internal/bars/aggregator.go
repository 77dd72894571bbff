package bars

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ktrader-tech/ktrader-broker-api/pkg/broker"
	"github.com/ktrader-tech/ktrader-broker-api/pkg/types"
)

// Subscription identifies one bar feed: a code and an interval in seconds.
type Subscription struct {
	Code     string
	Interval int
}

// BarAggregator multiplexes per-code bar subscriptions across intervals.
//
// Intervals up to 60s run a SecondBarGenerator directly. Intervals above 60s
// must be whole minutes; they implicitly run a 60s feed whose bars accumulate
// in a per-code minute cache, and every k-th minute bar (k = interval/60)
// composes one higher-interval bar. User subscriptions are tracked separately
// from the effective feed set so implicit minute feeds are torn down when the
// last dependent unsubscribes.
type BarAggregator struct {
	mu sync.Mutex

	post   func(*types.Bar)
	logger *slog.Logger

	generators  map[Subscription]*SecondBarGenerator
	user        map[Subscription]struct{}
	effective   map[Subscription]struct{}
	minuteCache map[string][]*types.Bar
}

// NewBarAggregator creates an aggregator that emits every produced bar to post.
func NewBarAggregator(post func(*types.Bar), logger *slog.Logger) *BarAggregator {
	return &BarAggregator{
		post:        post,
		logger:      logger.With("component", "bars"),
		generators:  make(map[Subscription]*SecondBarGenerator),
		user:        make(map[Subscription]struct{}),
		effective:   make(map[Subscription]struct{}),
		minuteCache: make(map[string][]*types.Bar),
	}
}

// Subscribe registers a user bar feed for (code, interval).
func (a *BarAggregator) Subscribe(code string, interval int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case interval <= 0:
		return fmt.Errorf("%w: bar interval %ds", broker.ErrInvalidArgument, interval)
	case interval <= 60:
		if err := a.ensureGeneratorLocked(code, interval); err != nil {
			return err
		}
	default:
		if interval%60 != 0 {
			return fmt.Errorf("%w: bar interval %ds (intervals above 60s must be whole minutes)", broker.ErrInvalidArgument, interval)
		}
		// Implicit minute feed drives the composite.
		if err := a.ensureGeneratorLocked(code, 60); err != nil {
			return err
		}
		if _, ok := a.minuteCache[code]; !ok {
			a.minuteCache[code] = nil
		}
	}

	a.user[Subscription{code, interval}] = struct{}{}
	a.logger.Debug("bar feed subscribed", "code", code, "interval", interval)
	return nil
}

// Unsubscribe removes a user bar feed and tears down feeds nothing depends on.
func (a *BarAggregator) Unsubscribe(code string, interval int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.user, Subscription{code, interval})
	a.cleanupLocked(code)
}

func (a *BarAggregator) ensureGeneratorLocked(code string, interval int) error {
	key := Subscription{code, interval}
	if _, ok := a.generators[key]; ok {
		return nil
	}
	var gen *SecondBarGenerator
	var err error
	if interval == 60 {
		gen, err = NewSecondBarGenerator(code, interval, func(b *types.Bar) { a.onMinuteBar(b) })
	} else {
		gen, err = NewSecondBarGenerator(code, interval, a.post)
	}
	if err != nil {
		return err
	}
	a.generators[key] = gen
	a.effective[key] = struct{}{}
	return nil
}

// cleanupLocked drops generators and caches no user subscription depends on.
func (a *BarAggregator) cleanupLocked(code string) {
	needsMinute := false
	higher := false
	for sub := range a.user {
		if sub.Code != code {
			continue
		}
		if sub.Interval == 60 {
			needsMinute = true
		}
		if sub.Interval > 60 {
			higher = true
			needsMinute = true
		}
	}
	if !higher {
		delete(a.minuteCache, code)
	}
	for key, gen := range a.generators {
		if key.Code != code {
			continue
		}
		needed := false
		if key.Interval == 60 {
			needed = needsMinute
		} else {
			_, needed = a.user[key]
		}
		if !needed {
			gen.Close()
			delete(a.generators, key)
			delete(a.effective, key)
		}
	}
}

// onMinuteBar handles every bar from a 60s generator: forwards it to user
// subscribers, appends the minute cache and composes higher-interval bars
// whenever the cache length reaches a multiple of interval/60.
func (a *BarAggregator) onMinuteBar(bar *types.Bar) {
	a.mu.Lock()
	var out []*types.Bar
	if _, ok := a.user[Subscription{bar.Code, 60}]; ok {
		out = append(out, bar)
	}
	if cache, ok := a.minuteCache[bar.Code]; ok {
		cache = append(cache, bar)
		a.minuteCache[bar.Code] = cache
		for sub := range a.user {
			if sub.Code != bar.Code || sub.Interval <= 60 {
				continue
			}
			k := sub.Interval / 60
			if len(cache)%k == 0 {
				out = append(out, compose(cache[len(cache)-k:], sub.Interval))
			}
		}
	}
	a.mu.Unlock()

	for _, b := range out {
		a.post(b)
	}
}

// compose merges k consecutive minute bars into one higher-interval bar.
func compose(minutes []*types.Bar, interval int) *types.Bar {
	first, last := minutes[0], minutes[len(minutes)-1]
	out := &types.Bar{
		Code:         first.Code,
		Interval:     interval,
		StartTime:    first.StartTime,
		EndTime:      last.EndTime,
		Open:         first.Open,
		High:         first.High,
		Low:          first.Low,
		Close:        last.Close,
		OpenInterest: last.OpenInterest,
	}
	for _, m := range minutes {
		if m.High > out.High {
			out.High = m.High
		}
		if m.Low < out.Low {
			out.Low = m.Low
		}
		out.Volume += m.Volume
		out.Turnover += m.Turnover
	}
	return out
}

// UpdateTick routes a tick to every generator for its code.
func (a *BarAggregator) UpdateTick(tick *types.Tick) {
	a.mu.Lock()
	gens := make([]*SecondBarGenerator, 0, 2)
	for key, gen := range a.generators {
		if key.Code == tick.Code {
			gens = append(gens, gen)
		}
	}
	a.mu.Unlock()

	for _, gen := range gens {
		gen.OnTick(tick)
	}
}

// UserSubscriptions returns the explicit user subscription set.
func (a *BarAggregator) UserSubscriptions() []Subscription {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Subscription, 0, len(a.user))
	for sub := range a.user {
		out = append(out, sub)
	}
	return out
}

// EffectiveSubscriptions returns the running feed set, including implicit
// minute feeds that back higher intervals.
func (a *BarAggregator) EffectiveSubscriptions() []Subscription {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Subscription, 0, len(a.effective))
	for sub := range a.effective {
		out = append(out, sub)
	}
	return out
}

// Reset restores every generator and cache for a new trading day.
// Subscriptions survive the reset.
func (a *BarAggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, gen := range a.generators {
		gen.Reset()
	}
	for code := range a.minuteCache {
		a.minuteCache[code] = nil
	}
}

// Release stops all generators and their timers and clears all state.
func (a *BarAggregator) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, gen := range a.generators {
		gen.Close()
	}
	a.generators = make(map[Subscription]*SecondBarGenerator)
	a.user = make(map[Subscription]struct{})
	a.effective = make(map[Subscription]struct{})
	a.minuteCache = make(map[string][]*types.Bar)
}
