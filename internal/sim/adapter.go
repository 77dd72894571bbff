// Package sim is the reference façade adapter: a paper venue that hosts the
// tick order matcher over a live tick feed.
//
// It fills the role a broker-wire adapter (CTP, XTP, …) plays in production:
// ticks arrive from a WebSocket feed (or are injected directly in replay and
// test runs), orders are matched against each tick's book by internal/match,
// and instrument reference data comes from a REST endpoint. Position and
// asset accounting is intentionally not done here — stack a SEP overlay on
// top for that.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ktrader-tech/ktrader-broker-api/internal/bus"
	"github.com/ktrader-tech/ktrader-broker-api/internal/feed"
	"github.com/ktrader-tech/ktrader-broker-api/internal/fees"
	"github.com/ktrader-tech/ktrader-broker-api/internal/match"
	"github.com/ktrader-tech/ktrader-broker-api/internal/metrics"
	"github.com/ktrader-tech/ktrader-broker-api/pkg/broker"
	"github.com/ktrader-tech/ktrader-broker-api/pkg/types"
)

// Options configures an Adapter.
type Options struct {
	Account     string
	InitialCash float64

	// FeedURL is the WebSocket tick endpoint; empty runs feedless (ticks
	// only via FeedTick, as in tests and replays).
	FeedURL string
	// ReferenceURL is the REST reference-data endpoint; empty uses
	// default instrument schedules.
	ReferenceURL string
}

// Adapter is the simulated broker façade.
type Adapter struct {
	name     string
	account  string
	sourceID string
	opts     Options

	eventBus *bus.Bus
	matcher  *match.Matcher
	tickFeed *feed.TickFeed
	refs     *feed.ReferenceClient
	logger   *slog.Logger

	mu          sync.Mutex
	connected   bool
	tradingDay  time.Time
	securities  map[string]*types.Security
	lastTicks   map[string]*types.Tick
	tickSubs    map[string]struct{}
	allTicks    bool
	todayTrades []*types.Trade

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a sim adapter. The matcher and the event bus are owned by it.
func New(opts Options, logger *slog.Logger) *Adapter {
	a := &Adapter{
		name:       "sim",
		account:    opts.Account,
		sourceID:   "sim_" + opts.Account,
		opts:       opts,
		eventBus:   bus.New(),
		logger:     logger.With("component", "sim", "account", opts.Account),
		securities: make(map[string]*types.Security),
		lastTicks:  make(map[string]*types.Tick),
		tickSubs:   make(map[string]struct{}),
	}
	a.matcher = match.New(opts.Account, a.sourceID, a.eventBus, calculator{a}, logger)
	if opts.FeedURL != "" {
		a.tickFeed = feed.NewTickFeed(opts.FeedURL, logger)
	}
	if opts.ReferenceURL != "" {
		a.refs = feed.NewReferenceClient(opts.ReferenceURL, logger)
	}
	// Keep our own fill log so trade queries work without external storage.
	a.eventBus.Subscribe([]types.EventType{types.EventTradeReport}, a.sourceID, func(e *types.BrokerEvent) {
		if t, ok := e.Data.(*types.Trade); ok {
			a.mu.Lock()
			a.todayTrades = append(a.todayTrades, t.Clone())
			a.mu.Unlock()
		}
	})
	return a
}

// calculator adapts the façade calculate operations to the matcher's
// context-free Calculator port.
type calculator struct{ a *Adapter }

func (c calculator) CalculateOrder(o *types.Order) error {
	return c.a.CalculateOrder(context.Background(), o, nil)
}

func (c calculator) CalculateTrade(t *types.Trade) error {
	return c.a.CalculateTrade(context.Background(), t, nil)
}

func (a *Adapter) Name() string     { return a.name }
func (a *Adapter) Account() string  { return a.account }
func (a *Adapter) SourceID() string { return a.sourceID }
func (a *Adapter) Bus() *bus.Bus    { return a.eventBus }

func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Connect starts the tick feed (when configured), warms the instrument
// cache and announces the trading-day login on the bus.
func (a *Adapter) Connect(ctx context.Context, extras map[string]string) error {
	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	a.connected = true
	if a.tradingDay.IsZero() {
		a.tradingDay = time.Now().Truncate(24 * time.Hour)
	}
	a.runCtx, a.runCancel = context.WithCancel(context.Background())
	a.mu.Unlock()

	if a.refs != nil {
		if err := a.PrepareFeeCalculation(ctx, nil, extras); err != nil {
			a.logger.Warn("reference data unavailable", "error", err)
		}
	}

	if a.tickFeed != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.tickFeed.Run(a.runCtx); err != nil && a.runCtx.Err() == nil {
				a.logger.Error("tick feed stopped", "error", err)
			}
		}()
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			for {
				select {
				case <-a.runCtx.Done():
					return
				case tick := <-a.tickFeed.Ticks():
					a.FeedTick(tick)
				}
			}
		}()
	}

	a.eventBus.Post(types.EventConnection, a.sourceID, types.ConnectionEvent{State: types.ConnMdLoggedIn})
	a.eventBus.Post(types.EventConnection, a.sourceID, types.ConnectionEvent{State: types.ConnTdLoggedIn})
	return nil
}

// Close stops the feed and releases the bus.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil
	}
	a.connected = false
	cancel := a.runCancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if a.tickFeed != nil {
		a.tickFeed.Close()
	}
	a.wg.Wait()
	a.eventBus.Release()
	return nil
}

// FeedTick ingests one tick: caches it, publishes it to subscribers and runs
// a matching pass. Replays and tests call this directly; the feed loop calls
// it for live ticks.
func (a *Adapter) FeedTick(tick *types.Tick) {
	a.mu.Lock()
	a.lastTicks[tick.Code] = tick
	_, subscribed := a.tickSubs[tick.Code]
	subscribed = subscribed || a.allTicks
	a.mu.Unlock()

	metrics.Ticks.WithLabelValues(a.sourceID).Inc()
	if subscribed {
		a.eventBus.Post(types.EventTick, a.sourceID, tick)
	}
	a.matcher.OnTick(tick)
}

// SetTradingDay pins the trading day (replay sessions).
func (a *Adapter) SetTradingDay(day time.Time) {
	a.mu.Lock()
	a.tradingDay = day
	a.mu.Unlock()
}

// AdvanceTradingDay rolls the venue to a new day: the matcher state clears
// and NEW_TRADING_DAY is published.
func (a *Adapter) AdvanceTradingDay(day time.Time) {
	a.mu.Lock()
	a.tradingDay = day
	a.todayTrades = nil
	a.mu.Unlock()
	a.matcher.Reset()
	a.eventBus.Post(types.EventNewTradingDay, a.sourceID, day)
}

func (a *Adapter) TradingDay(ctx context.Context) (time.Time, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tradingDay, nil
}

func (a *Adapter) SubscribeTick(ctx context.Context, code string, extras map[string]string) error {
	return a.SubscribeTicks(ctx, []string{code}, extras)
}

func (a *Adapter) UnsubscribeTick(ctx context.Context, code string, extras map[string]string) error {
	return a.UnsubscribeTicks(ctx, []string{code}, extras)
}

func (a *Adapter) SubscribeTicks(ctx context.Context, codes []string, extras map[string]string) error {
	a.mu.Lock()
	for _, c := range codes {
		a.tickSubs[c] = struct{}{}
	}
	a.mu.Unlock()
	if a.tickFeed != nil {
		return a.tickFeed.Subscribe(codes)
	}
	return nil
}

func (a *Adapter) UnsubscribeTicks(ctx context.Context, codes []string, extras map[string]string) error {
	a.mu.Lock()
	for _, c := range codes {
		delete(a.tickSubs, c)
	}
	a.mu.Unlock()
	if a.tickFeed != nil {
		return a.tickFeed.Unsubscribe(codes)
	}
	return nil
}

func (a *Adapter) SubscribeAllTicks(ctx context.Context, extras map[string]string) error {
	a.mu.Lock()
	a.allTicks = true
	a.mu.Unlock()
	if a.tickFeed != nil {
		return a.tickFeed.SubscribeAll()
	}
	return nil
}

func (a *Adapter) UnsubscribeAllTicks(ctx context.Context, extras map[string]string) error {
	a.mu.Lock()
	a.allTicks = false
	a.tickSubs = make(map[string]struct{})
	a.mu.Unlock()
	if a.tickFeed != nil {
		return a.tickFeed.UnsubscribeAll()
	}
	return nil
}

func (a *Adapter) QueryTickSubscriptions(ctx context.Context, useCache bool) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.tickSubs))
	for c := range a.tickSubs {
		out = append(out, c)
	}
	return out, nil
}

func (a *Adapter) QueryLastTick(ctx context.Context, code string, useCache bool) (*types.Tick, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastTicks[code], nil
}

func (a *Adapter) QuerySecurity(ctx context.Context, code string, useCache bool) (*types.Security, error) {
	a.mu.Lock()
	sec, ok := a.securities[code]
	a.mu.Unlock()
	if ok && useCache {
		return sec, nil
	}
	if a.refs != nil {
		fetched, err := a.refs.GetSecurity(ctx, code)
		if err != nil {
			return nil, err
		}
		if fetched != nil {
			a.mu.Lock()
			a.securities[code] = fetched
			a.mu.Unlock()
			return fetched, nil
		}
	}
	return sec, nil
}

func (a *Adapter) QueryAllSecurities(ctx context.Context, useCache bool) ([]*types.Security, error) {
	if !useCache && a.refs != nil {
		if err := a.PrepareFeeCalculation(ctx, nil, nil); err != nil {
			return nil, err
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*types.Security, 0, len(a.securities))
	for _, sec := range a.securities {
		out = append(out, sec)
	}
	return out, nil
}

// SetSecurity seeds an instrument schedule (replay and test sessions).
func (a *Adapter) SetSecurity(sec *types.Security) {
	a.mu.Lock()
	a.securities[sec.Code] = sec
	a.mu.Unlock()
}

// QueryAssets reports the venue's static cash; stacking overlays do the
// real accounting.
func (a *Adapter) QueryAssets(ctx context.Context, useCache bool) (*types.Assets, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	assets := &types.Assets{
		AccountID:   a.account,
		TradingDay:  a.tradingDay,
		InitialCash: a.opts.InitialCash,
	}
	assets.Recalculate()
	return assets, nil
}

func (a *Adapter) QueryPosition(ctx context.Context, code string, dir types.Direction, useCache bool) (*types.Position, error) {
	return nil, nil
}

func (a *Adapter) QueryPositions(ctx context.Context, code string, useCache bool) ([]*types.Position, error) {
	return nil, nil
}

func (a *Adapter) QueryPositionDetails(ctx context.Context, code string, useCache bool) ([]*types.PositionDetail, error) {
	return nil, nil
}

func (a *Adapter) QueryOrder(ctx context.Context, orderID string, useCache bool) (*types.Order, error) {
	return a.matcher.Order(orderID), nil
}

func (a *Adapter) QueryOrders(ctx context.Context, code string, onlyUnfinished, useCache bool) ([]*types.Order, error) {
	return a.matcher.Orders(code, onlyUnfinished), nil
}

func (a *Adapter) QueryTrade(ctx context.Context, tradeID string, useCache bool) (*types.Trade, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range a.todayTrades {
		if t.TradeID == tradeID {
			return t.Clone(), nil
		}
	}
	return nil, nil
}

func (a *Adapter) QueryTrades(ctx context.Context, code, orderID string, useCache bool) ([]*types.Trade, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*types.Trade
	for _, t := range a.todayTrades {
		if code != "" && t.Code != code {
			continue
		}
		if orderID != "" && t.OrderID != orderID {
			continue
		}
		out = append(out, t.Clone())
	}
	return out, nil
}

func (a *Adapter) InsertOrder(ctx context.Context, code string, price float64, volume int,
	dir types.Direction, offset types.Offset, orderType types.OrderType,
	minVolume int, extras map[string]string) (*types.Order, error) {

	a.mu.Lock()
	tick := a.lastTicks[code]
	a.mu.Unlock()
	return a.matcher.InsertOrder(code, price, volume, dir, offset, orderType, minVolume, extras, tick), nil
}

func (a *Adapter) CancelOrder(ctx context.Context, orderID string, extras map[string]string) error {
	return a.matcher.CancelOrder(orderID)
}

func (a *Adapter) CancelAllOrders(ctx context.Context, extras map[string]string) error {
	a.matcher.CancelAllOrders()
	return nil
}

// PrepareFeeCalculation warms the instrument cache for codes (nil = all).
func (a *Adapter) PrepareFeeCalculation(ctx context.Context, codes []string, extras map[string]string) error {
	if a.refs == nil {
		return nil
	}
	if codes == nil {
		secs, err := a.refs.GetSecurities(ctx)
		if err != nil {
			return err
		}
		a.mu.Lock()
		for _, sec := range secs {
			a.securities[sec.Code] = sec
		}
		a.mu.Unlock()
		return nil
	}
	for _, code := range codes {
		if _, err := a.QuerySecurity(ctx, code, false); err != nil {
			return err
		}
	}
	return nil
}

// security returns the instrument schedule, falling back to a multiplier-1
// full-margin default for unknown codes.
func (a *Adapter) security(code string) *types.Security {
	a.mu.Lock()
	defer a.mu.Unlock()
	if sec, ok := a.securities[code]; ok {
		return sec
	}
	return &types.Security{Code: code, VolumeMultiple: 1, MarginRatio: 1}
}

func (a *Adapter) CalculatePosition(ctx context.Context, p *types.Position, extras map[string]string) error {
	sec := a.security(p.Code)
	mult := float64(sec.Multiplier())

	a.mu.Lock()
	tick := a.lastTicks[p.Code]
	a.mu.Unlock()
	if tick != nil {
		p.LastPrice = tick.LastPrice
	}

	p.Value = p.LastPrice * float64(p.Volume) * mult
	if p.Volume > 0 {
		p.AvgOpenPrice = p.OpenCost / (float64(p.Volume) * mult)
	} else {
		p.AvgOpenPrice = 0
	}
	if p.Direction == types.Long {
		p.PnL = p.Value - p.OpenCost
	} else {
		p.PnL = p.OpenCost - p.Value
	}
	return nil
}

func (a *Adapter) CalculateOrder(ctx context.Context, o *types.Order, extras map[string]string) error {
	sec := a.security(o.Code)
	if o.FilledVolume > 0 {
		o.AvgFillPrice = o.Turnover / (float64(o.FilledVolume) * float64(sec.Multiplier()))
	}
	if o.Offset == types.OffsetOpen {
		o.FrozenCash = fees.Margin(sec, o.Price, o.Unfilled()) + fees.Commission(sec, o.Price, o.Unfilled())
	}
	return nil
}

func (a *Adapter) CalculateTrade(ctx context.Context, t *types.Trade, extras map[string]string) error {
	sec := a.security(t.Code)
	t.Turnover = fees.Turnover(sec, t.Price, t.Volume)
	t.Commission = fees.Commission(sec, t.Price, t.Volume)
	return nil
}

func (a *Adapter) CustomRequest(method string, params map[string]string) (string, error) {
	return "", fmt.Errorf("%w: custom method %s", broker.ErrNotFound, method)
}

func (a *Adapter) CustomSuspendRequest(ctx context.Context, method string, params map[string]string) (string, error) {
	return a.CustomRequest(method, params)
}

var _ broker.Api = (*Adapter)(nil)
