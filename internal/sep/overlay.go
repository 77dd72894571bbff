// Package sep implements the virtual sub-account overlay.
//
// An Overlay wraps a parent façade instance and carves an independently
// accounted sub-account out of it: events from the parent bus are filtered
// down to this account's orders, positions and assets are booked locally with
// FIFO/price-addressed partial closes and commission tracking, trading-day
// rollover freezes "today" counters into "yesterday", and a bar aggregator
// derives OHLCV streams from the forwarded tick feed. Everything it books is
// persisted through the data-manager port and restored on connect.
//
// Lifetimes are strictly owned: the overlay owns its bar aggregator and its
// own event bus; the parent bus holds only the overlay's tag string, so
// shutdown is unsubscribe-by-tag on the parent, stop background tasks,
// release the aggregator, release the own bus.
package sep

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ktrader-tech/ktrader-broker-api/internal/bars"
	"github.com/ktrader-tech/ktrader-broker-api/internal/bus"
	"github.com/ktrader-tech/ktrader-broker-api/internal/datamgr"
	"github.com/ktrader-tech/ktrader-broker-api/internal/metrics"
	"github.com/ktrader-tech/ktrader-broker-api/pkg/broker"
	"github.com/ktrader-tech/ktrader-broker-api/pkg/types"
)

const (
	propTradingDay  = "trading_day"
	propInitialCash = "initial_cash"
	dayLayout       = "2006-01-02"
)

// Options tunes an Overlay.
type Options struct {
	// InitialCash seeds the account on first connect; later connects restore
	// the persisted figure.
	InitialCash float64
	// DebounceWindow is how long after a position tick the asset snapshot
	// check runs.
	DebounceWindow time.Duration
	// DebounceIdle is the quiet period that must have elapsed for the
	// snapshot to persist.
	DebounceIdle time.Duration
}

func (o Options) withDefaults() Options {
	if o.InitialCash <= 0 {
		o.InitialCash = 1_000_000
	}
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = 60 * time.Millisecond
	}
	if o.DebounceIdle <= 0 {
		o.DebounceIdle = 55 * time.Millisecond
	}
	return o
}

// Overlay is a virtual sub-account over a parent adapter.
type Overlay struct {
	parent     broker.Api
	sepAccount string
	isAsParent bool
	opts       Options

	name     string
	account  string
	sourceID string

	dm       datamgr.DataManager
	eventBus *bus.Bus
	bars     *bars.BarAggregator
	logger   *slog.Logger

	mu          sync.Mutex
	connected   bool
	disabled    bool
	tradingDay  time.Time
	assets      *types.Assets
	positions   map[string]*types.BiPosition
	details     map[string]*types.BiPositionDetails
	todayOrders map[string]*types.Order
	todayTrades []*types.Trade
	tickSubs    map[string]struct{}
	securities  map[string]*types.Security
	lastTickAt  time.Time

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New creates an overlay over parent. sepAccount must not contain '-', '_'
// or whitespace — they would collide with the derived account id format.
// When isAsParent is set the overlay drives the parent's lifecycle too.
func New(parent broker.Api, sepAccount string, dm datamgr.DataManager, isAsParent bool,
	opts Options, logger *slog.Logger) (*Overlay, error) {

	if sepAccount == "" || strings.ContainsAny(sepAccount, "-_ \t\n\r") {
		return nil, fmt.Errorf("%w: sep account %q must not contain '-', '_' or whitespace", broker.ErrInvalidArgument, sepAccount)
	}

	name := parent.Name() + "-SEP"
	account := parent.Account() + "-" + sepAccount
	o := &Overlay{
		parent:      parent,
		sepAccount:  sepAccount,
		isAsParent:  isAsParent,
		opts:        opts.withDefaults(),
		name:        name,
		account:     account,
		sourceID:    name + "_" + account,
		dm:          dm,
		eventBus:    bus.New(),
		logger:      logger.With("component", "sep", "account", account),
		positions:   make(map[string]*types.BiPosition),
		details:     make(map[string]*types.BiPositionDetails),
		todayOrders: make(map[string]*types.Order),
		tickSubs:    make(map[string]struct{}),
		securities:  make(map[string]*types.Security),
	}
	o.bars = bars.NewBarAggregator(func(b *types.Bar) {
		metrics.Bars.WithLabelValues(strconv.Itoa(b.Interval)).Inc()
		o.eventBus.Post(types.EventBar, o.sourceID, b)
	}, logger)
	return o, nil
}

func (o *Overlay) Name() string     { return o.name }
func (o *Overlay) Account() string  { return o.account }
func (o *Overlay) SourceID() string { return o.sourceID }
func (o *Overlay) Bus() *bus.Bus    { return o.eventBus }

func (o *Overlay) Connected() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.connected
}

// SetDisabled blocks order insertion while keeping queries and event flow.
func (o *Overlay) SetDisabled(disabled bool) {
	o.mu.Lock()
	o.disabled = disabled
	o.mu.Unlock()
}

// Connect restores persisted state, attaches to the parent bus and, when
// isAsParent, connects the parent itself.
func (o *Overlay) Connect(ctx context.Context, extras map[string]string) error {
	o.mu.Lock()
	if o.connected {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	if err := o.restore(ctx); err != nil {
		return fmt.Errorf("restore %s: %w", o.account, err)
	}

	o.mu.Lock()
	o.runCtx, o.runCancel = context.WithCancel(context.Background())
	o.connected = true
	o.mu.Unlock()

	o.parent.Bus().SubscribeAll(o.sourceID, o.handleParentEvent)

	if o.isAsParent {
		if err := o.parent.Connect(ctx, extras); err != nil {
			return fmt.Errorf("connect parent: %w", err)
		}
	} else if o.parent.Connected() {
		// Positions need a live tick stream for PnL and asset refresh.
		codes := o.positionCodes()
		if len(codes) > 0 {
			if err := o.parent.SubscribeTicks(ctx, codes, nil); err != nil {
				o.logger.Warn("subscribe position ticks failed", "error", err)
			}
		}
		o.probeTradingDay(ctx)
	}

	o.logger.Info("sep overlay connected", "parent", o.parent.Name(), "as_parent", o.isAsParent)
	return nil
}

// restore loads the persisted account image: trading day, assets, positions,
// lots, and today's orders and trades.
func (o *Overlay) restore(ctx context.Context) error {
	dayStr, err := o.dm.QueryProperty(ctx, o.account, propTradingDay)
	if err != nil {
		return err
	}
	var day time.Time
	if dayStr != "" {
		if day, err = time.Parse(dayLayout, dayStr); err != nil {
			return fmt.Errorf("bad persisted trading day %q: %w", dayStr, err)
		}
	}

	var (
		assets    *types.Assets
		positions []*types.Position
		lots      []*types.PositionDetail
		orders    []*types.Order
		trades    []*types.Trade
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { assets, err = o.dm.QueryAssets(gctx, o.account); return })
	g.Go(func() (err error) { positions, err = o.dm.QueryPositions(gctx, o.account, "", ""); return })
	g.Go(func() (err error) { lots, err = o.dm.QueryPositionDetails(gctx, o.account, "", ""); return })
	g.Go(func() (err error) { orders, err = o.dm.QueryOrders(gctx, o.account, day, "", ""); return })
	g.Go(func() (err error) { trades, err = o.dm.QueryTrades(gctx, o.account, day, "", ""); return })
	if err := g.Wait(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.tradingDay = day
	if assets == nil {
		cash, err := o.dm.QueryPropertyOrPut(ctx, o.account, propInitialCash,
			strconv.FormatFloat(o.opts.InitialCash, 'f', -1, 64))
		if err != nil {
			return err
		}
		initial, _ := strconv.ParseFloat(cash, 64)
		assets = &types.Assets{AccountID: o.account, TradingDay: day, InitialCash: initial}
		assets.Recalculate()
	}
	o.assets = assets

	o.positions = make(map[string]*types.BiPosition)
	for _, p := range positions {
		bi, ok := o.positions[p.Code]
		if !ok {
			bi = &types.BiPosition{}
			o.positions[p.Code] = bi
		}
		bi.SetSide(p.Direction, p)
	}

	o.details = make(map[string]*types.BiPositionDetails)
	grouped := make(map[string]map[types.Direction][]*types.PositionDetail)
	for _, lot := range lots {
		byDir, ok := grouped[lot.Code]
		if !ok {
			byDir = make(map[types.Direction][]*types.PositionDetail)
			grouped[lot.Code] = byDir
		}
		byDir[lot.Direction] = append(byDir[lot.Direction], lot)
	}
	for code, byDir := range grouped {
		bi := &types.BiPositionDetails{}
		if l, ok := byDir[types.Long]; ok {
			bi.Long = types.NewPositionDetails(l)
		}
		if s, ok := byDir[types.Short]; ok {
			bi.Short = types.NewPositionDetails(s)
		}
		o.details[code] = bi
	}

	o.todayOrders = make(map[string]*types.Order, len(orders))
	for _, ord := range orders {
		o.todayOrders[ord.OrderID] = ord
	}
	o.todayTrades = trades
	return nil
}

// Close shuts the overlay down in owning order. In-flight orders are not
// cancelled; they resume on the next connect via restore.
func (o *Overlay) Close(ctx context.Context) error {
	o.mu.Lock()
	if !o.connected {
		o.mu.Unlock()
		return nil
	}
	o.connected = false
	cancel := o.runCancel
	o.mu.Unlock()

	o.parent.Bus().RemoveSubscribersByTag(o.sourceID)
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
	o.bars.Release()
	o.eventBus.Release()

	if o.isAsParent {
		return o.parent.Close(ctx)
	}
	return nil
}

// spawn runs f on the overlay's background task pool.
func (o *Overlay) spawn(f func(ctx context.Context)) {
	o.mu.Lock()
	ctx := o.runCtx
	o.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		f(ctx)
	}()
}

// probeTradingDay compares the parent's trading day with the local one and
// rolls over when they differ.
func (o *Overlay) probeTradingDay(ctx context.Context) {
	day, err := o.parent.TradingDay(ctx)
	if err != nil {
		o.logger.Error("query trading day failed", "error", err)
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !types.SameDay(day, o.tradingDay) {
		o.rolloverLocked(ctx, day)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Parent event handling
// ————————————————————————————————————————————————————————————————————————

func (o *Overlay) handleParentEvent(e *types.BrokerEvent) {
	switch e.Type {
	case types.EventNewTradingDay:
		if day, ok := e.Data.(time.Time); ok && o.Connected() {
			o.mu.Lock()
			o.rolloverLocked(o.runCtx, day)
			o.mu.Unlock()
		}
	case types.EventConnection:
		o.eventBus.Post(e.Type, o.sourceID, e.Data)
		if conn, ok := e.Data.(types.ConnectionEvent); ok && conn.State == types.ConnTdLoggedIn {
			o.spawn(func(ctx context.Context) { o.probeTradingDay(ctx) })
		}
	case types.EventTick:
		if tick, ok := e.Data.(*types.Tick); ok {
			o.handleTick(tick)
		}
	case types.EventOrderStatus:
		if order, ok := e.Data.(*types.Order); ok {
			o.handleOrderStatus(order)
		}
	case types.EventCancelFailed:
		if order, ok := e.Data.(*types.Order); ok {
			o.handleCancelFailed(order)
		}
	case types.EventTradeReport:
		if trade, ok := e.Data.(*types.Trade); ok {
			o.handleTradeReport(trade)
		}
	case types.EventLog, types.EventCustom:
		o.eventBus.Post(e.Type, o.sourceID, e.Data)
	}
}

// handleTick forwards subscribed ticks, feeds the bar aggregator and, for
// position codes, debounces an asset snapshot: the last tick of a quiet
// period persists the refreshed assets.
func (o *Overlay) handleTick(tick *types.Tick) {
	o.mu.Lock()
	_, forward := o.tickSubs[tick.Code]
	_, hasPosition := o.positions[tick.Code]
	if hasPosition {
		o.lastTickAt = time.Now()
	}
	o.mu.Unlock()

	if forward {
		o.eventBus.Post(types.EventTick, o.sourceID, tick)
	}
	o.bars.UpdateTick(tick)

	if hasPosition {
		time.AfterFunc(o.opts.DebounceWindow, func() {
			o.mu.Lock()
			idle := time.Since(o.lastTickAt)
			connected := o.connected
			ctx := o.runCtx
			if connected && idle >= o.opts.DebounceIdle {
				o.refreshAssets(ctx, true)
			}
			o.mu.Unlock()
		})
	}
}

func (o *Overlay) handleOrderStatus(parentOrder *types.Order) {
	o.mu.Lock()
	local, ok := o.todayOrders[parentOrder.OrderID]
	if !ok {
		o.mu.Unlock()
		return
	}

	// Reconcile the commission figure the backend settled on. A snapshot
	// with fewer fills than the local copy predates the insert-time fills
	// the local copy already carries; their commission is booked by the
	// trade reports that follow, so no delta is taken from it.
	if (parentOrder.Status == types.OrderAccepted || parentOrder.Status == types.OrderCanceled) &&
		parentOrder.FilledVolume >= local.FilledVolume {
		if delta := parentOrder.Commission - local.Commission; delta != 0 {
			o.assets.TodayCommission += delta
			o.assets.TotalCommission += delta
			o.persistAssets(o.runCtx)
		}
	}

	local.Status = parentOrder.Status
	local.StatusMsg = parentOrder.StatusMsg
	local.FilledVolume = parentOrder.FilledVolume
	local.Turnover = parentOrder.Turnover
	local.AvgFillPrice = parentOrder.AvgFillPrice
	local.Commission = parentOrder.Commission
	local.UpdateTime = parentOrder.UpdateTime
	// FrozenCash stays at the insert-time figure; freeze release is
	// prorated against it.

	o.persistOrder(o.runCtx, local)

	if local.Status == types.OrderCanceled || local.Status == types.OrderError {
		o.unfreezePosition(o.runCtx, local)
	}
	out := local.Clone()
	o.mu.Unlock()

	o.eventBus.Post(types.EventOrderStatus, o.sourceID, out)
}

func (o *Overlay) handleCancelFailed(parentOrder *types.Order) {
	o.mu.Lock()
	local, ok := o.todayOrders[parentOrder.OrderID]
	if !ok {
		o.mu.Unlock()
		return
	}
	local.StatusMsg = parentOrder.StatusMsg
	o.persistOrder(o.runCtx, local)
	out := local.Clone()
	o.mu.Unlock()

	o.eventBus.Post(types.EventCancelFailed, o.sourceID, out)
}

func (o *Overlay) handleTradeReport(parentTrade *types.Trade) {
	o.mu.Lock()
	local, ok := o.todayOrders[parentTrade.OrderID]
	if !ok {
		o.mu.Unlock()
		return
	}

	trade := parentTrade.Clone()
	trade.AccountID = o.account
	o.todayTrades = append(o.todayTrades, trade)
	o.persistTrade(o.runCtx, trade)

	o.updatePosition(o.runCtx, local, trade)
	o.addCommission(o.runCtx, trade)
	out := trade.Clone()
	o.mu.Unlock()

	o.eventBus.Post(types.EventTradeReport, o.sourceID, out)
}

// ————————————————————————————————————————————————————————————————————————
// Trading-day rollover
// ————————————————————————————————————————————————————————————————————————

// rolloverLocked freezes today counters into yesterday and resets daily
// aggregates. Re-applying the current day is a no-op, so replayed
// NEW_TRADING_DAY events are harmless.
func (o *Overlay) rolloverLocked(ctx context.Context, newDay time.Time) {
	if types.SameDay(newDay, o.tradingDay) {
		return
	}
	o.logger.Info("trading day rollover", "from", o.tradingDay.Format(dayLayout), "to", newDay.Format(dayLayout))

	o.todayOrders = make(map[string]*types.Order)
	o.todayTrades = nil
	o.securities = make(map[string]*types.Security)
	o.tickSubs = make(map[string]struct{})
	o.bars.Reset()

	for _, bi := range o.details {
		for _, side := range []*types.PositionDetails{bi.Long, bi.Short} {
			if side == nil {
				continue
			}
			for _, lot := range side.Lots() {
				lot.TodayVolume = 0
				o.persistLot(ctx, lot)
			}
		}
	}
	for _, bi := range o.positions {
		for _, pos := range []*types.Position{bi.Long, bi.Short} {
			if pos == nil {
				continue
			}
			pos.PreVolume = pos.Volume
			pos.TodayVolume = 0
			pos.FrozenVolume = 0
			pos.FrozenTodayVolume = 0
			pos.TodayOpenVolume = 0
			pos.TodayCloseVolume = 0
			pos.TodayCommission = 0
			o.persistPosition(ctx, pos)
		}
	}

	o.assets.Available += o.assets.FrozenByOrder
	o.assets.FrozenByOrder = 0
	o.assets.TodayCommission = 0
	o.assets.TradingDay = newDay
	o.persistAssets(ctx)

	o.tradingDay = newDay
	if err := o.dm.SaveProperty(ctx, o.account, propTradingDay, newDay.Format(dayLayout)); err != nil {
		o.logger.Error("persist trading day failed", "error", err)
	}

	o.eventBus.Post(types.EventNewTradingDay, o.sourceID, newDay)
}

// ————————————————————————————————————————————————————————————————————————
// Façade operations
// ————————————————————————————————————————————————————————————————————————

func (o *Overlay) TradingDay(ctx context.Context) (time.Time, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tradingDay, nil
}

func (o *Overlay) SubscribeTick(ctx context.Context, code string, extras map[string]string) error {
	return o.SubscribeTicks(ctx, []string{code}, extras)
}

func (o *Overlay) UnsubscribeTick(ctx context.Context, code string, extras map[string]string) error {
	return o.UnsubscribeTicks(ctx, []string{code}, extras)
}

func (o *Overlay) SubscribeTicks(ctx context.Context, codes []string, extras map[string]string) error {
	if err := o.parent.SubscribeTicks(ctx, codes, extras); err != nil {
		return err
	}
	o.mu.Lock()
	for _, c := range codes {
		o.tickSubs[c] = struct{}{}
	}
	o.mu.Unlock()
	return nil
}

func (o *Overlay) UnsubscribeTicks(ctx context.Context, codes []string, extras map[string]string) error {
	o.mu.Lock()
	kept := codes[:0:0]
	for _, c := range codes {
		delete(o.tickSubs, c)
		// Position codes must keep streaming for asset refresh.
		if _, ok := o.positions[c]; !ok {
			kept = append(kept, c)
		}
	}
	o.mu.Unlock()
	if len(kept) == 0 {
		return nil
	}
	return o.parent.UnsubscribeTicks(ctx, kept, extras)
}

func (o *Overlay) SubscribeAllTicks(ctx context.Context, extras map[string]string) error {
	if err := o.parent.SubscribeAllTicks(ctx, extras); err != nil {
		return err
	}
	o.mu.Lock()
	o.tickSubs["*"] = struct{}{}
	o.mu.Unlock()
	return nil
}

func (o *Overlay) UnsubscribeAllTicks(ctx context.Context, extras map[string]string) error {
	o.mu.Lock()
	o.tickSubs = make(map[string]struct{})
	o.mu.Unlock()
	return o.parent.UnsubscribeAllTicks(ctx, extras)
}

func (o *Overlay) QueryTickSubscriptions(ctx context.Context, useCache bool) ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.tickSubs))
	for c := range o.tickSubs {
		out = append(out, c)
	}
	return out, nil
}

// SubscribeBar starts a derived bar stream for (code, interval seconds);
// bars arrive as BAR events on the overlay's bus. The tick feed for the code
// is subscribed alongside.
func (o *Overlay) SubscribeBar(ctx context.Context, code string, interval int) error {
	if err := o.bars.Subscribe(code, interval); err != nil {
		return err
	}
	return o.parent.SubscribeTick(ctx, code, nil)
}

// UnsubscribeBar stops a derived bar stream.
func (o *Overlay) UnsubscribeBar(ctx context.Context, code string, interval int) error {
	o.bars.Unsubscribe(code, interval)
	return nil
}

func (o *Overlay) QueryLastTick(ctx context.Context, code string, useCache bool) (*types.Tick, error) {
	return o.parent.QueryLastTick(ctx, code, useCache)
}

func (o *Overlay) QuerySecurity(ctx context.Context, code string, useCache bool) (*types.Security, error) {
	o.mu.Lock()
	sec, ok := o.securities[code]
	o.mu.Unlock()
	if ok && useCache {
		return sec, nil
	}
	sec, err := o.parent.QuerySecurity(ctx, code, useCache)
	if err != nil {
		return nil, err
	}
	if sec != nil {
		o.mu.Lock()
		o.securities[code] = sec
		o.mu.Unlock()
	}
	return sec, nil
}

func (o *Overlay) QueryAllSecurities(ctx context.Context, useCache bool) ([]*types.Security, error) {
	return o.parent.QueryAllSecurities(ctx, useCache)
}

func (o *Overlay) QueryAssets(ctx context.Context, useCache bool) (*types.Assets, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !useCache {
		o.refreshAssets(ctx, false)
	}
	return o.assets.Clone(), nil
}

func (o *Overlay) QueryPosition(ctx context.Context, code string, dir types.Direction, useCache bool) (*types.Position, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pos := o.positionFor(code, dir, false)
	if pos == nil {
		return nil, nil
	}
	return pos.Clone(), nil
}

func (o *Overlay) QueryPositions(ctx context.Context, code string, useCache bool) ([]*types.Position, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*types.Position
	for c, bi := range o.positions {
		if code != "" && c != code {
			continue
		}
		for _, pos := range []*types.Position{bi.Long, bi.Short} {
			if pos != nil {
				out = append(out, pos.Clone())
			}
		}
	}
	return out, nil
}

func (o *Overlay) QueryPositionDetails(ctx context.Context, code string, useCache bool) ([]*types.PositionDetail, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*types.PositionDetail
	for c, bi := range o.details {
		if code != "" && c != code {
			continue
		}
		for _, side := range []*types.PositionDetails{bi.Long, bi.Short} {
			if side == nil {
				continue
			}
			for _, lot := range side.Lots() {
				out = append(out, lot.Clone())
			}
		}
	}
	return out, nil
}

func (o *Overlay) QueryOrder(ctx context.Context, orderID string, useCache bool) (*types.Order, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ord, ok := o.todayOrders[orderID]; ok {
		return ord.Clone(), nil
	}
	return nil, nil
}

func (o *Overlay) QueryOrders(ctx context.Context, code string, onlyUnfinished, useCache bool) ([]*types.Order, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*types.Order
	for _, ord := range o.todayOrders {
		if code != "" && ord.Code != code {
			continue
		}
		if onlyUnfinished && ord.Status.Finished() {
			continue
		}
		out = append(out, ord.Clone())
	}
	return out, nil
}

func (o *Overlay) QueryTrade(ctx context.Context, tradeID string, useCache bool) (*types.Trade, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, t := range o.todayTrades {
		if t.TradeID == tradeID {
			return t.Clone(), nil
		}
	}
	return nil, nil
}

func (o *Overlay) QueryTrades(ctx context.Context, code, orderID string, useCache bool) ([]*types.Trade, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*types.Trade
	for _, t := range o.todayTrades {
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

// InsertOrder validates the order against this sub-account's books — margin
// for opens, closeable volume for closes — then submits it to the parent and
// freezes the corresponding resource.
func (o *Overlay) InsertOrder(ctx context.Context, code string, price float64, volume int,
	dir types.Direction, offset types.Offset, orderType types.OrderType,
	minVolume int, extras map[string]string) (*types.Order, error) {

	o.mu.Lock()
	if o.disabled {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: sep account %s is disabled", broker.ErrPrecondition, o.account)
	}

	var dryFrozen float64
	if offset == types.OffsetOpen {
		dry := &types.Order{
			AccountID: o.account, Code: code, Price: price, Volume: volume,
			Direction: dir, Offset: offset, OrderType: orderType,
			Status: types.OrderSubmitting,
		}
		if err := o.parent.CalculateOrder(ctx, dry, extras); err != nil {
			o.mu.Unlock()
			return nil, fmt.Errorf("calculate order: %w", err)
		}
		dryFrozen = dry.FrozenCash
		o.refreshAssets(ctx, false)
		if o.assets.Available < dryFrozen {
			available := o.assets.Available
			o.mu.Unlock()
			return nil, fmt.Errorf("%w: available %.2f < frozen %.2f", broker.ErrPrecondition, available, dryFrozen)
		}
	} else {
		pos := o.positionFor(code, dir.Opposite(), false)
		closeable := 0
		if pos != nil {
			switch offset {
			case types.OffsetCloseToday:
				closeable = pos.TodayVolume - pos.FrozenTodayVolume
			case types.OffsetCloseYesterday:
				closeable = pos.YesterdayVolume() - pos.FrozenYesterdayVolume()
			default:
				closeable = pos.Volume - pos.FrozenVolume
			}
		}
		if closeable < volume {
			o.mu.Unlock()
			return nil, fmt.Errorf("%w: closeable volume %d < %d", broker.ErrPrecondition, closeable, volume)
		}
	}
	o.mu.Unlock()

	order, err := o.parent.InsertOrder(ctx, code, price, volume, dir, offset, orderType, minVolume, extras)
	if err != nil {
		return nil, err
	}
	if order.Status == types.OrderError {
		local := order.Clone()
		local.AccountID = o.account
		return local, nil
	}

	// Cache the instrument schedule for close-lot multipliers.
	if _, err := o.QuerySecurity(ctx, code, true); err != nil {
		o.logger.Warn("query security failed", "code", code, "error", err)
	}

	local := order.Clone()
	local.AccountID = o.account

	o.mu.Lock()
	if offset == types.OffsetOpen {
		local.FrozenCash = dryFrozen
		o.assets.FrozenByOrder += dryFrozen
		o.persistAssets(ctx)
	} else {
		o.freezePosition(local)
		if pos := o.positionFor(code, dir.Opposite(), false); pos != nil {
			o.persistPosition(ctx, pos)
		}
	}
	o.todayOrders[local.OrderID] = local
	o.persistOrder(ctx, local)
	o.mu.Unlock()

	if err := o.parent.SubscribeTick(ctx, code, nil); err != nil {
		o.logger.Warn("subscribe tick failed", "code", code, "error", err)
	}
	return local.Clone(), nil
}

func (o *Overlay) CancelOrder(ctx context.Context, orderID string, extras map[string]string) error {
	o.mu.Lock()
	_, ok := o.todayOrders[orderID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no such order %s", broker.ErrNotFound, orderID)
	}
	return o.parent.CancelOrder(ctx, orderID, extras)
}

func (o *Overlay) CancelAllOrders(ctx context.Context, extras map[string]string) error {
	o.mu.Lock()
	ids := make([]string, 0)
	for id, ord := range o.todayOrders {
		if !ord.Status.Finished() {
			ids = append(ids, id)
		}
	}
	o.mu.Unlock()

	for _, id := range ids {
		if err := o.parent.CancelOrder(ctx, id, extras); err != nil {
			return err
		}
	}
	return nil
}

func (o *Overlay) PrepareFeeCalculation(ctx context.Context, codes []string, extras map[string]string) error {
	return o.parent.PrepareFeeCalculation(ctx, codes, extras)
}

func (o *Overlay) CalculatePosition(ctx context.Context, p *types.Position, extras map[string]string) error {
	return o.parent.CalculatePosition(ctx, p, extras)
}

func (o *Overlay) CalculateOrder(ctx context.Context, ord *types.Order, extras map[string]string) error {
	return o.parent.CalculateOrder(ctx, ord, extras)
}

func (o *Overlay) CalculateTrade(ctx context.Context, t *types.Trade, extras map[string]string) error {
	return o.parent.CalculateTrade(ctx, t, extras)
}

func (o *Overlay) CustomRequest(method string, params map[string]string) (string, error) {
	return o.parent.CustomRequest(method, params)
}

func (o *Overlay) CustomSuspendRequest(ctx context.Context, method string, params map[string]string) (string, error) {
	return o.parent.CustomSuspendRequest(ctx, method, params)
}

func (o *Overlay) positionCodes() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.positions))
	for code := range o.positions {
		out = append(out, code)
	}
	return out
}

func (o *Overlay) persistOrder(ctx context.Context, ord *types.Order) {
	if err := o.dm.SaveOrder(ctx, o.tradingDay, ord); err != nil {
		o.logger.Error("persist order failed", "order", ord.OrderID, "error", err)
	}
}

func (o *Overlay) persistTrade(ctx context.Context, t *types.Trade) {
	if err := o.dm.SaveTrade(ctx, o.tradingDay, t); err != nil {
		o.logger.Error("persist trade failed", "trade", t.TradeID, "error", err)
	}
}

var _ broker.Api = (*Overlay)(nil)
