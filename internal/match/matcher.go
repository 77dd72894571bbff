// Package match simulates order execution against live tick order books.
//
// The matcher consumes ticks from a real adapter and synthesizes trade and
// order events by walking the level-by-level book of each tick. It matches a
// single submitted order against the published book snapshot — it does not
// form a continuous book of its own. LIMIT and MARKET walk the opposite side
// until the price constraint breaks; FAK and FOK first dry-run the walk and
// cancel whatever the book cannot satisfy.
package match

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ktrader-tech/ktrader-broker-api/internal/bus"
	"github.com/ktrader-tech/ktrader-broker-api/internal/metrics"
	"github.com/ktrader-tech/ktrader-broker-api/pkg/broker"
	"github.com/ktrader-tech/ktrader-broker-api/pkg/types"
)

// acceptedDelay defers the ACCEPTED event one scheduler turn past the
// synchronous InsertOrder return, so callers always observe the returned
// order before any event for it.
const acceptedDelay = time.Millisecond

// Calculator fills exchange-dependent money fields on trades and orders.
// Usually backed by the real adapter the matcher rides on; nil leaves the
// matcher on multiplier-1 arithmetic.
type Calculator interface {
	CalculateOrder(o *types.Order) error
	CalculateTrade(t *types.Trade) error
}

// Matcher is the per-account tick-driven order-matching simulator.
type Matcher struct {
	mu sync.Mutex

	accountID string
	sourceID  string
	bus       *bus.Bus
	calc      Calculator
	logger    *slog.Logger

	subscriptions map[string]struct{}
	lastTicks     map[string]*types.Tick
	todayOrders   map[string]*types.Order
	openOrders    map[string]map[string]*types.Order // code → orderID → order
	orderRef      int64
}

// New creates a matcher for one account, posting events on b under sourceID.
func New(accountID, sourceID string, b *bus.Bus, calc Calculator, logger *slog.Logger) *Matcher {
	return &Matcher{
		accountID:     accountID,
		sourceID:      sourceID,
		bus:           b,
		calc:          calc,
		logger:        logger.With("component", "matcher", "account", accountID),
		subscriptions: make(map[string]struct{}),
		lastTicks:     make(map[string]*types.Tick),
		todayOrders:   make(map[string]*types.Order),
		openOrders:    make(map[string]map[string]*types.Order),
	}
}

// OnTick caches the tick for codes with open orders and runs a matching pass.
func (m *Matcher) OnTick(tick *types.Tick) {
	m.mu.Lock()
	var events []*types.BrokerEvent
	if _, ok := m.subscriptions[tick.Code]; ok {
		m.lastTicks[tick.Code] = tick
		m.matchCodeLocked(tick.Code, &events)
	}
	m.mu.Unlock()
	m.postEvents(events)
}

// InsertOrder validates and submits a simulated order. Rejections are
// returned as an ERROR-status order with no events posted. On success the
// order joins the open set and a matching pass runs against the cached tick
// before the call returns; the ACCEPTED event and any fills from that pass
// are posted one scheduler turn after the return.
func (m *Matcher) InsertOrder(code string, price float64, volume int,
	dir types.Direction, offset types.Offset, orderType types.OrderType,
	minVolume int, extras map[string]string, lastTick *types.Tick) *types.Order {

	m.mu.Lock()
	now := time.Now()
	order := &types.Order{
		OrderID:    fmt.Sprintf("%s_%d_%d", m.accountID, now.UnixMilli(), m.orderRef),
		AccountID:  m.accountID,
		Code:       code,
		Price:      price,
		Volume:     volume,
		Direction:  dir,
		Offset:     offset,
		OrderType:  orderType,
		Status:     types.OrderSubmitting,
		CreateTime: now,
		UpdateTime: now,
	}
	m.orderRef++
	for k, v := range extras {
		order.SetExtra(k, v)
	}
	if orderType == types.OrderTypeFAK && minVolume > 0 {
		order.SetExtra(types.ExtraMinVolume, fmt.Sprintf("%d", minVolume))
	}

	tick := lastTick
	if tick == nil {
		tick = m.lastTicks[code]
	}

	switch {
	case tick == nil:
		order.Status = types.OrderError
		order.StatusMsg = fmt.Sprintf("no last tick for %s", code)
	case tick.Status == types.MarketUnknown || tick.Status == types.MarketClosed:
		order.Status = types.OrderError
		order.StatusMsg = fmt.Sprintf("market not tradeable: %s", tick.Status)
	case orderType == types.OrderTypeStop || orderType == types.OrderTypeCustom || orderType == types.OrderTypeUnknown:
		order.Status = types.OrderError
		order.StatusMsg = fmt.Sprintf("unsupported order type: %s", orderType)
	}

	m.todayOrders[order.OrderID] = order
	if order.Status == types.OrderError {
		metrics.Orders.WithLabelValues(m.accountID, string(order.Status)).Inc()
		m.mu.Unlock()
		return order
	}

	order.Status = types.OrderAccepted
	order.StatusMsg = "unfilled"
	metrics.Orders.WithLabelValues(m.accountID, string(order.Status)).Inc()
	events := []*types.BrokerEvent{
		{Type: types.EventOrderStatus, SourceID: m.sourceID, Data: order.Clone()},
	}

	m.subscriptions[code] = struct{}{}
	m.lastTicks[code] = tick
	open, ok := m.openOrders[code]
	if !ok {
		open = make(map[string]*types.Order)
		m.openOrders[code] = open
	}
	open[order.OrderID] = order

	m.matchCodeLocked(code, &events)
	result := order.Clone()
	m.mu.Unlock()

	// ACCEPTED and any immediate fills fire one scheduler turn after the
	// synchronous return, in post order.
	time.AfterFunc(acceptedDelay, func() { m.postEvents(events) })
	return result
}

// matchCodeLocked runs one matching pass for every open order on code.
func (m *Matcher) matchCodeLocked(code string, events *[]*types.BrokerEvent) {
	tick := m.lastTicks[code]
	if tick == nil {
		return
	}
	if tick.Status != types.MarketContinuousMatching && tick.Status != types.MarketAuctionMatched {
		return
	}
	open := m.openOrders[code]
	orders := make([]*types.Order, 0, len(open))
	for _, o := range open {
		orders = append(orders, o)
	}
	for _, order := range orders {
		switch order.OrderType {
		case types.OrderTypeLimit, types.OrderTypeMarket:
			m.simulateLocked(order, tick, events)
		case types.OrderTypeFAK, types.OrderTypeFOK:
			if canFillVolume(tick, order) {
				m.simulateLocked(order, tick, events)
			}
			if order.Status != types.OrderFilled {
				order.Status = types.OrderCanceled
				order.StatusMsg = fmt.Sprintf("%s canceled", order.OrderType)
				order.UpdateTime = tick.Time
				m.finishOrderLocked(order)
				*events = append(*events, &types.BrokerEvent{
					Type: types.EventOrderStatus, SourceID: m.sourceID, Data: order.Clone(),
				})
			}
		}
	}
}

// limitPrice models MARKET as LIMIT at ±∞ in the matching direction.
func limitPrice(order *types.Order) float64 {
	if order.OrderType != types.OrderTypeMarket {
		return order.Price
	}
	if order.Direction == types.Long {
		return math.Inf(1)
	}
	return math.Inf(-1)
}

// bookSide returns the opposite book side the order consumes.
func bookSide(tick *types.Tick, dir types.Direction) (prices []float64, volumes []int) {
	if dir == types.Long {
		return tick.AskPrices, tick.AskVolumes
	}
	return tick.BidPrices, tick.BidVolumes
}

// crosses reports whether a book level satisfies the order's price constraint.
func crosses(dir types.Direction, level, limit float64) bool {
	if dir == types.Long {
		return level <= limit
	}
	return level >= limit
}

// canFillVolume dry-runs the book walk. For FAK the required volume is the
// order's minVolume annotation (the whole remainder when absent); for FOK it
// is the whole remainder. True iff the walk satisfies that volume.
func canFillVolume(tick *types.Tick, order *types.Order) bool {
	rest := order.Unfilled()
	if order.OrderType == types.OrderTypeFAK {
		if mv := order.MinVolume(); mv > 0 && mv < rest {
			rest = mv
		}
	}
	limit := limitPrice(order)
	prices, volumes := bookSide(tick, order.Direction)
	for i := 0; i < len(prices) && rest > 0; i++ {
		if !crosses(order.Direction, prices[i], limit) {
			break
		}
		rest -= volumes[i]
	}
	return rest <= 0
}

// simulateLocked walks the opposite book side, generating one trade per
// consumed level. If the walk exhausts every level with volume remaining, the
// remainder fills at the deepest traded level's price — the only way an order
// may fill beyond the visible book, and at most once per pass.
func (m *Matcher) simulateLocked(order *types.Order, tick *types.Tick, events *[]*types.BrokerEvent) {
	limit := limitPrice(order)
	prices, volumes := bookSide(tick, order.Direction)

	rest := order.Unfilled()
	lastTraded := 0.0
	walkedAll := true
	for i := 0; i < len(prices) && rest > 0; i++ {
		if !crosses(order.Direction, prices[i], limit) {
			walkedAll = false
			break
		}
		vol := volumes[i]
		if vol > rest {
			vol = rest
		}
		if vol <= 0 {
			continue
		}
		rest -= vol
		lastTraded = prices[i]
		m.applyTradeLocked(order, prices[i], vol, tick.Time, events)
	}
	if walkedAll && rest > 0 && lastTraded > 0 {
		// Book exhausted: spill the remainder at the last-known quote.
		m.applyTradeLocked(order, lastTraded, rest, tick.Time, events)
	}
}

// applyTradeLocked generates one fill and its order-status side effects.
// The trade report is queued before the status event for the same fill.
func (m *Matcher) applyTradeLocked(order *types.Order, price float64, volume int, at time.Time, events *[]*types.BrokerEvent) {
	trade := &types.Trade{
		TradeID:   uuid.New().String(),
		OrderID:   order.OrderID,
		AccountID: m.accountID,
		Code:      order.Code,
		Price:     price,
		Volume:    volume,
		Direction: order.Direction,
		Offset:    order.Offset,
		Time:      at,
	}

	order.FilledVolume += volume
	order.UpdateTime = at
	if order.FilledVolume >= order.Volume {
		order.Status = types.OrderFilled
		order.StatusMsg = "fully filled"
	} else {
		order.Status = types.OrderPartiallyFilled
		order.StatusMsg = "partially filled"
	}

	if m.calc != nil {
		if err := m.calc.CalculateTrade(trade); err != nil {
			m.logger.Error("calculate trade failed", "trade", trade.TradeID, "error", err)
		}
		order.Turnover += trade.Turnover
		order.Commission += trade.Commission
		if err := m.calc.CalculateOrder(order); err != nil {
			m.logger.Error("calculate order failed", "order", order.OrderID, "error", err)
		}
	} else {
		trade.Turnover = price * float64(volume)
		order.Turnover += trade.Turnover
		order.AvgFillPrice = order.Turnover / float64(order.FilledVolume)
	}

	if order.Status.Finished() {
		m.finishOrderLocked(order)
	}

	metrics.Trades.WithLabelValues(m.accountID).Inc()
	*events = append(*events,
		&types.BrokerEvent{Type: types.EventTradeReport, SourceID: m.sourceID, Data: trade.Clone()},
		&types.BrokerEvent{Type: types.EventOrderStatus, SourceID: m.sourceID, Data: order.Clone()},
	)
}

// finishOrderLocked retires a terminal order from the open set, dropping the
// code subscription and cached tick when no open orders remain for it.
func (m *Matcher) finishOrderLocked(order *types.Order) {
	open, ok := m.openOrders[order.Code]
	if !ok {
		return
	}
	delete(open, order.OrderID)
	if len(open) == 0 {
		delete(m.openOrders, order.Code)
		delete(m.subscriptions, order.Code)
		delete(m.lastTicks, order.Code)
	}
}

// CancelOrder cancels an open order. Unknown ids are an error; orders already
// in a terminal state produce a CANCEL_FAILED event and leave state unchanged.
func (m *Matcher) CancelOrder(orderID string) error {
	m.mu.Lock()
	order, ok := m.todayOrders[orderID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: no such order %s", broker.ErrNotFound, orderID)
	}

	var event *types.BrokerEvent
	if !order.Status.Cancelable() {
		failed := order.Clone()
		failed.StatusMsg = fmt.Sprintf("cancel failed: order is %s", order.Status)
		event = &types.BrokerEvent{Type: types.EventCancelFailed, SourceID: m.sourceID, Data: failed}
	} else {
		order.Status = types.OrderCanceled
		order.StatusMsg = "canceled"
		order.UpdateTime = time.Now()
		m.finishOrderLocked(order)
		event = &types.BrokerEvent{Type: types.EventOrderStatus, SourceID: m.sourceID, Data: order.Clone()}
	}
	m.mu.Unlock()

	m.bus.PostEvent(event)
	return nil
}

// CancelAllOrders cancels a snapshot of the open set.
func (m *Matcher) CancelAllOrders() {
	m.mu.Lock()
	ids := make([]string, 0)
	for _, open := range m.openOrders {
		for id := range open {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.CancelOrder(id); err != nil {
			m.logger.Error("cancel failed", "order", id, "error", err)
		}
	}
}

// Order returns today's order by id, nil if unknown.
func (m *Matcher) Order(orderID string) *types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.todayOrders[orderID]; ok {
		return o.Clone()
	}
	return nil
}

// Orders returns today's orders, optionally filtered by code and open state.
func (m *Matcher) Orders(code string, onlyUnfinished bool) []*types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Order, 0, len(m.todayOrders))
	for _, o := range m.todayOrders {
		if code != "" && o.Code != code {
			continue
		}
		if onlyUnfinished && o.Status.Finished() {
			continue
		}
		out = append(out, o.Clone())
	}
	return out
}

// Reset clears all internal state; invoked on trading-day rollover.
func (m *Matcher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = make(map[string]struct{})
	m.lastTicks = make(map[string]*types.Tick)
	m.todayOrders = make(map[string]*types.Order)
	m.openOrders = make(map[string]map[string]*types.Order)
}

func (m *Matcher) postEvents(events []*types.BrokerEvent) {
	for _, e := range events {
		metrics.Events.WithLabelValues(string(e.Type)).Inc()
		m.bus.PostEvent(e)
	}
}
