package sep

import (
	"context"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/ktrader-tech/ktrader-broker-api/internal/bars"
	"github.com/ktrader-tech/ktrader-broker-api/internal/bus"
	"github.com/ktrader-tech/ktrader-broker-api/internal/datamgr"
	"github.com/ktrader-tech/ktrader-broker-api/pkg/types"
)

const testAccount = "sim001-alpha"

// newBareOverlay builds an overlay with just enough wiring for the
// accounting paths, bypassing parent/connect plumbing.
func newBareOverlay() *Overlay {
	logger := slog.Default()
	o := &Overlay{
		account:     testAccount,
		sourceID:    "sim-SEP_" + testAccount,
		opts:        Options{}.withDefaults(),
		dm:          datamgr.NewMemory(),
		eventBus:    bus.New(),
		logger:      logger,
		positions:   make(map[string]*types.BiPosition),
		details:     make(map[string]*types.BiPositionDetails),
		todayOrders: make(map[string]*types.Order),
		tickSubs:    make(map[string]struct{}),
		securities:  make(map[string]*types.Security),
		assets:      &types.Assets{AccountID: testAccount, InitialCash: 1_000_000},
		runCtx:      context.Background(),
	}
	o.bars = bars.NewBarAggregator(func(*types.Bar) {}, logger)
	o.assets.Recalculate()
	return o
}

// seedLong sets up a LONG book from (price, volume, todayVolume) triples.
func seedLong(o *Overlay, code string, lots ...[3]int) *types.Position {
	pos := o.positionFor(code, types.Long, true)
	book := o.detailsFor(code, types.Long)
	for _, l := range lots {
		price, volume, today := l[0], l[1], l[2]
		book.Add(&types.PositionDetail{
			AccountID: o.account, Code: code, Direction: types.Long,
			Price: float64(price), Volume: volume, TodayVolume: today,
		})
		pos.Volume += volume
		pos.TodayVolume += today
		pos.OpenCost += float64(price * volume)
	}
	return pos
}

func lotVolumes(d *types.PositionDetails) map[float64]int {
	out := make(map[float64]int)
	for _, lot := range d.Lots() {
		out[lot.Price] = lot.Volume
	}
	return out
}

// Close-by-price selection: target 115 between lots 110 and 120, distance
// tie resolves to the lower price, then the walk hops outward.
func TestCloseByPriceSelection(t *testing.T) {
	t.Parallel()
	o := newBareOverlay()
	pos := seedLong(o, "X", [3]int{100, 5, 5}, [3]int{110, 5, 5}, [3]int{120, 5, 5})
	pos.FrozenVolume = 7

	order := &types.Order{
		OrderID: "o1", AccountID: testAccount, Code: "X",
		Price: 112, Volume: 7, Direction: types.Short, Offset: types.OffsetClose,
	}
	order.SetExtra(types.ExtraClosePositionPrice, "115")
	trade := &types.Trade{
		TradeID: "t1", OrderID: "o1", AccountID: testAccount, Code: "X",
		Price: 112, Volume: 7, Direction: types.Short, Offset: types.OffsetClose,
		Time: time.Date(2024, 5, 20, 10, 0, 0, 0, time.Local),
	}

	o.updatePosition(o.runCtx, order, trade)

	got := lotVolumes(o.detailsFor("X", types.Long))
	if len(got) != 2 || got[100] != 5 || got[120] != 3 {
		t.Errorf("lots after close = %v, want {100:5 120:3}", got)
	}
	// 5·(112−110) + 2·(112−120) = 10 − 16
	if math.Abs(o.assets.TotalClosePnL-(-6)) > 1e-10 {
		t.Errorf("TotalClosePnL = %v, want -6", o.assets.TotalClosePnL)
	}
	if pos.Volume != 8 {
		t.Errorf("position volume = %d, want 8", pos.Volume)
	}
	if pos.TodayCloseVolume != 7 {
		t.Errorf("TodayCloseVolume = %d, want 7", pos.TodayCloseVolume)
	}
	if pos.FrozenVolume != 0 {
		t.Errorf("FrozenVolume = %d, want 0 after fills", pos.FrozenVolume)
	}
}

// Without a close target a SHORT-side close walks from +∞, i.e. the
// most expensive lot first.
func TestCloseDefaultTargetShortSide(t *testing.T) {
	t.Parallel()
	o := newBareOverlay()
	seedLong(o, "X", [3]int{100, 5, 5}, [3]int{120, 5, 5})

	order := &types.Order{
		OrderID: "o1", Code: "X", Price: 130, Volume: 6,
		Direction: types.Short, Offset: types.OffsetClose,
	}
	trade := &types.Trade{
		TradeID: "t1", OrderID: "o1", Code: "X", Price: 130, Volume: 6,
		Direction: types.Short, Offset: types.OffsetClose, Time: time.Now(),
	}
	o.updatePosition(o.runCtx, order, trade)

	got := lotVolumes(o.detailsFor("X", types.Long))
	if got[100] != 4 {
		t.Errorf("lots = %v, want lot 120 consumed first then 1 from 100", got)
	}
	if _, ok := got[120]; ok {
		t.Errorf("lot 120 should be fully consumed, got %v", got)
	}
}

// CLOSE_YESTERDAY only touches carried-over volume; today volume stays.
func TestCloseYesterdayKeepsTodayVolume(t *testing.T) {
	t.Parallel()
	o := newBareOverlay()
	seedLong(o, "X", [3]int{100, 5, 2}) // 3 yesterday, 2 today

	order := &types.Order{
		OrderID: "o1", Code: "X", Price: 101, Volume: 2,
		Direction: types.Short, Offset: types.OffsetCloseYesterday,
	}
	trade := &types.Trade{
		TradeID: "t1", OrderID: "o1", Code: "X", Price: 101, Volume: 2,
		Direction: types.Short, Offset: types.OffsetCloseYesterday, Time: time.Now(),
	}
	o.updatePosition(o.runCtx, order, trade)

	lot := o.detailsFor("X", types.Long).At(0)
	if lot.Volume != 3 || lot.TodayVolume != 2 {
		t.Errorf("lot = %d/%d today, want 3/2", lot.Volume, lot.TodayVolume)
	}
	if lot.YesterdayVolume() != 1 {
		t.Errorf("yesterday volume = %d, want 1", lot.YesterdayVolume())
	}
}

// CLOSE_TODAY skips lots with no today volume.
func TestCloseTodaySkipsYesterdayLots(t *testing.T) {
	t.Parallel()
	o := newBareOverlay()
	seedLong(o, "X", [3]int{100, 5, 0}, [3]int{110, 5, 5})

	order := &types.Order{
		OrderID: "o1", Code: "X", Price: 105, Volume: 3,
		Direction: types.Short, Offset: types.OffsetCloseToday,
	}
	order.SetExtra(types.ExtraClosePositionPrice, "100")
	trade := &types.Trade{
		TradeID: "t1", OrderID: "o1", Code: "X", Price: 105, Volume: 3,
		Direction: types.Short, Offset: types.OffsetCloseToday, Time: time.Now(),
	}
	o.updatePosition(o.runCtx, order, trade)

	got := lotVolumes(o.detailsFor("X", types.Long))
	// The target points at 100, but that lot has no today volume — 110 pays.
	if got[100] != 5 || got[110] != 2 {
		t.Errorf("lots = %v, want {100:5 110:2}", got)
	}
}

// The backend may coerce the requested offset; the trade's offset is what
// settles the books.
func TestCloseTradeUsesTradeOffset(t *testing.T) {
	t.Parallel()
	o := newBareOverlay()
	seedLong(o, "X", [3]int{100, 5, 0}) // pure yesterday lot

	order := &types.Order{
		OrderID: "o1", Code: "X", Price: 105, Volume: 3,
		Direction: types.Short, Offset: types.OffsetCloseToday, // requested
	}
	trade := &types.Trade{
		TradeID: "t1", OrderID: "o1", Code: "X", Price: 105, Volume: 3,
		Direction: types.Short, Offset: types.OffsetClose, // coerced
		Time: time.Now(),
	}
	o.updatePosition(o.runCtx, order, trade)

	lot := o.detailsFor("X", types.Long).At(0)
	if lot.Volume != 2 {
		t.Errorf("lot volume = %d, want 2 (coerced CLOSE applied)", lot.Volume)
	}
	if lot.TodayVolume != 0 {
		t.Errorf("today volume = %d, want 0 (close of yesterday lot)", lot.TodayVolume)
	}
}

// Closing a SHORT book realizes PnL with the opposite sign.
func TestCloseShortPositionPnLSign(t *testing.T) {
	t.Parallel()
	o := newBareOverlay()
	pos := o.positionFor("X", types.Short, true)
	pos.Volume = 5
	pos.TodayVolume = 5
	pos.OpenCost = 500
	o.detailsFor("X", types.Short).Add(&types.PositionDetail{
		AccountID: testAccount, Code: "X", Direction: types.Short,
		Price: 100, Volume: 5, TodayVolume: 5,
	})

	// Buying back at 95 after shorting at 100 gains 5/lot.
	order := &types.Order{
		OrderID: "o1", Code: "X", Price: 95, Volume: 2,
		Direction: types.Long, Offset: types.OffsetClose,
	}
	trade := &types.Trade{
		TradeID: "t1", OrderID: "o1", Code: "X", Price: 95, Volume: 2,
		Direction: types.Long, Offset: types.OffsetClose, Time: time.Now(),
	}
	o.updatePosition(o.runCtx, order, trade)

	// sign −1 for shorts: −1·2·(95−100) = +10
	if math.Abs(o.assets.TotalClosePnL-10) > 1e-10 {
		t.Errorf("TotalClosePnL = %v, want +10", o.assets.TotalClosePnL)
	}
}

func TestOpenTradeMergesLotAtSamePrice(t *testing.T) {
	t.Parallel()
	o := newBareOverlay()

	mk := func(id string, volume int) (*types.Order, *types.Trade) {
		order := &types.Order{
			OrderID: id, Code: "X", Price: 100, Volume: volume, FrozenCash: float64(volume * 100),
			Direction: types.Long, Offset: types.OffsetOpen,
		}
		trade := &types.Trade{
			TradeID: id + "-t", OrderID: id, Code: "X", Price: 100, Volume: volume,
			Direction: types.Long, Offset: types.OffsetOpen, Time: time.Now(),
		}
		return order, trade
	}

	o.assets.FrozenByOrder = 500
	o1, t1 := mk("o1", 3)
	o.updatePosition(o.runCtx, o1, t1)
	o2, t2 := mk("o2", 2)
	o.updatePosition(o.runCtx, o2, t2)

	book := o.detailsFor("X", types.Long)
	if book.Len() != 1 || book.At(0).Volume != 5 {
		t.Errorf("lots = %d entries, first volume %d, want one merged 5-lot", book.Len(), book.At(0).Volume)
	}

	pos := o.positionFor("X", types.Long, false)
	if pos.Volume != 5 || pos.TodayVolume != 5 || pos.TodayOpenVolume != 5 {
		t.Errorf("position = %d/%d/%d, want 5/5/5", pos.Volume, pos.TodayVolume, pos.TodayOpenVolume)
	}
	if math.Abs(pos.OpenCost-500) > 1e-10 {
		t.Errorf("OpenCost = %v, want 500", pos.OpenCost)
	}
	if math.Abs(o.assets.FrozenByOrder-0) > 1e-10 {
		t.Errorf("FrozenByOrder = %v, want 0 after full fills", o.assets.FrozenByOrder)
	}
}

// Position aggregates always equal the sum of their lots.
func TestPositionMatchesLotSums(t *testing.T) {
	t.Parallel()
	o := newBareOverlay()
	pos := seedLong(o, "X", [3]int{100, 5, 5}, [3]int{110, 5, 5}, [3]int{120, 5, 5})

	order := &types.Order{
		OrderID: "o1", Code: "X", Price: 112, Volume: 7,
		Direction: types.Short, Offset: types.OffsetClose,
	}
	trade := &types.Trade{
		TradeID: "t1", OrderID: "o1", Code: "X", Price: 112, Volume: 7,
		Direction: types.Short, Offset: types.OffsetClose, Time: time.Now(),
	}
	o.updatePosition(o.runCtx, order, trade)

	book := o.detailsFor("X", types.Long)
	if pos.Volume != book.TotalVolume() {
		t.Errorf("position volume %d != lot sum %d", pos.Volume, book.TotalVolume())
	}
	if pos.TodayVolume != book.TotalTodayVolume() {
		t.Errorf("position today %d != lot today sum %d", pos.TodayVolume, book.TotalTodayVolume())
	}
}

func TestConsumeLotsExhaustedReturnsRest(t *testing.T) {
	t.Parallel()
	d := types.NewPositionDetails([]*types.PositionDetail{
		{Price: 100, Volume: 2},
	})

	rest := consumeLots(d, types.OffsetClose, 100, 5, func(lot *types.PositionDetail, volume int) {
		lot.Volume -= volume
	})
	if rest != 3 {
		t.Errorf("rest = %d, want 3 when lots run dry", rest)
	}
}

func TestAddCommissionAccrues(t *testing.T) {
	t.Parallel()
	o := newBareOverlay()
	pos := seedLong(o, "X", [3]int{100, 5, 5})

	trade := &types.Trade{
		TradeID: "t1", OrderID: "o1", Code: "X", Price: 112, Volume: 2,
		Commission: 3.5, Direction: types.Short, Offset: types.OffsetClose, Time: time.Now(),
	}
	o.addCommission(o.runCtx, trade)

	if o.assets.TodayCommission != 3.5 || o.assets.TotalCommission != 3.5 {
		t.Errorf("assets commission = %v/%v, want 3.5/3.5", o.assets.TodayCommission, o.assets.TotalCommission)
	}
	if pos.TodayCommission != 3.5 {
		t.Errorf("position commission = %v, want 3.5 (close books on the long side)", pos.TodayCommission)
	}
}
