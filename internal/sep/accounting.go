package sep

import (
	"context"
	"math"

	"github.com/ktrader-tech/ktrader-broker-api/pkg/types"
)

// positionFor returns the book-side position, creating it when create is set.
func (o *Overlay) positionFor(code string, dir types.Direction, create bool) *types.Position {
	bi, ok := o.positions[code]
	if !ok {
		if !create {
			return nil
		}
		bi = &types.BiPosition{}
		o.positions[code] = bi
	}
	p := bi.Side(dir)
	if p == nil && create {
		p = &types.Position{AccountID: o.account, Code: code, Direction: dir}
		bi.SetSide(dir, p)
	}
	return p
}

// detailsFor returns the book-side lot container, allocating on demand.
func (o *Overlay) detailsFor(code string, dir types.Direction) *types.PositionDetails {
	bi, ok := o.details[code]
	if !ok {
		bi = &types.BiPositionDetails{}
		o.details[code] = bi
	}
	return bi.Side(dir)
}

// closeTarget resolves the price-addressed close target for an order.
// Absent annotation defaults to the cheapest-to-close end of the lot list:
// a LONG-side close (closing a short book) targets −∞, a SHORT-side close +∞.
func closeTarget(order *types.Order) float64 {
	if p, ok := order.ClosePositionPrice(); ok {
		return p
	}
	if order.Direction == types.Long {
		return math.Inf(-1)
	}
	return math.Inf(1)
}

// lotQualifies reports whether a lot still has volume closable under offset.
func lotQualifies(lot *types.PositionDetail, offset types.Offset) bool {
	switch offset {
	case types.OffsetCloseToday:
		return lot.TodayVolume > 0
	case types.OffsetCloseYesterday:
		return lot.YesterdayVolume() > 0
	default:
		return lot.Volume > 0
	}
}

// lotAvailable is the volume a single lot can give under offset.
func lotAvailable(lot *types.PositionDetail, offset types.Offset) int {
	switch offset {
	case types.OffsetCloseToday:
		return lot.TodayVolume
	case types.OffsetCloseYesterday:
		return lot.YesterdayVolume()
	default:
		return lot.Volume
	}
}

// consumeLots walks lots outward from the price target, consuming rest volume.
//
// A binary search for target yields two candidate cursors straddling it; at
// each step the qualifying candidate closest to the target wins (ties go to
// the lower-price side). take is called once per consumed slice; the walk
// stops when rest reaches zero or no qualifying lot remains. Returns the
// unconsumed remainder.
func consumeLots(d *types.PositionDetails, offset types.Offset, target float64, rest int,
	take func(lot *types.PositionDetail, volume int)) int {

	hi, _ := d.SearchPrice(target)
	lo := hi - 1

	for rest > 0 {
		for lo >= 0 && !lotQualifies(d.At(lo), offset) {
			lo--
		}
		for hi < d.Len() && !lotQualifies(d.At(hi), offset) {
			hi++
		}

		var lot *types.PositionDetail
		switch {
		case lo >= 0 && hi < d.Len():
			lower, upper := d.At(lo), d.At(hi)
			// Tie on distance picks the lower index.
			if math.Abs(upper.Price-target) < math.Abs(lower.Price-target) {
				lot = upper
			} else {
				lot = lower
			}
		case lo >= 0:
			lot = d.At(lo)
		case hi < d.Len():
			lot = d.At(hi)
		default:
			return rest
		}

		volume := lotAvailable(lot, offset)
		if volume > rest {
			volume = rest
		}
		take(lot, volume)
		rest -= volume
	}
	return rest
}

// updatePosition applies one fill to the book. The trade's own offset drives
// the accounting, not the originating order's — backends may coerce a close
// offset, and the coerced value is what settled.
func (o *Overlay) updatePosition(ctx context.Context, order *types.Order, trade *types.Trade) {
	if trade.Offset == types.OffsetOpen {
		o.applyOpenTrade(ctx, trade, order)
		return
	}
	o.applyCloseTrade(ctx, trade, order)
}

// applyOpenTrade books an opening fill: the position grows, the lot at the
// fill price is merged or inserted, and the order's frozen cash converts into
// position value.
func (o *Overlay) applyOpenTrade(ctx context.Context, trade *types.Trade, order *types.Order) {
	mult := float64(o.multiplier(trade.Code))

	pos := o.positionFor(trade.Code, trade.Direction, true)
	pos.Volume += trade.Volume
	pos.TodayVolume += trade.Volume
	pos.TodayOpenVolume += trade.Volume
	pos.OpenCost += trade.Price * float64(trade.Volume) * mult

	lots := o.detailsFor(trade.Code, trade.Direction)
	lot := lots.Add(&types.PositionDetail{
		AccountID:   o.account,
		Code:        trade.Code,
		Direction:   trade.Direction,
		Price:       trade.Price,
		Volume:      trade.Volume,
		TodayVolume: trade.Volume,
		UpdateTime:  trade.Time,
	})

	// Release the filled share of the order's insert-time freeze.
	if order != nil && order.Volume > 0 && order.FrozenCash > 0 {
		o.assets.FrozenByOrder -= order.FrozenCash * float64(trade.Volume) / float64(order.Volume)
		if o.assets.FrozenByOrder < 0 {
			o.assets.FrozenByOrder = 0
		}
	}

	o.persistPosition(ctx, pos)
	o.persistLot(ctx, lot)
	o.persistAssets(ctx)
}

// applyCloseTrade books a closing fill against the opposite-direction book,
// consuming lots outward from the order's close-price target and realizing
// PnL per consumed lot.
func (o *Overlay) applyCloseTrade(ctx context.Context, trade *types.Trade, order *types.Order) {
	posDir := trade.Direction.Opposite()
	pos := o.positionFor(trade.Code, posDir, false)
	if pos == nil {
		o.logger.Error("close trade without position", "code", trade.Code, "direction", posDir, "trade", trade.TradeID)
		return
	}
	mult := float64(o.multiplier(trade.Code))
	lots := o.detailsFor(trade.Code, posDir)

	sign := 1.0
	if posDir == types.Short {
		sign = -1.0
	}

	target := math.Inf(1)
	if order != nil {
		target = closeTarget(order)
	} else if trade.Direction == types.Long {
		target = math.Inf(-1)
	}

	closed := 0
	var emptied []*types.PositionDetail
	rest := consumeLots(lots, trade.Offset, target, trade.Volume, func(lot *types.PositionDetail, volume int) {
		switch trade.Offset {
		case types.OffsetCloseToday:
			lot.TodayVolume -= volume
			pos.TodayVolume -= volume
			pos.FrozenTodayVolume -= volume
		case types.OffsetCloseYesterday:
			// Yesterday volume is Volume − TodayVolume; shrinking Volume
			// alone debits the carried-over part.
		default:
			closeToday := volume - lot.YesterdayVolume()
			if closeToday < 0 {
				closeToday = 0
			}
			lot.TodayVolume -= closeToday
			pos.TodayVolume -= closeToday
		}
		lot.Volume -= volume
		lot.UpdateTime = trade.Time

		pos.Volume -= volume
		pos.TodayCloseVolume += volume
		pos.OpenCost -= lot.Price * float64(volume) * mult
		o.assets.TotalClosePnL += sign * float64(volume) * (trade.Price - lot.Price) * mult
		closed += volume

		if lot.Volume == 0 {
			// Removal waits until the walk ends: dropping a lot mid-walk
			// would shift the candidate cursors.
			emptied = append(emptied, lot)
		} else {
			o.persistLot(ctx, lot)
		}
	})
	for _, lot := range emptied {
		if idx, found := lots.SearchPrice(lot.Price); found {
			lots.RemoveAt(idx)
		}
		o.deleteLot(ctx, lot)
	}
	if rest > 0 {
		o.logger.Error("close trade exceeded closable lots", "code", trade.Code, "direction", posDir, "rest", rest, "trade", trade.TradeID)
	}

	pos.FrozenVolume -= closed
	if pos.FrozenVolume < 0 {
		pos.FrozenVolume = 0
	}
	if pos.FrozenTodayVolume < 0 {
		pos.FrozenTodayVolume = 0
	}

	o.persistPosition(ctx, pos)
	o.persistAssets(ctx)
}

// addCommission accrues a fill's commission into the account and the
// relevant book-side position.
func (o *Overlay) addCommission(ctx context.Context, trade *types.Trade) {
	if trade.Commission == 0 {
		return
	}
	o.assets.TodayCommission += trade.Commission
	o.assets.TotalCommission += trade.Commission

	posDir := trade.Direction
	if trade.Offset.IsClose() {
		posDir = trade.Direction.Opposite()
	}
	if pos := o.positionFor(trade.Code, posDir, false); pos != nil {
		pos.TodayCommission += trade.Commission
		o.persistPosition(ctx, pos)
	}
	o.persistAssets(ctx)
}

// freezePosition locks a close order's volume on the book it will close.
func (o *Overlay) freezePosition(order *types.Order) {
	pos := o.positionFor(order.Code, order.Direction.Opposite(), false)
	if pos == nil {
		return
	}
	pos.FrozenVolume += order.Volume
	if order.Offset == types.OffsetCloseToday {
		pos.FrozenTodayVolume += order.Volume
	}
}

// unfreezePosition releases the unfilled remainder of a dead order: frozen
// cash for opens, frozen volume for closes.
func (o *Overlay) unfreezePosition(ctx context.Context, order *types.Order) {
	rest := order.Unfilled()
	if rest <= 0 {
		return
	}
	if order.Offset == types.OffsetOpen {
		if order.Volume > 0 && order.FrozenCash > 0 {
			o.assets.FrozenByOrder -= order.FrozenCash * float64(rest) / float64(order.Volume)
			if o.assets.FrozenByOrder < 0 {
				o.assets.FrozenByOrder = 0
			}
		}
		o.persistAssets(ctx)
		return
	}
	pos := o.positionFor(order.Code, order.Direction.Opposite(), false)
	if pos == nil {
		return
	}
	pos.FrozenVolume -= rest
	if pos.FrozenVolume < 0 {
		pos.FrozenVolume = 0
	}
	if order.Offset == types.OffsetCloseToday {
		pos.FrozenTodayVolume -= rest
		if pos.FrozenTodayVolume < 0 {
			pos.FrozenTodayVolume = 0
		}
	}
	o.persistPosition(ctx, pos)
}

// refreshAssets recomputes position marks through the parent and restores the
// derived asset identities. save additionally persists the snapshot.
func (o *Overlay) refreshAssets(ctx context.Context, save bool) {
	var value, pnl float64
	for _, bi := range o.positions {
		for _, pos := range []*types.Position{bi.Long, bi.Short} {
			if pos == nil {
				continue
			}
			if err := o.parent.CalculatePosition(ctx, pos, nil); err != nil {
				o.logger.Error("calculate position failed", "code", pos.Code, "error", err)
				continue
			}
			value += pos.Value
			pnl += pos.PnL
		}
	}
	o.assets.PositionValue = value
	o.assets.PositionPnL = pnl
	o.assets.Recalculate()
	if save {
		o.persistAssets(ctx)
	}
}

// multiplier returns the cached contract multiplier for a code, 1 unknown.
func (o *Overlay) multiplier(code string) int {
	if sec, ok := o.securities[code]; ok {
		return sec.Multiplier()
	}
	return 1
}

func (o *Overlay) persistAssets(ctx context.Context) {
	if err := o.dm.SaveAssets(ctx, o.assets); err != nil {
		o.logger.Error("persist assets failed", "error", err)
	}
}

func (o *Overlay) persistPosition(ctx context.Context, p *types.Position) {
	if err := o.dm.SavePosition(ctx, p); err != nil {
		o.logger.Error("persist position failed", "code", p.Code, "error", err)
	}
}

func (o *Overlay) persistLot(ctx context.Context, lot *types.PositionDetail) {
	if err := o.dm.SavePositionDetail(ctx, lot); err != nil {
		o.logger.Error("persist lot failed", "code", lot.Code, "price", lot.Price, "error", err)
	}
}

func (o *Overlay) deleteLot(ctx context.Context, lot *types.PositionDetail) {
	if _, err := o.dm.DeletePositionDetail(ctx, lot.AccountID, lot.Code, lot.Direction, lot.Price); err != nil {
		o.logger.Error("delete lot failed", "code", lot.Code, "price", lot.Price, "error", err)
	}
}
