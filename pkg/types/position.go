package types

import (
	"sort"
	"time"
)

// Position is the per-(account, code, direction) aggregate book.
// A (code, direction) pair owns exactly one Position; the position is the
// sum of its PositionDetail lots.
type Position struct {
	AccountID string
	Code      string
	Direction Direction

	PreVolume         int // volume carried in from the previous trading day
	Volume            int
	TodayVolume       int
	FrozenVolume      int
	FrozenTodayVolume int

	TodayOpenVolume  int
	TodayCloseVolume int
	TodayCommission  float64

	OpenCost     float64 // Σ lot.price · lot.volume · multiplier
	AvgOpenPrice float64 // OpenCost / (Volume · multiplier)
	LastPrice    float64
	PnL          float64
	Value        float64
}

// YesterdayVolume is the carried-over part of the position.
func (p *Position) YesterdayVolume() int { return p.Volume - p.TodayVolume }

// FrozenYesterdayVolume is the frozen part attributable to yesterday volume.
func (p *Position) FrozenYesterdayVolume() int { return p.FrozenVolume - p.FrozenTodayVolume }

// CloseableVolume is the volume not locked by pending close orders.
func (p *Position) CloseableVolume() int { return p.Volume - p.FrozenVolume }

// Clone returns a copy of the position.
func (p *Position) Clone() *Position {
	c := *p
	return &c
}

// PositionDetail is one open-price lot of a position. Lots with the same
// (account, code, direction, price) are merged.
type PositionDetail struct {
	AccountID   string
	Code        string
	Direction   Direction
	Price       float64
	Volume      int
	TodayVolume int
	UpdateTime  time.Time
}

// YesterdayVolume is the carried-over part of the lot.
func (d *PositionDetail) YesterdayVolume() int { return d.Volume - d.TodayVolume }

// Clone returns a copy of the lot.
func (d *PositionDetail) Clone() *PositionDetail {
	c := *d
	return &c
}

// PositionDetails is the sorted lot container for one (code, direction).
// Lots are kept strictly ascending by price; no two lots share a price.
// Lookups are binary by price. The zero value is ready to use.
type PositionDetails struct {
	lots []*PositionDetail
}

// NewPositionDetails builds a container from lots in any order.
// Lots at equal prices are merged.
func NewPositionDetails(lots []*PositionDetail) *PositionDetails {
	d := &PositionDetails{}
	for _, lot := range lots {
		d.Add(lot.Clone())
	}
	return d
}

// Len returns the number of lots.
func (d *PositionDetails) Len() int { return len(d.lots) }

// At returns the lot at index i.
func (d *PositionDetails) At(i int) *PositionDetail { return d.lots[i] }

// Lots returns the underlying ascending-price slice. Callers must not reorder it.
func (d *PositionDetails) Lots() []*PositionDetail { return d.lots }

// SearchPrice returns the index of the first lot with price >= target,
// and whether a lot at exactly that price exists.
func (d *PositionDetails) SearchPrice(target float64) (idx int, found bool) {
	idx = sort.Search(len(d.lots), func(i int) bool { return d.lots[i].Price >= target })
	found = idx < len(d.lots) && d.lots[idx].Price == target
	return idx, found
}

// Add merges the lot into an existing one at the same price, or inserts it
// preserving ascending-price order.
func (d *PositionDetails) Add(lot *PositionDetail) *PositionDetail {
	idx, found := d.SearchPrice(lot.Price)
	if found {
		dst := d.lots[idx]
		dst.Volume += lot.Volume
		dst.TodayVolume += lot.TodayVolume
		if lot.UpdateTime.After(dst.UpdateTime) {
			dst.UpdateTime = lot.UpdateTime
		}
		return dst
	}
	d.lots = append(d.lots, nil)
	copy(d.lots[idx+1:], d.lots[idx:])
	d.lots[idx] = lot
	return lot
}

// RemoveAt drops the lot at index i.
func (d *PositionDetails) RemoveAt(i int) {
	d.lots = append(d.lots[:i], d.lots[i+1:]...)
}

// TotalVolume sums lot volumes.
func (d *PositionDetails) TotalVolume() int {
	total := 0
	for _, lot := range d.lots {
		total += lot.Volume
	}
	return total
}

// TotalTodayVolume sums lot today volumes.
func (d *PositionDetails) TotalTodayVolume() int {
	total := 0
	for _, lot := range d.lots {
		total += lot.TodayVolume
	}
	return total
}

// OpenCost derives Σ price·volume·multiplier over all lots.
func (d *PositionDetails) OpenCost(multiplier int) float64 {
	cost := 0.0
	for _, lot := range d.lots {
		cost += lot.Price * float64(lot.Volume) * float64(multiplier)
	}
	return cost
}

// BiPosition pairs the long and short Positions for one code.
// A side with no position is nil, not zero-volume.
type BiPosition struct {
	Long  *Position
	Short *Position
}

// Side returns the position for a direction (may be nil).
func (b *BiPosition) Side(dir Direction) *Position {
	if dir == Long {
		return b.Long
	}
	return b.Short
}

// SetSide stores the position for a direction.
func (b *BiPosition) SetSide(dir Direction, p *Position) {
	if dir == Long {
		b.Long = p
	} else {
		b.Short = p
	}
}

// BiPositionDetails pairs the long and short lot containers for one code.
type BiPositionDetails struct {
	Long  *PositionDetails
	Short *PositionDetails
}

// Side returns the lot container for a direction, allocating it on first use.
func (b *BiPositionDetails) Side(dir Direction) *PositionDetails {
	if dir == Long {
		if b.Long == nil {
			b.Long = &PositionDetails{}
		}
		return b.Long
	}
	if b.Short == nil {
		b.Short = &PositionDetails{}
	}
	return b.Short
}

// Assets is the per-account cash and exposure summary.
//
// Derived identities, maintained by Recalculate:
//
//	total     = initialCash + totalClosePnl − totalCommission + positionPnl
//	available = total − positionValue − frozenByOrder
type Assets struct {
	AccountID  string
	TradingDay time.Time

	Total         float64
	Available     float64
	PositionValue float64
	PositionPnL   float64
	FrozenByOrder float64

	TodayCommission float64

	InitialCash     float64
	TotalClosePnL   float64
	TotalCommission float64
}

// Recalculate refreshes the derived Total and Available fields.
func (a *Assets) Recalculate() {
	a.Total = a.InitialCash + a.TotalClosePnL - a.TotalCommission + a.PositionPnL
	a.Available = a.Total - a.PositionValue - a.FrozenByOrder
}

// Clone returns a copy of the assets.
func (a *Assets) Clone() *Assets {
	c := *a
	return &c
}

// SameDay reports whether a and b fall on the same calendar date.
// Used for trading-day comparison; zero times never match a real day.
func SameDay(a, b time.Time) bool {
	if a.IsZero() || b.IsZero() {
		return a.IsZero() && b.IsZero()
	}
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
