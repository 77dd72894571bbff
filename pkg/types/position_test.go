package types

import (
	"math"
	"testing"
	"time"
)

func TestPositionDerivedVolumes(t *testing.T) {
	t.Parallel()
	p := &Position{
		Volume:            10,
		TodayVolume:       4,
		FrozenVolume:      3,
		FrozenTodayVolume: 1,
	}

	if got := p.YesterdayVolume(); got != 6 {
		t.Errorf("YesterdayVolume = %d, want 6", got)
	}
	if got := p.FrozenYesterdayVolume(); got != 2 {
		t.Errorf("FrozenYesterdayVolume = %d, want 2", got)
	}
	if got := p.CloseableVolume(); got != 7 {
		t.Errorf("CloseableVolume = %d, want 7", got)
	}
}

func TestPositionDetailsSortedInsert(t *testing.T) {
	t.Parallel()
	d := &PositionDetails{}
	for _, price := range []float64{110, 100, 120, 105} {
		d.Add(&PositionDetail{Price: price, Volume: 1, TodayVolume: 1})
	}

	if d.Len() != 4 {
		t.Fatalf("Len = %d, want 4", d.Len())
	}
	want := []float64{100, 105, 110, 120}
	for i, price := range want {
		if d.At(i).Price != price {
			t.Errorf("lot[%d].Price = %v, want %v", i, d.At(i).Price, price)
		}
	}
}

func TestPositionDetailsMergeSamePrice(t *testing.T) {
	t.Parallel()
	d := &PositionDetails{}
	early := time.Date(2024, 5, 20, 9, 30, 0, 0, time.Local)
	late := early.Add(time.Hour)

	d.Add(&PositionDetail{Price: 100, Volume: 5, TodayVolume: 5, UpdateTime: early})
	d.Add(&PositionDetail{Price: 100, Volume: 3, TodayVolume: 3, UpdateTime: late})

	if d.Len() != 1 {
		t.Fatalf("Len = %d, want 1 (same price merges)", d.Len())
	}
	lot := d.At(0)
	if lot.Volume != 8 || lot.TodayVolume != 8 {
		t.Errorf("merged lot = %d/%d, want 8/8", lot.Volume, lot.TodayVolume)
	}
	if !lot.UpdateTime.Equal(late) {
		t.Errorf("UpdateTime = %v, want the later %v", lot.UpdateTime, late)
	}
}

func TestPositionDetailsSearchPrice(t *testing.T) {
	t.Parallel()
	d := NewPositionDetails([]*PositionDetail{
		{Price: 100, Volume: 5},
		{Price: 110, Volume: 5},
		{Price: 120, Volume: 5},
	})

	tests := []struct {
		target    float64
		wantIdx   int
		wantFound bool
	}{
		{99, 0, false},
		{100, 0, true},
		{115, 2, false},
		{120, 2, true},
		{121, 3, false},
	}
	for _, tt := range tests {
		idx, found := d.SearchPrice(tt.target)
		if idx != tt.wantIdx || found != tt.wantFound {
			t.Errorf("SearchPrice(%v) = (%d, %v), want (%d, %v)", tt.target, idx, found, tt.wantIdx, tt.wantFound)
		}
	}
}

func TestPositionDetailsOpenCost(t *testing.T) {
	t.Parallel()
	d := NewPositionDetails([]*PositionDetail{
		{Price: 100, Volume: 2},
		{Price: 110, Volume: 1},
	})

	// (100*2 + 110*1) * 10 = 3100
	if got := d.OpenCost(10); math.Abs(got-3100) > 1e-10 {
		t.Errorf("OpenCost = %v, want 3100", got)
	}
}

func TestAssetsRecalculate(t *testing.T) {
	t.Parallel()
	a := &Assets{
		InitialCash:     1_000_000,
		TotalClosePnL:   500,
		TotalCommission: 120,
		PositionPnL:     -80,
		PositionValue:   20_000,
		FrozenByOrder:   1_000,
	}
	a.Recalculate()

	wantTotal := 1_000_000.0 + 500 - 120 - 80
	if math.Abs(a.Total-wantTotal) > 1e-10 {
		t.Errorf("Total = %v, want %v", a.Total, wantTotal)
	}
	wantAvail := wantTotal - 20_000 - 1_000
	if math.Abs(a.Available-wantAvail) > 1e-10 {
		t.Errorf("Available = %v, want %v", a.Available, wantAvail)
	}
}

func TestOrderCloneIsDeep(t *testing.T) {
	t.Parallel()
	o := &Order{OrderID: "a_1_0"}
	o.SetExtra(ExtraClosePositionPrice, "115")

	c := o.Clone()
	c.SetExtra(ExtraClosePositionPrice, "999")

	if p, _ := o.ClosePositionPrice(); p != 115 {
		t.Errorf("clone mutation leaked into original: %v", p)
	}
}

func TestOrderAnnotations(t *testing.T) {
	t.Parallel()
	o := &Order{}

	if _, ok := o.ClosePositionPrice(); ok {
		t.Error("ClosePositionPrice on empty order should not be ok")
	}
	if o.MinVolume() != 0 {
		t.Errorf("MinVolume = %d, want 0", o.MinVolume())
	}

	o.SetExtra(ExtraClosePositionPrice, "112.5")
	o.SetExtra(ExtraMinVolume, "3")
	if p, ok := o.ClosePositionPrice(); !ok || p != 112.5 {
		t.Errorf("ClosePositionPrice = (%v, %v), want (112.5, true)", p, ok)
	}
	if o.MinVolume() != 3 {
		t.Errorf("MinVolume = %d, want 3", o.MinVolume())
	}
}

func TestSameDay(t *testing.T) {
	t.Parallel()
	a := time.Date(2024, 5, 20, 9, 0, 0, 0, time.Local)
	b := time.Date(2024, 5, 20, 23, 59, 0, 0, time.Local)
	c := time.Date(2024, 5, 21, 0, 0, 0, 0, time.Local)

	if !SameDay(a, b) {
		t.Error("same calendar day should match")
	}
	if SameDay(a, c) {
		t.Error("different days should not match")
	}
	if SameDay(a, time.Time{}) {
		t.Error("zero time never matches a real day")
	}
	if !SameDay(time.Time{}, time.Time{}) {
		t.Error("two zero times match")
	}
}
