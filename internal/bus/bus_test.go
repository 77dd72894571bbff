package bus

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/ktrader-tech/ktrader-broker-api/pkg/types"
)

func TestPostDeliversInSubscriberOrder(t *testing.T) {
	t.Parallel()
	b := New()

	var got []int
	b.Subscribe([]types.EventType{types.EventTick}, "a", func(*types.BrokerEvent) { got = append(got, 1) })
	b.Subscribe([]types.EventType{types.EventTick}, "b", func(*types.BrokerEvent) { got = append(got, 2) })
	b.Subscribe([]types.EventType{types.EventTick}, "c", func(*types.BrokerEvent) { got = append(got, 3) })

	b.Post(types.EventTick, "src", nil)

	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("delivery order = %v, want [1 2 3]", got)
	}
}

func TestPostPreservesEmitterOrder(t *testing.T) {
	t.Parallel()
	b := New()

	var got []string
	b.Subscribe([]types.EventType{types.EventTradeReport, types.EventOrderStatus}, "t", func(e *types.BrokerEvent) {
		got = append(got, string(e.Type))
	})

	b.Post(types.EventTradeReport, "src", nil)
	b.Post(types.EventOrderStatus, "src", nil)

	if len(got) != 2 || got[0] != string(types.EventTradeReport) || got[1] != string(types.EventOrderStatus) {
		t.Errorf("observed order = %v, want trade before status", got)
	}
}

func TestSubscribeOnlyMatchingTypes(t *testing.T) {
	t.Parallel()
	b := New()

	var ticks, bars int
	b.Subscribe([]types.EventType{types.EventTick}, "t", func(*types.BrokerEvent) { ticks++ })
	b.Subscribe([]types.EventType{types.EventBar}, "t", func(*types.BrokerEvent) { bars++ })

	b.Post(types.EventTick, "src", nil)
	b.Post(types.EventTick, "src", nil)
	b.Post(types.EventBar, "src", nil)

	if ticks != 2 || bars != 1 {
		t.Errorf("ticks/bars = %d/%d, want 2/1", ticks, bars)
	}
}

func TestRemoveSubscribersByTag(t *testing.T) {
	t.Parallel()
	b := New()

	var kept, removed int
	b.SubscribeAll("keep", func(*types.BrokerEvent) { kept++ })
	b.SubscribeAll("drop", func(*types.BrokerEvent) { removed++ })

	b.RemoveSubscribersByTag("drop")
	b.Post(types.EventTick, "src", nil)

	if kept != 1 {
		t.Errorf("kept handler calls = %d, want 1", kept)
	}
	if removed != 0 {
		t.Errorf("removed handler calls = %d, want 0", removed)
	}
}

func TestReleaseDropsFurtherPosts(t *testing.T) {
	t.Parallel()
	b := New()

	var calls int
	b.SubscribeAll("t", func(*types.BrokerEvent) { calls++ })

	b.Post(types.EventTick, "src", nil)
	b.Release()
	b.Post(types.EventTick, "src", nil)

	if calls != 1 {
		t.Errorf("handler calls = %d, want 1 (post after release dropped)", calls)
	}
}

func TestReleaseWaitsForInflightHandlers(t *testing.T) {
	t.Parallel()
	b := New()

	var done atomic.Bool
	started := make(chan struct{})
	b.SubscribeAll("slow", func(*types.BrokerEvent) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		done.Store(true)
	})

	go b.Post(types.EventTick, "src", nil)
	<-started

	b.Release()
	if !done.Load() {
		t.Error("Release returned before the in-flight handler finished")
	}
}

func TestSubscribeAfterReleaseIsNoop(t *testing.T) {
	t.Parallel()
	b := New()
	b.Release()

	var calls int
	b.SubscribeAll("late", func(*types.BrokerEvent) { calls++ })
	b.Post(types.EventTick, "src", nil)

	if calls != 0 {
		t.Errorf("handler calls = %d, want 0", calls)
	}
}
