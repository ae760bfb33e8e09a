package feed

import (
	"sync"
	"testing"
	"time"

	"chartdesk/internal/model"
)

func TestTickRing_BasicPushPop(t *testing.T) {
	r := NewTickRing(4)

	if !r.Push(model.Tick{Symbol: "A", Price: 1}) {
		t.Fatal("push A should succeed")
	}
	if !r.Push(model.Tick{Symbol: "B", Price: 2}) {
		t.Fatal("push B should succeed")
	}
	if r.Len() != 2 {
		t.Fatalf("expected len=2, got %d", r.Len())
	}

	got, ok := r.Pop()
	if !ok || got.Symbol != "A" {
		t.Fatalf("expected A, got %v ok=%v", got.Symbol, ok)
	}
	got, ok = r.Pop()
	if !ok || got.Symbol != "B" {
		t.Fatalf("expected B, got %v ok=%v", got.Symbol, ok)
	}
	if _, ok = r.Pop(); ok {
		t.Fatal("pop from empty should return false")
	}
}

func TestTickRing_Overflow(t *testing.T) {
	r := NewTickRing(2)
	r.Push(model.Tick{Symbol: "1"})
	r.Push(model.Tick{Symbol: "2"})

	if r.Push(model.Tick{Symbol: "3"}) {
		t.Fatal("push to full buffer should return false")
	}
	if r.Overflow() != 1 {
		t.Fatalf("expected overflow=1, got %d", r.Overflow())
	}
}

func TestTickRing_CapacityRoundsUp(t *testing.T) {
	if c := NewTickRing(5).Cap(); c != 8 {
		t.Errorf("cap = %d, want 8", c)
	}
	if c := NewTickRing(0).Cap(); c != 2 {
		t.Errorf("cap = %d, want 2", c)
	}
}

func TestTickRing_ConcurrentSPSC(t *testing.T) {
	r := NewTickRing(64)
	const total = 10000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; {
			if r.Push(model.Tick{Qty: int64(i)}) {
				i++
			}
		}
	}()

	deadline := time.After(5 * time.Second)
	for want := int64(0); want < total; {
		select {
		case <-deadline:
			t.Fatalf("timed out at %d", want)
		default:
		}
		tick, ok := r.Pop()
		if !ok {
			continue
		}
		if tick.Qty != want {
			t.Fatalf("out of order: got %d, want %d", tick.Qty, want)
		}
		want++
	}
	wg.Wait()
}
