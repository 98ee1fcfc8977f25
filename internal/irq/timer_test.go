package irq

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestTimerSlotExchangeOnce(t *testing.T) {
	var slot TimerSlot

	const harts = 8
	var wins atomic.Int32
	var fired atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	winners := make([]bool, harts)
	for i := 0; i < harts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			if slot.Register(func(uint64) { fired.Store(int32(i) + 1) }) {
				wins.Add(1)
				winners[i] = true
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Fatalf("successful registrations = %d, want 1", got)
	}

	fn, ok := slot.Unregister()
	if !ok {
		t.Fatalf("Unregister returned no handler")
	}
	fn(uint64(CauseSTimer))
	idx := int(fired.Load()) - 1
	if idx < 0 || !winners[idx] {
		t.Fatalf("Unregister returned the handler of hart %d, which did not win", idx)
	}

	if _, ok := slot.Unregister(); ok {
		t.Fatalf("second Unregister returned a handler")
	}
}

func TestTimerSlotDispatch(t *testing.T) {
	var slot TimerSlot
	if slot.Dispatch(CauseSTimer) {
		t.Fatalf("Dispatch on empty slot returned true")
	}

	var got uint64
	if !slot.Register(func(irq uint64) { got = irq }) {
		t.Fatalf("Register failed on empty slot")
	}
	if slot.Register(func(uint64) {}) {
		t.Fatalf("Register succeeded on occupied slot")
	}
	if !slot.Dispatch(CauseSTimer) {
		t.Fatalf("Dispatch returned false with a handler installed")
	}
	if got != uint64(CauseSTimer) {
		t.Fatalf("handler got %#x, want %#x", got, uint64(CauseSTimer))
	}
}
