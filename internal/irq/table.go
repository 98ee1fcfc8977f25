package irq

import (
	"log/slog"
	"sync/atomic"
)

// MaxChannels is the number of PLIC sources a Table can hold.
const MaxChannels = 1024

// Handler is called in interrupt context with the channel number (or the
// raw cause for the timer).
type Handler func(irq uint64)

type handlerEntry struct {
	fn Handler
}

// Table maps PLIC channels to handlers. Every operation is lock-free and may
// run concurrently on any hart, including from interrupt context.
type Table struct {
	log   *slog.Logger
	slots []atomic.Pointer[handlerEntry]
}

// NewTable returns a table with room for size channels.
func NewTable(size int, log *slog.Logger) *Table {
	if log == nil {
		log = slog.Default()
	}
	if size <= 0 {
		size = MaxChannels
	}
	return &Table{
		log:   log,
		slots: make([]atomic.Pointer[handlerEntry], size),
	}
}

// Len returns the table capacity.
func (t *Table) Len() int {
	return len(t.slots)
}

// Register installs fn for id if no handler is installed yet. It returns
// false if the slot is taken, id is out of range, or fn is nil. Of two
// concurrent registrations for the same id exactly one succeeds.
func (t *Table) Register(id uint32, fn Handler) bool {
	if fn == nil {
		t.log.Warn("irq: refusing nil handler", "irq", id)
		return false
	}
	if int(id) >= len(t.slots) {
		t.log.Warn("irq: channel out of range", "irq", id, "max", len(t.slots))
		return false
	}
	return t.slots[id].CompareAndSwap(nil, &handlerEntry{fn: fn})
}

// Unregister removes and returns the handler installed for id.
//
// A Dispatch on another hart that loaded the entry before the swap may still
// call the old handler once after Unregister returns.
func (t *Table) Unregister(id uint32) (Handler, bool) {
	if int(id) >= len(t.slots) {
		return nil, false
	}
	old := t.slots[id].Swap(nil)
	if old == nil {
		return nil, false
	}
	return old.fn, true
}

// Dispatch calls the handler for id and reports whether there was one.
func (t *Table) Dispatch(id uint32) bool {
	if int(id) >= len(t.slots) {
		t.log.Debug("irq: unhandled", "irq", id)
		return false
	}
	entry := t.slots[id].Load()
	if entry == nil {
		t.log.Debug("irq: unhandled", "irq", id)
		return false
	}
	entry.fn(uint64(id))
	return true
}
