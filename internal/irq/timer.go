package irq

import "sync/atomic"

// TimerSlot holds the single system-wide timer handler. Harts that need their
// own deadlines multiplex inside that one handler.
type TimerSlot struct {
	handler atomic.Pointer[handlerEntry]
}

// Register installs fn if the slot is empty. Only one of any number of
// concurrent callers wins.
func (s *TimerSlot) Register(fn Handler) bool {
	if fn == nil {
		return false
	}
	return s.handler.CompareAndSwap(nil, &handlerEntry{fn: fn})
}

// Unregister clears the slot and returns what was in it.
func (s *TimerSlot) Unregister() (Handler, bool) {
	old := s.handler.Swap(nil)
	if old == nil {
		return nil, false
	}
	return old.fn, true
}

// Dispatch calls the installed handler with cause. An empty slot is not an
// error; it reports false and does nothing.
func (s *TimerSlot) Dispatch(cause Cause) bool {
	entry := s.handler.Load()
	if entry == nil {
		return false
	}
	entry.fn(uint64(cause))
	return true
}
