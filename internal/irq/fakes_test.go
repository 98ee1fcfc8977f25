package irq

import (
	"context"
	"log/slog"
	"sync"
)

type ctrlCall struct {
	op      string
	hart    int
	mode    Mode
	channel uint32
	level   uint32
}

// recordingController is a Controller that remembers every call and returns
// queued channels from Claim.
type recordingController struct {
	mu     sync.Mutex
	calls  []ctrlCall
	claims []uint32
}

func (c *recordingController) record(call ctrlCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
}

func (c *recordingController) SetThreshold(hart int, mode Mode, level uint32) {
	c.record(ctrlCall{op: "threshold", hart: hart, mode: mode, level: level})
}

func (c *recordingController) SetPriority(channel uint32, level uint32) {
	c.record(ctrlCall{op: "priority", channel: channel, level: level})
}

func (c *recordingController) Enable(hart int, mode Mode, channel uint32) {
	c.record(ctrlCall{op: "enable", hart: hart, mode: mode, channel: channel})
}

func (c *recordingController) Disable(hart int, mode Mode, channel uint32) {
	c.record(ctrlCall{op: "disable", hart: hart, mode: mode, channel: channel})
}

func (c *recordingController) Claim(hart int, mode Mode) uint32 {
	c.mu.Lock()
	var ch uint32
	if len(c.claims) > 0 {
		ch = c.claims[0]
		c.claims = c.claims[1:]
	}
	c.calls = append(c.calls, ctrlCall{op: "claim", hart: hart, mode: mode, channel: ch})
	c.mu.Unlock()
	return ch
}

func (c *recordingController) Complete(hart int, mode Mode, channel uint32) {
	c.record(ctrlCall{op: "complete", hart: hart, mode: mode, channel: channel})
}

func (c *recordingController) queueClaim(ch uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claims = append(c.claims, ch)
}

func (c *recordingController) ops(op string) []ctrlCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ctrlCall
	for _, call := range c.calls {
		if call.op == op {
			out = append(out, call)
		}
	}
	return out
}

type localBits struct {
	mu       sync.Mutex
	software bool
	timer    bool
	external bool
}

func (l *localBits) EnableSoftware() { l.mu.Lock(); l.software = true; l.mu.Unlock() }
func (l *localBits) EnableTimer()    { l.mu.Lock(); l.timer = true; l.mu.Unlock() }
func (l *localBits) DisableTimer()   { l.mu.Lock(); l.timer = false; l.mu.Unlock() }
func (l *localBits) EnableExternal() { l.mu.Lock(); l.external = true; l.mu.Unlock() }

// captureHandler is a slog.Handler that keeps every record.
type captureHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func (h *captureHandler) count(level slog.Level) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.records {
		if r.Level == level {
			n++
		}
	}
	return n
}

func (h *captureHandler) total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

type testRig struct {
	d      *Dispatcher
	ctrl   *recordingController
	harts  []*localBits
	logs   *captureHandler
	aborts []*FatalError
}

func newTestRig(harts int) *testRig {
	rig := &testRig{
		ctrl: &recordingController{},
		logs: &captureHandler{},
	}
	locals := make([]LocalInterrupts, harts)
	for i := range locals {
		bits := &localBits{}
		rig.harts = append(rig.harts, bits)
		locals[i] = bits
	}
	d, err := New(Config{
		Controller: rig.ctrl,
		Harts:      locals,
		Logger:     slog.New(rig.logs),
		Abort: func(err *FatalError) {
			rig.aborts = append(rig.aborts, err)
		},
	})
	if err != nil {
		panic(err)
	}
	rig.d = d
	return rig
}

// gatedController holds the first Disable call until release is closed.
type gatedController struct {
	*recordingController
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedController() *gatedController {
	return &gatedController{
		recordingController: &recordingController{},
		entered:             make(chan struct{}),
		release:             make(chan struct{}),
	}
}

func (c *gatedController) Disable(hart int, mode Mode, channel uint32) {
	c.once.Do(func() {
		close(c.entered)
		<-c.release
	})
	c.recordingController.Disable(hart, mode, channel)
}

// enabled replays the enable and disable calls for channel and returns the
// final state per hart.
func (c *recordingController) enabled(channel uint32) map[int]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := map[int]bool{}
	for _, call := range c.calls {
		if call.channel != channel {
			continue
		}
		switch call.op {
		case "enable":
			state[call.hart] = true
		case "disable":
			state[call.hart] = false
		}
	}
	return state
}
