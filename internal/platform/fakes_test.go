package platform

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"
)

type timerCall struct {
	hart  int
	stime uint64
}

type fakeFirmware struct {
	mu         sync.Mutex
	extensions map[uint64]bool
	timers     []timerCall
	starts     []int
	resets     []uint32
	resetErr   error
}

func newFakeFirmware() *fakeFirmware {
	return &fakeFirmware{extensions: map[uint64]bool{ExtTimer: true, ExtHSM: true, ExtSRST: true}}
}

func (f *fakeFirmware) ProbeExtension(ext uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.extensions[ext]
}

func (f *fakeFirmware) SetTimer(hart int, stime uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timers = append(f.timers, timerCall{hart, stime})
	return nil
}

func (f *fakeFirmware) HartStart(hart int, entry, arg uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, hart)
	return nil
}

func (f *fakeFirmware) SystemReset(kind, reason uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, kind)
	return f.resetErr
}

// fakeUART is a 16550 reduced to what the console touches.
type fakeUART struct {
	mu  sync.Mutex
	ier uint8
	in  []byte
	out bytes.Buffer
}

func (u *fakeUART) Read8(offset uint64) uint8 {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch offset {
	case uartRBR:
		if len(u.in) == 0 {
			return 0
		}
		b := u.in[0]
		u.in = u.in[1:]
		return b
	case uartIER:
		return u.ier
	case uartLSR:
		lsr := uint8(uartLSRTHREmpty)
		if len(u.in) > 0 {
			lsr |= uartLSRDataReady
		}
		return lsr
	}
	return 0
}

func (u *fakeUART) Write8(offset uint64, value uint8) {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch offset {
	case uartTHR:
		u.out.WriteByte(value)
	case uartIER:
		u.ier = value
	}
}

func (u *fakeUART) feed(s string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.in = append(u.in, s...)
}

func (u *fakeUART) output() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.out.String()
}

type fakeRTC struct {
	nanos uint64
}

func (r *fakeRTC) Read32(offset uint64) uint32 {
	switch offset {
	case rtcTimeLow:
		return uint32(r.nanos)
	case rtcTimeHigh:
		return uint32(r.nanos >> 32)
	}
	return 0
}

func bufferLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func mustClock(t *testing.T, freq uint64, ticks TickSource, fw Firmware) *Clock {
	t.Helper()
	c, err := NewClock(freq, ticks, fw)
	if err != nil {
		t.Fatalf("NewClock: %v", err)
	}
	return c
}
