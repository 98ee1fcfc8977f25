package platform

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tinyrange/rvplat/internal/irq"
	"github.com/tinyrange/rvplat/internal/virt"
)

// syncBuffer collects UART output written from hart goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type virtRig struct {
	board  *virt.Board
	plat   *Platform
	out    *syncBuffer
	aborts chan *irq.FatalError
}

func newVirtRig(t *testing.T, harts int) *virtRig {
	t.Helper()
	return newVirtRigUART(t, harts, virt.UARTIRQ)
}

// newVirtRigUART builds a rig whose board and config both put the UART on
// source uartIRQ.
func newVirtRigUART(t *testing.T, harts int, uartIRQ uint32) *virtRig {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	out := &syncBuffer{}

	board, err := virt.NewBoard(virt.BoardConfig{
		Harts:   harts,
		Console: out,
		UARTIRQ: uartIRQ,
		Poll:    100 * time.Microsecond,
		Logger:  log,
	})
	if err != nil {
		t.Fatalf("NewBoard: %v", err)
	}

	window := func(base uint64) *virt.Window {
		w, err := board.Window(base)
		if err != nil {
			t.Fatalf("Window(%#x): %v", base, err)
		}
		return w
	}
	locals := make([]irq.LocalInterrupts, len(board.Harts))
	for i, h := range board.Harts {
		locals[i] = h
	}

	aborts := make(chan *irq.FatalError, 4)
	cfg := DefaultConfig()
	cfg.Harts = harts
	cfg.UART.IRQ = uartIRQ
	plat, err := New(cfg, Hardware{
		PLIC:     window(virt.PLICBase),
		UART:     window(virt.UARTBase),
		RTC:      window(virt.RTCBase),
		Ticks:    TickFunc(board.CLINT.Mtime),
		Firmware: board.SBI,
		Harts:    locals,
		Abort:    func(e *irq.FatalError) { aborts <- e },
	}, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &virtRig{board: board, plat: plat, out: out, aborts: aborts}
}

func (c *Console) buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rx)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNewRejectsMismatchedHarts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Harts = 2
	_, err := New(cfg, Hardware{
		UART:  &fakeUART{},
		Harts: []irq.LocalInterrupts{nil},
	}, nil)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("New = %v, want ErrInvalidConfig", err)
	}
}

func TestBootOnVirtBoard(t *testing.T) {
	rig := newVirtRig(t, 2)
	p := rig.plat

	var timerFired atomic.Int32
	if !p.IRQ.Register(irq.CauseSTimer, func(uint64) {
		timerFired.Add(1)
		for h := 0; h < p.Config.Harts; h++ {
			p.Clock.SetOneshotTimer(h, math.MaxUint64)
		}
	}) {
		t.Fatalf("timer handler not installed")
	}

	p.InitEarly(0)
	if p.Clock.EpochOffsetNanos() == 0 {
		t.Fatalf("epoch offset not read from the RTC")
	}
	if err := p.InitLater(0); err != nil {
		t.Fatalf("InitLater: %v", err)
	}
	if !p.EnableConsoleIRQ() {
		t.Fatalf("console IRQ not registered")
	}
	for h := 0; h < 2; h++ {
		if !p.PLIC.IsEnabled(h, irq.ModeSupervisor, virt.UARTIRQ) {
			t.Fatalf("UART channel not enabled on hart %d", h)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rig.board.Run(ctx, p.HandleTrap) }()

	// Hart 0 takes its first tick and pushes every deadline out before the
	// secondary starts, so the second tick can only come from hart 1.
	waitFor(t, "a timer interrupt on hart 0", func() bool { return timerFired.Load() >= 1 })

	var secondary sync.WaitGroup
	secondary.Add(1)
	rig.board.SetHartEntry(func(hart int, entry, arg uint64) {
		defer secondary.Done()
		p.InitEarlySecondary(hart)
		if err := p.InitLaterSecondary(hart); err != nil {
			t.Errorf("InitLaterSecondary(%d): %v", hart, err)
		}
	})
	if err := p.Power.CPUBoot(1, 0x8020_0000, 0); err != nil {
		t.Fatalf("CPUBoot: %v", err)
	}
	secondary.Wait()
	waitFor(t, "a timer interrupt on hart 1", func() bool { return timerFired.Load() >= 2 })
	if got := rig.board.Harts[1].State(); got != virt.HartStarted {
		t.Fatalf("hart 1 state = %d, want started", got)
	}

	rig.board.UART.EnqueueInput([]byte("hi\n"))
	waitFor(t, "console input drained by the interrupt", func() bool { return p.Console.buffered() == 3 })
	waitFor(t, "UART claim completed", func() bool { return !rig.board.PLIC.InFlight(virt.UARTIRQ) })

	buf := make([]byte, 8)
	if n := p.Console.ReadBytes(buf); string(buf[:n]) != "hi\n" {
		t.Fatalf("ReadBytes = %q", buf[:n])
	}

	p.Console.Write([]byte("ok\n"))
	if got := rig.out.String(); got != "ok\r\n" {
		t.Fatalf("UART output = %q", got)
	}

	if err := p.Power.SystemOff(); err != nil {
		t.Fatalf("SystemOff: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v, want nil after power off", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("board did not stop after power off")
	}

	select {
	case e := <-rig.aborts:
		t.Fatalf("unexpected abort: %v", e)
	default:
	}
}

func TestHandleTrapAbortsOnChannelCause(t *testing.T) {
	rig := newVirtRig(t, 1)
	rig.plat.HandleTrap(0, irq.Cause(virt.UARTIRQ))

	select {
	case e := <-rig.aborts:
		if e.Class != irq.ClassChannel {
			t.Fatalf("abort class = %v, want %v", e.Class, irq.ClassChannel)
		}
	default:
		t.Fatalf("channel number as scause did not abort")
	}
}

func TestSecondaryBootWithoutHSM(t *testing.T) {
	rig := newVirtRig(t, 2)
	rig.board.SBI.RemoveExtension(virt.SBIExtHSM)

	if err := rig.plat.Power.CPUBoot(1, 0x8020_0000, 0); !errors.Is(err, ErrExtensionUnavailable) {
		t.Fatalf("CPUBoot = %v, want ErrExtensionUnavailable", err)
	}
	if got := rig.board.Harts[1].State(); got != virt.HartStopped {
		t.Fatalf("hart 1 state = %d, want stopped", got)
	}
}

func TestConsoleOnConfiguredUARTSource(t *testing.T) {
	rig := newVirtRigUART(t, 1, 12)
	p := rig.plat

	p.InitEarly(0)
	if err := p.InitLater(0); err != nil {
		t.Fatalf("InitLater: %v", err)
	}
	if !p.EnableConsoleIRQ() {
		t.Fatalf("console IRQ not registered")
	}

	rig.board.UART.EnqueueInput([]byte("ab"))
	if rig.board.Harts[0].SIP()&virt.MipSEIP == 0 {
		t.Fatalf("UART on source 12 did not raise the external interrupt")
	}
	p.HandleTrap(0, irq.CauseSExternal)

	if got := p.Console.buffered(); got != 2 {
		t.Fatalf("buffered = %d, want 2", got)
	}
	if rig.board.PLIC.InFlight(12) {
		t.Fatalf("source 12 left in flight")
	}
}
