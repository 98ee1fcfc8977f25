package virt

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/rvplat/internal/irq"
	"github.com/tinyrange/rvplat/internal/plic"
)

// TrapFunc is the supervisor trap vector. It runs on the hart's goroutine
// with further traps on that hart held off until it returns.
type TrapFunc func(hart int, cause irq.Cause)

// BoardConfig describes the emulated machine.
type BoardConfig struct {
	Harts    int
	Timebase uint64 // mtime frequency in Hz, DefaultTimebase if zero

	// Console receives bytes transmitted by the UART.
	Console io.Writer
	// UARTIRQ is the PLIC source the UART drives, UARTIRQ if zero.
	UARTIRQ uint32
	// Now backs the RTC; the host clock if nil.
	Now func() time.Time

	// Poll bounds how long an idle hart waits before re-checking its timer.
	Poll time.Duration

	Logger *slog.Logger
}

type hartStart struct {
	entry, arg uint64
}

// Board is a qemu virt style machine with harts and interrupt sources but
// no instruction set: trap delivery calls back into Go.
type Board struct {
	Harts []*Hart
	Bus   *Bus
	PLIC  *PLIC
	CLINT *CLINT
	UART  *UART
	RTC   *GoldfishRTC
	SBI   *SBI

	log     *slog.Logger
	poll    time.Duration
	uartIRQ uint32

	mu      sync.Mutex
	starts  []hartStart
	onStart HartEntry

	off       chan struct{}
	offOnce   sync.Once
	offReason uint32
}

// NewBoard builds the machine. Hart 0 is running; the others wait for an
// HSM start.
func NewBoard(cfg BoardConfig) (*Board, error) {
	if cfg.Harts <= 0 {
		return nil, fmt.Errorf("virt: board needs at least one hart, got %d", cfg.Harts)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Poll <= 0 {
		cfg.Poll = time.Millisecond
	}
	if cfg.UARTIRQ == 0 {
		cfg.UARTIRQ = UARTIRQ
	}
	if cfg.UARTIRQ >= plic.MaxSources {
		return nil, fmt.Errorf("virt: UART source %d outside the PLIC", cfg.UARTIRQ)
	}

	b := &Board{
		log:     cfg.Logger,
		poll:    cfg.Poll,
		uartIRQ: cfg.UARTIRQ,
		starts:  make([]hartStart, cfg.Harts),
		off:     make(chan struct{}),
		Bus:     &Bus{log: cfg.Logger},
	}
	for i := 0; i < cfg.Harts; i++ {
		b.Harts = append(b.Harts, newHart(i))
	}
	b.Harts[0].state.Store(HartStarted)

	b.PLIC = NewPLIC(b.Harts)
	b.CLINT = NewCLINT(b.Harts, cfg.Timebase)
	b.UART = NewUART(cfg.Console, func(high bool) { b.PLIC.SetLevel(b.uartIRQ, high) })
	b.RTC = NewGoldfishRTC(cfg.Now)
	b.SBI = newSBI(b)

	for _, m := range []DeviceMapping{
		{Name: "clint", Base: CLINTBase, Device: b.CLINT},
		{Name: "plic", Base: PLICBase, Device: b.PLIC},
		{Name: "uart", Base: UARTBase, Device: b.UART},
		{Name: "rtc", Base: RTCBase, Device: b.RTC},
	} {
		if err := b.Bus.Map(m.Name, m.Base, m.Device); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Window returns register access to the device at base.
func (b *Board) Window(base uint64) (*Window, error) {
	return b.Bus.Window(base)
}

// UARTSource returns the PLIC source the UART is wired to.
func (b *Board) UARTSource() uint32 {
	return b.uartIRQ
}

// SetHartEntry sets what a hart runs when it is started through HSM.
func (b *Board) SetHartEntry(fn HartEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStart = fn
}

func (b *Board) startHart(hart int, entry, arg uint64) error {
	if hart < 0 || hart >= len(b.Harts) {
		return SBIErrInvalidParam
	}
	h := b.Harts[hart]

	b.mu.Lock()
	defer b.mu.Unlock()
	if !h.state.CompareAndSwap(HartStopped, HartStartPending) {
		return SBIErrAlreadyAvail
	}
	b.starts[hart] = hartStart{entry: entry, arg: arg}
	h.wake()
	return nil
}

func (b *Board) powerOff(reason uint32) {
	b.offOnce.Do(func() {
		b.offReason = reason
		b.log.Info("virt: power off", "reason", reason)
		close(b.off)
	})
}

// PoweredOff is closed once the guest requests a shutdown.
func (b *Board) PoweredOff() <-chan struct{} {
	return b.off
}

// Run runs every hart until ctx ends, the board powers off, or a trap on
// some hart panics. A panicking trap stops the whole board and is returned
// as an error.
func (b *Board) Run(ctx context.Context, trap TrapFunc) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range b.Harts {
		g.Go(func() error {
			return b.runHart(gctx, h, trap)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	select {
	case <-b.off:
		return nil
	default:
	}
	return ctx.Err()
}

func (b *Board) runHart(ctx context.Context, h *Hart, trap TrapFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("virt: hart %d aborted: %v", h.ID, r)
		}
	}()

	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()

	for {
		if h.state.Load() == HartStartPending {
			b.mu.Lock()
			start := b.starts[h.ID]
			entry := b.onStart
			b.mu.Unlock()
			h.state.Store(HartStarted)
			b.log.Debug("virt: hart started", "hart", h.ID, "entry", fmt.Sprintf("0x%x", start.entry))
			if entry != nil {
				entry(h.ID, start.entry, start.arg)
			}
		}

		if h.state.Load() == HartStarted {
			b.CLINT.Tick(h.ID)
			if cause, ok := h.NextCause(); ok {
				trap(h.ID, cause)
				select {
				case <-ctx.Done():
					return nil
				case <-b.off:
					return nil
				default:
					continue
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-b.off:
			return nil
		case <-h.kick:
		case <-ticker.C:
		}
	}
}
