// Package platform is the board support layer for RISC-V machines: the
// interrupt dispatcher wired to a PLIC, the console, timekeeping and power
// control, plus the boot-time init sequence tying them together.
package platform

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/rvplat/internal/irq"
	"github.com/tinyrange/rvplat/internal/plic"
)

// Hardware is what the platform layer needs from the machine.
type Hardware struct {
	PLIC plic.MMIO
	UART ByteMMIO
	// RTC is optional.
	RTC WordMMIO

	Ticks    TickSource
	Firmware Firmware

	// Harts holds the sie bits of every hart, indexed by hart id.
	Harts []irq.LocalInterrupts

	// Abort overrides what happens on an unrecoverable trap.
	Abort func(*irq.FatalError)
}

// Platform owns the per-machine singletons.
type Platform struct {
	Config  Config
	IRQ     *irq.Dispatcher
	PLIC    *plic.PLIC
	Console *Console
	Clock   *Clock
	Power   *Power

	hw  Hardware
	log *slog.Logger
}

// New wires the platform layer to hw.
func New(cfg Config, hw Hardware, log *slog.Logger) (*Platform, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	if len(hw.Harts) != cfg.Harts {
		return nil, fmt.Errorf("%w: config has %d harts, hardware has %d", ErrInvalidConfig, cfg.Harts, len(hw.Harts))
	}
	if hw.UART == nil {
		return nil, fmt.Errorf("platform: no UART")
	}

	ctrl, err := plic.New(hw.PLIC, cfg.Harts)
	if err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}
	dispatcher, err := irq.New(irq.Config{
		Controller:  ctrl,
		Harts:       hw.Harts,
		Priority:    cfg.PLIC.Priority,
		MaxChannels: cfg.MaxChannels,
		Logger:      log,
		Abort:       hw.Abort,
	})
	if err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}
	clock, err := NewClock(cfg.TimebaseFrequency, hw.Ticks, hw.Firmware)
	if err != nil {
		return nil, err
	}

	return &Platform{
		Config:  cfg,
		IRQ:     dispatcher,
		PLIC:    ctrl,
		Console: NewConsole(hw.UART, cfg.UART.IRQ, cfg.UART.Buffer),
		Clock:   clock,
		Power:   NewPower(hw.Firmware, log),
		hw:      hw,
		log:     log,
	}, nil
}

// InitEarly runs on the primary hart right after boot: console and wall
// clock.
func (p *Platform) InitEarly(hart int) {
	p.Console.InitEarly()
	p.Clock.InitEarly(p.hw.RTC)
	p.log.Debug("platform: early init", "hart", hart, "epoch_offset_ns", p.Clock.EpochOffsetNanos())
}

// InitEarlySecondary runs on every secondary hart right after it starts.
func (p *Platform) InitEarlySecondary(hart int) {
	p.log.Debug("platform: early init", "hart", hart)
}

// InitLater runs on the primary hart once the kernel is ready for
// interrupts: every PLIC context is opened, then this hart's interrupts and
// timer are enabled.
func (p *Platform) InitLater(hart int) error {
	for h := 0; h < p.Config.Harts; h++ {
		p.PLIC.SetThreshold(h, irq.ModeSupervisor, 0)
	}
	return p.initPerCPU(hart)
}

// InitLaterSecondary is InitLater for secondary harts.
func (p *Platform) InitLaterSecondary(hart int) error {
	return p.initPerCPU(hart)
}

func (p *Platform) initPerCPU(hart int) error {
	p.IRQ.InitPerCPU(hart)
	if err := p.Clock.InitPerCPU(hart); err != nil {
		return err
	}
	p.log.Debug("platform: interrupts enabled", "hart", hart)
	return nil
}

// EnableConsoleIRQ switches console input to interrupt-driven.
func (p *Platform) EnableConsoleIRQ() bool {
	return p.Console.EnableIRQ(p.IRQ)
}

// HandleTrap is the interrupt half of the trap vector.
func (p *Platform) HandleTrap(hart int, cause irq.Cause) {
	p.IRQ.Handle(hart, cause)
}
