package irq

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultPriority is the PLIC priority given to a channel when it is enabled.
const DefaultPriority = 6

var (
	ErrNoController = errors.New("irq: no interrupt controller")
	ErrNoHarts      = errors.New("irq: no harts")
)

// FatalError describes a trap the dispatcher cannot continue from: a local
// cause it does not know, or a channel number arriving as a raw cause.
type FatalError struct {
	Hart   int
	Cause  Cause
	Class  Class
	Reason string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("irq: fatal %s interrupt on hart %d (cause %#x): %s", e.Class, e.Hart, uint64(e.Cause), e.Reason)
}

// Config wires a Dispatcher to its hardware.
type Config struct {
	// Controller is the PLIC (or a stand-in).
	Controller Controller
	// Harts holds the sie bits of every hart taking interrupts, indexed by
	// hart id. Channel enables are fanned out over all of them.
	Harts []LocalInterrupts
	// Priority given to channels on enable. Zero selects DefaultPriority.
	Priority uint32
	// MaxChannels bounds the handler table. Zero selects MaxChannels.
	MaxChannels int
	Logger      *slog.Logger
	// Abort is called for unrecoverable traps. The default logs the error
	// and panics with it.
	Abort func(*FatalError)
}

// Dispatcher is the platform's interrupt entry. One exists per machine; it
// is built at boot and lives until power off.
type Dispatcher struct {
	ctrl     Controller
	harts    []LocalInterrupts
	priority uint32
	log      *slog.Logger
	abort    func(*FatalError)

	table *Table
	timer TimerSlot

	// Orders a channel's table update with its enable fan-out. Handle never
	// takes it.
	channelMu sync.Mutex
}

// New builds a Dispatcher from cfg.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Controller == nil {
		return nil, ErrNoController
	}
	if len(cfg.Harts) == 0 {
		return nil, ErrNoHarts
	}
	for i, h := range cfg.Harts {
		if h == nil {
			return nil, fmt.Errorf("irq: hart %d has no local interrupt bits", i)
		}
	}

	d := &Dispatcher{
		ctrl:     cfg.Controller,
		harts:    append([]LocalInterrupts(nil), cfg.Harts...),
		priority: cfg.Priority,
		log:      cfg.Logger,
		abort:    cfg.Abort,
	}
	if d.priority == 0 {
		d.priority = DefaultPriority
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	if d.abort == nil {
		d.abort = d.panicAbort
	}
	d.table = NewTable(cfg.MaxChannels, d.log)
	return d, nil
}

func (d *Dispatcher) panicAbort(err *FatalError) {
	d.log.Error("irq: unrecoverable trap", "hart", err.Hart, "cause", uint64(err.Cause), "reason", err.Reason)
	panic(err)
}

// NumHarts returns the number of harts the dispatcher fans out to.
func (d *Dispatcher) NumHarts() int {
	return len(d.harts)
}

// InitPerCPU enables software, timer and external interrupts on hart and
// opens its supervisor PLIC context to every priority.
func (d *Dispatcher) InitPerCPU(hart int) {
	local, ok := d.local(hart)
	if !ok {
		return
	}
	local.EnableSoftware()
	local.EnableTimer()
	local.EnableExternal()
	d.ctrl.SetThreshold(hart, ModeSupervisor, 0)
}

// SetEnable turns an interrupt source on or off. For the timer it changes
// the sie bit of hart; for a PLIC channel it applies to every hart and hart
// is ignored.
func (d *Dispatcher) SetEnable(hart int, id Cause, enabled bool) {
	class, ch := Classify(id)
	switch class {
	case ClassTimer:
		local, ok := d.local(hart)
		if !ok {
			return
		}
		if enabled {
			local.EnableTimer()
		} else {
			local.DisableTimer()
		}
	case ClassExternal:
		d.log.Warn("irq: external interrupts come from the PLIC, not scause", "op", "set_enable")
	case ClassChannel:
		d.channelMu.Lock()
		d.setChannelEnable(ch, enabled)
		d.channelMu.Unlock()
	default:
		d.log.Warn("irq: unknown interrupt source", "op", "set_enable", "cause", uint64(id))
	}
}

func (d *Dispatcher) setChannelEnable(ch uint32, enabled bool) {
	if int(ch) >= d.table.Len() {
		d.log.Warn("irq: channel out of range", "irq", ch, "max", d.table.Len())
		return
	}
	if enabled {
		d.ctrl.SetPriority(ch, d.priority)
		for hart := range d.harts {
			d.ctrl.Enable(hart, ModeSupervisor, ch)
		}
		return
	}
	for hart := range d.harts {
		d.ctrl.Disable(hart, ModeSupervisor, ch)
	}
}

// Register installs fn for id. A channel that registers successfully is
// enabled on every hart before Register returns. Channel 0 is the PLIC's
// "nothing pending" value and is refused.
func (d *Dispatcher) Register(id Cause, fn Handler) bool {
	class, ch := Classify(id)
	switch class {
	case ClassTimer:
		return d.timer.Register(fn)
	case ClassExternal:
		d.log.Warn("irq: external interrupts come from the PLIC, not scause", "op", "register")
		return false
	case ClassChannel:
		if ch == 0 {
			d.log.Warn("irq: channel 0 is reserved", "op", "register")
			return false
		}
		d.channelMu.Lock()
		defer d.channelMu.Unlock()
		if !d.table.Register(ch, fn) {
			return false
		}
		d.setChannelEnable(ch, true)
		return true
	default:
		d.log.Warn("irq: unknown interrupt source", "op", "register", "cause", uint64(id))
		return false
	}
}

// Unregister removes the handler for id and returns it. A channel is
// disabled on every hart when its handler is removed.
//
// A hart already past its table lookup may run the old handler one more
// time after Unregister returns.
func (d *Dispatcher) Unregister(id Cause) (Handler, bool) {
	class, ch := Classify(id)
	switch class {
	case ClassTimer:
		return d.timer.Unregister()
	case ClassExternal:
		d.log.Warn("irq: external interrupts come from the PLIC, not scause", "op", "unregister")
		return nil, false
	case ClassChannel:
		d.channelMu.Lock()
		defer d.channelMu.Unlock()
		fn, ok := d.table.Unregister(ch)
		if ok {
			d.setChannelEnable(ch, false)
		}
		return fn, ok
	default:
		d.log.Warn("irq: unknown interrupt source", "op", "unregister", "cause", uint64(id))
		return nil, false
	}
}

// Handle is called from the trap vector on hart with the scause value.
func (d *Dispatcher) Handle(hart int, cause Cause) {
	if hart < 0 || hart >= len(d.harts) {
		d.abort(&FatalError{Hart: hart, Cause: cause, Reason: "trap on unknown hart"})
		return
	}

	class, _ := Classify(cause)
	switch class {
	case ClassTimer:
		// A timer with no consumer is dropped and whoever armed it misses
		// the deadline.
		if !d.timer.Dispatch(cause) {
			d.log.Debug("irq: timer with no handler", "hart", hart)
		}
	case ClassExternal:
		ch := d.ctrl.Claim(hart, ModeSupervisor)
		if ch == 0 {
			d.log.Debug("irq: spurious external interrupt", "hart", hart)
		} else {
			// Dispatch logs the unhandled case itself.
			d.table.Dispatch(ch)
		}
		d.ctrl.Complete(hart, ModeSupervisor, ch)
	case ClassChannel:
		d.abort(&FatalError{
			Hart:   hart,
			Cause:  cause,
			Class:  class,
			Reason: "device channels are delivered through the external interrupt",
		})
	default:
		d.abort(&FatalError{Hart: hart, Cause: cause, Class: class, Reason: "unknown interrupt cause"})
	}
}

func (d *Dispatcher) local(hart int) (LocalInterrupts, bool) {
	if hart < 0 || hart >= len(d.harts) {
		d.log.Warn("irq: hart out of range", "hart", hart, "harts", len(d.harts))
		return nil, false
	}
	return d.harts[hart], true
}
