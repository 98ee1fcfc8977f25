// Package plic drives a RISC-V Platform-Level Interrupt Controller through
// its memory-mapped registers.
package plic

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/rvplat/internal/irq"
)

// PLIC register offsets
const (
	PriorityBase  = 0x000000 // Priority registers (1024 sources)
	PendingBase   = 0x001000 // Pending bits
	EnableBase    = 0x002000 // Enable bits per context
	ThresholdBase = 0x200000 // Threshold and claim per context
)

// Per-context strides
const (
	EnableStride  = 0x80
	ContextStride = 0x1000
)

// ClaimOffset is the claim/complete register within a context block.
const ClaimOffset = 4

// MaxSources is the number of interrupt sources, source 0 is reserved.
const MaxSources = 1024

// ContextsPerHart is M and S mode.
const ContextsPerHart = 2

var ErrBadHart = errors.New("plic: hart out of range")

// MMIO is a 32-bit register window starting at the PLIC base.
type MMIO interface {
	Read32(offset uint64) uint32
	Write32(offset uint64, value uint32)
}

// Context returns the PLIC context index for hart in mode, using the layout
// where every hart owns an M context followed by an S context.
func Context(hart int, mode irq.Mode) int {
	return hart*ContextsPerHart + int(mode)
}

// PriorityOffset returns the priority register of source.
func PriorityOffset(source uint32) uint64 {
	return PriorityBase + uint64(source)*4
}

// EnableOffset returns the enable word holding source for context.
func EnableOffset(context int, source uint32) uint64 {
	return EnableBase + uint64(context)*EnableStride + uint64(source/32)*4
}

// ThresholdOffset returns the threshold register of context.
func ThresholdOffset(context int) uint64 {
	return ThresholdBase + uint64(context)*ContextStride
}

// PLIC implements irq.Controller on top of the register window.
type PLIC struct {
	regs  MMIO
	harts int

	// Serializes read-modify-write of enable words. Only configuration code
	// takes it; Claim and Complete are single register accesses.
	enableMu sync.Mutex
}

// New returns a driver for a PLIC serving harts harts.
func New(regs MMIO, harts int) (*PLIC, error) {
	if regs == nil {
		return nil, fmt.Errorf("plic: nil register window")
	}
	if harts <= 0 {
		return nil, fmt.Errorf("plic: %d harts: %w", harts, ErrBadHart)
	}
	return &PLIC{regs: regs, harts: harts}, nil
}

// Harts returns the number of harts the driver addresses.
func (p *PLIC) Harts() int {
	return p.harts
}

func (p *PLIC) context(hart int, mode irq.Mode) (int, bool) {
	if hart < 0 || hart >= p.harts || mode > irq.ModeSupervisor {
		return 0, false
	}
	return Context(hart, mode), true
}

func validSource(source uint32) bool {
	return source > 0 && source < MaxSources
}

// SetThreshold sets the priority a source must exceed to interrupt the
// context.
func (p *PLIC) SetThreshold(hart int, mode irq.Mode, level uint32) {
	ctx, ok := p.context(hart, mode)
	if !ok {
		return
	}
	p.regs.Write32(ThresholdOffset(ctx), level)
}

// Threshold reads back the threshold of a context.
func (p *PLIC) Threshold(hart int, mode irq.Mode) (uint32, error) {
	ctx, ok := p.context(hart, mode)
	if !ok {
		return 0, ErrBadHart
	}
	return p.regs.Read32(ThresholdOffset(ctx)), nil
}

// SetPriority sets the priority of source. Zero disables the source.
func (p *PLIC) SetPriority(source uint32, level uint32) {
	if !validSource(source) {
		return
	}
	p.regs.Write32(PriorityOffset(source), level)
}

// Priority reads the priority of source.
func (p *PLIC) Priority(source uint32) uint32 {
	if !validSource(source) {
		return 0
	}
	return p.regs.Read32(PriorityOffset(source))
}

// Enable lets source interrupt the context.
func (p *PLIC) Enable(hart int, mode irq.Mode, source uint32) {
	p.setEnable(hart, mode, source, true)
}

// Disable stops source from interrupting the context.
func (p *PLIC) Disable(hart int, mode irq.Mode, source uint32) {
	p.setEnable(hart, mode, source, false)
}

func (p *PLIC) setEnable(hart int, mode irq.Mode, source uint32, on bool) {
	ctx, ok := p.context(hart, mode)
	if !ok || !validSource(source) {
		return
	}
	off := EnableOffset(ctx, source)
	bit := uint32(1) << (source % 32)

	p.enableMu.Lock()
	defer p.enableMu.Unlock()
	word := p.regs.Read32(off)
	if on {
		word |= bit
	} else {
		word &^= bit
	}
	p.regs.Write32(off, word)
}

// IsEnabled reports whether source may interrupt the context.
func (p *PLIC) IsEnabled(hart int, mode irq.Mode, source uint32) bool {
	ctx, ok := p.context(hart, mode)
	if !ok || !validSource(source) {
		return false
	}
	return p.regs.Read32(EnableOffset(ctx, source))&(1<<(source%32)) != 0
}

// IsPending reports the pending bit of source.
func (p *PLIC) IsPending(source uint32) bool {
	if !validSource(source) {
		return false
	}
	return p.regs.Read32(PendingBase+uint64(source/32)*4)&(1<<(source%32)) != 0
}

// Claim takes the highest priority pending source for the context, or 0.
func (p *PLIC) Claim(hart int, mode irq.Mode) uint32 {
	ctx, ok := p.context(hart, mode)
	if !ok {
		return 0
	}
	return p.regs.Read32(ThresholdOffset(ctx) + ClaimOffset)
}

// Complete tells the PLIC the context has finished with source.
func (p *PLIC) Complete(hart int, mode irq.Mode, source uint32) {
	ctx, ok := p.context(hart, mode)
	if !ok {
		return
	}
	p.regs.Write32(ThresholdOffset(ctx)+ClaimOffset, source)
}

var _ irq.Controller = (*PLIC)(nil)
