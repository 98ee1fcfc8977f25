package virt

import (
	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/tinyrange/rvplat/internal/irq"
)

// mip/mie bits
const (
	MipSSIP uint64 = 1 << 1  // Supervisor software interrupt pending
	MipMSIP uint64 = 1 << 3  // Machine software interrupt pending
	MipSTIP uint64 = 1 << 5  // Supervisor timer interrupt pending
	MipMTIP uint64 = 1 << 7  // Machine timer interrupt pending
	MipSEIP uint64 = 1 << 9  // Supervisor external interrupt pending
	MipMEIP uint64 = 1 << 11 // Machine external interrupt pending
)

// HSM hart states
const (
	HartStarted      uint32 = 0
	HartStopped      uint32 = 1
	HartStartPending uint32 = 2
)

// Hart is the interrupt state of one emulated core. Devices set and clear
// sip bits from their own goroutines while the hart's run loop reads them,
// so every update is atomic.
type Hart struct {
	ID int

	sie   atomicbitops.Uint64
	sip   atomicbitops.Uint64
	state atomicbitops.Uint32

	kick chan struct{}
}

func newHart(id int) *Hart {
	h := &Hart{ID: id, kick: make(chan struct{}, 1)}
	h.state.Store(HartStopped)
	return h
}

func (h *Hart) EnableSoftware() { atomicbitops.OrUint64(&h.sie, MipSSIP) }
func (h *Hart) EnableTimer()    { atomicbitops.OrUint64(&h.sie, MipSTIP) }
func (h *Hart) DisableTimer()   { atomicbitops.AndUint64(&h.sie, ^MipSTIP) }
func (h *Hart) EnableExternal() { atomicbitops.OrUint64(&h.sie, MipSEIP) }

// SIE returns the supervisor interrupt-enable bits.
func (h *Hart) SIE() uint64 {
	return h.sie.Load()
}

// SIP returns the interrupt-pending bits.
func (h *Hart) SIP() uint64 {
	return h.sip.Load()
}

// State returns the HSM state of the hart.
func (h *Hart) State() uint32 {
	return h.state.Load()
}

func (h *Hart) setPending(bits uint64, on bool) {
	if on {
		atomicbitops.OrUint64(&h.sip, bits)
		h.wake()
	} else {
		atomicbitops.AndUint64(&h.sip, ^bits)
	}
}

// RaiseSoftware sets SSIP, as an IPI from another hart would.
func (h *Hart) RaiseSoftware() {
	h.setPending(MipSSIP, true)
}

// ClearSoftware clears SSIP.
func (h *Hart) ClearSoftware() {
	h.setPending(MipSSIP, false)
}

func (h *Hart) wake() {
	select {
	case h.kick <- struct{}{}:
	default:
	}
}

// NextCause returns the scause of the highest priority supervisor interrupt
// that is both pending and enabled.
func (h *Hart) NextCause() (irq.Cause, bool) {
	ready := h.sip.Load() & h.sie.Load()
	switch {
	case ready&MipSEIP != 0:
		return irq.CauseSExternal, true
	case ready&MipSSIP != 0:
		return irq.CauseSSoftware, true
	case ready&MipSTIP != 0:
		return irq.CauseSTimer, true
	}
	return 0, false
}

var _ irq.LocalInterrupts = (*Hart)(nil)
