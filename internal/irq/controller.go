package irq

// Mode selects the privilege level of a PLIC context.
type Mode uint8

const (
	ModeMachine    Mode = 0
	ModeSupervisor Mode = 1
)

func (m Mode) String() string {
	if m == ModeMachine {
		return "M"
	}
	return "S"
}

// Controller is the external interrupt controller as seen by the dispatcher.
//
// Claim returns the highest priority pending channel for the hart context,
// or 0 if none is pending. Every Claim must be followed by exactly one
// Complete for the returned channel on the same context; until then the
// controller may hold back further interrupts from that source.
type Controller interface {
	SetThreshold(hart int, mode Mode, level uint32)
	SetPriority(channel uint32, level uint32)
	Enable(hart int, mode Mode, channel uint32)
	Disable(hart int, mode Mode, channel uint32)
	Claim(hart int, mode Mode) uint32
	Complete(hart int, mode Mode, channel uint32)
}

// LocalInterrupts are the supervisor interrupt-enable bits (sie) of a single
// hart.
type LocalInterrupts interface {
	EnableSoftware()
	EnableTimer()
	DisableTimer()
	EnableExternal()
}
