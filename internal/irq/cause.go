// Package irq routes supervisor interrupts from the trap entry point to
// registered handlers and keeps the local and PLIC enable state in step with
// the registrations.
package irq

import "fmt"

// Cause is a raw scause value, or a PLIC channel number when the interrupt
// bit is clear.
type Cause uint64

// CauseInterrupt is the interrupt bit in scause.
const CauseInterrupt Cause = 1 << 63

// Interrupt causes (with bit 63 set)
const (
	CauseSSoftware Cause = CauseInterrupt | 1
	CauseSTimer    Cause = CauseInterrupt | 5
	CauseSExternal Cause = CauseInterrupt | 9
)

// Class is the routing decision for a Cause.
type Class uint8

const (
	ClassInvalid Class = iota
	ClassTimer
	ClassExternal
	ClassChannel
)

func (c Class) String() string {
	switch c {
	case ClassTimer:
		return "timer"
	case ClassExternal:
		return "external"
	case ClassChannel:
		return "channel"
	default:
		return "invalid"
	}
}

// IsLocal reports whether the cause was raised by the hart itself rather than
// being a PLIC channel number.
func (c Cause) IsLocal() bool {
	return c&CauseInterrupt != 0
}

func (c Cause) String() string {
	if c.IsLocal() {
		return fmt.Sprintf("local(%d)", uint64(c&^CauseInterrupt))
	}
	return fmt.Sprintf("channel(%d)", uint64(c))
}

// Classify maps a cause to its class. For ClassChannel the channel number is
// returned alongside; it is zero for every other class.
func Classify(c Cause) (Class, uint32) {
	switch c {
	case CauseSTimer:
		return ClassTimer, 0
	case CauseSExternal:
		return ClassExternal, 0
	}
	if c.IsLocal() {
		return ClassInvalid, 0
	}
	// Channel numbers never exceed the PLIC source count. Anything wider is
	// reported as-is and rejected by the table bounds check.
	if c > Cause(^uint32(0)) {
		return ClassChannel, ^uint32(0)
	}
	return ClassChannel, uint32(c)
}
