package platform

// SBI extensions the platform layer relies on
const (
	ExtTimer = 0x54494D45 // "TIME"
	ExtHSM   = 0x48534D   // "HSM"
	ExtSRST  = 0x53525354 // "SRST"
)

// SRST arguments
const (
	ResetShutdown = 0
	ReasonNone    = 0
)

// Firmware is the supervisor binary interface: the calls the kernel makes
// into M-mode firmware. Errors are the firmware's return codes.
type Firmware interface {
	ProbeExtension(ext uint64) bool
	SetTimer(hart int, stime uint64) error
	HartStart(hart int, entry, arg uint64) error
	SystemReset(kind, reason uint32) error
}
