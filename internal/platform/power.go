package platform

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	ErrExtensionUnavailable = errors.New("platform: SBI extension unavailable")
	ErrStillRunning         = errors.New("platform: system reset returned")
)

// Power boots secondary harts and shuts the machine down.
type Power struct {
	fw  Firmware
	log *slog.Logger
}

func NewPower(fw Firmware, log *slog.Logger) *Power {
	if log == nil {
		log = slog.Default()
	}
	return &Power{fw: fw, log: log}
}

// CPUBoot starts hart at entry with arg. Firmware without hart state
// management cannot start harts; that is logged and reported.
func (p *Power) CPUBoot(hart int, entry, arg uint64) error {
	if !p.fw.ProbeExtension(ExtHSM) {
		p.log.Warn("HSM SBI extension is not supported for current SEE")
		return fmt.Errorf("platform: boot hart %d: %w", hart, ErrExtensionUnavailable)
	}
	if err := p.fw.HartStart(hart, entry, arg); err != nil {
		return fmt.Errorf("platform: boot hart %d: %w", hart, err)
	}
	return nil
}

// SystemOff asks the firmware to power the machine off. A nil return means
// the request was accepted; ErrStillRunning means the firmware refused.
func (p *Power) SystemOff() error {
	p.log.Info("Shutting down...")
	if err := p.fw.SystemReset(ResetShutdown, ReasonNone); err != nil {
		p.log.Warn("system reset failed, machine still running", "err", err)
		return fmt.Errorf("%w: %w", ErrStillRunning, err)
	}
	return nil
}
