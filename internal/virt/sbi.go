package virt

import (
	"fmt"
	"sync"
)

// SBI Extension IDs
const (
	SBIExtBase   = 0x10
	SBIExtTimer  = 0x54494D45 // "TIME"
	SBIExtIPI    = 0x735049   // "sPI"
	SBIExtRFence = 0x52464E43 // "RFNC"
	SBIExtHSM    = 0x48534D   // "HSM"
	SBIExtSRST   = 0x53525354 // "SRST"
)

// SRST reset types
const (
	SBIResetShutdown   = 0
	SBIResetColdReboot = 1
	SBIResetWarmReboot = 2
)

// SBIError is an SBI return code other than success.
type SBIError int64

// SBI error codes
const (
	SBIErrFailed         SBIError = -1
	SBIErrNotSupported   SBIError = -2
	SBIErrInvalidParam   SBIError = -3
	SBIErrDenied         SBIError = -4
	SBIErrInvalidAddr    SBIError = -5
	SBIErrAlreadyAvail   SBIError = -6
	SBIErrAlreadyStart   SBIError = -7
	SBIErrAlreadyStopped SBIError = -8
)

func (e SBIError) Error() string {
	switch e {
	case SBIErrFailed:
		return "sbi: failed"
	case SBIErrNotSupported:
		return "sbi: not supported"
	case SBIErrInvalidParam:
		return "sbi: invalid parameter"
	case SBIErrDenied:
		return "sbi: denied"
	case SBIErrInvalidAddr:
		return "sbi: invalid address"
	case SBIErrAlreadyAvail:
		return "sbi: already available"
	case SBIErrAlreadyStart:
		return "sbi: already started"
	case SBIErrAlreadyStopped:
		return "sbi: already stopped"
	}
	return fmt.Sprintf("sbi: error %d", int64(e))
}

// HartEntry is what an emulated hart runs when HSM starts it. Guest code is
// not interpreted; entry and arg are passed through unchanged.
type HartEntry func(hart int, entry, arg uint64)

// SBI implements the firmware services the platform layer calls.
type SBI struct {
	board *Board

	mu         sync.Mutex
	extensions map[uint64]bool
}

func newSBI(board *Board) *SBI {
	return &SBI{
		board: board,
		extensions: map[uint64]bool{
			SBIExtBase:   true,
			SBIExtTimer:  true,
			SBIExtIPI:    true,
			SBIExtRFence: true,
			SBIExtHSM:    true,
			SBIExtSRST:   true,
		},
	}
}

// ProbeExtension reports whether ext is implemented.
func (s *SBI) ProbeExtension(ext uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extensions[ext]
}

// RemoveExtension makes ext unavailable, for firmware that lacks it.
func (s *SBI) RemoveExtension(ext uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.extensions, ext)
}

func (s *SBI) require(ext uint64) error {
	if !s.ProbeExtension(ext) {
		return SBIErrNotSupported
	}
	return nil
}

// SetTimer programs the next timer event of hart and clears its pending
// timer interrupt.
func (s *SBI) SetTimer(hart int, stime uint64) error {
	if err := s.require(SBIExtTimer); err != nil {
		return err
	}
	if hart < 0 || hart >= len(s.board.Harts) {
		return SBIErrInvalidParam
	}
	s.board.CLINT.SetTimecmp(hart, stime)
	return nil
}

// HartStart starts a stopped hart at entry with arg in a1.
func (s *SBI) HartStart(hart int, entry, arg uint64) error {
	if err := s.require(SBIExtHSM); err != nil {
		return err
	}
	return s.board.startHart(hart, entry, arg)
}

// HartStatus returns the HSM state of hart.
func (s *SBI) HartStatus(hart int) (uint32, error) {
	if err := s.require(SBIExtHSM); err != nil {
		return 0, err
	}
	if hart < 0 || hart >= len(s.board.Harts) {
		return 0, SBIErrInvalidParam
	}
	return s.board.Harts[hart].State(), nil
}

// SystemReset powers the board off. Reboots are not supported.
func (s *SBI) SystemReset(kind, reason uint32) error {
	if err := s.require(SBIExtSRST); err != nil {
		return err
	}
	if kind != SBIResetShutdown {
		return SBIErrNotSupported
	}
	s.board.powerOff(reason)
	return nil
}
