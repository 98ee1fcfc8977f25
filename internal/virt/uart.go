package virt

import (
	"io"
	"sync"
)

// UART register offsets (16550 compatible)
const (
	UARTRegRBR = 0 // Receive Buffer Register (read)
	UARTRegTHR = 0 // Transmit Holding Register (write)
	UARTRegIER = 1 // Interrupt Enable Register
	UARTRegIIR = 2 // Interrupt Identification Register (read)
	UARTRegFCR = 2 // FIFO Control Register (write)
	UARTRegLCR = 3 // Line Control Register
	UARTRegMCR = 4 // Modem Control Register
	UARTRegLSR = 5 // Line Status Register
	UARTRegMSR = 6 // Modem Status Register
	UARTRegSCR = 7 // Scratch Register
)

// LSR bits
const (
	UARTLSRDataReady = 1 << 0 // Data ready
	UARTLSRTHREmpty  = 1 << 5 // Transmit holding register empty
	UARTLSRTxEmpty   = 1 << 6 // Transmitter empty
)

// IER bits
const (
	UARTIERRxAvail = 1 << 0
	UARTIERTxEmpty = 1 << 1
)

// IIR values
const (
	UARTIIRNoInterrupt = 0x01
	UARTIIRTxEmpty     = 0x02
	UARTIIRRxAvail     = 0x04
)

// UART implements a simple 16550-compatible UART whose interrupt output is
// a level-triggered line.
type UART struct {
	mu sync.Mutex

	output io.Writer

	IER uint8 // Interrupt enable
	LCR uint8 // Line control
	MCR uint8 // Modem control
	SCR uint8 // Scratch
	FCR uint8 // FIFO control
	DLL uint8 // Divisor latch low
	DLH uint8 // Divisor latch high

	input []byte

	pending bool
	line    func(high bool)
}

// NewUART creates a UART writing transmitted bytes to output and driving
// line when its interrupt condition changes.
func NewUART(output io.Writer, line func(high bool)) *UART {
	if output == nil {
		output = io.Discard
	}
	if line == nil {
		line = func(bool) {}
	}
	return &UART{output: output, line: line}
}

// Size implements Device
func (u *UART) Size() uint64 {
	return UARTSize
}

// Read implements Device
func (u *UART) Read(offset uint64, size int) (uint64, error) {
	if size != 1 {
		return 0, nil
	}

	u.mu.Lock()
	var v uint8
	dlab := u.LCR&0x80 != 0
	switch offset {
	case UARTRegRBR:
		if dlab {
			v = u.DLL
			break
		}
		if len(u.input) > 0 {
			v = u.input[0]
			u.input = u.input[1:]
		}
	case UARTRegIER:
		if dlab {
			v = u.DLH
		} else {
			v = u.IER
		}
	case UARTRegIIR:
		v = u.iir()
	case UARTRegLCR:
		v = u.LCR
	case UARTRegMCR:
		v = u.MCR
	case UARTRegLSR:
		v = u.lsr()
	case UARTRegSCR:
		v = u.SCR
	}
	u.updateInterrupt()
	u.mu.Unlock()
	return uint64(v), nil
}

// Write implements Device
func (u *UART) Write(offset uint64, size int, value uint64) error {
	if size != 1 {
		return nil
	}

	data := uint8(value)
	u.mu.Lock()
	dlab := u.LCR&0x80 != 0
	var out []byte
	switch offset {
	case UARTRegTHR:
		if dlab {
			u.DLL = data
		} else {
			out = []byte{data}
		}
	case UARTRegIER:
		if dlab {
			u.DLH = data
		} else {
			u.IER = data
		}
	case UARTRegFCR:
		u.FCR = data
		if data&0x03 == 0x03 {
			u.input = nil
		}
	case UARTRegLCR:
		u.LCR = data
	case UARTRegMCR:
		u.MCR = data
	case UARTRegSCR:
		u.SCR = data
	}
	u.updateInterrupt()
	u.mu.Unlock()

	if out != nil {
		if _, err := u.output.Write(out); err != nil {
			return err
		}
	}
	return nil
}

func (u *UART) lsr() uint8 {
	lsr := uint8(UARTLSRTHREmpty | UARTLSRTxEmpty) // TX always ready
	if len(u.input) > 0 {
		lsr |= UARTLSRDataReady
	}
	return lsr
}

func (u *UART) iir() uint8 {
	switch {
	case u.IER&UARTIERRxAvail != 0 && len(u.input) > 0:
		return UARTIIRRxAvail
	case u.IER&UARTIERTxEmpty != 0:
		return UARTIIRTxEmpty
	}
	return UARTIIRNoInterrupt
}

// updateInterrupt drives the line when the interrupt condition changes. It
// runs under u.mu so level changes reach the line in order.
func (u *UART) updateInterrupt() {
	pending := u.iir() != UARTIIRNoInterrupt
	if pending == u.pending {
		return
	}
	u.pending = pending
	u.line(pending)
}

// EnqueueInput adds received bytes.
func (u *UART) EnqueueInput(data []byte) {
	u.mu.Lock()
	u.input = append(u.input, data...)
	u.updateInterrupt()
	u.mu.Unlock()
}

var _ Device = (*UART)(nil)
