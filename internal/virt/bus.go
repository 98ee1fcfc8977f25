// Package virt emulates the interrupt-related peripherals of the qemu riscv
// virt board: harts with their sie/sip bits, the PLIC, the CLINT timer, a
// 16550 UART, the goldfish RTC and the SBI firmware services.
package virt

import (
	"errors"
	"fmt"
	"log/slog"
)

// Memory layout constants
const (
	CLINTBase uint64 = 0x0200_0000 // Core Local Interruptor
	CLINTSize uint64 = 0x0001_0000
	PLICBase  uint64 = 0x0c00_0000 // Platform Level Interrupt Controller
	PLICSize  uint64 = 0x0400_0000
	UARTBase  uint64 = 0x1000_0000 // UART for early console
	UARTSize  uint64 = 0x0000_0100
	RTCBase   uint64 = 0x0010_1000 // Goldfish RTC
	RTCSize   uint64 = 0x0000_1000
)

// PLIC sources wired on the board
const (
	UARTIRQ uint32 = 10
	RTCIRQ  uint32 = 11
)

var ErrNoDevice = errors.New("virt: no device mapped")

// Device represents a memory-mapped device
type Device interface {
	// Read reads from the device at the given offset
	Read(offset uint64, size int) (uint64, error)
	// Write writes to the device at the given offset
	Write(offset uint64, size int, value uint64) error
	// Size returns the size of the device's address space
	Size() uint64
}

// DeviceMapping maps a device to an address range
type DeviceMapping struct {
	Name   string
	Base   uint64
	Device Device
}

// Window gives register access to a single device relative to its base.
// It satisfies the MMIO interfaces of the drivers in this module.
type Window struct {
	name string
	dev  Device
	log  *slog.Logger
}

func (w *Window) read(offset uint64, size int) uint64 {
	v, err := w.dev.Read(offset, size)
	if err != nil {
		w.log.Warn("virt: mmio read", "device", w.name, "offset", fmt.Sprintf("0x%x", offset), "err", err)
		return 0
	}
	return v
}

func (w *Window) write(offset uint64, size int, value uint64) {
	if err := w.dev.Write(offset, size, value); err != nil {
		w.log.Warn("virt: mmio write", "device", w.name, "offset", fmt.Sprintf("0x%x", offset), "err", err)
	}
}

func (w *Window) Read8(offset uint64) uint8           { return uint8(w.read(offset, 1)) }
func (w *Window) Write8(offset uint64, value uint8)   { w.write(offset, 1, uint64(value)) }
func (w *Window) Read32(offset uint64) uint32         { return uint32(w.read(offset, 4)) }
func (w *Window) Write32(offset uint64, value uint32) { w.write(offset, 4, uint64(value)) }

// Bus looks devices up by physical address.
type Bus struct {
	log      *slog.Logger
	mappings []DeviceMapping
}

// Map adds dev at base. Overlapping ranges are rejected.
func (b *Bus) Map(name string, base uint64, dev Device) error {
	size := dev.Size()
	if size == 0 {
		return fmt.Errorf("virt: device %q has zero size", name)
	}
	if base+size < base {
		return fmt.Errorf("virt: device %q at 0x%x with size 0x%x overflows", name, base, size)
	}
	for _, m := range b.mappings {
		if base < m.Base+m.Device.Size() && m.Base < base+size {
			return fmt.Errorf("virt: device %q at 0x%x overlaps %q at 0x%x", name, base, m.Name, m.Base)
		}
	}
	b.mappings = append(b.mappings, DeviceMapping{Name: name, Base: base, Device: dev})
	return nil
}

// Window returns register access to the device mapped exactly at base.
func (b *Bus) Window(base uint64) (*Window, error) {
	for _, m := range b.mappings {
		if m.Base == base {
			return &Window{name: m.Name, dev: m.Device, log: b.log}, nil
		}
	}
	return nil, fmt.Errorf("virt: window at 0x%x: %w", base, ErrNoDevice)
}

// Read performs a bus read at a physical address.
func (b *Bus) Read(addr uint64, size int) (uint64, error) {
	for _, m := range b.mappings {
		if addr >= m.Base && addr < m.Base+m.Device.Size() {
			return m.Device.Read(addr-m.Base, size)
		}
	}
	return 0, fmt.Errorf("virt: read at 0x%x: %w", addr, ErrNoDevice)
}

// Write performs a bus write at a physical address.
func (b *Bus) Write(addr uint64, size int, value uint64) error {
	for _, m := range b.mappings {
		if addr >= m.Base && addr < m.Base+m.Device.Size() {
			return m.Device.Write(addr-m.Base, size, value)
		}
	}
	return fmt.Errorf("virt: write at 0x%x: %w", addr, ErrNoDevice)
}
