package platform

import (
	"fmt"
	"sync/atomic"
)

// NanosPerSec is the number of nanoseconds in a second.
const NanosPerSec = 1_000_000_000

// Goldfish RTC registers
const (
	rtcTimeLow  = 0x00
	rtcTimeHigh = 0x04
)

// TickSource reads the hart's time counter.
type TickSource interface {
	CurrentTicks() uint64
}

// TickFunc adapts a function to TickSource.
type TickFunc func() uint64

func (f TickFunc) CurrentTicks() uint64 { return f() }

// WordMMIO is a 32-bit register window.
type WordMMIO interface {
	Read32(offset uint64) uint32
}

// Clock converts between timer ticks and nanoseconds and arms the one-shot
// timer through the firmware.
type Clock struct {
	ticks        TickSource
	fw           Firmware
	nanosPerTick uint64

	epochOffset atomic.Uint64
}

// NewClock returns a clock for a timebase of freq Hz.
func NewClock(freq uint64, ticks TickSource, fw Firmware) (*Clock, error) {
	if freq == 0 || freq > NanosPerSec {
		return nil, fmt.Errorf("%w: timebase frequency %d", ErrInvalidConfig, freq)
	}
	if ticks == nil || fw == nil {
		return nil, fmt.Errorf("platform: clock needs a tick source and firmware")
	}
	return &Clock{
		ticks:        ticks,
		fw:           fw,
		nanosPerTick: NanosPerSec / freq,
	}, nil
}

// CurrentTicks returns the time counter.
func (c *Clock) CurrentTicks() uint64 {
	return c.ticks.CurrentTicks()
}

func (c *Clock) TicksToNanos(ticks uint64) uint64 {
	return ticks * c.nanosPerTick
}

func (c *Clock) NanosToTicks(nanos uint64) uint64 {
	return nanos / c.nanosPerTick
}

// MonotonicNanos is the time since the counter started.
func (c *Clock) MonotonicNanos() uint64 {
	return c.TicksToNanos(c.CurrentTicks())
}

// EpochOffsetNanos is the wall clock time at which the monotonic clock
// read zero, or zero if no RTC was read.
func (c *Clock) EpochOffsetNanos() uint64 {
	return c.epochOffset.Load()
}

// WallNanos is the current time in nanoseconds since the Unix epoch.
func (c *Clock) WallNanos() uint64 {
	return c.EpochOffsetNanos() + c.MonotonicNanos()
}

// InitEarly records the epoch offset from a goldfish RTC. A nil rtc leaves
// the offset at zero.
func (c *Clock) InitEarly(rtc WordMMIO) {
	if rtc == nil {
		return
	}
	lo := uint64(rtc.Read32(rtcTimeLow))
	hi := uint64(rtc.Read32(rtcTimeHigh))
	seconds := (hi<<32 | lo) / NanosPerSec

	epoch := seconds * NanosPerSec
	mono := c.MonotonicNanos()
	if epoch < mono {
		return
	}
	c.epochOffset.Store(epoch - mono)
}

// InitPerCPU arms hart's timer at tick zero so the first timer interrupt
// arrives as soon as it is enabled.
func (c *Clock) InitPerCPU(hart int) error {
	if err := c.fw.SetTimer(hart, 0); err != nil {
		return fmt.Errorf("platform: arm timer on hart %d: %w", hart, err)
	}
	return nil
}

// SetOneshotTimer asks for a timer interrupt on hart at the monotonic
// deadline, in nanoseconds.
func (c *Clock) SetOneshotTimer(hart int, deadline uint64) error {
	if err := c.fw.SetTimer(hart, c.NanosToTicks(deadline)); err != nil {
		return fmt.Errorf("platform: set timer on hart %d: %w", hart, err)
	}
	return nil
}
