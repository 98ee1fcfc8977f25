package virt

import (
	"sync"
	"time"
)

// CLINT register offsets
const (
	CLINTMsip     = 0x0000 // Machine Software Interrupt Pending (per hart)
	CLINTMtimecmp = 0x4000 // Machine Timer Compare (per hart)
	CLINTMtime    = 0xbff8 // Machine Time
)

// DefaultTimebase is the mtime frequency of the virt board.
const DefaultTimebase = 10_000_000

// CLINT implements the Core Local Interruptor. Timer expiry is forwarded
// straight to STIP, as the SBI firmware would do for a supervisor kernel.
type CLINT struct {
	mu    sync.Mutex
	harts []*Hart

	// Machine timer compare value per hart
	mtimecmp []uint64

	// Current mtime value
	now func() uint64
}

// NewCLINT creates a CLINT ticking at freq Hz from the host clock.
func NewCLINT(harts []*Hart, freq uint64) *CLINT {
	if freq == 0 {
		freq = DefaultTimebase
	}
	start := time.Now()
	nsPerTick := uint64(time.Second) / freq
	if nsPerTick == 0 {
		nsPerTick = 1
	}
	c := &CLINT{
		harts:    harts,
		mtimecmp: make([]uint64, len(harts)),
		now: func() uint64 {
			return uint64(time.Since(start).Nanoseconds()) / nsPerTick
		},
	}
	for i := range c.mtimecmp {
		c.mtimecmp[i] = ^uint64(0) // Max value - no interrupt initially
	}
	return c
}

// SetClock replaces the mtime source.
func (c *CLINT) SetClock(now func() uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Size implements Device
func (c *CLINT) Size() uint64 {
	return CLINTSize
}

// Mtime returns the current mtime value
func (c *CLINT) Mtime() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now()
}

// Read implements Device
func (c *CLINT) Read(offset uint64, size int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case offset < CLINTMtimecmp:
		hart := int(offset / 4)
		if hart < len(c.harts) && c.harts[hart].SIP()&MipMSIP != 0 {
			return 1, nil
		}

	case offset >= CLINTMtimecmp && offset < CLINTMtime:
		hart := int((offset - CLINTMtimecmp) / 8)
		if hart < len(c.mtimecmp) {
			return c.mtimecmp[hart], nil
		}

	case offset >= CLINTMtime && offset < CLINTMtime+8:
		return c.now(), nil
	}

	return 0, nil
}

// Write implements Device
func (c *CLINT) Write(offset uint64, size int, value uint64) error {
	switch {
	case offset < CLINTMtimecmp:
		hart := int(offset / 4)
		if hart < len(c.harts) {
			c.harts[hart].setPending(MipMSIP, value&1 != 0)
		}

	case offset >= CLINTMtimecmp && offset < CLINTMtime:
		hart := int((offset - CLINTMtimecmp) / 8)
		if hart >= len(c.mtimecmp) {
			return nil
		}
		c.mu.Lock()
		cmp := c.mtimecmp[hart]
		if size == 4 {
			if offset%8 == 0 {
				cmp = (cmp &^ 0xffffffff) | (value & 0xffffffff)
			} else {
				cmp = (cmp &^ 0xffffffff00000000) | ((value & 0xffffffff) << 32)
			}
		} else {
			cmp = value
		}
		c.mu.Unlock()
		c.SetTimecmp(hart, cmp)
	}

	return nil
}

// SetTimecmp programs the compare register of hart and clears its pending
// timer interrupt if the new deadline lies in the future.
func (c *CLINT) SetTimecmp(hart int, cmp uint64) {
	if hart < 0 || hart >= len(c.mtimecmp) {
		return
	}
	c.mu.Lock()
	c.mtimecmp[hart] = cmp
	expired := c.now() >= cmp
	c.mu.Unlock()

	c.harts[hart].setPending(MipSTIP, expired)
}

// Tick updates the timer interrupt pending bit of hart
func (c *CLINT) Tick(hart int) {
	if hart < 0 || hart >= len(c.mtimecmp) {
		return
	}
	c.mu.Lock()
	expired := c.now() >= c.mtimecmp[hart]
	c.mu.Unlock()
	if expired {
		c.harts[hart].setPending(MipSTIP, true)
	}
}

var _ Device = (*CLINT)(nil)
