package virt

import (
	"sync"
	"time"
)

// Goldfish RTC register offsets
const (
	RTCTimeLow  = 0x00 // Low 32 bits of nanoseconds since epoch, latches high
	RTCTimeHigh = 0x04 // High 32 bits latched by the last TimeLow read
)

// GoldfishRTC implements the read side of the goldfish real time clock.
type GoldfishRTC struct {
	mu   sync.Mutex
	now  func() time.Time
	high uint32
}

// NewGoldfishRTC returns an RTC reading now, or the host clock if now is nil.
func NewGoldfishRTC(now func() time.Time) *GoldfishRTC {
	if now == nil {
		now = time.Now
	}
	return &GoldfishRTC{now: now}
}

// Size implements Device
func (r *GoldfishRTC) Size() uint64 {
	return RTCSize
}

// Read implements Device
func (r *GoldfishRTC) Read(offset uint64, size int) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch offset {
	case RTCTimeLow:
		ns := uint64(r.now().UnixNano())
		r.high = uint32(ns >> 32)
		return ns & 0xffffffff, nil
	case RTCTimeHigh:
		return uint64(r.high), nil
	}
	return 0, nil
}

// Write implements Device
func (r *GoldfishRTC) Write(offset uint64, size int, value uint64) error {
	return nil
}

var _ Device = (*GoldfishRTC)(nil)
