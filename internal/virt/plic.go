package virt

import (
	"sync"

	"github.com/tinyrange/rvplat/internal/plic"
)

// PLIC implements the Platform Level Interrupt Controller for every hart on
// the board. Context 2*h is hart h in M-mode, 2*h+1 is hart h in S-mode.
type PLIC struct {
	mu    sync.Mutex
	harts []*Hart

	// Priority for each source (0-7, 0 = disabled)
	priority [plic.MaxSources]uint32

	// Pending bits (1 bit per source)
	pending [plic.MaxSources / 32]uint32

	// Sources handed out by a claim and not yet completed. The gateway does
	// not forward new requests from them until completion.
	inFlight [plic.MaxSources / 32]uint32

	// Edge requests that arrived while in flight.
	held [plic.MaxSources / 32]uint32

	// Level of level-triggered lines, resampled on completion.
	level [plic.MaxSources / 32]uint32

	// Enable bits and threshold per context
	enable    [][plic.MaxSources / 32]uint32
	threshold []uint32
}

// NewPLIC creates a PLIC serving harts.
func NewPLIC(harts []*Hart) *PLIC {
	contexts := len(harts) * plic.ContextsPerHart
	return &PLIC{
		harts:     harts,
		enable:    make([][plic.MaxSources / 32]uint32, contexts),
		threshold: make([]uint32, contexts),
	}
}

// Size implements Device
func (p *PLIC) Size() uint64 {
	return PLICSize
}

func (p *PLIC) contexts() uint64 {
	return uint64(len(p.enable))
}

// Read implements Device
func (p *PLIC) Read(offset uint64, size int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < plic.PendingBase:
		source := offset / 4
		if source < plic.MaxSources {
			return uint64(p.priority[source]), nil
		}

	case offset >= plic.PendingBase && offset < plic.EnableBase:
		word := (offset - plic.PendingBase) / 4
		if word < uint64(len(p.pending)) {
			return uint64(p.pending[word]), nil
		}

	case offset >= plic.EnableBase && offset < plic.ThresholdBase:
		relOffset := offset - plic.EnableBase
		context := relOffset / plic.EnableStride
		word := (relOffset % plic.EnableStride) / 4
		if context < p.contexts() && word < uint64(len(p.enable[0])) {
			return uint64(p.enable[context][word]), nil
		}

	case offset >= plic.ThresholdBase:
		relOffset := offset - plic.ThresholdBase
		context := relOffset / plic.ContextStride
		regOffset := relOffset % plic.ContextStride

		if context < p.contexts() {
			switch regOffset {
			case 0:
				return uint64(p.threshold[context]), nil
			case plic.ClaimOffset:
				return uint64(p.claim(int(context))), nil
			}
		}
	}

	return 0, nil
}

// Write implements Device
func (p *PLIC) Write(offset uint64, size int, value uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < plic.PendingBase:
		source := offset / 4
		if source < plic.MaxSources && source > 0 { // Source 0 is reserved
			p.priority[source] = uint32(value) & 7 // 3 bits
		}

	case offset >= plic.EnableBase && offset < plic.ThresholdBase:
		relOffset := offset - plic.EnableBase
		context := relOffset / plic.EnableStride
		word := (relOffset % plic.EnableStride) / 4
		if context < p.contexts() && word < uint64(len(p.enable[0])) {
			v := uint32(value)
			if word == 0 {
				v &^= 1
			}
			p.enable[context][word] = v
		}

	case offset >= plic.ThresholdBase:
		relOffset := offset - plic.ThresholdBase
		context := relOffset / plic.ContextStride
		regOffset := relOffset % plic.ContextStride

		if context < p.contexts() {
			switch regOffset {
			case 0:
				p.threshold[context] = uint32(value) & 7
			case plic.ClaimOffset:
				p.complete(uint32(value))
			}
		}
	}

	p.updateInterrupt()
	return nil
}

func bitOf(source uint32) (uint32, uint32) {
	return source / 32, uint32(1) << (source % 32)
}

// SetLevel drives a level-triggered source. A source that is still high
// when its handler completes becomes pending again.
func (p *PLIC) SetLevel(source uint32, high bool) {
	if source == 0 || source >= plic.MaxSources {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	word, bit := bitOf(source)
	if high {
		p.level[word] |= bit
		if p.inFlight[word]&bit == 0 {
			p.pending[word] |= bit
		}
	} else {
		p.level[word] &^= bit
	}
	p.updateInterrupt()
}

// Raise signals an edge on source. An edge arriving while the source is in
// flight is delivered after completion.
func (p *PLIC) Raise(source uint32) {
	if source == 0 || source >= plic.MaxSources {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	word, bit := bitOf(source)
	if p.inFlight[word]&bit != 0 {
		p.held[word] |= bit
	} else {
		p.pending[word] |= bit
	}
	p.updateInterrupt()
}

// claim claims the highest priority pending interrupt for a context. Among
// equal priorities the lowest source number wins.
func (p *PLIC) claim(context int) uint32 {
	best := p.best(context)
	if best != 0 {
		word, bit := bitOf(best)
		p.pending[word] &^= bit
		p.inFlight[word] |= bit
	}

	p.updateInterrupt()
	return best
}

// complete signals completion of interrupt handling
func (p *PLIC) complete(source uint32) {
	if source == 0 || source >= plic.MaxSources {
		return
	}

	word, bit := bitOf(source)
	if p.inFlight[word]&bit == 0 {
		return
	}
	p.inFlight[word] &^= bit
	if p.held[word]&bit != 0 || p.level[word]&bit != 0 {
		p.held[word] &^= bit
		p.pending[word] |= bit
	}
}

// best returns the source a claim on context would return, or 0.
func (p *PLIC) best(context int) uint32 {
	var bestSource uint32
	var bestPriority uint32

	for source := uint32(1); source < plic.MaxSources; source++ {
		word, bit := bitOf(source)
		if p.pending[word]&bit == 0 || p.enable[context][word]&bit == 0 {
			continue
		}

		// RISC-V PLIC uses higher number = higher priority
		priority := p.priority[source]
		if priority <= p.threshold[context] {
			continue
		}
		if priority > bestPriority {
			bestPriority = priority
			bestSource = source
		}
	}
	return bestSource
}

// updateInterrupt updates the external interrupt pending bits of every hart
func (p *PLIC) updateInterrupt() {
	for i, h := range p.harts {
		m := p.best(i*plic.ContextsPerHart) != 0
		s := p.best(i*plic.ContextsPerHart+1) != 0
		h.setPending(MipMEIP, m)
		h.setPending(MipSEIP, s)
	}
}

// InFlight reports whether source has been claimed and not completed.
func (p *PLIC) InFlight(source uint32) bool {
	if source >= plic.MaxSources {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	word, bit := bitOf(source)
	return p.inFlight[word]&bit != 0
}

var _ Device = (*PLIC)(nil)
