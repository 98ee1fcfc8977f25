package platform

import (
	"sync"

	"github.com/tinyrange/rvplat/internal/irq"
)

// 16550 registers used by the console
const (
	uartTHR = 0 // Transmit holding (write)
	uartRBR = 0 // Receive buffer (read)
	uartIER = 1 // Interrupt enable
	uartLSR = 5 // Line status

	uartLSRDataReady = 1 << 0
	uartLSRTHREmpty  = 1 << 5

	uartIERRxAvail = 1 << 0
)

// thrSpins bounds how long a write waits for the transmitter.
const thrSpins = 1 << 16

// ByteMMIO is an 8-bit register window.
type ByteMMIO interface {
	Read8(offset uint64) uint8
	Write8(offset uint64, value uint8)
}

// Console is the 16550 UART console. Output is polled; input is either
// polled or, once EnableIRQ succeeds, drained by the UART interrupt into a
// bounded buffer.
type Console struct {
	mu   sync.Mutex
	regs ByteMMIO
	irq  uint32

	rx    []byte
	rxMax int
	lost  int
}

// NewConsole returns a console on regs raising interrupt channel irq.
func NewConsole(regs ByteMMIO, irq uint32, buffer int) *Console {
	if buffer <= 0 {
		buffer = 4096
	}
	return &Console{regs: regs, irq: irq, rxMax: buffer}
}

// InitEarly enables the receive interrupt at the device.
func (c *Console) InitEarly() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs.Write8(uartIER, uartIERRxAvail)
}

func (c *Console) put(b byte) {
	for i := 0; i < thrSpins; i++ {
		if c.regs.Read8(uartLSR)&uartLSRTHREmpty != 0 {
			break
		}
	}
	c.regs.Write8(uartTHR, b)
}

func (c *Console) get() (byte, bool) {
	if c.regs.Read8(uartLSR)&uartLSRDataReady == 0 {
		return 0, false
	}
	return c.regs.Read8(uartRBR), true
}

// WriteBytes writes p, turning "\n" into "\r\n".
func (c *Console) WriteBytes(p []byte) {
	for _, b := range p {
		c.mu.Lock()
		if b == '\n' {
			c.put('\r')
		}
		c.put(b)
		c.mu.Unlock()
	}
}

// Write implements io.Writer.
func (c *Console) Write(p []byte) (int, error) {
	c.WriteBytes(p)
	return len(p), nil
}

// ReadBytes fills p with whatever input is available and returns the count.
// It never waits for input.
func (c *Console) ReadBytes(p []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := copy(p, c.rx)
	c.rx = c.rx[n:]
	for n < len(p) {
		b, ok := c.get()
		if !ok {
			break
		}
		p[n] = b
		n++
	}
	return n
}

// Dropped returns how many received bytes were lost to a full buffer.
func (c *Console) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lost
}

// EnableIRQ registers the console's receive handler with d.
func (c *Console) EnableIRQ(d *irq.Dispatcher) bool {
	return d.Register(irq.Cause(c.irq), c.handleIRQ)
}

func (c *Console) handleIRQ(uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		b, ok := c.get()
		if !ok {
			return
		}
		if len(c.rx) >= c.rxMax {
			c.lost++
			continue
		}
		c.rx = append(c.rx, b)
	}
}
