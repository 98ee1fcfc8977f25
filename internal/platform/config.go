package platform

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/rvplat/internal/irq"
)

var ErrInvalidConfig = errors.New("platform: invalid config")

// Config describes the board the platform layer runs on.
type Config struct {
	Harts             int    `yaml:"harts"`
	TimebaseFrequency uint64 `yaml:"timebase_frequency"`
	MaxChannels       int    `yaml:"max_channels"`

	PLIC PLICConfig `yaml:"plic"`
	UART UARTConfig `yaml:"uart"`
	RTC  RTCConfig  `yaml:"rtc"`
}

type PLICConfig struct {
	Base uint64 `yaml:"base"`
	// Priority every registered channel is given.
	Priority uint32 `yaml:"priority"`
}

type UARTConfig struct {
	Base uint64 `yaml:"base"`
	IRQ  uint32 `yaml:"irq"`
	// Receive bytes buffered by the interrupt handler before dropping.
	Buffer int `yaml:"buffer,omitempty"`
}

type RTCConfig struct {
	// Base of the goldfish RTC, zero when the board has none.
	Base uint64 `yaml:"base,omitempty"`
}

// DefaultConfig matches qemu's riscv64 virt machine with a single hart.
func DefaultConfig() Config {
	return Config{
		Harts:             1,
		TimebaseFrequency: 10_000_000,
		MaxChannels:       irq.MaxChannels,
		PLIC: PLICConfig{
			Base:     0x0c00_0000,
			Priority: irq.DefaultPriority,
		},
		UART: UARTConfig{
			Base:   0x1000_0000,
			IRQ:    10,
			Buffer: 4096,
		},
		RTC: RTCConfig{
			Base: 0x0010_1000,
		},
	}
}

// ParseConfig reads YAML on top of DefaultConfig and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("platform: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("platform: read config: %w", err)
	}
	return ParseConfig(data)
}

// Validate checks the config for values the hardware cannot take.
func (c Config) Validate() error {
	switch {
	case c.Harts <= 0:
		return fmt.Errorf("%w: harts must be positive, got %d", ErrInvalidConfig, c.Harts)
	case c.TimebaseFrequency == 0:
		return fmt.Errorf("%w: timebase_frequency must be set", ErrInvalidConfig)
	case c.TimebaseFrequency > 1_000_000_000:
		return fmt.Errorf("%w: timebase_frequency %d is above 1GHz", ErrInvalidConfig, c.TimebaseFrequency)
	case c.MaxChannels <= 0 || c.MaxChannels > irq.MaxChannels:
		return fmt.Errorf("%w: max_channels must be in [1, %d], got %d", ErrInvalidConfig, irq.MaxChannels, c.MaxChannels)
	case c.PLIC.Base == 0:
		return fmt.Errorf("%w: plic.base must be set", ErrInvalidConfig)
	case c.PLIC.Priority == 0 || c.PLIC.Priority > 7:
		return fmt.Errorf("%w: plic.priority must be in [1, 7], got %d", ErrInvalidConfig, c.PLIC.Priority)
	case c.UART.Base == 0:
		return fmt.Errorf("%w: uart.base must be set", ErrInvalidConfig)
	case c.UART.IRQ == 0 || int(c.UART.IRQ) >= c.MaxChannels:
		return fmt.Errorf("%w: uart.irq %d outside [1, %d)", ErrInvalidConfig, c.UART.IRQ, c.MaxChannels)
	case c.UART.Buffer < 0:
		return fmt.Errorf("%w: uart.buffer is negative", ErrInvalidConfig)
	}
	return nil
}
