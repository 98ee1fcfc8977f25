// Command irqsim boots the platform layer on an emulated qemu virt board and
// runs a small interrupt-driven console until the user quits or the timeout
// expires.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"golang.org/x/term"

	"github.com/tinyrange/rvplat/internal/irq"
	"github.com/tinyrange/rvplat/internal/platform"
	"github.com/tinyrange/rvplat/internal/virt"
)

// Guest entry point handed to HSM for secondary harts. The board does not
// execute it; it only travels with the start request.
const secondaryEntry = 0x8020_0000

type fixCrlf struct {
	w io.Writer
}

func (f *fixCrlf) Write(p []byte) (n int, err error) {
	return f.w.Write(bytes.ReplaceAll(p, []byte{'\n'}, []byte{'\r', '\n'}))
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "irqsim: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Board config (YAML); qemu virt defaults if empty")
	harts := flag.Int("harts", 0, "Number of harts (overrides the config)")
	tick := flag.Duration("tick", 10*time.Millisecond, "Timer interrupt period")
	timeout := flag.Duration("timeout", 0, "Power off after this long (0 waits for Ctrl-D)")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(&fixCrlf{w: os.Stderr}, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg := platform.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = platform.LoadConfig(*configPath); err != nil {
			return err
		}
	}
	if *harts > 0 {
		cfg.Harts = *harts
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if *tick <= 0 {
		return fmt.Errorf("tick must be positive")
	}

	board, err := virt.NewBoard(virt.BoardConfig{
		Harts:    cfg.Harts,
		Timebase: cfg.TimebaseFrequency,
		Console:  os.Stdout,
		UARTIRQ:  cfg.UART.IRQ,
		Logger:   log,
	})
	if err != nil {
		return err
	}
	plat, err := newPlatform(cfg, board, log)
	if err != nil {
		return err
	}

	var ticks atomic.Uint64
	period := uint64(tick.Nanoseconds())
	plat.IRQ.Register(irq.CauseSTimer, func(uint64) {
		ticks.Add(1)
		// One handler serves every hart, so each tick pushes all deadlines.
		next := plat.Clock.MonotonicNanos() + period
		for h := 0; h < cfg.Harts; h++ {
			if err := plat.Clock.SetOneshotTimer(h, next); err != nil {
				log.Warn("irqsim: re-arm timer", "hart", h, "err", err)
			}
		}
	})

	plat.InitEarly(0)
	if err := plat.InitLater(0); err != nil {
		return err
	}
	if !plat.EnableConsoleIRQ() {
		return fmt.Errorf("console interrupt %d could not be registered", cfg.UART.IRQ)
	}

	board.SetHartEntry(func(hart int, entry, arg uint64) {
		plat.InitEarlySecondary(hart)
		if err := plat.InitLaterSecondary(hart); err != nil {
			log.Error("irqsim: secondary init", "hart", hart, "err", err)
		}
	})
	for h := 1; h < cfg.Harts; h++ {
		if err := plat.Power.CPUBoot(h, secondaryEntry, uint64(h)); err != nil {
			log.Warn("irqsim: secondary hart not started", "hart", h, "err", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if *timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)
	}
	go feedInput(board.UART, os.Stdin)
	go echo(ctx, plat)

	start := time.Now()
	fmt.Fprintf(plat.Console, "irqsim: %d harts, type to echo, Ctrl-D to power off\n", cfg.Harts)
	err = board.Run(ctx, plat.HandleTrap)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		err = nil
	}

	log.Info("irqsim: stopped",
		"uptime", time.Since(start).Round(time.Millisecond),
		"timer_ticks", ticks.Load(),
		"console_dropped", plat.Console.Dropped(),
	)
	return err
}

func newPlatform(cfg platform.Config, board *virt.Board, log *slog.Logger) (*platform.Platform, error) {
	plicRegs, err := board.Window(cfg.PLIC.Base)
	if err != nil {
		return nil, fmt.Errorf("plic: %w", err)
	}
	uartRegs, err := board.Window(cfg.UART.Base)
	if err != nil {
		return nil, fmt.Errorf("uart: %w", err)
	}

	hw := platform.Hardware{
		PLIC:     plicRegs,
		UART:     uartRegs,
		Ticks:    platform.TickFunc(board.CLINT.Mtime),
		Firmware: board.SBI,
	}
	if cfg.RTC.Base != 0 {
		rtcRegs, err := board.Window(cfg.RTC.Base)
		if err != nil {
			return nil, fmt.Errorf("rtc: %w", err)
		}
		hw.RTC = rtcRegs
	}
	for _, h := range board.Harts {
		hw.Harts = append(hw.Harts, h)
	}
	return platform.New(cfg, hw, log)
}

// feedInput copies host input into the UART receiver until r fails.
func feedInput(uart *virt.UART, r io.Reader) {
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			uart.EnqueueInput(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// echo stands in for a kernel console reader: it writes back whatever the
// UART interrupt buffered and powers off on Ctrl-D or Ctrl-C.
func echo(ctx context.Context, plat *platform.Platform) {
	buf := make([]byte, 256)
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		n := plat.Console.ReadBytes(buf)
		for _, b := range buf[:n] {
			switch b {
			case 0x03, 0x04:
				plat.Console.Write([]byte("\n"))
				if err := plat.Power.SystemOff(); err != nil {
					slog.Error("irqsim: power off", "err", err)
				}
				return
			case '\r':
				plat.Console.Write([]byte("\n"))
			default:
				plat.Console.Write([]byte{b})
			}
		}
	}
}
