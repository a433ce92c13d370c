// Command sensorsim runs an emulated sensor board: the chip models described
// by a board file, the HTTP monitor, and optionally a serial bridge, an MQTT
// client and interrupt lines mirrored onto real GPIO pins.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.bug.st/serial"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/micro-nova/sensorsim/internal/api"
	"github.com/micro-nova/sensorsim/internal/board"
	"github.com/micro-nova/sensorsim/internal/bridge"
	"github.com/micro-nova/sensorsim/internal/clock"
	"github.com/micro-nova/sensorsim/internal/config"
	"github.com/micro-nova/sensorsim/internal/events"
	"github.com/micro-nova/sensorsim/internal/irq"
	"github.com/micro-nova/sensorsim/internal/mqtt"
	"github.com/micro-nova/sensorsim/internal/zeroconf"
)

// version is set with -ldflags "-X main.version=...".
var version = "0.1.0-dev"

// pinMap collects repeated --irq-gpio line=PIN flags.
type pinMap map[string]string

func (m pinMap) String() string {
	parts := make([]string, 0, len(m))
	for k, v := range m {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (m pinMap) Set(s string) error {
	line, pin, ok := strings.Cut(s, "=")
	if !ok || line == "" || pin == "" {
		return fmt.Errorf("want line=PIN, got %q", s)
	}
	m[line] = pin
	return nil
}

func main() {
	gpios := pinMap{}
	var (
		boardPath = flag.String("board", "board.json", "board file (created with the default board if missing)")
		addr      = flag.String("addr", ":8080", "HTTP monitor listen address")
		debug     = flag.Bool("debug", false, "enable debug logging")
		serialDev = flag.String("serial", "", "serve the I2C bridge on this serial port, e.g. /dev/ttyUSB0")
		baud      = flag.Int("baud", 115200, "serial bridge baud rate")
		usePTY    = flag.Bool("pty", false, "serve the I2C bridge on a new pseudo-terminal")
		bridgeBus = flag.String("bridge-bus", "", "I2C bus exposed by the bridge (default: first)")
		broker    = flag.String("mqtt", "", "MQTT broker URL, e.g. tcp://localhost:1883")
		noMDNS    = flag.Bool("no-mdns", false, "do not advertise the monitor over mDNS")
		realtime  = flag.Bool("realtime", true, "run models on the wall clock; false uses a virtual clock advanced through the monitor")
		maxRate   = flag.Float64("max-callbacks", 0, "cap on scheduler callbacks per second (0 = no cap)")
	)
	flag.Var(gpios, "irq-gpio", "mirror a board line onto a host GPIO, line=PIN (repeatable)")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var sched clock.Scheduler
	if *realtime {
		rt := clock.NewRealtime(*maxRate)
		go rt.Run(ctx)
		sched = rt
	} else {
		slog.Info("using virtual clock; advance it with POST /api/clock/advance")
		sched = clock.NewVirtual()
	}

	store := config.NewJSONStore(*boardPath)
	bus := events.NewBus()
	b, err := board.New(board.Options{
		Store:     store,
		Events:    bus,
		Scheduler: sched,
		Watch:     true,
	})
	if err != nil {
		slog.Error("board initialization failed", "path", *boardPath, "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := b.Close(); err != nil {
			slog.Warn("board close", "err", err)
		}
	}()

	if len(gpios) > 0 {
		if err := mirrorGPIO(b, gpios); err != nil {
			slog.Error("gpio setup failed", "err", err)
			os.Exit(1)
		}
	}

	if *serialDev != "" || *usePTY {
		i2c, ok := b.I2C(*bridgeBus)
		if !ok {
			slog.Error("bridge: no such i2c bus", "bus", *bridgeBus)
			os.Exit(1)
		}
		srv := bridge.New(i2c, slog.Default())
		if *serialDev != "" {
			port, err := serial.Open(*serialDev, &serial.Mode{
				BaudRate: *baud,
				DataBits: 8,
				Parity:   serial.NoParity,
				StopBits: serial.OneStopBit,
			})
			if err != nil {
				slog.Error("bridge: open serial port", "port", *serialDev, "err", err)
				os.Exit(1)
			}
			slog.Info("bridge: serving", "port", *serialDev, "baud", *baud)
			go serveBridge(ctx, srv, port)
		}
		if *usePTY {
			pty, err := bridge.OpenPTY()
			if err != nil {
				slog.Error("bridge: open pty", "err", err)
				os.Exit(1)
			}
			slog.Info("bridge: serving", "pty", pty.Name)
			go serveBridge(ctx, srv, pty)
		}
	}

	if *broker != "" {
		mc := mqtt.New(mqtt.Config{Broker: *broker}, b, bus)
		go func() {
			if err := mc.Run(ctx); err != nil {
				slog.Warn("mqtt failed", "err", err)
			}
		}()
	}

	if !*noMDNS {
		instance, _ := os.Hostname()
		if instance == "" {
			instance = "sensorsim"
		}
		zc := zeroconf.New(instance+"-"+b.Name(), listenPort(*addr), zeroconf.Text(b.Info(version), b.List()), nil)
		go func() {
			if err := zc.Start(ctx); err != nil {
				slog.Warn("zeroconf failed", "err", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:        *addr,
		Handler:     api.NewRouter(b, bus, version),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	go func() {
		slog.Info("sensorsim listening", "addr", *addr, "board", b.Name(), "realtime", *realtime)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down...")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}
	slog.Info("shutdown complete")
}

func serveBridge(ctx context.Context, srv *bridge.Server, rw io.ReadWriteCloser) {
	defer rw.Close()
	if err := srv.Serve(ctx, rw); err != nil {
		slog.Warn("bridge stopped", "err", err)
	}
}

// mirrorGPIO drives host GPIO pins from board interrupt lines.
func mirrorGPIO(b *board.Board, gpios pinMap) error {
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("periph host init: %w", err)
	}
	for line, name := range gpios {
		pin, ok := b.Line(line)
		if !ok {
			return fmt.Errorf("no board line %q", line)
		}
		out := gpioreg.ByName(name)
		if out == nil {
			return fmt.Errorf("no gpio %q", name)
		}
		// Start from the line's current level.
		irq.GPIO(out)(line, pin.Level())
		pin.Listen(irq.GPIO(out))
		slog.Info("irq line mirrored", "line", line, "gpio", out.Name())
	}
	return nil
}

func listenPort(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 80
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return 80
	}
	return port
}
