// Package bridge exposes an emulated I2C bus to host tools over a serial
// line. The protocol is one command per line with hex arguments:
//
//	W <addr> <b0> <b1> ...     write, then STOP
//	R <addr> <n>               read n bytes, then STOP
//	WR <addr> <n> <b0> ...     write, read n bytes after a repeated start, then STOP
//	SCAN                       list attached addresses
//
// Every command gets one response line, "OK" followed by any bytes read or
// addresses found, or "ERR <reason>".
package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/micro-nova/sensorsim/internal/bus"
)

// MaxRead bounds the byte count of one R or WR command.
const MaxRead = 256

// Bus is the part of the emulated I2C bus the bridge drives.
type Bus interface {
	TxContext(ctx context.Context, addr uint16, w, r []byte) error
	Addresses() []uint16
}

// Server answers bridge commands against one bus.
type Server struct {
	bus Bus
	log *slog.Logger
}

// New returns a server for b. A nil logger uses slog.Default().
func New(b Bus, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{bus: b, log: log}
}

// Serve reads commands from rw until EOF or ctx is done and writes one
// response line per command. When ctx ends rw is closed if it is an
// io.Closer, so a blocked read returns.
func (s *Server) Serve(ctx context.Context, rw io.ReadWriter) error {
	done := make(chan struct{})
	defer close(done)
	if c, ok := rw.(io.Closer); ok {
		go func() {
			select {
			case <-ctx.Done():
				c.Close()
			case <-done:
			}
		}()
	}

	sc := bufio.NewScanner(rw)
	w := bufio.NewWriter(rw)
	for sc.Scan() {
		resp := s.Execute(ctx, sc.Text())
		if resp == "" {
			continue
		}
		if _, err := w.WriteString(resp + "\n"); err != nil {
			return fmt.Errorf("bridge: write: %w", err)
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("bridge: write: %w", err)
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("bridge: read: %w", err)
	}
	return nil
}

// Execute runs one command line and returns its response. Blank lines and
// lines starting with '#' get no response.
func (s *Server) Execute(ctx context.Context, line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
		return ""
	}
	resp, err := s.execute(ctx, strings.ToUpper(fields[0]), fields[1:])
	if err != nil {
		s.log.Debug("bridge: command failed", "line", line, "err", err)
		return "ERR " + err.Error()
	}
	return resp
}

func (s *Server) execute(ctx context.Context, cmd string, args []string) (string, error) {
	switch cmd {
	case "SCAN":
		if len(args) != 0 {
			return "", errors.New("SCAN takes no arguments")
		}
		addrs := s.bus.Addresses()
		out := make([]byte, len(addrs))
		for i, a := range addrs {
			out[i] = byte(a)
		}
		return ok(out), nil

	case "W":
		if len(args) < 1 {
			return "", errors.New("usage: W <addr> <bytes...>")
		}
		addr, err := parseAddr(args[0])
		if err != nil {
			return "", err
		}
		w, err := parseBytes(args[1:])
		if err != nil {
			return "", err
		}
		return s.tx(ctx, addr, w, 0)

	case "R":
		if len(args) != 2 {
			return "", errors.New("usage: R <addr> <n>")
		}
		addr, err := parseAddr(args[0])
		if err != nil {
			return "", err
		}
		n, err := parseCount(args[1])
		if err != nil {
			return "", err
		}
		return s.tx(ctx, addr, nil, n)

	case "WR":
		if len(args) < 3 {
			return "", errors.New("usage: WR <addr> <n> <bytes...>")
		}
		addr, err := parseAddr(args[0])
		if err != nil {
			return "", err
		}
		n, err := parseCount(args[1])
		if err != nil {
			return "", err
		}
		w, err := parseBytes(args[2:])
		if err != nil {
			return "", err
		}
		return s.tx(ctx, addr, w, n)
	}
	return "", fmt.Errorf("unknown command %q", cmd)
}

func (s *Server) tx(ctx context.Context, addr uint16, w []byte, n int) (string, error) {
	r := make([]byte, n)
	if err := s.bus.TxContext(ctx, addr, w, r); err != nil {
		if errors.Is(err, bus.ErrNoDevice) {
			return "", fmt.Errorf("nack 0x%02x", addr)
		}
		return "", err
	}
	return ok(r), nil
}

func ok(data []byte) string {
	if len(data) == 0 {
		return "OK"
	}
	var sb strings.Builder
	sb.WriteString("OK")
	for _, b := range data {
		fmt.Fprintf(&sb, " %02x", b)
	}
	return sb.String()
}

func parseHex(s string, bits int) (uint64, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	return strconv.ParseUint(s, 16, bits)
}

func parseAddr(s string) (uint16, error) {
	v, err := parseHex(s, 8)
	if err != nil || v > 0x7F {
		return 0, fmt.Errorf("bad address %q", s)
	}
	return uint16(v), nil
}

func parseCount(s string) (int, error) {
	v, err := parseHex(s, 16)
	if err != nil || v == 0 || v > MaxRead {
		return 0, fmt.Errorf("bad count %q", s)
	}
	return int(v), nil
}

func parseBytes(args []string) ([]byte, error) {
	out := make([]byte, len(args))
	for i, a := range args {
		v, err := parseHex(a, 8)
		if err != nil {
			return nil, fmt.Errorf("bad byte %q", a)
		}
		out[i] = byte(v)
	}
	return out, nil
}
