package bridge_test

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/micro-nova/sensorsim/internal/bridge"
	"github.com/micro-nova/sensorsim/internal/bus"
	"github.com/micro-nova/sensorsim/internal/sensors"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newServer(t *testing.T) *bridge.Server {
	t.Helper()
	b := bus.NewI2CBus("i2c0")
	temp := sensors.NewAS6221(sensors.Options{Name: "ambient", Logger: quiet})
	if err := temp.SetProperty("temperature", 25); err != nil {
		t.Fatal(err)
	}
	if err := b.Attach(0x48, temp); err != nil {
		t.Fatal(err)
	}
	if err := b.Attach(0x36, sensors.NewMAX77818(sensors.Options{Name: "gauge", Logger: quiet})); err != nil {
		t.Fatal(err)
	}
	return bridge.New(b, quiet)
}

func TestExecute(t *testing.T) {
	s := newServer(t)
	tests := []struct {
		line string
		want string
	}{
		{"SCAN", "OK 36 48"},
		{"scan", "OK 36 48"},
		{"W 36 1d 34 12", "OK"},
		{"WR 36 2 1d", "OK 34 12"},
		{"wr 0x36 0x2 0x1D", "OK 34 12"},
		{"R 48 2", "OK 0c 80"},
		{"W 48 01", "OK"},
		{"R 48 2", "OK 40 a0"},
		{"W 50 00", "ERR nack 0x50"},
		{"R 50 1", "ERR nack 0x50"},
		{"", ""},
		{"   ", ""},
		{"# comment", ""},
		{"X 1", `ERR unknown command "X"`},
		{"SCAN 1", "ERR SCAN takes no arguments"},
		{"R 36", "ERR usage: R <addr> <n>"},
		{"R 36 0", `ERR bad count "0"`},
		{"R 36 101", `ERR bad count "101"`},
		{"R 80 1", `ERR bad address "80"`},
		{"W 36 zz", `ERR bad byte "zz"`},
		{"W 36 100", `ERR bad byte "100"`},
		{"WR 36 2", "ERR usage: WR <addr> <n> <bytes...>"},
	}
	for _, tc := range tests {
		if got := s.Execute(context.Background(), tc.line); got != tc.want {
			t.Errorf("Execute(%q) = %q, want %q", tc.line, got, tc.want)
		}
	}
}

func TestServe(t *testing.T) {
	s := newServer(t)
	var out bytes.Buffer
	rw := struct {
		io.Reader
		io.Writer
	}{strings.NewReader("SCAN\r\nbogus\n\nR 48 2\n"), &out}

	if err := s.Serve(context.Background(), rw); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	want := "OK 36 48\nERR unknown command \"BOGUS\"\nOK 0c 80\n"
	if got := out.String(); got != want {
		t.Errorf("Serve output = %q, want %q", got, want)
	}
}

func TestPTY(t *testing.T) {
	pty, err := bridge.OpenPTY()
	if err != nil {
		t.Skipf("no pty: %v", err)
	}
	defer pty.Close()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- newServer(t).Serve(ctx, pty) }()

	host, err := os.OpenFile(pty.Name, os.O_RDWR, 0)
	if err != nil {
		cancel()
		t.Fatalf("open %s: %v", pty.Name, err)
	}
	defer host.Close()

	if _, err := host.WriteString("SCAN\n"); err != nil {
		t.Fatal(err)
	}
	lines := make(chan string, 1)
	go func() {
		l, _ := bufio.NewReader(host).ReadString('\n')
		lines <- l
	}()
	select {
	case l := <-lines:
		if l != "OK 36 48\n" {
			t.Errorf("response = %q, want %q", l, "OK 36 48\n")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no response on the pty")
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
