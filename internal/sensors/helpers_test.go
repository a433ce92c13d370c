package sensors_test

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/micro-nova/sensorsim/internal/sensors"
)

// logBuffer collects log output so tests can assert on warnings.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *logBuffer) contains(level, msg string) bool {
	for _, line := range strings.Split(b.String(), "\n") {
		if strings.Contains(line, "level="+level) && strings.Contains(line, msg) {
			return true
		}
	}
	return false
}

func testOptions(name string) (sensors.Options, *logBuffer) {
	lb := &logBuffer{}
	l := slog.New(slog.NewTextHandler(lb, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return sensors.Options{Name: name, Logger: l}, lb
}

func writeSamples(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "samples.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

// readReg selects reg with an address-only write and reads n bytes.
func readReg(d sensors.I2CDevice, reg byte, n int) []byte {
	d.Write([]byte{reg})
	out := d.Read(n)
	d.FinishTransmission()
	return out
}

func writeReg(d sensors.I2CDevice, reg byte, data ...byte) {
	d.Write(append([]byte{reg}, data...))
	d.FinishTransmission()
}

// level records the last value driven onto an interrupt line.
type level struct {
	mu sync.Mutex
	v  bool
	n  int
}

func (l *level) Set(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.v = v
	l.n++
}

func (l *level) get() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.v
}
