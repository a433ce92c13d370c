package board_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/micro-nova/sensorsim/internal/board"
	"github.com/micro-nova/sensorsim/internal/clock"
	"github.com/micro-nova/sensorsim/internal/config"
	"github.com/micro-nova/sensorsim/internal/events"
	"github.com/micro-nova/sensorsim/internal/models"
	"github.com/micro-nova/sensorsim/internal/samples"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newBoard(t *testing.T, cfg *models.Board, sched clock.Scheduler) (*board.Board, *events.Bus, *config.MemStore) {
	t.Helper()
	store := config.NewMemStore()
	if cfg != nil {
		store = config.NewMemStoreWith(*cfg)
	}
	ev := events.NewBus()
	b, err := board.New(board.Options{Store: store, Events: ev, Scheduler: sched, Logger: quiet})
	if err != nil {
		t.Fatalf("board.New: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b, ev, store
}

func i2cBoard(ps ...models.PeripheralConfig) *models.Board {
	for i := range ps {
		if ps[i].Bus == "" {
			ps[i].Bus = "i2c0"
		}
	}
	return &models.Board{
		Name:        "test",
		Buses:       []models.BusConfig{{Name: "i2c0", Kind: models.BusI2C}},
		Peripherals: ps,
	}
}

func readReg(t *testing.T, b *board.Board, name string, reg byte, n int) []byte {
	t.Helper()
	resp, appErr := b.Tx(context.Background(), name, models.TxRequest{Write: models.Bytes{reg}, Read: n})
	if appErr != nil {
		t.Fatalf("Tx(%s, %#x): %v", name, reg, appErr)
	}
	return resp.Read
}

// waitEvent returns the first event of type typ, skipping others.
func waitEvent(t *testing.T, ch <-chan models.Event, typ string) models.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
			return models.Event{}
		}
	}
}

func TestDefaultBoard(t *testing.T) {
	b, _, _ := newBoard(t, nil, nil)
	list := b.List()
	def := models.DefaultBoard()
	if len(list) != len(def.Peripherals) {
		t.Fatalf("List() has %d peripherals, want %d", len(list), len(def.Peripherals))
	}
	for i, p := range list {
		if p.Name != def.Peripherals[i].Name {
			t.Errorf("List()[%d] = %s, want %s", i, p.Name, def.Peripherals[i].Name)
		}
	}

	tests := []struct {
		name string
		reg  byte
		want byte
	}{
		{"accel", 0x00, 0xE5},
		{"accel2", 0x0F, 0x44},
		{"mag", 0x00, 0x48},
		{"skin", 0xFF, 0x30},
		{"power", 0xFD, 0x5B},
	}
	for _, tc := range tests {
		if got := readReg(t, b, tc.name, tc.reg, 1); got[0] != tc.want {
			t.Errorf("%s reg(%#x) = %#x, want %#x", tc.name, tc.reg, got[0], tc.want)
		}
	}

	info := b.Info("test")
	if info.Board != def.Name || info.Peripherals != len(def.Peripherals) {
		t.Errorf("Info() = %+v", info)
	}
}

func TestGet(t *testing.T) {
	b, _, _ := newBoard(t, nil, nil)
	d, appErr := b.Get("accel")
	if appErr != nil {
		t.Fatalf("Get(accel): %v", appErr)
	}
	if d.Kind != models.KindADXL345 || d.Address != 0x53 {
		t.Errorf("Get(accel) = %s at %#x", d.Kind, d.Address)
	}
	var devid uint64
	for _, r := range d.Registers {
		if r.Address == 0x00 {
			devid = r.Value
		}
	}
	if devid != 0xE5 {
		t.Errorf("DEVID in dump = %#x, want 0xe5", devid)
	}
	if _, ok := d.Lines["accel-int1"]; !ok {
		t.Errorf("Lines = %v, want accel-int1", d.Lines)
	}

	if _, appErr := b.Get("nope"); appErr == nil || appErr.Status != 404 {
		t.Errorf("Get(nope) = %v, want 404", appErr)
	}
}

func TestTx(t *testing.T) {
	b, ev, _ := newBoard(t, i2cBoard(models.PeripheralConfig{Name: "gauge", Kind: models.KindMAX77818, Address: 0x36}), nil)
	ch := ev.Subscribe("t")

	if _, appErr := b.Tx(context.Background(), "gauge", models.TxRequest{Write: models.Bytes{0x1D, 0x34, 0x12}}); appErr != nil {
		t.Fatalf("Tx write: %v", appErr)
	}
	if got := readReg(t, b, "gauge", 0x1D, 2); got[0] != 0x34 || got[1] != 0x12 {
		t.Errorf("Config = % x, want 34 12", got)
	}
	if e := waitEvent(t, ch, models.EventTx); e.Peripheral != "gauge" {
		t.Errorf("tx event peripheral = %q", e.Peripheral)
	}

	tests := []struct {
		name string
		req  models.TxRequest
		want int
	}{
		{"empty", models.TxRequest{}, 400},
		{"negative read", models.TxRequest{Read: -1}, 400},
		{"huge read", models.TxRequest{Read: 1 << 20}, 400},
	}
	for _, tc := range tests {
		if _, appErr := b.Tx(context.Background(), "gauge", tc.req); appErr == nil || appErr.Status != tc.want {
			t.Errorf("%s: Tx = %v, want status %d", tc.name, appErr, tc.want)
		}
	}
}

func TestSPI(t *testing.T) {
	cfg := &models.Board{
		Name:  "spi",
		Buses: []models.BusConfig{{Name: "spi0", Kind: models.BusSPI}},
		Peripherals: []models.PeripheralConfig{
			{Name: "accel", Kind: models.KindADXL345, Bus: "spi0"},
		},
	}
	b, _, _ := newBoard(t, cfg, nil)
	if got := readReg(t, b, "accel", 0x80, 1); got[0] != 0xE5 {
		t.Errorf("DEVID over spi = %#x, want 0xe5", got[0])
	}
	if _, ok := b.I2C(""); ok {
		t.Errorf("I2C() found a bus on an spi-only board")
	}
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  *models.Board
	}{
		{"spi kind mismatch", &models.Board{
			Buses:       []models.BusConfig{{Name: "spi0", Kind: models.BusSPI}},
			Peripherals: []models.PeripheralConfig{{Name: "g", Kind: models.KindMAX77818, Bus: "spi0"}},
		}},
		{"shared line", i2cBoard(
			models.PeripheralConfig{Name: "a", Kind: models.KindAS6221, Address: 0x48, IRQ: map[string]string{"alert": "x"}},
			models.PeripheralConfig{Name: "b", Kind: models.KindAS6221, Address: 0x49, IRQ: map[string]string{"alert": "x"}},
		)},
		{"duplicate address", i2cBoard(
			models.PeripheralConfig{Name: "a", Kind: models.KindAS6221, Address: 0x48},
			models.PeripheralConfig{Name: "b", Kind: models.KindMAX77818, Address: 0x48},
		)},
		{"missing samples", i2cBoard(
			models.PeripheralConfig{Name: "a", Kind: models.KindADXL345, Address: 0x53, Samples: "/nonexistent/samples.txt"},
		)},
		{"stream without scheduler", i2cBoard(
			models.PeripheralConfig{Name: "a", Kind: models.KindAS6221, Address: 0x48, Stream: "/nonexistent/stream.txt"},
		)},
	}
	for _, tc := range tests {
		_, err := board.New(board.Options{Store: config.NewMemStoreWith(*tc.cfg), Logger: quiet})
		if err == nil {
			t.Errorf("%s: New succeeded", tc.name)
		}
	}

	fast := i2cBoard(models.PeripheralConfig{Name: "a", Kind: models.KindADXL345, Address: 0x53, Stream: "a.txt", StreamHz: 2e9})
	_, err := board.New(board.Options{Store: config.NewMemStoreWith(*fast), Scheduler: clock.NewVirtual(), Logger: quiet})
	if err == nil || !strings.Contains(err.Error(), "stream_hz") {
		t.Errorf("New with stream_hz 2e9 = %v, want stream_hz error", err)
	}

	frac := filepath.Join(t.TempDir(), "accel.txt")
	if err := os.WriteFile(frac, []byte("0s 1 2 3\n10ms 1.5 2 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := i2cBoard(models.PeripheralConfig{Name: "a", Kind: models.KindADXL345, Address: 0x53, Stream: frac, StreamHz: 100})
	_, err = board.New(board.Options{Store: config.NewMemStoreWith(*cfg), Scheduler: clock.NewVirtual(), Logger: quiet})
	var fe *samples.FormatError
	if !errors.As(err, &fe) || fe.Line != 2 {
		t.Errorf("New with fractional adxl345 stream = %v, want FormatError at line 2", err)
	}
}

func TestFeed(t *testing.T) {
	b, ev, _ := newBoard(t, nil, nil)
	ch := ev.Subscribe("t")

	resp, appErr := b.Feed("accel", models.SamplesRequest{Samples: [][]float64{{1, 2, 3}, {4, 5, 6}}, Repeat: 2})
	if appErr != nil {
		t.Fatalf("Feed(accel): %v", appErr)
	}
	if resp.Queued != 4 {
		t.Errorf("Queued = %d, want 4", resp.Queued)
	}
	if got := readReg(t, b, "accel", 0x39, 1); got[0]&0x3F != 4 {
		t.Errorf("FIFO_STATUS = %#x, want 4 entries", got[0])
	}
	waitEvent(t, ch, models.EventSamples)

	if _, appErr := b.Feed("skin", models.SamplesRequest{Samples: [][]float64{{36.6}}}); appErr != nil {
		t.Errorf("Feed(skin): %v", appErr)
	}

	tests := []struct {
		name   string
		periph string
		req    models.SamplesRequest
		status int
		field  string
	}{
		{"no samples", "accel", models.SamplesRequest{}, 400, "samples"},
		{"short row", "accel", models.SamplesRequest{Samples: [][]float64{{1, 2}}}, 400, "samples"},
		{"scalar row", "skin", models.SamplesRequest{Samples: [][]float64{{1, 2, 3}}}, 400, "samples"},
		{"endless", "accel", models.SamplesRequest{Samples: [][]float64{{1, 2, 3}}, Repeat: -1}, 400, "repeat"},
		{"huge repeat", "accel", models.SamplesRequest{Samples: [][]float64{{1, 2, 3}}, Repeat: 1 << 40}, 400, "repeat"},
		{"too many", "accel", models.SamplesRequest{Samples: [][]float64{{1, 2, 3}, {4, 5, 6}}, Repeat: 1<<15 + 1}, 400, "repeat"},
		{"gauge", "gauge", models.SamplesRequest{Samples: [][]float64{{1}}}, 422, ""},
		{"unknown", "nope", models.SamplesRequest{Samples: [][]float64{{1}}}, 404, ""},
	}
	for _, tc := range tests {
		_, appErr := b.Feed(tc.periph, tc.req)
		if appErr == nil || appErr.Status != tc.status || appErr.Field != tc.field {
			t.Errorf("%s: Feed = %+v, want status %d field %q", tc.name, appErr, tc.status, tc.field)
		}
	}
}

func TestFeedFrames(t *testing.T) {
	cfg := &models.Board{
		Name:        "ppg",
		Buses:       []models.BusConfig{{Name: "spi0", Kind: models.BusSPI}},
		Peripherals: []models.PeripheralConfig{{Name: "ppg", Kind: models.KindMAX86171, Bus: "spi0"}},
	}
	b, _, _ := newBoard(t, cfg, nil)
	if _, appErr := b.Tx(context.Background(), "ppg", models.TxRequest{Write: models.Bytes{0x0D, 0x00, 0x03}}); appErr != nil {
		t.Fatalf("enable channels: %v", appErr)
	}
	resp, appErr := b.Feed("ppg", models.SamplesRequest{Samples: [][]float64{{1, 2}, {3, 4}}, Repeat: 2})
	if appErr != nil {
		t.Fatalf("Feed(ppg): %v", appErr)
	}
	if resp.Queued != 16 {
		t.Errorf("Queued = %d, want 16", resp.Queued)
	}

	// a bad row rejects the whole request
	_, appErr = b.Feed("ppg", models.SamplesRequest{Samples: [][]float64{{1, 2}, {1.5, 2}}})
	if appErr == nil || appErr.Status != 400 || appErr.Field != "samples" {
		t.Errorf("Feed with a fractional code = %+v, want 400 on samples", appErr)
	}
	r, appErr := b.Tx(context.Background(), "ppg", models.TxRequest{Write: models.Bytes{0x07, 0x80}, Read: 1})
	if appErr != nil {
		t.Fatal(appErr)
	}
	if r.Read[0] != 16 {
		t.Errorf("FIFO_CNT2 = %d, want 16", r.Read[0])
	}
}

func TestNewKinds(t *testing.T) {
	cfg := i2cBoard(
		models.PeripheralConfig{Name: "lds", Kind: models.KindLIS2DS12, Address: 0x1D},
		models.PeripheralConfig{Name: "imu", Kind: models.KindLSM9DS1, Address: 0x6B},
		models.PeripheralConfig{Name: "baro", Kind: models.KindICP101xx, Address: 0x63},
	)
	b, _, _ := newBoard(t, cfg, nil)
	if got := readReg(t, b, "lds", 0x0F, 1); got[0] != 0x43 {
		t.Errorf("lis2ds12 WHO_AM_I = %#x, want 0x43", got[0])
	}
	if got := readReg(t, b, "imu", 0x0F, 1); got[0] != 0x68 {
		t.Errorf("lsm9ds1 WHO_AM_I = %#x, want 0x68", got[0])
	}
	r, appErr := b.Tx(context.Background(), "baro", models.TxRequest{Write: models.Bytes{0xEF, 0xC8}, Read: 2})
	if appErr != nil {
		t.Fatal(appErr)
	}
	if r.Read[1] != 0x08 {
		t.Errorf("icp101xx ID = % x, want xx 08", r.Read)
	}
	if _, appErr := b.Feed("imu", models.SamplesRequest{Samples: [][]float64{{0, 0, 1}}}); appErr != nil {
		t.Errorf("Feed(imu): %v", appErr)
	}
}

func TestLoadFile(t *testing.T) {
	b, _, _ := newBoard(t, nil, nil)
	path := filepath.Join(t.TempDir(), "accel.txt")
	if err := os.WriteFile(path, []byte("1 2 3\n4 5 6\n# comment\n7 8 9\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	resp, appErr := b.LoadFile("accel", models.LoadFileRequest{Path: path, Repeat: 2})
	if appErr != nil {
		t.Fatalf("LoadFile: %v", appErr)
	}
	if resp.Queued != 6 {
		t.Errorf("Queued = %d, want 6", resp.Queued)
	}
	if _, appErr := b.LoadFile("accel", models.LoadFileRequest{Path: filepath.Join(t.TempDir(), "missing")}); appErr == nil || appErr.Status != 400 {
		t.Errorf("LoadFile(missing) = %v, want 400", appErr)
	}
	if _, appErr := b.LoadFile("gauge", models.LoadFileRequest{Path: path}); appErr == nil || appErr.Status != 422 {
		t.Errorf("LoadFile(gauge) = %v, want 422", appErr)
	}
	if _, appErr := b.LoadFile("accel", models.LoadFileRequest{}); appErr == nil || appErr.Field != "path" {
		t.Errorf("LoadFile without path = %v, want path field error", appErr)
	}
	if _, appErr := b.LoadFile("accel", models.LoadFileRequest{Path: path, Repeat: 1 << 20}); appErr == nil || appErr.Field != "repeat" {
		t.Errorf("LoadFile with repeat 1<<20 = %v, want repeat field error", appErr)
	}
}

func TestSetProperties(t *testing.T) {
	b, ev, store := newBoard(t, nil, nil)
	ch := ev.Subscribe("t")

	info, appErr := b.SetProperties("gauge", map[string]float64{"voltage": 4, "soc": 50}, true)
	if appErr != nil {
		t.Fatalf("SetProperties: %v", appErr)
	}
	if info.Properties["voltage"] != 4 || info.Properties["soc"] != 50 {
		t.Errorf("Properties = %v", info.Properties)
	}
	if got := readReg(t, b, "gauge", 0x09, 2); got[0] != 0x00 || got[1] != 0xC8 {
		t.Errorf("VCell = % x, want 00 c8", got)
	}
	if e := waitEvent(t, ch, models.EventProperty); e.Values["voltage"] != 4 {
		t.Errorf("property event values = %v", e.Values)
	}

	saved, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	pc, _ := saved.Peripheral("gauge")
	if pc.Properties["voltage"] != 4 || pc.Properties["temperature"] != 25 {
		t.Errorf("saved properties = %v", pc.Properties)
	}
	if b.Config().Peripherals[4].Properties["soc"] != 50 {
		t.Errorf("Config() not updated")
	}

	if _, appErr := b.SetProperties("skin", map[string]float64{"temperature": 37}, false); appErr != nil {
		t.Fatal(appErr)
	}
	saved, _ = store.Load()
	if pc, _ := saved.Peripheral("skin"); pc.Properties["temperature"] != 36.5 {
		t.Errorf("unpersisted change saved: %v", pc.Properties)
	}

	if _, appErr := b.SetProperties("gauge", map[string]float64{"pressure": 1}, false); appErr == nil || appErr.Field != "pressure" {
		t.Errorf("unknown property = %v, want field error", appErr)
	}
	if _, appErr := b.SetProperties("accel2", map[string]float64{"temperature": 200}, false); appErr == nil || appErr.Field != "temperature" {
		t.Errorf("out of range temperature = %v, want field error", appErr)
	}
}

func TestInterruptLines(t *testing.T) {
	b, ev, _ := newBoard(t, nil, nil)
	ch := ev.Subscribe("t")

	if !b.Lines()["ambient-alert"] {
		t.Fatalf("ambient-alert low before any alert")
	}
	if _, appErr := b.SetProperties("ambient", map[string]float64{"temperature": 200}, false); appErr != nil {
		t.Fatal(appErr)
	}
	e := waitEvent(t, ch, models.EventIRQ)
	if e.Line != "ambient-alert" || e.Peripheral != "ambient" || e.Level == nil || *e.Level {
		t.Errorf("irq event = %+v, want ambient-alert low", e)
	}
	// one edge when the idle level was connected, one for the alert
	pin, ok := b.Line("ambient-alert")
	if !ok || pin.Level() || pin.Edges() != 2 {
		t.Errorf("Line(ambient-alert) = %v, %v", pin, ok)
	}
}

func TestResetAndDrive(t *testing.T) {
	b, ev, _ := newBoard(t, nil, nil)
	ch := ev.Subscribe("t")

	if _, appErr := b.Tx(context.Background(), "gauge", models.TxRequest{Write: models.Bytes{0x00, 0x00, 0x00}}); appErr != nil {
		t.Fatal(appErr)
	}
	if appErr := b.Reset("gauge"); appErr != nil {
		t.Fatalf("Reset: %v", appErr)
	}
	if got := readReg(t, b, "gauge", 0x00, 2); got[0] != 0x02 {
		t.Errorf("Status after reset = % x, want POR set", got)
	}
	waitEvent(t, ch, models.EventReset)
	if appErr := b.Reset("nope"); appErr == nil || appErr.Status != 404 {
		t.Errorf("Reset(nope) = %v", appErr)
	}

	if appErr := b.Drive("skin", "gpio1", false); appErr != nil {
		t.Errorf("Drive(skin, gpio1): %v", appErr)
	}
	if appErr := b.Drive("skin", "gpio0", false); appErr == nil || appErr.Status != 400 {
		t.Errorf("Drive(skin, gpio0) = %v, want 400", appErr)
	}
	if appErr := b.Drive("gauge", "gpio1", false); appErr == nil || appErr.Status != 422 {
		t.Errorf("Drive(gauge) = %v, want 422", appErr)
	}
}

func TestStreams(t *testing.T) {
	dir := t.TempDir()
	temps := filepath.Join(dir, "ambient.txt")
	accel := filepath.Join(dir, "accel.txt")
	if err := os.WriteFile(temps, []byte("0s 20\n1s 30\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(accel, []byte("0s 1 2 3\n10ms 4 5 6\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	v := clock.NewVirtual()
	b, _, _ := newBoard(t, i2cBoard(
		models.PeripheralConfig{Name: "ambient", Kind: models.KindAS6221, Address: 0x48, Stream: temps, StreamHz: 10},
		models.PeripheralConfig{Name: "accel", Kind: models.KindADXL345, Address: 0x53, Stream: accel, StreamHz: 100},
	), v)

	if got, appErr := b.Advance(10 * time.Millisecond); appErr != nil || got != 10*time.Millisecond {
		t.Fatalf("Advance = %v, %v", got, appErr)
	}
	if got := readReg(t, b, "accel", 0x39, 1); got[0]&0x3F != 1 {
		t.Errorf("FIFO_STATUS after one feeder tick = %#x, want 1", got[0])
	}
	b.Advance(240 * time.Millisecond)
	if got := readReg(t, b, "ambient", 0x00, 2); got[0] != 0x0A || got[1] != 0x00 {
		t.Errorf("TVAL at 250ms = % x, want 0a 00", got)
	}
	if got := readReg(t, b, "accel", 0x39, 1); got[0]&0x3F != 1 {
		t.Errorf("FIFO_STATUS after the stream ended = %#x, want 1", got[0])
	}
	if _, appErr := b.Advance(-time.Second); appErr == nil {
		t.Errorf("Advance(-1s) succeeded")
	}

	plain, _, _ := newBoard(t, nil, nil)
	if _, appErr := plain.Advance(time.Second); appErr == nil || appErr.Status != 409 {
		t.Errorf("Advance without virtual clock = %v, want 409", appErr)
	}
}

func TestWatchReloadsSamples(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accel.txt")
	if err := os.WriteFile(path, []byte("1 2 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ev := events.NewBus()
	ch := ev.Subscribe("t")
	cfg := i2cBoard(models.PeripheralConfig{Name: "accel", Kind: models.KindADXL345, Address: 0x53, Samples: path, Repeat: 1})
	b, err := board.New(board.Options{Store: config.NewMemStoreWith(*cfg), Events: ev, Logger: quiet, Watch: true})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	tmp := filepath.Join(dir, "accel.tmp")
	if err := os.WriteFile(tmp, []byte("4 5 6\n7 8 9\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
	if e := waitEvent(t, ch, models.EventSamples); e.Peripheral != "accel" {
		t.Errorf("samples event peripheral = %q", e.Peripheral)
	}
	if got := readReg(t, b, "accel", 0x39, 1); got[0]&0x3F < 3 {
		t.Errorf("FIFO_STATUS after reload = %#x, want at least 3", got[0])
	}
}
