package sensors_test

import (
	"errors"
	"testing"
	"time"

	"github.com/micro-nova/sensorsim/internal/clock"
	"github.com/micro-nova/sensorsim/internal/sensors"
)

const maxConvert = 0xC1

// convert runs n immediate conversions on a model without a scheduler.
func convert(d *sensors.MAX30208, n int) {
	for i := 0; i < n; i++ {
		writeReg(d, 0x14, maxConvert)
	}
}

func readResult(d *sensors.MAX30208) int16 {
	got := readReg(d, 0x08, 2)
	return int16(uint16(got[0])<<8 | uint16(got[1]))
}

func TestMAX30208PartID(t *testing.T) {
	opts, _ := testOptions("temp")
	d := sensors.NewMAX30208(opts)
	if got := readReg(d, 0xFF, 1); got[0] != 0x30 {
		t.Errorf("PART_ID = %#x, want 0x30", got[0])
	}
	if got := readReg(d, 0x20, 1); got[0] != 0x82 {
		t.Errorf("GPIO_SETUP = %#x, want 0x82", got[0])
	}
}

func TestMAX30208Conversion(t *testing.T) {
	opts, _ := testOptions("temp")
	d := sensors.NewMAX30208(opts)
	if err := d.SetProperty("temperature", 25.5); err != nil {
		t.Fatal(err)
	}
	convert(d, 1)
	if got := readReg(d, 0x07, 1); got[0] != 1 {
		t.Fatalf("FIFO_DATA_COUNT = %d, want 1", got[0])
	}
	// 25.5 C / 0.005 = 5100
	if got := readReg(d, 0x08, 2); got[0] != 0x13 || got[1] != 0xEC {
		t.Errorf("FIFO_DATA = % x, want 13 ec", got)
	}
	if got := readReg(d, 0x14, 1); got[0] != 0xC0 {
		t.Errorf("TEMP_SENSOR_SETUP = %#x, want convert_t cleared", got[0])
	}
	if got := readReg(d, 0x00, 1); got[0] != 0x01 {
		t.Errorf("STATUS = %#x, want temp_rdy", got[0])
	}
	if got := readReg(d, 0x00, 1); got[0] != 0 {
		t.Errorf("STATUS after read = %#x, want cleared", got[0])
	}

	if err := d.SetProperty("temperature", -10); err != nil {
		t.Fatal(err)
	}
	convert(d, 1)
	if got := readResult(d); got != -2000 {
		t.Errorf("result = %d, want -2000", got)
	}
}

func TestMAX30208ScheduledConversion(t *testing.T) {
	v := clock.NewVirtual()
	opts, _ := testOptions("temp")
	opts.Scheduler = v
	d := sensors.NewMAX30208(opts)
	var intb level
	if err := d.Connect("gpio0", &intb); err != nil {
		t.Fatal(err)
	}
	writeReg(d, 0x20, 0x83) // GPIO0 as INTB
	writeReg(d, 0x01, 0x01) // temp_rdy interrupt
	if !intb.get() {
		t.Fatalf("INTB asserted before any conversion")
	}

	writeReg(d, 0x14, maxConvert)
	if d.Properties()["converting"] != 1 {
		t.Errorf("conversion not pending")
	}
	v.Advance(14 * time.Millisecond)
	if d.QueuedResults() != 0 {
		t.Errorf("result ready after 14 ms")
	}
	v.Advance(time.Millisecond)
	if d.QueuedResults() != 1 {
		t.Errorf("QueuedResults() = %d after 15 ms, want 1", d.QueuedResults())
	}
	if intb.get() {
		t.Errorf("INTB not pulled low by temp_rdy")
	}
	readReg(d, 0x00, 1)
	if !intb.get() {
		t.Errorf("INTB still low after STATUS read")
	}

	writeReg(d, 0x14, maxConvert)
	d.Reset()
	v.Advance(20 * time.Millisecond)
	if d.QueuedResults() != 0 {
		t.Errorf("conversion survived reset")
	}
}

func TestMAX30208Alarms(t *testing.T) {
	opts, _ := testOptions("temp")
	d := sensors.NewMAX30208(opts)
	// high alarm at 30 C = 6000 = 0x1770; the address does not advance
	writeReg(d, 0x10, 0x17)
	writeReg(d, 0x11, 0x70)
	// low alarm at 20 C = 4000 = 0x0FA0
	writeReg(d, 0x12, 0x0F)
	writeReg(d, 0x13, 0xA0)

	tests := []struct {
		temp float64
		want byte
	}{
		{25, 0x01},
		{30, 0x03},
		{19.5, 0x05},
	}
	for _, tc := range tests {
		if err := d.SetProperty("temperature", tc.temp); err != nil {
			t.Fatal(err)
		}
		convert(d, 1)
		if got := readReg(d, 0x00, 1); got[0] != tc.want {
			t.Errorf("%v C: STATUS = %#x, want %#x", tc.temp, got[0], tc.want)
		}
	}
}

func TestMAX30208Rollover(t *testing.T) {
	opts, _ := testOptions("temp")
	d := sensors.NewMAX30208(opts)
	for i := 0; i < 33; i++ {
		d.FeedScalar(float64(i))
	}
	convert(d, 33)
	if got := readReg(d, 0x07, 1); got[0] != 32 {
		t.Errorf("FIFO_DATA_COUNT = %d, want 32", got[0])
	}
	if got := readReg(d, 0x06, 1); got[0] != 0 {
		t.Errorf("FIFO_OVF_COUNTER without rollover = %d, want 0", got[0])
	}

	writeReg(d, 0x0A, 0x10) // flush
	if got := readReg(d, 0x07, 1); got[0] != 0 {
		t.Fatalf("FIFO_DATA_COUNT after flush = %d, want 0", got[0])
	}

	for i := 0; i < 34; i++ {
		d.FeedScalar(float64(i))
	}
	writeReg(d, 0x0A, 0x02) // fifo_ro
	convert(d, 34)
	if got := readReg(d, 0x06, 1); got[0] != 2 {
		t.Errorf("FIFO_OVF_COUNTER = %d, want 2", got[0])
	}
	if got := readResult(d); got != 2*200 {
		t.Errorf("oldest result = %d, want the third conversion", got)
	}
	wr, rd := readReg(d, 0x04, 1), readReg(d, 0x05, 1)
	if wr[0] != 2 || rd[0] != 3 {
		t.Errorf("FIFO_WR_PTR/RD_PTR = %d/%d, want 2/3", wr[0], rd[0])
	}
}

func TestMAX30208AlmostFull(t *testing.T) {
	tests := []struct {
		conf2 byte
		n     int
		want  bool
	}{
		{0x00, 16, false},
		{0x00, 17, true},
		{0x00, 18, true},
		{0x04, 17, true},
		{0x04, 18, false}, // asserts only on the crossing sample
	}
	for _, tc := range tests {
		opts, _ := testOptions("temp")
		d := sensors.NewMAX30208(opts)
		writeReg(d, 0x0A, tc.conf2)
		convert(d, tc.n-1)
		readReg(d, 0x00, 1)
		convert(d, 1)
		got := readReg(d, 0x00, 1)[0]&0x80 != 0
		if got != tc.want {
			t.Errorf("FIFO_CONF2=%#x after %d conversions: a_full = %v, want %v", tc.conf2, tc.n, got, tc.want)
		}
	}
}

func TestMAX30208StatusClearOnDataRead(t *testing.T) {
	opts, _ := testOptions("temp")
	d := sensors.NewMAX30208(opts)
	writeReg(d, 0x0A, 0x08) // fifo_stat_clr
	convert(d, 1)
	readResult(d)
	if got := readReg(d, 0x00, 1); got[0] != 0 {
		t.Errorf("STATUS = %#x, want temp_rdy cleared by the data read", got[0])
	}
}

func TestMAX30208EmptyFIFOAndProtocol(t *testing.T) {
	opts, logs := testOptions("temp")
	d := sensors.NewMAX30208(opts)
	if err := d.SetProperty("temperature", 1); err != nil {
		t.Fatal(err)
	}
	if got := readResult(d); got != 200 {
		t.Errorf("empty FIFO_DATA = %d, want default temperature 200", got)
	}
	if !logs.contains("WARN", "no results") {
		t.Errorf("empty FIFO read was not logged")
	}
	if got := d.Read(2); len(got) != 0 {
		t.Errorf("Read without address = % x, want empty", got)
	}
	if !logs.contains("ERROR", "read before address") {
		t.Errorf("read without address was not logged")
	}
}

func TestMAX30208ConvertPin(t *testing.T) {
	opts, _ := testOptions("temp")
	d := sensors.NewMAX30208(opts)
	if err := d.Drive("gpio1", false); err != nil {
		t.Fatal(err)
	}
	if d.QueuedResults() != 0 {
		t.Errorf("conversion started while gpio1 is not in CONVERT mode")
	}
	writeReg(d, 0x20, 0xC2)
	d.Drive("gpio1", true)
	d.Drive("gpio1", false)
	if d.QueuedResults() != 1 {
		t.Errorf("QueuedResults() = %d after falling edge, want 1", d.QueuedResults())
	}
	if err := d.Drive("gpio0", false); !errors.Is(err, sensors.ErrUnknownLine) {
		t.Errorf("Drive(gpio0) = %v, want ErrUnknownLine", err)
	}
}

func TestMAX30208LoadSamples(t *testing.T) {
	opts, _ := testOptions("temp")
	d := sensors.NewMAX30208(opts)
	path := writeSamples(t, "20\n21\n")
	if err := d.LoadSamples(path, 1); err != nil {
		t.Fatalf("LoadSamples: %v", err)
	}
	convert(d, 2)
	for _, want := range []int16{4000, 4200} {
		if got := readResult(d); got != want {
			t.Errorf("result = %d, want %d", got, want)
		}
	}
}
