package sensors_test

import (
	"errors"
	"testing"

	"github.com/micro-nova/sensorsim/internal/samples"
	"github.com/micro-nova/sensorsim/internal/sensors"
)

func TestADXL345DeviceID(t *testing.T) {
	opts, _ := testOptions("accel")
	d := sensors.NewADXL345(opts)
	if got := readReg(d, 0x00, 1); got[0] != 0xE5 {
		t.Errorf("DEVID = %#x, want 0xe5", got[0])
	}
}

func TestADXL345SampleBytes(t *testing.T) {
	opts, logs := testOptions("accel")
	d := sensors.NewADXL345(opts)
	d.FeedSample(samples.Vector3{X: 100, Y: -200, Z: 300})

	d.Write([]byte{0x32})
	lo := d.Read(1)
	hi := d.Read(1)
	d.FinishTransmission()
	// +-2g, 10-bit: counts shift right by 2
	if lo[0] != 25 || hi[0] != 0 {
		t.Errorf("DATAX = %#x %#x, want 0x19 0x00", lo[0], hi[0])
	}

	d.Write([]byte{0x32})
	if !logs.contains("WARN", "no samples queued") {
		t.Errorf("empty FIFO read did not warn; logs:\n%s", logs)
	}
	if got := d.Read(1); got[0] != 0 {
		t.Errorf("DATAX0 after empty FIFO = %#x, want 0", got[0])
	}
}

func TestADXL345BurstRead(t *testing.T) {
	opts, _ := testOptions("accel")
	d := sensors.NewADXL345(opts)
	d.FeedSample(samples.Vector3{X: 100, Y: -200, Z: 300})
	got := readReg(d, 0x32, 6)
	x := int16(uint16(got[1])<<8 | uint16(got[0]))
	y := int16(uint16(got[3])<<8 | uint16(got[2]))
	z := int16(uint16(got[5])<<8 | uint16(got[4]))
	if x != 25 || y != -50 || z != 75 {
		t.Errorf("burst read = (%d, %d, %d), want (25, -50, 75)", x, y, z)
	}
}

func TestADXL345RangeAndResolution(t *testing.T) {
	tests := []struct {
		format byte
		want   int16
	}{
		{0x00, 1000 >> 2},
		{0x01, 1000 >> 3},
		{0x03, 1000 >> 5},
		{0x0B, 1000 >> 2}, // full resolution ignores the range
	}
	for _, tc := range tests {
		opts, _ := testOptions("accel")
		d := sensors.NewADXL345(opts)
		writeReg(d, 0x31, tc.format)
		d.FeedSample(samples.Vector3{X: 1000})
		got := readReg(d, 0x32, 2)
		if v := int16(uint16(got[1])<<8 | uint16(got[0])); v != tc.want {
			t.Errorf("DATA_FORMAT(%#x): X = %d, want %d", tc.format, v, tc.want)
		}
	}
}

func TestADXL345FIFOStatus(t *testing.T) {
	opts, _ := testOptions("accel")
	d := sensors.NewADXL345(opts)
	d.FeedSampleRepeat(samples.Vector3{X: 1}, 40)
	if got := readReg(d, 0x39, 1); got[0] != 32 {
		t.Errorf("FIFO_STATUS = %d, want 32 (saturated)", got[0])
	}
	if d.QueuedSamples() != 40 {
		t.Errorf("QueuedSamples() = %d, want 40", d.QueuedSamples())
	}
}

func TestADXL345EndlessRepeat(t *testing.T) {
	opts, logs := testOptions("accel")
	d := sensors.NewADXL345(opts)
	d.FeedSampleRepeat(samples.Vector3{X: 4}, -1)
	for i := 0; i < 5; i++ {
		if got := readReg(d, 0x32, 1); got[0] != 1 {
			t.Fatalf("read %d: DATAX0 = %d, want 1", i, got[0])
		}
	}
	if logs.contains("WARN", "no samples queued") {
		t.Errorf("endless repeat ran dry")
	}
}

func TestADXL345LoadSamples(t *testing.T) {
	opts, _ := testOptions("accel")
	d := sensors.NewADXL345(opts)
	path := writeSamples(t, "4 8 12\n-4 -8 -12\n")
	if err := d.LoadSamples(path, 2); err != nil {
		t.Fatalf("LoadSamples: %v", err)
	}
	if d.QueuedSamples() != 4 {
		t.Errorf("QueuedSamples() = %d, want 4", d.QueuedSamples())
	}
	d.Reset()
	if d.QueuedSamples() != 4 {
		t.Errorf("file samples did not survive reset: %d queued", d.QueuedSamples())
	}

	bad := writeSamples(t, "1 2 3\n4 5\n")
	err := d.LoadSamples(bad, 1)
	var fe *samples.FormatError
	if !errors.As(err, &fe) || fe.Line != 2 {
		t.Errorf("LoadSamples(bad) = %v, want FormatError at line 2", err)
	}

	for _, content := range []string{"0 0 0\n1.5 0 0\n", "0 0 0\n40000 0 0\n", "0 0 0\nNaN 0 0\n"} {
		d.Reset()
		queued := d.QueuedSamples()
		err := d.LoadSamples(writeSamples(t, content), 1)
		if !errors.As(err, &fe) || fe.Line != 2 {
			t.Errorf("LoadSamples(%q) = %v, want FormatError at line 2", content, err)
		}
		if d.QueuedSamples() != queued {
			t.Errorf("LoadSamples(%q) queued part of a rejected file", content)
		}
	}
}

func TestADXL345Interrupts(t *testing.T) {
	opts, _ := testOptions("accel")
	d := sensors.NewADXL345(opts)
	var int1, int2 level
	if err := d.Connect("int1", &int1); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := d.Connect("int2", &int2); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := d.Connect("int3", &int1); !errors.Is(err, sensors.ErrUnknownLine) {
		t.Errorf("Connect(int3) = %v, want ErrUnknownLine", err)
	}

	writeReg(d, 0x2E, 0x80) // DATA_READY
	d.FeedSample(samples.Vector3{X: 1})
	if !int1.get() || int2.get() {
		t.Errorf("int1=%v int2=%v, want data ready on int1", int1.get(), int2.get())
	}
	if got := readReg(d, 0x30, 1); got[0]&0x80 == 0 {
		t.Errorf("INT_SOURCE = %#x, want DATA_READY", got[0])
	}

	writeReg(d, 0x2F, 0x80)
	if int1.get() || !int2.get() {
		t.Errorf("after INT_MAP int1=%v int2=%v, want int2", int1.get(), int2.get())
	}

	readReg(d, 0x32, 6)
	if int2.get() {
		t.Errorf("int2 still high after the FIFO drained")
	}
}

func TestADXL345SPI(t *testing.T) {
	opts, _ := testOptions("accel")
	d := sensors.NewADXL345(opts)
	d.FeedSample(samples.Vector3{X: 100, Y: -200, Z: 300})
	spi := d.SPI()

	// write DATA_FORMAT = full resolution
	spi.Transmit(0x31)
	spi.Transmit(0x08)
	spi.FinishTransmission()

	// multi-byte read from DATAX0
	spi.Transmit(0x80 | 0x40 | 0x32)
	var got []byte
	for i := 0; i < 4; i++ {
		got = append(got, spi.Transmit(0))
	}
	spi.FinishTransmission()
	want := []byte{25, 0, 0xCE, 0xFF}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("SPI burst = % x, want % x", got, want)
		}
	}

	// without the multi-byte bit the address holds
	d.FeedSample(samples.Vector3{X: 100})
	spi.Transmit(0x80 | 0x32)
	a, b := spi.Transmit(0), spi.Transmit(0)
	spi.FinishTransmission()
	if a != 25 || b != 25 {
		t.Errorf("single-byte mode reads = %d %d, want 25 25", a, b)
	}
}

func TestADXL345Properties(t *testing.T) {
	opts, logs := testOptions("accel")
	d := sensors.NewADXL345(opts)
	if err := d.SetProperty("y", 40000); err != nil {
		t.Fatalf("SetProperty: %v", err)
	}
	if !logs.contains("WARN", "clamping") {
		t.Errorf("out-of-range raw value was not clamped with a warning")
	}
	if got := d.Properties()["y"]; got != 32767 {
		t.Errorf("y = %v, want 32767", got)
	}
	if err := d.SetProperty("w", 1); !errors.Is(err, sensors.ErrUnknownProperty) {
		t.Errorf("SetProperty(w) = %v, want ErrUnknownProperty", err)
	}
}
