package sensors

import (
	"log/slog"
	"sync"

	"github.com/micro-nova/sensorsim/internal/bus"
	"github.com/micro-nova/sensorsim/internal/irq"
	"github.com/micro-nova/sensorsim/internal/registers"
	"github.com/micro-nova/sensorsim/internal/samples"
)

// ADXL345 register addresses.
const (
	adxlDevID      = 0x00
	adxlThreshTap  = 0x1D
	adxlActTapStat = 0x2B
	adxlBWRate     = 0x2C
	adxlPowerCtl   = 0x2D
	adxlIntEnable  = 0x2E
	adxlIntMap     = 0x2F
	adxlIntSource  = 0x30
	adxlDataFormat = 0x31
	adxlDataX0     = 0x32
	adxlFIFOCtl    = 0x38
	adxlFIFOStatus = 0x39

	adxlDeviceID = 0xE5
	// FIFO_STATUS saturates at the depth of the hardware FIFO.
	adxlFIFODepth = 32
)

// INT_SOURCE / INT_ENABLE / INT_MAP bits.
const (
	adxlIntOverrun   = 1 << 0
	adxlIntWatermark = 1 << 1
	adxlIntDataReady = 1 << 7
)

var adxlTagged = map[uint16]string{
	0x1D: "THRESH_TAP",
	0x1E: "OFSX",
	0x1F: "OFSY",
	0x20: "OFSZ",
	0x21: "DUR",
	0x22: "LATENT",
	0x23: "WINDOW",
	0x24: "THRESH_ACT",
	0x25: "THRESH_INACT",
	0x26: "TIME_INACT",
	0x27: "ACT_INACT_CTL",
	0x28: "THRESH_FF",
	0x29: "TIME_FF",
	0x2A: "TAP_AXES",
}

// ADXL345 models the Analog Devices three-axis accelerometer. Samples are raw
// 16-bit counts in full-resolution scale; the configured range and
// resolution decide how they are shifted into DATAX0..DATAZ1.
//
// Selecting DATAX0 for a read (an address-only write on I2C, a read frame on
// SPI) latches the next queued sample.
type ADXL345 struct {
	mu    sync.Mutex
	name  string
	log   *slog.Logger
	regs  *registers.Collection
	tx    *bus.Transaction
	spi   *bus.SPIFrame
	fifo  *samples.FIFO[samples.Vector3]
	lines lines

	sensorRange *registers.Value
	fullRes     *registers.Flag
	intInvert   *registers.Flag
	intEnable   *registers.Value
	intMap      *registers.Value
	watermark   *registers.Value
}

var (
	_ I2CDevice       = (*ADXL345)(nil)
	_ SPIDevice       = (*ADXL345)(nil)
	_ VectorSampler   = (*ADXL345)(nil)
	_ SampleFormat    = (*ADXL345)(nil)
	_ InterruptSource = (*ADXL345)(nil)
)

func NewADXL345(opts Options) *ADXL345 {
	const kind = "adxl345"
	d := &ADXL345{
		name:  opts.name(kind),
		log:   opts.logger(kind),
		lines: newLines("int1", "int2"),
	}
	d.fifo = samples.NewFIFO(samples.Config[samples.Vector3]{
		Name:         d.name,
		Mode:         samples.StopWhenFull,
		ClearOnEmpty: true,
	})
	d.regs = registers.NewByteCollection(d.name, registers.WithLogger(d.log))
	d.define()

	d.tx = bus.NewTransaction(bus.Bytes(d.regs), bus.Config{
		Name:              d.name,
		AddressEveryWrite: true,
		Stop:              bus.StopKeepsAddress,
		OnAddress:         d.onAddress,
		Logger:            d.log,
	})
	d.spi = bus.NewSPIFrame(bus.NewTransaction(bus.Bytes(d.regs), bus.Config{
		Name:        d.name + "/spi",
		AddressMask: 0x3F,
		ReadBit:     0x80,
		BurstBit:    0x40,
		Stop:        bus.StopClears,
		OnAddress:   d.onAddress,
		Logger:      d.log,
	}))
	d.reset()
	return d
}

func (d *ADXL345) define() {
	d.regs.Define(adxlDevID, "DEVID", adxlDeviceID).DefineValue(0, 8, "devid", registers.Read)
	for addr := uint16(adxlThreshTap); addr < adxlActTapStat; addr++ {
		d.regs.Define(addr, adxlTagged[addr], 0).Tagged(adxlTagged[addr], 0, 8)
	}
	d.regs.Define(adxlActTapStat, "ACT_TAP_STATUS", 0).DefineValue(0, 8, "status", registers.Read)
	bw := d.regs.Define(adxlBWRate, "BW_RATE", 0x0A)
	bw.DefineValue(0, 4, "rate")
	bw.DefineFlag(4, "low_power")
	bw.Reserved(5, 3)
	pc := d.regs.Define(adxlPowerCtl, "POWER_CTL", 0)
	pc.DefineValue(0, 2, "wakeup")
	pc.DefineFlag(2, "sleep")
	pc.DefineFlag(3, "measure")
	pc.DefineFlag(4, "auto_sleep")
	pc.DefineFlag(5, "link")
	pc.Reserved(6, 2)

	update := registers.OnChange(func(_, _ uint64) { d.updateInterrupts() })
	d.intEnable = d.regs.Define(adxlIntEnable, "INT_ENABLE", 0).DefineValue(0, 8, "enable", update)
	d.intMap = d.regs.Define(adxlIntMap, "INT_MAP", 0).DefineValue(0, 8, "map", update)
	d.regs.Define(adxlIntSource, "INT_SOURCE", 0).DefineValue(0, 8, "source", registers.Read,
		registers.Provider(func() uint64 { return d.intSource() }))

	df := d.regs.Define(adxlDataFormat, "DATA_FORMAT", 0)
	d.sensorRange = df.DefineValue(0, 2, "range")
	df.DefineFlag(2, "justify")
	d.fullRes = df.DefineFlag(3, "full_res")
	df.Reserved(4, 1)
	d.intInvert = df.DefineFlag(5, "int_invert", registers.OnFlagChange(func(bool) { d.updateInterrupts() }))
	df.DefineFlag(6, "spi")
	df.DefineFlag(7, "self_test")

	axes := []string{"X", "Y", "Z"}
	for i, axis := range axes {
		i := i
		d.regs.Define(adxlDataX0+uint16(2*i), "DATA"+axis+"0", 0).DefineValue(0, 8, "low", registers.Read,
			registers.Provider(func() uint64 { return uint64(d.outLow(i)) }))
		d.regs.Define(adxlDataX0+uint16(2*i+1), "DATA"+axis+"1", 0).DefineValue(0, 8, "high", registers.Read,
			registers.Provider(func() uint64 { return uint64(d.outHigh(i)) }))
	}

	fc := d.regs.Define(adxlFIFOCtl, "FIFO_CTL", 0)
	d.watermark = fc.DefineValue(0, 5, "samples", registers.OnChange(func(_, _ uint64) { d.updateInterrupts() }))
	fc.DefineFlag(5, "trigger")
	fc.DefineValue(6, 2, "fifo_mode")
	fs := d.regs.Define(adxlFIFOStatus, "FIFO_STATUS", 0)
	fs.DefineValue(0, 6, "entries", registers.Read,
		registers.Provider(func() uint64 { return uint64(min(d.fifo.Count(), adxlFIFODepth)) }))
	fs.Reserved(6, 1)
	fs.DefineFlag(7, "fifo_trig", registers.Read)
}

func (d *ADXL345) Name() string { return d.name }
func (d *ADXL345) Kind() string { return "adxl345" }

// SPI returns the 4-wire SPI face of the chip. It shares registers and
// samples with the I2C face.
func (d *ADXL345) SPI() bus.SPIPeripheral { return adxlSPI{d} }

func (d *ADXL345) Write(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tx.Write(data)
}

func (d *ADXL345) Read(count int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.tx.Read(count)
	d.updateInterrupts()
	return out
}

func (d *ADXL345) FinishTransmission() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tx.FinishTransmission()
}

func (d *ADXL345) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reset()
}

func (d *ADXL345) reset() {
	d.regs.Reset()
	d.tx.Reset()
	d.tx.Select(adxlDevID)
	d.spi.Reset()
	d.fifo.Reset()
	d.fifo.SetCurrent(samples.Vector3{})
	d.updateInterrupts()
}

func (d *ADXL345) Snapshot() []registers.Dump {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs.Snapshot()
}

// onAddress latches the next sample when DATAX0 is selected for reading.
func (d *ADXL345) onAddress(addr uint16, dataFollows bool) {
	if addr != adxlDataX0 || dataFollows {
		return
	}
	if !d.fifo.TryDequeueNext() {
		d.log.Warn("reading DATAX0 with no samples queued")
	}
	d.updateInterrupts()
}

// shift is how far a full-resolution count moves right at the current
// range and resolution.
func (d *ADXL345) shift() uint {
	if d.fullRes.Value() {
		return 2
	}
	return uint(d.sensorRange.Value()) + 2
}

func (d *ADXL345) axis(i int) int16 {
	s := d.fifo.Current()
	switch i {
	case 0:
		return toInt16(s.X)
	case 1:
		return toInt16(s.Y)
	case 2:
		return toInt16(s.Z)
	}
	panic("sensors: adxl345 axis out of range")
}

func (d *ADXL345) outLow(i int) byte  { return byte(d.axis(i) >> d.shift()) }
func (d *ADXL345) outHigh(i int) byte { return byte(d.axis(i) >> (d.shift() + 8)) }

func (d *ADXL345) intSource() uint64 {
	n := d.fifo.Count()
	var src uint64
	if n > 0 {
		src |= adxlIntDataReady
	}
	if w := int(d.watermark.Value()); w > 0 && n >= w {
		src |= adxlIntWatermark
	}
	if d.fifo.Overrun() {
		src |= adxlIntOverrun
	}
	return src
}

func (d *ADXL345) updateInterrupts() {
	active := d.intSource() & d.intEnable.Value()
	int1 := active&^d.intMap.Value() != 0
	int2 := active&d.intMap.Value() != 0
	inv := d.intInvert.Value()
	d.lines.set("int1", int1 != inv)
	d.lines.set("int2", int2 != inv)
}

// FeedSample queues one raw sample.
func (d *ADXL345) FeedSample(v samples.Vector3) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fifo.OnEmpty(nil)
	d.fifo.Feed(v)
	d.updateInterrupts()
}

// FeedSampleRepeat queues v repeat times; repeat < 0 replays it whenever
// the queue runs dry.
func (d *ADXL345) FeedSampleRepeat(v samples.Vector3, repeat int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if repeat < 0 {
		d.fifo.Feed(v)
		d.fifo.OnEmpty(func() { d.fifo.Feed(v) })
	} else {
		d.fifo.OnEmpty(nil)
		d.fifo.FeedRepeat(v, repeat)
	}
	d.updateInterrupts()
}

func (d *ADXL345) LoadSamples(path string, repeat int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := loadInto(d.fifo, path, repeat, d.ParseSample); err != nil {
		return err
	}
	d.updateInterrupts()
	return nil
}

// ParseSample reads one line of a sample file: three raw full-resolution
// counts, each a decimal int16.
func (d *ADXL345) ParseSample(cols []string) (samples.Vector3, error) {
	return samples.ParseInt16Vector(cols)
}

// QueuedSamples returns the number of samples waiting in the queue.
func (d *ADXL345) QueuedSamples() int { return d.fifo.Count() }

func (d *ADXL345) Properties() map[string]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.fifo.Current()
	return map[string]float64{
		"x":      s.X,
		"y":      s.Y,
		"z":      s.Z,
		"queued": float64(d.fifo.Count()),
	}
}

// SetProperty overrides one axis of the current sample with a raw count.
func (d *ADXL345) SetProperty(name string, v float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	v = clamp(d.log, name, v, -32768, 32767)
	s := d.fifo.Current()
	switch name {
	case "x":
		s.X = v
	case "y":
		s.Y = v
	case "z":
		s.Z = v
	default:
		return unknownProperty(name)
	}
	d.fifo.SetCurrent(s)
	return nil
}

func (d *ADXL345) Lines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lines.names()
}

func (d *ADXL345) Connect(line string, l irq.Line) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.lines.connect(line, l); err != nil {
		return err
	}
	d.updateInterrupts()
	return nil
}

type adxlSPI struct{ d *ADXL345 }

func (s adxlSPI) Transmit(b byte) byte {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	return s.d.spi.Transmit(b)
}

func (s adxlSPI) FinishTransmission() {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.spi.FinishTransmission()
	s.d.updateInterrupts()
}

func (s adxlSPI) Reset() { s.d.Reset() }
