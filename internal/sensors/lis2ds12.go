package sensors

import (
	"log/slog"
	"math"
	"sync"

	"periph.io/x/conn/v3/physic"

	"github.com/micro-nova/sensorsim/internal/bus"
	"github.com/micro-nova/sensorsim/internal/irq"
	"github.com/micro-nova/sensorsim/internal/registers"
	"github.com/micro-nova/sensorsim/internal/samples"
)

// LIS2DS12 register addresses.
const (
	ldsWhoAmI    = 0x0F
	ldsCtrl1     = 0x20
	ldsCtrl4     = 0x23
	ldsOutT      = 0x26
	ldsStatus    = 0x27
	ldsOutXL     = 0x28
	ldsOutZH     = 0x2D
	ldsStatusDup = 0x36

	ldsDeviceID = 0x43
	// mg per digit at 2 g
	ldsSensitivity = 0.061
	ldsGravity     = 9.80665
	// keeps the 2 g conversion inside int16
	ldsMaxAcceleration = 19.5
	ldsMinTemperature  = -40.0
	ldsMaxTemperature  = 85.0
	ldsTemperatureZero = 25.0

	ldsHighFreqODR = 5
	ldsLowPowerODR = 8
)

// ldsScale is the sensitivity multiplier per FS code: 2, 16, 4 and 8 g.
var ldsScale = [4]float64{1, 8, 2, 4}

// LIS2DS12 models the ST three-axis accelerometer without its FIFO.
// Acceleration is in m/s^2, temperature in degrees Celsius.
//
// Every write starts with the register address, which is kept across STOP.
// Multi-byte reads advance through OUT_X_L..OUT_Z_H and hold at OUT_Z_H;
// elsewhere the address holds. Selecting OUT_X_L for a read latches the
// next queued sample. An address-only write raises DRDY and the next read
// clears it.
type LIS2DS12 struct {
	mu    sync.Mutex
	name  string
	log   *slog.Logger
	regs  *registers.Collection
	tx    *bus.Transaction
	fifo  *samples.FIFO[samples.Vector3]
	lines lines

	temperature float64
	drdy        bool

	highFreq  *registers.Flag
	fullScale *registers.Value
	odr       *registers.Value
	int1DRDY  *registers.Flag
}

var (
	_ I2CDevice         = (*LIS2DS12)(nil)
	_ VectorSampler     = (*LIS2DS12)(nil)
	_ InterruptSource   = (*LIS2DS12)(nil)
	_ TemperatureSensor = (*LIS2DS12)(nil)
)

func NewLIS2DS12(opts Options) *LIS2DS12 {
	const kind = "lis2ds12"
	d := &LIS2DS12{
		name:        opts.name(kind),
		log:         opts.logger(kind),
		lines:       newLines("int1"),
		temperature: ldsTemperatureZero,
	}
	d.fifo = samples.NewFIFO(samples.Config[samples.Vector3]{
		Name: d.name,
		Mode: samples.StopWhenFull,
	})
	d.regs = registers.NewByteCollection(d.name, registers.WithLogger(d.log))
	d.define()
	d.tx = bus.NewTransaction(bus.Bytes(d.regs), bus.Config{
		Name:              d.name,
		Next:              bus.Range(ldsOutXL, ldsOutZH, nil),
		AddressEveryWrite: true,
		Stop:              bus.StopKeepsAddress,
		OnAddress: func(_ uint16, dataFollows bool) {
			if !dataFollows {
				d.drdy = true
				d.updateInterrupts()
			}
		},
		Logger: d.log,
	})
	return d
}

func (d *LIS2DS12) define() {
	d.regs.Define(ldsWhoAmI, "WHO_AM_I", ldsDeviceID).DefineValue(0, 8, "who_am_i", registers.Read)

	c1 := d.regs.Define(ldsCtrl1, "CTRL1", 0)
	c1.Tagged("BDU", 0, 1)
	d.highFreq = c1.DefineFlag(1, "hf_odr")
	d.fullScale = c1.DefineValue(2, 2, "fs")
	d.odr = c1.DefineValue(4, 4, "odr")

	c4 := d.regs.Define(ldsCtrl4, "CTRL4", 0x01)
	d.int1DRDY = c4.DefineFlag(0, "int1_drdy", registers.OnChange(func(_, _ uint64) { d.updateInterrupts() }))
	c4.Tagged("INT1_EVENTS", 1, 7)

	d.regs.Define(ldsOutT, "OUT_T", 0).DefineValue(0, 8, "out_t", registers.Read,
		registers.Provider(func() uint64 { return uint64(byte(int8(math.Trunc(d.temperature - ldsTemperatureZero)))) }))

	for _, s := range []struct {
		addr uint16
		name string
	}{{ldsStatus, "STATUS"}, {ldsStatusDup, "STATUS_DUP"}} {
		r := d.regs.Define(s.addr, s.name, 0)
		r.DefineFlag(0, "drdy", registers.Read, registers.FlagProvider(func() bool { return d.drdy }))
		r.Tagged("EVENTS", 1, 7)
	}

	for i, axis := range []string{"X", "Y", "Z"} {
		i := i
		lowOpts := []registers.Option{registers.Read,
			registers.Provider(func() uint64 { return uint64(d.lowByte(i)) })}
		if i == 0 {
			lowOpts = []registers.Option{registers.Read, registers.Volatile(),
				registers.Provider(func() uint64 {
					d.fifo.TryDequeueNext()
					return uint64(d.lowByte(0))
				})}
		}
		d.regs.Define(ldsOutXL+uint16(2*i), "OUT_"+axis+"_L", 0).DefineValue(0, 8, "out_l", lowOpts...)
		d.regs.Define(ldsOutXL+uint16(2*i+1), "OUT_"+axis+"_H", 0).DefineValue(0, 8, "out_h", registers.Read,
			registers.Provider(func() uint64 { return uint64(uint16(d.output(i)) >> 8) }))
	}
}

func (d *LIS2DS12) Name() string { return d.name }
func (d *LIS2DS12) Kind() string { return "lis2ds12" }

func (d *LIS2DS12) Write(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tx.Write(data)
}

func (d *LIS2DS12) Read(count int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drdy = false
	d.updateInterrupts()
	return d.tx.Read(count)
}

func (d *LIS2DS12) FinishTransmission() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tx.FinishTransmission()
}

// Reset restores the power-on registers. Queued file samples survive.
func (d *LIS2DS12) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regs.Reset()
	d.tx.Reset()
	d.fifo.Reset()
	d.drdy = false
	d.updateInterrupts()
}

func (d *LIS2DS12) Snapshot() []registers.Dump {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs.Snapshot()
}

// output converts one axis of the current sample to counts.
func (d *LIS2DS12) output(axis int) int16 {
	s := d.fifo.Current()
	v := [...]float64{s.X, s.Y, s.Z}[axis]
	gain := ldsSensitivity * ldsScale[d.fullScale.Value()]
	return toInt16(v * 1000 / gain / ldsGravity)
}

// lowByte masks the bits below the resolution of the operating mode: 12
// bits in high-frequency mode, 10 in low power, 14 otherwise.
func (d *LIS2DS12) lowByte(axis int) byte {
	b := byte(d.output(axis))
	odr := d.odr.Value()
	switch {
	case d.highFreq.Value() && odr >= ldsHighFreqODR && odr < ldsLowPowerODR:
		return b & 0xF0
	case odr >= ldsLowPowerODR:
		return b & 0xC0
	}
	return b & 0xFC
}

func (d *LIS2DS12) updateInterrupts() {
	d.lines.set("int1", d.int1DRDY.Value() && d.drdy)
}

func (d *LIS2DS12) validSample(v samples.Vector3) bool {
	for _, c := range []struct {
		n string
		v float64
	}{{"x", v.X}, {"y", v.Y}, {"z", v.Z}} {
		if inRange(d.log, c.n, c.v, -ldsMaxAcceleration, ldsMaxAcceleration) != nil {
			return false
		}
	}
	return true
}

// FeedSample queues a sample in m/s^2. Out-of-range samples are dropped
// with a warning.
func (d *LIS2DS12) FeedSample(v samples.Vector3) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.validSample(v) {
		return
	}
	d.fifo.OnEmpty(nil)
	d.fifo.Feed(v)
}

func (d *LIS2DS12) parseSample(cols []string) (samples.Vector3, error) {
	v, err := samples.ParseVector(cols)
	if err != nil {
		return v, err
	}
	if !d.validSample(v) {
		return v, ErrOutOfRange
	}
	return v, nil
}

func (d *LIS2DS12) LoadSamples(path string, repeat int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return loadInto(d.fifo, path, repeat, d.parseSample)
}

// QueuedSamples returns the number of samples waiting to be latched.
func (d *LIS2DS12) QueuedSamples() int { return d.fifo.Count() }

func (d *LIS2DS12) Temperature() physic.Temperature {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fromCelsius(d.temperature)
}

func (d *LIS2DS12) SetTemperature(t physic.Temperature) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.temperature = clamp(d.log, "temperature", celsius(t), ldsMinTemperature, ldsMaxTemperature)
}

func (d *LIS2DS12) Properties() map[string]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.fifo.Current()
	return map[string]float64{
		"x":           s.X,
		"y":           s.Y,
		"z":           s.Z,
		"temperature": d.temperature,
		"queued":      float64(d.fifo.Count()),
	}
}

// SetProperty sets an axis of the current sample in m/s^2, or the
// temperature.
func (d *LIS2DS12) SetProperty(name string, v float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.fifo.Current()
	switch name {
	case "x", "y", "z":
		if err := inRange(d.log, name, v, -ldsMaxAcceleration, ldsMaxAcceleration); err != nil {
			return err
		}
		switch name {
		case "x":
			s.X = v
		case "y":
			s.Y = v
		default:
			s.Z = v
		}
		d.fifo.SetCurrent(s)
		d.fifo.SetDefault(s)
	case "temperature":
		d.temperature = clamp(d.log, name, v, ldsMinTemperature, ldsMaxTemperature)
	default:
		return unknownProperty(name)
	}
	return nil
}

func (d *LIS2DS12) Lines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lines.names()
}

func (d *LIS2DS12) Connect(line string, l irq.Line) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.lines.connect(line, l); err != nil {
		return err
	}
	d.updateInterrupts()
	return nil
}
