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

// LIS2DW12 register addresses.
const (
	lisOutTL      = 0x0D
	lisOutTH      = 0x0E
	lisWhoAmI     = 0x0F
	lisCtrl1      = 0x20
	lisCtrl2      = 0x21
	lisCtrl3      = 0x22
	lisCtrl4      = 0x23
	lisCtrl5      = 0x24
	lisCtrl6      = 0x25
	lisOutT       = 0x26
	lisStatus     = 0x27
	lisOutXL      = 0x28
	lisOutZH      = 0x2D
	lisFIFOCtrl   = 0x2E
	lisFIFOSample = 0x2F
	lisStatusDup  = 0x37
	lisCtrl7      = 0x3F

	lisDeviceID  = 0x44
	lisFIFODepth = 32

	lisMinTemperature  = -40.0
	lisMaxTemperature  = 85.0
	lisMaxAcceleration = 16.0
	// OUT_T reads 0 at 25 C.
	lisTemperatureZero = 25.0
)

type lisODR uint8

const (
	lisPowerDown lisODR = iota
	lisODR1_6Hz
	lisODR12_5Hz
	lisODR25Hz
	lisODR50Hz
	lisODR100Hz
	lisODR200Hz
	lisODR400Hz
	lisODR800Hz
	lisODR1600Hz
)

// Hz returns the output data rate, 0 in power down.
func (o lisODR) Hz() float64 {
	switch o {
	case lisPowerDown:
		return 0
	case lisODR1_6Hz:
		return 1.6
	case lisODR12_5Hz:
		return 12.5
	case lisODR25Hz:
		return 25
	case lisODR50Hz:
		return 50
	case lisODR100Hz:
		return 100
	case lisODR200Hz:
		return 200
	case lisODR400Hz:
		return 400
	case lisODR800Hz:
		return 800
	}
	// 0b1001 and every higher code select 1600 Hz
	return 1600
}

type lisMode uint8

const (
	lisLowPower lisMode = iota
	lisHighPerformance
	lisOnDemand
)

type lisFIFOMode uint8

const (
	lisBypass             lisFIFOMode = 0
	lisFIFO               lisFIFOMode = 1
	lisContinuousToFIFO   lisFIFOMode = 3
	lisBypassToContinuous lisFIFOMode = 4
	lisContinuous         lisFIFOMode = 6
)

// samplesMode maps a FIFO_CTRL mode onto the sample queue. Trigger events
// are not modelled, so the two trigger modes behave as their second half.
func (m lisFIFOMode) samplesMode() samples.Mode {
	switch m {
	case lisBypass:
		return samples.Bypass
	case lisFIFO:
		return samples.StopWhenFull
	case lisContinuousToFIFO, lisBypassToContinuous, lisContinuous:
		return samples.Continuous
	}
	panic("sensors: unknown lis2dw12 fifo mode")
}

// LIS2DW12 models the ST three-axis accelerometer with its 32-level FIFO.
// Acceleration is in g, temperature in degrees Celsius.
//
// The FIFO mode in FIFO_CTRL is the mode of the sample queue: in bypass a
// fed sample replaces the output immediately, in the FIFO modes it is queued
// and reading OUT_X_L moves the oldest one to the output registers.
type LIS2DW12 struct {
	mu     sync.Mutex
	name   string
	log    *slog.Logger
	regs   *registers.Collection
	tx     *bus.Transaction
	fifo   *samples.FIFO[samples.Vector3]
	lines  lines
	feeder *samples.Feeder[samples.Vector3]
	opts   Options

	temperature float64

	lpMode    *registers.Value
	mode      *registers.Enum[lisMode]
	odr       *registers.Enum[lisODR]
	autoInc   *registers.Flag
	int1DRDY  *registers.Flag
	int1FTH   *registers.Flag
	int1Full  *registers.Flag
	int2DRDY  *registers.Flag
	int2FTH   *registers.Flag
	int2Full  *registers.Flag
	int2Ovr   *registers.Flag
	int2DRDYT *registers.Flag
	fullScale *registers.Value
	threshold *registers.Value
	fifoMode  *registers.Enum[lisFIFOMode]
	intEnable *registers.Flag
	activeLow *registers.Flag
}

var (
	_ I2CDevice         = (*LIS2DW12)(nil)
	_ VectorSampler     = (*LIS2DW12)(nil)
	_ VectorStreamer    = (*LIS2DW12)(nil)
	_ InterruptSource   = (*LIS2DW12)(nil)
	_ TemperatureSensor = (*LIS2DW12)(nil)
)

func NewLIS2DW12(opts Options) *LIS2DW12 {
	const kind = "lis2dw12"
	d := &LIS2DW12{
		name:  opts.name(kind),
		log:   opts.logger(kind),
		lines: newLines("int1", "int2"),
		opts:  opts,
	}
	d.fifo = samples.NewFIFO(samples.Config[samples.Vector3]{
		Name:     d.name,
		Capacity: lisFIFODepth,
		Mode:     samples.Bypass,
	})
	d.regs = registers.NewByteCollection(d.name, registers.WithLogger(d.log))
	d.define()
	d.tx = bus.NewTransaction(bus.Bytes(d.regs), bus.Config{
		Name:    d.name,
		Stop:    bus.StopClears,
		OnError: bus.ZerosOnError,
		Next: bus.Conditional(d.autoInc.Value,
			bus.Range(lisOutXL, lisOutZH, func() bool { return d.fifoMode.Value() != lisBypass })),
		Logger: d.log,
	})
	return d
}

func (d *LIS2DW12) define() {
	update := registers.OnChange(func(_, _ uint64) { d.updateInterrupts() })

	d.regs.Define(lisOutTL, "OUT_T_L", 0).DefineValue(0, 8, "out_t_l", registers.Read,
		registers.Provider(func() uint64 { return uint64(byte(d.temperature12() << 4)) }))
	d.regs.Define(lisOutTH, "OUT_T_H", 0).DefineValue(0, 8, "out_t_h", registers.Read,
		registers.Provider(func() uint64 { return uint64(byte(d.temperature12() >> 4)) }))
	d.regs.Define(lisWhoAmI, "WHO_AM_I", lisDeviceID).DefineValue(0, 8, "who_am_i", registers.Read)

	c1 := d.regs.Define(lisCtrl1, "CTRL1", 0)
	d.lpMode = c1.DefineValue(0, 2, "lp_mode")
	d.mode = registers.DefineEnum[lisMode](c1, 2, 2, "mode")
	d.odr = registers.DefineEnum[lisODR](c1, 4, 4, "odr", registers.OnChange(func(_, _ uint64) {
		d.log.Debug("output data rate changed", "hz", d.odr.Value().Hz())
		if d.feeder != nil {
			d.feeder.SetHz(d.odr.Value().Hz())
		}
		d.updateInterrupts()
	}))

	c2 := d.regs.Define(lisCtrl2, "CTRL2", 0x04)
	c2.Tagged("SIM", 0, 1)
	c2.Tagged("I2C_DISABLE", 1, 1)
	d.autoInc = c2.DefineFlag(2, "if_add_inc")
	c2.Tagged("BDU", 3, 1)
	c2.Tagged("CS_PU_DISC", 4, 1)
	c2.Reserved(5, 1)
	c2.DefineFlag(6, "soft_reset", registers.OnFlagWrite(func(v bool) {
		if v {
			d.log.Info("soft reset")
			d.softReset()
		}
	}))
	c2.Tagged("BOOT", 7, 1)

	c3 := d.regs.Define(lisCtrl3, "CTRL3", 0)
	c3.Tagged("SLP_MODE_1", 0, 1)
	c3.Tagged("SLP_MODE_SEL", 1, 1)
	c3.Reserved(2, 1)
	d.activeLow = c3.DefineFlag(3, "h_lactive", update)
	c3.Tagged("LIR", 4, 1)
	c3.Tagged("PP_OD", 5, 1)
	c3.Tagged("ST", 6, 2)

	c4 := d.regs.Define(lisCtrl4, "CTRL4_INT1_PAD_CTRL", 0x01)
	d.int1DRDY = c4.DefineFlag(0, "int1_drdy", update)
	d.int1FTH = c4.DefineFlag(1, "int1_fth", update)
	d.int1Full = c4.DefineFlag(2, "int1_diff5", update)
	c4.Tagged("INT1_EVENTS", 3, 5)

	c5 := d.regs.Define(lisCtrl5, "CTRL5_INT2_PAD_CTRL", 0)
	d.int2DRDY = c5.DefineFlag(0, "int2_drdy", update)
	d.int2FTH = c5.DefineFlag(1, "int2_fth", update)
	d.int2Full = c5.DefineFlag(2, "int2_diff5", update)
	d.int2Ovr = c5.DefineFlag(3, "int2_ovr", update)
	d.int2DRDYT = c5.DefineFlag(4, "int2_drdy_t", update)
	c5.Tagged("INT2_EVENTS", 5, 3)

	c6 := d.regs.Define(lisCtrl6, "CTRL6", 0)
	c6.Reserved(0, 2)
	c6.Tagged("LOW_NOISE", 2, 1)
	c6.Tagged("FDS", 3, 1)
	d.fullScale = c6.DefineValue(4, 2, "fs")
	c6.Tagged("BW_FILT", 6, 2)

	d.regs.Define(lisOutT, "OUT_T", 0).DefineValue(0, 8, "out_t", registers.Read,
		registers.Provider(func() uint64 { return uint64(byte(int8(d.temperature8()))) }))

	st := d.regs.Define(lisStatus, "STATUS", 0)
	st.DefineFlag(0, "drdy", registers.Read, registers.FlagProvider(d.dataReady))
	st.Tagged("EVENTS", 1, 6)
	st.DefineFlag(7, "fifo_ths", registers.Read, registers.FlagProvider(d.thresholdReached))

	axes := []string{"X", "Y", "Z"}
	for i, axis := range axes {
		i := i
		lowOpts := []registers.Option{registers.Read,
			registers.Provider(func() uint64 { return uint64(byte(d.output(i))) })}
		if i == 0 {
			lowOpts = []registers.Option{registers.Read, registers.Volatile(),
				registers.Provider(func() uint64 {
					d.loadNextSample()
					return uint64(byte(d.output(0)))
				})}
		}
		d.regs.Define(lisOutXL+uint16(2*i), "OUT_"+axis+"_L", 0).DefineValue(0, 8, "out_l", lowOpts...)
		d.regs.Define(lisOutXL+uint16(2*i+1), "OUT_"+axis+"_H", 0).DefineValue(0, 8, "out_h", registers.Read,
			registers.Provider(func() uint64 { return uint64(d.output(i) >> 8) }))
	}

	fc := d.regs.Define(lisFIFOCtrl, "FIFO_CTRL", 0)
	d.threshold = fc.DefineValue(0, 5, "fth", update)
	d.fifoMode = registers.DefineEnum[lisFIFOMode](fc, 5, 3, "fmode",
		registers.Known(uint64(lisBypass), uint64(lisFIFO), uint64(lisContinuousToFIFO),
			uint64(lisBypassToContinuous), uint64(lisContinuous)),
		registers.OnChange(func(_, _ uint64) {
			d.fifo.SetMode(d.fifoMode.Value().samplesMode())
			d.updateInterrupts()
		}))

	fs := d.regs.Define(lisFIFOSample, "FIFO_SAMPLES", 0)
	fs.DefineValue(0, 6, "diff", registers.Read, registers.Provider(func() uint64 {
		if d.fifoMode.Value() == lisBypass {
			return 0
		}
		return uint64(min(d.fifo.Count(), lisFIFODepth))
	}))
	fs.DefineFlag(6, "fifo_ovr", registers.Read, registers.FlagProvider(d.fifo.Overrun))
	fs.DefineFlag(7, "fifo_fth", registers.Read, registers.FlagProvider(d.thresholdReached))

	tags := []string{"TAP_THS_X", "TAP_THS_Y", "TAP_THS_Z", "INT_DUR", "WAKE_UP_THS", "WAKE_UP_DUR", "FREE_FALL"}
	for i, n := range tags {
		d.regs.Define(0x30+uint16(i), n, 0).Tagged(n, 0, 8)
	}
	sd := d.regs.Define(lisStatusDup, "STATUS_DUP", 0)
	sd.DefineFlag(0, "drdy", registers.Read, registers.FlagProvider(d.dataReady))
	sd.Tagged("EVENTS", 1, 5)
	sd.DefineFlag(6, "drdy_t", registers.Read, registers.FlagProvider(d.dataReady))
	sd.DefineFlag(7, "ovr", registers.Read, registers.FlagProvider(d.fifo.Overrun))
	for i, n := range []string{"WAKE_UP_SRC", "TAP_SRC", "SIXD_SRC", "ALL_INT_SRC"} {
		d.regs.Define(0x38+uint16(i), n, 0).DefineValue(0, 8, "src", registers.Read)
	}
	for i, n := range []string{"X_OFS_USR", "Y_OFS_USR", "Z_OFS_USR"} {
		d.regs.Define(0x3C+uint16(i), n, 0).Tagged(n, 0, 8)
	}

	c7 := d.regs.Define(lisCtrl7, "CTRL7", 0)
	c7.Tagged("OFFSET_CTRL", 0, 5)
	d.intEnable = c7.DefineFlag(5, "interrupts_enable", update)
	c7.Tagged("INT2_ON_INT1", 6, 1)
	c7.Tagged("DRDY_PULSED", 7, 1)
}

func (d *LIS2DW12) Name() string { return d.name }
func (d *LIS2DW12) Kind() string { return "lis2dw12" }

func (d *LIS2DW12) Write(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tx.Write(data)
}

func (d *LIS2DW12) Read(count int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tx.Read(count)
}

func (d *LIS2DW12) FinishTransmission() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tx.FinishTransmission()
}

// Reset restores the power-on state. Queued file samples survive, an
// attached stream keeps running.
func (d *LIS2DW12) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.softReset()
	d.tx.Reset()
}

func (d *LIS2DW12) softReset() {
	d.regs.Reset()
	if d.fifo.KeepOnReset() {
		d.fifo.SetMode(samples.StopWhenFull)
	} else {
		d.fifo.SetMode(samples.Bypass)
	}
	d.fifo.Reset()
	if d.feeder != nil {
		d.feeder.SetHz(0)
	}
	d.updateInterrupts()
}

func (d *LIS2DW12) Snapshot() []registers.Dump {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs.Snapshot()
}

// loadNextSample moves the oldest queued sample to the output. FIFO_OVR
// clears once a read frees a slot.
func (d *LIS2DW12) loadNextSample() {
	if d.fifo.TryDequeueNext() {
		d.fifo.ClearOverrun()
	}
	d.updateInterrupts()
}

// resolution returns the left shift of the output word and the full-scale
// count for the selected operating mode.
func (d *LIS2DW12) resolution() (shift uint, maxValue float64) {
	if d.mode.Value() == lisLowPower && d.lpMode.Value() == 0 {
		return 4, 0x0FFF
	}
	return 2, 0x3FFF
}

// scaleDivider is the full span of the selected range in g.
func (d *LIS2DW12) scaleDivider() float64 {
	return float64(int(4) << d.fullScale.Value())
}

// output converts one axis of the current sample to the left-justified
// 16-bit output word.
func (d *LIS2DW12) output(axis int) uint16 {
	if d.odr.Value() == lisPowerDown {
		return 0
	}
	s := d.fifo.Current()
	v := [...]float64{s.X, s.Y, s.Z}[axis]
	shift, maxValue := d.resolution()
	sensitivity := d.scaleDivider() / maxValue * 1000 // mg/digit
	return uint16(toInt16(v*1000/sensitivity)) << shift
}

func (d *LIS2DW12) temperature12() uint16 {
	return uint16(toInt16(math.Trunc((d.temperature - lisTemperatureZero) * 16)))
}

func (d *LIS2DW12) temperature8() float64 {
	return math.Trunc(d.temperature - lisTemperatureZero)
}

func (d *LIS2DW12) dataReady() bool { return d.odr.Value() != lisPowerDown }

func (d *LIS2DW12) thresholdReached() bool {
	return d.fifoMode.Value() != lisBypass && d.fifo.Count() >= int(d.threshold.Value())
}

func (d *LIS2DW12) fifoFull() bool {
	return d.fifoMode.Value() != lisBypass && d.fifo.Count() >= lisFIFODepth
}

func (d *LIS2DW12) updateInterrupts() {
	var int1, int2 bool
	if d.intEnable.Value() && d.odr.Value() != lisPowerDown {
		drdy := d.dataReady()
		fth := d.thresholdReached()
		full := d.fifoFull()
		int1 = d.int1DRDY.Value() && drdy || d.int1FTH.Value() && fth || d.int1Full.Value() && full
		int2 = d.int2DRDY.Value() && drdy || d.int2FTH.Value() && fth || d.int2Full.Value() && full ||
			d.int2Ovr.Value() && d.fifo.Overrun() || d.int2DRDYT.Value() && drdy
	}
	low := d.activeLow.Value()
	d.lines.set("int1", int1 != low)
	d.lines.set("int2", int2 != low)
}

func (d *LIS2DW12) accelerationInRange(prop string, v float64) error {
	return inRange(d.log, prop, v, -lisMaxAcceleration, lisMaxAcceleration)
}

// FeedSample queues a sample in g, or replaces the output in bypass mode.
func (d *LIS2DW12) FeedSample(v samples.Vector3) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.feed(v)
}

func (d *LIS2DW12) feed(v samples.Vector3) {
	for _, c := range []struct {
		n string
		v float64
	}{{"x", v.X}, {"y", v.Y}, {"z", v.Z}} {
		if d.accelerationInRange(c.n, c.v) != nil {
			return
		}
	}
	d.fifo.Feed(v)
	d.updateInterrupts()
}

// LoadSamples feeds a sample file. The queue keeps the samples across
// resets; with no FIFO mode selected yet it starts in FIFO mode so the
// file is not collapsed into the last sample.
func (d *LIS2DW12) LoadSamples(path string, repeat int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fifo.Mode() == samples.Bypass {
		d.fifo.SetMode(samples.StopWhenFull)
	}
	if err := loadInto(d.fifo, path, repeat, samples.ParseVector); err != nil {
		return err
	}
	d.updateInterrupts()
	return nil
}

// AttachStream replays s into the sample queue at the output data rate.
// Stream time starts now; in power down the replay pauses. When the stream
// ends its last sample stays on the output.
func (d *LIS2DW12) AttachStream(s samples.Stream[samples.Vector3]) error {
	if d.opts.Scheduler == nil {
		return ErrNoScheduler
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.feeder != nil {
		d.feeder.Stop()
	}
	d.fifo.SetKeepOnReset(true)
	d.feeder = samples.NewFeeder(samples.FeederConfig[samples.Vector3]{
		Scheduler: d.opts.Scheduler,
		Stream:    s,
		Hz:        d.odr.Value().Hz(),
		Sink:      d.FeedSample,
		OnEnd: func(last samples.Vector3) {
			d.log.Info("sample stream ended", "last", last)
		},
	})
	d.feeder.Start()
	return nil
}

func (d *LIS2DW12) DetachStream() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.feeder != nil {
		d.feeder.Stop()
		d.feeder = nil
	}
}

// OutputDataRate returns the configured rate in Hz.
func (d *LIS2DW12) OutputDataRate() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.odr.Value().Hz()
}

func (d *LIS2DW12) Temperature() physic.Temperature {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fromCelsius(d.temperature)
}

// SetTemperature ignores values outside -40..85 C with a warning.
func (d *LIS2DW12) SetTemperature(t physic.Temperature) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setTemperature(celsius(t))
}

func (d *LIS2DW12) setTemperature(c float64) error {
	if err := inRange(d.log, "temperature", c, lisMinTemperature, lisMaxTemperature); err != nil {
		return err
	}
	d.temperature = c
	d.updateInterrupts()
	return nil
}

func (d *LIS2DW12) Properties() map[string]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.fifo.Current()
	return map[string]float64{
		"x":           s.X,
		"y":           s.Y,
		"z":           s.Z,
		"temperature": d.temperature,
		"odr":         d.odr.Value().Hz(),
		"queued":      float64(d.fifo.Count()),
	}
}

// SetProperty sets the output acceleration (g) or temperature (C).
// Out-of-range values are rejected.
func (d *LIS2DW12) SetProperty(name string, v float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if name == "temperature" {
		return d.setTemperature(v)
	}
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
	if err := d.accelerationInRange(name, v); err != nil {
		return err
	}
	d.fifo.SetCurrent(s)
	d.updateInterrupts()
	return nil
}

func (d *LIS2DW12) Lines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lines.names()
}

func (d *LIS2DW12) Connect(line string, l irq.Line) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.lines.connect(line, l); err != nil {
		return err
	}
	d.updateInterrupts()
	return nil
}
