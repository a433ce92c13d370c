package sensors

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"periph.io/x/conn/v3/physic"

	"github.com/micro-nova/sensorsim/internal/bus"
	"github.com/micro-nova/sensorsim/internal/clock"
	"github.com/micro-nova/sensorsim/internal/irq"
	"github.com/micro-nova/sensorsim/internal/registers"
	"github.com/micro-nova/sensorsim/internal/samples"
)

// MAX30208 register addresses.
const (
	maxStatus      = 0x00
	maxIntEnable   = 0x01
	maxFIFOWrPtr   = 0x04
	maxFIFORdPtr   = 0x05
	maxFIFOOvf     = 0x06
	maxFIFOCount   = 0x07
	maxFIFOData    = 0x08
	maxFIFOConf1   = 0x09
	maxFIFOConf2   = 0x0A
	maxSystemCtrl  = 0x0C
	maxAlarmHiMSB  = 0x10
	maxAlarmHiLSB  = 0x11
	maxAlarmLoMSB  = 0x12
	maxAlarmLoLSB  = 0x13
	maxTempSetup   = 0x14
	maxGPIOSetup   = 0x20
	maxGPIOControl = 0x21
	maxPartID1     = 0x31
	maxPartIDReg   = 0xFF

	maxPartID   = 0x30
	maxFIFOSize = 32
	maxConvTime = 15 * time.Millisecond
	// 0.005 C per LSB
	maxLSBPerDegree = 200
	maxOvfLimit     = 31
)

type maxGPIOMode uint8

const (
	maxGPIOInput maxGPIOMode = iota
	maxGPIOOutput
	maxGPIOPulldown
	// INTB on GPIO0, CONVERT on GPIO1
	maxGPIOIntConv
)

// MAX30208 models the Maxim digital temperature sensor with its 32-sample
// result FIFO. A conversion takes the next queued input temperature, else
// the attached stream at the current time, else the default temperature.
type MAX30208 struct {
	mu    sync.Mutex
	name  string
	log   *slog.Logger
	sched clock.Scheduler
	regs  *registers.Collection
	tx    *bus.Transaction
	lines lines

	// results holds raw codes; inputs holds temperatures in Celsius
	// waiting for a conversion.
	results *samples.FIFO[int16]
	inputs  *samples.FIFO[float64]
	stream  samples.Stream[float64]

	conv     clock.Task
	lsbNext  bool
	wrPtr    uint8
	rdPtr    uint8
	overflow uint8
	convPin  bool

	stReady, stHigh, stLow, stAFull *registers.Flag
	ieReady, ieHigh, ieLow, ieAFull *registers.Flag

	aFullThresh *registers.Value
	rollover    *registers.Flag
	aFullType   *registers.Flag
	statClear   *registers.Flag
	convert     *registers.Flag
	alarmHi     [2]*registers.Value
	alarmLo     [2]*registers.Value
	gpio0Mode   *registers.Enum[maxGPIOMode]
	gpio1Mode   *registers.Enum[maxGPIOMode]
	gpio0Level  *registers.Flag
	gpio1Level  *registers.Flag
}

var (
	_ I2CDevice         = (*MAX30208)(nil)
	_ TemperatureSensor = (*MAX30208)(nil)
	_ ScalarSampler     = (*MAX30208)(nil)
	_ ScalarStreamer    = (*MAX30208)(nil)
	_ InterruptSource   = (*MAX30208)(nil)
	_ Driven            = (*MAX30208)(nil)
)

func NewMAX30208(opts Options) *MAX30208 {
	const kind = "max30208"
	d := &MAX30208{
		name:    opts.name(kind),
		log:     opts.logger(kind),
		sched:   opts.Scheduler,
		lines:   newLines("gpio0", "gpio1"),
		convPin: true,
	}
	d.results = samples.NewFIFO(samples.Config[int16]{
		Name:     d.name,
		Capacity: maxFIFOSize,
		Mode:     samples.StopWhenFull,
	})
	d.inputs = samples.NewFIFO(samples.Config[float64]{
		Name: d.name + "/input",
		Mode: samples.StopWhenFull,
	})
	d.regs = registers.NewByteCollection(d.name, registers.WithLogger(d.log))
	d.define()
	// Every write starts with the register address and the address never
	// advances, so consecutive FIFO_DATA reads stream the queue.
	d.tx = bus.NewTransaction(bus.Bytes(d.regs), bus.Config{
		Name:                 d.name,
		Next:                 bus.Never(),
		AddressEveryWrite:    true,
		Stop:                 bus.StopClears,
		OnError:              bus.EmptyOnError,
		UnaddressedReadLevel: slog.LevelError,
		Logger:               d.log,
	})
	d.reset()
	return d
}

func (d *MAX30208) define() {
	update := registers.OnChange(func(_, _ uint64) { d.updateOutputs() })

	st := d.regs.Define(maxStatus, "STATUS", 0)
	d.stReady = st.DefineFlag(0, "temp_rdy", registers.ReadToClear)
	d.stHigh = st.DefineFlag(1, "temp_hi", registers.ReadToClear)
	d.stLow = st.DefineFlag(2, "temp_lo", registers.ReadToClear)
	st.Reserved(3, 4)
	d.stAFull = st.DefineFlag(7, "a_full", registers.ReadToClear)

	ie := d.regs.Define(maxIntEnable, "INT_EN", 0)
	d.ieReady = ie.DefineFlag(0, "temp_rdy", update)
	d.ieHigh = ie.DefineFlag(1, "temp_hi", update)
	d.ieLow = ie.DefineFlag(2, "temp_lo", update)
	ie.Reserved(3, 4)
	d.ieAFull = ie.DefineFlag(7, "a_full", update)

	counter := func(addr uint16, name string, width uint, fn func() uint64) {
		r := d.regs.Define(addr, name, 0)
		r.DefineValue(0, width, name, registers.Read, registers.Provider(fn))
		r.Reserved(width, 8-width)
	}
	counter(maxFIFOWrPtr, "FIFO_WR_PTR", 5, func() uint64 { return uint64(d.wrPtr) })
	counter(maxFIFORdPtr, "FIFO_RD_PTR", 5, func() uint64 { return uint64(d.rdPtr) })
	counter(maxFIFOOvf, "FIFO_OVF_COUNTER", 5, func() uint64 { return uint64(d.overflow) })
	counter(maxFIFOCount, "FIFO_DATA_COUNT", 6, func() uint64 { return uint64(d.results.Count()) })
	d.regs.Define(maxFIFOData, "FIFO_DATA", 0).DefineValue(0, 8, "fifo_data", registers.Read, registers.Volatile(),
		registers.Provider(func() uint64 { return uint64(d.nextDataByte()) }))

	c1 := d.regs.Define(maxFIFOConf1, "FIFO_CONF1", 0x0F)
	d.aFullThresh = c1.DefineValue(0, 5, "fifo_a_full")
	c1.Reserved(5, 3)
	c2 := d.regs.Define(maxFIFOConf2, "FIFO_CONF2", 0)
	c2.Reserved(0, 1)
	d.rollover = c2.DefineFlag(1, "fifo_ro", registers.OnFlagChange(func(bool) { d.applyRollover() }))
	d.aFullType = c2.DefineFlag(2, "a_full_type")
	d.statClear = c2.DefineFlag(3, "fifo_stat_clr")
	c2.DefineFlag(4, "flush_fifo", registers.WriteOneToClear, registers.OnFlagWrite(func(v bool) {
		if v {
			d.flush()
		}
	}))
	c2.Reserved(5, 3)

	sc := d.regs.Define(maxSystemCtrl, "SYSTEM_CTRL", 0)
	sc.DefineFlag(0, "reset", registers.Write, registers.OnFlagWrite(func(v bool) {
		if v {
			d.log.Debug("software reset")
			d.reset()
		}
	}))
	sc.Reserved(1, 7)

	d.alarmHi[0] = d.regs.Define(maxAlarmHiMSB, "ALARM_HI_MSB", 0x7F).DefineValue(0, 8, "alarm_hi_msb")
	d.alarmHi[1] = d.regs.Define(maxAlarmHiLSB, "ALARM_HI_LSB", 0xFF).DefineValue(0, 8, "alarm_hi_lsb")
	d.alarmLo[0] = d.regs.Define(maxAlarmLoMSB, "ALARM_LO_MSB", 0x80).DefineValue(0, 8, "alarm_lo_msb")
	d.alarmLo[1] = d.regs.Define(maxAlarmLoLSB, "ALARM_LO_LSB", 0x00).DefineValue(0, 8, "alarm_lo_lsb")

	ts := d.regs.Define(maxTempSetup, "TEMP_SENSOR_SETUP", 0xC0)
	d.convert = ts.DefineFlag(0, "convert_t", registers.OnFlagWrite(func(v bool) {
		if v {
			d.startConversion()
		}
	}))
	ts.Reserved(1, 5)
	ts.Tagged("rfu", 6, 2)

	gs := d.regs.Define(maxGPIOSetup, "GPIO_SETUP", 0x82)
	d.gpio0Mode = registers.DefineEnum[maxGPIOMode](gs, 0, 2, "gpio0_mode", update)
	gs.Reserved(2, 4)
	d.gpio1Mode = registers.DefineEnum[maxGPIOMode](gs, 6, 2, "gpio1_mode", update)
	gc := d.regs.Define(maxGPIOControl, "GPIO_CTRL", 0)
	d.gpio0Level = gc.DefineFlag(0, "gpio0_ll", update)
	gc.Reserved(1, 2)
	d.gpio1Level = gc.DefineFlag(3, "gpio1_ll", update)
	gc.Reserved(4, 4)

	for i := uint16(0); i < 6; i++ {
		name := fmt.Sprintf("PART_ID%d", i+1)
		d.regs.Define(maxPartID1+i, name, 0).Tagged(name, 0, 8)
	}
	d.regs.Define(maxPartIDReg, "PART_IDENTIFIER", maxPartID).DefineValue(0, 8, "part_id", registers.Read)
}

func (d *MAX30208) Name() string { return d.name }
func (d *MAX30208) Kind() string { return "max30208" }

func (d *MAX30208) Write(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tx.Write(data)
}

func (d *MAX30208) Read(count int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.tx.Read(count)
	// STATUS reads clear flags
	d.updateOutputs()
	return out
}

func (d *MAX30208) FinishTransmission() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tx.FinishTransmission()
}

func (d *MAX30208) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reset()
}

func (d *MAX30208) reset() {
	if d.conv != nil {
		d.conv.Stop()
		d.conv = nil
	}
	d.regs.Reset()
	d.tx.Reset()
	d.results.SetMode(samples.StopWhenFull)
	d.results.Reset()
	d.inputs.Reset()
	d.lsbNext = false
	d.wrPtr, d.rdPtr, d.overflow = 0, 0, 0
	d.updateOutputs()
}

func (d *MAX30208) Snapshot() []registers.Dump {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs.Snapshot()
}

// code converts Celsius to a result code, saturating at the int16 bounds.
func (d *MAX30208) code(c float64) int16 {
	c = clamp(d.log, "temperature", c, float64(math.MinInt16)/maxLSBPerDegree, float64(math.MaxInt16)/maxLSBPerDegree)
	return toInt16(math.Round(c * maxLSBPerDegree))
}

func (d *MAX30208) alarm(v [2]*registers.Value) int16 {
	return int16(v[0].Value()<<8 | v[1].Value())
}

// input is the temperature the next conversion measures.
func (d *MAX30208) input() float64 {
	if d.inputs.TryDequeueNext() {
		return d.inputs.Current()
	}
	if d.stream != nil && d.sched != nil {
		if v, status := d.stream.TryGetSampleAtOrBefore(d.sched.Now()); status != samples.BeforeStream {
			return v
		}
	}
	return d.inputs.Current()
}

func (d *MAX30208) startConversion() {
	if d.conv != nil {
		d.log.Debug("conversion already running")
		return
	}
	if d.sched == nil {
		d.measure()
		return
	}
	d.conv = d.sched.After(maxConvTime, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.conv = nil
		d.measure()
	})
}

func (d *MAX30208) measure() {
	c := d.code(d.input())
	switch {
	case d.results.Count() < maxFIFOSize:
		d.wrPtr = (d.wrPtr + 1) % maxFIFOSize
	case d.rollover.Value():
		d.overflow = min(d.overflow+1, maxOvfLimit)
		d.wrPtr = (d.wrPtr + 1) % maxFIFOSize
		d.rdPtr = (d.rdPtr + 1) % maxFIFOSize
	default:
		d.log.Debug("result FIFO full, conversion dropped")
	}
	d.results.Feed(c)

	d.stReady.SetValue(true)
	if c >= d.alarm(d.alarmHi) {
		d.stHigh.SetValue(true)
	}
	if c <= d.alarm(d.alarmLo) {
		d.stLow.SetValue(true)
	}
	// A_FULL asserts once fifo_a_full free slots remain. Type 1 asserts
	// only on the crossing sample; type 0 on every sample past it.
	limit := maxFIFOSize - int(d.aFullThresh.Value())
	n := d.results.Count()
	if (d.aFullType.Value() && n == limit) || (!d.aFullType.Value() && n >= limit) {
		d.stAFull.SetValue(true)
	}
	d.convert.SetValue(false)
	d.updateOutputs()
}

// nextDataByte returns the MSB of the next result, then its LSB.
func (d *MAX30208) nextDataByte() byte {
	if d.lsbNext {
		d.lsbNext = false
		return byte(d.results.Current())
	}
	if d.results.TryDequeueNext() {
		d.rdPtr = (d.rdPtr + 1) % maxFIFOSize
	} else {
		d.log.Warn("FIFO_DATA read with no results, returning the default temperature")
		d.results.SetCurrent(d.code(d.inputs.Current()))
	}
	if d.results.Count() == 0 {
		d.overflow = 0
	}
	d.lsbNext = true
	if d.statClear.Value() {
		d.stReady.SetValue(false)
		d.stAFull.SetValue(false)
	}
	return byte(uint16(d.results.Current()) >> 8)
}

func (d *MAX30208) applyRollover() {
	if d.rollover.Value() {
		d.results.SetMode(samples.Continuous)
	} else {
		d.results.SetMode(samples.StopWhenFull)
	}
}

func (d *MAX30208) flush() {
	d.results.Clear()
	d.lsbNext = false
	d.wrPtr, d.rdPtr, d.overflow = 0, 0, 0
	d.updateOutputs()
}

func (d *MAX30208) interrupt() bool {
	return (d.ieReady.Value() && d.stReady.Value()) ||
		(d.ieHigh.Value() && d.stHigh.Value()) ||
		(d.ieLow.Value() && d.stLow.Value()) ||
		(d.ieAFull.Value() && d.stAFull.Value())
}

// updateOutputs drives GPIO0 as the active-low INTB output or a plain
// output, and GPIO1 as a plain output.
func (d *MAX30208) updateOutputs() {
	switch d.gpio0Mode.Value() {
	case maxGPIOIntConv:
		d.lines.set("gpio0", !d.interrupt())
	case maxGPIOOutput:
		d.lines.set("gpio0", d.gpio0Level.Value())
	default:
		d.lines.set("gpio0", false)
	}
	if d.gpio1Mode.Value() == maxGPIOOutput {
		d.lines.set("gpio1", d.gpio1Level.Value())
	} else {
		d.lines.set("gpio1", false)
	}
}

// Drive sets an input pin. A falling edge on gpio1 in CONVERT mode starts
// a conversion.
func (d *MAX30208) Drive(line string, level bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if line != "gpio1" {
		d.log.Warn("unexpected input pin, only gpio1 starts conversions", "line", line)
		return fmt.Errorf("%w: %s", ErrUnknownLine, line)
	}
	falling := d.convPin && !level
	d.convPin = level
	if falling && d.gpio1Mode.Value() == maxGPIOIntConv {
		d.convert.SetValue(true)
		d.startConversion()
	}
	return nil
}

func (d *MAX30208) Temperature() physic.Temperature {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fromCelsius(d.inputs.Current())
}

// SetTemperature sets the default temperature seen by conversions.
func (d *MAX30208) SetTemperature(t physic.Temperature) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setTemperature(celsius(t))
}

func (d *MAX30208) setTemperature(c float64) {
	d.inputs.SetDefault(c)
	d.inputs.SetCurrent(c)
}

// FeedScalar queues a temperature in Celsius for the next conversion.
func (d *MAX30208) FeedScalar(c float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inputs.OnEmpty(nil)
	d.inputs.Feed(c)
}

// LoadSamples queues the temperatures of a file for upcoming conversions.
func (d *MAX30208) LoadSamples(path string, repeat int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return loadInto(d.inputs, path, repeat, samples.ParseScalar)
}

func (d *MAX30208) AttachStream(s samples.Stream[float64]) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sched == nil {
		return ErrNoScheduler
	}
	d.stream = s
	return nil
}

func (d *MAX30208) DetachStream() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stream = nil
}

// QueuedResults returns the number of conversions waiting in the result FIFO.
func (d *MAX30208) QueuedResults() int { return d.results.Count() }

func (d *MAX30208) Properties() map[string]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]float64{
		"temperature": d.inputs.Current(),
		"queued":      float64(d.results.Count()),
		"pending":     float64(d.inputs.Count()),
		"converting":  boolFloat(d.conv != nil),
	}
}

func (d *MAX30208) SetProperty(name string, v float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if name != "temperature" {
		return unknownProperty(name)
	}
	d.setTemperature(v)
	return nil
}

func (d *MAX30208) Lines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lines.names()
}

func (d *MAX30208) Connect(line string, l irq.Line) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.lines.connect(line, l); err != nil {
		return err
	}
	d.updateOutputs()
	return nil
}
