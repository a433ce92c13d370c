package sensors

import (
	"log/slog"
	"math"
	"sync"

	"periph.io/x/conn/v3/physic"

	"github.com/micro-nova/sensorsim/internal/bus"
	"github.com/micro-nova/sensorsim/internal/clock"
	"github.com/micro-nova/sensorsim/internal/irq"
	"github.com/micro-nova/sensorsim/internal/registers"
	"github.com/micro-nova/sensorsim/internal/samples"
)

// AS6221 register addresses.
const (
	asTVal   = 0x00
	asConfig = 0x01
	asTLow   = 0x02
	asTHigh  = 0x03

	asLSBPerDegree = 128
)

// conversion rates selected by CONFIG.CR
var asRates = [4]float64{0.25, 1, 4, 8}

// consecutive faults selected by CONFIG.CF
var asFaults = [4]int{1, 2, 4, 6}

// AS6221 models the ams OSRAM digital temperature sensor: 16-bit registers
// sent MSB first, 1/128 C per LSB, and an ALERT output in comparator or
// interrupt mode.
//
// In continuous mode TVAL follows the temperature immediately; with a
// scheduler it is also refreshed at the conversion rate from an attached
// stream. In sleep mode TVAL only changes on a single-shot conversion.
type AS6221 struct {
	mu     sync.Mutex
	name   string
	log    *slog.Logger
	sched  clock.Scheduler
	regs   *registers.Collection
	tx     *bus.Transaction
	lines  lines
	task   clock.Task
	stream samples.Stream[float64]

	temp   float64
	tval   int16
	above  bool
	faults int
	alert  bool

	singleShot *registers.Flag
	faultCfg   *registers.Value
	polarity   *registers.Flag
	intMode    *registers.Flag
	sleep      *registers.Flag
	rate       *registers.Value
	tLow       *registers.Value
	tHigh      *registers.Value
}

var (
	_ I2CDevice         = (*AS6221)(nil)
	_ TemperatureSensor = (*AS6221)(nil)
	_ ScalarStreamer    = (*AS6221)(nil)
	_ InterruptSource   = (*AS6221)(nil)
)

func NewAS6221(opts Options) *AS6221 {
	const kind = "as6221"
	d := &AS6221{
		name:  opts.name(kind),
		log:   opts.logger(kind),
		sched: opts.Scheduler,
		lines: newLines("alert"),
	}
	d.regs = registers.NewWordCollection(d.name, registers.WithLogger(d.log))
	d.define()
	// The pointer byte selects the register for all later reads, and the
	// register repeats when more than two bytes are read.
	d.tx = bus.NewTransaction(bus.Words(d.regs, registers.MSBFirst), bus.Config{
		Name:              d.name,
		Next:              bus.Lanes(bus.Fixed(2), bus.Never()),
		AddressEveryWrite: true,
		Stop:              bus.StopKeepsAddress,
		OnError:           bus.ZerosOnError,
		Logger:            d.log,
	})
	d.reset()
	return d
}

func (d *AS6221) define() {
	d.regs.Define(asTVal, "TVAL", 0).DefineValue(0, 16, "tval", registers.Read,
		registers.Provider(func() uint64 { return uint64(uint16(d.tval)) }))

	restart := registers.OnChange(func(_, _ uint64) { d.restartConversions() })
	c := d.regs.Define(asConfig, "CONFIG", 0x40A0)
	c.Reserved(0, 5)
	c.DefineFlag(5, "al", registers.Read, registers.FlagProvider(d.level))
	d.rate = c.DefineValue(6, 2, "cr", restart)
	d.sleep = c.DefineFlag(8, "sm", restart)
	d.intMode = c.DefineFlag(9, "im", registers.OnFlagChange(func(bool) {
		d.alert = d.above && !d.intMode.Value()
		d.updateAlert()
	}))
	d.polarity = c.DefineFlag(10, "pol", registers.OnFlagChange(func(bool) { d.updateAlert() }))
	d.faultCfg = c.DefineValue(11, 2, "cf")
	c.Reserved(13, 2)
	d.singleShot = c.DefineFlag(15, "ss", registers.OnFlagWrite(func(v bool) {
		if !v {
			return
		}
		if d.sleep.Value() {
			d.convert()
		}
		d.singleShot.SetValue(false)
	}))

	d.tLow = d.regs.Define(asTLow, "TLOW", 0x4B00).DefineValue(0, 16, "tlow")
	d.tHigh = d.regs.Define(asTHigh, "THIGH", 0x5000).DefineValue(0, 16, "thigh")
}

func (d *AS6221) Name() string { return d.name }
func (d *AS6221) Kind() string { return "as6221" }

func (d *AS6221) Write(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tx.Write(data)
}

// Read returns register bytes. In interrupt mode any read clears the alert.
func (d *AS6221) Read(count int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.tx.Read(count)
	if d.intMode.Value() && d.alert {
		d.alert = false
		d.updateAlert()
	}
	return out
}

func (d *AS6221) FinishTransmission() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tx.FinishTransmission()
}

func (d *AS6221) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reset()
}

func (d *AS6221) reset() {
	d.regs.Reset()
	d.tx.Reset()
	d.tx.Select(asTVal)
	d.above, d.alert, d.faults = false, false, 0
	d.convert()
	d.restartConversions()
}

func (d *AS6221) Snapshot() []registers.Dump {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs.Snapshot()
}

// code converts Celsius to a TVAL code, saturating with a warning.
func (d *AS6221) code(c float64) int16 {
	c = clamp(d.log, "temperature", c, float64(math.MinInt16)/asLSBPerDegree, float64(math.MaxInt16)/asLSBPerDegree)
	return toInt16(c * asLSBPerDegree)
}

// input is the temperature the next conversion measures.
func (d *AS6221) input() float64 {
	if d.stream != nil && d.sched != nil {
		if v, status := d.stream.TryGetSampleAtOrBefore(d.sched.Now()); status != samples.BeforeStream {
			return v
		}
	}
	return d.temp
}

func (d *AS6221) convert() {
	d.tval = d.code(d.input())
	d.evaluate()
}

// evaluate runs the fault counter against the thresholds. The alert side
// switches after CF consecutive conversions past the threshold.
func (d *AS6221) evaluate() {
	var past bool
	if d.above {
		past = d.tval < int16(d.tLow.Value())
	} else {
		past = d.tval >= int16(d.tHigh.Value())
	}
	if !past {
		d.faults = 0
		return
	}
	d.faults++
	if d.faults < asFaults[d.faultCfg.Value()] {
		return
	}
	d.faults = 0
	d.above = !d.above
	if d.intMode.Value() {
		d.alert = true
	} else {
		d.alert = d.above
	}
	d.updateAlert()
}

// level is the ALERT pin and CONFIG.AL bit: active drives the pin to POL.
func (d *AS6221) level() bool {
	return d.alert == d.polarity.Value()
}

func (d *AS6221) updateAlert() {
	d.lines.set("alert", d.level())
}

func (d *AS6221) restartConversions() {
	if d.task != nil {
		d.task.Stop()
		d.task = nil
	}
	if d.sched == nil || d.sleep.Value() {
		return
	}
	d.task = d.sched.Every(asRates[d.rate.Value()], func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.convert()
	})
}

func (d *AS6221) Temperature() physic.Temperature {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fromCelsius(d.temp)
}

func (d *AS6221) SetTemperature(t physic.Temperature) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setTemperature(celsius(t))
}

func (d *AS6221) setTemperature(c float64) {
	d.temp = c
	if !d.sleep.Value() {
		d.convert()
	}
}

func (d *AS6221) AttachStream(s samples.Stream[float64]) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sched == nil {
		return ErrNoScheduler
	}
	d.stream = s
	return nil
}

func (d *AS6221) DetachStream() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stream = nil
}

func (d *AS6221) Properties() map[string]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]float64{
		"temperature": d.temp,
		"tval":        float64(d.tval) / asLSBPerDegree,
		"alert":       boolFloat(d.alert),
	}
}

func (d *AS6221) SetProperty(name string, v float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if name != "temperature" {
		return unknownProperty(name)
	}
	d.setTemperature(v)
	return nil
}

func (d *AS6221) Lines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lines.names()
}

func (d *AS6221) Connect(line string, l irq.Line) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.lines.connect(line, l); err != nil {
		return err
	}
	d.updateAlert()
	return nil
}
