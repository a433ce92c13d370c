package sensors

import (
	"log/slog"
	"math"
	"sync"

	"periph.io/x/conn/v3/physic"

	"github.com/micro-nova/sensorsim/internal/bus"
	"github.com/micro-nova/sensorsim/internal/registers"
)

const (
	fgStatus = 0x00

	fgVoltLSB     = 78.125e-6 // V
	fgCurrentLSB  = 0.078125  // mA
	fgCapacityLSB = 0.5       // mAh
)

// gaugeQuantity is one physical input of the fuel gauge and the registers
// that report it.
type gaugeQuantity struct {
	name   string
	lo, hi float64
	regs   map[uint16]string
	encode func(v float64) uint16
}

func encodeSigned(scale float64) func(float64) uint16 {
	return func(v float64) uint16 { return uint16(toInt16(v * scale)) }
}

func encodeUnsigned(scale float64) func(float64) uint16 {
	return func(v float64) uint16 { return toUint16(v * scale) }
}

var gaugeQuantities = []gaugeQuantity{
	{"temperature", math.MinInt16 / 256.0, math.MaxInt16 / 256.0,
		map[uint16]string{0x08: "Temp", 0x16: "AvgTA"}, encodeSigned(256)},
	{"voltage", 0, math.MaxUint16 * fgVoltLSB,
		map[uint16]string{0x09: "VCell", 0x19: "AvgVCell"}, encodeUnsigned(1 / fgVoltLSB)},
	{"current", math.MinInt16 * fgCurrentLSB, math.MaxInt16 * fgCurrentLSB,
		map[uint16]string{0x0A: "Current", 0x0B: "AvgCurrent"}, encodeSigned(1 / fgCurrentLSB)},
	{"soc", 0, math.MaxUint16 / 256.0,
		map[uint16]string{0x06: "RepSOC"}, encodeUnsigned(256)},
	{"age", 0, math.MaxUint16 / 256.0,
		map[uint16]string{0x07: "Age"}, encodeUnsigned(256)},
	{"cycles", 0, math.MaxUint16 / 100.0,
		map[uint16]string{0x17: "Cycles"}, encodeUnsigned(100)},
	{"reported_capacity", 0, math.MaxUint16 * fgCapacityLSB,
		map[uint16]string{0x05: "RepCap"}, encodeUnsigned(1 / fgCapacityLSB)},
	{"qresidual", 0, math.MaxUint16 * fgCapacityLSB,
		map[uint16]string{0x0C: "QResidual"}, encodeUnsigned(1 / fgCapacityLSB)},
	{"mix_capacity", 0, math.MaxUint16 * fgCapacityLSB,
		map[uint16]string{0x0F: "MixCap"}, encodeUnsigned(1 / fgCapacityLSB)},
	{"full_capacity", 0, math.MaxUint16 * fgCapacityLSB,
		map[uint16]string{0x10: "FullCap"}, encodeUnsigned(1 / fgCapacityLSB)},
	{"design_capacity", 0, math.MaxUint16 * fgCapacityLSB,
		map[uint16]string{0x18: "DesignCap"}, encodeUnsigned(1 / fgCapacityLSB)},
	{"available_capacity", 0, math.MaxUint16 * fgCapacityLSB,
		map[uint16]string{0x1F: "AvCap"}, encodeUnsigned(1 / fgCapacityLSB)},
}

// Configuration registers firmware writes during gauge setup. They are
// stored but have no effect on the reported values.
var gaugeConfig = map[uint16]string{
	0x01: "VAlrtTh",
	0x02: "TAlrtTh",
	0x03: "SAlrtTh",
	0x04: "AtRate",
	0x1D: "Config",
	0x1E: "IChgTerm",
	0x28: "LearnCfg",
	0x29: "FilterCfg",
	0x2A: "RelaxCfg",
	0x2B: "MiscCfg",
	0x3A: "VEmpty",
	0xBB: "Config2",
}

// MAX77818 models the fuel gauge of the Maxim charger/gauge PMIC. Its
// 16-bit registers travel LSB first; an address-only write arms a read.
type MAX77818 struct {
	mu     sync.Mutex
	name   string
	log    *slog.Logger
	regs   *registers.Collection
	tx     *bus.Transaction
	values map[string]float64
}

var (
	_ I2CDevice         = (*MAX77818)(nil)
	_ TemperatureSensor = (*MAX77818)(nil)
)

func NewMAX77818(opts Options) *MAX77818 {
	const kind = "max77818"
	d := &MAX77818{
		name:   opts.name(kind),
		log:    opts.logger(kind),
		values: make(map[string]float64, len(gaugeQuantities)),
	}
	d.regs = registers.NewWordCollection(d.name, registers.WithLogger(d.log))
	d.define()
	d.tx = bus.NewTransaction(bus.Words(d.regs, registers.LSBFirst), bus.Config{
		Name:                  d.name,
		Next:                  bus.Lanes(bus.Fixed(2), bus.Always()),
		ArmReadOnAddress:      true,
		DropWriteWhileReading: true,
		RejectReadAfterWrite:  true,
		Stop:                  bus.StopClears,
		OnError:               bus.EmptyOnError,
		UnaddressedReadLevel:  slog.LevelError,
		Logger:                d.log,
	})
	return d
}

func (d *MAX77818) define() {
	st := d.regs.Define(fgStatus, "Status", 0x0002)
	st.Tagged("status_lo", 0, 1)
	st.DefineFlag(1, "por")
	st.Tagged("status_hi", 2, 14)

	for addr, name := range gaugeConfig {
		d.regs.Define(addr, name, 0).Tagged(name, 0, 16)
	}
	for _, q := range gaugeQuantities {
		q := q
		for addr, name := range q.regs {
			d.regs.Define(addr, name, 0).DefineValue(0, 16, name, registers.Read,
				registers.Provider(func() uint64 { return uint64(q.encode(d.values[q.name])) }))
		}
	}
}

func (d *MAX77818) Name() string { return d.name }
func (d *MAX77818) Kind() string { return "max77818" }

func (d *MAX77818) Write(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tx.Write(data)
}

func (d *MAX77818) Read(count int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tx.Read(count)
}

func (d *MAX77818) FinishTransmission() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tx.FinishTransmission()
}

// Reset restores the registers. The physical inputs are kept.
func (d *MAX77818) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regs.Reset()
	d.tx.Reset()
}

func (d *MAX77818) Snapshot() []registers.Dump {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs.Snapshot()
}

func (d *MAX77818) Temperature() physic.Temperature {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fromCelsius(d.values["temperature"])
}

func (d *MAX77818) SetTemperature(t physic.Temperature) {
	d.SetProperty("temperature", celsius(t))
}

// SetCurrent sets the battery current; negative is discharge.
func (d *MAX77818) SetCurrent(i physic.ElectricCurrent) {
	d.SetProperty("current", float64(i)/float64(physic.MilliAmpere))
}

// SetVoltage sets the cell voltage.
func (d *MAX77818) SetVoltage(v physic.ElectricPotential) {
	d.SetProperty("voltage", float64(v)/float64(physic.Volt))
}

func (d *MAX77818) Properties() map[string]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]float64, len(d.values))
	for _, q := range gaugeQuantities {
		out[q.name] = d.values[q.name]
	}
	return out
}

// SetProperty sets a physical input in the units the registers report:
// Celsius, volts, milliamperes, milliampere-hours, percent and cycles.
// Values the register cannot hold are clamped with a warning.
func (d *MAX77818) SetProperty(name string, v float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, q := range gaugeQuantities {
		if q.name == name {
			d.values[name] = clamp(d.log, name, v, q.lo, q.hi)
			return nil
		}
	}
	return unknownProperty(name)
}
