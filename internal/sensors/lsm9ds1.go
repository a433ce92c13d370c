package sensors

import (
	"fmt"
	"log/slog"
	"sync"

	"periph.io/x/conn/v3/physic"

	"github.com/micro-nova/sensorsim/internal/bus"
	"github.com/micro-nova/sensorsim/internal/registers"
	"github.com/micro-nova/sensorsim/internal/samples"
)

// LSM9DS1 accelerometer and gyroscope register addresses.
const (
	lsmWhoAmI    = 0x0F
	lsmCtrl1G    = 0x10
	lsmOutTempL  = 0x15
	lsmStatus    = 0x17
	lsmOutXLG    = 0x18
	lsmCtrl6XL   = 0x20
	lsmCtrl8     = 0x22
	lsmStatusDup = 0x27
	lsmOutXLXL   = 0x28
	lsmFIFOSrc   = 0x2F

	lsmDeviceID = 0x68
	// the address phase carries 7 address bits and wraps at 0x80
	lsmAddressSpace = 0x80
	lsmFIFODepth    = 32

	lsmMaxAcceleration = 16.0   // g
	lsmMaxRate         = 2000.0 // dps
	lsmMinTemperature  = -40.0
	lsmMaxTemperature  = 85.0
	// OUT_TEMP reads 0 at 25 C, 16 LSB per degree
	lsmTemperatureZero = 25.0
	lsmLSBPerDegree    = 16
)

type lsmGyroScale uint8

const (
	lsmDPS245  lsmGyroScale = 0
	lsmDPS500  lsmGyroScale = 1
	lsmDPS2000 lsmGyroScale = 3
)

// counts per dps
func (s lsmGyroScale) sensitivity() float64 {
	switch s {
	case lsmDPS500:
		return 60
	case lsmDPS2000:
		return 15
	}
	return 120
}

// lsmAccelSensitivity is counts per g per FS_XL code: 2, 16, 4 and 8 g.
var lsmAccelSensitivity = [4]float64{16384, 2048, 8192, 4096}

var lsmTagged = map[uint16]string{
	0x04: "ACT_THS",
	0x05: "ACT_DUR",
	0x06: "INT_GEN_CFG_XL",
	0x07: "INT_GEN_THS_X_XL",
	0x08: "INT_GEN_THS_Y_XL",
	0x09: "INT_GEN_THS_Z_XL",
	0x0A: "INT_GEN_DUR_XL",
	0x0B: "REFERENCE_G",
	0x0C: "INT1_CTRL",
	0x0D: "INT2_CTRL",
	0x11: "CTRL_REG2_G",
	0x12: "CTRL_REG3_G",
	0x13: "ORIENT_CFG_G",
	0x14: "INT_GEN_SRC_G",
	0x1E: "CTRL_REG4",
	0x1F: "CTRL_REG5_XL",
	0x21: "CTRL_REG7_XL",
	0x23: "CTRL_REG9",
	0x24: "CTRL_REG10",
	0x26: "INT_GEN_SRC_XL",
	0x2E: "FIFO_CTRL",
	0x30: "INT_GEN_CFG_G",
	0x31: "INT_GEN_THS_XH_G",
	0x32: "INT_GEN_THS_XL_G",
	0x33: "INT_GEN_THS_YH_G",
	0x34: "INT_GEN_THS_YL_G",
	0x35: "INT_GEN_THS_ZH_G",
	0x36: "INT_GEN_THS_ZL_G",
	0x37: "INT_GEN_DUR_G",
}

// LSM9DS1 models the accelerometer and gyroscope of the ST LSM9DS1 IMU;
// the magnetometer answers on its own address and is not modelled.
// Acceleration is in g, angular rate in dps, temperature in Celsius.
//
// The first byte after START is the register address; the rest of the
// transaction, STOPs aside, is data. With IF_ADD_INC set the address
// advances after every byte and wraps from 0x7F to 0x00. Reading from
// OUT_X_L_XL latches the next queued acceleration sample.
type LSM9DS1 struct {
	mu    sync.Mutex
	name  string
	log   *slog.Logger
	regs  *registers.Collection
	tx    *bus.Transaction
	accel *samples.FIFO[samples.Vector3]

	rate        samples.Vector3
	temperature float64

	autoInc   *registers.Flag
	gyroScale *registers.Enum[lsmGyroScale]
	accelFS   *registers.Value
}

var (
	_ I2CDevice         = (*LSM9DS1)(nil)
	_ VectorSampler     = (*LSM9DS1)(nil)
	_ TemperatureSensor = (*LSM9DS1)(nil)
)

func NewLSM9DS1(opts Options) *LSM9DS1 {
	const kind = "lsm9ds1"
	d := &LSM9DS1{
		name:        opts.name(kind),
		log:         opts.logger(kind),
		temperature: lsmTemperatureZero,
	}
	d.accel = samples.NewFIFO(samples.Config[samples.Vector3]{
		Name:         d.name,
		Mode:         samples.StopWhenFull,
		ClearOnEmpty: true,
	})
	d.regs = registers.NewByteCollection(d.name, registers.WithLogger(d.log))
	d.define()
	d.tx = bus.NewTransaction(bus.Bytes(d.regs), bus.Config{
		Name:        d.name,
		AddressMask: lsmAddressSpace - 1,
		Next:        bus.Conditional(d.autoInc.Value, bus.Modulo(lsmAddressSpace)),
		Stop:        bus.StopKeepsAddress,
		Logger:      d.log,
	})
	return d
}

func (d *LSM9DS1) define() {
	for addr, name := range lsmTagged {
		d.regs.Define(addr, name, 0).Tagged(name, 0, 8)
	}
	d.regs.Define(lsmWhoAmI, "WHO_AM_I", lsmDeviceID).DefineValue(0, 8, "who_am_i", registers.Read)

	g1 := d.regs.Define(lsmCtrl1G, "CTRL_REG1_G", 0)
	g1.Tagged("BW_G", 0, 2)
	g1.Reserved(2, 1)
	d.gyroScale = registers.DefineEnum[lsmGyroScale](g1, 3, 2, "fs_g",
		registers.Known(uint64(lsmDPS245), uint64(lsmDPS500), uint64(lsmDPS2000)))
	g1.Tagged("ODR_G", 5, 3)

	word := func(addr uint16, name string, fn func() int16) {
		d.regs.Define(addr, name+"_L", 0).DefineValue(0, 8, "low", registers.Read,
			registers.Provider(func() uint64 { return uint64(byte(fn())) }))
		d.regs.Define(addr+1, name+"_H", 0).DefineValue(0, 8, "high", registers.Read,
			registers.Provider(func() uint64 { return uint64(uint16(fn()) >> 8) }))
	}
	word(lsmOutTempL, "OUT_TEMP", func() int16 {
		return toInt16((d.temperature - lsmTemperatureZero) * lsmLSBPerDegree)
	})
	for i, axis := range []string{"X", "Y", "Z"} {
		i := i
		word(lsmOutXLG+uint16(2*i), "OUT_"+axis+"_G", func() int16 { return d.gyroOutput(i) })
		word(lsmOutXLXL+uint16(2*i), "OUT_"+axis+"_XL", func() int16 { return d.accelOutput(i) })
	}

	// new data is always available
	for _, s := range []struct {
		addr uint16
		name string
	}{{lsmStatus, "STATUS_REG"}, {lsmStatusDup, "STATUS_REG_XL"}} {
		r := d.regs.Define(s.addr, s.name, 0x07)
		r.DefineValue(0, 3, "da", registers.Read)
		r.Tagged("EVENTS", 3, 5)
	}

	x6 := d.regs.Define(lsmCtrl6XL, "CTRL_REG6_XL", 0)
	x6.Tagged("BW_XL", 0, 2)
	x6.Tagged("BW_SCAL_ODR", 2, 1)
	d.accelFS = x6.DefineValue(3, 2, "fs_xl")
	x6.Tagged("ODR_XL", 5, 3)

	c8 := d.regs.Define(lsmCtrl8, "CTRL_REG8", 0x04)
	c8.DefineFlag(0, "sw_reset", registers.Write, registers.OnFlagWrite(func(v bool) {
		if v {
			d.log.Info("software reset")
			d.softReset()
		}
	}))
	c8.Tagged("BLE", 1, 1)
	d.autoInc = c8.DefineFlag(2, "if_add_inc")
	c8.Tagged("SIM", 3, 1)
	c8.Tagged("PP_OD", 4, 1)
	c8.Tagged("H_LACTIVE", 5, 1)
	c8.Tagged("BDU", 6, 1)
	c8.Tagged("BOOT", 7, 1)

	fs := d.regs.Define(lsmFIFOSrc, "FIFO_SRC", 0)
	fs.DefineValue(0, 6, "fss", registers.Read, registers.Provider(func() uint64 {
		return uint64(min(d.accel.Count(), lsmFIFODepth))
	}))
	fs.Tagged("OVRN", 6, 1)
	fs.Tagged("FTH", 7, 1)
}

func (d *LSM9DS1) Name() string { return d.name }
func (d *LSM9DS1) Kind() string { return "lsm9ds1" }

func (d *LSM9DS1) Write(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tx.Write(data)
}

func (d *LSM9DS1) Read(count int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if addr, ok := d.tx.Address(); ok && addr == lsmOutXLXL {
		d.accel.TryDequeueNext()
	}
	return d.tx.Read(count)
}

func (d *LSM9DS1) FinishTransmission() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tx.FinishTransmission()
}

func (d *LSM9DS1) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.softReset()
	d.tx.Reset()
}

func (d *LSM9DS1) softReset() {
	d.regs.Reset()
	d.accel.Reset()
}

func (d *LSM9DS1) Snapshot() []registers.Dump {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs.Snapshot()
}

func (d *LSM9DS1) accelOutput(axis int) int16 {
	s := d.accel.Current()
	v := [...]float64{s.X, s.Y, s.Z}[axis]
	return toInt16(v * lsmAccelSensitivity[d.accelFS.Value()])
}

func (d *LSM9DS1) gyroOutput(axis int) int16 {
	v := [...]float64{d.rate.X, d.rate.Y, d.rate.Z}[axis]
	return toInt16(v * d.gyroScale.Value().sensitivity())
}

func (d *LSM9DS1) validSample(v samples.Vector3) bool {
	for _, c := range []struct {
		n string
		v float64
	}{{"x", v.X}, {"y", v.Y}, {"z", v.Z}} {
		if inRange(d.log, c.n, c.v, -lsmMaxAcceleration, lsmMaxAcceleration) != nil {
			return false
		}
	}
	return true
}

// FeedSample queues an acceleration sample in g.
func (d *LSM9DS1) FeedSample(v samples.Vector3) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.validSample(v) {
		return
	}
	d.accel.OnEmpty(nil)
	d.accel.Feed(v)
}

func (d *LSM9DS1) LoadSamples(path string, repeat int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return loadInto(d.accel, path, repeat, func(cols []string) (samples.Vector3, error) {
		v, err := samples.ParseVector(cols)
		if err == nil && !d.validSample(v) {
			err = ErrOutOfRange
		}
		return v, err
	})
}

// QueuedSamples returns the number of acceleration samples waiting.
func (d *LSM9DS1) QueuedSamples() int { return d.accel.Count() }

func (d *LSM9DS1) Temperature() physic.Temperature {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fromCelsius(d.temperature)
}

func (d *LSM9DS1) SetTemperature(t physic.Temperature) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.temperature = clamp(d.log, "temperature", celsius(t), lsmMinTemperature, lsmMaxTemperature)
}

func (d *LSM9DS1) Properties() map[string]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	a := d.accel.Default()
	return map[string]float64{
		"x":           a.X,
		"y":           a.Y,
		"z":           a.Z,
		"gx":          d.rate.X,
		"gy":          d.rate.Y,
		"gz":          d.rate.Z,
		"temperature": d.temperature,
		"queued":      float64(d.accel.Count()),
	}
}

// SetProperty sets the idle acceleration x, y, z in g, the angular rate
// gx, gy, gz in dps, or the temperature.
func (d *LSM9DS1) SetProperty(name string, v float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch name {
	case "x", "y", "z":
		if err := inRange(d.log, name, v, -lsmMaxAcceleration, lsmMaxAcceleration); err != nil {
			return err
		}
		a := d.accel.Default()
		*axisOf(&a, name) = v
		d.accel.SetDefault(a)
		if d.accel.Count() == 0 {
			d.accel.SetCurrent(a)
		}
	case "gx", "gy", "gz":
		if err := inRange(d.log, name, v, -lsmMaxRate, lsmMaxRate); err != nil {
			return err
		}
		*axisOf(&d.rate, name[1:]) = v
	case "temperature":
		d.temperature = clamp(d.log, name, v, lsmMinTemperature, lsmMaxTemperature)
	default:
		return unknownProperty(name)
	}
	return nil
}

func axisOf(v *samples.Vector3, axis string) *float64 {
	switch axis {
	case "x":
		return &v.X
	case "y":
		return &v.Y
	case "z":
		return &v.Z
	}
	panic(fmt.Sprintf("sensors: unknown axis %q", axis))
}
