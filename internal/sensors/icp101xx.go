package sensors

import (
	"fmt"
	"log/slog"
	"sync"

	"periph.io/x/conn/v3/physic"

	"github.com/micro-nova/sensorsim/internal/bus"
	"github.com/micro-nova/sensorsim/internal/clock"
	"github.com/micro-nova/sensorsim/internal/registers"
	"github.com/micro-nova/sensorsim/internal/samples"
)

// ICP-101xx commands. Measurement commands are named by operating mode and
// the order of the results.
const (
	icpLowPowerTP      = 0x609C
	icpLowPowerPT      = 0x401A
	icpNormalTP        = 0x6825
	icpNormalPT        = 0x48A3
	icpLowNoiseTP      = 0x70DF
	icpLowNoisePT      = 0x5059
	icpUltraLowNoiseTP = 0x7866
	icpUltraLowNoisePT = 0x58E0
	icpSoftReset       = 0x805D
	icpReadID          = 0xEFC8
	icpOTPPointer      = 0xC595
	icpOTPRead         = 0xC7F7

	icpProductID  = 0x08
	icpOTPAddress = 0x00669C
	// longest response is three words with their CRCs
	icpMaxResponse = 9

	icpMinTemperature = -45.0
	icpMaxTemperature = 85.0
	icpMinPressure    = 30000.0
	icpMaxPressure    = 110000.0
)

// icpMeasurements maps measurement commands to whether pressure is sent
// before temperature. The operating mode does not change the result.
var icpMeasurements = map[uint16]bool{
	icpLowPowerTP:      false,
	icpLowPowerPT:      true,
	icpNormalTP:        false,
	icpNormalPT:        true,
	icpLowNoiseTP:      false,
	icpLowNoisePT:      true,
	icpUltraLowNoiseTP: false,
	icpUltraLowNoisePT: true,
}

// Conversion constants of the pressure transfer function.
var icpCalPressures = [3]int64{45000, 80000, 105000}

const (
	icpLUTLower     = 3670016  // 3.5 << 20
	icpLUTUpper     = 12058624 // 11.5 << 20
	icpQuadFactor   = 16777216
	icpOffsetFactor = 2048
)

// icpDefaultCalibration keeps the raw pressure positive and inside 24 bits
// over the whole temperature and pressure range.
var icpDefaultCalibration = [4]uint16{620, 17540, 9475, 2945}

// ICP101xx models the TDK InvenSense ICP-10100/10101/10110/10111 barometric
// pressure sensors. The chip has no register map: every write starts with a
// 16-bit command, MSB first, and a read returns that command's response as
// 16-bit words each followed by a CRC-8. The command stays selected across
// STOP until the next command or a soft reset, and every read restarts the
// response.
type ICP101xx struct {
	mu    sync.Mutex
	name  string
	log   *slog.Logger
	sched clock.Scheduler
	tx    *bus.Transaction

	resp   []byte
	args   []byte
	cmd    uint16
	otpIdx int
	calib  [4]uint16

	temp     float64 // Celsius
	pressure float64 // Pa
	stream   samples.Stream[float64]
}

var (
	_ I2CDevice         = (*ICP101xx)(nil)
	_ TemperatureSensor = (*ICP101xx)(nil)
	_ ScalarStreamer    = (*ICP101xx)(nil)
)

func NewICP101xx(opts Options) *ICP101xx {
	const kind = "icp101xx"
	d := &ICP101xx{
		name:     opts.name(kind),
		log:      opts.logger(kind),
		sched:    opts.Scheduler,
		calib:    icpDefaultCalibration,
		pressure: icpMinPressure,
	}
	d.tx = bus.NewTransaction(bus.TargetFuncs{Read: d.responseByte, Write: d.argumentByte}, bus.Config{
		Name:                 d.name,
		AddressBytes:         2,
		Next:                 bus.Lanes(bus.Fixed(icpMaxResponse), bus.Never()),
		AddressEveryWrite:    true,
		Stop:                 bus.StopKeepsAddress,
		OnAddress:            d.onCommand,
		UnaddressedReadLevel: slog.LevelError,
		Logger:               d.log,
	})
	return d
}

func (d *ICP101xx) Name() string { return d.name }
func (d *ICP101xx) Kind() string { return "icp101xx" }

func (d *ICP101xx) Write(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tx.Write(data)
}

func (d *ICP101xx) Read(count int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tx.Read(count)
}

// FinishTransmission keeps the command; drivers select a new one or issue
// a soft reset.
func (d *ICP101xx) FinishTransmission() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tx.FinishTransmission()
}

func (d *ICP101xx) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.softReset()
}

func (d *ICP101xx) softReset() {
	d.tx.Reset()
	d.resp = nil
	d.args = d.args[:0]
	d.otpIdx = 0
}

// Snapshot reports no registers; the chip is command based.
func (d *ICP101xx) Snapshot() []registers.Dump { return nil }

func (d *ICP101xx) onCommand(cmd uint16, dataFollows bool) {
	d.cmd = cmd
	d.args = d.args[:0]
	d.log.Debug("command", "command", fmt.Sprintf("0x%04X", cmd), "data", dataFollows)
	switch _, measure := icpMeasurements[cmd]; {
	case cmd == icpSoftReset:
		d.softReset()
	case measure, cmd == icpReadID, cmd == icpOTPPointer, cmd == icpOTPRead:
	default:
		d.log.Warn("unhandled command", "command", fmt.Sprintf("0x%04X", cmd))
	}
}

// argumentByte collects the parameters written after a command.
func (d *ICP101xx) argumentByte(_ bus.Cursor, b byte) {
	d.args = append(d.args, b)
	if d.cmd != icpOTPPointer {
		if len(d.args) == 1 {
			d.log.Warn("write while handling read-only command", "command", fmt.Sprintf("0x%04X", d.cmd))
		}
		return
	}
	if len(d.args) != 3 {
		return
	}
	addr := uint32(d.args[0])<<16 | uint32(d.args[1])<<8 | uint32(d.args[2])
	if addr != icpOTPAddress {
		d.log.Error("unsupported OTP address", "addr", fmt.Sprintf("0x%06X", addr), "want", fmt.Sprintf("0x%06X", icpOTPAddress))
		return
	}
	d.otpIdx = 0
}

// responseByte serves lane n of the response, computing it when a read
// starts. Bytes past the response read as zero.
func (d *ICP101xx) responseByte(c bus.Cursor) byte {
	if c.Lane == 0 {
		d.resp = d.respond(c.Addr)
	}
	if c.Lane < len(d.resp) {
		return d.resp[c.Lane]
	}
	return 0
}

func (d *ICP101xx) respond(cmd uint16) []byte {
	var words []uint16
	switch cmd {
	case icpReadID:
		words = []uint16{icpProductID}
	case icpOTPRead:
		words = []uint16{d.calib[d.otpIdx]}
		d.otpIdx = (d.otpIdx + 1) % len(d.calib)
	case icpSoftReset, icpOTPPointer:
		d.log.Warn("read while handling write-only command", "command", fmt.Sprintf("0x%04X", cmd))
		return nil
	default:
		pressureFirst, ok := icpMeasurements[cmd]
		if !ok {
			d.log.Warn("unhandled read", "command", fmt.Sprintf("0x%04X", cmd))
			return nil
		}
		t := d.rawTemperature()
		p := d.rawPressure(t)
		// the least significant pressure byte carries no data
		pw := []uint16{uint16(p >> 8), uint16(p << 8)}
		if pressureFirst {
			words = append(pw, t)
		} else {
			words = append([]uint16{t}, pw...)
		}
	}
	out := make([]byte, 0, 3*len(words))
	for _, w := range words {
		pair := []byte{byte(w >> 8), byte(w)}
		out = append(out, pair[0], pair[1], crc8(pair))
	}
	return out
}

func (d *ICP101xx) currentPressure() float64 {
	if d.stream != nil && d.sched != nil {
		if v, status := d.stream.TryGetSampleAtOrBefore(d.sched.Now()); status != samples.BeforeStream {
			return clamp(d.log, "pressure", v, icpMinPressure, icpMaxPressure)
		}
	}
	return d.pressure
}

func (d *ICP101xx) rawTemperature() uint16 {
	return uint16((d.temp + 45) * 65536 / 175)
}

// rawPressure inverts the datasheet transfer function
// P = A + B / (C + p_raw) at the measured temperature.
func (d *ICP101xx) rawPressure(t uint16) uint32 {
	a, b, c := d.coefficients(t)
	p := int64(d.currentPressure())
	if p == a {
		d.log.Warn("pressure at the calibration pole, the sensor might be miscalibrated")
		return 0
	}
	raw := b/(p-a) - c
	if raw < 0 || raw > 0xFFFFFF {
		d.log.Warn("raw pressure out of range, the sensor might be miscalibrated", "raw", raw)
	}
	return uint32(raw)
}

func (d *ICP101xx) coefficients(tRaw uint16) (a, b, c int64) {
	t := int64(tRaw) - 32768
	lut0 := icpLUTLower + int64(d.calib[0])*t*t/icpQuadFactor
	lut1 := icpOffsetFactor*int64(d.calib[3]) + int64(d.calib[1])*t*t/icpQuadFactor
	lut2 := icpLUTUpper + int64(d.calib[2])*t*t/icpQuadFactor
	p := icpCalPressures
	c = (lut0*lut1*(p[0]-p[1]) + lut1*lut2*(p[1]-p[2]) + lut2*lut0*(p[2]-p[0])) /
		(lut2*(p[0]-p[1]) + lut0*(p[1]-p[2]) + lut1*(p[2]-p[0]))
	a = (p[0]*lut0 - p[1]*lut1 - (p[1]-p[0])*c) / (lut0 - lut1)
	b = (p[0] - a) * (lut0 + c)
	return a, b, c
}

// crc8 is the CRC-8 of the response words: polynomial 0x31, initial value
// 0xFF, no reflection.
func crc8(data []byte) byte {
	crc := byte(0xFF)
	for _, b := range data {
		crc ^= b
		for k := 0; k < 8; k++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x31
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func (d *ICP101xx) Temperature() physic.Temperature {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fromCelsius(d.temp)
}

func (d *ICP101xx) SetTemperature(t physic.Temperature) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.temp = clamp(d.log, "temperature", celsius(t), icpMinTemperature, icpMaxTemperature)
}

func (d *ICP101xx) Properties() map[string]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	props := map[string]float64{
		"temperature": d.temp,
		"pressure":    d.currentPressure(),
	}
	for i, c := range d.calib {
		props[fmt.Sprintf("c%d", i)] = float64(c)
	}
	return props
}

// SetProperty sets the temperature in Celsius, the pressure in Pa, or one
// of the OTP calibration words c0..c3.
func (d *ICP101xx) SetProperty(name string, v float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch name {
	case "temperature":
		d.temp = clamp(d.log, name, v, icpMinTemperature, icpMaxTemperature)
	case "pressure":
		d.pressure = clamp(d.log, name, v, icpMinPressure, icpMaxPressure)
	case "c0", "c1", "c2", "c3":
		if err := inRange(d.log, name, v, 0, 0xFFFF); err != nil {
			return err
		}
		d.calib[name[1]-'0'] = uint16(v)
	default:
		return unknownProperty(name)
	}
	return nil
}

// AttachStream replays pressure in Pa; it takes precedence over the
// pressure property from its first sample on.
func (d *ICP101xx) AttachStream(s samples.Stream[float64]) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sched == nil {
		return ErrNoScheduler
	}
	d.stream = s
	return nil
}

func (d *ICP101xx) DetachStream() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stream = nil
}
