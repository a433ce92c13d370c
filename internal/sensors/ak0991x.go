package sensors

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/micro-nova/sensorsim/internal/bus"
	"github.com/micro-nova/sensorsim/internal/clock"
	"github.com/micro-nova/sensorsim/internal/registers"
	"github.com/micro-nova/sensorsim/internal/samples"
)

// AK0991x register addresses.
const (
	akWIA1  = 0x00
	akWIA2  = 0x01
	akRSV1  = 0x02
	akRSV2  = 0x03
	akST1   = 0x10
	akHXL   = 0x11
	akTMPS  = 0x17
	akST2   = 0x18
	akCNTL1 = 0x30
	akCNTL2 = 0x31
	akCNTL3 = 0x32
	akTS1   = 0x33
	akTS2   = 0x34

	akCompanyID = 0x48
	// nanotesla per LSB
	akSensitivity = 150
	// measurement range in microtesla; beyond it ST2.HOFL is set
	akRange = 4912
)

// AKVariant selects the member of the AK0991x family, which differ in WIA2.
type AKVariant uint8

const (
	AK09911 AKVariant = 0x05
	AK09912 AKVariant = 0x04
	AK09915 AKVariant = 0x10
	AK09916 AKVariant = 0x09
	AK09918 AKVariant = 0x0C
)

func (v AKVariant) String() string {
	switch v {
	case AK09911:
		return "ak09911"
	case AK09912:
		return "ak09912"
	case AK09915:
		return "ak09915"
	case AK09916:
		return "ak09916"
	case AK09918:
		return "ak09918"
	}
	return fmt.Sprintf("ak0991x(%#x)", uint8(v))
}

// ParseAKVariant maps a part name such as "ak09916" to its variant.
func ParseAKVariant(s string) (AKVariant, bool) {
	for _, v := range []AKVariant{AK09911, AK09912, AK09915, AK09916, AK09918} {
		if v.String() == s {
			return v, true
		}
	}
	return 0, false
}

type akMode uint8

const (
	akPowerDown   akMode = 0x00
	akSingle      akMode = 0x01
	akContinuous1 akMode = 0x02
	akContinuous2 akMode = 0x04
	akContinuous3 akMode = 0x06
	akContinuous4 akMode = 0x08
	akSelfTest    akMode = 0x10
)

// AK0991x models the AKM three-axis magnetometers. Flux density comes from
// an attached stream sampled at the current virtual time, or from the
// default sample when no stream is attached, the stream has not started or
// the chip is powered down. Values are in microtesla.
type AK0991x struct {
	mu      sync.Mutex
	name    string
	variant AKVariant
	log     *slog.Logger
	sched   clock.Scheduler
	regs    *registers.Collection
	tx      *bus.Transaction

	def    samples.Vector3
	stream samples.Stream[samples.Vector3]
	mode   *registers.Enum[akMode]
}

var (
	_ I2CDevice      = (*AK0991x)(nil)
	_ VectorStreamer = (*AK0991x)(nil)
)

func NewAK0991x(variant AKVariant, opts Options) *AK0991x {
	kind := variant.String()
	d := &AK0991x{
		name:    opts.name(kind),
		variant: variant,
		log:     opts.logger(kind),
		sched:   opts.Scheduler,
	}
	d.regs = registers.NewByteCollection(d.name, registers.WithLogger(d.log))
	d.define()
	// A read may reuse the address of an earlier write, but a write after a
	// read needs a fresh address phase.
	d.tx = bus.NewTransaction(bus.Bytes(d.regs), bus.Config{
		Name: d.name,
		Next: bus.Jumps(map[uint16]uint16{
			akRSV2:  akST1,
			akST2:   akWIA1,
			akCNTL3: akCNTL1,
		}, bus.Always()),
		DropWriteWhileReading: true,
		Stop:                  bus.StopKeepsPending,
		Logger:                d.log,
	})
	d.softReset()
	return d
}

func (d *AK0991x) define() {
	d.regs.Define(akWIA1, "WIA1", akCompanyID).DefineValue(0, 8, "wia1", registers.Read)
	d.regs.Define(akWIA2, "WIA2", uint64(d.variant)).DefineValue(0, 8, "wia2", registers.Read)
	d.regs.Define(akRSV1, "RSV1", 0).Reserved(0, 8)
	d.regs.Define(akRSV2, "RSV2", 0).Reserved(0, 8)

	st1 := d.regs.Define(akST1, "ST1", 0)
	st1.DefineFlag(0, "drdy", registers.Read, registers.FlagProvider(func() bool { return true }))
	st1.DefineFlag(1, "dor", registers.Read)
	st1.Reserved(2, 6)

	for i, axis := range []string{"X", "Y", "Z"} {
		i := i
		d.regs.Define(akHXL+uint16(2*i), "H"+axis+"L", 0).DefineValue(0, 8, "h"+axis+"_low", registers.Read,
			registers.Provider(func() uint64 { return uint64(uint16(d.count(i))) & 0xFF }))
		d.regs.Define(akHXL+uint16(2*i+1), "H"+axis+"H", 0).DefineValue(0, 8, "h"+axis+"_high", registers.Read,
			registers.Provider(func() uint64 { return uint64(uint16(d.count(i))) >> 8 }))
	}
	d.regs.Define(akTMPS, "TMPS", 0).DefineValue(0, 8, "dummy", registers.Read)

	st2 := d.regs.Define(akST2, "ST2", 0)
	st2.Reserved(0, 3)
	st2.DefineFlag(3, "hofl", registers.Read, registers.FlagProvider(d.overflow))
	st2.Reserved(4, 4)

	d.regs.Define(akCNTL1, "CNTL1", 0).Tagged("CNTL1", 0, 8)
	c2 := d.regs.Define(akCNTL2, "CNTL2", 0)
	d.mode = registers.DefineEnum[akMode](c2, 0, 5, "mode", registers.Known(
		uint64(akPowerDown), uint64(akSingle), uint64(akContinuous1), uint64(akContinuous2),
		uint64(akContinuous3), uint64(akContinuous4), uint64(akSelfTest)))
	c2.Reserved(5, 3)
	c3 := d.regs.Define(akCNTL3, "CNTL3", 0)
	c3.DefineFlag(0, "srst",
		registers.FlagProvider(func() bool { return false }),
		registers.OnFlagWrite(func(v bool) {
			if v {
				d.softReset()
			}
		}))
	c3.Reserved(1, 7)
	d.regs.Define(akTS1, "TS1", 0).Reserved(0, 8)
	d.regs.Define(akTS2, "TS2", 0).Reserved(0, 8)
}

func (d *AK0991x) Name() string { return d.name }
func (d *AK0991x) Kind() string { return d.variant.String() }

// Variant returns the family member this model answers as.
func (d *AK0991x) Variant() AKVariant { return d.variant }

func (d *AK0991x) Write(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tx.Write(data)
}

func (d *AK0991x) Read(count int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tx.Read(count)
}

func (d *AK0991x) FinishTransmission() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tx.FinishTransmission()
}

// Reset is a soft reset that also detaches the stream.
func (d *AK0991x) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.softReset()
	d.stream = nil
}

func (d *AK0991x) softReset() {
	d.regs.Reset()
	d.tx.Reset()
	d.tx.Select(akWIA1)
}

func (d *AK0991x) Snapshot() []registers.Dump {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs.Snapshot()
}

// sample is the flux density seen by the next conversion.
func (d *AK0991x) sample() samples.Vector3 {
	if d.mode.Value() == akPowerDown {
		d.log.Warn("reading sample in power-down mode, using default")
		return d.def
	}
	if d.stream == nil || d.sched == nil {
		return d.def
	}
	s, status := d.stream.TryGetSampleAtOrBefore(d.sched.Now())
	if status == samples.BeforeStream {
		return d.def
	}
	return s
}

func (d *AK0991x) count(axis int) int16 {
	s := d.sample()
	var ut float64
	switch axis {
	case 0:
		ut = s.X
	case 1:
		ut = s.Y
	case 2:
		ut = s.Z
	default:
		panic("sensors: ak0991x axis out of range")
	}
	return toInt16(ut * 1000 / akSensitivity)
}

func (d *AK0991x) overflow() bool {
	s := d.def
	if d.stream != nil && d.sched != nil && d.mode.Value() != akPowerDown {
		if v, status := d.stream.TryGetSampleAtOrBefore(d.sched.Now()); status != samples.BeforeStream {
			s = v
		}
	}
	return math.Abs(s.X) > akRange || math.Abs(s.Y) > akRange || math.Abs(s.Z) > akRange
}

// FeedSample sets the default flux density.
func (d *AK0991x) FeedSample(v samples.Vector3) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.def = v
}

// AttachStream samples s at the scheduler's current time on every data
// register read.
func (d *AK0991x) AttachStream(s samples.Stream[samples.Vector3]) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sched == nil {
		return ErrNoScheduler
	}
	d.stream = s
	d.log.Debug("sample stream attached")
	return nil
}

func (d *AK0991x) DetachStream() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stream = nil
}

func (d *AK0991x) Properties() map[string]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]float64{
		"x":    d.def.X,
		"y":    d.def.Y,
		"z":    d.def.Z,
		"mode": float64(d.mode.Value()),
	}
}

// SetProperty sets one axis of the default flux density in microtesla.
func (d *AK0991x) SetProperty(name string, v float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch name {
	case "x":
		d.def.X = v
	case "y":
		d.def.Y = v
	case "z":
		d.def.Z = v
	default:
		return unknownProperty(name)
	}
	return nil
}
