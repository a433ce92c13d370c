// Package sensors contains the chip models. Each model owns a register
// collection, the field handles it declared, its physical state and, where
// the chip has one, a sample FIFO. Bus entry points lock the model, so a
// model can be driven from the bus, a feeder and the monitor at once.
//
// Capabilities are small interfaces (Peripheral, TemperatureSensor,
// VectorSampler, InterruptSource) rather than a type hierarchy.
package sensors

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"

	"periph.io/x/conn/v3/physic"

	"github.com/micro-nova/sensorsim/internal/bus"
	"github.com/micro-nova/sensorsim/internal/clock"
	"github.com/micro-nova/sensorsim/internal/irq"
	"github.com/micro-nova/sensorsim/internal/registers"
	"github.com/micro-nova/sensorsim/internal/samples"
)

var (
	ErrUnknownProperty = errors.New("sensors: unknown property")
	ErrOutOfRange      = errors.New("sensors: value out of range")
	ErrUnknownLine     = errors.New("sensors: unknown interrupt line")
	ErrNoSamples       = errors.New("sensors: model does not take samples")
	ErrNoScheduler     = errors.New("sensors: no scheduler configured")
)

// Peripheral is what the board and the monitor need from every model.
type Peripheral interface {
	Name() string
	Kind() string
	Reset()
	// Snapshot dumps the registers without read side effects.
	Snapshot() []registers.Dump
	// Properties returns the physical inputs of the model by name.
	Properties() map[string]float64
	// SetProperty sets a physical input. Out-of-range values are clamped
	// with a warning, or rejected with ErrOutOfRange where the chip model
	// has a hard limit.
	SetProperty(name string, v float64) error
}

// I2CDevice is a peripheral reachable over I2C.
type I2CDevice interface {
	Peripheral
	bus.I2CPeripheral
}

// SPIDevice is a peripheral reachable over SPI.
type SPIDevice interface {
	Peripheral
	SPI() bus.SPIPeripheral
}

// InterruptSource is a model with interrupt or GPIO output lines.
type InterruptSource interface {
	Lines() []string
	Connect(line string, l irq.Line) error
}

// TemperatureSensor is a model with a temperature input.
type TemperatureSensor interface {
	Temperature() physic.Temperature
	SetTemperature(t physic.Temperature)
}

// VectorSampler takes three-axis samples.
type VectorSampler interface {
	FeedSample(v samples.Vector3)
	// LoadSamples feeds a sample file; repeat < 0 replays it forever.
	LoadSamples(path string, repeat int) error
}

// VectorStreamer replays a timestamped stream at the chip's output data rate.
type VectorStreamer interface {
	AttachStream(s samples.Stream[samples.Vector3]) error
	DetachStream()
}

// ScalarSampler takes one-value samples.
type ScalarSampler interface {
	FeedScalar(v float64)
	LoadSamples(path string, repeat int) error
}

// ScalarStreamer reads its input from a timestamped one-value stream.
type ScalarStreamer interface {
	AttachStream(s samples.Stream[float64]) error
	DetachStream()
}

// SampleFormat is implemented by vector samplers whose sample files use a
// stricter format than samples.ParseVector.
type SampleFormat interface {
	ParseSample(cols []string) (samples.Vector3, error)
}

// FrameSampler is implemented by multi-channel sensors fed one frame of
// channel values at a time.
type FrameSampler interface {
	CheckFrame(values []float64) error
	FeedFrame(values []float64) error
	LoadSamples(path string, repeat int) error
}

// Driven is a model with input pins the board can drive.
type Driven interface {
	Drive(line string, level bool) error
}

// Options are shared constructor arguments.
type Options struct {
	Name   string
	Logger *slog.Logger
	// Scheduler drives conversions and stream replay. Models that need one
	// and get nil run conversions immediately and refuse streams.
	Scheduler clock.Scheduler
	// Rand is the noise source of models that add jitter. nil seeds one
	// deterministically.
	Rand *rand.Rand
}

func (o Options) logger(kind string) *slog.Logger {
	l := o.Logger
	if l == nil {
		l = slog.Default()
	}
	name := o.Name
	if name == "" {
		name = kind
	}
	return l.With("peripheral", name)
}

func (o Options) name(kind string) string {
	if o.Name == "" {
		return kind
	}
	return o.Name
}

func (o Options) rand() *rand.Rand {
	if o.Rand != nil {
		return o.Rand
	}
	return rand.New(rand.NewSource(1))
}

// lines is the set of named outputs of a model.
type lines map[string]irq.Line

func newLines(names ...string) lines {
	l := make(lines, len(names))
	for _, n := range names {
		l[n] = irq.Discard
	}
	return l
}

func (l lines) names() []string {
	out := make([]string, 0, len(l))
	for n := range l {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (l lines) connect(name string, line irq.Line) error {
	if _, ok := l[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLine, name)
	}
	if line == nil {
		line = irq.Discard
	}
	l[name] = line
	return nil
}

func (l lines) set(name string, level bool) {
	l[name].Set(level)
}

// clamp limits v to [lo, hi], warning when it had to.
func clamp(log *slog.Logger, prop string, v, lo, hi float64) float64 {
	switch {
	case v < lo:
		log.Warn("value below range, clamping", "property", prop, "value", v, "min", lo)
		return lo
	case v > hi:
		log.Warn("value above range, clamping", "property", prop, "value", v, "max", hi)
		return hi
	}
	return v
}

// inRange rejects v outside [lo, hi] with a warning.
func inRange(log *slog.Logger, prop string, v, lo, hi float64) error {
	if v < lo || v > hi {
		log.Warn("value out of range, ignoring", "property", prop, "value", v, "min", lo, "max", hi)
		return fmt.Errorf("%w: %s=%v not in [%v, %v]", ErrOutOfRange, prop, v, lo, hi)
	}
	return nil
}

// toInt16 rounds toward zero and saturates.
func toInt16(v float64) int16 {
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// toUint16 rounds toward zero and saturates.
func toUint16(v float64) uint16 {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(v)
}

func celsius(t physic.Temperature) float64 {
	return float64(t-physic.ZeroCelsius) / float64(physic.Celsius)
}

func fromCelsius(c float64) physic.Temperature {
	return physic.ZeroCelsius + physic.Temperature(c*float64(physic.Celsius))
}

// boolProp converts a property value to a flag.
func boolProp(v float64) bool { return v != 0 }

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// loadInto feeds a sample file into fifo repeat times. repeat < 0 refills
// the queue with the file every time it runs dry.
func loadInto[T any](fifo *samples.FIFO[T], path string, repeat int, parse samples.ParseFunc[T]) error {
	ss, err := fifo.FeedFromFile(path, parse)
	if err != nil {
		return err
	}
	if repeat < 0 {
		fifo.OnEmpty(func() { fifo.FeedAll(ss) })
		return nil
	}
	fifo.OnEmpty(nil)
	for i := 1; i < repeat; i++ {
		fifo.FeedAll(ss)
	}
	return nil
}

func unknownProperty(name string) error {
	return fmt.Errorf("%w: %s", ErrUnknownProperty, name)
}
