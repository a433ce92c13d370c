// Package board builds the emulated board described by the config store:
// the buses, the chip models attached to them, their interrupt lines, the
// sample files and streams feeding them. Board is the single entry point
// the monitor, the bridge and the MQTT client use to reach the models.
package board

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"periph.io/x/conn/v3/physic"

	"github.com/micro-nova/sensorsim/internal/bus"
	"github.com/micro-nova/sensorsim/internal/clock"
	"github.com/micro-nova/sensorsim/internal/config"
	"github.com/micro-nova/sensorsim/internal/events"
	"github.com/micro-nova/sensorsim/internal/irq"
	"github.com/micro-nova/sensorsim/internal/models"
	"github.com/micro-nova/sensorsim/internal/samples"
	"github.com/micro-nova/sensorsim/internal/sensors"
)

// Options are the dependencies of a Board.
type Options struct {
	Store  config.Store
	Events *events.Bus
	// Scheduler drives conversions and stream replay. nil leaves models
	// without one: conversions complete immediately and streams are refused.
	Scheduler clock.Scheduler
	Logger    *slog.Logger
	// Rand seeds the models that add noise. nil uses a fixed seed.
	Rand *rand.Rand
	// Watch reloads sample files when they change on disk.
	Watch bool
}

// peripheral is one placed model.
type peripheral struct {
	cfg    models.PeripheralConfig
	dev    sensors.Peripheral
	i2c    *bus.I2CBus
	spi    *bus.SPIPort
	pins   map[string]*irq.Pin // by model line
	feeder *samples.Feeder[samples.Vector3]
}

// Board is a built board. The set of peripherals is fixed once New returns;
// the models lock themselves, so operations only hold the board lock to
// look them up.
type Board struct {
	mu     sync.RWMutex
	cfg    models.Board
	store  config.Store
	events *events.Bus
	sched  clock.Scheduler
	log    *slog.Logger
	rand   *rand.Rand
	start  time.Time

	i2c     map[string]*bus.I2CBus
	periphs map[string]*peripheral
	lines   map[string]*irq.Pin // by board line name

	watcher *fsnotify.Watcher
	watched map[string][]string // sample file -> peripherals
	done    chan struct{}
}

// New loads the board description from the store and builds it.
func New(opts Options) (*Board, error) {
	cfg, err := opts.Store.Load()
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	ev := opts.Events
	if ev == nil {
		ev = events.NewBus()
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(1))
	}

	b := &Board{
		cfg:     cfg.DeepCopy(),
		store:   opts.Store,
		events:  ev,
		sched:   opts.Scheduler,
		log:     log,
		rand:    rnd,
		start:   time.Now(),
		i2c:     make(map[string]*bus.I2CBus),
		periphs: make(map[string]*peripheral),
		lines:   make(map[string]*irq.Pin),
		watched: make(map[string][]string),
		done:    make(chan struct{}),
	}
	if err := b.build(); err != nil {
		b.stopFeeders()
		return nil, err
	}
	if opts.Watch {
		b.watch()
	}
	b.events.Publish(models.Event{Type: models.EventBoard, Detail: b.cfg.Name})
	return b, nil
}

func (b *Board) build() error {
	for _, bc := range b.cfg.Buses {
		if bc.Kind != models.BusI2C {
			continue
		}
		ib := bus.NewI2CBus(bc.Name)
		if bc.SpeedHz > 0 {
			if err := ib.SetSpeed(physic.Frequency(bc.SpeedHz) * physic.Hertz); err != nil {
				return fmt.Errorf("board: %w", err)
			}
			ib.Pace(true)
		}
		b.i2c[bc.Name] = ib
	}
	for _, pc := range b.cfg.Peripherals {
		if err := b.add(pc); err != nil {
			return fmt.Errorf("board: %s: %w", pc.Name, err)
		}
	}
	return nil
}

// newModel constructs the chip model for a peripheral kind.
func (b *Board) newModel(pc models.PeripheralConfig) (sensors.Peripheral, error) {
	opts := sensors.Options{
		Name:      pc.Name,
		Logger:    b.log,
		Scheduler: b.sched,
		Rand:      rand.New(rand.NewSource(b.rand.Int63())),
	}
	switch pc.Kind {
	case models.KindADXL345:
		return sensors.NewADXL345(opts), nil
	case models.KindLIS2DW12:
		return sensors.NewLIS2DW12(opts), nil
	case models.KindMAX30208:
		return sensors.NewMAX30208(opts), nil
	case models.KindMAX77818:
		return sensors.NewMAX77818(opts), nil
	case models.KindAS6221:
		return sensors.NewAS6221(opts), nil
	case models.KindPAC1934:
		return sensors.NewPAC1934(opts), nil
	case models.KindMAX86171:
		return sensors.NewMAX86171(opts), nil
	case models.KindICP101xx:
		return sensors.NewICP101xx(opts), nil
	case models.KindLIS2DS12:
		return sensors.NewLIS2DS12(opts), nil
	case models.KindLSM9DS1:
		return sensors.NewLSM9DS1(opts), nil
	}
	if v, ok := sensors.ParseAKVariant(pc.Kind); ok {
		return sensors.NewAK0991x(v, opts), nil
	}
	return nil, fmt.Errorf("unknown kind %q", pc.Kind)
}

func (b *Board) add(pc models.PeripheralConfig) error {
	if _, dup := b.periphs[pc.Name]; dup {
		return errors.New("duplicate peripheral name")
	}
	dev, err := b.newModel(pc)
	if err != nil {
		return err
	}
	p := &peripheral{cfg: pc, dev: dev, pins: make(map[string]*irq.Pin)}

	bc, ok := b.cfg.Bus(pc.Bus)
	if !ok {
		return fmt.Errorf("unknown bus %q", pc.Bus)
	}
	switch bc.Kind {
	case models.BusSPI:
		sd, ok := dev.(sensors.SPIDevice)
		if !ok {
			return fmt.Errorf("%s has no spi interface", pc.Kind)
		}
		p.spi = bus.NewSPIPort(bc.Name+"/"+pc.Name, sd.SPI())
	default:
		id, ok := dev.(sensors.I2CDevice)
		if !ok {
			return fmt.Errorf("%s has no i2c interface", pc.Kind)
		}
		ib := b.i2c[bc.Name]
		if err := ib.Attach(pc.Address, id); err != nil {
			return err
		}
		p.i2c = ib
	}

	keys := make([]string, 0, len(pc.Properties))
	for k := range pc.Properties {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if err := dev.SetProperty(k, pc.Properties[k]); err != nil {
			b.log.Warn("board: ignoring property", "peripheral", pc.Name, "property", k, "err", err)
		}
	}
	if err := b.connectLines(p); err != nil {
		return err
	}
	if pc.Samples != "" {
		if err := loadSamples(dev, pc.Samples, pc.Repeat); err != nil {
			return err
		}
		b.watched[pc.Samples] = append(b.watched[pc.Samples], pc.Name)
	}
	if pc.Stream != "" {
		if err := b.attachStream(p); err != nil {
			return err
		}
	}
	b.periphs[pc.Name] = p
	return nil
}

// connectLines gives every model output a board line. Unmapped lines are
// named "<peripheral>-<line>".
func (b *Board) connectLines(p *peripheral) error {
	src, ok := p.dev.(sensors.InterruptSource)
	if !ok {
		if len(p.cfg.IRQ) > 0 {
			b.log.Warn("board: peripheral has no interrupt lines", "peripheral", p.cfg.Name)
		}
		return nil
	}
	known := src.Lines()
	for line := range p.cfg.IRQ {
		if !slices.Contains(known, line) {
			b.log.Warn("board: ignoring unknown line", "peripheral", p.cfg.Name, "line", line)
		}
	}
	for _, line := range known {
		name := p.cfg.IRQ[line]
		if name == "" {
			name = p.cfg.Name + "-" + line
		}
		if _, taken := b.lines[name]; taken {
			return fmt.Errorf("board line %q already in use", name)
		}
		pin := irq.NewPin(name)
		if err := src.Connect(line, pin); err != nil {
			return err
		}
		periph := p.cfg.Name
		pin.Listen(func(name string, level bool) {
			b.events.Publish(models.Event{
				Type:       models.EventIRQ,
				Peripheral: periph,
				Line:       name,
				Level:      &level,
			})
		})
		b.lines[name] = pin
		p.pins[line] = pin
	}
	return nil
}

func loadSamples(dev sensors.Peripheral, path string, repeat int) error {
	switch d := dev.(type) {
	case sensors.VectorSampler:
		return d.LoadSamples(path, repeat)
	case sensors.ScalarSampler:
		return d.LoadSamples(path, repeat)
	case sensors.FrameSampler:
		return d.LoadSamples(path, repeat)
	}
	return sensors.ErrNoSamples
}

// attachStream replays the peripheral's stream file. Models that sample a
// stream themselves get it directly; models that only queue samples are fed
// by a Feeder at StreamHz.
func (b *Board) attachStream(p *peripheral) error {
	if b.sched == nil {
		return sensors.ErrNoScheduler
	}
	hz := p.cfg.StreamHz
	if hz <= 0 {
		hz = models.DefaultStreamHz
	}
	if hz > models.MaxStreamHz {
		return fmt.Errorf("stream_hz %v above %d", hz, models.MaxStreamHz)
	}
	period := clock.Period(hz)
	switch d := p.dev.(type) {
	case sensors.VectorStreamer:
		s, err := samples.ReadSeriesFile(p.cfg.Stream, period, samples.ParseVector)
		if err != nil {
			return err
		}
		return d.AttachStream(s)
	case sensors.ScalarStreamer:
		s, err := samples.ReadSeriesFile(p.cfg.Stream, period, samples.ParseScalar)
		if err != nil {
			return err
		}
		return d.AttachStream(s)
	case sensors.VectorSampler:
		s, err := samples.ReadSeriesFile(p.cfg.Stream, period, vectorFormat(d))
		if err != nil {
			return err
		}
		p.feeder = samples.NewFeeder(samples.FeederConfig[samples.Vector3]{
			Scheduler: b.sched,
			Stream:    s,
			Hz:        hz,
			Sink:      d.FeedSample,
			OnEnd: func(samples.Vector3) {
				b.log.Info("board: stream ended", "peripheral", p.cfg.Name)
			},
		})
		p.feeder.Start()
		return nil
	}
	return sensors.ErrNoSamples
}

func (b *Board) stopFeeders() {
	for _, p := range b.periphs {
		if p.feeder != nil {
			p.feeder.Stop()
		}
	}
}

// Close stops stream feeders and the sample file watcher, and flushes
// pending config writes.
func (b *Board) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopFeeders()
	var errs []error
	if b.watcher != nil {
		close(b.done)
		errs = append(errs, b.watcher.Close())
		b.watcher = nil
	}
	errs = append(errs, b.store.Flush())
	return errors.Join(errs...)
}

func vectorFormat(dev any) samples.ParseFunc[samples.Vector3] {
	if f, ok := dev.(sensors.SampleFormat); ok {
		return f.ParseSample
	}
	return samples.ParseVector
}
