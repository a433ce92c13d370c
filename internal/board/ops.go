package board

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"github.com/micro-nova/sensorsim/internal/bus"
	"github.com/micro-nova/sensorsim/internal/clock"
	"github.com/micro-nova/sensorsim/internal/irq"
	"github.com/micro-nova/sensorsim/internal/models"
	"github.com/micro-nova/sensorsim/internal/samples"
	"github.com/micro-nova/sensorsim/internal/sensors"
)

// maxTxRead bounds a single monitor read.
const maxTxRead = 4096

// maxFeed bounds the samples one Feed queues, repeats included.
const maxFeed = 1 << 16

// maxFileRepeat bounds the repeat count of a sample file load.
const maxFileRepeat = 1024

// spiClock is the frame clock of monitor transactions on spi peripherals.
const spiClock = 5 * physic.MegaHertz

func (b *Board) lookup(name string) (*peripheral, *models.AppError) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.periphs[name]
	if !ok {
		return nil, models.ErrNotFound("peripheral not found")
	}
	return p, nil
}

func (b *Board) info(p *peripheral) models.PeripheralInfo {
	info := models.PeripheralInfo{
		Name:       p.cfg.Name,
		Kind:       p.cfg.Kind,
		Bus:        p.cfg.Bus,
		Address:    p.cfg.Address,
		Properties: p.dev.Properties(),
	}
	if len(p.pins) > 0 {
		info.Lines = make(map[string]bool, len(p.pins))
		for _, pin := range p.pins {
			info.Lines[pin.Name()] = pin.Level()
		}
	}
	return info
}

// Name is the board name.
func (b *Board) Name() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg.Name
}

// Config returns a copy of the board description.
func (b *Board) Config() models.Board {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg.DeepCopy()
}

// Info summarizes the board for the monitor.
func (b *Board) Info(version string) models.Info {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return models.Info{
		Version:     version,
		Board:       b.cfg.Name,
		Peripherals: len(b.periphs),
		Uptime:      time.Since(b.start).Round(time.Second).String(),
		Subscribers: b.events.SubscriberCount(),
	}
}

// List returns every peripheral in board order.
func (b *Board) List() []models.PeripheralInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]models.PeripheralInfo, 0, len(b.periphs))
	for _, pc := range b.cfg.Peripherals {
		if p, ok := b.periphs[pc.Name]; ok {
			out = append(out, b.info(p))
		}
	}
	return out
}

// Get returns one peripheral with its register dump. Dumping has no read
// side effects.
func (b *Board) Get(name string) (*models.PeripheralDetail, *models.AppError) {
	p, appErr := b.lookup(name)
	if appErr != nil {
		return nil, appErr
	}
	return &models.PeripheralDetail{
		PeripheralInfo: b.info(p),
		Registers:      p.dev.Snapshot(),
	}, nil
}

// Reset resets one peripheral to its power-on state.
func (b *Board) Reset(name string) *models.AppError {
	p, appErr := b.lookup(name)
	if appErr != nil {
		return appErr
	}
	p.dev.Reset()
	b.events.Publish(models.Event{Type: models.EventReset, Peripheral: name})
	return nil
}

// Tx runs a raw transaction against a peripheral through its emulated bus:
// write, then read with a repeated start, then STOP. On spi the frame is
// full duplex and the bytes clocked in after the written ones are returned.
func (b *Board) Tx(ctx context.Context, name string, req models.TxRequest) (models.TxResponse, *models.AppError) {
	if req.Read < 0 || req.Read > maxTxRead {
		return models.TxResponse{}, models.FieldError("read", fmt.Sprintf("must be 0-%d", maxTxRead))
	}
	if len(req.Write) == 0 && req.Read == 0 {
		return models.TxResponse{}, models.ErrBadRequest("nothing to write or read")
	}
	p, appErr := b.lookup(name)
	if appErr != nil {
		return models.TxResponse{}, appErr
	}

	r := make([]byte, req.Read)
	switch {
	case p.i2c != nil:
		if err := p.i2c.TxContext(ctx, p.cfg.Address, req.Write, r); err != nil {
			if errors.Is(err, bus.ErrNoDevice) {
				return models.TxResponse{}, models.ErrConflict(err.Error())
			}
			return models.TxResponse{}, models.ErrInternal(err.Error())
		}
	case p.spi != nil:
		c, err := p.spi.Connect(spiClock, spi.Mode3, 8)
		if err != nil {
			return models.TxResponse{}, models.ErrInternal(err.Error())
		}
		w := make([]byte, len(req.Write)+req.Read)
		copy(w, req.Write)
		full := make([]byte, len(w))
		if err := c.Tx(w, full); err != nil {
			return models.TxResponse{}, models.ErrInternal(err.Error())
		}
		copy(r, full[len(req.Write):])
	}

	b.events.Publish(models.Event{
		Type:       models.EventTx,
		Peripheral: name,
		Detail:     fmt.Sprintf("w=% x r=% x", []byte(req.Write), r),
	})
	return models.TxResponse{Read: r}, nil
}

type queued interface{ QueuedSamples() int }

type queuedResults interface{ QueuedResults() int }

func queueDepth(dev sensors.Peripheral) int {
	switch d := dev.(type) {
	case queued:
		return d.QueuedSamples()
	case queuedResults:
		return d.QueuedResults()
	}
	return 0
}

// Feed queues samples on a peripheral: rows of three columns for vector
// sensors, one column for scalar sensors, one column per channel for frame
// sensors. The list is fed Repeat times.
func (b *Board) Feed(name string, req models.SamplesRequest) (models.SamplesResponse, *models.AppError) {
	p, appErr := b.lookup(name)
	if appErr != nil {
		return models.SamplesResponse{}, appErr
	}
	if len(req.Samples) == 0 {
		return models.SamplesResponse{}, models.FieldError("samples", "no samples")
	}
	if req.Repeat < 0 {
		return models.SamplesResponse{}, models.FieldError("repeat", "endless repeat needs a sample file")
	}
	times := max(req.Repeat, 1)
	if times > maxFeed || len(req.Samples)*times > maxFeed {
		return models.SamplesResponse{}, models.FieldError("repeat", fmt.Sprintf("more than %d samples", maxFeed))
	}

	switch d := p.dev.(type) {
	case sensors.VectorSampler:
		vs := make([]samples.Vector3, len(req.Samples))
		for i, row := range req.Samples {
			if len(row) != 3 {
				return models.SamplesResponse{}, models.FieldError("samples", fmt.Sprintf("row %d: want 3 columns, got %d", i, len(row)))
			}
			vs[i] = samples.Vector3{X: row[0], Y: row[1], Z: row[2]}
		}
		for n := 0; n < times; n++ {
			for _, v := range vs {
				d.FeedSample(v)
			}
		}
	case sensors.ScalarSampler:
		for i, row := range req.Samples {
			if len(row) != 1 {
				return models.SamplesResponse{}, models.FieldError("samples", fmt.Sprintf("row %d: want 1 column, got %d", i, len(row)))
			}
		}
		for n := 0; n < times; n++ {
			for _, row := range req.Samples {
				d.FeedScalar(row[0])
			}
		}
	case sensors.FrameSampler:
		for i, row := range req.Samples {
			if err := d.CheckFrame(row); err != nil {
				return models.SamplesResponse{}, models.FieldError("samples", fmt.Sprintf("row %d: %v", i, err))
			}
		}
		for n := 0; n < times; n++ {
			for _, row := range req.Samples {
				if err := d.FeedFrame(row); err != nil {
					return models.SamplesResponse{}, models.FieldError("samples", err.Error())
				}
			}
		}
	default:
		return models.SamplesResponse{}, models.ErrUnsupported(p.cfg.Kind + " does not take samples")
	}

	b.events.Publish(models.Event{
		Type:       models.EventSamples,
		Peripheral: name,
		Detail:     fmt.Sprintf("%d samples", len(req.Samples)*times),
	})
	return models.SamplesResponse{Queued: queueDepth(p.dev)}, nil
}

// LoadFile feeds a sample file into a peripheral.
func (b *Board) LoadFile(name string, req models.LoadFileRequest) (models.SamplesResponse, *models.AppError) {
	if req.Path == "" {
		return models.SamplesResponse{}, models.FieldError("path", "required")
	}
	p, appErr := b.lookup(name)
	if appErr != nil {
		return models.SamplesResponse{}, appErr
	}
	if req.Repeat > maxFileRepeat {
		return models.SamplesResponse{}, models.FieldError("repeat", fmt.Sprintf("repeat above %d", maxFileRepeat))
	}
	if err := loadSamples(p.dev, req.Path, req.Repeat); err != nil {
		if errors.Is(err, sensors.ErrNoSamples) {
			return models.SamplesResponse{}, models.ErrUnsupported(p.cfg.Kind + " does not take samples")
		}
		return models.SamplesResponse{}, models.ErrBadRequest(err.Error())
	}
	b.events.Publish(models.Event{Type: models.EventSamples, Peripheral: name, Detail: req.Path})
	return models.SamplesResponse{Queued: queueDepth(p.dev)}, nil
}

// SetProperties sets physical inputs of a peripheral. Properties are
// applied in name order and stop at the first rejected one. With persist
// the new values are saved in the board description.
func (b *Board) SetProperties(name string, props map[string]float64, persist bool) (models.PeripheralInfo, *models.AppError) {
	p, appErr := b.lookup(name)
	if appErr != nil {
		return models.PeripheralInfo{}, appErr
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := p.dev.SetProperty(k, props[k]); err != nil {
			switch {
			case errors.Is(err, sensors.ErrUnknownProperty):
				return models.PeripheralInfo{}, models.FieldError(k, "unknown property")
			case errors.Is(err, sensors.ErrOutOfRange):
				return models.PeripheralInfo{}, models.FieldError(k, err.Error())
			}
			return models.PeripheralInfo{}, models.ErrInternal(err.Error())
		}
	}

	if persist {
		if err := b.persist(name, props); err != nil {
			return models.PeripheralInfo{}, models.ErrInternal(err.Error())
		}
	}
	b.events.Publish(models.Event{Type: models.EventProperty, Peripheral: name, Values: props})
	return b.info(p), nil
}

func (b *Board) persist(name string, props map[string]float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, i := b.cfg.Peripheral(name)
	if i < 0 {
		return fmt.Errorf("board: %s missing from config", name)
	}
	pc := &b.cfg.Peripherals[i]
	if pc.Properties == nil {
		pc.Properties = make(map[string]float64, len(props))
	}
	for k, v := range props {
		pc.Properties[k] = v
	}
	cfg := b.cfg.DeepCopy()
	return b.store.Save(&cfg)
}

// Drive sets an input pin of a peripheral.
func (b *Board) Drive(name, line string, level bool) *models.AppError {
	p, appErr := b.lookup(name)
	if appErr != nil {
		return appErr
	}
	d, ok := p.dev.(sensors.Driven)
	if !ok {
		return models.ErrUnsupported(p.cfg.Kind + " has no input pins")
	}
	if err := d.Drive(line, level); err != nil {
		return models.FieldError("line", err.Error())
	}
	return nil
}

// Lines returns the level of every board line.
func (b *Board) Lines() map[string]bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]bool, len(b.lines))
	for name, pin := range b.lines {
		out[name] = pin.Level()
	}
	return out
}

// Line returns a board line by name.
func (b *Board) Line(name string) (*irq.Pin, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pin, ok := b.lines[name]
	return pin, ok
}

// I2C returns the named i2c bus, or the first one when name is empty.
func (b *Board) I2C(name string) (*bus.I2CBus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if name == "" {
		for _, bc := range b.cfg.Buses {
			if bc.Kind == models.BusI2C {
				name = bc.Name
				break
			}
		}
	}
	ib, ok := b.i2c[name]
	return ib, ok
}

// Advance moves emulated time forward. It only works when the board runs
// on a manually advanced clock.
func (b *Board) Advance(d time.Duration) (time.Duration, *models.AppError) {
	v, ok := b.sched.(*clock.Virtual)
	if !ok {
		return 0, models.ErrConflict("clock is not virtual")
	}
	if d < 0 {
		return 0, models.FieldError("duration", "must not be negative")
	}
	v.Advance(d)
	return v.Now(), nil
}
