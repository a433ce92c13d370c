package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/time/rate"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

// ErrNoDevice is returned (as a NACK) for an address with nothing attached.
var ErrNoDevice = errors.New("bus: no device at address")

// bitsPerByte is the I2C bit time per transferred byte, ACK included.
const bitsPerByte = 9

// I2CBus is an emulated I2C bus routing periph-style transactions to the
// attached peripheral models. It implements periph.io's i2c.Bus, so host
// code written against periph (or any driver that only needs Tx) can drive
// the models directly.
type I2CBus struct {
	mu      sync.Mutex
	name    string
	devs    map[uint16]I2CPeripheral
	speed   physic.Frequency
	limiter *rate.Limiter
	paced   bool
}

var _ i2c.Bus = (*I2CBus)(nil)

// NewI2CBus returns an empty bus. Transfers are not paced until Pace is called.
func NewI2CBus(name string) *I2CBus {
	return &I2CBus{
		name:    name,
		devs:    make(map[uint16]I2CPeripheral),
		speed:   100 * physic.KiloHertz,
		limiter: rate.NewLimiter(rate.Inf, 0),
	}
}

func (b *I2CBus) String() string { return b.name }

// Attach connects p at the 7-bit address addr.
func (b *I2CBus) Attach(addr uint16, p I2CPeripheral) error {
	if addr > 0x7f {
		return fmt.Errorf("i2c %s: address 0x%02x out of 7-bit range", b.name, addr)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.devs[addr]; ok {
		return fmt.Errorf("i2c %s: address 0x%02x already in use", b.name, addr)
	}
	b.devs[addr] = p
	return nil
}

// Detach removes whatever is attached at addr.
func (b *I2CBus) Detach(addr uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.devs, addr)
}

// Addresses lists the attached addresses in ascending order.
func (b *I2CBus) Addresses() []uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uint16, 0, len(b.devs))
	for a := range b.devs {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Pace makes Tx wait for the bit time of each transfer at the current bus
// speed, so host code sees realistic throughput. Off by default.
func (b *I2CBus) Pace(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paced = on
	b.updateLimiter()
}

func (b *I2CBus) updateLimiter() {
	if !b.paced {
		b.limiter.SetLimit(rate.Inf)
		return
	}
	bytesPerSec := float64(b.speed) / float64(physic.Hertz) / bitsPerByte
	b.limiter.SetLimit(rate.Limit(bytesPerSec))
	b.limiter.SetBurst(64)
}

// SetSpeed records the bus clock. It only matters while pacing is on.
func (b *I2CBus) SetSpeed(f physic.Frequency) error {
	if f <= 0 {
		return fmt.Errorf("i2c %s: invalid speed %s", b.name, f)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.speed = f
	b.updateLimiter()
	return nil
}

// Tx writes w then reads len(r) bytes with a repeated start, then issues
// STOP. Either buffer may be empty.
func (b *I2CBus) Tx(addr uint16, w, r []byte) error {
	return b.TxContext(context.Background(), addr, w, r)
}

// TxContext is Tx with cancellation of the pacing wait.
func (b *I2CBus) TxContext(ctx context.Context, addr uint16, w, r []byte) error {
	b.mu.Lock()
	p, ok := b.devs[addr]
	limiter := b.limiter
	b.mu.Unlock()
	if !ok {
		slog.Debug("i2c: nack", "bus", b.name, "addr", fmt.Sprintf("0x%02x", addr))
		return fmt.Errorf("i2c %s: 0x%02x: %w", b.name, addr, ErrNoDevice)
	}
	if n := 1 + len(w) + len(r); limiter.Limit() != rate.Inf {
		if err := limiter.WaitN(ctx, min(n, limiter.Burst())); err != nil {
			return fmt.Errorf("i2c %s: pacing: %w", b.name, err)
		}
	}

	if len(w) > 0 {
		p.Write(w)
	}
	if len(r) > 0 {
		got := p.Read(len(r))
		n := copy(r, got)
		clear(r[n:])
	}
	p.FinishTransmission()
	return nil
}

// Reset resets every attached peripheral.
func (b *I2CBus) Reset() {
	b.mu.Lock()
	devs := make([]I2CPeripheral, 0, len(b.devs))
	for _, p := range b.devs {
		devs = append(devs, p)
	}
	b.mu.Unlock()
	for _, p := range devs {
		p.Reset()
	}
}
