package bus

import (
	"context"
	"fmt"
	"log/slog"
)

// Config describes the framing quirks of one chip.
type Config struct {
	// Name prefixes log messages.
	Name string
	// AddressBytes is the length of the address phase, MSB first. 0 means 1.
	AddressBytes int
	// AddressMask keeps the address bits of the address phase. 0 keeps all.
	AddressMask uint16
	// AddressShift drops low bits of the masked address phase, for headers
	// that carry the register in their first byte.
	AddressShift uint
	// ReadBit marks an SPI address byte as a read. Ignored on I2C.
	ReadBit uint16
	// BurstBit, if set, is the address-phase bit that enables auto-increment
	// for the rest of the transaction. Without it the cursor holds.
	BurstBit uint16
	// Next advances the cursor after each data byte. nil means Always.
	Next AutoIncrement
	// AddressEveryWrite makes every Write start with an address phase, even
	// in the middle of a transaction.
	AddressEveryWrite bool
	// ArmReadOnAddress moves an address-only write straight to Reading.
	ArmReadOnAddress bool
	// DropWriteWhileReading ignores writes in the Reading state with a
	// warning instead of starting a new address phase.
	DropWriteWhileReading bool
	// RejectReadAfterWrite refuses reads once data bytes were written in
	// the current transaction.
	RejectReadAfterWrite bool
	Stop                 StopPolicy
	OnError              ErrorResponse
	// OnAddress is called after every address phase. dataFollows reports
	// whether the same write carried data bytes.
	OnAddress func(addr uint16, dataFollows bool)
	// UnaddressedReadLevel is the level a read before any address phase is
	// logged at. nil means Warn.
	UnaddressedReadLevel slog.Leveler
	Logger               *slog.Logger
}

// Transaction is the per-peripheral bus state machine. It is not safe for
// concurrent use; the owning model serializes calls.
type Transaction struct {
	cfg    Config
	target Target
	log    *slog.Logger

	state State
	cur   Cursor
	valid bool
	burst bool
}

// NewTransaction returns an Idle transaction over target.
func NewTransaction(target Target, cfg Config) *Transaction {
	if cfg.AddressBytes <= 0 {
		cfg.AddressBytes = 1
	}
	if cfg.Next == nil {
		cfg.Next = Always()
	}
	if cfg.Name == "" {
		cfg.Name = "bus"
	}
	if cfg.UnaddressedReadLevel == nil {
		cfg.UnaddressedReadLevel = slog.LevelWarn
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Transaction{cfg: cfg, target: target, log: log}
}

func (t *Transaction) State() State { return t.state }

// Address returns the current register address and whether one is set.
func (t *Transaction) Address() (uint16, bool) { return t.cur.Addr, t.valid }

// Cursor returns the full cursor including the byte lane.
func (t *Transaction) Cursor() Cursor { return t.cur }

// Select sets the address as if an address phase had selected it,
// without calling OnAddress. Models use it after a soft reset.
func (t *Transaction) Select(addr uint16) {
	t.cur = Cursor{Addr: addr}
	t.valid = true
	t.burst = t.cfg.BurstBit == 0
}

// Reset returns to Idle with no address.
func (t *Transaction) Reset() {
	t.state = Idle
	t.cur = Cursor{}
	t.valid = false
	t.burst = false
}

func (t *Transaction) setAddress(raw uint16, dataFollows bool) {
	addr := raw
	if t.cfg.AddressMask != 0 {
		addr &= t.cfg.AddressMask
	}
	addr >>= t.cfg.AddressShift
	t.cur = Cursor{Addr: addr}
	t.valid = true
	t.burst = t.cfg.BurstBit == 0 || raw&t.cfg.BurstBit != 0
	t.log.Debug(t.cfg.Name+": address set", "addr", fmt.Sprintf("0x%02x", addr), "burst", t.burst)
	if t.cfg.OnAddress != nil {
		t.cfg.OnAddress(addr, dataFollows)
	}
}

func (t *Transaction) advance() {
	if t.burst {
		t.cur = t.cfg.Next(t.cur)
	}
}

func (t *Transaction) readByte() byte {
	b := t.target.ReadAt(t.cur)
	t.advance()
	return b
}

func (t *Transaction) writeByte(b byte) {
	t.target.WriteAt(t.cur, b)
	t.advance()
}

// Write handles a bus write. In Idle, or whenever AddressEveryWrite is set,
// the leading bytes are the address phase; the rest are data.
func (t *Transaction) Write(data []byte) {
	if len(data) == 0 {
		t.log.Warn(t.cfg.Name + ": write with no data")
		return
	}
	addressPhase := t.state == Idle || t.cfg.AddressEveryWrite
	if t.state == Reading && !t.cfg.AddressEveryWrite {
		if t.cfg.DropWriteWhileReading {
			t.log.Warn(t.cfg.Name+": write while reading ignored", "bytes", len(data))
			return
		}
		addressPhase = true
	}
	if addressPhase {
		n := t.cfg.AddressBytes
		if len(data) < n {
			t.log.Warn(t.cfg.Name+": short address phase", "want", n, "got", len(data))
			return
		}
		var raw uint16
		for _, b := range data[:n] {
			raw = raw<<8 | uint16(b)
		}
		data = data[n:]
		t.setAddress(raw, len(data) > 0)
		if len(data) == 0 {
			t.state = AddressSet
			if t.cfg.ArmReadOnAddress {
				t.state = Reading
			}
			return
		}
	}
	t.state = Writing
	for _, b := range data {
		t.writeByte(b)
	}
}

func (t *Transaction) refuse(count int) []byte {
	if t.cfg.OnError == ZerosOnError {
		return make([]byte, count)
	}
	return []byte{}
}

// Read returns count bytes starting at the current address.
func (t *Transaction) Read(count int) []byte {
	if count <= 0 {
		return []byte{}
	}
	if !t.valid {
		t.log.Log(context.Background(), t.cfg.UnaddressedReadLevel.Level(), t.cfg.Name+": read before address was set", "count", count)
		return t.refuse(count)
	}
	if t.state == Writing && t.cfg.RejectReadAfterWrite {
		t.log.Error(t.cfg.Name+": read while in write mode", "count", count)
		return t.refuse(count)
	}
	t.state = Reading
	out := make([]byte, count)
	for i := range out {
		out[i] = t.readByte()
	}
	return out
}

// FinishTransmission ends the transaction according to the stop policy.
// A kept address restarts at the first byte of its register.
func (t *Transaction) FinishTransmission() {
	switch t.cfg.Stop {
	case StopClears:
		t.valid = false
		t.state = Idle
	case StopKeepsAddress:
		t.state = Idle
		t.cur.Lane = 0
	case StopKeepsPending:
		if t.state != AddressSet {
			t.state = Idle
		}
		t.cur.Lane = 0
	default:
		panic(fmt.Sprintf("bus: unknown stop policy %d", t.cfg.Stop))
	}
}
