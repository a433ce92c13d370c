// Package registers implements the register file every sensor model is
// built on: typed bit fields grouped into fixed-width registers, collected in
// a sparse address map with byte and offset access.
//
// Accesses that come from emulated firmware never fail. Misses return zero,
// read-only fields swallow writes and invalid enum values are dropped, each
// with a log line. Definition mistakes (overlapping fields, duplicate
// addresses) panic because they are bugs in a model.
package registers

import (
	"fmt"
	"log/slog"
	"sort"
)

// MissPolicy selects what a Collection does for an address with no register.
type MissPolicy uint8

const (
	// Lenient silently reads 0 and ignores writes.
	Lenient MissPolicy = iota
	// Diagnostic does the same but logs a warning for every miss.
	Diagnostic
)

// ByteOrder is the order in which the bytes of a wide register go over the bus.
type ByteOrder uint8

const (
	LSBFirst ByteOrder = iota
	MSBFirst
)

func (o ByteOrder) String() string {
	if o == MSBFirst {
		return "msb-first"
	}
	return "lsb-first"
}

// Collection maps addresses to registers of one width.
// It is not safe for concurrent use; models serialize access.
type Collection struct {
	name   string
	width  uint
	regs   map[uint16]*Register
	policy MissPolicy
	log    *slog.Logger
}

// CollectionOption configures a Collection.
type CollectionOption func(*Collection)

func WithMissPolicy(p MissPolicy) CollectionOption {
	return func(c *Collection) { c.policy = p }
}

func WithLogger(l *slog.Logger) CollectionOption {
	return func(c *Collection) { c.log = l }
}

// NewCollection creates an empty collection of registers width bits wide.
func NewCollection(name string, width uint, opts ...CollectionOption) *Collection {
	c := &Collection{name: name, width: width, regs: make(map[uint16]*Register)}
	for _, o := range opts {
		o(c)
	}
	c.log = defaultLogger(c.log)
	return c
}

// NewByteCollection is NewCollection for 8-bit registers.
func NewByteCollection(name string, opts ...CollectionOption) *Collection {
	return NewCollection(name, 8, opts...)
}

// NewWordCollection is NewCollection for 16-bit registers.
func NewWordCollection(name string, opts ...CollectionOption) *Collection {
	return NewCollection(name, 16, opts...)
}

func (c *Collection) Name() string { return c.name }
func (c *Collection) Width() uint  { return c.width }

// Define creates the register at addr. Defining an address twice panics.
func (c *Collection) Define(addr uint16, name string, def uint64) *Register {
	if _, dup := c.regs[addr]; dup {
		panic(fmt.Sprintf("registers: %s: address %#02x defined twice", c.name, addr))
	}
	r := NewRegister(name, c.width, def)
	r.coll = c
	c.regs[addr] = r
	return r
}

// Register returns the register at addr.
func (c *Collection) Register(addr uint16) (*Register, bool) {
	r, ok := c.regs[addr]
	return r, ok
}

func (c *Collection) lookup(addr uint16, op string) (*Register, bool) {
	r, ok := c.regs[addr]
	if !ok && c.policy == Diagnostic {
		c.log.Warn("registers: unhandled "+op, "collection", c.name, "addr", fmt.Sprintf("0x%02x", addr))
	}
	return r, ok
}

// Read returns the register value at addr, or 0 on a miss.
func (c *Collection) Read(addr uint16) uint64 {
	v, _ := c.TryRead(addr)
	return v
}

// Write stores v at addr. Misses are ignored.
func (c *Collection) Write(addr uint16, v uint64) {
	c.TryWrite(addr, v)
}

// TryRead reads addr and reports whether a register exists there.
func (c *Collection) TryRead(addr uint16) (uint64, bool) {
	r, ok := c.lookup(addr, "read")
	if !ok {
		return 0, false
	}
	return r.Read(), true
}

// TryWrite writes addr and reports whether a register exists there.
func (c *Collection) TryWrite(addr uint16, v uint64) bool {
	r, ok := c.lookup(addr, "write")
	if !ok {
		return false
	}
	r.Write(v)
	return true
}

// locate maps a byte offset from base onto a register address and byte lane.
// Offsets past the last byte of base continue into the following registers.
func (c *Collection) locate(base uint16, offset int, order ByteOrder) (uint16, int) {
	lanes := int(c.width / 8)
	addr := base + uint16(offset/lanes)
	lane := offset % lanes
	if order == MSBFirst {
		lane = lanes - 1 - lane
	}
	return addr, lane
}

// ReadWithOffset reads one byte of a wide register addressed as base plus a
// byte offset, in the given byte order.
func (c *Collection) ReadWithOffset(base uint16, offset int, order ByteOrder) byte {
	addr, lane := c.locate(base, offset, order)
	r, ok := c.lookup(addr, "read")
	if !ok {
		return 0
	}
	return r.ReadLane(lane)
}

// WriteWithOffset writes one byte of a wide register; see ReadWithOffset.
func (c *Collection) WriteWithOffset(base uint16, offset int, b byte, order ByteOrder) {
	addr, lane := c.locate(base, offset, order)
	r, ok := c.lookup(addr, "write")
	if !ok {
		return
	}
	r.WriteLane(lane, b)
}

// Peek returns the value at addr without read side effects.
func (c *Collection) Peek(addr uint16) (uint64, bool) {
	r, ok := c.regs[addr]
	if !ok {
		return 0, false
	}
	return r.Peek(), true
}

// Reset resets every register. It does not fire callbacks and can be
// called any number of times.
func (c *Collection) Reset() {
	for _, r := range c.regs {
		r.Reset()
	}
}

// Addresses returns the defined addresses in ascending order.
func (c *Collection) Addresses() []uint16 {
	out := make([]uint16, 0, len(c.regs))
	for a := range c.regs {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dump is a side-effect-free snapshot of one register.
type Dump struct {
	Address uint16      `json:"address"`
	Name    string      `json:"name"`
	Value   uint64      `json:"value"`
	Fields  []FieldInfo `json:"fields,omitempty"`
}

// Snapshot peeks every register in address order.
func (c *Collection) Snapshot() []Dump {
	addrs := c.Addresses()
	out := make([]Dump, 0, len(addrs))
	for _, a := range addrs {
		r := c.regs[a]
		out = append(out, Dump{Address: a, Name: r.name, Value: r.Peek(), Fields: r.Fields()})
	}
	return out
}
