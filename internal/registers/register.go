package registers

import (
	"fmt"
	"log/slog"
)

// Register is a fixed-width storage cell made of non-overlapping fields.
// Bits that belong to no field are reserved and read back as the reset default.
type Register struct {
	name    string
	width   uint
	def     uint64
	fields  []*field
	used    uint64
	onWrite []func(old, new uint64)
	coll    *Collection
	log     *slog.Logger
}

// NewRegister returns a standalone register. Width must be 8, 16 or 32.
func NewRegister(name string, width uint, def uint64) *Register {
	switch width {
	case 8, 16, 32:
	default:
		panic(fmt.Sprintf("registers: %s: unsupported width %d", name, width))
	}
	r := &Register{name: name, width: width}
	r.def = def & r.fullMask()
	return r
}

func (r *Register) Name() string    { return r.name }
func (r *Register) Width() uint     { return r.width }
func (r *Register) Default() uint64 { return r.def }

func (r *Register) fullMask() uint64 { return 1<<r.width - 1 }

func (r *Register) logger() *slog.Logger {
	if r.coll != nil {
		return r.coll.log
	}
	return defaultLogger(r.log)
}

func (r *Register) add(kind Kind, offset, width uint, name string, access Access, opts []Option) *field {
	if width == 0 || offset+width > r.width {
		panic(fmt.Sprintf("registers: %s.%s: bits %d..%d outside %d-bit register",
			r.name, name, offset, offset+width-1, r.width))
	}
	f := &field{reg: r, name: name, kind: kind, offset: offset, width: width, access: access}
	if r.used&f.span() != 0 {
		panic(fmt.Sprintf("registers: %s.%s: overlaps another field", r.name, name))
	}
	for _, o := range opts {
		o.apply(f)
	}
	if f.known != nil && kind != KindEnum {
		panic(fmt.Sprintf("registers: %s.%s: Known applies to enum fields only", r.name, name))
	}
	r.used |= f.span()
	r.fields = append(r.fields, f)
	f.reset()
	return f
}

// DefineFlag adds a one-bit field. The default access is ReadWrite.
func (r *Register) DefineFlag(pos uint, name string, opts ...Option) *Flag {
	return &Flag{f: r.add(KindFlag, pos, 1, name, ReadWrite, opts)}
}

// DefineValue adds a multi-bit unsigned field. The default access is ReadWrite.
func (r *Register) DefineValue(offset, width uint, name string, opts ...Option) *Value {
	return &Value{f: r.add(KindValue, offset, width, name, ReadWrite, opts)}
}

// Reserved marks bits that read as their default and ignore writes.
func (r *Register) Reserved(offset, width uint) *Register {
	r.add(KindReserved, offset, width, "reserved", Read, nil)
	return r
}

// Tagged marks bits that are stored but not modelled; accesses are logged at debug level.
func (r *Register) Tagged(name string, offset, width uint) *Register {
	r.add(KindTag, offset, width, name, ReadWrite, nil)
	return r
}

// OnWrite registers a whole-register callback fired after all fields have
// taken a written value. old and new are the stored composites.
func (r *Register) OnWrite(fn func(old, new uint64)) *Register {
	r.onWrite = append(r.onWrite, fn)
	return r
}

// Read composes the register from its fields, applying read side effects.
func (r *Register) Read() uint64 { return r.read(r.fullMask()) }

// Write splits v over the fields and fires the write callbacks.
func (r *Register) Write(v uint64) { r.write(v, r.fullMask()) }

// ReadLane reads byte lane i, where lane 0 holds the least significant bits.
// Only fields overlapping that lane are read.
func (r *Register) ReadLane(i int) byte {
	shift := uint(i) * 8
	return byte(r.read(0xff<<shift) >> shift)
}

// WriteLane writes byte lane i, leaving fields outside that lane untouched.
func (r *Register) WriteLane(i int, b byte) {
	shift := uint(i) * 8
	r.write(uint64(b)<<shift, 0xff<<shift)
}

// Lanes is the number of bytes in the register.
func (r *Register) Lanes() int { return int(r.width / 8) }

// Peek returns the register value without read side effects.
func (r *Register) Peek() uint64 {
	v := r.def &^ r.used
	for _, f := range r.fields {
		v |= f.peek() << f.offset
	}
	return v
}

// Reset restores every field to the register default without firing callbacks.
func (r *Register) Reset() {
	for _, f := range r.fields {
		f.reset()
	}
}

// Fields describes the defined fields for diagnostics.
func (r *Register) Fields() []FieldInfo {
	out := make([]FieldInfo, 0, len(r.fields))
	for _, f := range r.fields {
		out = append(out, FieldInfo{
			Name:   f.name,
			Kind:   f.kind.String(),
			Offset: f.offset,
			Width:  f.width,
			Access: f.access.String(),
			Value:  f.peek(),
		})
	}
	return out
}

func (r *Register) read(mask uint64) uint64 {
	mask &= r.fullMask()
	v := r.def &^ r.used
	for _, f := range r.fields {
		if f.span()&mask == 0 {
			continue
		}
		v |= f.read() << f.offset
	}
	return v & mask
}

func (r *Register) stored() uint64 {
	var v uint64
	for _, f := range r.fields {
		v |= (f.value & f.mask()) << f.offset
	}
	return v
}

func (r *Register) write(v, mask uint64) {
	mask &= r.fullMask()
	old := r.stored()
	for _, f := range r.fields {
		if f.span()&mask == 0 {
			continue
		}
		var bits uint64
		if f.access&WriteOneToClear != 0 {
			// bits outside the written lane must not clear anything
			bits = (v & mask) >> f.offset
		} else {
			bits = ((f.value<<f.offset)&^mask | v&mask) >> f.offset
		}
		f.write(bits)
	}
	if len(r.onWrite) == 0 {
		return
	}
	now := r.stored()
	for _, fn := range r.onWrite {
		fn(old, now)
	}
}
