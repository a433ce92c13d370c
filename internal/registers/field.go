package registers

import (
	"fmt"
	"log/slog"
)

// Access describes how a field responds to bus reads and writes.
// Modes combine as bit flags, e.g. Read|WriteOneToClear for a sticky status bit.
type Access uint8

const (
	Read  Access = 1 << iota // bus reads return the field value
	Write                    // bus writes store the value
	// ReadToClear returns the stored value and then clears it.
	ReadToClear
	// WriteOneToClear clears every stored bit written as 1; 0 bits are kept.
	WriteOneToClear

	ReadWrite = Read | Write
)

func (a Access) readable() bool { return a&(Read|ReadToClear) != 0 }
func (a Access) writable() bool { return a&(Write|WriteOneToClear) != 0 }

func (a Access) String() string {
	switch a {
	case Read:
		return "r"
	case Write:
		return "w"
	case ReadWrite:
		return "rw"
	case ReadToClear, Read | ReadToClear:
		return "rc"
	case WriteOneToClear:
		return "w1c"
	case Read | WriteOneToClear:
		return "rw1c"
	}
	return fmt.Sprintf("access(%#x)", uint8(a))
}

func (a Access) apply(f *field) { f.access = a }

// Kind is the semantic view a field gives over its bits.
type Kind uint8

const (
	KindFlag Kind = iota
	KindValue
	KindEnum
	KindReserved
	KindTag
)

func (k Kind) String() string {
	switch k {
	case KindFlag:
		return "flag"
	case KindValue:
		return "value"
	case KindEnum:
		return "enum"
	case KindReserved:
		return "reserved"
	case KindTag:
		return "tag"
	}
	panic(fmt.Sprintf("registers: unknown field kind %d", uint8(k)))
}

// Option configures a field at definition time. Access values are options too.
type Option interface {
	apply(*field)
}

type optionFunc func(*field)

func (o optionFunc) apply(f *field) { o(f) }

// Provider computes the field value on every read instead of returning the
// stored value. The provider may have side effects such as dequeuing a sample.
func Provider(fn func() uint64) Option {
	return optionFunc(func(f *field) { f.provider = fn })
}

// FlagProvider is Provider for one-bit fields.
func FlagProvider(fn func() bool) Option {
	return optionFunc(func(f *field) {
		f.provider = func() uint64 { return boolBits(fn()) }
	})
}

// Volatile marks the provider as side-effecting, so Peek does not call it.
func Volatile() Option {
	return optionFunc(func(f *field) { f.volatile = true })
}

// OnWrite registers a callback fired after every bus write to the field with
// the previous stored value and the value written (truncated to width).
func OnWrite(fn func(old, written uint64)) Option {
	return optionFunc(func(f *field) { f.onWrite = append(f.onWrite, fn) })
}

// OnFlagWrite is OnWrite for one-bit fields.
func OnFlagWrite(fn func(written bool)) Option {
	return OnWrite(func(_, v uint64) { fn(v != 0) })
}

// OnChange registers a callback fired when a bus write changes the stored value.
func OnChange(fn func(old, new uint64)) Option {
	return optionFunc(func(f *field) { f.onChange = append(f.onChange, fn) })
}

// OnFlagChange is OnChange for one-bit fields.
func OnFlagChange(fn func(v bool)) Option {
	return OnChange(func(_, v uint64) { fn(v != 0) })
}

// Known restricts an enum field to the listed raw values. Writes of any other
// value are dropped with a warning. Without Known, unknown values pass through.
func Known(values ...uint64) Option {
	return optionFunc(func(f *field) {
		f.known = make(map[uint64]bool, len(values))
		for _, v := range values {
			f.known[v] = true
		}
	})
}

type field struct {
	reg    *Register
	name   string
	kind   Kind
	offset uint
	width  uint
	access Access

	value    uint64
	provider func() uint64
	volatile bool
	onWrite  []func(old, written uint64)
	onChange []func(old, new uint64)
	known    map[uint64]bool
}

func (f *field) mask() uint64 { return 1<<f.width - 1 }

// span is the field mask positioned within the register.
func (f *field) span() uint64 { return f.mask() << f.offset }

func (f *field) defaultValue() uint64 { return (f.reg.def >> f.offset) & f.mask() }

func (f *field) reset() { f.value = f.defaultValue() }

func (f *field) read() uint64 {
	switch f.kind {
	case KindReserved:
		return f.defaultValue()
	case KindTag:
		f.reg.logger().Debug("registers: read of tagged bits",
			"register", f.reg.name, "tag", f.name, "value", f.value)
		return f.value
	}
	if !f.access.readable() {
		return 0
	}
	v := f.value
	if f.provider != nil {
		v = f.provider() & f.mask()
	}
	if f.access&ReadToClear != 0 {
		f.value = 0
	}
	return v
}

func (f *field) peek() uint64 {
	switch f.kind {
	case KindReserved:
		return f.defaultValue()
	case KindTag:
		return f.value
	}
	if f.provider != nil && !f.volatile {
		return f.provider() & f.mask()
	}
	return f.value
}

func (f *field) write(v uint64) {
	v &= f.mask()
	switch f.kind {
	case KindReserved:
		return
	case KindTag:
		if v != f.value {
			f.reg.logger().Debug("registers: write to tagged bits",
				"register", f.reg.name, "tag", f.name, "value", v)
		}
		f.value = v
		return
	}
	if !f.access.writable() {
		if v != f.value {
			f.reg.logger().Debug("registers: write to read-only field ignored",
				"register", f.reg.name, "field", f.name, "value", v)
		}
		return
	}
	if f.known != nil && !f.known[v] {
		f.reg.logger().Warn("registers: invalid enum value ignored",
			"register", f.reg.name, "field", f.name, "value", v)
		return
	}
	old := f.value
	if f.access&WriteOneToClear != 0 {
		f.value = old &^ v
	} else {
		f.value = v
	}
	for _, fn := range f.onWrite {
		fn(old, v)
	}
	if old != f.value {
		for _, fn := range f.onChange {
			fn(old, f.value)
		}
	}
}

// Flag is a one-bit field handle.
type Flag struct{ f *field }

// Value returns the stored bit.
func (h *Flag) Value() bool { return h.f.value != 0 }

// SetValue stores the bit without firing callbacks.
func (h *Flag) SetValue(v bool) { h.f.value = boolBits(v) }

func (h *Flag) Name() string { return h.f.name }

// Value is a multi-bit unsigned field handle.
type Value struct{ f *field }

func (h *Value) Value() uint64 { return h.f.value }

// SetValue stores v truncated to the field width without firing callbacks.
func (h *Value) SetValue(v uint64) { h.f.value = v & h.f.mask() }

func (h *Value) Name() string { return h.f.name }

// Width is the field width in bits.
func (h *Value) Width() uint { return h.f.width }

// EnumValue constrains the Go types an enum field can be viewed as.
type EnumValue interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Enum is a field handle whose raw value maps onto the symbol type T.
type Enum[T EnumValue] struct{ f *field }

func (h *Enum[T]) Value() T { return T(h.f.value) }

// SetValue stores v without firing callbacks.
func (h *Enum[T]) SetValue(v T) { h.f.value = uint64(v) & h.f.mask() }

func (h *Enum[T]) Name() string { return h.f.name }

// Valid reports whether the stored raw value is one of the Known symbols.
// Pass-through enums are always valid.
func (h *Enum[T]) Valid() bool {
	return h.f.known == nil || h.f.known[h.f.value]
}

// DefineEnum adds an enum field to r. It is a function rather than a method
// because Go methods cannot take type parameters.
func DefineEnum[T EnumValue](r *Register, offset, width uint, name string, opts ...Option) *Enum[T] {
	return &Enum[T]{f: r.add(KindEnum, offset, width, name, ReadWrite, opts)}
}

// FieldInfo describes one field for register dumps.
type FieldInfo struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Offset uint   `json:"offset"`
	Width  uint   `json:"width"`
	Access string `json:"access"`
	Value  uint64 `json:"value"`
}

func boolBits(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

func defaultLogger(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}
