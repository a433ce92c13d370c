package bus

import "github.com/micro-nova/sensorsim/internal/registers"

// Target is the register space a transaction moves bytes to and from.
type Target interface {
	ReadAt(c Cursor) byte
	WriteAt(c Cursor, b byte)
}

type byteTarget struct{ c *registers.Collection }

// Bytes exposes a collection of 8-bit registers. Lanes are ignored.
func Bytes(c *registers.Collection) Target { return byteTarget{c} }

func (t byteTarget) ReadAt(c Cursor) byte     { return byte(t.c.Read(c.Addr)) }
func (t byteTarget) WriteAt(c Cursor, b byte) { t.c.Write(c.Addr, uint64(b)) }

type wordTarget struct {
	c     *registers.Collection
	order registers.ByteOrder
}

// Words exposes a collection of wide registers byte by byte in the given
// order. Lane n of the cursor is the n-th byte sent on the bus.
func Words(c *registers.Collection, order registers.ByteOrder) Target {
	return wordTarget{c: c, order: order}
}

func (t wordTarget) ReadAt(c Cursor) byte { return t.c.ReadWithOffset(c.Addr, c.Lane, t.order) }
func (t wordTarget) WriteAt(c Cursor, b byte) {
	t.c.WriteWithOffset(c.Addr, c.Lane, b, t.order)
}

// TargetFuncs adapts a pair of functions to Target.
type TargetFuncs struct {
	Read  func(c Cursor) byte
	Write func(c Cursor, b byte)
}

func (f TargetFuncs) ReadAt(c Cursor) byte {
	if f.Read == nil {
		return 0
	}
	return f.Read(c)
}

func (f TargetFuncs) WriteAt(c Cursor, b byte) {
	if f.Write != nil {
		f.Write(c, b)
	}
}
