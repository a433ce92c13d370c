package bus

// Cursor addresses one byte of a register space: the register address and
// the byte lane within it. Lane is always 0 for byte-wide registers.
type Cursor struct {
	Addr uint16
	Lane int
}

// AutoIncrement returns where the cursor goes after a byte has been transferred.
type AutoIncrement func(c Cursor) Cursor

// Always advances to the next address after every byte.
func Always() AutoIncrement {
	return func(c Cursor) Cursor {
		c.Addr++
		return c
	}
}

// Never holds the cursor.
func Never() AutoIncrement {
	return func(c Cursor) Cursor { return c }
}

// Modulo advances and wraps to 0 at m.
func Modulo(m uint32) AutoIncrement {
	return func(c Cursor) Cursor {
		c.Addr = uint16((uint32(c.Addr) + 1) % m)
		return c
	}
}

// Range advances only while the cursor is inside [first, last). At last the
// cursor wraps back to first when wrap reports true, otherwise it holds.
// Outside the range the cursor holds. wrap may be nil.
func Range(first, last uint16, wrap func() bool) AutoIncrement {
	return func(c Cursor) Cursor {
		switch {
		case c.Addr >= first && c.Addr < last:
			c.Addr++
		case c.Addr == last && wrap != nil && wrap():
			c.Addr = first
		}
		return c
	}
}

// Conditional applies next only while enabled reports true; otherwise it holds.
// enabled is evaluated per byte so firmware can toggle it mid-session.
func Conditional(enabled func() bool, next AutoIncrement) AutoIncrement {
	return func(c Cursor) Cursor {
		if !enabled() {
			return c
		}
		return next(c)
	}
}

// HoldAt applies next everywhere except the listed addresses, which never advance.
func HoldAt(next AutoIncrement, addrs ...uint16) AutoIncrement {
	hold := make(map[uint16]bool, len(addrs))
	for _, a := range addrs {
		hold[a] = true
	}
	return func(c Cursor) Cursor {
		if hold[c.Addr] {
			return c
		}
		return next(c)
	}
}

// Jumps moves from each key of table to its value, and applies next elsewhere.
func Jumps(table map[uint16]uint16, next AutoIncrement) AutoIncrement {
	return func(c Cursor) Cursor {
		if to, ok := table[c.Addr]; ok {
			c.Addr = to
			c.Lane = 0
			return c
		}
		return next(c)
	}
}

// Lanes steps through the byte lanes of a register before the address
// advances, so the second half of a two-byte register does not move the
// logical register index. width reports the lane count at an address.
func Lanes(width func(addr uint16) int, next AutoIncrement) AutoIncrement {
	return func(c Cursor) Cursor {
		if c.Lane+1 < width(c.Addr) {
			c.Lane++
			return c
		}
		c.Lane = 0
		return next(c)
	}
}

// Fixed is a width function for registers that are all n bytes wide.
func Fixed(n int) func(uint16) int {
	return func(uint16) int { return n }
}
