package bus

// SPIFrame adapts a Transaction to per-byte SPI framing: the first
// AddressBytes bytes clocked after chip select are the address phase,
// decoded with the transaction's ReadBit, BurstBit, AddressMask and
// AddressShift; the following bytes move data in the direction the address
// phase selected.
type SPIFrame struct {
	t       *Transaction
	header  int
	raw     uint16
	reading bool
}

// NewSPIFrame wraps t. t should not be driven through its I2C methods too.
func NewSPIFrame(t *Transaction) *SPIFrame {
	return &SPIFrame{t: t}
}

// Transaction returns the underlying state machine.
func (f *SPIFrame) Transaction() *Transaction { return f.t }

// Transmit exchanges one byte. Address phase bytes always answer 0.
func (f *SPIFrame) Transmit(b byte) byte {
	if f.header < f.t.cfg.AddressBytes {
		f.raw = f.raw<<8 | uint16(b)
		f.header++
		if f.header < f.t.cfg.AddressBytes {
			return 0
		}
		f.reading = f.t.cfg.ReadBit != 0 && f.raw&f.t.cfg.ReadBit != 0
		f.t.setAddress(f.raw&^f.t.cfg.ReadBit, !f.reading)
		if f.reading {
			f.t.state = Reading
		} else {
			f.t.state = AddressSet
		}
		return 0
	}
	if f.reading {
		return f.t.readByte()
	}
	f.t.state = Writing
	f.t.writeByte(b)
	return 0
}

// FinishTransmission handles chip-select release.
func (f *SPIFrame) FinishTransmission() {
	f.header = 0
	f.raw = 0
	f.reading = false
	f.t.state = Idle
	f.t.valid = false
}

// Reset drops any frame in progress.
func (f *SPIFrame) Reset() {
	f.header = 0
	f.raw = 0
	f.reading = false
	f.t.Reset()
}
