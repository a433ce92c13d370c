// Package bus implements the byte-level transaction framing shared by the
// sensor models, plus emulated I2C and SPI buses that speak periph.io's
// conn interfaces so host-side drivers can talk to the models unchanged.
//
// A transaction starts with an address phase that selects a register, then
// moves data bytes to or from the register space while an auto-increment
// policy advances the cursor. FinishTransmission (STOP or chip-select
// release) ends it. Nothing reachable from the bus returns an error: misuse
// is logged and answered with zeros or an empty buffer.
package bus

import "fmt"

// I2CPeripheral is a device model attached to an I2C bus.
// Calls for one peripheral are never concurrent.
type I2CPeripheral interface {
	Write(data []byte)
	Read(count int) []byte
	FinishTransmission()
	Reset()
}

// SPIPeripheral is a device model attached to an SPI bus. Transmit is called
// once per byte clocked while chip select is asserted.
type SPIPeripheral interface {
	Transmit(b byte) byte
	FinishTransmission()
	Reset()
}

// State is the transaction phase of a peripheral.
type State uint8

const (
	Idle State = iota
	AddressSet
	Reading
	Writing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AddressSet:
		return "address-set"
	case Reading:
		return "reading"
	case Writing:
		return "writing"
	}
	panic(fmt.Sprintf("bus: unknown state %d", uint8(s)))
}

// StopPolicy selects what FinishTransmission keeps.
type StopPolicy uint8

const (
	// StopClears forgets the address; a read in the next transaction
	// without a new address phase is a protocol error.
	StopClears StopPolicy = iota
	// StopKeepsAddress returns to Idle but later reads reuse the last address.
	StopKeepsAddress
	// StopKeepsPending is StopKeepsAddress, and a transaction that only sent
	// the address stays in AddressSet, so the address survives a STOP
	// issued between the address write and the read.
	StopKeepsPending
)

// ErrorResponse selects what a refused read returns.
type ErrorResponse uint8

const (
	// EmptyOnError returns a zero-length buffer.
	EmptyOnError ErrorResponse = iota
	// ZerosOnError returns count zero bytes.
	ZerosOnError
)
