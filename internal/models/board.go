// Package models defines the board description loaded from the config file
// and the data structures the monitor API exchanges. JSON field names are
// the wire format of both.
package models

import "maps"

// BusConfig describes one emulated bus.
type BusConfig struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`               // "i2c" | "spi"
	SpeedHz int64  `json:"speed_hz,omitempty"` // i2c clock, 0 = unpaced
}

// PeripheralConfig places one chip model on a bus.
type PeripheralConfig struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Bus     string `json:"bus"`
	Address uint16 `json:"address,omitempty"` // 7-bit i2c address, ignored on spi
	// Samples is a sample file loaded into the model's FIFO at start and
	// reloaded whenever it changes on disk.
	Samples string `json:"samples,omitempty"`
	Repeat  int    `json:"repeat,omitempty"`
	// Stream is a timestamped sample file replayed in emulated time.
	Stream   string  `json:"stream,omitempty"`
	StreamHz float64 `json:"stream_hz,omitempty"`
	// IRQ maps model lines to board line names, e.g. {"int1": "accel-int1"}.
	IRQ        map[string]string  `json:"irq,omitempty"`
	Properties map[string]float64 `json:"properties,omitempty"`
}

// Board is the complete board description.
type Board struct {
	Name        string             `json:"name"`
	Buses       []BusConfig        `json:"buses"`
	Peripherals []PeripheralConfig `json:"peripherals"`
}

// DeepCopy returns a copy that shares no maps or slices with b.
func (b Board) DeepCopy() Board {
	next := Board{Name: b.Name}
	next.Buses = make([]BusConfig, len(b.Buses))
	copy(next.Buses, b.Buses)

	next.Peripherals = make([]PeripheralConfig, len(b.Peripherals))
	for i, p := range b.Peripherals {
		np := p
		if p.IRQ != nil {
			np.IRQ = maps.Clone(p.IRQ)
		}
		if p.Properties != nil {
			np.Properties = maps.Clone(p.Properties)
		}
		next.Peripherals[i] = np
	}
	return next
}

// Peripheral returns the named peripheral and its index, or -1.
func (b Board) Peripheral(name string) (PeripheralConfig, int) {
	for i, p := range b.Peripherals {
		if p.Name == name {
			return p, i
		}
	}
	return PeripheralConfig{}, -1
}

// Bus returns the named bus.
func (b Board) Bus(name string) (BusConfig, bool) {
	for _, bc := range b.Buses {
		if bc.Name == name {
			return bc, true
		}
	}
	return BusConfig{}, false
}

// Bus kinds.
const (
	BusI2C = "i2c"
	BusSPI = "spi"
)

// Peripheral kinds. The AK0991x family is configured by variant name.
const (
	KindADXL345  = "adxl345"
	KindLIS2DW12 = "lis2dw12"
	KindAK09911  = "ak09911"
	KindAK09912  = "ak09912"
	KindAK09915  = "ak09915"
	KindAK09916  = "ak09916"
	KindAK09918  = "ak09918"
	KindMAX30208 = "max30208"
	KindMAX77818 = "max77818"
	KindAS6221   = "as6221"
	KindPAC1934  = "pac1934"
	KindMAX86171 = "max86171"
	KindICP101xx = "icp101xx"
	KindLIS2DS12 = "lis2ds12"
	KindLSM9DS1  = "lsm9ds1"
)

// SPIKinds are the kinds that can sit on an spi bus.
var SPIKinds = map[string]bool{KindADXL345: true, KindMAX86171: true}

// SPIOnlyKinds are the kinds without an i2c interface.
var SPIOnlyKinds = map[string]bool{KindMAX86171: true}

// Kinds lists every known peripheral kind.
var Kinds = []string{
	KindADXL345, KindLIS2DW12,
	KindAK09911, KindAK09912, KindAK09915, KindAK09916, KindAK09918,
	KindMAX30208, KindMAX77818, KindAS6221, KindPAC1934,
	KindMAX86171, KindICP101xx, KindLIS2DS12, KindLSM9DS1,
}
