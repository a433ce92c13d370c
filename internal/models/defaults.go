package models

// Default bus names.
const (
	DefaultI2CBus = "i2c0"
	DefaultSPIBus = "spi0"
	// DefaultI2CSpeed is fast mode.
	DefaultI2CSpeed = 400_000
	// DefaultStreamHz is the replay rate of stream files when none is set.
	DefaultStreamHz = 100
	// MaxStreamHz bounds stream_hz; faster replay is not schedulable.
	MaxStreamHz = 1_000_000
)

// DefaultBoard is used when no board file exists: one of each model on a
// single I2C bus at the addresses the chips strap to by default.
func DefaultBoard() Board {
	return Board{
		Name: "default",
		Buses: []BusConfig{
			{Name: DefaultI2CBus, Kind: BusI2C, SpeedHz: DefaultI2CSpeed},
			{Name: DefaultSPIBus, Kind: BusSPI},
		},
		Peripherals: []PeripheralConfig{
			{Name: "accel", Kind: KindADXL345, Bus: DefaultI2CBus, Address: 0x53,
				IRQ: map[string]string{"int1": "accel-int1"}, Properties: map[string]float64{}},
			{Name: "accel2", Kind: KindLIS2DW12, Bus: DefaultI2CBus, Address: 0x19,
				IRQ: map[string]string{"int1": "accel2-int1"}, Properties: map[string]float64{"temperature": 25}},
			{Name: "mag", Kind: KindAK09916, Bus: DefaultI2CBus, Address: 0x0C},
			{Name: "skin", Kind: KindMAX30208, Bus: DefaultI2CBus, Address: 0x50,
				Properties: map[string]float64{"temperature": 36.5}},
			{Name: "gauge", Kind: KindMAX77818, Bus: DefaultI2CBus, Address: 0x36,
				Properties: map[string]float64{"voltage": 3.8, "soc": 80, "temperature": 25}},
			{Name: "ambient", Kind: KindAS6221, Bus: DefaultI2CBus, Address: 0x48,
				IRQ: map[string]string{"alert": "ambient-alert"}, Properties: map[string]float64{"temperature": 22}},
			{Name: "power", Kind: KindPAC1934, Bus: DefaultI2CBus, Address: 0x10},
		},
	}
}
