package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/micro-nova/sensorsim/internal/models"
)

// Validate reports every problem Migrate would fix or drop, joined into
// one error. A nil result means the board builds exactly as written.
func Validate(b models.Board) error {
	var errs []error
	check(&b, func(err error) { errs = append(errs, err) })
	return errors.Join(errs...)
}

// Migrate fills defaults and drops what cannot be built: unknown bus and
// peripheral kinds, peripherals on missing buses, duplicate names and
// duplicate addresses. Every change is logged.
func Migrate(b *models.Board) {
	check(b, func(err error) { slog.Warn("config: " + err.Error()) })
}

// check repairs b in place and reports each repair.
func check(b *models.Board, report func(error)) {
	if b.Name == "" {
		b.Name = "default"
	}

	buses := make([]models.BusConfig, 0, len(b.Buses))
	for i, bc := range b.Buses {
		if bc.Name == "" {
			bc.Name = fmt.Sprintf("bus%d", i)
			report(fmt.Errorf("bus %d has no name, using %q", i, bc.Name))
		}
		if bc.Kind == "" {
			bc.Kind = models.BusI2C
		}
		switch {
		case bc.Kind != models.BusI2C && bc.Kind != models.BusSPI:
			report(fmt.Errorf("bus %q: unknown kind %q, dropped", bc.Name, bc.Kind))
			continue
		case slices.ContainsFunc(buses, func(o models.BusConfig) bool { return o.Name == bc.Name }):
			report(fmt.Errorf("bus %q: duplicate name, dropped", bc.Name))
			continue
		}
		if bc.SpeedHz < 0 {
			report(fmt.Errorf("bus %q: negative speed %d, unpaced", bc.Name, bc.SpeedHz))
			bc.SpeedHz = 0
		}
		buses = append(buses, bc)
	}
	if len(buses) == 0 {
		buses = append(buses, models.BusConfig{Name: models.DefaultI2CBus, Kind: models.BusI2C, SpeedHz: models.DefaultI2CSpeed})
	}
	b.Buses = buses

	kinds := make(map[string]string, len(buses))
	firstI2C := ""
	for _, bc := range buses {
		kinds[bc.Name] = bc.Kind
		if firstI2C == "" && bc.Kind == models.BusI2C {
			firstI2C = bc.Name
		}
	}

	names := map[string]bool{}
	addrs := map[string]map[uint16]string{}
	periphs := make([]models.PeripheralConfig, 0, len(b.Peripherals))
	for i, p := range b.Peripherals {
		if !slices.Contains(models.Kinds, p.Kind) {
			report(fmt.Errorf("peripheral %d (%q): unknown kind %q, dropped", i, p.Name, p.Kind))
			continue
		}
		if p.Name == "" {
			p.Name = fmt.Sprintf("%s%d", p.Kind, i)
			report(fmt.Errorf("peripheral %d has no name, using %q", i, p.Name))
		}
		if names[p.Name] {
			report(fmt.Errorf("peripheral %q: duplicate name, dropped", p.Name))
			continue
		}
		if p.Bus == "" {
			p.Bus = firstI2C
		}
		kind, ok := kinds[p.Bus]
		switch {
		case !ok:
			report(fmt.Errorf("peripheral %q: unknown bus %q, dropped", p.Name, p.Bus))
			continue
		case kind == models.BusSPI && !models.SPIKinds[p.Kind]:
			report(fmt.Errorf("peripheral %q: %s has no spi interface, dropped", p.Name, p.Kind))
			continue
		case kind == models.BusI2C && models.SPIOnlyKinds[p.Kind]:
			report(fmt.Errorf("peripheral %q: %s has no i2c interface, dropped", p.Name, p.Kind))
			continue
		case kind == models.BusI2C && p.Address > 0x7F:
			report(fmt.Errorf("peripheral %q: address %#x is not 7-bit, dropped", p.Name, p.Address))
			continue
		}
		if kind == models.BusI2C {
			if addrs[p.Bus] == nil {
				addrs[p.Bus] = map[uint16]string{}
			}
			if other, dup := addrs[p.Bus][p.Address]; dup {
				report(fmt.Errorf("peripheral %q: address %#x on %s already used by %q, dropped", p.Name, p.Address, p.Bus, other))
				continue
			}
			addrs[p.Bus][p.Address] = p.Name
		}
		if p.StreamHz > models.MaxStreamHz {
			report(fmt.Errorf("peripheral %q: stream_hz %v above %d, capped", p.Name, p.StreamHz, models.MaxStreamHz))
			p.StreamHz = models.MaxStreamHz
		}
		if p.Stream != "" && p.StreamHz <= 0 {
			p.StreamHz = models.DefaultStreamHz
		}
		names[p.Name] = true
		periphs = append(periphs, p)
	}
	b.Peripherals = periphs
}
