// Package irq models interrupt and GPIO output lines driven by the sensor
// models. A Line only has a level; where the level goes (a recorder, the
// monitor event bus, a real GPIO pin) is decided by whoever wires the board.
package irq

import (
	"log/slog"
	"slices"
	"sync"

	"periph.io/x/conn/v3/gpio"
)

// Line is a level-settable output.
type Line interface {
	Set(level bool)
}

// Discard is a Line that goes nowhere.
var Discard Line = discard{}

type discard struct{}

func (discard) Set(bool) {}

// Pin is a named Line that remembers its level and notifies listeners on
// every edge. Setting the same level twice is not an edge.
type Pin struct {
	mu        sync.Mutex
	name      string
	level     bool
	edges     int
	listeners []func(name string, level bool)
}

func NewPin(name string) *Pin {
	return &Pin{name: name}
}

func (p *Pin) Name() string { return p.name }

func (p *Pin) Set(level bool) {
	p.mu.Lock()
	if p.level == level {
		p.mu.Unlock()
		return
	}
	p.level = level
	p.edges++
	ls := slices.Clone(p.listeners)
	p.mu.Unlock()
	for _, fn := range ls {
		fn(p.name, level)
	}
}

// Level returns the current level.
func (p *Pin) Level() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

// Edges counts level changes since creation.
func (p *Pin) Edges() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.edges
}

// Listen registers fn for every edge. fn runs on the goroutine that set the
// level and must not block.
func (p *Pin) Listen(fn func(name string, level bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// GPIO returns an edge listener that mirrors the line onto a physical pin.
func GPIO(out gpio.PinOut) func(name string, level bool) {
	return func(name string, level bool) {
		if err := out.Out(gpio.Level(level)); err != nil {
			slog.Warn("irq: gpio out failed", "line", name, "pin", out.Name(), "err", err)
		}
	}
}
