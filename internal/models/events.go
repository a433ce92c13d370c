package models

import "time"

// Event types published on the monitor event bus.
const (
	EventIRQ      = "irq"      // a board line changed level
	EventReset    = "reset"    // a peripheral was reset
	EventSamples  = "samples"  // samples were fed or a sample file (re)loaded
	EventProperty = "property" // physical properties changed
	EventTx       = "tx"       // a monitor bus transaction ran
	EventBoard    = "board"    // the board was (re)built
	// EventSnapshot opens every event stream with the peripheral list.
	EventSnapshot = "snapshot"
)

// Event is one monitor notification.
type Event struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Time       time.Time          `json:"time"`
	Peripheral string             `json:"peripheral,omitempty"`
	Line       string             `json:"line,omitempty"`
	Level      *bool              `json:"level,omitempty"`
	Values     map[string]float64 `json:"values,omitempty"`
	Detail     string             `json:"detail,omitempty"`

	Peripherals []PeripheralInfo `json:"peripherals,omitempty"` // snapshot only
}
