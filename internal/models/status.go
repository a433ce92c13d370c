package models

import "github.com/micro-nova/sensorsim/internal/registers"

// PeripheralInfo is one entry of the peripheral list.
type PeripheralInfo struct {
	Name       string             `json:"name"`
	Kind       string             `json:"kind"`
	Bus        string             `json:"bus"`
	Address    uint16             `json:"address"`
	Lines      map[string]bool    `json:"lines,omitempty"` // board line levels
	Properties map[string]float64 `json:"properties"`
}

// PeripheralDetail adds a side-effect-free register dump.
type PeripheralDetail struct {
	PeripheralInfo
	Registers []registers.Dump `json:"registers"`
}

// Info is the monitor summary returned by GET /api.
type Info struct {
	Version     string `json:"version"`
	Board       string `json:"board"`
	Peripherals int    `json:"peripherals"`
	Uptime      string `json:"uptime"`
	Subscribers int    `json:"subscribers"`
}
