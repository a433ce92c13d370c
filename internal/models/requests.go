package models

import (
	"encoding/json"
	"fmt"
)

// Bytes is a byte slice that travels as a JSON array of numbers rather
// than base64, so register traffic stays readable in requests and events.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return json.Marshal(out)
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	var in []int
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	out := make(Bytes, len(in))
	for i, v := range in {
		if v < 0 || v > 0xFF {
			return fmt.Errorf("byte %d out of range: %d", i, v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// TxRequest is the POST body for a raw bus transaction: write, then read
// Read bytes with a repeated start, then STOP.
type TxRequest struct {
	Write Bytes `json:"write,omitempty"`
	Read  int   `json:"read,omitempty"`
}

// TxResponse carries the bytes read.
type TxResponse struct {
	Read Bytes `json:"read"`
}

// SamplesRequest is the POST body for feeding samples. Each sample is one
// row: three columns for vector sensors, one for scalar sensors.
type SamplesRequest struct {
	Samples [][]float64 `json:"samples"`
	Repeat  int         `json:"repeat,omitempty"`
}

// LoadFileRequest is the POST body for loading a sample file.
type LoadFileRequest struct {
	Path   string `json:"path"`
	Repeat int    `json:"repeat,omitempty"`
}

// SamplesResponse reports the queue depth after a feed, when the model
// exposes one.
type SamplesResponse struct {
	Queued int `json:"queued"`
}

// DriveRequest sets the level of a peripheral input pin.
type DriveRequest struct {
	Level bool `json:"level"`
}

// ClockRequest advances emulated time, e.g. {"duration": "250ms"}.
type ClockRequest struct {
	Duration string `json:"duration"`
}

// ClockResponse reports emulated time after an advance.
type ClockResponse struct {
	Now   string `json:"now"`
	NowNS int64  `json:"now_ns"`
}
