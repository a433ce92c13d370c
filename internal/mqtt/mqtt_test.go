package mqtt_test

import (
	"io"
	"log/slog"
	"reflect"
	"testing"

	"github.com/micro-nova/sensorsim/internal/events"
	"github.com/micro-nova/sensorsim/internal/models"
	"github.com/micro-nova/sensorsim/internal/mqtt"
)

type fakeBoard struct {
	fed   map[string]models.SamplesRequest
	props map[string]map[string]float64
}

func (f *fakeBoard) Feed(name string, req models.SamplesRequest) (models.SamplesResponse, *models.AppError) {
	if name == "missing" {
		return models.SamplesResponse{}, models.ErrNotFound("peripheral not found")
	}
	f.fed[name] = req
	return models.SamplesResponse{Queued: len(req.Samples)}, nil
}

func (f *fakeBoard) SetProperties(name string, props map[string]float64, persist bool) (models.PeripheralInfo, *models.AppError) {
	if persist {
		return models.PeripheralInfo{}, models.ErrBadRequest("unexpected persist")
	}
	f.props[name] = props
	return models.PeripheralInfo{Name: name}, nil
}

func newClient(prefix string) (*mqtt.Client, *fakeBoard) {
	fb := &fakeBoard{fed: map[string]models.SamplesRequest{}, props: map[string]map[string]float64{}}
	c := mqtt.New(mqtt.Config{
		Broker: "tcp://127.0.0.1:1883",
		Prefix: prefix,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, fb, events.NewBus())
	return c, fb
}

func TestEventTopic(t *testing.T) {
	c, _ := newClient("")
	tests := []struct {
		e    models.Event
		want string
	}{
		{models.Event{Type: models.EventIRQ, Peripheral: "ambient"}, "sensorsim/ambient/event"},
		{models.Event{Type: models.EventBoard}, "sensorsim/board/event"},
	}
	for _, tc := range tests {
		if got := c.EventTopic(tc.e); got != tc.want {
			t.Errorf("EventTopic(%s) = %q, want %q", tc.e.Type, got, tc.want)
		}
	}

	c, _ = newClient("/lab/sim/")
	if got := c.EventTopic(models.Event{Peripheral: "skin"}); got != "lab/sim/skin/event" {
		t.Errorf("EventTopic with prefix = %q, want %q", got, "lab/sim/skin/event")
	}
}

func TestDecodeSamples(t *testing.T) {
	tests := []struct {
		payload string
		want    models.SamplesRequest
	}{
		{`{"samples":[[0,0,1]],"repeat":3}`, models.SamplesRequest{Samples: [][]float64{{0, 0, 1}}, Repeat: 3}},
		{`[[0,0,1],[1,0,0]]`, models.SamplesRequest{Samples: [][]float64{{0, 0, 1}, {1, 0, 0}}}},
		{`[0.5, -1, 9.81]`, models.SamplesRequest{Samples: [][]float64{{0.5, -1, 9.81}}}},
		{` 36.6 `, models.SamplesRequest{Samples: [][]float64{{36.6}}}},
	}
	for _, tc := range tests {
		got, err := mqtt.DecodeSamples([]byte(tc.payload))
		if err != nil {
			t.Errorf("DecodeSamples(%s): %v", tc.payload, err)
			continue
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("DecodeSamples(%s) = %+v, want %+v", tc.payload, got, tc.want)
		}
	}

	for _, bad := range []string{``, `"hot"`, `{"samples":`, `[["x"]]`} {
		if _, err := mqtt.DecodeSamples([]byte(bad)); err == nil {
			t.Errorf("DecodeSamples(%q) succeeded, want error", bad)
		}
	}
}

func TestHandle(t *testing.T) {
	c, fb := newClient("")

	if err := c.Handle("sensorsim/accel/sample", []byte(`[0,0,1]`)); err != nil {
		t.Fatalf("Handle sample: %v", err)
	}
	if got := fb.fed["accel"].Samples; !reflect.DeepEqual(got, [][]float64{{0, 0, 1}}) {
		t.Errorf("fed accel = %v, want [[0 0 1]]", got)
	}

	if err := c.Handle("sensorsim/gauge/set", []byte(`{"voltage":3.7}`)); err != nil {
		t.Fatalf("Handle set: %v", err)
	}
	if got := fb.props["gauge"]["voltage"]; got != 3.7 {
		t.Errorf("gauge voltage = %v, want 3.7", got)
	}

	bad := []struct {
		topic, payload string
	}{
		{"other/accel/sample", `[0,0,1]`},
		{"sensorsim/accel", `[0,0,1]`},
		{"sensorsim//sample", `[0,0,1]`},
		{"sensorsim/accel/sample/x", `[0,0,1]`},
		{"sensorsim/accel/event", `{}`},
		{"sensorsim/missing/sample", `[1]`},
		{"sensorsim/accel/sample", `nope`},
		{"sensorsim/gauge/set", `{}`},
		{"sensorsim/gauge/set", `[1]`},
	}
	for _, tc := range bad {
		if err := c.Handle(tc.topic, []byte(tc.payload)); err == nil {
			t.Errorf("Handle(%q, %s) succeeded, want error", tc.topic, tc.payload)
		}
	}
}
