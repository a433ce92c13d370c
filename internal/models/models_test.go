package models_test

import (
	"encoding/json"
	"testing"

	"github.com/micro-nova/sensorsim/internal/models"
)

func TestDeepCopy(t *testing.T) {
	b := models.DefaultBoard()
	cp := b.DeepCopy()

	cp.Buses[0].Name = "modified"
	if b.Buses[0].Name == "modified" {
		t.Error("deep copy did not isolate Buses slice")
	}
	cp.Peripherals[0].Properties["temperature"] = 99
	if b.Peripherals[0].Properties["temperature"] == 99 {
		t.Error("deep copy did not isolate Properties map")
	}
	cp.Peripherals[0].IRQ["int1"] = "other"
	if b.Peripherals[0].IRQ["int1"] == "other" {
		t.Error("deep copy did not isolate IRQ map")
	}
}

func TestBoardLookup(t *testing.T) {
	b := models.DefaultBoard()
	p, i := b.Peripheral("accel")
	if i < 0 || p.Kind != models.KindADXL345 {
		t.Errorf("Peripheral(accel) = %+v, %d", p, i)
	}
	if _, i := b.Peripheral("missing"); i != -1 {
		t.Errorf("Peripheral(missing) index = %d, want -1", i)
	}
	if _, ok := b.Bus(p.Bus); !ok {
		t.Errorf("Bus(%q) not found", p.Bus)
	}
}

func TestDefaultBoardAddressesUnique(t *testing.T) {
	b := models.DefaultBoard()
	seen := map[string]map[uint16]string{}
	for _, p := range b.Peripherals {
		bc, ok := b.Bus(p.Bus)
		if !ok {
			t.Errorf("%s: unknown bus %q", p.Name, p.Bus)
			continue
		}
		if bc.Kind != models.BusI2C {
			continue
		}
		if seen[p.Bus] == nil {
			seen[p.Bus] = map[uint16]string{}
		}
		if other, dup := seen[p.Bus][p.Address]; dup {
			t.Errorf("%s and %s share address %#x", p.Name, other, p.Address)
		}
		seen[p.Bus][p.Address] = p.Name
	}
}

func TestBytesJSON(t *testing.T) {
	var req models.TxRequest
	if err := json.Unmarshal([]byte(`{"write":[50,255],"read":6}`), &req); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(req.Write) != 2 || req.Write[0] != 0x32 || req.Write[1] != 0xFF || req.Read != 6 {
		t.Errorf("TxRequest = %+v", req)
	}
	out, err := json.Marshal(models.TxResponse{Read: models.Bytes{1, 2}})
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"read":[1,2]}` {
		t.Errorf("Marshal = %s, want {\"read\":[1,2]}", out)
	}
	if err := json.Unmarshal([]byte(`{"write":[256]}`), &req); err == nil {
		t.Error("Unmarshal accepted 256 as a byte")
	}
}

func TestAppError_JSON(t *testing.T) {
	data, err := json.Marshal(models.FieldError("read", "negative count"))
	if err != nil {
		t.Fatalf("json.Marshal(AppError): %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}
	if m["error"] != "BAD_REQUEST" || m["field"] != "read" {
		t.Errorf("AppError JSON = %s", data)
	}
	if _, ok := m["status"]; ok {
		t.Error("AppError JSON should not contain 'status' field (json:\"-\")")
	}
}

func TestAppError_ErrorConstructors(t *testing.T) {
	tests := []struct {
		name   string
		err    *models.AppError
		status int
		code   string
	}{
		{"NotFound", models.ErrNotFound("x"), 404, "NOT_FOUND"},
		{"BadRequest", models.ErrBadRequest("x"), 400, "BAD_REQUEST"},
		{"Internal", models.ErrInternal("x"), 500, "INTERNAL"},
		{"Conflict", models.ErrConflict("x"), 409, "CONFLICT"},
		{"Unsupported", models.ErrUnsupported("x"), 422, "UNSUPPORTED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Status != tt.status {
				t.Errorf("Status = %d, want %d", tt.err.Status, tt.status)
			}
			if tt.err.Code != tt.code {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
			}
			if tt.err.Error() != "x" {
				t.Errorf("Error() = %q, want %q", tt.err.Error(), "x")
			}
		})
	}
}
