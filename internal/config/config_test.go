package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/micro-nova/sensorsim/internal/config"
	"github.com/micro-nova/sensorsim/internal/models"
)

// --- JSONStore tests ---

func boardPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "board.json")
}

func writeBoard(t *testing.T, content string) string {
	t.Helper()
	path := boardPath(t)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestJSONStore_LoadMissingFile_ReturnsDefault(t *testing.T) {
	store := config.NewJSONStore(boardPath(t))

	b, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
	def := models.DefaultBoard()
	if len(b.Peripherals) != len(def.Peripherals) {
		t.Errorf("Load() peripherals = %d, want %d", len(b.Peripherals), len(def.Peripherals))
	}
}

func TestJSONStore_SaveLoadRoundTrip(t *testing.T) {
	store := config.NewJSONStore(boardPath(t))

	b := models.DefaultBoard()
	b.Name = "bench"
	b.Peripherals[0].Properties["temperature"] = 31.5

	if err := store.Save(&b); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Name != "bench" {
		t.Errorf("Name = %q, want %q", loaded.Name, "bench")
	}
	if got := loaded.Peripherals[0].Properties["temperature"]; got != 31.5 {
		t.Errorf("Peripherals[0].Properties[temperature] = %v, want 31.5", got)
	}
}

func TestJSONStore_CorruptJSON_IsError(t *testing.T) {
	store := config.NewJSONStore(writeBoard(t, "{invalid json!!!"))
	if _, err := store.Load(); err == nil || !strings.Contains(err.Error(), "config: parse") {
		t.Errorf("Load() error = %v, want parse error", err)
	}
}

func TestJSONStore_SaveIsolatesCaller(t *testing.T) {
	store := config.NewJSONStore(boardPath(t))
	b := models.DefaultBoard()
	if err := store.Save(&b); err != nil {
		t.Fatal(err)
	}
	b.Name = "changed after save"
	if err := store.Flush(); err != nil {
		t.Fatal(err)
	}
	loaded, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Name != "default" {
		t.Errorf("Name = %q, want the value at Save time", loaded.Name)
	}
}

func TestJSONStore_FlushWithoutSave_NoError(t *testing.T) {
	store := config.NewJSONStore(boardPath(t))
	if err := store.Flush(); err != nil {
		t.Errorf("Flush() without Save = %v, want nil", err)
	}
	if _, err := os.Stat(store.Path()); !os.IsNotExist(err) {
		t.Errorf("Flush() without Save created %s", store.Path())
	}
}

func TestJSONStore_LoadMigrates(t *testing.T) {
	store := config.NewJSONStore(writeBoard(t, `{
		"peripherals": [
			{"name": "a", "kind": "adxl345", "address": 83},
			{"name": "b", "kind": "adxl345", "address": 83},
			{"name": "c", "kind": "bmp280", "address": 118},
			{"name": "d", "kind": "lis2dw12", "address": 25, "stream": "d.txt"}
		]
	}`))
	b, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Buses) != 1 || b.Buses[0].Name != models.DefaultI2CBus {
		t.Errorf("Buses = %+v, want the default i2c bus", b.Buses)
	}
	var names []string
	for _, p := range b.Peripherals {
		names = append(names, p.Name)
	}
	if strings.Join(names, ",") != "a,d" {
		t.Errorf("peripherals = %v, want [a d]", names)
	}
	if b.Peripherals[1].Bus != models.DefaultI2CBus || b.Peripherals[1].StreamHz != models.DefaultStreamHz {
		t.Errorf("d = %+v, want default bus and stream rate", b.Peripherals[1])
	}
}

// --- Validate / Migrate tests ---

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		board models.Board
		want  string // substring of the error, "" for valid
	}{
		{"default", models.DefaultBoard(), ""},
		{"unknown bus kind", models.Board{
			Buses: []models.BusConfig{{Name: "x", Kind: "can"}},
		}, `unknown kind "can"`},
		{"duplicate bus", models.Board{
			Buses: []models.BusConfig{{Name: "x"}, {Name: "x"}},
		}, "duplicate name"},
		{"spi kind", models.Board{
			Buses:       []models.BusConfig{{Name: "s", Kind: models.BusSPI}},
			Peripherals: []models.PeripheralConfig{{Name: "g", Kind: models.KindMAX77818, Bus: "s"}},
		}, "no spi interface"},
		{"spi-only kind on i2c", models.Board{
			Buses:       []models.BusConfig{{Name: "i"}},
			Peripherals: []models.PeripheralConfig{{Name: "ppg", Kind: models.KindMAX86171, Address: 0x62}},
		}, "no i2c interface"},
		{"wide address", models.Board{
			Buses:       []models.BusConfig{{Name: "i"}},
			Peripherals: []models.PeripheralConfig{{Name: "g", Kind: models.KindMAX77818, Bus: "i", Address: 0x80}},
		}, "not 7-bit"},
		{"missing bus", models.Board{
			Buses:       []models.BusConfig{{Name: "i"}},
			Peripherals: []models.PeripheralConfig{{Name: "g", Kind: models.KindMAX77818, Bus: "j"}},
		}, `unknown bus "j"`},
		{"duplicate peripheral", models.Board{
			Buses: []models.BusConfig{{Name: "i"}},
			Peripherals: []models.PeripheralConfig{
				{Name: "g", Kind: models.KindMAX77818, Address: 0x36},
				{Name: "g", Kind: models.KindAS6221, Address: 0x48},
			},
		}, "duplicate name"},
		{"stream rate", models.Board{
			Buses:       []models.BusConfig{{Name: "i"}},
			Peripherals: []models.PeripheralConfig{{Name: "a", Kind: models.KindADXL345, Address: 0x53, Stream: "a.txt", StreamHz: 2e9}},
		}, "stream_hz"},
		{"spi ignores addresses", models.Board{
			Buses: []models.BusConfig{{Name: "s", Kind: models.BusSPI}},
			Peripherals: []models.PeripheralConfig{
				{Name: "a", Kind: models.KindADXL345, Bus: "s"},
				{Name: "b", Kind: models.KindADXL345, Bus: "s"},
			},
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := config.Validate(tt.board)
			switch {
			case tt.want == "" && err != nil:
				t.Errorf("Validate() = %v, want nil", err)
			case tt.want != "" && (err == nil || !strings.Contains(err.Error(), tt.want)):
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestValidateDoesNotModify(t *testing.T) {
	b := models.Board{
		Buses:       []models.BusConfig{{Name: "i"}},
		Peripherals: []models.PeripheralConfig{{Kind: "nope"}},
	}
	if err := config.Validate(b); err == nil {
		t.Fatal("Validate() = nil, want error")
	}
	if len(b.Peripherals) != 1 || b.Buses[0].Kind != "" {
		t.Errorf("Validate modified its argument: %+v", b)
	}
}

func TestMigrateNames(t *testing.T) {
	b := models.Board{Peripherals: []models.PeripheralConfig{{Kind: models.KindPAC1934, Address: 0x10}}}
	config.Migrate(&b)
	if b.Name != "default" {
		t.Errorf("Name = %q, want default", b.Name)
	}
	if len(b.Peripherals) != 1 || b.Peripherals[0].Name != "pac19340" {
		t.Errorf("Peripherals = %+v, want one named pac19340", b.Peripherals)
	}
}

func TestMigrateCapsStreamRate(t *testing.T) {
	b := models.Board{Peripherals: []models.PeripheralConfig{
		{Name: "a", Kind: models.KindADXL345, Address: 0x53, Stream: "a.txt", StreamHz: 5e9},
	}}
	config.Migrate(&b)
	if got := b.Peripherals[0].StreamHz; got != models.MaxStreamHz {
		t.Errorf("StreamHz = %v, want %v", got, models.MaxStreamHz)
	}
}

// --- MemStore tests ---

func TestMemStore_LoadBeforeSave_ReturnsDefault(t *testing.T) {
	b, err := config.NewMemStore().Load()
	if err != nil {
		t.Fatal(err)
	}
	if b.Name != models.DefaultBoard().Name {
		t.Errorf("Load() = %q, want the default board", b.Name)
	}
}

func TestMemStore_MutationIsolation(t *testing.T) {
	store := config.NewMemStoreWith(models.DefaultBoard())
	b, _ := store.Load()
	b.Peripherals[0].Properties["temperature"] = 80
	again, _ := store.Load()
	if again.Peripherals[0].Properties["temperature"] == 80 {
		t.Error("mutating a loaded board changed the store")
	}
	if err := store.Save(b); err != nil {
		t.Fatal(err)
	}
	b.Name = "after save"
	again, _ = store.Load()
	if again.Name == "after save" || again.Peripherals[0].Properties["temperature"] != 80 {
		t.Errorf("Load() after Save = %+v", again)
	}
	if store.Path() != ":memory:" || store.Flush() != nil {
		t.Errorf("Path/Flush = %q/%v", store.Path(), store.Flush())
	}
}
