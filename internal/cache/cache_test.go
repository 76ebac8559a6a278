package cache

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chaz8081/trumoto/internal/ble/protocol"
)

func TestLoadMissingFile(t *testing.T) {
	s := New(t.TempDir())

	_, ok, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if ok {
		t.Error("Load() on a fresh directory should report no snapshot")
	}
}

func TestSaveThenLoadFromFreshStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "cache")

	// Decoded from the wire, so values carry float32 rounding.
	want, err := protocol.DecodeTelemetry(protocol.EncodeTelemetry(protocol.Snapshot{
		Speed: 42, BatteryVoltage: 48.2, MotorCurrent: 12.3, MotorTemperature: 65, BatteryPercentage: 87,
	}))
	if err != nil {
		t.Fatalf("DecodeTelemetry() error = %v", err)
	}

	if err := New(dir).Save(want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// A new Store simulates a restart.
	got, ok, err := New(dir).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !ok || got != want {
		t.Errorf("Load() = %+v, %v, want %+v", got, ok, want)
	}
}

func TestSaveOverwrites(t *testing.T) {
	s := New(t.TempDir())
	_ = s.Save(protocol.Snapshot{Speed: 1})
	if err := s.Save(protocol.Snapshot{Speed: 2}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, _, _ := s.Load()
	if got.Speed != 2 {
		t.Errorf("Speed = %v, want 2", got.Speed)
	}
	if _, err := os.Stat(s.Path() + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should not remain after Save")
	}
}

func TestFileLayout(t *testing.T) {
	s := New(t.TempDir())
	if err := s.Save(protocol.Snapshot{BatteryPercentage: 55}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	data, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	for _, key := range []string{"last_telemetry:", "battery_percentage: 55"} {
		if !strings.Contains(string(data), key) {
			t.Errorf("cache file missing %q:\n%s", key, data)
		}
	}
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("last_telemetry: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, _, err := New(dir).Load(); err == nil {
		t.Error("Load() should fail on a corrupt file")
	}
}

func TestLoadEmptyDocument(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, ok, err := New(dir).Load()
	if err != nil || ok {
		t.Errorf("Load() = ok %v, err %v, want no snapshot and no error", ok, err)
	}
}

func TestClear(t *testing.T) {
	s := New(t.TempDir())
	_ = s.Save(protocol.Snapshot{Speed: 3})

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("second Clear() error = %v", err)
	}
	if _, ok, _ := s.Load(); ok {
		t.Error("Load() after Clear should report no snapshot")
	}
}
