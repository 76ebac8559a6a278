package cache

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"testing"

	"github.com/chaz8081/trumoto/internal/ble"
	"github.com/chaz8081/trumoto/internal/ble/protocol"
	"github.com/chaz8081/trumoto/internal/log"
)

type fakeChar struct {
	mu sync.Mutex
	cb func([]byte)
}

func (c *fakeChar) Write([]byte) error { return nil }

func (c *fakeChar) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
	return nil
}

func (c *fakeChar) notify(frame []byte) {
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	cb(frame)
}

type fakeConn struct {
	telemetry *fakeChar
}

func (c *fakeConn) DiscoverCharacteristic(_, charUUID string) (ble.Characteristic, error) {
	if charUUID == ble.TelemetryCharUUID {
		return c.telemetry, nil
	}
	return &fakeChar{}, nil
}

func (c *fakeConn) Disconnect() error   { return nil }
func (c *fakeConn) OnDisconnect(func()) {}

type fakeAdapter struct {
	conn *fakeConn
}

func (a *fakeAdapter) Enable() error { return nil }

func (a *fakeAdapter) Scan(context.Context, string) ([]ble.Device, error) { return nil, nil }

func (a *fakeAdapter) Connect(context.Context, string) (ble.Connection, error) {
	return a.conn, nil
}

func telemetryFrame(values ...float32) []byte {
	var frame []byte
	for _, v := range values {
		frame = binary.LittleEndian.AppendUint32(frame, math.Float32bits(v))
	}
	return frame
}

func TestManagerTelemetrySurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	adapter := &fakeAdapter{conn: &fakeConn{telemetry: &fakeChar{}}}

	opts := ble.DefaultManagerOptions()
	opts.Store = New(dir)
	opts.Logger = log.NewNopLogger()
	m := ble.NewManager(adapter, opts)
	if err := m.Connect(context.Background(), ble.Device{Name: "TruMoto-X1", Address: "AA:BB:CC:DD:EE:FF"}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	adapter.conn.telemetry.notify(telemetryFrame(42, 48.2, 12.3, 65, 87))
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	got, ok, err := New(dir).Load()
	if err != nil || !ok {
		t.Fatalf("Load() = %v, %v", ok, err)
	}
	want := protocol.Snapshot{
		Speed:             42,
		BatteryVoltage:    float64(float32(48.2)),
		MotorCurrent:      float64(float32(12.3)),
		MotorTemperature:  65,
		BatteryPercentage: 87,
	}
	if got != want {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}
	if math.Abs(got.BatteryVoltage-48.2) > 1e-5 {
		t.Errorf("BatteryVoltage = %v, want about 48.2", got.BatteryVoltage)
	}

	// A second manager starts from the cached snapshot.
	opts.Store = New(dir)
	restarted := ble.NewManager(adapter, opts)
	if snap, ok := restarted.Snapshot(); !ok || snap != want {
		t.Errorf("Snapshot() after restart = %+v, %v, want %+v", snap, ok, want)
	}
}
