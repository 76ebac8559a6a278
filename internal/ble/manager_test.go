package ble

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/chaz8081/trumoto/internal/ble/protocol"
)

func TestManagerConnect(t *testing.T) {
	adapter := newMockAdapter(nil)
	m, sched, rec := newTestManager(t, adapter, nil)

	mustConnect(t, m)

	if got := m.State(); got != StateConnected {
		t.Errorf("State() = %v, want connected", got)
	}
	if d, ok := m.Device(); !ok || d.Address != testDevice.Address {
		t.Errorf("Device() = %+v, %v, want %s", d, ok, testDevice.Address)
	}
	if got := rec.statusLog(); !equalBools(got, []bool{true}) {
		t.Errorf("status events = %v, want [true]", got)
	}
	if got := rec.noticeTitles(); !reflect.DeepEqual(got, []string{"Connected"}) {
		t.Errorf("notices = %v, want [Connected]", got)
	}
	if sched.pending() != 0 {
		t.Errorf("pending timers = %d, want 0", sched.pending())
	}
}

func TestManagerConnectWhileConnected(t *testing.T) {
	adapter := newMockAdapter(nil)
	m, _, _ := newTestManager(t, adapter, nil)
	mustConnect(t, m)

	err := m.Connect(context.Background(), testDevice)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second Connect() error = %v, want ErrInvalidState", err)
	}
	if adapter.connectCount() != 1 {
		t.Errorf("connect calls = %d, want 1", adapter.connectCount())
	}
	if m.State() != StateConnected {
		t.Errorf("State() = %v, want connected", m.State())
	}
}

func TestManagerConnectFailure(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.failNextConnects(1)
	m, sched, rec := newTestManager(t, adapter, nil)

	err := m.Connect(context.Background(), testDevice)
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectFailed", err)
	}
	if !errors.Is(err, errMock) {
		t.Errorf("Connect() error = %v, want wrapped transport error", err)
	}
	if m.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", m.State())
	}
	if _, ok := m.Device(); ok {
		t.Error("Device() should be empty after a failed connect")
	}
	if got := rec.statusLog(); !equalBools(got, []bool{false}) {
		t.Errorf("status events = %v, want [false]", got)
	}
	if got := rec.noticeTitles(); !reflect.DeepEqual(got, []string{"Connection Failed"}) {
		t.Errorf("notices = %v, want [Connection Failed]", got)
	}
	if sched.pending() != 0 {
		t.Error("a failed initial connect must not schedule a reconnect")
	}
}

func TestManagerConnectTransportUnavailable(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.enableErr = errMock
	m, _, _ := newTestManager(t, adapter, nil)

	err := m.Connect(context.Background(), testDevice)
	if !errors.Is(err, ErrTransportUnavailable) || !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("Connect() error = %v, want ErrTransportUnavailable and ErrConnectFailed", err)
	}
	if adapter.connectCount() != 0 {
		t.Errorf("connect calls = %d, want 0", adapter.connectCount())
	}
}

func TestManagerConnectMissingCharacteristic(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.configure = func(c *mockConnection) { c.missing = RegenCharUUID }
	m, _, _ := newTestManager(t, adapter, nil)

	err := m.Connect(context.Background(), testDevice)
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectFailed", err)
	}
	if !adapter.latestConnection().isDisconnected() {
		t.Error("half-open connection should be closed")
	}
	if m.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", m.State())
	}
}

func TestManagerConnectSubscribeFailure(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.configure = func(c *mockConnection) { c.telemetry.subscribeErr = errMock }
	m, _, _ := newTestManager(t, adapter, nil)

	if err := m.Connect(context.Background(), testDevice); !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectFailed", err)
	}
}

func TestManagerTelemetry(t *testing.T) {
	adapter := newMockAdapter(nil)
	store := &memStore{}
	m, _, rec := newTestManager(t, adapter, store)
	mustConnect(t, m)

	want := protocol.Snapshot{Speed: 42, BatteryVoltage: 48.5, MotorCurrent: 12.25, MotorTemperature: 65, BatteryPercentage: 87}
	adapter.latestConnection().telemetry.SimulateNotification(protocol.EncodeTelemetry(want))

	got, ok := m.Snapshot()
	if !ok || got != want {
		t.Errorf("Snapshot() = %+v, %v, want %+v", got, ok, want)
	}
	if snaps := rec.snapshotLog(); len(snaps) != 1 || snaps[0] != want {
		t.Errorf("telemetry events = %+v, want [%+v]", snaps, want)
	}
	if store.snap != want || store.saves != 1 {
		t.Errorf("store = %+v (%d saves), want %+v saved once", store.snap, store.saves, want)
	}
}

func TestManagerShortFrameDropped(t *testing.T) {
	adapter := newMockAdapter(nil)
	store := &memStore{}
	m, _, rec := newTestManager(t, adapter, store)
	mustConnect(t, m)

	first := protocol.Snapshot{Speed: 10, BatteryPercentage: 90}
	telemetry := adapter.latestConnection().telemetry
	telemetry.SimulateNotification(protocol.EncodeTelemetry(first))
	telemetry.SimulateNotification(protocol.EncodeTelemetry(first)[:12])

	if got, _ := m.Snapshot(); got != first {
		t.Errorf("Snapshot() = %+v, want %+v after short frame", got, first)
	}
	if n := len(rec.snapshotLog()); n != 1 {
		t.Errorf("telemetry events = %d, want 1", n)
	}
	if store.saves != 1 {
		t.Errorf("store saves = %d, want 1", store.saves)
	}
	if m.State() != StateConnected {
		t.Errorf("State() = %v, want connected", m.State())
	}
}

func TestManagerSnapshotSeededFromStore(t *testing.T) {
	cached := protocol.Snapshot{Speed: 0, BatteryVoltage: 51.5, BatteryPercentage: 76}
	store := &memStore{snap: cached, ok: true}
	m, _, _ := newTestManager(t, newMockAdapter(nil), store)

	got, ok := m.Snapshot()
	if !ok || got != cached {
		t.Errorf("Snapshot() = %+v, %v, want cached %+v", got, ok, cached)
	}
	if m.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", m.State())
	}
}

func TestManagerSnapshotStoreLoadError(t *testing.T) {
	store := &memStore{loadErr: errMock}
	m, _, _ := newTestManager(t, newMockAdapter(nil), store)

	if _, ok := m.Snapshot(); ok {
		t.Error("Snapshot() should be empty when the store fails to load")
	}
}

func TestManagerWriteThrottleCurve(t *testing.T) {
	adapter := newMockAdapter(nil)
	m, _, rec := newTestManager(t, adapter, nil)
	mustConnect(t, m)

	curve := protocol.ThrottleCurve{0, 0.4, 0.6, 0.8, 1.0}
	if err := m.WriteThrottleCurve(curve); err != nil {
		t.Fatalf("WriteThrottleCurve() error = %v", err)
	}

	char := adapter.latestConnection().curve
	if got, want := char.lastWrite(), protocol.EncodeThrottleCurve(curve); !reflect.DeepEqual(got, want) {
		t.Errorf("written bytes = %x, want %x", got, want)
	}
	titles := rec.noticeTitles()
	if titles[len(titles)-1] != "Throttle Curve Updated" {
		t.Errorf("last notice = %q, want Throttle Curve Updated", titles[len(titles)-1])
	}
}

func TestManagerWriteRegen(t *testing.T) {
	adapter := newMockAdapter(nil)
	m, _, _ := newTestManager(t, adapter, nil)

	var notices []Notice
	m.Hub().OnNotice(func(n Notice) { notices = append(notices, n) })
	mustConnect(t, m)

	if err := m.WriteRegen(0.5); err != nil {
		t.Fatalf("WriteRegen() error = %v", err)
	}
	if got := adapter.latestConnection().regen.lastWrite(); !reflect.DeepEqual(got, protocol.EncodeRegen(0.5)) {
		t.Errorf("written bytes = %x, want %x", got, protocol.EncodeRegen(0.5))
	}
	last := notices[len(notices)-1]
	if last.Message != "Regen braking set to 50%" {
		t.Errorf("notice message = %q, want %q", last.Message, "Regen braking set to 50%")
	}
}

func TestManagerWriteRegenOutOfRange(t *testing.T) {
	adapter := newMockAdapter(nil)
	m, _, _ := newTestManager(t, adapter, nil)
	mustConnect(t, m)

	for _, v := range []float64{-0.1, 1.5} {
		if err := m.WriteRegen(v); !errors.Is(err, ErrInvalidValue) {
			t.Errorf("WriteRegen(%v) error = %v, want ErrInvalidValue", v, err)
		}
	}
	if n := adapter.latestConnection().regen.writeCount(); n != 0 {
		t.Errorf("regen writes = %d, want 0", n)
	}
}

func TestManagerWriteNotConnected(t *testing.T) {
	adapter := newMockAdapter(nil)
	m, _, _ := newTestManager(t, adapter, nil)

	if err := m.WriteThrottleCurve(protocol.ThrottleCurve{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("WriteThrottleCurve() error = %v, want ErrNotConnected", err)
	}
	if err := m.WriteRegen(0.5); !errors.Is(err, ErrNotConnected) {
		t.Errorf("WriteRegen() error = %v, want ErrNotConnected", err)
	}
	if adapter.connectCount() != 0 {
		t.Error("writes while disconnected must not touch the transport")
	}
}

func TestManagerWriteFailure(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.configure = func(c *mockConnection) { c.curve.writeErr = errMock }
	m, _, rec := newTestManager(t, adapter, nil)
	mustConnect(t, m)

	err := m.WriteThrottleCurve(protocol.ThrottleCurve{0, 0.3, 0.5, 0.7, 0.8})
	if !errors.Is(err, ErrWriteFailed) || !errors.Is(err, errMock) {
		t.Fatalf("WriteThrottleCurve() error = %v, want ErrWriteFailed wrapping transport error", err)
	}
	titles := rec.noticeTitles()
	if titles[len(titles)-1] != "Update Failed" {
		t.Errorf("last notice = %q, want Update Failed", titles[len(titles)-1])
	}
	if m.State() != StateConnected {
		t.Errorf("State() = %v, want connected after a write failure", m.State())
	}
}

func TestManagerDisconnect(t *testing.T) {
	adapter := newMockAdapter(nil)
	m, sched, rec := newTestManager(t, adapter, nil)
	mustConnect(t, m)
	conn := adapter.latestConnection()

	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if !conn.isDisconnected() {
		t.Error("transport connection should be closed")
	}
	if m.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", m.State())
	}
	if _, ok := m.Device(); ok {
		t.Error("Device() should be forgotten after Disconnect")
	}

	// The transport reports its own close afterwards; that is not a link loss.
	conn.SimulateDisconnect()
	if sched.pending() != 0 {
		t.Error("self-initiated disconnect must not schedule a reconnect")
	}
	if got := rec.statusLog(); !equalBools(got, []bool{true, false}) {
		t.Errorf("status events = %v, want [true false]", got)
	}
}

func TestManagerDisconnectWhenDisconnected(t *testing.T) {
	m, _, rec := newTestManager(t, newMockAdapter(nil), nil)

	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if m.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", m.State())
	}
	if got := rec.statusLog(); !equalBools(got, []bool{false}) {
		t.Errorf("status events = %v, want [false]", got)
	}
}

func TestManagerIgnoresFramesAfterDisconnect(t *testing.T) {
	adapter := newMockAdapter(nil)
	m, _, rec := newTestManager(t, adapter, nil)
	mustConnect(t, m)
	telemetry := adapter.latestConnection().telemetry

	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	telemetry.SimulateNotification(protocol.EncodeTelemetry(protocol.Snapshot{Speed: 99}))

	if _, ok := m.Snapshot(); ok {
		t.Error("late frame from a closed link should be ignored")
	}
	if n := len(rec.snapshotLog()); n != 0 {
		t.Errorf("telemetry events = %d, want 0", n)
	}
}

func TestManagerOperationInProgress(t *testing.T) {
	adapter := newMockAdapter(nil)
	m, _, _ := newTestManager(t, adapter, nil)

	m.opMu.Lock()
	if err := m.Connect(context.Background(), testDevice); !errors.Is(err, ErrOperationInProgress) {
		t.Errorf("Connect() error = %v, want ErrOperationInProgress", err)
	}
	if err := m.Disconnect(); err != nil {
		t.Errorf("Disconnect() error = %v, want nil", err)
	}
	m.opMu.Unlock()

	mustConnect(t, m)
}

func TestManagerObserverCanCallBack(t *testing.T) {
	adapter := newMockAdapter(nil)
	m, _, _ := newTestManager(t, adapter, nil)

	var mu sync.Mutex
	var seen []State
	m.Hub().OnConnectionStatus(func(bool) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, m.State())
	})

	mustConnect(t, m)
	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if want := []State{StateConnected, StateDisconnected}; !reflect.DeepEqual(seen, want) {
		t.Errorf("states seen from callback = %v, want %v", seen, want)
	}
}

func TestManagerClose(t *testing.T) {
	adapter := newMockAdapter(nil)
	m, sched, _ := newTestManager(t, adapter, nil)
	mustConnect(t, m)
	conn := adapter.latestConnection()

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	conn.SimulateDisconnect()
	if sched.pending() != 0 {
		t.Error("no reconnect should be scheduled after Close")
	}
	if !conn.isDisconnected() {
		t.Error("Close should close the transport connection")
	}
}

func TestManagerDisconnectDuringConnect(t *testing.T) {
	adapter := newMockAdapter(nil)
	m, _, rec := newTestManager(t, adapter, nil)
	adapter.configure = func(*mockConnection) {
		if err := m.Disconnect(); err != nil {
			t.Errorf("Disconnect() error = %v", err)
		}
	}

	err := m.Connect(context.Background(), testDevice)
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectFailed", err)
	}
	if m.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", m.State())
	}
	if !adapter.latestConnection().isDisconnected() {
		t.Error("link opened after Disconnect should be closed")
	}
	if got := rec.statusLog(); !equalBools(got, []bool{false}) {
		t.Errorf("status events = %v, want [false]", got)
	}
}

func TestManagerConnectLinkDroppedDuringSetup(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.configure = func(c *mockConnection) { c.telemetry.onSubscribe = c.SimulateDisconnect }
	m, sched, rec := newTestManager(t, adapter, nil)

	err := m.Connect(context.Background(), testDevice)
	if !errors.Is(err, ErrConnectFailed) || !errors.Is(err, errLinkDroppedDuringSetup) {
		t.Fatalf("Connect() error = %v, want ErrConnectFailed for a dropped link", err)
	}
	if m.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", m.State())
	}
	if !adapter.latestConnection().isDisconnected() {
		t.Error("dead link should be closed")
	}
	if got := rec.statusLog(); !equalBools(got, []bool{false}) {
		t.Errorf("status events = %v, want [false]", got)
	}
	if sched.pending() != 0 {
		t.Errorf("pending timers = %d, want 0", sched.pending())
	}
}

func TestManagerConnectAfterClose(t *testing.T) {
	adapter := newMockAdapter(nil)
	m, _, _ := newTestManager(t, adapter, nil)
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := m.Connect(context.Background(), testDevice); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Connect() after Close error = %v, want ErrInvalidState", err)
	}
	if adapter.connectCount() != 0 {
		t.Errorf("connect calls = %d, want 0", adapter.connectCount())
	}
}

func TestManagerScanFailureNotice(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.scanErr = errMock
	m, _, rec := newTestManager(t, adapter, nil)

	if _, err := m.Scan(context.Background(), DefaultFilter()); !errors.Is(err, errMock) {
		t.Fatalf("Scan() error = %v, want transport error", err)
	}
	if got := rec.noticeTitles(); !reflect.DeepEqual(got, []string{"Scan Failed"}) {
		t.Errorf("notices = %v, want [Scan Failed]", got)
	}
}
