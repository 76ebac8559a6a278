package ble

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/trumoto/internal/ble/protocol"
	"github.com/chaz8081/trumoto/internal/log"
)

// SnapshotStore persists the most recent telemetry snapshot.
type SnapshotStore interface {
	// Load returns the stored snapshot and whether one exists.
	Load() (protocol.Snapshot, bool, error)
	// Save replaces the stored snapshot.
	Save(protocol.Snapshot) error
}

// ManagerOptions configures the connection manager.
type ManagerOptions struct {
	MaxReconnectAttempts int           // automatic attempts after a link loss
	ReconnectStep        time.Duration // attempt N waits N*ReconnectStep
	ConnectTimeout       time.Duration // bound on each automatic attempt
	Scheduler            Scheduler
	Store                SnapshotStore // optional
	Logger               log.Logger
}

// DefaultManagerOptions returns sensible defaults.
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		MaxReconnectAttempts: 5,
		ReconnectStep:        2 * time.Second,
		ConnectTimeout:       10 * time.Second,
		Scheduler:            SystemScheduler{},
	}
}

// link is one open GATT connection.
type link struct {
	id        uint64
	device    Device
	conn      Connection
	curveChar Characteristic
	regenChar Characteristic
	lost      atomic.Bool // dropped before it was installed
}

// Manager owns the single link to a TruMoto controller. It runs the
// connect / reconnect state machine, keeps the latest telemetry snapshot
// and publishes events through its Hub.
//
// Connect and automatic reconnect attempts are mutually exclusive; a
// Connect that finds another one in flight fails with
// ErrOperationInProgress. Disconnect and Close never wait: they cancel
// whatever is in flight and the loser discards its link.
type Manager struct {
	adapter Adapter
	opts    ManagerOptions
	logger  log.Logger
	hub     *Hub
	scanner *Scanner

	opMu sync.Mutex

	mu          sync.Mutex
	fsm         *linkFSM
	device      *Device // remembered for reconnection
	link        *link
	linkSeq     uint64
	linkID      uint64 // id of the link being opened or up; 0 for none
	attempts    int
	timer       Timer
	gen         uint64             // bumped whenever pending work is abandoned
	cancelOpen  context.CancelFunc // aborts the link being opened
	snapshot    protocol.Snapshot
	hasSnapshot bool
	closed      bool
}

// NewManager creates a disconnected manager. If opts.Store holds a
// snapshot it becomes the initial Snapshot().
func NewManager(adapter Adapter, opts ManagerOptions) *Manager {
	defaults := DefaultManagerOptions()
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = defaults.MaxReconnectAttempts
	}
	if opts.ReconnectStep <= 0 {
		opts.ReconnectStep = defaults.ReconnectStep
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaults.ConnectTimeout
	}
	if opts.Scheduler == nil {
		opts.Scheduler = defaults.Scheduler
	}
	if opts.Logger == nil {
		opts.Logger = log.Std().WithName("ble")
	}

	m := &Manager{
		adapter: adapter,
		opts:    opts,
		logger:  opts.Logger,
		hub:     NewHub(),
		scanner: NewScanner(adapter, opts.Logger.WithName("scan")),
		fsm:     newLinkFSM(opts.Logger),
	}

	if opts.Store != nil {
		snap, ok, err := opts.Store.Load()
		switch {
		case err != nil:
			m.logger.Warn("failed to load cached telemetry", "error", err)
		case ok:
			m.snapshot, m.hasSnapshot = snap, true
		}
	}
	return m
}

// Hub returns the hub that delivers this manager's events.
func (m *Manager) Hub() *Hub {
	return m.hub
}

// Scan discovers controllers matching filter. See Scanner.Scan. A failed
// scan is also reported as a notice.
func (m *Manager) Scan(ctx context.Context, filter Filter) ([]Device, error) {
	devices, err := m.scanner.Scan(ctx, filter)
	if err != nil && !errors.Is(err, ErrScanInProgress) {
		m.logger.Error(err, "scan failed")
		m.notify(NoticeError, "Scan Failed", "Failed to scan for TruMoto devices")
	}
	return devices, err
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fsm.state()
}

// Device returns the remembered device while connected or reconnecting.
func (m *Manager) Device() (Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device == nil {
		return Device{}, false
	}
	return *m.device, true
}

// Snapshot returns the latest telemetry, live or loaded from the store.
func (m *Manager) Snapshot() (protocol.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot, m.hasSnapshot
}

// Attempts returns the number of automatic reconnect attempts made since
// the last successful connect.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Connect opens the link to d and subscribes to telemetry. It is valid
// from Disconnected and Reconnecting; connecting from Reconnecting
// abandons the automatic cycle.
func (m *Manager) Connect(ctx context.Context, d Device) error {
	if !m.opMu.TryLock() {
		return ErrOperationInProgress
	}
	defer m.opMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("%w: manager closed", ErrInvalidState)
	}
	if st := m.fsm.state(); st == StateConnecting || st == StateConnected {
		m.mu.Unlock()
		return fmt.Errorf("%w: connect while %s", ErrInvalidState, st)
	}
	m.cancelPendingLocked()
	gen := m.gen
	m.cancelOpen = cancel
	m.attempts = 0
	if err := m.fsm.fire(eventConnect); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	dev := d
	m.device = &dev
	m.mu.Unlock()

	m.logger.Info("connecting", "address", d.Address, "name", d.Name)

	var l *link
	err := m.adapter.Enable()
	if err != nil {
		err = fmt.Errorf("%w: enable adapter: %w", ErrTransportUnavailable, err)
	} else {
		l, err = m.openLink(ctx, gen, d)
	}

	m.mu.Lock()
	if gen != m.gen {
		// Disconnect or Close ran meanwhile and already reported it.
		m.mu.Unlock()
		m.closeLink(l)
		return fmt.Errorf("%w: %s: disconnected while connecting", ErrConnectFailed, d.Address)
	}
	m.cancelOpen = nil
	if err == nil && l.lost.Load() {
		err = errLinkDroppedDuringSetup
	}
	if err != nil {
		m.linkID = 0
		m.device = nil
		if ferr := m.fsm.fire(eventConnectFailed); ferr != nil {
			m.logger.Error(ferr, "state transition failed")
		}
		m.hub.postStatus(false)
		m.hub.postNotice(NoticeError, "Connection Failed", "Failed to connect to TruMoto controller")
		m.mu.Unlock()
		m.hub.drain()
		m.closeLink(l)

		m.logger.Error(err, "connection failed", "address", d.Address)
		return fmt.Errorf("%w: %s: %w", ErrConnectFailed, d.Address, err)
	}

	m.installLinkLocked(l)
	m.hub.postStatus(true)
	m.hub.postNotice(NoticeInfo, "Connected", "Connected to "+displayName(d))
	m.mu.Unlock()
	m.hub.drain()

	m.logger.Info("connected", "address", d.Address)
	return nil
}

// Disconnect closes the link from any state, forgets the device and
// cancels a pending or in-flight reconnect. Transport close errors are
// logged only.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	l := m.link
	m.link = nil
	m.linkID = 0
	m.device = nil
	m.attempts = 0
	m.cancelPendingLocked()
	if err := m.fsm.fire(eventDisconnect); err != nil {
		m.logger.Error(err, "state transition failed")
	}
	m.hub.postStatus(false)
	if l != nil {
		m.hub.postNotice(NoticeInfo, "Disconnected", "Disconnected from "+displayName(l.device))
	}
	m.mu.Unlock()
	m.hub.drain()
	m.closeLink(l)

	m.logger.Info("disconnected")
	return nil
}

// Close disconnects and stops all automatic reconnection for good.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.Disconnect()
}

// WriteThrottleCurve writes curve to the controller. It fails with
// ErrNotConnected outside the Connected state without touching the radio.
func (m *Manager) WriteThrottleCurve(curve protocol.ThrottleCurve) error {
	char, err := m.writable(func(l *link) Characteristic { return l.curveChar })
	if err != nil {
		return err
	}

	if err := char.Write(protocol.EncodeThrottleCurve(curve)); err != nil {
		writesTotal.WithLabelValues("throttle_curve", resultError).Inc()
		m.logger.Error(err, "throttle curve write failed")
		m.notify(NoticeError, "Update Failed", "Failed to update throttle curve")
		return fmt.Errorf("%w: throttle curve: %w", ErrWriteFailed, err)
	}

	writesTotal.WithLabelValues("throttle_curve", resultSuccess).Inc()
	m.logger.Info("throttle curve written", "curve", curve[:])
	m.notify(NoticeInfo, "Throttle Curve Updated", "Successfully updated throttle curve settings")
	return nil
}

// WriteRegen writes the regenerative braking strength, a ratio in [0,1].
func (m *Manager) WriteRegen(strength float64) error {
	if math.IsNaN(strength) || strength < 0 || strength > 1 {
		return fmt.Errorf("%w: regen strength %v outside [0,1]", ErrInvalidValue, strength)
	}
	char, err := m.writable(func(l *link) Characteristic { return l.regenChar })
	if err != nil {
		return err
	}

	if err := char.Write(protocol.EncodeRegen(strength)); err != nil {
		writesTotal.WithLabelValues("regen", resultError).Inc()
		m.logger.Error(err, "regen write failed")
		m.notify(NoticeError, "Update Failed", "Failed to update regen braking")
		return fmt.Errorf("%w: regen: %w", ErrWriteFailed, err)
	}

	writesTotal.WithLabelValues("regen", resultSuccess).Inc()
	m.logger.Info("regen written", "strength", strength)
	m.notify(NoticeInfo, "Regen Braking Updated", fmt.Sprintf("Regen braking set to %d%%", int(math.Round(strength*100))))
	return nil
}

func (m *Manager) writable(pick func(*link) Characteristic) (Characteristic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fsm.state() != StateConnected || m.link == nil {
		return nil, ErrNotConnected
	}
	return pick(m.link), nil
}

func (m *Manager) notify(level NoticeLevel, title, message string) {
	m.hub.postNotice(level, title, message)
	m.hub.drain()
}

var errLinkDroppedDuringSetup = errors.New("link dropped during setup")

// openLink connects to d, discovers the characteristics and subscribes to
// telemetry. On failure any half-open connection is closed. Callers
// re-check l.lost under m.mu before installing the link.
func (m *Manager) openLink(ctx context.Context, gen uint64, d Device) (*link, error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return nil, context.Canceled
	}
	m.linkSeq++
	id := m.linkSeq
	m.linkID = id
	m.mu.Unlock()

	conn, err := m.adapter.Connect(ctx, d.Address)
	if err != nil {
		return nil, err
	}

	l := &link{id: id, device: d, conn: conn}
	conn.OnDisconnect(func() { m.handleLinkLost(l) })

	fail := func(err error) (*link, error) {
		m.closeLink(l)
		return nil, err
	}

	telemetry, err := conn.DiscoverCharacteristic(ServiceUUID, TelemetryCharUUID)
	if err != nil {
		return fail(fmt.Errorf("discover telemetry characteristic: %w", err))
	}
	if l.curveChar, err = conn.DiscoverCharacteristic(ServiceUUID, ThrottleCurveCharUUID); err != nil {
		return fail(fmt.Errorf("discover throttle curve characteristic: %w", err))
	}
	if l.regenChar, err = conn.DiscoverCharacteristic(ServiceUUID, RegenCharUUID); err != nil {
		return fail(fmt.Errorf("discover regen characteristic: %w", err))
	}
	if err := telemetry.Subscribe(func(frame []byte) { m.handleFrame(id, frame) }); err != nil {
		return fail(fmt.Errorf("subscribe to telemetry: %w", err))
	}
	return l, nil
}

// closeLink closes a link that is not, or no longer, installed.
func (m *Manager) closeLink(l *link) {
	if l == nil {
		return
	}
	if err := l.conn.Disconnect(); err != nil {
		m.logger.Warn("transport disconnect failed", "address", l.device.Address, "error", err)
	}
}

// installLinkLocked makes l the live link. Caller holds m.mu and has
// checked that l was not lost during setup.
func (m *Manager) installLinkLocked(l *link) {
	m.link = l
	m.attempts = 0
	if err := m.fsm.fire(eventLinkUp); err != nil {
		m.logger.Error(err, "state transition failed")
	}
}

// handleLinkLost runs on the transport's goroutine when a link drops.
// Drops of links we closed ourselves, or that were already replaced, are
// ignored.
func (m *Manager) handleLinkLost(l *link) {
	l.lost.Store(true)

	m.mu.Lock()
	if m.closed || m.link != l || m.fsm.state() != StateConnected {
		m.mu.Unlock()
		return
	}
	m.link = nil
	m.linkID = 0
	if err := m.fsm.fire(eventLinkLost); err != nil {
		m.logger.Error(err, "state transition failed")
	}
	m.hub.postStatus(false)
	m.hub.postNotice(NoticeError, "Disconnected", "Lost connection to TruMoto controller")
	m.scheduleReconnectLocked()
	m.mu.Unlock()
	m.hub.drain()

	m.logger.Warn("link lost, reconnecting", "address", l.device.Address)
}

// handleFrame decodes one telemetry notification. Malformed frames are
// dropped without touching state.
func (m *Manager) handleFrame(linkID uint64, frame []byte) {
	snap, err := protocol.DecodeTelemetry(frame)
	if err != nil {
		framesDropped.WithLabelValues("malformed").Inc()
		m.logger.Debug("dropping telemetry frame", "bytes", len(frame), "error", err)
		return
	}

	m.mu.Lock()
	if linkID != m.linkID {
		m.mu.Unlock()
		framesDropped.WithLabelValues("stale_link").Inc()
		return
	}
	m.snapshot, m.hasSnapshot = snap, true
	m.hub.postTelemetry(snap)
	m.mu.Unlock()
	framesDecoded.Inc()

	if m.opts.Store != nil {
		if err := m.opts.Store.Save(snap); err != nil {
			m.logger.Warn("failed to cache telemetry", "error", err)
		}
	}
	m.hub.drain()
}

// backoffDelay returns the delay before reconnect attempt n (1-based).
func backoffDelay(attempt int, step time.Duration) time.Duration {
	return time.Duration(attempt) * step
}

// scheduleReconnectLocked arms the timer for the next attempt. Caller
// holds m.mu.
func (m *Manager) scheduleReconnectLocked() {
	attempt := m.attempts + 1
	delay := backoffDelay(attempt, m.opts.ReconnectStep)
	m.gen++
	gen := m.gen
	m.timer = m.opts.Scheduler.AfterFunc(delay, func() { m.reconnect(gen, attempt) })
	m.logger.Info("reconnect scheduled", "attempt", attempt, "max", m.opts.MaxReconnectAttempts, "delay", delay)
}

// cancelPendingLocked stops a pending reconnect timer and aborts a link
// being opened. Caller holds m.mu.
func (m *Manager) cancelPendingLocked() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancelOpen != nil {
		m.cancelOpen()
		m.cancelOpen = nil
	}
}

// reconnect is one automatic attempt, run by the scheduler.
func (m *Manager) reconnect(gen uint64, attempt int) {
	if !m.opMu.TryLock() {
		// Only a Connect can hold the lock here, and it cancels gen.
		m.logger.Debug("reconnect attempt skipped, operation in flight", "attempt", attempt)
		return
	}
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.closed || gen != m.gen || m.fsm.state() != StateReconnecting || m.device == nil {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.attempts = attempt
	d := *m.device
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	defer cancel()
	m.cancelOpen = cancel
	m.mu.Unlock()

	m.logger.Info("reconnect attempt", "attempt", attempt, "max", m.opts.MaxReconnectAttempts, "address", d.Address)

	l, err := m.openLink(ctx, gen, d)

	m.mu.Lock()
	if m.closed || gen != m.gen || m.device == nil {
		m.mu.Unlock()
		m.closeLink(l)
		m.logger.Info("reconnect attempt abandoned", "attempt", attempt)
		return
	}
	m.cancelOpen = nil
	if err == nil && l.lost.Load() {
		err = errLinkDroppedDuringSetup
	}
	if err != nil {
		reconnectAttempts.WithLabelValues(resultError).Inc()
		m.linkID = 0
		m.hub.postStatus(false)
		giveUp := attempt >= m.opts.MaxReconnectAttempts
		if giveUp {
			m.device = nil
			if ferr := m.fsm.fire(eventGiveUp); ferr != nil {
				m.logger.Error(ferr, "state transition failed")
			}
			m.hub.postNotice(NoticeError, "Connection Failed",
				fmt.Sprintf("Gave up reconnecting after %d attempts", attempt))
		} else {
			m.hub.postNotice(NoticeError, "Connection Failed", "Failed to connect to TruMoto controller")
			m.scheduleReconnectLocked()
		}
		m.mu.Unlock()
		m.hub.drain()
		m.closeLink(l)

		if giveUp {
			m.logger.Error(err, "reconnect failed, giving up", "attempts", attempt)
		} else {
			m.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
		}
		return
	}

	reconnectAttempts.WithLabelValues(resultSuccess).Inc()
	m.installLinkLocked(l)
	m.hub.postStatus(true)
	m.hub.postNotice(NoticeInfo, "Connected", "Reconnected to "+displayName(d))
	m.mu.Unlock()
	m.hub.drain()

	m.logger.Info("reconnected", "address", d.Address, "attempt", attempt)
}

func displayName(d Device) string {
	if d.Name != "" {
		return d.Name
	}
	return "TruMoto Controller"
}
