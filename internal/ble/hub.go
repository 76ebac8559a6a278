package ble

import (
	"sync"

	"github.com/chaz8081/trumoto/internal/ble/protocol"
)

// Observer receives telemetry and connection-status events.
type Observer interface {
	OnTelemetry(snapshot protocol.Snapshot)
	OnConnectionStatus(connected bool)
}

// NoticeLevel classifies a Notice.
type NoticeLevel string

const (
	NoticeInfo  NoticeLevel = "info"
	NoticeError NoticeLevel = "error"
)

// Notice is a short user-facing message about a connection or write outcome.
type Notice struct {
	Level   NoticeLevel
	Title   string
	Message string
}

type subscription struct {
	id       int
	observer Observer
}

type eventKind int

const (
	eventTelemetry eventKind = iota
	eventStatus
	eventNotice
)

type event struct {
	kind      eventKind
	snapshot  protocol.Snapshot
	connected bool
	notice    Notice
}

// Hub fans events out to observers. It keeps one slot per event type
// (last registration wins) plus any number of Subscribe'd observers.
//
// Producers post events while holding their own lock and call drain after
// releasing it. Whichever goroutine drains delivers every queued event in
// post order; a drain started from inside an observer callback returns
// immediately and its events are delivered by the outer drain.
type Hub struct {
	mu          sync.Mutex
	telemetryFn func(protocol.Snapshot)
	statusFn    func(bool)
	noticeFn    func(Notice)
	observers   []subscription
	nextID      int

	qmu      sync.Mutex
	queue    []event
	draining bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{}
}

// OnTelemetry sets the telemetry callback, replacing any previous one.
// A nil fn clears the slot.
func (h *Hub) OnTelemetry(fn func(protocol.Snapshot)) {
	h.mu.Lock()
	h.telemetryFn = fn
	h.mu.Unlock()
}

// OnConnectionStatus sets the connection-status callback, replacing any
// previous one. A nil fn clears the slot.
func (h *Hub) OnConnectionStatus(fn func(connected bool)) {
	h.mu.Lock()
	h.statusFn = fn
	h.mu.Unlock()
}

// OnNotice sets the notice callback, replacing any previous one.
func (h *Hub) OnNotice(fn func(Notice)) {
	h.mu.Lock()
	h.noticeFn = fn
	h.mu.Unlock()
}

// Subscribe adds an observer alongside the single-slot callbacks. The
// returned function removes it.
func (h *Hub) Subscribe(o Observer) (cancel func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.observers = append(h.observers, subscription{id: id, observer: o})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			for i, sub := range h.observers {
				if sub.id == id {
					h.observers = append(h.observers[:i:i], h.observers[i+1:]...)
					break
				}
			}
			h.mu.Unlock()
		})
	}
}

func (h *Hub) postTelemetry(s protocol.Snapshot) {
	h.post(event{kind: eventTelemetry, snapshot: s})
}

func (h *Hub) postStatus(connected bool) {
	h.post(event{kind: eventStatus, connected: connected})
}

func (h *Hub) postNotice(level NoticeLevel, title, message string) {
	h.post(event{kind: eventNotice, notice: Notice{Level: level, Title: title, Message: message}})
}

func (h *Hub) post(ev event) {
	h.qmu.Lock()
	h.queue = append(h.queue, ev)
	h.qmu.Unlock()
}

// drain delivers queued events in order on the calling goroutine.
func (h *Hub) drain() {
	h.qmu.Lock()
	if h.draining {
		h.qmu.Unlock()
		return
	}
	h.draining = true
	for len(h.queue) > 0 {
		ev := h.queue[0]
		h.queue[0] = event{}
		h.queue = h.queue[1:]
		h.qmu.Unlock()
		h.deliver(ev)
		h.qmu.Lock()
	}
	h.queue = nil
	h.draining = false
	h.qmu.Unlock()
}

func (h *Hub) deliver(ev event) {
	h.mu.Lock()
	telemetryFn, statusFn, noticeFn := h.telemetryFn, h.statusFn, h.noticeFn
	observers := make([]Observer, len(h.observers))
	for i, sub := range h.observers {
		observers[i] = sub.observer
	}
	h.mu.Unlock()

	switch ev.kind {
	case eventTelemetry:
		if telemetryFn != nil {
			telemetryFn(ev.snapshot)
		}
		for _, o := range observers {
			o.OnTelemetry(ev.snapshot)
		}
	case eventStatus:
		if statusFn != nil {
			statusFn(ev.connected)
		}
		for _, o := range observers {
			o.OnConnectionStatus(ev.connected)
		}
	case eventNotice:
		if noticeFn != nil {
			noticeFn(ev.notice)
		}
	}
}
