// Package relay republishes controller telemetry and link status to an
// MQTT broker.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/chaz8081/trumoto/internal/ble"
	"github.com/chaz8081/trumoto/internal/ble/protocol"
	"github.com/chaz8081/trumoto/internal/log"
)

// Options configures the relay.
type Options struct {
	Broker         string
	ClientID       string
	TopicRoot      string
	Username       string
	Password       string
	QoS            byte
	KeepAlive      uint16
	ConnectTimeout time.Duration
	QueueSize      int
}

// Validate checks the options.
func (o *Options) Validate() error {
	if o.Broker == "" {
		return fmt.Errorf("relay: broker must not be empty")
	}
	if _, err := url.Parse(o.Broker); err != nil {
		return fmt.Errorf("relay: invalid broker URL %q: %w", o.Broker, err)
	}
	if o.ClientID == "" {
		return fmt.Errorf("relay: client id must not be empty")
	}
	if strings.Trim(o.TopicRoot, "/") == "" {
		return fmt.Errorf("relay: topic root must not be empty")
	}
	if o.QoS > 2 {
		return fmt.Errorf("relay: qos must be 0, 1 or 2, got %d", o.QoS)
	}
	return nil
}

func (o *Options) setDefaults() {
	if o.KeepAlive == 0 {
		o.KeepAlive = 30
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
}

// publisher is the part of autopaho.ConnectionManager the relay uses.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

type message struct {
	topic   string
	payload []byte
	retain  bool
}

// Relay is a ble.Observer that forwards events to MQTT. Observer callbacks
// never block: when the broker falls behind, new messages are dropped.
type Relay struct {
	opts    Options
	logger  log.Logger
	queue   chan message
	dropped atomic.Uint64
	now     func() time.Time
}

var _ ble.Observer = (*Relay)(nil)

// New validates opts and returns an idle relay. Call Run to connect.
func New(opts Options, logger log.Logger) (*Relay, error) {
	opts.setDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Std().WithName("relay")
	}
	return &Relay{
		opts:   opts,
		logger: logger,
		queue:  make(chan message, opts.QueueSize),
		now:    time.Now,
	}, nil
}

// TelemetryTopic is where snapshots are published.
func (r *Relay) TelemetryTopic() string {
	return topic(r.opts.TopicRoot, "telemetry")
}

// StatusTopic is where link status is published, retained.
func (r *Relay) StatusTopic() string {
	return topic(r.opts.TopicRoot, "status")
}

func topic(root, leaf string) string {
	return strings.Trim(root, "/") + "/" + leaf
}

type telemetryPayload struct {
	protocol.Snapshot
	Timestamp time.Time `json:"timestamp"`
}

type statusPayload struct {
	Connected bool      `json:"connected"`
	Timestamp time.Time `json:"timestamp"`
}

// OnTelemetry queues a snapshot for publishing.
func (r *Relay) OnTelemetry(s protocol.Snapshot) {
	r.enqueue(r.TelemetryTopic(), telemetryPayload{Snapshot: s, Timestamp: r.now().UTC()}, false)
}

// OnConnectionStatus queues a retained status message.
func (r *Relay) OnConnectionStatus(connected bool) {
	r.enqueue(r.StatusTopic(), statusPayload{Connected: connected, Timestamp: r.now().UTC()}, true)
}

// Dropped returns the number of messages discarded because the queue was full.
func (r *Relay) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Relay) enqueue(topic string, v any, retain bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		r.logger.Error(err, "encoding relay payload", "topic", topic)
		return
	}
	select {
	case r.queue <- message{topic: topic, payload: payload, retain: retain}:
	default:
		r.dropped.Add(1)
		r.logger.Debug("relay queue full, dropping message", "topic", topic)
	}
}

// Run connects to the broker and publishes queued messages until ctx is
// done. The broker connection is retried in the background by autopaho.
func (r *Relay) Run(ctx context.Context) error {
	brokerURL, _ := url.Parse(r.opts.Broker) // validated in New

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     r.opts.KeepAlive,
		CleanStartOnInitialConnection: true,
		ReconnectBackoff:              autopaho.NewConstantBackoff(3 * time.Second),
		ConnectTimeout:                r.opts.ConnectTimeout,
		ConnectUsername:               r.opts.Username,
		ConnectPassword:               []byte(r.opts.Password),
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			r.logger.Info("mqtt connection up", "broker", r.opts.Broker)
		},
		OnConnectError: func(err error) {
			r.logger.Warn("mqtt connect failed, retrying", "broker", r.opts.Broker, "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: r.opts.ClientID,
			OnClientError: func(err error) {
				r.logger.Error(err, "mqtt client error")
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				r.logger.Warn("mqtt server disconnect", "reason", d.ReasonCode)
			},
		},
	}

	r.logger.Info("starting mqtt relay", "broker", r.opts.Broker, "client_id", r.opts.ClientID, "root", r.opts.TopicRoot)
	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return fmt.Errorf("relay: connecting: %w", err)
	}

	err = r.loop(ctx, cm)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = cm.Disconnect(shutdownCtx)
	r.logger.Info("mqtt relay stopped")
	return err
}

func (r *Relay) loop(ctx context.Context, pub publisher) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-r.queue:
			r.publish(ctx, pub, m)
		}
	}
}

func (r *Relay) publish(ctx context.Context, pub publisher, m message) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.ConnectTimeout)
	defer cancel()

	pr, err := pub.Publish(ctx, &paho.Publish{
		Topic:   m.topic,
		QoS:     r.opts.QoS,
		Retain:  m.retain,
		Payload: m.payload,
	})
	switch {
	case err != nil:
		r.logger.Warn("mqtt publish failed", "topic", m.topic, "error", err)
	case pr != nil && pr.ReasonCode != 0 && pr.ReasonCode != 16: // 16: no matching subscribers
		r.logger.Warn("mqtt publish rejected", "topic", m.topic, "reason", pr.ReasonCode)
	}
}
