// Package emitter bridges the status bus to MQTT so remote observers
// can follow measurement progress and results.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/audiolab/latmeter/internal/config"
	"github.com/audiolab/latmeter/internal/statusbus"
)

// statusMessage is the wire shape published on the status topic.
type statusMessage struct {
	InstanceID string              `json:"instance_id"`
	Kind       string              `json:"kind"`
	SessionID  string              `json:"session_id,omitempty"`
	Text       string              `json:"text,omitempty"`
	State      string              `json:"state,omitempty"`
	Ports      *statusbus.PortList `json:"ports,omitempty"`
	Timestamp  time.Time           `json:"timestamp"`
}

// MQTTEmitter subscribes to the status bus and publishes each event as
// JSON on the configured topic.
type MQTTEmitter struct {
	cfg    *config.Config
	bus    *statusbus.Bus
	client mqtt.Client

	events chan statusbus.Event
	done   chan struct{}
	wg     sync.WaitGroup

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

// NewMQTTEmitter creates an emitter bound to the given bus. Connect
// must be called before Run.
func NewMQTTEmitter(cfg *config.Config, bus *statusbus.Bus) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:    cfg,
		bus:    bus,
		events: make(chan statusbus.Event, 256),
		done:   make(chan struct{}),
	}
}

// Connect establishes the broker connection with automatic retry and
// reconnect.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.MQTT.Broker))
	opts.SetClientID(e.cfg.InstanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.mu.Lock()
		e.connected = true
		e.mu.Unlock()
		slog.Info("mqtt connection established",
			"broker", e.cfg.MQTT.Broker,
			"client_id", e.cfg.InstanceID)
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.MQTT.Broker)
	}

	e.client = mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", e.cfg.MQTT.Broker)

	token := e.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()

	return nil
}

// Run subscribes to the status bus and forwards events until the
// context is cancelled.
func (e *MQTTEmitter) Run(ctx context.Context) error {
	if err := e.bus.Subscribe("mqtt-emitter", e.events); err != nil {
		return fmt.Errorf("failed to subscribe to status bus: %w", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-e.events:
				if err := e.publish(ev); err != nil {
					slog.Debug("status publish skipped", "error", err)
				}
			}
		}
	}()

	return nil
}

// publish sends one bus event to the status topic.
func (e *MQTTEmitter) publish(ev statusbus.Event) error {
	if !e.isConnected() {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		return fmt.Errorf("mqtt not connected")
	}

	msg := statusMessage{
		InstanceID: e.cfg.InstanceID,
		Kind:       ev.Kind.String(),
		SessionID:  ev.SessionID,
		Text:       ev.Text,
		Ports:      ev.Ports,
		Timestamp:  time.Now().UTC(),
	}
	if ev.Kind == statusbus.StateChange {
		msg.State = ev.State.String()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		return fmt.Errorf("failed to marshal status message: %w", err)
	}

	token := e.client.Publish(e.cfg.MQTT.StatusTopic, e.cfg.MQTT.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published++
	e.mu.Unlock()

	slog.Debug("status published",
		"topic", e.cfg.MQTT.StatusTopic,
		"kind", msg.Kind,
		"size", len(payload),
	)

	return nil
}

// Disconnect unsubscribes from the bus and closes the broker
// connection.
func (e *MQTTEmitter) Disconnect() error {
	if err := e.bus.Unsubscribe("mqtt-emitter"); err != nil {
		slog.Debug("bus unsubscribe failed", "error", err)
	}
	e.wg.Wait()

	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		slog.Info("mqtt disconnected")
	}

	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()

	return nil
}

// Stats contains emitter counters.
type Stats struct {
	Connected bool
	Published uint64
	Errors    uint64
}

// Stats returns a snapshot of the emitter counters.
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{Connected: e.connected, Published: e.published, Errors: e.errors}
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}
