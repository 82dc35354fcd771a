// Package emitter publishes surveillance events and health reports to
// an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/muzapapa-glitch/RasCam/internal/config"
	"github.com/muzapapa-glitch/RasCam/internal/events"
)

// MQTTEmitter forwards bus events to MQTT topics
type MQTTEmitter struct {
	cfg    config.MQTTConfig
	logger *slog.Logger

	Client mqtt.Client // exported for the control plane

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// NewMQTTEmitter creates an MQTT emitter
func NewMQTTEmitter(cfg config.MQTTConfig, logger *slog.Logger) *MQTTEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTEmitter{
		cfg:       cfg,
		logger:    logger.With("component", "emitter"),
		published: make(map[string]uint64),
	}
}

// Connect establishes the broker connection with auto-reconnect
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(e.cfg.Broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.mu.Lock()
		e.connected = true
		e.mu.Unlock()
		e.logger.Info("mqtt connection established",
			"broker", e.cfg.Broker,
			"client_id", e.cfg.ClientID,
		)
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		e.logger.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker,
		)
	}

	e.Client = mqtt.NewClient(opts)

	e.logger.Info("connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.Client.Connect()
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

// Run pumps bus events to the broker until the channel closes or the
// context ends. Publish failures are counted and logged, never fatal;
// a camera with a flaky broker keeps recording.
func (e *MQTTEmitter) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := e.PublishEvent(ev); err != nil {
				e.logger.Warn("failed to publish event",
					"type", ev.Type,
					"error", err,
				)
			}
		}
	}
}

// PublishEvent publishes one event on {events_topic}/{type}
func (e *MQTTEmitter) PublishEvent(ev events.Event) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	topic := fmt.Sprintf("%s/%s", e.cfg.Topics.Events, ev.Type)
	qos := e.getQoS("events")

	payload, err := json.Marshal(ev)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	token := e.Client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	e.logger.Debug("event published",
		"topic", topic,
		"qos", qos,
		"size", len(payload),
	)

	return nil
}

// PublishHealth publishes a health report payload
func (e *MQTTEmitter) PublishHealth(payload []byte) error {
	if !e.isConnected() {
		return fmt.Errorf("mqtt not connected")
	}

	token := e.Client.Publish(e.cfg.Topics.Health, e.getQoS("health"), false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish timeout")
	}

	return token.Error()
}

// Disconnect closes the broker connection
func (e *MQTTEmitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250)
		e.logger.Info("mqtt disconnected")
	}

	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()

	return nil
}

// Stats returns a snapshot
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

func (e *MQTTEmitter) getQoS(kind string) byte {
	if qos, ok := e.cfg.QoS[kind]; ok {
		return qos
	}
	return 0
}
