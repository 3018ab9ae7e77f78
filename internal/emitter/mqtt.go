// Package emitter publishes the pipeline status stream to an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/maskflow/internal/config"
	"github.com/e7canasta/maskflow/internal/events"
)

var ErrNotConnected = errors.New("emitter: mqtt not connected")

// publisher is the part of mqtt.Client the emitter uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Payload is the JSON body of a status message.
type Payload struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	State     string    `json:"state,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Time      time.Time `json:"time"`
}

// MQTTEmitter publishes events to {topic}/{kind}.
type MQTTEmitter struct {
	cfg       config.MQTTConfig
	sessionID string
	client    publisher
	mqtt      mqtt.Client

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

func NewMQTTEmitter(cfg config.MQTTConfig, sessionID string) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		sessionID: sessionID,
		published: make(map[string]uint64),
	}
}

// Connect establishes connection to the MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("mqtt connection established",
			"broker", e.cfg.Broker,
			"client_id", e.cfg.ClientID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker,
		)
	}

	client := mqtt.NewClient(opts)
	slog.Info("connecting to mqtt broker", "broker", e.cfg.Broker)

	token := client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("emitter: mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("emitter: mqtt connection failed: %w", err)
	}

	e.mu.Lock()
	e.mqtt = client
	e.client = client
	e.connected = true
	e.mu.Unlock()
	return nil
}

// Publish sends one event. Status kinds are retained so late subscribers
// see the current worker state; log lines are not.
func (e *MQTTEmitter) Publish(ev events.Event) error {
	e.mu.RLock()
	client, connected := e.client, e.connected
	e.mu.RUnlock()

	if client == nil || !connected {
		e.countError()
		return ErrNotConnected
	}

	topic := e.topic(ev.Kind)
	payload, err := e.payload(ev)
	if err != nil {
		e.countError()
		return fmt.Errorf("emitter: failed to marshal event: %w", err)
	}

	token := client.Publish(topic, e.cfg.QoS, ev.Kind != events.KindLog, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("emitter: publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("emitter: publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("event published",
		"topic", topic,
		"qos", e.cfg.QoS,
		"size", len(payload),
	)
	return nil
}

// Run publishes events from ch until ch closes or ctx is cancelled.
// Publish errors are logged and do not stop the loop.
func (e *MQTTEmitter) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := e.Publish(ev); err != nil {
				slog.Warn("failed to publish event", "kind", ev.Kind, "error", err)
			}
		}
	}
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() {
	e.mu.Lock()
	client := e.mqtt
	e.connected = false
	e.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(250) // 250ms grace period
		slog.Info("mqtt disconnected")
	}
}

// Stats returns emitter statistics
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

func (e *MQTTEmitter) topic(kind events.Kind) string {
	return fmt.Sprintf("%s/%s", e.cfg.Topic, kind)
}

func (e *MQTTEmitter) payload(ev events.Event) ([]byte, error) {
	return json.Marshal(Payload{
		SessionID: e.sessionID,
		Kind:      string(ev.Kind),
		Message:   ev.Message,
		State:     ev.State,
		Reason:    ev.Reason,
		Time:      ev.Time,
	})
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
