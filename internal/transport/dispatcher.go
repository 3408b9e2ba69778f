package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fieldward/fieldward-core/internal/control"
	"github.com/fieldward/fieldward-core/internal/device"
	"github.com/fieldward/fieldward-core/internal/infrastructure/mqtt"
)

// Publisher is the broker surface the dispatcher needs. Satisfied by
// mqtt.Client.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// commandEnvelope is the wire format published to device command topics.
type commandEnvelope struct {
	Action    string         `json:"action"`
	Payload   map[string]any `json:"payload,omitempty"`
	IssuedAt  time.Time      `json:"issued_at"`
	DeviceID  string         `json:"device_id"`
	TargetTag string         `json:"target_tag,omitempty"`
}

// MQTTDispatcher delivers executed commands to field hardware over the
// MQTT broker. Delivery is at-most-once from the engine's perspective:
// the command ledger is resolved before dispatch and a publish failure
// never reverts it.
type MQTTDispatcher struct {
	publisher Publisher
	topics    mqtt.Topics
	qos       byte
}

// NewMQTTDispatcher creates a dispatcher over a connected broker client.
func NewMQTTDispatcher(publisher Publisher, qos byte) *MQTTDispatcher {
	return &MQTTDispatcher{publisher: publisher, qos: qos}
}

// Name identifies this transport in command records.
func (d *MQTTDispatcher) Name() string { return "mqtt" }

// DispatchCommand publishes the command envelope to the device's
// command topic.
func (d *MQTTDispatcher) DispatchCommand(_ context.Context, dev *device.Device, action control.Action, payload map[string]any) error {
	envelope := commandEnvelope{
		Action:   string(action),
		Payload:  payload,
		IssuedAt: time.Now().UTC(),
		DeviceID: dev.ID,
	}
	if tag, ok := dev.Config["sms_target"].(string); ok {
		envelope.TargetTag = tag
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encoding command envelope: %w", err)
	}

	topic := d.topics.DeviceCommand(string(dev.Type), dev.ID)
	if err := d.publisher.Publish(topic, body, d.qos, false); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// NoopDispatcher satisfies control.Dispatcher when no broker is
// configured. Commands still resolve normally; nothing leaves the box.
type NoopDispatcher struct{}

// Name identifies this transport in command records.
func (NoopDispatcher) Name() string { return "none" }

// DispatchCommand discards the command.
func (NoopDispatcher) DispatchCommand(context.Context, *device.Device, control.Action, map[string]any) error {
	return nil
}
