// Package telemetry feeds parsed sensor events into the store, either from
// an MQTT broker or from a built-in simulator when no broker is configured.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/carbongrid/agent-engine/internal/metrics"
	"github.com/carbongrid/agent-engine/internal/model"
	"github.com/carbongrid/agent-engine/internal/store"
)

// MQTTSource subscribes to a telemetry topic and persists every parsed
// reading. The broker is treated purely as a source of already-parsed
// sensor events; malformed payloads are logged and dropped.
type MQTTSource struct {
	client mqtt.Client
	topic  string
	store  store.Store
}

// NewMQTTSource connects to the broker and returns a source ready to start.
func NewMQTTSource(brokerURL, clientID, topic string, st store.Store) (*MQTTSource, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("telemetry: mqtt connect: %w", token.Error())
	}

	return &MQTTSource{client: client, topic: topic, store: st}, nil
}

// Start subscribes to the topic. Readings are inserted with a background
// context so a canceled request cannot drop telemetry mid-write.
func (s *MQTTSource) Start() error {
	token := s.client.Subscribe(s.topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var r model.Reading
		if err := json.Unmarshal(msg.Payload(), &r); err != nil {
			slog.Warn("telemetry: dropping malformed reading", "topic", msg.Topic(), "err", err)
			return
		}
		if r.DeviceID == "" {
			slog.Warn("telemetry: dropping reading without device_id", "topic", msg.Topic())
			return
		}
		if err := s.store.InsertReading(context.Background(), &r); err != nil {
			slog.Error("telemetry: insert reading failed", "device", r.DeviceID, "err", err)
			return
		}
		metrics.TelemetryReadings.WithLabelValues("mqtt").Inc()
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("telemetry: mqtt subscribe: %w", token.Error())
	}

	slog.Info("telemetry: subscribed", "topic", s.topic)
	return nil
}

// Stop unsubscribes and disconnects from the broker.
func (s *MQTTSource) Stop() {
	s.client.Unsubscribe(s.topic)
	s.client.Disconnect(250)
}
