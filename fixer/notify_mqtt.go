package fixer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTNotifier publishes notifications and reports to the broker.
// Notifications go to <prefix>/notifications; full reports, retained, to
// <prefix>/<layer>/report.
type MQTTNotifier struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
}

// NewMQTTNotifier creates a notifier publishing under prefix. If prefix is
// empty, MQTT_PUBLISH_PREFIX or "geomfix" is used.
func NewMQTTNotifier(client mqtt.Client, prefix string) *MQTTNotifier {
	if prefix == "" {
		prefix = publishPrefix(MQTTConfig{})
	}
	return &MQTTNotifier{
		client:        client,
		publishPrefix: prefix,
		qos:           1,
		retain:        true,
	}
}

// Notify publishes n to the notifications topic. Notifications are never
// retained so late subscribers do not replay old runs.
func (p *MQTTNotifier) Notify(_ context.Context, n Notification) error {
	topic := fmt.Sprintf("%s/notifications", p.publishPrefix)
	return p.publishJSON(topic, false, n)
}

// Present publishes the full report to the layer's report topic.
func (p *MQTTNotifier) Present(_ context.Context, r *Report) error {
	topic := fmt.Sprintf("%s/%s/report", p.publishPrefix, r.Layer)
	return p.publishJSON(topic, p.retain, r)
}

func (p *MQTTNotifier) publishJSON(topic string, retain bool, v any) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling payload for %s: %w", topic, err)
	}
	token := p.client.Publish(topic, p.qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2).
// Call it before the notifier is shared.
func (p *MQTTNotifier) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether reports should be retained by the broker.
func (p *MQTTNotifier) SetRetain(retain bool) {
	p.retain = retain
}
