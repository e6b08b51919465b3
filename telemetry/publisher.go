// Package telemetry publishes live recording guidance and session
// lifecycle events to MQTT, for a UI layer that is out of this module's
// scope to consume.
package telemetry

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/dscvr/panostitch/pano"
)

// Publisher publishes a recorder's guidance snapshots and the terminal
// finished event to MQTT under a configurable topic prefix.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
}

// NewPublisher creates a guidance publisher. If client is nil, publishing
// is a silent no-op (used for testing or when no broker is configured).
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = "panorecorder"
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,    // fire-and-forget, matching mesh's position updates
		retain:        true, // retain latest guidance for a UI that joins late
	}
}

// guidanceMessage is the wire schema for a guidance snapshot: ball position
// is flattened from a 3x3 rotation matrix to a 9-element array since MQTT
// subscribers have no notion of pano.Mat3.
type guidanceMessage struct {
	ImagesToRecord int        `json:"imagesToRecord"`
	RecordedImages int        `json:"recordedImages"`
	Idle           bool       `json:"idle"`
	BallPosition   [9]float64 `json:"ballPosition"`
	ErrorVector    [3]float64 `json:"errorVector"`
	ScalarError    float64    `json:"scalarError"`
	Timestamp      int64      `json:"timestamp"`
}

// PublishGuidance publishes one selector guidance snapshot to
// <prefix>/guidance.
func (p *Publisher) PublishGuidance(g pano.Guidance) error {
	if p.client == nil || !p.client.IsConnected() {
		return nil
	}

	msg := guidanceMessage{
		ImagesToRecord: g.ImagesToRecord,
		RecordedImages: g.RecordedImages,
		Idle:           g.Idle,
		BallPosition:   [9]float64(g.BallPosition),
		ErrorVector:    g.ErrorVector,
		ScalarError:    g.ScalarError,
		Timestamp:      time.Now().Unix(),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("telemetry: marshaling guidance: %w", err)
	}

	topic := fmt.Sprintf("%s/guidance", p.publishPrefix)
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("telemetry: publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// PublishFinished announces that the session ended (via finish or cancel),
// to <prefix>/finished. Published at QoS 1 and retained, since this is a
// one-shot terminal event a late subscriber should still observe.
func (p *Publisher) PublishFinished(cancelled bool) error {
	if p.client == nil || !p.client.IsConnected() {
		return nil
	}

	message := map[string]interface{}{
		"cancelled": cancelled,
		"timestamp": time.Now().Unix(),
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("telemetry: marshaling finished event: %w", err)
	}

	topic := fmt.Sprintf("%s/finished", p.publishPrefix)
	token := p.client.Publish(topic, byte(1), true, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("telemetry: publishing to %s: %w", topic, token.Error())
	}
	log.Printf("[TELEMETRY] published finished (cancelled=%v) to %s", cancelled, topic)
	return nil
}
