package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/eddielth/agri-pipeline/broker"
	"github.com/eddielth/agri-pipeline/event"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Recorder persists every reading delivered on the recorder queue
type Recorder struct {
	manager *Manager
}

// NewRecorder creates a recorder writing through manager
func NewRecorder(manager *Manager) *Recorder {
	return &Recorder{manager: manager}
}

// Handle is the broker.Handler for the recorder queue. Undecodable readings are dropped,
// storage failures requeue the delivery.
func (r *Recorder) Handle(ctx context.Context, d amqp.Delivery) error {
	var reading event.Reading
	if err := json.Unmarshal(d.Body, &reading); err != nil {
		return broker.Drop(fmt.Errorf("decode reading %s: %w", d.RoutingKey, err))
	}
	if reading.FieldID == "" || reading.SensorID == "" || reading.Timestamp.IsZero() {
		return broker.Drop(fmt.Errorf("reading %s is incomplete", d.RoutingKey))
	}

	if err := r.manager.Store(ctx, reading); err != nil {
		return fmt.Errorf("record %s: %w", d.RoutingKey, err)
	}
	log.Debug("recorded %s %s=%v", d.RoutingKey, reading.SensorType, reading.Value)
	return nil
}
