package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/eddielth/agri-pipeline/broker"
	"github.com/eddielth/agri-pipeline/event"
	"github.com/eddielth/agri-pipeline/logger"
	"github.com/eddielth/agri-pipeline/storage"
	amqp "github.com/rabbitmq/amqp091-go"
)

var log = logger.For("alerts")

// Publisher sends an encoded event with a routing key
type Publisher interface {
	Publish(ctx context.Context, key string, body []byte) error
}

// Producer evaluates readings against field rules, persists the resulting alerts and
// then publishes them. Delivery is at-least-once: a requeued reading may raise its alerts again.
type Producer struct {
	pipeline  Pipeline
	alerts    storage.AlertStore
	publisher Publisher
	now       func() time.Time
}

// NewProducer creates a producer running pipeline
func NewProducer(pipeline Pipeline, alerts storage.AlertStore, publisher Publisher) *Producer {
	return &Producer{
		pipeline:  pipeline,
		alerts:    alerts,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Handle is the broker.Handler for the rule-evaluation queue
func (p *Producer) Handle(ctx context.Context, d amqp.Delivery) error {
	var reading event.Reading
	if err := json.Unmarshal(d.Body, &reading); err != nil {
		return broker.Drop(fmt.Errorf("decode reading %s: %w", d.RoutingKey, err))
	}
	if reading.FieldID == "" || reading.SensorType == "" {
		return broker.Drop(fmt.Errorf("reading %s has no field_id or sensor_type", d.RoutingKey))
	}

	_, err := p.Process(ctx, reading)
	return err
}

// Process runs one reading through the pipeline and returns the alerts it raised
func (p *Producer) Process(ctx context.Context, reading event.Reading) ([]event.Alert, error) {
	ev := &Evaluation{Reading: reading, Now: p.now()}
	if err := p.pipeline.Run(ctx, ev); err != nil {
		return nil, err
	}
	if len(ev.RuleErrors) > 0 {
		log.Error("field %s: skipped rules: %v", reading.FieldID, errors.Join(ev.RuleErrors...))
	}
	if len(ev.Alerts) == 0 {
		return nil, nil
	}

	if err := p.alerts.SaveAlerts(ctx, ev.Alerts); err != nil {
		return nil, fmt.Errorf("persist %d alerts for %s: %w", len(ev.Alerts), reading.FieldID, err)
	}

	for _, a := range ev.Alerts {
		body, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode alert: %w", err)
		}
		if err := p.publisher.Publish(ctx, event.AlertKey(a.FieldID), body); err != nil {
			return nil, fmt.Errorf("publish alert for %s: %w", a.FieldID, err)
		}
	}

	log.Info("field %s: %d alert(s) from %s=%v", reading.FieldID, len(ev.Alerts), reading.SensorType, reading.Value)
	return ev.Alerts, nil
}
