package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/eddielth/agri-pipeline/config"
	"github.com/eddielth/agri-pipeline/event"
	"github.com/eddielth/agri-pipeline/transformer"
	"github.com/eddielth/agri-pipeline/validator"
)

// ReadyPayload is the retained value announcing a live bridge on the status topic
const ReadyPayload = "ready"

// Publisher sends an encoded event with a routing key
type Publisher interface {
	Publish(ctx context.Context, key string, body []byte) error
}

// Bridge republishes validated device readings onto the sensor-events exchange
type Bridge struct {
	client       *Client
	config       config.MQTTConfig
	transformers *transformer.Manager
	publisher    Publisher
	timeout      time.Duration
	now          func() time.Time
}

// NewBridge creates the bridge; transformers may be nil
func NewBridge(cfg config.MQTTConfig, transformers *transformer.Manager, publisher Publisher, publishTimeout time.Duration) (*Bridge, error) {
	if publishTimeout <= 0 {
		publishTimeout = 5 * time.Second
	}
	b := &Bridge{
		config:       cfg,
		transformers: transformers,
		publisher:    publisher,
		timeout:      publishTimeout,
		now:          time.Now,
	}

	client, err := NewClient(cfg, b.onConnect)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MQTT client: %w", err)
	}
	b.client = client
	return b, nil
}

// Start connects to the broker; subscription and the ready signal follow from onConnect
func (b *Bridge) Start() error {
	if err := b.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return nil
}

// Stop stops the bridge
func (b *Bridge) Stop() {
	b.client.Disconnect()
}

func (b *Bridge) onConnect(c *Client) {
	if err := c.Subscribe(b.config.Topic, b.config.QoS, b.onMessage); err != nil {
		log.Error("subscribe to %s: %v", b.config.Topic, err)
	}
	if err := c.Publish(b.config.StatusTopic, 1, true, []byte(ReadyPayload)); err != nil {
		log.Error("publish ready status: %v", err)
		return
	}
	log.Info("published retained %q on %s", ReadyPayload, b.config.StatusTopic)
}

func (b *Bridge) onMessage(_ paho.Client, msg paho.Message) {
	if msg.Topic() == b.config.StatusTopic {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	if err := b.Handle(ctx, msg.Topic(), msg.Payload()); err != nil {
		log.Warn("%v", err)
	}
}

// Handle runs the transformer registered for the topic's metric segment, validates the
// result and publishes the normalized reading. Invalid messages are dropped; the returned
// error only describes what happened.
func (b *Bridge) Handle(ctx context.Context, topic string, payload []byte) error {
	if topic == b.config.StatusTopic {
		return nil
	}

	t, err := validator.ParseTopic(topic, b.config.MinSegments)
	if err != nil {
		return fmt.Errorf("dropping message: %w", err)
	}

	data, err := b.transformers.Transform(t.Metric, topic, payload)
	if err != nil {
		return fmt.Errorf("dropping message on %s: %w", topic, err)
	}

	reading, err := validator.Reading(t, data, b.now())
	if err != nil {
		return fmt.Errorf("dropping message on %s: %w", topic, err)
	}

	body, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("encode reading from %s: %w", topic, err)
	}

	key := event.ReadingKey(reading.FieldID, reading.SensorID)
	if err := b.publisher.Publish(ctx, key, body); err != nil {
		log.Error("reading from %s lost: %v", topic, err)
		return fmt.Errorf("publish %s: %w", key, err)
	}

	log.Debug("forwarded %s %s=%v%s", key, reading.SensorType, reading.Value, reading.Unit)
	return nil
}
