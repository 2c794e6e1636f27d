package broker

import (
	"fmt"

	"github.com/eddielth/agri-pipeline/config"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange is a durable exchange
type Exchange struct {
	Name string
	Kind string
}

// Binding routes Key on Exchange into a queue
type Binding struct {
	Exchange string
	Key      string
}

// Queue is a durable named queue and its bindings
type Queue struct {
	Name     string
	Bindings []Binding
}

// Topology is the set of exchanges and queues consumers rely on
type Topology struct {
	Exchanges []Exchange
	Queues    []Queue
}

// DefaultTopology builds the sensor-events and alerts exchanges plus the recorder and alert producer queues
func DefaultTopology(cfg config.AMQPConfig) Topology {
	return Topology{
		Exchanges: []Exchange{
			{Name: cfg.SensorExchange, Kind: amqp.ExchangeTopic},
			{Name: cfg.AlertExchange, Kind: amqp.ExchangeTopic},
		},
		Queues: []Queue{
			{Name: cfg.RecorderQueue, Bindings: []Binding{{Exchange: cfg.SensorExchange, Key: cfg.ReadingBinding}}},
			{Name: cfg.AlertsQueue, Bindings: []Binding{{Exchange: cfg.SensorExchange, Key: cfg.ReadingBinding}}},
		},
	}
}

// ExchangesOnly returns t without its queues, for consumers that bring their own
func (t Topology) ExchangesOnly() Topology {
	return Topology{Exchanges: t.Exchanges}
}

// Declare creates the topology. Re-declaring identical entities is a no-op on the server.
func (t Topology) Declare(ch Channel) error {
	for _, ex := range t.Exchanges {
		kind := ex.Kind
		if kind == "" {
			kind = amqp.ExchangeTopic
		}
		if err := ch.ExchangeDeclare(ex.Name, kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.Name, err)
		}
	}

	for _, q := range t.Queues {
		if _, err := ch.QueueDeclare(q.Name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.Name, err)
		}
		for _, b := range q.Bindings {
			if err := ch.QueueBind(q.Name, b.Key, b.Exchange, false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s with %s: %w", q.Name, b.Exchange, b.Key, err)
			}
		}
	}
	return nil
}
