package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one delivery. nil acks, Drop(err) rejects, any other error requeues.
type Handler func(ctx context.Context, d amqp.Delivery) error

// Source names what a consumer reads: a durable queue, or a server-named exclusive
// queue bound with Bindings when Queue is empty.
type Source struct {
	Queue    string
	Bindings []Binding
}

// ConsumerConfig configures a Consumer
type ConsumerConfig struct {
	Name           string
	Source         Source
	Prefetch       int
	HandlerTimeout time.Duration
	ReconnectDelay time.Duration
	// Topology, when set, is declared on every (re)connect before consuming
	Topology *Topology
}

// Consumer runs a Handler for every delivery of its source, one goroutine per delivery
// bounded by the prefetch count, and reconnects whenever the channel is lost.
type Consumer struct {
	open    Opener
	cfg     ConsumerConfig
	handler Handler
}

// NewConsumer creates a consumer
func NewConsumer(open Opener, cfg ConsumerConfig, handler Handler) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 15 * time.Second
	}
	return &Consumer{open: open, cfg: cfg, handler: handler}
}

// Run consumes until ctx is done. Lost channels are reopened after the reconnect delay.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		ch, err := OpenWithRetry(ctx, c.open, c.cfg.ReconnectDelay, 0, "consumer "+c.cfg.Name)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		err = c.consume(ctx, ch)
		_ = ch.Close()
		if ctx.Err() != nil {
			log.Info("consumer %s stopped", c.cfg.Name)
			return nil
		}

		log.Warn("consumer %s lost its channel: %v, reconnecting in %s", c.cfg.Name, err, c.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

func (c *Consumer) setup(ch Channel) (<-chan amqp.Delivery, string, error) {
	if c.cfg.Topology != nil {
		if err := c.cfg.Topology.Declare(ch); err != nil {
			return nil, "", err
		}
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return nil, "", fmt.Errorf("set prefetch: %w", err)
	}

	queue := c.cfg.Source.Queue
	if queue == "" {
		q, err := ch.QueueDeclare("", false, true, true, false, nil)
		if err != nil {
			return nil, "", fmt.Errorf("declare exclusive queue: %w", err)
		}
		queue = q.Name
		for _, b := range c.cfg.Source.Bindings {
			if err := ch.QueueBind(queue, b.Key, b.Exchange, false, nil); err != nil {
				return nil, "", fmt.Errorf("bind %s to %s with %s: %w", queue, b.Exchange, b.Key, err)
			}
		}
	}

	deliveries, err := ch.Consume(queue, c.cfg.Name, false, false, false, false, nil)
	if err != nil {
		return nil, "", fmt.Errorf("consume %s: %w", queue, err)
	}
	return deliveries, queue, nil
}

func (c *Consumer) consume(ctx context.Context, ch Channel) error {
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	deliveries, queue, err := c.setup(ch)
	if err != nil {
		return err
	}
	log.Info("consumer %s reading %s (prefetch %d)", c.cfg.Name, queue, c.cfg.Prefetch)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return errors.New("channel closed")
			}
			return amqpErr
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery stream ended")
			}
			wg.Add(1)
			go func(d amqp.Delivery) {
				defer wg.Done()
				c.handle(ctx, d)
			}(d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandlerTimeout)
	defer cancel()

	err := c.handler(hctx, d)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			log.Warn("consumer %s: ack %s: %v", c.cfg.Name, d.RoutingKey, ackErr)
		}
	case IsDrop(err):
		log.Warn("consumer %s: dropping %s: %v", c.cfg.Name, d.RoutingKey, err)
		if nackErr := d.Nack(false, false); nackErr != nil {
			log.Warn("consumer %s: reject %s: %v", c.cfg.Name, d.RoutingKey, nackErr)
		}
	default:
		log.Error("consumer %s: requeueing %s: %v", c.cfg.Name, d.RoutingKey, err)
		if nackErr := d.Nack(false, true); nackErr != nil {
			log.Warn("consumer %s: requeue %s: %v", c.cfg.Name, d.RoutingKey, nackErr)
		}
	}
}
