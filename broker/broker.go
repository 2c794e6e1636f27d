package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/eddielth/agri-pipeline/logger"
	amqp "github.com/rabbitmq/amqp091-go"
)

var log = logger.For("broker")

// ErrClosed is returned by a Publisher after Close
var ErrClosed = errors.New("broker: closed")

// Channel is the subset of *amqp.Channel the pipeline uses
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Opener returns a fresh channel; closing the channel releases everything it holds
type Opener func() (Channel, error)

// connChannel owns its connection, one channel per connection
type connChannel struct {
	*amqp.Channel
	conn *amqp.Connection
}

func (c *connChannel) Close() error {
	chErr := c.Channel.Close()
	connErr := c.conn.Close()
	if chErr != nil && !errors.Is(chErr, amqp.ErrClosed) {
		return chErr
	}
	if connErr != nil && !errors.Is(connErr, amqp.ErrClosed) {
		return connErr
	}
	return nil
}

// Dial returns an Opener that dials url for every new channel
func Dial(url string) Opener {
	return func() (Channel, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, fmt.Errorf("dial amqp: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("open channel: %w", err)
		}
		return &connChannel{Channel: ch, conn: conn}, nil
	}
}

// OpenWithRetry keeps calling open every delay until it succeeds, ctx is done or maxWait elapses.
// maxWait 0 retries forever.
func OpenWithRetry(ctx context.Context, open Opener, delay, maxWait time.Duration, what string) (Channel, error) {
	return backoff.Retry(ctx, func() (Channel, error) {
		return open()
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(delay)),
		backoff.WithMaxElapsedTime(maxWait),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("%s: %v, retrying in %s", what, err, next)
		}),
	)
}

// dropError marks a delivery that must be discarded instead of requeued
type dropError struct {
	err error
}

func (e *dropError) Error() string { return "drop: " + e.err.Error() }

func (e *dropError) Unwrap() error { return e.err }

// Drop wraps err so consumers reject the delivery without requeueing it
func Drop(err error) error {
	if err == nil {
		return nil
	}
	return &dropError{err: err}
}

// IsDrop reports whether err was produced by Drop
func IsDrop(err error) bool {
	var d *dropError
	return errors.As(err, &d)
}
