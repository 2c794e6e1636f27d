package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends persistent JSON messages to one exchange, reopening its channel on failure
type Publisher struct {
	open     Opener
	exchange string
	timeout  time.Duration

	mu     sync.Mutex
	ch     Channel
	closed bool
}

// NewPublisher creates a publisher; nothing is dialed until Connect or the first Publish
func NewPublisher(open Opener, exchange string, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{open: open, exchange: exchange, timeout: timeout}
}

// Connect opens the channel, retrying every delay for at most maxWait
func (p *Publisher) Connect(ctx context.Context, delay, maxWait time.Duration) error {
	ch, err := OpenWithRetry(ctx, p.open, delay, maxWait, "connect publisher for "+p.exchange)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = ch.Close()
		return ErrClosed
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	p.ch = ch
	log.Info("publisher connected to exchange %s", p.exchange)
	return nil
}

// Publish sends body with the routing key. A failed attempt reopens the channel and retries once.
func (p *Publisher) Publish(ctx context.Context, key string, body []byte) error {
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	err := p.publish(ctx, key, msg)
	if err == nil || errors.Is(err, ErrClosed) || ctx.Err() != nil {
		return err
	}

	log.Warn("publish to %s/%s failed: %v, reopening channel", p.exchange, key, err)
	p.reset()
	if err := p.publish(ctx, key, msg); err != nil {
		return fmt.Errorf("publish %s/%s: %w", p.exchange, key, err)
	}
	return nil
}

func (p *Publisher) publish(ctx context.Context, key string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.ch == nil {
		ch, err := p.open()
		if err != nil {
			return err
		}
		p.ch = ch
	}

	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.ch.PublishWithContext(pctx, p.exchange, key, false, false, msg)
}

func (p *Publisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
}

// Close releases the channel; later publishes return ErrClosed
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	return err
}
