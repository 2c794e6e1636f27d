package broker

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type binding struct {
	queue, key, exchange string
}

type fakeChannel struct {
	mu         sync.Mutex
	exchanges  map[string]string
	queues     map[string]bool
	bindings   []binding
	published  []amqp.Publishing
	keys       []string
	publishErr error
	prefetch   int
	consumed   []string
	deliveries chan amqp.Delivery
	notify     []chan *amqp.Error
	closed     bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		exchanges:  map[string]string{},
		queues:     map[string]bool{},
		deliveries: make(chan amqp.Delivery, 16),
	}
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !durable {
		return errors.New("exchange must be durable")
	}
	f.exchanges[name] = kind
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, _, exclusive, _ bool, _ amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == "" {
		name = "amq.gen-test"
	}
	f.queues[name] = durable || exclusive
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.bindings {
		if b == (binding{name, key, exchange}) {
			return nil
		}
	}
	f.bindings = append(f.bindings, binding{name, key, exchange})
	return nil
}

func (f *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefetch = prefetchCount
	return nil
}

func (f *fakeChannel) Consume(queue, _ string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumed = append(f.consumed, queue)
	return f.deliveries, nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.keys = append(f.keys, key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notify = append(f.notify, receiver)
	return receiver
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// drop simulates the server closing the channel
func (f *fakeChannel) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.notify {
		n <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "test"}
	}
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type ackRecord struct {
	tag     uint64
	ack     bool
	requeue bool
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	records []ackRecord
	done    chan struct{}
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{done: make(chan struct{}, 64)}
}

func (a *fakeAcknowledger) record(r ackRecord) error {
	a.mu.Lock()
	a.records = append(a.records, r)
	a.mu.Unlock()
	a.done <- struct{}{}
	return nil
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	return a.record(ackRecord{tag: tag, ack: true})
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	return a.record(ackRecord{tag: tag, requeue: requeue})
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.record(ackRecord{tag: tag, requeue: requeue})
}

func (a *fakeAcknowledger) byTag() map[uint64]ackRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := map[uint64]ackRecord{}
	for _, r := range a.records {
		out[r.tag] = r
	}
	return out
}

// openerOf hands out channels in order, failing with err while failures > 0
type openerOf struct {
	mu       sync.Mutex
	channels []*fakeChannel
	failures int
	calls    int
}

func (o *openerOf) open() (Channel, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.failures > 0 {
		o.failures--
		return nil, errors.New("connection refused")
	}
	if len(o.channels) == 0 {
		return nil, errors.New("no more channels")
	}
	ch := o.channels[0]
	o.channels = o.channels[1:]
	return ch, nil
}

func (o *openerOf) callCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}
