package amqpx

import (
	"context"
	"io"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type declaredExchange struct {
	name string
	kind string
}

type declaredQueue struct {
	name string
	args amqp.Table
}

type binding struct {
	queue    string
	key      string
	exchange string
}

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	exchanges  []declaredExchange
	queues     []declaredQueue
	bindings   []binding
	publishes  []published
	deliveries chan amqp.Delivery

	declareErr error
	publishErr error
	consumeErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 16)}
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.declareErr != nil {
		return c.declareErr
	}
	c.exchanges = append(c.exchanges, declaredExchange{name: name, kind: kind})
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.declareErr != nil {
		return amqp.Queue{}, c.declareErr
	}
	c.queues = append(c.queues, declaredQueue{name: name, args: args})
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.declareErr != nil {
		return c.declareErr
	}
	c.bindings = append(c.bindings, binding{queue: name, key: key, exchange: exchange})
	return nil
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error { return nil }

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.publishes = append(c.publishes, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (c *fakeChannel) ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if c.consumeErr != nil {
		return nil, c.consumeErr
	}
	return c.deliveries, nil
}

func (c *fakeChannel) Close() error { return nil }

func (c *fakeChannel) published() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]published, len(c.publishes))
	copy(out, c.publishes)
	return out
}

type fakeConn struct {
	ch *fakeChannel

	mu        sync.Mutex
	closed    bool
	closeCh   chan *amqp.Error
	blockedCh chan amqp.Blocking
}

func newFakeConn() *fakeConn {
	return &fakeConn{ch: newFakeChannel()}
}

func (c *fakeConn) Channel() (Channel, error) { return c.ch, nil }

func (c *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCh = receiver
	return receiver
}

func (c *fakeConn) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockedCh = receiver
	return receiver
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// dropConnection simulates a broker-side close.
func (c *fakeConn) dropConnection(err *amqp.Error) {
	c.mu.Lock()
	ch := c.closeCh
	c.mu.Unlock()
	if ch != nil {
		ch <- err
	}
}

func (c *fakeConn) notificationsRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCh != nil && c.blockedCh != nil
}

func (c *fakeConn) setBlocked(active bool) {
	c.mu.Lock()
	ch := c.blockedCh
	c.mu.Unlock()
	if ch != nil {
		ch <- amqp.Blocking{Active: active, Reason: "resource"}
	}
}

type ackCall struct {
	method  string
	requeue bool
}

type fakeAcknowledger struct {
	mu    sync.Mutex
	calls []ackCall
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, ackCall{method: "ack"})
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, ackCall{method: "nack", requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, ackCall{method: "reject", requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) recorded() []ackCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ackCall, len(a.calls))
	copy(out, a.calls)
	return out
}
