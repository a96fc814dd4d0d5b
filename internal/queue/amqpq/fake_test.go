package amqpq

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeServer is an in-memory stand-in for the broker side of a channel.
type fakeServer struct {
	mu         sync.Mutex
	declared   map[string]amqp.Table
	queues     map[string][]amqp.Publishing
	acked      []string
	nacked     []string
	tag        uint64
	publishErr error
	nack       bool // refuse published messages
	confirms   int  // channels put in confirm mode
	dials      int
	deliveries chan amqp.Delivery
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		declared:   make(map[string]amqp.Table),
		queues:     make(map[string][]amqp.Publishing),
		deliveries: make(chan amqp.Delivery, 16),
	}
}

func (s *fakeServer) dial() (Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	return &fakeConn{s: s}, nil
}

// deliver pushes msg onto the consumer stream.
func (s *fakeServer) deliver(msg amqp.Publishing) {
	s.mu.Lock()
	s.tag++
	d := toDelivery(s, "", s.tag, msg)
	s.mu.Unlock()
	s.deliveries <- d
}

func (s *fakeServer) published(queue string) []amqp.Publishing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]amqp.Publishing(nil), s.queues[queue]...)
}

func (s *fakeServer) ackedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acked...)
}

func (s *fakeServer) nackedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.nacked...)
}

func toDelivery(s *fakeServer, queue string, tag uint64, msg amqp.Publishing) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: &fakeAck{s: s, queue: queue, msg: msg},
		DeliveryTag:  tag,
		Headers:      msg.Headers,
		ContentType:  msg.ContentType,
		Priority:     msg.Priority,
		MessageId:    msg.MessageId,
		Timestamp:    msg.Timestamp,
		Expiration:   msg.Expiration,
		Body:         msg.Body,
	}
}

type fakeAck struct {
	s     *fakeServer
	queue string
	msg   amqp.Publishing
}

func (a *fakeAck) Ack(uint64, bool) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	a.s.acked = append(a.s.acked, a.msg.MessageId)
	return nil
}

func (a *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	a.s.nacked = append(a.s.nacked, a.msg.MessageId)
	if requeue && a.queue != "" {
		a.s.queues[a.queue] = append(a.s.queues[a.queue], a.msg)
	}
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error { return a.Nack(tag, false, requeue) }

type fakeConn struct {
	s      *fakeServer
	closed bool
}

func (c *fakeConn) Channel() (Channel, error) { return &fakeChannel{s: c.s}, nil }
func (c *fakeConn) IsClosed() bool            { return c.closed }
func (c *fakeConn) Close() error              { c.closed = true; return nil }

type fakeChannel struct {
	s          *fakeServer
	confirming bool
}

func (c *fakeChannel) Qos(int, int, bool) error { return nil }

func (c *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.declared[name] = args
	return amqp.Queue{Name: name, Messages: len(c.s.queues[name])}, nil
}

func (c *fakeChannel) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if _, ok := c.s.declared[name]; !ok {
		return amqp.Queue{}, errors.New("NOT_FOUND - no queue " + name)
	}
	return amqp.Queue{Name: name, Messages: len(c.s.queues[name])}, nil
}

func (c *fakeChannel) Confirm(bool) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.confirming = true
	c.s.confirms++
	return nil
}

func (c *fakeChannel) PublishConfirmed(_ context.Context, key string, msg amqp.Publishing) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if !c.confirming {
		return errors.New("channel not in confirm mode")
	}
	if c.s.publishErr != nil {
		return c.s.publishErr
	}
	if c.s.nack {
		return ErrNacked
	}
	c.s.queues[key] = append(c.s.queues[key], msg)
	return nil
}

func (c *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return c.s.deliveries, nil
}

func (c *fakeChannel) Get(queue string, _ bool) (amqp.Delivery, bool, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	msgs := c.s.queues[queue]
	if len(msgs) == 0 {
		return amqp.Delivery{}, false, nil
	}
	msg := msgs[0]
	c.s.queues[queue] = msgs[1:]
	c.s.tag++
	return toDelivery(c.s, queue, c.s.tag, msg), true, nil
}

func (c *fakeChannel) Close() error { return nil }
