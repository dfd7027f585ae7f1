package memory

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/postalsys/fleetbus/internal/broker"
	"github.com/postalsys/fleetbus/internal/recovery"
)

// Conn is one connection to a Server. It implements broker.Broker.
type Conn struct {
	server *Server

	mu        sync.Mutex
	closed    bool
	consumers map[*consumer]struct{}
	unacked   map[uint64]*unacked
	exclusive map[string]struct{}
}

type unacked struct {
	q *queue
	d broker.Delivery
}

type consumer struct {
	conn    *Conn
	q       *queue
	autoAck bool
	handler broker.Handler
	stopped atomic.Bool
	once    sync.Once
}

var _ broker.Broker = (*Conn)(nil)

func (c *Conn) checkOpen() error {
	if c.closed {
		return broker.ErrClosed
	}
	return nil
}

// DeclareExchange creates an exchange or checks an existing one has kind.
func (c *Conn) DeclareExchange(name string, kind broker.ExchangeKind) error {
	if err := checkKind(kind); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return err
	}

	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == broker.DefaultExchange {
		return fmt.Errorf("%w: the default exchange cannot be redeclared", broker.ErrPreconditionFailed)
	}
	if ex, ok := s.exchanges[name]; ok {
		if ex.kind != kind {
			return fmt.Errorf("%w: exchange %s is %s", broker.ErrPreconditionFailed, name, ex.kind)
		}
		return nil
	}
	s.exchanges[name] = &exchange{name: name, kind: kind}
	return nil
}

// DeclareQueue creates a queue or checks an existing one matches opts.
func (c *Conn) DeclareQueue(name string, opts broker.QueueOptions) error {
	if name == "" {
		return fmt.Errorf("%w: queue name required", broker.ErrPreconditionFailed)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return err
	}

	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if q, ok := s.queues[name]; ok {
		if q.opts.Exclusive && q.owner != c {
			return fmt.Errorf("%w: queue %s", broker.ErrResourceLocked, name)
		}
		if q.opts != opts {
			return fmt.Errorf("%w: queue %s declared with different options", broker.ErrPreconditionFailed, name)
		}
		return nil
	}

	var owner *Conn
	if opts.Exclusive {
		owner = c
		c.exclusive[name] = struct{}{}
	}
	s.queues[name] = newQueue(name, opts, owner)
	return nil
}

// BindQueue routes messages from exchange to queue.
func (c *Conn) BindQueue(queueName, exchangeName, routingKey string, args broker.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return err
	}

	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, q, err := c.lookupLocked(queueName, exchangeName)
	if err != nil {
		return err
	}
	if ex.name == broker.DefaultExchange {
		return fmt.Errorf("%w: cannot bind to the default exchange", broker.ErrPreconditionFailed)
	}
	for _, b := range ex.bindings {
		if b.queue == q.name && b.key == routingKey && tableEqual(b.args, args) {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: q.name, key: routingKey, args: args.Clone()})
	return nil
}

// UnbindQueue removes a binding made by BindQueue.
func (c *Conn) UnbindQueue(queueName, exchangeName, routingKey string, args broker.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return err
	}

	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, q, err := c.lookupLocked(queueName, exchangeName)
	if err != nil {
		return err
	}
	for i, b := range ex.bindings {
		if b.queue == q.name && b.key == routingKey && tableEqual(b.args, args) {
			ex.bindings = append(ex.bindings[:i], ex.bindings[i+1:]...)
			return nil
		}
	}
	return nil
}

func (c *Conn) lookupLocked(queueName, exchangeName string) (*exchange, *queue, error) {
	s := c.server
	ex, ok := s.exchanges[exchangeName]
	if !ok {
		return nil, nil, fmt.Errorf("%w: exchange %q", broker.ErrNotFound, exchangeName)
	}
	q, ok := s.queues[queueName]
	if !ok {
		return nil, nil, fmt.Errorf("%w: queue %q", broker.ErrNotFound, queueName)
	}
	if q.opts.Exclusive && q.owner != c {
		return nil, nil, fmt.Errorf("%w: queue %s", broker.ErrResourceLocked, queueName)
	}
	return ex, q, nil
}

// DeleteQueue removes a queue, its bindings and its ready messages.
func (c *Conn) DeleteQueue(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return err
	}

	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[name]
	if !ok {
		return nil
	}
	if q.opts.Exclusive && q.owner != c {
		return fmt.Errorf("%w: queue %s", broker.ErrResourceLocked, name)
	}
	delete(c.exclusive, name)
	s.deleteQueueLocked(q)
	return nil
}

// Publish routes msg through exchange. Unroutable messages are dropped.
func (c *Conn) Publish(exchangeName, routingKey string, msg broker.Publishing) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return broker.ErrClosed
	}

	s := c.server
	s.mu.Lock()
	ex, ok := s.exchanges[exchangeName]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: exchange %q", broker.ErrNotFound, exchangeName)
	}
	targets := s.route(ex, routingKey, msg.Headers)
	s.mu.Unlock()

	if len(targets) == 0 {
		s.logger.Debug("message unroutable", "exchange", exchangeName, "routing_key", routingKey)
	}
	for _, q := range targets {
		q.push(broker.Delivery{
			Publishing: copyPublishing(msg),
			Exchange:   exchangeName,
			RoutingKey: routingKey,
			Queue:      q.name,
		})
	}
	return nil
}

// Consume starts a goroutine delivering queue messages to handler in order.
func (c *Conn) Consume(queueName string, autoAck bool, handler broker.Handler) (broker.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	s := c.server
	s.mu.Lock()
	q, ok := s.queues[queueName]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: queue %q", broker.ErrNotFound, queueName)
	}
	if q.opts.Exclusive && q.owner != c {
		return nil, fmt.Errorf("%w: queue %s", broker.ErrResourceLocked, queueName)
	}

	cons := &consumer{conn: c, q: q, autoAck: autoAck, handler: handler}
	c.consumers[cons] = struct{}{}
	q.addConsumer()

	go cons.run()
	return cons, nil
}

func (cons *consumer) run() {
	for {
		d, ok := cons.q.pop(cons.stopped.Load)
		if !ok {
			return
		}
		d.DeliveryTag = cons.conn.server.nextTag.Add(1)
		if !cons.autoAck && !cons.conn.track(cons.q, d) {
			cons.q.pushFront(d)
			return
		}
		cons.deliver(d)
	}
}

func (cons *consumer) deliver(d broker.Delivery) {
	defer recovery.RecoverWithLog(cons.conn.server.logger, "consumer "+cons.q.name)
	cons.handler(d)
}

// Cancel stops the consumer. A handler already running completes.
func (cons *consumer) Cancel() error {
	cons.once.Do(func() {
		cons.stopped.Store(true)
		cons.q.wake()

		c := cons.conn
		c.mu.Lock()
		delete(c.consumers, cons)
		c.mu.Unlock()

		remaining, had := cons.q.removeConsumer()
		if remaining == 0 && had && cons.q.opts.AutoDelete {
			s := c.server
			s.mu.Lock()
			s.deleteQueueLocked(cons.q)
			s.mu.Unlock()
		}
	})
	return nil
}

func (c *Conn) track(q *queue, d broker.Delivery) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.unacked[d.DeliveryTag] = &unacked{q: q, d: d}
	return true
}

// Get fetches one message without blocking.
func (c *Conn) Get(queueName string, autoAck bool) (broker.Delivery, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return broker.Delivery{}, false, err
	}

	s := c.server
	s.mu.Lock()
	q, ok := s.queues[queueName]
	s.mu.Unlock()
	if !ok {
		return broker.Delivery{}, false, fmt.Errorf("%w: queue %q", broker.ErrNotFound, queueName)
	}
	if q.opts.Exclusive && q.owner != c {
		return broker.Delivery{}, false, fmt.Errorf("%w: queue %s", broker.ErrResourceLocked, queueName)
	}

	d, ok := q.tryPop()
	if !ok {
		return broker.Delivery{}, false, nil
	}
	d.DeliveryTag = s.nextTag.Add(1)
	if !autoAck {
		c.unacked[d.DeliveryTag] = &unacked{q: q, d: d}
	}
	return d, true, nil
}

// Ack acknowledges a delivery.
func (c *Conn) Ack(tag uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.unacked[tag]; !ok {
		return fmt.Errorf("%w: %d", broker.ErrUnknownDeliveryTag, tag)
	}
	delete(c.unacked, tag)
	return nil
}

// Reject drops a delivery or returns it to the head of its queue.
func (c *Conn) Reject(tag uint64, requeue bool) error {
	c.mu.Lock()
	u, ok := c.unacked[tag]
	delete(c.unacked, tag)
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", broker.ErrUnknownDeliveryTag, tag)
	}
	if requeue {
		d := u.d
		d.Redelivered = true
		u.q.pushFront(d)
	}
	return nil
}

// Close cancels consumers, requeues unacknowledged messages and deletes
// the connection's exclusive queues.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	consumers := make([]*consumer, 0, len(c.consumers))
	for cons := range c.consumers {
		consumers = append(consumers, cons)
	}
	pending := c.unacked
	c.unacked = make(map[uint64]*unacked)
	exclusive := c.exclusive
	c.exclusive = make(map[string]struct{})
	c.mu.Unlock()

	for _, cons := range consumers {
		cons.Cancel()
	}

	requeue := make(map[*queue][]broker.Delivery)
	for _, tag := range sortedTags(pending) {
		u := pending[tag]
		d := u.d
		d.Redelivered = true
		requeue[u.q] = append(requeue[u.q], d)
	}
	for q, ds := range requeue {
		q.pushFront(ds...)
	}

	s := c.server
	s.mu.Lock()
	for name := range exclusive {
		if q, ok := s.queues[name]; ok && q.owner == c {
			s.deleteQueueLocked(q)
		}
	}
	s.mu.Unlock()
	return nil
}

func sortedTags(m map[uint64]*unacked) []uint64 {
	tags := make([]uint64, 0, len(m))
	for tag := range m {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}
