// Package amqpbroker runs sessions over an AMQP 0-9-1 server such as RabbitMQ.
package amqpbroker

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"github.com/postalsys/fleetbus/internal/broker"
	"github.com/postalsys/fleetbus/internal/logging"
	"github.com/postalsys/fleetbus/internal/recovery"
)

// Conn is a broker.Broker over one AMQP connection and channel.
type Conn struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

var _ broker.Broker = (*Conn)(nil)

// Dial connects to url (amqp:// or amqps://) and opens a channel.
func Dial(url string, logger *slog.Logger) (*Conn, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	return open(conn, logger)
}

// DialTLS connects to an amqps:// url with an explicit TLS configuration,
// for private CAs and client certificates.
func DialTLS(url string, cfg *tls.Config, logger *slog.Logger) (*Conn, error) {
	conn, err := amqp.DialTLS(url, cfg)
	if err != nil {
		return nil, fmt.Errorf("dial amqps: %w", err)
	}
	return open(conn, logger)
}

func open(conn *amqp.Connection, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	c := &Conn{conn: conn, ch: ch, logger: logging.Component(logger, "amqp-broker")}

	go c.watchClose(conn.NotifyClose(make(chan *amqp.Error, 1)))
	return c, nil
}

func (c *Conn) watchClose(ch <-chan *amqp.Error) {
	defer recovery.RecoverWithLog(c.logger, "amqp close watcher")
	if err, ok := <-ch; ok && err != nil {
		c.logger.Warn("amqp connection closed", logging.KeyError, err.Error())
	}
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// DeclareExchange declares a durable exchange.
func (c *Conn) DeclareExchange(name string, kind broker.ExchangeKind) error {
	if err := broker.ValidateKind(kind); err != nil {
		return err
	}
	return mapError(c.ch.ExchangeDeclare(name, string(kind), true, false, false, false, nil))
}

// DeclareQueue declares a queue with opts.
func (c *Conn) DeclareQueue(name string, opts broker.QueueOptions) error {
	_, err := c.ch.QueueDeclare(name, opts.Durable, opts.AutoDelete, opts.Exclusive, false, nil)
	return mapError(err)
}

// BindQueue binds queue to exchange.
func (c *Conn) BindQueue(queue, exchange, routingKey string, args broker.Table) error {
	return mapError(c.ch.QueueBind(queue, routingKey, exchange, false, toTable(args)))
}

// UnbindQueue removes a binding.
func (c *Conn) UnbindQueue(queue, exchange, routingKey string, args broker.Table) error {
	return mapError(c.ch.QueueUnbind(queue, routingKey, exchange, toTable(args)))
}

// DeleteQueue deletes a queue regardless of consumers or messages.
func (c *Conn) DeleteQueue(name string) error {
	_, err := c.ch.QueueDelete(name, false, false, false)
	return mapError(err)
}

// Publish sends msg. Unroutable messages are dropped by the server.
func (c *Conn) Publish(exchange, routingKey string, msg broker.Publishing) error {
	if c.isClosed() {
		return broker.ErrClosed
	}
	return mapError(c.ch.Publish(exchange, routingKey, false, false, amqp.Publishing{
		Headers:       toTable(msg.Headers),
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		Timestamp:     msg.Timestamp,
		ContentType:   "application/octet-stream",
		Body:          msg.Body,
	}))
}

// Consume starts delivering queue messages to handler in order.
func (c *Conn) Consume(queue string, autoAck bool, handler broker.Handler) (broker.Subscription, error) {
	tag := "fleetbus-" + uuid.NewString()
	deliveries, err := c.ch.Consume(queue, tag, autoAck, false, false, false, nil)
	if err != nil {
		return nil, mapError(err)
	}

	sub := &subscription{conn: c, tag: tag}
	go func() {
		for d := range deliveries {
			c.deliver(handler, queue, d)
		}
	}()
	return sub, nil
}

func (c *Conn) deliver(handler broker.Handler, queue string, d amqp.Delivery) {
	defer recovery.RecoverWithLog(c.logger, "amqp consumer "+queue)
	handler(fromDelivery(queue, d))
}

type subscription struct {
	conn *Conn
	tag  string
	once sync.Once
	err  error
}

func (s *subscription) Cancel() error {
	s.once.Do(func() {
		s.err = mapError(s.conn.ch.Cancel(s.tag, false))
	})
	return s.err
}

// Get fetches one message without blocking.
func (c *Conn) Get(queue string, autoAck bool) (broker.Delivery, bool, error) {
	d, ok, err := c.ch.Get(queue, autoAck)
	if err != nil || !ok {
		return broker.Delivery{}, false, mapError(err)
	}
	return fromDelivery(queue, d), true, nil
}

// Ack acknowledges one delivery.
func (c *Conn) Ack(deliveryTag uint64) error {
	return mapError(c.ch.Ack(deliveryTag, false))
}

// Reject rejects one delivery.
func (c *Conn) Reject(deliveryTag uint64, requeue bool) error {
	return mapError(c.ch.Reject(deliveryTag, requeue))
}

// Close closes the channel and connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	chErr := c.ch.Close()
	connErr := c.conn.Close()
	if errors.Is(connErr, amqp.ErrClosed) {
		connErr = nil
	}
	if errors.Is(chErr, amqp.ErrClosed) {
		chErr = nil
	}
	return errors.Join(chErr, connErr)
}

func toTable(t broker.Table) amqp.Table {
	if t == nil {
		return nil
	}
	out := make(amqp.Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

func fromTable(t amqp.Table) broker.Table {
	if t == nil {
		return nil
	}
	out := make(broker.Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

func fromDelivery(queue string, d amqp.Delivery) broker.Delivery {
	return broker.Delivery{
		Publishing: broker.Publishing{
			Headers:       fromTable(d.Headers),
			CorrelationID: d.CorrelationId,
			ReplyTo:       d.ReplyTo,
			Timestamp:     d.Timestamp,
			Body:          d.Body,
		},
		DeliveryTag: d.DeliveryTag,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		Queue:       queue,
		Redelivered: d.Redelivered,
	}
}

// mapError translates AMQP reply codes to broker errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.NotFound:
			return fmt.Errorf("%w: %s", broker.ErrNotFound, amqpErr.Reason)
		case amqp.PreconditionFailed:
			return fmt.Errorf("%w: %s", broker.ErrPreconditionFailed, amqpErr.Reason)
		case amqp.ResourceLocked, amqp.AccessRefused:
			return fmt.Errorf("%w: %s", broker.ErrResourceLocked, amqpErr.Reason)
		case amqp.ChannelError, amqp.ConnectionForced:
			return fmt.Errorf("%w: %s", broker.ErrClosed, amqpErr.Reason)
		}
	}
	return err
}
