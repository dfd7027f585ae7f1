// Package broker defines the message broker surface sessions run on.
//
// The model is AMQP 0-9-1: named exchanges route published messages to
// bound queues, queues deliver in order to consumers, and consumers
// acknowledge or reject what they receive.
package broker

import (
	"errors"
	"fmt"
	"time"
)

// ExchangeKind selects how an exchange routes.
type ExchangeKind string

const (
	Direct  ExchangeKind = "direct"
	Fanout  ExchangeKind = "fanout"
	Headers ExchangeKind = "headers"
)

// DefaultExchange is the nameless direct exchange every queue is bound to
// by its own name.
const DefaultExchange = ""

// Headers exchange binding arguments.
const (
	XMatch   = "x-match"
	MatchAny = "any"
	MatchAll = "all"
)

var (
	// ErrNotFound is returned for operations on undeclared exchanges or queues.
	ErrNotFound = errors.New("not found")

	// ErrPreconditionFailed is returned when redeclaring with different options.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrResourceLocked is returned when using another connection's exclusive queue.
	ErrResourceLocked = errors.New("resource locked")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("broker connection closed")

	// ErrUnknownDeliveryTag is returned by Ack and Reject for unknown tags.
	ErrUnknownDeliveryTag = errors.New("unknown delivery tag")
)

// Table carries message headers and binding arguments.
type Table map[string]any

// QueueOptions are the declare-time queue properties.
type QueueOptions struct {
	Durable    bool
	Exclusive  bool
	AutoDelete bool
}

// Publishing is an outbound message.
type Publishing struct {
	Headers       Table
	CorrelationID string
	ReplyTo       string
	Timestamp     time.Time
	Body          []byte
}

// Delivery is a message received from a queue.
type Delivery struct {
	Publishing
	DeliveryTag uint64
	Exchange    string
	RoutingKey  string
	Queue       string
	Redelivered bool
}

// Handler processes one delivery. Handlers for a consumer run one at a
// time in queue order.
type Handler func(d Delivery)

// Subscription is an active consumer.
type Subscription interface {
	Cancel() error
}

// Broker is one connection to a message broker.
type Broker interface {
	DeclareExchange(name string, kind ExchangeKind) error
	DeclareQueue(name string, opts QueueOptions) error
	BindQueue(queue, exchange, routingKey string, args Table) error
	UnbindQueue(queue, exchange, routingKey string, args Table) error
	DeleteQueue(name string) error
	Publish(exchange, routingKey string, msg Publishing) error
	Consume(queue string, autoAck bool, handler Handler) (Subscription, error)
	Get(queue string, autoAck bool) (Delivery, bool, error)
	Ack(deliveryTag uint64) error
	Reject(deliveryTag uint64, requeue bool) error
	Close() error
}

// HeadersBinding builds x-match binding arguments matching any or all keys.
// Each key is bound with an empty string value.
func HeadersBinding(match string, keys ...string) Table {
	args := Table{XMatch: match}
	for _, k := range keys {
		args[k] = ""
	}
	return args
}

// HeaderTable builds message headers with each key set to the empty string.
func HeaderTable(keys ...string) Table {
	t := make(Table, len(keys))
	for _, k := range keys {
		t[k] = ""
	}
	return t
}

// Clone returns a shallow copy of t.
func (t Table) Clone() Table {
	if t == nil {
		return nil
	}
	out := make(Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// String returns the header value for key, or "" if absent or not a string.
func (t Table) String(key string) string {
	s, _ := t[key].(string)
	return s
}

// ValidateKind checks an exchange kind.
func ValidateKind(kind ExchangeKind) error {
	switch kind {
	case Direct, Fanout, Headers:
		return nil
	default:
		return fmt.Errorf("unsupported exchange kind %q", kind)
	}
}
