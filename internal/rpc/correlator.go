// Package rpc correlates unicast requests with their replies.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/fleetbus/internal/protocol"
)

// ErrClosed is returned by Call after Close.
var ErrClosed = errors.New("correlator closed")

// Result is the outcome of a call.
type Result int

const (
	Success Result = iota
	Timeout
	BadSignature
	Cancelled
)

// String returns the result name.
func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Timeout:
		return "timeout"
	case BadSignature:
		return "bad_signature"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Outcome is what a call resolves to. Envelope is set only for Success.
type Outcome struct {
	Result        Result
	Envelope      *protocol.Envelope
	CorrelationID string
	Duration      time.Duration
}

// PublishFunc sends the request carrying correlationID.
type PublishFunc func(correlationID string) error

type waitEntry struct {
	id      string
	label   string
	started time.Time
	done    chan Outcome
}

// Correlator tracks outstanding calls by correlation id. Each entry is
// removed exactly once, by whichever of reply, timeout or cancellation
// happens first.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*waitEntry
	closed  bool

	metrics *Metrics
	newID   func() string
}

// New creates a correlator. metrics may be nil.
func New(metrics *Metrics) *Correlator {
	return &Correlator{
		pending: make(map[string]*waitEntry),
		metrics: metrics,
		newID:   uuid.NewString,
	}
}

// Call registers a wait entry, publishes and blocks until the reply, the
// timeout or ctx cancellation. An error is returned only when publishing
// fails or the correlator is closed; every other end is an Outcome.
func (c *Correlator) Call(ctx context.Context, timeout time.Duration, label string, publish PublishFunc) (Outcome, error) {
	entry := &waitEntry{
		id:      c.newID(),
		label:   label,
		started: time.Now(),
		done:    make(chan Outcome, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Outcome{Result: Cancelled, CorrelationID: entry.id}, ErrClosed
	}
	c.pending[entry.id] = entry
	c.metrics.setPending(len(c.pending))
	c.mu.Unlock()

	if err := publish(entry.id); err != nil {
		c.remove(entry.id)
		return Outcome{Result: Cancelled, CorrelationID: entry.id}, fmt.Errorf("publish request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-entry.done:
		return out, nil
	case <-timer.C:
		return c.expire(entry, Timeout), nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return c.expire(entry, Timeout), nil
		}
		return c.expire(entry, Cancelled), nil
	}
}

// expire resolves entry with result unless a reply won the race, in
// which case the reply is returned.
func (c *Correlator) expire(entry *waitEntry, result Result) Outcome {
	c.resolve(entry.id, Outcome{Result: result})
	return <-entry.done
}

// Resolve delivers a verified reply. It reports whether a call was waiting.
func (c *Correlator) Resolve(correlationID string, env *protocol.Envelope) bool {
	ok := c.resolve(correlationID, Outcome{Result: Success, Envelope: env})
	if !ok {
		c.metrics.recordUnmatched()
	}
	return ok
}

// Fail resolves a waiting call with a non-success result, used when a
// reply arrives but does not verify.
func (c *Correlator) Fail(correlationID string, result Result) bool {
	return c.resolve(correlationID, Outcome{Result: result})
}

func (c *Correlator) resolve(id string, out Outcome) bool {
	c.mu.Lock()
	entry, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		c.metrics.setPending(len(c.pending))
	}
	c.mu.Unlock()

	if !ok {
		return false
	}

	out.CorrelationID = id
	out.Duration = time.Since(entry.started)
	c.metrics.recordCall(entry.label, out.Result, out.Duration.Seconds())
	entry.done <- out
	return true
}

func (c *Correlator) remove(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.metrics.setPending(len(c.pending))
	c.mu.Unlock()
}

// IsPending reports whether a call with correlationID is waiting.
func (c *Correlator) IsPending(correlationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[correlationID]
	return ok
}

// Pending returns the number of waiting calls.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// CancelAll resolves every waiting call as Cancelled and returns how many
// there were. New calls are still accepted.
func (c *Correlator) CancelAll() int {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	n := 0
	for _, id := range ids {
		if c.resolve(id, Outcome{Result: Cancelled}) {
			n++
		}
	}
	return n
}

// Close cancels every waiting call and rejects new ones.
func (c *Correlator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.CancelAll()
}
