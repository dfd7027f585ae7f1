// Package memory is an in-process broker with AMQP 0-9-1 routing
// semantics. It backs tests and the demo command.
package memory

import (
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/fleetbus/internal/broker"
	"github.com/postalsys/fleetbus/internal/logging"
)

// Server holds exchanges and queues shared by every connection.
type Server struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue

	nextTag atomic.Uint64
	logger  *slog.Logger
}

type exchange struct {
	name     string
	kind     broker.ExchangeKind
	bindings []binding
}

type binding struct {
	queue string
	key   string
	args  broker.Table
}

// NewServer creates an empty broker with the default exchange declared.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	s := &Server{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		logger:    logging.Component(logger, "memory-broker"),
	}
	s.exchanges[broker.DefaultExchange] = &exchange{kind: broker.Direct}
	return s
}

// Connect opens a new connection. Exclusive queues belong to the
// connection that declared them.
func (s *Server) Connect() *Conn {
	return &Conn{
		server:    s,
		consumers: make(map[*consumer]struct{}),
		unacked:   make(map[uint64]*unacked),
		exclusive: make(map[string]struct{}),
	}
}

// QueueDepth returns the number of ready messages in a queue.
func (s *Server) QueueDepth(name string) (int, bool) {
	s.mu.Lock()
	q, ok := s.queues[name]
	s.mu.Unlock()
	if !ok {
		return 0, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready), true
}

// HasQueue reports whether a queue is declared.
func (s *Server) HasQueue(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queues[name]
	return ok
}

// Bindings returns the number of bindings on an exchange.
func (s *Server) Bindings(exchangeName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ex, ok := s.exchanges[exchangeName]; ok {
		return len(ex.bindings)
	}
	return 0
}

func (s *Server) deleteQueueLocked(q *queue) {
	if s.queues[q.name] != q {
		return
	}
	delete(s.queues, q.name)
	for _, ex := range s.exchanges {
		kept := ex.bindings[:0]
		for _, b := range ex.bindings {
			if b.queue != q.name {
				kept = append(kept, b)
			}
		}
		ex.bindings = kept
	}
	q.delete()
}

// route returns the queues a message reaches, each at most once.
func (s *Server) route(ex *exchange, routingKey string, headers broker.Table) []*queue {
	if ex.name == broker.DefaultExchange {
		if q, ok := s.queues[routingKey]; ok {
			return []*queue{q}
		}
		return nil
	}

	seen := make(map[string]struct{})
	var out []*queue
	for _, b := range ex.bindings {
		if _, dup := seen[b.queue]; dup {
			continue
		}
		var match bool
		switch ex.kind {
		case broker.Fanout:
			match = true
		case broker.Direct:
			match = b.key == routingKey
		case broker.Headers:
			match = headersMatch(b.args, headers)
		}
		if !match {
			continue
		}
		if q, ok := s.queues[b.queue]; ok {
			seen[b.queue] = struct{}{}
			out = append(out, q)
		}
	}
	return out
}

// headersMatch implements x-match any/all. Arguments starting with "x-"
// are not compared; a nil argument value matches on key presence.
func headersMatch(args, headers broker.Table) bool {
	mode := args.String(broker.XMatch)
	if mode == "" {
		mode = broker.MatchAll
	}

	for k, want := range args {
		if strings.HasPrefix(k, "x-") {
			continue
		}
		got, present := headers[k]
		ok := present && (want == nil || reflect.DeepEqual(want, got))
		if mode == broker.MatchAny && ok {
			return true
		}
		if mode == broker.MatchAll && !ok {
			return false
		}
	}
	return mode == broker.MatchAll
}

func tableEqual(a, b broker.Table) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func copyPublishing(p broker.Publishing) broker.Publishing {
	out := p
	out.Headers = p.Headers.Clone()
	out.Body = append([]byte(nil), p.Body...)
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now()
	}
	return out
}

func checkKind(kind broker.ExchangeKind) error {
	if err := broker.ValidateKind(kind); err != nil {
		return fmt.Errorf("%w: %v", broker.ErrPreconditionFailed, err)
	}
	return nil
}
