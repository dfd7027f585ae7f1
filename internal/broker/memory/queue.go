package memory

import (
	"sync"

	"github.com/postalsys/fleetbus/internal/broker"
)

type queue struct {
	name  string
	opts  broker.QueueOptions
	owner *Conn

	mu          sync.Mutex
	cond        *sync.Cond
	ready       []broker.Delivery
	consumers   int
	hadConsumer bool
	deleted     bool
}

func newQueue(name string, opts broker.QueueOptions, owner *Conn) *queue {
	q := &queue{name: name, opts: opts, owner: owner}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(d broker.Delivery) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deleted {
		return
	}
	q.ready = append(q.ready, d)
	q.cond.Signal()
}

// pushFront returns messages to the head of the queue, keeping their order.
func (q *queue) pushFront(ds ...broker.Delivery) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deleted {
		return
	}
	q.ready = append(append([]broker.Delivery(nil), ds...), q.ready...)
	q.cond.Broadcast()
}

// pop blocks until a message is ready, the queue is deleted or stopped
// reports true.
func (q *queue) pop(stopped func() bool) (broker.Delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.ready) == 0 && !q.deleted && !stopped() {
		q.cond.Wait()
	}
	if q.deleted || stopped() {
		return broker.Delivery{}, false
	}
	return q.shiftLocked(), true
}

func (q *queue) tryPop() (broker.Delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 || q.deleted {
		return broker.Delivery{}, false
	}
	return q.shiftLocked(), true
}

func (q *queue) shiftLocked() broker.Delivery {
	d := q.ready[0]
	q.ready[0] = broker.Delivery{}
	q.ready = q.ready[1:]
	return d
}

func (q *queue) wake() {
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *queue) delete() {
	q.mu.Lock()
	q.deleted = true
	q.ready = nil
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *queue) addConsumer() {
	q.mu.Lock()
	q.consumers++
	q.hadConsumer = true
	q.mu.Unlock()
}

// removeConsumer returns the remaining consumer count and whether the
// queue ever had a consumer.
func (q *queue) removeConsumer() (remaining int, hadConsumer bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.consumers--
	return q.consumers, q.hadConsumer
}
