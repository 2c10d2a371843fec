package syncer

import (
	"math"
	"time"
)

// QueuedMessage is an outbound message waiting for a connection.
type QueuedMessage struct {
	Message    Message
	Retries    int
	MaxRetries int
}

// offlineQueue is a bounded FIFO; pushing onto a full queue drops the
// oldest entry.
type offlineQueue struct {
	items    []QueuedMessage
	capacity int
}

// push appends qm and returns the entry dropped to make room, if any.
func (q *offlineQueue) push(qm QueuedMessage) (QueuedMessage, bool) {
	q.items = append(q.items, qm)
	if q.capacity > 0 && len(q.items) > q.capacity {
		dropped := q.items[0]
		q.items = q.items[1:]
		return dropped, true
	}
	return QueuedMessage{}, false
}

// pushFront returns a message to the head of the queue after a failed
// flush. It never evicts: the message was already accounted for.
func (q *offlineQueue) pushFront(qm QueuedMessage) {
	q.items = append([]QueuedMessage{qm}, q.items...)
}

func (q *offlineQueue) drain() []QueuedMessage {
	items := q.items
	q.items = nil
	return items
}

func (q *offlineQueue) len() int {
	return len(q.items)
}

// Backoff computes reconnect delays.
type Backoff struct {
	Base time.Duration
}

// MaxDelay is the ceiling Delay saturates at instead of overflowing.
const MaxDelay = time.Duration(math.MaxInt64)

// Delay returns Base * 2^(attempt-1) for attempt >= 1, saturating at
// MaxDelay.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Base <= 0 {
		return 0
	}
	shift := attempt - 1
	if shift >= 63 || b.Base > MaxDelay>>shift {
		return MaxDelay
	}
	return b.Base << shift
}
