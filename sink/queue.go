// Package sink provides the bounded outbound delivery queue attached to
// every connection. Overflow policy: a producer waits at most its
// delivery timeout, then the slow consumer is reported for disconnect.
package sink

import (
	"context"
	"sync"
	"time"

	"chathub/contract"
	"chathub/domain/event"
	"chathub/errors"
)

var _ contract.EventSink = (*Queue)(nil)

type Queue struct {
	ch     chan event.DomainEvent
	closed chan struct{}
	once   sync.Once
}

func NewQueue(capacity int) *Queue {
	return &Queue{
		ch:     make(chan event.DomainEvent, capacity),
		closed: make(chan struct{}),
	}
}

// Enqueue delivers an event, waiting up to timeout when the queue is
// full. Returns errors.ErrSlowConsumer on overflow and
// errors.ErrConnectionClosed once the queue is closed.
func (q *Queue) Enqueue(e event.DomainEvent, timeout time.Duration) error {
	select {
	case <-q.closed:
		return errors.ErrConnectionClosed
	default:
	}

	select {
	case q.ch <- e:
		return nil
	case <-q.closed:
		return errors.ErrConnectionClosed
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case q.ch <- e:
		return nil
	case <-q.closed:
		return errors.ErrConnectionClosed
	case <-timer.C:
		return errors.ErrSlowConsumer
	}
}

// Consume implements contract.EventSink with an immediate-or-fail
// policy, for callers that carry their own deadline in ctx.
func (q *Queue) Consume(ctx context.Context, e event.DomainEvent) error {
	select {
	case q.ch <- e:
		return nil
	case <-q.closed:
		return errors.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events is the consumer side. The channel is never closed; consumers
// must also select on Closed.
func (q *Queue) Events() <-chan event.DomainEvent { return q.ch }

// Closed is signalled once, when the connection goes away.
func (q *Queue) Closed() <-chan struct{} { return q.closed }

// Close is idempotent. Events already queued stay readable so a writer
// can flush them during drain.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.closed) })
}

func (q *Queue) IsClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

func (q *Queue) Len() int { return len(q.ch) }

func (q *Queue) Cap() int { return cap(q.ch) }
