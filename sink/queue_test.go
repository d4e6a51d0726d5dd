package sink

import (
	"testing"
	"time"

	"chathub/domain"
	"chathub/domain/event"
	"chathub/errors"

	"github.com/stretchr/testify/require"
)

func deliveredIn(room string) event.DomainEvent {
	return event.MessageDelivered{Message: domain.Message{Room: domain.RoomID(room)}}
}

func TestQueue_Enqueue_OverflowReportsSlowConsumer(t *testing.T) {
	req := require.New(t)
	q := NewQueue(1)

	// Given a full queue with no consumer
	req.NoError(q.Enqueue(deliveredIn("lobby"), 10*time.Millisecond))

	// When another event arrives
	err := q.Enqueue(deliveredIn("lobby"), 10*time.Millisecond)

	// Then the producer gets the backpressure signal instead of blocking
	req.ErrorIs(err, errors.ErrSlowConsumer)
	req.Equal(1, q.Len())
}

func TestQueue_Enqueue_WaitsForConsumer(t *testing.T) {
	req := require.New(t)
	q := NewQueue(1)
	req.NoError(q.Enqueue(deliveredIn("lobby"), time.Millisecond))

	// Given a consumer that frees a slot during the producer's wait
	go func() {
		time.Sleep(20 * time.Millisecond)
		<-q.Events()
	}()

	// Then the bounded wait succeeds
	req.NoError(q.Enqueue(deliveredIn("lobby"), 500*time.Millisecond))
}

func TestQueue_Close_IsIdempotentAndKeepsQueuedEvents(t *testing.T) {
	req := require.New(t)
	q := NewQueue(4)
	req.NoError(q.Enqueue(deliveredIn("lobby"), time.Millisecond))

	q.Close()
	q.Close()

	// Enqueue after close fails
	req.ErrorIs(q.Enqueue(deliveredIn("lobby"), time.Millisecond), errors.ErrConnectionClosed)
	req.True(q.IsClosed())

	// Already queued events stay readable for the drain flush
	select {
	case evt := <-q.Events():
		req.Equal(domain.RoomID("lobby"), evt.RoomID())
	default:
		t.Fatal("queued event lost on close")
	}
}
