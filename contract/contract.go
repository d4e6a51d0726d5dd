package contract

import (
	"context"
	"reflect"
	"time"

	"chathub/domain"
	"chathub/domain/event"

	"github.com/google/uuid"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

type WorkerName string

// Worker doesn't protect itself.
// Can be silly, focused.
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker initialization
// or lifecycle events, avoiding the need for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

type EventSink interface {
	Consume(ctx context.Context, e event.DomainEvent) error
}

// MessageStore is the storage collaborator. A message that cannot be
// durably recorded is never fanned out.
type MessageStore interface {
	Store(msg domain.Message) error
	// Get resolves a message by id.
	Get(id uuid.UUID) (domain.Message, error)
	// History returns a page of the most recent messages in chronological
	// order. The returned cursor points past the oldest entry of the page
	// and can be fed back to walk further into the past.
	History(room domain.RoomID, limit int, cursor *string) ([]domain.Message, *string, error)
	// LastSequence returns the highest sequence number recorded for the
	// room, 0 when the room has no stored messages.
	LastSequence(room domain.RoomID) (uint64, error)
	// AddReaction and RemoveReaction are idempotent; changed reports
	// whether the stored record was actually mutated.
	AddReaction(id uuid.UUID, user domain.UserID, symbol string) (msg domain.Message, changed bool, err error)
	RemoveReaction(id uuid.UUID, user domain.UserID, symbol string) (msg domain.Message, changed bool, err error)
	SetPinned(id uuid.UUID, pinned bool) (msg domain.Message, changed bool, err error)
	// EditContent rewrites the body of the sender's own message and
	// records the edit time. Fails with ErrUnauthorized for any other
	// identity; rewriting to the identical content reports changed=false.
	EditContent(id uuid.UUID, sender domain.UserID, content string, at time.Time) (msg domain.Message, changed bool, err error)
	// Remove deletes the sender's own message and its index entry.
	Remove(id uuid.UUID, sender domain.UserID) (msg domain.Message, changed bool, err error)
	// Pinned lists the pinned messages of a room in sequence order.
	Pinned(room domain.RoomID) ([]domain.Message, error)
}
