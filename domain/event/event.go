package event

import (
	"time"

	"chathub/domain"

	"github.com/google/uuid"
)

// DomainEvent is anything deliverable to a connection's outbound queue.
type DomainEvent interface {
	RoomID() domain.RoomID
}

// MessageDelivered carries an accepted message to a recipient.
// Also used to replay history to a freshly joined connection.
type MessageDelivered struct {
	Message domain.Message
}

func (e MessageDelivered) RoomID() domain.RoomID {
	return e.Message.Room
}

// MessageAccepted acknowledges a sender's message once it has been
// durably recorded and sequenced.
type MessageAccepted struct {
	Room      domain.RoomID
	MessageID uuid.UUID
	Seq       uint64
}

func (e MessageAccepted) RoomID() domain.RoomID { return e.Room }

// ReactionUpdated broadcasts the new reaction summary of a message.
type ReactionUpdated struct {
	Room      domain.RoomID
	MessageID uuid.UUID
	Reactions map[string][]domain.UserID
	At        time.Time
}

func (e ReactionUpdated) RoomID() domain.RoomID { return e.Room }

// MessageEdited broadcasts the rewritten content of a message.
type MessageEdited struct {
	Room      domain.RoomID
	MessageID uuid.UUID
	Content   string
	At        time.Time
}

func (e MessageEdited) RoomID() domain.RoomID { return e.Room }

// MessageDeleted broadcasts the removal of a message.
type MessageDeleted struct {
	Room      domain.RoomID
	MessageID uuid.UUID
}

func (e MessageDeleted) RoomID() domain.RoomID { return e.Room }

// MessagePinned broadcasts a pin flag flip.
type MessagePinned struct {
	Room      domain.RoomID
	MessageID uuid.UUID
	Pinned    bool
}

func (e MessagePinned) RoomID() domain.RoomID { return e.Room }

// DeliveryError is addressed to a single connection, never broadcast.
type DeliveryError struct {
	Room   domain.RoomID
	Kind   string
	Detail string
}

func (e DeliveryError) RoomID() domain.RoomID { return e.Room }
