package ws

import (
	"time"

	"chathub/domain"
	"chathub/domain/event"

	"github.com/samber/lo"
)

// Client->server frame types.
const (
	FrameJoin      = "join"
	FrameLeave     = "leave"
	FrameSend      = "send"
	FrameEdit      = "edit"
	FrameDelete    = "delete"
	FrameReact     = "react"
	FrameUnreact   = "unreact"
	FramePin       = "pin"
	FrameUnpin     = "unpin"
	FrameHeartbeat = "heartbeat"
)

// Server->client frame types.
const (
	FrameDelivered = "delivered"
	FrameEdited    = "edited"
	FrameDeleted   = "deleted"
	FrameReaction  = "reaction"
	FramePinned    = "pinned"
	FrameAck       = "ack"
	FrameError     = "error"
)

// ClientFrame is one inbound message on the duplex channel. Fields are
// populated depending on Type.
type ClientFrame struct {
	Type         string  `json:"type"`
	Room         string  `json:"room,omitempty"`
	Content      string  `json:"content,omitempty"`
	ThreadParent *string `json:"thread_parent,omitempty"`
	MessageID    string  `json:"message_id,omitempty"`
	Symbol       string  `json:"symbol,omitempty"`
}

type MessagePayload struct {
	ID           string              `json:"id"`
	Room         string              `json:"room"`
	Sender       string              `json:"sender"`
	Seq          uint64              `json:"seq"`
	Content      string              `json:"content"`
	CreatedAt    time.Time           `json:"created_at"`
	ThreadParent *string             `json:"thread_parent,omitempty"`
	EditedAt     *time.Time          `json:"edited_at,omitempty"`
	Pinned       bool                `json:"pinned,omitempty"`
	Reactions    map[string][]string `json:"reactions,omitempty"`
}

type ServerFrame struct {
	Type      string              `json:"type"`
	Room      string              `json:"room,omitempty"`
	Message   *MessagePayload     `json:"message,omitempty"`
	MessageID string              `json:"message_id,omitempty"`
	Seq       uint64              `json:"seq,omitempty"`
	Content   string              `json:"content,omitempty"`
	Pinned    bool                `json:"pinned,omitempty"`
	Reactions map[string][]string `json:"reactions,omitempty"`
	Kind      string              `json:"kind,omitempty"`
	Detail    string              `json:"detail,omitempty"`
}

// toServerFrame maps a queued domain event onto its wire shape.
func toServerFrame(evt event.DomainEvent) ServerFrame {
	switch e := evt.(type) {
	case event.MessageDelivered:
		return ServerFrame{
			Type:    FrameDelivered,
			Room:    string(e.Message.Room),
			Message: lo.ToPtr(toMessagePayload(e.Message)),
		}
	case event.MessageAccepted:
		return ServerFrame{
			Type:      FrameAck,
			Room:      string(e.Room),
			MessageID: e.MessageID.String(),
			Seq:       e.Seq,
		}
	case event.MessageEdited:
		return ServerFrame{
			Type:      FrameEdited,
			Room:      string(e.Room),
			MessageID: e.MessageID.String(),
			Content:   e.Content,
		}
	case event.MessageDeleted:
		return ServerFrame{
			Type:      FrameDeleted,
			Room:      string(e.Room),
			MessageID: e.MessageID.String(),
		}
	case event.ReactionUpdated:
		return ServerFrame{
			Type:      FrameReaction,
			Room:      string(e.Room),
			MessageID: e.MessageID.String(),
			Reactions: toWireReactions(e.Reactions),
		}
	case event.MessagePinned:
		return ServerFrame{
			Type:      FramePinned,
			Room:      string(e.Room),
			MessageID: e.MessageID.String(),
			Pinned:    e.Pinned,
		}
	case event.DeliveryError:
		return ServerFrame{
			Type:   FrameError,
			Room:   string(e.Room),
			Kind:   e.Kind,
			Detail: e.Detail,
		}
	default:
		return ServerFrame{Type: FrameError, Kind: "INTERNAL", Detail: "unknown event"}
	}
}

func toMessagePayload(msg domain.Message) MessagePayload {
	payload := MessagePayload{
		ID:        msg.ID.String(),
		Room:      string(msg.Room),
		Sender:    string(msg.Sender),
		Seq:       msg.Seq,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
		EditedAt:  msg.EditedAt,
		Pinned:    msg.Pinned,
		Reactions: toWireReactions(msg.Reactions),
	}
	if msg.ThreadParent != nil {
		payload.ThreadParent = lo.ToPtr(msg.ThreadParent.String())
	}
	return payload
}

func toWireReactions(reactions map[string][]domain.UserID) map[string][]string {
	if len(reactions) == 0 {
		return nil
	}
	wire := make(map[string][]string, len(reactions))
	for symbol, users := range reactions {
		wire[symbol] = lo.Map(users, func(u domain.UserID, _ int) string {
			return string(u)
		})
	}
	return wire
}
