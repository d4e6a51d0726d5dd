// Package ws serves the transport boundary: one persistent duplex
// websocket per connection, JSON frames in both directions. It owns no
// hub state; every operation goes through the runtime components.
package ws

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"chathub/auth"
	"chathub/domain"
	"chathub/domain/event"
	"chathub/errors"
	"chathub/runtime"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Handler struct {
	log      *slog.Logger
	verifier *auth.Verifier
	registry *runtime.Registry
	rooms    *runtime.RoomManager
	router   *runtime.Router

	historyPage     int
	deliveryTimeout time.Duration
	upgrader        websocket.Upgrader
}

func NewHandler(log *slog.Logger, verifier *auth.Verifier,
	registry *runtime.Registry, rooms *runtime.RoomManager, router *runtime.Router,
	historyPage int, deliveryTimeout time.Duration) *Handler {
	return &Handler{
		log:             log,
		verifier:        verifier,
		registry:        registry,
		rooms:           rooms,
		router:          router,
		historyPage:     historyPage,
		deliveryTimeout: deliveryTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades an authenticated request to a live connection and
// runs its inbound frame loop until the peer goes away or is evicted.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}
	user, validUntil, err := h.verifier.Verify(token)
	if err != nil {
		http.Error(w, "invalid credential", http.StatusUnauthorized)
		return
	}

	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed", "user_id", user, "error", err)
		return
	}

	conn, err := h.registry.Register(user, validUntil)
	if err != nil {
		_ = socket.WriteJSON(ServerFrame{Type: FrameError, Kind: errors.Kind(err), Detail: err.Error()})
		_ = socket.Close()
		return
	}

	go h.writePump(socket, conn)
	h.readLoop(socket, conn)
}

// readLoop processes inbound frames. On any exit path the connection
// is unregistered, which closes the outbound queue and stops the write
// pump.
func (h *Handler) readLoop(socket *websocket.Conn, conn *runtime.Conn) {
	defer h.registry.Unregister(conn.ID)

	for {
		var frame ClientFrame
		if err := socket.ReadJSON(&frame); err != nil {
			h.log.Debug("Read loop ended", "connection_id", conn.ID, "error", err)
			return
		}
		if err := h.dispatch(conn, frame); err != nil {
			h.reply(conn, event.DeliveryError{
				Room:   domain.RoomID(frame.Room),
				Kind:   errors.Kind(err),
				Detail: err.Error(),
			})
			if errors.Closes(err) {
				return
			}
		}
	}
}

func (h *Handler) dispatch(conn *runtime.Conn, frame ClientFrame) error {
	if frame.Type == FrameHeartbeat {
		h.registry.Touch(conn.ID)
		return nil
	}
	if conn.State() != domain.StateActive {
		return errors.ErrShuttingDown
	}

	switch frame.Type {
	case FrameJoin:
		// The replay runs inside the room's dispatch window: history up
		// to the join point arrives first, live traffic after it.
		roomID := domain.RoomID(frame.Room)
		return h.rooms.JoinWithBackfill(conn.UserID, roomID, func(lastSeq uint64) error {
			return h.router.Backfill(conn.ID, roomID, h.historyPage, lastSeq)
		})

	case FrameLeave:
		h.rooms.Leave(conn.UserID, domain.RoomID(frame.Room))
		return nil

	case FrameSend:
		parent, err := parseOptionalID(frame.ThreadParent)
		if err != nil {
			return err
		}
		msg, err := h.router.Send(conn.ID, domain.RoomID(frame.Room), frame.Content, parent)
		if err != nil {
			return err
		}
		h.reply(conn, event.MessageAccepted{Room: msg.Room, MessageID: msg.ID, Seq: msg.Seq})
		return nil

	case FrameEdit:
		id, err := uuid.Parse(frame.MessageID)
		if err != nil {
			return fmt.Errorf("%w: %v", errors.ErrMessageNotFound, err)
		}
		return h.router.Edit(conn.ID, id, frame.Content)

	case FrameDelete:
		id, err := uuid.Parse(frame.MessageID)
		if err != nil {
			return fmt.Errorf("%w: %v", errors.ErrMessageNotFound, err)
		}
		return h.router.Delete(conn.ID, id)

	case FrameReact:
		id, err := uuid.Parse(frame.MessageID)
		if err != nil {
			return fmt.Errorf("%w: %v", errors.ErrMessageNotFound, err)
		}
		return h.router.React(conn.ID, id, frame.Symbol)

	case FrameUnreact:
		id, err := uuid.Parse(frame.MessageID)
		if err != nil {
			return fmt.Errorf("%w: %v", errors.ErrMessageNotFound, err)
		}
		return h.router.Unreact(conn.ID, id, frame.Symbol)

	case FramePin:
		id, err := uuid.Parse(frame.MessageID)
		if err != nil {
			return fmt.Errorf("%w: %v", errors.ErrMessageNotFound, err)
		}
		return h.router.Pin(conn.ID, id)

	case FrameUnpin:
		id, err := uuid.Parse(frame.MessageID)
		if err != nil {
			return fmt.Errorf("%w: %v", errors.ErrMessageNotFound, err)
		}
		return h.router.Unpin(conn.ID, id)

	default:
		return fmt.Errorf("unknown frame type %q", frame.Type)
	}
}

// writePump is the single writer on the socket. It drains the outbound
// queue and, once the queue closes, flushes whatever is already queued
// before closing the socket. That flush is what the shutdown drain
// window waits for.
func (h *Handler) writePump(socket *websocket.Conn, conn *runtime.Conn) {
	defer func() { _ = socket.Close() }()

	for {
		select {
		case evt := <-conn.Outbound.Events():
			if err := socket.WriteJSON(toServerFrame(evt)); err != nil {
				h.log.Debug("Write failed, dropping connection",
					"connection_id", conn.ID, "error", err)
				h.registry.Unregister(conn.ID)
				return
			}
		case <-conn.Outbound.Closed():
			for {
				select {
				case evt := <-conn.Outbound.Events():
					if err := socket.WriteJSON(toServerFrame(evt)); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// reply delivers a connection-scoped frame through the outbound queue,
// keeping the single-writer rule intact. Best effort: an evicted
// connection loses its reply.
func (h *Handler) reply(conn *runtime.Conn, evt event.DomainEvent) {
	if err := conn.Outbound.Enqueue(evt, h.deliveryTimeout); err != nil {
		h.log.Debug("Reply dropped", "connection_id", conn.ID, "error", err)
	}
}

func parseOptionalID(raw *string) (*uuid.UUID, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(*raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrMessageNotFound, err)
	}
	return &id, nil
}
