package runtime

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chathub/contract"
	"chathub/domain"
	"chathub/domain/event"
	"chathub/errors"
	"chathub/moderation"
	"chathub/observability"
	"chathub/ratelimit"

	"github.com/google/uuid"
)

// Router accepts inbound messages, sequences them per room, persists
// them and fans them out to every live member connection. No delivery
// without durability: a message that cannot be stored is never fanned
// out.
type Router struct {
	log      *slog.Logger
	stats    *observability.Stats
	registry *Registry
	rooms    *RoomManager
	limiter  *ratelimit.Limiter
	store    contract.MessageStore
	filter   *moderation.Filter

	maxPayload      int
	deliveryTimeout time.Duration
	now             func() time.Time
}

func NewRouter(log *slog.Logger, stats *observability.Stats,
	registry *Registry, rooms *RoomManager, limiter *ratelimit.Limiter,
	store contract.MessageStore, filter *moderation.Filter,
	maxPayload int, deliveryTimeout time.Duration) *Router {
	return &Router{
		log:             log,
		stats:           stats,
		registry:        registry,
		rooms:           rooms,
		limiter:         limiter,
		store:           store,
		filter:          filter,
		maxPayload:      maxPayload,
		deliveryTimeout: deliveryTimeout,
		now:             time.Now,
	}
}

// Send runs the full acceptance pipeline for one inbound message:
// identity resolution, payload validation, rate limiting, linearized
// per-room sequencing, persistence, fan-out. Fan-out runs inside the
// room's dispatch window, so concurrent senders cannot reorder each
// other's deliveries; slow consumers are evicted only after the window
// closes, because eviction walks back into the registry and the room
// manager.
func (r *Router) Send(connID domain.ConnectionID, roomID domain.RoomID,
	payload string, threadParent *uuid.UUID) (domain.Message, error) {
	conn, err := r.sender(connID)
	if err != nil {
		return domain.Message{}, err
	}

	payload, err = r.checkPayload(payload)
	if err != nil {
		return domain.Message{}, err
	}

	if err := r.limiter.Allow(conn.UserID); err != nil {
		r.stats.Rejected(errors.KindRateLimited)
		return domain.Message{}, err
	}

	msg := domain.Message{
		ID:           uuid.New(),
		Room:         roomID,
		Sender:       conn.UserID,
		Content:      r.filter.Censor(payload),
		CreatedAt:    r.now().UTC(),
		ThreadParent: threadParent,
	}

	var slow []*Conn
	seq, err := r.rooms.Commit(roomID, conn.UserID, func(seq uint64) error {
		msg.Seq = seq
		if err := r.store.Store(msg); err != nil {
			return fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err)
		}
		return nil
	}, func(members []domain.UserID) {
		slow = r.fanout(members, event.MessageDelivered{Message: msg})
	})
	if err != nil {
		r.rejectStat(err)
		return domain.Message{}, err
	}
	msg.Seq = seq

	r.stats.MessageAccepted()
	r.evict(slow)
	return msg, nil
}

// React adds a reaction to an existing message. Idempotent: repeating
// the same (identity, symbol) pair changes nothing and broadcasts
// nothing. Shares the message rate budget.
func (r *Router) React(connID domain.ConnectionID, messageID uuid.UUID, symbol string) error {
	return r.mutate(connID, messageID, true, func(user domain.UserID) (domain.Message, bool, error) {
		return r.store.AddReaction(messageID, user, symbol)
	}, func(msg domain.Message) event.DomainEvent {
		return event.ReactionUpdated{
			Room:      msg.Room,
			MessageID: msg.ID,
			Reactions: msg.Reactions,
			At:        r.now().UTC(),
		}
	})
}

// Unreact removes a previously added reaction.
func (r *Router) Unreact(connID domain.ConnectionID, messageID uuid.UUID, symbol string) error {
	return r.mutate(connID, messageID, true, func(user domain.UserID) (domain.Message, bool, error) {
		return r.store.RemoveReaction(messageID, user, symbol)
	}, func(msg domain.Message) event.DomainEvent {
		return event.ReactionUpdated{
			Room:      msg.Room,
			MessageID: msg.ID,
			Reactions: msg.Reactions,
			At:        r.now().UTC(),
		}
	})
}

// Edit replaces the content of the sender's own message. The new body
// goes through the same validation and censoring as a fresh send and
// shares the message rate budget. Editing to the identical content is
// a silent no-op.
func (r *Router) Edit(connID domain.ConnectionID, messageID uuid.UUID, content string) error {
	content, err := r.checkPayload(content)
	if err != nil {
		return err
	}
	censored := r.filter.Censor(content)
	at := r.now().UTC()

	return r.mutate(connID, messageID, true, func(user domain.UserID) (domain.Message, bool, error) {
		return r.store.EditContent(messageID, user, censored, at)
	}, func(msg domain.Message) event.DomainEvent {
		return event.MessageEdited{Room: msg.Room, MessageID: msg.ID, Content: msg.Content, At: at}
	})
}

// Delete removes the sender's own message from storage and broadcasts
// the removal. The room's sequence series keeps its assigned numbers; a
// deleted message simply leaves a hole in the history replay.
func (r *Router) Delete(connID domain.ConnectionID, messageID uuid.UUID) error {
	return r.mutate(connID, messageID, false, func(user domain.UserID) (domain.Message, bool, error) {
		return r.store.Remove(messageID, user)
	}, func(msg domain.Message) event.DomainEvent {
		return event.MessageDeleted{Room: msg.Room, MessageID: msg.ID}
	})
}

// Pin marks a message pinned. Idempotent.
func (r *Router) Pin(connID domain.ConnectionID, messageID uuid.UUID) error {
	return r.setPinned(connID, messageID, true)
}

// Unpin clears the pinned flag. Idempotent.
func (r *Router) Unpin(connID domain.ConnectionID, messageID uuid.UUID) error {
	return r.setPinned(connID, messageID, false)
}

func (r *Router) setPinned(connID domain.ConnectionID, messageID uuid.UUID, pinned bool) error {
	return r.mutate(connID, messageID, false, func(domain.UserID) (domain.Message, bool, error) {
		return r.store.SetPinned(messageID, pinned)
	}, func(msg domain.Message) event.DomainEvent {
		return event.MessagePinned{Room: msg.Room, MessageID: msg.ID, Pinned: pinned}
	})
}

// mutate is the shared path of reaction, pin, edit and delete updates:
// resolve the acting identity, re-validate room membership, rate limit,
// apply the storage mutation, and broadcast only when the record
// actually changed.
func (r *Router) mutate(connID domain.ConnectionID, messageID uuid.UUID, limited bool,
	apply func(domain.UserID) (domain.Message, bool, error),
	toEvent func(domain.Message) event.DomainEvent) error {
	conn, err := r.sender(connID)
	if err != nil {
		return err
	}

	existing, err := r.store.Get(messageID)
	if err != nil {
		return err
	}
	if !r.rooms.IsMember(conn.UserID, existing.Room) {
		r.stats.Rejected(errors.KindUnauthorized)
		return fmt.Errorf("%w: %s not in %s", errors.ErrUnauthorized, conn.UserID, existing.Room)
	}

	if limited {
		if err := r.limiter.Allow(conn.UserID); err != nil {
			r.stats.Rejected(errors.KindRateLimited)
			return err
		}
	}

	msg, changed, err := apply(conn.UserID)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	members, err := r.rooms.Members(msg.Room)
	if err != nil {
		return err
	}
	r.evict(r.fanout(members, toEvent(msg)))
	return nil
}

// Backfill replays the room history up to and including maxSeq to one
// connection, oldest first. Messages sequenced past maxSeq belong to
// the live fan-out of the join window and are skipped here, so the
// joiner sees each message exactly once.
func (r *Router) Backfill(connID domain.ConnectionID, roomID domain.RoomID, limit int, maxSeq uint64) error {
	conn, ok := r.registry.Get(connID)
	if !ok {
		return errors.ErrUnauthorized
	}
	history, _, err := r.store.History(roomID, limit, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err)
	}
	for _, msg := range history {
		if msg.Seq > maxSeq {
			continue
		}
		if err := conn.Outbound.Enqueue(event.MessageDelivered{Message: msg}, r.deliveryTimeout); err != nil {
			return err
		}
	}
	return nil
}

// checkPayload trims and validates an inbound message body.
func (r *Router) checkPayload(payload string) (string, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		r.stats.Rejected(errors.KindPayloadTooLarge)
		return "", errors.ErrEmptyPayload
	}
	if len(payload) > r.maxPayload {
		r.stats.Rejected(errors.KindPayloadTooLarge)
		return "", fmt.Errorf("%w: %d > %d bytes", errors.ErrPayloadTooLarge, len(payload), r.maxPayload)
	}
	return payload, nil
}

// fanout enqueues an event onto the outbound queue of every live
// connection of the given identities and reports the slow consumers. A
// queue that stays full past the delivery timeout marks its connection
// for eviction: disconnect-on-overflow is the backpressure release
// valve, the sender is never blocked indefinitely. Eviction itself is
// the caller's job — fanout may run inside a room dispatch window, and
// unregistering walks back into the room manager.
func (r *Router) fanout(members []domain.UserID, evt event.DomainEvent) []*Conn {
	var slow []*Conn
	for _, user := range members {
		for _, conn := range r.registry.ConnectionsOf(user) {
			if conn.State() == domain.StateClosed {
				continue
			}
			err := conn.Outbound.Enqueue(evt, r.deliveryTimeout)
			switch err {
			case nil, errors.ErrConnectionClosed:
			case errors.ErrSlowConsumer:
				r.log.Warn("Marking slow consumer for eviction",
					"connection_id", conn.ID, "user_id", conn.UserID,
					"queue_len", conn.Outbound.Len())
				slow = append(slow, conn)
			default:
				r.log.Error("Fanout delivery failed", "connection_id", conn.ID, "error", err)
			}
		}
	}
	return slow
}

func (r *Router) evict(conns []*Conn) {
	for _, conn := range conns {
		r.stats.Evicted()
		r.registry.Unregister(conn.ID)
	}
}

// sender resolves a connection that is allowed to emit traffic.
// Lookup failures are a normal outcome here: the connection may have
// been evicted between frame read and routing.
func (r *Router) sender(connID domain.ConnectionID) (*Conn, error) {
	conn, ok := r.registry.Get(connID)
	if !ok || conn.State() != domain.StateActive {
		r.stats.Rejected(errors.KindUnauthorized)
		return nil, fmt.Errorf("%w: connection %s", errors.ErrUnauthorized, connID)
	}
	return conn, nil
}

func (r *Router) rejectStat(err error) {
	switch errors.Kind(err) {
	case errors.KindUnauthorized:
		r.stats.Rejected(errors.KindUnauthorized)
	case errors.KindRoomNotFound:
		r.stats.Rejected(errors.KindRoomNotFound)
	case errors.KindStorage:
		r.stats.Rejected(errors.KindStorage)
	}
}
