package runtime

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"chathub/contract"
	"chathub/domain"
	"chathub/domain/event"
	"chathub/errors"
	"chathub/moderation"
	"chathub/observability"
	"chathub/ratelimit"
	"chathub/sink"

	"github.com/google/uuid"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory MessageStore shared by the runtime tests.
// The failing flag simulates a storage outage.
type fakeStore struct {
	mu      sync.Mutex
	failing bool
	seed    map[domain.RoomID]uint64
	msgs    map[uuid.UUID]domain.Message
	order   map[domain.RoomID][]uuid.UUID
}

var _ contract.MessageStore = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		seed:  make(map[domain.RoomID]uint64),
		msgs:  make(map[uuid.UUID]domain.Message),
		order: make(map[domain.RoomID][]uuid.UUID),
	}
}

func (s *fakeStore) fail(on bool) {
	s.mu.Lock()
	s.failing = on
	s.mu.Unlock()
}

func (s *fakeStore) Store(msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return fmt.Errorf("disk unavailable")
	}
	s.msgs[msg.ID] = msg
	s.order[msg.Room] = append(s.order[msg.Room], msg.ID)
	return nil
}

func (s *fakeStore) Get(id uuid.UUID) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[id]
	if !ok {
		return domain.Message{}, errors.ErrMessageNotFound
	}
	return msg, nil
}

func (s *fakeStore) History(room domain.RoomID, limit int, _ *string) ([]domain.Message, *string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return nil, nil, fmt.Errorf("disk unavailable")
	}
	ids := s.order[room]
	if len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	page := make([]domain.Message, 0, len(ids))
	for _, id := range ids {
		page = append(page, s.msgs[id])
	}
	return page, nil, nil
}

func (s *fakeStore) LastSequence(room domain.RoomID) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return 0, fmt.Errorf("disk unavailable")
	}
	last := s.seed[room]
	for _, id := range s.order[room] {
		if seq := s.msgs[id].Seq; seq > last {
			last = seq
		}
	}
	return last, nil
}

func (s *fakeStore) AddReaction(id uuid.UUID, user domain.UserID, symbol string) (domain.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[id]
	if !ok {
		return domain.Message{}, false, errors.ErrMessageNotFound
	}
	if msg.HasReaction(user, symbol) {
		return msg, false, nil
	}
	if msg.Reactions == nil {
		msg.Reactions = make(map[string][]domain.UserID)
	}
	msg.Reactions[symbol] = append(msg.Reactions[symbol], user)
	s.msgs[id] = msg
	return msg, true, nil
}

func (s *fakeStore) RemoveReaction(id uuid.UUID, user domain.UserID, symbol string) (domain.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[id]
	if !ok {
		return domain.Message{}, false, errors.ErrMessageNotFound
	}
	if !msg.HasReaction(user, symbol) {
		return msg, false, nil
	}
	kept := msg.Reactions[symbol][:0]
	for _, u := range msg.Reactions[symbol] {
		if u != user {
			kept = append(kept, u)
		}
	}
	if len(kept) == 0 {
		delete(msg.Reactions, symbol)
	} else {
		msg.Reactions[symbol] = kept
	}
	s.msgs[id] = msg
	return msg, true, nil
}

func (s *fakeStore) SetPinned(id uuid.UUID, pinned bool) (domain.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[id]
	if !ok {
		return domain.Message{}, false, errors.ErrMessageNotFound
	}
	if msg.Pinned == pinned {
		return msg, false, nil
	}
	msg.Pinned = pinned
	s.msgs[id] = msg
	return msg, true, nil
}

func (s *fakeStore) EditContent(id uuid.UUID, sender domain.UserID, content string, at time.Time) (domain.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[id]
	if !ok {
		return domain.Message{}, false, errors.ErrMessageNotFound
	}
	if msg.Sender != sender {
		return domain.Message{}, false, fmt.Errorf("%w: not the author", errors.ErrUnauthorized)
	}
	if msg.Content == content {
		return msg, false, nil
	}
	msg.Content = content
	msg.EditedAt = &at
	s.msgs[id] = msg
	return msg, true, nil
}

func (s *fakeStore) Remove(id uuid.UUID, sender domain.UserID) (domain.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[id]
	if !ok {
		return domain.Message{}, false, errors.ErrMessageNotFound
	}
	if msg.Sender != sender {
		return domain.Message{}, false, fmt.Errorf("%w: not the author", errors.ErrUnauthorized)
	}
	delete(s.msgs, id)
	kept := s.order[msg.Room][:0]
	for _, other := range s.order[msg.Room] {
		if other != id {
			kept = append(kept, other)
		}
	}
	s.order[msg.Room] = kept
	return msg, true, nil
}

func (s *fakeStore) Pinned(room domain.RoomID) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pinned []domain.Message
	for _, id := range s.order[room] {
		if msg := s.msgs[id]; msg.Pinned {
			pinned = append(pinned, msg)
		}
	}
	return pinned, nil
}

type routerFixture struct {
	router   *Router
	registry *Registry
	rooms    *RoomManager
	store    *fakeStore
	limiter  *ratelimit.Limiter
}

func newRouterFixture(t *testing.T, queueSize, rateLimit int) *routerFixture {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	stats := observability.NewStats()
	store := newFakeStore()
	limiter := ratelimit.New(rateLimit, time.Minute)

	filter, err := moderation.NewFilter([]string{"spam"}, '*', log)
	require.NoError(t, err)

	registry := NewRegistry(log, stats, 4, queueSize)
	rooms := NewRoomManager(log, stats, store, 16, 8)
	registry.OnIdentityOffline(rooms.LeaveAll)

	return &routerFixture{
		router:   NewRouter(log, stats, registry, rooms, limiter, store, filter, 64, 20*time.Millisecond),
		registry: registry,
		rooms:    rooms,
		store:    store,
		limiter:  limiter,
	}
}

func (f *routerFixture) join(t *testing.T, user domain.UserID, room domain.RoomID) *Conn {
	t.Helper()
	conn, err := f.registry.Register(user, time.Time{})
	require.NoError(t, err)
	require.NoError(t, f.rooms.Join(user, room))
	return conn
}

func drainQueue(q *sink.Queue) []event.DomainEvent {
	var out []event.DomainEvent
	for {
		select {
		case evt := <-q.Events():
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestRouter_Send_PersistsThenDeliversToEveryMember(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t, 8, 60)
	room := domain.RoomID("lobby")
	req.NoError(f.rooms.Create(room))

	alice := f.join(t, "alice", room)
	bob := f.join(t, "bob", room)

	// When alice sends a message
	msg, err := f.router.Send(alice.ID, room, "hello there", nil)

	// Then it is sequenced, persisted and delivered to both members
	req.NoError(err)
	req.Equal(uint64(1), msg.Seq)
	stored, err := f.store.Get(msg.ID)
	req.NoError(err)
	req.Equal("hello there", stored.Content)

	for _, conn := range []*Conn{alice, bob} {
		events := drainQueue(conn.Outbound)
		req.Len(events, 1)
		delivered, ok := events[0].(event.MessageDelivered)
		req.True(ok)
		req.Equal(msg.ID, delivered.Message.ID)
		req.Equal(uint64(1), delivered.Message.Seq)
	}
}

func TestRouter_Send_SequencesAreGaplessPerRoom(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t, 16, 60)
	room := domain.RoomID("lobby")
	req.NoError(f.rooms.Create(room))
	alice := f.join(t, "alice", room)

	for want := uint64(1); want <= 5; want++ {
		msg, err := f.router.Send(alice.ID, room, "ping", nil)
		req.NoError(err)
		req.Equal(want, msg.Seq)
	}
}

func TestRouter_Send_RejectsEmptyAndOversizedPayloads(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t, 8, 60)
	room := domain.RoomID("lobby")
	req.NoError(f.rooms.Create(room))
	alice := f.join(t, "alice", room)

	_, err := f.router.Send(alice.ID, room, "   \n\t ", nil)
	req.ErrorIs(err, errors.ErrEmptyPayload)

	_, err = f.router.Send(alice.ID, room, string(make([]byte, 65)), nil)
	req.ErrorIs(err, errors.ErrPayloadTooLarge)

	// Neither attempt consumed a sequence
	msg, err := f.router.Send(alice.ID, room, "ok", nil)
	req.NoError(err)
	req.Equal(uint64(1), msg.Seq)
}

func TestRouter_Send_RateLimitedSenderIsRejected(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t, 8, 1)
	room := domain.RoomID("lobby")
	req.NoError(f.rooms.Create(room))
	alice := f.join(t, "alice", room)

	_, err := f.router.Send(alice.ID, room, "first", nil)
	req.NoError(err)

	_, err = f.router.Send(alice.ID, room, "second", nil)
	req.ErrorIs(err, errors.ErrRateLimited)
}

func TestRouter_Send_StorageFailureConsumesNoSequence(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t, 8, 60)
	room := domain.RoomID("lobby")
	req.NoError(f.rooms.Create(room))
	alice := f.join(t, "alice", room)

	// Given a storage outage
	f.store.fail(true)
	_, err := f.router.Send(alice.ID, room, "lost", nil)
	req.ErrorIs(err, errors.ErrStorageUnavailable)

	// Then nothing was fanned out
	req.Empty(drainQueue(alice.Outbound))

	// And the failed attempt left no gap in the series
	f.store.fail(false)
	msg, err := f.router.Send(alice.ID, room, "recovered", nil)
	req.NoError(err)
	req.Equal(uint64(1), msg.Seq)
}

func TestRouter_Send_RequiresMembershipAndLiveConnection(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t, 8, 60)
	room := domain.RoomID("lobby")
	req.NoError(f.rooms.Create(room))

	// A registered connection whose identity never joined the room
	outsider, err := f.registry.Register("mallory", time.Time{})
	req.NoError(err)
	_, err = f.router.Send(outsider.ID, room, "hi", nil)
	req.ErrorIs(err, errors.ErrUnauthorized)

	// A connection id the registry has never seen
	_, err = f.router.Send("ghost", room, "hi", nil)
	req.ErrorIs(err, errors.ErrUnauthorized)
}

func TestRouter_Send_CensorsForbiddenWords(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t, 8, 60)
	room := domain.RoomID("lobby")
	req.NoError(f.rooms.Create(room))
	alice := f.join(t, "alice", room)

	msg, err := f.router.Send(alice.ID, room, "buy spam today", nil)

	req.NoError(err)
	req.Equal("buy **** today", msg.Content)
	stored, err := f.store.Get(msg.ID)
	req.NoError(err)
	req.Equal("buy **** today", stored.Content)
}

func TestRouter_Fanout_EvictsSlowConsumer(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t, 1, 60)
	room := domain.RoomID("lobby")
	req.NoError(f.rooms.Create(room))
	alice := f.join(t, "alice", room)
	bob := f.join(t, "bob", room)

	// Given bob's outbound queue is full and nobody reads it
	_, err := f.router.Send(alice.ID, room, "first", nil)
	req.NoError(err)
	drainQueue(alice.Outbound)

	// When the next delivery cannot be enqueued within the timeout
	_, err = f.router.Send(alice.ID, room, "second", nil)
	req.NoError(err)

	// Then bob is disconnected and alice is unaffected
	_, ok := f.registry.Get(bob.ID)
	req.False(ok)
	req.Equal(domain.StateClosed, bob.State())
	_, ok = f.registry.Get(alice.ID)
	req.True(ok)
	req.Len(drainQueue(alice.Outbound), 1)
}

func TestRouter_React_IsIdempotent(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t, 8, 60)
	room := domain.RoomID("lobby")
	req.NoError(f.rooms.Create(room))
	alice := f.join(t, "alice", room)

	msg, err := f.router.Send(alice.ID, room, "react to me", nil)
	req.NoError(err)
	drainQueue(alice.Outbound)

	// First reaction mutates and broadcasts
	req.NoError(f.router.React(alice.ID, msg.ID, "👍"))
	events := drainQueue(alice.Outbound)
	req.Len(events, 1)
	updated, ok := events[0].(event.ReactionUpdated)
	req.True(ok)
	req.Equal([]domain.UserID{"alice"}, updated.Reactions["👍"])

	// Repeating the same pair changes nothing and broadcasts nothing
	req.NoError(f.router.React(alice.ID, msg.ID, "👍"))
	req.Empty(drainQueue(alice.Outbound))

	stored, err := f.store.Get(msg.ID)
	req.NoError(err)
	req.Equal(1, stored.ReactionCount())
}

func TestRouter_Unreact_RemovesOnlyOwnReaction(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t, 8, 60)
	room := domain.RoomID("lobby")
	req.NoError(f.rooms.Create(room))
	alice := f.join(t, "alice", room)
	bob := f.join(t, "bob", room)

	msg, err := f.router.Send(alice.ID, room, "react to me", nil)
	req.NoError(err)
	req.NoError(f.router.React(alice.ID, msg.ID, "👍"))
	req.NoError(f.router.React(bob.ID, msg.ID, "👍"))

	req.NoError(f.router.Unreact(alice.ID, msg.ID, "👍"))

	stored, err := f.store.Get(msg.ID)
	req.NoError(err)
	req.Equal([]domain.UserID{"bob"}, stored.Reactions["👍"])
}

func TestRouter_React_RequiresRoomMembership(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t, 8, 60)
	room := domain.RoomID("lobby")
	req.NoError(f.rooms.Create(room))
	alice := f.join(t, "alice", room)

	msg, err := f.router.Send(alice.ID, room, "members only", nil)
	req.NoError(err)

	outsider, err := f.registry.Register("mallory", time.Time{})
	req.NoError(err)

	req.ErrorIs(f.router.React(outsider.ID, msg.ID, "👍"), errors.ErrUnauthorized)
}

func TestRouter_Pin_TogglesAndBroadcastsOnChange(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t, 8, 60)
	room := domain.RoomID("lobby")
	req.NoError(f.rooms.Create(room))
	alice := f.join(t, "alice", room)

	msg, err := f.router.Send(alice.ID, room, "pin me", nil)
	req.NoError(err)
	drainQueue(alice.Outbound)

	req.NoError(f.router.Pin(alice.ID, msg.ID))
	events := drainQueue(alice.Outbound)
	req.Len(events, 1)
	pinned, ok := events[0].(event.MessagePinned)
	req.True(ok)
	req.True(pinned.Pinned)

	// Pinning an already pinned message is silent
	req.NoError(f.router.Pin(alice.ID, msg.ID))
	req.Empty(drainQueue(alice.Outbound))

	req.NoError(f.router.Unpin(alice.ID, msg.ID))
	stored, err := f.store.Get(msg.ID)
	req.NoError(err)
	req.False(stored.Pinned)
}

func TestRouter_Backfill_ReplaysHistoryOldestFirst(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t, 8, 60)
	room := domain.RoomID("lobby")
	req.NoError(f.rooms.Create(room))
	alice := f.join(t, "alice", room)

	for _, text := range []string{"one", "two", "three"} {
		_, err := f.router.Send(alice.ID, room, text, nil)
		req.NoError(err)
	}
	drainQueue(alice.Outbound)

	// A fresh connection catches up before seeing live traffic
	late := f.join(t, "carol", room)
	req.NoError(f.router.Backfill(late.ID, room, 10, 3))

	events := drainQueue(late.Outbound)
	req.Len(events, 3)
	for i, want := range []string{"one", "two", "three"} {
		delivered, ok := events[i].(event.MessageDelivered)
		req.True(ok)
		req.Equal(want, delivered.Message.Content)
		req.Equal(uint64(i+1), delivered.Message.Seq)
	}
}

func TestRouter_Backfill_StopsAtTheJoinPointSequence(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t, 8, 60)
	room := domain.RoomID("lobby")
	req.NoError(f.rooms.Create(room))
	alice := f.join(t, "alice", room)

	for _, text := range []string{"one", "two", "three", "four", "five"} {
		_, err := f.router.Send(alice.ID, room, text, nil)
		req.NoError(err)
	}

	// Messages sequenced past the join point belong to the live
	// stream; replaying them too would deliver them twice.
	late := f.join(t, "carol", room)
	req.NoError(f.router.Backfill(late.ID, room, 10, 3))

	events := drainQueue(late.Outbound)
	req.Len(events, 3)
	for i, evt := range events {
		delivered, ok := evt.(event.MessageDelivered)
		req.True(ok)
		req.Equal(uint64(i+1), delivered.Message.Seq)
	}
}

func TestRouter_Send_ConcurrentSendersDeliverInSequenceOrder(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t, 512, 1000)
	room := domain.RoomID("lobby")
	req.NoError(f.rooms.Create(room))

	reader := f.join(t, "reader", room)

	const senders = 8
	const perSender = 8
	sendErrs := make(chan error, senders*perSender)
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		conn := f.join(t, domain.UserID(fmt.Sprintf("sender-%d", i)), room)
		wg.Add(1)
		go func(conn *Conn) {
			defer wg.Done()
			for n := 0; n < perSender; n++ {
				if _, err := f.router.Send(conn.ID, room, "burst", nil); err != nil {
					sendErrs <- err
				}
			}
		}(conn)
	}
	wg.Wait()
	close(sendErrs)
	for err := range sendErrs {
		req.NoError(err)
	}

	// The reader's queue must hold every message in strictly
	// increasing sequence order, whatever interleaving the senders
	// produced.
	events := drainQueue(reader.Outbound)
	req.Len(events, senders*perSender)
	var last uint64
	for _, evt := range events {
		delivered, ok := evt.(event.MessageDelivered)
		req.True(ok)
		req.Equal(last+1, delivered.Message.Seq)
		last = delivered.Message.Seq
	}
}

func TestRouter_Edit_RewritesContentAndBroadcasts(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t, 8, 60)
	room := domain.RoomID("lobby")
	req.NoError(f.rooms.Create(room))
	alice := f.join(t, "alice", room)
	bob := f.join(t, "bob", room)

	msg, err := f.router.Send(alice.ID, room, "draft wording", nil)
	req.NoError(err)
	drainQueue(alice.Outbound)
	drainQueue(bob.Outbound)

	// When the author rewrites the message
	req.NoError(f.router.Edit(alice.ID, msg.ID, "final wording"))

	// Then the stored record and every member see the new content
	stored, err := f.store.Get(msg.ID)
	req.NoError(err)
	req.Equal("final wording", stored.Content)
	req.NotNil(stored.EditedAt)

	for _, conn := range []*Conn{alice, bob} {
		events := drainQueue(conn.Outbound)
		req.Len(events, 1)
		edited, ok := events[0].(event.MessageEdited)
		req.True(ok)
		req.Equal(msg.ID, edited.MessageID)
		req.Equal("final wording", edited.Content)
	}
}

func TestRouter_Edit_OnlyTheAuthorMayEdit(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t, 8, 60)
	room := domain.RoomID("lobby")
	req.NoError(f.rooms.Create(room))
	alice := f.join(t, "alice", room)
	bob := f.join(t, "bob", room)

	msg, err := f.router.Send(alice.ID, room, "mine", nil)
	req.NoError(err)

	req.ErrorIs(f.router.Edit(bob.ID, msg.ID, "hijacked"), errors.ErrUnauthorized)

	stored, err := f.store.Get(msg.ID)
	req.NoError(err)
	req.Equal("mine", stored.Content)
	req.Nil(stored.EditedAt)
}

func TestRouter_Edit_IdenticalContentIsSilent(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t, 8, 60)
	room := domain.RoomID("lobby")
	req.NoError(f.rooms.Create(room))
	alice := f.join(t, "alice", room)

	msg, err := f.router.Send(alice.ID, room, "steady", nil)
	req.NoError(err)
	drainQueue(alice.Outbound)

	req.NoError(f.router.Edit(alice.ID, msg.ID, "steady"))

	req.Empty(drainQueue(alice.Outbound))
	stored, err := f.store.Get(msg.ID)
	req.NoError(err)
	req.Nil(stored.EditedAt)
}

func TestRouter_Edit_CensorsForbiddenWords(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t, 8, 60)
	room := domain.RoomID("lobby")
	req.NoError(f.rooms.Create(room))
	alice := f.join(t, "alice", room)

	msg, err := f.router.Send(alice.ID, room, "clean", nil)
	req.NoError(err)

	req.NoError(f.router.Edit(alice.ID, msg.ID, "pure spam"))

	stored, err := f.store.Get(msg.ID)
	req.NoError(err)
	req.Equal("pure ****", stored.Content)
}

func TestRouter_Delete_RemovesMessageAndBroadcasts(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t, 8, 60)
	room := domain.RoomID("lobby")
	req.NoError(f.rooms.Create(room))
	alice := f.join(t, "alice", room)
	bob := f.join(t, "bob", room)

	msg, err := f.router.Send(alice.ID, room, "regret", nil)
	req.NoError(err)
	drainQueue(alice.Outbound)
	drainQueue(bob.Outbound)

	req.NoError(f.router.Delete(alice.ID, msg.ID))

	_, err = f.store.Get(msg.ID)
	req.ErrorIs(err, errors.ErrMessageNotFound)

	events := drainQueue(bob.Outbound)
	req.Len(events, 1)
	deleted, ok := events[0].(event.MessageDeleted)
	req.True(ok)
	req.Equal(msg.ID, deleted.MessageID)
	req.Equal(room, deleted.Room)
}

func TestRouter_Delete_OnlyTheAuthorMayDelete(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t, 8, 60)
	room := domain.RoomID("lobby")
	req.NoError(f.rooms.Create(room))
	alice := f.join(t, "alice", room)
	bob := f.join(t, "bob", room)

	msg, err := f.router.Send(alice.ID, room, "protected", nil)
	req.NoError(err)

	req.ErrorIs(f.router.Delete(bob.ID, msg.ID), errors.ErrUnauthorized)

	stored, err := f.store.Get(msg.ID)
	req.NoError(err)
	req.Equal("protected", stored.Content)
}
