package runtime

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chathub/contract"
	"chathub/domain"
	"chathub/errors"
	"chathub/observability"
)

type roomState struct {
	// mu is the per-room serialization point: it guards both the
	// member set and the sequence counter, so "who is a member now"
	// and "what sequence this message gets" cannot race.
	mu      sync.Mutex
	members map[domain.UserID]struct{}
	seq     uint64

	// dispatch pins delivery order to sequence order. It is always
	// acquired while mu is still held and released after the delivery
	// (or replay) ran, so outbound enqueues happen in the exact order
	// their sequence window was fixed. Holders of dispatch never take
	// mu or umu.
	dispatch sync.Mutex

	// gone marks a room removed from the index while a concurrent
	// caller still holds a stale pointer to this state.
	gone      bool
	createdAt time.Time
}

// RoomManager owns room membership and per-room sequencing. Contention
// is scoped per room; operations on unrelated rooms run in parallel.
type RoomManager struct {
	log   *slog.Logger
	stats *observability.Stats
	store contract.MessageStore

	maxMembers      int
	maxRoomsPerUser int

	mu    sync.RWMutex
	rooms map[domain.RoomID]*roomState

	// umu guards the reverse index identity -> rooms. Lock ordering is
	// always room before index; no path takes them the other way.
	umu       sync.Mutex
	userRooms map[domain.UserID]map[domain.RoomID]struct{}
}

func NewRoomManager(log *slog.Logger, stats *observability.Stats,
	store contract.MessageStore, maxMembers, maxRoomsPerUser int) *RoomManager {
	return &RoomManager{
		log:             log,
		stats:           stats,
		store:           store,
		maxMembers:      maxMembers,
		maxRoomsPerUser: maxRoomsPerUser,
		rooms:           make(map[domain.RoomID]*roomState),
		userRooms:       make(map[domain.UserID]map[domain.RoomID]struct{}),
	}
}

// Create registers a room. Room creation is explicit: joining a room
// that was never created fails instead of creating it on the fly. The
// sequence counter is seeded from storage so sequences keep increasing
// across a restart.
func (m *RoomManager) Create(roomID domain.RoomID) error {
	last, err := m.store.LastSequence(roomID)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[roomID]; ok {
		return errors.ErrRoomExists
	}
	m.rooms[roomID] = &roomState{
		members:   make(map[domain.UserID]struct{}),
		seq:       last,
		createdAt: time.Now().UTC(),
	}
	m.stats.RoomCreated()
	m.log.Info("Room created", "room_id", roomID, "seq_seed", last)
	return nil
}

// Delete removes an empty room. A room with members must be emptied
// first; there is no implicit garbage collection. The state is
// tombstoned under its own lock so a join racing the delete cannot
// land on the orphaned state.
func (m *RoomManager) Delete(roomID domain.RoomID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.rooms[roomID]
	if !ok {
		return errors.ErrRoomNotFound
	}
	rs.mu.Lock()
	if len(rs.members) > 0 {
		rs.mu.Unlock()
		return errors.ErrRoomNotEmpty
	}
	rs.gone = true
	rs.mu.Unlock()
	delete(m.rooms, roomID)
	m.stats.RoomDeleted()
	m.log.Info("Room deleted", "room_id", roomID)
	return nil
}

// Join adds an identity to a room. Joining twice is a no-op. Fails with
// ErrRoomNotFound, ErrRoomFull or ErrTooManyRooms; membership stays
// unchanged on any failure.
func (m *RoomManager) Join(user domain.UserID, roomID domain.RoomID) error {
	rs, err := m.room(roomID)
	if err != nil {
		m.stats.Rejected(errors.KindRoomNotFound)
		return err
	}
	return m.admit(rs, user, roomID, nil)
}

// JoinWithBackfill joins and then replays history inside the room's
// dispatch window. lastSeq is the highest sequence assigned before the
// join: everything up to it belongs to the replay, everything after it
// arrives through live fan-out, so the joiner sees each message exactly
// once and in order. Replaying on a rejoin would duplicate live
// deliveries, so an existing member gets no replay.
func (m *RoomManager) JoinWithBackfill(user domain.UserID, roomID domain.RoomID,
	replay func(lastSeq uint64) error) error {
	rs, err := m.room(roomID)
	if err != nil {
		m.stats.Rejected(errors.KindRoomNotFound)
		return err
	}
	return m.admit(rs, user, roomID, replay)
}

// admit runs the membership checks and mutation under the room lock.
// The state pointer may be stale by the time the lock is taken; the
// tombstone check keeps a racing delete from resurrecting the room.
func (m *RoomManager) admit(rs *roomState, user domain.UserID, roomID domain.RoomID,
	replay func(lastSeq uint64) error) error {
	rs.mu.Lock()

	if rs.gone {
		rs.mu.Unlock()
		m.stats.Rejected(errors.KindRoomNotFound)
		return fmt.Errorf("%w: %s", errors.ErrRoomNotFound, roomID)
	}
	if _, already := rs.members[user]; already {
		rs.mu.Unlock()
		return nil
	}
	if len(rs.members) >= m.maxMembers {
		rs.mu.Unlock()
		m.stats.Rejected(errors.KindCapacityExceeded)
		return fmt.Errorf("%w: %s at %d members", errors.ErrRoomFull, roomID, len(rs.members))
	}

	m.umu.Lock()
	joined := m.userRooms[user]
	if len(joined) >= m.maxRoomsPerUser {
		m.umu.Unlock()
		rs.mu.Unlock()
		m.stats.Rejected(errors.KindCapacityExceeded)
		return fmt.Errorf("%w: %s in %d rooms", errors.ErrTooManyRooms, user, len(joined))
	}
	if joined == nil {
		joined = make(map[domain.RoomID]struct{})
		m.userRooms[user] = joined
	}
	joined[roomID] = struct{}{}
	m.umu.Unlock()

	rs.members[user] = struct{}{}
	members := len(rs.members)

	if replay == nil {
		rs.mu.Unlock()
		m.log.Info("User joined room", "user_id", user, "room_id", roomID, "members", members)
		return nil
	}

	// Lock handoff: dispatch is taken before mu is released, so every
	// message sequenced after this point delivers only once the replay
	// has been enqueued.
	lastSeq := rs.seq
	rs.dispatch.Lock()
	rs.mu.Unlock()
	err := replay(lastSeq)
	rs.dispatch.Unlock()

	m.log.Info("User joined room", "user_id", user, "room_id", roomID, "members", members)
	return err
}

// Leave removes an identity from a room. Idempotent no-op for
// non-members. The reverse index is cleaned even when the room itself
// is already gone, so a stale entry never counts against the user's
// room cap.
func (m *RoomManager) Leave(user domain.UserID, roomID domain.RoomID) {
	member := false
	if rs, err := m.room(roomID); err == nil {
		rs.mu.Lock()
		_, member = rs.members[user]
		delete(rs.members, user)
		rs.mu.Unlock()
	}

	m.umu.Lock()
	if joined, ok := m.userRooms[user]; ok {
		if _, had := joined[roomID]; had {
			member = true
			delete(joined, roomID)
			if len(joined) == 0 {
				delete(m.userRooms, user)
			}
		}
	}
	m.umu.Unlock()

	if member {
		m.log.Info("User left room", "user_id", user, "room_id", roomID)
	}
}

// LeaveAll drops an identity from every room it belongs to. Invoked by
// the registry's identity-offline hook.
func (m *RoomManager) LeaveAll(user domain.UserID) {
	m.umu.Lock()
	rooms := make([]domain.RoomID, 0, len(m.userRooms[user]))
	for roomID := range m.userRooms[user] {
		rooms = append(rooms, roomID)
	}
	m.umu.Unlock()

	for _, roomID := range rooms {
		m.Leave(user, roomID)
	}
}

// Members returns the identity set of a room.
func (m *RoomManager) Members(roomID domain.RoomID) ([]domain.UserID, error) {
	rs, err := m.room(roomID)
	if err != nil {
		return nil, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	members := make([]domain.UserID, 0, len(rs.members))
	for user := range rs.members {
		members = append(members, user)
	}
	return members, nil
}

func (m *RoomManager) IsMember(user domain.UserID, roomID domain.RoomID) bool {
	rs, err := m.room(roomID)
	if err != nil {
		return false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	_, ok := rs.members[user]
	return ok
}

// Commit runs persist inside the room's critical section: it hands the
// next sequence number to persist and only advances the counter when
// persist succeeds, so the series stays gapless even when storage
// fails. deliver then runs under the dispatch lock, acquired before the
// room lock is released, which linearizes fan-out with sequencing:
// every member observes sequence numbers in increasing order. deliver
// must not call back into the room manager or the registry.
func (m *RoomManager) Commit(roomID domain.RoomID, sender domain.UserID,
	persist func(seq uint64) error,
	deliver func(members []domain.UserID)) (uint64, error) {
	rs, err := m.room(roomID)
	if err != nil {
		return 0, err
	}

	rs.mu.Lock()

	if rs.gone {
		rs.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", errors.ErrRoomNotFound, roomID)
	}
	if _, member := rs.members[sender]; !member {
		rs.mu.Unlock()
		return 0, fmt.Errorf("%w: %s not in %s", errors.ErrUnauthorized, sender, roomID)
	}

	next := rs.seq + 1
	if err := persist(next); err != nil {
		rs.mu.Unlock()
		return 0, err
	}
	rs.seq = next

	members := make([]domain.UserID, 0, len(rs.members))
	for user := range rs.members {
		members = append(members, user)
	}

	// Lock handoff, same discipline as the replay path. At most one
	// committer can ever be waiting here: the next sender cannot enter
	// the critical section until this one releases mu, which happens
	// only after dispatch is held.
	rs.dispatch.Lock()
	rs.mu.Unlock()
	deliver(members)
	rs.dispatch.Unlock()

	return next, nil
}

func (m *RoomManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

func (m *RoomManager) room(roomID domain.RoomID) (*roomState, error) {
	m.mu.RLock()
	rs, ok := m.rooms[roomID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrRoomNotFound, roomID)
	}
	return rs, nil
}
