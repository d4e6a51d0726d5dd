// Package runtime hosts the live state of the hub: the connection
// registry, room membership, message routing and shutdown coordination.
// It orchestrates the system without containing storage or transport
// logic.
package runtime

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"chathub/domain"
	"chathub/errors"
	"chathub/observability"
	"chathub/sink"

	"github.com/google/uuid"
)

const registryShards = 16

// Conn is the registry-owned record of one live connection. Liveness
// state and heartbeat time are mutated only through Registry methods;
// other components hold the record by reference only.
type Conn struct {
	ID         domain.ConnectionID
	UserID     domain.UserID
	CreatedAt  time.Time
	ValidUntil time.Time
	Outbound   *sink.Queue

	lastBeat atomic.Int64
	state    atomic.Int32
}

func (c *Conn) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastBeat.Load())
}

func (c *Conn) State() domain.ConnState {
	return domain.ConnState(c.state.Load())
}

func (c *Conn) setState(s domain.ConnState) {
	c.state.Store(int32(s))
}

type connShard struct {
	mu    sync.RWMutex
	conns map[domain.ConnectionID]*Conn
}

type userShard struct {
	mu    sync.Mutex
	conns map[domain.UserID]map[domain.ConnectionID]struct{}
}

// Registry is the authoritative set of live connections, keyed by
// connection id and by owning identity. Both indices are sharded so
// unrelated identities never contend on one lock.
type Registry struct {
	log        *slog.Logger
	stats      *observability.Stats
	maxPerUser int
	queueSize  int
	now        func() time.Time

	draining atomic.Bool

	// onOffline fires after an identity loses its last live connection.
	// Wired to RoomManager.LeaveAll at startup; invoked outside locks.
	onOffline func(domain.UserID)

	byConn [registryShards]*connShard
	byUser [registryShards]*userShard
}

func NewRegistry(log *slog.Logger, stats *observability.Stats, maxPerUser, queueSize int) *Registry {
	r := &Registry{
		log:        log,
		stats:      stats,
		maxPerUser: maxPerUser,
		queueSize:  queueSize,
		now:        time.Now,
	}
	for i := range r.byConn {
		r.byConn[i] = &connShard{conns: make(map[domain.ConnectionID]*Conn)}
		r.byUser[i] = &userShard{conns: make(map[domain.UserID]map[domain.ConnectionID]struct{})}
	}
	return r
}

// OnIdentityOffline installs the identity-offline hook. Must be called
// before the registry starts accepting registrations.
func (r *Registry) OnIdentityOffline(fn func(domain.UserID)) {
	r.onOffline = fn
}

// Register creates a connection for an authenticated identity. Fails
// with ErrTooManyConnections once the identity holds its cap, and with
// ErrShuttingDown during drain.
func (r *Registry) Register(user domain.UserID, validUntil time.Time) (*Conn, error) {
	if r.draining.Load() {
		return nil, errors.ErrShuttingDown
	}

	conn := &Conn{
		ID:         domain.ConnectionID(uuid.NewString()),
		UserID:     user,
		CreatedAt:  r.now(),
		ValidUntil: validUntil,
		Outbound:   sink.NewQueue(r.queueSize),
	}
	conn.lastBeat.Store(conn.CreatedAt.UnixNano())

	us := r.userShard(user)
	us.mu.Lock()
	held := us.conns[user]
	if len(held) >= r.maxPerUser {
		us.mu.Unlock()
		r.stats.Rejected(errors.KindCapacityExceeded)
		return nil, fmt.Errorf("%w: %s holds %d", errors.ErrTooManyConnections, user, len(held))
	}
	if held == nil {
		held = make(map[domain.ConnectionID]struct{})
		us.conns[user] = held
	}
	held[conn.ID] = struct{}{}

	cs := r.connShard(conn.ID)
	cs.mu.Lock()
	cs.conns[conn.ID] = conn
	cs.mu.Unlock()
	us.mu.Unlock()

	r.stats.ConnectionOpened()
	r.log.Info("Connection registered", "connection_id", conn.ID, "user_id", user)
	return conn, nil
}

// Unregister removes a connection from all indices. Idempotent: a
// second call for the same id is a no-op. When the identity has no
// live connection left, the offline hook fires.
func (r *Registry) Unregister(id domain.ConnectionID) {
	cs := r.connShard(id)
	cs.mu.Lock()
	conn, ok := cs.conns[id]
	if !ok {
		cs.mu.Unlock()
		return
	}
	delete(cs.conns, id)
	cs.mu.Unlock()

	conn.setState(domain.StateClosed)
	conn.Outbound.Close()

	offline := false
	us := r.userShard(conn.UserID)
	us.mu.Lock()
	if held, ok := us.conns[conn.UserID]; ok {
		delete(held, id)
		if len(held) == 0 {
			delete(us.conns, conn.UserID)
			offline = true
		}
	}
	us.mu.Unlock()

	r.stats.ConnectionClosed()
	r.log.Info("Connection unregistered", "connection_id", id, "user_id", conn.UserID)

	if offline && r.onOffline != nil {
		r.onOffline(conn.UserID)
	}
}

// Touch updates the last-heartbeat time. Silently ignored when the
// connection is already gone: eviction races are expected.
func (r *Registry) Touch(id domain.ConnectionID) {
	cs := r.connShard(id)
	cs.mu.RLock()
	conn, ok := cs.conns[id]
	cs.mu.RUnlock()
	if ok {
		conn.lastBeat.Store(r.now().UnixNano())
	}
}

// Get resolves a connection id. Callers must treat a miss as a normal
// outcome and never assume liveness once obtained.
func (r *Registry) Get(id domain.ConnectionID) (*Conn, bool) {
	cs := r.connShard(id)
	cs.mu.RLock()
	conn, ok := cs.conns[id]
	cs.mu.RUnlock()
	return conn, ok
}

// ConnectionsOf enumerates the live connections of one identity.
func (r *Registry) ConnectionsOf(user domain.UserID) []*Conn {
	us := r.userShard(user)
	us.mu.Lock()
	ids := make([]domain.ConnectionID, 0, len(us.conns[user]))
	for id := range us.conns[user] {
		ids = append(ids, id)
	}
	us.mu.Unlock()

	conns := make([]*Conn, 0, len(ids))
	for _, id := range ids {
		if conn, ok := r.Get(id); ok {
			conns = append(conns, conn)
		}
	}
	return conns
}

// Snapshot copies the current connection set. The heartbeat monitor
// scans the snapshot and re-verifies each candidate before evicting,
// so concurrent registry mutation is safe.
func (r *Registry) Snapshot() []*Conn {
	var conns []*Conn
	for _, cs := range r.byConn {
		cs.mu.RLock()
		for _, conn := range cs.conns {
			conns = append(conns, conn)
		}
		cs.mu.RUnlock()
	}
	return conns
}

func (r *Registry) Count() int {
	total := 0
	for _, cs := range r.byConn {
		cs.mu.RLock()
		total += len(cs.conns)
		cs.mu.RUnlock()
	}
	return total
}

// BeginDrain stops new registrations and marks every live connection
// Draining. Safe to call more than once.
func (r *Registry) BeginDrain() {
	r.draining.Store(true)
	for _, conn := range r.Snapshot() {
		if conn.State() == domain.StateActive {
			conn.setState(domain.StateDraining)
		}
	}
}

func (r *Registry) Draining() bool { return r.draining.Load() }

func (r *Registry) connShard(id domain.ConnectionID) *connShard {
	return r.byConn[shardIndex(string(id))]
}

func (r *Registry) userShard(user domain.UserID) *userShard {
	return r.byUser[shardIndex(string(user))]
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % registryShards
}
