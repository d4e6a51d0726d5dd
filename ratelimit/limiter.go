// Package ratelimit accounts per-identity message rates under a fixed
// window. Rejected messages are never queued or retried here; the caller
// decides the user-visible behavior.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"

	"chathub/domain"
	"chathub/errors"
)

const shardCount = 32

type window struct {
	start time.Time
	count int
}

type shard struct {
	mu      sync.Mutex
	windows map[domain.UserID]*window
}

// Limiter is a sharded fixed-window counter. Windows reset lazily on
// the first check of a new window, so the structure stays proportional
// to active senders only.
type Limiter struct {
	limit  int
	length time.Duration
	now    func() time.Time
	shards [shardCount]*shard
}

func New(limit int, length time.Duration) *Limiter {
	l := &Limiter{limit: limit, length: length, now: time.Now}
	for i := range l.shards {
		l.shards[i] = &shard{windows: make(map[domain.UserID]*window)}
	}
	return l
}

// Allow records one message for user and reports whether it fits the
// current window. Returns errors.ErrRateLimited on excess.
func (l *Limiter) Allow(user domain.UserID) error {
	s := l.shardFor(user)
	now := l.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[user]
	if !ok || now.Sub(w.start) >= l.length {
		s.windows[user] = &window{start: now, count: 1}
		return nil
	}
	if w.count >= l.limit {
		return errors.ErrRateLimited
	}
	w.count++
	return nil
}

// ActiveSenders counts identities with a live window, expired or not.
// Used by telemetry sampling only.
func (l *Limiter) ActiveSenders() int {
	total := 0
	for _, s := range l.shards {
		s.mu.Lock()
		total += len(s.windows)
		s.mu.Unlock()
	}
	return total
}

func (l *Limiter) shardFor(user domain.UserID) *shard {
	h := fnv.New32a()
	h.Write([]byte(user))
	return l.shards[h.Sum32()%shardCount]
}
