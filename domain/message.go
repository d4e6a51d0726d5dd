// Package domain contains core concepts of the chat system.
// This file defines Message records and related rules.
// Messages are immutable once accepted, except for the reaction
// and pin sub-records which have their own update contracts.
package domain

import (
	"time"

	"github.com/google/uuid"
)

type UserID string

type RoomID string

// Message represents a chat message accepted into a room.
// Seq is the per-room sequence number: strictly increasing,
// gapless, starting at 1.
type Message struct {
	ID           uuid.UUID
	Room         RoomID
	Sender       UserID
	Seq          uint64
	Content      string
	CreatedAt    time.Time
	ThreadParent *uuid.UUID
	// EditedAt is set when the sender rewrote the content after
	// acceptance; nil for never-edited messages.
	EditedAt *time.Time
	Pinned   bool
	// Reactions maps a symbol to the identities that reacted with it.
	// At most one entry per (identity, symbol) pair.
	Reactions map[string][]UserID
}

// HasReaction reports whether user already reacted to the message
// with the given symbol.
func (m Message) HasReaction(user UserID, symbol string) bool {
	for _, u := range m.Reactions[symbol] {
		if u == user {
			return true
		}
	}
	return false
}

// ReactionCount returns the total number of reactions across all symbols.
func (m Message) ReactionCount() int {
	total := 0
	for _, users := range m.Reactions {
		total += len(users)
	}
	return total
}
