// Package repositories persists messages in BadgerDB.
//
// Key layout:
//
//	msg:{room}:{seq_padded}  message record (JSON)
//	id:{message_uuid}        index entry pointing at the primary key
//
// Sequence numbers are gapless per room, so the 19-digit zero padding
// makes lexicographical iteration equal to delivery order.
package repositories

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"chathub/contract"
	"chathub/domain"
	"chathub/errors"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

var _ contract.MessageStore = (*MessageRepository)(nil)

type MessageRepository struct {
	db  *badger.DB
	log *slog.Logger
}

func NewMessageRepository(db *badger.DB, log *slog.Logger) *MessageRepository {
	return &MessageRepository{db: db, log: log}
}

type diskMessage struct {
	ID           string              `json:"id"`
	Room         string              `json:"room"`
	Sender       string              `json:"sender"`
	Seq          uint64              `json:"seq"`
	Content      string              `json:"content"`
	At           int64               `json:"at"`
	ThreadParent *string             `json:"thread_parent,omitempty"`
	EditedAt     *int64              `json:"edited_at,omitempty"`
	Pinned       bool                `json:"pinned,omitempty"`
	Reactions    map[string][]string `json:"reactions,omitempty"`
}

// Store persists a sequenced message and its id index entry in one
// transaction.
func (m *MessageRepository) Store(msg domain.Message) error {
	key := primaryKey(msg.Room, msg.Seq)
	bytes, err := json.Marshal(fromDomain(msg))
	if err != nil {
		return err
	}
	return m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, bytes); err != nil {
			return err
		}
		return txn.Set(indexKey(msg.ID), key)
	})
}

func (m *MessageRepository) Get(id uuid.UUID) (domain.Message, error) {
	var msg domain.Message
	err := m.db.View(func(txn *badger.Txn) error {
		var err error
		msg, err = getByID(txn, id)
		return err
	})
	return msg, err
}

// History collects the most recent messages of a room and returns them
// oldest first. The cursor is the padded sequence of the oldest entry
// returned; feeding it back walks one page further into the past.
func (m *MessageRepository) History(room domain.RoomID, limit int, cursor *string) ([]domain.Message, *string, error) {
	var page []domain.Message
	var lastKey string

	err := m.db.View(func(txn *badger.Txn) error {
		prefixStr := fmt.Sprintf("msg:%s:", room)
		prefix := []byte(prefixStr)

		options := badger.DefaultIteratorOptions
		options.Reverse = true
		it := txn.NewIterator(options)
		defer it.Close()

		// Seek past the newest possible sequence, then walk backwards.
		seekKey := append([]byte(nil), prefix...)
		if cursor != nil {
			seekKey = append(seekKey, []byte(*cursor)...)
		} else {
			seekKey = append(seekKey, []byte("9999999999999999999")...)
		}
		it.Seek(seekKey)

		if cursor != nil && it.ValidForPrefix(prefix) {
			it.Next()
		}

		for ; it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(page) == limit {
				break
			}
			item := it.Item()
			lastKey = string(item.Key()[len(prefixStr):])
			err := item.Value(func(value []byte) error {
				var rec diskMessage
				if err := json.Unmarshal(value, &rec); err != nil {
					return err
				}
				msg, err := toDomain(rec)
				if err != nil {
					return err
				}
				page = append(page, msg)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if len(page) == 0 {
		return nil, nil, nil
	}

	// Collected newest-to-oldest; flip to chronological order.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, &lastKey, nil
}

// LastSequence reads the highest sequence stored for a room, seeding
// the in-memory counter after a restart.
func (m *MessageRepository) LastSequence(room domain.RoomID) (uint64, error) {
	var last uint64
	err := m.db.View(func(txn *badger.Txn) error {
		prefixStr := fmt.Sprintf("msg:%s:", room)
		prefix := []byte(prefixStr)

		options := badger.DefaultIteratorOptions
		options.Reverse = true
		it := txn.NewIterator(options)
		defer it.Close()

		it.Seek(append(append([]byte(nil), prefix...), []byte("9999999999999999999")...))
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		seqPart := strings.TrimPrefix(string(it.Item().Key()), prefixStr)
		parsed, err := strconv.ParseUint(seqPart, 10, 64)
		if err != nil {
			return err
		}
		last = parsed
		return nil
	})
	return last, err
}

// AddReaction records one (identity, symbol) reaction. Idempotent: a
// duplicate pair leaves the record untouched and reports changed=false.
func (m *MessageRepository) AddReaction(id uuid.UUID, user domain.UserID, symbol string) (domain.Message, bool, error) {
	return m.mutate(id, func(msg *domain.Message) (bool, error) {
		if msg.HasReaction(user, symbol) {
			return false, nil
		}
		if msg.Reactions == nil {
			msg.Reactions = make(map[string][]domain.UserID)
		}
		msg.Reactions[symbol] = append(msg.Reactions[symbol], user)
		return true, nil
	})
}

// RemoveReaction drops a previously recorded reaction, if present.
func (m *MessageRepository) RemoveReaction(id uuid.UUID, user domain.UserID, symbol string) (domain.Message, bool, error) {
	return m.mutate(id, func(msg *domain.Message) (bool, error) {
		users := msg.Reactions[symbol]
		for i, u := range users {
			if u == user {
				users = append(users[:i], users[i+1:]...)
				if len(users) == 0 {
					delete(msg.Reactions, symbol)
				} else {
					msg.Reactions[symbol] = users
				}
				return true, nil
			}
		}
		return false, nil
	})
}

// SetPinned flips the pinned flag. Idempotent.
func (m *MessageRepository) SetPinned(id uuid.UUID, pinned bool) (domain.Message, bool, error) {
	return m.mutate(id, func(msg *domain.Message) (bool, error) {
		if msg.Pinned == pinned {
			return false, nil
		}
		msg.Pinned = pinned
		return true, nil
	})
}

// EditContent rewrites the body of the sender's own message. Ownership
// is checked against the stored record inside the transaction.
func (m *MessageRepository) EditContent(id uuid.UUID, sender domain.UserID, content string, at time.Time) (domain.Message, bool, error) {
	return m.mutate(id, func(msg *domain.Message) (bool, error) {
		if msg.Sender != sender {
			return false, fmt.Errorf("%w: %s is not the author of %s", errors.ErrUnauthorized, sender, id)
		}
		if msg.Content == content {
			return false, nil
		}
		msg.Content = content
		msg.EditedAt = lo.ToPtr(at)
		return true, nil
	})
}

// Remove deletes the sender's own message and its index entry in one
// transaction. The sequence key is simply gone afterwards; history
// replay skips over the hole.
func (m *MessageRepository) Remove(id uuid.UUID, sender domain.UserID) (domain.Message, bool, error) {
	var msg domain.Message
	err := m.db.Update(func(txn *badger.Txn) error {
		var err error
		msg, err = getByID(txn, id)
		if err != nil {
			return err
		}
		if msg.Sender != sender {
			return fmt.Errorf("%w: %s is not the author of %s", errors.ErrUnauthorized, sender, id)
		}
		if err := txn.Delete(primaryKey(msg.Room, msg.Seq)); err != nil {
			return err
		}
		return txn.Delete(indexKey(id))
	})
	if err != nil {
		return domain.Message{}, false, err
	}
	return msg, true, nil
}

// Pinned collects the pinned messages of a room. Forward prefix
// iteration yields them in sequence order.
func (m *MessageRepository) Pinned(room domain.RoomID) ([]domain.Message, error) {
	var pinned []domain.Message
	err := m.db.View(func(txn *badger.Txn) error {
		prefix := []byte(fmt.Sprintf("msg:%s:", room))
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(value []byte) error {
				var rec diskMessage
				if err := json.Unmarshal(value, &rec); err != nil {
					return err
				}
				if !rec.Pinned {
					return nil
				}
				msg, err := toDomain(rec)
				if err != nil {
					return err
				}
				pinned = append(pinned, msg)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return pinned, err
}

// mutate is the read-modify-write path shared by reaction, pin and
// edit updates. The whole cycle runs in one Update transaction.
func (m *MessageRepository) mutate(id uuid.UUID, apply func(*domain.Message) (bool, error)) (domain.Message, bool, error) {
	var msg domain.Message
	changed := false
	err := m.db.Update(func(txn *badger.Txn) error {
		var err error
		msg, err = getByID(txn, id)
		if err != nil {
			return err
		}
		if changed, err = apply(&msg); err != nil || !changed {
			return err
		}
		bytes, err := json.Marshal(fromDomain(msg))
		if err != nil {
			return err
		}
		return txn.Set(primaryKey(msg.Room, msg.Seq), bytes)
	})
	if err != nil {
		return domain.Message{}, false, err
	}
	return msg, changed, nil
}

func getByID(txn *badger.Txn, id uuid.UUID) (domain.Message, error) {
	item, err := txn.Get(indexKey(id))
	if err == badger.ErrKeyNotFound {
		return domain.Message{}, fmt.Errorf("%w: %s", errors.ErrMessageNotFound, id)
	}
	if err != nil {
		return domain.Message{}, err
	}
	primary, err := item.ValueCopy(nil)
	if err != nil {
		return domain.Message{}, err
	}
	item, err = txn.Get(primary)
	if err != nil {
		return domain.Message{}, err
	}
	var rec diskMessage
	err = item.Value(func(value []byte) error {
		return json.Unmarshal(value, &rec)
	})
	if err != nil {
		return domain.Message{}, err
	}
	return toDomain(rec)
}

func primaryKey(room domain.RoomID, seq uint64) []byte {
	return []byte(fmt.Sprintf("msg:%s:%019d", room, seq))
}

func indexKey(id uuid.UUID) []byte {
	return []byte("id:" + id.String())
}

func fromDomain(msg domain.Message) diskMessage {
	rec := diskMessage{
		ID:      msg.ID.String(),
		Room:    string(msg.Room),
		Sender:  string(msg.Sender),
		Seq:     msg.Seq,
		Content: msg.Content,
		At:      msg.CreatedAt.UnixNano(),
		Pinned:  msg.Pinned,
	}
	if msg.ThreadParent != nil {
		rec.ThreadParent = lo.ToPtr(msg.ThreadParent.String())
	}
	if msg.EditedAt != nil {
		rec.EditedAt = lo.ToPtr(msg.EditedAt.UnixNano())
	}
	if len(msg.Reactions) > 0 {
		rec.Reactions = make(map[string][]string, len(msg.Reactions))
		for symbol, users := range msg.Reactions {
			rec.Reactions[symbol] = lo.Map(users, func(u domain.UserID, _ int) string {
				return string(u)
			})
		}
	}
	return rec
}

func toDomain(rec diskMessage) (domain.Message, error) {
	parsedID, err := uuid.Parse(rec.ID)
	if err != nil {
		return domain.Message{}, err
	}
	msg := domain.Message{
		ID:        parsedID,
		Room:      domain.RoomID(rec.Room),
		Sender:    domain.UserID(rec.Sender),
		Seq:       rec.Seq,
		Content:   rec.Content,
		CreatedAt: time.Unix(0, rec.At).UTC(),
		Pinned:    rec.Pinned,
	}
	if rec.ThreadParent != nil {
		parent, err := uuid.Parse(*rec.ThreadParent)
		if err != nil {
			return domain.Message{}, err
		}
		msg.ThreadParent = &parent
	}
	if rec.EditedAt != nil {
		msg.EditedAt = lo.ToPtr(time.Unix(0, *rec.EditedAt).UTC())
	}
	if len(rec.Reactions) > 0 {
		msg.Reactions = make(map[string][]domain.UserID, len(rec.Reactions))
		for symbol, users := range rec.Reactions {
			msg.Reactions[symbol] = lo.Map(users, func(u string, _ int) domain.UserID {
				return domain.UserID(u)
			})
		}
	}
	return msg, nil
}
