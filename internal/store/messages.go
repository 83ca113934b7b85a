package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message kinds. Call lifecycle events are persisted alongside text so the
// conversation history can render them.
const (
	KindText          = "text"
	KindCallInitiated = "call_initiated"
	KindCallEnded     = "call_ended"
	KindCallMissed    = "call_missed"
	KindCallDeclined  = "call_declined"
)

type Conversation struct {
	ID        string `json:"id"`
	PeerA     string `json:"peerA"`
	PeerB     string `json:"peerB"`
	CreatedAt int64  `json:"createdAt"`
}

type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Kind           string `json:"kind"`
	Body           string `json:"body"`
	CallID         string `json:"callId,omitempty"`
	DurationSec    int    `json:"durationSec,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
}

// ConversationID derives the deterministic conversation id for a peer pair.
// Both sides compute the same id regardless of who messages first.
func ConversationID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// EnsureConversation creates the conversation row for a peer pair if absent
// and returns its id.
func (s *DB) EnsureConversation(a, b string) (string, error) {
	id := ConversationID(a, b)
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO conversations (id, peer_a, peer_b, created_at) VALUES (?, ?, ?, ?)`,
		id, lo, hi, time.Now().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("ensure conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.notify(OpInsert, "conversations", id)
	}
	return id, nil
}

// ListConversations returns all conversations involving the given user,
// newest first.
func (s *DB) ListConversations(userID string) ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, peer_a, peer_b, created_at FROM conversations
		 WHERE peer_a = ? OR peer_b = ? ORDER BY created_at DESC`,
		userID, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.PeerA, &c.PeerB, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetConversation returns one conversation by id.
func (s *DB) GetConversation(id string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c Conversation
	err := s.db.QueryRow(
		`SELECT id, peer_a, peer_b, created_at FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.PeerA, &c.PeerB, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return Conversation{}, fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	return c, err
}

// AppendMessage persists a message. A missing id or timestamp is filled in.
func (s *DB) AppendMessage(m *Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().UnixMilli()
	}
	if m.Kind == "" {
		m.Kind = KindText
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO messages (id, conversation_id, sender_id, kind, body, call_id, duration_sec, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.SenderID, m.Kind, m.Body, m.CallID, m.DurationSec, m.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil // duplicate delivery of the same message id
		}
		return fmt.Errorf("append message: %w", err)
	}
	s.notify(OpInsert, "messages", m.ID)
	return nil
}

// ListMessages returns up to limit messages of a conversation ordered by
// timestamp ascending.
func (s *DB) ListMessages(conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, conversation_id, sender_id, kind, body, call_id, duration_sec, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at ASC LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Kind, &m.Body, &m.CallID, &m.DurationSec, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteMessagesByKind removes messages of one kind for a call id in a
// conversation. Used to clear stale call prompts when a call is accepted.
func (s *DB) DeleteMessagesByKind(conversationID, kind, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id FROM messages WHERE conversation_id = ? AND kind = ? AND call_id = ?`,
		conversationID, kind, callID,
	)
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if len(ids) == 0 {
		return nil
	}
	_, err = s.db.Exec(
		`DELETE FROM messages WHERE conversation_id = ? AND kind = ? AND call_id = ?`,
		conversationID, kind, callID,
	)
	if err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	for _, id := range ids {
		s.notify(OpDelete, "messages", id)
	}
	return nil
}
