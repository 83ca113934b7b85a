package chat

import (
	"github.com/google/uuid"

	"github.com/roomhive/roomhive/internal/proto"
	"github.com/roomhive/roomhive/internal/store"
)

// Message is the wire and in-memory shape of a direct message.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	From           string `json:"from"`
	To             string `json:"to"`
	Kind           string `json:"kind"`
	Body           string `json:"body"`
	CallID         string `json:"callId,omitempty"`
	TS             int64  `json:"ts"`
}

// NewMessage creates a text message between two peers.
func NewMessage(from, to, body string) *Message {
	return &Message{
		ID:             uuid.NewString(),
		ConversationID: store.ConversationID(from, to),
		From:           from,
		To:             to,
		Kind:           store.KindText,
		Body:           body,
		TS:             proto.NowMillis(),
	}
}

func (m *Message) toStore() *store.Message {
	return &store.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.From,
		Kind:           m.Kind,
		Body:           m.Body,
		CallID:         m.CallID,
		CreatedAt:      m.TS,
	}
}
