package app

import (
	"github.com/roomhive/roomhive/internal/proto"
	"github.com/roomhive/roomhive/internal/store"
)

// callHistory writes call lifecycle events into the conversation's
// message log. Message ids derive from the call id, so both parties
// write the same row and the UNIQUE constraint absorbs the duplicate.
type callHistory struct {
	db *store.DB
}

func (h *callHistory) CallInitiated(conversationID, callID, from string) error {
	return h.db.AppendMessage(&store.Message{
		ID:             callID + ":init",
		ConversationID: conversationID,
		SenderID:       from,
		Kind:           store.KindCallInitiated,
		CallID:         callID,
		CreatedAt:      proto.NowMillis(),
	})
}

func (h *callHistory) CallEnded(conversationID, callID, from string, durationSec int) error {
	return h.db.AppendMessage(&store.Message{
		ID:             callID + ":end",
		ConversationID: conversationID,
		SenderID:       from,
		Kind:           store.KindCallEnded,
		CallID:         callID,
		DurationSec:    durationSec,
		CreatedAt:      proto.NowMillis(),
	})
}

func (h *callHistory) CallMissed(conversationID, callID, from string) error {
	return h.db.AppendMessage(&store.Message{
		ID:             callID + ":missed",
		ConversationID: conversationID,
		SenderID:       from,
		Kind:           store.KindCallMissed,
		CallID:         callID,
		CreatedAt:      proto.NowMillis(),
	})
}

func (h *callHistory) CallDeclined(conversationID, callID, from string) error {
	return h.db.AppendMessage(&store.Message{
		ID:             callID + ":declined",
		ConversationID: conversationID,
		SenderID:       from,
		Kind:           store.KindCallDeclined,
		CallID:         callID,
		CreatedAt:      proto.NowMillis(),
	})
}

func (h *callHistory) ClearCallPrompt(conversationID, callID string) error {
	return h.db.DeleteMessagesByKind(conversationID, store.KindCallInitiated, callID)
}
