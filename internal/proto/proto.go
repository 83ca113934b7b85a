package proto

import (
	"time"

	"github.com/google/uuid"
)

const (
	PresenceTopic = "roomhive.presence.v1"
	MdnsTag       = "roomhive-mdns"

	// libp2p stream protocol ID for direct messages
	ChatProtoID = "/roomhive/chat/1.0.0"

	// CallTopicPrefix is the GossipSub topic namespace for call signaling.
	// One topic per conversation, shared by every call on that conversation.
	CallTopicPrefix = "roomhive.call."
	CallTopicSuffix = ".v1"
)

// CallTopic returns the signaling topic for a conversation.
func CallTopic(conversationID string) string {
	return CallTopicPrefix + conversationID + CallTopicSuffix
}

const (
	TypeOnline  = "online"
	TypeUpdate  = "update"
	TypeOffline = "offline"
)

// PresenceMsg is broadcast on the presence topic.
type PresenceMsg struct {
	Type      string   `json:"type"` // online|update|offline
	PeerID    string   `json:"peerId"`
	Label     string   `json:"label,omitempty"`
	Email     string   `json:"email,omitempty"`
	AvatarURL string   `json:"avatarUrl,omitempty"`
	City      string   `json:"city,omitempty"` // where this host rents rooms
	Addrs     []string `json:"addrs,omitempty"`
	TS        int64    `json:"ts"`
}

// Signal types exchanged on a call topic.
const (
	SignalReady        = "ready"
	SignalOffer        = "offer"
	SignalAnswer       = "answer"
	SignalICECandidate = "ice-candidate"
	SignalCallEnded    = "call-ended"
)

// Roles carried by ready signals.
const (
	RoleInitiator = "initiator"
	RoleResponder = "responder"
)

// Reasons carried by call-ended signals.
const (
	ReasonHangup   = "hangup"
	ReasonDeclined = "declined"
	ReasonMissed   = "missed"
	ReasonFailed   = "failed"
)

// Signal is one call signaling message. The relay gives no ordering or
// single-delivery guarantee, so every signal carries a unique ID for
// receiver-side de-duplication.
type Signal struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	CallID string `json:"callId"`
	From   string `json:"from"` // sender user id (libp2p peer id)
	Role   string `json:"role,omitempty"`

	// Session description for offer/answer.
	SDPType string `json:"sdpType,omitempty"`
	SDP     string `json:"sdp,omitempty"`

	// ICE candidate fields.
	Candidate     string `json:"candidate,omitempty"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`

	Reason string `json:"reason,omitempty"`
	TS     int64  `json:"ts"`
}

// NewSignal creates a signal with a fresh unique id and timestamp.
func NewSignal(typ, callID, from string) *Signal {
	return &Signal{
		Type:   typ,
		ID:     uuid.NewString(),
		CallID: callID,
		From:   from,
		TS:     NowMillis(),
	}
}

func NowMillis() int64 { return time.Now().UnixMilli() }
