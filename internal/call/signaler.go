package call

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/roomhive/roomhive/internal/proto"
)

// Signaler is the only surface the call package needs from the relay layer.
// The relay client satisfies it directly; tests use an in-memory bus.
type Signaler interface {
	// Join subscribes to the conversation's signaling topic. Idempotent.
	Join(conversationID string) error
	// AwaitJoined blocks until a remote subscriber is visible or the
	// bounded retries are exhausted. Queued sends flush on success.
	AwaitJoined(ctx context.Context, conversationID string) error
	Send(conversationID string, sig *proto.Signal) error
	Subscribe(conversationID string) (<-chan *proto.Signal, func())
	Leave(conversationID string)
}

// History persists call lifecycle events into the conversation's message
// log. May be absent (nil-checked by the manager).
type History interface {
	CallInitiated(conversationID, callID, from string) error
	CallEnded(conversationID, callID, from string, durationSec int) error
	CallMissed(conversationID, callID, from string) error
	CallDeclined(conversationID, callID, from string) error
	// ClearCallPrompt removes stale call_initiated messages for a call id,
	// so an answered or expired call does not leave a dangling prompt.
	ClearCallPrompt(conversationID, callID string) error
}

// Negotiator owns exactly one media session for one call instance.
// The production implementation is Session (pion); tests inject a fake.
type Negotiator interface {
	// Start acquires local media and builds the peer session. A failure is
	// terminal for the call attempt.
	Start(ctx context.Context) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(cand webrtc.ICECandidateInit) error
	RemoteDescriptionSet() bool
	SignalingState() webrtc.SignalingState
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	QualityTier() string
	// Close releases local media, remote tracks and the session.
	// Idempotent; called on every exit path.
	Close() error
}

// NegotiatorFactory builds a fresh Negotiator for a call id.
type NegotiatorFactory func(callID string) (Negotiator, error)
