// Package call implements the call lifecycle: the per-call state machine,
// ready rendezvous over the signaling relay, offer/answer exchange and
// candidate trickling. One manager per node, at most one live instance.
package call

import (
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/roomhive/roomhive/internal/proto"
)

// State is the lifecycle state of a call instance.
type State string

const (
	StateIdle       State = "idle"
	StateCalling    State = "calling"
	StateRinging    State = "ringing"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateEnded      State = "ended"
	StateMissed     State = "missed"
	StateDeclined   State = "declined"
)

// Terminal reports whether the state ends the call.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateMissed || s == StateDeclined
}

// transitions is the single source of truth for legal state moves.
// "offer sent" is not a separate state; it is the offerCreated flag on
// an instance still in calling.
var transitions = map[State][]State{
	StateIdle:       {StateCalling, StateRinging},
	StateCalling:    {StateConnecting, StateActive, StateEnded, StateMissed, StateDeclined},
	StateRinging:    {StateConnecting, StateEnded, StateMissed, StateDeclined},
	StateConnecting: {StateActive, StateEnded, StateMissed, StateDeclined},
	StateActive:     {StateEnded},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// InstanceID identifies a call uniquely: the same call id can never refer
// to two different conversations.
func InstanceID(callID, conversationID string) string {
	return callID + "@" + conversationID
}

// Instance tracks one call attempt. All fields are guarded by the
// manager's mutex; Instance has no locking of its own.
type Instance struct {
	ID             string
	CallID         string
	ConversationID string
	RemoteUser     string
	Initiator      bool

	state State

	// ready holds the roles announced on the signaling topic so far.
	// Negotiation starts only when both are present.
	ready map[string]bool

	// processed holds signal ids already handled; the relay is
	// at-least-once so every signal may arrive more than once.
	processed map[string]struct{}

	// pendingCandidates buffers remote ICE candidates that arrived
	// before the remote description, in arrival order.
	pendingCandidates []webrtc.ICECandidateInit

	// One-shot guards. The relay may redeliver or reorder, so each
	// negotiation step fires at most once regardless of input.
	offerCreated    bool
	answerCreated   bool
	answerProcessed bool
	connectedFired  bool

	createdAt   time.Time
	connectedAt time.Time
}

func newInstance(callID, conversationID string, initiator bool) *Instance {
	return &Instance{
		ID:             InstanceID(callID, conversationID),
		CallID:         callID,
		ConversationID: conversationID,
		Initiator:      initiator,
		state:          StateIdle,
		ready:          make(map[string]bool),
		processed:      make(map[string]struct{}),
		createdAt:      time.Now(),
	}
}

// to moves the instance to the next state, rejecting illegal transitions.
func (i *Instance) to(next State) error {
	if !canTransition(i.state, next) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, i.state, next)
	}
	i.state = next
	return nil
}

// seen records a signal id and reports whether it was already processed.
func (i *Instance) seen(signalID string) bool {
	if _, ok := i.processed[signalID]; ok {
		return true
	}
	i.processed[signalID] = struct{}{}
	return false
}

func (i *Instance) markReady(role string) {
	i.ready[role] = true
}

// readyComplete reports whether both parties have announced themselves.
func (i *Instance) readyComplete() bool {
	return i.ready[proto.RoleInitiator] && i.ready[proto.RoleResponder]
}

func (i *Instance) queueCandidate(c webrtc.ICECandidateInit) {
	i.pendingCandidates = append(i.pendingCandidates, c)
}

// drainCandidates returns the buffered candidates in arrival order and
// empties the queue.
func (i *Instance) drainCandidates() []webrtc.ICECandidateInit {
	out := i.pendingCandidates
	i.pendingCandidates = nil
	return out
}
