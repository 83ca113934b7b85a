package call

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/roomhive/roomhive/internal/proto"
)

// Event kinds emitted to subscribers (UI gateway, tests).
type EventKind string

const (
	EventCalling   EventKind = "calling"
	EventIncoming  EventKind = "incoming"
	EventConnected EventKind = "connected"
	EventEnded     EventKind = "ended"
	EventMissed    EventKind = "missed"
	EventDeclined  EventKind = "declined"
	EventError     EventKind = "error"
)

// Event describes a call lifecycle change.
type Event struct {
	Kind           EventKind `json:"kind"`
	ConversationID string    `json:"conversationId"`
	CallID         string    `json:"callId"`
	From           string    `json:"from,omitempty"`
	DurationSec    int       `json:"durationSec,omitempty"`
	Err            string    `json:"err,omitempty"`
}

// Snapshot is a point-in-time view of the manager for status queries.
type Snapshot struct {
	Active         bool   `json:"active"`
	InstanceID     string `json:"instanceId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	CallID         string `json:"callId,omitempty"`
	State          State  `json:"state"`
	Initiator      bool   `json:"initiator,omitempty"`
	DurationSec    int    `json:"durationSec,omitempty"`
	Quality        string `json:"quality,omitempty"`
}

// Options tune the manager's timing. Zero values take defaults.
type Options struct {
	RingTimeout   time.Duration // unanswered call cutoff, default 10s
	ReadyRetry    time.Duration // ready re-announce interval, default 2s
	WatchdogEvery time.Duration // stale instance sweep, default 5s
}

// Manager drives call lifecycle for one node. At most one call instance
// is live at a time; a second start or accept fails with ErrAlreadyInCall.
type Manager struct {
	sig           Signaler
	hist          History
	newNegotiator NegotiatorFactory
	selfID        string

	ringTimeout   time.Duration
	readyRetry    time.Duration
	watchdogEvery time.Duration

	mu       sync.Mutex
	inst     *Instance
	neg      Negotiator
	timers   map[string]*time.Timer
	watchers map[string]func()

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// New builds a manager and starts its watchdog.
func New(sig Signaler, hist History, factory NegotiatorFactory, selfID string, opts Options) *Manager {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = 10 * time.Second
	}
	if opts.ReadyRetry <= 0 {
		opts.ReadyRetry = 2 * time.Second
	}
	if opts.WatchdogEvery <= 0 {
		opts.WatchdogEvery = 5 * time.Second
	}
	m := &Manager{
		sig:           sig,
		hist:          hist,
		newNegotiator: factory,
		selfID:        selfID,
		ringTimeout:   opts.RingTimeout,
		readyRetry:    opts.ReadyRetry,
		watchdogEvery: opts.WatchdogEvery,
		timers:        make(map[string]*time.Timer),
		watchers:      make(map[string]func()),
		listeners:     make(map[chan Event]struct{}),
		done:          make(chan struct{}),
	}
	go m.runWatchdog()
	return m
}

// Close tears down the live call, if any, and stops all topic watchers.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
	m.mu.Lock()
	for id, cancel := range m.watchers {
		delete(m.watchers, id)
		cancel()
	}
	if m.inst != nil {
		m.teardownLocked()
	}
	m.mu.Unlock()
}

// Subscribe returns a channel of call events and a cancel function.
func (m *Manager) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 32)
	m.listenerMu.Lock()
	m.listeners[ch] = struct{}{}
	m.listenerMu.Unlock()

	cancel = func() {
		m.listenerMu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	}
	return ch, cancel
}

func (m *Manager) emit(ev Event) {
	m.listenerMu.RLock()
	for ch := range m.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
	m.listenerMu.RUnlock()
}

// Snapshot reports the current call, or an idle snapshot when there is none.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inst == nil {
		return Snapshot{State: StateIdle}
	}
	s := Snapshot{
		Active:         true,
		InstanceID:     m.inst.ID,
		ConversationID: m.inst.ConversationID,
		CallID:         m.inst.CallID,
		State:          m.inst.state,
		Initiator:      m.inst.Initiator,
	}
	if m.inst.connectedFired {
		s.DurationSec = int(time.Since(m.inst.connectedAt).Seconds())
	}
	if m.neg != nil {
		s.Quality = m.neg.QualityTier()
	}
	return s
}

// WatchConversation joins the conversation's signaling topic and starts
// dispatching its signals. Idempotent; passive peers call this so that an
// incoming ready can surface a ringing prompt.
func (m *Manager) WatchConversation(conversationID string) error {
	m.mu.Lock()
	if _, ok := m.watchers[conversationID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.sig.Join(conversationID); err != nil {
		return fmt.Errorf("join signaling topic: %w", err)
	}
	ch, cancel := m.sig.Subscribe(conversationID)

	m.mu.Lock()
	if _, ok := m.watchers[conversationID]; ok {
		m.mu.Unlock()
		cancel()
		return nil
	}
	m.watchers[conversationID] = cancel
	m.mu.Unlock()

	go func() {
		for sig := range ch {
			m.handleSignal(conversationID, sig)
		}
	}()
	return nil
}

// StartCall places an outgoing call on a conversation and returns the new
// call id. It blocks until the signaling topic confirms a remote
// subscriber and local media is up, then announces readiness.
func (m *Manager) StartCall(ctx context.Context, conversationID, remoteUser string) (string, error) {
	m.mu.Lock()
	if m.inst != nil {
		m.mu.Unlock()
		return "", ErrAlreadyInCall
	}
	inst := newInstance(uuid.NewString(), conversationID, true)
	inst.RemoteUser = remoteUser
	if err := inst.to(StateCalling); err != nil {
		m.mu.Unlock()
		return "", err
	}
	m.inst = inst
	m.mu.Unlock()

	log.Printf("CALL [%s]: starting on conversation %s", inst.CallID, conversationID)

	if err := m.WatchConversation(conversationID); err != nil {
		m.clearInstance(inst)
		return "", err
	}
	if err := m.sig.AwaitJoined(ctx, conversationID); err != nil {
		m.clearInstance(inst)
		return "", fmt.Errorf("%w: %v", ErrJoinTimeout, err)
	}

	neg, err := m.newNegotiator(inst.CallID)
	if err == nil {
		err = neg.Start(ctx)
	}
	if err != nil {
		if neg != nil {
			neg.Close()
		}
		m.clearInstance(inst)
		m.emit(Event{Kind: EventError, ConversationID: conversationID, CallID: inst.CallID, Err: err.Error()})
		return "", err
	}

	m.mu.Lock()
	if m.inst != inst {
		m.mu.Unlock()
		neg.Close()
		return "", ErrInvalidState
	}
	m.neg = neg
	m.wireNegotiatorLocked(inst, neg)
	inst.markReady(proto.RoleInitiator)
	m.sendReadyLocked(inst)
	m.startReadyLoopLocked(inst)
	callID := inst.CallID
	m.startTimerLocked(callID, m.ringTimeout, func() { m.callerTimeout(callID) })
	m.mu.Unlock()

	if m.hist != nil {
		if err := m.hist.CallInitiated(conversationID, callID, m.selfID); err != nil {
			log.Printf("CALL [%s]: history error: %v", callID, err)
		}
	}
	m.emit(Event{Kind: EventCalling, ConversationID: conversationID, CallID: callID, From: m.selfID})
	return callID, nil
}

// AcceptCall answers a ringing call: local media comes up, then readiness
// is announced so the initiator can send its offer.
func (m *Manager) AcceptCall(ctx context.Context, callID string) error {
	m.mu.Lock()
	inst := m.inst
	if inst == nil || inst.state != StateRinging || inst.CallID != callID {
		m.mu.Unlock()
		return ErrInvalidState
	}
	m.cancelTimerLocked(callID)
	if err := inst.to(StateConnecting); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	if m.hist != nil {
		if err := m.hist.ClearCallPrompt(inst.ConversationID, callID); err != nil {
			log.Printf("CALL [%s]: history error: %v", callID, err)
		}
	}

	neg, err := m.newNegotiator(callID)
	if err == nil {
		err = neg.Start(ctx)
	}
	if err != nil {
		if neg != nil {
			neg.Close()
		}
		log.Printf("CALL [%s]: media failed on accept: %v", callID, err)
		m.mu.Lock()
		if m.inst == inst {
			end := proto.NewSignal(proto.SignalCallEnded, callID, m.selfID)
			end.Reason = proto.ReasonFailed
			m.sendLocked(inst.ConversationID, end)
			_ = inst.to(StateEnded)
			m.teardownLocked()
		}
		m.mu.Unlock()
		m.emit(Event{Kind: EventError, ConversationID: inst.ConversationID, CallID: callID, Err: err.Error()})
		return err
	}

	m.mu.Lock()
	if m.inst != inst {
		m.mu.Unlock()
		neg.Close()
		return ErrInvalidState
	}
	m.neg = neg
	m.wireNegotiatorLocked(inst, neg)
	inst.markReady(proto.RoleResponder)
	m.sendReadyLocked(inst)
	m.startReadyLoopLocked(inst)
	m.mu.Unlock()

	log.Printf("CALL [%s]: accepted", callID)
	return nil
}

// RejectCall declines a ringing call and tells the initiator.
func (m *Manager) RejectCall(callID string) error {
	m.mu.Lock()
	inst := m.inst
	if inst == nil || inst.state != StateRinging || inst.CallID != callID {
		m.mu.Unlock()
		return ErrInvalidState
	}
	m.cancelTimerLocked(callID)
	end := proto.NewSignal(proto.SignalCallEnded, callID, m.selfID)
	end.Reason = proto.ReasonDeclined
	m.sendLocked(inst.ConversationID, end)
	_ = inst.to(StateDeclined)
	conv := inst.ConversationID
	m.teardownLocked()
	m.mu.Unlock()

	if m.hist != nil {
		_ = m.hist.ClearCallPrompt(conv, callID)
		if err := m.hist.CallDeclined(conv, callID, m.selfID); err != nil {
			log.Printf("CALL [%s]: history error: %v", callID, err)
		}
	}
	m.emit(Event{Kind: EventDeclined, ConversationID: conv, CallID: callID, From: m.selfID})
	log.Printf("CALL [%s]: declined", callID)
	return nil
}

// EndCall hangs up the live call. Ending when no call is live is a no-op;
// hangup must always be safe to press.
func (m *Manager) EndCall() error {
	m.mu.Lock()
	inst := m.inst
	if inst == nil || inst.state.Terminal() {
		m.mu.Unlock()
		return nil
	}
	callID := inst.CallID
	conv := inst.ConversationID
	dur := 0
	if inst.connectedFired {
		dur = int(time.Since(inst.connectedAt).Seconds())
	}
	end := proto.NewSignal(proto.SignalCallEnded, callID, m.selfID)
	end.Reason = proto.ReasonHangup
	m.sendLocked(conv, end)
	_ = inst.to(StateEnded)
	m.teardownLocked()
	m.mu.Unlock()

	if m.hist != nil {
		_ = m.hist.ClearCallPrompt(conv, callID)
		if err := m.hist.CallEnded(conv, callID, m.selfID, dur); err != nil {
			log.Printf("CALL [%s]: history error: %v", callID, err)
		}
	}
	m.emit(Event{Kind: EventEnded, ConversationID: conv, CallID: callID, From: m.selfID, DurationSec: dur})
	log.Printf("CALL [%s]: ended after %ds", callID, dur)
	return nil
}

// handleSignal dispatches one relay signal. The relay already drops our
// own publishes, but test buses may not, so self-sends are filtered again.
func (m *Manager) handleSignal(conversationID string, sig *proto.Signal) {
	if sig == nil || sig.From == m.selfID {
		return
	}
	switch sig.Type {
	case proto.SignalReady:
		m.handleReady(conversationID, sig)
	case proto.SignalOffer:
		m.handleOffer(sig)
	case proto.SignalAnswer:
		m.handleAnswer(sig)
	case proto.SignalICECandidate:
		m.handleCandidate(sig)
	case proto.SignalCallEnded:
		m.handleEnded(sig)
	default:
		log.Printf("CALL [%s]: unknown signal type %q", sig.CallID, sig.Type)
	}
}

func (m *Manager) handleReady(conversationID string, sig *proto.Signal) {
	m.mu.Lock()

	// No live call: an initiator ready is an incoming call.
	if m.inst == nil {
		if sig.Role != proto.RoleInitiator {
			m.mu.Unlock()
			return
		}
		inst := newInstance(sig.CallID, conversationID, false)
		inst.RemoteUser = sig.From
		_ = inst.to(StateRinging)
		inst.seen(sig.ID)
		inst.markReady(proto.RoleInitiator)
		m.inst = inst
		callID := sig.CallID
		m.startTimerLocked(callID, m.ringTimeout, func() { m.calleeTimeout(callID) })
		m.mu.Unlock()

		if m.hist != nil {
			if err := m.hist.CallInitiated(conversationID, callID, sig.From); err != nil {
				log.Printf("CALL [%s]: history error: %v", callID, err)
			}
		}
		m.emit(Event{Kind: EventIncoming, ConversationID: conversationID, CallID: callID, From: sig.From})
		log.Printf("CALL [%s]: ringing, caller %s", callID, sig.From)
		return
	}

	inst := m.inst

	// Glare: both sides dialed the same conversation, each under its own
	// call id. The lexicographically smaller user id keeps its call; the
	// larger abandons its own and answers the winner's.
	if sig.Role == proto.RoleInitiator && inst.Initiator &&
		inst.ConversationID == conversationID && inst.CallID != sig.CallID {
		if m.selfID < sig.From {
			// Our call wins; the remote will adopt it when our ready lands.
			m.mu.Unlock()
			return
		}
		oldCallID := inst.CallID
		m.cancelTimerLocked(oldCallID)
		inst.CallID = sig.CallID
		inst.ID = InstanceID(sig.CallID, conversationID)
		inst.Initiator = false
		inst.ready = make(map[string]bool)
		inst.processed = make(map[string]struct{})
		inst.seen(sig.ID)
		inst.markReady(proto.RoleInitiator)
		inst.markReady(proto.RoleResponder)
		inst.RemoteUser = sig.From
		m.sendReadyLocked(inst)
		callID := inst.CallID
		m.startTimerLocked(callID, m.ringTimeout, func() { m.callerTimeout(callID) })
		log.Printf("CALL [%s]: glare, adopting remote call as responder", callID)
		m.mu.Unlock()

		if m.hist != nil {
			_ = m.hist.ClearCallPrompt(conversationID, oldCallID)
		}
		// Clients keyed on the abandoned id rekey off this event.
		m.emit(Event{Kind: EventCalling, ConversationID: conversationID, CallID: callID, From: m.selfID})
		return
	}

	if inst.CallID != sig.CallID || inst.seen(sig.ID) {
		m.mu.Unlock()
		return
	}
	if inst.RemoteUser == "" {
		inst.RemoteUser = sig.From
	}
	inst.markReady(sig.Role)

	if inst.readyComplete() && inst.Initiator && !inst.offerCreated && m.neg != nil {
		inst.offerCreated = true
		desc, err := m.neg.CreateOffer()
		if err != nil {
			m.failLocked(inst, fmt.Errorf("%w: create offer: %v", ErrNegotiationFailed, err))
			return
		}
		offer := proto.NewSignal(proto.SignalOffer, inst.CallID, m.selfID)
		offer.SDPType = desc.Type.String()
		offer.SDP = desc.SDP
		m.sendLocked(inst.ConversationID, offer)
		log.Printf("CALL [%s]: offer sent", inst.CallID)
	}
	m.mu.Unlock()
}

func (m *Manager) handleOffer(sig *proto.Signal) {
	m.mu.Lock()
	inst := m.inst
	if inst == nil || inst.CallID != sig.CallID || inst.Initiator || m.neg == nil {
		m.mu.Unlock()
		return
	}
	if inst.state != StateCalling && inst.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	if inst.seen(sig.ID) || inst.answerCreated {
		m.mu.Unlock()
		return
	}

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sig.SDP}
	if err := m.neg.SetRemoteDescription(desc); err != nil {
		m.failLocked(inst, fmt.Errorf("%w: set offer: %v", ErrNegotiationFailed, err))
		return
	}
	m.flushCandidatesLocked(inst)

	inst.answerCreated = true
	answer, err := m.neg.CreateAnswer()
	if err != nil {
		m.failLocked(inst, fmt.Errorf("%w: create answer: %v", ErrNegotiationFailed, err))
		return
	}
	reply := proto.NewSignal(proto.SignalAnswer, inst.CallID, m.selfID)
	reply.SDPType = answer.Type.String()
	reply.SDP = answer.SDP
	m.sendLocked(inst.ConversationID, reply)

	// A glare-demoted side is still in calling here.
	if inst.state == StateCalling {
		_ = inst.to(StateConnecting)
	}
	log.Printf("CALL [%s]: answer sent", inst.CallID)
	m.mu.Unlock()
}

func (m *Manager) handleAnswer(sig *proto.Signal) {
	m.mu.Lock()
	inst := m.inst
	if inst == nil || inst.CallID != sig.CallID || !inst.Initiator || m.neg == nil {
		m.mu.Unlock()
		return
	}
	if inst.seen(sig.ID) || inst.answerProcessed {
		m.mu.Unlock()
		return
	}
	// Only apply an answer to an outstanding local offer; a stray or
	// redelivered answer in any other signaling state is dropped.
	if m.neg.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		m.mu.Unlock()
		return
	}

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP}
	if err := m.neg.SetRemoteDescription(desc); err != nil {
		m.failLocked(inst, fmt.Errorf("%w: set answer: %v", ErrNegotiationFailed, err))
		return
	}
	inst.answerProcessed = true
	m.cancelTimerLocked(inst.CallID)
	m.flushCandidatesLocked(inst)
	if inst.state == StateCalling {
		_ = inst.to(StateConnecting)
	}
	log.Printf("CALL [%s]: answer processed", inst.CallID)
	m.mu.Unlock()
}

func (m *Manager) handleCandidate(sig *proto.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst := m.inst
	if inst == nil || inst.CallID != sig.CallID || inst.seen(sig.ID) {
		return
	}
	mid := sig.SDPMid
	mline := sig.SDPMLineIndex
	cand := webrtc.ICECandidateInit{
		Candidate:     sig.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &mline,
	}
	if m.neg != nil && m.neg.RemoteDescriptionSet() {
		if err := m.neg.AddICECandidate(cand); err != nil {
			log.Printf("CALL [%s]: add candidate: %v", inst.CallID, err)
		}
		return
	}
	// Candidates outrun the offer/answer on an unordered relay; buffer
	// until the remote description lands.
	inst.queueCandidate(cand)
}

func (m *Manager) handleEnded(sig *proto.Signal) {
	m.mu.Lock()
	inst := m.inst
	if inst == nil || inst.CallID != sig.CallID || inst.seen(sig.ID) || inst.state.Terminal() {
		m.mu.Unlock()
		return
	}
	conv := inst.ConversationID
	callID := inst.CallID
	dur := 0
	if inst.connectedFired {
		dur = int(time.Since(inst.connectedAt).Seconds())
	}
	m.cancelTimerLocked(callID)

	var kind EventKind
	switch sig.Reason {
	case proto.ReasonDeclined:
		_ = inst.to(StateDeclined)
		kind = EventDeclined
	case proto.ReasonMissed:
		_ = inst.to(StateMissed)
		kind = EventMissed
	default:
		_ = inst.to(StateEnded)
		kind = EventEnded
	}
	m.teardownLocked()
	m.mu.Unlock()

	if m.hist != nil {
		_ = m.hist.ClearCallPrompt(conv, callID)
		var err error
		switch kind {
		case EventDeclined:
			err = m.hist.CallDeclined(conv, callID, sig.From)
		case EventMissed:
			err = m.hist.CallMissed(conv, callID, sig.From)
		default:
			err = m.hist.CallEnded(conv, callID, sig.From, dur)
		}
		if err != nil {
			log.Printf("CALL [%s]: history error: %v", callID, err)
		}
	}
	m.emit(Event{Kind: kind, ConversationID: conv, CallID: callID, From: sig.From, DurationSec: dur})
	log.Printf("CALL [%s]: remote ended, reason %q", callID, sig.Reason)
}

// callerTimeout fires when the initiator's ring timer expires with no
// answer processed. The initiator owns the missed signal so the callee's
// prompt clears even if its own timer drifted.
func (m *Manager) callerTimeout(callID string) {
	m.mu.Lock()
	inst := m.inst
	if inst == nil || inst.CallID != callID || inst.state != StateCalling || inst.answerProcessed {
		m.mu.Unlock()
		return
	}
	conv := inst.ConversationID
	end := proto.NewSignal(proto.SignalCallEnded, callID, m.selfID)
	end.Reason = proto.ReasonMissed
	m.sendLocked(conv, end)
	_ = inst.to(StateMissed)
	m.teardownLocked()
	m.mu.Unlock()

	if m.hist != nil {
		if err := m.hist.CallMissed(conv, callID, m.selfID); err != nil {
			log.Printf("CALL [%s]: history error: %v", callID, err)
		}
	}
	m.emit(Event{Kind: EventMissed, ConversationID: conv, CallID: callID, From: m.selfID})
	log.Printf("CALL [%s]: no answer, missed", callID)
}

// calleeTimeout expires an unanswered ringing prompt locally. No signal
// is sent; the initiator's own timer covers its side.
func (m *Manager) calleeTimeout(callID string) {
	m.mu.Lock()
	inst := m.inst
	if inst == nil || inst.CallID != callID || inst.state != StateRinging {
		m.mu.Unlock()
		return
	}
	conv := inst.ConversationID
	from := inst.RemoteUser
	_ = inst.to(StateMissed)
	m.teardownLocked()
	m.mu.Unlock()

	if m.hist != nil {
		_ = m.hist.ClearCallPrompt(conv, callID)
		if err := m.hist.CallMissed(conv, callID, from); err != nil {
			log.Printf("CALL [%s]: history error: %v", callID, err)
		}
	}
	m.emit(Event{Kind: EventMissed, ConversationID: conv, CallID: callID, From: from})
	log.Printf("CALL [%s]: ring expired, missed", callID)
}

// wireNegotiatorLocked hooks session callbacks into the manager. The
// callbacks run on session goroutines and take the manager lock, so they
// must never be invoked synchronously from under it. They hold the
// instance pointer, not its ids: glare adoption rewrites the call id in
// place, and a captured id would keep tagging signals with the dead one.
func (m *Manager) wireNegotiatorLocked(inst *Instance, neg Negotiator) {
	neg.OnICECandidate(func(c webrtc.ICECandidateInit) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.inst != inst || inst.state.Terminal() {
			return
		}
		sig := proto.NewSignal(proto.SignalICECandidate, inst.CallID, m.selfID)
		sig.Candidate = c.Candidate
		if c.SDPMid != nil {
			sig.SDPMid = *c.SDPMid
		}
		if c.SDPMLineIndex != nil {
			sig.SDPMLineIndex = *c.SDPMLineIndex
		}
		m.sendLocked(inst.ConversationID, sig)
	})
	neg.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.handleConnChange(inst, state)
	})
}

func (m *Manager) handleConnChange(inst *Instance, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		m.mu.Lock()
		if m.inst != inst || inst.connectedFired || inst.state.Terminal() {
			m.mu.Unlock()
			return
		}
		inst.connectedFired = true
		inst.connectedAt = time.Now()
		callID := inst.CallID
		m.cancelTimerLocked(callID)
		if inst.state != StateActive {
			_ = inst.to(StateActive)
		}
		conv := inst.ConversationID
		m.mu.Unlock()
		m.emit(Event{Kind: EventConnected, ConversationID: conv, CallID: callID})
		log.Printf("CALL [%s]: connected", callID)

	case webrtc.PeerConnectionStateFailed:
		m.mu.Lock()
		if m.inst != inst || inst.state.Terminal() {
			m.mu.Unlock()
			return
		}
		m.failLocked(inst, ErrNegotiationFailed)

	case webrtc.PeerConnectionStateDisconnected:
		m.mu.Lock()
		callID := inst.CallID
		m.mu.Unlock()
		log.Printf("CALL [%s]: transport disconnected, waiting for recovery", callID)
	}
}

// failLocked ends the call on a fatal negotiation error. Takes ownership
// of m.mu and releases it.
func (m *Manager) failLocked(inst *Instance, cause error) {
	conv := inst.ConversationID
	callID := inst.CallID
	dur := 0
	if inst.connectedFired {
		dur = int(time.Since(inst.connectedAt).Seconds())
	}
	end := proto.NewSignal(proto.SignalCallEnded, callID, m.selfID)
	end.Reason = proto.ReasonFailed
	m.sendLocked(conv, end)
	m.cancelTimerLocked(callID)
	_ = inst.to(StateEnded)
	m.teardownLocked()
	m.mu.Unlock()

	if m.hist != nil {
		_ = m.hist.ClearCallPrompt(conv, callID)
		if err := m.hist.CallEnded(conv, callID, m.selfID, dur); err != nil {
			log.Printf("CALL [%s]: history error: %v", callID, err)
		}
	}
	m.emit(Event{Kind: EventError, ConversationID: conv, CallID: callID, Err: cause.Error()})
	m.emit(Event{Kind: EventEnded, ConversationID: conv, CallID: callID, DurationSec: dur})
	log.Printf("CALL [%s]: failed: %v", callID, cause)
}

func (m *Manager) sendReadyLocked(inst *Instance) {
	role := proto.RoleResponder
	if inst.Initiator {
		role = proto.RoleInitiator
	}
	sig := proto.NewSignal(proto.SignalReady, inst.CallID, m.selfID)
	sig.Role = role
	m.sendLocked(inst.ConversationID, sig)
}

func (m *Manager) sendLocked(conversationID string, sig *proto.Signal) {
	if err := m.sig.Send(conversationID, sig); err != nil {
		log.Printf("CALL [%s]: send %s: %v", sig.CallID, sig.Type, err)
	}
}

// startReadyLoopLocked re-announces readiness until the rendezvous
// completes. The relay is lossy at the edges, a publish before the remote
// mesh formed can vanish; cheap periodic re-sends paper over that.
func (m *Manager) startReadyLoopLocked(inst *Instance) {
	go func() {
		t := time.NewTicker(m.readyRetry)
		defer t.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-t.C:
			}
			m.mu.Lock()
			if m.inst != inst || inst.state.Terminal() || !m.needsReadyLocked(inst) {
				m.mu.Unlock()
				return
			}
			m.sendReadyLocked(inst)
			m.mu.Unlock()
		}
	}()
}

func (m *Manager) needsReadyLocked(inst *Instance) bool {
	if inst.Initiator {
		return inst.state == StateCalling && !inst.offerCreated
	}
	if inst.state != StateCalling && inst.state != StateConnecting {
		return false
	}
	return m.neg == nil || !m.neg.RemoteDescriptionSet()
}

// flushCandidatesLocked applies buffered remote candidates in arrival
// order once the remote description is in place.
func (m *Manager) flushCandidatesLocked(inst *Instance) {
	for _, c := range inst.drainCandidates() {
		if err := m.neg.AddICECandidate(c); err != nil {
			log.Printf("CALL [%s]: flush candidate: %v", inst.CallID, err)
		}
	}
}

// startTimerLocked arms the single timer for a call id, replacing any
// previous one.
func (m *Manager) startTimerLocked(callID string, d time.Duration, fn func()) {
	if t, ok := m.timers[callID]; ok {
		t.Stop()
	}
	m.timers[callID] = time.AfterFunc(d, fn)
}

func (m *Manager) cancelTimerLocked(callID string) {
	if t, ok := m.timers[callID]; ok {
		t.Stop()
		delete(m.timers, callID)
	}
}

// teardownLocked releases the live instance and its session. The topic
// subscription stays; future calls on the conversation reuse it.
func (m *Manager) teardownLocked() {
	if m.inst != nil {
		m.cancelTimerLocked(m.inst.CallID)
		m.inst = nil
	}
	if m.neg != nil {
		neg := m.neg
		m.neg = nil
		// Close blocks on transport shutdown and may be reached from a
		// session callback; never hold the lock across it.
		go func() {
			if err := neg.Close(); err != nil {
				log.Printf("CALL: session close: %v", err)
			}
		}()
	}
}

// clearInstance drops a reserved instance after a failed start.
func (m *Manager) clearInstance(inst *Instance) {
	m.mu.Lock()
	if m.inst == inst {
		m.teardownLocked()
	}
	m.mu.Unlock()
}

// runWatchdog sweeps for instances stuck short of active, a lost signal
// or a dead peer must never wedge the node in a non-idle state.
func (m *Manager) runWatchdog() {
	t := time.NewTicker(m.watchdogEvery)
	defer t.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-t.C:
		}
		m.mu.Lock()
		inst := m.inst
		if inst == nil {
			m.mu.Unlock()
			continue
		}
		if inst.state.Terminal() {
			m.teardownLocked()
			m.mu.Unlock()
			continue
		}
		stale := !inst.connectedFired && time.Since(inst.createdAt) > 6*m.ringTimeout
		if !stale {
			m.mu.Unlock()
			continue
		}
		conv := inst.ConversationID
		callID := inst.CallID
		_ = inst.to(StateMissed)
		m.teardownLocked()
		m.mu.Unlock()

		if m.hist != nil {
			_ = m.hist.ClearCallPrompt(conv, callID)
		}
		m.emit(Event{Kind: EventMissed, ConversationID: conv, CallID: callID})
		log.Printf("CALL [%s]: watchdog reaped stale call", callID)
	}
}
