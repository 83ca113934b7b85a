package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/roomhive/roomhive/internal/proto"
)

// memBus is an in-memory Signaler shared by both managers under test.
// Like the real relay it is at-least-once and unordered at the edges;
// unlike it, delivery echoes back to the sender, which the manager must
// filter itself.
type memBus struct {
	mu      sync.Mutex
	subs    map[string][]chan *proto.Signal
	joinErr error
}

func newMemBus() *memBus {
	return &memBus{subs: make(map[string][]chan *proto.Signal)}
}

func (b *memBus) Join(string) error { return nil }

func (b *memBus) AwaitJoined(context.Context, string) error { return b.joinErr }

func (b *memBus) Send(conversationID string, sig *proto.Signal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[conversationID] {
		select {
		case ch <- sig:
		default:
		}
	}
	return nil
}

func (b *memBus) Subscribe(conversationID string) (<-chan *proto.Signal, func()) {
	ch := make(chan *proto.Signal, 64)
	b.mu.Lock()
	b.subs[conversationID] = append(b.subs[conversationID], ch)
	b.mu.Unlock()
	return ch, func() {}
}

func (b *memBus) Leave(string) {}

// fakeNegotiator mimics the signaling-state choreography of a real
// session without any media or network.
type fakeNegotiator struct {
	mu        sync.Mutex
	startErr  error
	started   bool
	closed    int
	remoteSet bool
	sigState  webrtc.SignalingState
	offers    int
	answers   int
	cands     []string
	onCand    func(webrtc.ICECandidateInit)
	onState   func(webrtc.PeerConnectionState)
}

func newFakeNegotiator() *fakeNegotiator {
	return &fakeNegotiator{sigState: webrtc.SignalingStateStable}
}

func (f *fakeNegotiator) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeNegotiator) CreateOffer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	f.sigState = webrtc.SignalingStateHaveLocalOffer
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 fake-offer"}, nil
}

func (f *fakeNegotiator) CreateAnswer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers++
	f.sigState = webrtc.SignalingStateStable
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 fake-answer"}, nil
}

func (f *fakeNegotiator) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteSet = true
	if desc.Type == webrtc.SDPTypeAnswer {
		f.sigState = webrtc.SignalingStateStable
	} else {
		f.sigState = webrtc.SignalingStateHaveRemoteOffer
	}
	return nil
}

func (f *fakeNegotiator) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cands = append(f.cands, c.Candidate)
	return nil
}

func (f *fakeNegotiator) RemoteDescriptionSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteSet
}

func (f *fakeNegotiator) SignalingState() webrtc.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sigState
}

func (f *fakeNegotiator) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	f.mu.Lock()
	f.onCand = fn
	f.mu.Unlock()
}

func (f *fakeNegotiator) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakeNegotiator) QualityTier() string { return QualityGood }

func (f *fakeNegotiator) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func (f *fakeNegotiator) fireConnected() {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(webrtc.PeerConnectionStateConnected)
	}
}

func (f *fakeNegotiator) fireCandidate(c webrtc.ICECandidateInit) {
	f.mu.Lock()
	fn := f.onCand
	f.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (f *fakeNegotiator) offerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offers
}

func (f *fakeNegotiator) answerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.answers
}

func (f *fakeNegotiator) candidates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cands))
	copy(out, f.cands)
	return out
}

func (f *fakeNegotiator) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

var testOpts = Options{
	RingTimeout:   150 * time.Millisecond,
	ReadyRetry:    20 * time.Millisecond,
	WatchdogEvery: time.Hour,
}

func newTestManager(t *testing.T, bus *memBus, selfID string, neg *fakeNegotiator) *Manager {
	t.Helper()
	factory := func(string) (Negotiator, error) { return neg, nil }
	m := New(bus, nil, factory, selfID, testOpts)
	t.Cleanup(m.Close)
	return m
}

func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func waitEvent(t *testing.T, ch chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestHappyPathCall(t *testing.T) {
	bus := newMemBus()
	negA, negB := newFakeNegotiator(), newFakeNegotiator()
	a := newTestManager(t, bus, "peer-a", negA)
	b := newTestManager(t, bus, "peer-b", negB)

	evB, cancelB := b.Subscribe()
	defer cancelB()
	evA, cancelA := a.Subscribe()
	defer cancelA()

	if err := b.WatchConversation("conv-1"); err != nil {
		t.Fatal(err)
	}
	callID, err := a.StartCall(context.Background(), "conv-1", "peer-b")
	if err != nil {
		t.Fatal(err)
	}

	incoming := waitEvent(t, evB, EventIncoming)
	if incoming.CallID != callID || incoming.From != "peer-a" {
		t.Fatalf("bad incoming event: %+v", incoming)
	}
	if b.Snapshot().State != StateRinging {
		t.Fatalf("callee state %s, want ringing", b.Snapshot().State)
	}

	if err := b.AcceptCall(context.Background(), callID); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool { return negA.offerCount() == 1 }, "no offer created")
	waitFor(t, 2*time.Second, func() bool { return negB.answerCount() == 1 }, "no answer created")
	waitFor(t, 2*time.Second, func() bool { return negA.RemoteDescriptionSet() }, "answer never processed")

	negA.fireConnected()
	negB.fireConnected()
	waitEvent(t, evA, EventConnected)
	waitEvent(t, evB, EventConnected)

	if st := a.Snapshot(); st.State != StateActive || !st.Initiator {
		t.Fatalf("caller snapshot: %+v", st)
	}

	if err := a.EndCall(); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, evB, EventEnded)
	waitFor(t, 2*time.Second, func() bool { return !a.Snapshot().Active && !b.Snapshot().Active }, "managers not idle after hangup")
	waitFor(t, 2*time.Second, func() bool { return negA.closeCount() > 0 && negB.closeCount() > 0 }, "sessions not closed")
}

func TestSecondCallRejectedWhileActive(t *testing.T) {
	bus := newMemBus()
	neg := newFakeNegotiator()
	a := newTestManager(t, bus, "peer-a", neg)

	if _, err := a.StartCall(context.Background(), "conv-1", "peer-b"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.StartCall(context.Background(), "conv-2", "peer-c"); !errors.Is(err, ErrAlreadyInCall) {
		t.Fatalf("expected ErrAlreadyInCall, got %v", err)
	}
}

func TestUnansweredCallGoesMissed(t *testing.T) {
	bus := newMemBus()
	negA, negB := newFakeNegotiator(), newFakeNegotiator()
	a := newTestManager(t, bus, "peer-a", negA)
	b := newTestManager(t, bus, "peer-b", negB)

	evA, cancelA := a.Subscribe()
	defer cancelA()
	evB, cancelB := b.Subscribe()
	defer cancelB()

	if err := b.WatchConversation("conv-1"); err != nil {
		t.Fatal(err)
	}
	callID, err := a.StartCall(context.Background(), "conv-1", "peer-b")
	if err != nil {
		t.Fatal(err)
	}

	waitEvent(t, evA, EventMissed)
	waitEvent(t, evB, EventMissed)
	waitFor(t, 2*time.Second, func() bool { return !a.Snapshot().Active && !b.Snapshot().Active }, "managers not idle after miss")

	t.Run("accept after expiry fails", func(t *testing.T) {
		if err := b.AcceptCall(context.Background(), callID); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState, got %v", err)
		}
	})
	t.Run("hangup after expiry is a no-op", func(t *testing.T) {
		if err := a.EndCall(); err != nil {
			t.Fatal(err)
		}
		select {
		case ev := <-evA:
			t.Fatalf("unexpected event after no-op hangup: %+v", ev)
		case <-time.After(100 * time.Millisecond):
		}
	})
}

func TestDeclinedCall(t *testing.T) {
	bus := newMemBus()
	negA, negB := newFakeNegotiator(), newFakeNegotiator()
	a := newTestManager(t, bus, "peer-a", negA)
	b := newTestManager(t, bus, "peer-b", negB)

	evA, cancelA := a.Subscribe()
	defer cancelA()
	evB, cancelB := b.Subscribe()
	defer cancelB()

	if err := b.WatchConversation("conv-1"); err != nil {
		t.Fatal(err)
	}
	callID, err := a.StartCall(context.Background(), "conv-1", "peer-b")
	if err != nil {
		t.Fatal(err)
	}

	waitEvent(t, evB, EventIncoming)
	if err := b.RejectCall(callID); err != nil {
		t.Fatal(err)
	}

	waitEvent(t, evA, EventDeclined)
	waitFor(t, 2*time.Second, func() bool { return !a.Snapshot().Active && !b.Snapshot().Active }, "managers not idle after decline")
	if negB.offerCount() != 0 || negB.answerCount() != 0 {
		t.Fatal("declined call must not negotiate")
	}
}

func waitSignal(t *testing.T, ch <-chan *proto.Signal, typ string) *proto.Signal {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case sig := <-ch:
			if sig.Type == typ {
				return sig
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s signal", typ)
		}
	}
}

func TestGlareResolvesToSingleOffer(t *testing.T) {
	bus := newMemBus()
	negA, negB := newFakeNegotiator(), newFakeNegotiator()
	a := newTestManager(t, bus, "peer-a", negA)
	b := newTestManager(t, bus, "peer-b", negB)

	evA, cancelA := a.Subscribe()
	defer cancelA()
	evB, cancelB := b.Subscribe()
	defer cancelB()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := a.StartCall(context.Background(), "conv-1", "peer-b"); err != nil {
			t.Errorf("a: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if _, err := b.StartCall(context.Background(), "conv-1", "peer-a"); err != nil {
			t.Errorf("b: %v", err)
		}
	}()
	wg.Wait()

	// peer-a is lexicographically smaller, so its call wins and peer-b
	// answers it. Exactly one offer exists in the whole exchange.
	waitFor(t, 2*time.Second, func() bool { return negA.offerCount() == 1 }, "winner created no offer")
	waitFor(t, 2*time.Second, func() bool { return negB.answerCount() == 1 }, "loser created no answer")
	if negB.offerCount() != 0 {
		t.Fatalf("loser created %d offers, want 0", negB.offerCount())
	}
	if negA.answerCount() != 0 {
		t.Fatalf("winner created %d answers, want 0", negA.answerCount())
	}

	negA.fireConnected()
	negB.fireConnected()
	waitEvent(t, evA, EventConnected)
	waitEvent(t, evB, EventConnected)

	sa, sb := a.Snapshot(), b.Snapshot()
	if sa.CallID != sb.CallID {
		t.Fatalf("call ids diverged: %s vs %s", sa.CallID, sb.CallID)
	}
	if !sa.Initiator || sb.Initiator {
		t.Fatalf("roles wrong: a initiator=%v, b initiator=%v", sa.Initiator, sb.Initiator)
	}
}

func TestGlareAdoptionAfterStartReachesActive(t *testing.T) {
	bus := newMemBus()
	neg := newFakeNegotiator()
	opts := testOpts
	opts.RingTimeout = 2 * time.Second
	factory := func(string) (Negotiator, error) { return neg, nil }
	b := New(bus, nil, factory, "peer-b", opts)
	t.Cleanup(b.Close)

	evB, cancelB := b.Subscribe()
	defer cancelB()

	ownID, err := b.StartCall(context.Background(), "conv-1", "peer-a")
	if err != nil {
		t.Fatal(err)
	}
	if ev := waitEvent(t, evB, EventCalling); ev.CallID != ownID {
		t.Fatalf("calling event for %s, want %s", ev.CallID, ownID)
	}

	// Tap the topic to observe what b publishes from here on.
	wire, _ := bus.Subscribe("conv-1")

	// The remote initiator's ready lands after StartCall fully returned,
	// not during its wiring. peer-a sorts before peer-b, so b must abandon
	// its own call and answer the remote one.
	remoteID := "11111111-aaaa-4aaa-8aaa-000000000001"
	ready := &proto.Signal{
		Type: proto.SignalReady, ID: "glare-ready", CallID: remoteID,
		From: "peer-a", Role: proto.RoleInitiator, TS: proto.NowMillis(),
	}
	bus.Send("conv-1", ready)

	if ev := waitEvent(t, evB, EventCalling); ev.CallID != remoteID {
		t.Fatalf("rekey event carries %s, want adopted %s", ev.CallID, remoteID)
	}
	waitFor(t, 2*time.Second, func() bool {
		s := b.Snapshot()
		return s.CallID == remoteID && !s.Initiator
	}, "demoted side did not adopt the remote call")

	offer := &proto.Signal{
		Type: proto.SignalOffer, ID: "glare-offer", CallID: remoteID,
		From: "peer-a", SDPType: "offer", SDP: "v=0 fake-offer", TS: proto.NowMillis(),
	}
	bus.Send("conv-1", offer)
	waitFor(t, 2*time.Second, func() bool { return neg.answerCount() == 1 }, "no answer created")
	if neg.offerCount() != 0 {
		t.Fatalf("demoted side created %d offers, want 0", neg.offerCount())
	}

	// Outbound candidates must be tagged with the adopted call id, not the
	// abandoned one the session was wired under.
	neg.fireCandidate(webrtc.ICECandidateInit{Candidate: "cand-x"})
	if sig := waitSignal(t, wire, proto.SignalICECandidate); sig.CallID != remoteID {
		t.Fatalf("candidate tagged %s, want %s", sig.CallID, remoteID)
	}

	neg.fireConnected()
	if ev := waitEvent(t, evB, EventConnected); ev.CallID != remoteID {
		t.Fatalf("connected event carries %s, want %s", ev.CallID, remoteID)
	}
	if st := b.Snapshot(); st.State != StateActive {
		t.Fatalf("state %s, want active", st.State)
	}
}

func TestDuplicateReadyCreatesOneOffer(t *testing.T) {
	bus := newMemBus()
	neg := newFakeNegotiator()
	a := newTestManager(t, bus, "peer-a", neg)

	callID, err := a.StartCall(context.Background(), "conv-1", "peer-b")
	if err != nil {
		t.Fatal(err)
	}

	ready := &proto.Signal{
		Type: proto.SignalReady, ID: "dup-ready", CallID: callID,
		From: "peer-b", Role: proto.RoleResponder, TS: proto.NowMillis(),
	}
	for i := 0; i < 3; i++ {
		bus.Send("conv-1", ready)
	}
	waitFor(t, 2*time.Second, func() bool { return neg.offerCount() == 1 }, "no offer created")

	// A re-announce with a fresh id must not produce a second offer either.
	again := *ready
	again.ID = "dup-ready-2"
	bus.Send("conv-1", &again)
	time.Sleep(100 * time.Millisecond)
	if n := neg.offerCount(); n != 1 {
		t.Fatalf("offer created %d times, want 1", n)
	}
}

func TestEarlyCandidatesFlushInOrder(t *testing.T) {
	bus := newMemBus()
	neg := newFakeNegotiator()
	a := newTestManager(t, bus, "peer-a", neg)

	callID, err := a.StartCall(context.Background(), "conv-1", "peer-b")
	if err != nil {
		t.Fatal(err)
	}

	ready := &proto.Signal{
		Type: proto.SignalReady, ID: "r1", CallID: callID,
		From: "peer-b", Role: proto.RoleResponder, TS: proto.NowMillis(),
	}
	bus.Send("conv-1", ready)
	waitFor(t, 2*time.Second, func() bool { return neg.offerCount() == 1 }, "no offer created")

	// Candidates beat the answer across the relay; they must buffer and
	// then apply in arrival order.
	for _, c := range []string{"cand-1", "cand-2", "cand-3"} {
		sig := &proto.Signal{
			Type: proto.SignalICECandidate, ID: "id-" + c, CallID: callID,
			From: "peer-b", Candidate: c, TS: proto.NowMillis(),
		}
		bus.Send("conv-1", sig)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(neg.candidates()); n != 0 {
		t.Fatalf("%d candidates applied before remote description", n)
	}

	answer := &proto.Signal{
		Type: proto.SignalAnswer, ID: "ans-1", CallID: callID,
		From: "peer-b", SDPType: "answer", SDP: "v=0 fake-answer", TS: proto.NowMillis(),
	}
	bus.Send("conv-1", answer)

	waitFor(t, 2*time.Second, func() bool { return len(neg.candidates()) == 3 }, "buffered candidates not applied")
	got := neg.candidates()
	for i, want := range []string{"cand-1", "cand-2", "cand-3"} {
		if got[i] != want {
			t.Fatalf("candidate order: got %v", got)
		}
	}

	// Late candidates now apply directly.
	late := &proto.Signal{
		Type: proto.SignalICECandidate, ID: "c-late", CallID: callID,
		From: "peer-b", Candidate: "cand-4", TS: proto.NowMillis(),
	}
	bus.Send("conv-1", late)
	waitFor(t, 2*time.Second, func() bool { return len(neg.candidates()) == 4 }, "late candidate not applied")
}

func TestStartCallMediaFailure(t *testing.T) {
	bus := newMemBus()
	neg := newFakeNegotiator()
	neg.startErr = ErrPermissionDenied
	a := newTestManager(t, bus, "peer-a", neg)

	if _, err := a.StartCall(context.Background(), "conv-1", "peer-b"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if a.Snapshot().Active {
		t.Fatal("failed start left a live instance")
	}
	// A retry with working media must not hit ErrAlreadyInCall.
	neg.mu.Lock()
	neg.startErr = nil
	neg.mu.Unlock()
	if _, err := a.StartCall(context.Background(), "conv-1", "peer-b"); err != nil {
		t.Fatalf("retry after media failure: %v", err)
	}
}

func TestJoinTimeoutAbortsStart(t *testing.T) {
	bus := newMemBus()
	bus.joinErr = errors.New("no remote subscribers")
	neg := newFakeNegotiator()
	a := newTestManager(t, bus, "peer-a", neg)

	if _, err := a.StartCall(context.Background(), "conv-1", "peer-b"); !errors.Is(err, ErrJoinTimeout) {
		t.Fatalf("expected ErrJoinTimeout, got %v", err)
	}
	if a.Snapshot().Active {
		t.Fatal("aborted start left a live instance")
	}
	neg.mu.Lock()
	started := neg.started
	neg.mu.Unlock()
	if started {
		t.Fatal("media must not start before the topic is confirmed")
	}
}
