package call

import (
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/roomhive/roomhive/internal/proto"
)

func TestTransitions(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateIdle, StateCalling, true},
		{StateIdle, StateRinging, true},
		{StateIdle, StateActive, false},
		{StateCalling, StateConnecting, true},
		{StateCalling, StateActive, true},
		{StateCalling, StateMissed, true},
		{StateCalling, StateRinging, false},
		{StateRinging, StateConnecting, true},
		{StateRinging, StateDeclined, true},
		{StateRinging, StateActive, false},
		{StateConnecting, StateActive, true},
		{StateActive, StateEnded, true},
		{StateActive, StateMissed, false},
		{StateEnded, StateCalling, false},
		{StateMissed, StateActive, false},
	}
	for _, c := range cases {
		inst := newInstance("c1", "conv", true)
		inst.state = c.from
		err := inst.to(c.to)
		if c.ok && err != nil {
			t.Errorf("%s -> %s: unexpected error %v", c.from, c.to, err)
		}
		if !c.ok && err == nil {
			t.Errorf("%s -> %s: expected rejection", c.from, c.to)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []State{StateEnded, StateMissed, StateDeclined} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StateIdle, StateCalling, StateRinging, StateConnecting, StateActive} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestSeenDeduplicates(t *testing.T) {
	inst := newInstance("c1", "conv", true)
	if inst.seen("sig-1") {
		t.Fatal("first delivery marked as seen")
	}
	if !inst.seen("sig-1") {
		t.Fatal("redelivery not detected")
	}
	if inst.seen("sig-2") {
		t.Fatal("unrelated signal marked as seen")
	}
}

func TestReadyComplete(t *testing.T) {
	inst := newInstance("c1", "conv", true)
	if inst.readyComplete() {
		t.Fatal("empty ready set complete")
	}
	inst.markReady(proto.RoleInitiator)
	if inst.readyComplete() {
		t.Fatal("single role complete")
	}
	inst.markReady(proto.RoleInitiator) // re-announce is a no-op
	if inst.readyComplete() {
		t.Fatal("duplicate role counted twice")
	}
	inst.markReady(proto.RoleResponder)
	if !inst.readyComplete() {
		t.Fatal("both roles present but not complete")
	}
}

func TestCandidateQueueOrder(t *testing.T) {
	inst := newInstance("c1", "conv", false)
	for _, c := range []string{"cand-a", "cand-b", "cand-c"} {
		inst.queueCandidate(webrtc.ICECandidateInit{Candidate: c})
	}
	got := inst.drainCandidates()
	if len(got) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(got))
	}
	for i, want := range []string{"cand-a", "cand-b", "cand-c"} {
		if got[i].Candidate != want {
			t.Errorf("position %d: got %s, want %s", i, got[i].Candidate, want)
		}
	}
	if len(inst.drainCandidates()) != 0 {
		t.Fatal("drain did not empty the queue")
	}
}

func TestInstanceID(t *testing.T) {
	a := InstanceID("call-1", "conv-x")
	b := InstanceID("call-1", "conv-y")
	if a == b {
		t.Fatal("same call id on different conversations must differ")
	}
	if a != InstanceID("call-1", "conv-x") {
		t.Fatal("instance id not deterministic")
	}
}
