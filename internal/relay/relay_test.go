package relay

import (
	"context"
	"testing"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/roomhive/roomhive/internal/proto"
)

func newTestPeer(t *testing.T, ctx context.Context) (host.Host, *pubsub.PubSub) {
	t.Helper()
	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Close() })

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		t.Fatal(err)
	}
	return h, ps
}

func TestRelayDelivery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hA, psA := newTestPeer(t, ctx)
	hB, psB := newTestPeer(t, ctx)

	if err := hB.Connect(ctx, peer.AddrInfo{ID: hA.ID(), Addrs: hA.Addrs()}); err != nil {
		t.Fatal(err)
	}

	a := New(psA, hA.ID().String(), 40, 250*time.Millisecond)
	b := New(psB, hB.ID().String(), 40, 250*time.Millisecond)
	defer a.Close()
	defer b.Close()

	const conv = "conv-relay-test"
	if err := a.Join(conv); err != nil {
		t.Fatal(err)
	}
	if err := b.Join(conv); err != nil {
		t.Fatal(err)
	}

	// Both sides must see the other in the topic mesh before sends count.
	if err := a.AwaitJoined(ctx, conv); err != nil {
		t.Fatal(err)
	}
	if err := b.AwaitJoined(ctx, conv); err != nil {
		t.Fatal(err)
	}

	recv, stop := b.Subscribe(conv)
	defer stop()

	// The relay is at-least-once, not exactly-once: re-send until the
	// subscriber reports receipt, as the call protocol itself does.
	sig := proto.NewSignal(proto.SignalReady, "call-1", hA.ID().String())
	sig.Role = proto.RoleInitiator

	deadline := time.After(15 * time.Second)
	resend := time.NewTicker(200 * time.Millisecond)
	defer resend.Stop()

	if err := a.Send(conv, sig); err != nil {
		t.Fatal(err)
	}
	for {
		select {
		case got := <-recv:
			if got.Type != proto.SignalReady || got.CallID != "call-1" {
				t.Fatalf("unexpected signal: %+v", got)
			}
			if got.From != hA.ID().String() {
				t.Fatalf("wrong sender: %s", got.From)
			}
			return
		case <-resend.C:
			if err := a.Send(conv, sig); err != nil {
				t.Fatal(err)
			}
		case <-deadline:
			t.Fatal("signal never delivered")
		}
	}
}

func TestRelayQueuesBeforeJoin(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hA, psA := newTestPeer(t, ctx)
	hB, psB := newTestPeer(t, ctx)

	if err := hB.Connect(ctx, peer.AddrInfo{ID: hA.ID(), Addrs: hA.Addrs()}); err != nil {
		t.Fatal(err)
	}

	a := New(psA, hA.ID().String(), 40, 250*time.Millisecond)
	b := New(psB, hB.ID().String(), 40, 250*time.Millisecond)
	defer a.Close()
	defer b.Close()

	const conv = "conv-queue-test"
	if err := a.Join(conv); err != nil {
		t.Fatal(err)
	}

	// Send before any join confirmation — must queue, not error, not drop.
	sig := proto.NewSignal(proto.SignalReady, "call-q", hA.ID().String())
	if err := a.Send(conv, sig); err != nil {
		t.Fatal(err)
	}

	if err := b.Join(conv); err != nil {
		t.Fatal(err)
	}
	recv, stop := b.Subscribe(conv)
	defer stop()

	// AwaitJoined flushes the queue once B's subscription is visible.
	if err := a.AwaitJoined(ctx, conv); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(15 * time.Second)
	resend := time.NewTicker(200 * time.Millisecond)
	defer resend.Stop()
	for {
		select {
		case got := <-recv:
			if got.CallID != "call-q" {
				t.Fatalf("unexpected signal: %+v", got)
			}
			return
		case <-resend.C:
			_ = a.Send(conv, sig)
		case <-deadline:
			t.Fatal("queued signal never delivered")
		}
	}
}

func TestLeaveIdempotent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hA, psA := newTestPeer(t, ctx)
	a := New(psA, hA.ID().String(), 5, 100*time.Millisecond)

	if err := a.Join("conv-x"); err != nil {
		t.Fatal(err)
	}
	a.Leave("conv-x")
	a.Leave("conv-x") // second leave must be a no-op
	a.Leave("never-joined")
}

func TestAwaitJoinedTimesOut(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hA, psA := newTestPeer(t, ctx)
	a := New(psA, hA.ID().String(), 3, 50*time.Millisecond)

	if err := a.Join("conv-alone"); err != nil {
		t.Fatal(err)
	}
	// Nobody else exists, so confirmation must fail.
	if err := a.AwaitJoined(ctx, "conv-alone"); err != ErrJoinTimeout {
		t.Fatalf("expected ErrJoinTimeout, got %v", err)
	}
}
