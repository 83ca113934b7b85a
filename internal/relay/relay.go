// Package relay provides the topic-scoped signaling fan-out used by calls.
// One GossipSub topic per conversation; delivery is at-least-once, unordered,
// and reaches only peers subscribed at publish time. Everything stronger
// (de-duplication, rendezvous, re-announcement) is the caller's job.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/roomhive/roomhive/internal/proto"
)

// ErrJoinTimeout is returned when the topic mesh never confirmed a remote
// subscriber within the configured attempts.
var ErrJoinTimeout = errors.New("relay: join confirmation timed out")

// Client manages one GossipSub topic per conversation.
type Client struct {
	ps     *pubsub.PubSub
	selfID string

	attempts int
	backoff  time.Duration

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	name   string
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cancel context.CancelFunc

	mu      sync.Mutex
	joined  bool
	pending []*proto.Signal

	listenerMu sync.RWMutex
	listeners  map[chan *proto.Signal]struct{}
}

// New creates a relay client on top of an existing GossipSub instance.
// attempts and backoff bound the join-confirmation polling.
func New(ps *pubsub.PubSub, selfID string, attempts int, backoff time.Duration) *Client {
	if attempts <= 0 {
		attempts = 10
	}
	if backoff <= 0 {
		backoff = 300 * time.Millisecond
	}
	return &Client{
		ps:       ps,
		selfID:   selfID,
		attempts: attempts,
		backoff:  backoff,
		rooms:    make(map[string]*room),
	}
}

// Join subscribes to the conversation's signaling topic and starts the read
// loop. Idempotent. Join returns as soon as the local subscription exists;
// use AwaitJoined before sends that must reach the other side.
func (c *Client) Join(conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.rooms[conversationID]; ok {
		return nil
	}

	name := proto.CallTopic(conversationID)
	topic, err := c.ps.Join(name)
	if err != nil {
		return fmt.Errorf("relay: join topic %s: %w", name, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return fmt.Errorf("relay: subscribe %s: %w", name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &room{
		name:      name,
		topic:     topic,
		sub:       sub,
		cancel:    cancel,
		listeners: make(map[chan *proto.Signal]struct{}),
	}
	c.rooms[conversationID] = r

	go c.readLoop(ctx, r)
	log.Printf("RELAY: joined %s", name)
	return nil
}

// AwaitJoined polls the topic mesh until at least one remote peer is
// subscribed, then flushes any queued outbound signals. GossipSub has no
// join ack, so mesh membership is the only observable "joined" condition.
func (c *Client) AwaitJoined(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	r, ok := c.rooms[conversationID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("relay: not subscribed to %s", conversationID)
	}

	r.mu.Lock()
	already := r.joined
	r.mu.Unlock()
	if already {
		return nil
	}

	for i := 0; i < c.attempts; i++ {
		if len(r.topic.ListPeers()) > 0 {
			c.markJoined(r)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff):
		}
	}
	return ErrJoinTimeout
}

func (c *Client) markJoined(r *room) {
	r.mu.Lock()
	r.joined = true
	queued := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, sig := range queued {
		if err := c.publish(r, sig); err != nil {
			log.Printf("RELAY: flush %s failed: %v", sig.Type, err)
		}
	}
	if len(queued) > 0 {
		log.Printf("RELAY: flushed %d queued signals on %s", len(queued), r.name)
	}
}

// Send publishes a signal on the conversation's topic. Signals sent before
// join confirmation are queued locally and flushed by AwaitJoined — never
// silently dropped.
func (c *Client) Send(conversationID string, sig *proto.Signal) error {
	c.mu.Lock()
	r, ok := c.rooms[conversationID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("relay: not subscribed to %s", conversationID)
	}

	r.mu.Lock()
	if !r.joined {
		r.pending = append(r.pending, sig)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	return c.publish(r, sig)
}

func (c *Client) publish(r *room, sig *proto.Signal) error {
	b, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("relay: marshal signal: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.topic.Publish(ctx, b)
}

// Subscribe returns a channel of inbound signals for the conversation and a
// cancel function. Own publishes are filtered out.
func (c *Client) Subscribe(conversationID string) (<-chan *proto.Signal, func()) {
	c.mu.Lock()
	r, ok := c.rooms[conversationID]
	c.mu.Unlock()
	if !ok {
		ch := make(chan *proto.Signal)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan *proto.Signal, 64)
	r.listenerMu.Lock()
	r.listeners[ch] = struct{}{}
	r.listenerMu.Unlock()

	cancel := func() {
		r.listenerMu.Lock()
		if _, ok := r.listeners[ch]; ok {
			delete(r.listeners, ch)
			close(ch)
		}
		r.listenerMu.Unlock()
	}
	return ch, cancel
}

// Leave unsubscribes from the conversation's topic. Idempotent.
func (c *Client) Leave(conversationID string) {
	c.mu.Lock()
	r, ok := c.rooms[conversationID]
	if ok {
		delete(c.rooms, conversationID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	r.cancel()
	r.sub.Cancel()
	_ = r.topic.Close()

	r.listenerMu.Lock()
	for ch := range r.listeners {
		close(ch)
	}
	r.listeners = make(map[chan *proto.Signal]struct{})
	r.listenerMu.Unlock()
	log.Printf("RELAY: left %s", r.name)
}

// Close leaves every topic.
func (c *Client) Close() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.Leave(id)
	}
}

func (c *Client) readLoop(ctx context.Context, r *room) {
	for {
		m, err := r.sub.Next(ctx)
		if err != nil {
			return
		}

		var sig proto.Signal
		if err := json.Unmarshal(m.Data, &sig); err != nil {
			continue
		}
		if sig.Type == "" || sig.ID == "" {
			continue
		}
		// Skip own publishes — echoing SDP back to the sender would
		// corrupt the peer connection.
		if sig.From == c.selfID {
			continue
		}

		r.listenerMu.RLock()
		for ch := range r.listeners {
			select {
			case ch <- &sig:
			default:
				log.Printf("RELAY: listener full, dropping %s on %s", sig.Type, r.name)
			}
		}
		r.listenerMu.RUnlock()
	}
}
