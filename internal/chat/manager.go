// Package chat handles direct messages between peers over a libp2p stream
// protocol. Messages persist to the store; a ring buffer keeps the recent
// window hot for the UI.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/roomhive/roomhive/internal/proto"
	"github.com/roomhive/roomhive/internal/store"
	"github.com/roomhive/roomhive/internal/util"
)

// DefaultBufferSize is the default number of messages kept in memory.
const DefaultBufferSize = 200

// Manager handles chat operations for a peer.
type Manager struct {
	host   host.Host
	db     *store.DB
	selfID string

	mu        sync.RWMutex
	recent    *util.RingBuffer[*Message]
	listeners map[chan *Message]struct{}
}

// New registers the chat stream handler and returns the manager.
func New(h host.Host, db *store.DB, bufferSize int) *Manager {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	m := &Manager{
		host:      h,
		db:        db,
		selfID:    h.ID().String(),
		recent:    util.NewRingBuffer[*Message](bufferSize),
		listeners: make(map[chan *Message]struct{}),
	}
	h.SetStreamHandler(protocol.ID(proto.ChatProtoID), m.handleStream)
	return m
}

// SendDirect sends a direct message to a peer and persists it locally.
func (m *Manager) SendDirect(ctx context.Context, toPeerID, body string) (*Message, error) {
	pid, err := peer.Decode(toPeerID)
	if err != nil {
		return nil, fmt.Errorf("invalid peer id: %w", err)
	}

	msg := NewMessage(m.selfID, toPeerID, body)
	if _, err := m.db.EnsureConversation(m.selfID, toPeerID); err != nil {
		return nil, err
	}

	stream, err := m.host.NewStream(ctx, pid, protocol.ID(proto.ChatProtoID))
	if err != nil {
		return nil, fmt.Errorf("open chat stream: %w", err)
	}
	defer stream.Close()

	if err := json.NewEncoder(stream).Encode(msg); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	m.record(msg)
	log.Printf("CHAT: sent message to %s", toPeerID)
	return msg, nil
}

func (m *Manager) handleStream(s network.Stream) {
	defer s.Close()
	remote := s.Conn().RemotePeer().String()

	_ = s.SetReadDeadline(time.Now().Add(30 * time.Second))

	var msg Message
	if err := json.NewDecoder(s).Decode(&msg); err != nil {
		log.Printf("CHAT: decode error from %s: %v", remote, err)
		return
	}
	// The stream peer is authoritative for the sender field.
	if msg.From != remote {
		log.Printf("CHAT: sender mismatch from %s, dropping", remote)
		return
	}
	if msg.ConversationID == "" {
		msg.ConversationID = store.ConversationID(msg.From, m.selfID)
	}

	if _, err := m.db.EnsureConversation(msg.From, m.selfID); err != nil {
		log.Printf("CHAT: conversation error: %v", err)
		return
	}
	m.record(&msg)
	log.Printf("CHAT: received message from %s", remote)
}

// record persists a message and fans it out to listeners.
func (m *Manager) record(msg *Message) {
	if err := m.db.AppendMessage(msg.toStore()); err != nil {
		log.Printf("CHAT: persist error: %v", err)
	}
	m.recent.Push(msg)

	m.mu.RLock()
	for ch := range m.listeners {
		select {
		case ch <- msg:
		default:
		}
	}
	m.mu.RUnlock()
}

// Subscribe returns a channel of live messages and a cancel function.
func (m *Manager) Subscribe() (ch chan *Message, cancel func()) {
	ch = make(chan *Message, 32)
	m.mu.Lock()
	m.listeners[ch] = struct{}{}
	m.mu.Unlock()

	cancel = func() {
		m.mu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.mu.Unlock()
	}
	return ch, cancel
}

// Recent returns up to n most recent messages, oldest first.
func (m *Manager) Recent(n int) []*Message {
	return m.recent.Last(n)
}
