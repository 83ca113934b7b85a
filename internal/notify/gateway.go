// Package notify pushes live events (calls, chat, store changes,
// presence) to connected UI clients over a WebSocket feed.
package notify

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roomhive/roomhive/internal/proto"
	"github.com/roomhive/roomhive/internal/util"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The gateway binds to loopback; the UI may load from file:// too.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Topics carried on the feed.
const (
	TopicCall     = "call"
	TopicChat     = "chat"
	TopicStore    = "store"
	TopicPresence = "presence"
)

// Frame is one event pushed to a client.
type Frame struct {
	Topic string `json:"topic"`
	Data  any    `json:"data"`
	TS    int64  `json:"ts"`
}

// Gateway fans events out to every connected client. Slow clients drop
// frames rather than stall the publishers.
type Gateway struct {
	mu     sync.Mutex
	conns  map[chan Frame]struct{}
	closed bool
}

func New() *Gateway {
	return &Gateway{conns: make(map[chan Frame]struct{})}
}

// Publish pushes one event to all connected clients. Never blocks.
func (g *Gateway) Publish(topic string, data any) {
	frame := Frame{Topic: topic, Data: data, TS: proto.NowMillis()}
	g.mu.Lock()
	for ch := range g.conns {
		select {
		case ch <- frame:
		default:
		}
	}
	g.mu.Unlock()
}

// Handler upgrades the request and streams frames until the client goes
// away.
func (g *Gateway) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("NOTIFY: upgrade error: %v", err)
			return
		}
		defer conn.Close()

		ch := make(chan Frame, 64)
		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			return
		}
		g.conns[ch] = struct{}{}
		g.mu.Unlock()
		defer func() {
			g.mu.Lock()
			delete(g.conns, ch)
			g.mu.Unlock()
		}()
		log.Printf("NOTIFY: client connected (%d total)", g.clientCount())

		// Drain client frames (ping/pong, close) without blocking the
		// write loop.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(30 * time.Second)
		defer ping.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-done:
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(util.ShortTimeout)); err != nil {
					return
				}
			case frame := <-ch:
				if err := conn.WriteJSON(frame); err != nil {
					return
				}
			}
		}
	}
}

func (g *Gateway) clientCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Close stops accepting clients. Existing write loops exit when their
// clients disconnect.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}
