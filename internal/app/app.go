// Package app wires the node together: config, store, identity, p2p,
// call signaling, marketplace and the local HTTP/WebSocket gateway.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/roomhive/roomhive/internal/blob"
	"github.com/roomhive/roomhive/internal/call"
	"github.com/roomhive/roomhive/internal/chat"
	"github.com/roomhive/roomhive/internal/config"
	"github.com/roomhive/roomhive/internal/identity"
	"github.com/roomhive/roomhive/internal/market"
	"github.com/roomhive/roomhive/internal/notify"
	"github.com/roomhive/roomhive/internal/p2p"
	"github.com/roomhive/roomhive/internal/proto"
	"github.com/roomhive/roomhive/internal/relay"
	"github.com/roomhive/roomhive/internal/store"
	"github.com/roomhive/roomhive/internal/util"
)

// App owns every subsystem of a running node.
type App struct {
	dir     string
	cfgPath string

	cfgMu sync.RWMutex
	cfg   config.Config

	db      *store.DB
	blobs   *blob.Store
	ident   *identity.Manager
	market  *market.Service
	peers   *p2p.PeerTable
	node    *p2p.Node
	relay   *relay.Client
	chat    *chat.Manager
	calls   *call.Manager
	gateway *notify.Gateway
	srv     *http.Server
}

// Run starts a node rooted at dir and blocks until ctx is cancelled.
func Run(ctx context.Context, dir, cfgPath string) error {
	if cfgPath == "" {
		cfgPath = filepath.Join(dir, "config.json")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a := &App{dir: dir, cfgPath: cfgPath, cfg: cfg}

	a.db, err = store.Open(util.ResolvePath(dir, cfg.Paths.DataDir))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer a.db.Close()

	baseURL := fmt.Sprintf("http://%s:%d", cfg.Gateway.Bind, cfg.Gateway.Port)
	a.blobs, err = blob.New(util.ResolvePath(dir, cfg.Paths.BlobDir), baseURL+"/blobs")
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	a.peers = p2p.NewPeerTable()
	a.node, err = p2p.New(ctx,
		cfg.P2P.ListenPort,
		util.ResolvePath(dir, cfg.Identity.KeyFile),
		cfg.P2P.MdnsTag,
		cfg.Presence.Topic,
		a.peers,
		a.profile,
		time.Duration(cfg.Presence.TTLSec)*time.Second,
	)
	if err != nil {
		return fmt.Errorf("start p2p node: %w", err)
	}
	defer a.node.Close()

	a.ident = identity.New(a.db, a.node.ID())
	a.market = market.New(a.db, a.blobs)
	a.chat = chat.New(a.node.Host, a.db, chat.DefaultBufferSize)
	a.gateway = notify.New()
	defer a.gateway.Close()

	a.relay = relay.New(a.node.PubSub(), a.node.ID(),
		cfg.Call.JoinAttempts,
		time.Duration(cfg.Call.JoinBackoffMs)*time.Millisecond,
	)
	defer a.relay.Close()

	factory := func(callID string) (call.Negotiator, error) {
		return call.NewSession(callID, a.config().Call.STUNServers), nil
	}
	a.calls = call.New(a.relay, &callHistory{db: a.db}, factory, a.node.ID(), call.Options{
		RingTimeout: time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
		ReadyRetry:  time.Duration(cfg.Call.ReadyRetrySec) * time.Second,
	})
	defer a.calls.Close()

	a.watchKnownConversations()
	a.bridgeEvents(ctx)

	a.node.RunPresenceLoop(ctx, func(msg proto.PresenceMsg) {
		a.gateway.Publish(notify.TopicPresence, msg)
	})
	a.node.RunHeartbeat(ctx, time.Duration(cfg.Presence.HeartbeatSec)*time.Second)

	if err := config.Watch(ctx, cfgPath, a.onConfigReload); err != nil {
		log.Printf("APP: config watch disabled: %v", err)
	}

	mux := http.NewServeMux()
	a.registerRoutes(mux)
	addr := fmt.Sprintf("%s:%d", cfg.Gateway.Bind, cfg.Gateway.Port)
	a.srv = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("APP: gateway listening on %s", baseURL)
		errCh <- a.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("gateway: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.srv.Shutdown(shutdownCtx)
	log.Print("APP: shut down")
	return nil
}

func (a *App) config() config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// profile feeds the presence broadcaster the current advertised fields.
func (a *App) profile() (label, email, avatarURL, city string) {
	cfg := a.config()
	var avatar string
	if p, err := a.db.GetProfile(a.node.ID()); err == nil {
		avatar = p.AvatarURL
	}
	return cfg.Profile.Label, cfg.Profile.Email, avatar, cfg.Profile.City
}

// onConfigReload applies a changed config file without restart. Only
// profile and call timing fields take effect live; ports and paths need
// a restart.
func (a *App) onConfigReload(cfg config.Config) {
	a.cfgMu.Lock()
	a.cfg.Profile = cfg.Profile
	a.cfg.Call = cfg.Call
	a.cfgMu.Unlock()
	log.Print("APP: config reloaded")
	a.node.Publish(context.Background(), proto.TypeUpdate)
}

// watchKnownConversations joins the signaling topic of every stored
// conversation so incoming calls ring without prior coordination.
func (a *App) watchKnownConversations() {
	convs, err := a.db.ListConversations(a.node.ID())
	if err != nil {
		log.Printf("APP: list conversations: %v", err)
		return
	}
	for _, c := range convs {
		if err := a.calls.WatchConversation(c.ID); err != nil {
			log.Printf("APP: watch conversation %s: %v", c.ID, err)
		}
	}
}

// bridgeEvents fans subsystem events into the WebSocket gateway.
func (a *App) bridgeEvents(ctx context.Context) {
	callEv, cancelCalls := a.calls.Subscribe()
	chatEv, cancelChat := a.chat.Subscribe()
	convEv, cancelConv := a.db.Watch("conversations")
	bookEv, cancelBook := a.db.Watch("bookings")

	go func() {
		defer cancelCalls()
		defer cancelChat()
		defer cancelConv()
		defer cancelBook()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-callEv:
				if !ok {
					return
				}
				a.gateway.Publish(notify.TopicCall, ev)
			case msg, ok := <-chatEv:
				if !ok {
					return
				}
				a.gateway.Publish(notify.TopicChat, msg)
				// A first message creates the conversation; start
				// watching its call topic right away.
				if err := a.calls.WatchConversation(msg.ConversationID); err != nil {
					log.Printf("APP: watch conversation %s: %v", msg.ConversationID, err)
				}
			case ev, ok := <-convEv:
				if !ok {
					return
				}
				a.gateway.Publish(notify.TopicStore, ev)
			case ev, ok := <-bookEv:
				if !ok {
					return
				}
				a.gateway.Publish(notify.TopicStore, ev)
			}
		}
	}()
}
