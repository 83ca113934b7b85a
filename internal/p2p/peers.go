package p2p

import (
	"context"
	"sort"
	"sync"
	"time"
)

// PeerInfo is one known marketplace peer.
type PeerInfo struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Email     string    `json:"email"`
	AvatarURL string    `json:"avatarUrl"`
	City      string    `json:"city"`
	LastSeen  time.Time `json:"lastSeen"`
}

// PeerTable tracks currently-online peers from presence messages.
type PeerTable struct {
	mu    sync.RWMutex
	peers map[string]PeerInfo
}

func NewPeerTable() *PeerTable {
	return &PeerTable{peers: make(map[string]PeerInfo)}
}

func (t *PeerTable) Upsert(id, label, email, avatarURL, city string) {
	t.mu.Lock()
	t.peers[id] = PeerInfo{
		ID:        id,
		Label:     label,
		Email:     email,
		AvatarURL: avatarURL,
		City:      city,
		LastSeen:  time.Now(),
	}
	t.mu.Unlock()
}

func (t *PeerTable) Remove(id string) {
	t.mu.Lock()
	delete(t.peers, id)
	t.mu.Unlock()
}

func (t *PeerTable) Get(id string) (PeerInfo, bool) {
	t.mu.RLock()
	p, ok := t.peers[id]
	t.mu.RUnlock()
	return p, ok
}

// List returns all online peers sorted by label.
func (t *PeerTable) List() []PeerInfo {
	t.mu.RLock()
	out := make([]PeerInfo, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

// RunExpiry drops peers whose presence has not been refreshed within ttl.
func (t *PeerTable) RunExpiry(ctx context.Context, ttl time.Duration) {
	if ttl <= 0 {
		ttl = 20 * time.Second
	}
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-ttl)
			t.mu.Lock()
			for id, p := range t.peers {
				if p.LastSeen.Before(cutoff) {
					delete(t.peers, id)
				}
			}
			t.mu.Unlock()
		}
	}
}
