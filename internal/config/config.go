package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/roomhive/roomhive/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Paths    Paths    `json:"paths"`
	P2P      P2P      `json:"p2p"`
	Presence Presence `json:"presence"`
	Profile  Profile  `json:"profile"`
	Call     Call     `json:"call"`
	Gateway  Gateway  `json:"gateway"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type Paths struct {
	DataDir string `json:"data_dir"`
	BlobDir string `json:"blob_dir"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`
}

type Presence struct {
	Topic        string `json:"topic"`
	TTLSec       int    `json:"ttl_seconds"`
	HeartbeatSec int    `json:"heartbeat_seconds"`
}

type Profile struct {
	Label string `json:"label"`
	Email string `json:"email"`
	City  string `json:"city"`
}

type Call struct {
	// RingTimeoutSec is how long either side waits before a call is missed.
	RingTimeoutSec int `json:"ring_timeout_seconds"`

	// ReadyRetrySec is the re-announce interval for ready signals while the
	// offer/answer exchange has not completed.
	ReadyRetrySec int `json:"ready_retry_seconds"`

	// JoinAttempts/JoinBackoffMs bound the polling for signaling-topic join
	// confirmation before a call attempt is aborted.
	JoinAttempts  int `json:"join_attempts"`
	JoinBackoffMs int `json:"join_backoff_ms"`

	STUNServers []string `json:"stun_servers"`
}

type Gateway struct {
	Bind string `json:"bind"`
	Port int    `json:"port"`
}

// Default returns a config populated with working defaults, rooted at dir.
func Default(dir string) Config {
	return Config{
		Identity: Identity{KeyFile: "identity.key"},
		Paths:    Paths{DataDir: "data", BlobDir: "blobs"},
		P2P:      P2P{ListenPort: 0, MdnsTag: "roomhive-mdns"},
		Presence: Presence{Topic: "roomhive.presence.v1", TTLSec: 20, HeartbeatSec: 10},
		Profile:  Profile{Label: defaultLabel(dir)},
		Call: Call{
			RingTimeoutSec: 10,
			ReadyRetrySec:  2,
			JoinAttempts:   10,
			JoinBackoffMs:  300,
			STUNServers:    []string{"stun:stun.l.google.com:19302"},
		},
		Gateway: Gateway{Bind: "127.0.0.1", Port: 8930},
	}
}

func defaultLabel(dir string) string {
	if b := filepath.Base(dir); b != "." && b != string(filepath.Separator) {
		return b
	}
	return "roomhive"
}

// Load reads and validates a config file. If the file does not exist, a
// default config is written to path and returned.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := Default(filepath.Dir(path))
		if err := Save(path, cfg); err != nil {
			return Config{}, fmt.Errorf("write default config: %w", err)
		}
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default(filepath.Dir(path))
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes the config as indented JSON.
func Save(path string, cfg Config) error {
	return util.WriteJSONFile(path, cfg)
}

// Validate checks field ranges. Zero values that have safe defaults are
// filled in rather than rejected.
func (c *Config) Validate() error {
	if c.Identity.KeyFile == "" {
		return errors.New("config: identity.key_file is empty")
	}
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return fmt.Errorf("config: invalid p2p.listen_port %d", c.P2P.ListenPort)
	}
	if c.Presence.Topic == "" {
		return errors.New("config: presence.topic is empty")
	}
	if c.Presence.TTLSec <= 0 {
		c.Presence.TTLSec = 20
	}
	if c.Presence.HeartbeatSec <= 0 {
		c.Presence.HeartbeatSec = 10
	}
	if c.Call.RingTimeoutSec <= 0 {
		c.Call.RingTimeoutSec = 10
	}
	if c.Call.ReadyRetrySec <= 0 {
		c.Call.ReadyRetrySec = 2
	}
	if c.Call.JoinAttempts <= 0 {
		c.Call.JoinAttempts = 10
	}
	if c.Call.JoinBackoffMs <= 0 {
		c.Call.JoinBackoffMs = 300
	}
	if len(c.Call.STUNServers) == 0 {
		c.Call.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("config: invalid gateway.port %d", c.Gateway.Port)
	}
	return nil
}
