// Package config holds a peer process's startup configuration: its own
// identity and bind address, the peer map, and the cluster's timing
// tunables (heartbeat and election intervals, failure thresholds, socket
// buffer sizing, inbound rate limits).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ghostveil/cluster/internal/validation"
)

// Config holds a single peer's runtime configuration.
type Config struct {
	PeerID      uint32
	BindAddress string
	HealthAddress string
	Peers       map[uint32]string // peer id -> "host:port", includes self

	HeartbeatInterval       time.Duration
	FailureDetectorInterval time.Duration
	FailureThreshold        time.Duration
	StartupGracePeriod      time.Duration
	PeerLoadCacheTTL        time.Duration

	ElectionStartupGrace time.Duration
	ElectionSafetyNetInterval time.Duration
	ElectionHysteresis   float64

	SocketBufferBytes int

	MaxInFlightPerSourceRPS float64
	MaxInFlightPerSourceBurst int
}

// DefaultConfig returns the cluster's default timing and sizing tunables.
func DefaultConfig() *Config {
	return &Config{
		Peers: make(map[uint32]string),

		HeartbeatInterval:       2 * time.Second,
		FailureDetectorInterval: 3 * time.Second,
		FailureThreshold:        10 * time.Second,
		StartupGracePeriod:      15 * time.Second,
		PeerLoadCacheTTL:        5 * time.Second,

		ElectionStartupGrace:      5 * time.Second,
		ElectionSafetyNetInterval: 60 * time.Second,
		ElectionHysteresis:        0.20,

		SocketBufferBytes: 8 * 1024 * 1024,

		MaxInFlightPerSourceRPS:   50,
		MaxInFlightPerSourceBurst: 100,
	}
}

// PeerMapFile is the on-disk JSON shape for the peer map: id -> address.
type PeerMapFile map[string]string

// LoadPeerMap reads a JSON peer map (id -> "host:port") from path and
// validates every address.
func LoadPeerMap(path string) (map[uint32]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading peer map: %w", err)
	}
	var raw PeerMapFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing peer map: %w", err)
	}
	peers := make(map[uint32]string, len(raw))
	for idStr, addr := range raw {
		var id uint32
		if _, err := fmt.Sscanf(idStr, "%d", &id); err != nil {
			return nil, fmt.Errorf("invalid peer id %q: %w", idStr, err)
		}
		if err := validation.ValidateAddr(addr); err != nil {
			return nil, fmt.Errorf("peer %d: %w", id, err)
		}
		peers[id] = addr
	}
	return peers, nil
}

// Validate checks that the configuration is self-consistent: this peer's
// id must be present in its own peer map at its own bind address.
func (c *Config) Validate() error {
	if err := validation.ValidateAddr(c.BindAddress); err != nil {
		return fmt.Errorf("bind address: %w", err)
	}
	addr, ok := c.Peers[c.PeerID]
	if !ok {
		return fmt.Errorf("peer map missing self (id %d)", c.PeerID)
	}
	if addr != c.BindAddress {
		return fmt.Errorf("peer map entry for self (%s) does not match bind address (%s)", addr, c.BindAddress)
	}
	return nil
}
