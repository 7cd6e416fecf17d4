package config

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// TLSConfig holds paths to the PEM files needed for mTLS.
// When nil or all paths empty, the node falls back to plain TCP.
type TLSConfig struct {
	CACert   string `json:"ca_cert"`   // CA certificate PEM path
	NodeCert string `json:"node_cert"` // node certificate PEM path
	NodeKey  string `json:"node_key"`  // node private key PEM path
}

// RegionPeer identifies a remote region's sync endpoint to connect to on
// startup.
type RegionPeer struct {
	RegionID string `json:"region_id"`
	Addr     string `json:"addr"` // host:port
}

// Config holds all node configuration: identity, region placement, the
// four cadence intervals the spec names, and the signer backend choice.
type Config struct {
	NodeID           string   `json:"node_id"`
	PrimaryRegion    string   `json:"primary_region"`
	SecondaryRegions []string `json:"secondary_regions,omitempty"`

	Stake          uint64 `json:"stake"`           // this node's leader-election weight
	IsLeader       bool   `json:"is_leader"`       // whether this node registers itself as a leader candidate
	IsValidator    bool   `json:"is_validator"`    // whether this node registers itself as a validator
	SignerBackend  string `json:"signer_backend"`  // "ed25519" | "simulated"
	TargetHashRate int    `json:"target_hash_rate"` // hashes/sec the pulse generator aims for

	SlotDurationMS      int `json:"slot_duration_ms"`
	HeartbeatIntervalMS int `json:"heartbeat_interval_ms"`
	NodeTimeoutMS       int `json:"node_timeout_ms"`
	SyncIntervalMS      int `json:"sync_interval_ms"`

	HeartbeatAddr string       `json:"heartbeat_addr"` // host:port this node's heartbeat listener binds to
	SyncAddr      string       `json:"sync_addr"`      // host:port this node's region-sync listener binds to
	SeedRegions   []RegionPeer `json:"seed_regions,omitempty"`
	TLS           *TLSConfig   `json:"tls,omitempty"` // nil → plain TCP

	EnvConfigPath string `json:"env_config_path,omitempty"` // path to the env-source JSON document; empty → no sources
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	return &Config{
		NodeID:              "node0",
		PrimaryRegion:       "region-dev",
		Stake:               1,
		IsLeader:            true,
		IsValidator:         true,
		SignerBackend:       "ed25519",
		TargetHashRate:      10_000,
		SlotDurationMS:      400,
		HeartbeatIntervalMS: 100,
		NodeTimeoutMS:       2000,
		SyncIntervalMS:      1000,
		HeartbeatAddr:       ":7946",
		SyncAddr:            ":7947",
	}
}

// Load reads a JSON config file from path and validates required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required fields are present and well-formed.
// Failures here are the ConfigError kind in spec.md §7: fatal at startup.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if c.PrimaryRegion == "" {
		return fmt.Errorf("primary_region must not be empty")
	}
	if c.SignerBackend != "ed25519" && c.SignerBackend != "simulated" {
		return fmt.Errorf("signer_backend must be %q or %q, got %q", "ed25519", "simulated", c.SignerBackend)
	}
	if c.TargetHashRate <= 0 {
		return fmt.Errorf("target_hash_rate must be positive, got %d", c.TargetHashRate)
	}
	if c.SlotDurationMS <= 0 {
		return fmt.Errorf("slot_duration_ms must be positive, got %d", c.SlotDurationMS)
	}
	if c.HeartbeatIntervalMS <= 0 {
		return fmt.Errorf("heartbeat_interval_ms must be positive, got %d", c.HeartbeatIntervalMS)
	}
	if c.NodeTimeoutMS <= c.HeartbeatIntervalMS {
		return fmt.Errorf("node_timeout_ms (%d) must exceed heartbeat_interval_ms (%d)", c.NodeTimeoutMS, c.HeartbeatIntervalMS)
	}
	if c.SyncIntervalMS <= 0 {
		return fmt.Errorf("sync_interval_ms must be positive, got %d", c.SyncIntervalMS)
	}
	if c.HeartbeatAddr == "" {
		return fmt.Errorf("heartbeat_addr must not be empty")
	}
	if c.SyncAddr == "" {
		return fmt.Errorf("sync_addr must not be empty")
	}
	if c.HeartbeatAddr == c.SyncAddr {
		return fmt.Errorf("heartbeat_addr and sync_addr must not be the same (%s)", c.HeartbeatAddr)
	}
	for i, r := range c.SeedRegions {
		if r.RegionID == "" || r.Addr == "" {
			return fmt.Errorf("seed_regions[%d]: region_id and addr are required", i)
		}
	}
	if c.TLS != nil {
		t := c.TLS
		allSet := t.CACert != "" && t.NodeCert != "" && t.NodeKey != ""
		allEmpty := t.CACert == "" && t.NodeCert == "" && t.NodeKey == ""
		if !allSet && !allEmpty {
			return fmt.Errorf("tls: all three paths (ca_cert, node_cert, node_key) must be set or all empty")
		}
	}
	return nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// SlotDuration returns the slot cadence as a time.Duration.
func (c *Config) SlotDuration() time.Duration { return time.Duration(c.SlotDurationMS) * time.Millisecond }

// HeartbeatInterval returns the heartbeat send cadence as a time.Duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// NodeTimeout returns the peer liveness timeout as a time.Duration.
func (c *Config) NodeTimeout() time.Duration { return time.Duration(c.NodeTimeoutMS) * time.Millisecond }

// SyncInterval returns the region-sync cadence as a time.Duration.
func (c *Config) SyncInterval() time.Duration { return time.Duration(c.SyncIntervalMS) * time.Millisecond }

// LoadTLSConfig builds the mTLS *tls.Config regionsync's Hub listens and
// dials with, from the PEM paths in cfg. If cfg is nil or every path is
// empty it returns (nil, nil): the caller falls back to plain TCP, per
// spec.md §9's "TLS is optional" note.
func LoadTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	if cfg == nil || (cfg.CACert == "" && cfg.NodeCert == "" && cfg.NodeKey == "") {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.NodeCert, cfg.NodeKey)
	if err != nil {
		return nil, fmt.Errorf("load node cert/key: %w", err)
	}

	caPEM, err := os.ReadFile(cfg.CACert)
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    caPool,
		RootCAs:      caPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

