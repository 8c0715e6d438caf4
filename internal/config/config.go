// Package config loads the gossip node's TOML configuration, in the
// teacher's shape (internal/daemon/config_test.go): one struct per
// concern, a DefaultConfig() that matches what a fresh node needs with no
// file at all, and a thin Load(path) wrapper around a third-party TOML
// decoder rather than a hand-rolled parser.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// NodeConfig names this process within the overlay and its listen/debug
// surface. Transport binding itself is out of this core's scope (spec.md
// §1) — ListenAddr/DebugAddr are carried through for the CLI layer.
type NodeConfig struct {
	ListenAddr string `toml:"listen_addr"`
	DebugAddr  string `toml:"debug_addr"`
}

// SwimConfig mirrors swim.Config with human-readable durations.
type SwimConfig struct {
	ProbePeriod    string `toml:"probe_period"`
	AckTimeout     string `toml:"ack_timeout"`
	SuspectTimeout string `toml:"suspect_timeout"`
	IndirectProbes int    `toml:"indirect_probes"`
	MaxPeers       int    `toml:"max_peers"`
}

// OverlayConfig mirrors hyparview.Config with human-readable durations.
type OverlayConfig struct {
	ActiveTarget   int    `toml:"active_target"`
	ActiveMax      int    `toml:"active_max"`
	PassiveMax     int    `toml:"passive_max"`
	ARWL           int    `toml:"arwl"`
	PRWL           int    `toml:"prwl"`
	ShufflePeriod  string `toml:"shuffle_period"`
	MaintainPeriod string `toml:"maintain_period"`
	Ka             int    `toml:"ka"`
	Kp             int    `toml:"kp"`
}

// PlumtreeConfig mirrors plumtree.Config with human-readable durations.
type PlumtreeConfig struct {
	IHaveFlushPeriod     string `toml:"ihave_flush_period"`
	IHaveBatchCap        int    `toml:"ihave_batch_cap"`
	CacheCleanPeriod     string `toml:"cache_clean_period"`
	CacheTTL             string `toml:"cache_ttl"`
	DegreeMaintainPeriod string `toml:"degree_maintain_period"`
	EagerTarget          int    `toml:"eager_target"`
	EagerMax             int    `toml:"eager_max"`
	IWantRetryPeriod     string `toml:"iwant_retry_period"`
	IWantRetryBudget     int    `toml:"iwant_retry_budget"`
	CacheCap             int    `toml:"cache_cap"`
	PendingIHaveCap      int    `toml:"pending_ihave_cap"`
	OutstandingCap       int    `toml:"outstanding_cap"`
}

// MetricsConfig controls the optional Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// DebugAPIConfig controls the optional read-only introspection endpoint.
type DebugAPIConfig struct {
	Enabled bool `toml:"enabled"`
}

// Config is the full on-disk node configuration.
type Config struct {
	Node     NodeConfig     `toml:"node"`
	Swim     SwimConfig     `toml:"swim"`
	Overlay  OverlayConfig  `toml:"overlay"`
	Plumtree PlumtreeConfig `toml:"plumtree"`
	Metrics  MetricsConfig  `toml:"metrics"`
	DebugAPI DebugAPIConfig `toml:"debug_api"`
}

// DefaultConfig returns the parameters a node runs with when no config
// file is supplied, matching the defaults named throughout spec.md §4.
func DefaultConfig() Config {
	return Config{
		Node: NodeConfig{
			ListenAddr: "0.0.0.0:7946",
			DebugAddr:  "127.0.0.1:7947",
		},
		Swim: SwimConfig{
			ProbePeriod:    "1s",
			AckTimeout:     "200ms",
			SuspectTimeout: "3s",
			IndirectProbes: 0,
			MaxPeers:       100_000,
		},
		Overlay: OverlayConfig{
			ActiveTarget:   6,
			ActiveMax:      12,
			PassiveMax:     128,
			ARWL:           6,
			PRWL:           3,
			ShufflePeriod:  "30s",
			MaintainPeriod: "10s",
			Ka:             3,
			Kp:             4,
		},
		Plumtree: PlumtreeConfig{
			IHaveFlushPeriod:     "100ms",
			IHaveBatchCap:        1024,
			CacheCleanPeriod:     "60s",
			CacheTTL:             "300s",
			DegreeMaintainPeriod: "30s",
			EagerTarget:          6,
			EagerMax:             12,
			IWantRetryPeriod:     "2s",
			IWantRetryBudget:     3,
			CacheCap:             10_000,
			PendingIHaveCap:      100_000,
			OutstandingCap:       10_000,
		},
		Metrics:  MetricsConfig{Enabled: true, Path: "/metrics"},
		DebugAPI: DebugAPIConfig{Enabled: true},
	}
}

// Load reads and decodes a TOML config file, layering it over
// DefaultConfig so a partial file only overrides what it sets.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

// parseDuration wraps time.ParseDuration with the field name in the error,
// matching the teacher's style of a thin named-parse helper
// (internal/daemon's parseStorageSize) rather than propagating a bare
// stdlib error.
func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config: invalid duration for %s (%q): %w", field, value, err)
	}
	return d, nil
}
