package main

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/serval-project/rhizomefetch/internal/fetchengine"
)

// daemonConfig is the TOML-loadable shape of rhizomefetchd's configuration
// file, following the manifest/manifest.go idiom from the teacher pack:
// plain structs with `toml:"..."` tags, loaded with toml.Unmarshal rather
// than hand-rolled flag parsing.
type daemonConfig struct {
	ScratchDir          string      `toml:"scratch_dir"`
	ListenAddr          string      `toml:"listen_addr"`
	StatusAddr          string      `toml:"status_addr"`
	Tiers               []tierEntry `toml:"tiers"`
	Timeouts            timeouts    `toml:"timeouts"`
	Datagram            datagramCfg `toml:"datagram"`
	DialRateLimitMillis int         `toml:"dial_rate_limit_ms"`
	VersionCacheEnabled bool        `toml:"version_cache_enabled"`
}

type tierEntry struct {
	Bound    int64 `toml:"bound"`
	Capacity int   `toml:"capacity"`
}

type timeouts struct {
	IdleMillis         int `toml:"idle_ms"`
	ManifestIdleMillis int `toml:"manifest_idle_ms"`
	FetchDelayMillis   int `toml:"fetch_delay_ms"`
	IgnoreTTLSeconds   int `toml:"ignore_ttl_s"`
}

type datagramCfg struct {
	BlockSize                int `toml:"block_size"`
	WindowBlocks             int `toml:"window_blocks"`
	PayloadRetransmitMillis  int `toml:"payload_retransmit_ms"`
	ManifestRetransmitMillis int `toml:"manifest_retransmit_ms"`
}

// loadConfig reads and parses path, following chazu-maggie's manifest.Load
// shape: read the whole file, then toml.Unmarshal into a zero-valued
// struct so missing fields keep their Go zero value (handled by
// EngineOptions.setDefaults downstream).
func loadConfig(path string) (*daemonConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	var cfg daemonConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	return &cfg, nil
}

// engineOptions converts the TOML config into fetchengine.EngineOptions,
// leaving zero fields for EngineOptions.setDefaults to fill in.
func (c *daemonConfig) engineOptions() fetchengine.EngineOptions {
	opts := fetchengine.EngineOptions{
		ScratchDir:          c.ScratchDir,
		VersionCacheEnabled: c.VersionCacheEnabled,
	}
	if len(c.Tiers) > 0 {
		opts.Tiers = make([]fetchengine.TierSpec, len(c.Tiers))
		for i, t := range c.Tiers {
			opts.Tiers[i] = fetchengine.TierSpec{Bound: t.Bound, Capacity: t.Capacity}
		}
	}
	if c.Timeouts.IdleMillis > 0 {
		opts.IdleTimeout = time.Duration(c.Timeouts.IdleMillis) * time.Millisecond
	}
	if c.Timeouts.ManifestIdleMillis > 0 {
		opts.ManifestIdleTimeout = time.Duration(c.Timeouts.ManifestIdleMillis) * time.Millisecond
	}
	if c.Timeouts.FetchDelayMillis > 0 {
		opts.FetchDelay = time.Duration(c.Timeouts.FetchDelayMillis) * time.Millisecond
	}
	if c.Timeouts.IgnoreTTLSeconds > 0 {
		opts.IgnoreTTL = time.Duration(c.Timeouts.IgnoreTTLSeconds) * time.Second
	}
	if c.Datagram.BlockSize > 0 {
		opts.BlockSize = uint16(c.Datagram.BlockSize)
	}
	if c.Datagram.WindowBlocks > 0 {
		opts.WindowBlocks = uint32(c.Datagram.WindowBlocks)
	}
	if c.Datagram.PayloadRetransmitMillis > 0 {
		opts.PayloadRetransmit = time.Duration(c.Datagram.PayloadRetransmitMillis) * time.Millisecond
	}
	if c.Datagram.ManifestRetransmitMillis > 0 {
		opts.ManifestRetransmit = time.Duration(c.Datagram.ManifestRetransmitMillis) * time.Millisecond
	}
	if c.DialRateLimitMillis > 0 {
		opts.DialRateLimit = time.Duration(c.DialRateLimitMillis) * time.Millisecond
	}
	return opts
}
