// Package config loads the JSON configuration shared by the client and
// the relay binary. The file path comes from the QUICR_CONFIG
// environment variable; defaults apply when it is unset.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"quicr/internal/logging"
)

// Log mirrors the nested "log" object in config.json.
type Log struct {
	Level      string `json:"level"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"maxSizeMb"`
	MaxBackups int    `json:"maxBackups"`
	MaxAgeDays int    `json:"maxAgeDays"`
}

// Rate mirrors the rate controller's configurable bitrate triple.
type Rate struct {
	MinBitrateKbps   uint64 `json:"minBitrateKbps"`
	StartBitrateKbps uint64 `json:"startBitrateKbps"`
	MaxBitrateKbps   uint64 `json:"maxBitrateKbps"`
}

// RelayOptions configures the relay binary: its listen address, the
// handshake cookie's TTL, the FIB's stale-subscriber sweep interval, and
// the debug fake-loss fan-out filter.
type RelayOptions struct {
	ListenAddr      string `json:"listenAddr"`
	CookieTTLMs     int    `json:"cookieTtlMs"`
	FIBGCIntervalMs int    `json:"fibGcIntervalMs"`
	FakeLossDebug   bool   `json:"fakeLossDebug"`
}

// CookieTTL returns the configured cookie TTL as a time.Duration.
func (r RelayOptions) CookieTTL() time.Duration {
	return time.Duration(r.CookieTTLMs) * time.Millisecond
}

// FIBGCInterval returns the configured FIB sweep interval.
func (r RelayOptions) FIBGCInterval() time.Duration {
	return time.Duration(r.FIBGCIntervalMs) * time.Millisecond
}

// Config is the top-level shape of config.json.
type Config struct {
	Log   Log          `json:"log"`
	Rate  Rate         `json:"rate"`
	Relay RelayOptions `json:"relay"`
	MTU   int          `json:"mtu"`
}

func (l Log) toOptions() logging.Options {
	return logging.Options{
		Level:      l.Level,
		Path:       l.Path,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
	}
}

// LogOptions adapts Config.Log into logging.Options.
func (c Config) LogOptions() logging.Options { return c.Log.toOptions() }

// Default returns a Config with the values the relay and client fall
// back to when no file is found.
func Default() Config {
	return Config{
		Log:  Log{Level: "info"},
		Rate: Rate{MinBitrateKbps: 150, StartBitrateKbps: 600, MaxBitrateKbps: 8000},
		Relay: RelayOptions{
			ListenAddr:      ":5004",
			CookieTTLMs:     10_000,
			FIBGCIntervalMs: 60_000,
		},
		MTU: 1200,
	}
}

// Load reads path (or the QUICR_CONFIG environment variable when path is
// empty) and unmarshals it over Default(). A missing file is not an
// error: the defaults stand.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("QUICR_CONFIG")
	}
	if path == "" {
		return cfg, nil
	}
	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := json.Unmarshal(buf, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}
