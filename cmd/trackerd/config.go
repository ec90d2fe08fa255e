package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/warelink/warelink/internal/tracker"
)

// trackerd config.toml key mapping to tracker runtime settings.
type fileConfig struct {
	ListenAddr          string `toml:"listen_addr"`
	AdminAddr           string `toml:"admin_addr"`
	HeartbeatIntervalMS int64  `toml:"heartbeat_interval_ms"`
}

// loadTrackerConfig overlays config.toml onto the defaults; only keys present
// in the file override.
func loadTrackerConfig(path string) (tracker.Config, error) {
	cfg := tracker.DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return tracker.Config{}, fmt.Errorf("load tracker config: %w", err)
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("heartbeat_interval_ms") {
		if raw.HeartbeatIntervalMS <= 0 {
			return tracker.Config{}, fmt.Errorf("load tracker config: heartbeat_interval_ms must be positive")
		}
		cfg.HeartbeatInterval = time.Duration(raw.HeartbeatIntervalMS) * time.Millisecond
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return tracker.Config{}, fmt.Errorf("load tracker config: listen_addr must not be empty")
	}
	return cfg, nil
}
