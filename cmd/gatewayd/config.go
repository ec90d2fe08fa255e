package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/warelink/warelink/internal/bridge"
	"github.com/warelink/warelink/internal/gateway"
)

// gatewayd config.toml key mapping to bridge and HTTP settings.
type fileConfig struct {
	TrackerAddr      string              `toml:"tracker_addr"`
	HTTPAddr         string              `toml:"http_addr"`
	RequestTimeoutMS int64               `toml:"request_timeout_ms"`
	CORSOrigins      []string            `toml:"cors_origins"`
	Reconnect        fileReconnectConfig `toml:"reconnect"`
}

type fileReconnectConfig struct {
	InitialDelayMS int64   `toml:"initial_delay_ms"`
	Multiplier     float64 `toml:"multiplier"`
	MaxDelayMS     int64   `toml:"max_delay_ms"`
	Jitter         bool    `toml:"jitter"`
	MaxRetries     int     `toml:"max_retries"`
}

// loadGatewayConfig overlays config.toml onto the defaults; only keys present
// in the file override.
func loadGatewayConfig(path string) (bridge.Config, gateway.Config, error) {
	bridgeCfg := bridge.DefaultConfig()
	gatewayCfg := gateway.DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return bridge.Config{}, gateway.Config{}, fmt.Errorf("load gateway config: %w", err)
	}

	if meta.IsDefined("tracker_addr") {
		bridgeCfg.TrackerAddr = strings.TrimSpace(raw.TrackerAddr)
	}
	if meta.IsDefined("http_addr") {
		gatewayCfg.HTTPAddr = strings.TrimSpace(raw.HTTPAddr)
	}
	if meta.IsDefined("request_timeout_ms") {
		if raw.RequestTimeoutMS <= 0 {
			return bridge.Config{}, gateway.Config{}, fmt.Errorf("load gateway config: request_timeout_ms must be positive")
		}
		timeout := time.Duration(raw.RequestTimeoutMS) * time.Millisecond
		bridgeCfg.RequestTimeout = timeout
		gatewayCfg.RequestTimeout = timeout
	}
	if meta.IsDefined("cors_origins") {
		gatewayCfg.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("reconnect", "initial_delay_ms") {
		bridgeCfg.Reconnect.InitialDelay = time.Duration(raw.Reconnect.InitialDelayMS) * time.Millisecond
	}
	if meta.IsDefined("reconnect", "multiplier") {
		bridgeCfg.Reconnect.Multiplier = raw.Reconnect.Multiplier
	}
	if meta.IsDefined("reconnect", "max_delay_ms") {
		bridgeCfg.Reconnect.MaxDelay = time.Duration(raw.Reconnect.MaxDelayMS) * time.Millisecond
	}
	if meta.IsDefined("reconnect", "jitter") {
		bridgeCfg.Reconnect.Jitter = raw.Reconnect.Jitter
	}
	if meta.IsDefined("reconnect", "max_retries") {
		if raw.Reconnect.MaxRetries < 0 {
			return bridge.Config{}, gateway.Config{}, fmt.Errorf("load gateway config: max_retries must not be negative")
		}
		bridgeCfg.Reconnect.MaxRetries = raw.Reconnect.MaxRetries
	}

	if strings.TrimSpace(bridgeCfg.TrackerAddr) == "" {
		return bridge.Config{}, gateway.Config{}, fmt.Errorf("load gateway config: tracker_addr must not be empty")
	}
	if strings.TrimSpace(gatewayCfg.HTTPAddr) == "" {
		return bridge.Config{}, gateway.Config{}, fmt.Errorf("load gateway config: http_addr must not be empty")
	}
	return bridgeCfg, gatewayCfg, nil
}
