package realtime

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultSendQueueSize = 64
	minSendQueueSize     = 16

	defaultWriteTimeout = 5 * time.Second
	defaultReadIdle     = 2 * time.Minute

	defaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// GatewayConfig controls the view stream endpoint.
type GatewayConfig struct {
	// DevInsecure skips websocket.Accept's own origin verification.
	DevInsecure bool
	// OriginRequired rejects upgrades without an Origin header.
	OriginRequired bool
	// AllowedOrigins lists full origins or bare hosts; "*" allows any.
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration
}

// DefaultGatewayConfig returns the secure local defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:   true,
		AllowedOrigins:   splitCSV(defaultAllowedOrigins),
		WriteTimeout:     defaultWriteTimeout,
		ReadIdleTimeout:  defaultReadIdle,
		SendQueueSize:    defaultSendQueueSize,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
	}
}

// LoadGatewayConfigFromEnv overlays ELAW_WS_* variables on the defaults.
//
// Optional:
//   - ELAW_WS_DEV_INSECURE, ELAW_WS_ORIGIN_REQUIRED (bool)
//   - ELAW_WS_ALLOWED_ORIGINS (CSV)
//   - ELAW_WS_WRITE_TIMEOUT, ELAW_WS_READ_IDLE_TIMEOUT (Go duration)
//   - ELAW_WS_SEND_QUEUE (int)
//   - ELAW_WS_HEARTBEAT_INTERVAL, ELAW_WS_HEARTBEAT_TIMEOUT (Go duration)
func LoadGatewayConfigFromEnv() GatewayConfig {
	cfg := DefaultGatewayConfig()

	cfg.DevInsecure = envBool("ELAW_WS_DEV_INSECURE", cfg.DevInsecure)
	cfg.OriginRequired = envBool("ELAW_WS_ORIGIN_REQUIRED", cfg.OriginRequired)
	if v := strings.TrimSpace(os.Getenv("ELAW_WS_ALLOWED_ORIGINS")); v != "" {
		cfg.AllowedOrigins = splitCSV(v)
	}

	cfg.WriteTimeout = envDuration("ELAW_WS_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.ReadIdleTimeout = envDuration("ELAW_WS_READ_IDLE_TIMEOUT", cfg.ReadIdleTimeout)
	cfg.SendQueueSize = envInt("ELAW_WS_SEND_QUEUE", cfg.SendQueueSize)
	cfg.HeartbeatEvery = envDuration("ELAW_WS_HEARTBEAT_INTERVAL", cfg.HeartbeatEvery)
	cfg.HeartbeatTimeout = envDuration("ELAW_WS_HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout)

	return cfg.normalized()
}

func (c GatewayConfig) normalized() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = minSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = d.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	return c
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
