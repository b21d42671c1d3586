package realtime

import (
	"testing"
	"time"
)

func TestLoadGatewayConfigFromEnv(t *testing.T) {
	t.Setenv("ELAW_WS_DEV_INSECURE", "true")
	t.Setenv("ELAW_WS_ORIGIN_REQUIRED", "false")
	t.Setenv("ELAW_WS_ALLOWED_ORIGINS", " http://localhost:5173 , app.example ")
	t.Setenv("ELAW_WS_SEND_QUEUE", "4")
	t.Setenv("ELAW_WS_WRITE_TIMEOUT", "not-a-duration")
	t.Setenv("ELAW_WS_HEARTBEAT_INTERVAL", "10s")

	cfg := LoadGatewayConfigFromEnv()

	if !cfg.DevInsecure || cfg.OriginRequired {
		t.Fatalf("bool overrides not applied: %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "app.example" {
		t.Fatalf("unexpected origins: %v", cfg.AllowedOrigins)
	}
	if cfg.SendQueueSize != minSendQueueSize {
		t.Fatalf("send queue should be raised to %d, got %d", minSendQueueSize, cfg.SendQueueSize)
	}
	if cfg.WriteTimeout != defaultWriteTimeout {
		t.Fatalf("invalid duration should keep default, got %v", cfg.WriteTimeout)
	}
	if cfg.HeartbeatEvery != 10*time.Second {
		t.Fatalf("heartbeat override not applied: %v", cfg.HeartbeatEvery)
	}
}

func TestOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatterns([]string{"http://LocalHost:5173", "localhost", "https://[::1]:8443", ""})
	want := []string{"::1", "localhost"}
	if len(got) != len(want) {
		t.Fatalf("want %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("want %v, got %v", want, got)
		}
	}
}
