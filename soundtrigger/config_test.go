package soundtrigger

import (
	"testing"
	"time"
)

func TestConfigFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := ConfigFromEnv()
		if err != nil {
			t.Fatalf("ConfigFromEnv: %v", err)
		}
		if cfg.Transport != TransportDBus {
			t.Fatalf("expected dbus transport, got %q", cfg.Transport)
		}
		if cfg.Address != "unix:path=/var/run/pulse/dbus-socket" {
			t.Fatalf("unexpected default address %q", cfg.Address)
		}
		if cfg.AsyncTimeout != DefaultAsyncTimeout {
			t.Fatalf("expected %s, got %s", DefaultAsyncTimeout, cfg.AsyncTimeout)
		}
		if cfg.Redis.KeyPrefix != "qsthw:bus:" {
			t.Fatalf("unexpected redis prefix %q", cfg.Redis.KeyPrefix)
		}
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("QSTHW_TRANSPORT", "redis")
		t.Setenv("QSTHW_ASYNC_TIMEOUT", "250ms")
		t.Setenv("QSTHW_REDIS_ADDR", "redis.internal:6380")

		cfg, err := ConfigFromEnv()
		if err != nil {
			t.Fatalf("ConfigFromEnv: %v", err)
		}
		if cfg.Transport != TransportRedis || cfg.AsyncTimeout != 250*time.Millisecond || cfg.Redis.RedisAddr != "redis.internal:6380" {
			t.Fatalf("overrides not applied: %+v", cfg)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		t.Setenv("QSTHW_ASYNC_TIMEOUT", "soon")
		if _, err := ConfigFromEnv(); err == nil {
			t.Fatalf("expected error for malformed duration")
		}
	})
}
