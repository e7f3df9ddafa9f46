package config_test

import (
	"testing"
	"time"

	"github.com/notifyhub/alert-dispatch/internal/config"
	"github.com/notifyhub/alert-dispatch/internal/domain"
	"github.com/notifyhub/alert-dispatch/internal/queue"
)

func TestLoad(t *testing.T) {
	t.Run("postgres requires DATABASE_URL", func(t *testing.T) {
		t.Setenv("DELIVERY_STORE", "postgres")
		t.Setenv("DATABASE_URL", "")
		if _, err := config.Load(); err == nil {
			t.Fatal("expected an error without DATABASE_URL")
		}
	})

	t.Run("memory store needs no database", func(t *testing.T) {
		t.Setenv("DELIVERY_STORE", "memory")
		t.Setenv("DATABASE_URL", "")
		cfg, err := config.Load()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.HTTPPort != "8080" || cfg.PollInterval != time.Second || cfg.RetentionSchedule != "@every 1h" {
			t.Fatalf("unexpected defaults: %+v", cfg)
		}
		if cfg.WSStatusInterval != 5*time.Second {
			t.Fatalf("status interval = %v, want 5s", cfg.WSStatusInterval)
		}
		if cfg.MigrationsSource != "file://migrations" || cfg.DBMaxConnLifetime != time.Hour {
			t.Fatalf("unexpected database defaults: %q %v", cfg.MigrationsSource, cfg.DBMaxConnLifetime)
		}
	})

	t.Run("migrations source override", func(t *testing.T) {
		t.Setenv("DELIVERY_STORE", "postgres")
		t.Setenv("DATABASE_URL", "postgres://app@db/alerts")
		t.Setenv("MIGRATIONS_SOURCE", "file:///srv/alert-dispatch/migrations")
		cfg, err := config.Load()
		if err != nil {
			t.Fatal(err)
		}
		if cfg.MigrationsSource != "file:///srv/alert-dispatch/migrations" {
			t.Fatalf("migrations source = %q", cfg.MigrationsSource)
		}
	})

	t.Run("socket idle timeout", func(t *testing.T) {
		t.Setenv("DELIVERY_STORE", "memory")
		cfg, err := config.Load()
		if err != nil {
			t.Fatal(err)
		}
		if cfg.WSIdleTimeout != 0 {
			t.Fatalf("idle timeout default = %v, want disabled", cfg.WSIdleTimeout)
		}

		t.Setenv("WS_IDLE_TIMEOUT", "2m")
		cfg, err = config.Load()
		if err != nil {
			t.Fatal(err)
		}
		if cfg.WSIdleTimeout != 2*time.Minute {
			t.Fatalf("idle timeout = %v, want 2m", cfg.WSIdleTimeout)
		}
	})

	t.Run("unknown store", func(t *testing.T) {
		t.Setenv("DELIVERY_STORE", "redis")
		if _, err := config.Load(); err == nil {
			t.Fatal("expected an error for an unknown store")
		}
	})

	t.Run("channel rate overrides", func(t *testing.T) {
		t.Setenv("DELIVERY_STORE", "memory")
		t.Setenv("RATE_LIMIT_SMS", "2")
		cfg, err := config.Load()
		if err != nil {
			t.Fatal(err)
		}
		if cfg.ChannelRateLimits[domain.ChannelSMS] != 2 {
			t.Fatalf("sms override = %d, want 2", cfg.ChannelRateLimits[domain.ChannelSMS])
		}
		if _, ok := cfg.ChannelRateLimits[domain.ChannelEmail]; ok {
			t.Fatal("email should have no override")
		}
	})

	t.Run("invalid channel rate", func(t *testing.T) {
		t.Setenv("DELIVERY_STORE", "memory")
		t.Setenv("RATE_LIMIT_PUSH", "fast")
		if _, err := config.Load(); err == nil {
			t.Fatal("expected an error for a non-numeric rate")
		}
	})

	t.Run("zero concurrency rejected", func(t *testing.T) {
		t.Setenv("DELIVERY_STORE", "memory")
		t.Setenv("DISASTER_CONCURRENCY", "0")
		if _, err := config.Load(); err == nil {
			t.Fatal("expected an error for zero concurrency")
		}
	})
}

func TestQueueConfigs(t *testing.T) {
	t.Setenv("DELIVERY_STORE", "memory")
	t.Setenv("NOTIFICATION_CONCURRENCY", "7")
	t.Setenv("AGENT_BACKOFF", "3s")
	t.Setenv("MAX_ATTEMPTS", "4")

	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}

	byName := map[queue.Name]queue.QueueConfig{}
	for _, q := range cfg.QueueConfigs() {
		byName[q.Name] = q
	}

	if n := byName[queue.Notifications]; n.Concurrency != 7 || !n.RemoveOnComplete || n.Backoff.Delay != 5*time.Second {
		t.Fatalf("unexpected notifications policy: %+v", n)
	}
	if d := byName[queue.Disasters]; d.Concurrency != 10 || d.Backoff.Delay != 2*time.Second {
		t.Fatalf("unexpected disasters policy: %+v", d)
	}
	if a := byName[queue.AgentTasks]; a.Backoff.Delay != 3*time.Second || a.MaxAttempts != 4 {
		t.Fatalf("unexpected agent-tasks policy: %+v", a)
	}
}
