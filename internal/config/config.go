package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/notifyhub/alert-dispatch/internal/domain"
	"github.com/notifyhub/alert-dispatch/internal/queue"
)

// Delivery store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds all runtime configuration loaded from environment variables.
// Every field has a sensible default; DATABASE_URL is required only when
// the delivery store is postgres.
type Config struct {
	// Server
	HTTPPort        string
	WSAddr          string // optional dedicated raw socket listener, e.g. ":8081"
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64

	// Delivery records
	DeliveryStore     string
	DatabaseURL       string
	DBMaxConns        int32
	DBMinConns        int32
	DBMaxConnLifetime time.Duration
	MigrationsSource  string

	// Job journal
	JournalPath        string
	JournalBusyTimeout time.Duration

	// Queues
	NotificationConcurrency int
	DisasterConcurrency     int
	AgentConcurrency        int
	NotificationBackoff     time.Duration
	DisasterBackoff         time.Duration
	AgentBackoff            time.Duration
	MaxAttempts             int
	PollInterval            time.Duration
	JobTimeout              time.Duration

	// Retention
	RetentionSchedule string
	RetentionMaxAge   time.Duration

	// Rate limiting: maximum sends per second per channel, 0 disables
	RateLimit         int
	ChannelRateLimits map[domain.Channel]int

	// External providers
	ProviderBaseURL string
	ProviderAPIKey  string
	ProviderTimeout time.Duration
	WebhookTimeout  time.Duration

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string

	// Disaster fan-out recipients, JSON: {"region": [{"channel":..,"address":..}], "*": [...]}
	AlertRecipients string

	// Socket gateway
	WSStatusInterval  time.Duration
	WSMaxMessageBytes int
	WSWriteTimeout    time.Duration
	WSIdleTimeout     time.Duration // 0 keeps quiet listeners open
}

func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:        getEnv("PORT", getEnv("HTTP_PORT", "8080")),
		WSAddr:          os.Getenv("WS_ADDR"),
		ReadTimeout:     getDuration("READ_TIMEOUT", 5*time.Second),
		WriteTimeout:    getDuration("WRITE_TIMEOUT", 10*time.Second),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxBodyBytes:    int64(getInt("MAX_BODY_BYTES", 1<<20)),

		DeliveryStore:     strings.ToLower(getEnv("DELIVERY_STORE", StorePostgres)),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		DBMaxConns:        int32(getInt("DB_MAX_CONNS", 25)),
		DBMinConns:        int32(getInt("DB_MIN_CONNS", 5)),
		DBMaxConnLifetime: getDuration("DB_MAX_CONN_LIFETIME", time.Hour),
		MigrationsSource:  getEnv("MIGRATIONS_SOURCE", "file://migrations"),

		JournalPath:        getEnv("JOURNAL_PATH", "data/jobs.db"),
		JournalBusyTimeout: getDuration("JOURNAL_BUSY_TIMEOUT", 5*time.Second),

		NotificationConcurrency: getInt("NOTIFICATION_CONCURRENCY", 5),
		DisasterConcurrency:     getInt("DISASTER_CONCURRENCY", 10),
		AgentConcurrency:        getInt("AGENT_CONCURRENCY", 5),
		NotificationBackoff:     getDuration("NOTIFICATION_BACKOFF", 5*time.Second),
		DisasterBackoff:         getDuration("DISASTER_BACKOFF", 2*time.Second),
		AgentBackoff:            getDuration("AGENT_BACKOFF", 2*time.Second),
		MaxAttempts:             getInt("MAX_ATTEMPTS", queue.DefaultMaxAttempts),
		PollInterval:            getDuration("POLL_INTERVAL", time.Second),
		JobTimeout:              getDuration("JOB_TIMEOUT", 0),

		RetentionSchedule: getEnv("RETENTION_SCHEDULE", "@every 1h"),
		RetentionMaxAge:   getDuration("RETENTION_MAX_AGE", 24*time.Hour),

		RateLimit: getInt("RATE_LIMIT_PER_CHANNEL", 100),

		ProviderBaseURL: os.Getenv("PROVIDER_BASE_URL"),
		ProviderAPIKey:  os.Getenv("PROVIDER_API_KEY"),
		ProviderTimeout: getDuration("PROVIDER_TIMEOUT", 10*time.Second),
		WebhookTimeout:  getDuration("WEBHOOK_TIMEOUT", 10*time.Second),

		SMTPHost:     os.Getenv("SMTP_HOST"),
		SMTPPort:     getInt("SMTP_PORT", 587),
		SMTPUsername: os.Getenv("SMTP_USERNAME"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:     getEnv("SMTP_FROM", "alerts@localhost"),
		SMTPFromName: getEnv("SMTP_FROM_NAME", "Alert Dispatch"),

		AlertRecipients: os.Getenv("ALERT_RECIPIENTS"),

		WSStatusInterval:  getDuration("WS_BROADCAST_INTERVAL", 5*time.Second),
		WSMaxMessageBytes: getInt("WS_MAX_MESSAGE_BYTES", 64<<10),
		WSWriteTimeout:    getDuration("WS_WRITE_TIMEOUT", 5*time.Second),
		WSIdleTimeout:     getDuration("WS_IDLE_TIMEOUT", 0),
	}

	cfg.ChannelRateLimits = map[domain.Channel]int{}
	for _, ch := range domain.Channels {
		key := "RATE_LIMIT_" + strings.ToUpper(string(ch))
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			cfg.ChannelRateLimits[ch] = n
		}
	}

	switch cfg.DeliveryStore {
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when DELIVERY_STORE=%s", StorePostgres)
		}
	case StoreMemory:
	default:
		return nil, fmt.Errorf("DELIVERY_STORE must be %q or %q, got %q", StorePostgres, StoreMemory, cfg.DeliveryStore)
	}

	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", cfg.MaxAttempts)
	}
	for name, n := range map[string]int{
		"NOTIFICATION_CONCURRENCY": cfg.NotificationConcurrency,
		"DISASTER_CONCURRENCY":     cfg.DisasterConcurrency,
		"AGENT_CONCURRENCY":        cfg.AgentConcurrency,
	} {
		if n < 1 {
			return nil, fmt.Errorf("%s must be at least 1, got %d", name, n)
		}
	}

	return cfg, nil
}

// QueueConfigs applies the configured concurrency, backoff and attempt
// ceiling to the built-in queue policies.
func (c *Config) QueueConfigs() []queue.QueueConfig {
	out := queue.DefaultQueues()
	for i := range out {
		q := &out[i]
		q.MaxAttempts = c.MaxAttempts
		switch q.Name {
		case queue.Notifications:
			q.Concurrency = c.NotificationConcurrency
			q.Backoff.Delay = c.NotificationBackoff
		case queue.Disasters:
			q.Concurrency = c.DisasterConcurrency
			q.Backoff.Delay = c.DisasterBackoff
		case queue.AgentTasks:
			q.Concurrency = c.AgentConcurrency
			q.Backoff.Delay = c.AgentBackoff
		}
	}
	return out
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
