package config

import (
	"time"

	redisclient "github.com/vietddude/connwatch/internal/infra/redis"
	"github.com/vietddude/connwatch/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
// An empty redis.url selects the in-process lock, cache, limiter and queue.
// An empty database.url selects the in-memory stores.
type AppConfig struct {
	Server    ServerConfig       `yaml:"server"`
	Redis     redisclient.Config `yaml:"redis"`
	Database  postgres.Config    `yaml:"database"`
	Logging   LoggingConfig      `yaml:"logging"`
	Refresh   RefreshConfig      `yaml:"refresh"`
	Health    HealthConfig       `yaml:"health"`
	RateLimit RateLimitConfig    `yaml:"rate_limit"`
	Batch     BatchConfig        `yaml:"batch"`
	Renewal   RenewalConfig      `yaml:"renewal"`
	Providers []ProviderConfig   `yaml:"providers"`
}

// ServerConfig holds HTTP and gRPC listener settings.
type ServerConfig struct {
	Port     int `yaml:"port"`
	GRPCPort int `yaml:"grpc_port"` // 0 disables the gRPC health service
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// RefreshConfig controls the refresh coordinator.
type RefreshConfig struct {
	Horizon  time.Duration `yaml:"horizon"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
	LockWait time.Duration `yaml:"lock_wait"`
	Timeout  time.Duration `yaml:"timeout"` // must be shorter than lock_ttl
}

// HealthConfig controls the tiered validator.
type HealthConfig struct {
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	HealthyTTL      time.Duration `yaml:"healthy_ttl"`
	UnhealthyTTL    time.Duration `yaml:"unhealthy_ttl"`
	OperationalMode string        `yaml:"operational_mode"` // capability, inferred
}

// RateLimitConfig bounds live health checks per connection.
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

type BatchConfig struct {
	ChunkSize int `yaml:"chunk_size"`
}

// RenewalConfig controls proactive token renewal.
type RenewalConfig struct {
	PreemptiveWindow     time.Duration `yaml:"preemptive_window"`
	ProactiveHorizon     time.Duration `yaml:"proactive_horizon"`
	NotificationThrottle time.Duration `yaml:"notification_throttle"`
	StaleScheduleAfter   time.Duration `yaml:"stale_schedule_after"`
	ScanSchedule         string        `yaml:"scan_schedule"` // cron spec, e.g. "@every 1m"
	ScanLimit            int           `yaml:"scan_limit"`
	WorkerPollInterval   time.Duration `yaml:"worker_poll_interval"`
	WorkerConcurrency    int           `yaml:"worker_concurrency"`
}

// ProviderConfig holds the OAuth endpoints of one storage provider.
type ProviderConfig struct {
	Name              string        `yaml:"name"`
	TokenURL          string        `yaml:"token_url"`
	ProbeURL          string        `yaml:"probe_url"`
	CapabilityURL     string        `yaml:"capability_url"`
	ClientID          string        `yaml:"client_id"`
	ClientSecret      string        `yaml:"client_secret"`
	RequestsPerSecond float64       `yaml:"requests_per_second"` // 0 = unthrottled
	Timeout           time.Duration `yaml:"timeout"`
}
