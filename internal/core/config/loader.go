package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/connwatch/internal/core/domain"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML with ${VAR} expansion, applies defaults and validates.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied and no backends
// configured.
func Default() *AppConfig {
	var cfg AppConfig
	cfg.ApplyDefaults()
	return &cfg
}

// ApplyDefaults fills zero values.
func (c *AppConfig) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	setDuration(&c.Refresh.Horizon, 15*time.Minute)
	setDuration(&c.Refresh.LockTTL, 30*time.Second)
	setDuration(&c.Refresh.LockWait, 5*time.Second)
	setDuration(&c.Refresh.Timeout, 20*time.Second)

	setDuration(&c.Health.ProbeTimeout, 10*time.Second)
	setDuration(&c.Health.HealthyTTL, 30*time.Second)
	setDuration(&c.Health.UnhealthyTTL, 10*time.Second)
	if c.Health.OperationalMode == "" {
		c.Health.OperationalMode = "capability"
	}

	if c.RateLimit.Requests == 0 {
		c.RateLimit.Requests = 30
	}
	setDuration(&c.RateLimit.Window, 60*time.Second)

	if c.Batch.ChunkSize == 0 {
		c.Batch.ChunkSize = 20
	}

	setDuration(&c.Renewal.PreemptiveWindow, 30*time.Minute)
	setDuration(&c.Renewal.ProactiveHorizon, 15*time.Minute)
	setDuration(&c.Renewal.NotificationThrottle, 6*time.Hour)
	setDuration(&c.Renewal.StaleScheduleAfter, time.Hour)
	if c.Renewal.ScanSchedule == "" {
		c.Renewal.ScanSchedule = "@every 1m"
	}
	if c.Renewal.ScanLimit == 0 {
		c.Renewal.ScanLimit = 500
	}
	setDuration(&c.Renewal.WorkerPollInterval, time.Second)
	if c.Renewal.WorkerConcurrency == 0 {
		c.Renewal.WorkerConcurrency = 4
	}
}

// Validate rejects settings the components cannot run with.
func (c *AppConfig) Validate() error {
	var errs []error
	if c.Refresh.Timeout >= c.Refresh.LockTTL {
		errs = append(errs, fmt.Errorf("refresh.timeout (%s) must be shorter than refresh.lock_ttl (%s)", c.Refresh.Timeout, c.Refresh.LockTTL))
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit.requests and rate_limit.window must be positive"))
	}
	if c.Batch.ChunkSize <= 0 {
		errs = append(errs, errors.New("batch.chunk_size must be positive"))
	}
	if c.Renewal.ScanLimit <= 0 || c.Renewal.WorkerConcurrency <= 0 {
		errs = append(errs, errors.New("renewal.scan_limit and renewal.worker_concurrency must be positive"))
	}
	if c.Renewal.PreemptiveWindow < c.Renewal.ProactiveHorizon {
		errs = append(errs, errors.New("renewal.preemptive_window must not be shorter than renewal.proactive_horizon"))
	}
	if c.Renewal.ProactiveHorizon > c.Refresh.Horizon {
		errs = append(errs, fmt.Errorf("renewal.proactive_horizon (%s) must not exceed refresh.horizon (%s)", c.Renewal.ProactiveHorizon, c.Refresh.Horizon))
	}
	switch c.Health.OperationalMode {
	case "capability", "inferred":
	default:
		errs = append(errs, fmt.Errorf("health.operational_mode %q is not one of capability, inferred", c.Health.OperationalMode))
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if err := domain.ValidateProviderName(p.Name); err != nil {
			errs = append(errs, fmt.Errorf("providers[%d]: %w", i, err))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("provider %q configured twice", p.Name))
		}
		seen[p.Name] = true
		if p.TokenURL == "" || p.ProbeURL == "" {
			errs = append(errs, fmt.Errorf("provider %q: token_url and probe_url are required", p.Name))
		}
		if p.RequestsPerSecond < 0 {
			errs = append(errs, fmt.Errorf("provider %q: requests_per_second must not be negative", p.Name))
		}
	}
	return errors.Join(errs...)
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}
