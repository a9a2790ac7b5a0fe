// Package config loads the service's YAML configuration. Values support
// ${VAR} and ${VAR:-default} environment expansion, so the same file works
// across deployments with secrets injected from the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// Config is the full service configuration.
type Config struct {
	// InstanceID identifies this process in locks, leases, and delivery
	// headers. Defaults to hostname plus a random suffix.
	InstanceID string `yaml:"instance_id"`

	CoordinationStoreURL string `yaml:"coordination_store_url"`

	// DocumentStoreURL is the Mongo connection string. Empty selects the
	// in-memory store for single-node development.
	DocumentStoreURL string `yaml:"document_store_url"`
	Database         string `yaml:"database"`

	Listen string `yaml:"listen"`

	Webhook WebhookConfig `yaml:"webhook"`
	Script  ScriptConfig  `yaml:"script"`
	Scaling ScalingConfig `yaml:"scaling"`
	Cluster ClusterConfig `yaml:"cluster"`
}

// WebhookConfig tunes the delivery pipeline.
type WebhookConfig struct {
	MaxRetries            int             `yaml:"max_retries"`
	RetryDelay            Duration        `yaml:"retry_delay"`
	MaxRetryDelay         Duration        `yaml:"max_retry_delay"`
	Timeout               Duration        `yaml:"timeout"`
	ProcessingConcurrency int             `yaml:"processing_concurrency"`
	RateLimit             RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig tunes cluster-wide delivery admission.
type RateLimitConfig struct {
	DefaultMaxRPM     int      `yaml:"default_max_rpm"`
	Window            Duration `yaml:"window"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
}

// ScriptConfig tunes the script sandbox.
type ScriptConfig struct {
	ExecutionTimeout Duration `yaml:"execution_timeout"`
	APIBaseURL       string   `yaml:"api_base_url"`
	MaxRetries       int      `yaml:"max_retries"`
}

// ScalingConfig tunes the coordination primitives.
type ScalingConfig struct {
	LockTTL                   Duration `yaml:"lock_ttl"`
	LeadershipRenewalInterval Duration `yaml:"leadership_renewal_interval"`
	LockCleanupInterval       Duration `yaml:"lock_cleanup_interval"`
	MaxScriptExecutionTime    Duration `yaml:"max_script_execution_time"`
}

// ClusterConfig selects clustering behavior.
type ClusterConfig struct {
	// CronLeaderElection gates cron ticking on leadership with per-tick
	// fences. False runs every instance's cron locally.
	CronLeaderElection *bool `yaml:"cron_leader_election"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// CronLeaderGated reports whether cron runs under leader election.
// Defaults to true when unset.
func (c *Config) CronLeaderGated() bool {
	if c.Cluster.CronLeaderElection == nil {
		return true
	}
	return *c.Cluster.CronLeaderElection
}

// ApplyDefaults fills unset fields with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "backplane"
		}
		c.InstanceID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if c.Database == "" {
		c.Database = "reactions"
	}
	if c.Listen == "" {
		c.Listen = ":8080"
	}

	if c.Webhook.MaxRetries == 0 {
		c.Webhook.MaxRetries = 3
	}
	if c.Webhook.RetryDelay.Duration == 0 {
		c.Webhook.RetryDelay.Duration = time.Second
	}
	if c.Webhook.MaxRetryDelay.Duration == 0 {
		c.Webhook.MaxRetryDelay.Duration = time.Minute
	}
	if c.Webhook.Timeout.Duration == 0 {
		c.Webhook.Timeout.Duration = 10 * time.Second
	}
	if c.Webhook.ProcessingConcurrency == 0 {
		c.Webhook.ProcessingConcurrency = 4
	}
	if c.Webhook.RateLimit.DefaultMaxRPM == 0 {
		c.Webhook.RateLimit.DefaultMaxRPM = 60
	}
	if c.Webhook.RateLimit.Window.Duration == 0 {
		c.Webhook.RateLimit.Window.Duration = time.Minute
	}
	if c.Webhook.RateLimit.BackoffMultiplier == 0 {
		c.Webhook.RateLimit.BackoffMultiplier = 2.0
	}

	if c.Script.ExecutionTimeout.Duration == 0 {
		c.Script.ExecutionTimeout.Duration = 30 * time.Second
	}
	if c.Script.MaxRetries == 0 {
		c.Script.MaxRetries = 3
	}

	if c.Scaling.LockTTL.Duration == 0 {
		c.Scaling.LockTTL.Duration = 30 * time.Second
	}
	if c.Scaling.LeadershipRenewalInterval.Duration == 0 {
		c.Scaling.LeadershipRenewalInterval.Duration = 10 * time.Second
	}
	if c.Scaling.LockCleanupInterval.Duration == 0 {
		c.Scaling.LockCleanupInterval.Duration = time.Minute
	}
	if c.Scaling.MaxScriptExecutionTime.Duration == 0 {
		c.Scaling.MaxScriptExecutionTime.Duration = 300 * time.Second
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.CoordinationStoreURL == "" {
		return fmt.Errorf("config: coordination_store_url is required")
	}
	if c.Webhook.MaxRetries < 0 || c.Webhook.MaxRetries > 10 {
		return fmt.Errorf("config: webhook.max_retries must be in [0,10], got %d", c.Webhook.MaxRetries)
	}
	if rpm := c.Webhook.RateLimit.DefaultMaxRPM; rpm < 1 || rpm > 300 {
		return fmt.Errorf("config: webhook.rate_limit.default_max_rpm must be in [1,300], got %d", rpm)
	}
	if d := c.Webhook.RetryDelay.Duration; d < 100*time.Millisecond || d > 10*time.Second {
		return fmt.Errorf("config: webhook.retry_delay must be in [100ms,10s], got %v", d)
	}
	if d := c.Webhook.MaxRetryDelay.Duration; d < time.Second || d > 5*time.Minute {
		return fmt.Errorf("config: webhook.max_retry_delay must be in [1s,5m], got %v", d)
	}
	if c.Webhook.MaxRetryDelay.Duration < c.Webhook.RetryDelay.Duration {
		return fmt.Errorf("config: webhook.max_retry_delay must be >= webhook.retry_delay")
	}
	return nil
}
