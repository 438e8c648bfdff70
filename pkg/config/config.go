package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the gateway configuration
type Config struct {
	Server struct {
		HTTPAddress string `yaml:"http_address"`
		GRPCAddress string `yaml:"grpc_address"`
	} `yaml:"server"`

	CloudAPI struct {
		BaseURL           string `yaml:"base_url"`
		MachineNameFilter string `yaml:"machine_name_filter"`
		AuthToken         string `yaml:"auth_token"`
		CSRFToken         string `yaml:"csrf_token"`
		RequestTimeout    int    `yaml:"request_timeout"`
		Retry             struct {
			Attempts       int `yaml:"attempts"`
			InitialBackoff int `yaml:"initial_backoff_ms"`
			MaxBackoff     int `yaml:"max_backoff_ms"`
		} `yaml:"retry"`
	} `yaml:"cloud_api"`

	Timing struct {
		ReservationMinutes         int `yaml:"reservation_minutes"`
		FallbackReservationMinutes int `yaml:"fallback_reservation_minutes"`
		StartupTimeoutSeconds      int `yaml:"startup_timeout_seconds"`
		ReadinessWaitSeconds       int `yaml:"readiness_wait_seconds"`
	} `yaml:"timing"`

	Nodes struct {
		DefaultSlots  int            `yaml:"default_slots"`
		Slots         map[string]int `yaml:"slots"`
		InferencePort int            `yaml:"inference_port"`
	} `yaml:"nodes"`

	Routing struct {
		WakeFlavors []string `yaml:"wake_flavors"`
	} `yaml:"routing"`

	Autoscaler struct {
		TickSeconds              int `yaml:"tick_seconds"`
		ProbeIntervalSeconds     int `yaml:"probe_interval_seconds"`
		DiscoveryIntervalSeconds int `yaml:"discovery_interval_seconds"`
	} `yaml:"autoscaler"`

	Proxy struct {
		MaxRouteAttempts  int   `yaml:"max_route_attempts"`
		MaxBodyBytes      int64 `yaml:"max_body_bytes"`
		RetryAfterSeconds int   `yaml:"retry_after_seconds"`
	} `yaml:"proxy"`

	Auth struct {
		APIKeysFile string `yaml:"api_keys_file"`
	} `yaml:"auth"`

	Storage struct {
		SnapshotDir      string `yaml:"snapshot_dir"`
		SnapshotInterval int    `yaml:"snapshot_interval"`
	} `yaml:"storage"`

	Notify struct {
		Telegram struct {
			BotToken string  `yaml:"bot_token"`
			ChatIDs  []int64 `yaml:"chat_ids"`
		} `yaml:"telegram"`
	} `yaml:"notify"`

	Journal struct {
		MongoURI   string `yaml:"mongo_uri"`
		Database   string `yaml:"database"`
		TTLDays    int    `yaml:"ttl_days"`
		MemorySize int    `yaml:"memory_size"`
	} `yaml:"journal"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Output string `yaml:"output"`
	} `yaml:"logging"`
}

// Environment variables that override secrets from the file
const (
	EnvCloudAPIToken    = "CLOUD_API_TOKEN"
	EnvCloudCSRFToken   = "CLOUD_CSRF_TOKEN"
	EnvTelegramBotToken = "TELEGRAM_BOT_TOKEN"
	EnvMongoURI         = "MONGO_URI"
)

// LoadConfig loads gateway configuration from file and environment
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvCloudAPIToken); v != "" {
		c.CloudAPI.AuthToken = v
	}
	if v := os.Getenv(EnvCloudCSRFToken); v != "" {
		c.CloudAPI.CSRFToken = v
	}
	if v := os.Getenv(EnvTelegramBotToken); v != "" {
		c.Notify.Telegram.BotToken = v
	}
	if v := os.Getenv(EnvMongoURI); v != "" {
		c.Journal.MongoURI = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddress == "" {
		c.Server.HTTPAddress = "0.0.0.0:8000"
	}
	if c.CloudAPI.RequestTimeout <= 0 {
		c.CloudAPI.RequestTimeout = 30
	}
	if c.CloudAPI.Retry.Attempts <= 0 {
		c.CloudAPI.Retry.Attempts = 4
	}
	if c.CloudAPI.Retry.InitialBackoff <= 0 {
		c.CloudAPI.Retry.InitialBackoff = 500
	}
	if c.CloudAPI.Retry.MaxBackoff <= 0 {
		c.CloudAPI.Retry.MaxBackoff = 8000
	}

	if c.Timing.ReservationMinutes <= 0 {
		c.Timing.ReservationMinutes = 10
	}
	if c.Timing.FallbackReservationMinutes <= 0 {
		c.Timing.FallbackReservationMinutes = 3
	}
	if c.Timing.StartupTimeoutSeconds <= 0 {
		c.Timing.StartupTimeoutSeconds = 120
	}
	if c.Timing.ReadinessWaitSeconds <= 0 {
		c.Timing.ReadinessWaitSeconds = 10
	}

	if c.Nodes.DefaultSlots <= 0 {
		c.Nodes.DefaultSlots = 2
	}
	if c.Nodes.InferencePort <= 0 {
		c.Nodes.InferencePort = 11434
	}

	if c.Autoscaler.TickSeconds <= 0 {
		c.Autoscaler.TickSeconds = 15
	}
	if c.Autoscaler.ProbeIntervalSeconds <= 0 {
		c.Autoscaler.ProbeIntervalSeconds = 2
	}
	// discovery_interval_seconds: 0 disables periodic rediscovery, negative is rejected

	if c.Proxy.MaxRouteAttempts <= 0 {
		c.Proxy.MaxRouteAttempts = 3
	}
	if c.Proxy.MaxBodyBytes <= 0 {
		c.Proxy.MaxBodyBytes = 32 << 20
	}
	if c.Proxy.RetryAfterSeconds <= 0 {
		c.Proxy.RetryAfterSeconds = 10
	}

	if c.Storage.SnapshotInterval <= 0 {
		c.Storage.SnapshotInterval = 60
	}

	if c.Journal.Database == "" {
		c.Journal.Database = "gpu_gateway"
	}
	if c.Journal.TTLDays <= 0 {
		c.Journal.TTLDays = 14
	}
	if c.Journal.MemorySize <= 0 {
		c.Journal.MemorySize = 512
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
}

// validateConfig validates gateway configuration
func validateConfig(cfg *Config) error {
	if cfg.CloudAPI.BaseURL == "" {
		return fmt.Errorf("cloud_api.base_url is required")
	}
	if u, err := url.Parse(cfg.CloudAPI.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("cloud_api.base_url must be an absolute URL")
	}
	if cfg.CloudAPI.MachineNameFilter == "" {
		return fmt.Errorf("cloud_api.machine_name_filter is required")
	}
	if cfg.CloudAPI.AuthToken == "" {
		return fmt.Errorf("cloud_api.auth_token is required (or set %s)", EnvCloudAPIToken)
	}
	if cfg.Timing.FallbackReservationMinutes > cfg.Timing.ReservationMinutes {
		return fmt.Errorf("timing.fallback_reservation_minutes must not exceed timing.reservation_minutes")
	}
	for name, slots := range cfg.Nodes.Slots {
		if slots <= 0 {
			return fmt.Errorf("nodes.slots[%s] must be positive", name)
		}
	}
	if cfg.Autoscaler.DiscoveryIntervalSeconds < 0 {
		return fmt.Errorf("autoscaler.discovery_interval_seconds must not be negative")
	}
	for i, flavor := range cfg.Routing.WakeFlavors {
		if strings.TrimSpace(flavor) == "" {
			return fmt.Errorf("routing.wake_flavors[%d] is empty", i)
		}
	}
	return nil
}

// ReservationDuration is the reservation granted on a fresh wake
func (c *Config) ReservationDuration() time.Duration {
	return time.Duration(c.Timing.ReservationMinutes) * time.Minute
}

// FallbackReservationDuration is the reservation extension granted on later activity
func (c *Config) FallbackReservationDuration() time.Duration {
	return time.Duration(c.Timing.FallbackReservationMinutes) * time.Minute
}

// StartupTimeout bounds how long a wake may take
func (c *Config) StartupTimeout() time.Duration {
	return time.Duration(c.Timing.StartupTimeoutSeconds) * time.Second
}

// ReadinessWait bounds a single readiness probe
func (c *Config) ReadinessWait() time.Duration {
	return time.Duration(c.Timing.ReadinessWaitSeconds) * time.Second
}
