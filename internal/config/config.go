package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App          AppConfig          `yaml:"app"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Backup       BackupConfig       `yaml:"backup"`
	Retention    RetentionConfig    `yaml:"retention"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	Logging      LoggingConfig      `yaml:"logging"`
	API          APIConfig          `yaml:"api"`
	Engine       EngineConfig       `yaml:"engine"`
	Sync         SyncConfig         `yaml:"sync"`
	Integrations IntegrationsConfig `yaml:"integrations"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled         bool  `yaml:"enabled"`
	Port            int   `yaml:"port"`
	MaxWebhookBytes int64 `yaml:"max_webhook_bytes"`
}

type APIGRPCConfig struct {
	Enabled    bool `yaml:"enabled"`
	Port       int  `yaml:"port"`
	Reflection bool `yaml:"reflection"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

// APIClientKey binds an API key to exactly one workspace.
type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Workspace   string   `yaml:"workspace"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

// RetentionConfig controls archiving of terminal webhook events.
type RetentionConfig struct {
	Enabled    bool          `yaml:"enabled"`
	EventsDays int           `yaml:"events_days"`
	Interval   time.Duration `yaml:"interval"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// EngineConfig tunes the handler execution engine.
type EngineConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Interval       time.Duration `yaml:"interval"`
	BatchSize      int           `yaml:"batch_size"`
	MaxRetries     int           `yaml:"max_retries"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	LockTTL        time.Duration `yaml:"lock_ttl"`
}

type SyncConfig struct {
	DefaultBatchSize int `yaml:"default_batch_size"`
	MaxConcurrency   int `yaml:"max_concurrency"`
	MaxEntities      int `yaml:"max_entities"`
}

type IntegrationsConfig struct {
	PublicBaseURL string          `yaml:"public_base_url"`
	Pipedrive     PipedriveConfig `yaml:"pipedrive"`
}

type PipedriveConfig struct {
	APIToken  string  `yaml:"api_token"`
	BaseURL   string  `yaml:"base_url"`
	RateLimit float64 `yaml:"rate_limit"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; real deployments pass variables directly.
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Engine.BatchSize <= 0 {
		return errors.New("engine batch_size must be positive")
	}
	if c.Engine.MaxRetries < 0 {
		return errors.New("engine max_retries must not be negative")
	}
	if c.Engine.MaxDelay > 0 && c.Engine.MaxDelay < c.Engine.BaseDelay {
		return errors.New("engine max_delay must not be lower than base_delay")
	}

	return ValidateAPIKeys(c.API.Auth.APIKeys)
}

// ValidateAPIKeys rejects duplicate keys and keys without a workspace.
func ValidateAPIKeys(keys []APIClientKey) error {
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if strings.TrimSpace(k.Key) == "" {
			return fmt.Errorf("api key '%s' is empty", k.Name)
		}
		if strings.TrimSpace(k.Workspace) == "" {
			return fmt.Errorf("api key '%s' has no workspace", k.Name)
		}
		if seen[k.Key] {
			return fmt.Errorf("duplicate api key found: %s", k.Name)
		}
		seen[k.Key] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "leadsync"
	}
	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.API.HTTP.MaxWebhookBytes == 0 {
		c.API.HTTP.MaxWebhookBytes = 1 << 20
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	// auth enabled by default when API is enabled
	if !c.API.Auth.Enabled {
		c.API.Auth.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}

	if c.Engine.Interval == 0 {
		c.Engine.Interval = time.Minute
	}
	if c.Engine.BatchSize == 0 {
		c.Engine.BatchSize = 50
	}
	if c.Engine.MaxRetries == 0 {
		c.Engine.MaxRetries = 3
	}
	if c.Engine.BaseDelay == 0 {
		c.Engine.BaseDelay = 30 * time.Second
	}
	if c.Engine.MaxDelay == 0 {
		c.Engine.MaxDelay = time.Hour
	}
	if c.Engine.HandlerTimeout == 0 {
		c.Engine.HandlerTimeout = 30 * time.Second
	}
	if c.Engine.StaleAfter == 0 {
		c.Engine.StaleAfter = 10 * time.Minute
	}
	if c.Engine.LockTTL == 0 {
		c.Engine.LockTTL = 5 * time.Minute
	}

	if c.Sync.DefaultBatchSize == 0 {
		c.Sync.DefaultBatchSize = 100
	}
	if c.Sync.MaxConcurrency == 0 {
		c.Sync.MaxConcurrency = 4
	}
	if c.Sync.MaxEntities == 0 {
		c.Sync.MaxEntities = 10000
	}

	if c.Retention.EventsDays == 0 {
		c.Retention.EventsDays = 90
	}
	if c.Retention.Interval == 0 {
		c.Retention.Interval = 24 * time.Hour
	}

	if c.Integrations.Pipedrive.BaseURL == "" {
		c.Integrations.Pipedrive.BaseURL = "https://api.pipedrive.com"
	}
	if c.Integrations.Pipedrive.RateLimit == 0 {
		c.Integrations.Pipedrive.RateLimit = 2
	}
}
