package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	t.Setenv("LEADSYNC_TEST_DB", "data/leadsync.db")

	yamlContent := `
database:
  path: "${LEADSYNC_TEST_DB}"
engine:
  batch_size: 25
  base_delay: 10s
api:
  auth:
    api_keys:
      - key: "k1"
        extra: "e1"
        name: "ops"
        workspace: "ws-1"
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Database.Path != "data/leadsync.db" {
		t.Errorf("expected expanded database path, got %s", cfg.Database.Path)
	}
	if cfg.Engine.BatchSize != 25 {
		t.Errorf("expected batch_size 25, got %d", cfg.Engine.BatchSize)
	}
	if cfg.Engine.BaseDelay != 10*time.Second {
		t.Errorf("expected base_delay 10s, got %s", cfg.Engine.BaseDelay)
	}
	if cfg.Engine.MaxRetries != 3 {
		t.Errorf("expected default max_retries 3, got %d", cfg.Engine.MaxRetries)
	}
	if len(cfg.API.Auth.APIKeys) != 1 || cfg.API.Auth.APIKeys[0].Workspace != "ws-1" {
		t.Errorf("expected 1 api key bound to ws-1")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestValidateConfig(t *testing.T) {
	valid := func() Config {
		c := Config{Database: DatabaseConfig{Path: "path"}}
		c.applyDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}, wantErr: false},
		{name: "missing database path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: true},
		{name: "negative retries", mutate: func(c *Config) { c.Engine.MaxRetries = -1 }, wantErr: true},
		{
			name: "max delay below base delay",
			mutate: func(c *Config) {
				c.Engine.BaseDelay = time.Minute
				c.Engine.MaxDelay = time.Second
			},
			wantErr: true,
		},
		{
			name: "api key without workspace",
			mutate: func(c *Config) {
				c.API.Auth.APIKeys = []APIClientKey{{Key: "k", Name: "n"}}
			},
			wantErr: true,
		},
		{
			name: "duplicate api key",
			mutate: func(c *Config) {
				c.API.Auth.APIKeys = []APIClientKey{
					{Key: "k", Name: "a", Workspace: "w"},
					{Key: "k", Name: "b", Workspace: "w"},
				}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	var c Config
	c.applyDefaults()

	if c.Engine.BatchSize != 50 {
		t.Errorf("expected default batch size 50, got %d", c.Engine.BatchSize)
	}
	if c.API.Auth.HeaderAPIKey != "x-api-key" {
		t.Errorf("unexpected api key header %q", c.API.Auth.HeaderAPIKey)
	}
	if c.API.HTTP.MaxWebhookBytes != 1<<20 {
		t.Errorf("unexpected webhook body cap %d", c.API.HTTP.MaxWebhookBytes)
	}
	if c.Integrations.Pipedrive.BaseURL == "" {
		t.Errorf("expected pipedrive base url default")
	}
}
