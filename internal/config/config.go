// Package config provides YAML-based configuration loading for chatrelay.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Supported database drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Config is the top-level chatrelay configuration, loaded from chatrelay.yaml.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	EnvFile   string          `yaml:"env_file"`
	Apps      []AppConfig     `yaml:"apps"`
	Retention RetentionConfig `yaml:"retention"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig selects and configures the conversation store backend.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" (default) or "mysql"
	Path     string `yaml:"path"`   // sqlite file
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// UpstreamConfig holds settings for the Dify chat API.
type UpstreamConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"` // connect + first byte
	User              string        `yaml:"user"`
	RequestsPerMinute int           `yaml:"requests_per_minute"` // 0 = unlimited
	CompleteAttempts  int           `yaml:"complete_attempts"`
}

// AppConfig declares a Dify application to seed into the database. The API
// key itself never lives in the config file; APIKeyEnv names the environment
// variable that holds it.
type AppConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	APIKeyEnv   string `yaml:"api_key_env"`
}

// RetentionConfig controls the scheduled purge of old conversations.
type RetentionConfig struct {
	Schedule   string `yaml:"schedule"`     // 5-field cron expression
	MaxAgeDays int    `yaml:"max_age_days"` // 0 disables the sweeper
}

// Enabled reports whether old conversations should be purged.
func (r RetentionConfig) Enabled() bool {
	return r.MaxAgeDays > 0
}

// DefaultApps mirrors the sample applications created on first start when the
// config declares none.
func DefaultApps() []AppConfig {
	return []AppConfig{
		{Name: "sample1", Description: "Sample Dify Application 1", APIKeyEnv: "DIFY_API_KEY_SAMPLE1"},
		{Name: "sample2", Description: "Sample Dify Application 2", APIKeyEnv: "DIFY_API_KEY_SAMPLE2"},
		{Name: "sample3", Description: "Sample Dify Application 3", APIKeyEnv: "DIFY_API_KEY_SAMPLE3"},
	}
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// LoadOrDefault behaves like Load, but a missing file yields the default
// configuration instead of an error.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Parse(nil)
	}
	return Load(path)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs from the configured env file into the
// process environment. Variables that are already set win. A missing file is
// not an error.
func (c *Config) LoadEnvFile() error {
	if c.EnvFile == "" {
		return nil
	}
	if _, err := os.Stat(c.EnvFile); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(c.EnvFile); err != nil {
		return fmt.Errorf("config: load env file %s: %w", c.EnvFile, err)
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 5000
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.Driver == DriverSQLite && c.Database.Path == "" {
		c.Database.Path = "data/chatrelay.db"
	}
	if c.Database.Driver == DriverMySQL {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "chatrelay"
		}
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "https://api.dify.ai/v1"
	}
	c.Upstream.BaseURL = strings.TrimRight(c.Upstream.BaseURL, "/")
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = 30 * time.Second
	}
	if c.Upstream.User == "" {
		c.Upstream.User = "chatrelay-user"
	}
	if c.Upstream.CompleteAttempts == 0 {
		c.Upstream.CompleteAttempts = 3
	}
	if c.EnvFile == "" {
		c.EnvFile = ".env"
	}
	if len(c.Apps) == 0 {
		c.Apps = DefaultApps()
	}
	if c.Retention.Schedule == "" {
		c.Retention.Schedule = "0 3 * * *"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}
	switch c.Database.Driver {
	case DriverSQLite, DriverMySQL:
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (want sqlite or mysql)", c.Database.Driver))
	}
	if u, err := url.Parse(c.Upstream.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("upstream.base_url %q is not an absolute URL", c.Upstream.BaseURL))
	}
	if c.Upstream.Timeout < 0 {
		errs = append(errs, "upstream.timeout must not be negative")
	}
	if c.Upstream.RequestsPerMinute < 0 {
		errs = append(errs, "upstream.requests_per_minute must not be negative")
	}
	if c.Upstream.CompleteAttempts < 0 {
		errs = append(errs, "upstream.complete_attempts must not be negative")
	}
	seen := make(map[string]bool)
	for i, a := range c.Apps {
		if a.Name == "" {
			errs = append(errs, fmt.Sprintf("apps[%d].name is required", i))
		} else if seen[a.Name] {
			errs = append(errs, fmt.Sprintf("apps[%d].name %q is duplicated", i, a.Name))
		}
		seen[a.Name] = true
		if a.APIKeyEnv == "" {
			errs = append(errs, fmt.Sprintf("apps[%d].api_key_env is required", i))
		}
	}
	if c.Retention.MaxAgeDays < 0 {
		errs = append(errs, "retention.max_age_days must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
