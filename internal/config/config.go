package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML. Environment
// variables override file values so deployments can tweak a setting
// without editing the file.
type FileConfig struct {
	APIBaseURL      string `yaml:"apiBaseURL"`
	LogLevel        string `yaml:"logLevel"`
	StorePath       string `yaml:"storePath"`
	RedisAddr       string `yaml:"redisAddr"`
	RedisPassword   string `yaml:"redisPassword"`
	RefreshInterval string `yaml:"refreshInterval"`
	RetryAttempts   int    `yaml:"retryAttempts"`
	HTTPTimeout     string `yaml:"httpTimeout"`
}

// Load reads config from path (defaults to config.yaml) and applies
// environment overrides.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if v := os.Getenv("STOREFRONT_API_BASE_URL"); v != "" {
		cfg.APIBaseURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("STOREFRONT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.TrimSpace(v)
	}
	if v := os.Getenv("STOREFRONT_STORE_PATH"); v != "" {
		cfg.StorePath = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("STOREFRONT_REFRESH_INTERVAL"); v != "" {
		cfg.RefreshInterval = strings.TrimSpace(v)
	}
	if v := os.Getenv("STOREFRONT_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.RetryAttempts = n
		}
	}
	if v := os.Getenv("STOREFRONT_HTTP_TIMEOUT"); v != "" {
		cfg.HTTPTimeout = strings.TrimSpace(v)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.APIBaseURL == "" {
		return errors.New("config: apiBaseURL is required (set in config.yaml or STOREFRONT_API_BASE_URL)")
	}
	if cfg.StorePath == "" && cfg.RedisAddr == "" {
		return errors.New("config: storePath or redisAddr is required for the local store")
	}
	if cfg.RetryAttempts < 0 {
		return errors.New("config: retryAttempts must be >= 0")
	}
	return nil
}

// ParseRefreshInterval parses the optional refresh interval string.
func ParseRefreshInterval(interval string) (time.Duration, error) {
	if strings.TrimSpace(interval) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(interval)
	if err != nil {
		return 0, fmt.Errorf("parse refreshInterval: %w", err)
	}
	if d <= 0 {
		return 0, errors.New("refreshInterval must be positive")
	}
	return d, nil
}

// ParseHTTPTimeout parses the optional HTTP client timeout string.
func ParseHTTPTimeout(timeout string) (time.Duration, error) {
	if strings.TrimSpace(timeout) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(timeout)
	if err != nil {
		return 0, fmt.Errorf("parse httpTimeout: %w", err)
	}
	if d <= 0 {
		return 0, errors.New("httpTimeout must be positive")
	}
	return d, nil
}
