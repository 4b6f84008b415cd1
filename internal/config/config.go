// Package config provides layered configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dvcrn/dropbox-sdk/internal/credentials"
)

// Credential backends.
const (
	BackendFile    = "file"
	BackendKeyring = "keyring"
	BackendEnv     = "env"
	BackendMemory  = "memory"
)

// Config holds the resolved configuration.
type Config struct {
	AppKey    string `yaml:"app_key"`
	AppSecret string `yaml:"app_secret"`
	// Root is "dropbox" or "sandbox".
	Root string `yaml:"root"`

	BaseURL         string        `yaml:"base_url"`
	ContentURL      string        `yaml:"content_url"`
	SignatureMethod string        `yaml:"signature_method"`
	MaxConcurrent   int           `yaml:"max_concurrent"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	Credentials     string `yaml:"credentials"`
	CredentialsPath string `yaml:"credentials_path"`

	// CallbackAddr is where the local OAuth callback server listens.
	CallbackAddr string `yaml:"callback_addr"`
	// AdminAPIKey protects the account routes of the callback server.
	AdminAPIKey string `yaml:"admin_api_key"`

	// Sources tracks where each value came from (for debugging).
	Sources map[string]string `yaml:"-"`
}

// Source indicates where a config value came from.
type Source string

const (
	SourceDefault Source = "default"
	SourceFile    Source = "file"
	SourceEnv     Source = "env"
	SourceFlag    Source = "flag"
)

// FlagOverrides holds command-line flag values. Zero values are ignored.
type FlagOverrides struct {
	ConfigPath   string
	Root         string
	Credentials  string
	CallbackAddr string
	Concurrency  int
}

// Default returns the default configuration.
func Default() *Config {
	cfg := &Config{
		Root:            "dropbox",
		BaseURL:         "https://api.dropbox.com/1/",
		ContentURL:      "https://api-content.dropbox.com/1/",
		SignatureMethod: "HMAC-SHA1",
		MaxConcurrent:   8,
		RefreshInterval: time.Hour,
		Credentials:     BackendFile,
		CallbackAddr:    "127.0.0.1:8765",
		Sources:         map[string]string{},
	}
	cfg.CredentialsPath = credentials.DefaultCredsPath()
	for _, key := range []string{"root", "base_url", "content_url", "signature_method", "max_concurrent", "refresh_interval", "credentials", "credentials_path", "callback_addr"} {
		cfg.Sources[key] = string(SourceDefault)
	}
	return cfg
}

// DefaultPath is $XDG_CONFIG_HOME/dbsdk/config.yaml.
func DefaultPath() string {
	dir := credentials.ConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// Load loads configuration from all sources with proper precedence.
// Precedence: flags > env > file > defaults
func Load(overrides FlagOverrides) (*Config, error) {
	cfg := Default()

	path := overrides.ConfigPath
	if path == "" {
		path = os.Getenv("DBSDK_CONFIG")
	}
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		if err := LoadFromFile(cfg, path); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}

	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	ApplyOverrides(cfg, overrides)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile merges the non-zero values of a YAML file into cfg.
func LoadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	set := func(key string) { cfg.Sources[key] = string(SourceFile) }
	mergeString(&cfg.AppKey, file.AppKey, "app_key", set)
	mergeString(&cfg.AppSecret, file.AppSecret, "app_secret", set)
	mergeString(&cfg.Root, file.Root, "root", set)
	mergeString(&cfg.BaseURL, file.BaseURL, "base_url", set)
	mergeString(&cfg.ContentURL, file.ContentURL, "content_url", set)
	mergeString(&cfg.SignatureMethod, file.SignatureMethod, "signature_method", set)
	mergeString(&cfg.Credentials, file.Credentials, "credentials", set)
	mergeString(&cfg.CredentialsPath, file.CredentialsPath, "credentials_path", set)
	mergeString(&cfg.CallbackAddr, file.CallbackAddr, "callback_addr", set)
	mergeString(&cfg.AdminAPIKey, file.AdminAPIKey, "admin_api_key", set)
	if file.MaxConcurrent != 0 {
		cfg.MaxConcurrent = file.MaxConcurrent
		set("max_concurrent")
	}
	if file.RefreshInterval != 0 {
		cfg.RefreshInterval = file.RefreshInterval
		set("refresh_interval")
	}
	return nil
}

// LoadFromEnv applies DBSDK_* environment variables.
func LoadFromEnv(cfg *Config) error {
	set := func(key string) { cfg.Sources[key] = string(SourceEnv) }
	mergeString(&cfg.AppKey, os.Getenv("DBSDK_APP_KEY"), "app_key", set)
	mergeString(&cfg.AppSecret, os.Getenv("DBSDK_APP_SECRET"), "app_secret", set)
	mergeString(&cfg.Root, os.Getenv("DBSDK_ROOT"), "root", set)
	mergeString(&cfg.BaseURL, os.Getenv("DBSDK_BASE_URL"), "base_url", set)
	mergeString(&cfg.ContentURL, os.Getenv("DBSDK_CONTENT_URL"), "content_url", set)
	mergeString(&cfg.SignatureMethod, os.Getenv("DBSDK_SIGNATURE_METHOD"), "signature_method", set)
	mergeString(&cfg.Credentials, os.Getenv("DBSDK_CREDENTIALS"), "credentials", set)
	mergeString(&cfg.CredentialsPath, os.Getenv("DBSDK_CREDENTIALS_PATH"), "credentials_path", set)
	mergeString(&cfg.CallbackAddr, os.Getenv("DBSDK_CALLBACK_ADDR"), "callback_addr", set)
	mergeString(&cfg.AdminAPIKey, os.Getenv("DBSDK_ADMIN_API_KEY"), "admin_api_key", set)

	if v := os.Getenv("DBSDK_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DBSDK_MAX_CONCURRENT: %w", err)
		}
		cfg.MaxConcurrent = n
		set("max_concurrent")
	}
	if v := os.Getenv("DBSDK_REFRESH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("DBSDK_REFRESH_INTERVAL: %w", err)
		}
		cfg.RefreshInterval = d
		set("refresh_interval")
	}
	return nil
}

// ApplyOverrides applies command-line flag values.
func ApplyOverrides(cfg *Config, o FlagOverrides) {
	set := func(key string) { cfg.Sources[key] = string(SourceFlag) }
	mergeString(&cfg.Root, o.Root, "root", set)
	mergeString(&cfg.Credentials, o.Credentials, "credentials", set)
	mergeString(&cfg.CallbackAddr, o.CallbackAddr, "callback_addr", set)
	if o.Concurrency > 0 {
		cfg.MaxConcurrent = o.Concurrency
		set("max_concurrent")
	}
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Root {
	case "dropbox", "sandbox":
	default:
		return fmt.Errorf("invalid root %q: must be dropbox or sandbox", c.Root)
	}
	switch c.Credentials {
	case BackendFile, BackendKeyring, BackendEnv, BackendMemory:
	default:
		return fmt.Errorf("invalid credentials backend %q", c.Credentials)
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", c.MaxConcurrent)
	}
	return nil
}

// RequireApp reports a missing app key or secret.
func (c *Config) RequireApp() error {
	if c.AppKey == "" || c.AppSecret == "" {
		return errors.New("app key and secret are required (set DBSDK_APP_KEY and DBSDK_APP_SECRET or app_key/app_secret in the config file)")
	}
	return nil
}

func mergeString(dst *string, v, key string, set func(string)) {
	if v != "" {
		*dst = v
		set(key)
	}
}
