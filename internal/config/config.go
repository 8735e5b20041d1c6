// Package config provides YAML-based configuration loading for the Fixmate
// chat client.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level client configuration, loaded from fixchat.yaml.
type Config struct {
	APIBaseURL  string           `yaml:"api_base_url"`
	CableURL    string           `yaml:"cable_url"`
	Customer    CredentialConfig `yaml:"customer"`
	Repairer    CredentialConfig `yaml:"repairer"`
	MetricsAddr string           `yaml:"metrics_addr"`
}

// CredentialConfig holds one role's stored login.
type CredentialConfig struct {
	Token string `yaml:"token"`
	ID    int64  `yaml:"id"`
}

// Empty reports whether no login is stored for the role.
func (c CredentialConfig) Empty() bool {
	return c.Token == "" || c.ID == 0
}

// DefaultPath returns the per-user config location.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: locate user config dir: %w", err)
	}
	return filepath.Join(dir, "fixchat", "fixchat.yaml"), nil
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
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

// Save writes the config back to path, creating the directory if needed. The
// file carries tokens, so it is not group or world readable.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// applyDefaults fills in derived and default values. The cable endpoint is
// derived from the API base when not set explicitly.
func (c *Config) applyDefaults() {
	if c.CableURL == "" && c.APIBaseURL != "" {
		if u, err := url.Parse(c.APIBaseURL); err == nil && u.Host != "" {
			scheme := "ws"
			if u.Scheme == "https" {
				scheme = "wss"
			}
			c.CableURL = scheme + "://" + u.Host + "/cable"
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.APIBaseURL == "" {
		errs = append(errs, "api_base_url is required")
	} else if u, err := url.Parse(c.APIBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("api_base_url %q is not an absolute URL", c.APIBaseURL))
	}
	if c.CableURL != "" {
		if u, err := url.Parse(c.CableURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("cable_url %q is not an absolute URL", c.CableURL))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
