// Package config provides configuration management for tempmaild: a
// TOML file layer, environment variable overrides, and flag overrides,
// composed in that order of increasing precedence.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"
)

// ListenerMode defines the operational mode for an SMTP listener.
type ListenerMode string

const (
	// ModeSMTP is plain SMTP, always bound.
	ModeSMTP ListenerMode = "smtp"
	// ModeSubmission is STARTTLS submission; bound only if TLS is loaded.
	ModeSubmission ListenerMode = "submission"
	// ModeSMTPS is implicit TLS; bound only if TLS is loaded.
	ModeSMTPS ListenerMode = "smtps"
	// ModeIMAP is the plain line-oriented IMAP listener.
	ModeIMAP ListenerMode = "imap"
)

// FileConfig is the top-level wrapper for the shared TOML configuration
// file, mirroring the [server]+[tempmaild] split so operators can keep
// shared settings (hostname, TLS) separate from domain-specific ones.
type FileConfig struct {
	Server   ServerConfig `toml:"server"`
	Tempmail Config       `toml:"tempmaild"`
}

// ServerConfig holds settings shared across listener families.
type ServerConfig struct {
	Hostname string    `toml:"hostname"`
	TLS      TLSConfig `toml:"tls"`
}

// Config holds the full tempmaild server configuration.
type Config struct {
	Hostname string `toml:"hostname"`
	LogLevel string `toml:"log_level"`

	DomainName             string `toml:"domain_name"`
	RejectNonDomainEmails  bool   `toml:"reject_non_domain_emails"`
	EmailRetentionHours    int    `toml:"email_retention_hours"` // 0 = disabled
	DatabaseURL            string `toml:"database_url"`

	SMTPListeners []ListenerConfig `toml:"smtp_listeners"`
	APIAddress    string           `toml:"api_address"`
	IMAPAddress   string           `toml:"imap_address"` // "" disables IMAP
	ToolsAddress  string           `toml:"tools_address"`// "" disables tools endpoint
	StaticDir     string           `toml:"static_dir"`

	TLS      TLSConfig      `toml:"tls"`
	Timeouts TimeoutsConfig `toml:"timeouts"`
	Limits   LimitsConfig   `toml:"limits"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Auth     AuthConfig     `toml:"auth"`
}

// ListenerConfig defines settings for a single SMTP listener.
type ListenerConfig struct {
	Address string       `toml:"address"`
	Mode    ListenerMode `toml:"mode"`
}

// TLSConfig holds TLS certificate and version settings.
type TLSConfig struct {
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	MinVersion string `toml:"min_version"`
}

// TimeoutsConfig defines timeout durations, stored as parseable strings
// so they round-trip cleanly through TOML and environment variables.
type TimeoutsConfig struct {
	Connection string `toml:"connection"`
	Command    string `toml:"command"`
	Idle       string `toml:"idle"`
}

// LimitsConfig defines resource limits for the server.
type LimitsConfig struct {
	MaxConnections int `toml:"max_connections"`
	MaxMessageSize int `toml:"max_message_size"` // bytes; SMTP DATA cap
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// AuthConfig configures the bearer-token guard in front of the admin API.
type AuthConfig struct {
	Enabled   bool   `toml:"enabled"`
	JWTSecret string `toml:"jwt_secret"`
}

// Default returns a Config with sensible default values, matching the
// environment-variable defaults named in the external interface contract.
func Default() Config {
	return Config{
		Hostname:              "localhost",
		LogLevel:              "info",
		DomainName:            "tempmail.local",
		RejectNonDomainEmails: false,
		EmailRetentionHours:   0,
		DatabaseURL:           "tempmaild.db",
		SMTPListeners: []ListenerConfig{
			{Address: ":2525", Mode: ModeSMTP},
			{Address: ":587", Mode: ModeSubmission},
			{Address: ":465", Mode: ModeSMTPS},
		},
		APIAddress:   ":3000",
		IMAPAddress:  ":1143",
		ToolsAddress: "",
		StaticDir:    "",
		TLS: TLSConfig{
			MinVersion: "1.2",
		},
		Timeouts: TimeoutsConfig{
			Connection: "10m",
			Command:    "1m",
			Idle:       "5m",
		},
		Limits: LimitsConfig{
			MaxConnections: 200,
			MaxMessageSize: 25 << 20, // 25 MiB
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9101",
			Path:    "/metrics",
		},
		Auth: AuthConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}
	if c.DomainName == "" {
		return errors.New("domain_name is required")
	}
	if len(c.SMTPListeners) == 0 {
		return errors.New("at least one SMTP listener is required")
	}

	haveTLS := c.TLS.CertFile != "" && c.TLS.KeyFile != ""
	for i, l := range c.SMTPListeners {
		if l.Address == "" {
			return fmt.Errorf("smtp listener %d: address is required", i)
		}
		if !isValidMode(l.Mode) {
			return fmt.Errorf("smtp listener %d: invalid mode %q", i, l.Mode)
		}
		if (l.Mode == ModeSMTPS || l.Mode == ModeSubmission) && !haveTLS {
			return fmt.Errorf("smtp listener %d: mode %q requires TLS cert_file and key_file", i, l.Mode)
		}
	}

	if c.Limits.MaxConnections <= 0 {
		return errors.New("max_connections must be positive")
	}
	if c.Limits.MaxMessageSize <= 0 {
		return errors.New("max_message_size must be positive")
	}
	if c.EmailRetentionHours < 0 {
		return errors.New("email_retention_hours must not be negative")
	}

	for name, val := range map[string]string{
		"connection": c.Timeouts.Connection,
		"command":    c.Timeouts.Command,
		"idle":       c.Timeouts.Idle,
	} {
		if val == "" {
			continue
		}
		if _, err := time.ParseDuration(val); err != nil {
			return fmt.Errorf("invalid %s timeout: %w", name, err)
		}
	}

	if c.TLS.MinVersion != "" {
		if _, ok := minTLSVersions[c.TLS.MinVersion]; !ok {
			return fmt.Errorf("invalid TLS min_version %q (valid: 1.0, 1.1, 1.2, 1.3)", c.TLS.MinVersion)
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required when auth is enabled")
	}

	return nil
}

// MinTLSVersion returns the crypto/tls constant for the configured
// minimum TLS version. Returns tls.VersionTLS12 if unset or invalid.
func (c *TLSConfig) MinTLSVersion() uint16 {
	if v, ok := minTLSVersions[c.MinVersion]; ok {
		return v
	}
	return tls.VersionTLS12
}

// ConnectionTimeout returns the connection timeout, defaulting to 10m.
func (c *TimeoutsConfig) ConnectionTimeout() time.Duration {
	return parseOrDefault(c.Connection, 10*time.Minute)
}

// CommandTimeout returns the per-command timeout, defaulting to 1m.
func (c *TimeoutsConfig) CommandTimeout() time.Duration {
	return parseOrDefault(c.Command, time.Minute)
}

// IdleTimeout returns the idle timeout, defaulting to 5m.
func (c *TimeoutsConfig) IdleTimeout() time.Duration {
	return parseOrDefault(c.Idle, 5*time.Minute)
}

func parseOrDefault(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

var minTLSVersions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

func isValidMode(m ListenerMode) bool {
	switch m {
	case ModeSMTP, ModeSubmission, ModeSMTPS:
		return true
	default:
		return false
	}
}

// RetentionEnabled reports whether the sweeper should run at all.
func (c *Config) RetentionEnabled() bool {
	return c.EmailRetentionHours > 0
}
