package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values. A flag set here always wins over
// both the TOML file and the environment, matching the teacher's
// flags-as-final-override convention.
type Flags struct {
	ConfigPath string
	Hostname   string
	LogLevel   string
	DomainName string
	TLSCert    string
	TLSKey     string
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "./tempmaild.toml", "Path to configuration file")
	flag.StringVar(&f.Hostname, "hostname", "", "Server hostname")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.DomainName, "domain", "", "Accepted recipient domain")
	flag.StringVar(&f.TLSCert, "tls-cert", "", "TLS certificate file path")
	flag.StringVar(&f.TLSKey, "tls-key", "", "TLS key file path")

	flag.Parse()
	return f
}

// Load parses an optional TOML configuration file, layers environment
// variable overrides on top, and returns the Config. A missing file is
// not an error — the environment (and defaults) still apply.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
	} else {
		var fileConfig FileConfig
		if err := toml.Unmarshal(data, &fileConfig); err != nil {
			return cfg, fmt.Errorf("parsing config file: %w", err)
		}
		cfg = mergeServerConfig(cfg, fileConfig.Server)
		cfg = mergeConfig(cfg, fileConfig.Tempmail)
	}

	applyEnv(&cfg)
	return cfg, nil
}

// ApplyFlags merges command-line flag values into the config. Flags take
// precedence over everything else.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.Hostname != "" {
		cfg.Hostname = f.Hostname
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	if f.DomainName != "" {
		cfg.DomainName = f.DomainName
	}
	if f.TLSCert != "" {
		cfg.TLS.CertFile = f.TLSCert
	}
	if f.TLSKey != "" {
		cfg.TLS.KeyFile = f.TLSKey
	}
	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags,
// then applies flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	return ApplyFlags(cfg, f), nil
}

// applyEnv overrides cfg fields from the environment variables named in
// the external interface contract. Env vars sit between the TOML file
// and flags in precedence.
func applyEnv(cfg *Config) {
	if v := os.Getenv("DOMAIN_NAME"); v != "" {
		cfg.DomainName = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v, ok := envBool("REJECT_NON_DOMAIN_EMAILS"); ok {
		cfg.RejectNonDomainEmails = v
	}
	if v, ok := envInt("EMAIL_RETENTION_HOURS"); ok {
		cfg.EmailRetentionHours = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	smtpPort := os.Getenv("SMTP_PORT")
	starttlsPort := os.Getenv("SMTP_STARTTLS_PORT")
	sslPort := os.Getenv("SMTP_SSL_PORT")
	if smtpPort != "" || starttlsPort != "" || sslPort != "" {
		listeners := cfg.SMTPListeners
		cfg.SMTPListeners = nil
		cfg.SMTPListeners = append(cfg.SMTPListeners, ListenerConfig{
			Address: ":" + orDefault(smtpPort, "2525"), Mode: ModeSMTP,
		})
		cfg.SMTPListeners = append(cfg.SMTPListeners, ListenerConfig{
			Address: ":" + orDefault(starttlsPort, "587"), Mode: ModeSubmission,
		})
		if sslEnabled, _ := envBool("SMTP_SSL_ENABLED"); sslEnabled {
			cfg.SMTPListeners = append(cfg.SMTPListeners, ListenerConfig{
				Address: ":" + orDefault(sslPort, "465"), Mode: ModeSMTPS,
			})
		}
		_ = listeners
	}

	if v, ok := envBool("SMTP_SSL_ENABLED"); ok && v {
		if v := os.Getenv("SMTP_SSL_CERT_PATH"); v != "" {
			cfg.TLS.CertFile = v
		}
		if v := os.Getenv("SMTP_SSL_KEY_PATH"); v != "" {
			cfg.TLS.KeyFile = v
		}
	}

	if v := os.Getenv("API_PORT"); v != "" {
		cfg.APIAddress = ":" + v
	}
	if v := os.Getenv("IMAP_PORT"); v != "" {
		cfg.IMAPAddress = ":" + v
	}
	if v := os.Getenv("TOOLS_PORT"); v == "0" {
		cfg.ToolsAddress = ""
	} else if v != "" {
		cfg.ToolsAddress = ":" + v
	}
	if v := os.Getenv("STATIC_DIR"); v != "" {
		cfg.StaticDir = v
	}
	if v, ok := envBool("METRICS_ENABLED"); ok {
		cfg.Metrics.Enabled = v
	}
	if v := os.Getenv("METRICS_ADDRESS"); v != "" {
		cfg.Metrics.Address = v
	}
	if v := os.Getenv("METRICS_PATH"); v != "" {
		cfg.Metrics.Path = v
	}
	if v, ok := envBool("AUTH_ENABLED"); ok {
		cfg.Auth.Enabled = v
	}
	if v := os.Getenv("AUTH_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// mergeServerConfig merges shared server settings into the config.
func mergeServerConfig(dst Config, src ServerConfig) Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}
	if src.TLS.CertFile != "" {
		dst.TLS.CertFile = src.TLS.CertFile
	}
	if src.TLS.KeyFile != "" {
		dst.TLS.KeyFile = src.TLS.KeyFile
	}
	if src.TLS.MinVersion != "" {
		dst.TLS.MinVersion = src.TLS.MinVersion
	}
	return dst
}

// mergeConfig merges non-zero values from src into dst.
func mergeConfig(dst, src Config) Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.DomainName != "" {
		dst.DomainName = src.DomainName
	}
	if src.DatabaseURL != "" {
		dst.DatabaseURL = src.DatabaseURL
	}
	if src.RejectNonDomainEmails {
		dst.RejectNonDomainEmails = src.RejectNonDomainEmails
	}
	if src.EmailRetentionHours > 0 {
		dst.EmailRetentionHours = src.EmailRetentionHours
	}
	if len(src.SMTPListeners) > 0 {
		dst.SMTPListeners = src.SMTPListeners
	}
	if src.APIAddress != "" {
		dst.APIAddress = src.APIAddress
	}
	if src.IMAPAddress != "" {
		dst.IMAPAddress = src.IMAPAddress
	}
	if src.ToolsAddress != "" {
		dst.ToolsAddress = src.ToolsAddress
	}
	if src.StaticDir != "" {
		dst.StaticDir = src.StaticDir
	}
	if src.TLS.CertFile != "" {
		dst.TLS.CertFile = src.TLS.CertFile
	}
	if src.TLS.KeyFile != "" {
		dst.TLS.KeyFile = src.TLS.KeyFile
	}
	if src.TLS.MinVersion != "" {
		dst.TLS.MinVersion = src.TLS.MinVersion
	}
	if src.Timeouts.Connection != "" {
		dst.Timeouts.Connection = src.Timeouts.Connection
	}
	if src.Timeouts.Command != "" {
		dst.Timeouts.Command = src.Timeouts.Command
	}
	if src.Timeouts.Idle != "" {
		dst.Timeouts.Idle = src.Timeouts.Idle
	}
	if src.Limits.MaxConnections > 0 {
		dst.Limits.MaxConnections = src.Limits.MaxConnections
	}
	if src.Limits.MaxMessageSize > 0 {
		dst.Limits.MaxMessageSize = src.Limits.MaxMessageSize
	}
	if src.Metrics.Enabled {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}
	if src.Metrics.Address != "" {
		dst.Metrics.Address = src.Metrics.Address
	}
	if src.Metrics.Path != "" {
		dst.Metrics.Path = src.Metrics.Path
	}
	if src.Auth.Enabled {
		dst.Auth.Enabled = src.Auth.Enabled
	}
	if src.Auth.JWTSecret != "" {
		dst.Auth.JWTSecret = src.Auth.JWTSecret
	}
	return dst
}
