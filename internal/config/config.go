package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server" envconfig:"SERVER"`
	Logging LoggingConfig `yaml:"logging" envconfig:"LOGGING"`
	License LicenseConfig `yaml:"license" envconfig:"LICENSE"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps" envconfig:"RATE_LIMIT_RPS" default:"100"`
	RateLimitBurst  int           `yaml:"rate_limit_burst" envconfig:"RATE_LIMIT_BURST" default:"50"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/opsboard.log"`
}

// LicenseConfig contains the license service configuration. The three
// secret fields have no defaults: the service refuses to start without
// them rather than run with an open allowlist.
type LicenseConfig struct {
	TokenSecret     string        `yaml:"token_secret" envconfig:"TOKEN_SECRET"`
	ManifestSecret  string        `yaml:"manifest_secret" envconfig:"MANIFEST_SECRET"`
	MasterKeyHashes string        `yaml:"master_key_hashes" envconfig:"MASTER_KEY_HASHES"`
	TokenTTL        time.Duration `yaml:"token_ttl" envconfig:"TOKEN_TTL" default:"8760h"`
	DataDir         string        `yaml:"data_dir" envconfig:"DATA_DIR" default:"data/license"`
	RateWindow      time.Duration `yaml:"rate_window" envconfig:"RATE_WINDOW" default:"15m"`
	MaxAttempts     int           `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS" default:"5"`
}

var hexDigestRe = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// MasterHashes returns the parsed allowlist of master-key digests with
// whitespace and empty entries filtered out.
func (c LicenseConfig) MasterHashes() []string {
	var hashes []string
	for _, h := range strings.Split(c.MasterKeyHashes, ",") {
		h = strings.TrimSpace(h)
		if h != "" {
			hashes = append(hashes, h)
		}
	}
	return hashes
}

// Load loads configuration from environment variables, merged over an
// optional YAML config file. Fields with a default tag resolve env
// first, then the default; the file primarily supplies the secret
// fields, which have no defaults.
func Load() (*Config, error) {
	var cfg Config

	configFile := os.Getenv("OPSBOARD_CONFIG")
	if configFile == "" {
		configFile = "config.yaml"
	}
	if _, err := os.Stat(configFile); err == nil {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	// Environment variables take precedence over the file
	if err := envconfig.Process("OPSBOARD", &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate enforces the fail-closed startup contract: missing or
// malformed license secrets are fatal, never defaulted.
func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.License.TokenSecret == "" {
		return fmt.Errorf("OPSBOARD_LICENSE_TOKEN_SECRET is required; generate with: openssl rand -hex 64")
	}
	if c.License.ManifestSecret == "" {
		return fmt.Errorf("OPSBOARD_LICENSE_MANIFEST_SECRET is required; generate with: openssl rand -hex 64")
	}
	if c.License.TokenSecret == c.License.ManifestSecret {
		return fmt.Errorf("token secret and manifest secret must be distinct values")
	}
	hashes := c.License.MasterHashes()
	if len(hashes) == 0 {
		return fmt.Errorf("OPSBOARD_LICENSE_MASTER_KEY_HASHES is required; must contain comma-separated SHA256 hashes of valid master keys")
	}
	for _, h := range hashes {
		if !hexDigestRe.MatchString(h) {
			return fmt.Errorf("master key hash %q is not a sha256 hex digest", h)
		}
	}
	if c.License.MaxAttempts < 1 {
		return fmt.Errorf("license max_attempts must be at least 1")
	}
	if c.License.RateWindow <= 0 {
		return fmt.Errorf("license rate_window must be positive")
	}
	return nil
}
