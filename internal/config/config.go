// Package config provides configuration for the relay service.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/spf13/viper"
)

// Config holds the relay configuration.
type Config struct {
	// Server settings
	WSPort   int `mapstructure:"WS_PORT"`   // External WebSocket port
	HTTPPort int `mapstructure:"HTTP_PORT"` // Ingest API, /health and /metrics
	RPCPort  int `mapstructure:"RPC_PORT"`  // JSON-RPC ingest; 0 disables it

	// Auth settings
	JWTSecret           string `mapstructure:"JWT_SECRET"` // When set, hello must carry a signed token
	AdmissionPolicyFile string `mapstructure:"ADMISSION_POLICY_FILE"`

	// WebSocket settings
	PingIntervalMs     int   `mapstructure:"WS_PING_INTERVAL_MS"`
	WriteTimeoutMs     int   `mapstructure:"WS_WRITE_TIMEOUT_MS"`
	ReadTimeoutMs      int   `mapstructure:"WS_READ_TIMEOUT_MS"`
	HandshakeTimeoutMs int   `mapstructure:"HANDSHAKE_TIMEOUT_MS"`
	MaxMessageSize     int64 `mapstructure:"WS_MAX_MESSAGE_SIZE"`
	SendBuffer         int   `mapstructure:"WS_SEND_BUFFER"`

	// Logging
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
}

var defaults = map[string]interface{}{
	"WS_PORT":               8090,
	"HTTP_PORT":             8091,
	"RPC_PORT":              0,
	"JWT_SECRET":            "",
	"ADMISSION_POLICY_FILE": "",
	"WS_PING_INTERVAL_MS":   30000,
	"WS_WRITE_TIMEOUT_MS":   10000,
	"WS_READ_TIMEOUT_MS":    60000,
	"HANDSHAKE_TIMEOUT_MS":  10000,
	"WS_MAX_MESSAGE_SIZE":   65536,
	"WS_SEND_BUFFER":        256,
	"LOG_LEVEL":             "info",
	"LOG_FORMAT":            "console",
}

// Load reads .env (if present) and the environment. Env vars override .env.
func Load() (*Config, error) {
	return loadFile(".env")
}

// loadFile is Load with the dotenv path as a parameter. Only a missing file
// is skipped; an unreadable or malformed one is an error.
func loadFile(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	v.AutomaticEnv()
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ports and timeouts.
func (c *Config) Validate() error {
	var errs []error
	if c.WSPort <= 0 || c.WSPort > 65535 {
		errs = append(errs, errors.New("config: WS_PORT must be between 1 and 65535"))
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		errs = append(errs, errors.New("config: HTTP_PORT must be between 1 and 65535"))
	}
	if c.RPCPort < 0 || c.RPCPort > 65535 {
		errs = append(errs, errors.New("config: RPC_PORT must be between 0 and 65535"))
	}
	if c.PingIntervalMs <= 0 || c.WriteTimeoutMs <= 0 || c.ReadTimeoutMs <= 0 || c.HandshakeTimeoutMs <= 0 {
		errs = append(errs, errors.New("config: WebSocket timeouts must be positive"))
	}
	if c.PingIntervalMs >= c.ReadTimeoutMs {
		errs = append(errs, errors.New("config: WS_PING_INTERVAL_MS must be shorter than WS_READ_TIMEOUT_MS"))
	}
	if c.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("config: WS_MAX_MESSAGE_SIZE must be positive"))
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, errors.New("config: WS_SEND_BUFFER must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalMs) * time.Millisecond
}

func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMs) * time.Millisecond
}

func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMs) * time.Millisecond
}

func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMs) * time.Millisecond
}
