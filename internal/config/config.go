// Package config handles loading transferd configuration from the environment
// and command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config holds all daemon configuration.
type Config struct {
	// Storage
	DataDir     string
	DownloadDir string

	// Admin API
	AdminAddr string
	APIKey    string // If empty, auth is disabled
	H2C       bool

	// Remote-control listener
	RemoteBind string
	RemotePort int
	RemoteV6   bool

	// Multiplexer
	MaxWait     time.Duration
	IdleTimeout time.Duration

	// Default speed limits in bytes per second, 0 for unlimited
	DownLimit int
	UpLimit   int

	// Logging
	LogLevel string
	LogFile  string
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:     "./data",
		DownloadDir: "./downloads",
		AdminAddr:   ":8080",
		RemotePort:  2233,
		MaxWait:     500 * time.Millisecond,
		IdleTimeout: 20 * time.Second,
		LogLevel:    "info",
		LogFile:     "transferd.log",
	}
}

// Load starts from the defaults and applies TRANSFERD_* environment variables.
// Unparsable values keep their default and are reported together.
func Load() (*Config, error) {
	cfg := Default()
	var errs []error

	cfg.DataDir = getEnvOrDefault("TRANSFERD_DATA_DIR", cfg.DataDir)
	cfg.DownloadDir = getEnvOrDefault("TRANSFERD_DOWNLOAD_DIR", cfg.DownloadDir)
	cfg.AdminAddr = getEnvOrDefault("TRANSFERD_ADMIN_ADDR", cfg.AdminAddr)
	cfg.APIKey = os.Getenv("TRANSFERD_API_KEY")
	cfg.RemoteBind = os.Getenv("TRANSFERD_REMOTE_BIND")
	cfg.LogLevel = getEnvOrDefault("TRANSFERD_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = getEnvOrDefault("TRANSFERD_LOG_FILE", cfg.LogFile)

	getEnvBool("TRANSFERD_H2C", &cfg.H2C, &errs)
	getEnvBool("TRANSFERD_REMOTE_V6", &cfg.RemoteV6, &errs)
	getEnvInt("TRANSFERD_REMOTE_PORT", &cfg.RemotePort, &errs)
	getEnvInt("TRANSFERD_DOWN_LIMIT", &cfg.DownLimit, &errs)
	getEnvInt("TRANSFERD_UP_LIMIT", &cfg.UpLimit, &errs)
	getEnvDuration("TRANSFERD_MAX_WAIT", &cfg.MaxWait, &errs)
	getEnvDuration("TRANSFERD_IDLE_TIMEOUT", &cfg.IdleTimeout, &errs)

	return cfg, errors.Join(errs...)
}

// RegisterFlags binds command-line flags to cfg; values already in cfg are the defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "BadgerDB data directory")
	fs.StringVar(&c.DownloadDir, "download-dir", c.DownloadDir, "Directory for downloaded files")
	fs.StringVar(&c.AdminAddr, "admin-addr", c.AdminAddr, "Admin API listen address")
	fs.BoolVar(&c.H2C, "h2c", c.H2C, "Serve the admin API with cleartext HTTP/2")
	fs.StringVar(&c.RemoteBind, "remote-bind", c.RemoteBind, "Remote-control bind address (empty for any)")
	fs.IntVar(&c.RemotePort, "remote-port", c.RemotePort, "Remote-control TCP port")
	fs.BoolVar(&c.RemoteV6, "remote-v6", c.RemoteV6, "Listen for remote control on IPv6")
	fs.DurationVar(&c.MaxWait, "max-wait", c.MaxWait, "Longest single poller wait")
	fs.DurationVar(&c.IdleTimeout, "idle-timeout", c.IdleTimeout, "Abort transfers idle for this long")
	fs.IntVar(&c.DownLimit, "down-limit", c.DownLimit, "Default download limit in bytes/s (0 = unlimited)")
	fs.IntVar(&c.UpLimit, "up-limit", c.UpLimit, "Default upload limit in bytes/s (0 = unlimited)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&c.LogFile, "log-file", c.LogFile, "Log file path (empty for stdout only)")
}

// Validate checks ranges and required values.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data dir is required"))
	}
	if c.DownloadDir == "" {
		errs = append(errs, errors.New("download dir is required"))
	}
	if c.RemotePort < 0 || c.RemotePort > 65535 {
		errs = append(errs, fmt.Errorf("remote port %d out of range", c.RemotePort))
	}
	if c.MaxWait <= 0 {
		errs = append(errs, fmt.Errorf("max wait must be positive, got %s", c.MaxWait))
	}
	if c.IdleTimeout <= c.MaxWait {
		errs = append(errs, fmt.Errorf("idle timeout %s must exceed max wait %s", c.IdleTimeout, c.MaxWait))
	}
	if c.DownLimit < 0 || c.UpLimit < 0 {
		errs = append(errs, errors.New("speed limits cannot be negative"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return l, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, dst *int, errs *[]error) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func getEnvBool(key string, dst *bool, errs *[]error) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}

func getEnvDuration(key string, dst *time.Duration, errs *[]error) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}
