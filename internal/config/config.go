package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr        = ":8080"
	defaultDBPath            = "kiln.db"
	defaultHeartbeatTimeout  = 5 * time.Second
	defaultHeartbeatInterval = 500 * time.Millisecond
	defaultCheckInterval     = time.Second
	defaultInitTimeout       = 10 * time.Second
	defaultAttachTimeout     = 10 * time.Second
	defaultTerminateGrace    = 2 * time.Second
	defaultHostBinary        = "kiln-host"
	defaultBreakerFailures   = 3
	defaultBreakerCooldown   = 30 * time.Second

	envConfigFile        = "KILN_CONFIG"
	envListenAddr        = "KILN_LISTEN_ADDR"
	envDBPath            = "KILN_DB_PATH"
	envLogLevel          = "KILN_LOG_LEVEL"
	envWorkers           = "KILN_WORKERS"
	envHeartbeatTimeout  = "KILN_HEARTBEAT_TIMEOUT"
	envHeartbeatInterval = "KILN_HEARTBEAT_INTERVAL"
	envCheckInterval     = "KILN_HEARTBEAT_CHECK_INTERVAL"
	envInitTimeout       = "KILN_INIT_TIMEOUT"
	envAttachTimeout     = "KILN_ATTACH_TIMEOUT"
	envTerminateGrace    = "KILN_TERMINATE_GRACE"
	envHostMode          = "KILN_HOST_MODE"
	envHostBinary        = "KILN_HOST_BINARY"
	envBreakerFailures   = "KILN_BREAKER_FAILURES"
	envBreakerCooldown   = "KILN_BREAKER_COOLDOWN"
)

// Host modes.
const (
	HostModeProcess   = "process"
	HostModeInProcess = "inprocess"
)

// Config holds application configuration loaded from environment variables
// and, optionally, a YAML file.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	Workers           int
	HeartbeatTimeout  time.Duration
	HeartbeatInterval time.Duration
	CheckInterval     time.Duration
	InitTimeout       time.Duration
	AttachTimeout     time.Duration
	TerminateGrace    time.Duration

	HostMode   string
	HostBinary string

	BreakerFailures int
	BreakerCooldown time.Duration
}

// fileConfig mirrors Config for YAML decoding. Durations are strings in
// time.ParseDuration form.
type fileConfig struct {
	ListenAddr        string `yaml:"listen_addr"`
	DBPath            string `yaml:"db_path"`
	LogLevel          string `yaml:"log_level"`
	Workers           int    `yaml:"workers"`
	HeartbeatTimeout  string `yaml:"heartbeat_timeout"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	CheckInterval     string `yaml:"heartbeat_check_interval"`
	InitTimeout       string `yaml:"init_timeout"`
	AttachTimeout     string `yaml:"attach_timeout"`
	TerminateGrace    string `yaml:"terminate_grace"`
	HostMode          string `yaml:"host_mode"`
	HostBinary        string `yaml:"host_binary"`
	BreakerFailures   *int   `yaml:"breaker_failures"`
	BreakerCooldown   string `yaml:"breaker_cooldown"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		ListenAddr:        defaultListenAddr,
		DBPath:            defaultDBPath,
		LogLevel:          slog.LevelInfo,
		Workers:           runtime.NumCPU(),
		HeartbeatTimeout:  defaultHeartbeatTimeout,
		HeartbeatInterval: defaultHeartbeatInterval,
		CheckInterval:     defaultCheckInterval,
		InitTimeout:       defaultInitTimeout,
		AttachTimeout:     defaultAttachTimeout,
		TerminateGrace:    defaultTerminateGrace,
		HostMode:          HostModeProcess,
		HostBinary:        defaultHostBinary,
		BreakerFailures:   defaultBreakerFailures,
		BreakerCooldown:   defaultBreakerCooldown,
	}
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Default()
	applyEnv(&cfg)
	return cfg
}

// LoadFile reads path as YAML over the defaults, then applies environment
// overrides. An empty path behaves like Load. If path is empty, KILN_CONFIG is
// consulted.
func LoadFile(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(envConfigFile)
	}
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
		applyFile(&cfg, fc)
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyFile(cfg *Config, fc fileConfig) {
	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = parseLogLevel(fc.LogLevel)
	}
	if fc.Workers > 0 {
		cfg.Workers = fc.Workers
	}
	cfg.HeartbeatTimeout = parseDuration(fc.HeartbeatTimeout, cfg.HeartbeatTimeout)
	cfg.HeartbeatInterval = parseDuration(fc.HeartbeatInterval, cfg.HeartbeatInterval)
	cfg.CheckInterval = parseDuration(fc.CheckInterval, cfg.CheckInterval)
	cfg.InitTimeout = parseDuration(fc.InitTimeout, cfg.InitTimeout)
	cfg.AttachTimeout = parseDuration(fc.AttachTimeout, cfg.AttachTimeout)
	cfg.TerminateGrace = parseDuration(fc.TerminateGrace, cfg.TerminateGrace)
	cfg.HostMode = parseHostMode(fc.HostMode, cfg.HostMode)
	if fc.HostBinary != "" {
		cfg.HostBinary = fc.HostBinary
	}
	if fc.BreakerFailures != nil && *fc.BreakerFailures >= 0 {
		cfg.BreakerFailures = *fc.BreakerFailures
	}
	cfg.BreakerCooldown = parseDuration(fc.BreakerCooldown, cfg.BreakerCooldown)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envWorkers); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers = n
		}
	}
	cfg.HeartbeatTimeout = parseDuration(os.Getenv(envHeartbeatTimeout), cfg.HeartbeatTimeout)
	cfg.HeartbeatInterval = parseDuration(os.Getenv(envHeartbeatInterval), cfg.HeartbeatInterval)
	cfg.CheckInterval = parseDuration(os.Getenv(envCheckInterval), cfg.CheckInterval)
	cfg.InitTimeout = parseDuration(os.Getenv(envInitTimeout), cfg.InitTimeout)
	cfg.AttachTimeout = parseDuration(os.Getenv(envAttachTimeout), cfg.AttachTimeout)
	cfg.TerminateGrace = parseDuration(os.Getenv(envTerminateGrace), cfg.TerminateGrace)
	cfg.HostMode = parseHostMode(os.Getenv(envHostMode), cfg.HostMode)
	if v := os.Getenv(envHostBinary); v != "" {
		cfg.HostBinary = v
	}
	if v := os.Getenv(envBreakerFailures); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.BreakerFailures = n
		}
	}
	cfg.BreakerCooldown = parseDuration(os.Getenv(envBreakerCooldown), cfg.BreakerCooldown)
}

// parseDuration returns fallback for empty, malformed or non-positive values.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func parseHostMode(s, fallback string) string {
	switch strings.ToLower(s) {
	case HostModeProcess:
		return HostModeProcess
	case HostModeInProcess:
		return HostModeInProcess
	default:
		return fallback
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
