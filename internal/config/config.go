// Package config provides configuration for the run-session service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Startup recovery modes for sessions a previous process left running.
const (
	RecoveryStop   = "stop"
	RecoveryResume = "resume"
)

// Config holds the service configuration.
// Precedence is defaults, then the YAML file named by CONFIG_FILE, then environment variables.
type Config struct {
	// Server settings
	HTTPPort        int           `yaml:"http_port"`
	APIKey          string        `yaml:"api_key"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Storage
	DBDriver          string `yaml:"db_driver"`
	DatabaseURL       string `yaml:"database_url"`
	CompressThreshold int    `yaml:"compress_threshold"`

	// WebSocket settings
	PingInterval   time.Duration `yaml:"ws_ping_interval"`
	WriteTimeout   time.Duration `yaml:"ws_write_timeout"`
	ReadTimeout    time.Duration `yaml:"ws_read_timeout"`
	MaxMessageSize int64         `yaml:"ws_max_message_size"`
	SendBuffer     int           `yaml:"ws_send_buffer"`

	// Session manager
	AppendTimeout      time.Duration `yaml:"append_timeout"`
	PublishTimeout     time.Duration `yaml:"publish_timeout"`
	ReplayWindow       int           `yaml:"replay_window"`
	CleanupConcurrency int           `yaml:"cleanup_concurrency"`
	StartupRecovery    string        `yaml:"startup_recovery"`

	// Shell adapter
	ShellPath string `yaml:"shell_path"`
	ShellCols int    `yaml:"shell_cols"`
	ShellRows int    `yaml:"shell_rows"`

	// AI adapter
	AIProvider    string        `yaml:"ai_provider"`
	AIBaseURL     string        `yaml:"ai_base_url"`
	AIAPIKey      string        `yaml:"ai_api_key"`
	AIModel       string        `yaml:"ai_model"`
	AIMaxTokens   int           `yaml:"ai_max_tokens"`
	AITimeout     time.Duration `yaml:"ai_timeout"`
	AITurnTimeout time.Duration `yaml:"ai_turn_timeout"`

	// File editor adapter
	FileEditorRoot    string `yaml:"file_editor_root"`
	FileEditorMaxSize int64  `yaml:"file_editor_max_size"`

	// Policy
	PolicyFile    string   `yaml:"policy_file"`
	DisabledKinds []string `yaml:"disabled_kinds"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPPort:           8080,
		ShutdownTimeout:    10 * time.Second,
		DBDriver:           "sqlite3",
		DatabaseURL:        "dispatch.db",
		CompressThreshold:  4096,
		PingInterval:       30 * time.Second,
		WriteTimeout:       10 * time.Second,
		ReadTimeout:        60 * time.Second,
		MaxMessageSize:     1 << 20,
		SendBuffer:         256,
		AppendTimeout:      5 * time.Second,
		PublishTimeout:     100 * time.Millisecond,
		ReplayWindow:       10,
		CleanupConcurrency: 8,
		StartupRecovery:    RecoveryStop,
		ShellPath:          defaultShell(),
		ShellCols:          80,
		ShellRows:          24,
		AIProvider:         "mock",
		AIModel:            "claude-sonnet-4-5",
		AIMaxTokens:        4096,
		AITimeout:          120 * time.Second,
		AITurnTimeout:      5 * time.Minute,
		FileEditorRoot:     ".",
		FileEditorMaxSize:  5 << 20,
		LogLevel:           "info",
	}
}

// Load builds the configuration from defaults, CONFIG_FILE and the environment.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables in the YAML
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPPort = getEnvInt("HTTP_PORT", c.HTTPPort)
	c.APIKey = getEnv("API_KEY", c.APIKey)
	c.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT_MS", c.ShutdownTimeout)

	c.DBDriver = getEnv("DB_DRIVER", c.DBDriver)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.CompressThreshold = getEnvInt("PAYLOAD_COMPRESS_THRESHOLD", c.CompressThreshold)

	c.PingInterval = getEnvDuration("WS_PING_INTERVAL_MS", c.PingInterval)
	c.WriteTimeout = getEnvDuration("WS_WRITE_TIMEOUT_MS", c.WriteTimeout)
	c.ReadTimeout = getEnvDuration("WS_READ_TIMEOUT_MS", c.ReadTimeout)
	c.MaxMessageSize = int64(getEnvInt("WS_MAX_MESSAGE_SIZE", int(c.MaxMessageSize)))
	c.SendBuffer = getEnvInt("WS_SEND_BUFFER", c.SendBuffer)

	c.AppendTimeout = getEnvDuration("APPEND_TIMEOUT_MS", c.AppendTimeout)
	c.PublishTimeout = getEnvDuration("PUBLISH_TIMEOUT_MS", c.PublishTimeout)
	c.ReplayWindow = getEnvInt("REPLAY_WINDOW", c.ReplayWindow)
	c.CleanupConcurrency = getEnvInt("CLEANUP_CONCURRENCY", c.CleanupConcurrency)
	c.StartupRecovery = getEnv("STARTUP_RECOVERY", c.StartupRecovery)

	c.ShellPath = getEnv("SHELL_PATH", c.ShellPath)
	c.ShellCols = getEnvInt("SHELL_COLS", c.ShellCols)
	c.ShellRows = getEnvInt("SHELL_ROWS", c.ShellRows)

	c.AIProvider = getEnv("AI_PROVIDER", c.AIProvider)
	c.AIBaseURL = getEnv("AI_BASE_URL", c.AIBaseURL)
	c.AIAPIKey = getEnv("AI_API_KEY", c.AIAPIKey)
	c.AIModel = getEnv("AI_MODEL", c.AIModel)
	c.AIMaxTokens = getEnvInt("AI_MAX_TOKENS", c.AIMaxTokens)
	c.AITimeout = getEnvDuration("AI_TIMEOUT_MS", c.AITimeout)
	c.AITurnTimeout = getEnvDuration("AI_TURN_TIMEOUT_MS", c.AITurnTimeout)

	c.FileEditorRoot = getEnv("FILE_EDITOR_ROOT", c.FileEditorRoot)
	c.FileEditorMaxSize = int64(getEnvInt("FILE_EDITOR_MAX_SIZE", int(c.FileEditorMaxSize)))

	c.PolicyFile = getEnv("POLICY_FILE", c.PolicyFile)
	if v := os.Getenv("DISABLED_KINDS"); v != "" {
		c.DisabledKinds = splitList(v)
	}

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
}

func (c *Config) validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port %d out of range", c.HTTPPort)
	}
	switch c.DBDriver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unknown db_driver %q", c.DBDriver)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	switch c.StartupRecovery {
	case RecoveryStop, RecoveryResume:
	default:
		return fmt.Errorf("startup_recovery must be %q or %q, got %q", RecoveryStop, RecoveryResume, c.StartupRecovery)
	}
	if c.ReplayWindow < 0 {
		return fmt.Errorf("replay_window must not be negative")
	}
	if c.ShellCols <= 0 || c.ShellCols > 65535 || c.ShellRows <= 0 || c.ShellRows > 65535 {
		return fmt.Errorf("shell size %dx%d out of range", c.ShellCols, c.ShellRows)
	}
	return nil
}

func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

// getEnvDuration reads a millisecond count.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
