// Package config provides configuration management for ADS.
// It supports loading configuration from environment variables, config files, and defaults.
// Configuration is read once at process start; per-request overrides are passed explicitly.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for ADS.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	GlobalDB  GlobalDBConfig  `mapstructure:"globalDb"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Auth      AuthConfig      `mapstructure:"auth"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Search    SearchConfig    `mapstructure:"search"`
	Vector    VectorConfig    `mapstructure:"vector"`
	Queue     QueueConfig     `mapstructure:"queue"`
	History   HistoryConfig   `mapstructure:"history"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// GlobalDBConfig holds configuration for the process-global auth/preferences database.
// Path points at a SQLite file; when PostgresDSN is set the global database runs
// on Postgres instead.
type GlobalDBConfig struct {
	Path        string `mapstructure:"path"`
	PostgresDSN string `mapstructure:"postgresDsn"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds web session configuration.
type AuthConfig struct {
	SessionTTL     int    `mapstructure:"sessionTtl"` // in seconds
	SlidingRefresh bool   `mapstructure:"slidingRefresh"`
	TokenPepper    string `mapstructure:"tokenPepper"`
	SecureCookie   bool   `mapstructure:"secureCookie"`
	LoginBurst     int    `mapstructure:"loginBurst"`
	LoginPerMinute int    `mapstructure:"loginPerMinute"`
}

// WebSocketConfig holds WebSocket front configuration.
type WebSocketConfig struct {
	AllowedOrigins   []string `mapstructure:"allowedOrigins"`
	MaxClients       int      `mapstructure:"maxClients"`
	PingIntervalMs   int      `mapstructure:"pingIntervalMs"`
	MaxMissedPongs   int      `mapstructure:"maxMissedPongs"`
	MessagesPerSec   float64  `mapstructure:"messagesPerSec"`
	MessageBurst     int      `mapstructure:"messageBurst"`
	MaxMessageBytes  int64    `mapstructure:"maxMessageBytes"`
	SendBufferSize   int      `mapstructure:"sendBufferSize"`
}

// AgentsConfig holds orchestration-loop configuration.
type AgentsConfig struct {
	DefaultAgent          string `mapstructure:"defaultAgent"`
	MaxSupervisorRounds   int    `mapstructure:"maxSupervisorRounds"`
	MaxDelegations        int    `mapstructure:"maxDelegations"`
	MaxToolRounds         int    `mapstructure:"maxToolRounds"` // 0 = unbounded
	DelegationConcurrency int    `mapstructure:"delegationConcurrency"`
	// CLI lists the spawnable vendor CLIs. Empty falls back to the built-in
	// codex and claude definitions.
	CLI []CLIAgentConfig `mapstructure:"cli"`
}

// CLIAgentConfig describes one spawnable vendor CLI backend. Command is an
// argv template; {prompt}, {model}, and {thread} are substituted at send
// time.
type CLIAgentConfig struct {
	ID             string   `mapstructure:"id"`
	Name           string   `mapstructure:"name"`
	Vendor         string   `mapstructure:"vendor"`
	Command        []string `mapstructure:"command"`
	ResumeCommand  []string `mapstructure:"resumeCommand"`
	Model          string   `mapstructure:"model"`
	TimeoutMs      int      `mapstructure:"timeoutMs"`
	MaxOutputBytes int      `mapstructure:"maxOutputBytes"`
}

// ToolsConfig holds tool-execution configuration.
type ToolsConfig struct {
	ExecEnabled    bool     `mapstructure:"execEnabled"`
	ExecTimeoutMs  int      `mapstructure:"execTimeoutMs"`
	ExecAllowlist  []string `mapstructure:"execAllowlist"` // ["*"] = unrestricted
	MaxOutputBytes int      `mapstructure:"maxOutputBytes"`
	MaxReadBytes   int      `mapstructure:"maxReadBytes"`
	MaxWriteBytes  int      `mapstructure:"maxWriteBytes"`
	AllowedDirs    []string `mapstructure:"allowedDirs"` // extra roots beyond the workspace
}

// SearchConfig holds web-search provider configuration.
type SearchConfig struct {
	APIKey    string `mapstructure:"apiKey"`
	Endpoint  string `mapstructure:"endpoint"`
	TimeoutMs int    `mapstructure:"timeoutMs"`
}

// VectorConfig holds vector auto-context configuration.
type VectorConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	BaseURL       string `mapstructure:"baseUrl"`
	TimeoutMs     int    `mapstructure:"timeoutMs"`
	MaxQueryChars int    `mapstructure:"maxQueryChars"`
	MinIntervalMs int    `mapstructure:"minIntervalMs"`
	MaxChars      int    `mapstructure:"maxChars"`
	OverlapChars  int    `mapstructure:"overlapChars"`
	Rerank        bool   `mapstructure:"rerank"`
}

// QueueConfig holds task queue configuration.
type QueueConfig struct {
	PollIntervalMs int `mapstructure:"pollIntervalMs"`
	RetryBackoffMs int `mapstructure:"retryBackoffMs"`
	MaxRetries     int `mapstructure:"maxRetries"`
}

// HistoryConfig holds conversation history configuration.
type HistoryConfig struct {
	MaxEntriesPerSession int `mapstructure:"maxEntriesPerSession"`
	MaxTextLength        int `mapstructure:"maxTextLength"`
	DedupeWindowMs       int `mapstructure:"dedupeWindowMs"`
}

// TelegramConfig holds the Telegram bot front configuration.
type TelegramConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Token     string   `mapstructure:"token"`
	AllowFrom []string `mapstructure:"allowFrom"` // user ids or usernames; empty rejects everyone
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// SessionTTLDuration returns the session TTL as a time.Duration.
func (a *AuthConfig) SessionTTLDuration() time.Duration {
	return time.Duration(a.SessionTTL) * time.Second
}

// ExecTimeout returns the exec tool timeout as a time.Duration.
func (t *ToolsConfig) ExecTimeout() time.Duration {
	return time.Duration(t.ExecTimeoutMs) * time.Millisecond
}

// Timeout returns the search call timeout as a time.Duration.
func (s *SearchConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// Timeout returns the vector call timeout as a time.Duration.
func (v *VectorConfig) Timeout() time.Duration {
	return time.Duration(v.TimeoutMs) * time.Millisecond
}

// PollInterval returns the queue poll interval as a time.Duration.
func (q *QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalMs) * time.Millisecond
}

// RetryBackoff returns the base retry backoff as a time.Duration.
func (q *QueueConfig) RetryBackoff() time.Duration {
	return time.Duration(q.RetryBackoffMs) * time.Millisecond
}

func defaultGlobalDBPath() string {
	if p := os.Getenv("ADS_STATE_DB_PATH"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".ads", "state.db")
	}
	return filepath.Join(home, ".ads", "state.db")
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ADS_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8799)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("globalDb.path", defaultGlobalDBPath())
	v.SetDefault("globalDb.postgresDsn", "")

	// Empty URL means use the in-memory event bus.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "ads")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("auth.sessionTtl", 14*24*3600)
	v.SetDefault("auth.slidingRefresh", true)
	v.SetDefault("auth.tokenPepper", "")
	v.SetDefault("auth.secureCookie", false)
	v.SetDefault("auth.loginBurst", 5)
	v.SetDefault("auth.loginPerMinute", 10)

	v.SetDefault("websocket.allowedOrigins", []string{})
	v.SetDefault("websocket.maxClients", 32)
	v.SetDefault("websocket.pingIntervalMs", 30000)
	v.SetDefault("websocket.maxMissedPongs", 2)
	v.SetDefault("websocket.messagesPerSec", 10.0)
	v.SetDefault("websocket.messageBurst", 20)
	v.SetDefault("websocket.maxMessageBytes", 512*1024)
	v.SetDefault("websocket.sendBufferSize", 256)

	v.SetDefault("agents.defaultAgent", "codex")
	v.SetDefault("agents.maxSupervisorRounds", 2)
	v.SetDefault("agents.maxDelegations", 6)
	v.SetDefault("agents.maxToolRounds", 0)
	v.SetDefault("agents.delegationConcurrency", 2)

	v.SetDefault("tools.execEnabled", true)
	v.SetDefault("tools.execTimeoutMs", 5*60*1000)
	v.SetDefault("tools.execAllowlist", []string{"*"})
	v.SetDefault("tools.maxOutputBytes", 256*1024)
	v.SetDefault("tools.maxReadBytes", 256*1024)
	v.SetDefault("tools.maxWriteBytes", 1024*1024)
	v.SetDefault("tools.allowedDirs", []string{})

	v.SetDefault("search.apiKey", "")
	v.SetDefault("search.endpoint", "https://api.tavily.com/search")
	v.SetDefault("search.timeoutMs", 15000)

	v.SetDefault("vector.enabled", false)
	v.SetDefault("vector.baseUrl", "http://127.0.0.1:8399")
	v.SetDefault("vector.timeoutMs", 15000)
	v.SetDefault("vector.maxQueryChars", 2000)
	v.SetDefault("vector.minIntervalMs", 20000)
	v.SetDefault("vector.maxChars", 1200)
	v.SetDefault("vector.overlapChars", 200)
	v.SetDefault("vector.rerank", true)

	v.SetDefault("queue.pollIntervalMs", 1000)
	v.SetDefault("queue.retryBackoffMs", 5000)
	v.SetDefault("queue.maxRetries", 2)

	v.SetDefault("history.maxEntriesPerSession", 500)
	v.SetDefault("history.maxTextLength", 16000)
	v.SetDefault("history.dedupeWindowMs", 60000)

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.allowFrom", []string{})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ADS_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ADS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase config keys, so bind the
	// commonly overridden ones explicitly.
	_ = v.BindEnv("globalDb.path", "ADS_STATE_DB_PATH")
	_ = v.BindEnv("auth.tokenPepper", "ADS_TOKEN_PEPPER")
	_ = v.BindEnv("tools.execEnabled", "ADS_EXEC_ENABLED")
	_ = v.BindEnv("agents.maxToolRounds", "ADS_MAX_TOOL_ROUNDS")
	_ = v.BindEnv("search.apiKey", "ADS_SEARCH_API_KEY")
	_ = v.BindEnv("telegram.token", "ADS_TELEGRAM_TOKEN")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ads/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.GlobalDB.Path == "" && cfg.GlobalDB.PostgresDSN == "" {
		errs = append(errs, "globalDb.path or globalDb.postgresDsn is required")
	}
	if cfg.Auth.SessionTTL <= 0 {
		errs = append(errs, "auth.sessionTtl must be positive")
	}
	if cfg.WebSocket.MaxClients <= 0 {
		errs = append(errs, "websocket.maxClients must be positive")
	}
	if cfg.Agents.MaxSupervisorRounds < 0 {
		errs = append(errs, "agents.maxSupervisorRounds must not be negative")
	}
	if cfg.Agents.DelegationConcurrency <= 0 {
		errs = append(errs, "agents.delegationConcurrency must be positive")
	}
	if cfg.Queue.MaxRetries < 0 {
		errs = append(errs, "queue.maxRetries must not be negative")
	}
	if cfg.Vector.MaxChars <= 0 {
		errs = append(errs, "vector.maxChars must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	// Overlap larger than a quarter chunk defeats the chunker; clamp here so
	// downstream code can trust the pair.
	if cfg.Vector.OverlapChars > cfg.Vector.MaxChars/4 {
		cfg.Vector.OverlapChars = cfg.Vector.MaxChars / 4
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
