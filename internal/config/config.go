// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for erimtech.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// environment variable overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.erimtech/config.toml
//   - ~/.erimtech/config.json
//   - Built-in defaults
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/erimtech/internal/util"
)

// CurrentVersion is the config schema version written by SaveTOML.
const CurrentVersion = "1"

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete erimtech configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	// DataDir holds the document database, conversation store and media.
	DataDir string `toml:"data_dir" json:"data_dir"`

	Server        ServerConfig       `toml:"server" json:"server"`
	AI            AIConfig           `toml:"ai" json:"ai"`
	Store         StoreConfig        `toml:"store" json:"store"`
	Conversations ConversationConfig `toml:"conversations" json:"conversations"`
	Auth          AuthConfig         `toml:"auth" json:"auth"`
	Quota         QuotaConfig        `toml:"quota" json:"quota"`
	Fetch         FetchConfig        `toml:"fetch" json:"fetch"`
	Media         MediaConfig        `toml:"media" json:"media"`
	Log           LogConfig          `toml:"log" json:"log"`
	UI            UIConfig           `toml:"ui" json:"ui"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Host             string   `toml:"host" json:"host"`
	Port             int      `toml:"port" json:"port"`
	ReadTimeoutSecs  int      `toml:"read_timeout_secs" json:"read_timeout_secs"`
	WriteTimeoutSecs int      `toml:"write_timeout_secs" json:"write_timeout_secs"`
	MaxBodyMB        int      `toml:"max_body_mb" json:"max_body_mb"`
	CORSOrigins      []string `toml:"cors_origins" json:"cors_origins"`
	TrustedProxies   []string `toml:"trusted_proxies" json:"trusted_proxies"`

	// RateLimitPerMinute is the per-IP request budget across all routes.
	RateLimitPerMinute int `toml:"rate_limit_per_minute" json:"rate_limit_per_minute"`
}

// AIConfig configures the generative model backend.
type AIConfig struct {
	APIKey      string `toml:"api_key" json:"api_key"`
	Model       string `toml:"model" json:"model"`
	TimeoutSecs int    `toml:"timeout_secs" json:"timeout_secs"`
}

// StoreConfig selects and configures the document store.
type StoreConfig struct {
	// Backend is "sqlite" or "firestore".
	Backend string `toml:"backend" json:"backend"`
	Path    string `toml:"path" json:"path"`

	// ProjectID is the Google Cloud project for the firestore backend.
	ProjectID string `toml:"project_id" json:"project_id"`
}

// ConversationConfig controls the conversation manager.
type ConversationConfig struct {
	Persist          bool   `toml:"persist" json:"persist"`
	Path             string `toml:"path" json:"path"`
	MaxConversations int    `toml:"max_conversations" json:"max_conversations"`

	// MaxOwners caps how many users' conversations stay loaded at once.
	MaxOwners int `toml:"max_owners" json:"max_owners"`
}

// AuthConfig controls sign-in and sessions.
type AuthConfig struct {
	AdminEmails       []string `toml:"admin_emails" json:"admin_emails"`
	SessionTTLHours   int      `toml:"session_ttl_hours" json:"session_ttl_hours"`
	MinPasswordLength int      `toml:"min_password_length" json:"min_password_length"`
	TOTPIssuer        string   `toml:"totp_issuer" json:"totp_issuer"`
}

// QuotaConfig holds the developer API and plan limits.
type QuotaConfig struct {
	APIDailyLimit        int `toml:"api_daily_limit" json:"api_daily_limit"`
	APIRequestsPerMinute int `toml:"api_requests_per_minute" json:"api_requests_per_minute"`
	ExplorerDaily        int `toml:"explorer_daily" json:"explorer_daily"`
	InnovatorDaily       int `toml:"innovator_daily" json:"innovator_daily"`
}

// FetchConfig bounds URL fetching for chat and URL analysis.
type FetchConfig struct {
	TimeoutSecs int    `toml:"timeout_secs" json:"timeout_secs"`
	MaxBytes    int64  `toml:"max_bytes" json:"max_bytes"`
	MaxChars    int    `toml:"max_chars" json:"max_chars"`
	UserAgent   string `toml:"user_agent" json:"user_agent"`

	// AllowPrivate lets chat and URL analysis read loopback and private
	// network addresses. Off by default.
	AllowPrivate bool `toml:"allow_private" json:"allow_private"`
}

// MediaConfig controls where uploaded files are kept.
type MediaConfig struct {
	Dir         string `toml:"dir" json:"dir"`
	MaxUploadMB int    `toml:"max_upload_mb" json:"max_upload_mb"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`
}

// UIConfig configures the terminal client.
type UIConfig struct {
	Theme    string `toml:"theme" json:"theme"`
	WordWrap int    `toml:"word_wrap" json:"word_wrap"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a configuration populated with built-in defaults. Paths
// under DataDir are resolved by SetDefaults.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Server: ServerConfig{
			Host:               "127.0.0.1",
			Port:               8787,
			ReadTimeoutSecs:    30,
			WriteTimeoutSecs:   120,
			MaxBodyMB:          20,
			CORSOrigins:        []string{"*"},
			RateLimitPerMinute: 120,
		},
		AI: AIConfig{
			Model:       "gemini-2.0-flash",
			TimeoutSecs: 90,
		},
		Store: StoreConfig{
			Backend: "sqlite",
		},
		Conversations: ConversationConfig{
			Persist:          true,
			MaxConversations: 200,
			MaxOwners:        1000,
		},
		Auth: AuthConfig{
			SessionTTLHours:   24 * 7,
			MinPasswordLength: 8,
			TOTPIssuer:        "ERIMTECH AI",
		},
		Quota: QuotaConfig{
			APIDailyLimit:        1000,
			APIRequestsPerMinute: 60,
			ExplorerDaily:        5,
			InnovatorDaily:       200,
		},
		Fetch: FetchConfig{
			TimeoutSecs: 15,
			MaxBytes:    2 << 20,
			MaxChars:    20000,
			UserAgent:   "erimtech-fetch/1.0",
		},
		Media: MediaConfig{
			MaxUploadMB: 15,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		UI: UIConfig{
			Theme:    "auto",
			WordWrap: 80,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the erimtech configuration directory path.
func ConfigDir() (string, error) {
	if dir := os.Getenv("ERIMTECH_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".erimtech"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// ensureSecurePermissions tightens a config file to 0600.
// SECURITY: config files can hold the model API key.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		if err := os.Chmod(path, 0o600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the default locations. It tries TOML first,
// then JSON, and falls back to defaults. Environment overrides are applied
// last. A file that fails to parse is reported alongside the defaults.
func Load() (*Config, error) {
	for _, pathFn := range []func() (string, error){ConfigPathTOML, ConfigPathJSON} {
		path, err := pathFn()
		if err != nil {
			continue
		}
		if _, statErr := os.Stat(path); statErr != nil {
			continue
		}
		cfg, err := LoadFromPath(path)
		if err != nil {
			fallback, ferr := finish(Default())
			if ferr != nil {
				return nil, ferr
			}
			return fallback, err
		}
		return cfg, nil
	}
	return finish(Default())
}

// LoadFromPath loads configuration from a specific file. Files ending in
// .json are decoded as JSON, everything else as TOML.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if err := ensureSecurePermissions(path); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	if strings.HasSuffix(path, ".json") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read JSON config %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode JSON config %s: %w", path, err)
		}
	} else {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode TOML config %s: %w", path, err)
		}
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// SaveTOML writes cfg to path as TOML with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	var b strings.Builder
	b.WriteString("# erimtech configuration file\n")
	b.WriteString("# Generated by erimtech config init - edit with care\n\n")
	if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveJSON writes cfg to path as indented JSON with 0600 permissions.
func SaveJSON(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration and returns ValidationErrors listing every
// problem found, or nil.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", fmt.Sprintf("must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimitPerMinute < 0 {
		add("server.rate_limit_per_minute", "must not be negative")
	}
	if c.Server.MaxBodyMB <= 0 {
		add("server.max_body_mb", "must be positive")
	}

	if strings.TrimSpace(c.AI.Model) == "" {
		add("ai.model", "must not be empty")
	}
	if c.AI.TimeoutSecs <= 0 {
		add("ai.timeout_secs", "must be positive")
	}

	switch c.Store.Backend {
	case "sqlite":
	case "firestore":
		if c.Store.ProjectID == "" {
			add("store.project_id", "required for the firestore backend")
		}
	default:
		add("store.backend", fmt.Sprintf("must be sqlite or firestore, got %q", c.Store.Backend))
	}

	if c.Conversations.MaxConversations < 0 {
		add("conversations.max_conversations", "must not be negative")
	}
	if c.Conversations.MaxOwners < 0 {
		add("conversations.max_owners", "must not be negative")
	}

	if c.Auth.SessionTTLHours <= 0 {
		add("auth.session_ttl_hours", "must be positive")
	}
	if c.Auth.MinPasswordLength < 6 {
		add("auth.min_password_length", "must be at least 6")
	}

	if c.Quota.APIDailyLimit <= 0 {
		add("quota.api_daily_limit", "must be positive")
	}
	if c.Quota.APIRequestsPerMinute <= 0 {
		add("quota.api_requests_per_minute", "must be positive")
	}
	if c.Quota.ExplorerDaily < 0 || c.Quota.InnovatorDaily < 0 {
		add("quota", "plan limits must not be negative")
	}

	if c.Fetch.MaxBytes <= 0 {
		add("fetch.max_bytes", "must be positive")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level", fmt.Sprintf("must be debug, info, warn or error, got %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		add("log.format", fmt.Sprintf("must be json or console, got %q", c.Log.Format))
	}

	switch c.UI.Theme {
	case "auto", "dark", "light":
	default:
		add("ui.theme", fmt.Sprintf("must be auto, dark or light, got %q", c.UI.Theme))
	}

	for _, origin := range c.Server.CORSOrigins {
		if origin == "*" {
			continue
		}
		if u, err := url.Parse(origin); err != nil || u.Scheme == "" || u.Host == "" {
			add("server.cors_origins", fmt.Sprintf("invalid origin %q", origin))
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SetDefaults fills zero values with defaults and resolves data paths.
func (c *Config) SetDefaults() {
	d := Default()

	if c.Version == "" {
		c.Version = CurrentVersion
	}
	if c.DataDir == "" {
		if dir, err := ConfigDir(); err == nil {
			c.DataDir = dir
		} else {
			c.DataDir = "."
		}
	}
	if c.Server.Host == "" {
		c.Server.Host = d.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Server.ReadTimeoutSecs == 0 {
		c.Server.ReadTimeoutSecs = d.Server.ReadTimeoutSecs
	}
	if c.Server.WriteTimeoutSecs == 0 {
		c.Server.WriteTimeoutSecs = d.Server.WriteTimeoutSecs
	}
	if c.Server.MaxBodyMB == 0 {
		c.Server.MaxBodyMB = d.Server.MaxBodyMB
	}
	if c.AI.Model == "" {
		c.AI.Model = d.AI.Model
	}
	if c.AI.TimeoutSecs == 0 {
		c.AI.TimeoutSecs = d.AI.TimeoutSecs
	}
	if c.Store.Backend == "" {
		c.Store.Backend = d.Store.Backend
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "erimtech.db")
	}
	if c.Conversations.Path == "" {
		c.Conversations.Path = filepath.Join(c.DataDir, "conversations.bolt")
	}
	if c.Media.Dir == "" {
		c.Media.Dir = filepath.Join(c.DataDir, "media")
	}
	if c.Media.MaxUploadMB == 0 {
		c.Media.MaxUploadMB = d.Media.MaxUploadMB
	}
	if c.Auth.SessionTTLHours == 0 {
		c.Auth.SessionTTLHours = d.Auth.SessionTTLHours
	}
	if c.Auth.MinPasswordLength == 0 {
		c.Auth.MinPasswordLength = d.Auth.MinPasswordLength
	}
	if c.Auth.TOTPIssuer == "" {
		c.Auth.TOTPIssuer = d.Auth.TOTPIssuer
	}
	if c.Quota.APIDailyLimit == 0 {
		c.Quota.APIDailyLimit = d.Quota.APIDailyLimit
	}
	if c.Quota.APIRequestsPerMinute == 0 {
		c.Quota.APIRequestsPerMinute = d.Quota.APIRequestsPerMinute
	}
	if c.Fetch.TimeoutSecs == 0 {
		c.Fetch.TimeoutSecs = d.Fetch.TimeoutSecs
	}
	if c.Fetch.MaxBytes == 0 {
		c.Fetch.MaxBytes = d.Fetch.MaxBytes
	}
	if c.Fetch.MaxChars == 0 {
		c.Fetch.MaxChars = d.Fetch.MaxChars
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = d.Fetch.UserAgent
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.UI.Theme == "" {
		c.UI.Theme = d.UI.Theme
	}
	if c.UI.WordWrap == 0 {
		c.UI.WordWrap = d.UI.WordWrap
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies ERIMTECH_* environment variables. The model API
// key is also read from GEMINI_API_KEY or GOOGLE_API_KEY.
func (c *Config) ApplyEnvOverrides() {
	for _, name := range []string{"GOOGLE_API_KEY", "GEMINI_API_KEY", "ERIMTECH_AI_KEY"} {
		if key := os.Getenv(name); key != "" {
			c.AI.APIKey = key
		}
	}
	if model := os.Getenv("ERIMTECH_MODEL"); model != "" {
		c.AI.Model = model
	}
	if dir := os.Getenv("ERIMTECH_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
	if port := os.Getenv("ERIMTECH_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if host := os.Getenv("ERIMTECH_HOST"); host != "" {
		c.Server.Host = host
	}
	if backend := os.Getenv("ERIMTECH_STORE_BACKEND"); backend != "" {
		c.Store.Backend = backend
	}
	if path := os.Getenv("ERIMTECH_STORE_PATH"); path != "" {
		c.Store.Path = path
	}
	if project := os.Getenv("ERIMTECH_FIRESTORE_PROJECT"); project != "" {
		c.Store.ProjectID = project
	}
	if admins := os.Getenv("ERIMTECH_ADMIN_EMAILS"); admins != "" {
		c.Auth.AdminEmails = splitList(admins)
	}
	if level := os.Getenv("ERIMTECH_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("ERIMTECH_LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}
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

// =============================================================================
// DURATION HELPERS
// =============================================================================

// AITimeout returns the model request timeout.
func (c *Config) AITimeout() time.Duration {
	return time.Duration(c.AI.TimeoutSecs) * time.Second
}

// FetchTimeout returns the URL fetch timeout.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSecs) * time.Second
}

// SessionTTL returns how long a sign-in session lives.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Auth.SessionTTLHours) * time.Hour
}

// Clone returns a deep copy of the config.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Server.CORSOrigins = append([]string(nil), c.Server.CORSOrigins...)
	clone.Server.TrustedProxies = append([]string(nil), c.Server.TrustedProxies...)
	clone.Auth.AdminEmails = append([]string(nil), c.Auth.AdminEmails...)
	return &clone
}

// String returns the config as JSON with secrets redacted.
func (c *Config) String() string {
	safe := c.Clone()
	if safe.AI.APIKey != "" {
		safe.AI.APIKey = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}

// =============================================================================
// SINGLETON PATTERN (THREAD-SAFE)
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the global configuration instance, loading it on first use.
// Thread-safe.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
		}
		if cfg == nil {
			cfg = Default()
			cfg.SetDefaults()
		}
		globalConfigMu.Lock()
		if globalConfig == nil {
			globalConfig = cfg
		}
		globalConfigMu.Unlock()
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// SetGlobal replaces the global configuration instance. Thread-safe.
func SetGlobal(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting resets the global config state. Tests only.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
