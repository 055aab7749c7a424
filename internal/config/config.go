package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	pderrors "github.com/Aman-CERP/pdindex/internal/errors"
)

// CurrentVersion is the config schema version written by WriteYAML.
const CurrentVersion = 1

// Config represents the complete pdindex configuration.
type Config struct {
	Version      int                `yaml:"version" json:"version"`
	Server       ServerConfig       `yaml:"server" json:"server"`
	Indexer      IndexerConfig      `yaml:"indexer" json:"indexer"`
	BusinessInfo BusinessInfoConfig `yaml:"businessinfo" json:"businessinfo"`
	Storage      StorageConfig      `yaml:"storage" json:"storage"`
	Logging      LoggingConfig      `yaml:"logging" json:"logging"`
}

// ServerConfig configures the HTTPS ingress.
type ServerConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	TLSCert  string `yaml:"tls_cert" json:"tls_cert"`
	TLSKey   string `yaml:"tls_key" json:"tls_key"`
	ClientCA string `yaml:"client_ca" json:"client_ca"`
	// AllowAnonymous accepts requests without a client certificate.
	// Only meant for local development.
	AllowAnonymous  bool    `yaml:"allow_anonymous" json:"allow_anonymous"`
	AllowlistFile   string  `yaml:"allowlist_file" json:"allowlist_file"`
	RateLimitRPS    float64 `yaml:"rate_limit_rps" json:"rate_limit_rps"`
	RateLimitBurst  int     `yaml:"rate_limit_burst" json:"rate_limit_burst"`
	ShutdownTimeout string  `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	LogLevel        string  `yaml:"log_level" json:"log_level"`
}

// IndexerConfig configures the work queue and retry schedule.
type IndexerConfig struct {
	RetryIntervalMinutes int    `yaml:"retry_interval_minutes" json:"retry_interval_minutes"`
	MaxRetryHours        int    `yaml:"max_retry_hours" json:"max_retry_hours"`
	SweepInterval        string `yaml:"sweep_interval" json:"sweep_interval"`
	PerformTimeout       string `yaml:"perform_timeout" json:"perform_timeout"`
}

// BusinessInfoConfig configures the business card provider.
type BusinessInfoConfig struct {
	BaseURL      string `yaml:"base_url" json:"base_url"`
	Timeout      string `yaml:"timeout" json:"timeout"`
	MaxFailures  int    `yaml:"max_failures" json:"max_failures"`
	ResetTimeout string `yaml:"reset_timeout" json:"reset_timeout"`
	Retries      int    `yaml:"retries" json:"retries"`
}

// StorageConfig configures where the index and journal live.
type StorageConfig struct {
	DataDir string `yaml:"data_dir" json:"data_dir"`
}

// LoggingConfig configures the server log file.
type LoggingConfig struct {
	File      string `yaml:"file" json:"file"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
}

// NewConfig returns a configuration with all defaults applied.
func NewConfig() *Config {
	return &Config{
		Version: CurrentVersion,
		Server: ServerConfig{
			Addr:            ":8443",
			RateLimitRPS:    50,
			RateLimitBurst:  100,
			ShutdownTimeout: "10s",
			LogLevel:        "info",
		},
		Indexer: IndexerConfig{
			RetryIntervalMinutes: 5,
			MaxRetryHours:        24,
			SweepInterval:        "1m",
			PerformTimeout:       "2m",
		},
		BusinessInfo: BusinessInfoConfig{
			Timeout:      "30s",
			MaxFailures:  5,
			ResetTimeout: "30s",
			Retries:      2,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Logging: LoggingConfig{
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
	}
}

// defaultDataDir returns ~/.pdindex/data.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".pdindex", "data")
	}
	return filepath.Join(home, ".pdindex", "data")
}

// GetUserConfigPath returns the path to the user configuration file.
// It follows XDG Base Directory specification:
//   - $XDG_CONFIG_HOME/pdindex/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/pdindex/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "pdindex", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "pdindex", "config.yaml")
	}
	return filepath.Join(home, ".config", "pdindex", "config.yaml")
}

// GetUserConfigDir returns the directory containing the user configuration.
func GetUserConfigDir() string {
	return filepath.Dir(GetUserConfigPath())
}

// UserConfigExists returns true if the user configuration file exists.
func UserConfigExists() bool {
	return fileExists(GetUserConfigPath())
}

// loadUserConfig loads the user configuration file if it exists.
// Returns nil config and nil error if the file doesn't exist.
func loadUserConfig() (*Config, error) {
	configPath := GetUserConfigPath()
	if !fileExists(configPath) {
		return nil, nil
	}

	cfg := &Config{}
	if err := cfg.loadYAML(configPath); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadUserConfig loads the user configuration file without defaults.
// Returns nil config and nil error if the file doesn't exist.
func LoadUserConfig() (*Config, error) {
	return loadUserConfig()
}

// Load builds the effective configuration. Sources in increasing
// precedence:
//  1. Hardcoded defaults
//  2. User config (~/.config/pdindex/config.yaml)
//  3. The explicit file, when path is not empty
//  4. Environment variables (PDINDEX_*)
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	userCfg, err := loadUserConfig()
	if err != nil {
		return nil, pderrors.ConfigError("failed to load user config", err)
	}
	if userCfg != nil {
		cfg.mergeWith(userCfg)
	}

	if path != "" {
		if !fileExists(path) {
			return nil, pderrors.New(pderrors.ErrCodeConfigNotFound,
				fmt.Sprintf("config file not found: %s", path), nil).
				WithDetail("path", path)
		}
		var fileCfg Config
		if err := fileCfg.loadYAML(path); err != nil {
			return nil, pderrors.ConfigError("failed to load config file", err)
		}
		cfg.mergeWith(&fileCfg)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, pderrors.ConfigError("invalid environment override", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, pderrors.ConfigError("invalid configuration", err)
	}
	return cfg, nil
}

// loadYAML replaces c with the contents of path. Unknown keys are errors.
func (c *Config) loadYAML(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}

	// Server
	mergeString(&c.Server.Addr, other.Server.Addr)
	mergeString(&c.Server.TLSCert, other.Server.TLSCert)
	mergeString(&c.Server.TLSKey, other.Server.TLSKey)
	mergeString(&c.Server.ClientCA, other.Server.ClientCA)
	if other.Server.AllowAnonymous {
		c.Server.AllowAnonymous = true
	}
	mergeString(&c.Server.AllowlistFile, other.Server.AllowlistFile)
	if other.Server.RateLimitRPS != 0 {
		c.Server.RateLimitRPS = other.Server.RateLimitRPS
	}
	mergeInt(&c.Server.RateLimitBurst, other.Server.RateLimitBurst)
	mergeString(&c.Server.ShutdownTimeout, other.Server.ShutdownTimeout)
	mergeString(&c.Server.LogLevel, other.Server.LogLevel)

	// Indexer
	mergeInt(&c.Indexer.RetryIntervalMinutes, other.Indexer.RetryIntervalMinutes)
	mergeInt(&c.Indexer.MaxRetryHours, other.Indexer.MaxRetryHours)
	mergeString(&c.Indexer.SweepInterval, other.Indexer.SweepInterval)
	mergeString(&c.Indexer.PerformTimeout, other.Indexer.PerformTimeout)

	// Business information provider
	mergeString(&c.BusinessInfo.BaseURL, other.BusinessInfo.BaseURL)
	mergeString(&c.BusinessInfo.Timeout, other.BusinessInfo.Timeout)
	mergeInt(&c.BusinessInfo.MaxFailures, other.BusinessInfo.MaxFailures)
	mergeString(&c.BusinessInfo.ResetTimeout, other.BusinessInfo.ResetTimeout)
	mergeInt(&c.BusinessInfo.Retries, other.BusinessInfo.Retries)

	// Storage and logging
	mergeString(&c.Storage.DataDir, other.Storage.DataDir)
	mergeString(&c.Logging.File, other.Logging.File)
	mergeInt(&c.Logging.MaxSizeMB, other.Logging.MaxSizeMB)
	mergeInt(&c.Logging.MaxFiles, other.Logging.MaxFiles)
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func mergeInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// applyEnvOverrides applies PDINDEX_* environment variable overrides.
// Unlike file values, a malformed number is an error rather than ignored.
func (c *Config) applyEnvOverrides() error {
	envString := map[string]*string{
		"PDINDEX_ADDR":             &c.Server.Addr,
		"PDINDEX_TLS_CERT":         &c.Server.TLSCert,
		"PDINDEX_TLS_KEY":          &c.Server.TLSKey,
		"PDINDEX_CLIENT_CA":        &c.Server.ClientCA,
		"PDINDEX_ALLOWLIST_FILE":   &c.Server.AllowlistFile,
		"PDINDEX_LOG_LEVEL":        &c.Server.LogLevel,
		"PDINDEX_BUSINESSINFO_URL": &c.BusinessInfo.BaseURL,
		"PDINDEX_DATA_DIR":         &c.Storage.DataDir,
		"PDINDEX_LOG_FILE":         &c.Logging.File,
	}
	for key, dst := range envString {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envInt := map[string]*int{
		"PDINDEX_RETRY_INTERVAL_MINUTES": &c.Indexer.RetryIntervalMinutes,
		"PDINDEX_MAX_RETRY_HOURS":        &c.Indexer.MaxRetryHours,
		"PDINDEX_RATE_LIMIT_BURST":       &c.Server.RateLimitBurst,
	}
	for key, dst := range envInt {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}

	if v := os.Getenv("PDINDEX_RATE_LIMIT_RPS"); v != "" {
		rps, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("PDINDEX_RATE_LIMIT_RPS: %w", err)
		}
		c.Server.RateLimitRPS = rps
	}
	if v := os.Getenv("PDINDEX_ALLOW_ANONYMOUS"); v != "" {
		c.Server.AllowAnonymous = strings.ToLower(v) == "true" || v == "1"
	}
	return nil
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	if c.Server.RateLimitRPS < 0 {
		return fmt.Errorf("server.rate_limit_rps must be non-negative, got %g", c.Server.RateLimitRPS)
	}
	if c.Server.RateLimitBurst < 0 {
		return fmt.Errorf("server.rate_limit_burst must be non-negative, got %d", c.Server.RateLimitBurst)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.Server.LogLevel)
	}

	if c.Indexer.RetryIntervalMinutes <= 0 {
		return fmt.Errorf("indexer.retry_interval_minutes must be positive, got %d", c.Indexer.RetryIntervalMinutes)
	}
	if c.Indexer.MaxRetryHours <= 0 {
		return fmt.Errorf("indexer.max_retry_hours must be positive, got %d", c.Indexer.MaxRetryHours)
	}

	durations := map[string]string{
		"server.shutdown_timeout":    c.Server.ShutdownTimeout,
		"indexer.sweep_interval":     c.Indexer.SweepInterval,
		"indexer.perform_timeout":    c.Indexer.PerformTimeout,
		"businessinfo.timeout":       c.BusinessInfo.Timeout,
		"businessinfo.reset_timeout": c.BusinessInfo.ResetTimeout,
	}
	for name, v := range durations {
		if _, err := parseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	if c.BusinessInfo.BaseURL != "" {
		if u, err := url.Parse(c.BusinessInfo.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("businessinfo.base_url must be an absolute URL, got %s", c.BusinessInfo.BaseURL)
		}
	}
	if c.BusinessInfo.Retries < 0 {
		return fmt.Errorf("businessinfo.retries must be non-negative, got %d", c.BusinessInfo.Retries)
	}

	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir must not be empty")
	}
	return nil
}

// ValidateServe adds the checks that only matter when running the
// server. Client commands such as status only need Validate.
func (c *Config) ValidateServe() error {
	if c.BusinessInfo.BaseURL == "" {
		return pderrors.ConfigError("businessinfo.base_url must be set to run the server", nil)
	}
	if c.Server.TLSCert == "" && !c.Server.AllowAnonymous {
		return pderrors.ConfigError("server.tls_cert is required unless server.allow_anonymous is set", nil)
	}
	return nil
}

// parseDuration accepts Go duration strings and requires a positive value.
func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", s)
	}
	return d, nil
}

// mustDuration is used by the accessors below, which run after Validate.
func mustDuration(s string, fallback time.Duration) time.Duration {
	d, err := parseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// RetryInterval returns the fixed delay between retries.
func (c IndexerConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalMinutes) * time.Minute
}

// MaxRetryDuration returns how long an item may keep failing.
func (c IndexerConfig) MaxRetryDuration() time.Duration {
	return time.Duration(c.MaxRetryHours) * time.Hour
}

// SweepEvery returns the retry sweep period.
func (c IndexerConfig) SweepEvery() time.Duration {
	return mustDuration(c.SweepInterval, time.Minute)
}

// PerformTimeoutDuration returns the per-attempt timeout.
func (c IndexerConfig) PerformTimeoutDuration() time.Duration {
	return mustDuration(c.PerformTimeout, 2*time.Minute)
}

// TimeoutDuration returns the HTTP timeout for one fetch.
func (c BusinessInfoConfig) TimeoutDuration() time.Duration {
	return mustDuration(c.Timeout, 30*time.Second)
}

// ResetTimeoutDuration returns how long the breaker stays open.
func (c BusinessInfoConfig) ResetTimeoutDuration() time.Duration {
	return mustDuration(c.ResetTimeout, 30*time.Second)
}

// ShutdownTimeoutDuration returns the graceful shutdown bound.
func (c ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return mustDuration(c.ShutdownTimeout, 10*time.Second)
}

// IndexPath returns the bleve index directory.
func (c StorageConfig) IndexPath() string {
	return filepath.Join(c.DataDir, "index.bleve")
}

// JournalPath returns the sqlite journal file.
func (c StorageConfig) JournalPath() string {
	return filepath.Join(c.DataDir, "journal.db")
}

// PIDPath returns the daemon PID file.
func (c StorageConfig) PIDPath() string {
	return filepath.Join(c.DataDir, "pdindex.pid")
}

// LockPath returns the exclusive data directory lock file.
func (c StorageConfig) LockPath() string {
	return filepath.Join(c.DataDir, ".lock")
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// JSON renders the configuration for `config show --json`.
func (c *Config) JSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// MergeNewDefaults adds new default fields while preserving existing values.
// Returns a list of field names that were added with their default values.
func (c *Config) MergeNewDefaults() []string {
	defaults := NewConfig()
	var added []string

	fill := func(name string, dst *string, def string) {
		if *dst == "" {
			*dst = def
			added = append(added, name)
		}
	}
	fillInt := func(name string, dst *int, def int) {
		if *dst == 0 {
			*dst = def
			added = append(added, name)
		}
	}

	if c.Version == 0 {
		c.Version = defaults.Version
		added = append(added, "version")
	}
	fill("server.addr", &c.Server.Addr, defaults.Server.Addr)
	fill("server.shutdown_timeout", &c.Server.ShutdownTimeout, defaults.Server.ShutdownTimeout)
	fill("server.log_level", &c.Server.LogLevel, defaults.Server.LogLevel)
	if c.Server.RateLimitRPS == 0 {
		c.Server.RateLimitRPS = defaults.Server.RateLimitRPS
		added = append(added, "server.rate_limit_rps")
	}
	fillInt("server.rate_limit_burst", &c.Server.RateLimitBurst, defaults.Server.RateLimitBurst)

	fillInt("indexer.retry_interval_minutes", &c.Indexer.RetryIntervalMinutes, defaults.Indexer.RetryIntervalMinutes)
	fillInt("indexer.max_retry_hours", &c.Indexer.MaxRetryHours, defaults.Indexer.MaxRetryHours)
	fill("indexer.sweep_interval", &c.Indexer.SweepInterval, defaults.Indexer.SweepInterval)
	fill("indexer.perform_timeout", &c.Indexer.PerformTimeout, defaults.Indexer.PerformTimeout)

	fill("businessinfo.timeout", &c.BusinessInfo.Timeout, defaults.BusinessInfo.Timeout)
	fillInt("businessinfo.max_failures", &c.BusinessInfo.MaxFailures, defaults.BusinessInfo.MaxFailures)
	fill("businessinfo.reset_timeout", &c.BusinessInfo.ResetTimeout, defaults.BusinessInfo.ResetTimeout)
	// retries: 0 is a valid value meaning "no in-call retries", so it is
	// not migrated.

	fill("storage.data_dir", &c.Storage.DataDir, defaults.Storage.DataDir)
	fillInt("logging.max_size_mb", &c.Logging.MaxSizeMB, defaults.Logging.MaxSizeMB)
	fillInt("logging.max_files", &c.Logging.MaxFiles, defaults.Logging.MaxFiles)

	return added
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
