package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kazedev/kiroku/internal/errors"
	"github.com/kazedev/kiroku/internal/pathutil"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Sessions   SessionsConfig   `koanf:"sessions"`
	Store      StoreConfig      `koanf:"store"`
	Export     ExportConfig     `koanf:"export"`
	Audit      AuditConfig      `koanf:"audit"`
	Cache      CacheConfig      `koanf:"cache"`
	Background BackgroundConfig `koanf:"background"`
}

type ServerConfig struct {
	LogLevel string `koanf:"log_level"`
}

type SessionsConfig struct {
	Dir                string `koanf:"dir"`
	MaxSessions        int    `koanf:"max_sessions"`
	MaxAgeMs           int64  `koanf:"max_age_ms"`
	AutoSaveEnabled    bool   `koanf:"auto_save_enabled"`
	AutoSaveIntervalMs int    `koanf:"auto_save_interval_ms"`
	AutoSaveMaxRetries int    `koanf:"auto_save_max_retries"`
}

type StoreConfig struct {
	CompressionEnabled bool   `koanf:"compression_enabled"`
	ChecksumEnabled    bool   `koanf:"checksum_enabled"`
	CreateBackups      bool   `koanf:"create_backups"`
	MaxFileSize        int64  `koanf:"max_file_size"`
	WriteMaxRetries    int    `koanf:"write_max_retries"`
	WriteRetryDelay    string `koanf:"write_retry_delay"`
	LockTimeout        string `koanf:"lock_timeout"`
	LockRetry          string `koanf:"lock_retry"`
	LockMaxRetry       int    `koanf:"lock_max_retry"`
}

type ExportConfig struct {
	Sanitize bool `koanf:"sanitize"`
}

type AuditConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Level       string `koanf:"level"`
	MaxFileSize int64  `koanf:"max_file_size"`
	MaxFiles    int    `koanf:"max_files"`
}

type CacheConfig struct {
	Enabled    bool   `koanf:"enabled"`
	TTL        string `koanf:"ttl"`
	MaxEntries int    `koanf:"max_entries"`
}

type BackgroundConfig struct {
	CleanupEnabled bool   `koanf:"cleanup_enabled"`
	TickInterval   string `koanf:"tick_interval"`
	MaxConcurrent  int    `koanf:"max_concurrent"`
	TaskTimeout    string `koanf:"task_timeout"`
}

const (
	DefaultServerLogLevel = "info"

	DefaultSessionsMaxSessions        = 100
	DefaultSessionsMaxAgeMs           = int64(30 * 24 * 60 * 60 * 1000)
	DefaultSessionsAutoSaveEnabled    = true
	DefaultSessionsAutoSaveIntervalMs = 30000
	DefaultSessionsAutoSaveMaxRetries = 3
	MinAutoSaveIntervalMs             = 5000
	MaxAutoSaveIntervalMs             = 300000

	DefaultStoreCompressionEnabled = true
	DefaultStoreChecksumEnabled    = true
	DefaultStoreCreateBackups      = true
	DefaultStoreMaxFileSize        = int64(10 * 1024 * 1024)
	DefaultStoreWriteMaxRetries    = 3
	DefaultStoreWriteRetryDelay    = "100ms"
	DefaultStoreLockTimeout        = "30s"
	DefaultStoreLockRetry          = "100ms"
	DefaultStoreLockMaxRetry       = 300

	DefaultExportSanitize = true

	DefaultAuditEnabled     = true
	DefaultAuditLevel       = "info"
	DefaultAuditMaxFileSize = int64(10 * 1024 * 1024)
	DefaultAuditMaxFiles    = 5

	DefaultCacheEnabled    = true
	DefaultCacheTTL        = "5m"
	DefaultCacheMaxEntries = 1000

	DefaultBackgroundCleanupEnabled = true
	DefaultBackgroundTickInterval   = "1m"
	DefaultBackgroundMaxConcurrent  = 2
	DefaultBackgroundTaskTimeout    = "60s"
)

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	// Hardcoded Defaults
	defaults := map[string]interface{}{
		"server.log_level":                DefaultServerLogLevel,
		"sessions.dir":                    "",
		"sessions.max_sessions":           DefaultSessionsMaxSessions,
		"sessions.max_age_ms":             DefaultSessionsMaxAgeMs,
		"sessions.auto_save_enabled":      DefaultSessionsAutoSaveEnabled,
		"sessions.auto_save_interval_ms":  DefaultSessionsAutoSaveIntervalMs,
		"sessions.auto_save_max_retries":  DefaultSessionsAutoSaveMaxRetries,
		"store.compression_enabled":       DefaultStoreCompressionEnabled,
		"store.checksum_enabled":          DefaultStoreChecksumEnabled,
		"store.create_backups":            DefaultStoreCreateBackups,
		"store.max_file_size":             DefaultStoreMaxFileSize,
		"store.write_max_retries":         DefaultStoreWriteMaxRetries,
		"store.write_retry_delay":         DefaultStoreWriteRetryDelay,
		"store.lock_timeout":              DefaultStoreLockTimeout,
		"store.lock_retry":                DefaultStoreLockRetry,
		"store.lock_max_retry":            DefaultStoreLockMaxRetry,
		"export.sanitize":                 DefaultExportSanitize,
		"audit.enabled":                   DefaultAuditEnabled,
		"audit.level":                     DefaultAuditLevel,
		"audit.max_file_size":             DefaultAuditMaxFileSize,
		"audit.max_files":                 DefaultAuditMaxFiles,
		"cache.enabled":                   DefaultCacheEnabled,
		"cache.ttl":                       DefaultCacheTTL,
		"cache.max_entries":               DefaultCacheMaxEntries,
		"background.cleanup_enabled":      DefaultBackgroundCleanupEnabled,
		"background.tick_interval":        DefaultBackgroundTickInterval,
		"background.max_concurrent":       DefaultBackgroundMaxConcurrent,
		"background.task_timeout":         DefaultBackgroundTaskTimeout,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	// Config file loading
	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".kiroku", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	// Environment Variables
	k.Load(env.Provider("KIROKU_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "KIROKU_")), "_", ".", -1)
	}), nil)

	// CLI Flags
	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dir, err := ResolveSessionsDir(cfg.Sessions.Dir)
	if err != nil {
		return nil, err
	}
	cfg.Sessions.Dir = dir

	return &cfg, nil
}

// Validate rejects out-of-range values before any component consumes them.
func (c *Config) Validate() error {
	if c.Sessions.AutoSaveIntervalMs != 0 {
		if c.Sessions.AutoSaveIntervalMs < MinAutoSaveIntervalMs || c.Sessions.AutoSaveIntervalMs > MaxAutoSaveIntervalMs {
			return errors.ConfigInvalid(fmt.Sprintf("sessions.auto_save_interval_ms must be within [%d, %d], got %d",
				MinAutoSaveIntervalMs, MaxAutoSaveIntervalMs, c.Sessions.AutoSaveIntervalMs))
		}
	}
	if c.Sessions.AutoSaveMaxRetries < 0 {
		return errors.ConfigInvalid("sessions.auto_save_max_retries must not be negative")
	}
	if c.Sessions.MaxSessions < 0 {
		return errors.ConfigInvalid("sessions.max_sessions must not be negative")
	}
	if c.Sessions.MaxAgeMs < 0 {
		return errors.ConfigInvalid("sessions.max_age_ms must not be negative")
	}
	if c.Store.MaxFileSize <= 0 {
		return errors.ConfigInvalid("store.max_file_size must be positive")
	}
	switch c.Audit.Level {
	case "info", "warn", "error":
	default:
		return errors.ConfigInvalid(fmt.Sprintf("audit.level must be one of info, warn, error; got %q", c.Audit.Level))
	}
	if _, err := DurationOrDefault(c.Cache.TTL, DefaultCacheTTL); err != nil {
		return errors.ConfigInvalid(err.Error())
	}
	if _, err := DurationOrDefault(c.Background.TickInterval, DefaultBackgroundTickInterval); err != nil {
		return errors.ConfigInvalid(err.Error())
	}
	return nil
}

// ResolveSessionsDir resolves the configured sessions directory.
// If empty, it falls back to ~/.kiroku/sessions.
func ResolveSessionsDir(dir string) (string, error) {
	if trimmed := strings.TrimSpace(dir); trimmed != "" {
		return pathutil.Expand(trimmed)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".kiroku", "sessions"), nil
}
