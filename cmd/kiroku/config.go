package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kazedev/kiroku/internal/config"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		dir := filepath.Join(home, ".kiroku")
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
		path := filepath.Join(dir, "config.yaml")
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}

		sample := map[string]any{
			"server": map[string]any{
				"log_level": config.DefaultServerLogLevel,
			},
			"sessions": map[string]any{
				"dir":                   "",
				"max_sessions":          config.DefaultSessionsMaxSessions,
				"max_age_ms":            config.DefaultSessionsMaxAgeMs,
				"auto_save_enabled":     config.DefaultSessionsAutoSaveEnabled,
				"auto_save_interval_ms": config.DefaultSessionsAutoSaveIntervalMs,
			},
			"store": map[string]any{
				"compression_enabled": config.DefaultStoreCompressionEnabled,
				"checksum_enabled":    config.DefaultStoreChecksumEnabled,
				"create_backups":      config.DefaultStoreCreateBackups,
				"max_file_size":       config.DefaultStoreMaxFileSize,
			},
			"export": map[string]any{
				"sanitize": config.DefaultExportSanitize,
			},
			"audit": map[string]any{
				"enabled": config.DefaultAuditEnabled,
				"level":   config.DefaultAuditLevel,
			},
			"cache": map[string]any{
				"enabled":     config.DefaultCacheEnabled,
				"ttl":         config.DefaultCacheTTL,
				"max_entries": config.DefaultCacheMaxEntries,
			},
			"background": map[string]any{
				"cleanup_enabled": config.DefaultBackgroundCleanupEnabled,
				"tick_interval":   config.DefaultBackgroundTickInterval,
			},
		}

		out, err := yaml.Marshal(sample)
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, out, 0o600); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configInitCmd)
	rootCmd.AddCommand(configCmd)
}
