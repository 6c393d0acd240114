package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kazedev/kiroku/internal/cache"
	"github.com/kazedev/kiroku/internal/config"
	"github.com/kazedev/kiroku/internal/manager"
	"github.com/kazedev/kiroku/internal/migration"
	"github.com/kazedev/kiroku/internal/recovery"
	"github.com/kazedev/kiroku/internal/security"
	"github.com/kazedev/kiroku/internal/storage"
)

// engine bundles everything a subcommand needs, torn down in reverse
// construction order.
type engine struct {
	safe  *recovery.SafeManager
	mgr   *manager.Manager
	store *storage.Store
	audit *security.AuditLogger
}

func (e *engine) close() {
	e.mgr.Close()
	e.store.Close()
	e.audit.Close()
}

func buildEngine(autoSave bool) (*engine, error) {
	audit, err := security.NewAuditLogger(cfg.Sessions.Dir, security.AuditConfig{
		Enabled:     cfg.Audit.Enabled,
		Level:       security.AuditLevel(cfg.Audit.Level),
		MaxFileSize: cfg.Audit.MaxFileSize,
		MaxFiles:    cfg.Audit.MaxFiles,
	})
	if err != nil {
		return nil, fmt.Errorf("init audit logger: %w", err)
	}

	migrator, err := migration.New(cfg.Sessions.Dir, nil)
	if err != nil {
		audit.Close()
		return nil, fmt.Errorf("init migration framework: %w", err)
	}

	retryDelay, err := config.DurationOrDefault(cfg.Store.WriteRetryDelay, config.DefaultStoreWriteRetryDelay)
	if err != nil {
		audit.Close()
		return nil, err
	}
	lockTimeout, _ := config.DurationOrDefault(cfg.Store.LockTimeout, config.DefaultStoreLockTimeout)
	lockRetry, _ := config.DurationOrDefault(cfg.Store.LockRetry, config.DefaultStoreLockRetry)

	perms := security.NewPermissions(true, true)

	store, err := storage.Open(storage.Config{
		Dir:                cfg.Sessions.Dir,
		CompressionEnabled: cfg.Store.CompressionEnabled,
		ChecksumEnabled:    cfg.Store.ChecksumEnabled,
		CreateBackups:      cfg.Store.CreateBackups,
		MaxFileSize:        cfg.Store.MaxFileSize,
		MaxRetries:         cfg.Store.WriteMaxRetries,
		RetryDelay:         retryDelay,
		LockTimeout:        lockTimeout,
		LockRetry:          lockRetry,
		LockMaxRetry:       cfg.Store.LockMaxRetry,
	}, migrator, perms, audit)
	if err != nil {
		audit.Close()
		return nil, fmt.Errorf("open session store: %w", err)
	}

	opts := []manager.Option{
		manager.WithConfirmation(promptConfirmation),
		manager.WithNotification(func(message string) {
			fmt.Println(message)
		}),
	}
	if cfg.Cache.Enabled {
		ttl, _ := config.DurationOrDefault(cfg.Cache.TTL, config.DefaultCacheTTL)
		opts = append(opts, manager.WithCache(cache.NewMetadataCache(ttl, cfg.Cache.MaxEntries)))
	}

	mgr, err := manager.New(store, audit, manager.Config{
		MaxSessions: cfg.Sessions.MaxSessions,
		MaxAge:      time.Duration(cfg.Sessions.MaxAgeMs) * time.Millisecond,
		AutoSave: manager.AutoSaveConfig{
			Enabled:    autoSave && cfg.Sessions.AutoSaveEnabled,
			Interval:   time.Duration(cfg.Sessions.AutoSaveIntervalMs) * time.Millisecond,
			MaxRetries: cfg.Sessions.AutoSaveMaxRetries,
		},
	}, opts...)
	if err != nil {
		store.Close()
		audit.Close()
		return nil, err
	}

	return &engine{
		safe:  recovery.NewSafeManager(mgr, recovery.DefaultFailureThreshold),
		mgr:   mgr,
		store: store,
		audit: audit,
	}, nil
}

func withEngine(fn func(e *engine) error) error {
	e, err := buildEngine(false)
	if err != nil {
		return err
	}
	defer e.close()
	return fn(e)
}

func promptConfirmation(message, details string) bool {
	fmt.Printf("%s\n%s [y/N]: ", message, details)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func manager2ListOptions(model string, tags []string, offset, limit int) manager.ListOptions {
	return manager.ListOptions{
		SortBy:    manager.SortByLastModified,
		SortOrder: "desc",
		Limit:     limit,
		Offset:    offset,
		Model:     model,
		Tags:      tags,
	}
}

func managerCleanupOptions(dryRun bool) manager.CleanupOptions {
	return manager.CleanupOptions{
		MaxCount:          cfg.Sessions.MaxSessions,
		MaxAge:            time.Duration(cfg.Sessions.MaxAgeMs) * time.Millisecond,
		CreateBackups:     cfg.Store.CreateBackups,
		ShowNotifications: true,
		DryRun:            dryRun,
	}
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04")
}
