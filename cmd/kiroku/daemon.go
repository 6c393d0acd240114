package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kazedev/kiroku/internal/background"
	"github.com/kazedev/kiroku/internal/cache"
	"github.com/kazedev/kiroku/internal/config"

	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Keep the engine running with auto-save and background maintenance",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := buildEngine(true)
		if err != nil {
			return err
		}
		defer e.close()

		tick, _ := config.DurationOrDefault(cfg.Background.TickInterval, config.DefaultBackgroundTickInterval)
		taskTimeout, _ := config.DurationOrDefault(cfg.Background.TaskTimeout, config.DefaultBackgroundTaskTimeout)
		ttl, _ := config.DurationOrDefault(cfg.Cache.TTL, config.DefaultCacheTTL)

		tasks := background.NewManager(background.Config{
			TickInterval:   tick,
			MaxConcurrent:  cfg.Background.MaxConcurrent,
			DefaultTimeout: taskTimeout,
		})
		if err := tasks.Start(); err != nil {
			return err
		}
		defer tasks.Stop()

		metaCache := cache.NewMetadataCache(ttl, cfg.Cache.MaxEntries)

		if cfg.Background.CleanupEnabled {
			if err := tasks.Submit(background.Task{
				ID:       "session-cleanup",
				Type:     background.TaskCleanup,
				Priority: 1,
				Retries:  2,
				Execute: func(ctx context.Context) error {
					_, err := e.store.CleanupOldSessions(cfg.Sessions.MaxSessions,
						time.Duration(cfg.Sessions.MaxAgeMs)*time.Millisecond)
					return err
				},
			}); err != nil {
				return err
			}
		}
		if err := tasks.Submit(background.Task{
			ID:       "cache-maintenance",
			Type:     background.TaskCacheMaintenance,
			Priority: 0,
			Execute: func(ctx context.Context) error {
				metaCache.Maintenance()
				return nil
			},
		}); err != nil {
			return err
		}
		if err := tasks.Submit(background.Task{
			ID:       "index-rebuild",
			Type:     background.TaskIndexRebuild,
			Priority: 2,
			Retries:  1,
			Execute: func(ctx context.Context) error {
				return e.store.RebuildIndex()
			},
		}); err != nil {
			return err
		}

		fmt.Println("kiroku daemon running; press Ctrl-C to stop")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		fmt.Println("shutting down")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
