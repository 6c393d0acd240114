package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kazedev/kiroku/internal/export"
	"github.com/kazedev/kiroku/internal/lazy"
	"github.com/kazedev/kiroku/internal/search"
	"github.com/kazedev/kiroku/internal/security"
	"github.com/kazedev/kiroku/internal/session"

	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions",
	Long:  `List, inspect, search, export and clean up stored sessions.`,
}

var sessionLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		page, _ := cmd.Flags().GetInt("page")
		model, _ := cmd.Flags().GetString("model")
		tags, _ := cmd.Flags().GetStringSlice("tag")
		showStats, _ := cmd.Flags().GetBool("stats")

		return withEngine(func(e *engine) error {
			loader := lazy.NewLoader(lazy.Config{BackgroundPreload: true})
			metas, err := loader.GetPage(page, func(offset, limit int) ([]session.Metadata, error) {
				return e.mgr.ListSessions(manager2ListOptions(model, tags, offset, limit))
			})
			if err != nil {
				return err
			}

			if len(metas) == 0 {
				fmt.Println("No sessions found.")
				fmt.Println("\nRun 'kiroku session import' or create one from the assistant.")
				return nil
			}

			fmt.Println("Sessions:")
			for _, meta := range metas {
				title := "(untitled)"
				if meta.Title != nil && *meta.Title != "" {
					title = *meta.Title
				}
				fmt.Printf("- %s  %s  %s  %d msgs  %s\n",
					meta.ID, formatMillis(meta.LastModified), meta.Model, meta.MessageCount, title)
			}
			fmt.Printf("\nPage %d: %d session(s)\n", page, len(metas))

			if showStats {
				stats, err := e.mgr.SessionStats()
				if err != nil {
					return err
				}
				fmt.Printf("\nTotal: %d sessions, %d messages, %d tokens, ~%d bytes on disk\n",
					stats.SessionCount, stats.TotalMessages, stats.TotalTokens, stats.EstimatedBytes)
			}
			return nil
		})
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(e *engine) error {
			sess, report, err := e.mgr.RestoreSessionWithContext(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Session %s\n", sess.ID)
			fmt.Printf("  model:    %s\n", sess.Model)
			fmt.Printf("  created:  %s\n", formatMillis(sess.Created))
			fmt.Printf("  modified: %s\n", formatMillis(sess.LastModified))
			fmt.Printf("  messages: %d\n", len(sess.Messages))
			fmt.Printf("  tokens:   %d (in %d / out %d)\n", sess.TokenCount.Total, sess.TokenCount.Input, sess.TokenCount.Output)
			if sess.Title != nil {
				fmt.Printf("  title:    %s\n", *sess.Title)
			}
			if len(sess.Tags) > 0 {
				fmt.Printf("  tags:     %s\n", strings.Join(sess.Tags, ", "))
			}
			if len(report.Missing) > 0 {
				fmt.Printf("  missing context files: %s\n", strings.Join(report.Missing, ", "))
			}
			return nil
		})
	},
}

var sessionSearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search session content, metadata and file names",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		caseSensitive, _ := cmd.Flags().GetBool("case-sensitive")
		fuzzy, _ := cmd.Flags().GetBool("fuzzy")

		return withEngine(func(e *engine) error {
			opts := search.DefaultOptions()
			opts.Limit = limit
			opts.CaseSensitive = caseSensitive
			opts.FuzzyMatch = fuzzy

			results, err := e.mgr.SearchSessions(strings.Join(args, " "), opts)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("No matches.")
				return nil
			}

			for _, r := range results {
				fmt.Printf("%s  score %.2f  (%s)\n", r.Session.ID, r.RelevanceScore, r.MatchType)
				for _, m := range r.Matches {
					fmt.Printf("  [%s] %s\n", m.Type, m.Context)
				}
			}
			return nil
		})
	},
}

var sessionRmCmd = &cobra.Command{
	Use:   "rm [id]",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		return withEngine(func(e *engine) error {
			deleted, err := e.mgr.DeleteSessionWithConfirmation(args[0], force)
			if err != nil {
				return err
			}
			if !deleted {
				fmt.Println("Aborted.")
				return nil
			}
			fmt.Printf("Session %s deleted.\n", args[0])
			return nil
		})
	},
}

var sessionCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove old sessions by age and count",
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		return withEngine(func(e *engine) error {
			result, err := e.mgr.CleanupOldSessions(managerCleanupOptions(dryRun))
			if err != nil {
				return err
			}

			verb := "Deleted"
			if dryRun {
				verb = "Would delete"
			}
			fmt.Printf("%s %d session(s): %d by age, %d by count (~%d bytes)\n",
				verb, len(result.DeletedSessions), result.DeletedByAge, result.DeletedByCount, result.SpaceFreed)
			for _, id := range result.DeletedSessions {
				fmt.Printf("- %s\n", id)
			}
			for _, msg := range result.Errors {
				fmt.Printf("error: %s\n", msg)
			}
			return nil
		})
	},
}

var sessionExportCmd = &cobra.Command{
	Use:   "export [id] [file]",
	Short: "Export a session to a file",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetBool("raw")
		metadataOnly, _ := cmd.Flags().GetBool("metadata-only")
		noContent, _ := cmd.Flags().GetBool("no-content")

		return withEngine(func(e *engine) error {
			opts := export.DefaultOptions()
			opts.Sanitize = cfg.Export.Sanitize && !raw
			opts.PreserveWorkspacePaths = raw
			opts.MetadataOnly = metadataOnly
			opts.IncludeContent = !noContent

			data, err := e.mgr.ExportSession(args[0], opts)
			if err != nil {
				return err
			}

			if len(args) == 1 {
				fmt.Println(string(data))
				return nil
			}
			if err := os.WriteFile(args[1], data, 0o600); err != nil {
				return err
			}
			fmt.Printf("Exported session %s to %s\n", args[0], args[1])
			return nil
		})
	},
}

var sessionImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import an exported session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		strict, _ := cmd.Flags().GetBool("strict")
		keepID, _ := cmd.Flags().GetBool("keep-id")
		keepTimestamps, _ := cmd.Flags().GetBool("keep-timestamps")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		return withEngine(func(e *engine) error {
			result, err := e.mgr.ImportSession(data, export.ImportOptions{
				Strict:             strict,
				GenerateNewID:      !keepID,
				PreserveTimestamps: keepTimestamps,
			})
			if err != nil {
				return err
			}

			fmt.Printf("Imported session %s", result.Session.ID)
			if result.NewIDGenerated {
				fmt.Printf(" (was %s)", result.OriginalID)
			}
			fmt.Println()
			for _, w := range result.Warnings {
				fmt.Printf("warning: %s\n", w)
			}
			return nil
		})
	},
}

var sessionDoctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Validate the sessions directory and repair the index",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(e *engine) error {
			report, err := e.safe.DetectAvailableSessionsSafely()
			if err != nil {
				return err
			}

			fmt.Printf("Valid sessions:   %d\n", len(report.ValidSessions))
			fmt.Printf("Invalid sessions: %d\n", len(report.InvalidSessions))
			for _, id := range report.InvalidSessions {
				fmt.Printf("- %s\n", id)
			}
			if report.CleanupPerformed {
				fmt.Println("Index cleanup was performed; a backup of the previous index was kept.")
			}
			for _, w := range report.Warnings {
				fmt.Printf("warning: %s\n", w)
			}
			return nil
		})
	},
}

var sessionAuditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent audit log entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		operation, _ := cmd.Flags().GetString("operation")
		id, _ := cmd.Flags().GetString("session")
		sinceStr, _ := cmd.Flags().GetString("since")

		var since int64
		if sinceStr != "" {
			d, err := time.ParseDuration(sinceStr)
			if err != nil {
				return fmt.Errorf("parse --since: %w", err)
			}
			since = time.Now().Add(-d).UnixMilli()
		}

		return withEngine(func(e *engine) error {
			entries, err := e.audit.Query(&security.AuditFilter{
				Operation: operation,
				SessionID: id,
				Since:     since,
			})
			if err != nil {
				return err
			}
			for _, entry := range entries {
				fmt.Printf("%s  %-5s  %-18s  %-8s  %s\n",
					formatMillis(entry.Timestamp), entry.Level, entry.Operation, entry.Result, entry.SessionID)
			}
			fmt.Printf("\nTotal: %d entries\n", len(entries))
			return nil
		})
	},
}

func init() {
	sessionLsCmd.Flags().Int("page", 0, "page number (50 sessions per page)")
	sessionLsCmd.Flags().String("model", "", "filter by exact model name")
	sessionLsCmd.Flags().StringSlice("tag", nil, "filter by tag (any match)")
	sessionLsCmd.Flags().Bool("stats", false, "print aggregate statistics")

	sessionSearchCmd.Flags().Int("limit", 20, "maximum results")
	sessionSearchCmd.Flags().Bool("case-sensitive", false, "match case exactly")
	sessionSearchCmd.Flags().Bool("fuzzy", false, "allow fuzzy term matching")

	sessionRmCmd.Flags().Bool("force", false, "skip confirmation")

	sessionCleanupCmd.Flags().Bool("dry-run", false, "report victims without deleting")

	sessionExportCmd.Flags().Bool("raw", false, "skip sanitization and keep workspace paths")
	sessionExportCmd.Flags().Bool("metadata-only", false, "export only the index metadata")
	sessionExportCmd.Flags().Bool("no-content", false, "strip message bodies")

	sessionImportCmd.Flags().Bool("strict", false, "reject incomplete payloads instead of repairing")
	sessionImportCmd.Flags().Bool("keep-id", false, "keep the original session id when free")
	sessionImportCmd.Flags().Bool("keep-timestamps", false, "preserve exported timestamps")

	sessionAuditCmd.Flags().String("operation", "", "filter by operation name")
	sessionAuditCmd.Flags().String("session", "", "filter by session id")
	sessionAuditCmd.Flags().String("since", "", "only entries newer than this duration (e.g. 24h)")

	sessionCmd.AddCommand(sessionLsCmd, sessionShowCmd, sessionSearchCmd, sessionRmCmd,
		sessionCleanupCmd, sessionExportCmd, sessionImportCmd, sessionDoctorCmd, sessionAuditCmd)
	rootCmd.AddCommand(sessionCmd)
}
