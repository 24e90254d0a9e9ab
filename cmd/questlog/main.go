// Package main is the CLI entry point for questlog — a local, tamper-evident
// event log for quest and telemetry events.
//
// Every event is appended to a hash-chained JSONL file: each record's hash
// covers the previous record's hash, so any edit, deletion, or reordering
// breaks the chain from that point forward. Payloads are sanitized before
// they ever reach disk (secrets redacted, long strings truncated, control
// characters stripped).
//
// Architecture overview:
//
//	caller --> sanitize --> build record --> flock + tail check --> append
//	                                          |
//	                                          +-- sqlite index (queries)
//	                                          +-- dashboard feed (live tail)
//
// CLI commands (cobra):
//
//	questlog              - First-run setup (writes default config)
//	questlog log          - Append an event to the chain
//	questlog verify       - Verify hash chain integrity
//	questlog status       - Show log status and chain health
//	questlog tail [-f]    - Show recent events, optionally follow
//	questlog follow       - Stream new events in real-time
//	questlog query        - Query events with filters
//	questlog purge        - Archive and remove old events (rechains the log)
//	questlog summary      - Export a windowed summary
//	questlog diff         - Compare two exported summaries
//	questlog serve        - Serve the web dashboard
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gobwas/glob"
	"github.com/spf13/cobra"

	"github.com/clawspa/questlog/internal/config"
	"github.com/clawspa/questlog/internal/dashboard"
	"github.com/clawspa/questlog/internal/telemetry"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-08-23"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// main is the entry point. It builds the cobra command tree and executes it.
// All commands share a common config directory (--config-dir flag on root).
func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// configDir is the global flag for the questlog config/state directory.
// Defaults to ~/.questlog/ but can be overridden for testing or custom setups.
var configDir string

// rootCmd is the top-level cobra command. When run with no subcommand,
// it performs first-run setup.
var rootCmd = &cobra.Command{
	Use:   "questlog",
	Short: "questlog — Tamper-evident quest event log",
	Long: `questlog keeps a local, append-only event log whose records are
hash-chained: each record's hash covers the previous record's hash, so
any tampering is detectable with 'questlog verify'. Payloads are
sanitized before they reach disk — secrets and emails are redacted,
long strings truncated, control characters stripped.

Run 'questlog log' to append events, or run 'questlog' with no
arguments for first-run setup.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFirstTimeSetup(cmd, args)
	},
}

func init() {
	// --config-dir: Override the default ~/.questlog/ directory.
	// This flag is persistent so all subcommands inherit it.
	rootCmd.PersistentFlags().StringVar(
		&configDir,
		"config-dir",
		config.DefaultDir(),
		"Path to questlog config and state directory",
	)

	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(followCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// versionCmd prints the build version, matching the --version flag.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("questlog %s (commit: %s, built: %s)\n", version, commit, buildDate)
	},
}

// openLog loads the config and opens the event log with the configured
// archive directory, lock timeout, and sqlite index. Shared by every
// subcommand that touches the chain.
func openLog() (*telemetry.Logger, *config.Config, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	opts := telemetry.Options{
		ArchiveDir:  cfg.Log.ArchiveDir,
		LockTimeout: cfg.LockTimeout(),
		Build:       telemetry.DetectBuildInfo(version, commit),
	}
	if cfg.Index.Enabled {
		opts.IndexPath = cfg.Index.Path
	}

	l, err := telemetry.New(cfg.Log.EventsPath, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open event log: %w", err)
	}
	return l, cfg, nil
}

// printEvent formats and prints a single event record to stdout.
func printEvent(event map[string]any) {
	ts, _ := event["ts"].(string)
	eventType, _ := event["event_type"].(string)
	actor := "-"
	if a, ok := event["actor"].(map[string]any); ok {
		actor = fmt.Sprintf("%v:%v", a["kind"], a["id"])
	}
	source, _ := event["source"].(string)

	line := fmt.Sprintf("[%s] %-22s actor=%-20s source=%s", ts, eventType, actor, source)
	if data, ok := event["data"].(map[string]any); ok && len(data) > 0 {
		if encoded, err := json.Marshal(data); err == nil {
			line += " data=" + string(encoded)
		}
	}
	fmt.Println(line)
}

// ============================================================================
// questlog log — Append an event
// ============================================================================

// Log command flags.
var (
	logEventType string
	logActor     string
	logActorID   string
	logSource    string
	logData      string
	logTraceID   string
)

// logCmd appends one event to the chain. The payload is sanitized before
// the append; if anything was redacted or truncated, a follow-up
// risk.flagged record lands right after it.
var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Append an event to the chain",
	Long: `Append one event to the hash-chained log. The event type must come
from the closed vocabulary (quest.completed, quest.failed,
plan.generated, risk.flagged, ...) — unknown types are recorded as
risk.flagged instead of widening the set.

The --data payload is sanitized before it reaches disk: secret-like
strings and emails are replaced with [redacted], strings over 200
characters are truncated, and control characters are stripped.

Examples:
  questlog log --type quest.completed --actor human --actor-id ada \
    --data '{"quest_id":"q-42","xp_awarded":50,"pillars":["Deep Work"]}'
  questlog log --type risk.flagged --actor system --data '{"reason":"manual"}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, _, err := openLog()
		if err != nil {
			return err
		}
		defer l.Close()

		var data map[string]any
		if logData != "" {
			if err := json.Unmarshal([]byte(logData), &data); err != nil {
				return fmt.Errorf("invalid --data JSON: %w", err)
			}
		}

		if err := l.LogEventErr(logEventType, logActor, logActorID, logSource, data, logTraceID); err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}

		fmt.Printf("[questlog] Appended %s\n", logEventType)
		return nil
	},
}

func init() {
	logCmd.Flags().StringVar(&logEventType, "type", "", "Event type (required)")
	logCmd.Flags().StringVar(&logActor, "actor", "system", "Actor kind (human, agent, system) or prefixed identity")
	logCmd.Flags().StringVar(&logActorID, "actor-id", "", "Actor identity")
	logCmd.Flags().StringVar(&logSource, "source", "cli", "Event source (cli, api, mcp)")
	logCmd.Flags().StringVar(&logData, "data", "", "Event payload as JSON object")
	logCmd.Flags().StringVar(&logTraceID, "trace-id", "", "Optional trace id for correlating events")
	logCmd.MarkFlagRequired("type")
}

// ============================================================================
// questlog verify — Verify hash chain integrity
// ============================================================================

// verifyCmd walks the whole chain from genesis, recomputing every hash.
var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity",
	Long: `Verify the integrity of the event log from genesis. Each record's
hash is recomputed as SHA-256(prev_hash + ":" + canonical record) and
compared against the stored value. Any edit, deletion, insertion, or
reordering breaks the chain; this command reports the first broken
record and why.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, _, err := openLog()
		if err != nil {
			return err
		}
		defer l.Close()

		result, err := l.Verify()
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}

		if result.OK {
			fmt.Printf("[questlog] Chain VALID (%d events verified)\n", result.CheckedEvents)
			return nil
		}

		fmt.Printf("[questlog] Chain BROKEN at event #%d\n", result.BrokenIndex)
		fmt.Printf("  Reason: %s\n", result.Reason)
		fmt.Printf("  Intact prefix: %d events\n", result.CheckedEvents)
		return fmt.Errorf("chain integrity violation detected")
	},
}

// ============================================================================
// questlog status — Show log status
// ============================================================================

// statusCmd displays the log location, event count, and chain health.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show log status and chain health",
	RunE: func(cmd *cobra.Command, args []string) error {
		l, cfg, err := openLog()
		if err != nil {
			return err
		}
		defer l.Close()

		count, err := l.CountEvents()
		if err != nil {
			return fmt.Errorf("failed to count events: %w", err)
		}
		result, err := l.Verify()
		if err != nil {
			return fmt.Errorf("failed to verify chain: %w", err)
		}

		fmt.Printf("[questlog] Log:     %s\n", l.Path())
		fmt.Printf("[questlog] Archive: %s\n", cfg.Log.ArchiveDir)
		if cfg.Index.Enabled {
			fmt.Printf("[questlog] Index:   %s\n", cfg.Index.Path)
		} else {
			fmt.Println("[questlog] Index:   disabled")
		}
		fmt.Printf("[questlog] Events:  %d\n", count)
		if result.OK {
			fmt.Println("[questlog] Chain:   VALID")
		} else {
			fmt.Printf("[questlog] Chain:   BROKEN at #%d (%s)\n", result.BrokenIndex, result.Reason)
		}
		return nil
	},
}

// ============================================================================
// questlog tail — Show recent events
// ============================================================================

// tailFollowMode enables real-time following of new events (-f flag).
var tailFollowMode bool

// tailLimit controls how many recent events to show.
var tailLimit int

// tailType filters tail output by event type glob.
var tailType string

// eventFilter compiles an optional event-type glob into a printEvent
// wrapper. An empty pattern passes everything through.
func eventFilter(pattern string) (func(map[string]any), error) {
	if pattern == "" {
		return printEvent, nil
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid event type pattern %q: %w", pattern, err)
	}
	return func(event map[string]any) {
		if eventType, _ := event["event_type"].(string); g.Match(eventType) {
			printEvent(event)
		}
	}, nil
}

// followEvents blocks on the live tail until interrupted.
func followEvents(l *telemetry.Logger, callback func(map[string]any)) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := l.Follow(ctx, callback); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// tailCmd shows recent events, optionally following in real-time.
var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent events",
	Long: `Show the most recent events. Use -f to follow in real-time (like
tail -f) and --type to filter by event type glob (e.g. 'quest.*').`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, _, err := openLog()
		if err != nil {
			return err
		}
		defer l.Close()

		print, err := eventFilter(tailType)
		if err != nil {
			return err
		}

		events, err := l.IterEvents()
		if err != nil {
			return fmt.Errorf("failed to read event log: %w", err)
		}
		if len(events) > tailLimit {
			events = events[len(events)-tailLimit:]
		}
		for _, event := range events {
			print(event)
		}

		// If -f flag is set, keep watching for new events.
		if tailFollowMode {
			return followEvents(l, print)
		}
		return nil
	},
}

func init() {
	tailCmd.Flags().BoolVarP(&tailFollowMode, "follow", "f", false, "Follow new events in real-time")
	tailCmd.Flags().IntVarP(&tailLimit, "limit", "n", 20, "Number of recent events to show")
	tailCmd.Flags().StringVar(&tailType, "type", "", "Filter by event type glob (e.g. 'quest.*')")
}

// ============================================================================
// questlog follow — Follow new events in real-time
// ============================================================================

// followType filters the live feed by event type glob.
var followType string

// followCmd streams events as they are appended, without the history
// that tail prints first.
var followCmd = &cobra.Command{
	Use:   "follow",
	Short: "Follow new events in real-time",
	Long: `Stream events as they are appended, starting from now. Appends from
other processes show up too — the live feed tails the log file itself.
Use --type to filter by event type glob (e.g. 'risk.*').`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, _, err := openLog()
		if err != nil {
			return err
		}
		defer l.Close()

		print, err := eventFilter(followType)
		if err != nil {
			return err
		}
		return followEvents(l, print)
	},
}

func init() {
	followCmd.Flags().StringVar(&followType, "type", "", "Filter by event type glob (e.g. 'risk.*')")
}

// ============================================================================
// questlog query — Query events with filters
// ============================================================================

// Query filter flags.
var (
	queryActorID string
	queryType    string
	querySince   string
	queryLimit   int
)

// queryCmd queries the log with filters (actor, event type glob, time bound).
var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query events with filters",
	Long: `Query the event log with filters. Supports filtering by actor id,
event type glob, and an RFC 3339 lower time bound. Uses the sqlite
index when enabled, falling back to a full log scan otherwise.

Examples:
  questlog query --actor ada --type 'quest.*' --limit 100
  questlog query --type risk.flagged --since 2026-08-20T00:00:00Z`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, _, err := openLog()
		if err != nil {
			return err
		}
		defer l.Close()

		events, err := l.Query(telemetry.QueryParams{
			ActorID:   queryActorID,
			EventType: queryType,
			Since:     querySince,
			Limit:     queryLimit,
		})
		if err != nil {
			return fmt.Errorf("query failed: %w", err)
		}

		if len(events) == 0 {
			fmt.Println("No matching events found.")
			return nil
		}
		for _, event := range events {
			printEvent(event)
		}
		fmt.Printf("\n%d events found.\n", len(events))
		return nil
	},
}

func init() {
	queryCmd.Flags().StringVar(&queryActorID, "actor", "", "Filter by actor id")
	queryCmd.Flags().StringVar(&queryType, "type", "", "Filter by event type glob (e.g. 'quest.*')")
	queryCmd.Flags().StringVar(&querySince, "since", "", "Show events at or after this RFC 3339 timestamp")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 50, "Maximum number of events to return")
}

// ============================================================================
// questlog purge — Archive and remove old events
// ============================================================================

// Purge command flags.
var (
	purgeOlderThan string
	purgeAll       bool
)

// purgeCmd removes old events after archiving them, then rewrites the
// remaining records as a fresh chain from genesis.
var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Archive and remove old events",
	Long: `Remove events older than the given window. Purged records are first
written to a timestamped archive file (with a SHA-256 receipt), then
the surviving records are rewritten as a fresh chain from genesis so
'questlog verify' still passes.

With --all the entire log file is deleted instead.

Examples:
  questlog purge --older-than 30d
  questlog purge --all`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, _, err := openLog()
		if err != nil {
			return err
		}
		defer l.Close()

		if purgeAll {
			removed, err := l.Purge()
			if err != nil {
				return fmt.Errorf("purge failed: %w", err)
			}
			if !removed {
				fmt.Println("[questlog] No event log to purge.")
				return nil
			}
			fmt.Println("[questlog] Event log deleted.")
			return nil
		}

		if purgeOlderThan == "" {
			return fmt.Errorf("provide --older-than (e.g. 30d) or --all")
		}
		window, err := telemetry.ParseRange(purgeOlderThan)
		if err != nil {
			return err
		}

		result, err := l.PurgeOlderThan(window)
		if err != nil {
			return fmt.Errorf("purge failed: %w", err)
		}

		if result.PurgedCount == 0 {
			fmt.Printf("[questlog] Nothing to purge (%d events kept)\n", result.KeptCount)
			return nil
		}

		fmt.Printf("[questlog] Purged %d events, kept %d\n", result.PurgedCount, result.KeptCount)
		fmt.Printf("  Archive: %s\n", result.ArchivePath)
		fmt.Printf("  SHA-256: %s\n", result.ArchiveSHA256)

		// Record the purge itself in the (freshly rechained) log.
		l.LogEvent("telemetry.purged", "system", "", "cli", map[string]any{
			"purged_count":   result.PurgedCount,
			"kept_count":     result.KeptCount,
			"older_than":     purgeOlderThan,
			"archive_sha256": result.ArchiveSHA256,
		}, "")
		return nil
	},
}

func init() {
	purgeCmd.Flags().StringVar(&purgeOlderThan, "older-than", "", "Purge events older than this window (e.g. 30d, 48h)")
	purgeCmd.Flags().BoolVar(&purgeAll, "all", false, "Delete the entire event log")
}

// ============================================================================
// questlog summary — Export a windowed summary
// ============================================================================

// Summary command flags.
var (
	summaryRange     string
	summaryOut       string
	summaryActorID   string
	summaryPresetID  string
	summaryScoreFile string
)

// summaryCmd aggregates windowed metrics over the event stream and prints
// (or persists) the summary document.
var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Export a windowed summary",
	Long: `Aggregate completions, failures, plans, risk flags, and feedback over
a trailing window into a stable JSON summary. The same log always
produces byte-identical output, so two summaries can be compared with
'questlog diff'.

Examples:
  questlog summary --range 7d
  questlog summary --range 24h --actor ada --out weekly.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, _, err := openLog()
		if err != nil {
			return err
		}
		defer l.Close()

		var score telemetry.ScoreState
		if summaryScoreFile != "" {
			data, err := os.ReadFile(summaryScoreFile)
			if err != nil {
				return fmt.Errorf("failed to read score file: %w", err)
			}
			if err := json.Unmarshal(data, &score); err != nil {
				return fmt.Errorf("invalid score file %s: %w", summaryScoreFile, err)
			}
		}

		s, err := l.ExportSummary(summaryRange, score, telemetry.ExportOptions{
			OutPath:  summaryOut,
			ActorID:  summaryActorID,
			PresetID: summaryPresetID,
		})
		if err != nil {
			return fmt.Errorf("summary export failed: %w", err)
		}

		if summaryOut != "" {
			digest, err := telemetry.SummarySHA256(s)
			if err != nil {
				return fmt.Errorf("failed to digest summary: %w", err)
			}
			fmt.Printf("[questlog] Summary written to %s\n", summaryOut)
			fmt.Printf("  SHA-256: %s\n", digest)
			return nil
		}

		out, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal summary: %w", err)
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	summaryCmd.Flags().StringVar(&summaryRange, "range", "7d", "Trailing window (e.g. 7d, 24h)")
	summaryCmd.Flags().StringVar(&summaryOut, "out", "", "Write the summary JSON to this path")
	summaryCmd.Flags().StringVar(&summaryActorID, "actor", "", "Restrict aggregation to one actor id")
	summaryCmd.Flags().StringVar(&summaryPresetID, "preset", "", "Preset id echoed into the summary")
	summaryCmd.Flags().StringVar(&summaryScoreFile, "score-file", "", "JSON file with daily_streak, weekly_streak, total_xp")
}

// ============================================================================
// questlog diff — Compare two exported summaries
// ============================================================================

// diffJSON switches the diff output from the text report to structured JSON.
var diffJSON bool

// diffCmd compares two previously exported summaries.
var diffCmd = &cobra.Command{
	Use:   "diff <summary-a.json> <summary-b.json>",
	Short: "Compare two exported summaries",
	Long: `Compare two summary documents exported by 'questlog summary --out'.
Prints per-field deltas (B relative to A): scalar counters, success
rates, per-pillar/pack/preset breakdowns, and the top-quest
leaderboard. Both files must carry the full summary key set and a
matching schema version.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := telemetry.LoadSummary(args[0])
		if err != nil {
			return err
		}
		b, err := telemetry.LoadSummary(args[1])
		if err != nil {
			return err
		}

		d := telemetry.Diff(a, b)
		if diffJSON {
			out, err := json.MarshalIndent(d, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal diff: %w", err)
			}
			fmt.Println(string(out))
			return nil
		}

		fmt.Println(telemetry.RenderText(d))
		return nil
	},
}

func init() {
	diffCmd.Flags().BoolVar(&diffJSON, "json", false, "Output the structured diff as JSON")
}

// ============================================================================
// questlog serve — Serve the web dashboard
// ============================================================================

// serveCmd starts the dashboard HTTP server with a live WebSocket feed.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the web dashboard",
	Long: `Serve the questlog web dashboard: log status with chain health, a
7-day summary snapshot, filtered event queries, and a live event feed
over WebSocket. Binds to the address from config.yaml (default:
127.0.0.1:3900).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

// runServe wires the dashboard over the event log and blocks until
// SIGINT/SIGTERM.
func runServe(cmd *cobra.Command, args []string) error {
	l, cfg, err := openLog()
	if err != nil {
		return err
	}
	defer l.Close()

	if !cfg.Dashboard.Enabled {
		return fmt.Errorf("dashboard is disabled in config.yaml")
	}

	dash := dashboard.New(dashboard.Options{Log: l})

	mux := http.NewServeMux()
	mux.Handle("/", http.RedirectHandler("/dashboard", http.StatusFound))
	mux.Handle("/dashboard", dash)
	mux.Handle("/dashboard/", dash)
	mux.Handle("/dashboard/ws", dash.WebSocketHandler())
	mux.Handle("/api/", dash.APIHandler())

	// Health check endpoint.
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","version":"%s"}`, version)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Dashboard.Host, cfg.Dashboard.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Feed appended events into the WebSocket hub. Follow tails the JSONL
	// file itself, so appends from other processes show up too.
	go func() {
		if err := l.Follow(ctx, dash.BroadcastEvent); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "[questlog] Warning: live feed stopped: %v\n", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[questlog] Dashboard at http://%s/dashboard\n", addr)
		fmt.Println("[questlog] Press Ctrl+C to stop")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n[questlog] Shutting down...")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		fmt.Fprintf(os.Stderr, "[questlog] Shutdown error: %v\n", shutdownErr)
	}

	fmt.Println("[questlog] Stopped")
	return nil
}

// ============================================================================
// First-run setup
// ============================================================================

// runFirstTimeSetup runs when 'questlog' is invoked with no subcommand.
// It creates the config directory with a default config.yaml and records
// the first runner.started event so the chain has a genesis-anchored root.
func runFirstTimeSetup(cmd *cobra.Command, args []string) error {
	fmt.Println("=== questlog — First-Time Setup ===")
	fmt.Println()

	// Check if already configured.
	if _, err := os.Stat(filepath.Join(configDir, "config.yaml")); err == nil {
		fmt.Printf("Config already exists at %s\n", configDir)
		fmt.Println("Use 'questlog log' to append events or 'questlog status' for chain health.")
		return nil
	}

	fmt.Printf("Creating config directory: %s\n", configDir)
	fmt.Println("Writing default config.yaml...")
	if err := config.WriteDefault(configDir); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}

	l, _, err := openLog()
	if err != nil {
		return err
	}
	defer l.Close()
	if err := l.LogEventErr("runner.started", "system", "", "cli", map[string]any{"first_run": true}, ""); err != nil {
		return fmt.Errorf("failed to write first event: %w", err)
	}

	fmt.Println()
	fmt.Println("Setup complete! Next steps:")
	fmt.Println()
	fmt.Println("  1. Append an event:")
	fmt.Println("     questlog log --type quest.completed --actor human --actor-id you \\")
	fmt.Println("       --data '{\"quest_id\":\"q-1\",\"xp_awarded\":50}'")
	fmt.Println()
	fmt.Println("  2. Verify the chain:")
	fmt.Println("     questlog verify")
	fmt.Println()
	fmt.Println("  3. View the dashboard:")
	fmt.Println("     questlog serve")
	fmt.Println()
	return nil
}
