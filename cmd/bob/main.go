// Bob is a single-user, always-on local assistant daemon. It bridges
// Telegram with pluggable streaming LLM engines and layers a
// persistent job scheduler, a durable event queue, a do-not-disturb
// gate, resumable per-chat sessions, a message log, and hybrid recall
// search over the local markdown corpus on top.
//
// Usage:
//
//	bob daemon                     Run the daemon (transport + scheduler)
//	bob schedule add <spec> <text> Schedule a job ("5m", "every day at 9am", ...)
//	bob schedule list              List jobs
//	bob schedule remove <id>       Remove a job
//	bob event emit <kind> [json]   Enqueue a queue event
//	bob event list                 List pending events
//	bob send <text>                Send a message to the default chat
//	bob dnd on <duration> [why]    Ad-hoc do-not-disturb
//	bob dnd off                    Clear ad-hoc do-not-disturb
//	bob dnd status                 Show the gate's current verdict
//	bob recall index               Reindex the memory corpus
//	bob recall search <query>      Hybrid search over the corpus
//	bob status                     Daemon and queue status
//	bob version                    Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/bobd/bob/internal/buildinfo"
	"github.com/bobd/bob/internal/config"
	"github.com/bobd/bob/internal/daemon"
	"github.com/bobd/bob/internal/dnd"
	"github.com/bobd/bob/internal/embeddings"
	"github.com/bobd/bob/internal/events"
	"github.com/bobd/bob/internal/jobs"
	"github.com/bobd/bob/internal/paths"
	"github.com/bobd/bob/internal/recall"
	"github.com/bobd/bob/internal/schedule"
	"github.com/bobd/bob/internal/scheduler"
	"github.com/bobd/bob/internal/telegram"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level
// environment and delegates immediately to run, which keeps os.Exit
// and os.Args out of the application logic so the full lifecycle can
// be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, which makes it impossible
// to call run concurrently from tests, and the argument surface here
// is small.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-config", "--config":
			if i+1 >= len(args) {
				return fmt.Errorf("-config requires a path")
			}
			i++
			configPath = args[i]
		case "-h", "-help", "--help":
			printUsage(stdout)
			return nil
		default:
			command = args[i]
			cmdArgs = args[i+1:]
			i = len(args)
		}
	}

	if command == "" {
		printUsage(stdout)
		return nil
	}

	layout := paths.NewLayout(paths.DefaultRoot())

	switch command {
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil

	case "daemon":
		cfg, err := loadConfig(configPath, layout)
		if err != nil {
			return err
		}
		return runDaemon(ctx, cfg, layout)

	case "schedule":
		return runSchedule(stdout, layout, cmdArgs)

	case "event":
		return runEvent(stdout, layout, cmdArgs)

	case "send":
		cfg, err := loadConfig(configPath, layout)
		if err != nil {
			return err
		}
		return runSend(ctx, stdout, cfg, cmdArgs)

	case "dnd":
		cfg, err := loadConfig(configPath, layout)
		if err != nil {
			return err
		}
		return runDND(stdout, cfg, layout, cmdArgs)

	case "recall":
		cfg, err := loadConfig(configPath, layout)
		if err != nil {
			return err
		}
		return runRecall(ctx, stdout, cfg, layout, cmdArgs)

	case "status":
		return runStatus(stdout, layout)

	default:
		printUsage(stderr)
		return fmt.Errorf("unknown command %q", command)
	}
}

func loadConfig(explicit string, layout *paths.Layout) (*config.Config, error) {
	path, err := config.FindConfig(explicit, layout.Root)
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

// buildLogger constructs the daemon logger: text to stdout, optionally
// duplicated into a rotating file.
func buildLogger(cfg *config.Config) *slog.Logger {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: config.ReplaceLogLevelNames}

	var w io.Writer = os.Stdout
	if cfg.LogFile != "" {
		w = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    20, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
		})
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func runDaemon(ctx context.Context, cfg *config.Config, layout *paths.Layout) error {
	logger := buildLogger(cfg)
	slog.SetDefault(logger)

	d, err := daemon.New(cfg, layout, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting", "build", buildinfo.String(), "root", layout.Root)
	return d.Run(ctx)
}

func runSchedule(stdout io.Writer, layout *paths.Layout, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: bob schedule add|list|remove ...")
	}
	if err := layout.EnsureDirs(); err != nil {
		return err
	}
	store, err := jobs.NewStore(layout.JobsDB())
	if err != nil {
		return err
	}
	defer store.Close()

	switch args[0] {
	case "add":
		if len(args) < 3 {
			return fmt.Errorf("usage: bob schedule add <spec> <text>")
		}
		kind, spec, err := schedule.Parse(args[1], time.Now())
		if err != nil {
			return err
		}
		chatID, _ := strconv.ParseInt(os.Getenv("BOB_CHAT_ID"), 10, 64)
		threadID, _ := strconv.ParseInt(os.Getenv("BOB_THREAD_ID"), 10, 64)
		job, err := store.Add(jobs.AddInput{
			ChatID:       chatID,
			ThreadID:     threadID,
			ScheduleKind: kind,
			ScheduleSpec: spec,
			JobType:      jobs.TypeSendMessage,
			Payload:      map[string]any{"text": strings.Join(args[2:], " ")},
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "job %d scheduled (%s %s), next run %s\n",
			job.ID, job.ScheduleKind, job.ScheduleSpec, job.NextRunAt.Local().Format(time.RFC1123))
		scheduler.SignalRunning(layout.SchedulerPID())
		return nil

	case "list":
		all, err := store.List()
		if err != nil {
			return err
		}
		if len(all) == 0 {
			fmt.Fprintln(stdout, "no jobs")
			return nil
		}
		for _, j := range all {
			next := "-"
			if j.NextRunAt != nil {
				next = j.NextRunAt.Local().Format("2006-01-02 15:04:05")
			}
			state := "on"
			if !j.Enabled {
				state = "off"
			}
			fmt.Fprintf(stdout, "%4d  %-12s %-6s %-20s next=%s [%s]\n",
				j.ID, j.JobType, j.ScheduleKind, j.ScheduleSpec, next, state)
		}
		return nil

	case "remove":
		if len(args) != 2 {
			return fmt.Errorf("usage: bob schedule remove <id>")
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid job id %q", args[1])
		}
		removed, err := store.Remove(id)
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("job %d not found", id)
		}
		fmt.Fprintf(stdout, "job %d removed\n", id)
		scheduler.SignalRunning(layout.SchedulerPID())
		return nil

	default:
		return fmt.Errorf("unknown schedule command %q", args[0])
	}
}

func runEvent(stdout io.Writer, layout *paths.Layout, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: bob event emit|list ...")
	}
	if err := layout.EnsureDirs(); err != nil {
		return err
	}
	store, err := events.NewStore(layout.EventsDB())
	if err != nil {
		return err
	}
	defer store.Close()

	switch args[0] {
	case "emit":
		if len(args) < 2 {
			return fmt.Errorf("usage: bob event emit <kind> [payload-json]")
		}
		var payload map[string]any
		if len(args) >= 3 {
			if err := json.Unmarshal([]byte(args[2]), &payload); err != nil {
				return fmt.Errorf("payload is not valid JSON: %w", err)
			}
		}
		chatID, _ := strconv.ParseInt(os.Getenv("BOB_CHAT_ID"), 10, 64)
		threadID, _ := strconv.ParseInt(os.Getenv("BOB_THREAD_ID"), 10, 64)
		ev, err := store.Add(events.AddInput{
			ChatID:   chatID,
			ThreadID: threadID,
			Kind:     args[1],
			Payload:  payload,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "event %d enqueued (%s)\n", ev.ID, ev.Kind)
		scheduler.SignalRunning(layout.SchedulerPID())
		return nil

	case "list":
		pending, err := store.List(events.ListOptions{})
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Fprintln(stdout, "no pending events")
			return nil
		}
		for _, e := range pending {
			state := "pending"
			if e.ClaimToken != "" {
				state = "claimed"
			}
			fmt.Fprintf(stdout, "%4d  %-20s chat=%d %s [%s]\n",
				e.ID, e.Kind, e.ChatID, e.CreatedAt.Local().Format("15:04:05"), state)
		}
		return nil

	default:
		return fmt.Errorf("unknown event command %q", args[0])
	}
}

func runSend(ctx context.Context, stdout io.Writer, cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: bob send <text>")
	}
	chatID, _ := strconv.ParseInt(os.Getenv("BOB_CHAT_ID"), 10, 64)
	if chatID == 0 && len(cfg.Telegram.Allowlist) > 0 {
		chatID = cfg.Telegram.Allowlist[0]
	}
	if chatID == 0 {
		return fmt.Errorf("no chat: set BOB_CHAT_ID or configure an allowlist")
	}

	client := telegram.NewClient(cfg.Telegram.Token, slog.Default())
	if _, err := client.SendMessage(ctx, chatID, strings.Join(args, " "), telegram.SendOptions{}); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "sent")
	return nil
}

func runDND(stdout io.Writer, cfg *config.Config, layout *paths.Layout, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: bob dnd on|off|status")
	}
	if err := layout.EnsureDirs(); err != nil {
		return err
	}

	window := dnd.Window{Enabled: cfg.DND.Enabled}
	if cfg.DND.Enabled {
		if start, err := config.ParseClock(cfg.DND.Start); err == nil {
			window.Start = start
		}
		if end, err := config.ParseClock(cfg.DND.End); err == nil {
			window.End = end
		}
	}
	gate := dnd.New(window, cfg.Location(), layout.DNDStateFile())

	switch args[0] {
	case "on":
		d := time.Hour
		if len(args) >= 2 {
			parsed, err := time.ParseDuration(args[1])
			if err != nil {
				return fmt.Errorf("invalid duration %q", args[1])
			}
			d = parsed
		}
		reason := strings.Join(args[2:], " ")
		if err := gate.SetAdhoc(d, reason); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "dnd on for %s\n", d)
		return nil

	case "off":
		if err := gate.ClearAdhoc(); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "dnd off")
		return nil

	case "status":
		status := gate.IsActive(time.Now())
		if !status.Active {
			fmt.Fprintln(stdout, "inactive")
			return nil
		}
		fmt.Fprintf(stdout, "active (%s) until %s\n", status.Reason, status.EndsAt.Local().Format(time.RFC1123))
		return nil

	default:
		return fmt.Errorf("unknown dnd command %q", args[0])
	}
}

func runRecall(ctx context.Context, stdout io.Writer, cfg *config.Config, layout *paths.Layout, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: bob recall index|search ...")
	}
	if err := layout.EnsureDirs(); err != nil {
		return err
	}

	store, err := recall.NewStore(layout.RecallDB(), 768, slog.Default())
	if err != nil {
		return err
	}
	defer store.Close()

	var embedder recall.EmbeddingClient
	if cfg.Embeddings.Enabled {
		embedder = embeddings.New(embeddings.Config{
			BaseURL: cfg.Embeddings.BaseURL,
			Model:   cfg.Embeddings.Model,
		})
	}
	index := recall.NewIndex(store, embedder, layout.MemoryDir(), slog.Default())

	switch args[0] {
	case "index":
		stats, err := index.IndexAll(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "scanned=%d indexed=%d skipped=%d removed=%d embedded=%d\n",
			stats.Scanned, stats.Indexed, stats.Skipped, stats.Removed, stats.Embedded)
		return nil

	case "search":
		if len(args) < 2 {
			return fmt.Errorf("usage: bob recall search <query>")
		}
		results, err := index.Search(ctx, strings.Join(args[1:], " "), 10, recall.ModeHybrid)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Fprintln(stdout, "no results")
			return nil
		}
		for _, r := range results {
			crumbs := strings.Join(r.Breadcrumbs, " > ")
			fmt.Fprintf(stdout, "[%.3f %s] %s — %s\n    %s\n",
				r.Score, r.MatchType, r.Source, crumbs, r.Preview)
		}
		return nil

	default:
		return fmt.Errorf("unknown recall command %q", args[0])
	}
}

func runStatus(stdout io.Writer, layout *paths.Layout) error {
	pidData, err := os.ReadFile(layout.SchedulerPID())
	if err != nil {
		fmt.Fprintln(stdout, "daemon: not running (no pid file)")
	} else {
		fmt.Fprintf(stdout, "daemon: pid %s\n", strings.TrimSpace(string(pidData)))
	}

	if store, err := jobs.NewStore(layout.JobsDB()); err == nil {
		defer store.Close()
		if next, err := store.NextRunAt(); err == nil && next != nil {
			fmt.Fprintf(stdout, "next job: %s\n", next.Local().Format(time.RFC1123))
		} else {
			fmt.Fprintln(stdout, "next job: none")
		}
	}

	if store, err := events.NewStore(layout.EventsDB()); err == nil {
		defer store.Close()
		if n, err := store.CountPending(time.Now(), 0); err == nil {
			fmt.Fprintf(stdout, "pending events: %d\n", n)
		}
	}
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `bob — single-user local assistant daemon

usage:
  bob [-config path] <command> [args]

commands:
  daemon                      run the daemon
  schedule add <spec> <text>  schedule a message ("5m", "every day at 9am", "cron 0 9 * * 1")
  schedule list               list jobs
  schedule remove <id>        remove a job
  event emit <kind> [json]    enqueue an event for the next heartbeat
  event list                  list pending events
  send <text>                 send a message now
  dnd on <dur> [reason]       ad-hoc do-not-disturb (e.g. 2h)
  dnd off                     clear ad-hoc do-not-disturb
  dnd status                  show the current verdict
  recall index                reindex the memory corpus
  recall search <query>       hybrid search over the corpus
  status                      daemon and queue status
  version                     build information
`)
}
