// Package daemon assembles the always-on process: stores, engines,
// the chat transport reader, the scheduler loop, and the optional
// event sources, wired together under one lifecycle.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/bobd/bob/internal/bus"
	"github.com/bobd/bob/internal/config"
	"github.com/bobd/bob/internal/dnd"
	"github.com/bobd/bob/internal/embeddings"
	"github.com/bobd/bob/internal/engine"
	"github.com/bobd/bob/internal/events"
	"github.com/bobd/bob/internal/jobs"
	"github.com/bobd/bob/internal/mailwatch"
	"github.com/bobd/bob/internal/mqttwatch"
	"github.com/bobd/bob/internal/msglog"
	"github.com/bobd/bob/internal/paths"
	"github.com/bobd/bob/internal/recall"
	"github.com/bobd/bob/internal/reply"
	"github.com/bobd/bob/internal/scheduler"
	"github.com/bobd/bob/internal/sessions"
	"github.com/bobd/bob/internal/telegram"
)

// retention windows for the weekly system sweep.
const (
	messageRetentionDays = 90
	eventRetentionDays   = 30
)

// Daemon owns every long-lived component.
type Daemon struct {
	cfg    *config.Config
	layout *paths.Layout
	logger *slog.Logger

	signals   *bus.Bus
	jobs      *jobs.Store
	events    *events.Store
	messages  *msglog.Store
	sessions  *sessions.Store
	dndEngine *dnd.Engine
	recall    *recall.Index
	engines   *engine.Registry
	transport *telegram.Client
	offsets   *telegram.OffsetStore

	lock *flock.Flock
}

// New builds a daemon from configuration. Stores are opened eagerly so
// a broken data directory fails fast.
func New(cfg *config.Config, layout *paths.Layout, logger *slog.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := layout.EnsureDirs(); err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:     cfg,
		layout:  layout,
		logger:  logger,
		signals: bus.New(),
	}

	var err error
	if d.jobs, err = jobs.NewStore(layout.JobsDB()); err != nil {
		return nil, fmt.Errorf("jobs store: %w", err)
	}
	if d.events, err = events.NewStore(layout.EventsDB()); err != nil {
		return nil, fmt.Errorf("events store: %w", err)
	}
	if d.messages, err = msglog.NewStore(layout.MessagesDB()); err != nil {
		return nil, fmt.Errorf("message log: %w", err)
	}
	if d.sessions, err = sessions.Open(layout.SessionsFile()); err != nil {
		return nil, fmt.Errorf("sessions: %w", err)
	}

	d.dndEngine = d.buildDND()
	d.engines = d.buildEngines()
	d.recall = d.buildRecall()

	d.transport = telegram.NewClient(cfg.Telegram.Token, logger)
	d.offsets = telegram.NewOffsetStore(layout.OffsetFile())

	return d, nil
}

func (d *Daemon) buildDND() *dnd.Engine {
	window := dnd.Window{Enabled: d.cfg.DND.Enabled}
	if d.cfg.DND.Enabled {
		start, err := config.ParseClock(d.cfg.DND.Start)
		if err != nil {
			d.logger.Warn("dnd start unparseable, disabling window", "error", err)
			window.Enabled = false
		}
		end, err := config.ParseClock(d.cfg.DND.End)
		if err != nil {
			d.logger.Warn("dnd end unparseable, disabling window", "error", err)
			window.Enabled = false
		}
		window.Start, window.End = start, end
	}
	return dnd.New(window, d.cfg.Location(), d.layout.DNDStateFile())
}

func (d *Daemon) buildEngines() *engine.Registry {
	reg := engine.NewRegistry()
	reg.Register(&engine.ClaudeEngine{
		SkipPermissions: d.cfg.Engines.Claude.SkipPermissions,
		Logger:          d.logger,
	})
	reg.Register(&engine.CodexEngine{Yolo: d.cfg.Engines.Codex.Yolo, Logger: d.logger})
	reg.Register(&engine.CLIEngine{EngineID: "opencode", Args: []string{"run"}, Logger: d.logger})
	reg.Register(&engine.CLIEngine{EngineID: "pi", Logger: d.logger})
	if d.cfg.Engines.API.APIKey != "" {
		reg.Register(engine.NewAnthropicEngine(d.cfg.Engines.API.APIKey, d.cfg.Engines.API.Model, d.logger))
	}
	if err := reg.SetDefault(d.cfg.DefaultEngine); err != nil {
		d.logger.Warn("default engine unavailable, using claude", "engine", d.cfg.DefaultEngine)
	}
	return reg
}

func (d *Daemon) buildRecall() *recall.Index {
	store, err := recall.NewStore(d.layout.RecallDB(), 768, d.logger)
	if err != nil {
		d.logger.Warn("recall store unavailable", "error", err)
		return nil
	}
	var embedder recall.EmbeddingClient
	if d.cfg.Embeddings.Enabled {
		embedder = embeddings.New(embeddings.Config{
			BaseURL: d.cfg.Embeddings.BaseURL,
			Model:   d.cfg.Embeddings.Model,
		})
	}
	return recall.NewIndex(store, embedder, d.layout.MemoryDir(), d.logger)
}

// Run starts every component and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	d.lock = flock.New(d.layout.SchedulerLock())
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another bob daemon is already running")
	}
	defer d.lock.Unlock()

	d.checkCrashMarker()
	d.ensureSystemJobs()

	me, err := d.transport.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram handshake: %w", err)
	}
	d.logger.Info("telegram connected", "bot", me.Username)
	if err := d.transport.SetMyCommands(ctx, []telegram.BotCommand{
		{Command: "start", Description: "greeting"},
		{Command: "status", Description: "engine and upcoming jobs"},
		{Command: "agent", Description: "show or set the default engine"},
	}); err != nil {
		d.logger.Debug("setMyCommands failed", "error", err)
	}

	runner := &scheduler.Runner{
		Logger:     d.logger,
		Transport:  d.transport,
		Engines:    d.engines,
		Sessions:   d.sessions,
		Messages:   d.messages,
		ScriptsDir: d.layout.ScriptsDir(),
		ResolveCwd: d.resolveCwd,
		// Scheduled agent turns land in both the conversation file and
		// the daily journal.
		AppendConversation: func(engineID, role, text string) {
			d.appendConversation(engineID, role, text)
			d.appendJournal(text)
		},
		Retention: d.RunRetention,
	}

	var heartbeat *scheduler.Heartbeat
	if d.cfg.Heartbeat.Enabled {
		heartbeat = scheduler.NewHeartbeat(d.logger, d.events, d.messages,
			d.cfg.Heartbeat.Prompt, d.cfg.Heartbeat.File, d.dispatchHeartbeat)
	}

	loop := scheduler.New(d.logger, d.jobs, d.events, d.dndEngine, runner, heartbeat,
		d.signals, d.layout.JobsDB(), d.layout.SchedulerPID(), scheduler.DefaultConfig())

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return loop.Run(ctx) })
	group.Go(func() error { return d.readUpdates(ctx) })

	if d.cfg.Mail.Enabled {
		watcher := mailwatch.New(mailwatch.Config{
			Server:    d.cfg.Mail.Server,
			Username:  d.cfg.Mail.Username,
			Password:  d.cfg.Mail.Password,
			Mailbox:   d.cfg.Mail.Mailbox,
			ChatID:    d.mailChatID(),
			Poll:      time.Duration(d.cfg.Mail.PollSec) * time.Second,
			StatePath: filepath.Join(d.layout.DataDir(), "mailwatch.json"),
		}, d.events, d.signals, d.logger)
		group.Go(func() error { return watcher.Run(ctx) })
	}
	if d.cfg.MQTT.Enabled {
		watcher := mqttwatch.New(mqttwatch.Config{
			Broker:   d.cfg.MQTT.Broker,
			ClientID: d.cfg.MQTT.ClientID,
			Username: d.cfg.MQTT.Username,
			Password: d.cfg.MQTT.Password,
			Topics:   d.cfg.MQTT.Topics,
			ChatID:   d.mqttChatID(),
		}, d.events, d.signals, d.logger)
		group.Go(func() error { return watcher.Run(ctx) })
	}

	// Index the memory corpus in the background on startup.
	if d.recall != nil {
		group.Go(func() error {
			if stats, err := d.recall.IndexAll(ctx); err == nil {
				d.logger.Info("recall index ready",
					"indexed", stats.Indexed, "skipped", stats.Skipped, "embedded", stats.Embedded)
			} else if ctx.Err() == nil {
				d.logger.Warn("recall index failed", "error", err)
			}
			return nil
		})
	}

	err = group.Wait()
	d.writeExitMarker(err)
	d.close()
	return err
}

// dispatchHeartbeat routes one event group through the engine and the
// streaming reply engine with the heartbeat silent-token set.
func (d *Daemon) dispatchHeartbeat(ctx context.Context, group scheduler.HeartbeatGroup, prompt string) error {
	eng, err := d.engines.Get(d.sessions.DefaultEngine(group.ChatID))
	if err != nil {
		return err
	}

	streamer := reply.NewStreamer(d.transport, d.logger, reply.Options{
		ChatID:       group.ChatID,
		ThreadID:     group.ThreadID,
		SilentTokens: []string{scheduler.TokenHeartbeatOK, scheduler.TokenNoReply},
	})

	req := engine.Request{
		Prompt:      prompt,
		Cwd:         d.resolveCwd(group.ChatID),
		ResumeToken: d.sessions.ResumeToken(group.ChatID, eng.ID()),
		OnDelta:     streamer.OnDelta,
	}

	result, runErr := eng.Run(ctx, req)
	finalText := ""
	if result != nil {
		finalText = result.FinalText
	}
	res, flushErr := streamer.Finalize(ctx, finalText)
	if runErr != nil {
		return runErr
	}
	if flushErr != nil {
		return flushErr
	}

	if result.SessionToken != "" {
		if err := d.sessions.SetResumeToken(group.ChatID, eng.ID(), result.SessionToken); err != nil {
			d.logger.Warn("store session token failed", "error", err)
		}
	}
	if res.DidSend && res.ResponseText != "" && group.ChatID != 0 {
		if _, err := d.messages.Append(msglog.Message{
			ChatID:   group.ChatID,
			ThreadID: group.ThreadID,
			Role:     msglog.RoleAssistant,
			Text:     res.ResponseText,
		}); err != nil {
			d.logger.Warn("message log append failed", "error", err)
		}
	}
	return nil
}

// ensureSystemJobs seeds the weekly retention sweep (chatId 0) on
// first start.
func (d *Daemon) ensureSystemJobs() {
	existing, err := d.jobs.ListForChat(jobs.SystemChatID)
	if err != nil {
		d.logger.Warn("system job check failed", "error", err)
		return
	}
	for _, j := range existing {
		if j.PayloadString("task") == "retention" {
			return
		}
	}
	if _, err := d.jobs.Add(jobs.AddInput{
		ChatID:       jobs.SystemChatID,
		ScheduleKind: "cron",
		ScheduleSpec: "0 4 * * 1",
		JobType:      jobs.TypeScript,
		Payload:      map[string]any{"task": "retention"},
		ContextMode:  jobs.ContextIsolated,
	}); err != nil {
		d.logger.Warn("system job seed failed", "error", err)
		return
	}
	d.logger.Info("seeded weekly retention job")
}

// RunRetention prunes old messages and processed events. Called by the
// retention system job and the CLI.
func (d *Daemon) RunRetention() {
	if n, err := d.messages.PruneOlderThan(messageRetentionDays); err == nil && n > 0 {
		d.logger.Info("pruned messages", "count", n)
	}
	if n, err := d.events.PruneProcessedOlderThan(eventRetentionDays); err == nil && n > 0 {
		d.logger.Info("pruned events", "count", n)
	}
}

func (d *Daemon) mailChatID() int64 {
	if d.cfg.Mail.ChatID != 0 {
		return d.cfg.Mail.ChatID
	}
	if len(d.cfg.Telegram.Allowlist) > 0 {
		return d.cfg.Telegram.Allowlist[0]
	}
	return 0
}

func (d *Daemon) mqttChatID() int64 {
	if d.cfg.MQTT.ChatID != 0 {
		return d.cfg.MQTT.ChatID
	}
	if len(d.cfg.Telegram.Allowlist) > 0 {
		return d.cfg.Telegram.Allowlist[0]
	}
	return 0
}

func (d *Daemon) close() {
	for name, closer := range map[string]interface{ Close() error }{
		"jobs":     d.jobs,
		"events":   d.events,
		"messages": d.messages,
	} {
		if err := closer.Close(); err != nil {
			d.logger.Warn("store close failed", "store", name, "error", err)
		}
	}
	if d.recall != nil {
		if err := d.recall.Store().Close(); err != nil {
			d.logger.Warn("store close failed", "store", "recall", "error", err)
		}
	}
}
