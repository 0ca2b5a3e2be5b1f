package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bobd/bob/internal/bus"
	"github.com/bobd/bob/internal/engine"
	"github.com/bobd/bob/internal/msglog"
	"github.com/bobd/bob/internal/reply"
	"github.com/bobd/bob/internal/scheduler"
	"github.com/bobd/bob/internal/sessions"
	"github.com/bobd/bob/internal/telegram"
)

// readUpdates is the transport reader: a blocking long-poll loop that
// persists its offset after every batch.
func (d *Daemon) readUpdates(ctx context.Context) error {
	offset := d.offsets.Load()

	for {
		if ctx.Err() != nil {
			return nil
		}
		updates, next, err := d.transport.GetUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.logger.Warn("getUpdates failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(3 * time.Second):
			}
			continue
		}

		for _, update := range updates {
			d.handleUpdate(ctx, update)
		}

		if next != offset {
			offset = next
			if err := d.offsets.Save(offset); err != nil {
				d.logger.Warn("offset save failed", "error", err)
			}
		}
	}
}

func (d *Daemon) handleUpdate(ctx context.Context, update telegram.Update) {
	switch {
	case update.Message != nil:
		d.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		// The only inline keyboards we send are informational; always ack.
		if err := d.transport.AnswerCallbackQuery(ctx, update.CallbackQuery.ID, ""); err != nil {
			d.logger.Debug("answerCallbackQuery failed", "error", err)
		}
	}
}

// allowed applies the allowlist. An empty list denies everyone — the
// daemon is single-user and silence beats surprise.
func (d *Daemon) allowed(from *telegram.User) bool {
	if from == nil {
		return false
	}
	for _, id := range d.cfg.Telegram.Allowlist {
		if id == from.ID {
			return true
		}
	}
	return false
}

func (d *Daemon) handleMessage(ctx context.Context, msg *telegram.Message) {
	if msg.Chat == nil {
		return
	}
	chatID := msg.Chat.ID
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	if !d.allowed(msg.From) {
		d.logger.Info("unauthorized message dropped", "chat", chatID)
		return
	}

	d.signals.Publish(bus.Signal{
		Source: bus.SourceTelegram,
		Kind:   bus.KindMessageReceived,
		Data:   map[string]any{"chat_id": chatID, "message_len": len(text)},
	})

	// Eager ack reaction; empty string disables it.
	if d.cfg.Telegram.AckReaction != "" {
		if err := d.transport.SetMessageReaction(ctx, chatID, msg.MessageID, d.cfg.Telegram.AckReaction); err != nil {
			d.logger.Debug("ack reaction failed", "error", err)
		}
	}

	engineOverride, text, handled := d.applyDirectives(ctx, msg, text)
	if handled {
		return
	}

	images := d.downloadImages(ctx, msg)

	if strings.TrimSpace(text) == "" && len(images) == 0 {
		return
	}

	if _, err := d.messages.Append(msglog.Message{
		ChatID:    chatID,
		ThreadID:  msg.ThreadID,
		MessageID: msg.MessageID,
		Role:      msglog.RoleUser,
		Text:      text,
	}); err != nil {
		d.logger.Warn("message log append failed", "error", err)
	}

	d.runTurn(ctx, msg, engineOverride, text, images)
}

// applyDirectives consumes prefix tokens at message start. The third
// return is true when the message was fully handled by a command.
func (d *Daemon) applyDirectives(ctx context.Context, msg *telegram.Message, text string) (engineOverride, rest string, handled bool) {
	trimmed := strings.TrimSpace(text)
	chatID := msg.Chat.ID

	command, args := splitCommand(trimmed)
	switch normalizeCommand(command) {
	case "/start":
		d.send(ctx, msg, "hey. I'm bob — schedule things, forward events, or just talk. /status shows what's coming up.")
		return "", "", true

	case "/status":
		d.send(ctx, msg, d.statusText(chatID))
		return "", "", true

	case "/agent":
		if args == "" {
			current := d.sessions.DefaultEngine(chatID)
			if current == "" {
				current = d.engines.DefaultID()
			}
			ids := d.engines.IDs()
			sort.Strings(ids)
			d.send(ctx, msg, fmt.Sprintf("engine: %s (available: %s)", current, strings.Join(ids, ", ")))
			return "", "", true
		}
		if _, err := d.engines.Get(args); err != nil {
			d.send(ctx, msg, fmt.Sprintf("unknown engine %q", args))
			return "", "", true
		}
		if err := d.sessions.SetDefaultEngine(chatID, args); err != nil {
			d.logger.Warn("set default engine failed", "error", err)
		}
		d.send(ctx, msg, "default engine: "+args)
		return "", "", true

	case "/claude", "/codex", "/opencode", "/pi":
		engineOverride = strings.TrimPrefix(normalizeCommand(command), "/")
		text = args
	default:
		// /<project> binds the chat to a configured project.
		if strings.HasPrefix(command, "/") {
			alias := strings.TrimPrefix(normalizeCommand(command), "/")
			if _, ok := d.cfg.Projects[alias]; ok {
				sessCtx := d.sessions.Context(chatID)
				if sessCtx == nil {
					sessCtx = &sessions.Context{}
				}
				sessCtx.Project = alias
				if err := d.sessions.SetContext(chatID, sessCtx); err != nil {
					d.logger.Warn("set context failed", "error", err)
				}
				d.send(ctx, msg, "project: "+alias)
				if args == "" {
					return "", "", true
				}
				text = args
			}
		}
	}

	// @<branch> binds the branch within the bound project.
	if strings.HasPrefix(strings.TrimSpace(text), "@") {
		branch, remainder := splitCommand(strings.TrimSpace(text))
		branch = strings.TrimPrefix(branch, "@")
		if branch != "" {
			sessCtx := d.sessions.Context(chatID)
			if sessCtx == nil || sessCtx.Project == "" {
				d.send(ctx, msg, "bind a project first (/<project>)")
				return "", "", true
			}
			sessCtx.Branch = branch
			if err := d.sessions.SetContext(chatID, sessCtx); err != nil {
				d.logger.Warn("set context failed", "error", err)
			}
			d.send(ctx, msg, fmt.Sprintf("branch: %s (project %s)", branch, sessCtx.Project))
			if remainder == "" {
				return "", "", true
			}
			text = remainder
		}
	}

	return engineOverride, text, false
}

// runTurn invokes the engine for one inbound message through the
// streaming reply engine.
func (d *Daemon) runTurn(ctx context.Context, msg *telegram.Message, engineOverride, text string, images []string) {
	chatID := msg.Chat.ID

	engineID := engineOverride
	if engineID == "" {
		engineID = d.sessions.DefaultEngine(chatID)
	}
	eng, err := d.engines.Get(engineID)
	if err != nil {
		d.send(ctx, msg, fmt.Sprintf("engine unavailable: %v", err))
		return
	}

	prompt := d.buildPrompt(chatID, msg.ThreadID, text)

	streamer := reply.NewStreamer(d.transport, d.logger, reply.Options{
		ChatID:             chatID,
		ThreadID:           msg.ThreadID,
		InitiatorMessageID: msg.MessageID,
		SilentTokens:       []string{scheduler.TokenNoReply},
	})

	req := engine.Request{
		Prompt:      prompt,
		Images:      images,
		Cwd:         d.resolveCwd(chatID),
		ResumeToken: d.sessions.ResumeToken(chatID, eng.ID()),
		OnDelta:     streamer.OnDelta,
	}

	result, runErr := eng.Run(ctx, req)
	finalText := ""
	if result != nil {
		finalText = result.FinalText
	}
	res, flushErr := streamer.Finalize(ctx, finalText)
	if runErr != nil {
		d.logger.Error("engine run failed", "engine", eng.ID(), "error", runErr)
		d.send(ctx, msg, "engine error: "+truncateErr(runErr))
		return
	}
	if flushErr != nil {
		d.logger.Warn("reply flush failed", "error", flushErr)
	}

	if result.SessionToken != "" {
		if err := d.sessions.SetResumeToken(chatID, eng.ID(), result.SessionToken); err != nil {
			d.logger.Warn("store session token failed", "error", err)
		}
	}

	if res.DidSend && res.ResponseText != "" {
		if _, err := d.messages.Append(msglog.Message{
			ChatID:    chatID,
			ThreadID:  msg.ThreadID,
			MessageID: res.FirstMessageID,
			Role:      msglog.RoleAssistant,
			Text:      res.ResponseText,
		}); err != nil {
			d.logger.Warn("message log append failed", "error", err)
		}
		d.appendConversation(eng.ID(), msglog.RoleAssistant, res.ResponseText)
	}

	d.signals.Publish(bus.Signal{
		Source: bus.SourceTelegram,
		Kind:   bus.KindReplySent,
		Data:   map[string]any{"chat_id": chatID, "did_send": res.DidSend, "did_react": res.DidReact},
	})
}

// buildPrompt assembles the context-injected prompt for a user turn.
func (d *Daemon) buildPrompt(chatID, threadID int64, text string) string {
	var b strings.Builder
	if inject := d.memoryInjection(); inject != "" {
		b.WriteString(inject)
	}
	if recent, err := d.messages.Recent(chatID, threadID, 10); err == nil && len(recent) > 1 {
		b.WriteString("Recent conversation:\n")
		// The inbound message is already logged; show history before it.
		for _, m := range recent[:len(recent)-1] {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Text)
		}
		b.WriteString("\n")
	}
	b.WriteString(text)
	return b.String()
}

// resolveCwd maps a chat's project binding to a working directory.
func (d *Daemon) resolveCwd(chatID int64) string {
	sessCtx := d.sessions.Context(chatID)
	if sessCtx == nil || sessCtx.Project == "" {
		return ""
	}
	project, ok := d.cfg.Projects[sessCtx.Project]
	if !ok {
		return ""
	}
	if sessCtx.Branch != "" && project.WorktreesRoot != "" && sessCtx.Branch != project.DefaultBranch {
		return filepath.Join(project.WorktreesRoot, sessCtx.Branch)
	}
	return project.Path
}

// downloadImages fetches inbound photos into the cache dir and returns
// local paths for the engine.
func (d *Daemon) downloadImages(ctx context.Context, msg *telegram.Message) []string {
	if len(msg.Photo) == 0 {
		return nil
	}
	// Telegram sends multiple resolutions; the last is the largest.
	photo := msg.Photo[len(msg.Photo)-1]

	file, err := d.transport.GetFile(ctx, photo.FileID)
	if err != nil || file.FilePath == "" {
		d.logger.Warn("getFile failed", "error", err)
		return nil
	}
	data, err := d.transport.DownloadFile(ctx, file.FilePath)
	if err != nil {
		d.logger.Warn("file download failed", "error", err)
		return nil
	}

	dir := filepath.Join(os.TempDir(), "bob-images")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil
	}
	path := filepath.Join(dir, fmt.Sprintf("%d-%s", msg.MessageID, filepath.Base(file.FilePath)))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil
	}
	return []string{path}
}

// statusText summarizes the chat's engine and upcoming jobs.
func (d *Daemon) statusText(chatID int64) string {
	var b strings.Builder
	current := d.sessions.DefaultEngine(chatID)
	if current == "" {
		current = d.engines.DefaultID()
	}
	fmt.Fprintf(&b, "engine: %s\n", current)

	jobsForChat, err := d.jobs.ListForChat(chatID)
	if err != nil || len(jobsForChat) == 0 {
		b.WriteString("no scheduled jobs")
		return b.String()
	}
	b.WriteString("upcoming:\n")
	for _, j := range jobsForChat {
		next := "-"
		if j.NextRunAt != nil {
			next = j.NextRunAt.Local().Format("Mon 15:04")
		}
		state := ""
		if !j.Enabled {
			state = " (disabled)"
		}
		fmt.Fprintf(&b, "#%d %s %s → %s%s\n", j.ID, j.JobType, j.ScheduleSpec, next, state)
	}
	return strings.TrimRight(b.String(), "\n")
}

// send delivers a plain service message in reply to msg.
func (d *Daemon) send(ctx context.Context, msg *telegram.Message, text string) {
	if _, err := d.transport.SendMessage(ctx, msg.Chat.ID, text, telegram.SendOptions{
		ThreadID: msg.ThreadID,
	}); err != nil {
		d.logger.Warn("service send failed", "error", err)
	}
}

func splitCommand(text string) (cmd, rest string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ""
	}
	i := strings.IndexAny(text, " \n\t")
	if i == -1 {
		return text, ""
	}
	return text[:i], strings.TrimSpace(text[i:])
}

// normalizeCommand lowercases a slash command and strips "@BotName"
// suffixes.
func normalizeCommand(cmd string) string {
	if !strings.HasPrefix(cmd, "/") {
		return ""
	}
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd)
}

func truncateErr(err error) string {
	s := err.Error()
	if len(s) > 300 {
		return s[:300] + "…"
	}
	return s
}
