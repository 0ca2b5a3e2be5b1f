package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/bobd/bob/internal/engine"
	"github.com/bobd/bob/internal/jobs"
	"github.com/bobd/bob/internal/msglog"
	"github.com/bobd/bob/internal/reply"
	"github.com/bobd/bob/internal/sessions"
	"github.com/bobd/bob/internal/telegram"
)

// ErrPathEscape marks a script path that resolves outside the scripts
// root. Such jobs are rejected before anything is spawned.
var ErrPathEscape = errors.New("path escapes scripts root")

// scriptTimeout bounds one script job run.
const scriptTimeout = 5 * time.Minute

// scriptOutputLimit truncates delivered stdout.
const scriptOutputLimit = 3000

// Executor runs one claimed job.
type Executor interface {
	Execute(ctx context.Context, job *jobs.Job) error
}

// ConversationAppender mirrors assistant output into the daily
// markdown conversation file.
type ConversationAppender func(engineID, role, text string)

// Runner is the production job executor: literal sends, agent turns
// through the streaming reply engine, and sandboxed script runs.
type Runner struct {
	Logger     *slog.Logger
	Transport  reply.Transport
	Engines    *engine.Registry
	Sessions   *sessions.Store
	Messages   *msglog.Store
	ScriptsDir string
	// ResolveCwd maps a chat to its engine working directory (project
	// binding); empty means the daemon default.
	ResolveCwd func(chatID int64) string
	// AppendConversation is optional.
	AppendConversation ConversationAppender
	// Retention handles the system retention sweep job.
	Retention func()
}

// log returns the runner's logger, defaulting when unset.
func (r *Runner) log() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// Execute implements Executor.
func (r *Runner) Execute(ctx context.Context, job *jobs.Job) error {
	// System maintenance jobs run in-process, not as external scripts.
	if job.IsSystem() && job.PayloadString("task") == "retention" {
		if r.Retention != nil {
			r.Retention()
		}
		return nil
	}
	switch job.JobType {
	case jobs.TypeSendMessage:
		return r.sendMessage(ctx, job)
	case jobs.TypeAgentTurn:
		return r.agentTurn(ctx, job)
	case jobs.TypeScript:
		return r.script(ctx, job)
	default:
		return fmt.Errorf("unknown job type %q", job.JobType)
	}
}

func (r *Runner) sendMessage(ctx context.Context, job *jobs.Job) error {
	text := job.PayloadString("text")
	if text == "" {
		text = job.PayloadString("message")
	}
	if text == "" {
		return fmt.Errorf("send_message job %d has no text", job.ID)
	}
	if job.IsSystem() {
		// System jobs never notify users.
		r.log().Info("system send_message suppressed", "job", job.ID, "text", text)
		return nil
	}

	msg, err := r.Transport.SendMessage(ctx, job.ChatID, text, telegram.SendOptions{ThreadID: job.ThreadID})
	if err != nil {
		return err
	}
	r.logAssistant(job, msg, text)
	return nil
}

func (r *Runner) agentTurn(ctx context.Context, job *jobs.Job) error {
	prompt := job.PayloadString("prompt")
	if prompt == "" {
		return fmt.Errorf("agent_turn job %d has no prompt", job.ID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[SCHEDULED REMINDER] %s", prompt)
	if original := job.PayloadString("original_request"); original != "" {
		b.WriteString("\n\n[ORIGINAL USER REQUEST]\n> ")
		b.WriteString(original)
	}

	engineID := job.PayloadString("engine")
	if engineID == "" && r.Sessions != nil {
		engineID = r.Sessions.DefaultEngine(job.ChatID)
	}
	eng, err := r.Engines.Get(engineID)
	if err != nil {
		return err
	}

	req := engine.Request{Prompt: b.String()}
	if r.ResolveCwd != nil {
		req.Cwd = r.ResolveCwd(job.ChatID)
	}
	if job.ContextMode == jobs.ContextSession && r.Sessions != nil {
		req.ResumeToken = r.Sessions.ResumeToken(job.ChatID, eng.ID())
		if r.Messages != nil {
			if recent, err := r.Messages.Recent(job.ChatID, job.ThreadID, 10); err == nil && len(recent) > 0 {
				var ctxB strings.Builder
				ctxB.WriteString("\n\nRecent conversation:\n")
				for _, m := range recent {
					fmt.Fprintf(&ctxB, "%s: %s\n", m.Role, m.Text)
				}
				req.Prompt += ctxB.String()
			}
		}
	}

	streamer := reply.NewStreamer(r.Transport, r.log(), reply.Options{
		ChatID:       job.ChatID,
		ThreadID:     job.ThreadID,
		SilentTokens: []string{TokenNoReply},
	})
	req.OnDelta = streamer.OnDelta

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

	if result.SessionToken != "" && r.Sessions != nil && job.ContextMode == jobs.ContextSession {
		if err := r.Sessions.SetResumeToken(job.ChatID, eng.ID(), result.SessionToken); err != nil {
			r.log().Warn("store session token failed", "chat", job.ChatID, "error", err)
		}
	}
	if res.DidSend && res.ResponseText != "" {
		r.logAssistant(job, nil, res.ResponseText)
		if r.AppendConversation != nil {
			r.AppendConversation(eng.ID(), msglog.RoleAssistant, res.ResponseText)
		}
	}
	return nil
}

func (r *Runner) script(ctx context.Context, job *jobs.Job) error {
	name := job.PayloadString("path")
	if name == "" {
		name = job.PayloadString("script")
	}
	if name == "" {
		return fmt.Errorf("script job %d has no path", job.ID)
	}

	path, err := r.resolveScript(name)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path)
	cmd.Dir = r.ScriptsDir
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	notify := job.PayloadBool("notify") && !job.IsSystem()
	switch {
	case runErr == nil && notify:
		out := strings.TrimSpace(stdout.String())
		if out == "" {
			out = "(no output)"
		}
		if len(out) > scriptOutputLimit {
			out = out[:scriptOutputLimit] + "…"
		}
		msg, err := r.Transport.SendMessage(ctx, job.ChatID, out, telegram.SendOptions{ThreadID: job.ThreadID})
		if err != nil {
			return err
		}
		r.logAssistant(job, msg, out)

	case runErr != nil:
		summary := fmt.Sprintf("script %s failed: %v", name, runErr)
		if errText := strings.TrimSpace(stderr.String()); errText != "" {
			if len(errText) > 500 {
				errText = errText[:500] + "…"
			}
			summary += "\n" + errText
		}
		if !job.IsSystem() {
			if _, serr := r.Transport.SendMessage(ctx, job.ChatID, summary, telegram.SendOptions{ThreadID: job.ThreadID}); serr != nil {
				r.log().Warn("script failure notice failed", "job", job.ID, "error", serr)
			}
		}
		return fmt.Errorf("script %s: %w", name, runErr)
	}
	return nil
}

// resolveScript resolves a script name under the scripts root and
// rejects anything that normalizes outside it.
func (r *Runner) resolveScript(name string) (string, error) {
	root, err := filepath.Abs(r.ScriptsDir)
	if err != nil {
		return "", err
	}
	path, err := filepath.Abs(filepath.Join(root, name))
	if err != nil {
		return "", err
	}
	if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, name)
	}
	return path, nil
}

func (r *Runner) logAssistant(job *jobs.Job, msg *telegram.Message, text string) {
	if r.Messages == nil || job.IsSystem() {
		return
	}
	var messageID int64
	if msg != nil {
		messageID = msg.MessageID
	}
	if _, err := r.Messages.Append(msglog.Message{
		ChatID:    job.ChatID,
		ThreadID:  job.ThreadID,
		MessageID: messageID,
		Role:      msglog.RoleAssistant,
		Text:      text,
	}); err != nil {
		r.log().Warn("message log append failed", "chat", job.ChatID, "error", err)
	}
}
