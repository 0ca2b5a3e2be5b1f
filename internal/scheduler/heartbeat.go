package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/bobd/bob/internal/events"
	"github.com/bobd/bob/internal/msglog"
)

// Silent sentinels the heartbeat engine may emit instead of a reply.
const (
	TokenHeartbeatOK = "HEARTBEAT_OK"
	TokenNoReply     = "NO_REPLY"
)

// HeartbeatGroup is one conversation's slice of a claim.
type HeartbeatGroup struct {
	ChatID   int64
	ThreadID int64
	Events   []*events.Event
}

// HeartbeatInvoker runs the engine for one group. The prompt already
// contains the event payloads and recent context; the invoker routes
// the response through the streaming reply engine with the silent
// token set {HEARTBEAT_OK, NO_REPLY}.
type HeartbeatInvoker func(ctx context.Context, group HeartbeatGroup, prompt string) error

// Heartbeat drains pending events through the agent engine.
type Heartbeat struct {
	logger *slog.Logger
	events *events.Store
	msgs   *msglog.Store

	// prompt is the configured heartbeat instruction.
	prompt string
	// contextFile, when present on disk, overrides the instruction
	// with user-authored heartbeat context.
	contextFile string

	invoke HeartbeatInvoker
}

// NewHeartbeat creates a dispatcher.
func NewHeartbeat(logger *slog.Logger, eventStore *events.Store, msgs *msglog.Store, prompt, contextFile string, invoke HeartbeatInvoker) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	if prompt == "" {
		prompt = "Process the queued events below. Decide whether the user should be " +
			"notified. If nothing needs their attention, reply with exactly HEARTBEAT_OK."
	}
	return &Heartbeat{
		logger:      logger,
		events:      eventStore,
		msgs:        msgs,
		prompt:      prompt,
		contextFile: contextFile,
		invoke:      invoke,
	}
}

// RunOnce claims all pending events, groups them by conversation, and
// dispatches each group. The claim is acked only after every group
// succeeds; any failure releases the whole claim so the events return
// to pending (at-least-once — consumers tolerate replays).
func (h *Heartbeat) RunOnce(ctx context.Context) error {
	token, claimed, err := h.events.Claim(events.ClaimOptions{})
	if err != nil {
		return fmt.Errorf("claim events: %w", err)
	}
	if len(claimed) == 0 {
		return nil
	}

	h.logger.Debug("heartbeat: claimed events", "count", len(claimed), "token", token)

	for _, group := range groupEvents(claimed) {
		prompt := h.buildPrompt(group)
		if err := h.invoke(ctx, group, prompt); err != nil {
			if rerr := h.events.Release(token); rerr != nil {
				h.logger.Error("heartbeat: release failed", "token", token, "error", rerr)
			}
			return fmt.Errorf("dispatch chat %d: %w", group.ChatID, err)
		}
	}

	if err := h.events.Ack(token); err != nil {
		return fmt.Errorf("ack events: %w", err)
	}
	return nil
}

// groupEvents buckets a claim by (chatId, threadId). Insertion order
// is preserved both across groups and within each group.
func groupEvents(claimed []*events.Event) []HeartbeatGroup {
	type key struct{ chat, thread int64 }
	index := map[key]int{}
	var groups []HeartbeatGroup
	for _, e := range claimed {
		k := key{e.ChatID, e.ThreadID}
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, HeartbeatGroup{ChatID: e.ChatID, ThreadID: e.ThreadID})
		}
		groups[i].Events = append(groups[i].Events, e)
	}
	return groups
}

// buildPrompt assembles the heartbeat prompt: optional user-authored
// context override, the instruction, the serialized payloads, and the
// conversation's recent message slice.
func (h *Heartbeat) buildPrompt(group HeartbeatGroup) string {
	var b strings.Builder

	if h.contextFile != "" {
		if data, err := os.ReadFile(h.contextFile); err == nil {
			if text := strings.TrimSpace(string(data)); text != "" {
				b.WriteString(text)
				b.WriteString("\n\n")
			}
		}
	}

	b.WriteString(h.prompt)
	b.WriteString("\n\nQueued events:\n")
	for _, e := range group.Events {
		payload := "{}"
		if len(e.Payload) > 0 {
			if raw, err := json.Marshal(e.Payload); err == nil {
				payload = string(raw)
			}
		}
		fmt.Fprintf(&b, "- [%s] %s %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Kind, payload)
	}

	if h.msgs != nil && group.ChatID != 0 {
		if recent, err := h.msgs.Recent(group.ChatID, group.ThreadID, 10); err == nil && len(recent) > 0 {
			b.WriteString("\nRecent conversation:\n")
			for _, m := range recent {
				fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Text)
			}
		}
	}

	return b.String()
}
