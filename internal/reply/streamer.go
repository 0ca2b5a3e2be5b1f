package reply

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bobd/bob/internal/telegram"
)

// DefaultFlushInterval is the debounce window between streaming
// flushes. Deltas arriving inside the window coalesce into one edit.
const DefaultFlushInterval = 900 * time.Millisecond

// typingInterval refreshes the chat's typing indicator while a reply
// is being composed.
const typingInterval = 4 * time.Second

// fallbackReaction is sent when a silent reply acknowledges the
// initiator and no react directive chose an emoji.
const fallbackReaction = "👍"

// Transport is the slice of the chat API the streamer drives. The
// telegram client satisfies it; tests plug in fakes.
type Transport interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts telegram.SendOptions) (*telegram.Message, error)
	EditMessageText(ctx context.Context, chatID, messageID int64, text string, entities []telegram.Entity) error
	SendChatAction(ctx context.Context, chatID, threadID int64, action string) error
	SetMessageReaction(ctx context.Context, chatID, messageID int64, emoji string) error
}

// Options configures one streamed reply.
type Options struct {
	ChatID   int64
	ThreadID int64
	// InitiatorMessageID is the inbound message that triggered this
	// reply; silent finals react to it and reply_to_current targets it.
	InitiatorMessageID int64
	// SilentTokens suppress visible output when present (HEARTBEAT_OK,
	// NO_REPLY).
	SilentTokens []string
	// FlushInterval overrides the debounce window (tests).
	FlushInterval time.Duration
	// IsCancelled, when it reports true, suppresses all further sends.
	IsCancelled func() bool
}

// Result summarizes a finished reply.
type Result struct {
	DidSend      bool
	DidReact     bool
	ResponseText string
	// FirstMessageID is the first outbound message, for threading.
	FirstMessageID int64
}

// Streamer consumes a token stream and maintains the
// edit/append/silent delivery state machine. One Streamer serves
// exactly one reply; concurrent replies in different chats each get
// their own.
type Streamer struct {
	transport Transport
	logger    *slog.Logger
	opts      Options

	mu               sync.Mutex
	buffer           strings.Builder
	mode             StreamMode
	sentMessageID    int64
	firstMessageID   int64
	lastSentText     string // mode append: full text already delivered
	lastRenderedText string // mode edit: last visible rendering
	lastFlushAt      time.Time
	replyTo          int64
	flushInProgress  bool
	pendingFlush     bool
	scheduled        *time.Timer
	didTriggerSend   bool
	didSend          bool
	didReact         bool
	finalized        bool

	typingCancel context.CancelFunc
	typingDone   chan struct{}
}

// NewStreamer creates a streamer for one reply.
func NewStreamer(transport Transport, logger *slog.Logger, opts Options) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	return &Streamer{
		transport: transport,
		logger:    logger,
		opts:      opts,
		mode:      StreamEdit,
	}
}

// OnDelta appends a stream fragment and schedules a debounced flush.
// Safe to call from the engine's callback goroutine.
func (s *Streamer) OnDelta(text string) {
	if text == "" || s.cancelled() {
		return
	}

	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return
	}
	s.buffer.WriteString(text)

	parsed := ParseDirectives(s.buffer.String(), s.opts.SilentTokens)
	startTyping := false
	if !s.didTriggerSend && !parsed.Silent && strings.TrimSpace(parsed.Text) != "" {
		s.didTriggerSend = true
		startTyping = true
	}

	if s.scheduled == nil {
		s.scheduled = time.AfterFunc(s.opts.FlushInterval, func() {
			s.flush(context.Background(), false)
		})
	}
	s.mu.Unlock()

	if startTyping {
		s.startTyping()
	}
}

// Finalize delivers the terminal text and returns the reply summary.
// finalText, when non-empty, replaces whatever the deltas accumulated
// (engines repeat the full text at the end of the stream).
func (s *Streamer) Finalize(ctx context.Context, finalText string) (*Result, error) {
	s.mu.Lock()
	if s.scheduled != nil {
		s.scheduled.Stop()
		s.scheduled = nil
	}
	if finalText != "" {
		s.buffer.Reset()
		s.buffer.WriteString(finalText)
	}
	s.finalized = true
	s.mu.Unlock()

	err := s.flush(ctx, true)
	s.stopTyping()

	s.mu.Lock()
	defer s.mu.Unlock()
	parsed := ParseDirectives(s.buffer.String(), s.opts.SilentTokens)
	return &Result{
		DidSend:        s.didSend,
		DidReact:       s.didReact,
		ResponseText:   Sanitize(parsed.Text),
		FirstMessageID: s.firstMessageID,
	}, err
}

// flush runs the delivery state machine once. The flushInProgress flag
// plus the pendingFlush bit serialize flushes without holding the lock
// across network calls; a flush that arrives mid-flush coalesces into
// one follow-up pass.
func (s *Streamer) flush(ctx context.Context, final bool) error {
	if s.cancelled() {
		return nil
	}

	for {
		s.mu.Lock()
		if !s.flushInProgress {
			s.flushInProgress = true
			s.scheduled = nil
			s.mu.Unlock()
			break
		}
		if !final {
			// Coalesce: the in-flight flush reruns once for us.
			s.pendingFlush = true
			s.mu.Unlock()
			return nil
		}
		// The final flush must not be coalesced into a non-final
		// rerun; wait for the in-flight flush to drain.
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}

	err := s.flushLocked(ctx, final)

	s.mu.Lock()
	s.flushInProgress = false
	rerun := s.pendingFlush && !final
	s.pendingFlush = false
	s.mu.Unlock()

	if rerun {
		return s.flush(ctx, false)
	}
	return err
}

// flushLocked is the flush body. It owns the state machine while
// flushInProgress is set; only cheap state reads/writes take the lock.
func (s *Streamer) flushLocked(ctx context.Context, final bool) error {
	s.mu.Lock()
	parsed := ParseDirectives(s.buffer.String(), s.opts.SilentTokens)

	if parsed.Mode != "" {
		switch parsed.Mode {
		case StreamOff:
			s.mode = streamSilent
		case StreamAppend:
			if s.mode != streamSilent {
				s.mode = StreamAppend
			}
		case StreamEdit:
			if s.mode != streamSilent {
				s.mode = StreamEdit
			}
		}
	}
	if parsed.Silent {
		s.mode = streamSilent
	}
	if parsed.ReplyToCurrent {
		s.replyTo = s.opts.InitiatorMessageID
	} else if parsed.ReplyTo != 0 {
		s.replyTo = parsed.ReplyTo
	}

	mode := s.mode
	s.mu.Unlock()

	if mode == streamSilent {
		if !final {
			return nil
		}
		return s.finishSilent(ctx, parsed)
	}

	text := Sanitize(parsed.Text)
	if text == "" && !final {
		return nil
	}

	// Non-final throttling: coalesce into the next window.
	s.mu.Lock()
	if !final && !s.lastFlushAt.IsZero() && time.Since(s.lastFlushAt) < s.opts.FlushInterval {
		if s.scheduled == nil {
			s.scheduled = time.AfterFunc(s.opts.FlushInterval, func() {
				s.flush(context.Background(), false)
			})
		}
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	var err error
	switch mode {
	case StreamAppend:
		err = s.flushAppend(ctx, text, final)
	default:
		err = s.flushEdit(ctx, text, final)
	}

	s.mu.Lock()
	s.lastFlushAt = time.Now()
	s.mu.Unlock()

	if final {
		err = errors.Join(err, s.sendReactions(ctx, parsed.Reactions))
	}
	return err
}

// finishSilent handles the final flush of a silent reply: a single
// reaction on the initiator message, falling back to an emoji text
// message when the reaction API fails.
func (s *Streamer) finishSilent(ctx context.Context, parsed Parsed) error {
	if s.opts.InitiatorMessageID == 0 {
		return nil
	}
	s.mu.Lock()
	already := s.didReact || s.didSend
	s.mu.Unlock()
	if already {
		return nil
	}

	emoji := fallbackReaction
	if len(parsed.Reactions) > 0 {
		emoji = parsed.Reactions[0]
	}
	if err := s.transport.SetMessageReaction(ctx, s.opts.ChatID, s.opts.InitiatorMessageID, emoji); err != nil {
		s.logger.Debug("reply: reaction failed, sending text fallback", "error", err)
		if _, serr := s.transport.SendMessage(ctx, s.opts.ChatID, emoji, telegram.SendOptions{
			ThreadID: s.opts.ThreadID,
			ReplyTo:  s.opts.InitiatorMessageID,
		}); serr != nil {
			return serr
		}
	}
	s.mu.Lock()
	s.didReact = true
	s.mu.Unlock()
	return nil
}

// flushAppend sends only the delta since the last delivered text as a
// fresh message.
func (s *Streamer) flushAppend(ctx context.Context, text string, final bool) error {
	s.mu.Lock()
	delta := strings.TrimPrefix(text, s.lastSentText)
	replyTo := s.nextReplyToLocked()
	s.mu.Unlock()

	delta = strings.TrimSpace(delta)
	if delta == "" {
		return nil
	}

	rendered, entities := telegram.RenderMarkdown(delta)
	for _, part := range telegram.SplitMessage(rendered, entities, telegram.MaxMessageLen) {
		msg, err := s.transport.SendMessage(ctx, s.opts.ChatID, part.Text, telegram.SendOptions{
			ThreadID: s.opts.ThreadID,
			ReplyTo:  replyTo,
			Entities: part.Entities,
		})
		if err != nil {
			return err
		}
		replyTo = 0
		s.noteSent(msg)
	}

	s.mu.Lock()
	s.lastSentText = text
	s.mu.Unlock()
	return nil
}

// flushEdit renders the whole cleaned text and edits the single
// streaming message in place, sending it first if it does not exist
// yet. Edit failures other than "not modified" promote the reply to
// append mode so progress keeps flowing as new messages.
func (s *Streamer) flushEdit(ctx context.Context, text string, final bool) error {
	rendered, entities := telegram.RenderMarkdown(text)
	if !final {
		// Stay clear of the chunking threshold so a streaming preview
		// plus its ellipsis never splits.
		rendered, entities = telegram.TruncateForPreview(rendered, entities, telegram.MaxMessageLen-100)
	}
	parts := telegram.SplitMessage(rendered, entities, telegram.MaxMessageLen)
	if len(parts) == 0 {
		return nil
	}
	first := parts[0]

	s.mu.Lock()
	unchanged := first.Text == s.lastRenderedText
	messageID := s.sentMessageID
	replyTo := s.nextReplyToLocked()
	s.mu.Unlock()

	if unchanged && !final {
		return nil
	}

	if messageID == 0 {
		msg, err := s.transport.SendMessage(ctx, s.opts.ChatID, first.Text, telegram.SendOptions{
			ThreadID: s.opts.ThreadID,
			ReplyTo:  replyTo,
			Entities: first.Entities,
		})
		if err != nil {
			return err
		}
		s.noteSent(msg)
		s.mu.Lock()
		s.sentMessageID = msg.MessageID
		s.lastRenderedText = first.Text
		s.mu.Unlock()
	} else if !unchanged {
		err := s.transport.EditMessageText(ctx, s.opts.ChatID, messageID, first.Text, first.Entities)
		switch {
		case err == nil:
			s.mu.Lock()
			s.lastRenderedText = first.Text
			s.mu.Unlock()
		case errors.Is(err, telegram.ErrNotModified):
			// The chat already shows these bytes; nothing to do.
		default:
			s.logger.Debug("reply: edit failed, promoting to append", "error", err)
			msg, serr := s.transport.SendMessage(ctx, s.opts.ChatID, first.Text, telegram.SendOptions{
				ThreadID: s.opts.ThreadID,
				Entities: first.Entities,
			})
			if serr != nil {
				return serr
			}
			s.noteSent(msg)
			s.mu.Lock()
			s.mode = StreamAppend
			s.lastSentText = text
			s.lastRenderedText = first.Text
			s.mu.Unlock()
			return nil
		}
	}

	if final {
		for _, part := range parts[1:] {
			msg, err := s.transport.SendMessage(ctx, s.opts.ChatID, part.Text, telegram.SendOptions{
				ThreadID: s.opts.ThreadID,
				Entities: part.Entities,
			})
			if err != nil {
				return err
			}
			s.noteSent(msg)
		}
	}
	return nil
}

// sendReactions delivers react directives against the initiator.
func (s *Streamer) sendReactions(ctx context.Context, reactions []string) error {
	if len(reactions) == 0 || s.opts.InitiatorMessageID == 0 {
		return nil
	}
	emoji := reactions[0]
	if err := s.transport.SetMessageReaction(ctx, s.opts.ChatID, s.opts.InitiatorMessageID, emoji); err != nil {
		s.logger.Debug("reply: reaction failed", "emoji", emoji, "error", err)
		return nil
	}
	s.mu.Lock()
	s.didReact = true
	s.mu.Unlock()
	return nil
}

// nextReplyToLocked consumes the pending reply_to target (it applies
// to the first outbound message only). Caller holds s.mu.
func (s *Streamer) nextReplyToLocked() int64 {
	r := s.replyTo
	s.replyTo = 0
	return r
}

func (s *Streamer) noteSent(msg *telegram.Message) {
	s.mu.Lock()
	s.didSend = true
	if s.firstMessageID == 0 && msg != nil {
		s.firstMessageID = msg.MessageID
	}
	s.mu.Unlock()
}

func (s *Streamer) cancelled() bool {
	return s.opts.IsCancelled != nil && s.opts.IsCancelled()
}

// startTyping begins the typing-indicator ping loop (once).
func (s *Streamer) startTyping() {
	s.mu.Lock()
	if s.typingCancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.typingCancel = cancel
	s.typingDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		_ = s.transport.SendChatAction(ctx, s.opts.ChatID, s.opts.ThreadID, "typing")
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.transport.SendChatAction(ctx, s.opts.ChatID, s.opts.ThreadID, "typing")
			}
		}
	}()
}

func (s *Streamer) stopTyping() {
	s.mu.Lock()
	cancel, done := s.typingCancel, s.typingDone
	s.typingCancel, s.typingDone = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// streamSilent is the internal silent mode. It is distinct from the
// StreamOff directive value so "stream: edit" cannot un-silence a
// reply that matched a silent token.
const streamSilent StreamMode = "silent"
