package reply

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bobd/bob/internal/telegram"
)

// fakeTransport records calls and simulates edit failures.
type fakeTransport struct {
	mu        sync.Mutex
	sends     []string
	edits     []string
	reactions []string
	actions   int

	nextMessageID int64
	editErr       error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{nextMessageID: 100}
}

func (f *fakeTransport) SendMessage(ctx context.Context, chatID int64, text string, opts telegram.SendOptions) (*telegram.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, text)
	f.nextMessageID++
	return &telegram.Message{MessageID: f.nextMessageID}, nil
}

func (f *fakeTransport) EditMessageText(ctx context.Context, chatID, messageID int64, text string, entities []telegram.Entity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeTransport) SendChatAction(ctx context.Context, chatID, threadID int64, action string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions++
	return nil
}

func (f *fakeTransport) SetMessageReaction(ctx context.Context, chatID, messageID int64, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, emoji)
	return nil
}

func (f *fakeTransport) visible() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string{}, f.sends...)
	return append(out, f.edits...)
}

func newTestStreamer(transport *fakeTransport, opts Options) *Streamer {
	if opts.ChatID == 0 {
		opts.ChatID = 1
	}
	if opts.FlushInterval == 0 {
		opts.FlushInterval = 10 * time.Millisecond
	}
	return NewStreamer(transport, nil, opts)
}

func TestStreamer_SingleShot(t *testing.T) {
	transport := newFakeTransport()
	s := newTestStreamer(transport, Options{})

	res, err := s.Finalize(context.Background(), "hello there")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !res.DidSend {
		t.Error("DidSend = false")
	}
	if res.ResponseText != "hello there" {
		t.Errorf("ResponseText = %q", res.ResponseText)
	}
	if len(transport.sends) != 1 || transport.sends[0] != "hello there" {
		t.Errorf("sends = %v", transport.sends)
	}
}

func TestStreamer_DeltasThenFinalEdits(t *testing.T) {
	transport := newFakeTransport()
	s := newTestStreamer(transport, Options{})

	s.OnDelta("part one")
	time.Sleep(40 * time.Millisecond) // let the debounced flush run

	res, err := s.Finalize(context.Background(), "part one and part two")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !res.DidSend {
		t.Error("DidSend = false")
	}
	if len(transport.sends) != 1 {
		t.Fatalf("sends = %v", transport.sends)
	}
	if len(transport.edits) != 1 || transport.edits[0] != "part one and part two" {
		t.Errorf("edits = %v", transport.edits)
	}
}

// Invariant: the multiset of visible texts delivered never contains
// duplicates.
func TestStreamer_NoDuplicateVisibleContent(t *testing.T) {
	transport := newFakeTransport()
	s := newTestStreamer(transport, Options{})

	s.OnDelta("stable text")
	time.Sleep(40 * time.Millisecond)
	s.OnDelta("") // no change
	time.Sleep(40 * time.Millisecond)

	if _, err := s.Finalize(context.Background(), "stable text"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	seen := map[string]int{}
	for _, v := range transport.visible() {
		seen[v]++
	}
	for text, n := range seen {
		if n > 1 {
			t.Errorf("content %q delivered %d times", text, n)
		}
	}
}

func TestStreamer_SilentFinalReacts(t *testing.T) {
	transport := newFakeTransport()
	s := newTestStreamer(transport, Options{
		InitiatorMessageID: 7,
		SilentTokens:       []string{"HEARTBEAT_OK"},
	})

	s.OnDelta("HEARTBEAT_OK")
	res, err := s.Finalize(context.Background(), "HEARTBEAT_OK")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.DidSend {
		t.Error("silent reply sent a message")
	}
	if !res.DidReact {
		t.Error("silent reply did not react")
	}
	if len(transport.sends) != 0 {
		t.Errorf("sends = %v", transport.sends)
	}
	if len(transport.reactions) != 1 {
		t.Errorf("reactions = %v", transport.reactions)
	}
}

func TestStreamer_SilentWithoutInitiatorStaysQuiet(t *testing.T) {
	transport := newFakeTransport()
	s := newTestStreamer(transport, Options{SilentTokens: []string{"NO_REPLY"}})

	res, err := s.Finalize(context.Background(), "NO_REPLY")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.DidSend || res.DidReact {
		t.Errorf("res = %+v, want fully silent", res)
	}
	if n := len(transport.visible()); n != 0 {
		t.Errorf("%d visible deliveries", n)
	}
}

func TestStreamer_EditFailurePromotesToAppend(t *testing.T) {
	transport := newFakeTransport()
	s := newTestStreamer(transport, Options{})

	s.OnDelta("first chunk")
	time.Sleep(40 * time.Millisecond)
	if len(transport.sends) != 1 {
		t.Fatalf("initial send missing: %v", transport.sends)
	}

	transport.mu.Lock()
	transport.editErr = errors.New("message to edit not found")
	transport.mu.Unlock()

	if _, err := s.Finalize(context.Background(), "first chunk plus more"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	// The failed edit fell back to a fresh send.
	if len(transport.sends) != 2 {
		t.Errorf("sends = %v", transport.sends)
	}
	s.mu.Lock()
	mode := s.mode
	s.mu.Unlock()
	if mode != StreamAppend {
		t.Errorf("mode = %q after edit failure", mode)
	}
}

func TestStreamer_NotModifiedSwallowed(t *testing.T) {
	transport := newFakeTransport()
	s := newTestStreamer(transport, Options{})

	s.OnDelta("same")
	time.Sleep(40 * time.Millisecond)

	transport.mu.Lock()
	transport.editErr = fmt.Errorf("%w: telegram editMessageText: 400", telegram.ErrNotModified)
	transport.mu.Unlock()

	if _, err := s.Finalize(context.Background(), "same but final"); err != nil {
		t.Fatalf("not-modified error leaked: %v", err)
	}
	// No fallback send happened.
	if len(transport.sends) != 1 {
		t.Errorf("sends = %v", transport.sends)
	}
}

func TestStreamer_AppendModeSendsDeltas(t *testing.T) {
	transport := newFakeTransport()
	s := newTestStreamer(transport, Options{})

	s.OnDelta("[[stream: append]]first part.")
	time.Sleep(40 * time.Millisecond)
	if len(transport.sends) != 1 {
		t.Fatalf("sends = %v", transport.sends)
	}

	if _, err := s.Finalize(context.Background(), "[[stream: append]]first part.\n\nsecond part."); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(transport.sends) != 2 {
		t.Fatalf("sends = %v", transport.sends)
	}
	if transport.sends[1] != "second part." {
		t.Errorf("second send = %q", transport.sends[1])
	}
	if len(transport.edits) != 0 {
		t.Errorf("append mode edited: %v", transport.edits)
	}
}

func TestStreamer_CancelledSuppressesSends(t *testing.T) {
	transport := newFakeTransport()
	s := newTestStreamer(transport, Options{
		IsCancelled: func() bool { return true },
	})

	s.OnDelta("should not appear")
	time.Sleep(40 * time.Millisecond)
	if _, err := s.Finalize(context.Background(), "should not appear"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if n := len(transport.visible()); n != 0 {
		t.Errorf("%d deliveries despite cancellation", n)
	}
}

func TestStreamer_StreamOffDirective(t *testing.T) {
	transport := newFakeTransport()
	s := newTestStreamer(transport, Options{})

	if _, err := s.Finalize(context.Background(), "[[stream: off]]internal note"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if n := len(transport.sends); n != 0 {
		t.Errorf("stream off still sent %d messages", n)
	}
}

func TestStreamer_TypingStartsOnce(t *testing.T) {
	transport := newFakeTransport()
	s := newTestStreamer(transport, Options{})

	s.OnDelta("hello")
	s.OnDelta(" world")
	time.Sleep(30 * time.Millisecond)
	if _, err := s.Finalize(context.Background(), "hello world"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	transport.mu.Lock()
	actions := transport.actions
	transport.mu.Unlock()
	if actions < 1 {
		t.Error("typing indicator never pinged")
	}
}
