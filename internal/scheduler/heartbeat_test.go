package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bobd/bob/internal/events"

	_ "modernc.org/sqlite"
)

func newEventStore(t *testing.T) *events.Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "events_test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	s, err := events.NewStoreWithDB(db)
	if err != nil {
		t.Fatalf("NewStoreWithDB: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func addEvent(t *testing.T, s *events.Store, chatID int64, kind string) {
	t.Helper()
	if _, err := s.Add(events.AddInput{ChatID: chatID, Kind: kind, Payload: map[string]any{"k": kind}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
}

func TestHeartbeat_EmptyQueueIsNoOp(t *testing.T) {
	store := newEventStore(t)
	called := false
	h := NewHeartbeat(nil, store, nil, "", "", func(context.Context, HeartbeatGroup, string) error {
		called = true
		return nil
	})
	if err := h.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if called {
		t.Error("invoker called with empty queue")
	}
}

func TestHeartbeat_GroupsByConversationAndAcks(t *testing.T) {
	store := newEventStore(t)
	addEvent(t, store, 1, "a1")
	addEvent(t, store, 2, "b1")
	addEvent(t, store, 1, "a2")

	var groups []HeartbeatGroup
	h := NewHeartbeat(nil, store, nil, "instruction", "", func(_ context.Context, g HeartbeatGroup, prompt string) error {
		groups = append(groups, g)
		if !strings.Contains(prompt, "instruction") {
			t.Errorf("prompt missing instruction: %q", prompt)
		}
		return nil
	})

	if err := h.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("%d groups", len(groups))
	}
	// Insertion order across groups, and within the chat-1 group.
	if groups[0].ChatID != 1 || groups[1].ChatID != 2 {
		t.Errorf("group order: %d then %d", groups[0].ChatID, groups[1].ChatID)
	}
	if len(groups[0].Events) != 2 || groups[0].Events[0].Kind != "a1" || groups[0].Events[1].Kind != "a2" {
		t.Errorf("chat-1 events = %+v", groups[0].Events)
	}

	// Success acked everything.
	if n, _ := store.CountPending(time.Now(), 0); n != 0 {
		t.Errorf("pending = %d after ack", n)
	}
	if remaining, _ := store.List(events.ListOptions{}); len(remaining) != 0 {
		t.Errorf("unprocessed remain: %+v", remaining)
	}
}

func TestHeartbeat_FailureReleasesWholeClaim(t *testing.T) {
	store := newEventStore(t)
	addEvent(t, store, 1, "ok-group")
	addEvent(t, store, 2, "bad-group")

	h := NewHeartbeat(nil, store, nil, "", "", func(_ context.Context, g HeartbeatGroup, _ string) error {
		if g.ChatID == 2 {
			return errors.New("engine exploded")
		}
		return nil
	})

	if err := h.RunOnce(context.Background()); err == nil {
		t.Fatal("expected dispatch error")
	}

	// The whole claim went back to pending — at-least-once, the
	// successful group will replay.
	if n, _ := store.CountPending(time.Now(), 0); n != 2 {
		t.Errorf("pending = %d after release, want 2", n)
	}
}

func TestHeartbeat_PromptCarriesPayloads(t *testing.T) {
	store := newEventStore(t)
	addEvent(t, store, 5, "task_failed")

	var prompt string
	h := NewHeartbeat(nil, store, nil, "decide", "", func(_ context.Context, _ HeartbeatGroup, p string) error {
		prompt = p
		return nil
	})
	if err := h.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !strings.Contains(prompt, "task_failed") {
		t.Errorf("prompt lacks event kind: %q", prompt)
	}
	if !strings.Contains(prompt, `"k":"task_failed"`) {
		t.Errorf("prompt lacks serialized payload: %q", prompt)
	}
}
