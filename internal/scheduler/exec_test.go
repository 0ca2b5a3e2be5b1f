package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bobd/bob/internal/jobs"
	"github.com/bobd/bob/internal/msglog"
	"github.com/bobd/bob/internal/telegram"

	_ "modernc.org/sqlite"
)

type fakeTransport struct {
	mu    sync.Mutex
	sends []string
}

func (f *fakeTransport) SendMessage(_ context.Context, _ int64, text string, _ telegram.SendOptions) (*telegram.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, text)
	return &telegram.Message{MessageID: int64(len(f.sends))}, nil
}

func (f *fakeTransport) EditMessageText(context.Context, int64, int64, string, []telegram.Entity) error {
	return nil
}

func (f *fakeTransport) SendChatAction(context.Context, int64, int64, string) error { return nil }

func (f *fakeTransport) SetMessageReaction(context.Context, int64, int64, string) error { return nil }

func newMsgStore(t *testing.T) *msglog.Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "messages_test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	s, err := msglog.NewStoreWithDB(db)
	if err != nil {
		t.Fatalf("NewStoreWithDB: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunner_SendMessage(t *testing.T) {
	transport := &fakeTransport{}
	msgs := newMsgStore(t)
	r := &Runner{Transport: transport, Messages: msgs}

	job := &jobs.Job{ID: 1, ChatID: 7, JobType: jobs.TypeSendMessage,
		Payload: map[string]any{"text": "ping"}}
	if err := r.Execute(context.Background(), job); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(transport.sends) != 1 || transport.sends[0] != "ping" {
		t.Errorf("sends = %v", transport.sends)
	}

	// The delivery was echoed to the message log.
	recent, err := msgs.Recent(7, 0, 10)
	if err != nil || len(recent) != 1 {
		t.Fatalf("Recent = (%d, %v)", len(recent), err)
	}
	if recent[0].Role != msglog.RoleAssistant || recent[0].Text != "ping" {
		t.Errorf("logged = %+v", recent[0])
	}
}

func TestRunner_SendMessage_SystemJobSuppressed(t *testing.T) {
	transport := &fakeTransport{}
	r := &Runner{Transport: transport}

	job := &jobs.Job{ID: 1, ChatID: jobs.SystemChatID, JobType: jobs.TypeSendMessage,
		Payload: map[string]any{"text": "internal"}}
	if err := r.Execute(context.Background(), job); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(transport.sends) != 0 {
		t.Errorf("system job notified users: %v", transport.sends)
	}
}

func TestRunner_ScriptPathEscape(t *testing.T) {
	root := t.TempDir()
	r := &Runner{Transport: &fakeTransport{}, ScriptsDir: root}

	for _, name := range []string{"../outside.sh", "../../etc/passwd", "a/../../b"} {
		job := &jobs.Job{ID: 1, ChatID: 7, JobType: jobs.TypeScript,
			Payload: map[string]any{"path": name}}
		err := r.Execute(context.Background(), job)
		if !errors.Is(err, ErrPathEscape) {
			t.Errorf("Execute(%q) = %v, want ErrPathEscape", name, err)
		}
	}
}

func TestRunner_ScriptRunsAndNotifies(t *testing.T) {
	root := t.TempDir()
	script := filepath.Join(root, "hello.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho hello from script\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	transport := &fakeTransport{}
	r := &Runner{Transport: transport, Messages: newMsgStore(t), ScriptsDir: root}

	job := &jobs.Job{ID: 1, ChatID: 7, JobType: jobs.TypeScript,
		Payload: map[string]any{"path": "hello.sh", "notify": true}}
	if err := r.Execute(context.Background(), job); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(transport.sends) != 1 || transport.sends[0] != "hello from script" {
		t.Errorf("sends = %v", transport.sends)
	}
}

func TestRunner_ScriptFailureNotifies(t *testing.T) {
	root := t.TempDir()
	script := filepath.Join(root, "fail.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho doom >&2\nexit 3\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	transport := &fakeTransport{}
	r := &Runner{Transport: transport, ScriptsDir: root}

	job := &jobs.Job{ID: 1, ChatID: 7, JobType: jobs.TypeScript,
		Payload: map[string]any{"path": "fail.sh"}}
	err := r.Execute(context.Background(), job)
	if err == nil {
		t.Fatal("failing script returned nil")
	}
	if len(transport.sends) != 1 {
		t.Fatalf("sends = %v", transport.sends)
	}
	if got := transport.sends[0]; !strings.Contains(got, "failed") || !strings.Contains(got, "doom") {
		t.Errorf("failure summary = %q", got)
	}
}

func TestRunner_RetentionTaskIntercepted(t *testing.T) {
	called := false
	r := &Runner{Retention: func() { called = true }}

	job := &jobs.Job{ID: 1, ChatID: jobs.SystemChatID, JobType: jobs.TypeScript,
		Payload: map[string]any{"task": "retention"}}
	if err := r.Execute(context.Background(), job); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !called {
		t.Error("retention hook not called")
	}
}
