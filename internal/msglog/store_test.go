package msglog

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "messages_test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	s, err := NewStoreWithDB(db)
	if err != nil {
		t.Fatalf("NewStoreWithDB: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndRecent(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Add(-time.Minute)

	for i := 0; i < 5; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		if _, err := s.Append(Message{
			ChatID:    1,
			Role:      role,
			Text:      fmt.Sprintf("msg %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	recent, err := s.Recent(1, 0, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("%d messages", len(recent))
	}
	// The newest three, oldest first.
	for i, want := range []string{"msg 2", "msg 3", "msg 4"} {
		if recent[i].Text != want {
			t.Errorf("recent[%d] = %q, want %q", i, recent[i].Text, want)
		}
	}
}

func TestRecent_ScopedToConversation(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Append(Message{ChatID: 1, ThreadID: 0, Role: RoleUser, Text: "main"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := s.Append(Message{ChatID: 1, ThreadID: 9, Role: RoleUser, Text: "thread"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := s.Append(Message{ChatID: 2, ThreadID: 0, Role: RoleUser, Text: "other chat"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	recent, err := s.Recent(1, 9, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 1 || recent[0].Text != "thread" {
		t.Errorf("recent = %+v", recent)
	}
}

func TestPruneOlderThan(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Append(Message{ChatID: 1, Role: RoleUser, Text: "old",
		CreatedAt: time.Now().AddDate(0, 0, -10)}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := s.Append(Message{ChatID: 1, Role: RoleUser, Text: "new"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	n, err := s.PruneOlderThan(7)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}

	recent, _ := s.Recent(1, 0, 10)
	if len(recent) != 1 || recent[0].Text != "new" {
		t.Errorf("recent = %+v", recent)
	}
}
