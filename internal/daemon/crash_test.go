package daemon

import (
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/bobd/bob/internal/config"
	"github.com/bobd/bob/internal/events"
	"github.com/bobd/bob/internal/paths"
	"github.com/bobd/bob/internal/sessions"

	_ "modernc.org/sqlite"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	layout := paths.NewLayout(t.TempDir())
	if err := layout.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	store, err := events.NewStoreWithDB(db)
	if err != nil {
		t.Fatalf("NewStoreWithDB: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Telegram.Allowlist = []int64{42}

	return &Daemon{
		cfg:    cfg,
		layout: layout,
		logger: slog.Default(),
		events: store,
	}
}

func TestCrashMarker_NonCleanExitSynthesizesEvent(t *testing.T) {
	d := newTestDaemon(t)

	d.writeExitMarker(errors.New("scheduler wedged"))
	d.checkCrashMarker()

	pending, err := d.events.List(events.ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("%d events", len(pending))
	}
	ev := pending[0]
	if ev.Kind != "daemon_crashed" || ev.ChatID != 42 {
		t.Errorf("event = %+v", ev)
	}
	if ev.Payload["stderr"] != "scheduler wedged" {
		t.Errorf("payload = %v", ev.Payload)
	}

	// The marker was consumed.
	if _, err := os.Stat(d.layout.LastExitFile()); !os.IsNotExist(err) {
		t.Error("marker not cleared")
	}
}

func TestCrashMarker_CleanExitIsQuiet(t *testing.T) {
	d := newTestDaemon(t)

	d.writeExitMarker(nil)
	d.checkCrashMarker()

	pending, _ := d.events.List(events.ListOptions{})
	if len(pending) != 0 {
		t.Errorf("clean exit produced events: %+v", pending)
	}
}

func TestCrashMarker_MissingFileIsQuiet(t *testing.T) {
	d := newTestDaemon(t)
	d.checkCrashMarker()

	pending, _ := d.events.List(events.ListOptions{})
	if len(pending) != 0 {
		t.Errorf("missing marker produced events: %+v", pending)
	}
}

func TestResolveCwd_ProjectAndBranch(t *testing.T) {
	d := newTestDaemon(t)
	d.cfg.Projects = map[string]config.ProjectConfig{
		"web": {Path: "/src/web", WorktreesRoot: "/src/web-wt", DefaultBranch: "main"},
	}

	var err error
	d.sessions, err = openTestSessions(t)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}

	if got := d.resolveCwd(1); got != "" {
		t.Errorf("unbound chat cwd = %q", got)
	}

	if err := d.sessions.SetContext(1, nil); err != nil {
		t.Fatalf("SetContext: %v", err)
	}
	setProjectContext(t, d, 1, "web", "main")
	if got := d.resolveCwd(1); got != "/src/web" {
		t.Errorf("default branch cwd = %q", got)
	}

	setProjectContext(t, d, 1, "web", "feature-x")
	if got := d.resolveCwd(1); got != filepath.Join("/src/web-wt", "feature-x") {
		t.Errorf("worktree cwd = %q", got)
	}
}

func openTestSessions(t *testing.T) (*sessions.Store, error) {
	t.Helper()
	return sessions.Open(filepath.Join(t.TempDir(), "sessions.json"))
}

func setProjectContext(t *testing.T, d *Daemon, chatID int64, project, branch string) {
	t.Helper()
	if err := d.sessions.SetContext(chatID, &sessions.Context{Project: project, Branch: branch}); err != nil {
		t.Fatalf("SetContext: %v", err)
	}
}
