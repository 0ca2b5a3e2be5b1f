package jobs

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/bobd/bob/internal/schedule"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "jobs_test.db"))
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

func addAt(t *testing.T, s *Store, at time.Time) *Job {
	t.Helper()
	job, err := s.Add(AddInput{
		ChatID:       100,
		ScheduleKind: schedule.KindAt,
		ScheduleSpec: at.Format(schedule.SpecTimeFormat),
		JobType:      TypeSendMessage,
		Payload:      map[string]any{"text": "ping"},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	return job
}

func TestAdd_ComputesNextRun(t *testing.T) {
	s := newTestStore(t)
	at := time.Now().Add(5 * time.Minute)

	job := addAt(t, s, at)
	if job.NextRunAt == nil {
		t.Fatal("NextRunAt not set")
	}
	if !job.Enabled {
		t.Error("new job should be enabled")
	}
	if job.ContextMode != ContextSession {
		t.Errorf("default context mode = %s", job.ContextMode)
	}
}

func TestAdd_InvalidSchedule(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Add(AddInput{
		ChatID:       100,
		ScheduleKind: "lunar",
		ScheduleSpec: "full moon",
		JobType:      TypeSendMessage,
	})
	if err == nil {
		t.Fatal("expected error for unknown schedule kind")
	}
}

func TestClaimDue_DisablesOneShots(t *testing.T) {
	s := newTestStore(t)
	past := time.Now().Add(-time.Minute)
	job := addAt(t, s, past)

	claimed, err := s.ClaimDue(ClaimOptions{Now: time.Now()})
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != job.ID {
		t.Fatalf("claimed = %+v", claimed)
	}

	// The transactional flip means a second claim returns nothing.
	again, err := s.ClaimDue(ClaimOptions{Now: time.Now()})
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("one-shot claimed twice: %+v", again)
	}

	got, err := s.Get(job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Enabled {
		t.Error("one-shot still enabled after claim")
	}
}

func TestClaimDue_RecurringStaysEnabled(t *testing.T) {
	s := newTestStore(t)
	job, err := s.Add(AddInput{
		ChatID:       100,
		ScheduleKind: schedule.KindEvery,
		ScheduleSpec: "1ms",
		JobType:      TypeSendMessage,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	claimed, err := s.ClaimDue(ClaimOptions{Now: time.Now()})
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d jobs", len(claimed))
	}

	got, _ := s.Get(job.ID)
	if !got.Enabled {
		t.Error("recurring job disabled by claim")
	}
}

func TestClaimDue_OrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	third := addAt(t, s, now.Add(3*time.Minute))
	first := addAt(t, s, now.Add(1*time.Minute))
	second := addAt(t, s, now.Add(2*time.Minute))

	claimed, err := s.ClaimDue(ClaimOptions{Now: now.Add(5 * time.Minute), Limit: 2})
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d jobs, want 2", len(claimed))
	}
	if claimed[0].ID != first.ID || claimed[1].ID != second.ID {
		t.Errorf("order: got [%d %d], want [%d %d]", claimed[0].ID, claimed[1].ID, first.ID, second.ID)
	}
	_ = third
}

func TestUpdateAfterRun_Idempotent(t *testing.T) {
	s := newTestStore(t)
	job := addAt(t, s, time.Now().Add(-time.Minute))

	lastRun := time.Now()
	in := UpdateAfterRunInput{ID: job.ID, LastRunAt: &lastRun, Enabled: false}
	for i := 0; i < 2; i++ {
		if err := s.UpdateAfterRun(in); err != nil {
			t.Fatalf("UpdateAfterRun: %v", err)
		}
	}

	got, _ := s.Get(job.ID)
	if got.Enabled {
		t.Error("job still enabled")
	}
	if got.NextRunAt != nil {
		t.Error("NextRunAt should be cleared")
	}
	if got.LastRunAt == nil {
		t.Error("LastRunAt not recorded")
	}
}

func TestNextRunAt_MinOfEnabled(t *testing.T) {
	s := newTestStore(t)

	next, err := s.NextRunAt()
	if err != nil {
		t.Fatalf("NextRunAt: %v", err)
	}
	if next != nil {
		t.Errorf("empty store: next = %v", next)
	}

	soon := time.Now().Add(1 * time.Minute)
	later := time.Now().Add(10 * time.Minute)
	addAt(t, s, later)
	soonJob := addAt(t, s, soon)

	next, err = s.NextRunAt()
	if err != nil {
		t.Fatalf("NextRunAt: %v", err)
	}
	if next == nil {
		t.Fatal("next = nil")
	}
	if next.Sub(soon).Abs() > time.Second {
		t.Errorf("next = %v, want ≈%v", next, soon)
	}

	// Disabling the earliest moves the minimum.
	if err := s.UpdateAfterRun(UpdateAfterRunInput{ID: soonJob.ID, Enabled: false}); err != nil {
		t.Fatalf("UpdateAfterRun: %v", err)
	}
	next, _ = s.NextRunAt()
	if next == nil || next.Sub(later).Abs() > time.Second {
		t.Errorf("next = %v, want ≈%v", next, later)
	}
}

func TestListForChat(t *testing.T) {
	s := newTestStore(t)
	addAt(t, s, time.Now().Add(time.Hour))

	other, err := s.Add(AddInput{
		ChatID:       200,
		ScheduleKind: schedule.KindEvery,
		ScheduleSpec: "1h",
		JobType:      TypeSendMessage,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	list, err := s.ListForChat(200)
	if err != nil {
		t.Fatalf("ListForChat: %v", err)
	}
	if len(list) != 1 || list[0].ID != other.ID {
		t.Errorf("list = %+v", list)
	}
}

func TestRemove(t *testing.T) {
	s := newTestStore(t)
	job := addAt(t, s, time.Now().Add(time.Hour))

	removed, err := s.Remove(job.ID)
	if err != nil || !removed {
		t.Fatalf("Remove = (%v, %v)", removed, err)
	}
	removed, err = s.Remove(job.ID)
	if err != nil || removed {
		t.Errorf("second Remove = (%v, %v), want (false, nil)", removed, err)
	}
}
