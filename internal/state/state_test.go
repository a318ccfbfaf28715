package state

import (
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	store, err := NewStore(gdb)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestNewStore_Defaults(t *testing.T) {
	store := openTestStore(t)

	rec, err := store.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if rec.DashboardMessageID != "" {
		t.Errorf("DashboardMessageID = %q, want empty", rec.DashboardMessageID)
	}
	if rec.LogsEnabled {
		t.Error("LogsEnabled = true, want false")
	}
	if rec.CurrentThreadID != "" || rec.CurrentDate != "" {
		t.Errorf("thread = (%q, %q), want empty", rec.CurrentThreadID, rec.CurrentDate)
	}
	if rec.LastActionTime != nil {
		t.Errorf("LastActionTime = %v, want nil", rec.LastActionTime)
	}
}

func TestWriteDashboard(t *testing.T) {
	store := openTestStore(t)

	if err := store.WriteDashboard("msg-123"); err != nil {
		t.Fatalf("WriteDashboard: %v", err)
	}
	rec, err := store.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if rec.DashboardMessageID != "msg-123" {
		t.Errorf("DashboardMessageID = %q, want %q", rec.DashboardMessageID, "msg-123")
	}
}

func TestWriteLogs_SetsThreadAndDate(t *testing.T) {
	store := openTestStore(t)

	if err := store.WriteLogs(true, "thread-9", "2026-08-31"); err != nil {
		t.Fatalf("WriteLogs: %v", err)
	}
	rec, _ := store.Snapshot()
	if !rec.LogsEnabled {
		t.Error("LogsEnabled = false, want true")
	}
	if rec.CurrentThreadID != "thread-9" {
		t.Errorf("CurrentThreadID = %q, want %q", rec.CurrentThreadID, "thread-9")
	}
	if rec.CurrentDate != "2026-08-31" {
		t.Errorf("CurrentDate = %q, want %q", rec.CurrentDate, "2026-08-31")
	}
}

func TestWriteLogs_EmptyKeepsThread(t *testing.T) {
	store := openTestStore(t)

	if err := store.WriteLogs(true, "thread-9", "2026-08-31"); err != nil {
		t.Fatalf("WriteLogs: %v", err)
	}
	// Disabling without a thread leaves the stored thread for later resume.
	if err := store.WriteLogs(false, "", ""); err != nil {
		t.Fatalf("WriteLogs disable: %v", err)
	}
	rec, _ := store.Snapshot()
	if rec.LogsEnabled {
		t.Error("LogsEnabled = true, want false")
	}
	if rec.CurrentThreadID != "thread-9" {
		t.Errorf("CurrentThreadID = %q, want preserved %q", rec.CurrentThreadID, "thread-9")
	}
	if rec.CurrentDate != "2026-08-31" {
		t.Errorf("CurrentDate = %q, want preserved %q", rec.CurrentDate, "2026-08-31")
	}
}

func TestClearLogs(t *testing.T) {
	store := openTestStore(t)

	if err := store.WriteLogs(true, "thread-9", "2026-08-31"); err != nil {
		t.Fatalf("WriteLogs: %v", err)
	}
	if err := store.ClearLogs(); err != nil {
		t.Fatalf("ClearLogs: %v", err)
	}
	rec, _ := store.Snapshot()
	if rec.LogsEnabled || rec.CurrentThreadID != "" || rec.CurrentDate != "" {
		t.Errorf("after ClearLogs: enabled=%v thread=%q date=%q, want all cleared",
			rec.LogsEnabled, rec.CurrentThreadID, rec.CurrentDate)
	}
}

func TestWriteLastAction(t *testing.T) {
	store := openTestStore(t)
	fixed := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	if err := store.WriteLastAction("restart", "alice"); err != nil {
		t.Fatalf("WriteLastAction: %v", err)
	}
	rec, _ := store.Snapshot()
	if rec.LastActionType != "restart" {
		t.Errorf("LastActionType = %q, want %q", rec.LastActionType, "restart")
	}
	if rec.LastActionUser != "alice" {
		t.Errorf("LastActionUser = %q, want %q", rec.LastActionUser, "alice")
	}
	if rec.LastActionTime == nil || !rec.LastActionTime.Equal(fixed) {
		t.Errorf("LastActionTime = %v, want %v", rec.LastActionTime, fixed)
	}
}

func TestWritesSurviveReload(t *testing.T) {
	store := openTestStore(t)

	if err := store.WriteDashboard("msg-1"); err != nil {
		t.Fatalf("WriteDashboard: %v", err)
	}
	// A second Store over the same DB sees the committed row.
	store2, err := NewStore(store.db)
	if err != nil {
		t.Fatalf("NewStore (reload): %v", err)
	}
	rec, err := store2.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if rec.DashboardMessageID != "msg-1" {
		t.Errorf("DashboardMessageID = %q, want %q", rec.DashboardMessageID, "msg-1")
	}
}
