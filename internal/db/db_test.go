package db

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "events.db")
	database, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	database.Close()
}

func TestWorkerEventRoundTrip(t *testing.T) {
	database := openTestDB(t)

	if err := database.LogWorkerEvent(1, 1, "spawn", "pid 1234"); err != nil {
		t.Fatalf("LogWorkerEvent failed: %v", err)
	}
	if err := database.LogWorkerEvent(1, 1, "ready", "0.0.0.0:8080"); err != nil {
		t.Fatalf("LogWorkerEvent failed: %v", err)
	}
	if err := database.LogWorkerEvent(2, 2, "exit_abnormal", "exit code 1"); err != nil {
		t.Fatalf("LogWorkerEvent failed: %v", err)
	}

	events, err := database.RecentWorkerEvents(10)
	if err != nil {
		t.Fatalf("RecentWorkerEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	// Newest first
	if events[0].EventType != "exit_abnormal" || events[0].WorkerID != 2 || events[0].Epoch != 2 {
		t.Errorf("unexpected newest event: %+v", events[0])
	}
	if events[2].EventType != "spawn" || events[2].Details != "pid 1234" {
		t.Errorf("unexpected oldest event: %+v", events[2])
	}
}

func TestRecentWorkerEventsLimit(t *testing.T) {
	database := openTestDB(t)

	for i := 0; i < 10; i++ {
		if err := database.LogWorkerEvent(i, 1, "spawn", ""); err != nil {
			t.Fatalf("LogWorkerEvent failed: %v", err)
		}
	}

	events, err := database.RecentWorkerEvents(4)
	if err != nil {
		t.Fatalf("RecentWorkerEvents failed: %v", err)
	}
	if len(events) != 4 {
		t.Errorf("expected 4 events, got %d", len(events))
	}
}

func TestSupervisorEventRoundTrip(t *testing.T) {
	database := openTestDB(t)

	if err := database.LogSupervisorEvent("start", "version devel"); err != nil {
		t.Fatalf("LogSupervisorEvent failed: %v", err)
	}
	if err := database.LogSupervisorEvent("reload", "epoch 2"); err != nil {
		t.Fatalf("LogSupervisorEvent failed: %v", err)
	}

	events, err := database.RecentSupervisorEvents(10)
	if err != nil {
		t.Fatalf("RecentSupervisorEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].EventType != "reload" {
		t.Errorf("unexpected newest event: %+v", events[0])
	}
}
