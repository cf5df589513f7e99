package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewStore_CreatesDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	if _, err := os.Stat(dbPath); !os.IsNotExist(err) {
		t.Fatal("database file should not exist before creating store")
	}

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file should exist after creating store")
	}
}

func TestNewStore_RunsMigrations(t *testing.T) {
	s := newTestStore(t)

	tables := []string{"trigger_events", "settings"}
	for _, table := range tables {
		var name string
		err := s.DB().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q should exist after migrations: %v", table, err)
		}
	}
}

func TestEvents_InsertAndGet(t *testing.T) {
	s := newTestStore(t)
	events := s.Events()

	fired := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	e := &TriggerEvent{
		Kind:       EventKindStart,
		FiredAt:    fired,
		Confidence: 0.92,
		X:          0.8,
		Y:          0.4,
	}
	if err := events.Insert(e); err != nil {
		t.Fatalf("failed to insert event: %v", err)
	}
	if e.ID == "" {
		t.Fatal("insert should generate an ID")
	}

	got, err := events.GetByID(e.ID)
	if err != nil {
		t.Fatalf("failed to get event: %v", err)
	}
	if got.Kind != EventKindStart {
		t.Errorf("kind = %q, want %q", got.Kind, EventKindStart)
	}
	if !got.FiredAt.Equal(fired) {
		t.Errorf("fired_at = %v, want %v", got.FiredAt, fired)
	}
	if got.Confidence != 0.92 || got.X != 0.8 || got.Y != 0.4 {
		t.Errorf("payload = (%v, %v, %v), want (0.92, 0.8, 0.4)", got.Confidence, got.X, got.Y)
	}
}

func TestEvents_GetByID_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Events().GetByID("no-such-id")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestEvents_RejectsUnknownKind(t *testing.T) {
	s := newTestStore(t)

	err := s.Events().Insert(&TriggerEvent{Kind: "dance", FiredAt: time.Now()})
	if err == nil {
		t.Fatal("insert with unknown kind should fail the check constraint")
	}
}

func TestEvents_RecentNewestFirst(t *testing.T) {
	s := newTestStore(t)
	events := s.Events()

	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	kinds := []EventKind{EventKindStart, EventKindStop, EventKindAction, EventKindStart}
	for i, kind := range kinds {
		e := &TriggerEvent{Kind: kind, FiredAt: base.Add(time.Duration(i) * time.Minute)}
		if err := events.Insert(e); err != nil {
			t.Fatalf("failed to insert event %d: %v", i, err)
		}
	}

	recent, err := events.Recent(3)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("got %d events, want 3", len(recent))
	}
	for i := 1; i < len(recent); i++ {
		if recent[i].FiredAt.After(recent[i-1].FiredAt) {
			t.Fatal("events should be ordered newest first")
		}
	}
	if recent[0].Kind != EventKindStart {
		t.Errorf("newest event kind = %q, want %q", recent[0].Kind, EventKindStart)
	}
}

func TestEvents_CountByKind(t *testing.T) {
	s := newTestStore(t)
	events := s.Events()

	for _, kind := range []EventKind{EventKindStart, EventKindStart, EventKindStop} {
		if err := events.Insert(&TriggerEvent{Kind: kind, FiredAt: time.Now()}); err != nil {
			t.Fatalf("failed to insert event: %v", err)
		}
	}

	counts, err := events.CountByKind()
	if err != nil {
		t.Fatalf("failed to count events: %v", err)
	}
	if counts[EventKindStart] != 2 || counts[EventKindStop] != 1 || counts[EventKindAction] != 0 {
		t.Errorf("counts = %v, want start:2 stop:1", counts)
	}
}

func TestEvents_PruneBefore(t *testing.T) {
	s := newTestStore(t)
	events := s.Events()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		e := &TriggerEvent{Kind: EventKindAction, FiredAt: base.AddDate(0, 0, i)}
		if err := events.Insert(e); err != nil {
			t.Fatalf("failed to insert event: %v", err)
		}
	}

	pruned, err := events.PruneBefore(base.AddDate(0, 0, 2))
	if err != nil {
		t.Fatalf("failed to prune: %v", err)
	}
	if pruned != 2 {
		t.Errorf("pruned %d events, want 2", pruned)
	}

	remaining, err := events.Recent(10)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(remaining) != 2 {
		t.Errorf("%d events remain, want 2", len(remaining))
	}
}

func TestSettings_SetGetDelete(t *testing.T) {
	s := newTestStore(t)
	settings := s.Settings()

	if _, err := settings.Get("camera_id"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound before set", err)
	}

	if err := settings.Set("camera_id", "0"); err != nil {
		t.Fatalf("failed to set: %v", err)
	}
	if err := settings.Set("camera_id", "2"); err != nil {
		t.Fatalf("failed to overwrite: %v", err)
	}

	got, err := settings.Get("camera_id")
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if got != "2" {
		t.Errorf("value = %q, want %q", got, "2")
	}

	if err := settings.Delete("camera_id"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if _, err := settings.Get("camera_id"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after delete", err)
	}
}

func TestSettings_All(t *testing.T) {
	s := newTestStore(t)
	settings := s.Settings()

	want := map[string]string{"mirror": "true", "dwell_ms": "1000"}
	for k, v := range want {
		if err := settings.Set(k, v); err != nil {
			t.Fatalf("failed to set %q: %v", k, err)
		}
	}

	all, err := settings.All()
	if err != nil {
		t.Fatalf("failed to list settings: %v", err)
	}
	if len(all) != len(want) {
		t.Fatalf("got %d settings, want %d", len(all), len(want))
	}
	for k, v := range want {
		if all[k] != v {
			t.Errorf("all[%q] = %q, want %q", k, all[k], v)
		}
	}
}
