package tabstate

import (
	"testing"

	"github.com/gluk-w/sshdeck/internal/database"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func ptr(b bool) *bool { return &b }

func TestGetUnknownReturnsDefault(t *testing.T) {
	s := NewStore(setupTestDB(t))
	if got := s.Get("nope"); got != Default() {
		t.Errorf("expected default state, got %+v", got)
	}
	if !Default().Info || Default().Monitor {
		t.Errorf("unexpected default %+v", Default())
	}
}

func TestSetMergesIntoDefault(t *testing.T) {
	s := NewStore(setupTestDB(t))

	got, err := s.Set("s1", Patch{Monitor: ptr(true)})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	want := State{Monitor: true, Info: true}
	if got != want {
		t.Errorf("Set returned %+v, want %+v", got, want)
	}

	got, _ = s.Set("s1", Patch{Info: ptr(false), Files: ptr(true)})
	want = State{Monitor: true, Files: true}
	if got != want {
		t.Errorf("second Set returned %+v, want %+v", got, want)
	}
	if s.Get("s1") != want {
		t.Errorf("Get returned %+v, want %+v", s.Get("s1"), want)
	}
}

func TestStatePersistsAcrossReload(t *testing.T) {
	db := setupTestDB(t)
	s := NewStore(db)
	s.Set("s1", Patch{Snippets: ptr(true)})
	s.Set("s2", Patch{Info: ptr(false)})

	reloaded := NewStore(db)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := reloaded.Get("s1"); got != (State{Snippets: true, Info: true}) {
		t.Errorf("s1 after reload = %+v", got)
	}
	if got := reloaded.Get("s2"); got != (State{}) {
		t.Errorf("s2 after reload = %+v", got)
	}
}

func TestLoadDropsOtherVersions(t *testing.T) {
	db := setupTestDB(t)
	rows := []database.TabUIState{
		{SessionID: "old", Version: Version + 1, Data: `{"monitor":true}`},
		{SessionID: "broken", Version: Version, Data: `not json`},
		{SessionID: "good", Version: Version, Data: `{"files":true}`},
	}
	for i := range rows {
		if err := db.Create(&rows[i]).Error; err != nil {
			t.Fatalf("seed row: %v", err)
		}
	}

	s := NewStore(db)
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ids := s.IDs(); len(ids) != 1 || ids[0] != "good" {
		t.Errorf("expected only the current-version row, got %v", ids)
	}
	if got := s.Get("old"); got != Default() {
		t.Errorf("stale row should read as default, got %+v", got)
	}

	var count int64
	db.Model(&database.TabUIState{}).Count(&count)
	if count != 1 {
		t.Errorf("expected stale rows deleted, %d remain", count)
	}
}

func TestDelete(t *testing.T) {
	db := setupTestDB(t)
	s := NewStore(db)
	s.Set("s1", Patch{Monitor: ptr(true)})

	if err := s.Delete("s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := s.Get("s1"); got != Default() {
		t.Errorf("expected default after delete, got %+v", got)
	}
	if err := s.Delete("never"); err != nil {
		t.Errorf("deleting unknown id should not fail: %v", err)
	}

	var count int64
	db.Model(&database.TabUIState{}).Count(&count)
	if count != 0 {
		t.Errorf("expected no rows, got %d", count)
	}
}

func TestPruneRemovesOrphans(t *testing.T) {
	db := setupTestDB(t)
	s := NewStore(db)
	for _, id := range []string{"a", "b", "c"} {
		s.Set(id, Patch{Files: ptr(true)})
	}
	// A row only on disk, e.g. left by a previous process.
	db.Create(&database.TabUIState{SessionID: "ghost", Version: Version, Data: `{}`})

	live := map[string]bool{"b": true}
	n, err := s.Prune(func(id string) bool { return live[id] })
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 pruned (a, c, ghost), got %d", n)
	}
	if ids := s.IDs(); len(ids) != 1 || ids[0] != "b" {
		t.Errorf("expected only b to remain, got %v", ids)
	}

	var ids []string
	db.Model(&database.TabUIState{}).Pluck("session_id", &ids)
	if len(ids) != 1 || ids[0] != "b" {
		t.Errorf("expected only b on disk, got %v", ids)
	}

	n, _ = s.Prune(func(id string) bool { return live[id] })
	if n != 0 {
		t.Errorf("second prune should be a no-op, got %d", n)
	}
}

func TestMemoryOnlyStore(t *testing.T) {
	s := NewStore(nil)
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	s.Set("s1", Patch{Monitor: ptr(true)})
	if !s.Get("s1").Monitor {
		t.Error("expected monitor flag set")
	}
	n, _ := s.Prune(func(string) bool { return false })
	if n != 1 {
		t.Errorf("expected 1 pruned, got %d", n)
	}
}
