package database

import (
	"errors"
	"testing"

	"gorm.io/gorm"
)

// setupTestDB points the package-global DB at a fresh in-memory database.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	prev := DB
	DB = db
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
		DB = prev
	})
	return db
}

func TestTargetDefaults(t *testing.T) {
	setupTestDB(t)

	if err := SaveTarget(&Target{ID: "srv1", Name: "web", Host: "10.0.0.5", Username: "ops", Online: true}); err != nil {
		t.Fatalf("save target: %v", err)
	}

	loaded, err := GetTarget("srv1")
	if err != nil {
		t.Fatalf("load target: %v", err)
	}
	if loaded.Port != 22 {
		t.Errorf("expected default port 22, got %d", loaded.Port)
	}
	if !loaded.Online {
		t.Error("expected target online")
	}
}

func TestGetTargetMissing(t *testing.T) {
	setupTestDB(t)

	_, err := GetTarget("nope")
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestListTargetsOrder(t *testing.T) {
	setupTestDB(t)

	for _, tgt := range []Target{
		{ID: "b", Name: "b", Host: "h", Username: "u", SortOrder: 2},
		{ID: "a", Name: "a", Host: "h", Username: "u", SortOrder: 2},
		{ID: "c", Name: "c", Host: "h", Username: "u", SortOrder: 1},
	} {
		tgt := tgt
		if err := SaveTarget(&tgt); err != nil {
			t.Fatalf("save %s: %v", tgt.ID, err)
		}
	}

	list, err := ListTargets()
	if err != nil {
		t.Fatalf("ListTargets: %v", err)
	}
	got := ""
	for _, tgt := range list {
		got += tgt.ID
	}
	if got != "cab" {
		t.Errorf("expected order cab, got %s", got)
	}
}

func TestSetTargetOnline(t *testing.T) {
	setupTestDB(t)
	SaveTarget(&Target{ID: "srv1", Name: "web", Host: "h", Username: "u", Online: true})

	if err := SetTargetOnline("srv1", false); err != nil {
		t.Fatalf("SetTargetOnline: %v", err)
	}
	loaded, _ := GetTarget("srv1")
	if loaded.Online {
		t.Error("expected target offline")
	}

	if err := SetTargetOnline("missing", true); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound for missing target, got %v", err)
	}
}

func TestSettings(t *testing.T) {
	setupTestDB(t)

	if _, err := GetSetting("fernet_key"); err == nil {
		t.Fatal("expected error for unset setting")
	}
	if err := SetSetting("fernet_key", "v1"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := SetSetting("fernet_key", "v2"); err != nil {
		t.Fatalf("SetSetting overwrite: %v", err)
	}
	v, err := GetSetting("fernet_key")
	if err != nil || v != "v2" {
		t.Errorf("expected v2, got %q (%v)", v, err)
	}
	if err := DeleteSetting("fernet_key"); err != nil {
		t.Fatalf("DeleteSetting: %v", err)
	}
	if _, err := GetSetting("fernet_key"); err == nil {
		t.Error("expected error after delete")
	}
}
