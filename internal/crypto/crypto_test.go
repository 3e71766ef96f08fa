package crypto

import (
	"testing"

	"github.com/gluk-w/sshdeck/internal/database"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	prev := database.DB
	database.DB = db
	t.Cleanup(func() { database.DB = prev })
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	setupTestDB(t)

	tok, err := Encrypt("hunter2")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if tok == "hunter2" || tok == "" {
		t.Fatalf("expected ciphertext, got %q", tok)
	}

	plain, err := Decrypt(tok)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plain != "hunter2" {
		t.Errorf("expected hunter2, got %q", plain)
	}
}

func TestKeyIsPersisted(t *testing.T) {
	setupTestDB(t)

	if _, err := Encrypt("x"); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	k1, err := database.GetSetting(keySetting)
	if err != nil {
		t.Fatalf("expected key setting to be stored: %v", err)
	}
	if _, err := Encrypt("y"); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	k2, _ := database.GetSetting(keySetting)
	if k1 != k2 {
		t.Error("expected key to be reused across calls")
	}
}

func TestEmptyValues(t *testing.T) {
	setupTestDB(t)

	tok, err := Encrypt("")
	if err != nil || tok != "" {
		t.Errorf("expected empty ciphertext for empty input, got %q (%v)", tok, err)
	}
	plain, err := Decrypt("")
	if err != nil || plain != "" {
		t.Errorf("expected empty plaintext, got %q (%v)", plain, err)
	}
}

func TestDecryptGarbage(t *testing.T) {
	setupTestDB(t)
	if _, err := Decrypt("not-a-token"); err == nil {
		t.Error("expected error for invalid token")
	}
}

func TestMask(t *testing.T) {
	tests := map[string]string{
		"":            "",
		"abc":         "****",
		"supersecret": "****cret",
	}
	for in, want := range tests {
		if got := Mask(in); got != want {
			t.Errorf("Mask(%q) = %q, want %q", in, got, want)
		}
	}
}
