package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kelseyhightower/envconfig"
)

func loadDefaults(t *testing.T) Settings {
	t.Helper()
	var s Settings
	if err := envconfig.Process("SSHDECK_TEST_UNSET", &s); err != nil {
		t.Fatalf("process defaults: %v", err)
	}
	return s
}

func TestDefaults(t *testing.T) {
	s := loadDefaults(t)

	if s.MaxSessions != 10 {
		t.Errorf("expected MaxSessions 10, got %d", s.MaxSessions)
	}
	if s.InactiveThreshold() != 30*time.Minute {
		t.Errorf("expected 30m threshold, got %s", s.InactiveThreshold())
	}
	if s.ScanInterval() != time.Minute {
		t.Errorf("expected 1m scan interval, got %s", s.ScanInterval())
	}
	if s.TeardownDelay() != 250*time.Millisecond {
		t.Errorf("expected 250ms teardown delay, got %s", s.TeardownDelay())
	}
	if s.DBPath() != filepath.Join("/app/data", "sshdeck.db") {
		t.Errorf("unexpected db path %q", s.DBPath())
	}
	if err := s.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("SSHDECK_MAX_SESSIONS", "2")
	t.Setenv("SSHDECK_INACTIVE_THRESHOLD_MINUTES", "60")

	var s Settings
	if err := envconfig.Process("SSHDECK", &s); err != nil {
		t.Fatalf("process: %v", err)
	}
	if s.MaxSessions != 2 {
		t.Errorf("expected MaxSessions 2, got %d", s.MaxSessions)
	}
	if s.InactiveThreshold() != time.Hour {
		t.Errorf("expected 1h threshold, got %s", s.InactiveThreshold())
	}
}

func TestMergeFile(t *testing.T) {
	s := loadDefaults(t)

	path := filepath.Join(t.TempDir(), "sshdeck.yaml")
	doc := "max_sessions: 4\nmonitor_probe_interval: 2s\n"
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if err := s.MergeFile(path); err != nil {
		t.Fatalf("MergeFile: %v", err)
	}
	if s.MaxSessions != 4 {
		t.Errorf("expected MaxSessions 4 from file, got %d", s.MaxSessions)
	}
	if s.ProbeInterval() != 2*time.Second {
		t.Errorf("expected 2s probe interval, got %s", s.ProbeInterval())
	}
	// Untouched keys keep their defaults
	if s.InactiveThresholdMinutes != 30 {
		t.Errorf("expected threshold to stay 30, got %d", s.InactiveThresholdMinutes)
	}
}

func TestMergeFileMissing(t *testing.T) {
	s := loadDefaults(t)
	if err := s.MergeFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestZeroIntervalsFallBackToDefaults(t *testing.T) {
	s := Settings{
		InactivityScanInterval: "0s",
		MonitorProbeInterval:   "0s",
		MonitorTeardownDelay:   "0s",
		UIStatePruneInterval:   "0s",
		ReconnectCooldown:      "0s",
	}
	if got := s.ScanInterval(); got != time.Minute {
		t.Errorf("ScanInterval = %s, want 1m", got)
	}
	if got := s.ProbeInterval(); got != 5*time.Second {
		t.Errorf("ProbeInterval = %s, want 5s", got)
	}
	if got := s.TeardownDelay(); got != 250*time.Millisecond {
		t.Errorf("TeardownDelay = %s, want 250ms", got)
	}
	if got := s.PruneInterval(); got != 10*time.Minute {
		t.Errorf("PruneInterval = %s, want 10m", got)
	}
	if got := s.ReconnectCooldownDuration(); got != 0 {
		t.Errorf("ReconnectCooldownDuration = %s, want 0", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr bool
	}{
		{"defaults", func(s *Settings) {}, false},
		{"zero max sessions", func(s *Settings) { s.MaxSessions = 0 }, true},
		{"negative threshold", func(s *Settings) { s.InactiveThresholdMinutes = -1 }, true},
		{"zero threshold disables", func(s *Settings) { s.InactiveThresholdMinutes = 0 }, false},
		{"bad duration", func(s *Settings) { s.MonitorProbeInterval = "soon" }, true},
		{"zero scan interval", func(s *Settings) { s.InactivityScanInterval = "0s" }, true},
		{"zero teardown delay", func(s *Settings) { s.MonitorTeardownDelay = "0" }, true},
		{"negative prune interval", func(s *Settings) { s.UIStatePruneInterval = "-1m" }, true},
		{"zero cooldown allowed", func(s *Settings) { s.ReconnectCooldown = "0s" }, false},
		{"negative cooldown", func(s *Settings) { s.ReconnectCooldown = "-5s" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := loadDefaults(t)
			tt.mutate(&s)
			err := s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
