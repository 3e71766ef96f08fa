package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data" yaml:"data_path"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"" yaml:"database_path"`
	LogPath      string `envconfig:"LOG_PATH" default:"" yaml:"log_path"`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000" yaml:"listen_addr"`
	ConfigFile   string `envconfig:"CONFIG_FILE" default:"" yaml:"-"`

	// Session orchestrator
	MaxSessions              int    `envconfig:"MAX_SESSIONS" default:"10" yaml:"max_sessions"`
	InactiveThresholdMinutes int    `envconfig:"INACTIVE_THRESHOLD_MINUTES" default:"30" yaml:"inactive_threshold_minutes"`
	InactivityScanInterval   string `envconfig:"INACTIVITY_SCAN_INTERVAL" default:"1m" yaml:"inactivity_scan_interval"`

	// Terminal emulator
	TerminalScrollbackBytes int `envconfig:"TERMINAL_SCROLLBACK_BYTES" default:"1048576" yaml:"terminal_scrollback_bytes"`
	TerminalCols            int `envconfig:"TERMINAL_COLS" default:"80" yaml:"terminal_cols"`
	TerminalRows            int `envconfig:"TERMINAL_ROWS" default:"24" yaml:"terminal_rows"`

	// Connections and monitoring
	ReconnectCooldown    string `envconfig:"RECONNECT_COOLDOWN" default:"5s" yaml:"reconnect_cooldown"`
	MonitorProbeInterval string `envconfig:"MONITOR_PROBE_INTERVAL" default:"5s" yaml:"monitor_probe_interval"`
	MonitorTeardownDelay string `envconfig:"MONITOR_TEARDOWN_DELAY" default:"250ms" yaml:"monitor_teardown_delay"`
	UIStatePruneInterval string `envconfig:"UI_STATE_PRUNE_INTERVAL" default:"10m" yaml:"ui_state_prune_interval"`
	AuditRetentionDays   int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90" yaml:"audit_retention_days"`
}

var Cfg Settings

// Load reads SSHDECK_* environment variables into Cfg and then applies the
// optional YAML file named by SSHDECK_CONFIG_FILE. Keys present in the file
// take precedence over the environment.
func Load() {
	if err := envconfig.Process("SSHDECK", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if Cfg.ConfigFile != "" {
		if err := Cfg.MergeFile(Cfg.ConfigFile); err != nil {
			log.Fatalf("failed to load config file: %v", err)
		}
	}
	if err := Cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
}

// MergeFile decodes a YAML document on top of s. Fields missing from the
// document keep their current values.
func (s *Settings) MergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Validate checks the settings the session core depends on.
func (s *Settings) Validate() error {
	if s.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1, got %d", s.MaxSessions)
	}
	if s.InactiveThresholdMinutes < 0 {
		return fmt.Errorf("inactive_threshold_minutes must not be negative, got %d", s.InactiveThresholdMinutes)
	}
	if s.ReconnectCooldown != "" {
		d, err := time.ParseDuration(s.ReconnectCooldown)
		if err != nil {
			return fmt.Errorf("reconnect_cooldown: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("reconnect_cooldown must not be negative, got %s", d)
		}
	}
	// Scheduled intervals and the teardown delay must be positive.
	for name, v := range map[string]string{
		"inactivity_scan_interval": s.InactivityScanInterval,
		"monitor_probe_interval":   s.MonitorProbeInterval,
		"monitor_teardown_delay":   s.MonitorTeardownDelay,
		"ui_state_prune_interval":  s.UIStatePruneInterval,
	} {
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}

// DBPath returns the sqlite path, defaulting to sshdeck.db under DataPath.
func (s *Settings) DBPath() string {
	if s.DatabasePath != "" {
		return s.DatabasePath
	}
	return filepath.Join(s.DataPath, "sshdeck.db")
}

// LogFile returns the log file path, defaulting to sshdeck.log under DataPath.
func (s *Settings) LogFile() string {
	if s.LogPath != "" {
		return s.LogPath
	}
	return filepath.Join(s.DataPath, "sshdeck.log")
}

// InactiveThreshold is the idle time after which an advisory fires.
// Zero disables advisories.
func (s *Settings) InactiveThreshold() time.Duration {
	return time.Duration(s.InactiveThresholdMinutes) * time.Minute
}

func (s *Settings) ScanInterval() time.Duration {
	return positiveOr(s.InactivityScanInterval, time.Minute)
}

func (s *Settings) ReconnectCooldownDuration() time.Duration {
	return durationOr(s.ReconnectCooldown, 5*time.Second)
}

func (s *Settings) ProbeInterval() time.Duration {
	return positiveOr(s.MonitorProbeInterval, 5*time.Second)
}

func (s *Settings) TeardownDelay() time.Duration {
	return positiveOr(s.MonitorTeardownDelay, 250*time.Millisecond)
}

func (s *Settings) PruneInterval() time.Duration {
	return positiveOr(s.UIStatePruneInterval, 10*time.Minute)
}

func durationOr(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// positiveOr is durationOr for settings where zero is not meaningful.
func positiveOr(v string, fallback time.Duration) time.Duration {
	if d := durationOr(v, fallback); d > 0 {
		return d
	}
	return fallback
}
