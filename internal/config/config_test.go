package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.RobotBindAddr != "0.0.0.0:8888" {
		t.Fatalf("robot_bind_addr = %q", cfg.RobotBindAddr)
	}
	if cfg.Robot.PingInterval() != 30*time.Second {
		t.Fatalf("ping interval = %v, want 30s", cfg.Robot.PingInterval())
	}
	if cfg.Robot.SweepInterval() != 500*time.Millisecond {
		t.Fatalf("sweep interval = %v, want 500ms", cfg.Robot.SweepInterval())
	}
	if cfg.Robot.ReconnectMaxAttempts != 5 {
		t.Fatalf("reconnect attempts = %d, want 5", cfg.Robot.ReconnectMaxAttempts)
	}
	if cfg.Safety.DropThreshold != 100 {
		t.Fatalf("drop threshold = %v, want 100", cfg.Safety.DropThreshold)
	}
	if cfg.Safety.BatteryCriticalVolts != 2.8 {
		t.Fatalf("battery critical = %v, want 2.8", cfg.Safety.BatteryCriticalVolts)
	}
	if cfg.Viewers.QueueCapacity != 64 {
		t.Fatalf("queue capacity = %d, want 64", cfg.Viewers.QueueCapacity)
	}
	if cfg.DBPath == "" {
		t.Fatal("db path not defaulted")
	}
}

func TestLoadFrom_File(t *testing.T) {
	dir := t.TempDir()
	raw := `
robot_bind_addr: 127.0.0.1:9999
log_level: debug
robot:
  command_timeout_seconds: 5
  safety_timeout_seconds: 1
safety:
  drop_threshold: 250
viewers:
  queue_capacity: 8
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.RobotBindAddr != "127.0.0.1:9999" {
		t.Fatalf("robot_bind_addr = %q", cfg.RobotBindAddr)
	}
	if cfg.Robot.CommandTimeout() != 5*time.Second {
		t.Fatalf("command timeout = %v, want 5s", cfg.Robot.CommandTimeout())
	}
	if cfg.Safety.DropThreshold != 250 {
		t.Fatalf("drop threshold = %v, want 250", cfg.Safety.DropThreshold)
	}
	if cfg.Viewers.QueueCapacity != 8 {
		t.Fatalf("queue capacity = %d, want 8", cfg.Viewers.QueueCapacity)
	}
	// Unset fields fall back to defaults.
	if cfg.Robot.PingIntervalSeconds != 30 {
		t.Fatalf("ping interval seconds = %d, want default 30", cfg.Robot.PingIntervalSeconds)
	}
}

func TestLoadFrom_SeedsDefaultFile(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadFrom(dir); err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	seeded := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(seeded); err != nil {
		t.Fatalf("config.yaml not seeded: %v", err)
	}

	// An operator edit to the seeded file survives the next load.
	raw := `
safety:
  drop_threshold: 321
`
	if err := os.WriteFile(seeded, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Safety.DropThreshold != 321 {
		t.Fatalf("drop threshold = %v, want 321", cfg.Safety.DropThreshold)
	}
	data, err := os.ReadFile(seeded)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if string(data) != raw {
		t.Fatal("reload overwrote the operator's config.yaml")
	}
}

func TestLoadFrom_RejectsInvertedTimeouts(t *testing.T) {
	dir := t.TempDir()
	raw := `
robot:
  command_timeout_seconds: 2
  safety_timeout_seconds: 8
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFrom(dir); err == nil {
		t.Fatal("LoadFrom accepted safety timeout longer than command timeout")
	}
}

func TestLoadFrom_MalformedYAML(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("robot: ["), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFrom(dir); err == nil {
		t.Fatal("LoadFrom accepted malformed yaml")
	}
}

func TestFingerprint_TracksThresholds(t *testing.T) {
	a, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs produced different fingerprints")
	}
	b.Safety.DropThreshold = 999
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("threshold change did not alter fingerprint")
	}
}
