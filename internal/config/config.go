// Package config loads the bridge configuration from config.yaml under the
// bridge home directory, applying defaults and environment overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// RobotConfig holds timings for the robot-facing TCP link.
type RobotConfig struct {
	// RobotID is the expected robot identity; a handshake with a different
	// robot_id is still accepted but logged.
	RobotID string `yaml:"robot_id"`

	PingIntervalSeconds     int `yaml:"ping_interval_seconds"`
	HandshakeTimeoutSeconds int `yaml:"handshake_timeout_seconds"`

	// CommandTimeoutSeconds is the default deadline for dispatched commands.
	// SafetyTimeoutSeconds is the much shorter deadline for the safety class.
	CommandTimeoutSeconds int `yaml:"command_timeout_seconds"`
	SafetyTimeoutSeconds  int `yaml:"safety_timeout_seconds"`

	// SweepIntervalMs is how often the dispatcher scans for expired deadlines.
	SweepIntervalMs int `yaml:"sweep_interval_ms"`

	// Reconnect policy for outbound robot connections: fixed backoff, bounded
	// attempts, then a steady "no robot" state (no unbounded retry loops).
	ReconnectBackoffSeconds int `yaml:"reconnect_backoff_seconds"`
	ReconnectMaxAttempts    int `yaml:"reconnect_max_attempts"`
}

// SafetyConfig holds the monitor thresholds. These reload live when
// config.yaml changes on disk.
type SafetyConfig struct {
	// DropThreshold: an ir_drop reading below this means the floor is gone.
	DropThreshold float64 `yaml:"drop_threshold"`
	// ObstacleThreshold: an ir_obstacle reading below this while moving
	// means something is in the way.
	ObstacleThreshold float64 `yaml:"obstacle_threshold"`
	// BatteryCriticalVolts trips the battery rule.
	BatteryCriticalVolts float64 `yaml:"battery_critical_volts"`
}

// ViewerConfig holds the per-viewer fan-out policy.
type ViewerConfig struct {
	// QueueCapacity bounds each viewer's delivery queue; overflow drops the
	// oldest queued telemetry for that viewer only.
	QueueCapacity int `yaml:"queue_capacity"`
}

// RetentionConfig controls the cron-driven pruning of persisted telemetry.
type RetentionConfig struct {
	CronSpec       string `yaml:"cron_spec"`
	TelemetryDays  int    `yaml:"telemetry_days"`
	CommandLogDays int    `yaml:"command_log_days"`
	SafetyDays     int    `yaml:"safety_days"`
}

// OTelConfig mirrors the observability section of config.yaml.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// RobotBindAddr is the TCP listener the robot connects to.
	RobotBindAddr string `yaml:"robot_bind_addr"`
	// RobotDialAddr, when set, makes the bridge dial out to the robot
	// instead of waiting for an inbound connection.
	RobotDialAddr string `yaml:"robot_dial_addr"`
	// GatewayBindAddr serves the viewer WebSocket and health endpoints.
	GatewayBindAddr string `yaml:"gateway_bind_addr"`

	LogLevel  string `yaml:"log_level"`
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins controls accepted Origin headers for browser WS viewers.
	// Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	DBPath string `yaml:"db_path"`

	Robot     RobotConfig     `yaml:"robot"`
	Safety    SafetyConfig    `yaml:"safety"`
	Viewers   ViewerConfig    `yaml:"viewers"`
	Retention RetentionConfig `yaml:"retention"`
	OTel      OTelConfig      `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		RobotBindAddr:   "0.0.0.0:8888",
		GatewayBindAddr: "127.0.0.1:18790",
		LogLevel:        "info",
		Robot: RobotConfig{
			RobotID:                 "deks_001",
			PingIntervalSeconds:     30,
			HandshakeTimeoutSeconds: 10,
			CommandTimeoutSeconds:   10,
			SafetyTimeoutSeconds:    2,
			SweepIntervalMs:         500,
			ReconnectBackoffSeconds: 3,
			ReconnectMaxAttempts:    5,
		},
		Safety: SafetyConfig{
			DropThreshold:        100,
			ObstacleThreshold:    100,
			BatteryCriticalVolts: 2.8,
		},
		Viewers: ViewerConfig{QueueCapacity: 64},
		Retention: RetentionConfig{
			CronSpec:       "0 * * * *",
			TelemetryDays:  7,
			CommandLogDays: 30,
			SafetyDays:     90,
		},
		OTel: OTelConfig{
			Exporter:    "stdout",
			ServiceName: "deks-bridge",
			SampleRate:  1.0,
		},
	}
}

// HomeDir returns the bridge data directory, honoring DEKS_BRIDGE_HOME.
func HomeDir() string {
	if override := os.Getenv("DEKS_BRIDGE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".deks-bridge")
}

// Load reads config.yaml from the bridge home directory. A missing file
// yields the defaults; a malformed one is an error.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from the given directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create bridge home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		// First run seeds config.yaml with the defaults so operators have
		// a file to edit and the watcher has a target. Env overrides are
		// applied after this point and never written to disk.
		if err := cfg.Save(); err != nil {
			return cfg, err
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DEKS_BRIDGE_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("DEKS_BRIDGE_ROBOT_ADDR"); v != "" {
		cfg.RobotBindAddr = v
	}
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.RobotBindAddr == "" {
		cfg.RobotBindAddr = def.RobotBindAddr
	}
	if cfg.GatewayBindAddr == "" {
		cfg.GatewayBindAddr = def.GatewayBindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "bridge.db")
	}
	if cfg.Robot.RobotID == "" {
		cfg.Robot.RobotID = def.Robot.RobotID
	}
	if cfg.Robot.PingIntervalSeconds <= 0 {
		cfg.Robot.PingIntervalSeconds = def.Robot.PingIntervalSeconds
	}
	if cfg.Robot.HandshakeTimeoutSeconds <= 0 {
		cfg.Robot.HandshakeTimeoutSeconds = def.Robot.HandshakeTimeoutSeconds
	}
	if cfg.Robot.CommandTimeoutSeconds <= 0 {
		cfg.Robot.CommandTimeoutSeconds = def.Robot.CommandTimeoutSeconds
	}
	if cfg.Robot.SafetyTimeoutSeconds <= 0 {
		cfg.Robot.SafetyTimeoutSeconds = def.Robot.SafetyTimeoutSeconds
	}
	if cfg.Robot.SweepIntervalMs <= 0 {
		cfg.Robot.SweepIntervalMs = def.Robot.SweepIntervalMs
	}
	if cfg.Robot.ReconnectBackoffSeconds <= 0 {
		cfg.Robot.ReconnectBackoffSeconds = def.Robot.ReconnectBackoffSeconds
	}
	if cfg.Robot.ReconnectMaxAttempts <= 0 {
		cfg.Robot.ReconnectMaxAttempts = def.Robot.ReconnectMaxAttempts
	}
	if cfg.Safety.DropThreshold <= 0 {
		cfg.Safety.DropThreshold = def.Safety.DropThreshold
	}
	if cfg.Safety.ObstacleThreshold <= 0 {
		cfg.Safety.ObstacleThreshold = def.Safety.ObstacleThreshold
	}
	if cfg.Safety.BatteryCriticalVolts <= 0 {
		cfg.Safety.BatteryCriticalVolts = def.Safety.BatteryCriticalVolts
	}
	if cfg.Viewers.QueueCapacity <= 0 {
		cfg.Viewers.QueueCapacity = def.Viewers.QueueCapacity
	}
	if cfg.Retention.CronSpec == "" {
		cfg.Retention.CronSpec = def.Retention.CronSpec
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = def.OTel.ServiceName
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = def.OTel.Exporter
	}
}

func validate(cfg *Config) error {
	if cfg.Robot.SafetyTimeoutSeconds > cfg.Robot.CommandTimeoutSeconds {
		return fmt.Errorf("safety_timeout_seconds (%d) must not exceed command_timeout_seconds (%d)",
			cfg.Robot.SafetyTimeoutSeconds, cfg.Robot.CommandTimeoutSeconds)
	}
	return nil
}

// Duration accessors keep the yaml surface in plain integers while the rest
// of the code works in time.Duration.

func (c RobotConfig) PingInterval() time.Duration { return secs(c.PingIntervalSeconds) }

func (c RobotConfig) HandshakeTimeout() time.Duration { return secs(c.HandshakeTimeoutSeconds) }

func (c RobotConfig) CommandTimeout() time.Duration { return secs(c.CommandTimeoutSeconds) }

func (c RobotConfig) SafetyTimeout() time.Duration { return secs(c.SafetyTimeoutSeconds) }

func (c RobotConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}

func (c RobotConfig) ReconnectBackoff() time.Duration { return secs(c.ReconnectBackoffSeconds) }

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

// Fingerprint returns a stable hash of the active config, exposed by the
// gateway status endpoint so viewers can tell when the bridge was re-tuned.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "robot=%s|gateway=%s|log=%s|drop=%v|obstacle=%v|battery=%v|queue=%d",
		c.RobotBindAddr, c.GatewayBindAddr, c.LogLevel,
		c.Safety.DropThreshold, c.Safety.ObstacleThreshold, c.Safety.BatteryCriticalVolts,
		c.Viewers.QueueCapacity)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// Save writes the config back to config.yaml in the home directory.
func (c Config) Save() error {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := filepath.Join(c.HomeDir, "config.yaml")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
}
