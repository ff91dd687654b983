package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPollInterval        = 30 * time.Second
	DefaultProbeTimeout        = 5 * time.Second
	DefaultBackoffBase         = 5 * time.Second
	DefaultBackoffCap          = 300 * time.Second
	DefaultMaxRecoveryAttempts = 5
	DefaultShutdownGrace       = 10 * time.Second
	DefaultSuppressionWindow   = 5 * time.Minute
	DefaultAlertRetention      = 24 * time.Hour
	DefaultMetricsWindow       = 60
	DefaultPoolSize            = 8
	DefaultReuseRatio          = 0.7
	DefaultDialTimeout         = 5 * time.Second
	DefaultAcquireJitter       = 200 * time.Millisecond
)

// Config is the full watchdog configuration, supplied once at startup and
// treated as immutable for the process lifetime.
type Config struct {
	Watchdog    WatchdogConfig  `yaml:"watchdog"`
	Thresholds  Thresholds      `yaml:"thresholds"`
	Alerts      AlertsConfig    `yaml:"alerts"`
	Shaping     ShapingConfig   `yaml:"shaping"`
	Pool        PoolConfig      `yaml:"pool"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Logging     LoggingConfig   `yaml:"logging"`
	StatusPath  string          `yaml:"status_path"`
	STUNServers []string        `yaml:"stun_servers"`
	Tunnels     []TunnelConfig  `yaml:"tunnels"`
}

// WatchdogConfig controls the monitoring and recovery loop.
type WatchdogConfig struct {
	PollInterval        time.Duration `yaml:"poll_interval"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout"`
	BackoffBase         time.Duration `yaml:"backoff_base"`
	BackoffCap          time.Duration `yaml:"backoff_cap"`
	MaxRecoveryAttempts int           `yaml:"max_recovery_attempts"`
	ShutdownGrace       time.Duration `yaml:"shutdown_grace"`
	MetricsWindow       int           `yaml:"metrics_window"`
}

// Thresholds are the alert thresholds read by the evaluator.
type Thresholds struct {
	MinThroughputMbps   float64 `yaml:"min_throughput_mbps"`
	MaxLatencyMS        float64 `yaml:"max_latency_ms"`
	MaxPacketLossPct    float64 `yaml:"max_packet_loss_pct"`
	ConsecutiveFailures int     `yaml:"consecutive_failures"`
}

// AlertsConfig controls dedup and retention of the alert log.
type AlertsConfig struct {
	SuppressionWindow time.Duration `yaml:"suppression_window"`
	Retention         time.Duration `yaml:"retention"`
	ExportPath        string        `yaml:"export_path"`
	// LogPath enables a dedicated rotated alert log file.
	LogPath string `yaml:"log_path"`
}

// ShapingConfig is the default obfuscation profile applied to tunnel
// interfaces that have shaping enabled.
type ShapingConfig struct {
	JitterMeanMS       int  `yaml:"jitter_mean_ms"`
	JitterRangeMS      int  `yaml:"jitter_range_ms"`
	PacketSizeVariance bool `yaml:"packet_size_variance"`
	TTLRandomize       bool `yaml:"ttl_randomize"`
}

// PoolConfig controls the per-tunnel connection pool.
type PoolConfig struct {
	Size             int           `yaml:"size"`
	ReuseRatio       float64       `yaml:"reuse_ratio"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	MaxAcquireJitter time.Duration `yaml:"max_acquire_jitter"`
}

// TelemetryConfig enables the HTTP snapshot endpoint when Listen is set.
type TelemetryConfig struct {
	Listen string `yaml:"listen"`
}

// LoggingConfig configures logrus output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // text|json
	Output     string `yaml:"output"` // console|file
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TunnelConfig describes one monitored tunnel.
type TunnelConfig struct {
	Name           string   `yaml:"name"`
	Interface      string   `yaml:"interface"`
	Remote         string   `yaml:"remote"`
	ProbePort      int      `yaml:"probe_port"`
	Unit           string   `yaml:"unit"`
	ForwardUnits   []string `yaml:"forward_units"`
	ForwardedPorts []int    `yaml:"forwarded_ports"`
	Shaping        bool     `yaml:"shaping"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate rejects configurations the watchdog must not start with.
func Validate(cfg Config) error {
	if len(cfg.Tunnels) == 0 {
		return fmt.Errorf("at least one tunnel is required")
	}
	if cfg.Watchdog.PollInterval <= 0 {
		return fmt.Errorf("watchdog.poll_interval must be positive")
	}
	if cfg.Watchdog.ProbeTimeout <= 0 {
		return fmt.Errorf("watchdog.probe_timeout must be positive")
	}
	if cfg.Watchdog.BackoffBase <= 0 || cfg.Watchdog.BackoffCap < cfg.Watchdog.BackoffBase {
		return fmt.Errorf("watchdog backoff must satisfy 0 < base <= cap")
	}
	if cfg.Watchdog.MaxRecoveryAttempts < 1 {
		return fmt.Errorf("watchdog.max_recovery_attempts must be at least 1")
	}
	if cfg.Watchdog.MetricsWindow < 1 {
		return fmt.Errorf("watchdog.metrics_window must be at least 1")
	}
	if cfg.Thresholds.MinThroughputMbps < 0 || cfg.Thresholds.MaxLatencyMS < 0 || cfg.Thresholds.MaxPacketLossPct < 0 {
		return fmt.Errorf("thresholds must not be negative")
	}
	if cfg.Thresholds.ConsecutiveFailures < 1 {
		return fmt.Errorf("thresholds.consecutive_failures must be at least 1")
	}
	if cfg.Alerts.SuppressionWindow <= 0 {
		return fmt.Errorf("alerts.suppression_window must be positive")
	}
	if cfg.Pool.Size < 1 {
		return fmt.Errorf("pool.size must be at least 1")
	}
	if cfg.Pool.ReuseRatio < 0 || cfg.Pool.ReuseRatio > 1 {
		return fmt.Errorf("pool.reuse_ratio must be within [0,1]")
	}
	seen := map[string]bool{}
	for _, t := range cfg.Tunnels {
		if t.Name == "" {
			return fmt.Errorf("tunnel name is required")
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate tunnel name %q", t.Name)
		}
		seen[t.Name] = true
		if t.Interface == "" {
			return fmt.Errorf("tunnel %q: interface is required", t.Name)
		}
		if t.Remote == "" {
			return fmt.Errorf("tunnel %q: remote is required", t.Name)
		}
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Watchdog.PollInterval == 0 {
		cfg.Watchdog.PollInterval = DefaultPollInterval
	}
	if cfg.Watchdog.ProbeTimeout == 0 {
		cfg.Watchdog.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Watchdog.BackoffBase == 0 {
		cfg.Watchdog.BackoffBase = DefaultBackoffBase
	}
	if cfg.Watchdog.BackoffCap == 0 {
		cfg.Watchdog.BackoffCap = DefaultBackoffCap
	}
	if cfg.Watchdog.MaxRecoveryAttempts == 0 {
		cfg.Watchdog.MaxRecoveryAttempts = DefaultMaxRecoveryAttempts
	}
	if cfg.Watchdog.ShutdownGrace == 0 {
		cfg.Watchdog.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.Watchdog.MetricsWindow == 0 {
		cfg.Watchdog.MetricsWindow = DefaultMetricsWindow
	}
	if cfg.Thresholds.MinThroughputMbps == 0 {
		cfg.Thresholds.MinThroughputMbps = 1.0
	}
	if cfg.Thresholds.MaxLatencyMS == 0 {
		cfg.Thresholds.MaxLatencyMS = 200
	}
	if cfg.Thresholds.MaxPacketLossPct == 0 {
		cfg.Thresholds.MaxPacketLossPct = 5
	}
	if cfg.Thresholds.ConsecutiveFailures == 0 {
		cfg.Thresholds.ConsecutiveFailures = 3
	}
	if cfg.Alerts.SuppressionWindow == 0 {
		cfg.Alerts.SuppressionWindow = DefaultSuppressionWindow
	}
	if cfg.Alerts.Retention == 0 {
		cfg.Alerts.Retention = DefaultAlertRetention
	}
	if cfg.Shaping.JitterMeanMS == 0 {
		cfg.Shaping.JitterMeanMS = 25
	}
	if cfg.Shaping.JitterRangeMS == 0 {
		cfg.Shaping.JitterRangeMS = 15
	}
	if cfg.Pool.Size == 0 {
		cfg.Pool.Size = DefaultPoolSize
	}
	if cfg.Pool.ReuseRatio == 0 {
		cfg.Pool.ReuseRatio = DefaultReuseRatio
	}
	if cfg.Pool.DialTimeout == 0 {
		cfg.Pool.DialTimeout = DefaultDialTimeout
	}
	if cfg.Pool.MaxAcquireJitter == 0 {
		cfg.Pool.MaxAcquireJitter = DefaultAcquireJitter
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "console"
	}
}
