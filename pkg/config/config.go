// Package config defines one explicit, enumerated configuration record per
// SLMF component (Design Note §9: replace dynamic "dot-notation" config
// objects with enumerated records loaded once at startup). Loading and
// merging of the underlying file, env overlay, and hot-reload are the
// external Configuration collaborator's job; this package only owns the
// shape, defaults, and a single yaml.v3 decode.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TransportConfig configures C4 Secure Transport.
type TransportConfig struct {
	Network         string        `yaml:"network"`          // "tcp" (default) or an explicit local alternative
	FrontendAddr    string        `yaml:"frontend_addr"`    // clients publish here
	BackendAddr     string        `yaml:"backend_addr"`     // clients subscribe here
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// BrokerConfig configures C5 Broker.
type BrokerConfig struct {
	SlowSubscriberQueueDepth int           `yaml:"slow_subscriber_queue_depth"`
	SlowSubscriberBytes      int64         `yaml:"slow_subscriber_bytes"`
	MaxEnvelopeBytes         int64         `yaml:"max_envelope_bytes"`
}

// ClientConfig configures C6 Client Runtime.
type ClientConfig struct {
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	ReconnectJitter    float64       `yaml:"reconnect_jitter"`
	SendQueueDepth     int           `yaml:"send_queue_depth"`
	BackpressureWait   time.Duration `yaml:"backpressure_wait"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
}

// StoreConfig configures C7 Event Store.
type StoreConfig struct {
	DataDir              string        `yaml:"data_dir"`
	LogRetention         time.Duration `yaml:"log_retention"`          // default 30 days
	SecurityRetention    time.Duration `yaml:"security_retention"`     // 0 = indefinite
	ConditionalPersistEnabled bool     `yaml:"conditional_persist_enabled"`
}

// SchedulerConfig configures C9 Scheduler.
type SchedulerConfig struct {
	TickInterval          time.Duration `yaml:"tick_interval"`
	MaxConcurrentTasks    int           `yaml:"max_concurrent_tasks"`
	DefaultTaskTimeout    time.Duration `yaml:"default_task_timeout"`
	CPUThresholdPercent   float64       `yaml:"cpu_threshold_percent"`
	MemThresholdPercent   float64       `yaml:"mem_threshold_percent"`
	AdmissionBackoff      time.Duration `yaml:"admission_backoff"`
	LoopLagThreshold      time.Duration `yaml:"loop_lag_threshold"`
	LoopLagSustain        time.Duration `yaml:"loop_lag_sustain"`
	RetryBaseDelay        time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay         time.Duration `yaml:"retry_max_delay"`
	RetryMaxAttempts      int           `yaml:"retry_max_attempts"`
}

// Config is the aggregate record loaded from a single YAML document.
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Broker    BrokerConfig    `yaml:"broker"`
	Client    ClientConfig    `yaml:"client"`
	Store     StoreConfig     `yaml:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// Default returns the configuration record with every default from
// spec §4/§5 pre-filled.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			Network:          "tcp",
			FrontendAddr:     "127.0.0.1:5555",
			BackendAddr:      "127.0.0.1:5556",
			HandshakeTimeout: 5 * time.Second,
		},
		Broker: BrokerConfig{
			SlowSubscriberQueueDepth: 1024,
			SlowSubscriberBytes:      16 * 1024 * 1024,
			MaxEnvelopeBytes:         10 * 1024 * 1024,
		},
		Client: ClientConfig{
			ReconnectBaseDelay: 250 * time.Millisecond,
			ReconnectMaxDelay:  10 * time.Second,
			ReconnectJitter:    0.2,
			SendQueueDepth:     1024,
			BackpressureWait:   1 * time.Second,
			RequestTimeout:     30 * time.Second,
		},
		Store: StoreConfig{
			DataDir:      "./data",
			LogRetention: 30 * 24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			TickInterval:        1 * time.Second,
			MaxConcurrentTasks:  10,
			DefaultTaskTimeout:  300 * time.Second,
			CPUThresholdPercent: 80,
			MemThresholdPercent: 80,
			AdmissionBackoff:    30 * time.Second,
			LoopLagThreshold:    100 * time.Millisecond,
			LoopLagSustain:      1 * time.Second,
			RetryBaseDelay:      60 * time.Second,
			RetryMaxDelay:       3600 * time.Second,
			RetryMaxAttempts:    3,
		},
	}
}

// Load reads a YAML document at path and overlays it onto Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
