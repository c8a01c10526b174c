// ============================================================================
// rankwatch configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: RestartPolicy and the service configuration around it.
//
// Sources, lowest priority first:
//   1. Default()
//   2. YAML file (gopkg.in/yaml.v3), or TOML when the file ends in .toml
//   3. RANKWATCH_* environment variables and CLI flags (applied by internal/cli)
//
// Invalid values are a ConfigurationError: fatal at startup, never retried.
//
// ============================================================================

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// StragglerAction decides what a persistent straggler flag does.
type StragglerAction string

const (
	StragglerAlert   StragglerAction = "alert"   // log, count and report only
	StragglerRestart StragglerAction = "restart" // restart the whole cohort
)

// Policy is the RestartPolicy of a job.
type Policy struct {
	MaxRetries  int           `yaml:"max_retries" toml:"max_retries" mapstructure:"max_retries"`
	BackoffBase time.Duration `yaml:"backoff_base" toml:"backoff_base" mapstructure:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap" toml:"backoff_cap" mapstructure:"backoff_cap"`

	HeartbeatInterval               time.Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	MissedHeartbeatThreshold        int           `yaml:"missed_heartbeat_threshold" toml:"missed_heartbeat_threshold" mapstructure:"missed_heartbeat_threshold"`
	InitialMissedHeartbeatThreshold int           `yaml:"initial_missed_heartbeat_threshold" toml:"initial_missed_heartbeat_threshold" mapstructure:"initial_missed_heartbeat_threshold"`
	LocalHangTimeout                time.Duration `yaml:"local_hang_timeout" toml:"local_hang_timeout" mapstructure:"local_hang_timeout"`

	StragglerThreshold        float64         `yaml:"straggler_threshold" toml:"straggler_threshold" mapstructure:"straggler_threshold"`
	StragglerPersistenceCount int             `yaml:"straggler_persistence_count" toml:"straggler_persistence_count" mapstructure:"straggler_persistence_count"`
	StragglerAction           StragglerAction `yaml:"straggler_action" toml:"straggler_action" mapstructure:"straggler_action"`

	GraceTimeout      time.Duration `yaml:"grace_timeout" toml:"grace_timeout" mapstructure:"grace_timeout"`
	TerminationSignal string        `yaml:"termination_signal" toml:"termination_signal" mapstructure:"termination_signal"`

	// Adaptive timeouts widen the missed-heartbeat threshold while a rank
	// reports a slow phase. Off means a fixed ceiling.
	AdaptiveTimeouts     bool    `yaml:"adaptive_timeouts" toml:"adaptive_timeouts" mapstructure:"adaptive_timeouts"`
	SlowPhaseMultiplier  float64 `yaml:"slow_phase_multiplier" toml:"slow_phase_multiplier" mapstructure:"slow_phase_multiplier"`
	MaxAdaptiveThreshold int     `yaml:"max_adaptive_threshold" toml:"max_adaptive_threshold" mapstructure:"max_adaptive_threshold"`

	// TickInterval of the decision loop; zero derives it from HeartbeatInterval.
	TickInterval time.Duration `yaml:"tick_interval" toml:"tick_interval" mapstructure:"tick_interval"`
}

// HeartbeatConfig selects the heartbeat transport.
type HeartbeatConfig struct {
	Transport string `yaml:"transport" toml:"transport" mapstructure:"transport"` // udp | nats
	Addr      string `yaml:"addr" toml:"addr" mapstructure:"addr"`                // UDP listen address
	NATSURL   string `yaml:"nats_url" toml:"nats_url" mapstructure:"nats_url"`
}

// Config is the complete supervisor configuration.
type Config struct {
	Policy    Policy          `yaml:"policy" toml:"policy" mapstructure:"policy"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat" toml:"heartbeat" mapstructure:"heartbeat"`

	Metrics struct {
		Enabled bool `yaml:"enabled" toml:"enabled" mapstructure:"enabled"`
		Port    int  `yaml:"port" toml:"port" mapstructure:"port"`
	} `yaml:"metrics" toml:"metrics" mapstructure:"metrics"`

	Journal struct {
		Path string `yaml:"path" toml:"path" mapstructure:"path"`
	} `yaml:"journal" toml:"journal" mapstructure:"journal"`

	Report struct {
		Path string `yaml:"path" toml:"path" mapstructure:"path"`
	} `yaml:"report" toml:"report" mapstructure:"report"`

	Tracing struct {
		Enabled     bool   `yaml:"enabled" toml:"enabled" mapstructure:"enabled"`
		Endpoint    string `yaml:"endpoint" toml:"endpoint" mapstructure:"endpoint"`
		ServiceName string `yaml:"service_name" toml:"service_name" mapstructure:"service_name"`
	} `yaml:"tracing" toml:"tracing" mapstructure:"tracing"`

	Log struct {
		Level  string `yaml:"level" toml:"level" mapstructure:"level"`
		Format string `yaml:"format" toml:"format" mapstructure:"format"` // text | json
	} `yaml:"log" toml:"log" mapstructure:"log"`
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:                      3,
		BackoffBase:                     1 * time.Second,
		BackoffCap:                      30 * time.Second,
		HeartbeatInterval:               2 * time.Second,
		MissedHeartbeatThreshold:        3,
		InitialMissedHeartbeatThreshold: 15,
		LocalHangTimeout:                60 * time.Second,
		StragglerThreshold:              1.5,
		StragglerPersistenceCount:       5,
		StragglerAction:                 StragglerAlert,
		GraceTimeout:                    30 * time.Second,
		TerminationSignal:               "SIGTERM",
		SlowPhaseMultiplier:             3,
		MaxAdaptiveThreshold:            30,
	}
}

// Default returns a complete configuration with defaults filled in.
func Default() Config {
	var cfg Config
	cfg.Policy = DefaultPolicy()
	cfg.Heartbeat = HeartbeatConfig{Transport: "udp", Addr: "127.0.0.1:29400"}
	cfg.Metrics.Port = 9090
	cfg.Tracing.ServiceName = "rankwatch"
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// Load reads a YAML or TOML file on top of Default() and validates it.
func Load(path string) (*Config, error) {
	cfg, err := Decode(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode reads a YAML or TOML file on top of Default() without validating,
// for callers that apply further overrides first.
func Decode(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config TOML: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}
	return &cfg, nil
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	verr := &ValidationError{}
	c.Policy.collect(verr)

	switch c.Heartbeat.Transport {
	case "udp":
		if c.Heartbeat.Addr == "" {
			verr.add("heartbeat.addr", "required for the udp transport")
		}
	case "nats":
		if c.Heartbeat.NATSURL == "" {
			verr.add("heartbeat.nats_url", "required for the nats transport")
		}
	default:
		verr.add("heartbeat.transport", fmt.Sprintf("unknown transport %q", c.Heartbeat.Transport))
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		verr.add("metrics.port", "must be a valid TCP port")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		verr.add("log.format", "must be text or json")
	}

	return verr.orNil()
}

// Validate checks the policy alone.
func (p Policy) Validate() error {
	verr := &ValidationError{}
	p.collect(verr)
	return verr.orNil()
}

func (p Policy) collect(verr *ValidationError) {
	if p.MaxRetries < 0 {
		verr.add("max_retries", "must be >= 0")
	}
	if p.BackoffBase <= 0 {
		verr.add("backoff_base", "must be positive")
	}
	if p.BackoffCap < p.BackoffBase {
		verr.add("backoff_cap", "must be >= backoff_base")
	}
	if p.HeartbeatInterval <= 0 {
		verr.add("heartbeat_interval", "must be positive")
	}
	if p.MissedHeartbeatThreshold < 1 {
		verr.add("missed_heartbeat_threshold", "must be >= 1")
	}
	if p.InitialMissedHeartbeatThreshold != 0 && p.InitialMissedHeartbeatThreshold < p.MissedHeartbeatThreshold {
		verr.add("initial_missed_heartbeat_threshold", "must be 0 or >= missed_heartbeat_threshold")
	}
	if p.LocalHangTimeout <= 0 {
		verr.add("local_hang_timeout", "must be positive")
	}
	if p.StragglerThreshold <= 1 {
		verr.add("straggler_threshold", "must be > 1")
	}
	if p.StragglerPersistenceCount < 1 {
		verr.add("straggler_persistence_count", "must be >= 1")
	}
	switch p.StragglerAction {
	case StragglerAlert, StragglerRestart:
	default:
		verr.add("straggler_action", fmt.Sprintf("unknown action %q", p.StragglerAction))
	}
	if p.GraceTimeout <= 0 {
		verr.add("grace_timeout", "must be positive")
	}
	if _, err := ParseSignal(p.TerminationSignal); err != nil {
		verr.add("termination_signal", err.Error())
	}
	if p.AdaptiveTimeouts {
		if p.SlowPhaseMultiplier < 1 {
			verr.add("slow_phase_multiplier", "must be >= 1")
		}
		if p.MaxAdaptiveThreshold < p.MissedHeartbeatThreshold {
			verr.add("max_adaptive_threshold", "must be >= missed_heartbeat_threshold")
		}
	}
	if p.TickInterval < 0 {
		verr.add("tick_interval", "must be >= 0")
	}
}

// InitialThreshold is the missed-interval threshold for a rank that has not
// sent its first heartbeat yet.
func (p Policy) InitialThreshold() int {
	if p.InitialMissedHeartbeatThreshold == 0 {
		return p.MissedHeartbeatThreshold
	}
	return p.InitialMissedHeartbeatThreshold
}

// Tick returns the decision loop period.
func (p Policy) Tick() time.Duration {
	if p.TickInterval > 0 {
		return p.TickInterval
	}
	tick := p.HeartbeatInterval / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	return tick
}

// Signal returns the parsed termination signal, SIGTERM when unset.
func (p Policy) Signal() syscall.Signal {
	sig, err := ParseSignal(p.TerminationSignal)
	if err != nil {
		return syscall.SIGTERM
	}
	return sig
}

var signals = map[string]syscall.Signal{
	"SIGTERM": syscall.SIGTERM,
	"SIGINT":  syscall.SIGINT,
	"SIGHUP":  syscall.SIGHUP,
	"SIGQUIT": syscall.SIGQUIT,
	"SIGUSR1": syscall.SIGUSR1,
	"SIGUSR2": syscall.SIGUSR2,
}

// ParseSignal maps a signal name ("SIGTERM" or "TERM") to its value.
func ParseSignal(name string) (syscall.Signal, error) {
	if name == "" {
		return syscall.SIGTERM, nil
	}
	key := strings.ToUpper(name)
	if !strings.HasPrefix(key, "SIG") {
		key = "SIG" + key
	}
	sig, ok := signals[key]
	if !ok {
		return 0, fmt.Errorf("unsupported signal %q", name)
	}
	return sig, nil
}
