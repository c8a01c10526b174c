package agent

import (
	"fmt"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/ChuLiYu/rankwatch/internal/config"
	"github.com/ChuLiYu/rankwatch/pkg/types"
)

// Config describes one rank's agent.
type Config struct {
	Rank           types.RankID
	LocalRank      int
	WorldSize      int
	LocalWorldSize int
	NodeID         string
	RunID          string

	// Attempt is the cohort restart count this process was launched under.
	Attempt     int
	MaxRestarts int

	HeartbeatAddr     string
	HeartbeatInterval time.Duration
	LocalHangTimeout  time.Duration

	// HangGrace is the extra time a hung rank keeps reporting Hung before
	// it exits with ExitCodeHang. Zero means two heartbeat intervals.
	HangGrace time.Duration
	// SelfTerminate enables the ExitCodeHang exit.
	SelfTerminate bool

	// TerminationSignal is the supervisor's shutdown command.
	TerminationSignal syscall.Signal
	// HandleSignals installs the shutdown handler in Start.
	HandleSignals bool
}

func (c Config) hangGrace() time.Duration {
	if c.HangGrace > 0 {
		return c.HangGrace
	}
	return 2 * c.HeartbeatInterval
}

func (c Config) validate() error {
	if c.Rank < 0 {
		return fmt.Errorf("agent: invalid rank %d", c.Rank)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("agent: heartbeat interval must be positive")
	}
	if c.LocalHangTimeout <= 0 {
		return fmt.Errorf("agent: local hang timeout must be positive")
	}
	return nil
}

// ConfigFromEnv reads the environment exported by the launcher. Missing
// timing variables fall back to the default policy.
func ConfigFromEnv() (Config, error) {
	policy := config.DefaultPolicy()
	cfg := Config{
		HeartbeatInterval: policy.HeartbeatInterval,
		LocalHangTimeout:  policy.LocalHangTimeout,
		SelfTerminate:     true,
		TerminationSignal: syscall.SIGTERM,
		HandleSignals:     true,
		NodeID:            os.Getenv(types.EnvNodeID),
		RunID:             os.Getenv(types.EnvRunID),
		HeartbeatAddr:     os.Getenv(types.EnvHeartbeatAddr),
	}

	rank, err := envInt(types.EnvRank, -1)
	if err != nil {
		return cfg, err
	}
	if rank < 0 {
		return cfg, fmt.Errorf("agent: %s is not set", types.EnvRank)
	}
	cfg.Rank = types.RankID(rank)

	ints := []struct {
		name string
		dst  *int
		def  int
	}{
		{types.EnvLocalRank, &cfg.LocalRank, rank},
		{types.EnvWorldSize, &cfg.WorldSize, 1},
		{types.EnvLocalWorldSize, &cfg.LocalWorldSize, 1},
		{types.EnvRestartCount, &cfg.Attempt, 0},
		{types.EnvMaxRestarts, &cfg.MaxRestarts, policy.MaxRetries},
	}
	for _, v := range ints {
		if *v.dst, err = envInt(v.name, v.def); err != nil {
			return cfg, err
		}
	}

	if cfg.HeartbeatInterval, err = envDuration(types.EnvHeartbeatInterval, cfg.HeartbeatInterval); err != nil {
		return cfg, err
	}
	if cfg.LocalHangTimeout, err = envDuration(types.EnvHangTimeout, cfg.LocalHangTimeout); err != nil {
		return cfg, err
	}
	if name := os.Getenv(types.EnvTermSignal); name != "" {
		sig, err := config.ParseSignal(name)
		if err != nil {
			return cfg, fmt.Errorf("agent: %s: %w", types.EnvTermSignal, err)
		}
		cfg.TerminationSignal = sig
	}

	if cfg.HeartbeatAddr == "" {
		return cfg, fmt.Errorf("agent: %s is not set", types.EnvHeartbeatAddr)
	}
	return cfg, cfg.validate()
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("agent: %s=%q is not an integer", name, v)
	}
	return n, nil
}

func envDuration(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("agent: %s=%q is not a duration", name, v)
	}
	return d, nil
}
