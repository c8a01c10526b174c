package config

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, StragglerAlert, cfg.Policy.StragglerAction)
	assert.Equal(t, 3, cfg.Policy.MaxRetries)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "rankwatch.yaml", `
policy:
  max_retries: 5
  backoff_base: 500ms
  backoff_cap: 10s
  heartbeat_interval: 1s
  missed_heartbeat_threshold: 4
  straggler_action: restart
heartbeat:
  transport: udp
  addr: 0.0.0.0:30000
log:
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Policy.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Policy.BackoffBase)
	assert.Equal(t, 10*time.Second, cfg.Policy.BackoffCap)
	assert.Equal(t, time.Second, cfg.Policy.HeartbeatInterval)
	assert.Equal(t, 4, cfg.Policy.MissedHeartbeatThreshold)
	assert.Equal(t, StragglerRestart, cfg.Policy.StragglerAction)
	assert.Equal(t, "0.0.0.0:30000", cfg.Heartbeat.Addr)
	assert.Equal(t, "json", cfg.Log.Format)

	// Untouched keys keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Policy.GraceTimeout)
	assert.Equal(t, 1.5, cfg.Policy.StragglerThreshold)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "rankwatch.toml", `
[policy]
max_retries = 1
grace_timeout = "5s"
termination_signal = "SIGUSR1"

[heartbeat]
transport = "nats"
nats_url = "nats://127.0.0.1:4222"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Policy.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Policy.GraceTimeout)
	assert.Equal(t, syscall.SIGUSR1, cfg.Policy.Signal())
	assert.Equal(t, "nats", cfg.Heartbeat.Transport)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestDecodeSkipsValidation(t *testing.T) {
	path := writeFile(t, "partial.yaml", "policy:\n  max_retries: -1\n")

	cfg, err := Decode(path)
	require.NoError(t, err)
	assert.Equal(t, -1, cfg.Policy.MaxRetries)

	_, err = Load(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeFile(t, "bad.yaml", "policy: [unterminated")
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Policy.MaxRetries = -1
	cfg.Policy.BackoffBase = 0
	cfg.Policy.StragglerThreshold = 1
	cfg.Policy.StragglerAction = "explode"
	cfg.Policy.TerminationSignal = "SIGNOPE"
	cfg.Heartbeat.Transport = "carrier-pigeon"

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	for _, field := range []string{
		"max_retries",
		"backoff_base",
		"straggler_threshold",
		"straggler_action",
		"termination_signal",
		"heartbeat.transport",
	} {
		assert.True(t, verr.HasField(field), "expected %s to be rejected", field)
	}
	assert.Contains(t, err.Error(), "max_retries: must be >= 0")
}

func TestValidateInitialThreshold(t *testing.T) {
	p := DefaultPolicy()
	p.InitialMissedHeartbeatThreshold = 1
	p.MissedHeartbeatThreshold = 3

	err := p.Validate()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.True(t, verr.HasField("initial_missed_heartbeat_threshold"))

	p.InitialMissedHeartbeatThreshold = 0
	require.NoError(t, p.Validate())
	assert.Equal(t, 3, p.InitialThreshold())
}

func TestAdaptiveChecksOnlyWhenEnabled(t *testing.T) {
	p := DefaultPolicy()
	p.MaxAdaptiveThreshold = 1
	require.NoError(t, p.Validate())

	p.AdaptiveTimeouts = true
	require.Error(t, p.Validate())
}

func TestTick(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 500*time.Millisecond, p.Tick())

	p.HeartbeatInterval = 8 * time.Millisecond
	assert.Equal(t, 10*time.Millisecond, p.Tick())

	p.TickInterval = 3 * time.Millisecond
	assert.Equal(t, 3*time.Millisecond, p.Tick())
}

func TestParseSignal(t *testing.T) {
	tests := []struct {
		name string
		want syscall.Signal
		ok   bool
	}{
		{"", syscall.SIGTERM, true},
		{"SIGTERM", syscall.SIGTERM, true},
		{"term", syscall.SIGTERM, true},
		{"SIGINT", syscall.SIGINT, true},
		{"usr2", syscall.SIGUSR2, true},
		{"SIGKILL", 0, false},
		{"nonsense", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := ParseSignal(tt.name)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, sig)
		})
	}
}

func TestShippedExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "rankwatch.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), cfg.Policy)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "udp", cfg.Heartbeat.Transport)
}
