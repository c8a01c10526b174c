// ============================================================================
// rankwatch CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree, configuration resolution and logging setup
//
// Command Structure:
//   rankwatch                        # Root command
//   ├── run -- <cmd> [args...]       # Launch and supervise a cohort
//   ├── node-agent --listen          # Spawn ranks for a remote supervisor
//   ├── validate                     # Check a configuration file
//   ├── inspect --journal --report   # Render a finished run
//   ├── status --addr                # Query a running supervisor
//   ├── --config, -c                 # YAML or TOML config file
//   └── --log-level, --log-format
//
// Configuration Resolution (lowest priority first):
//   1. config.Default()
//   2. --config file (config.Decode, YAML or TOML by extension)
//   3. RANKWATCH_* environment variables, key path with "." -> "_"
//      e.g. RANKWATCH_POLICY_MAX_RETRIES=5
//   4. command line flags
//
//   Steps 3 and 4 go through viper; the merged result is validated once.
//
// Exit Codes:
//   Execute() maps errors to the process exit code. A failed job returns an
//   *ExitError carrying supervisor.Result.ExitCode(); an invalid
//   configuration exits with 2.
//
// ============================================================================

package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ChuLiYu/rankwatch/internal/config"
	"github.com/ChuLiYu/rankwatch/internal/supervisor"
)

// Version is injected at build time.
var Version = "dev"

var (
	configFile string
	logLevel   string
	logFormat  string
)

// ExitError ends the process with Code.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func configError(err error) error {
	return &ExitError{Code: supervisor.ExitConfigError, Err: err}
}

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rankwatch",
		Short: "rankwatch: a supervisor for distributed worker ranks",
		Long: `rankwatch launches a fixed cohort of worker ranks and keeps it healthy:
- heartbeat-based hang detection
- crash detection from process exits
- straggler scoring over per-interval step times
- whole-cohort restart with exponential backoff and a retry budget`,
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (YAML or TOML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildNodeAgentCommand())
	rootCmd.AddCommand(buildValidateCommand())
	rootCmd.AddCommand(buildInspectCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	err := BuildCLI().Execute()
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if errors.Is(err, config.ErrInvalidConfig) {
		return supervisor.ExitConfigError
	}
	return 1
}

// ----------------------------------------------------------------------------
// Configuration
// ----------------------------------------------------------------------------

// override maps one config key to its flag; env names derive from the key.
type override struct {
	key   string
	flag  string
	apply func(cfg *config.Config, v *viper.Viper, key string)
}

var overrides = []override{
	{"policy.max_retries", "max-retries", func(c *config.Config, v *viper.Viper, k string) { c.Policy.MaxRetries = v.GetInt(k) }},
	{"policy.backoff_base", "backoff-base", func(c *config.Config, v *viper.Viper, k string) { c.Policy.BackoffBase = v.GetDuration(k) }},
	{"policy.backoff_cap", "backoff-cap", func(c *config.Config, v *viper.Viper, k string) { c.Policy.BackoffCap = v.GetDuration(k) }},
	{"policy.heartbeat_interval", "heartbeat-interval", func(c *config.Config, v *viper.Viper, k string) {
		c.Policy.HeartbeatInterval = v.GetDuration(k)
	}},
	{"policy.missed_heartbeat_threshold", "missed-threshold", func(c *config.Config, v *viper.Viper, k string) {
		c.Policy.MissedHeartbeatThreshold = v.GetInt(k)
	}},
	{"policy.initial_missed_heartbeat_threshold", "initial-missed-threshold", func(c *config.Config, v *viper.Viper, k string) {
		c.Policy.InitialMissedHeartbeatThreshold = v.GetInt(k)
	}},
	{"policy.local_hang_timeout", "hang-timeout", func(c *config.Config, v *viper.Viper, k string) {
		c.Policy.LocalHangTimeout = v.GetDuration(k)
	}},
	{"policy.straggler_threshold", "straggler-threshold", func(c *config.Config, v *viper.Viper, k string) {
		c.Policy.StragglerThreshold = v.GetFloat64(k)
	}},
	{"policy.straggler_persistence_count", "straggler-persistence", func(c *config.Config, v *viper.Viper, k string) {
		c.Policy.StragglerPersistenceCount = v.GetInt(k)
	}},
	{"policy.straggler_action", "straggler-action", func(c *config.Config, v *viper.Viper, k string) {
		c.Policy.StragglerAction = config.StragglerAction(v.GetString(k))
	}},
	{"policy.grace_timeout", "grace-timeout", func(c *config.Config, v *viper.Viper, k string) { c.Policy.GraceTimeout = v.GetDuration(k) }},
	{"policy.termination_signal", "signal", func(c *config.Config, v *viper.Viper, k string) { c.Policy.TerminationSignal = v.GetString(k) }},
	{"policy.adaptive_timeouts", "adaptive-timeouts", func(c *config.Config, v *viper.Viper, k string) { c.Policy.AdaptiveTimeouts = v.GetBool(k) }},
	{"heartbeat.transport", "transport", func(c *config.Config, v *viper.Viper, k string) { c.Heartbeat.Transport = v.GetString(k) }},
	{"heartbeat.addr", "heartbeat-addr", func(c *config.Config, v *viper.Viper, k string) { c.Heartbeat.Addr = v.GetString(k) }},
	{"heartbeat.nats_url", "nats-url", func(c *config.Config, v *viper.Viper, k string) { c.Heartbeat.NATSURL = v.GetString(k) }},
	{"metrics.enabled", "metrics", func(c *config.Config, v *viper.Viper, k string) { c.Metrics.Enabled = v.GetBool(k) }},
	{"metrics.port", "metrics-port", func(c *config.Config, v *viper.Viper, k string) { c.Metrics.Port = v.GetInt(k) }},
	{"journal.path", "journal", func(c *config.Config, v *viper.Viper, k string) { c.Journal.Path = v.GetString(k) }},
	{"report.path", "report", func(c *config.Config, v *viper.Viper, k string) { c.Report.Path = v.GetString(k) }},
	{"tracing.enabled", "tracing", func(c *config.Config, v *viper.Viper, k string) { c.Tracing.Enabled = v.GetBool(k) }},
	{"tracing.endpoint", "otlp-endpoint", func(c *config.Config, v *viper.Viper, k string) { c.Tracing.Endpoint = v.GetString(k) }},
	{"log.level", "log-level", func(c *config.Config, v *viper.Viper, k string) { c.Log.Level = v.GetString(k) }},
	{"log.format", "log-format", func(c *config.Config, v *viper.Viper, k string) { c.Log.Format = v.GetString(k) }},
}

// loadConfig resolves the configuration for cmd: defaults, then the config
// file, then RANKWATCH_* variables, then flags that were set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if configFile != "" {
		loaded, err := config.Decode(configFile)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}

	v := viper.New()
	v.SetEnvPrefix("RANKWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, o := range overrides {
		if f := cmd.Flags().Lookup(o.flag); f != nil {
			if err := v.BindPFlag(o.key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", o.flag, err)
			}
		}
	}
	for _, o := range overrides {
		if v.IsSet(o.key) {
			o.apply(&cfg, v, o.key)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ----------------------------------------------------------------------------
// Logging
// ----------------------------------------------------------------------------

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// newLogger builds the process logger and installs it as the slog default.
func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch format {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger, nil
}

// ----------------------------------------------------------------------------
// validate
// ----------------------------------------------------------------------------

func buildValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Long:  "Load the configuration exactly as run would and list every invalid option.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfig(cmd)
		},
	}
	return cmd
}

func validateConfig(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	cfg, err := loadConfig(cmd)
	if err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			renderProblems(out, verr)
		}
		return configError(err)
	}

	source := configFile
	if source == "" {
		source = "(defaults)"
	}
	fmt.Fprintf(out, "configuration OK: %s\n", source)
	renderPolicy(out, cfg)
	return nil
}
