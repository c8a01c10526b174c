package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/rankwatch/internal/config"
	"github.com/ChuLiYu/rankwatch/internal/heartbeat"
	"github.com/ChuLiYu/rankwatch/internal/journal"
	"github.com/ChuLiYu/rankwatch/internal/launcher"
	"github.com/ChuLiYu/rankwatch/internal/metrics"
	"github.com/ChuLiYu/rankwatch/internal/report"
	"github.com/ChuLiYu/rankwatch/internal/server"
	"github.com/ChuLiYu/rankwatch/internal/supervisor"
	"github.com/ChuLiYu/rankwatch/internal/tracing"
)

const shutdownTimeout = 5 * time.Second

type runOptions struct {
	runID   string
	ranks   int
	perNode int
	nodes   []string
	env     map[string]string
	workDir string
	jitter  float64
}

func buildRunCommand() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run [flags] -- command [args...]",
		Short: "Start and supervise a cohort of ranks",
		Long: `Launch one process per rank running command, watch heartbeats and exits,
and restart the whole cohort on hang, crash or (optionally) persistent
straggling until the job completes or the restart budget is exhausted.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd, opts, args)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.runID, "run-id", "", "run identifier (default: random UUID)")
	f.IntVarP(&opts.ranks, "ranks", "n", 1, "number of ranks on the local node")
	f.IntVar(&opts.perNode, "ranks-per-node", 1, "ranks per node when --node is given")
	f.StringSliceVar(&opts.nodes, "node", nil, "node as name=host:port of its node-agent; \"local\" uses this host")
	f.StringToStringVar(&opts.env, "env", nil, "extra environment for every rank, KEY=VALUE")
	f.StringVar(&opts.workDir, "workdir", "", "working directory of every rank")
	f.Float64Var(&opts.jitter, "backoff-jitter", 0.1, "randomization factor of the restart backoff")

	f.Int("max-retries", 0, "maximum whole-cohort restarts")
	f.Duration("backoff-base", 0, "first restart delay")
	f.Duration("backoff-cap", 0, "maximum restart delay")
	f.Duration("heartbeat-interval", 0, "expected heartbeat period")
	f.Int("missed-threshold", 0, "missed intervals before a rank is hung")
	f.Int("initial-missed-threshold", 0, "missed intervals allowed before the first heartbeat")
	f.Duration("hang-timeout", 0, "local inactivity before a rank flags itself hung")
	f.Float64("straggler-threshold", 0, "step-time ratio to the median that counts as slow")
	f.Int("straggler-persistence", 0, "consecutive slow intervals before a rank is flagged")
	f.String("straggler-action", "", "alert or restart")
	f.Duration("grace-timeout", 0, "grace window before force kill")
	f.String("signal", "", "termination signal sent to ranks")
	f.Bool("adaptive-timeouts", false, "widen the hang threshold for slow ranks and slow phases")
	f.String("transport", "", "heartbeat transport: udp or nats")
	f.String("heartbeat-addr", "", "UDP address the supervisor listens on")
	f.String("nats-url", "", "NATS server for the nats transport")
	f.Bool("metrics", false, "serve /metrics and /status")
	f.Int("metrics-port", 0, "port of the status server")
	f.String("journal", "", "append-only event journal path")
	f.String("report", "", "final JSON report path")
	f.Bool("tracing", false, "export OpenTelemetry spans")
	f.String("otlp-endpoint", "", "OTLP/HTTP collector host:port")

	return cmd
}

func runJob(cmd *cobra.Command, opts *runOptions, command []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return configError(err)
	}
	logger, err := newLogger(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return configError(err)
	}

	runID := opts.runID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger = logger.With("run_id", runID)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Setup(ctx, tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: Version,
		Endpoint:       cfg.Tracing.Endpoint,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	recv, hbAddr, closeRecv, err := openReceiver(cfg, runID, heartbeat.Options{
		Logger:      logger,
		OnMalformed: func(error) { collector.RecordMalformed() },
	})
	if err != nil {
		return err
	}
	defer closeRecv()

	placement, spawners, closeNodes, err := buildPlacement(opts)
	if err != nil {
		return configError(err)
	}
	defer closeNodes()

	spec := launcher.JobSpec{
		RunID:             runID,
		RankCount:         len(placement),
		Placement:         placement,
		Command:           command,
		Env:               opts.env,
		WorkDir:           opts.workDir,
		HeartbeatAddr:     hbAddr,
		HeartbeatInterval: cfg.Policy.HeartbeatInterval,
		HangTimeout:       cfg.Policy.LocalHangTimeout,
		MaxRestarts:       cfg.Policy.MaxRetries,
		TerminationSignal: cfg.Policy.Signal(),
	}

	l, err := launcher.New(launcher.Options{
		Default:     launcher.NewLocalSpawner(),
		Nodes:       spawners,
		BackoffBase: cfg.Policy.BackoffBase,
		BackoffCap:  cfg.Policy.BackoffCap,
		Jitter:      opts.jitter,
		Signal:      cfg.Policy.Signal(),
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer l.Close()

	var j *journal.Journal
	if cfg.Journal.Path != "" {
		if j, err = openJournal(cfg.Journal.Path, runID); err != nil {
			return err
		}
		if msg := j.Recovered(); msg != "" {
			logger.Warn("journal repaired", "path", j.Path(), "detail", msg)
		}
		defer j.Close()
	}

	sup, err := supervisor.New(supervisor.Options{
		Policy:   cfg.Policy,
		Spec:     spec,
		Launcher: l,
		Metrics:  collector,
		Journal:  j,
		Tracer:   tp.Tracer(supervisor.TracerName),
		Logger:   logger,
	})
	if err != nil {
		if errors.Is(err, config.ErrInvalidConfig) {
			return configError(err)
		}
		return err
	}

	rctx, stopRecv := context.WithCancel(ctx)
	defer stopRecv()
	go func() {
		if err := recv.Run(rctx, sup); err != nil && rctx.Err() == nil {
			logger.Error("heartbeat receiver stopped", "error", err)
		}
	}()

	if cfg.Metrics.Enabled {
		srv := server.New(fmt.Sprintf(":%d", cfg.Metrics.Port), sup, sup.Shutdown, logger)
		go func() {
			if err := srv.ListenAndServe(); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			srv.Close(sctx)
		}()
	}

	logger.Info("starting job", "ranks", spec.RankCount, "command", strings.Join(command, " "),
		"heartbeat", cfg.Heartbeat.Transport, "heartbeat_addr", hbAddr)

	res, err := sup.Run(ctx)
	if err != nil {
		return err
	}

	if cfg.Report.Path != "" {
		if err := report.NewWriter(cfg.Report.Path).Write(res); err != nil {
			logger.Error("failed to write report", "path", cfg.Report.Path, "error", err)
		}
	}
	renderResult(cmd.OutOrStdout(), res)

	if code := res.ExitCode(); code != supervisor.ExitSuccess {
		return &ExitError{Code: code, Err: fmt.Errorf("job %s: %s", res.State, res.Cause)}
	}
	return nil
}

// openReceiver starts listening for heartbeats and returns the address ranks
// should send to.
func openReceiver(cfg *config.Config, runID string, opts heartbeat.Options) (heartbeat.Receiver, string, func(), error) {
	switch cfg.Heartbeat.Transport {
	case "nats":
		conn, err := heartbeat.ConnectNATS(cfg.Heartbeat.NATSURL, "rankwatch-"+runID)
		if err != nil {
			return nil, "", nil, err
		}
		r := heartbeat.NewNATSReceiver(conn, runID, opts)
		return r, cfg.Heartbeat.NATSURL, conn.Close, nil
	default:
		r, err := heartbeat.ListenUDP(cfg.Heartbeat.Addr, opts)
		if err != nil {
			return nil, "", nil, err
		}
		return r, r.Addr().String(), func() { r.Close() }, nil
	}
}

// buildPlacement turns --ranks or --node into a placement and dials the
// node agents it names.
func buildPlacement(opts *runOptions) ([]launcher.RankPlacement, map[string]launcher.Spawner, func(), error) {
	if len(opts.nodes) == 0 {
		if opts.ranks < 1 {
			return nil, nil, func() {}, fmt.Errorf("--ranks must be >= 1")
		}
		return launcher.LocalPlacement(opts.ranks), nil, func() {}, nil
	}
	if opts.perNode < 1 {
		return nil, nil, func() {}, fmt.Errorf("--ranks-per-node must be >= 1")
	}

	var (
		names    []string
		spawners = make(map[string]launcher.Spawner)
		conns    []*grpc.ClientConn
	)
	closeAll := func() {
		for _, c := range conns {
			c.Close()
		}
	}
	seen := make(map[string]bool)
	for _, n := range opts.nodes {
		name, addr, _ := strings.Cut(n, "=")
		if name == "" || seen[name] {
			closeAll()
			return nil, nil, func() {}, fmt.Errorf("invalid or duplicate node %q", n)
		}
		seen[name] = true
		names = append(names, name)
		if name == launcher.LocalNode {
			continue
		}
		if addr == "" {
			closeAll()
			return nil, nil, func() {}, fmt.Errorf("node %q needs a node-agent address", name)
		}
		sp, conn, err := launcher.DialNode(addr, name)
		if err != nil {
			closeAll()
			return nil, nil, func() {}, err
		}
		spawners[name] = sp
		conns = append(conns, conn)
	}
	return launcher.BlockPlacement(names, opts.perNode), spawners, closeAll, nil
}

func openJournal(path, runID string) (*journal.Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}
	return journal.Open(path, runID, true)
}
