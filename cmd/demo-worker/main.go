package main

// ============================================================================
// demo-worker: a synthetic rank for trying rankwatch end to end
// ============================================================================
//
// Runs --steps fixed-time steps, reporting progress and one performance
// sample per step through the rank agent. Faults can be injected into one
// rank on one attempt to watch the supervisor react:
//
//   --hang-rank R --hang-at S     rank R stops making progress at step S
//   --crash-rank R --crash-at S   rank R exits with status 3 at step S
//   --slow-rank R --slow-factor F rank R runs every step F times slower
//
// Faults fire only on --fault-attempt (default 0), so the restarted cohort
// completes normally.
//
//   rankwatch run -n 4 -- demo-worker --steps 200 --hang-rank 2 --hang-at 50
//
// ============================================================================

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/rankwatch/internal/agent"
)

type workerOptions struct {
	steps        uint64
	stepTime     time.Duration
	slowRank     int
	slowFactor   float64
	hangRank     int
	hangAt       uint64
	crashRank    int
	crashAt      uint64
	faultAttempt int
	slowPhase    uint64
}

func main() {
	opts := &workerOptions{}

	cmd := &cobra.Command{
		Use:          "demo-worker",
		Short:        "Synthetic rank that reports progress to rankwatch",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.Uint64Var(&opts.steps, "steps", 100, "number of steps to run")
	f.DurationVar(&opts.stepTime, "step-time", 100*time.Millisecond, "duration of one step")
	f.IntVar(&opts.slowRank, "slow-rank", -1, "rank that runs slower")
	f.Float64Var(&opts.slowFactor, "slow-factor", 2, "slowdown of --slow-rank")
	f.IntVar(&opts.hangRank, "hang-rank", -1, "rank that hangs")
	f.Uint64Var(&opts.hangAt, "hang-at", 0, "step at which --hang-rank hangs")
	f.IntVar(&opts.crashRank, "crash-rank", -1, "rank that crashes")
	f.Uint64Var(&opts.crashAt, "crash-at", 0, "step at which --crash-rank crashes")
	f.IntVar(&opts.faultAttempt, "fault-attempt", 0, "attempt on which faults are injected")
	f.Uint64Var(&opts.slowPhase, "slow-phase-every", 0, "announce a slow phase every N steps (0 = never)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *workerOptions) error {
	cfg, err := agent.ConfigFromEnv()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("rank", cfg.Rank)

	sender, err := agent.Dial(cfg.HeartbeatAddr, cfg.RunID)
	if err != nil {
		return fmt.Errorf("failed to open heartbeat channel: %w", err)
	}
	a, err := agent.New(cfg, sender, agent.WithLogger(logger))
	if err != nil {
		sender.Close()
		return err
	}
	a.OnShutdown(func() {
		logger.Info("checkpoint on shutdown", "progress", a.Progress())
	})
	a.OnShutdown(func() { sender.Close() })

	defer sender.Close()
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop()

	faulty := cfg.Attempt == opts.faultAttempt
	stepTime := opts.stepTime
	if faulty && int(cfg.Rank) == opts.slowRank {
		stepTime = time.Duration(float64(stepTime) * opts.slowFactor)
	}

	for step := uint64(1); step <= opts.steps; step++ {
		if faulty && int(cfg.Rank) == opts.hangRank && step == opts.hangAt {
			logger.Warn("injected hang", "step", step)
			<-ctx.Done()
			return ctx.Err()
		}
		if faulty && int(cfg.Rank) == opts.crashRank && step == opts.crashAt {
			logger.Warn("injected crash", "step", step)
			os.Exit(3)
		}

		slow := opts.slowPhase > 0 && step%opts.slowPhase == 0
		if slow {
			a.EnterSlowPhase()
		}
		start := time.Now()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(stepTime):
		}
		if slow {
			a.ExitSlowPhase()
		}

		a.Step()
		a.ReportSample(step, time.Since(start))
	}

	sent, failed := a.SendStats()
	logger.Info("done", "steps", opts.steps, "heartbeats_sent", sent, "send_errors", failed)
	return nil
}
