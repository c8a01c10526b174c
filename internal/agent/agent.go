// ============================================================================
// Rank agent
// ============================================================================
//
// Package: internal/agent
// File: agent.go
// Purpose: liveness and progress reporting from inside a worker process
//
// The agent runs beside the workload and never blocks it:
//
//   - RecordProgress / Step are lock-free and O(1)
//   - heartbeats are emitted from a background goroutine, fire-and-forget
//   - a send failure is counted and otherwise ignored
//
// Local hang detection:
//
//   no progress for local_hang_timeout  → heartbeats carry StatusHung
//   still none after hang_grace         → exit(ExitCodeHang) if SelfTerminate
//   progress recorded                   → flag cleared
//
// The supervisor's termination signal runs the registered cleanup hooks
// and exits with ExitCodeShutdown.
//
// ============================================================================

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/rankwatch/internal/heartbeat"
	"github.com/ChuLiYu/rankwatch/pkg/types"
)

var (
	// ErrProgressRegressed is returned when a counter goes backwards.
	ErrProgressRegressed = errors.New("agent: progress counter regressed")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("agent: already started")
)

// Option customizes an Agent.
type Option func(*Agent)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.log = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// WithExitFunc replaces os.Exit.
func WithExitFunc(exit func(code int)) Option {
	return func(a *Agent) { a.exit = exit }
}

// Agent reports one rank's liveness to the supervisor.
type Agent struct {
	cfg    Config
	sender heartbeat.Sender
	log    *slog.Logger
	now    func() time.Time
	exit   func(code int)

	progress     atomic.Uint64
	lastProgress atomic.Int64 // unix nanos
	lastStamp    atomic.Int64 // last heartbeat timestamp, unix nanos
	slowPhase    atomic.Int32
	hung         atomic.Bool
	exiting      atomic.Bool

	sent       atomic.Uint64
	sendErrors atomic.Uint64

	mu      sync.Mutex
	hooks   []func()
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an agent that emits through sender. The caller keeps
// ownership of sender.
func New(cfg Config, sender heartbeat.Sender, opts ...Option) (*Agent, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if sender == nil {
		return nil, fmt.Errorf("agent: nil heartbeat sender")
	}
	a := &Agent{
		cfg:    cfg,
		sender: sender,
		log:    slog.Default(),
		now:    time.Now,
		exit:   os.Exit,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With("component", "agent", "rank", cfg.Rank, "attempt", cfg.Attempt)
	a.lastProgress.Store(a.now().UnixNano())
	return a, nil
}

// Dial opens the transport named by addr: nats://... publishes on the
// run's NATS subject, anything else is a UDP host:port.
func Dial(addr, runID string) (heartbeat.Sender, error) {
	if strings.HasPrefix(addr, "nats://") || strings.HasPrefix(addr, "tls://") {
		return heartbeat.DialNATS(addr, runID)
	}
	return heartbeat.DialUDP(addr)
}

// Start begins heartbeat emission. It returns immediately.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return ErrAlreadyStarted
	}
	a.started = true

	ctx, a.cancel = context.WithCancel(ctx)
	a.lastProgress.Store(a.now().UnixNano())

	a.wg.Add(1)
	go a.emitLoop(ctx)

	if a.cfg.HandleSignals {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, a.cfg.TerminationSignal)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer signal.Stop(sigCh)
			select {
			case sig := <-sigCh:
				a.log.Info("termination signal received", "signal", sig)
				a.Shutdown()
			case <-ctx.Done():
			}
		}()
	}

	a.log.Info("agent started", "interval", a.cfg.HeartbeatInterval, "hang_timeout", a.cfg.LocalHangTimeout)
	return nil
}

// Stop ends emission and waits for the background goroutines.
func (a *Agent) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	a.wg.Wait()
}

func (a *Agent) emitLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	a.tick(a.now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(a.now())
		}
	}
}

// tick runs hang detection and emits one heartbeat.
func (a *Agent) tick(now time.Time) {
	idle := now.Sub(time.Unix(0, a.lastProgress.Load()))

	if idle >= a.cfg.LocalHangTimeout {
		if !a.hung.Swap(true) {
			a.log.Warn("local hang detected", "idle", idle, "progress", a.progress.Load())
		}
	}

	a.beat(now, nil)

	if a.hung.Load() && a.cfg.SelfTerminate && idle >= a.cfg.LocalHangTimeout+a.cfg.hangGrace() {
		if a.exiting.CompareAndSwap(false, true) {
			a.log.Error("no progress after hang grace, exiting", "idle", idle, "exit_code", types.ExitCodeHang)
			a.exit(types.ExitCodeHang)
		}
	}
}

// beat sends one heartbeat. Timestamps are strictly increasing per agent
// even if the clock stalls or two beats race.
func (a *Agent) beat(now time.Time, sample *types.PerformanceSample) {
	ts := now.UnixNano()
	for {
		last := a.lastStamp.Load()
		if ts <= last {
			ts = last + 1
		}
		if a.lastStamp.CompareAndSwap(last, ts) {
			break
		}
	}

	hb := types.Heartbeat{
		Rank:      a.cfg.Rank,
		Attempt:   a.cfg.Attempt,
		Timestamp: time.Unix(0, ts),
		Progress:  a.progress.Load(),
		Status:    a.Status(),
		Sample:    sample,
	}
	if err := a.sender.Send(hb); err != nil {
		if a.sendErrors.Add(1) == 1 {
			a.log.Warn("heartbeat send failed", "error", err)
		}
		return
	}
	a.sent.Add(1)
}

// RecordProgress marks forward progress. Counters must not decrease; an
// equal counter is accepted but does not reset the inactivity timer.
func (a *Agent) RecordProgress(counter uint64) error {
	for {
		cur := a.progress.Load()
		if counter < cur {
			return fmt.Errorf("%w: %d < %d", ErrProgressRegressed, counter, cur)
		}
		if counter == cur {
			return nil
		}
		if a.progress.CompareAndSwap(cur, counter) {
			break
		}
	}
	a.markAlive()
	return nil
}

// Step increments the progress counter by one and returns the new value.
func (a *Agent) Step() uint64 {
	n := a.progress.Add(1)
	a.markAlive()
	return n
}

func (a *Agent) markAlive() {
	a.lastProgress.Store(a.now().UnixNano())
	if a.hung.Swap(false) {
		a.log.Info("progress resumed, hang flag cleared", "progress", a.progress.Load())
	}
}

// ReportSample sends a heartbeat carrying one performance sample now.
func (a *Agent) ReportSample(interval uint64, d time.Duration) {
	a.beat(a.now(), &types.PerformanceSample{Rank: a.cfg.Rank, Interval: interval, Duration: d})
}

// EnterSlowPhase announces a legitimately slow phase. Calls nest.
func (a *Agent) EnterSlowPhase() {
	a.slowPhase.Add(1)
}

// ExitSlowPhase ends the innermost slow phase.
func (a *Agent) ExitSlowPhase() {
	for {
		cur := a.slowPhase.Load()
		if cur <= 0 || a.slowPhase.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Status is the flag the next heartbeat will carry.
func (a *Agent) Status() types.LocalStatus {
	switch {
	case a.hung.Load():
		return types.StatusHung
	case a.slowPhase.Load() > 0:
		return types.StatusSlowPhase
	default:
		return types.StatusOK
	}
}

// Progress returns the current counter.
func (a *Agent) Progress() uint64 {
	return a.progress.Load()
}

// OnShutdown registers a cleanup hook. Hooks run in reverse order.
func (a *Agent) OnShutdown(hook func()) {
	a.mu.Lock()
	a.hooks = append(a.hooks, hook)
	a.mu.Unlock()
}

// Shutdown runs the cleanup hooks and exits with ExitCodeShutdown.
func (a *Agent) Shutdown() {
	if !a.exiting.CompareAndSwap(false, true) {
		return
	}
	a.mu.Lock()
	hooks := make([]func(), len(a.hooks))
	copy(hooks, a.hooks)
	a.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
	a.log.Info("shutdown complete", "exit_code", types.ExitCodeShutdown)
	a.exit(types.ExitCodeShutdown)
}

// SendStats returns the number of heartbeats sent and failed.
func (a *Agent) SendStats() (sent, failed uint64) {
	return a.sent.Load(), a.sendErrors.Load()
}
