// ============================================================================
// Launcher
// ============================================================================
//
// Package: internal/launcher
// File: launcher.go
// Purpose: spawn, stop, force-kill and relaunch the whole cohort
//
// Ownership:
//   The Launcher owns every process handle. Callers receive HandleRef
//   values (rank, node, pid, attempt) and refer to processes only by them.
//
// Launch:
//   exactly one process per placement entry; if any spawn fails, the
//   processes already started are force-killed and a *LaunchError is
//   returned. There is no partial cohort.
//
// Terminate:
//   termination signal to every referenced process group, wait up to the
//   grace window, then SIGKILL whatever is left. Cancelling ctx skips the
//   rest of the wait.
//
// Relaunch:
//   waits the next exponential backoff delay, then Launch.
//
// Exits:
//   every process exit of a successfully launched cohort is published on
//   Exits() exactly once.
//
// ============================================================================

package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ChuLiYu/rankwatch/pkg/types"
)

// killWait bounds how long Terminate waits for a SIGKILLed process to be reaped.
const killWait = 5 * time.Second

// ErrClosed is returned after Close.
var ErrClosed = errors.New("launcher: closed")

// HandleRef is a read-only reference to a launcher-owned process.
type HandleRef struct {
	Rank      types.RankID `json:"rank"`
	Node      string       `json:"node"`
	LocalRank int          `json:"local_rank"`
	PID       int          `json:"pid"`
	Attempt   int          `json:"attempt"`
}

func (r HandleRef) key() handleKey {
	return handleKey{attempt: r.Attempt, rank: r.Rank}
}

type handleKey struct {
	attempt int
	rank    types.RankID
}

// ExitEvent reports that a launched process ended.
type ExitEvent struct {
	Ref    HandleRef
	Status ExitStatus
}

// LaunchError is a fatal failure to start the cohort.
type LaunchError struct {
	Rank types.RankID
	Node string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch failed for rank %d on node %s: %v", e.Rank, e.Node, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// TerminateReport says how each referenced rank went down.
type TerminateReport struct {
	Graceful      []types.RankID `json:"graceful"`
	Forced        []types.RankID `json:"forced"`
	AlreadyExited []types.RankID `json:"already_exited"`
	Unreaped      []types.RankID `json:"unreaped,omitempty"`
}

// Options configures a Launcher.
type Options struct {
	// Default serves every node not listed in Nodes.
	Default Spawner
	Nodes   map[string]Spawner

	BackoffBase time.Duration
	BackoffCap  time.Duration
	// Jitter is the backoff randomization factor. Zero is deterministic.
	Jitter float64

	Signal syscall.Signal
	Logger *slog.Logger
}

type handle struct {
	ref  HandleRef
	proc Process
}

// Launcher executes process lifecycle commands for one job.
type Launcher struct {
	opts    Options
	log     *slog.Logger
	backoff *backoff.ExponentialBackOff

	mu      sync.Mutex
	handles map[handleKey]*handle
	closed  bool

	exits   chan ExitEvent
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// New creates a launcher.
func New(opts Options) (*Launcher, error) {
	if opts.Default == nil && len(opts.Nodes) == 0 {
		return nil, errors.New("launcher: no spawner configured")
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffCap < opts.BackoffBase {
		opts.BackoffCap = opts.BackoffBase
	}
	if opts.Signal == 0 {
		opts.Signal = syscall.SIGTERM
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     opts.BackoffBase,
		RandomizationFactor: opts.Jitter,
		Multiplier:          2,
		MaxInterval:         opts.BackoffCap,
	}
	b.Reset()

	return &Launcher{
		opts:    opts,
		log:     logger.With("component", "launcher"),
		backoff: b,
		handles: make(map[handleKey]*handle),
		exits:   make(chan ExitEvent, 256),
		closeCh: make(chan struct{}),
	}, nil
}

// Exits publishes process exits of launched cohorts.
func (l *Launcher) Exits() <-chan ExitEvent {
	return l.exits
}

func (l *Launcher) spawnerFor(node string) (Spawner, error) {
	if sp, ok := l.opts.Nodes[node]; ok {
		return sp, nil
	}
	if l.opts.Default != nil {
		return l.opts.Default, nil
	}
	return nil, fmt.Errorf("no spawner for node %q", node)
}

// Launch starts the cohort for one attempt.
func (l *Launcher) Launch(ctx context.Context, spec JobSpec, attempt int) ([]HandleRef, error) {
	if err := spec.Validate(); err != nil {
		return nil, &LaunchError{Rank: -1, Err: err}
	}
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	started := make([]*handle, 0, spec.RankCount)
	for _, p := range spec.sortedPlacement() {
		err := ctx.Err()
		var proc Process
		if err == nil {
			var sp Spawner
			if sp, err = l.spawnerFor(p.Node); err == nil {
				proc, err = sp.Spawn(ctx, SpawnRequest{
					Rank:    p.Rank,
					Attempt: attempt,
					Command: spec.Command,
					Env:     spec.Environ(p, attempt),
					WorkDir: spec.WorkDir,
				})
			}
		}
		if err != nil {
			l.log.Error("spawn failed, killing partial cohort", "rank", p.Rank, "node", p.Node, "started", len(started), "error", err)
			for _, h := range started {
				if kerr := h.proc.Kill(); kerr != nil {
					l.log.Warn("kill of partial cohort failed", "rank", h.ref.Rank, "error", kerr)
				}
			}
			return nil, &LaunchError{Rank: p.Rank, Node: p.Node, Err: err}
		}
		started = append(started, &handle{
			ref:  HandleRef{Rank: p.Rank, Node: p.Node, LocalRank: p.LocalRank, PID: proc.PID(), Attempt: attempt},
			proc: proc,
		})
	}

	refs := make([]HandleRef, len(started))
	l.mu.Lock()
	for i, h := range started {
		l.handles[h.ref.key()] = h
		refs[i] = h.ref
		l.wg.Add(1)
		go l.watch(h)
	}
	l.mu.Unlock()

	l.log.Info("cohort launched", "ranks", len(refs), "attempt", attempt)
	return refs, nil
}

func (l *Launcher) watch(h *handle) {
	defer l.wg.Done()
	select {
	case <-h.proc.Done():
	case <-l.closeCh:
		return
	}

	l.mu.Lock()
	delete(l.handles, h.ref.key())
	l.mu.Unlock()

	ev := ExitEvent{Ref: h.ref, Status: h.proc.ExitStatus()}
	select {
	case l.exits <- ev:
	case <-l.closeCh:
	}
}

// NextDelay consumes and returns the next backoff delay.
func (l *Launcher) NextDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.backoff.NextBackOff()
}

// Relaunch waits out the backoff delay and launches a new attempt.
func (l *Launcher) Relaunch(ctx context.Context, spec JobSpec, attempt int) ([]HandleRef, error) {
	delay := l.NextDelay()
	l.log.Info("relaunching after backoff", "attempt", attempt, "delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, ErrClosed
	}
	return l.Launch(ctx, spec, attempt)
}

// Terminate stops the referenced processes within grace, forcing the rest.
func (l *Launcher) Terminate(ctx context.Context, refs []HandleRef, grace time.Duration) (TerminateReport, error) {
	var report TerminateReport
	var errs []error

	pending := make([]*handle, 0, len(refs))
	l.mu.Lock()
	for _, ref := range refs {
		if h, ok := l.handles[ref.key()]; ok {
			pending = append(pending, h)
		} else {
			report.AlreadyExited = append(report.AlreadyExited, ref.Rank)
		}
	}
	l.mu.Unlock()

	for _, h := range pending {
		if err := h.proc.Signal(l.opts.Signal); err != nil {
			errs = append(errs, fmt.Errorf("rank %d: %w", h.ref.Rank, err))
		}
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	escalate := false
	var killed []*handle
	for _, h := range pending {
		if !escalate {
			select {
			case <-h.proc.Done():
				report.Graceful = append(report.Graceful, h.ref.Rank)
				continue
			case <-timer.C:
				escalate = true
			case <-ctx.Done():
				escalate = true
			}
		}
		select {
		case <-h.proc.Done():
			report.Graceful = append(report.Graceful, h.ref.Rank)
			continue
		default:
		}
		if err := h.proc.Kill(); err != nil {
			errs = append(errs, fmt.Errorf("rank %d: %w", h.ref.Rank, err))
		}
		report.Forced = append(report.Forced, h.ref.Rank)
		killed = append(killed, h)
	}

	if len(killed) > 0 {
		l.log.Warn("grace window expired, ranks force-killed", "ranks", report.Forced, "grace", grace)
		reapCtx, cancel := context.WithTimeout(context.Background(), killWait)
		defer cancel()
		for _, h := range killed {
			select {
			case <-h.proc.Done():
			case <-reapCtx.Done():
				report.Unreaped = append(report.Unreaped, h.ref.Rank)
			}
		}
	}

	return report, errors.Join(errs...)
}

// Close force-kills every live process and stops publishing exits.
func (l *Launcher) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	live := make([]*handle, 0, len(l.handles))
	for _, h := range l.handles {
		live = append(live, h)
	}
	l.mu.Unlock()

	var errs []error
	for _, h := range live {
		if err := h.proc.Kill(); err != nil {
			errs = append(errs, err)
		}
	}
	close(l.closeCh)
	l.wg.Wait()
	return errors.Join(errs...)
}

// Live returns references to processes that have not exited yet.
func (l *Launcher) Live() []HandleRef {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]HandleRef, 0, len(l.handles))
	for _, h := range l.handles {
		out = append(out, h.ref)
	}
	return out
}
