// ============================================================================
// Supervisor
// ============================================================================
//
// Package: internal/supervisor
// File: supervisor.go
// Purpose: the decision core. Owns the rank and job state tables and is the
//          only code that mutates them.
//
// Decision loop:
//   One goroutine (Run) selects over
//     - the event queue: heartbeats, samples, and completions of the
//       asynchronous restart phases (StopAll finished, cohort launched)
//     - launcher exit events
//     - the tick, which re-evaluates missed heartbeat intervals
//     - shutdown (Shutdown or ctx cancellation)
//   and applies each one in turn. After every step a Status snapshot is
//   published for readers on other goroutines.
//
// Queue semantics:
//   Heartbeats and samples are posted without blocking; a full queue drops
//   them and counts the loss. Phase completions block until accepted and
//   exit events are read straight from the launcher, so neither is lost.
//
// Rank states:
//   Starting -> Running <-> HeartbeatMissed -> Hung
//   any live state -> Crashed | Killed | VoluntaryExit
//
// Job states:
//   Launching -> Running -> Restarting -> Running (next attempt)
//                                      -> Failed  (budget exhausted)
//   Running -> Completed (every rank exited with success)
//   any     -> Stopped   (external shutdown, after a StopAll)
//
// Restart cycle:
//   1. StopAll: Terminate every rank's handle, never a subset
//   2. restart_count+1 > max_retries -> Failed, no relaunch
//   3. otherwise restart_count++, straggler history reset, Relaunch with
//      backoff; the job is Running again once the cohort is up
//
// ============================================================================

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/rankwatch/internal/config"
	"github.com/ChuLiYu/rankwatch/internal/journal"
	"github.com/ChuLiYu/rankwatch/internal/launcher"
	"github.com/ChuLiYu/rankwatch/internal/metrics"
	"github.com/ChuLiYu/rankwatch/internal/straggler"
	"github.com/ChuLiYu/rankwatch/pkg/types"
)

const defaultQueueSize = 1024

// TracerName is the instrumentation scope of supervisor spans.
const TracerName = "github.com/ChuLiYu/rankwatch/internal/supervisor"

var (
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("supervisor: already running")
	// ErrNoLauncher is returned by New without a launcher.
	ErrNoLauncher = errors.New("supervisor: launcher is required")
)

// Launcher is the part of *launcher.Launcher the supervisor commands.
type Launcher interface {
	Launch(ctx context.Context, spec launcher.JobSpec, attempt int) ([]launcher.HandleRef, error)
	Relaunch(ctx context.Context, spec launcher.JobSpec, attempt int) ([]launcher.HandleRef, error)
	Terminate(ctx context.Context, refs []launcher.HandleRef, grace time.Duration) (launcher.TerminateReport, error)
	Exits() <-chan launcher.ExitEvent
}

// Options configures a Supervisor. Policy, Spec and Launcher are required.
type Options struct {
	Policy   config.Policy
	Spec     launcher.JobSpec
	Launcher Launcher

	// Timeouts overrides the policy selected by Policy.AdaptiveTimeouts.
	Timeouts  TimeoutPolicy
	Metrics   *metrics.Collector
	Journal   *journal.Journal
	Tracer    trace.Tracer
	Logger    *slog.Logger
	Now       func() time.Time
	QueueSize int
}

type action int

const (
	actionNone action = iota
	actionRestart
	actionStop
)

type rankRecord struct {
	id        types.RankID
	node      string
	ref       launcher.HandleRef
	hasRef    bool
	state     types.RankState
	status    types.LocalStatus
	cause     types.Cause
	trigger   bool
	lastTS    time.Time // sender clock, ordering only
	lastSeen  time.Time // supervisor clock, liveness
	progress  uint64
	missed    int
	cadence   time.Duration
	beats     int
	straggler bool
	exited    bool
	success   bool
	exit      launcher.ExitStatus
}

func (r *rankRecord) live() bool {
	return !r.exited && !r.state.Terminated() && r.state != types.RankHung
}

// Supervisor runs the decision loop for one job.
type Supervisor struct {
	policy   config.Policy
	spec     launcher.JobSpec
	launcher Launcher
	timeouts TimeoutPolicy
	scorer   *straggler.Scorer
	metrics  *metrics.Collector
	journal  *journal.Journal
	tracer   trace.Tracer
	log      *slog.Logger
	now      func() time.Time

	events       chan event
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}
	running      atomic.Bool
	status       atomic.Pointer[Status]

	phaseCtx     context.Context
	cancelPhases context.CancelFunc
	cancelLaunch context.CancelFunc
	phases       sync.WaitGroup

	// Owned by the loop goroutine.
	state        types.JobState
	attempt      int
	restartCount int
	cause        types.Cause
	trigger      types.Cause
	pending      action
	stopping     bool
	launching    bool
	launchErr    error
	ranks        []*rankRecord
	startedAt    time.Time
	restartAt    time.Time
	restartSpan  trace.Span
}

// New creates a supervisor for one job.
func New(opts Options) (*Supervisor, error) {
	if opts.Launcher == nil {
		return nil, ErrNoLauncher
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	if opts.Timeouts == nil {
		opts.Timeouts = NewPolicy(opts.Policy)
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(TracerName)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		policy:   opts.Policy,
		spec:     opts.Spec,
		launcher: opts.Launcher,
		timeouts: opts.Timeouts,
		scorer:   straggler.New(opts.Spec.RankCount, opts.Policy.StragglerThreshold, opts.Policy.StragglerPersistenceCount),
		metrics:  opts.Metrics,
		journal:  opts.Journal,
		tracer:   opts.Tracer,
		log:      logger.With("component", "supervisor", "run_id", opts.Spec.RunID),
		now:      opts.Now,

		events:     make(chan event, opts.QueueSize),
		shutdownCh: make(chan struct{}),
		done:       make(chan struct{}),

		state: types.JobLaunching,
		ranks: make([]*rankRecord, opts.Spec.RankCount),
	}
	for _, p := range opts.Spec.Placement {
		s.ranks[p.Rank] = &rankRecord{id: p.Rank, node: p.Node, state: types.RankStarting}
	}
	s.phaseCtx, s.cancelPhases = context.WithCancel(context.Background())
	s.publish()
	return s, nil
}

// ----------------------------------------------------------------------------
// Public API, safe from any goroutine
// ----------------------------------------------------------------------------

// IngestHeartbeat queues a heartbeat. It reports false when the heartbeat
// was dropped because the queue is full or the supervisor has finished.
func (s *Supervisor) IngestHeartbeat(hb types.Heartbeat) bool {
	return s.offer(heartbeatEvent{hb: hb, at: s.now()})
}

// IngestSample queues a performance sample outside of a heartbeat.
func (s *Supervisor) IngestSample(sample types.PerformanceSample) bool {
	return s.offer(sampleEvent{sample: sample})
}

// Deliver makes the supervisor a heartbeat.Sink.
func (s *Supervisor) Deliver(hb types.Heartbeat) {
	s.IngestHeartbeat(hb)
}

// Shutdown asks the loop to stop every rank and end the job as Stopped.
func (s *Supervisor) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// Status returns the latest published snapshot.
func (s *Supervisor) Status() *Status {
	return s.status.Load()
}

// Done is closed when Run has returned.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

func (s *Supervisor) offer(ev event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	default:
		s.metrics.RecordDropped()
		return false
	}
}

// post delivers a phase completion, waiting for room in the queue.
func (s *Supervisor) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// ----------------------------------------------------------------------------
// Decision loop
// ----------------------------------------------------------------------------

// Run launches the cohort and supervises it until the job is Completed,
// Failed or Stopped. Cancelling ctx is treated like Shutdown: ranks are
// still given the grace window.
func (s *Supervisor) Run(ctx context.Context) (Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Result{}, ErrAlreadyRunning
	}

	ctx, span := s.tracer.Start(ctx, "supervisor.job", trace.WithAttributes(
		attribute.String("rankwatch.run_id", s.spec.RunID),
		attribute.Int("rankwatch.ranks", s.spec.RankCount),
		attribute.Int("rankwatch.max_retries", s.policy.MaxRetries),
	))
	s.cancelPhases()
	s.phaseCtx, s.cancelPhases = context.WithCancel(context.WithoutCancel(ctx))
	defer func() {
		close(s.done)
		s.cancelPhases()
		s.phases.Wait()
		span.End()
	}()

	s.startedAt = s.now()
	s.log.Info("supervising job", "ranks", s.spec.RankCount, "max_retries", s.policy.MaxRetries,
		"heartbeat_interval", s.policy.HeartbeatInterval, "threshold", s.policy.MissedHeartbeatThreshold)
	s.setJobState(types.JobLaunching, types.CauseNone)
	s.startLaunch(false)
	s.publish()

	ticker := time.NewTicker(s.policy.Tick())
	defer ticker.Stop()

	ctxDone := ctx.Done()
	shutdown := s.shutdownCh
	exits := s.launcher.Exits()
	for !s.state.Terminal() {
		select {
		case ev := <-s.events:
			s.apply(ev)
		case ex := <-exits:
			s.apply(exitEvent{ExitEvent: ex})
		case <-ticker.C:
			s.evaluate(s.now())
		case <-ctxDone:
			ctxDone = nil
			s.requestStop("context cancelled")
		case <-shutdown:
			shutdown = nil
			s.requestStop("shutdown requested")
		}
		s.publish()
	}

	res := s.result()
	if res.State == types.JobCompleted {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, string(res.Cause))
	}
	span.SetAttributes(attribute.String("rankwatch.state", string(res.State)),
		attribute.Int("rankwatch.restart_count", res.RestartCount))
	s.log.Info("job finished", "state", res.State, "cause", res.Cause, "restarts", res.RestartCount)
	return res, nil
}

func (s *Supervisor) apply(ev event) {
	switch e := ev.(type) {
	case heartbeatEvent:
		s.applyHeartbeat(e.hb, e.at)
	case sampleEvent:
		s.applySample(e.sample)
	case exitEvent:
		s.applyExit(e.ExitEvent)
	case stopDoneEvent:
		s.applyStopDone(e)
	case launchedEvent:
		s.applyLaunched(e)
	}
}

func (s *Supervisor) rank(id types.RankID) *rankRecord {
	if int(id) < 0 || int(id) >= len(s.ranks) {
		return nil
	}
	return s.ranks[id]
}

func (s *Supervisor) applyHeartbeat(hb types.Heartbeat, at time.Time) {
	r := s.rank(hb.Rank)
	if r == nil {
		s.metrics.RecordStaleHeartbeat()
		s.log.Warn("heartbeat from unknown rank", "rank", hb.Rank)
		return
	}
	if s.state.Terminal() || s.stopping || s.pending == actionStop ||
		hb.Attempt != s.attempt || !r.live() {
		s.metrics.RecordStaleHeartbeat()
		return
	}
	// Duplicates and reordered heartbeats leave no trace on liveness, not
	// even on arrival time. A sample they carry still counts: the scorer
	// drops repeated and stale intervals itself.
	if r.beats > 0 && !hb.Timestamp.After(r.lastTS) {
		s.metrics.RecordStaleHeartbeat()
		s.applyCarriedSample(hb)
		return
	}

	if r.beats > 0 {
		r.cadence = smoothCadence(r.cadence, at.Sub(r.lastSeen))
	}
	r.lastTS = hb.Timestamp
	r.lastSeen = at
	r.beats++
	r.missed = 0
	r.status = hb.Status
	if hb.Progress > r.progress {
		r.progress = hb.Progress
	}
	s.metrics.RecordHeartbeat()

	if hb.Status == types.StatusHung {
		s.transition(r, types.RankHung, types.CauseRankHang, "agent reported local hang")
		s.reconcile()
		return
	}
	if r.state == types.RankStarting || r.state == types.RankHeartbeatMissed {
		s.transition(r, types.RankRunning, types.CauseNone, "")
	}
	s.applyCarriedSample(hb)
}

func (s *Supervisor) applyCarriedSample(hb types.Heartbeat) {
	if hb.Sample == nil {
		return
	}
	sample := *hb.Sample
	sample.Rank = hb.Rank
	s.applySample(sample)
}

func (s *Supervisor) applySample(sample types.PerformanceSample) {
	if s.state != types.JobRunning || s.pending != actionNone {
		return
	}
	complete, err := s.scorer.Ingest(sample)
	if err != nil {
		s.log.Debug("sample ignored", "rank", sample.Rank, "interval", sample.Interval, "error", err)
		return
	}
	if !complete {
		return
	}
	scores, err := s.scorer.ComputeScores(sample.Interval)
	if err != nil {
		s.log.Debug("interval not scored", "interval", sample.Interval, "error", err)
		return
	}

	var raised []types.RankID
	for _, sc := range scores {
		r := s.ranks[sc.Rank]
		flagged := s.scorer.Flagged(sc.Rank)
		switch {
		case flagged && !r.straggler:
			raised = append(raised, sc.Rank)
			s.metrics.RecordStragglerFlag()
			s.log.Warn("persistent straggler", "rank", sc.Rank, "score", sc.Value,
				"interval", sc.Interval, "median", s.scorer.LastMedian(), "action", s.policy.StragglerAction)
			s.record(journal.Entry{Type: journal.EventStraggler, Rank: sc.Rank, To: "flagged",
				Cause: types.CauseStragglerDegradation, Detail: fmt.Sprintf("score %.2f at interval %d", sc.Value, sc.Interval)})
		case !flagged && r.straggler:
			s.log.Info("straggler recovered", "rank", sc.Rank, "interval", sc.Interval)
			s.record(journal.Entry{Type: journal.EventStraggler, Rank: sc.Rank, To: "cleared",
				Detail: fmt.Sprintf("score %.2f at interval %d", sc.Value, sc.Interval)})
		}
		r.straggler = flagged
	}

	if len(raised) > 0 && s.policy.StragglerAction == config.StragglerRestart {
		s.requestRestart(types.CauseStragglerDegradation, raised)
	}
}

func (s *Supervisor) applyExit(ev launcher.ExitEvent) {
	r := s.rank(ev.Ref.Rank)
	if r == nil || ev.Ref.Attempt != s.attempt || r.exited {
		return
	}
	r.exited = true
	r.exit = ev.Status
	code := ev.Status.Code
	s.record(journal.Entry{Type: journal.EventRankExit, Rank: r.id, Detail: describeExit(ev.Status)})

	if s.stopping || s.pending == actionStop {
		// exits we caused
		switch {
		case r.state.Terminated(), r.state == types.RankHung:
		case code == types.ExitCodeSuccess || code == types.ExitCodeShutdown:
			r.success = code == types.ExitCodeSuccess
			s.transition(r, types.RankVoluntaryExit, types.CauseNone, describeExit(ev.Status))
		default:
			s.transition(r, types.RankKilled, types.CauseNone, describeExit(ev.Status))
		}
		return
	}

	switch {
	case r.state.Terminated():
	case code == types.ExitCodeSuccess:
		r.success = true
		s.transition(r, types.RankVoluntaryExit, types.CauseNone, "exit code 0")
	case code == types.ExitCodeShutdown:
		s.transition(r, types.RankVoluntaryExit, types.CauseNone, "exited on shutdown command")
	case code == types.ExitCodeHang:
		if r.state != types.RankHung {
			s.transition(r, types.RankHung, types.CauseRankHang, "agent self-terminated after local hang")
		}
	default:
		s.transition(r, types.RankCrashed, types.CauseRankCrash, describeExit(ev.Status))
	}
	s.reconcile()
}

func (s *Supervisor) applyStopDone(e stopDoneEvent) {
	s.stopping = false
	s.metrics.RecordForcedKills(len(e.report.Forced))
	if e.err != nil {
		s.log.Warn("stop all reported errors", "attempt", e.attempt, "error", e.err)
	}
	if len(e.report.Unreaped) > 0 {
		s.log.Error("ranks not reaped after force kill", "ranks", e.report.Unreaped)
	}
	s.record(journal.Entry{Type: journal.EventStopAll, Rank: -1, To: "done",
		Detail: fmt.Sprintf("graceful=%v forced=%v already_exited=%v", e.report.Graceful, e.report.Forced, e.report.AlreadyExited)})

	for _, r := range s.ranks {
		if r.hasRef && r.live() {
			s.transition(r, types.RankKilled, types.CauseNone, "stopped by launcher")
		}
	}

	switch s.pending {
	case actionStop:
		s.finish(types.JobStopped, types.CauseInterrupted)
	case actionRestart:
		if s.restartCount+1 > s.policy.MaxRetries {
			cause := types.CauseRestartBudgetExhausted
			if s.policy.MaxRetries == 0 {
				cause = s.trigger
			}
			s.log.Error("restart budget exhausted", "restarts", s.restartCount, "max_retries", s.policy.MaxRetries, "trigger", s.trigger)
			s.finish(types.JobFailed, cause)
			return
		}
		s.restartCount++
		s.attempt = s.restartCount
		s.scorer.ResetOnRestart()
		s.metrics.RecordRestart(s.trigger, s.restartCount)
		s.record(journal.Entry{Type: journal.EventRelaunch, Rank: -1, Cause: s.trigger,
			Detail: fmt.Sprintf("restart %d of %d", s.restartCount, s.policy.MaxRetries)})
		s.resetRanks()
		s.startLaunch(true)
	}
}

func (s *Supervisor) applyLaunched(e launchedEvent) {
	s.launching = false
	s.cancelLaunch = nil

	if e.err != nil {
		if s.pending == actionStop {
			s.finish(types.JobStopped, types.CauseInterrupted)
			return
		}
		s.launchErr = e.err
		s.metrics.RecordLaunchFailure()
		detail := e.err.Error()
		var lerr *launcher.LaunchError
		if errors.As(e.err, &lerr) {
			if r := s.rank(lerr.Rank); r != nil {
				r.trigger = true
				r.cause = types.CauseLaunchFailure
			}
		}
		s.log.Error("launch failed", "attempt", e.attempt, "error", e.err)
		s.record(journal.Entry{Type: journal.EventLaunchFail, Rank: -1, Cause: types.CauseLaunchFailure, Detail: detail})
		s.finish(types.JobFailed, types.CauseLaunchFailure)
		return
	}

	now := s.now()
	for _, ref := range e.refs {
		r := s.rank(ref.Rank)
		if r == nil {
			continue
		}
		r.ref = ref
		r.hasRef = true
		r.node = ref.Node
		if r.beats == 0 {
			r.lastSeen = now
		}
	}
	s.record(journal.Entry{Type: journal.EventLaunch, Rank: -1, Detail: fmt.Sprintf("%d ranks", len(e.refs))})

	if s.pending == actionStop {
		s.beginStopAll("shutdown requested during launch")
		return
	}
	if s.pending == actionRestart {
		took := now.Sub(s.restartAt)
		s.metrics.ObserveRestartDuration(took.Seconds())
		if s.restartSpan != nil {
			s.restartSpan.SetStatus(codes.Ok, "")
			s.restartSpan.End()
			s.restartSpan = nil
		}
		s.log.Info("cohort relaunched", "attempt", s.attempt, "took", took)
	}
	s.pending = actionNone
	s.setJobState(types.JobRunning, types.CauseNone)
	s.reconcile()
}

// evaluate counts missed heartbeat intervals for every live rank.
func (s *Supervisor) evaluate(now time.Time) {
	if s.state != types.JobRunning || s.pending != actionNone {
		return
	}
	interval := s.policy.HeartbeatInterval
	hung := false
	for _, r := range s.ranks {
		if !r.live() {
			continue
		}
		missed := int(now.Sub(r.lastSeen) / interval)
		if missed < 0 {
			missed = 0
		}
		r.missed = missed
		threshold := s.timeouts.Threshold(s.view(r))

		switch {
		case missed >= threshold:
			s.transition(r, types.RankHung, types.CauseRankHang,
				fmt.Sprintf("%d missed heartbeat intervals (threshold %d)", missed, threshold))
			hung = true
		case missed >= 1 && r.state == types.RankRunning:
			s.transition(r, types.RankHeartbeatMissed, types.CauseTransientNetworkLoss,
				fmt.Sprintf("%d missed heartbeat intervals", missed))
		}
	}
	if hung {
		s.reconcile()
	}
}

// reconcile turns rank states into a job-level decision.
func (s *Supervisor) reconcile() {
	if s.state != types.JobRunning || s.pending != actionNone {
		return
	}

	var hung, crashed, unsuccessful []types.RankID
	allExited := true
	for _, r := range s.ranks {
		if r.cause.TriggersRestart() {
			if r.cause == types.CauseRankHang {
				hung = append(hung, r.id)
			} else {
				crashed = append(crashed, r.id)
			}
		}
		if !r.exited {
			allExited = false
		} else if !r.success {
			unsuccessful = append(unsuccessful, r.id)
		}
	}

	switch {
	case len(hung) > 0:
		s.requestRestart(types.CauseRankHang, append(hung, crashed...))
	case len(crashed) > 0:
		s.requestRestart(types.CauseRankCrash, crashed)
	case allExited && len(unsuccessful) == 0:
		s.finish(types.JobCompleted, types.CauseNone)
	case allExited:
		s.requestRestart(types.CauseRankCrash, unsuccessful)
	}
}

// ----------------------------------------------------------------------------
// Restart phases
// ----------------------------------------------------------------------------

func (s *Supervisor) requestRestart(cause types.Cause, triggers []types.RankID) {
	if s.state != types.JobRunning || s.pending != actionNone {
		return
	}
	for _, id := range triggers {
		if r := s.rank(id); r != nil {
			r.trigger = true
		}
	}
	s.trigger = cause
	s.pending = actionRestart
	s.restartAt = s.now()

	ids := make([]int64, len(triggers))
	for i, id := range triggers {
		ids[i] = int64(id)
	}
	_, s.restartSpan = s.tracer.Start(s.phaseCtx, "supervisor.restart", trace.WithAttributes(
		attribute.String("rankwatch.cause", string(cause)),
		attribute.Int("rankwatch.attempt", s.attempt),
		attribute.Int64Slice("rankwatch.trigger_ranks", ids),
	))

	s.log.Warn("restarting cohort", "cause", cause, "ranks", triggers, "attempt", s.attempt,
		"restarts", s.restartCount, "max_retries", s.policy.MaxRetries)
	s.setJobState(types.JobRestarting, cause)
	s.beginStopAll(string(cause))
}

func (s *Supervisor) requestStop(reason string) {
	if s.state.Terminal() || s.pending == actionStop {
		return
	}
	s.pending = actionStop
	s.trigger = types.CauseInterrupted
	s.log.Warn("stopping job", "reason", reason, "state", s.state)

	switch {
	case s.stopping:
		// the StopAll in flight ends the job
	case s.launching:
		if s.cancelLaunch != nil {
			s.cancelLaunch()
		}
	default:
		s.beginStopAll(reason)
	}
}

// beginStopAll terminates the handle of every rank of the current attempt.
func (s *Supervisor) beginStopAll(reason string) {
	refs := make([]launcher.HandleRef, 0, len(s.ranks))
	for _, r := range s.ranks {
		if r.hasRef {
			refs = append(refs, r.ref)
		}
	}
	s.stopping = true
	s.record(journal.Entry{Type: journal.EventStopAll, Rank: -1, To: "issued",
		Detail: fmt.Sprintf("%d ranks: %s", len(refs), reason)})
	s.log.Warn("stop all", "ranks", len(refs), "attempt", s.attempt, "grace", s.policy.GraceTimeout, "reason", reason)

	attempt := s.attempt
	grace := s.policy.GraceTimeout
	s.phases.Add(1)
	go func() {
		defer s.phases.Done()
		ctx, span := s.tracer.Start(s.phaseCtx, "supervisor.stop_all", trace.WithAttributes(
			attribute.Int("rankwatch.attempt", attempt),
			attribute.Int("rankwatch.ranks", len(refs)),
		))
		report, err := s.launcher.Terminate(ctx, refs, grace)
		span.SetAttributes(attribute.Int("rankwatch.forced", len(report.Forced)))
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		s.post(stopDoneEvent{attempt: attempt, report: report, err: err})
	}()
}

// startLaunch launches (or, after a restart, relaunches) the cohort for the
// current attempt.
func (s *Supervisor) startLaunch(relaunch bool) {
	ctx, cancel := context.WithCancel(s.phaseCtx)
	s.cancelLaunch = cancel
	s.launching = true

	attempt := s.attempt
	s.phases.Add(1)
	go func() {
		defer s.phases.Done()
		defer cancel()
		var (
			refs []launcher.HandleRef
			err  error
		)
		if relaunch {
			refs, err = s.launcher.Relaunch(ctx, s.spec, attempt)
		} else {
			refs, err = s.launcher.Launch(ctx, s.spec, attempt)
		}
		s.post(launchedEvent{attempt: attempt, refs: refs, err: err})
	}()
}

func (s *Supervisor) resetRanks() {
	for _, r := range s.ranks {
		*r = rankRecord{id: r.id, node: r.node, state: types.RankStarting}
	}
}

// ----------------------------------------------------------------------------
// State helpers
// ----------------------------------------------------------------------------

func (s *Supervisor) transition(r *rankRecord, to types.RankState, cause types.Cause, detail string) {
	if r.state == to {
		return
	}
	from := r.state
	r.state = to
	r.cause = cause
	s.metrics.RecordRankTransition(to)
	s.record(journal.Entry{Type: journal.EventRankState, Rank: r.id, From: string(from), To: string(to), Cause: cause, Detail: detail})

	switch to {
	case types.RankHung, types.RankCrashed:
		s.log.Error("rank failed", "rank", r.id, "node", r.node, "from", from, "to", to, "detail", detail)
	case types.RankHeartbeatMissed:
		s.log.Warn("rank missed heartbeats", "rank", r.id, "detail", detail)
	default:
		s.log.Debug("rank state", "rank", r.id, "from", from, "to", to)
	}
}

func (s *Supervisor) setJobState(to types.JobState, cause types.Cause) {
	from := s.state
	s.state = to
	s.metrics.SetJobState(to)
	if from == to {
		return
	}
	s.record(journal.Entry{Type: journal.EventJobState, Rank: -1, From: string(from), To: string(to), Cause: cause})
	s.log.Info("job state", "from", from, "to", to, "cause", cause, "attempt", s.attempt)
}

func (s *Supervisor) finish(state types.JobState, cause types.Cause) {
	s.cause = cause
	s.pending = actionNone
	if s.restartSpan != nil {
		s.restartSpan.SetStatus(codes.Error, string(cause))
		s.restartSpan.End()
		s.restartSpan = nil
	}
	s.setJobState(state, cause)
}

func (s *Supervisor) record(e journal.Entry) {
	e.Attempt = s.attempt
	if err := s.journal.Append(e); err != nil {
		s.log.Warn("journal append failed", "type", e.Type, "error", err)
	}
}

func (s *Supervisor) view(r *rankRecord) RankView {
	return RankView{Rank: r.id, State: r.state, Status: r.status, Cadence: r.cadence, Beats: r.beats}
}

func (s *Supervisor) diagnose(r *rankRecord) RankDiagnosis {
	d := RankDiagnosis{
		Rank:      r.id,
		Node:      r.node,
		State:     r.state,
		Cause:     r.cause,
		Trigger:   r.trigger,
		Progress:  r.progress,
		Missed:    r.missed,
		Straggler: r.straggler,
		Exited:    r.exited,
	}
	if r.hasRef {
		d.PID = r.ref.PID
	}
	if r.status != types.StatusUnset {
		d.LocalStatus = r.status.String()
	}
	if r.beats > 0 {
		d.LastHeartbeat = r.lastTS
	}
	if r.exited {
		d.ExitCode = r.exit.Code
		d.ExitSignal = r.exit.Signal
		d.Detail = describeExit(r.exit)
	}
	return d
}

func (s *Supervisor) publish() {
	st := &Status{
		RunID:        s.spec.RunID,
		State:        s.state,
		Attempt:      s.attempt,
		RestartCount: s.restartCount,
		MaxRetries:   s.policy.MaxRetries,
		Cause:        s.cause,
		Stopping:     s.stopping,
		StragglerMed: s.scorer.LastMedian(),
		UpdatedAt:    s.now(),
		Ranks:        make([]RankDiagnosis, len(s.ranks)),
	}
	for i, r := range s.ranks {
		st.Ranks[i] = s.diagnose(r)
	}
	s.status.Store(st)
}

func (s *Supervisor) result() Result {
	res := Result{
		RunID:        s.spec.RunID,
		State:        s.state,
		Attempt:      s.attempt,
		RestartCount: s.restartCount,
		Cause:        s.cause,
		Trigger:      s.trigger,
		StartedAt:    s.startedAt,
		FinishedAt:   s.now(),
		Diagnostics:  make([]RankDiagnosis, len(s.ranks)),
	}
	if s.launchErr != nil {
		res.Error = s.launchErr.Error()
	}
	for i, r := range s.ranks {
		res.Diagnostics[i] = s.diagnose(r)
	}
	return res
}

func describeExit(st launcher.ExitStatus) string {
	switch {
	case st.Err != "":
		return fmt.Sprintf("exit code %d: %s", st.Code, st.Err)
	case st.Signal != "":
		return "killed by " + st.Signal
	default:
		return fmt.Sprintf("exit code %d", st.Code)
	}
}
