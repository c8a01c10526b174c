// ============================================================================
// rankwatch metrics
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Prometheus instruments for the supervisor, heartbeat channel and
//          launcher
//
// Counters:
//   rankwatch_heartbeats_received_total     applied heartbeats
//   rankwatch_heartbeats_stale_total        older/duplicate or previous-attempt
//   rankwatch_heartbeats_malformed_total    undecodable records
//   rankwatch_events_dropped_total          dropped on a full event queue
//   rankwatch_rank_transitions_total{to}    rank state changes
//   rankwatch_restarts_total{cause}         whole-cohort restarts
//   rankwatch_straggler_flags_total         persistent straggler flags raised
//   rankwatch_launch_failures_total         fatal launch errors
//   rankwatch_forced_kills_total            ranks SIGKILLed after grace
//
// Gauges:
//   rankwatch_job_state{state}              1 for the current job state
//   rankwatch_restart_count                 restarts so far
//
// Histogram:
//   rankwatch_restart_duration_seconds      StopAll start to cohort relaunched
//
// Exposed on /metrics by internal/server. Every method is safe on a nil
// *Collector so components can run without metrics.
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/rankwatch/pkg/types"
)

var jobStates = []types.JobState{
	types.JobLaunching,
	types.JobRunning,
	types.JobRestarting,
	types.JobCompleted,
	types.JobFailed,
	types.JobStopped,
}

// Collector holds every rankwatch instrument.
type Collector struct {
	heartbeatsReceived  prometheus.Counter
	heartbeatsStale     prometheus.Counter
	heartbeatsMalformed prometheus.Counter
	eventsDropped       prometheus.Counter
	rankTransitions     *prometheus.CounterVec
	restarts            *prometheus.CounterVec
	stragglerFlags      prometheus.Counter
	launchFailures      prometheus.Counter
	forcedKills         prometheus.Counter

	jobState     *prometheus.GaugeVec
	restartCount prometheus.Gauge

	restartDuration prometheus.Histogram
}

// NewCollector creates and registers the instruments with the default
// Prometheus registerer.
func NewCollector() *Collector {
	c := &Collector{
		heartbeatsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rankwatch_heartbeats_received_total",
			Help: "Heartbeats applied to rank state",
		}),
		heartbeatsStale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rankwatch_heartbeats_stale_total",
			Help: "Heartbeats discarded as duplicate, out of order or from a previous attempt",
		}),
		heartbeatsMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rankwatch_heartbeats_malformed_total",
			Help: "Heartbeat records that could not be decoded",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rankwatch_events_dropped_total",
			Help: "Heartbeats and samples dropped because the supervisor queue was full",
		}),
		rankTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rankwatch_rank_transitions_total",
			Help: "Rank state transitions by target state",
		}, []string{"to"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rankwatch_restarts_total",
			Help: "Whole-cohort restarts by triggering cause",
		}, []string{"cause"}),
		stragglerFlags: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rankwatch_straggler_flags_total",
			Help: "Persistent straggler flags raised",
		}),
		launchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rankwatch_launch_failures_total",
			Help: "Fatal cohort launch failures",
		}),
		forcedKills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rankwatch_forced_kills_total",
			Help: "Ranks force-killed after the grace window",
		}),
		jobState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rankwatch_job_state",
			Help: "1 for the current job state, 0 otherwise",
		}, []string{"state"}),
		restartCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rankwatch_restart_count",
			Help: "Whole-cohort restarts performed so far",
		}),
		restartDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rankwatch_restart_duration_seconds",
			Help:    "Time from StopAll to a relaunched cohort",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
	}

	prometheus.MustRegister(
		c.heartbeatsReceived,
		c.heartbeatsStale,
		c.heartbeatsMalformed,
		c.eventsDropped,
		c.rankTransitions,
		c.restarts,
		c.stragglerFlags,
		c.launchFailures,
		c.forcedKills,
		c.jobState,
		c.restartCount,
		c.restartDuration,
	)

	return c
}

// RecordHeartbeat counts an applied heartbeat.
func (c *Collector) RecordHeartbeat() {
	if c == nil {
		return
	}
	c.heartbeatsReceived.Inc()
}

// RecordStaleHeartbeat counts a discarded heartbeat.
func (c *Collector) RecordStaleHeartbeat() {
	if c == nil {
		return
	}
	c.heartbeatsStale.Inc()
}

// RecordMalformed counts an undecodable record.
func (c *Collector) RecordMalformed() {
	if c == nil {
		return
	}
	c.heartbeatsMalformed.Inc()
}

// RecordDropped counts an event lost to a full queue.
func (c *Collector) RecordDropped() {
	if c == nil {
		return
	}
	c.eventsDropped.Inc()
}

// RecordRankTransition counts a rank entering state.
func (c *Collector) RecordRankTransition(to types.RankState) {
	if c == nil {
		return
	}
	c.rankTransitions.WithLabelValues(string(to)).Inc()
}

// RecordRestart counts a restart and updates the restart gauge.
func (c *Collector) RecordRestart(cause types.Cause, restartCount int) {
	if c == nil {
		return
	}
	c.restarts.WithLabelValues(string(cause)).Inc()
	c.restartCount.Set(float64(restartCount))
}

// ObserveRestartDuration records how long a restart cycle took.
func (c *Collector) ObserveRestartDuration(seconds float64) {
	if c == nil {
		return
	}
	c.restartDuration.Observe(seconds)
}

// RecordStragglerFlag counts a raised straggler flag.
func (c *Collector) RecordStragglerFlag() {
	if c == nil {
		return
	}
	c.stragglerFlags.Inc()
}

// RecordLaunchFailure counts a fatal launch error.
func (c *Collector) RecordLaunchFailure() {
	if c == nil {
		return
	}
	c.launchFailures.Inc()
}

// RecordForcedKills counts ranks killed after the grace window.
func (c *Collector) RecordForcedKills(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.forcedKills.Add(float64(n))
}

// SetJobState marks state as current.
func (c *Collector) SetJobState(state types.JobState) {
	if c == nil {
		return
	}
	for _, s := range jobStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.jobState.WithLabelValues(string(s)).Set(v)
	}
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
