package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/ChuLiYu/rankwatch/pkg/types"
)

func newTestCollector() *Collector {
	// Reset Prometheus registry to avoid duplicate registration
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	return NewCollector()
}

func TestNewCollector(t *testing.T) {
	c := newTestCollector()

	assert.NotNil(t, c)
	assert.NotNil(t, c.heartbeatsReceived)
	assert.NotNil(t, c.rankTransitions)
	assert.NotNil(t, c.jobState)
	assert.NotNil(t, c.restartDuration)
}

func TestHeartbeatCounters(t *testing.T) {
	c := newTestCollector()

	for i := 0; i < 5; i++ {
		c.RecordHeartbeat()
	}
	c.RecordStaleHeartbeat()
	c.RecordMalformed()
	c.RecordMalformed()
	c.RecordDropped()

	assert.Equal(t, 5.0, testutil.ToFloat64(c.heartbeatsReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.heartbeatsStale))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.heartbeatsMalformed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.eventsDropped))
}

func TestRankTransitions(t *testing.T) {
	c := newTestCollector()

	c.RecordRankTransition(types.RankHung)
	c.RecordRankTransition(types.RankHung)
	c.RecordRankTransition(types.RankRunning)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.rankTransitions.WithLabelValues("hung")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rankTransitions.WithLabelValues("running")))
}

func TestRestarts(t *testing.T) {
	c := newTestCollector()

	c.RecordRestart(types.CauseRankHang, 1)
	c.RecordRestart(types.CauseRankCrash, 2)
	c.ObserveRestartDuration(3.5)
	c.RecordForcedKills(2)
	c.RecordForcedKills(0)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.restarts.WithLabelValues("rank_hang")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.restartCount))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.forcedKills))
	assert.Equal(t, 1, testutil.CollectAndCount(c.restartDuration))
}

func TestSetJobState(t *testing.T) {
	c := newTestCollector()

	c.SetJobState(types.JobRunning)
	c.SetJobState(types.JobRestarting)

	assert.Equal(t, 0.0, testutil.ToFloat64(c.jobState.WithLabelValues("running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobState.WithLabelValues("restarting")))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordHeartbeat()
		c.RecordStaleHeartbeat()
		c.RecordMalformed()
		c.RecordDropped()
		c.RecordRankTransition(types.RankCrashed)
		c.RecordRestart(types.CauseRankCrash, 1)
		c.ObserveRestartDuration(1)
		c.RecordStragglerFlag()
		c.RecordLaunchFailure()
		c.RecordForcedKills(1)
		c.SetJobState(types.JobFailed)
	})
}

func TestHandler(t *testing.T) {
	assert.NotNil(t, Handler())
}
