package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCauseTriggersRestart(t *testing.T) {
	tests := []struct {
		cause Cause
		want  bool
	}{
		{CauseRankHang, true},
		{CauseRankCrash, true},
		{CauseNone, false},
		{CauseTransientNetworkLoss, false},
		{CauseStragglerDegradation, false},
		{CauseRestartBudgetExhausted, false},
		{CauseLaunchFailure, false},
		{CauseInterrupted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.cause), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cause.TriggersRestart())
		})
	}
}

func TestJobStateTerminal(t *testing.T) {
	assert.True(t, JobCompleted.Terminal())
	assert.True(t, JobFailed.Terminal())
	assert.True(t, JobStopped.Terminal())
	assert.False(t, JobRunning.Terminal())
}
