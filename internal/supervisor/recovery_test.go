// ============================================================================
// End-to-end recovery tests
// ============================================================================
//
// Real processes (LocalSpawner), a real Launcher and the in-memory heartbeat
// channel. The test plays the role of the rank agents: it pumps heartbeats
// for the ranks that are supposed to be healthy and keeps the others silent.
//
// TestRecoverySilentRankExhaustsBudget:
//   3 ranks running `sleep`, rank 2 never heartbeats.
//   - rank 2 goes Hung, StopAll terminates the cohort
//   - one relaunch (max_retries 1), rank 2 is silent again
//   - job Failed with RestartBudgetExhausted, exit code 5
//
// TestRecoveryCrashStopsSurvivors:
//   rank 1 exits 3 right away, the others keep heartbeating.
//   - with max_retries 0 the job fails with RankCrash, exit code 4
//   - the survivors end Killed
//
// ============================================================================

package supervisor

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/rankwatch/internal/config"
	"github.com/ChuLiYu/rankwatch/internal/heartbeat"
	"github.com/ChuLiYu/rankwatch/internal/launcher"
	"github.com/ChuLiYu/rankwatch/pkg/types"
)

func recoveryPolicy(maxRetries int) config.Policy {
	p := config.DefaultPolicy()
	p.MaxRetries = maxRetries
	p.BackoffBase = 10 * time.Millisecond
	p.BackoffCap = 20 * time.Millisecond
	p.HeartbeatInterval = 50 * time.Millisecond
	p.MissedHeartbeatThreshold = 3
	p.InitialMissedHeartbeatThreshold = 6
	p.GraceTimeout = time.Second
	return p
}

// pumpHeartbeats sends one heartbeat per interval for every rank in healthy,
// always stamped with the attempt the supervisor is currently on.
func pumpHeartbeats(ctx context.Context, ch *heartbeat.Memory, sup *Supervisor, healthy []types.RankID, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	var progress uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		progress++
		attempt := sup.Status().Attempt
		for _, r := range healthy {
			ch.Send(types.Heartbeat{
				Rank:      r,
				Attempt:   attempt,
				Timestamp: time.Now(),
				Progress:  progress,
				Status:    types.StatusOK,
			})
		}
	}
}

func runRecovery(t *testing.T, policy config.Policy, ranks int, command []string, healthy []types.RankID) Result {
	t.Helper()
	if _, err := exec.LookPath(command[0]); err != nil {
		t.Skipf("requires %s", command[0])
	}

	l, err := launcher.New(launcher.Options{
		Default:     launcher.NewLocalSpawner(),
		BackoffBase: policy.BackoffBase,
		BackoffCap:  policy.BackoffCap,
		Signal:      policy.Signal(),
		Logger:      quietLogger(),
	})
	require.NoError(t, err)
	defer l.Close()

	spec := launcher.JobSpec{
		RunID:             "recovery",
		RankCount:         ranks,
		Placement:         launcher.LocalPlacement(ranks),
		Command:           command,
		HeartbeatAddr:     "memory",
		HeartbeatInterval: policy.HeartbeatInterval,
		HangTimeout:       policy.LocalHangTimeout,
		MaxRestarts:       policy.MaxRetries,
		TerminationSignal: policy.Signal(),
	}
	sup, err := New(Options{Policy: policy, Spec: spec, Launcher: l, Logger: quietLogger()})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	ch := heartbeat.NewMemory(256, heartbeat.Options{Logger: quietLogger()})
	defer ch.Close()
	go ch.Run(ctx, sup)
	go pumpHeartbeats(ctx, ch, sup, healthy, policy.HeartbeatInterval/2)

	res, err := sup.Run(ctx)
	require.NoError(t, err)
	require.NoError(t, ctx.Err(), "job did not finish in time")
	return res
}

func TestRecoverySilentRankExhaustsBudget(t *testing.T) {
	res := runRecovery(t, recoveryPolicy(1), 3, []string{"sleep", "30"}, []types.RankID{0, 1})

	assert.Equal(t, types.JobFailed, res.State)
	assert.Equal(t, types.CauseRestartBudgetExhausted, res.Cause)
	assert.Equal(t, types.CauseRankHang, res.Trigger)
	assert.Equal(t, 1, res.RestartCount)
	assert.Equal(t, ExitBudgetExhausted, res.ExitCode())
	assert.Equal(t, []types.RankID{2}, res.Triggers())

	require.Len(t, res.Diagnostics, 3)
	assert.Equal(t, types.RankHung, res.Diagnostics[2].State)
	for _, d := range res.Diagnostics[:2] {
		assert.True(t, d.State.Terminated(), "rank %d should have been stopped, got %s", d.Rank, d.State)
	}
}

func TestRecoveryCrashStopsSurvivors(t *testing.T) {
	script := `if [ "$RANK" = "1" ]; then exit 3; fi; exec sleep 30`
	res := runRecovery(t, recoveryPolicy(0), 3, []string{"sh", "-c", script}, []types.RankID{0, 2})

	assert.Equal(t, types.JobFailed, res.State)
	assert.Equal(t, types.CauseRankCrash, res.Cause)
	assert.Equal(t, ExitCrash, res.ExitCode())

	require.Len(t, res.Diagnostics, 3)
	assert.Equal(t, types.RankCrashed, res.Diagnostics[1].State)
	assert.Equal(t, 3, res.Diagnostics[1].ExitCode)
	assert.True(t, res.Diagnostics[1].Trigger)
	for _, r := range []int{0, 2} {
		assert.Equal(t, types.RankKilled, res.Diagnostics[r].State, "rank %d", r)
	}
}
