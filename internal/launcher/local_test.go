package launcher

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/rankwatch/pkg/types"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func waitDone(t *testing.T, p Process) ExitStatus {
	t.Helper()
	select {
	case <-p.Done():
		return p.ExitStatus()
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit")
		return ExitStatus{}
	}
}

func TestLocalSpawnerExitCode(t *testing.T) {
	requireShell(t)
	sp := &LocalSpawner{Stdout: io.Discard, Stderr: io.Discard}

	p, err := sp.Spawn(context.Background(), SpawnRequest{Rank: 0, Command: []string{"sh", "-c", "exit 3"}})
	require.NoError(t, err)
	assert.Positive(t, p.PID())

	st := waitDone(t, p)
	assert.Equal(t, 3, st.Code)
	assert.Empty(t, st.Signal)
	assert.False(t, st.Success())
}

func TestLocalSpawnerPassesEnvironment(t *testing.T) {
	requireShell(t)
	var out bytes.Buffer
	sp := &LocalSpawner{Stdout: &out, Stderr: io.Discard}

	p, err := sp.Spawn(context.Background(), SpawnRequest{
		Rank:    1,
		Command: []string{"sh", "-c", `echo "rank=$RANK"`},
		Env:     []string{types.EnvRank + "=1"},
	})
	require.NoError(t, err)

	st := waitDone(t, p)
	assert.True(t, st.Success())
	assert.Contains(t, out.String(), "rank=1")
}

func TestLocalSpawnerMissingBinary(t *testing.T) {
	sp := NewLocalSpawner()
	_, err := sp.Spawn(context.Background(), SpawnRequest{Command: []string{"/nonexistent/rankwatch-worker"}})
	assert.Error(t, err)
}

func TestLocalTerminateGraceful(t *testing.T) {
	requireShell(t)
	l, err := New(Options{Default: &LocalSpawner{Stdout: io.Discard, Stderr: io.Discard}})
	require.NoError(t, err)
	defer l.Close()

	spec := testSpec(2)
	spec.Command = []string{"sleep", "30"}
	refs, err := l.Launch(context.Background(), spec, 0)
	require.NoError(t, err)

	report, err := l.Terminate(context.Background(), refs, 5*time.Second)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.RankID{0, 1}, report.Graceful)
	assert.Empty(t, report.Forced)
}

func TestLocalTerminateForcesIgnoredSignal(t *testing.T) {
	requireShell(t)
	l, err := New(Options{Default: &LocalSpawner{Stdout: io.Discard, Stderr: io.Discard}})
	require.NoError(t, err)
	defer l.Close()

	spec := testSpec(1)
	// sh ignores TERM and so does the sleep it starts
	spec.Command = []string{"sh", "-c", `trap "" TERM; sleep 30`}
	refs, err := l.Launch(context.Background(), spec, 0)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	report, err := l.Terminate(context.Background(), refs, 200*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []types.RankID{0}, report.Forced)
	assert.Empty(t, report.Unreaped)

	select {
	case ev := <-l.Exits():
		assert.Equal(t, "SIGKILL", ev.Status.Signal)
	case <-time.After(5 * time.Second):
		t.Fatal("no exit event after kill")
	}
}
