package launcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/rankwatch/pkg/types"
)

type fakeProc struct {
	pid  int
	obey bool
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	status  ExitStatus
	signals []syscall.Signal
	killed  bool
}

func newFakeProc(pid int, obey bool) *fakeProc {
	return &fakeProc{pid: pid, obey: obey, done: make(chan struct{})}
}

func (p *fakeProc) PID() int { return p.pid }

func (p *fakeProc) Done() <-chan struct{} { return p.done }

func (p *fakeProc) ExitStatus() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *fakeProc) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if p.obey {
		p.exit(ExitStatus{Code: types.ExitCodeShutdown})
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit(ExitStatus{Code: -1, Signal: "SIGKILL"})
	return nil
}

func (p *fakeProc) exit(st ExitStatus) {
	p.once.Do(func() {
		p.mu.Lock()
		p.status = st
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProc) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

type fakeSpawner struct {
	mu       sync.Mutex
	failRank types.RankID
	stubborn map[types.RankID]bool
	procs    map[types.RankID]*fakeProc
	reqs     []SpawnRequest
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{failRank: -1, stubborn: map[types.RankID]bool{}, procs: map[types.RankID]*fakeProc{}}
}

func (s *fakeSpawner) Spawn(_ context.Context, req SpawnRequest) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.Rank == s.failRank {
		return nil, errors.New("exec format error")
	}
	p := newFakeProc(1000+int(req.Rank)+100*req.Attempt, !s.stubborn[req.Rank])
	s.procs[req.Rank] = p
	s.reqs = append(s.reqs, req)
	return p, nil
}

func (s *fakeSpawner) proc(r types.RankID) *fakeProc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[r]
}

func testSpec(n int) JobSpec {
	return JobSpec{
		RunID:             "run-1",
		RankCount:         n,
		Placement:         LocalPlacement(n),
		Command:           []string{"worker", "--flag"},
		Env:               map[string]string{"FOO": "bar"},
		HeartbeatAddr:     "127.0.0.1:29400",
		HeartbeatInterval: time.Second,
		MaxRestarts:       3,
	}
}

func newTestLauncher(t *testing.T, sp Spawner) *Launcher {
	t.Helper()
	l, err := New(Options{Default: sp, BackoffBase: 10 * time.Millisecond, BackoffCap: 40 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLaunchSpawnsOneProcessPerRank(t *testing.T) {
	sp := newFakeSpawner()
	l := newTestLauncher(t, sp)

	refs, err := l.Launch(context.Background(), testSpec(4), 0)
	require.NoError(t, err)
	require.Len(t, refs, 4)
	for i, ref := range refs {
		assert.Equal(t, types.RankID(i), ref.Rank)
		assert.Equal(t, 1000+i, ref.PID)
		assert.Equal(t, LocalNode, ref.Node)
	}
	assert.Len(t, l.Live(), 4)

	env := strings.Join(sp.reqs[2].Env, "\n")
	assert.Contains(t, env, "FOO=bar")
	assert.Contains(t, env, "RANK=2")
	assert.Contains(t, env, "WORLD_SIZE=4")
	assert.Contains(t, env, "LOCAL_WORLD_SIZE=4")
	assert.Contains(t, env, "RESTART_COUNT=0")
	assert.Contains(t, env, "RUN_ID=run-1")
	assert.Contains(t, env, "RANKWATCH_HEARTBEAT_ADDR=127.0.0.1:29400")
	assert.Contains(t, env, "RANKWATCH_HEARTBEAT_INTERVAL=1s")
	assert.Contains(t, env, "RANKWATCH_TERM_SIGNAL=SIGTERM")
}

func TestLaunchFailureKillsPartialCohort(t *testing.T) {
	sp := newFakeSpawner()
	sp.failRank = 2
	l := newTestLauncher(t, sp)

	refs, err := l.Launch(context.Background(), testSpec(4), 0)
	require.Error(t, err)
	assert.Nil(t, refs)

	var lerr *LaunchError
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, types.RankID(2), lerr.Rank)

	assert.True(t, sp.proc(0).wasKilled())
	assert.True(t, sp.proc(1).wasKilled())
	assert.Nil(t, sp.proc(3), "no spawn after the failing rank")
	assert.Empty(t, l.Live())
}

func TestLaunchRejectsBadSpec(t *testing.T) {
	l := newTestLauncher(t, newFakeSpawner())

	spec := testSpec(3)
	spec.Placement = spec.Placement[:2]
	_, err := l.Launch(context.Background(), spec, 0)

	var lerr *LaunchError
	assert.True(t, errors.As(err, &lerr))
}

func TestTerminateGracefulAndForced(t *testing.T) {
	sp := newFakeSpawner()
	sp.stubborn[1] = true
	l := newTestLauncher(t, sp)

	refs, err := l.Launch(context.Background(), testSpec(3), 0)
	require.NoError(t, err)

	report, err := l.Terminate(context.Background(), refs, 50*time.Millisecond)
	require.NoError(t, err)

	assert.ElementsMatch(t, []types.RankID{0, 2}, report.Graceful)
	assert.Equal(t, []types.RankID{1}, report.Forced)
	assert.True(t, sp.proc(1).wasKilled())
	assert.False(t, sp.proc(0).wasKilled())
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, sp.proc(1).signals)
}

func TestTerminateCancelledEscalatesImmediately(t *testing.T) {
	sp := newFakeSpawner()
	sp.stubborn[0] = true
	l := newTestLauncher(t, sp)

	refs, err := l.Launch(context.Background(), testSpec(1), 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	report, err := l.Terminate(ctx, refs, time.Hour)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, []types.RankID{0}, report.Forced)
}

func TestExitsArePublished(t *testing.T) {
	sp := newFakeSpawner()
	l := newTestLauncher(t, sp)

	_, err := l.Launch(context.Background(), testSpec(2), 3)
	require.NoError(t, err)

	sp.proc(1).exit(ExitStatus{Code: 7})

	select {
	case ev := <-l.Exits():
		assert.Equal(t, types.RankID(1), ev.Ref.Rank)
		assert.Equal(t, 3, ev.Ref.Attempt)
		assert.Equal(t, 7, ev.Status.Code)
		assert.False(t, ev.Status.Success())
	case <-time.After(2 * time.Second):
		t.Fatal("no exit event")
	}

	require.Eventually(t, func() bool { return len(l.Live()) == 1 }, time.Second, 5*time.Millisecond)

	// an exited rank is reported as such by Terminate
	report, err := l.Terminate(context.Background(), []HandleRef{{Rank: 1, Attempt: 3}}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []types.RankID{1}, report.AlreadyExited)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	l, err := New(Options{Default: newFakeSpawner(), BackoffBase: time.Second, BackoffCap: 5 * time.Second})
	require.NoError(t, err)
	defer l.Close()

	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, l.NextDelay())
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}, got)
}

func TestRelaunchWaitsForBackoff(t *testing.T) {
	sp := newFakeSpawner()
	l := newTestLauncher(t, sp)

	start := time.Now()
	refs, err := l.Relaunch(context.Background(), testSpec(2), 1)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t, 1, refs[0].Attempt)
}

func TestRelaunchCancelled(t *testing.T) {
	l, err := New(Options{Default: newFakeSpawner(), BackoffBase: time.Hour, BackoffCap: time.Hour})
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Relaunch(ctx, testSpec(1), 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseKillsLiveProcesses(t *testing.T) {
	sp := newFakeSpawner()
	l, err := New(Options{Default: sp})
	require.NoError(t, err)

	_, err = l.Launch(context.Background(), testSpec(2), 0)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	assert.True(t, sp.proc(0).wasKilled())
	assert.True(t, sp.proc(1).wasKilled())

	_, err = l.Launch(context.Background(), testSpec(1), 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPlacementHelpers(t *testing.T) {
	p := BlockPlacement([]string{"a", "b"}, 2)
	require.Len(t, p, 4)
	assert.Equal(t, RankPlacement{Rank: 3, Node: "b", LocalRank: 1}, p[3])

	spec := testSpec(4)
	spec.Placement = p
	require.NoError(t, spec.Validate())
	assert.Contains(t, spec.Environ(p[3], 2), "LOCAL_WORLD_SIZE=2")

	spec.Placement[3].Rank = 0
	assert.Error(t, spec.Validate())
}
