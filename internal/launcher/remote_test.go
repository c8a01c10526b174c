package launcher

import (
	"context"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/rankwatch/pkg/types"
)

func startNodeServer(t *testing.T, sp Spawner) *RemoteSpawner {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	node := NewNodeServer(sp, nil)
	RegisterNodeSpawnerServer(gs, node)
	go gs.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		node.Close()
		conn.Close()
		gs.Stop()
	})
	return NewRemoteSpawner(conn, "node-b")
}

func TestRemoteSpawnSignalWait(t *testing.T) {
	fake := newFakeSpawner()
	remote := startNodeServer(t, fake)

	p, err := remote.Spawn(context.Background(), SpawnRequest{Rank: 2, Attempt: 1, Command: []string{"worker"}})
	require.NoError(t, err)
	assert.Equal(t, 1102, p.PID())

	require.NoError(t, p.Signal(syscall.SIGTERM))

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("remote process did not report exit")
	}
	assert.Equal(t, types.ExitCodeShutdown, p.ExitStatus().Code)

	// signalling an exited process is a no-op
	assert.NoError(t, p.Kill())
}

func TestRemoteKill(t *testing.T) {
	fake := newFakeSpawner()
	fake.stubborn[0] = true
	remote := startNodeServer(t, fake)

	p, err := remote.Spawn(context.Background(), SpawnRequest{Rank: 0, Command: []string{"worker"}})
	require.NoError(t, err)
	require.NoError(t, p.Kill())

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("remote process did not report exit")
	}
	assert.Equal(t, "SIGKILL", p.ExitStatus().Signal)
	assert.True(t, fake.proc(0).wasKilled())
}

func TestRemoteSpawnFailure(t *testing.T) {
	fake := newFakeSpawner()
	fake.failRank = 0
	remote := startNodeServer(t, fake)

	_, err := remote.Spawn(context.Background(), SpawnRequest{Rank: 0, Command: []string{"worker"}})
	assert.Error(t, err)
}

func TestLauncherOverRemoteNode(t *testing.T) {
	fake := newFakeSpawner()
	remote := startNodeServer(t, fake)

	l, err := New(Options{Nodes: map[string]Spawner{"node-b": remote}})
	require.NoError(t, err)
	defer l.Close()

	spec := testSpec(2)
	spec.Placement = BlockPlacement([]string{"node-b"}, 2)
	refs, err := l.Launch(context.Background(), spec, 0)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "node-b", refs[1].Node)

	report, err := l.Terminate(context.Background(), refs, 5*time.Second)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.RankID{0, 1}, report.Graceful)
}
