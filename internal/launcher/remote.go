package launcher

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// rpcTimeout bounds Spawn and Signal calls to a node agent.
const rpcTimeout = 10 * time.Second

// RemoteSpawner starts rank processes through a node agent over gRPC.
type RemoteSpawner struct {
	conn grpc.ClientConnInterface
	node string
}

// NewRemoteSpawner uses an existing connection to node's agent.
func NewRemoteSpawner(conn grpc.ClientConnInterface, node string) *RemoteSpawner {
	return &RemoteSpawner{conn: conn, node: node}
}

// DialNode connects to a node agent at target (host:port).
func DialNode(target, node string, opts ...grpc.DialOption) (*RemoteSpawner, *grpc.ClientConn, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	conn, err := grpc.NewClient(target, append(base, opts...)...)
	if err != nil {
		return nil, nil, fmt.Errorf("dial node %s at %s: %w", node, target, err)
	}
	return NewRemoteSpawner(conn, node), conn, nil
}

func (s *RemoteSpawner) invoke(ctx context.Context, method string, in, out any) error {
	return s.conn.Invoke(ctx, method, in, out, grpc.CallContentSubtype(codecName))
}

func (s *RemoteSpawner) Spawn(ctx context.Context, req SpawnRequest) (Process, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	var reply SpawnReply
	if err := s.invoke(ctx, methodSpawn, &req, &reply); err != nil {
		return nil, fmt.Errorf("node %s: %w", s.node, err)
	}

	waitCtx, waitCancel := context.WithCancel(context.Background())
	p := &remoteProcess{
		spawner: s,
		id:      reply.ID,
		pid:     reply.PID,
		done:    make(chan struct{}),
		cancel:  waitCancel,
	}
	go p.wait(waitCtx)
	return p, nil
}

type remoteProcess struct {
	spawner *RemoteSpawner
	id      string
	pid     int
	done    chan struct{}
	cancel  context.CancelFunc

	mu     sync.Mutex
	status ExitStatus
}

// wait holds a Wait call open until the process exits. Losing the node
// agent counts as an abnormal exit.
func (p *remoteProcess) wait(ctx context.Context) {
	defer p.cancel()

	var st ExitStatus
	if err := p.spawner.invoke(ctx, methodWait, &WaitRequest{ID: p.id}, &st); err != nil {
		st = ExitStatus{Code: -1, Err: fmt.Sprintf("lost contact with node %s: %v", p.spawner.node, err)}
	}

	p.mu.Lock()
	p.status = st
	p.mu.Unlock()
	close(p.done)
}

func (p *remoteProcess) PID() int { return p.pid }

func (p *remoteProcess) Done() <-chan struct{} { return p.done }

func (p *remoteProcess) ExitStatus() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *remoteProcess) Signal(sig syscall.Signal) error {
	return p.send(&SignalRequest{ID: p.id, Signal: int(sig)})
}

func (p *remoteProcess) Kill() error {
	return p.send(&SignalRequest{ID: p.id, Kill: true})
}

func (p *remoteProcess) send(req *SignalRequest) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	if err := p.spawner.invoke(ctx, methodSignal, req, &Empty{}); err != nil {
		// the agent forgets a process once it has exited
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return fmt.Errorf("node %s: %w", p.spawner.node, err)
	}
	return nil
}
