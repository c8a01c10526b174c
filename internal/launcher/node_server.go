package launcher

import (
	"context"
	"log/slog"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NodeServer runs rank processes on behalf of a remote supervisor.
type NodeServer struct {
	spawner Spawner
	log     *slog.Logger

	mu    sync.Mutex
	procs map[string]Process
}

// NewNodeServer serves spawn requests with sp, usually a LocalSpawner.
func NewNodeServer(sp Spawner, logger *slog.Logger) *NodeServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeServer{
		spawner: sp,
		log:     logger.With("component", "node-agent"),
		procs:   make(map[string]Process),
	}
}

func (s *NodeServer) Spawn(ctx context.Context, req *SpawnRequest) (*SpawnReply, error) {
	proc, err := s.spawner.Spawn(ctx, *req)
	if err != nil {
		s.log.Error("spawn failed", "rank", req.Rank, "error", err)
		return nil, status.Errorf(codes.FailedPrecondition, "spawn rank %d: %v", req.Rank, err)
	}
	id := uuid.NewString()

	s.mu.Lock()
	s.procs[id] = proc
	s.mu.Unlock()

	s.log.Info("rank spawned", "rank", req.Rank, "attempt", req.Attempt, "pid", proc.PID(), "id", id)
	return &SpawnReply{ID: id, PID: proc.PID()}, nil
}

func (s *NodeServer) lookup(id string) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proc, ok := s.procs[id]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown process %q", id)
	}
	return proc, nil
}

func (s *NodeServer) Signal(_ context.Context, req *SignalRequest) (*Empty, error) {
	proc, err := s.lookup(req.ID)
	if err != nil {
		return nil, err
	}
	if req.Kill {
		err = proc.Kill()
	} else {
		err = proc.Signal(syscall.Signal(req.Signal))
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &Empty{}, nil
}

// Wait blocks until the process exits; the process is forgotten afterwards.
func (s *NodeServer) Wait(ctx context.Context, req *WaitRequest) (*ExitStatus, error) {
	proc, err := s.lookup(req.ID)
	if err != nil {
		return nil, err
	}
	select {
	case <-proc.Done():
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}

	s.mu.Lock()
	delete(s.procs, req.ID)
	s.mu.Unlock()

	st := proc.ExitStatus()
	return &st, nil
}

// Close force-kills every process still running.
func (s *NodeServer) Close() {
	s.mu.Lock()
	procs := make([]Process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	for _, p := range procs {
		if err := p.Kill(); err != nil {
			s.log.Warn("kill on close failed", "pid", p.PID(), "error", err)
		}
	}
}
