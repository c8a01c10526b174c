package launcher

import (
	"context"
	"syscall"

	"github.com/ChuLiYu/rankwatch/pkg/types"
)

// SpawnRequest starts one rank process. Env is added to the spawning
// host's own environment.
type SpawnRequest struct {
	Rank    types.RankID `json:"rank"`
	Attempt int          `json:"attempt"`
	Command []string     `json:"command"`
	Env     []string     `json:"env,omitempty"`
	WorkDir string       `json:"work_dir,omitempty"`
}

// ExitStatus is how a process ended.
type ExitStatus struct {
	Code   int    `json:"code"`             // -1 when killed by a signal or lost
	Signal string `json:"signal,omitempty"` // terminating signal, if any
	Err    string `json:"error,omitempty"`  // wait or transport failure
}

// Success reports a clean zero exit.
func (s ExitStatus) Success() bool {
	return s.Code == 0 && s.Signal == "" && s.Err == ""
}

// Process is a running rank process on some node.
type Process interface {
	PID() int
	// Signal delivers sig to the process group.
	Signal(sig syscall.Signal) error
	// Kill force-kills the process group and any escaped descendants.
	Kill() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// ExitStatus is valid after Done is closed.
	ExitStatus() ExitStatus
}

// Spawner starts processes on one node or a class of nodes.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (Process, error)
}
