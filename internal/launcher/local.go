package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// LocalSpawner runs rank processes on this host, each in its own process
// group so a signal reaches everything the rank started.
type LocalSpawner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

// NewLocalSpawner writes child output to this process's stdout/stderr.
func NewLocalSpawner() *LocalSpawner {
	return &LocalSpawner{Stdout: os.Stdout, Stderr: os.Stderr}
}

func (s *LocalSpawner) Spawn(_ context.Context, req SpawnRequest) (Process, error) {
	if len(req.Command) == 0 {
		return nil, errors.New("launcher: empty command")
	}

	// The process outlives the spawn call, so it is not bound to ctx.
	cmd := exec.Command(req.Command[0], req.Command[1:]...)
	cmd.Env = append(os.Environ(), req.Env...)
	cmd.Dir = req.WorkDir
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start rank %d: %w", req.Rank, err)
	}

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &localProcess{
		cmd:  cmd,
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
		log:  logger.With("component", "launcher", "rank", req.Rank, "pid", cmd.Process.Pid),
	}
	go p.wait()
	return p, nil
}

type localProcess struct {
	cmd  *exec.Cmd
	pid  int
	done chan struct{}
	log  *slog.Logger

	mu     sync.Mutex
	status ExitStatus
}

func (p *localProcess) wait() {
	err := p.cmd.Wait()

	var st ExitStatus
	if ps := p.cmd.ProcessState; ps != nil {
		st.Code = ps.ExitCode()
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			st.Code = -1
			st.Signal = signalName(ws.Signal())
		}
	} else {
		st.Code = -1
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		st.Err = err.Error()
	}

	p.mu.Lock()
	p.status = st
	p.mu.Unlock()
	close(p.done)
}

func (p *localProcess) PID() int { return p.pid }

func (p *localProcess) Done() <-chan struct{} { return p.done }

func (p *localProcess) ExitStatus() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *localProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Signal targets the process group; the group id equals the pid.
func (p *localProcess) Signal(sig syscall.Signal) error {
	if p.exited() {
		return nil
	}
	if err := syscall.Kill(-p.pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signal %s to pgid %d: %w", signalName(sig), p.pid, err)
	}
	return nil
}

// Kill collects descendants first, since they are reparented once the
// group leader dies, then SIGKILLs the group and any that left it.
func (p *localProcess) Kill() error {
	if p.exited() {
		return nil
	}
	escaped := descendants(int32(p.pid))

	err := syscall.Kill(-p.pid, syscall.SIGKILL)
	if err != nil && errors.Is(err, syscall.ESRCH) {
		err = nil
	}
	for _, d := range escaped {
		if kerr := d.Kill(); kerr != nil && !errors.Is(kerr, process.ErrorProcessNotRunning) {
			p.log.Debug("descendant kill failed", "child_pid", d.Pid, "error", kerr)
		}
	}
	if err != nil {
		return fmt.Errorf("kill pgid %d: %w", p.pid, err)
	}
	return nil
}

// descendants walks the process tree below pid.
func descendants(pid int32) []*process.Process {
	root, err := process.NewProcess(pid)
	if err != nil {
		return nil
	}
	var out []*process.Process
	queue := []*process.Process{root}
	for len(queue) > 0 {
		children, err := queue[0].Children()
		queue = queue[1:]
		if err != nil {
			continue
		}
		out = append(out, children...)
		queue = append(queue, children...)
	}
	return out
}
