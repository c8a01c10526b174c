package launcher

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/ChuLiYu/rankwatch/pkg/types"
)

// LocalNode is the placement node name served by the default spawner.
const LocalNode = "local"

// RankPlacement maps one rank onto a node.
type RankPlacement struct {
	Rank      types.RankID `json:"rank" yaml:"rank"`
	Node      string       `json:"node" yaml:"node"`
	LocalRank int          `json:"local_rank" yaml:"local_rank"`
}

// JobSpec is everything needed to (re)launch the cohort.
type JobSpec struct {
	RunID     string
	RankCount int
	Placement []RankPlacement
	Command   []string
	Env       map[string]string
	WorkDir   string

	// Exported to every rank so its agent can find the supervisor.
	HeartbeatAddr     string
	HeartbeatInterval time.Duration
	HangTimeout       time.Duration
	MaxRestarts       int
	TerminationSignal syscall.Signal
}

// LocalPlacement puts n ranks on one node with local rank == rank.
func LocalPlacement(n int) []RankPlacement {
	out := make([]RankPlacement, n)
	for i := range out {
		out[i] = RankPlacement{Rank: types.RankID(i), Node: LocalNode, LocalRank: i}
	}
	return out
}

// BlockPlacement fills nodes in order with perNode ranks each.
func BlockPlacement(nodes []string, perNode int) []RankPlacement {
	out := make([]RankPlacement, 0, len(nodes)*perNode)
	for _, node := range nodes {
		for l := 0; l < perNode; l++ {
			out = append(out, RankPlacement{Rank: types.RankID(len(out)), Node: node, LocalRank: l})
		}
	}
	return out
}

// Validate checks that placement covers ranks 0..RankCount-1 exactly once.
func (s JobSpec) Validate() error {
	if s.RankCount < 1 {
		return fmt.Errorf("launcher: rank count must be >= 1, got %d", s.RankCount)
	}
	if len(s.Command) == 0 || s.Command[0] == "" {
		return errors.New("launcher: empty command")
	}
	if len(s.Placement) != s.RankCount {
		return fmt.Errorf("launcher: placement has %d entries for %d ranks", len(s.Placement), s.RankCount)
	}
	seen := make([]bool, s.RankCount)
	for _, p := range s.Placement {
		if int(p.Rank) < 0 || int(p.Rank) >= s.RankCount {
			return fmt.Errorf("launcher: rank %d out of range", p.Rank)
		}
		if seen[p.Rank] {
			return fmt.Errorf("launcher: rank %d placed twice", p.Rank)
		}
		seen[p.Rank] = true
	}
	return nil
}

// sortedPlacement returns the placement in rank order.
func (s JobSpec) sortedPlacement() []RankPlacement {
	out := append([]RankPlacement(nil), s.Placement...)
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

func (s JobSpec) localWorldSize(node string) int {
	n := 0
	for _, p := range s.Placement {
		if p.Node == node {
			n++
		}
	}
	return n
}

// Environ is the extra environment of one rank process for an attempt.
// Job-level variables come first so rank identity always wins.
func (s JobSpec) Environ(p RankPlacement, attempt int) []string {
	env := make([]string, 0, len(s.Env)+12)
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+s.Env[k])
	}

	sig := s.TerminationSignal
	if sig == 0 {
		sig = syscall.SIGTERM
	}
	env = append(env,
		types.EnvRank+"="+strconv.Itoa(int(p.Rank)),
		types.EnvLocalRank+"="+strconv.Itoa(p.LocalRank),
		types.EnvWorldSize+"="+strconv.Itoa(s.RankCount),
		types.EnvLocalWorldSize+"="+strconv.Itoa(s.localWorldSize(p.Node)),
		types.EnvNodeID+"="+p.Node,
		types.EnvRestartCount+"="+strconv.Itoa(attempt),
		types.EnvMaxRestarts+"="+strconv.Itoa(s.MaxRestarts),
		types.EnvRunID+"="+s.RunID,
		types.EnvHeartbeatAddr+"="+s.HeartbeatAddr,
		types.EnvTermSignal+"="+signalName(sig),
	)
	if s.HeartbeatInterval > 0 {
		env = append(env, types.EnvHeartbeatInterval+"="+s.HeartbeatInterval.String())
	}
	if s.HangTimeout > 0 {
		env = append(env, types.EnvHangTimeout+"="+s.HangTimeout.String())
	}
	return env
}

var signalNames = map[syscall.Signal]string{
	syscall.SIGTERM: "SIGTERM",
	syscall.SIGINT:  "SIGINT",
	syscall.SIGHUP:  "SIGHUP",
	syscall.SIGQUIT: "SIGQUIT",
	syscall.SIGUSR1: "SIGUSR1",
	syscall.SIGUSR2: "SIGUSR2",
	syscall.SIGKILL: "SIGKILL",
}

func signalName(sig syscall.Signal) string {
	if name, ok := signalNames[sig]; ok {
		return name
	}
	return strconv.Itoa(int(sig))
}
