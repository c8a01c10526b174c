package supervisor

import (
	"time"

	"github.com/ChuLiYu/rankwatch/pkg/types"
)

// Process exit codes of `rankwatch run`.
const (
	ExitSuccess         = 0
	ExitConfigError     = 2
	ExitHang            = 3
	ExitCrash           = 4
	ExitBudgetExhausted = 5
	ExitStraggler       = 6
	ExitLaunchFailure   = 7
	ExitInterrupted     = 130
	exitUnknownFailure  = 1
)

// RankDiagnosis describes one rank at the time of a snapshot or of the
// final decision.
type RankDiagnosis struct {
	Rank          types.RankID    `json:"rank"`
	Node          string          `json:"node"`
	PID           int             `json:"pid,omitempty"`
	State         types.RankState `json:"state"`
	LocalStatus   string          `json:"local_status,omitempty"`
	Cause         types.Cause     `json:"cause,omitempty"`
	Trigger       bool            `json:"trigger"`
	Progress      uint64          `json:"progress"`
	Missed        int             `json:"missed_intervals"`
	LastHeartbeat time.Time       `json:"last_heartbeat,omitempty"`
	Straggler     bool            `json:"straggler"`
	Exited        bool            `json:"exited"`
	ExitCode      int             `json:"exit_code,omitempty"`
	ExitSignal    string          `json:"exit_signal,omitempty"`
	Detail        string          `json:"detail,omitempty"`
}

// Result is the final outcome of a supervised job.
type Result struct {
	RunID        string         `json:"run_id"`
	State        types.JobState `json:"state"`
	Attempt      int            `json:"attempt"`
	RestartCount int            `json:"restart_count"`
	// Cause is why the job ended; Trigger is the rank-level condition that
	// started the last restart cycle, which differs once the budget runs out.
	Cause       types.Cause     `json:"cause,omitempty"`
	Trigger     types.Cause     `json:"trigger,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
	Diagnostics []RankDiagnosis `json:"diagnostics"`
}

// ExitCode maps the outcome to the process exit code of `rankwatch run`.
func (r Result) ExitCode() int {
	switch r.State {
	case types.JobCompleted:
		return ExitSuccess
	case types.JobStopped:
		return ExitInterrupted
	}
	return CauseExitCode(r.Cause)
}

// CauseExitCode maps a failure cause to an exit code.
func CauseExitCode(c types.Cause) int {
	switch c {
	case types.CauseConfigurationError:
		return ExitConfigError
	case types.CauseRankHang:
		return ExitHang
	case types.CauseRankCrash:
		return ExitCrash
	case types.CauseRestartBudgetExhausted:
		return ExitBudgetExhausted
	case types.CauseStragglerDegradation:
		return ExitStraggler
	case types.CauseLaunchFailure:
		return ExitLaunchFailure
	case types.CauseInterrupted:
		return ExitInterrupted
	default:
		return exitUnknownFailure
	}
}

// Triggers returns the ranks that started the last decision.
func (r Result) Triggers() []types.RankID {
	var out []types.RankID
	for _, d := range r.Diagnostics {
		if d.Trigger {
			out = append(out, d.Rank)
		}
	}
	return out
}
