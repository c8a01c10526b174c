// Package types defines the domain model shared by the rankwatch agent,
// supervisor and launcher.
package types

import (
	"fmt"
	"time"
)

// RankID identifies one worker within a job. Ids are contiguous from 0.
type RankID int

// RankState is the supervisor's view of one rank.
type RankState string

const (
	RankStarting        RankState = "starting"         // spawned, no heartbeat applied yet
	RankRunning         RankState = "running"          // heartbeats arriving on time
	RankHeartbeatMissed RankState = "heartbeat_missed" // at least one interval missed, below threshold
	RankHung            RankState = "hung"             // threshold reached or agent reported a local hang

	// Terminated sub-states.
	RankCrashed       RankState = "crashed"        // unexpected nonzero exit
	RankKilled        RankState = "killed"         // stopped by the launcher
	RankVoluntaryExit RankState = "voluntary_exit" // exited on its own or on a shutdown command
)

// Terminated reports whether the state is one of the Terminated sub-states.
func (s RankState) Terminated() bool {
	return s == RankCrashed || s == RankKilled || s == RankVoluntaryExit
}

// JobState is the global state of one supervised cohort.
type JobState string

const (
	JobLaunching  JobState = "launching"
	JobRunning    JobState = "running"
	JobRestarting JobState = "restarting"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
	JobStopped    JobState = "stopped" // external shutdown request
)

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobStopped
}

// LocalStatus is the optional status flag an agent attaches to heartbeats.
type LocalStatus uint8

const (
	StatusUnset     LocalStatus = iota // field absent on the wire
	StatusOK                           // making progress
	StatusHung                         // no progress within the local hang timeout
	StatusSlowPhase                    // workload announced a legitimately slow phase
)

func (s LocalStatus) String() string {
	switch s {
	case StatusUnset:
		return "unset"
	case StatusOK:
		return "ok"
	case StatusHung:
		return "hung"
	case StatusSlowPhase:
		return "slow_phase"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Cause classifies why a rank or job changed state.
type Cause string

const (
	CauseNone                   Cause = ""
	CauseTransientNetworkLoss   Cause = "transient_network_loss"
	CauseRankHang               Cause = "rank_hang"
	CauseRankCrash              Cause = "rank_crash"
	CauseStragglerDegradation   Cause = "straggler_degradation"
	CauseConfigurationError     Cause = "configuration_error"
	CauseRestartBudgetExhausted Cause = "restart_budget_exhausted"
	CauseLaunchFailure          Cause = "launch_failure"
	CauseInterrupted            Cause = "interrupted"
)

// TriggersRestart reports whether a rank-level cause requires a cohort restart.
// Straggler degradation is policy controlled and handled by the supervisor.
func (c Cause) TriggersRestart() bool {
	return c == CauseRankHang || c == CauseRankCrash
}

// Exit codes used by processes running the rank agent.
const (
	ExitCodeSuccess  = 0
	ExitCodeShutdown = 123 // terminated on a supervisor shutdown command
	ExitCodeHang     = 124 // self-terminated after a local hang
)

// PerformanceSample is one duration measurement for an interval.
type PerformanceSample struct {
	Rank     RankID        `json:"rank"`
	Interval uint64        `json:"interval"`
	Duration time.Duration `json:"duration"`
}

// Heartbeat is a periodic liveness and progress report from one rank.
type Heartbeat struct {
	Rank      RankID             `json:"rank"`
	Attempt   int                `json:"attempt"`
	Timestamp time.Time          `json:"timestamp"`
	Progress  uint64             `json:"progress"`
	Status    LocalStatus        `json:"status,omitempty"`
	Sample    *PerformanceSample `json:"sample,omitempty"`
}
