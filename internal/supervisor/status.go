package supervisor

import (
	"time"

	"github.com/ChuLiYu/rankwatch/pkg/types"
)

// Status is an immutable snapshot of the supervisor state, published by
// the decision loop after every step.
type Status struct {
	RunID        string          `json:"run_id"`
	State        types.JobState  `json:"state"`
	Attempt      int             `json:"attempt"`
	RestartCount int             `json:"restart_count"`
	MaxRetries   int             `json:"max_retries"`
	Cause        types.Cause     `json:"cause,omitempty"`
	Stopping     bool            `json:"stopping"`
	StragglerMed time.Duration   `json:"straggler_median"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Ranks        []RankDiagnosis `json:"ranks"`
}

// Rank returns the diagnosis of one rank.
func (s *Status) Rank(id types.RankID) (RankDiagnosis, bool) {
	if s == nil || int(id) < 0 || int(id) >= len(s.Ranks) {
		return RankDiagnosis{}, false
	}
	return s.Ranks[id], true
}

// Counts tallies ranks per state.
func (s *Status) Counts() map[types.RankState]int {
	out := make(map[types.RankState]int)
	if s == nil {
		return out
	}
	for _, r := range s.Ranks {
		out[r.State]++
	}
	return out
}
