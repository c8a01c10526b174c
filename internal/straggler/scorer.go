// ============================================================================
// Straggler scorer
// ============================================================================
//
// Package: internal/straggler
// File: scorer.go
// Purpose: turn per-interval duration samples into a persistent
//          "this rank is slow" signal
//
// For every interval in which all N ranks reported a duration:
//
//   score(rank) = duration(rank) / median(durations of the interval)
//
// A rank qualifies for the interval when score > threshold. It is flagged
// only after persistence consecutive qualifying intervals, and a single
// non-qualifying interval resets its streak and clears the flag. Intervals
// that were never scored break the run: scoring interval k after k-2 starts
// every streak over.
//
// Intervals are scored in the order they complete. Samples for an interval
// at or below the last scored one are dropped; incomplete intervals older
// than the newest scored one are discarded with it.
//
// A Scorer is not safe for concurrent use. The supervisor loop owns it.
//
// ============================================================================

package straggler

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ChuLiYu/rankwatch/pkg/types"
)

// maxPending bounds the number of incomplete intervals kept in memory.
const maxPending = 64

var (
	// ErrUnknownRank is returned for samples from a rank outside 0..N-1.
	ErrUnknownRank = errors.New("straggler: unknown rank")
	// ErrStaleInterval is returned for samples of an interval already scored.
	ErrStaleInterval = errors.New("straggler: interval already scored")
	// ErrIncomplete is returned when scoring an interval missing samples.
	ErrIncomplete = errors.New("straggler: interval incomplete")
)

// Score is one rank's result for one interval.
type Score struct {
	Rank       types.RankID  `json:"rank"`
	Interval   uint64        `json:"interval"`
	Duration   time.Duration `json:"duration"`
	Value      float64       `json:"score"`
	Qualifying bool          `json:"qualifying"`
}

// Scorer keeps per-rank streaks across intervals.
type Scorer struct {
	ranks       int
	threshold   float64
	persistence int

	pending      map[uint64]map[types.RankID]time.Duration
	lastScored   uint64
	scoredAny    bool
	streak       []int
	flagged      []bool
	lastMedian   time.Duration
	skippedZeros int
}

// New creates a scorer for a cohort of n ranks.
func New(n int, threshold float64, persistence int) *Scorer {
	if persistence < 1 {
		persistence = 1
	}
	return &Scorer{
		ranks:       n,
		threshold:   threshold,
		persistence: persistence,
		pending:     make(map[uint64]map[types.RankID]time.Duration),
		streak:      make([]int, n),
		flagged:     make([]bool, n),
	}
}

// Ingest records a sample and reports whether its interval is now complete.
// Re-sending a sample for a pending interval overwrites the earlier value.
func (s *Scorer) Ingest(sample types.PerformanceSample) (bool, error) {
	if int(sample.Rank) < 0 || int(sample.Rank) >= s.ranks {
		return false, fmt.Errorf("%w: %d", ErrUnknownRank, sample.Rank)
	}
	if s.scoredAny && sample.Interval <= s.lastScored {
		return false, ErrStaleInterval
	}

	durations, ok := s.pending[sample.Interval]
	if !ok {
		if len(s.pending) >= maxPending {
			s.evictOldest()
		}
		durations = make(map[types.RankID]time.Duration, s.ranks)
		s.pending[sample.Interval] = durations
	}
	durations[sample.Rank] = sample.Duration

	return len(durations) == s.ranks, nil
}

// ComputeScores scores a completed interval and updates streaks and flags.
// A zero median carries no information; the interval is consumed but leaves
// streaks untouched and returns no scores.
func (s *Scorer) ComputeScores(interval uint64) ([]Score, error) {
	if s.scoredAny && interval <= s.lastScored {
		return nil, ErrStaleInterval
	}
	durations, ok := s.pending[interval]
	if !ok || len(durations) < s.ranks {
		return nil, ErrIncomplete
	}

	if s.scoredAny && interval != s.lastScored+1 {
		s.clearStreaks()
	}

	values := make([]time.Duration, 0, s.ranks)
	for _, d := range durations {
		values = append(values, d)
	}
	median := Median(values)

	s.consume(interval)
	s.lastMedian = median
	if median <= 0 {
		s.skippedZeros++
		return nil, nil
	}

	scores := make([]Score, 0, s.ranks)
	for r := 0; r < s.ranks; r++ {
		rank := types.RankID(r)
		d := durations[rank]
		v := float64(d) / float64(median)
		q := v > s.threshold

		if q {
			s.streak[r]++
			if s.streak[r] >= s.persistence {
				s.flagged[r] = true
			}
		} else {
			s.streak[r] = 0
			s.flagged[r] = false
		}
		scores = append(scores, Score{Rank: rank, Interval: interval, Duration: d, Value: v, Qualifying: q})
	}
	return scores, nil
}

// consume marks an interval scored and forgets it and anything older.
func (s *Scorer) consume(interval uint64) {
	s.lastScored = interval
	s.scoredAny = true
	for id := range s.pending {
		if id <= interval {
			delete(s.pending, id)
		}
	}
}

func (s *Scorer) evictOldest() {
	ids := make([]uint64, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	delete(s.pending, slices.Min(ids))
}

// Flagged reports whether rank is currently a persistent straggler.
func (s *Scorer) Flagged(rank types.RankID) bool {
	if int(rank) < 0 || int(rank) >= s.ranks {
		return false
	}
	return s.flagged[rank]
}

// FlaggedRanks lists every flagged rank in ascending order.
func (s *Scorer) FlaggedRanks() []types.RankID {
	var out []types.RankID
	for r, f := range s.flagged {
		if f {
			out = append(out, types.RankID(r))
		}
	}
	return out
}

// Streak returns the current count of consecutive qualifying intervals.
func (s *Scorer) Streak(rank types.RankID) int {
	if int(rank) < 0 || int(rank) >= s.ranks {
		return 0
	}
	return s.streak[rank]
}

// LastMedian is the median of the most recently scored interval.
func (s *Scorer) LastMedian() time.Duration {
	return s.lastMedian
}

// SkippedIntervals counts complete intervals of the current cohort ignored
// for a zero median.
func (s *Scorer) SkippedIntervals() int {
	return s.skippedZeros
}

// Pending is the number of incomplete intervals held.
func (s *Scorer) Pending() int {
	return len(s.pending)
}

// ResetOnRestart discards all history. Interval ids restart with the cohort.
func (s *Scorer) ResetOnRestart() {
	s.pending = make(map[uint64]map[types.RankID]time.Duration)
	s.lastScored = 0
	s.scoredAny = false
	s.lastMedian = 0
	s.skippedZeros = 0
	s.clearStreaks()
}

func (s *Scorer) clearStreaks() {
	for r := range s.streak {
		s.streak[r] = 0
		s.flagged[r] = false
	}
}

// Median returns the median duration; the mean of the two middle values
// for an even count, zero for an empty slice.
func Median(values []time.Duration) time.Duration {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, values)
	slices.Sort(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
