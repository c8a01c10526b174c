package supervisor

import (
	"math"
	"time"

	"github.com/ChuLiYu/rankwatch/internal/config"
	"github.com/ChuLiYu/rankwatch/pkg/types"
)

// cadenceAlpha weights the newest inter-arrival gap in the cadence EWMA.
const cadenceAlpha = 0.2

// RankView is the read-only slice of rank state a TimeoutPolicy may use.
type RankView struct {
	Rank   types.RankID
	State  types.RankState
	Status types.LocalStatus
	// Cadence is the smoothed gap between heartbeat arrivals, zero until
	// two heartbeats have been applied.
	Cadence time.Duration
	Beats   int
}

// TimeoutPolicy yields the number of consecutive missed heartbeat
// intervals after which a rank is declared Hung.
type TimeoutPolicy interface {
	Threshold(v RankView) int
}

// FixedPolicy uses one threshold for every running rank and a separate,
// usually larger, one for ranks that have not sent their first heartbeat.
type FixedPolicy struct {
	Missed  int
	Initial int
}

func (p FixedPolicy) Threshold(v RankView) int {
	if v.State == types.RankStarting && p.Initial > 0 {
		return p.Initial
	}
	return p.Missed
}

// AdaptivePolicy widens the base threshold only while a rank reports a slow
// phase: by how slowly it has been observed to beat relative to the
// configured interval, then by SlowPhaseMultiplier, capped at Max. Outside a
// slow phase the fixed threshold applies, so a rank whose heartbeats drift
// apart cannot push out its own hang detection.
type AdaptivePolicy struct {
	Interval            time.Duration
	Missed              int
	Initial             int
	SlowPhaseMultiplier float64
	Max                 int
}

func (p AdaptivePolicy) Threshold(v RankView) int {
	if v.State == types.RankStarting && p.Initial > 0 {
		return p.Initial
	}

	if v.Status != types.StatusSlowPhase {
		return p.Missed
	}

	t := float64(p.Missed)
	if v.Cadence > p.Interval && p.Interval > 0 {
		t *= float64(v.Cadence) / float64(p.Interval)
	}
	if p.SlowPhaseMultiplier > 1 {
		t *= p.SlowPhaseMultiplier
	}

	n := int(math.Ceil(t))
	if n < p.Missed {
		n = p.Missed
	}
	if p.Max > 0 && n > p.Max {
		n = p.Max
	}
	return n
}

// NewPolicy picks the policy named by the restart policy.
func NewPolicy(p config.Policy) TimeoutPolicy {
	if p.AdaptiveTimeouts {
		return AdaptivePolicy{
			Interval:            p.HeartbeatInterval,
			Missed:              p.MissedHeartbeatThreshold,
			Initial:             p.InitialThreshold(),
			SlowPhaseMultiplier: p.SlowPhaseMultiplier,
			Max:                 p.MaxAdaptiveThreshold,
		}
	}
	return FixedPolicy{Missed: p.MissedHeartbeatThreshold, Initial: p.InitialThreshold()}
}

// smoothCadence folds one inter-arrival gap into the running average.
func smoothCadence(prev, gap time.Duration) time.Duration {
	if prev == 0 {
		return gap
	}
	return time.Duration(cadenceAlpha*float64(gap) + (1-cadenceAlpha)*float64(prev))
}
