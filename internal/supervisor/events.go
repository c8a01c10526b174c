package supervisor

import (
	"time"

	"github.com/ChuLiYu/rankwatch/internal/launcher"
	"github.com/ChuLiYu/rankwatch/pkg/types"
)

// event is anything the decision loop applies.
type event interface {
	isEvent()
}

type heartbeatEvent struct {
	hb types.Heartbeat
	at time.Time // arrival, supervisor clock
}

type sampleEvent struct {
	sample types.PerformanceSample
}

type exitEvent struct {
	launcher.ExitEvent
}

// stopDoneEvent completes a StopAll phase.
type stopDoneEvent struct {
	attempt int
	report  launcher.TerminateReport
	err     error
}

// launchedEvent completes a Launch or Relaunch phase.
type launchedEvent struct {
	attempt int
	refs    []launcher.HandleRef
	err     error
}

func (heartbeatEvent) isEvent() {}
func (sampleEvent) isEvent() {}
func (exitEvent) isEvent() {}
func (stopDoneEvent) isEvent() {}
func (launchedEvent) isEvent() {}
