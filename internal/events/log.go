package events

import (
	"github.com/golang/glog"

	"blockci/internal/core"
)

// LogSink writes events to glog. Step events only show up at -v=2.
type LogSink struct{}

func (LogSink) Observe(ev core.Event) {
	switch ev.Kind {
	case core.EventPipelineStarted:
		glog.Infof("[%s] pipeline %s started", ev.RunID, ev.Pipeline)
	case core.EventPipelineFinished:
		if r := ev.PipelineResult; r != nil {
			glog.Infof("[%s] pipeline %s %s in %s", ev.RunID, ev.Pipeline, r.Status, r.FinishedAt.Sub(r.StartedAt))
		}
	case core.EventJobStarted:
		glog.Infof("[%s] %s started on %s", ev.RunID, ev.Job, ev.Worker)
	case core.EventJobFinished:
		if r := ev.Result; r != nil {
			glog.Infof("[%s] %s %s %s", ev.RunID, ev.Job, r.Status, r.Reason)
		}
	case core.EventStepStarted:
		glog.V(2).Infof("[%s] %s (%s) $ %s", ev.RunID, ev.Job, ev.Phase, ev.Command)
	case core.EventStepFinished:
		glog.V(2).Infof("[%s] %s (%s) exit %d, output %s", ev.RunID, ev.Job, ev.Phase, ev.ExitCode, ev.Output)
	}
}
