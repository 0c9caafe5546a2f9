package blockchain

import (
	"github.com/golang/glog"

	"blockci/internal/core"
	"blockci/pkg/utils"
)

// Recorder chains every finished step and job of a run into the ledger.
type Recorder struct {
	Ledger *Ledger
}

func NewRecorder(l *Ledger) *Recorder { return &Recorder{Ledger: l} }

func (r *Recorder) Observe(ev core.Event) {
	var rec Record
	switch ev.Kind {
	case core.EventStepFinished:
		rec = Record{
			Kind:     KindStep,
			Command:  ev.Command,
			ExitCode: ev.ExitCode,
			LogPath:  ev.Output,
			LogHash:  hashLog(ev.Output),
		}
	case core.EventJobFinished:
		if ev.Result == nil {
			return
		}
		rec = Record{
			Kind:   KindJob,
			Status: string(ev.Result.Status),
			Reason: string(ev.Result.Reason),
		}
		if f := ev.Result.Failure; f != nil {
			rec.Command = f.Command
			rec.ExitCode = f.ExitCode
			rec.LogPath = f.Output
			rec.LogHash = hashLog(f.Output)
		}
	default:
		return
	}
	rec.RunID = ev.RunID
	rec.Pipeline = ev.Pipeline
	rec.Job = ev.Job
	rec.WorkerID = ev.Worker

	b, err := r.Ledger.Append(rec)
	if err != nil {
		glog.Errorf("ledger: cannot record %s of %s/%s: %v", ev.Kind, ev.RunID, ev.Job, err)
		return
	}
	glog.V(2).Infof("ledger: block %d %s", b.Index, b.Hash)
}

func hashLog(path string) string {
	if path == "" {
		return ""
	}
	h, err := utils.HashFile(path)
	if err != nil {
		glog.Warningf("ledger: cannot hash %s: %v", path, err)
		return ""
	}
	return h
}
