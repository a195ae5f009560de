package prometheus

import (
	"github.com/fluxorio/ekc/pkg/coordinator"
	"github.com/fluxorio/ekc/pkg/worker"
)

// CoordinatorObserver feeds coordinator events into m. counts reports the
// registry's Ready and Processing totals after each event.
func CoordinatorObserver(m *Metrics, counts func() (ready, processing int)) coordinator.Observer {
	return coordinator.ObserverFunc(func(ev coordinator.Event) {
		switch ev.Kind {
		case coordinator.EventStarted:
			m.TasksTotal.Set(float64(ev.Progress.Total))
		case coordinator.EventRegistered:
			m.WorkersRegistered.Inc()
		case coordinator.EventDispatched:
			m.TasksDispatched.Inc()
		case coordinator.EventCompleted:
			m.RecordTaskCompleted(ev.Elapsed)
		case coordinator.EventFailed:
			m.RecordTaskFailure(ev.Reason)
		}
		if counts != nil {
			m.UpdateWorkers(counts())
		}
	})
}

// WorkerObserver feeds worker events into m.
func WorkerObserver(m *Metrics) worker.Observer {
	return worker.ObserverFunc(func(ev worker.Event) {
		switch ev.Kind {
		case worker.EventCompiled:
			m.KernelCompiles.Inc()
		case worker.EventTaskCompleted:
			m.RecordGPUTask("completed", "", ev.Elapsed, ev.Bytes)
		case worker.EventTaskFailed:
			m.RecordGPUTask("failed", ev.Stage, ev.Elapsed, 0)
		case worker.EventAssignDropped:
			m.AssignsDropped.Inc()
		}
	})
}
