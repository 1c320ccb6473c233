package ketch

import "github.com/linroid/ketch/internal/model"

// Start loads every persisted TaskRecord and rehydrates it per spec
// §4.8: SCHEDULED tasks are re-gated under their saved schedule (with
// conditions treated as unset, since conditions are never serialized);
// QUEUED and DOWNLOADING tasks are re-admitted to the queue with
// preferResume=true; PAUSED tasks stay paused; terminal tasks keep
// their final published value. Also starts the scheduler's internal
// cron runner.
func (e *Engine) Start() error {
	e.scheduler.Start()

	records, err := e.store.LoadAll()
	if err != nil {
		return err
	}

	for i := range records {
		record := records[i]
		dt := e.lookupTask(record.TaskID)
		if dt == nil {
			dt = e.newTask(&record)
			e.registerTask(dt)
		}

		switch record.State {
		case model.StateScheduled:
			req := record.Request
			req.Conditions = nil
			e.scheduler.Schedule(record.TaskID, req)
		case model.StateQueued, model.StateDownloading:
			e.scheduleEnqueue(record.TaskID, record.Request)
		case model.StatePaused:
			dt.State.Set(model.Paused(model.NewProgress(record.DownloadedBytes, record.TotalBytes, 0)))
		default:
			dt.State.Set(stateFromRecord(record))
		}
	}
	return nil
}
