package ketch

import (
	"time"

	"sync"

	"github.com/linroid/ketch/internal/cell"
	"github.com/linroid/ketch/internal/model"
	"github.com/linroid/ketch/internal/queue"
)

// DownloadTask is the per-task view object spec §4.8 describes: it
// exposes State/Segments as observable cells and holds the lifecycle
// control methods (pause/resume/cancel/remove/setSpeedLimit/setPriority
// /setConnections/reschedule), resolving the "lifecycle actions as a
// closure bundle" DESIGN NOTE into a concrete type that captures its
// engine instead of a bundle of closures.
//
// record is the single TaskRecord instance handed to every
// coordinator.Start/Resume call for this task's lifetime; the
// coordinator mutates it in place while a run is active, and control
// methods here read/write it between runs under mu. Reads that race a
// genuinely in-flight run (rather than happening strictly before or
// after one, as every method below does) are not synchronized against
// the coordinator's own writes — use State/Segments for authoritative
// live values during an active run.
type DownloadTask struct {
	id     model.TaskId
	engine *Engine

	mu     sync.Mutex
	record *model.TaskRecord

	State    *cell.Cell[model.DownloadState]
	Segments *cell.Cell[[]model.Segment]
}

// ID returns the task's identifier.
func (t *DownloadTask) ID() TaskId { return t.id }

// Record returns a snapshot of the task's persisted fields.
func (t *DownloadTask) Record() TaskRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.record
}

// Pause stops the task wherever it currently is: a scheduled (gated)
// task has its gate withdrawn, a queued task is removed from the wait
// list, and an active task is paused via the coordinator (which itself
// persists state=PAUSED with resume state per spec §4.5 step 7). In
// every case the final published state is Paused.
func (t *DownloadTask) Pause() {
	if t.engine.scheduler.Withdraw(t.id) {
		t.markPausedDirect()
		return
	}
	if !t.engine.queue.Dequeue(t.id) {
		// Was only sitting in the wait list: no execution ever
		// started, so nothing downstream will publish Paused for us.
		t.markPausedDirect()
	}
	// If it was active, Dequeue's onPreempt (coordinator.Pause) already
	// blocked until the run unwound and persisted Paused; that run's
	// own completion handler reports the release to the queue.
}

func (t *DownloadTask) markPausedDirect() {
	t.mu.Lock()
	t.record.State = model.StatePaused
	t.record.UpdatedAt = time.Now()
	rec := *t.record
	t.mu.Unlock()
	t.engine.persist(rec)
	t.State.Set(model.Paused(model.NewProgress(rec.DownloadedBytes, rec.TotalBytes, 0)))
}

// Resume re-admits a paused (or interrupted) task to the queue with
// preferResume semantics, optionally overriding its destination
// directory first (spec §4.8's DownloadTask.resume(destinationOverride?)).
func (t *DownloadTask) Resume(destinationOverride string) {
	t.mu.Lock()
	if destinationOverride != "" {
		t.record.Request.DestinationDir = destinationOverride
		t.record.OutputPath = ""
	}
	t.record.State = model.StateQueued
	t.record.UpdatedAt = time.Now()
	entry := queue.Entry{
		TaskID:       t.id,
		URL:          t.record.Request.URL,
		Priority:     t.record.Request.Priority,
		CreatedAt:    t.record.CreatedAt,
		PreferResume: true,
	}
	rec := *t.record
	t.mu.Unlock()

	t.engine.persist(rec)
	t.State.Set(model.Queued())
	t.engine.queue.Enqueue(entry)
}

// Cancel stops the task wherever it is (withdrawing a gate, dequeuing a
// wait-list entry, or pausing an active run) and then runs the
// coordinator's terminal cancel: delete the partial file best-effort
// and persist state=CANCELED.
func (t *DownloadTask) Cancel() {
	t.engine.scheduler.Withdraw(t.id)
	t.engine.queue.Dequeue(t.id)

	t.mu.Lock()
	rec := t.record
	t.mu.Unlock()

	t.engine.coordinator.Cancel(t.id, rec, nil)
	t.State.Set(model.Canceled())
}

// Remove deletes the task's persisted record and drops it from the
// engine's task list. A non-terminal task is canceled first; a
// Completed/Failed/Canceled task's record is simply dropped, leaving
// any finished output file alone — remove is the one escape hatch from
// a terminal state (spec §8), not a second cancel.
func (t *DownloadTask) Remove() {
	t.mu.Lock()
	terminal := t.record.State.IsTerminal()
	t.mu.Unlock()

	if !terminal {
		t.Cancel()
	}

	if err := t.engine.store.Remove(t.id); err != nil {
		t.engine.logger.Error("failed to remove task record", "task_id", t.id.String(), "error", err)
	}
	t.engine.removeTask(t.id)
	t.State.Close()
	t.Segments.Close()
}

// SetSpeedLimit updates the task's per-task throttle, live if it is
// currently running.
func (t *DownloadTask) SetSpeedLimit(limit SpeedLimit) {
	t.mu.Lock()
	t.record.Request.SpeedLimit = limit
	rec := *t.record
	t.mu.Unlock()

	t.engine.persist(rec)
	t.engine.coordinator.SetTaskSpeedLimit(t.id, limit)
}

// SetPriority updates the task's priority and re-sorts/re-evaluates it
// in the queue (URGENT triggers preemption per spec §4.6).
func (t *DownloadTask) SetPriority(p Priority) {
	t.mu.Lock()
	t.record.Request.Priority = p
	rec := *t.record
	t.mu.Unlock()

	t.engine.persist(rec)
	t.engine.queue.SetPriority(t.id, p)
}

// SetConnections updates the task's live connection-count observable;
// if active, the running source interrupts its in-flight segments
// without waiting for them to complete, keeps the bytes already
// written, and resegments the remaining ranges (spec §4.5 "Dynamic
// resegmentation").
func (t *DownloadTask) SetConnections(n int) {
	t.mu.Lock()
	t.record.Request.Connections = n
	rec := *t.record
	t.mu.Unlock()

	t.engine.persist(rec)
	t.engine.coordinator.SetTaskConnections(t.id, n)
}

// Reschedule cancels any existing gated wait, stops the task wherever
// it currently is, and re-gates it under the new schedule/conditions
// (spec §4.7's reschedule).
func (t *DownloadTask) Reschedule(sched Schedule, conditions []Condition) {
	t.mu.Lock()
	t.record.Request.Schedule = sched
	t.record.Request.Conditions = conditions
	t.record.State = model.StateScheduled
	rec := *t.record
	req := rec.Request
	t.mu.Unlock()

	t.engine.persist(rec)
	t.engine.queue.Dequeue(t.id)
	t.engine.scheduler.Reschedule(t.id, req)
}
