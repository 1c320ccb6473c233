// Package schedule implements DownloadScheduler: it wraps the admission
// queue with time- and condition-based gating so a task isn't handed to
// the queue until its schedule fires and all its conditions are true.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/linroid/ketch/internal/model"
)

// Enqueuer is the subset of the admission queue the scheduler drives
// once a gated task is released.
type Enqueuer interface {
	Enqueue(taskID model.TaskId, request model.DownloadRequest)
}

// job is one task's gated wait; cancel tears it down early (reschedule
// or explicit cancellation).
type job struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler gates tasks on Schedule + Conditions before releasing them
// to the queue. Grounded on the teacher's cron-backed Scheduler
// (internal/core/scheduler.go), generalized from a fixed daily
// start/stop cron pair to per-task AtTime/AfterDelay/condition gating:
// AtTime registers a real one-shot robfig/cron/v3 entry built from the
// target instant's own second/minute/hour/day/month fields (the Cron is
// constructed WithSeconds, so this pins the exact wall-clock second
// rather than rounding up to the next minute), removed the moment it
// fires or the job is canceled. AfterDelay and condition polling use a
// plain timer loop, since neither reduces to a calendar field match.
type Scheduler struct {
	logger *slog.Logger
	cron   *cron.Cron
	queue  Enqueuer

	onScheduled func(taskID model.TaskId, s model.Schedule)
	onCanceled  func(taskID model.TaskId)

	mu   sync.Mutex
	jobs map[model.TaskId]*job
}

// New builds a Scheduler. onScheduled/onCanceled let the caller publish
// DownloadState transitions (Scheduled/Canceled) without this package
// depending on the observable-cell machinery directly.
func New(logger *slog.Logger, queue Enqueuer, onScheduled func(model.TaskId, model.Schedule), onCanceled func(model.TaskId)) *Scheduler {
	return &Scheduler{
		logger:      logger,
		cron:        cron.New(cron.WithSeconds()),
		queue:       queue,
		onScheduled: onScheduled,
		onCanceled:  onCanceled,
		jobs:        make(map[model.TaskId]*job),
	}
}

// Start begins the underlying cron runner.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the cron runner and cancels every gated job in flight.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()
	for _, j := range jobs {
		j.cancel()
		<-j.done
	}
}

// Schedule gates taskID's admission per request.Schedule and
// request.Conditions, publishing Scheduled immediately and enqueueing
// (preferResume=true is the queue's job to interpret) once satisfied.
func (s *Scheduler) Schedule(taskID model.TaskId, request model.DownloadRequest) {
	if request.Schedule.Kind == model.ScheduleImmediate && len(request.Conditions) == 0 {
		s.queue.Enqueue(taskID, request)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &job{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	if old, ok := s.jobs[taskID]; ok {
		s.mu.Unlock()
		old.cancel()
		<-old.done
		s.mu.Lock()
	}
	s.jobs[taskID] = j
	s.mu.Unlock()

	if s.onScheduled != nil {
		s.onScheduled(taskID, request.Schedule)
	}

	go s.run(ctx, j, taskID, request)
}

// Reschedule cancels any existing gated job for taskID and re-gates it
// under the new schedule/conditions. Dequeuing the task, or pausing it
// if it had already been released to the queue, is the caller's
// responsibility, since only the caller knows whether the task is
// active.
func (s *Scheduler) Reschedule(taskID model.TaskId, request model.DownloadRequest) {
	s.cancelJob(taskID)
	s.Schedule(taskID, request)
}

// Cancel tears down taskID's gated wait, if any, and reports it
// canceled. Safe to call for a task with no active job.
func (s *Scheduler) Cancel(taskID model.TaskId) {
	if s.cancelJob(taskID) && s.onCanceled != nil {
		s.onCanceled(taskID)
	}
}

// Withdraw tears down taskID's gated wait, if any, the same way Cancel
// does, but without reporting the task canceled: the caller (a facade
// Pause()) wants the gate gone without the "terminal but not a failure"
// Canceled transition that Cancel publishes.
func (s *Scheduler) Withdraw(taskID model.TaskId) bool {
	return s.cancelJob(taskID)
}

func (s *Scheduler) cancelJob(taskID model.TaskId) bool {
	s.mu.Lock()
	j, ok := s.jobs[taskID]
	delete(s.jobs, taskID)
	s.mu.Unlock()
	if !ok {
		return false
	}
	j.cancel()
	<-j.done
	return true
}

func (s *Scheduler) run(ctx context.Context, j *job, taskID model.TaskId, request model.DownloadRequest) {
	defer close(j.done)
	defer func() {
		s.mu.Lock()
		if s.jobs[taskID] == j {
			delete(s.jobs, taskID)
		}
		s.mu.Unlock()
	}()

	if !s.waitSchedule(ctx, request.Schedule) {
		return
	}
	if !s.waitConditions(ctx, request.Conditions) {
		return
	}

	select {
	case <-ctx.Done():
		return
	default:
	}
	s.queue.Enqueue(taskID, request)
}

// waitSchedule blocks until the schedule fires or ctx is canceled,
// reporting which happened via its bool return (true = fired).
func (s *Scheduler) waitSchedule(ctx context.Context, sched model.Schedule) bool {
	switch sched.Kind {
	case model.ScheduleImmediate:
		return true
	case model.ScheduleAfterDelay:
		t := time.NewTimer(sched.Delay)
		defer t.Stop()
		select {
		case <-t.C:
			return true
		case <-ctx.Done():
			return false
		}
	case model.ScheduleAtTime:
		return s.waitAtTime(ctx, sched.At)
	default:
		return true
	}
}

// waitAtTime registers a one-shot cron entry for sched.At and blocks
// until it fires or ctx is done; the entry is removed either way. The
// spec string pins at's own second/minute/hour/day-of-month/month
// fields (the "*" dow field matches any weekday), so the entry matches
// only the target's wall-clock second, not every minute. The entry fires
// at the start of that second, so the sub-second rest up to at is waited
// out with waitAtTimePoll; a target less than a second away skips cron
// and uses waitAtTimePoll directly.
func (s *Scheduler) waitAtTime(ctx context.Context, at time.Time) bool {
	if time.Until(at) <= 0 {
		return true
	}
	if time.Until(at) < time.Second {
		return s.waitAtTimePoll(ctx, at)
	}

	local := at.In(time.Local)
	spec := fmt.Sprintf("%d %d %d %d %d *",
		local.Second(), local.Minute(), local.Hour(), local.Day(), int(local.Month()))

	fired := make(chan struct{})
	var once sync.Once
	entryID, err := s.cron.AddFunc(spec, func() {
		once.Do(func() { close(fired) })
	})
	if err != nil {
		s.logger.Error("schedule: failed to register cron entry for AtTime, falling back to polling",
			"error", err, "at", at)
		return s.waitAtTimePoll(ctx, at)
	}
	defer s.cron.Remove(entryID)

	select {
	case <-fired:
		return s.waitAtTimePoll(ctx, at)
	case <-ctx.Done():
		return false
	}
}

// waitAtTimePoll sleeps until the wall clock reaches at or ctx is done.
// waitAtTime uses it for targets under a second away, for the rest of
// the target second after its cron entry fires, and on the rare cron
// spec parse failure (e.g. a field computed outside its valid range).
func (s *Scheduler) waitAtTimePoll(ctx context.Context, at time.Time) bool {
	for {
		remaining := time.Until(at)
		if remaining <= 0 {
			return true
		}
		wait := remaining
		if wait > time.Minute {
			wait = time.Minute
		}
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return false
		}
	}
}

// waitConditions blocks until every condition's latest observed value
// is true simultaneously (conjunction of latest values), or ctx is
// done. Each condition is polled on its own goroutine so a slow
// condition doesn't stall evaluation of the others.
func (s *Scheduler) waitConditions(ctx context.Context, conditions []model.Condition) bool {
	if len(conditions) == 0 {
		return true
	}

	latest := make([]bool, len(conditions))
	changed := make(chan int, len(conditions))
	var mu sync.Mutex

	for i, c := range conditions {
		i, c := i, c
		go func() {
			ch := c.Observe()
			for {
				select {
				case v, ok := <-ch:
					if !ok {
						return
					}
					mu.Lock()
					latest[i] = v
					mu.Unlock()
					select {
					case changed <- i:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	for {
		mu.Lock()
		all := true
		for _, v := range latest {
			if !v {
				all = false
				break
			}
		}
		mu.Unlock()
		if all {
			return true
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return false
		}
	}
}
