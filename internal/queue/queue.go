// Package queue implements admission control: a priority-then-arrival
// sorted wait list, per-host concurrency caps, URGENT preemption, and
// promotion of queued entries as active slots free up.
package queue

import (
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/linroid/ketch/internal/model"
)

// Entry is what the queue tracks for one task; it is deliberately a
// smaller shape than model.TaskRecord since the queue only needs
// admission-relevant fields.
type Entry struct {
	TaskID       model.TaskId
	URL          string
	Priority     model.Priority
	CreatedAt    time.Time
	PreferResume bool
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Starter is invoked when the queue admits an entry to run; the caller
// (the facade) is expected to call coordinator.Start or .Resume
// depending on PreferResume, off the queue's own goroutine.
type Starter func(e Entry)

// Preemptor is invoked to pause a running victim so its slot can be
// reused; the caller only needs to stop the execution (pausing via the
// coordinator), since the queue returns the victim to `queued` itself.
type Preemptor func(e Entry)

// Config holds the queue's admission caps.
type Config struct {
	MaxConcurrentDownloads int
	MaxConnectionsPerHost  int
	AutoStart              bool
}

// Queue is the single-mutex priority admission queue described in spec
// §4.6, grounded on the teacher's container/heap-based
// core.DownloadQueue for the sorted-list idea (generalized here to a
// plain sorted slice since preemption needs scan-and-remove access heap
// doesn't give cleanly) and core.Scheduler's host-limit map.
type Queue struct {
	mu sync.Mutex

	cfg Config

	active    map[model.TaskId]Entry
	taskHost  map[model.TaskId]string
	hostCount map[string]int
	queued    []Entry

	onStart   Starter
	onPreempt Preemptor
}

// New builds a Queue. onStart is called (without the queue's lock held)
// whenever an entry is admitted; onPreempt is called to pause a victim
// before it's returned to the queued list.
func New(cfg Config, onStart Starter, onPreempt Preemptor) *Queue {
	return &Queue{
		cfg:       cfg,
		active:    make(map[model.TaskId]Entry),
		taskHost:  make(map[model.TaskId]string),
		hostCount: make(map[string]int),
		onStart:   onStart,
		onPreempt: onPreempt,
	}
}

// UpdateConfig atomically updates admission caps (the facade's
// updateConfig path); does not retroactively evict already-active tasks.
func (q *Queue) UpdateConfig(cfg Config) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cfg = cfg
}

// Enqueue admits or queues entry per spec §4.6's four-branch rule.
// Returns true if the entry was started immediately.
func (q *Queue) Enqueue(e Entry) (started bool) {
	q.mu.Lock()

	host := hostOf(e.URL)

	if !q.cfg.AutoStart {
		q.insertQueued(e)
		q.mu.Unlock()
		return false
	}

	if len(q.active) < q.cfg.MaxConcurrentDownloads && q.hostCount[host] < q.cfg.MaxConnectionsPerHost {
		q.admit(e, host)
		q.mu.Unlock()
		q.onStart(e)
		return true
	}

	if e.Priority == model.PriorityUrgent {
		if victim, ok := q.findPreemptionVictim(host); ok {
			delete(q.active, victim.TaskID)
			q.hostCount[q.taskHost[victim.TaskID]]--
			delete(q.taskHost, victim.TaskID)
			q.admit(e, host)
			q.mu.Unlock()
			q.onPreempt(victim)
			q.Enqueue(victim) // returns the victim to queued
			q.onStart(e)
			return true
		}
	}

	q.insertQueued(e)
	q.mu.Unlock()
	return false
}

// findPreemptionVictim returns the lowest-priority active task sharing
// the given host, breaking ties by largest arrival time (the
// last-enqueued of the lowest priority loses).
func (q *Queue) findPreemptionVictim(host string) (Entry, bool) {
	var victim Entry
	found := false
	for id, e := range q.active {
		if e.Priority >= model.PriorityUrgent {
			continue
		}
		if q.taskHost[id] != host {
			continue
		}
		if !found {
			victim, found = e, true
			continue
		}
		if e.Priority < victim.Priority || (e.Priority == victim.Priority && e.CreatedAt.After(victim.CreatedAt)) {
			victim = e
		}
	}
	return victim, found
}

func (q *Queue) admit(e Entry, host string) {
	q.active[e.TaskID] = e
	q.taskHost[e.TaskID] = host
	q.hostCount[host]++
}

// insertQueued inserts e into the sorted queued list: priority DESC,
// createdAt ASC (FIFO within a priority).
func (q *Queue) insertQueued(e Entry) {
	idx := sort.Search(len(q.queued), func(i int) bool {
		if q.queued[i].Priority != e.Priority {
			return q.queued[i].Priority < e.Priority
		}
		return q.queued[i].CreatedAt.After(e.CreatedAt)
	})
	q.queued = append(q.queued, Entry{})
	copy(q.queued[idx+1:], q.queued[idx:])
	q.queued[idx] = e
}

// OnTaskCompleted, OnTaskFailed, OnTaskCanceled, and OnTaskPaused all
// release the task's slot and promote the next eligible queued entries.
// A paused task (whether user-initiated or the victim of a same-pass
// preemption already spliced out of `active`) gives up its concurrency
// slot exactly like a terminal transition does; it only differs in that
// the task itself may still be re-enqueued later with partial progress.
func (q *Queue) OnTaskCompleted(id model.TaskId) { q.release(id) }
func (q *Queue) OnTaskFailed(id model.TaskId)    { q.release(id) }
func (q *Queue) OnTaskCanceled(id model.TaskId)  { q.release(id) }
func (q *Queue) OnTaskPaused(id model.TaskId)    { q.release(id) }

func (q *Queue) release(id model.TaskId) {
	q.mu.Lock()
	host, ok := q.taskHost[id]
	if ok {
		q.hostCount[host]--
		delete(q.taskHost, id)
	}
	delete(q.active, id)
	toStart := q.promoteNextLocked()
	q.mu.Unlock()

	for _, e := range toStart {
		q.onStart(e)
	}
}

// promoteNextLocked repeatedly admits the first queued entry whose host
// still has headroom, until the active cap is reached or none remain
// eligible. Must be called with q.mu held; returns the admitted entries
// so onStart can be invoked without the lock held.
func (q *Queue) promoteNextLocked() []Entry {
	var started []Entry
	for len(q.active) < q.cfg.MaxConcurrentDownloads {
		idx := -1
		for i, e := range q.queued {
			host := hostOf(e.URL)
			if q.hostCount[host] < q.cfg.MaxConnectionsPerHost {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		e := q.queued[idx]
		q.queued = append(q.queued[:idx], q.queued[idx+1:]...)
		q.admit(e, hostOf(e.URL))
		started = append(started, e)
	}
	return started
}

// SetPriority changes a task's priority, re-sorts it into the queued
// list if present, and re-evaluates preemption for a newly-URGENT entry.
func (q *Queue) SetPriority(id model.TaskId, p model.Priority) {
	q.mu.Lock()
	idx := -1
	for i, e := range q.queued {
		if e.TaskID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		if e, ok := q.active[id]; ok {
			e.Priority = p
			q.active[id] = e
		}
		q.mu.Unlock()
		return
	}

	e := q.queued[idx]
	q.queued = append(q.queued[:idx], q.queued[idx+1:]...)
	e.Priority = p
	q.mu.Unlock()

	q.Enqueue(e)
}

// Dequeue removes a task from the queued list, or, if it's active,
// stops it through onPreempt (the same hook preemption uses, reused as
// a generic "stop-it" hook).
func (q *Queue) Dequeue(id model.TaskId) (wasActive bool) {
	q.mu.Lock()
	for i, e := range q.queued {
		if e.TaskID == id {
			q.queued = append(q.queued[:i], q.queued[i+1:]...)
			q.mu.Unlock()
			return false
		}
	}
	e, ok := q.active[id]
	q.mu.Unlock()
	if ok {
		q.onPreempt(e)
		return true
	}
	return false
}

// Len reports the number of queued (not active) entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued)
}

// ActiveCount reports the number of currently active entries.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}
