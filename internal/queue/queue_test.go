package queue

import (
	"testing"
	"time"

	"github.com/linroid/ketch/internal/model"
	"github.com/stretchr/testify/require"
)

func entry(id string, priority model.Priority, createdAt time.Time) Entry {
	return Entry{
		TaskID:    model.TaskId(id),
		URL:       "https://host-a.example.com/f" + id,
		Priority:  priority,
		CreatedAt: createdAt,
	}
}

func TestQueue_StartsImmediatelyWithinCapacity(t *testing.T) {
	var started []Entry
	q := New(Config{MaxConcurrentDownloads: 2, MaxConnectionsPerHost: 2, AutoStart: true},
		func(e Entry) { started = append(started, e) },
		func(e Entry) {},
	)

	ok := q.Enqueue(entry("a", model.PriorityNormal, time.Unix(0, 0)))
	require.True(t, ok)
	require.Len(t, started, 1)
	require.Equal(t, 1, q.ActiveCount())
	require.Equal(t, 0, q.Len())
}

func TestQueue_QueuesBeyondCapacitySortedByPriorityThenArrival(t *testing.T) {
	q := New(Config{MaxConcurrentDownloads: 1, MaxConnectionsPerHost: 4, AutoStart: true},
		func(e Entry) {}, func(e Entry) {},
	)

	q.Enqueue(entry("a", model.PriorityNormal, time.Unix(0, 0)))
	q.Enqueue(entry("b", model.PriorityHigh, time.Unix(1, 0)))
	q.Enqueue(entry("c", model.PriorityHigh, time.Unix(2, 0)))

	require.Equal(t, 2, q.Len())
	require.Equal(t, model.TaskId("b"), q.queued[0].TaskID)
	require.Equal(t, model.TaskId("c"), q.queued[1].TaskID)
}

func TestQueue_PromotesNextOnCompletion(t *testing.T) {
	var started []Entry
	q := New(Config{MaxConcurrentDownloads: 1, MaxConnectionsPerHost: 4, AutoStart: true},
		func(e Entry) { started = append(started, e) }, func(e Entry) {},
	)

	q.Enqueue(entry("a", model.PriorityNormal, time.Unix(0, 0)))
	q.Enqueue(entry("b", model.PriorityNormal, time.Unix(1, 0)))
	require.Equal(t, 1, len(started))

	q.OnTaskCompleted(model.TaskId("a"))
	require.Equal(t, 2, len(started))
	require.Equal(t, model.TaskId("b"), started[1].TaskID)
	require.Equal(t, 0, q.Len())
}

func TestQueue_UrgentPreemptsLowestPriorityLargestArrivalOnSameHost(t *testing.T) {
	var preempted []Entry
	q := New(Config{MaxConcurrentDownloads: 1, MaxConnectionsPerHost: 4, AutoStart: true},
		func(e Entry) {}, func(e Entry) { preempted = append(preempted, e) },
	)

	q.Enqueue(entry("a", model.PriorityNormal, time.Unix(0, 0)))
	ok := q.Enqueue(entry("urgent", model.PriorityUrgent, time.Unix(5, 0)))

	require.True(t, ok)
	require.Len(t, preempted, 1)
	require.Equal(t, model.TaskId("a"), preempted[0].TaskID)
	require.Equal(t, 1, q.ActiveCount())
	require.Equal(t, 1, q.Len())
	require.Equal(t, model.TaskId("a"), q.queued[0].TaskID)
}

func TestQueue_DequeueRemovesQueuedEntry(t *testing.T) {
	q := New(Config{MaxConcurrentDownloads: 0, MaxConnectionsPerHost: 4, AutoStart: true},
		func(e Entry) {}, func(e Entry) {},
	)
	q.Enqueue(entry("a", model.PriorityNormal, time.Unix(0, 0)))
	require.Equal(t, 1, q.Len())

	wasActive := q.Dequeue(model.TaskId("a"))
	require.False(t, wasActive)
	require.Equal(t, 0, q.Len())
}

func TestQueue_DequeueActiveDelegatesToPreemptor(t *testing.T) {
	var stopped []Entry
	q := New(Config{MaxConcurrentDownloads: 1, MaxConnectionsPerHost: 4, AutoStart: true},
		func(e Entry) {}, func(e Entry) { stopped = append(stopped, e) },
	)
	q.Enqueue(entry("a", model.PriorityNormal, time.Unix(0, 0)))

	wasActive := q.Dequeue(model.TaskId("a"))
	require.True(t, wasActive)
	require.Len(t, stopped, 1)
}

func TestQueue_SetPriorityResortsQueued(t *testing.T) {
	q := New(Config{MaxConcurrentDownloads: 1, MaxConnectionsPerHost: 4, AutoStart: true},
		func(e Entry) {}, func(e Entry) {},
	)
	q.Enqueue(entry("a", model.PriorityNormal, time.Unix(0, 0)))
	q.Enqueue(entry("b", model.PriorityNormal, time.Unix(1, 0)))
	q.Enqueue(entry("c", model.PriorityNormal, time.Unix(2, 0)))

	q.SetPriority(model.TaskId("c"), model.PriorityHigh)

	require.Equal(t, model.TaskId("c"), q.queued[0].TaskID)
}
