// Package ketch is the public facade of the download engine described in
// the design: it wires internal/coordinator, internal/queue,
// internal/schedule, internal/source (and its built-in HTTP source),
// internal/store, internal/fsio, internal/httpengine, and
// internal/limiter into one programmatic engine, mirroring the
// teacher's top-level NewEngine(logger, storage) constructor shape
// (internal/core/engine.go) generalized to the fuller collaborator
// graph this engine needs.
//
// Every type a caller of this package needs is re-exported here as an
// alias onto its internal/model counterpart: the model package lives
// under internal/ and is therefore not importable from outside this
// module, so these aliases are the only way external callers can name
// a DownloadRequest, a Segment, or a DownloadState.
package ketch

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/linroid/ketch/internal/cell"
	"github.com/linroid/ketch/internal/config"
	"github.com/linroid/ketch/internal/coordinator"
	"github.com/linroid/ketch/internal/fsio"
	"github.com/linroid/ketch/internal/httpengine"
	"github.com/linroid/ketch/internal/limiter"
	"github.com/linroid/ketch/internal/logging"
	"github.com/linroid/ketch/internal/model"
	"github.com/linroid/ketch/internal/queue"
	"github.com/linroid/ketch/internal/schedule"
	"github.com/linroid/ketch/internal/source"
	"github.com/linroid/ketch/internal/source/httpsource"
	"github.com/linroid/ketch/internal/store"
)

// Re-exported data model (spec §3). These are plain aliases, not
// wrapper types: a *model.KetchError returned from deep inside the
// coordinator is already a *ketch.KetchError to a caller of this
// package.
type (
	TaskId            = model.TaskId
	Request           = model.DownloadRequest
	Priority          = model.Priority
	SpeedLimit        = model.SpeedLimit
	Schedule          = model.Schedule
	Condition         = model.Condition
	Segment           = model.Segment
	ServerInfo        = model.ServerInfo
	ResolvedSource    = model.ResolvedSource
	SourceResumeState = model.SourceResumeState
	TaskRecord        = model.TaskRecord
	TaskState         = model.TaskState
	DownloadState     = model.DownloadState
	DownloadProgress  = model.DownloadProgress
	KetchError        = model.KetchError
	ErrorKind         = model.ErrorKind
	DownloadSource    = source.DownloadSource
	HttpEngine        = httpengine.HttpEngine
	TaskStore         = store.TaskStore
	Config            = config.Config
)

const (
	PriorityLow    = model.PriorityLow
	PriorityNormal = model.PriorityNormal
	PriorityHigh   = model.PriorityHigh
	PriorityUrgent = model.PriorityUrgent
)

// Unlimited returns a SpeedLimit that imposes no throttling.
func Unlimited() SpeedLimit { return model.Unlimited() }

// Immediate, AtTime and AfterDelay build a Schedule (spec §3's
// ScheduleKind variants).
func Immediate() Schedule                     { return model.Immediate() }
func AtTime(t time.Time) Schedule             { return model.AtTime(t) }
func AfterDelay(d time.Duration) Schedule     { return model.AfterDelay(d) }

// DefaultConfig returns the configuration a fresh install starts with
// (spec §6.6's enumerated defaults).
func DefaultConfig() Config { return config.Default() }

// NewTaskId generates a fresh random task identifier.
func NewTaskId() TaskId { return model.NewTaskId() }

// NewHttpEngine builds the net/http-backed HttpEngine; userAgent may be
// empty to use the engine's default.
func NewHttpEngine(userAgent string) HttpEngine { return httpengine.New(userAgent) }

// OpenStore opens (creating if absent) the gorm+sqlite TaskStore at path.
func OpenStore(path string) (TaskStore, error) { return store.Open(path) }

// NewLogger builds the engine's slog.Logger: a colored console handler
// plus a JSON file sink under <dataDir>/logs, per the teacher's
// internal/logger.
func NewLogger(dataDir string) (*slog.Logger, error) { return logging.New(dataDir, os.Stdout) }

// Engine is the public surface of the download engine (spec §4.8,
// internally named Ketch). It owns the task list and dispatches every
// lifecycle action to the coordinator/queue/scheduler it wires up.
type Engine struct {
	logger *slog.Logger
	store  store.TaskStore
	http   httpengine.HttpEngine

	cfgManager *config.Manager
	cfgMu      sync.RWMutex
	cfg        config.Config

	globalBucket  limiter.SpeedLimiter
	globalLimiter *limiter.DelegatingSpeedLimiter

	resolver    *source.Resolver
	coordinator *coordinator.Coordinator
	queue       *queue.Queue
	scheduler   *schedule.Scheduler

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu        sync.Mutex
	tasks     map[model.TaskId]*DownloadTask
	tasksCell *cell.Cell[[]*DownloadTask]
}

// New builds an Engine. taskStore and httpEngine are the out-of-scope
// collaborators spec §1 names; userSources, if given, are tried before
// the built-in HTTP source by the resolver (spec §4.3's ordered list).
func New(cfg Config, taskStore TaskStore, httpEngine HttpEngine, logger *slog.Logger, userSources ...DownloadSource) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		logger: logger,
		store:  taskStore,
		http:   httpEngine,
		cfg:    cfg,
		tasks:  make(map[model.TaskId]*DownloadTask),
	}
	e.cfgManager = config.NewManager(taskStore)
	e.tasksCell = cell.New[[]*DownloadTask](nil)
	e.rootCtx, e.rootCancel = context.WithCancel(context.Background())

	e.globalBucket = speedLimiterFromConfig(cfg.SpeedLimit)
	e.globalLimiter = limiter.NewDelegatingSpeedLimiter(e.globalBucket, nil)

	e.resolver = source.NewResolver(userSources, httpsource.New(httpEngine))

	e.queue = queue.New(cfg.Queue, e.onQueueStart, e.onQueuePreempt)
	e.scheduler = schedule.New(logger, enqueuerFunc(e.scheduleEnqueue), e.onScheduled, e.onScheduleCanceled)
	e.coordinator = coordinator.New(logger, e.resolver, openFile, taskStore, e.globalLimiter, coordinator.Config{
		ProgressUpdateInterval: time.Duration(cfg.ProgressUpdateIntervalMs) * time.Millisecond,
		SegmentSaveInterval:    time.Duration(cfg.SegmentSaveIntervalMs) * time.Millisecond,
		RetryCount:             cfg.RetryCount,
		RetryDelayMs:           cfg.RetryDelayMs,
	})

	return e
}

func openFile(path string) (coordinator.FileAccessor, error) {
	f, err := fsio.Open(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func speedLimiterFromConfig(limit model.SpeedLimit) limiter.SpeedLimiter {
	if limit.IsUnlimited() {
		return limiter.Unlimited{}
	}
	return limiter.NewTokenBucket(float64(limit.BytesPerSecond), 0)
}

// enqueuerFunc adapts a plain function to schedule.Enqueuer.
type enqueuerFunc func(model.TaskId, model.DownloadRequest)

func (f enqueuerFunc) Enqueue(id model.TaskId, req model.DownloadRequest) { f(id, req) }

// currentConfig returns a snapshot of the live configuration.
func (e *Engine) currentConfig() config.Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// CurrentConfig is the exported form of currentConfig, for callers
// outside this package (e.g. internal/api) that need to read the live
// configuration without holding onto the Config originally passed to New.
func (e *Engine) CurrentConfig() Config { return e.currentConfig() }

// UpdateConfig atomically swaps the speed limit (by updating the global
// bucket's rate if it already is one, or swapping the delegating
// limiter's inner pointer otherwise) and the queue's admission caps,
// then persists every field, per spec §4.8.
func (e *Engine) UpdateConfig(cfg Config) error {
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()

	if cfg.SpeedLimit.IsUnlimited() {
		e.globalBucket = limiter.Unlimited{}
		e.globalLimiter.SetInner(e.globalBucket)
	} else if tb, ok := e.globalBucket.(*limiter.TokenBucket); ok {
		tb.UpdateRate(float64(cfg.SpeedLimit.BytesPerSecond))
	} else {
		e.globalBucket = limiter.NewTokenBucket(float64(cfg.SpeedLimit.BytesPerSecond), 0)
		e.globalLimiter.SetInner(e.globalBucket)
	}

	e.queue.UpdateConfig(cfg.Queue)
	return e.cfgManager.Save(cfg)
}

// Download creates a TaskRecord for request (state = SCHEDULED if its
// schedule/conditions gate it, else QUEUED), persists it, and returns
// its view object. Per spec §4.8: the record is saved before the caller
// gets a handle back, so a crash between here and the first progress
// update still leaves a recoverable record behind.
func (e *Engine) Download(request Request) (*DownloadTask, error) {
	cfg := e.currentConfig()
	if request.Connections <= 0 {
		request.Connections = cfg.MaxConnections
	}
	if request.DestinationDir == "" {
		return nil, model.NewUnsupportedError("destination directory is required")
	}

	gated := request.Schedule.Kind != model.ScheduleImmediate || len(request.Conditions) > 0
	state := model.StateQueued
	if gated {
		state = model.StateScheduled
	}

	now := time.Now()
	record := &model.TaskRecord{
		TaskID:     model.NewTaskId(),
		Request:    request,
		State:      state,
		CreatedAt:  now,
		UpdatedAt:  now,
		TotalBytes: -1,
	}
	if err := e.store.Save(*record); err != nil {
		return nil, err
	}

	dt := e.newTask(record)
	e.registerTask(dt)

	if gated {
		e.scheduler.Schedule(record.TaskID, request)
	} else {
		e.scheduleEnqueue(record.TaskID, request)
	}
	return dt, nil
}

// scheduleEnqueue is the schedule.Enqueuer this engine hands to its
// Scheduler: it marks the record QUEUED and admits it to the Queue with
// preferResume=true, per spec §4.7 step 3 ("preferResume=true means: if
// the record already has partial progress, the coordinator calls resume
// instead of start").
func (e *Engine) scheduleEnqueue(taskID model.TaskId, request model.DownloadRequest) {
	dt := e.lookupTask(taskID)
	if dt == nil {
		return
	}

	dt.mu.Lock()
	dt.record.State = model.StateQueued
	dt.record.UpdatedAt = time.Now()
	entry := queue.Entry{
		TaskID:       taskID,
		URL:          request.URL,
		Priority:     request.Priority,
		CreatedAt:    dt.record.CreatedAt,
		PreferResume: true,
	}
	rec := *dt.record
	dt.mu.Unlock()

	e.persist(rec)
	dt.State.Set(model.Queued())
	e.queue.Enqueue(entry)
}

func (e *Engine) onScheduled(taskID model.TaskId, sched model.Schedule) {
	if dt := e.lookupTask(taskID); dt != nil {
		dt.State.Set(model.Scheduled(sched))
	}
}

func (e *Engine) onScheduleCanceled(taskID model.TaskId) {
	dt := e.lookupTask(taskID)
	if dt == nil {
		return
	}
	dt.mu.Lock()
	dt.record.State = model.StateCanceled
	dt.record.UpdatedAt = time.Now()
	rec := *dt.record
	dt.mu.Unlock()
	e.persist(rec)
	dt.State.Set(model.Canceled())
}

// onQueueStart is the queue.Starter: the queue admitted entry, so the
// facade drives the actual coordinator call off the queue's own
// goroutine (the Starter doc comment on queue.Queue requires this).
func (e *Engine) onQueueStart(entry queue.Entry) {
	dt := e.lookupTask(entry.TaskID)
	if dt == nil {
		return
	}
	go e.runTask(dt, entry.PreferResume)
}

// onQueuePreempt is the queue.Preemptor: pause the given active entry
// and block until it has actually stopped, both for a genuine URGENT
// preemption (spec §4.6) and for Dequeue's active-entry case (spec
// §4.6 "if active, delegates to coordinator.cancel" — reused here as
// "stop it"; DownloadTask.Cancel follows up with the real cancel+delete
// once the pause has fully unwound).
func (e *Engine) onQueuePreempt(entry queue.Entry) {
	e.coordinator.Pause(entry.TaskID)
}

// runTask drives one admitted task's coordinator call to completion and
// reports the outcome back to the queue so the next eligible entry can
// be promoted.
func (e *Engine) runTask(dt *DownloadTask, preferResume bool) {
	dt.mu.Lock()
	resuming := preferResume || dt.record.State == model.StatePaused
	record := dt.record
	dt.mu.Unlock()

	observers := coordinator.Observers{State: dt.State, Segments: dt.Segments}

	var err error
	if resuming {
		err = e.coordinator.Resume(e.rootCtx, record, observers)
	} else {
		err = e.coordinator.Start(e.rootCtx, record, observers)
	}
	if err != nil {
		e.logger.Debug("task run ended", "task_id", dt.id.String(), "error", err)
	}

	dt.mu.Lock()
	state := dt.record.State
	dt.mu.Unlock()

	switch state {
	case model.StateCompleted:
		e.queue.OnTaskCompleted(dt.id)
	case model.StateFailed:
		e.queue.OnTaskFailed(dt.id)
	case model.StatePaused:
		e.queue.OnTaskPaused(dt.id)
	case model.StateCanceled:
		e.queue.OnTaskCanceled(dt.id)
	}
}

func (e *Engine) persist(rec model.TaskRecord) {
	if err := e.store.Save(rec); err != nil {
		e.logger.Error("failed to persist task record", "task_id", rec.TaskID.String(), "error", err)
	}
}

// Close stops the scheduler, cancels every in-flight execution, closes
// the HTTP engine, and closes the store. Per spec §4.8.
func (e *Engine) Close() error {
	e.scheduler.Stop()
	e.rootCancel()
	e.http.Close()
	return e.store.Close()
}

// Tasks returns a snapshot of every known task.
func (e *Engine) Tasks() []*DownloadTask {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*DownloadTask, 0, len(e.tasks))
	for _, t := range e.tasks {
		out = append(out, t)
	}
	return out
}

// TasksCell exposes the engine-wide observable task list (spec §6.5).
func (e *Engine) TasksCell() *cell.Cell[[]*DownloadTask] { return e.tasksCell }

// Task looks up a single task by id.
func (e *Engine) Task(id TaskId) (*DownloadTask, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	return t, ok
}

func (e *Engine) newTask(record *model.TaskRecord) *DownloadTask {
	return &DownloadTask{
		id:       record.TaskID,
		engine:   e,
		record:   record,
		State:    cell.New(stateFromRecord(*record)),
		Segments: cell.New(record.Segments),
	}
}

func (e *Engine) registerTask(dt *DownloadTask) {
	e.mu.Lock()
	e.tasks[dt.id] = dt
	e.mu.Unlock()
	e.publishTasksLocked()
}

func (e *Engine) removeTask(id model.TaskId) {
	e.mu.Lock()
	delete(e.tasks, id)
	e.mu.Unlock()
	e.publishTasksLocked()
}

func (e *Engine) publishTasksLocked() {
	e.tasksCell.Set(e.Tasks())
}

func (e *Engine) lookupTask(id model.TaskId) *DownloadTask {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tasks[id]
}

// stateFromRecord derives the runtime DownloadState a freshly-loaded or
// freshly-created TaskRecord should publish before anything has run.
func stateFromRecord(r model.TaskRecord) model.DownloadState {
	switch r.State {
	case model.StateScheduled:
		return model.Scheduled(r.Request.Schedule)
	case model.StateQueued:
		return model.Queued()
	case model.StateDownloading:
		return model.Downloading(model.NewProgress(r.DownloadedBytes, r.TotalBytes, 0))
	case model.StatePaused:
		return model.Paused(model.NewProgress(r.DownloadedBytes, r.TotalBytes, 0))
	case model.StateCompleted:
		return model.Completed(r.OutputPath)
	case model.StateFailed:
		return model.Failed(&model.KetchError{Kind: model.ErrUnknown, Message: r.ErrorMessage})
	case model.StateCanceled:
		return model.Canceled()
	default:
		return model.Idle()
	}
}
