// Package coordinator owns one TaskExecution per active task: it opens
// the file, hands a source its ExecutionContext, and supervises the
// task-level lifecycle (pending → downloading → completed/failed/paused
// /canceled), persisting a record snapshot along the way. Per-segment
// retry lives in the source (see internal/source/httpsource); this
// package supervises at the task level only.
package coordinator

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/linroid/ketch/internal/cell"
	"github.com/linroid/ketch/internal/limiter"
	"github.com/linroid/ketch/internal/model"
	"github.com/linroid/ketch/internal/source"
)

// defaultProgressUpdateInterval and defaultSegmentSaveInterval are the
// teacher's 200ms progress ticker / periodic SaveTask cadence
// (internal/engine/executor.go), generalized into configurable fields.
const (
	defaultProgressUpdateInterval = 200 * time.Millisecond
	defaultSegmentSaveInterval    = 5 * time.Second
)

// FileAccessor is an alias of source.FileAccessor, so callers of this
// package can name the type without importing internal/source.
type FileAccessor = source.FileAccessor

// FileOpener opens or creates the destination file for a task.
type FileOpener func(path string) (FileAccessor, error)

// RecordSaver is the subset of TaskStore the coordinator needs.
type RecordSaver interface {
	Save(record model.TaskRecord) error
}

// Observers is what a caller (the facade) supplies to watch one task.
type Observers struct {
	State    *cell.Cell[model.DownloadState]
	Segments *cell.Cell[[]model.Segment]
}

// Config tunes timing and retry behavior; the facade derives this from
// engine-wide settings.
type Config struct {
	ProgressUpdateInterval time.Duration
	SegmentSaveInterval    time.Duration
	RetryCount             int
	RetryDelayMs           int
}

func (c Config) withDefaults() Config {
	if c.ProgressUpdateInterval <= 0 {
		c.ProgressUpdateInterval = defaultProgressUpdateInterval
	}
	if c.SegmentSaveInterval <= 0 {
		c.SegmentSaveInterval = defaultSegmentSaveInterval
	}
	if c.RetryCount <= 0 {
		c.RetryCount = 5
	}
	if c.RetryDelayMs <= 0 {
		c.RetryDelayMs = 500
	}
	return c
}

// stopIntent records why a running execution's context was canceled, so
// run's unwind path knows which terminal state to persist instead of the
// caller racing to write record.State itself.
type stopIntent int

const (
	intentNone stopIntent = iota
	intentPause
	intentCancel
)

// execution is one task's live supervised state.
type execution struct {
	mu            sync.Mutex
	intent        stopIntent
	cancel        context.CancelFunc
	maxConns      *cell.Cell[int]
	taskLimiter   *limiter.DelegatingSpeedLimiter
	done          chan struct{}
}

func (e *execution) stop(intent stopIntent) {
	e.mu.Lock()
	if e.intent == intentNone {
		e.intent = intent
	}
	e.mu.Unlock()
	e.cancel()
	<-e.done
}

func (e *execution) stopIntent() stopIntent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.intent
}

// Coordinator owns the active set of TaskExecutions.
type Coordinator struct {
	logger    *slog.Logger
	resolver  *source.Resolver
	opener    FileOpener
	store     RecordSaver
	global    limiter.SpeedLimiter
	cfg       Config

	mu         sync.Mutex
	executions map[model.TaskId]*execution
}

// New builds a Coordinator. global is the process-wide speed limiter
// every task's delegating limiter chains to.
func New(logger *slog.Logger, resolver *source.Resolver, opener FileOpener, store RecordSaver, global limiter.SpeedLimiter, cfg Config) *Coordinator {
	return &Coordinator{
		logger:     logger,
		resolver:   resolver,
		opener:     opener,
		store:      store,
		global:     global,
		cfg:        cfg.withDefaults(),
		executions: make(map[model.TaskId]*execution),
	}
}

// Start runs a fresh download for record per spec §4.5's eight-step
// sequence, blocking until the task reaches a terminal state, pauses, or
// its context is canceled by Pause/Cancel.
func (c *Coordinator) Start(ctx context.Context, record *model.TaskRecord, observers Observers) error {
	return c.run(ctx, record, observers, false)
}

// Resume continues a previously paused/interrupted task using its
// persisted segments and source resume state.
func (c *Coordinator) Resume(ctx context.Context, record *model.TaskRecord, observers Observers) error {
	return c.run(ctx, record, observers, true)
}

func (c *Coordinator) run(parent context.Context, record *model.TaskRecord, observers Observers, resuming bool) error {
	src, err := c.resolver.Resolve(record.Request.URL)
	if err != nil {
		c.failAndPersist(record, observers, err)
		return err
	}

	var resolved model.ResolvedSource
	if record.Request.PreResolved != nil {
		resolved = *record.Request.PreResolved
	} else {
		resolved, err = src.Resolve(parent, record.Request.URL, record.Request.Headers)
		if err != nil {
			c.failAndPersist(record, observers, err)
			return err
		}
	}

	if record.OutputPath == "" {
		name := record.Request.FileName
		if name == "" {
			name = resolved.SuggestedFileName
		}
		record.OutputPath = filepath.Join(record.Request.DestinationDir, name)
	}
	record.TotalBytes = resolved.TotalBytes
	record.State = model.StateDownloading
	now := time.Now()
	record.UpdatedAt = now
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	c.persist(*record)

	ctx, cancel := context.WithCancel(parent)

	taskLimiter := limiter.NewDelegatingSpeedLimiter(speedLimiterFor(record.Request.SpeedLimit), c.global)
	maxConns := cell.New(record.Request.Connections)

	exec := &execution{
		cancel:      cancel,
		maxConns:    maxConns,
		taskLimiter: taskLimiter,
		done:        make(chan struct{}),
	}
	c.register(record.TaskID, exec)
	defer c.unregister(record.TaskID)
	defer close(exec.done)

	file, err := c.opener(record.OutputPath)
	if err != nil {
		c.failAndPersist(record, observers, err)
		return err
	}
	defer file.Close()

	observers.State.Set(model.Pending())

	segmentsCell := cell.New(record.Segments)

	var lastSaved, lastPublished time.Time
	var mu sync.Mutex
	progress := func(downloaded, total int64) {
		mu.Lock()
		shouldSave := time.Since(lastSaved) >= c.cfg.SegmentSaveInterval
		if shouldSave {
			lastSaved = time.Now()
		}
		shouldPublish := time.Since(lastPublished) >= c.cfg.ProgressUpdateInterval
		if shouldPublish {
			lastPublished = time.Now()
		}
		mu.Unlock()

		if shouldPublish {
			p := model.NewProgress(downloaded, total, 0)
			observers.State.Set(model.Downloading(p))
			if observers.Segments != nil {
				observers.Segments.Set(segmentsCell.Get())
			}
		}
		if shouldSave {
			record.DownloadedBytes = downloaded
			record.Segments = segmentsCell.Get()
			c.persist(*record)
		}
	}

	execCtx := &source.ExecutionContext{
		Context:        ctx,
		Request:        record.Request,
		Resolved:       resolved,
		Segments:       segmentsCell,
		MaxConnections: maxConns,
		FileAccessor:   file,
		Limiter:        taskLimiter,
		OnProgress:     progress,
		RetryCount:     c.cfg.RetryCount,
		RetryDelayMs:   c.cfg.RetryDelayMs,
	}

	var runErr error
	if resuming && record.SourceResumeState != nil {
		runErr = src.Resume(execCtx, *record.SourceResumeState)
	} else {
		runErr = src.Download(execCtx)
	}

	record.Segments = segmentsCell.Get()
	record.DownloadedBytes = sumDownloaded(record.Segments)

	if runErr != nil {
		ke := model.AsKetchError(runErr)
		switch ke.Kind {
		case model.ErrCanceled:
			switch exec.stopIntent() {
			case intentCancel:
				// Cancel() itself deletes the file and persists
				// state=CANCELED after this call unwinds.
				return nil
			default:
				// Pause (or an externally canceled parent context):
				// persist state=PAUSED with resume state.
				record.State = model.StatePaused
				record.SourceResumeState = resumeStatePtr(src, resolved, record.TotalBytes)
				record.UpdatedAt = time.Now()
				c.persist(*record)
				observers.State.Set(model.Paused(model.NewProgress(record.DownloadedBytes, record.TotalBytes, 0)))
				return nil
			}
		default:
			c.failAndPersist(record, observers, runErr)
			return runErr
		}
	}

	record.State = model.StateCompleted
	record.UpdatedAt = time.Now()
	c.persist(*record)
	observers.State.Set(model.Completed(record.OutputPath))
	return nil
}

// Pause cancels the task's supervisor and waits for its run() call to
// unwind; run() itself persists state=PAUSED with resume state once it
// observes the pause intent, so the only state this call touches is
// which intent the cancellation carries — record/observer writes all
// happen on run()'s goroutine, never racing with the caller.
func (c *Coordinator) Pause(taskID model.TaskId) {
	exec := c.lookup(taskID)
	if exec == nil {
		return
	}
	exec.stop(intentPause)
}

// Cancel cancels the task (waiting for run() to unwind), then deletes
// the partial file best-effort and persists state=CANCELED. Safe to call
// whether or not the task is currently running: run()'s own ErrCanceled
// branch defers the terminal persist to this call when it sees
// intentCancel.
func (c *Coordinator) Cancel(taskID model.TaskId, record *model.TaskRecord, file FileAccessor) {
	exec := c.lookup(taskID)
	if exec != nil {
		exec.stop(intentCancel)
	}
	if file != nil {
		file.Delete()
	} else if record.OutputPath != "" {
		os.Remove(record.OutputPath)
	}
	record.State = model.StateCanceled
	record.UpdatedAt = time.Now()
	c.persist(*record)
}

// SetTaskSpeedLimit swaps a running task's inner per-task limiter.
func (c *Coordinator) SetTaskSpeedLimit(taskID model.TaskId, limit model.SpeedLimit) {
	exec := c.lookup(taskID)
	if exec == nil {
		return
	}
	exec.taskLimiter.SetInner(speedLimiterFor(limit))
}

// SetTaskConnections updates the live connection-count observable; the
// source's run loop resegments on its own schedule per spec §4.5's
// "Dynamic resegmentation" paragraph (in-flight segments are interrupted,
// not waited on; their written bytes are kept).
func (c *Coordinator) SetTaskConnections(taskID model.TaskId, n int) {
	exec := c.lookup(taskID)
	if exec == nil || exec.maxConns == nil {
		return
	}
	exec.maxConns.Set(n)
}

func (c *Coordinator) register(id model.TaskId, e *execution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executions[id] = e
}

func (c *Coordinator) unregister(id model.TaskId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.executions, id)
}

func (c *Coordinator) lookup(id model.TaskId) *execution {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executions[id]
}

func (c *Coordinator) persist(record model.TaskRecord) {
	if err := c.store.Save(record); err != nil {
		c.logger.Error("failed to persist task record", "task_id", record.TaskID.String(), "error", err)
	}
}

func (c *Coordinator) failAndPersist(record *model.TaskRecord, observers Observers, err error) {
	record.State = model.StateFailed
	record.ErrorMessage = err.Error()
	record.UpdatedAt = time.Now()
	c.persist(*record)
	observers.State.Set(model.Failed(err))
}

func speedLimiterFor(limit model.SpeedLimit) limiter.SpeedLimiter {
	if limit.IsUnlimited() {
		return limiter.Unlimited{}
	}
	return limiter.NewTokenBucket(float64(limit.BytesPerSecond), 0)
}

func sumDownloaded(segments []model.Segment) int64 {
	var total int64
	for _, s := range segments {
		total += s.DownloadedBytes
	}
	return total
}

func resumeStatePtr(src source.DownloadSource, resolved model.ResolvedSource, totalBytes int64) *model.SourceResumeState {
	state := src.BuildResumeState(resolved, totalBytes)
	return &state
}
