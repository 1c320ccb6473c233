package model

import "time"

// TaskState is the persisted lifecycle state of a TaskRecord.
type TaskState string

const (
	StateScheduled  TaskState = "SCHEDULED"
	StateQueued     TaskState = "QUEUED"
	StateDownloading TaskState = "DOWNLOADING"
	StatePaused     TaskState = "PAUSED"
	StateCompleted  TaskState = "COMPLETED"
	StateFailed     TaskState = "FAILED"
	StateCanceled   TaskState = "CANCELED"
)

// IsTerminal reports whether the state cannot transition except via
// removal of the record.
func (s TaskState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	default:
		return false
	}
}

// TaskRecord is the durable, canonical on-disk representation of a task.
// The engine exclusively owns mutation of this type; everything else
// (runtime DownloadState, progress) is derived from it.
type TaskRecord struct {
	TaskID            TaskId
	Request           DownloadRequest
	State             TaskState
	CreatedAt         time.Time
	UpdatedAt         time.Time
	TotalBytes        int64
	DownloadedBytes   int64
	OutputPath        string
	Segments          []Segment
	SourceResumeState *SourceResumeState
	ErrorMessage      string
}

// DownloadProgress is published to observers while a task is active.
type DownloadProgress struct {
	DownloadedBytes int64
	TotalBytes      int64
	BytesPerSecond  float64
	Percent         float64
}

// NewProgress computes the Percent field from downloaded/total per the
// spec's round-trip law: downloadedBytes/totalBytes for totalBytes > 0,
// else 0.
func NewProgress(downloaded, total int64, bytesPerSecond float64) DownloadProgress {
	var percent float64
	if total > 0 {
		percent = float64(downloaded) / float64(total)
	}
	return DownloadProgress{
		DownloadedBytes: downloaded,
		TotalBytes:      total,
		BytesPerSecond:  bytesPerSecond,
		Percent:         percent,
	}
}

// DownloadStateKind tags the variant of a runtime DownloadState.
type DownloadStateKind int

const (
	KindIdle DownloadStateKind = iota
	KindScheduled
	KindQueued
	KindPending
	KindDownloading
	KindPaused
	KindCompleted
	KindFailed
	KindCanceled
)

// DownloadState is the runtime, observable variant published to a task's
// state Cell.
type DownloadState struct {
	Kind     DownloadStateKind
	Schedule Schedule         // valid when Kind == KindScheduled
	Progress DownloadProgress // valid when Kind == KindDownloading || KindPaused
	Path     string           // valid when Kind == KindCompleted
	Err      error            // valid when Kind == KindFailed
}

// IsActive reports whether the task currently consumes a download slot.
func (s DownloadState) IsActive() bool {
	return s.Kind == KindDownloading || s.Kind == KindPending
}

// IsTerminal reports whether the state will not change further.
func (s DownloadState) IsTerminal() bool {
	switch s.Kind {
	case KindCompleted, KindFailed, KindCanceled:
		return true
	default:
		return false
	}
}

func Idle() DownloadState      { return DownloadState{Kind: KindIdle} }
func Queued() DownloadState    { return DownloadState{Kind: KindQueued} }
func Pending() DownloadState   { return DownloadState{Kind: KindPending} }
func Canceled() DownloadState  { return DownloadState{Kind: KindCanceled} }

func Scheduled(s Schedule) DownloadState {
	return DownloadState{Kind: KindScheduled, Schedule: s}
}

func Downloading(p DownloadProgress) DownloadState {
	return DownloadState{Kind: KindDownloading, Progress: p}
}

func Paused(p DownloadProgress) DownloadState {
	return DownloadState{Kind: KindPaused, Progress: p}
}

func Completed(path string) DownloadState {
	return DownloadState{Kind: KindCompleted, Path: path}
}

func Failed(err error) DownloadState {
	return DownloadState{Kind: KindFailed, Err: err}
}
