// Package store persists TaskRecords durably via gorm + a pure-Go
// sqlite driver, with a cross-process advisory lock around the
// database file so a second engine instance doesn't corrupt it.
package store

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/gofrs/flock"
	"github.com/linroid/ketch/internal/model"
	"gorm.io/gorm"
)

// taskRow is the gorm-mapped row for one TaskRecord. Segments and
// SourceResumeState are stored as JSON text columns, grounded on the
// teacher's MetaJSON convention for fields gorm can't model natively.
type taskRow struct {
	TaskID          string `gorm:"primaryKey"`
	URL             string
	DestinationDir  string
	FileName        string
	Connections     int
	HeadersJSON     string
	Priority        int
	SpeedLimitBps   int64
	ScheduleKind    int
	ScheduleAt      time.Time
	ScheduleDelayNs int64
	State           string `gorm:"index"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
	TotalBytes      int64
	DownloadedBytes int64
	OutputPath      string
	SegmentsJSON    string
	ResumeStateJSON string
	ErrorMessage    string
}

func (taskRow) TableName() string { return "task_records" }

// settingRow backs the Config key/value persistence (teacher's
// AppSetting table).
type settingRow struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (settingRow) TableName() string { return "app_settings" }

// TaskStore is the durable record persistence the facade and
// coordinator depend on.
type TaskStore interface {
	Save(record model.TaskRecord) error
	Load(id model.TaskId) (model.TaskRecord, bool, error)
	LoadAll() ([]model.TaskRecord, error)
	Remove(id model.TaskId) error
	SaveSetting(key, value string) error
	LoadSetting(key string) (string, bool, error)
	Close() error
}

// Store is the gorm + glebarez/sqlite TaskStore implementation.
type Store struct {
	db   *gorm.DB
	lock *flock.Flock
}

// Open opens (creating if absent) the sqlite database at path, taking a
// cross-process advisory lock first so a second engine instance fails
// fast instead of corrupting the file.
func Open(path string) (*Store, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, model.NewDiskError(err)
	}
	if !locked {
		return nil, model.NewDiskError(errLocked{path})
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		lock.Unlock()
		return nil, model.NewDiskError(err)
	}
	if err := db.AutoMigrate(&taskRow{}, &settingRow{}); err != nil {
		lock.Unlock()
		return nil, model.NewDiskError(err)
	}

	return &Store{db: db, lock: lock}, nil
}

type errLocked struct{ path string }

func (e errLocked) Error() string { return "store: " + e.path + " is locked by another process" }

func (s *Store) Save(r model.TaskRecord) error {
	segJSON, err := json.Marshal(r.Segments)
	if err != nil {
		return model.NewDiskError(err)
	}
	resumeJSON := ""
	if r.SourceResumeState != nil {
		b, err := json.Marshal(r.SourceResumeState)
		if err != nil {
			return model.NewDiskError(err)
		}
		resumeJSON = string(b)
	}
	headersJSON := ""
	if len(r.Request.Headers) > 0 {
		b, err := json.Marshal(r.Request.Headers)
		if err != nil {
			return model.NewDiskError(err)
		}
		headersJSON = string(b)
	}

	row := taskRow{
		TaskID:          r.TaskID.String(),
		URL:             r.Request.URL,
		DestinationDir:  r.Request.DestinationDir,
		FileName:        r.Request.FileName,
		Connections:     r.Request.Connections,
		HeadersJSON:     headersJSON,
		Priority:        int(r.Request.Priority),
		SpeedLimitBps:   r.Request.SpeedLimit.BytesPerSecond,
		ScheduleKind:    int(r.Request.Schedule.Kind),
		ScheduleAt:      r.Request.Schedule.At,
		ScheduleDelayNs: int64(r.Request.Schedule.Delay),
		State:           string(r.State),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		TotalBytes:      r.TotalBytes,
		DownloadedBytes: r.DownloadedBytes,
		OutputPath:      r.OutputPath,
		SegmentsJSON:    string(segJSON),
		ResumeStateJSON: resumeJSON,
		ErrorMessage:    r.ErrorMessage,
	}
	if err := s.db.Save(&row).Error; err != nil {
		return model.NewDiskError(err)
	}
	return nil
}

func (s *Store) Load(id model.TaskId) (model.TaskRecord, bool, error) {
	var row taskRow
	err := s.db.First(&row, "task_id = ?", id.String()).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.TaskRecord{}, false, nil
		}
		return model.TaskRecord{}, false, model.NewDiskError(err)
	}
	rec, err := rowToRecord(row)
	return rec, true, err
}

func (s *Store) LoadAll() ([]model.TaskRecord, error) {
	var rows []taskRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, model.NewDiskError(err)
	}
	records := make([]model.TaskRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := rowToRecord(row)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Store) Remove(id model.TaskId) error {
	if err := s.db.Delete(&taskRow{}, "task_id = ?", id.String()).Error; err != nil {
		return model.NewDiskError(err)
	}
	return nil
}

func (s *Store) SaveSetting(key, value string) error {
	row := settingRow{Key: key, Value: value}
	if err := s.db.Save(&row).Error; err != nil {
		return model.NewDiskError(err)
	}
	return nil
}

func (s *Store) LoadSetting(key string) (string, bool, error) {
	var row settingRow
	err := s.db.First(&row, "key = ?", key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, model.NewDiskError(err)
	}
	return row.Value, true, nil
}

func (s *Store) Close() error {
	s.lock.Unlock()
	sqlDB, err := s.db.DB()
	if err != nil {
		return model.NewDiskError(err)
	}
	if err := sqlDB.Close(); err != nil {
		return model.NewDiskError(err)
	}
	return nil
}

func rowToRecord(row taskRow) (model.TaskRecord, error) {
	var segments []model.Segment
	if row.SegmentsJSON != "" {
		if err := json.Unmarshal([]byte(row.SegmentsJSON), &segments); err != nil {
			return model.TaskRecord{}, model.NewDiskError(err)
		}
	}
	var resumeState *model.SourceResumeState
	if row.ResumeStateJSON != "" {
		resumeState = &model.SourceResumeState{}
		if err := json.Unmarshal([]byte(row.ResumeStateJSON), resumeState); err != nil {
			return model.TaskRecord{}, model.NewDiskError(err)
		}
	}

	taskID, err := model.ParseTaskId(row.TaskID)
	if err != nil {
		return model.TaskRecord{}, model.NewDiskError(err)
	}

	var headers map[string]string
	if row.HeadersJSON != "" {
		if err := json.Unmarshal([]byte(row.HeadersJSON), &headers); err != nil {
			return model.TaskRecord{}, model.NewDiskError(err)
		}
	}

	return model.TaskRecord{
		TaskID: taskID,
		Request: model.DownloadRequest{
			URL:            row.URL,
			DestinationDir: row.DestinationDir,
			FileName:       row.FileName,
			Connections:    row.Connections,
			Headers:        headers,
			Priority:       model.Priority(row.Priority),
			SpeedLimit:     model.SpeedLimit{BytesPerSecond: row.SpeedLimitBps},
			Schedule: model.Schedule{
				Kind:  model.ScheduleKind(row.ScheduleKind),
				At:    row.ScheduleAt,
				Delay: time.Duration(row.ScheduleDelayNs),
			},
		},
		State:             model.TaskState(row.State),
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
		TotalBytes:        row.TotalBytes,
		DownloadedBytes:   row.DownloadedBytes,
		OutputPath:        row.OutputPath,
		Segments:          segments,
		SourceResumeState: resumeState,
		ErrorMessage:      row.ErrorMessage,
	}, nil
}
