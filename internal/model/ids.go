// Package model holds the data types shared across the engine: task
// identity and requests, segments, server/source metadata, persisted
// records, runtime state, and the error taxonomy.
package model

import "github.com/google/uuid"

// TaskId uniquely identifies a download task across restarts.
type TaskId string

// NewTaskId generates a fresh random task identifier.
func NewTaskId() TaskId {
	return TaskId(uuid.New().String())
}

func (id TaskId) String() string {
	return string(id)
}

// ParseTaskId wraps a stored string back into a TaskId. TaskId is a
// plain string newtype, so this never fails; the error return exists for
// call-site symmetry with decoders that can.
func ParseTaskId(s string) (TaskId, error) {
	return TaskId(s), nil
}
