package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the requested task id has no backing record.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidID means the id cannot name a record file.
	ErrInvalidID = errors.New("invalid task id")
	// ErrInvalidStatus means a status outside pending/in_progress/done/blocked.
	ErrInvalidStatus = errors.New("invalid task status")
	// ErrUnsupportedShape means the monolithic document is neither an array
	// nor an object with a "tasks" array, so it cannot be rewritten safely.
	ErrUnsupportedShape = errors.New("unsupported tasks document shape")
)

// MalformedRecordError reports a stored document that failed to decode.
type MalformedRecordError struct {
	Path   string
	TaskID string
	Err    error
}

func (e *MalformedRecordError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("malformed task record %s (%s): %v", e.TaskID, e.Path, e.Err)
	}
	return fmt.Sprintf("malformed task record %s: %v", e.Path, e.Err)
}

func (e *MalformedRecordError) Unwrap() error { return e.Err }

// IsMalformed reports whether err is, or wraps, a MalformedRecordError.
func IsMalformed(err error) bool {
	var m *MalformedRecordError
	return errors.As(err, &m)
}
