// Package eventlog keeps the append-only audit trail of task mutations as
// newline-delimited JSON in <plan>/events.log.
package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Type identifies the mutation an EventRecord describes.
type Type string

const (
	TaskCreated        Type = "TASK_CREATED"
	TaskUpdated        Type = "TASK_UPDATED"
	TaskDeleted        Type = "TASK_DELETED"
	MigrationCompleted Type = "MIGRATION_COMPLETED"
)

// Record is one line of the log. Records are never rewritten.
type Record struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType Type           `json:"event_type"`
	TaskID    string         `json:"task_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Log appends records through a kept-open O_APPEND handle.
type Log struct {
	path string
	mu   sync.Mutex
	file *os.File
}

// Open opens (creating if needed) the log at path.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &Log{path: path, file: f}, nil
}

// Path returns the file the log appends to.
func (l *Log) Path() string { return l.path }

// Append writes rec as a single line. A zero Timestamp is set to now.
// Appending to a nil Log is a no-op.
func (l *Log) Append(rec Record) error {
	if l == nil {
		return nil
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fmt.Errorf("append event: %w", os.ErrClosed)
	}
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Close closes the underlying file. Further appends fail.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("close event log: %w", err)
	}
	return nil
}

// ReadAll decodes every record in the log at path, skipping lines that are
// not valid records. A missing file yields no records.
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil || rec.EventType == "" {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan event log: %w", err)
	}
	return records, nil
}
