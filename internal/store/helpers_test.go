package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// bg returns a background context for use in tests.
func bg() context.Context {
	return context.Background()
}

// newTestStore creates a RecordStore backed by a fresh temporary plan directory.
func newTestStore(t *testing.T) *RecordStore {
	t.Helper()
	return NewRecordStore(Paths{Root: t.TempDir()}, NewFingerprints())
}

// newTask returns a valid task with deterministic timestamps.
func newTask(id, title string, status Status) Task {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	return Task{ID: id, Title: title, Status: status, CreatedAt: ts, UpdatedAt: ts}
}

// writeFile writes a fixture file, creating parent directories.
func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}
