// Package migrate converts a monolithic tasks.json into the per-record
// layout without losing data.
package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"changkun.de/x/plandash/internal/eventlog"
	"changkun.de/x/plandash/internal/logger"
	"changkun.de/x/plandash/internal/store"
	"github.com/google/uuid"
)

// Options controls a migration run.
type Options struct {
	Paths store.Paths
	// RemoveLegacy deletes tasks.json after it was archived and imported.
	RemoveLegacy bool
	// Log receives the MIGRATION_COMPLETED record. May be nil.
	Log *eventlog.Log
	// Fingerprints registers the writes so the watcher ignores them. May be nil.
	Fingerprints *store.Fingerprints
}

// Skipped describes a source item that was not migrated.
type Skipped struct {
	Index  int    `json:"index"`
	TaskID string `json:"task_id,omitempty"`
	Reason string `json:"reason"`
}

// Result summarizes a run.
type Result struct {
	MigratedCount int       `json:"migratedCount"`
	Skipped       []Skipped `json:"skipped"`
	SourceAbsent  bool      `json:"sourceAbsent"`
	ArchivePath   string    `json:"archive,omitempty"`
	LegacyRemoved bool      `json:"legacyRemoved,omitempty"`
}

// NewID returns a fresh task identifier.
func NewID() string {
	return "T-" + uuid.NewString()
}

// Run migrates opts.Paths.Legacy() into per-record files. A missing source
// is a successful no-op. The source is copied to the archive before any
// record is written and is only deleted when RemoveLegacy is set.
//
// Items whose id is task_id, id or uuid are migrated under that id; items
// without one get a fresh id on every run. Items that fail to decode, for
// example because of an unknown status, are reported in Skipped and stay
// in the source and archive. So are items whose record already exists and
// was updated no earlier than the item, which keeps edits made after a
// previous run.
func Run(ctx context.Context, opts Options) (Result, error) {
	res := Result{Skipped: []Skipped{}}
	paths := opts.Paths

	data, err := os.ReadFile(paths.Legacy())
	if errors.Is(err, fs.ErrNotExist) {
		logger.Migrate.Info("no legacy tasks document, nothing to migrate", "path", paths.Legacy())
		res.SourceAbsent = true
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("read legacy tasks: %w", err)
	}
	items, _, err := store.ParseLegacy(data)
	if err != nil {
		return res, fmt.Errorf("parse legacy tasks: %w", err)
	}

	tasks, origin, skipped := decodeItems(items)
	records := store.NewRecordStore(paths, opts.Fingerprints)
	tasks, current, err := dropCurrent(ctx, records, tasks, origin)
	if err != nil {
		return res, err
	}
	res.Skipped = append(skipped, current...)

	if err := store.WriteFileAtomic(paths.Archive(), data); err != nil {
		return res, fmt.Errorf("archive legacy tasks: %w", err)
	}
	res.ArchivePath = paths.Archive()

	if err := records.Import(ctx, tasks); err != nil {
		return res, fmt.Errorf("import tasks: %w", err)
	}
	// Import only creates the directory when there is something to write;
	// the layout must flip even for an empty source.
	if err := os.MkdirAll(paths.RecordsDir(), 0o755); err != nil {
		return res, fmt.Errorf("create records dir: %w", err)
	}
	res.MigratedCount = len(tasks)

	for _, s := range res.Skipped {
		logger.Migrate.Warn("skipped task", "index", s.Index, "task", s.TaskID, "reason", s.Reason)
	}

	if opts.RemoveLegacy {
		if err := os.Remove(paths.Legacy()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return res, fmt.Errorf("remove legacy tasks: %w", err)
		}
		opts.Fingerprints.Removed(paths.Legacy())
		res.LegacyRemoved = true
	}

	if err := opts.Log.Append(eventlog.Record{
		EventType: eventlog.MigrationCompleted,
		Payload: map[string]any{
			"migrated_count": res.MigratedCount,
			"skipped":        len(res.Skipped),
			"archive":        res.ArchivePath,
			"legacy_removed": res.LegacyRemoved,
		},
	}); err != nil {
		logger.Migrate.Warn("append migration event", "error", err)
	}

	logger.Migrate.Info("migration complete",
		"migrated", res.MigratedCount, "skipped", len(res.Skipped),
		"archive", res.ArchivePath, "legacy_removed", res.LegacyRemoved)
	return res, nil
}

// decodeItems turns raw source items into tasks. When two items share an
// id the later one wins, matching the order in which the dashboard wrote
// them.
// The second result holds the source index of each task.
func decodeItems(items []json.RawMessage) ([]store.Task, []int, []Skipped) {
	var (
		tasks   []store.Task
		origin  []int
		skipped []Skipped
		seen    = make(map[string]struct{ task, item int })
	)
	for i, raw := range items {
		var t store.Task
		if err := json.Unmarshal(raw, &t); err != nil {
			skipped = append(skipped, Skipped{Index: i, TaskID: store.ItemID(raw), Reason: err.Error()})
			continue
		}
		if t.ID == "" {
			t.ID = NewID()
		}
		if err := store.ValidateID(t.ID); err != nil {
			skipped = append(skipped, Skipped{Index: i, TaskID: t.ID, Reason: err.Error()})
			continue
		}
		if prev, ok := seen[t.ID]; ok {
			skipped = append(skipped, Skipped{Index: prev.item, TaskID: t.ID, Reason: "superseded by a later item with the same id"})
			tasks[prev.task] = t
			origin[prev.task] = i
			seen[t.ID] = struct{ task, item int }{prev.task, i}
			continue
		}
		seen[t.ID] = struct{ task, item int }{len(tasks), i}
		tasks = append(tasks, t)
		origin = append(origin, i)
	}
	if skipped == nil {
		skipped = []Skipped{}
	}
	return tasks, origin, skipped
}

// dropCurrent removes the tasks whose record already exists and is at least
// as recent as the source item. A malformed record is left alone as well;
// overwriting it would destroy whatever was written there by hand.
func dropCurrent(ctx context.Context, records *store.RecordStore, tasks []store.Task, origin []int) ([]store.Task, []Skipped, error) {
	var (
		keep    []store.Task
		skipped []Skipped
	)
	for i, t := range tasks {
		existing, err := records.Get(ctx, t.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			keep = append(keep, t)
		case store.IsMalformed(err):
			skipped = append(skipped, Skipped{Index: origin[i], TaskID: t.ID, Reason: "existing record is malformed"})
		case err != nil:
			return nil, nil, fmt.Errorf("check existing task %s: %w", t.ID, err)
		case existing.UpdatedAt.Before(t.UpdatedAt):
			keep = append(keep, t)
		default:
			skipped = append(skipped, Skipped{Index: origin[i], TaskID: t.ID, Reason: "existing record is up to date"})
		}
	}
	return keep, skipped, nil
}
