package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"sync"

	"changkun.de/x/plandash/internal/logger"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// readConcurrency bounds parallel record reads during List.
const readConcurrency = 8

// RecordStore keeps one JSON document per task under <plan>/tasks plus the
// index.json summary. Record files for different tasks are written without
// shared locks; only the index read-modify-write is serialized.
type RecordStore struct {
	paths   Paths
	fp      *Fingerprints
	indexMu sync.Mutex
}

// NewRecordStore returns a store rooted at paths. The records directory is
// created lazily by the first write.
func NewRecordStore(paths Paths, fp *Fingerprints) *RecordStore {
	return &RecordStore{paths: paths, fp: fp}
}

// Layout implements Backend.
func (s *RecordStore) Layout() Layout { return LayoutPerRecord }

// Paths returns the locations the store reads and writes.
func (s *RecordStore) Paths() Paths { return s.paths }

// Get returns the task stored in <id>.json.
func (s *RecordStore) Get(ctx context.Context, id string) (Task, error) {
	if err := ValidateID(id); err != nil {
		return Task{}, err
	}
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	return s.readRecord(id)
}

func (s *RecordStore) readRecord(id string) (Task, error) {
	path := s.paths.Record(id)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Task{}, fmt.Errorf("read task %s: %w", id, err)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, &MalformedRecordError{Path: path, TaskID: id, Err: err}
	}
	switch t.ID {
	case "":
		t.ID = id
	case id:
	default:
		return Task{}, &MalformedRecordError{
			Path:   path,
			TaskID: id,
			Err:    fmt.Errorf("record declares task_id %q", t.ID),
		}
	}
	return t, nil
}

// List returns every task listed in the index. When the index is missing or
// unreadable the records directory is enumerated instead. Corrupt records
// and index entries without a record are skipped with a warning.
func (s *RecordStore) List(ctx context.Context) ([]Task, error) {
	entries, err := s.readIndex()
	var ids []string
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Store.Warn("index unreadable, scanning records", "path", s.paths.Index(), "error", err)
		}
		if ids, err = s.scanRecordIDs(); err != nil {
			return nil, err
		}
	} else {
		ids = lo.Uniq(lo.Map(entries, func(e IndexEntry, _ int) string { return e.TaskID }))
	}

	loaded := make([]*Task, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(readConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if ValidateID(id) != nil {
				logger.Store.Warn("skipping index entry with invalid id", "task", id)
				return nil
			}
			t, err := s.readRecord(id)
			switch {
			case err == nil:
				loaded[i] = &t
			case errors.Is(err, ErrNotFound):
				logger.Store.Warn("index entry without record", "task", id)
			case IsMalformed(err):
				logger.Store.Warn("skipping malformed record", "task", id, "error", err)
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	tasks := make([]Task, 0, len(loaded))
	for _, t := range loaded {
		if t != nil {
			tasks = append(tasks, *t)
		}
	}
	return tasks, nil
}

// Put writes the record first and then upserts its index entry. A crash
// between the two leaves an orphaned record, never an orphaned entry.
func (s *RecordStore) Put(ctx context.Context, t Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.writeRecord(t); err != nil {
		return err
	}
	entry := EntryFor(t)
	return s.updateIndex(func(entries []IndexEntry) ([]IndexEntry, bool) {
		return upsertEntry(entries, entry)
	})
}

func (s *RecordStore) writeRecord(t Task) error {
	data, err := marshalDocument(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	path := s.paths.Record(t.ID)
	if err := WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("write task %s: %w", t.ID, err)
	}
	s.fp.Wrote(path, data)
	return nil
}

// Delete removes the index entry and then the record file. It reports
// false when neither existed.
func (s *RecordStore) Delete(ctx context.Context, id string) (bool, error) {
	if err := ValidateID(id); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	hadEntry := false
	err := s.updateIndex(func(entries []IndexEntry) ([]IndexEntry, bool) {
		out, removed := removeEntry(entries, id)
		hadEntry = removed
		return out, removed
	})
	if err != nil {
		return false, err
	}

	path := s.paths.Record(id)
	hadRecord := true
	if err := os.Remove(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("remove task %s: %w", id, err)
		}
		hadRecord = false
	}
	s.fp.Removed(path)
	return hadEntry || hadRecord, nil
}

// SyncResult describes what SyncIndex changed.
type SyncResult struct {
	Task     Task
	Present  bool // the record exists and decodes
	Inserted bool // an entry was added for a record the index did not know
	Removed  bool // an entry was dropped because its record is gone
}

// SyncIndex brings the index entry for id in line with the record on disk.
// It is the index half of Put/Delete, used when a record was edited by
// another program.
func (s *RecordStore) SyncIndex(ctx context.Context, id string) (SyncResult, error) {
	if err := ValidateID(id); err != nil {
		return SyncResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return SyncResult{}, err
	}
	t, err := s.readRecord(id)
	if errors.Is(err, ErrNotFound) {
		var res SyncResult
		err := s.updateIndex(func(entries []IndexEntry) ([]IndexEntry, bool) {
			out, removed := removeEntry(entries, id)
			res.Removed = removed
			return out, removed
		})
		return res, err
	}
	if err != nil {
		return SyncResult{}, err
	}

	res := SyncResult{Task: t, Present: true}
	err = s.updateIndex(func(entries []IndexEntry) ([]IndexEntry, bool) {
		res.Inserted = !slices.ContainsFunc(entries, func(e IndexEntry) bool { return e.TaskID == id })
		return upsertEntry(entries, EntryFor(t))
	})
	return res, err
}

// Import writes every task's record and then merges their entries into the
// index with a single index write. Existing entries for other tasks are kept.
func (s *RecordStore) Import(ctx context.Context, tasks []Task) error {
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("import task %q: %w", t.ID, err)
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(readConcurrency)
	for _, t := range tasks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return s.writeRecord(t)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return s.updateIndex(func(entries []IndexEntry) ([]IndexEntry, bool) {
		// A missing index is written even for an empty batch.
		changed := entries == nil
		for _, t := range tasks {
			var c bool
			entries, c = upsertEntry(entries, EntryFor(t))
			changed = changed || c
		}
		return entries, changed
	})
}

// ReconcileReport lists the index repairs made by Reconcile.
type ReconcileReport struct {
	Added     []string
	Removed   []string
	Refreshed []string
}

// Changed reports whether Reconcile rewrote the index.
func (r ReconcileReport) Changed() bool {
	return len(r.Added)+len(r.Removed)+len(r.Refreshed) > 0
}

// Reconcile repairs the index against the records directory: orphaned
// records gain an entry, entries without a record are dropped, duplicate
// entries are collapsed and stale summaries refreshed. Entries for records
// that fail to decode are left untouched.
func (s *RecordStore) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	ids, err := s.scanRecordIDs()
	if err != nil {
		return report, err
	}
	onDisk := make(map[string]Task, len(ids))
	malformed := make(map[string]bool)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		t, err := s.readRecord(id)
		switch {
		case err == nil:
			onDisk[id] = t
		case IsMalformed(err):
			logger.Store.Warn("reconcile: malformed record", "task", id, "error", err)
			malformed[id] = true
		default:
			return report, err
		}
	}

	err = s.updateIndex(func(entries []IndexEntry) ([]IndexEntry, bool) {
		seen := make(map[string]bool, len(entries))
		out := make([]IndexEntry, 0, len(entries))
		for _, e := range entries {
			if seen[e.TaskID] {
				report.Removed = append(report.Removed, e.TaskID)
				continue
			}
			seen[e.TaskID] = true
			if malformed[e.TaskID] {
				out = append(out, e)
				continue
			}
			t, ok := onDisk[e.TaskID]
			if !ok {
				report.Removed = append(report.Removed, e.TaskID)
				continue
			}
			if !e.Matches(t) {
				report.Refreshed = append(report.Refreshed, e.TaskID)
				e = EntryFor(t)
			}
			out = append(out, e)
		}
		for _, id := range ids {
			if t, ok := onDisk[id]; ok && !seen[id] {
				report.Added = append(report.Added, id)
				out = append(out, EntryFor(t))
			}
		}
		return out, report.Changed()
	})
	return report, err
}

// Entries returns the current index, rebuilding it from the records when it
// is missing or unreadable.
func (s *RecordStore) Entries(ctx context.Context) ([]IndexEntry, error) {
	entries, err := s.readIndex()
	if err == nil {
		return entries, nil
	}
	return s.rebuildEntries(ctx)
}

func (s *RecordStore) readIndex() ([]IndexEntry, error) {
	data, err := os.ReadFile(s.paths.Index())
	if err != nil {
		return nil, err
	}
	var entries []IndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	return entries, nil
}

// updateIndex applies mutate to the current index under the index lock and
// persists the result when mutate reports a change. A corrupt index is
// rebuilt from the records before mutate runs.
func (s *RecordStore) updateIndex(mutate func([]IndexEntry) ([]IndexEntry, bool)) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	entries, err := s.readIndex()
	rebuilt := false
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Store.Warn("rebuilding unreadable index", "path", s.paths.Index(), "error", err)
			if entries, err = s.rebuildEntries(context.Background()); err != nil {
				return err
			}
			rebuilt = true
		} else {
			entries = nil
		}
	}

	out, changed := mutate(entries)
	if !changed && !rebuilt {
		return nil
	}
	if out == nil {
		out = []IndexEntry{}
	}
	data, err := marshalDocument(out)
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	if err := WriteFileAtomic(s.paths.Index(), data); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	s.fp.Wrote(s.paths.Index(), data)
	return nil
}

func (s *RecordStore) rebuildEntries(ctx context.Context) ([]IndexEntry, error) {
	ids, err := s.scanRecordIDs()
	if err != nil {
		return nil, err
	}
	entries := make([]IndexEntry, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, err := s.readRecord(id)
		if err != nil {
			if IsMalformed(err) || errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		entries = append(entries, EntryFor(t))
	}
	return entries, nil
}

// scanRecordIDs lists the ids of all record files, sorted.
func (s *RecordStore) scanRecordIDs() ([]string, error) {
	dirEntries, err := os.ReadDir(s.paths.RecordsDir())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	var ids []string
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		if id, ok := RecordID(de.Name()); ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func upsertEntry(entries []IndexEntry, entry IndexEntry) ([]IndexEntry, bool) {
	i := slices.IndexFunc(entries, func(e IndexEntry) bool { return e.TaskID == entry.TaskID })
	if i < 0 {
		return append(entries, entry), true
	}
	if entries[i] == entry {
		return entries, false
	}
	entries[i] = entry
	return entries, true
}

func removeEntry(entries []IndexEntry, id string) ([]IndexEntry, bool) {
	out := slices.DeleteFunc(entries, func(e IndexEntry) bool { return e.TaskID == id })
	return out, len(out) != len(entries)
}
