package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"changkun.de/x/plandash/internal/logger"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// LegacyStore reads and writes the monolithic tasks.json document. Every
// mutation re-reads and rewrites the whole file, so cost is linear in the
// number of tasks.
//
// Two document shapes are accepted: a bare array of tasks, and an object
// whose "tasks" key holds the array. Rewrites keep the shape the file had,
// any sibling top-level keys, and items that fail to decode.
type LegacyStore struct {
	paths Paths
	fp    *Fingerprints
	mu    sync.Mutex
}

// NewLegacyStore returns an adapter for paths.Legacy().
func NewLegacyStore(paths Paths, fp *Fingerprints) *LegacyStore {
	return &LegacyStore{paths: paths, fp: fp}
}

// Layout implements Backend.
func (s *LegacyStore) Layout() Layout { return LayoutMonolithic }

// legacyDoc is a decoded tasks.json with enough context to rewrite it in
// its original shape.
type legacyDoc struct {
	wrapped bool
	raw     []byte
	items   []json.RawMessage
}

// ParseLegacy splits a monolithic document into its raw task items.
func ParseLegacy(data []byte) (items []json.RawMessage, wrapped bool, err error) {
	if !gjson.ValidBytes(data) {
		return nil, false, fmt.Errorf("%w: not valid JSON", ErrUnsupportedShape)
	}
	root := gjson.ParseBytes(data)
	arr := root
	switch {
	case root.IsArray():
	case root.IsObject() && root.Get("tasks").IsArray():
		arr = root.Get("tasks")
		wrapped = true
	default:
		return nil, false, fmt.Errorf("%w: expected an array or an object with a tasks array", ErrUnsupportedShape)
	}
	arr.ForEach(func(_, v gjson.Result) bool {
		items = append(items, json.RawMessage(v.Raw))
		return true
	})
	return items, wrapped, nil
}

// ItemID returns the identifier of a raw task item: task_id, id or uuid.
func ItemID(raw []byte) string {
	return firstString(gjson.ParseBytes(raw), "task_id", "id", "uuid")
}

func (s *LegacyStore) load() (*legacyDoc, error) {
	data, err := os.ReadFile(s.paths.Legacy())
	if errors.Is(err, fs.ErrNotExist) {
		return &legacyDoc{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.paths.Legacy(), err)
	}
	items, wrapped, err := ParseLegacy(data)
	if err != nil {
		return nil, err
	}
	return &legacyDoc{wrapped: wrapped, raw: data, items: items}, nil
}

func (s *LegacyStore) save(doc *legacyDoc) error {
	var arr bytes.Buffer
	arr.WriteByte('[')
	for i, it := range doc.items {
		if i > 0 {
			arr.WriteByte(',')
		}
		arr.Write(it)
	}
	arr.WriteByte(']')

	out := arr.Bytes()
	if doc.wrapped {
		var err error
		if out, err = sjson.SetRawBytes(doc.raw, "tasks", out); err != nil {
			return fmt.Errorf("encode tasks document: %w", err)
		}
	}
	data, err := indentDocument(out)
	if err != nil {
		return fmt.Errorf("encode tasks document: %w", err)
	}
	if err := WriteFileAtomic(s.paths.Legacy(), data); err != nil {
		return fmt.Errorf("write tasks document: %w", err)
	}
	s.fp.Wrote(s.paths.Legacy(), data)
	return nil
}

// Get returns the first task in the document with the given id.
func (s *LegacyStore) Get(ctx context.Context, id string) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	doc, err := s.load()
	if err != nil {
		return Task{}, err
	}
	for _, raw := range doc.items {
		if ItemID(raw) != id {
			continue
		}
		var t Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return Task{}, &MalformedRecordError{Path: s.paths.Legacy(), TaskID: id, Err: err}
		}
		return t, nil
	}
	return Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
}

// List decodes every task in the document. An unreadable or wrongly shaped
// document lists as empty; items that fail to decode are skipped.
func (s *LegacyStore) List(ctx context.Context) ([]Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := s.load()
	if errors.Is(err, ErrUnsupportedShape) {
		logger.Store.Warn("ignoring tasks document", "path", s.paths.Legacy(), "error", err)
		return []Task{}, nil
	}
	if err != nil {
		return nil, err
	}
	tasks := make([]Task, 0, len(doc.items))
	for i, raw := range doc.items {
		var t Task
		if err := json.Unmarshal(raw, &t); err != nil {
			logger.Store.Warn("skipping malformed task", "path", s.paths.Legacy(), "index", i, "error", err)
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Put replaces the item with t's id in place, or appends t.
func (s *LegacyStore) Put(ctx context.Context, t Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	replaced := false
	for i, it := range doc.items {
		if ItemID(it) == t.ID {
			doc.items[i] = raw
			replaced = true
			break
		}
	}
	if !replaced {
		doc.items = append(doc.items, raw)
	}
	return s.save(doc)
}

// Delete removes every item with the given id and reports whether any
// existed. The document is not rewritten when nothing matched.
func (s *LegacyStore) Delete(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return false, err
	}
	kept := doc.items[:0]
	for _, it := range doc.items {
		if ItemID(it) != id {
			kept = append(kept, it)
		}
	}
	if len(kept) == len(doc.items) {
		return false, nil
	}
	doc.items = kept
	return true, s.save(doc)
}
