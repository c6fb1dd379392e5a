// Package service implements the task operations behind the dashboard API.
// It owns the active storage backend and turns every successful mutation
// into an event log record and a live notification.
package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"changkun.de/x/plandash/internal/eventlog"
	"changkun.de/x/plandash/internal/humanreq"
	"changkun.de/x/plandash/internal/logger"
	"changkun.de/x/plandash/internal/migrate"
	"changkun.de/x/plandash/internal/notify"
	"changkun.de/x/plandash/internal/store"
)

var (
	// ErrInvalidField means a request field has a value the service rejects.
	ErrInvalidField = errors.New("invalid field")
	// ErrConflict means a task with the requested id already exists.
	ErrConflict = errors.New("task already exists")
	// ErrImmutableID means an update tried to change a task's id.
	ErrImmutableID = errors.New("task id cannot be changed")
)

// UpdateMode selects what UpdateTask does with an unknown id.
type UpdateMode int

const (
	// Strict fails with store.ErrNotFound.
	Strict UpdateMode = iota
	// Upsert creates the task.
	Upsert
)

// Document is the body of a collaborator document.
type Document struct {
	Content string `json:"content"`
}

// Config holds the collaborators of a Service. Only Paths is required.
type Config struct {
	Paths store.Paths
	// Backend is the storage to start with. When nil, the layout found
	// under Paths is opened.
	Backend      store.Backend
	Fingerprints *store.Fingerprints
	Hub          *notify.Hub
	Log          *eventlog.Log
	Docs         *humanreq.Documents
	// SkipClarifications disables filing a human request when a task
	// becomes blocked.
	SkipClarifications bool
	Now                func() time.Time
}

// Service coordinates the store, the event log and the notifier.
type Service struct {
	paths   store.Paths
	fp      *store.Fingerprints
	hub     *notify.Hub
	log     *eventlog.Log
	docs    *humanreq.Documents
	clarify bool
	now     func() time.Time

	// mu guards backend. Operations hold it shared; switching layouts
	// holds it exclusively.
	mu      sync.RWMutex
	backend store.Backend

	locks keyedMutex
}

// New returns a Service for cfg.
func New(cfg Config) (*Service, error) {
	s := &Service{
		paths:   cfg.Paths,
		fp:      cfg.Fingerprints,
		hub:     cfg.Hub,
		log:     cfg.Log,
		docs:    cfg.Docs,
		clarify: !cfg.SkipClarifications,
		now:     cfg.Now,
		backend: cfg.Backend,
	}
	if s.hub == nil {
		s.hub = notify.NewHub()
	}
	if s.docs == nil {
		s.docs = humanreq.New(cfg.Paths, cfg.Fingerprints)
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.backend == nil {
		b, d, err := store.Open(cfg.Paths, cfg.Fingerprints)
		if err != nil {
			return nil, err
		}
		s.backend = b
		logger.Service.Info("storage opened", "layout", d.Layout, "root", cfg.Paths.Root)
	}
	return s, nil
}

// Hub returns the notifier live connections subscribe to.
func (s *Service) Hub() *notify.Hub { return s.hub }

// Layout returns the layout of the active backend.
func (s *Service) Layout() store.Layout {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend.Layout()
}

// ListTasks returns every readable task ordered by creation time, then id.
func (s *Service) ListTasks(ctx context.Context) ([]store.Task, store.Layout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked(ctx)
}

func (s *Service) listLocked(ctx context.Context) ([]store.Task, store.Layout, error) {
	layout := s.backend.Layout()
	tasks, err := s.backend.List(ctx)
	if err != nil {
		return nil, layout, fmt.Errorf("list tasks: %w", err)
	}
	if tasks == nil {
		tasks = []store.Task{}
	}
	slices.SortStableFunc(tasks, func(a, b store.Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return tasks, layout, nil
}

// Snapshot returns the full listing as the event a new connection starts
// from.
func (s *Service) Snapshot(ctx context.Context) (notify.Event, error) {
	tasks, _, err := s.ListTasks(ctx)
	if err != nil {
		return notify.Event{}, err
	}
	return notify.Event{Kind: notify.TasksBulkReplaced, Data: tasks}, nil
}

// GetTask returns the task with id.
func (s *Service) GetTask(ctx context.Context, id string) (store.Task, error) {
	if err := store.ValidateID(id); err != nil {
		return store.Task{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend.Get(ctx, id)
}

// CreateTask stores a new task. Without an id in f, a T-<uuid> id is
// assigned. The status defaults to pending.
func (s *Service) CreateTask(ctx context.Context, f Fields) (store.Task, error) {
	if err := f.validate(); err != nil {
		return store.Task{}, err
	}
	id := f.ResolvedID()
	if id == "" {
		id = migrate.NewID()
	} else if err := store.ValidateID(id); err != nil {
		return store.Task{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.createLocked(ctx, id, f)
}

func (s *Service) createLocked(ctx context.Context, id string, f Fields) (store.Task, error) {
	_, err := s.backend.Get(ctx, id)
	switch {
	case err == nil, store.IsMalformed(err):
		return store.Task{}, fmt.Errorf("%w: %s", ErrConflict, id)
	case !errors.Is(err, store.ErrNotFound):
		return store.Task{}, err
	}

	now := s.now().UTC()
	t := store.Task{ID: id, Status: store.StatusPending, CreatedAt: now, UpdatedAt: now}
	if f.CreatedAt != nil {
		t.CreatedAt = f.CreatedAt.UTC()
	}
	f.apply(&t)
	if err := s.backend.Put(ctx, t); err != nil {
		return store.Task{}, fmt.Errorf("create task %s: %w", id, err)
	}
	logger.Service.Info("task created", "task", id, "status", t.Status)

	s.record(eventlog.TaskCreated, id, map[string]any{
		"title":  t.EffectiveTitle(),
		"status": t.Status,
	})
	s.hub.Publish(notify.Event{Kind: notify.TaskCreated, Data: t})
	if t.Status == store.StatusBlocked {
		s.fileClarification(t)
	}
	return t, nil
}

// UpdateTask merges f into the task with id and bumps updated_at. Status
// transitions are not restricted. Moving a task into blocked files a
// clarification request linked to it.
func (s *Service) UpdateTask(ctx context.Context, id string, f Fields, mode UpdateMode) (store.Task, error) {
	if err := store.ValidateID(id); err != nil {
		return store.Task{}, err
	}
	if rid := f.ResolvedID(); rid != "" && rid != id {
		return store.Task{}, fmt.Errorf("%w: %s -> %s", ErrImmutableID, id, rid)
	}
	if err := f.validate(); err != nil {
		return store.Task{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	unlock := s.locks.Lock(id)
	defer unlock()

	t, err := s.backend.Get(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound) && mode == Upsert:
		return s.createLocked(ctx, id, f)
	case err != nil:
		return store.Task{}, err
	}

	from := t.Status
	changes := f.apply(&t)
	t.UpdatedAt = s.now().UTC()
	if err := s.backend.Put(ctx, t); err != nil {
		return store.Task{}, fmt.Errorf("update task %s: %w", id, err)
	}
	logger.Service.Info("task updated", "task", id, "changes", changes)

	s.record(eventlog.TaskUpdated, id, map[string]any{
		"changes":     changes,
		"from_status": from,
		"to_status":   t.Status,
	})
	s.hub.Publish(notify.Event{Kind: notify.TaskUpdated, Data: t})
	if from != store.StatusBlocked && t.Status == store.StatusBlocked {
		s.fileClarification(t)
	}
	return t, nil
}

// DeleteTask removes the task with id. It reports false, and records and
// publishes nothing, when there was nothing to remove.
func (s *Service) DeleteTask(ctx context.Context, id string) (bool, error) {
	if err := store.ValidateID(id); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	unlock := s.locks.Lock(id)
	defer unlock()

	existed, err := s.backend.Delete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("delete task %s: %w", id, err)
	}
	if !existed {
		return false, nil
	}
	logger.Service.Info("task deleted", "task", id)
	s.record(eventlog.TaskDeleted, id, nil)
	s.hub.Publish(notify.Event{Kind: notify.TaskDeleted, Data: deletedTask{TaskID: id, ID: id}})
	return true, nil
}

type deletedTask struct {
	TaskID string `json:"task_id"`
	ID     string `json:"id"`
}

// Migrate converts the monolithic document into per-record storage and
// switches to it. Other operations wait until the migration is done.
func (s *Service) Migrate(ctx context.Context, removeLegacy bool) (migrate.Result, error) {
	res, err := s.migrateExclusive(ctx, removeLegacy)
	if err != nil || res.SourceAbsent {
		return res, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.publishListingLocked(ctx)
	return res, nil
}

// migrateExclusive runs the migration with every other mutation held off.
// This is the one place the exclusive lock spans file I/O: a task written
// to tasks.json while it is being copied would be lost.
func (s *Service) migrateExclusive(ctx context.Context, removeLegacy bool) (migrate.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := migrate.Run(ctx, migrate.Options{
		Paths:        s.paths,
		RemoveLegacy: removeLegacy,
		Log:          s.log,
		Fingerprints: s.fp,
	})
	if err != nil {
		return res, err
	}
	return res, s.redetectLocked()
}

// Reconcile repairs the per-record index. It is a no-op for the
// monolithic layout.
func (s *Service) Reconcile(ctx context.Context) (store.ReconcileReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.backend.(*store.RecordStore)
	if !ok {
		return store.ReconcileReport{}, nil
	}
	return rs.Reconcile(ctx)
}

// HumanRequests returns human-requests.md.
func (s *Service) HumanRequests() (Document, error) {
	content, err := s.docs.HumanRequests()
	return Document{Content: content}, err
}

// SetHumanRequests replaces human-requests.md and notifies subscribers.
func (s *Service) SetHumanRequests(doc Document) error {
	if err := s.docs.SetHumanRequests(doc.Content); err != nil {
		return err
	}
	s.hub.Publish(notify.Event{Kind: notify.HumanRequestsUpdated, Data: doc})
	return nil
}

// Roadmap returns roadmap.md.
func (s *Service) Roadmap() (Document, error) {
	content, err := s.docs.Roadmap()
	return Document{Content: content}, err
}

// UserStories returns the stories declared in user_stories.md.
func (s *Service) UserStories() ([]humanreq.Story, error) {
	return s.docs.UserStories()
}

// redetectLocked switches the backend when the layout on disk no longer
// matches it. s.mu must be held exclusively.
func (s *Service) redetectLocked() error {
	d, err := store.DetectLayout(s.paths)
	if err != nil {
		return err
	}
	if d.Layout == s.backend.Layout() {
		return nil
	}
	b, _, err := store.Open(s.paths, s.fp)
	if err != nil {
		return err
	}
	logger.Service.Info("storage layout changed", "from", s.backend.Layout(), "to", b.Layout())
	s.backend = b
	return nil
}

// redetect is redetectLocked for callers that hold no lock. Requests are
// only held off while the backend is swapped.
func (s *Service) redetect() error {
	d, err := store.DetectLayout(s.paths)
	if err != nil {
		return err
	}
	s.mu.RLock()
	current := s.backend.Layout()
	s.mu.RUnlock()
	if d.Layout == current {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.redetectLocked()
}

// publishListingLocked broadcasts the full listing. s.mu must be held.
func (s *Service) publishListingLocked(ctx context.Context) {
	tasks, _, err := s.listLocked(ctx)
	if err != nil {
		logger.Service.Warn("list tasks for broadcast", "error", err)
		return
	}
	s.hub.Publish(notify.Event{Kind: notify.TasksBulkReplaced, Data: tasks})
}

// record appends to the event log. The mutation it describes is already
// durable, so a failure is only logged.
func (s *Service) record(typ eventlog.Type, id string, payload map[string]any) {
	err := s.log.Append(eventlog.Record{
		Timestamp: s.now().UTC(),
		EventType: typ,
		TaskID:    id,
		Payload:   payload,
	})
	if err != nil {
		logger.Service.Warn("append event", "type", typ, "task", id, "error", err)
	}
}

func (s *Service) fileClarification(t store.Task) {
	if !s.clarify {
		return
	}
	content, err := s.docs.AppendClarification(humanreq.NewClarification(t, s.now()))
	if err != nil {
		logger.Service.Warn("file clarification request", "task", t.ID, "error", err)
		return
	}
	s.hub.Publish(notify.Event{Kind: notify.HumanRequestsUpdated, Data: Document{Content: content}})
}
