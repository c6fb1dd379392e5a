package service

import (
	"context"
	"path/filepath"

	"changkun.de/x/plandash/internal/eventlog"
	"changkun.de/x/plandash/internal/logger"
	"changkun.de/x/plandash/internal/notify"
	"changkun.de/x/plandash/internal/store"
	"changkun.de/x/plandash/internal/watcher"
)

var _ watcher.Handler = (*Service)(nil)

var externalSource = map[string]any{"source": "external"}

// RecordChanged brings the index in line with a record another program
// wrote or removed, then records and publishes the change.
func (s *Service) RecordChanged(ctx context.Context, id string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.backend.(*store.RecordStore)
	if !ok {
		return
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	res, err := rs.SyncIndex(ctx, id)
	if err != nil {
		logger.Service.Warn("sync external record change", "task", id, "error", err)
		return
	}
	switch {
	case res.Present && res.Inserted:
		s.record(eventlog.TaskCreated, id, externalSource)
		s.hub.Publish(notify.Event{Kind: notify.TaskCreated, Data: res.Task})
	case res.Present:
		s.record(eventlog.TaskUpdated, id, map[string]any{"source": "external", "to_status": res.Task.Status})
		s.hub.Publish(notify.Event{Kind: notify.TaskUpdated, Data: res.Task})
	case res.Removed:
		s.record(eventlog.TaskDeleted, id, externalSource)
		s.hub.Publish(notify.Event{Kind: notify.TaskDeleted, Data: deletedTask{TaskID: id, ID: id}})
	}
}

// StoreChanged follows a layout switch made by another program and
// publishes the full listing.
func (s *Service) StoreChanged(ctx context.Context) {
	if err := s.redetect(); err != nil {
		logger.Service.Warn("detect storage layout", "error", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.publishListingLocked(ctx)
}

// DocumentChanged publishes the new content of a collaborator document.
func (s *Service) DocumentChanged(_ context.Context, name string) {
	var (
		kind notify.Kind
		doc  Document
		err  error
	)
	switch name {
	case filepath.Base(s.paths.HumanRequests()):
		kind = notify.HumanRequestsUpdated
		doc, err = s.HumanRequests()
	case filepath.Base(s.paths.Roadmap()):
		kind = notify.RoadmapUpdated
		doc, err = s.Roadmap()
	default:
		return
	}
	if err != nil {
		logger.Service.Warn("read changed document", "name", name, "error", err)
		return
	}
	s.hub.Publish(notify.Event{Kind: kind, Data: doc})
}
