// Package watcher reports edits made to the plan directory by programs
// other than this server.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"changkun.de/x/plandash/internal/logger"
	"changkun.de/x/plandash/internal/store"
	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
)

// DefaultDelay is how long a path must stay quiet before its change is
// reported.
const DefaultDelay = 250 * time.Millisecond

// Handler receives attributed changes. Calls for different paths may run
// concurrently.
type Handler interface {
	// RecordChanged is called when tasks/<id>.json was written or removed.
	RecordChanged(ctx context.Context, id string)
	// StoreChanged is called when tasks.json or tasks/index.json changed,
	// or when the records directory appeared.
	StoreChanged(ctx context.Context)
	// DocumentChanged is called for human-requests.md and roadmap.md.
	DocumentChanged(ctx context.Context, name string)
}

type kind int

const (
	kindRecord kind = iota + 1
	kindStore
	kindDocument
)

// Watcher observes the plan directory and its records directory.
type Watcher struct {
	paths   store.Paths
	fp      *store.Fingerprints
	handler Handler
	delay   time.Duration

	mu         sync.Mutex
	debouncers map[string]func(func())
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDelay overrides DefaultDelay.
func WithDelay(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.delay = d
		}
	}
}

// New returns a watcher for paths. Changes whose content matches what the
// store last wrote, according to fp, are not reported.
func New(paths store.Paths, fp *store.Fingerprints, h Handler, opts ...Option) *Watcher {
	w := &Watcher{
		paths:      paths,
		fp:         fp,
		handler:    h,
		delay:      DefaultDelay,
		debouncers: make(map[string]func(func())),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run watches until ctx is cancelled. It returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.paths.Root, 0o755); err != nil {
		return fmt.Errorf("create plan dir: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.paths.Root); err != nil {
		return fmt.Errorf("watch %s: %w", w.paths.Root, err)
	}
	w.watchRecordsDir(fw)
	logger.Watcher.Info("watching plan directory", "path", w.paths.Root, "delay", w.delay)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, fw, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logger.Watcher.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) watchRecordsDir(fw *fsnotify.Watcher) {
	dir := w.paths.RecordsDir()
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return
	}
	if err := fw.Add(dir); err != nil {
		logger.Watcher.Warn("cannot watch records dir", "path", dir, "error", err)
		return
	}
	logger.Watcher.Debug("watching records dir", "path", dir)
}

func (w *Watcher) handle(ctx context.Context, fw *fsnotify.Watcher, ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	if strings.HasPrefix(filepath.Base(path), ".") {
		return
	}
	if path == filepath.Clean(w.paths.RecordsDir()) {
		if ev.Has(fsnotify.Create) {
			w.watchRecordsDir(fw)
		}
		// Attribute the directory to whoever wrote the index inside it.
		idx := filepath.Clean(w.paths.Index())
		w.debounce(idx, func() { w.dispatch(ctx, idx, kindStore, "") })
		return
	}
	k, id := w.classify(path)
	if k == 0 {
		return
	}
	w.debounce(path, func() { w.dispatch(ctx, path, k, id) })
}

// classify attributes path to a store component.
func (w *Watcher) classify(path string) (kind, string) {
	dir, base := filepath.Dir(path), filepath.Base(path)
	switch dir {
	case filepath.Clean(w.paths.RecordsDir()):
		if path == filepath.Clean(w.paths.Index()) {
			return kindStore, ""
		}
		if id, ok := store.RecordID(base); ok {
			return kindRecord, id
		}
	case filepath.Clean(w.paths.Root):
		switch path {
		case filepath.Clean(w.paths.Legacy()):
			return kindStore, ""
		case filepath.Clean(w.paths.HumanRequests()), filepath.Clean(w.paths.Roadmap()):
			return kindDocument, base
		}
	}
	return 0, ""
}

// debounce runs fn once path has been quiet for the configured delay.
func (w *Watcher) debounce(path string, fn func()) {
	w.mu.Lock()
	d, ok := w.debouncers[path]
	if !ok {
		d = debounce.New(w.delay)
		w.debouncers[path] = d
	}
	w.mu.Unlock()
	d(fn)
}

func (w *Watcher) dispatch(ctx context.Context, path string, k kind, id string) {
	if ctx.Err() != nil {
		return
	}
	data, err := os.ReadFile(path)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Watcher.Warn("read changed file", "path", path, "error", err)
		return
	}
	if w.fp.Owned(path, data, exists) {
		logger.Watcher.Debug("ignoring own write", "path", path)
		return
	}

	logger.Watcher.Info("external change", "path", path)
	switch k {
	case kindRecord:
		w.handler.RecordChanged(ctx, id)
	case kindStore:
		w.handler.StoreChanged(ctx)
	case kindDocument:
		w.handler.DocumentChanged(ctx, id)
	}
}
