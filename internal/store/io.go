package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeebo/blake3"
)

// Paths resolves every file the dashboard keeps under its plan directory.
type Paths struct {
	Root string
}

const (
	legacyName        = "tasks.json"
	recordsDirName    = "tasks"
	indexName         = "index"
	indexFileName     = indexName + ".json"
	eventLogName      = "events.log"
	archiveDirName    = "log-archive"
	archiveName       = "tasks-archive.json"
	humanRequestsName = "human-requests.md"
	roadmapName       = "roadmap.md"
	userStoriesName   = "user_stories.md"
)

func (p Paths) Legacy() string          { return filepath.Join(p.Root, legacyName) }
func (p Paths) RecordsDir() string      { return filepath.Join(p.Root, recordsDirName) }
func (p Paths) Index() string           { return filepath.Join(p.RecordsDir(), indexFileName) }
func (p Paths) Record(id string) string { return filepath.Join(p.RecordsDir(), id+".json") }
func (p Paths) EventLog() string        { return filepath.Join(p.Root, eventLogName) }
func (p Paths) Archive() string         { return filepath.Join(p.Root, archiveDirName, archiveName) }
func (p Paths) HumanRequests() string   { return filepath.Join(p.Root, humanRequestsName) }
func (p Paths) Roadmap() string         { return filepath.Join(p.Root, roadmapName) }
func (p Paths) UserStories() string     { return filepath.Join(p.Root, userStoriesName) }

// RecordID returns the task id encoded in a record file name, or false when
// name is not a record (the index, temp files, other extensions).
func RecordID(name string) (string, bool) {
	if filepath.Ext(name) != ".json" || name == indexFileName || len(name) == 0 || name[0] == '.' {
		return "", false
	}
	id := name[:len(name)-len(".json")]
	if ValidateID(id) != nil {
		return "", false
	}
	return id, true
}

// marshalDocument encodes v the way every plan document is stored:
// two-space indentation and a trailing newline.
func marshalDocument(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// indentDocument re-indents an already encoded JSON document.
func indentDocument(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// WriteFileAtomic writes data to a dot-prefixed temp file next to path and
// renames it into place, so readers never observe a partial document.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}

// Fingerprints remembers the content of the last write (or removal) the
// store made to each path, so the file watcher can tell the store's own
// writes from edits made by other programs. A nil *Fingerprints is valid and
// remembers nothing.
type Fingerprints struct {
	mu   sync.Mutex
	last map[string]fingerprint
}

type fingerprint struct {
	sum     [32]byte
	removed bool
}

// NewFingerprints returns an empty registry.
func NewFingerprints() *Fingerprints {
	return &Fingerprints{last: make(map[string]fingerprint)}
}

func (f *Fingerprints) Wrote(path string, data []byte) {
	if f == nil {
		return
	}
	f.mu.Lock()
	f.last[filepath.Clean(path)] = fingerprint{sum: blake3.Sum256(data)}
	f.mu.Unlock()
}

func (f *Fingerprints) Removed(path string) {
	if f == nil {
		return
	}
	f.mu.Lock()
	f.last[filepath.Clean(path)] = fingerprint{removed: true}
	f.mu.Unlock()
}

// Owned reports whether the current state of path is exactly what the store
// last left there: data equal to the last write, or the file absent after
// the store removed it. data is ignored when exists is false.
func (f *Fingerprints) Owned(path string, data []byte, exists bool) bool {
	if f == nil {
		return false
	}
	f.mu.Lock()
	fp, ok := f.last[filepath.Clean(path)]
	f.mu.Unlock()
	if !ok {
		return false
	}
	if !exists {
		return fp.removed
	}
	return !fp.removed && fp.sum == blake3.Sum256(data)
}

// sameContent reports whether two files exist and hold identical bytes.
func sameContent(a, b string) bool {
	da, err := os.ReadFile(a)
	if err != nil {
		return false
	}
	db, err := os.ReadFile(b)
	if err != nil {
		return false
	}
	return blake3.Sum256(da) == blake3.Sum256(db)
}
