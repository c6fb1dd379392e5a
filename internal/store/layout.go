package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"changkun.de/x/plandash/internal/logger"
)

// Backend is the storage contract shared by both layouts.
type Backend interface {
	Layout() Layout
	Get(ctx context.Context, id string) (Task, error)
	List(ctx context.Context) ([]Task, error)
	Put(ctx context.Context, t Task) error
	Delete(ctx context.Context, id string) (bool, error)
}

var (
	_ Backend = (*RecordStore)(nil)
	_ Backend = (*LegacyStore)(nil)
)

// Detection is the outcome of inspecting a plan directory.
type Detection struct {
	Layout Layout
	// Ambiguous is set when both tasks.json and tasks/ exist.
	Ambiguous bool
	// LegacyArchived is set when tasks.json is byte-identical to the
	// migration archive copy.
	LegacyArchived bool
}

// DetectLayout decides which layout the plan directory uses. The records
// directory wins over tasks.json; a directory with neither is an empty
// per-record store.
func DetectLayout(paths Paths) (Detection, error) {
	recordsDir, err := exists(paths.RecordsDir())
	if err != nil {
		return Detection{}, err
	}
	legacy, err := exists(paths.Legacy())
	if err != nil {
		return Detection{}, err
	}
	switch {
	case recordsDir:
		d := Detection{Layout: LayoutPerRecord, Ambiguous: legacy}
		if legacy {
			d.LegacyArchived = sameContent(paths.Legacy(), paths.Archive())
		}
		return d, nil
	case legacy:
		return Detection{Layout: LayoutMonolithic}, nil
	default:
		return Detection{Layout: LayoutPerRecord}, nil
	}
}

// Open detects the layout of paths and returns the matching backend.
func Open(paths Paths, fp *Fingerprints) (Backend, Detection, error) {
	d, err := DetectLayout(paths)
	if err != nil {
		return nil, Detection{}, err
	}
	if d.Ambiguous && !d.LegacyArchived {
		logger.Store.Warn("both tasks.json and tasks/ exist; using per-record layout",
			"legacy", paths.Legacy(), "records", paths.RecordsDir())
	}
	if d.Layout == LayoutMonolithic {
		return NewLegacyStore(paths, fp), d, nil
	}
	return NewRecordStore(paths, fp), d, nil
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", path, err)
}
