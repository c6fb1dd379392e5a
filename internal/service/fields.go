package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"changkun.de/x/plandash/internal/store"
	"github.com/tidwall/gjson"
)

// Fields is a partial task as sent by clients. Nil fields are left
// unchanged; unknown top-level keys are kept in Extra and merged into the
// stored document.
type Fields struct {
	TaskID        *string         `json:"task_id"`
	ID            *string         `json:"id"`
	Title         *string         `json:"title"`
	Description   *string         `json:"description"`
	Payload       json.RawMessage `json:"payload"`
	Type          *store.TaskType `json:"type"`
	Priority      *store.Priority `json:"priority"`
	Agent         *string         `json:"agent"`
	SourceStoryID *string         `json:"source_story_id"`
	Status        *store.Status   `json:"status"`
	// CreatedAt is honored when a task is created and ignored afterwards.
	CreatedAt *time.Time `json:"-"`

	Extra map[string]json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes a request body. created_at is accepted in any layout
// stored tasks accept; updated_at is owned by the service and ignored.
func (f *Fields) UnmarshalJSON(data []byte) error {
	root := gjson.ParseBytes(data)
	if !gjson.ValidBytes(data) || !root.IsObject() {
		return fmt.Errorf("%w: body must be a JSON object", ErrInvalidField)
	}
	known, extra, err := store.SplitFields(root)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidField, err)
	}
	type plain Fields
	var p plain
	if err := json.Unmarshal(known, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidField, err)
	}
	*f = Fields(p)
	f.Extra = extra
	if v := root.Get("payload"); v.Exists() {
		f.Payload = json.RawMessage(v.Raw)
	}
	ts, err := store.ParseTime(root.Get("created_at"))
	if err != nil {
		return fmt.Errorf("%w: created_at: %v", ErrInvalidField, err)
	}
	if !ts.IsZero() {
		f.CreatedAt = &ts
	}
	return nil
}

// ResolvedID is task_id, falling back to the id alias.
func (f Fields) ResolvedID() string {
	if f.TaskID != nil && *f.TaskID != "" {
		return *f.TaskID
	}
	if f.ID != nil {
		return *f.ID
	}
	return ""
}

func (f Fields) validate() error {
	if f.TaskID != nil && f.ID != nil && *f.TaskID != "" && *f.ID != "" && *f.TaskID != *f.ID {
		return fmt.Errorf("%w: task_id %q and id %q disagree", ErrInvalidField, *f.TaskID, *f.ID)
	}
	if f.Status != nil && !f.Status.Valid() {
		return fmt.Errorf("%w: %w: %q", ErrInvalidField, store.ErrInvalidStatus, *f.Status)
	}
	if f.Type != nil && *f.Type != "" && !f.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidField, *f.Type)
	}
	if f.Priority != nil && *f.Priority != "" && !f.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidField, *f.Priority)
	}
	if len(f.Payload) > 0 && !json.Valid(f.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidField)
	}
	return nil
}

// apply merges f into t and returns the names of the fields that changed.
func (f Fields) apply(t *store.Task) []string {
	changes := []string{}
	set(&changes, "title", &t.Title, f.Title)
	set(&changes, "description", &t.Description, f.Description)
	set(&changes, "type", &t.Type, f.Type)
	set(&changes, "priority", &t.Priority, f.Priority)
	set(&changes, "agent", &t.Agent, f.Agent)
	set(&changes, "source_story_id", &t.SourceStoryID, f.SourceStoryID)
	set(&changes, "status", &t.Status, f.Status)

	if f.Payload != nil {
		p := f.Payload
		if bytes.Equal(bytes.TrimSpace(p), []byte("null")) {
			p = nil
		}
		if !bytes.Equal(t.Payload, p) {
			t.Payload = slices.Clone(p)
			changes = append(changes, "payload")
		}
	}
	for _, k := range slices.Sorted(maps.Keys(f.Extra)) {
		v := f.Extra[k]
		if old, ok := t.Extra[k]; ok && bytes.Equal(old, v) {
			continue
		}
		if t.Extra == nil {
			t.Extra = make(map[string]json.RawMessage)
		}
		t.Extra[k] = slices.Clone(v)
		changes = append(changes, k)
	}
	return changes
}

func set[T comparable](changes *[]string, name string, dst, src *T) {
	if src == nil || *dst == *src {
		return
	}
	*dst = *src
	*changes = append(*changes, name)
}
