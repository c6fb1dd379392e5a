package store

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Status is the board column a task sits in.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusBlocked    Status = "blocked"
)

// Valid reports whether s is one of the four board columns.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusDone, StatusBlocked:
		return true
	}
	return false
}

// TaskType classifies the work a task represents.
type TaskType string

const (
	TypeFeatureDevelopment TaskType = "feature_development"
	TypeBugFix             TaskType = "bug_fix"
	TypeUITest             TaskType = "ui_test"
	TypeDocumentation      TaskType = "documentation"
	TypeRefactoring        TaskType = "refactoring"
)

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TypeFeatureDevelopment, TypeBugFix, TypeUITest, TypeDocumentation, TypeRefactoring:
		return true
	}
	return false
}

// Priority orders tasks within a column.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Task is the core domain model: one card on the dashboard board.
//
// ID is the only identifier used internally. Encoded documents always carry
// it twice, as "task_id" and as the "id" alias older clients read.
type Task struct {
	ID            string          `json:"task_id"`
	Title         string          `json:"title,omitempty"`
	Description   string          `json:"description,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Type          TaskType        `json:"type,omitempty"`
	Priority      Priority        `json:"priority,omitempty"`
	Agent         string          `json:"agent,omitempty"`
	SourceStoryID string          `json:"source_story_id,omitempty"`
	Status        Status          `json:"status"`
	CreatedAt     time.Time       `json:"created_at,omitzero"`
	UpdatedAt     time.Time       `json:"updated_at,omitzero"`

	// Extra holds top-level fields this server does not model. They are
	// written back unchanged so older tooling never loses data.
	Extra map[string]json.RawMessage `json:"-"`
}

// knownFields are the top-level keys decoded into Task fields.
var knownFields = map[string]bool{
	"task_id":         true,
	"id":              true,
	"title":           true,
	"description":     true,
	"payload":         true,
	"type":            true,
	"priority":        true,
	"agent":           true,
	"source_story_id": true,
	"status":          true,
	"created_at":      true,
	"updated_at":      true,
}

// SplitFields separates the top-level keys of the object root that Task
// models from the rest. Keys match exactly, so "Title" ends up in extra
// instead of filling Title. known is a JSON object ready to be decoded.
func SplitFields(root gjson.Result) (known []byte, extra map[string]json.RawMessage, err error) {
	known = []byte("{}")
	root.ForEach(func(key, value gjson.Result) bool {
		k := key.String()
		if !knownFields[k] {
			if extra == nil {
				extra = make(map[string]json.RawMessage)
			}
			extra[k] = json.RawMessage(value.Raw)
			return true
		}
		known, err = sjson.SetRawBytes(known, escapePath(k), []byte(value.Raw))
		return err == nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("split fields: %w", err)
	}
	return known, extra, nil
}

// timeLayouts are accepted for created_at/updated_at, most precise first.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.DateOnly,
}

// MarshalJSON encodes the task with both identifier names and any
// preserved unknown fields.
func (t Task) MarshalJSON() ([]byte, error) {
	type plain Task
	data, err := json.Marshal(plain(t))
	if err != nil {
		return nil, err
	}
	if data, err = sjson.SetBytes(data, "id", t.ID); err != nil {
		return nil, fmt.Errorf("encode id alias: %w", err)
	}
	for _, k := range slices.Sorted(maps.Keys(t.Extra)) {
		if knownFields[k] {
			continue
		}
		if data, err = sjson.SetRawBytes(data, escapePath(k), t.Extra[k]); err != nil {
			return nil, fmt.Errorf("encode field %q: %w", k, err)
		}
	}
	return data, nil
}

// UnmarshalJSON decodes a task written by this server, by the legacy
// dashboard, or by hand. The identifier is taken from task_id, then id, then
// uuid. A missing status decodes as pending; an unknown one is an error.
func (t *Task) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("task is not valid JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return fmt.Errorf("task must be a JSON object, got %s", root.Type)
	}

	type plain Task
	var w struct {
		plain
		// Shadow the fields resolved by hand below.
		TaskID    json.RawMessage `json:"task_id"`
		Status    json.RawMessage `json:"status"`
		CreatedAt json.RawMessage `json:"created_at"`
		UpdatedAt json.RawMessage `json:"updated_at"`
	}
	known, extra, err := SplitFields(root)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(known, &w); err != nil {
		return err
	}
	*t = Task(w.plain)
	t.Extra = extra

	t.ID = firstString(root, "task_id", "id", "uuid")

	status := root.Get("status")
	switch {
	case !status.Exists() || status.Type == gjson.Null || status.String() == "":
		t.Status = StatusPending
	case status.Type != gjson.String || !Status(status.String()).Valid():
		return fmt.Errorf("%w: %s", ErrInvalidStatus, status.Raw)
	default:
		t.Status = Status(status.String())
	}

	if t.CreatedAt, err = ParseTime(root.Get("created_at")); err != nil {
		return fmt.Errorf("created_at: %w", err)
	}
	if t.UpdatedAt, err = ParseTime(root.Get("updated_at")); err != nil {
		return fmt.Errorf("updated_at: %w", err)
	}
	return nil
}

func firstString(root gjson.Result, keys ...string) string {
	for _, k := range keys {
		v := root.Get(escapePath(k))
		if v.Exists() && v.Type != gjson.Null && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// ParseTime accepts RFC 3339 strings, a few looser layouts seen in
// hand-edited files, and JavaScript millisecond timestamps.
func ParseTime(v gjson.Result) (time.Time, error) {
	switch v.Type {
	case gjson.Null:
		return time.Time{}, nil
	case gjson.Number:
		return time.UnixMilli(v.Int()).UTC(), nil
	case gjson.String:
		s := strings.TrimSpace(v.String())
		if s == "" {
			return time.Time{}, nil
		}
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	default:
		if !v.Exists() {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("unexpected timestamp value %s", v.Raw)
	}
}

// escapePath escapes gjson/sjson path metacharacters in a literal key.
func escapePath(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', '!', '=', '<', '>', '%':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// PayloadString returns a string field of the nested payload object.
func (t Task) PayloadString(field string) string {
	if len(t.Payload) == 0 {
		return ""
	}
	return gjson.GetBytes(t.Payload, escapePath(field)).String()
}

// EffectiveTitle is the title shown on the board: title, payload.title, the
// start of payload.description, or the id.
func (t Task) EffectiveTitle() string {
	if t.Title != "" {
		return t.Title
	}
	if s := t.PayloadString("title"); s != "" {
		return s
	}
	if s := t.PayloadString("description"); s != "" {
		return truncateRunes(s, 80)
	}
	return t.ID
}

// EffectiveType falls back to payload.type for legacy records.
func (t Task) EffectiveType() TaskType {
	if t.Type != "" {
		return t.Type
	}
	return TaskType(t.PayloadString("type"))
}

// EffectivePriority falls back to payload.priority for legacy records.
func (t Task) EffectivePriority() Priority {
	if t.Priority != "" {
		return t.Priority
	}
	return Priority(t.PayloadString("priority"))
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// Clone returns a deep copy of t.
func (t Task) Clone() Task {
	cp := t
	if t.Payload != nil {
		cp.Payload = slices.Clone(t.Payload)
	}
	if t.Extra != nil {
		cp.Extra = make(map[string]json.RawMessage, len(t.Extra))
		for k, v := range t.Extra {
			cp.Extra[k] = slices.Clone(v)
		}
	}
	return cp
}

// Validate checks the invariants every persisted task must satisfy.
func (t Task) Validate() error {
	if err := ValidateID(t.ID); err != nil {
		return err
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, t.Status)
	}
	return nil
}

// maxIDLen bounds ids so record file names stay portable.
const maxIDLen = 200

// ValidateID rejects ids that cannot be used as a record file name.
func ValidateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidID)
	case len(id) > maxIDLen:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidID, maxIDLen)
	case strings.HasPrefix(id, "."):
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidID, id)
	case strings.ContainsAny(id, `/\`+"\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidID, id)
	case id == indexName:
		return fmt.Errorf("%w: %q is reserved", ErrInvalidID, id)
	}
	return nil
}

// IndexEntry is the denormalized summary of a task kept in index.json.
type IndexEntry struct {
	TaskID    string    `json:"task_id"`
	Title     string    `json:"title"`
	Status    Status    `json:"status"`
	Agent     string    `json:"agent,omitempty"`
	Type      TaskType  `json:"type,omitempty"`
	Priority  Priority  `json:"priority,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// EntryFor builds the index entry summarizing t.
func EntryFor(t Task) IndexEntry {
	return IndexEntry{
		TaskID:    t.ID,
		Title:     t.EffectiveTitle(),
		Status:    t.Status,
		Agent:     t.Agent,
		Type:      t.EffectiveType(),
		Priority:  t.EffectivePriority(),
		UpdatedAt: t.UpdatedAt,
	}
}

// Matches reports whether e still describes t.
func (e IndexEntry) Matches(t Task) bool {
	return e.TaskID == t.ID &&
		e.Title == t.EffectiveTitle() &&
		e.Status == t.Status &&
		e.Agent == t.Agent
}

// Layout is the on-disk representation of a store.
type Layout string

const (
	LayoutMonolithic Layout = "monolithic"
	LayoutPerRecord  Layout = "per-record"
)

// Structure is the name the dashboard API uses for the layout.
func (l Layout) Structure() string {
	if l == LayoutPerRecord {
		return "per-task"
	}
	return string(l)
}
