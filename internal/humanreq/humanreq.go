// Package humanreq reads and writes the collaborator documents kept next to
// the tasks: human-requests.md, roadmap.md and user_stories.md. Their content
// is mostly opaque text. The structure this package looks at is the
// pending-requests heading that blocked tasks link a clarification under,
// and the story headings tasks refer to by source_story_id.
package humanreq

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"changkun.de/x/plandash/internal/store"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// PendingHeading is the section new clarification requests are filed under.
const PendingHeading = "## 🔄 Pending Requests"

const pendingTitle = "Pending Requests"

var markdown = goldmark.New()

// Documents gives serialized access to the collaborator documents.
type Documents struct {
	paths store.Paths
	fp    *store.Fingerprints
	mu    sync.Mutex
}

// New returns the documents of the plan directory at paths.
func New(paths store.Paths, fp *store.Fingerprints) *Documents {
	return &Documents{paths: paths, fp: fp}
}

// HumanRequests returns the content of human-requests.md, or "" when absent.
func (d *Documents) HumanRequests() (string, error) {
	return readOptional(d.paths.HumanRequests())
}

// Roadmap returns the content of roadmap.md, or "" when absent.
func (d *Documents) Roadmap() (string, error) {
	return readOptional(d.paths.Roadmap())
}

// SetHumanRequests replaces human-requests.md.
func (d *Documents) SetHumanRequests(content string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.write(d.paths.HumanRequests(), []byte(content))
}

// Clarification is a request for human input linked to a blocked task.
type Clarification struct {
	ID     string
	TaskID string
	Title  string
	Date   time.Time
}

// NewClarification builds the clarification filed when task becomes blocked.
func NewClarification(task store.Task, now time.Time) Clarification {
	return Clarification{
		ID:     fmt.Sprintf("HR-%d", now.UnixMilli()),
		TaskID: task.ID,
		Title:  "Clarification needed for " + task.EffectiveTitle(),
		Date:   now,
	}
}

// Markdown renders c as a request block.
func (c Clarification) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n### %s: %s\n", c.ID, c.Title)
	b.WriteString("**Type:** Agent Clarification\n")
	b.WriteString("**Priority:** MEDIUM\n")
	b.WriteString("**Requester:** System\n")
	fmt.Fprintf(&b, "**Date:** %s\n\n", c.Date.UTC().Format(time.DateOnly))
	b.WriteString("**Description:**\n")
	fmt.Fprintf(&b, "Task %s was marked as BLOCKED. Please provide missing info or guidance to unblock.\n\n", c.TaskID)
	fmt.Fprintf(&b, "**Linked Task:**\n%s\n\n", c.TaskID)
	b.WriteString("**Status:** pending\n\n---\n")
	return b.String()
}

// AppendClarification files c under the pending-requests heading, adding
// the heading when the document has none. It returns the new content.
func (d *Documents) AppendClarification(c Clarification) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	current, err := readOptional(d.paths.HumanRequests())
	if err != nil {
		return "", err
	}
	updated := InsertPending([]byte(current), []byte(c.Markdown()))
	if err := d.write(d.paths.HumanRequests(), updated); err != nil {
		return "", err
	}
	return string(updated), nil
}

// InsertPending inserts block right below the first level-two heading whose
// text mentions pending requests. Without such a heading, the heading and
// block are appended to the end of doc.
func InsertPending(doc, block []byte) []byte {
	at, ok := pendingInsertOffset(doc)
	if !ok {
		var b bytes.Buffer
		b.Write(doc)
		b.WriteString("\n" + PendingHeading + "\n")
		b.Write(block)
		return b.Bytes()
	}
	out := make([]byte, 0, len(doc)+len(block)+1)
	out = append(out, doc[:at]...)
	if at == len(doc) && (at == 0 || doc[at-1] != '\n') {
		out = append(out, '\n')
	}
	out = append(out, block...)
	return append(out, doc[at:]...)
}

// pendingInsertOffset returns the byte offset just past the pending
// heading's line (and its underline for setext headings).
func pendingInsertOffset(src []byte) (int, bool) {
	root := markdown.Parser().Parse(text.NewReader(src))
	offset := -1
	ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		h, ok := n.(*ast.Heading)
		if !ok {
			return ast.WalkContinue, nil
		}
		lines := h.Lines()
		if h.Level != 2 || lines.Len() == 0 {
			return ast.WalkSkipChildren, nil
		}
		if !strings.Contains(headingText(h, src), pendingTitle) {
			return ast.WalkSkipChildren, nil
		}
		offset = lines.At(lines.Len() - 1).Stop
		if offset == 0 || src[offset-1] != '\n' {
			offset = lineEnd(src, offset)
		}
		if next := lineEnd(src, offset); isSetextUnderline(src[offset:next]) {
			offset = next
		}
		return ast.WalkStop, nil
	})
	return offset, offset >= 0
}

func headingText(h *ast.Heading, src []byte) string {
	var b bytes.Buffer
	lines := h.Lines()
	for i := range lines.Len() {
		seg := lines.At(i)
		b.Write(seg.Value(src))
	}
	return b.String()
}

// lineEnd returns the offset after the newline that ends the line
// containing pos, or len(src).
func lineEnd(src []byte, pos int) int {
	if pos >= len(src) {
		return len(src)
	}
	if i := bytes.IndexByte(src[pos:], '\n'); i >= 0 {
		return pos + i + 1
	}
	return len(src)
}

func isSetextUnderline(line []byte) bool {
	line = bytes.TrimSpace(line)
	return len(line) > 0 && len(bytes.Trim(line, "-")) == 0
}

func (d *Documents) write(path string, data []byte) error {
	if err := store.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	d.fp.Wrote(path, data)
	return nil
}

func readOptional(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}
