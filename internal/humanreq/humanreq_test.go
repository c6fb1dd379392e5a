package humanreq

import (
	"os"
	"strings"
	"testing"
	"time"

	"changkun.de/x/plandash/internal/store"
)

func newDocs(t *testing.T) *Documents {
	t.Helper()
	return New(store.Paths{Root: t.TempDir()}, store.NewFingerprints())
}

var testClar = Clarification{
	ID:     "HR-1",
	TaskID: "T-9",
	Title:  "Clarification needed for Login",
	Date:   time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
}

func TestInsertPending_UnderExistingHeading(t *testing.T) {
	doc := "# Human Requests\n\n## 🔄 Pending Requests\n\n### HR-0: older\n\n## ✅ Completed\n"
	out := string(InsertPending([]byte(doc), []byte(testClar.Markdown())))

	head := strings.Index(out, "## 🔄 Pending Requests")
	mine := strings.Index(out, "### HR-1")
	older := strings.Index(out, "### HR-0")
	done := strings.Index(out, "## ✅ Completed")
	if !(head < mine && mine < older && older < done) {
		t.Errorf("unexpected order:\n%s", out)
	}
	if strings.Count(out, "Pending Requests") != 1 {
		t.Errorf("heading duplicated:\n%s", out)
	}
}

func TestInsertPending_HeadingWithoutEmoji(t *testing.T) {
	doc := "## Pending Requests\nnone yet\n"
	out := string(InsertPending([]byte(doc), []byte("BLOCK\n")))
	if out != "## Pending Requests\nBLOCK\nnone yet\n" {
		t.Errorf("got:\n%q", out)
	}
}

func TestInsertPending_SetextHeading(t *testing.T) {
	doc := "Pending Requests\n----------------\nbody\n"
	out := string(InsertPending([]byte(doc), []byte("BLOCK\n")))
	if out != "Pending Requests\n----------------\nBLOCK\nbody\n" {
		t.Errorf("got:\n%q", out)
	}
}

func TestInsertPending_IgnoresOtherLevelsAndCode(t *testing.T) {
	doc := "### Pending Requests\n\n```\n## Pending Requests\n```\n"
	out := string(InsertPending([]byte(doc), []byte("BLOCK\n")))
	if !strings.HasSuffix(out, "\n"+PendingHeading+"\nBLOCK\n") {
		t.Errorf("expected heading appended at the end:\n%s", out)
	}
}

func TestInsertPending_HeadingAtEOFWithoutNewline(t *testing.T) {
	out := string(InsertPending([]byte("## Pending Requests"), []byte("BLOCK\n")))
	if out != "## Pending Requests\nBLOCK\n" {
		t.Errorf("got %q", out)
	}
}

func TestAppendClarification_CreatesDocument(t *testing.T) {
	d := newDocs(t)
	content, err := d.AppendClarification(testClar)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{PendingHeading, "### HR-1: Clarification needed for Login", "**Linked Task:**\nT-9", "**Date:** 2025-06-01"} {
		if !strings.Contains(content, want) {
			t.Errorf("missing %q in:\n%s", want, content)
		}
	}
	onDisk, err := d.HumanRequests()
	if err != nil || onDisk != content {
		t.Errorf("HumanRequests() = %q, %v", onDisk, err)
	}
}

func TestAppendClarification_Twice(t *testing.T) {
	d := newDocs(t)
	if _, err := d.AppendClarification(testClar); err != nil {
		t.Fatal(err)
	}
	second := testClar
	second.ID = "HR-2"
	content, err := d.AppendClarification(second)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(content, "Pending Requests") != 1 {
		t.Errorf("heading duplicated:\n%s", content)
	}
	if strings.Index(content, "HR-2") > strings.Index(content, "HR-1") {
		t.Errorf("newest request should come first:\n%s", content)
	}
}

func TestDocuments_ReadMissing(t *testing.T) {
	d := newDocs(t)
	for name, read := range map[string]func() (string, error){
		"human requests": d.HumanRequests,
		"roadmap":        d.Roadmap,
	} {
		content, err := read()
		if err != nil || content != "" {
			t.Errorf("%s: %q, %v", name, content, err)
		}
	}
}

func TestDocuments_SetHumanRequestsFingerprinted(t *testing.T) {
	fp := store.NewFingerprints()
	paths := store.Paths{Root: t.TempDir()}
	d := New(paths, fp)
	if err := d.SetHumanRequests("# hi\n"); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(paths.HumanRequests())
	if err != nil {
		t.Fatal(err)
	}
	if !fp.Owned(paths.HumanRequests(), data, true) {
		t.Error("write not fingerprinted")
	}
}

func TestNewClarification(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	c := NewClarification(store.Task{ID: "T-1", Title: "Fix login"}, now)
	if c.ID != "HR-1700000000123" || c.Title != "Clarification needed for Fix login" || c.TaskID != "T-1" {
		t.Errorf("NewClarification = %+v", c)
	}
}
