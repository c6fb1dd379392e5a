package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"changkun.de/x/plandash/internal/humanreq"
	"changkun.de/x/plandash/internal/service"
	"changkun.de/x/plandash/internal/store"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type fixture struct {
	h     *Handler
	paths store.Paths
}

func newFixture(t *testing.T, legacy string) fixture {
	t.Helper()
	paths := store.Paths{Root: t.TempDir()}
	if legacy != "" {
		if err := os.WriteFile(paths.Legacy(), []byte(legacy), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	svc, err := service.New(service.Config{Paths: paths, Fingerprints: store.NewFingerprints()})
	if err != nil {
		t.Fatal(err)
	}
	return fixture{h: NewHandler(svc, WithHeartbeat(50*time.Millisecond)), paths: paths}
}

// call invokes fn with a request for method and target. id, when set, is
// installed as the {id} path value.
func call(t *testing.T, fn http.HandlerFunc, method, target, id, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if id != "" {
		req.SetPathValue("id", id)
	}
	w := httptest.NewRecorder()
	fn(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func wantStatus(t *testing.T, w *httptest.ResponseRecorder, status int) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, status, w.Body.String())
	}
}

// ── Tasks ───────────────────────────────────────────────

func TestHealth(t *testing.T) {
	f := newFixture(t, "")
	w := call(t, f.h.Health, "GET", "/api/health", "", "")
	wantStatus(t, w, http.StatusOK)
	if body := decode[map[string]any](t, w); body["status"] != "ok" || body["timestamp"] == nil {
		t.Errorf("body = %v", body)
	}
}

func TestCreateListGet(t *testing.T) {
	f := newFixture(t, "")
	w := call(t, f.h.CreateTask, "POST", "/api/tasks", "", `{"title":"Fix login bug","priority":"high"}`)
	wantStatus(t, w, http.StatusCreated)
	created := decode[map[string]any](t, w)
	id, _ := created["task_id"].(string)
	if id == "" || created["id"] != id || created["status"] != "pending" {
		t.Fatalf("created = %v", created)
	}

	w = call(t, f.h.ListTasks, "GET", "/api/tasks", "", "")
	wantStatus(t, w, http.StatusOK)
	list := decode[struct {
		Tasks     []map[string]any `json:"tasks"`
		Structure string           `json:"structure"`
	}](t, w)
	if list.Structure != "per-task" || len(list.Tasks) != 1 || list.Tasks[0]["task_id"] != id {
		t.Errorf("list = %+v", list)
	}

	w = call(t, f.h.GetTask, "GET", "/api/tasks/"+id, id, "")
	wantStatus(t, w, http.StatusOK)
	if got := decode[map[string]any](t, w); got["title"] != "Fix login bug" {
		t.Errorf("get = %v", got)
	}
}

func TestListEmptyIsArray(t *testing.T) {
	f := newFixture(t, "")
	w := call(t, f.h.ListTasks, "GET", "/api/tasks", "", "")
	if !strings.Contains(w.Body.String(), `"tasks":[]`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestErrorStatuses(t *testing.T) {
	f := newFixture(t, "")
	os.MkdirAll(f.paths.RecordsDir(), 0o755)
	os.WriteFile(f.paths.Record("T-bad"), []byte(`{nope`), 0o644)
	call(t, f.h.CreateTask, "POST", "/api/tasks", "", `{"task_id":"T-1"}`)

	cases := []struct {
		name   string
		fn     http.HandlerFunc
		method string
		id     string
		body   string
		status int
	}{
		{"get missing", f.h.GetTask, "GET", "T-404", "", http.StatusNotFound},
		{"get malformed", f.h.GetTask, "GET", "T-bad", "", http.StatusUnprocessableEntity},
		{"get invalid id", f.h.GetTask, "GET", ".hidden", "", http.StatusBadRequest},
		{"create invalid json", f.h.CreateTask, "POST", "", `{`, http.StatusBadRequest},
		{"create bad status", f.h.CreateTask, "POST", "", `{"status":"in-review"}`, http.StatusBadRequest},
		{"create duplicate", f.h.CreateTask, "POST", "", `{"task_id":"T-1"}`, http.StatusConflict},
		{"update missing", f.h.UpdateTask, "PUT", "T-404", `{"title":"x"}`, http.StatusNotFound},
		{"update changes id", f.h.UpdateTask, "PUT", "T-1", `{"task_id":"T-2"}`, http.StatusConflict},
		{"update bad type", f.h.UpdateTask, "PUT", "T-1", `{"type":"chore"}`, http.StatusBadRequest},
		{"update non-object", f.h.UpdateTask, "PUT", "T-1", `[1]`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := call(t, tc.fn, tc.method, "/api/tasks/"+tc.id, tc.id, tc.body)
			wantStatus(t, w, tc.status)
			if body := decode[map[string]any](t, w); body["error"] == nil {
				t.Errorf("no error message in %v", body)
			}
		})
	}
}

func TestUpdateTask_Upsert(t *testing.T) {
	f := newFixture(t, "")
	w := call(t, f.h.UpdateTask, "PUT", "/api/tasks/T-7?upsert=true", "T-7", `{"title":"new"}`)
	wantStatus(t, w, http.StatusOK)
	if got := decode[map[string]any](t, w); got["task_id"] != "T-7" {
		t.Errorf("upserted = %v", got)
	}

	w = call(t, f.h.UpdateTask, "PUT", "/api/tasks/T-7", "T-7", `{"status":"done","labels":["x"]}`)
	wantStatus(t, w, http.StatusOK)
	got := decode[map[string]any](t, w)
	if got["status"] != "done" || got["title"] != "new" || got["labels"] == nil {
		t.Errorf("updated = %v", got)
	}
}

func TestDeleteTask(t *testing.T) {
	f := newFixture(t, "")
	call(t, f.h.CreateTask, "POST", "/api/tasks", "", `{"task_id":"T-1"}`)

	w := call(t, f.h.DeleteTask, "DELETE", "/api/tasks/T-1", "T-1", "")
	wantStatus(t, w, http.StatusOK)
	if body := decode[map[string]any](t, w); body["success"] != true {
		t.Errorf("body = %v", body)
	}
	w = call(t, f.h.DeleteTask, "DELETE", "/api/tasks/T-1", "T-1", "")
	wantStatus(t, w, http.StatusNotFound)
	if body := decode[map[string]any](t, w); body["success"] != false {
		t.Errorf("body = %v", body)
	}
}

func TestMigrateTasks(t *testing.T) {
	f := newFixture(t, `{"tasks":[{"id":"T-1","title":"A"},{"id":"T-2","title":"B","status":"bogus"}]}`)
	w := call(t, f.h.ListTasks, "GET", "/api/tasks", "", "")
	if !strings.Contains(w.Body.String(), `"structure":"monolithic"`) {
		t.Fatalf("body = %s", w.Body.String())
	}

	w = call(t, f.h.MigrateTasks, "POST", "/api/tasks/migrate?remove_legacy=true", "", "")
	wantStatus(t, w, http.StatusOK)
	res := decode[map[string]any](t, w)
	if res["migratedCount"] != float64(1) || len(res["skipped"].([]any)) != 1 || res["sourceAbsent"] != false {
		t.Errorf("result = %v", res)
	}
	if _, err := os.Stat(f.paths.Legacy()); !os.IsNotExist(err) {
		t.Error("tasks.json should be removed")
	}

	w = call(t, f.h.ListTasks, "GET", "/api/tasks", "", "")
	if !strings.Contains(w.Body.String(), `"structure":"per-task"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestMigrateTasks_UnsupportedShape(t *testing.T) {
	f := newFixture(t, `{"items":[]}`)
	w := call(t, f.h.MigrateTasks, "POST", "/api/tasks/migrate", "", "")
	wantStatus(t, w, http.StatusUnprocessableEntity)
}

// ── Documents ───────────────────────────────────────────

func TestHumanRequests(t *testing.T) {
	f := newFixture(t, "")
	w := call(t, f.h.GetHumanRequests, "GET", "/api/human-requests", "", "")
	wantStatus(t, w, http.StatusOK)
	if body := decode[service.Document](t, w); body.Content != "" {
		t.Errorf("content = %q", body.Content)
	}

	w = call(t, f.h.UpdateHumanRequests, "PUT", "/api/human-requests", "", `{"content":"# HR\n"}`)
	wantStatus(t, w, http.StatusOK)

	w = call(t, f.h.GetHumanRequests, "GET", "/api/human-requests", "", "")
	if body := decode[service.Document](t, w); body.Content != "# HR\n" {
		t.Errorf("content = %q", body.Content)
	}
}

func TestRoadmap(t *testing.T) {
	f := newFixture(t, "")
	os.WriteFile(f.paths.Roadmap(), []byte("# Roadmap\n"), 0o644)
	w := call(t, f.h.GetRoadmap, "GET", "/api/roadmap", "", "")
	wantStatus(t, w, http.StatusOK)
	if body := decode[service.Document](t, w); body.Content != "# Roadmap\n" {
		t.Errorf("content = %q", body.Content)
	}
}

func TestUserStories(t *testing.T) {
	f := newFixture(t, "")
	w := call(t, f.h.GetUserStories, "GET", "/api/user-stories", "", "")
	wantStatus(t, w, http.StatusOK)
	if body := decode[map[string][]humanreq.Story](t, w); body["stories"] == nil || len(body["stories"]) != 0 {
		t.Errorf("absent document = %+v", body)
	}

	os.WriteFile(f.paths.UserStories(), []byte("# Stories\n\n### US-001 – Login\n\n### US-002 – Logout\n"), 0o644)
	w = call(t, f.h.GetUserStories, "GET", "/api/user-stories", "", "")
	wantStatus(t, w, http.StatusOK)
	got := decode[map[string][]humanreq.Story](t, w)["stories"]
	if len(got) != 2 || got[0].ID != "US-001" || got[1].Title != "Logout" {
		t.Errorf("stories = %+v", got)
	}
}

// ── Feed ────────────────────────────────────────────────

func dialFeed(t *testing.T, f fixture) (*websocket.Conn, context.Context) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(f.h.Feed))
	t.Cleanup(srv.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.CloseNow() })
	return c, ctx
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, ctx context.Context, c *websocket.Conn) frame {
	t.Helper()
	var fr frame
	if err := wsjson.Read(ctx, c, &fr); err != nil {
		t.Fatalf("read: %v", err)
	}
	return fr
}

func TestFeed_SnapshotThenEvents(t *testing.T) {
	f := newFixture(t, "")
	call(t, f.h.CreateTask, "POST", "/api/tasks", "", `{"task_id":"T-1"}`)

	c, ctx := dialFeed(t, f)
	snap := readFrame(t, ctx, c)
	if snap.Type != "tasks_updated" || !strings.Contains(string(snap.Data), `"T-1"`) {
		t.Fatalf("snapshot = %s %s", snap.Type, snap.Data)
	}

	call(t, f.h.UpdateTask, "PUT", "/api/tasks/T-1", "T-1", `{"status":"in_progress"}`)
	ev := readFrame(t, ctx, c)
	if ev.Type != "task_updated" || !strings.Contains(string(ev.Data), `"in_progress"`) {
		t.Errorf("event = %s %s", ev.Type, ev.Data)
	}

	call(t, f.h.DeleteTask, "DELETE", "/api/tasks/T-1", "T-1", "")
	if ev := readFrame(t, ctx, c); ev.Type != "task_deleted" {
		t.Errorf("event = %s", ev.Type)
	}
}

func TestFeed_PingPong(t *testing.T) {
	f := newFixture(t, "")
	c, ctx := dialFeed(t, f)
	readFrame(t, ctx, c)

	if err := wsjson.Write(ctx, c, map[string]string{"type": "ping"}); err != nil {
		t.Fatal(err)
	}
	if fr := readFrame(t, ctx, c); fr.Type != "pong" {
		t.Errorf("reply = %s", fr.Type)
	}
}

func TestFeed_UnsubscribesOnClose(t *testing.T) {
	f := newFixture(t, "")
	c, ctx := dialFeed(t, f)
	readFrame(t, ctx, c)
	if n := f.h.svc.Hub().Len(); n != 1 {
		t.Fatalf("subscribers = %d", n)
	}
	c.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for f.h.svc.Hub().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not removed after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
