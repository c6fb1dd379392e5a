package handler

import (
	"net/http"

	"changkun.de/x/plandash/internal/service"
	"changkun.de/x/plandash/internal/store"
)

type taskList struct {
	Tasks     []store.Task `json:"tasks"`
	Structure string       `json:"structure"`
}

// ListTasks returns every task and the storage layout in use.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, layout, err := h.svc.ListTasks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskList{Tasks: tasks, Structure: layout.Structure()})
}

// GetTask returns one task.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.svc.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// CreateTask creates a task in pending status unless the body says otherwise.
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req service.Fields
	if !decodeBody(w, r, &req) {
		return
	}
	task, err := h.svc.CreateTask(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// UpdateTask merges the body into the task. With ?upsert=true a missing
// task is created instead of reported as not found.
func (h *Handler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	var req service.Fields
	if !decodeBody(w, r, &req) {
		return
	}
	mode := service.Strict
	if queryBool(r, "upsert") {
		mode = service.Upsert
	}
	task, err := h.svc.UpdateTask(r.Context(), r.PathValue("id"), req, mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// DeleteTask removes a task.
func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	existed, err := h.svc.DeleteTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !existed {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": store.ErrNotFound.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// MigrateTasks converts tasks.json into per-task records.
// ?remove_legacy=true deletes tasks.json once it has been archived.
func (h *Handler) MigrateTasks(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Migrate(r.Context(), queryBool(r, "remove_legacy"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
