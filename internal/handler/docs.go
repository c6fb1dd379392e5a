package handler

import (
	"net/http"

	"changkun.de/x/plandash/internal/service"
)

// GetHumanRequests returns human-requests.md as {content}.
func (h *Handler) GetHumanRequests(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.HumanRequests()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// UpdateHumanRequests replaces human-requests.md.
func (h *Handler) UpdateHumanRequests(w http.ResponseWriter, r *http.Request) {
	var doc service.Document
	if !decodeBody(w, r, &doc) {
		return
	}
	if err := h.svc.SetHumanRequests(doc); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// GetUserStories returns the story headings of user_stories.md as
// {stories:[{id,title}]}, the list tasks refer to by source_story_id.
func (h *Handler) GetUserStories(w http.ResponseWriter, r *http.Request) {
	stories, err := h.svc.UserStories()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stories": stories})
}

// GetRoadmap returns roadmap.md as {content}.
func (h *Handler) GetRoadmap(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.Roadmap()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
