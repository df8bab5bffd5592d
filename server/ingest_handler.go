package server

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"shelfstream/ingest"
)

// StagedFilesHandler returns the book's staged-file list.
func (h *APIHandler) StagedFilesHandler(w http.ResponseWriter, r *http.Request) {
	bookID := mux.Vars(r)["book_id"]
	writeJSON(w, http.StatusOK, h.pipelineFor(bookID).Files())
}

// StageHandler validates and stages candidate files by local path.
func (h *APIHandler) StageHandler(w http.ResponseWriter, r *http.Request) {
	bookID := mux.Vars(r)["book_id"]
	var req struct {
		Paths []string `json:"paths"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if len(req.Paths) == 0 {
		writeError(w, http.StatusBadRequest, "paths is required")
		return
	}
	writeJSON(w, http.StatusOK, h.pipelineFor(bookID).Stage(req.Paths))
}

// ReorderHandler moves pending files up or down one step.
func (h *APIHandler) ReorderHandler(w http.ResponseWriter, r *http.Request) {
	bookID := mux.Vars(r)["book_id"]
	var req struct {
		IDs       []string `json:"ids"`
		Direction string   `json:"direction"` // "up" or "down"
	}
	if !readJSON(w, r, &req) {
		return
	}
	dir := ingest.MoveUp
	if req.Direction == "down" {
		dir = ingest.MoveDown
	}
	if err := h.pipelineFor(bookID).Reorder(req.IDs, dir); err != nil {
		writeIngestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.pipelineFor(bookID).Files())
}

// UploadAllHandler uploads every pending file and reports how many
// completed. Per-file failures stay inspectable in the staged list.
func (h *APIHandler) UploadAllHandler(w http.ResponseWriter, r *http.Request) {
	bookID := mux.Vars(r)["book_id"]
	uploaded, err := h.pipelineFor(bookID).UploadAll(r.Context())
	if err != nil {
		writeIngestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uploaded": uploaded,
		"files":    h.pipelineFor(bookID).Files(),
	})
}

// ClearHandler removes completed (or all) entries from the staged list.
func (h *APIHandler) ClearHandler(w http.ResponseWriter, r *http.Request) {
	bookID := mux.Vars(r)["book_id"]
	var req struct {
		CompletedOnly bool `json:"completedOnly"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if err := h.pipelineFor(bookID).Clear(req.CompletedOnly); err != nil {
		writeIngestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.pipelineFor(bookID).Files())
}

// RemoveStagedHandler drops one staged file.
func (h *APIHandler) RemoveStagedHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.pipelineFor(vars["book_id"]).Remove(vars["id"]); err != nil {
		writeIngestError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeIngestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ingest.ErrUploadInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ingest.ErrNotPending), errors.Is(err, ingest.ErrUnknownFile):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
