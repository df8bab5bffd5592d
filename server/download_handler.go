package server

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"shelfstream/logger"
	"shelfstream/model"
)

// DownloadsHandler returns the download index snapshot.
func (h *APIHandler) DownloadsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Records())
}

// ActiveTransfersHandler returns in-flight transfer progress.
func (h *APIHandler) ActiveTransfersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.ActiveTransfers())
}

// UsageHandler reports cached storage usage, optionally for one book.
func (h *APIHandler) UsageHandler(w http.ResponseWriter, r *http.Request) {
	if bookID := r.URL.Query().Get("bookId"); bookID != "" {
		writeJSON(w, http.StatusOK, map[string]int64{"bytes": h.manager.StorageUsedForBook(bookID)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"bytes": h.manager.StorageUsed(),
		"books": h.manager.DownloadedBooks(),
	})
}

// DownloadFileHandler starts a single-object download in the background.
func (h *APIHandler) DownloadFileHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Object    model.AudioObject `json:"object"`
		BookTitle string            `json:"bookTitle"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.Object.ID == "" {
		writeError(w, http.StatusBadRequest, "object is required")
		return
	}

	go func() {
		if err := h.manager.DownloadFile(context.Background(), req.Object, req.BookTitle); err != nil {
			logger.Error("download failed", logger.String("objectId", req.Object.ID), logger.ErrorField(err))
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

// DownloadBookHandler starts a sequential batch download in the
// background.
func (h *APIHandler) DownloadBookHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BookID    string              `json:"bookId"`
		BookTitle string              `json:"bookTitle"`
		Objects   []model.AudioObject `json:"objects"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.BookID == "" || len(req.Objects) == 0 {
		writeError(w, http.StatusBadRequest, "bookId and objects are required")
		return
	}

	go func() {
		completed, err := h.manager.DownloadAllForBook(context.Background(), req.BookID, req.BookTitle, req.Objects)
		if err != nil {
			logger.Error("batch download failed", logger.String("bookId", req.BookID), logger.ErrorField(err))
			return
		}
		logger.Info("batch download finished", logger.String("bookId", req.BookID), logger.Int("completed", completed))
	}()
	w.WriteHeader(http.StatusAccepted)
}

// CancelDownloadHandler aborts one in-flight transfer.
func (h *APIHandler) CancelDownloadHandler(w http.ResponseWriter, r *http.Request) {
	h.manager.CancelDownload(mux.Vars(r)["object_id"])
	w.WriteHeader(http.StatusNoContent)
}

// CancelBatchHandler sets a book's batch abort flag.
func (h *APIHandler) CancelBatchHandler(w http.ResponseWriter, r *http.Request) {
	h.manager.CancelBatch(mux.Vars(r)["book_id"])
	w.WriteHeader(http.StatusNoContent)
}

// DeleteDownloadHandler removes one cached file and its record.
func (h *APIHandler) DeleteDownloadHandler(w http.ResponseWriter, r *http.Request) {
	h.manager.DeleteDownload(mux.Vars(r)["object_id"])
	w.WriteHeader(http.StatusNoContent)
}

// DeleteBookDownloadsHandler removes a book's cached files and records
// and aborts its running batch.
func (h *APIHandler) DeleteBookDownloadsHandler(w http.ResponseWriter, r *http.Request) {
	h.manager.DeleteDownloadsForBook(mux.Vars(r)["book_id"])
	w.WriteHeader(http.StatusNoContent)
}

// DeleteAllDownloadsHandler empties the cache.
func (h *APIHandler) DeleteAllDownloadsHandler(w http.ResponseWriter, r *http.Request) {
	h.manager.DeleteAllDownloads()
	w.WriteHeader(http.StatusNoContent)
}
