package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"shelfstream/catalog"
	"shelfstream/config"
	"shelfstream/downloads"
	"shelfstream/events"
	"shelfstream/ingest"
	"shelfstream/logger"
	"shelfstream/player"
	"shelfstream/storage"
)

// APIHandler binds the core components to the local control surface.
type APIHandler struct {
	cfg      *config.Config
	session  *player.Session
	manager  *downloads.Manager
	catalog  *catalog.Client
	store    *storage.Client
	bus      *events.Bus
	plMu     sync.Mutex
	pipeline map[string]*ingest.Pipeline // One ingestion pipeline per book.
}

// NewAPIHandler creates the handler set.
func NewAPIHandler(cfg *config.Config, session *player.Session, manager *downloads.Manager, cat *catalog.Client, store *storage.Client, bus *events.Bus) *APIHandler {
	return &APIHandler{
		cfg:      cfg,
		session:  session,
		manager:  manager,
		catalog:  cat,
		store:    store,
		bus:      bus,
		pipeline: make(map[string]*ingest.Pipeline),
	}
}

// pipelineFor returns the book's ingestion pipeline, creating it on first
// use.
func (h *APIHandler) pipelineFor(bookID string) *ingest.Pipeline {
	h.plMu.Lock()
	defer h.plMu.Unlock()
	p, ok := h.pipeline[bookID]
	if !ok {
		p = ingest.NewPipeline(bookID, h.store, h.catalog, h.bus, h.cfg.MaxUploadSize, h.cfg.UploadConcurrency)
		h.pipeline[bookID] = p
	}
	return p
}

// Router builds the control surface routes.
func (h *APIHandler) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(corsMiddleware)

	api := router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/playback", h.PlaybackStateHandler).Methods(http.MethodGet)
	api.HandleFunc("/playback/play", h.PlayHandler).Methods(http.MethodPost)
	api.HandleFunc("/playback/pause", h.PauseHandler).Methods(http.MethodPost)
	api.HandleFunc("/playback/toggle", h.ToggleHandler).Methods(http.MethodPost)
	api.HandleFunc("/playback/seek", h.SeekHandler).Methods(http.MethodPost)
	api.HandleFunc("/playback/skip", h.SkipHandler).Methods(http.MethodPost)
	api.HandleFunc("/playback/rate", h.RateHandler).Methods(http.MethodPost)
	api.HandleFunc("/playback/expanded", h.ExpandedHandler).Methods(http.MethodPost)
	api.HandleFunc("/playback/stop", h.StopHandler).Methods(http.MethodPost)

	api.HandleFunc("/ingest/{book_id}/files", h.StagedFilesHandler).Methods(http.MethodGet)
	api.HandleFunc("/ingest/{book_id}/stage", h.StageHandler).Methods(http.MethodPost)
	api.HandleFunc("/ingest/{book_id}/reorder", h.ReorderHandler).Methods(http.MethodPost)
	api.HandleFunc("/ingest/{book_id}/upload", h.UploadAllHandler).Methods(http.MethodPost)
	api.HandleFunc("/ingest/{book_id}/clear", h.ClearHandler).Methods(http.MethodPost)
	api.HandleFunc("/ingest/{book_id}/files/{id}", h.RemoveStagedHandler).Methods(http.MethodDelete)

	api.HandleFunc("/downloads", h.DownloadsHandler).Methods(http.MethodGet)
	api.HandleFunc("/downloads", h.DeleteAllDownloadsHandler).Methods(http.MethodDelete)
	api.HandleFunc("/downloads/active", h.ActiveTransfersHandler).Methods(http.MethodGet)
	api.HandleFunc("/downloads/usage", h.UsageHandler).Methods(http.MethodGet)
	api.HandleFunc("/downloads/file", h.DownloadFileHandler).Methods(http.MethodPost)
	api.HandleFunc("/downloads/book", h.DownloadBookHandler).Methods(http.MethodPost)
	api.HandleFunc("/downloads/cancel/{object_id}", h.CancelDownloadHandler).Methods(http.MethodPost)
	api.HandleFunc("/downloads/cancel-batch/{book_id}", h.CancelBatchHandler).Methods(http.MethodPost)
	api.HandleFunc("/downloads/{object_id}", h.DeleteDownloadHandler).Methods(http.MethodDelete)
	api.HandleFunc("/downloads/book/{book_id}", h.DeleteBookDownloadsHandler).Methods(http.MethodDelete)

	router.HandleFunc("/ws/state", h.StateSocketHandler)

	return router
}

// Start runs the control surface until SIGINT/SIGTERM, then flushes the
// playback session (including the crash-recovery record) and shuts the
// server down.
func Start(cfg *config.Config, h *APIHandler) {
	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      h.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("control surface listening", logger.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", logger.ErrorField(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	h.session.Shutdown()
	h.manager.StopWatcher()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown failed", logger.ErrorField(err))
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			logger.Error("failed to encode response", logger.ErrorField(err))
		}
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func readJSON(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
