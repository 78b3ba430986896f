// Package rest exposes the download manager over a small control API. The UI
// polls the list endpoint and renders the progress fields.
package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/9z91/feather/internal/logctx"
	"github.com/9z91/feather/internal/manager"
	"github.com/9z91/feather/internal/transfer"
	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
)

// DownloadsHandler serves the download control API.
type DownloadsHandler struct {
	username string
	password string
	mgr      *manager.Manager
}

// NewDownloadsHandler creates a new download control handler. Basic auth is
// enforced only when a username is configured.
func NewDownloadsHandler(username, password string, mgr *manager.Manager) *DownloadsHandler {
	return &DownloadsHandler{
		username: username,
		password: password,
		mgr:      mgr,
	}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Get("/downloads", h.HandleList)
	r.Post("/downloads", h.HandleStart)
	r.Post("/archives", h.HandleStartArchive)
	r.Post("/downloads/pause", h.HandlePauseAll)
	r.Post("/downloads/resume", h.HandleResumeAll)
	r.Post("/downloads/reconcile", h.HandleReconcile)
	r.Post("/downloads/{id}/resume", h.HandleResume)
	r.Delete("/downloads/{id}", h.HandleCancel)

	return r
}

type startRequest struct {
	URL string `json:"url"`
	ID  string `json:"id"`
}

type downloadResponse struct {
	ID               string  `json:"id"`
	SourceURI        string  `json:"sourceUri"`
	DisplayName      string  `json:"displayName"`
	ArchiveOnly      bool    `json:"archiveOnly"`
	Manual           bool    `json:"manual"`
	Resumable        bool    `json:"resumable"`
	DownloadProgress float64 `json:"downloadProgress"`
	UnpackProgress   float64 `json:"unpackProgress"`
	OverallProgress  float64 `json:"overallProgress"`
	BytesDownloaded  int64   `json:"bytesDownloaded"`
	TotalBytes       int64   `json:"totalBytes"`
	Downloaded       string  `json:"downloaded"`
	Total            string  `json:"total"`
}

func toResponse(snap transfer.Snapshot) downloadResponse {
	return downloadResponse{
		ID:               snap.ID,
		SourceURI:        snap.SourceURI,
		DisplayName:      snap.DisplayName,
		ArchiveOnly:      snap.ArchiveOnly,
		Manual:           snap.Manual,
		Resumable:        snap.Resumable,
		DownloadProgress: snap.DownloadProgress,
		UnpackProgress:   snap.UnpackProgress,
		OverallProgress:  snap.OverallProgress,
		BytesDownloaded:  snap.BytesDownloaded,
		TotalBytes:       snap.TotalBytes,
		Downloaded:       humanize.Bytes(uint64(snap.BytesDownloaded)),
		Total:            humanize.Bytes(uint64(snap.TotalBytes)),
	}
}

// HandleList returns a snapshot of the whole collection.
func (h *DownloadsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	snaps := h.mgr.Downloads()

	out := make([]downloadResponse, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, toResponse(snap))
	}

	writeJSON(w, r, http.StatusOK, out)
}

// HandleStart starts (or resumes, for a known source URL) a download.
func (h *DownloadsHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("failed to decode request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if req.URL == "" {
		http.Error(w, "url is required", http.StatusBadRequest)

		return
	}

	snap, err := h.mgr.StartDownload(r.Context(), req.URL, req.ID)
	if err != nil {
		logger.Error("failed to start download", "url", req.URL, "err", err)
		http.Error(w, "failed to start download", http.StatusInternalServerError)

		return
	}

	writeJSON(w, r, http.StatusCreated, toResponse(snap))
}

// HandleStartArchive starts tracking an archive-only unit.
func (h *DownloadsHandler) HandleStartArchive(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("failed to decode request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	snap, err := h.mgr.StartArchive(r.Context(), req.URL, req.ID)
	if err != nil {
		logger.Error("failed to start archive unit", "err", err)
		http.Error(w, "failed to start archive unit", http.StatusInternalServerError)

		return
	}

	writeJSON(w, r, http.StatusCreated, toResponse(snap))
}

// HandleResume resumes one download.
func (h *DownloadsHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())
	id := chi.URLParam(r, "id")

	err := h.mgr.ResumeDownload(r.Context(), id)

	switch {
	case errors.Is(err, transfer.ErrNotFound):
		http.Error(w, "download not found", http.StatusNotFound)
	case errors.Is(err, transfer.ErrNoResumeData):
		// Reported, non-fatal: nothing to resume from.
		http.Error(w, "no resume data available", http.StatusConflict)
	case err != nil:
		logger.Error("failed to resume download", "record_id", id, "err", err)
		http.Error(w, "failed to resume download", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

// HandleCancel cancels one download and removes its record.
func (h *DownloadsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.mgr.CancelDownload(r.Context(), id); err != nil {
		http.Error(w, "download not found", http.StatusNotFound)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandlePauseAll suspends every active transfer.
func (h *DownloadsHandler) HandlePauseAll(w http.ResponseWriter, r *http.Request) {
	h.mgr.PauseAll(r.Context())
	w.WriteHeader(http.StatusAccepted)
}

// HandleResumeAll resumes every suspended transfer.
func (h *DownloadsHandler) HandleResumeAll(w http.ResponseWriter, r *http.Request) {
	h.mgr.ResumeAll(r.Context())
	w.WriteHeader(http.StatusAccepted)
}

// HandleReconcile re-synchronizes the manager with the engine's task list.
func (h *DownloadsHandler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	if err := h.mgr.Reconcile(r.Context()); err != nil {
		logger.Error("failed to reconcile", "err", err)
		http.Error(w, "failed to reconcile", http.StatusInternalServerError)

		return
	}

	writeJSON(w, r, http.StatusOK, h.mgr.Downloads())
}

func (h *DownloadsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}
