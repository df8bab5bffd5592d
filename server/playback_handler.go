package server

import (
	"net/http"

	"shelfstream/model"
	"shelfstream/player"
)

// PlaybackStateHandler returns the current playback state snapshot.
func (h *APIHandler) PlaybackStateHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.session.State())
}

// PlayHandler starts playback of a track. With resume set, the saved
// progress record decides the starting position and rate.
func (h *APIHandler) PlayHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Track    model.TrackDescriptor `json:"track"`
		Resume   bool                  `json:"resume"`
		Position *float64              `json:"position,omitempty"`
		Rate     *float64              `json:"rate,omitempty"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.Track.Object.ID == "" {
		writeError(w, http.StatusBadRequest, "track is required")
		return
	}

	var err error
	if req.Resume {
		err = h.session.PlayFromProgress(r.Context(), req.Track)
	} else {
		var opts *player.ResumeOptions
		if req.Position != nil || req.Rate != nil {
			opts = &player.ResumeOptions{}
			if req.Position != nil {
				opts.Position = *req.Position
			}
			if req.Rate != nil {
				opts.Rate = *req.Rate
			}
		}
		err = h.session.Play(r.Context(), req.Track, opts)
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.session.State())
}

// PauseHandler pauses playback.
func (h *APIHandler) PauseHandler(w http.ResponseWriter, r *http.Request) {
	h.session.Pause(r.Context())
	writeJSON(w, http.StatusOK, h.session.State())
}

// ToggleHandler flips play/pause.
func (h *APIHandler) ToggleHandler(w http.ResponseWriter, r *http.Request) {
	h.session.TogglePlayPause(r.Context())
	writeJSON(w, http.StatusOK, h.session.State())
}

// SeekHandler jumps to an absolute position in seconds.
func (h *APIHandler) SeekHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Position float64 `json:"position"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	h.session.Seek(req.Position)
	writeJSON(w, http.StatusOK, h.session.State())
}

// SkipHandler jumps forward or backward by a number of seconds.
func (h *APIHandler) SkipHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Seconds  float64 `json:"seconds"`
		Backward bool    `json:"backward"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.Backward {
		h.session.SkipBackward(req.Seconds)
	} else {
		h.session.SkipForward(req.Seconds)
	}
	writeJSON(w, http.StatusOK, h.session.State())
}

// RateHandler sets the playback rate.
func (h *APIHandler) RateHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rate float64 `json:"rate"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.Rate <= 0 {
		writeError(w, http.StatusBadRequest, "rate must be positive")
		return
	}
	h.session.SetRate(r.Context(), req.Rate)
	writeJSON(w, http.StatusOK, h.session.State())
}

// ExpandedHandler toggles the expanded player flag.
func (h *APIHandler) ExpandedHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Expanded bool `json:"expanded"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	h.session.SetExpanded(req.Expanded)
	writeJSON(w, http.StatusOK, h.session.State())
}

// StopHandler stops playback and returns the session to idle.
func (h *APIHandler) StopHandler(w http.ResponseWriter, r *http.Request) {
	h.session.Stop(r.Context())
	writeJSON(w, http.StatusOK, h.session.State())
}
