package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"chunk-player/internal/history"
	"chunk-player/internal/media"
	"chunk-player/internal/player"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

// Handler exposes the session control API using go-chi.
type Handler struct {
	mgr         *Manager
	history     history.Store
	log         *slog.Logger
	createLimit func(http.Handler) http.Handler
}

// NewHandler returns a Handler. store may be nil, in which case the history
// endpoints answer with empty lists.
func NewHandler(mgr *Manager, store history.Store, log *slog.Logger) *Handler {
	return &Handler{mgr: mgr, history: store, log: log}
}

type createRequest struct {
	VideoID string         `json:"videoId"`
	Quality player.Quality `json:"quality"`
}

type createResponse struct {
	ID    string             `json:"id"`
	State player.PlayerState `json:"state"`
}

type seekRequest struct {
	Time *float64 `json:"time"`
}

type qualityRequest struct {
	Quality player.Quality `json:"quality"`
}

// WithCreateLimit limits session creation to requests per window per client
// IP. Excess requests get 429 with a Retry-After header.
func (h *Handler) WithCreateLimit(requests int, window time.Duration) *Handler {
	if requests <= 0 {
		h.createLimit = nil
		return h
	}
	h.createLimit = httprate.Limit(requests, window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			h.log.Info("session creation rate limited", slog.String("remote_addr", r.RemoteAddr))
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
		}),
	)
	return h
}

// Routes mounts the control endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	if h.createLimit != nil {
		r.With(h.createLimit).Post("/sessions", h.CreateSession)
	} else {
		r.Post("/sessions", h.CreateSession)
	}
	r.Route("/sessions/{session_id}", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Delete("/", h.CloseSession)
		r.Post("/seek", h.Seek)
		r.Post("/quality", h.ChangeQuality)
		r.Post("/toggle", h.Toggle)
	})
	r.Get("/history/continue", h.ContinueWatching)
	r.Get("/history/recent", h.RecentlyWatched)
}

// CreateSession handles POST /sessions.
// Body: { "videoId": "sintel", "quality": "720p" }.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.VideoID == "" {
		h.log.Debug("invalid create session body")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	sess, err := h.mgr.Create(r.Context(), req.VideoID, req.Quality)
	if err != nil {
		h.writeErr(w, "create session failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{ID: sess.ID(), State: sess.State()})
}

// GetSession handles GET /sessions/{session_id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.mgr.Get(chi.URLParam(r, "session_id"))
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess.State())
}

// Seek handles POST /sessions/{session_id}/seek.
// Body: { "time": 42.5 }.
func (h *Handler) Seek(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	var req seekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Time == nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := h.mgr.Seek(r.Context(), id, *req.Time); err != nil {
		h.writeErr(w, "seek failed", err)
		return
	}
	h.writeState(w, id)
}

// ChangeQuality handles POST /sessions/{session_id}/quality.
// Body: { "quality": "1080p" }.
func (h *Handler) ChangeQuality(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	var req qualityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Quality == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := h.mgr.ChangeQuality(r.Context(), id, req.Quality); err != nil {
		h.writeErr(w, "quality change failed", err)
		return
	}
	h.writeState(w, id)
}

// Toggle handles POST /sessions/{session_id}/toggle.
func (h *Handler) Toggle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	if err := h.mgr.Toggle(id); err != nil {
		h.writeErr(w, "toggle failed", err)
		return
	}
	h.writeState(w, id)
}

// CloseSession handles DELETE /sessions/{session_id}.
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.Close(r.Context(), chi.URLParam(r, "session_id")); err != nil {
		h.writeErr(w, "close session failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ContinueWatching handles GET /history/continue.
func (h *Handler) ContinueWatching(w http.ResponseWriter, r *http.Request) {
	h.writeHistory(w, r, history.ContinueWatching)
}

// RecentlyWatched handles GET /history/recent.
func (h *Handler) RecentlyWatched(w http.ResponseWriter, r *http.Request) {
	h.writeHistory(w, r, history.RecentlyWatched)
}

func (h *Handler) writeHistory(w http.ResponseWriter, r *http.Request, list func(context.Context, history.Store) ([]history.Entry, error)) {
	entries := []history.Entry{}
	if h.history != nil {
		got, err := list(r.Context(), h.history)
		if err != nil {
			h.writeErr(w, "list history failed", err)
			return
		}
		if got != nil {
			entries = got
		}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) writeState(w http.ResponseWriter, id string) {
	sess, ok := h.mgr.Get(id)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess.State())
}

func (h *Handler) writeErr(w http.ResponseWriter, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrVideoNotFound):
		status = http.StatusNotFound
	case errors.Is(err, player.ErrOutOfRange), errors.Is(err, player.ErrUnknownQuality):
		status = http.StatusBadRequest
	case errors.Is(err, player.ErrNotReady), errors.Is(err, media.ErrAutoplayBlocked):
		status = http.StatusConflict
	case errors.Is(err, player.ErrFetchFailed):
		status = http.StatusBadGateway
	}

	if status >= http.StatusInternalServerError {
		h.log.Error(msg, slog.String("error", err.Error()))
	} else {
		h.log.Info(msg, slog.Int("status", status), slog.String("error", err.Error()))
	}
	w.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
