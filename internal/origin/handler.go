package origin

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"chunk-player/internal/player"

	"github.com/go-chi/chi/v5"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	chunkContentType    = "video/mp4"
)

// Handler exposes the origin's HTTP endpoints using go-chi.
type Handler struct {
	catalog *Catalog
	log     *slog.Logger
}

// NewHandler returns a Handler serving catalog.
func NewHandler(catalog *Catalog, log *slog.Logger) *Handler {
	return &Handler{catalog: catalog, log: log}
}

// Routes mounts the origin endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/videos", h.ListVideos)
	r.Route("/videos/{video_id}", func(r chi.Router) {
		r.Get("/", h.GetVideo)
		r.Get("/manifest", h.GetManifest)
		r.Get("/renditions/{quality}/playlist.m3u8", h.GetPlaylist)
	})
	r.Get("/chunks/{video_id}/{quality}/{index}", h.GetChunk)
}

// ListVideos handles GET /videos.
func (h *Handler) ListVideos(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.catalog.List())
}

// GetVideo handles GET /videos/{video_id}.
func (h *Handler) GetVideo(w http.ResponseWriter, r *http.Request) {
	v, ok := h.catalog.Get(chi.URLParam(r, "video_id"))
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// GetManifest handles GET /videos/{video_id}/manifest.
func (h *Handler) GetManifest(w http.ResponseWriter, r *http.Request) {
	v, ok := h.catalog.Get(chi.URLParam(r, "video_id"))
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, v.Manifest())
}

// GetPlaylist handles GET /videos/{video_id}/renditions/{quality}/playlist.m3u8.
func (h *Handler) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "video_id")
	q := player.Quality(chi.URLParam(r, "quality"))

	v, ok := h.catalog.Get(id)
	if !ok || !v.Manifest().HasQuality(q) {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	m3u8 := player.BuildVODPlaylist(v.Manifest(), func(i int) string {
		return fmt.Sprintf("/api/chunks/%s/%s/%d", id, q, i)
	})
	w.Header().Set("Content-Type", playlistContentType)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(m3u8))
}

// GetChunk handles GET /chunks/{video_id}/{quality}/{index}.
func (h *Handler) GetChunk(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "video_id")
	q := player.Quality(chi.URLParam(r, "quality"))
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	data, err := h.catalog.Chunk(id, q, index)
	if err != nil {
		switch {
		case errors.Is(err, ErrVideoNotFound), errors.Is(err, player.ErrUnknownQuality), errors.Is(err, player.ErrOutOfRange):
			h.log.Debug("chunk not served",
				slog.String("video_id", id),
				slog.String("quality", string(q)),
				slog.Int("chunk", index),
				slog.String("error", err.Error()))
			w.WriteHeader(http.StatusNotFound)
		default:
			h.log.Error("build chunk failed", slog.String("error", err.Error()))
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", chunkContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
