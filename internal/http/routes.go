package httpapp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/cesargomez89/crate/internal/config"
	"github.com/cesargomez89/crate/internal/domain"
	"github.com/cesargomez89/crate/internal/events"
	"github.com/cesargomez89/crate/internal/http/dto"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	st := h.Service.Status()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"active":   st.Active,
		"degraded": st.Degraded,
	})
}

func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	withTracks := r.URL.Query().Get("tracks") == "true"
	st := h.Service.Status()

	items := lo.Map(h.Service.GetSnapshot(), func(v domain.ItemView, _ int) dto.ItemResponse {
		return dto.NewItemResponse(v, withTracks)
	})
	h.writeJSON(w, http.StatusOK, dto.QueueResponse{
		Items:    items,
		Active:   st.Active,
		Degraded: st.Degraded,
		Counts:   st.Counts,
	})
}

func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	v, err := h.Service.GetItem(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, dto.NewItemResponse(v, true))
}

// Enqueue returns the handler for POST /api/queue/{tracks|albums|playlists}.
func (h *Handler) Enqueue(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.enqueue(w, r, kind)
	}
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, kind string) {
	var enqueue func(id string) (*domain.QueueItem, error)
	switch kind {
	case "tracks":
		enqueue = func(id string) (*domain.QueueItem, error) { return h.Service.EnqueueTrack(r.Context(), id) }
	case "albums":
		enqueue = func(id string) (*domain.QueueItem, error) { return h.Service.EnqueueAlbum(r.Context(), id) }
	case "playlists":
		enqueue = func(id string) (*domain.QueueItem, error) { return h.Service.EnqueuePlaylist(r.Context(), id) }
	default:
		h.writeJSON(w, http.StatusNotFound, dto.ErrorResponse{Error: fmt.Sprintf("unknown queue kind %q", kind)})
		return
	}

	var req dto.EnqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{Error: "invalid JSON body"})
		return
	}
	if errs := req.Validate(); len(errs) > 0 {
		h.writeValidation(w, errs)
		return
	}

	var created []dto.ItemResponse
	failed := make(map[string]string)
	var firstErr error
	for _, id := range req.IDs {
		item, err := enqueue(id)
		if err != nil {
			h.Logger.Warn("Enqueue failed", "kind", kind, "id", id, "error", err)
			failed[id] = err.Error()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		v, err := h.Service.GetItem(item.ID)
		if err != nil {
			v = domain.ItemView{Item: *item}
		}
		created = append(created, dto.NewItemResponse(v, false))
	}

	if len(created) == 0 {
		h.writeError(w, r, firstErr)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"items":  created,
		"errors": failed,
	})
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.itemAction(w, r, h.Service.Cancel)
}

func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	h.itemAction(w, r, h.Service.Pause)
}

func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	h.itemAction(w, r, h.Service.Resume)
}

func (h *Handler) itemAction(w http.ResponseWriter, r *http.Request, action func(string) error) {
	id := chi.URLParam(r, "id")
	if err := action(id); err != nil {
		h.writeError(w, r, err)
		return
	}
	v, err := h.Service.GetItem(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, dto.NewItemResponse(v, false))
}

func (h *Handler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, dto.CountResponse{Count: h.Service.RetryFailed()})
}

func (h *Handler) ClearCompleted(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, dto.CountResponse{Count: h.Service.ClearCompleted()})
}

func (h *Handler) ClearFailed(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, dto.CountResponse{Count: h.Service.ClearFailed()})
}

func (h *Handler) ClearAll(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, dto.CountResponse{Count: h.Service.ClearAll()})
}

// Events streams queue events as server-sent events until the client leaves.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := make(chan events.Event, 64)
	forward := func(evt events.Event) {
		select {
		case ch <- evt:
		default:
		}
	}
	for _, t := range []events.Type{events.ItemAdded, events.StateChanged, events.Progress, events.AllFinished} {
		unsubscribe := h.Service.Subscribe(t, forward)
		defer unsubscribe()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-ch:
			data, err := json.Marshal(evt)
			if err != nil {
				h.Logger.Error("Failed to encode event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) ListDownloads(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	downloads, err := h.Downloads.ListDownloads(limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, downloads)
}

func (h *Handler) DeleteDownload(w http.ResponseWriter, r *http.Request) {
	if err := h.Downloads.DeleteDownload(chi.URLParam(r, "trackID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.Config.Settings())
}

// PutSetting stores an override. Engine settings take effect on the next start.
func (h *Handler) PutSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req dto.SettingRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{Error: "invalid JSON body"})
		return
	}
	if errs := req.Validate(key); len(errs) > 0 {
		h.writeValidation(w, errs)
		return
	}

	if err := h.SettingsRepo.Set(key, req.Value); err != nil {
		h.writeError(w, r, fmt.Errorf("failed to save setting: %w", err))
		return
	}
	h.Config.Apply(map[string]string{key: req.Value})
	h.Logger.Info("Setting updated", "key", key)

	h.writeJSON(w, http.StatusOK, h.Config.Settings())
}

// DeleteSetting drops a stored override so the environment value applies on the next start.
func (h *Handler) DeleteSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !config.IsSettingKey(key) {
		h.writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{Error: fmt.Sprintf("unknown setting %q", key)})
		return
	}
	if err := h.SettingsRepo.Delete(key); err != nil {
		h.writeError(w, r, fmt.Errorf("failed to delete setting: %w", err))
		return
	}
	h.Logger.Info("Setting override removed", "key", key)
	w.WriteHeader(http.StatusNoContent)
}
