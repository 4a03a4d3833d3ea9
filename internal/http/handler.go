package httpapp

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cesargomez89/crate/internal/app"
	"github.com/cesargomez89/crate/internal/config"
	"github.com/cesargomez89/crate/internal/domain"
	"github.com/cesargomez89/crate/internal/http/dto"
	"github.com/cesargomez89/crate/internal/logger"
	"github.com/cesargomez89/crate/internal/store"
	"github.com/cesargomez89/crate/internal/telemetry"
)

type Handler struct {
	Service      *app.DownloadService
	Downloads    *app.DownloadsService
	SettingsRepo *store.SettingsRepo
	Config       *config.Config
	Telemetry    *telemetry.Telemetry
	Logger       *logger.Logger
}

func NewHandler(svc *app.DownloadService, downloads *app.DownloadsService, sr *store.SettingsRepo, cfg *config.Config, tel *telemetry.Telemetry, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		Service:      svc,
		Downloads:    downloads,
		SettingsRepo: sr,
		Config:       cfg,
		Telemetry:    tel,
		Logger:       log.WithComponent("http"),
	}
}

// Router builds the chi router with the standard middleware stack.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.Telemetry.Middleware)
	h.RegisterRoutes(r)
	return r
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.Health)
	r.Handle("/metrics", h.Telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/queue", h.ListQueue)
		r.Get("/queue/{id}", h.GetItem)
		r.Post("/queue/retry", h.RetryFailed)
		r.Post("/queue/tracks", h.Enqueue("tracks"))
		r.Post("/queue/albums", h.Enqueue("albums"))
		r.Post("/queue/playlists", h.Enqueue("playlists"))
		r.Post("/queue/{id}/cancel", h.Cancel)
		r.Post("/queue/{id}/pause", h.Pause)
		r.Post("/queue/{id}/resume", h.Resume)
		r.Delete("/queue/completed", h.ClearCompleted)
		r.Delete("/queue/failed", h.ClearFailed)
		r.Delete("/queue/all", h.ClearAll)
		r.Get("/events", h.Events)

		r.Get("/downloads", h.ListDownloads)
		r.Delete("/downloads/{trackID}", h.DeleteDownload)

		r.Get("/settings", h.GetSettings)
		r.Put("/settings/{key}", h.PutSetting)
		r.Delete("/settings/{key}", h.DeleteSetting)
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) writeValidation(w http.ResponseWriter, errs []dto.ValidationError) {
	h.writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{
		Error:  dto.ToResponse(errs),
		Fields: dto.ToMap(errs),
	})
}

// writeError maps sentinel errors and failure kinds to HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := dto.ErrorResponse{Error: err.Error()}

	var de *domain.Error
	if errors.As(err, &de) {
		resp.Kind = string(de.Kind)
	}
	if status >= http.StatusInternalServerError {
		h.Logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	h.writeJSON(w, status, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrItemNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidItem):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrEngineStopped):
		return http.StatusServiceUnavailable
	}

	var de *domain.Error
	if !errors.As(err, &de) {
		return http.StatusInternalServerError
	}
	switch de.Kind {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindRights:
		return http.StatusUnavailableForLegalReasons
	case domain.KindTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
