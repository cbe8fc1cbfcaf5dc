package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/homedeck/homedeck/internal/api/middleware"
	"github.com/homedeck/homedeck/internal/api/models"
	"github.com/homedeck/homedeck/internal/api/response"
	"github.com/homedeck/homedeck/internal/events"
	"github.com/homedeck/homedeck/internal/lifecycle"
	"github.com/homedeck/homedeck/internal/registry"
	"github.com/homedeck/homedeck/internal/source"
	"github.com/homedeck/homedeck/internal/supervisor"
)

// Sources is the registry surface used by the handlers.
type Sources interface {
	Statuses() []supervisor.Status
	Status(id string) (supervisor.Status, error)
	Summary() map[lifecycle.Status]int
	Start(ctx context.Context, id string) error
	Stop(id string) error
	Restart(ctx context.Context, id string) error
	Refresh(id string) error
	RefreshAll() int
	SubscribeChan(buffer int) (<-chan events.Event, func())
}

// Commands accepted by the control endpoints.
const (
	CommandRefresh    = "refresh"
	CommandStart      = "start"
	CommandStop       = "stop"
	CommandRestart    = "restart"
	CommandRefreshAll = "refresh_all"
)

// SourcesHandler handles source inspection and control endpoints.
type SourcesHandler struct {
	sources Sources
	logger  zerolog.Logger
}

// NewSourcesHandler creates a new SourcesHandler.
func NewSourcesHandler(sources Sources, logger zerolog.Logger) *SourcesHandler {
	return &SourcesHandler{sources: sources, logger: logger}
}

// ListSources handles GET /v1/sources.
func (h *SourcesHandler) ListSources(w http.ResponseWriter, r *http.Request) {
	statuses := h.sources.Statuses()
	list := models.SourceList{Items: make([]models.SourceStatus, 0, len(statuses))}
	for _, st := range statuses {
		list.Items = append(list.Items, models.NewSourceStatus(st))
	}
	response.JSON(w, r, http.StatusOK, list)
}

// GetSource handles GET /v1/sources/{id}.
func (h *SourcesHandler) GetSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := h.sources.Status(id)
	if err != nil {
		h.writeError(w, r, id, err)
		return
	}
	response.JSON(w, r, http.StatusOK, models.NewSourceStatus(st))
}

// RefreshSource handles POST /v1/sources/{id}/refresh.
func (h *SourcesHandler) RefreshSource(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, CommandRefresh, func(id string) error {
		return h.sources.Refresh(id)
	})
}

// StartSource handles POST /v1/sources/{id}/start.
func (h *SourcesHandler) StartSource(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, CommandStart, func(id string) error {
		return h.sources.Start(r.Context(), id)
	})
}

// StopSource handles POST /v1/sources/{id}/stop.
func (h *SourcesHandler) StopSource(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, CommandStop, func(id string) error {
		return h.sources.Stop(id)
	})
}

// RestartSource handles POST /v1/sources/{id}/restart.
func (h *SourcesHandler) RestartSource(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, CommandRestart, func(id string) error {
		return h.sources.Restart(r.Context(), id)
	})
}

// RefreshAll handles POST /v1/sources/refresh.
func (h *SourcesHandler) RefreshAll(w http.ResponseWriter, r *http.Request) {
	n := h.sources.RefreshAll()
	h.logger.Info().
		Str("operator", middleware.GetOperator(r.Context())).
		Int("accepted", n).
		Msg("refresh requested for all sources")
	response.Accepted(w, r, models.CommandResult{Command: CommandRefreshAll, Accepted: n > 0})
}

func (h *SourcesHandler) command(w http.ResponseWriter, r *http.Request, name string, run func(id string) error) {
	id := chi.URLParam(r, "id")
	log := h.logger.With().
		Str("command", name).
		Str("source_id", id).
		Str("operator", middleware.GetOperator(r.Context())).
		Logger()

	if err := run(id); err != nil {
		log.Warn().Err(err).Msg("source command rejected")
		h.writeError(w, r, id, err)
		return
	}
	log.Info().Msg("source command accepted")

	result := models.CommandResult{Command: name, SourceID: id, Accepted: true}
	if st, err := h.sources.Status(id); err == nil {
		view := models.NewSourceStatus(st)
		result.Source = &view
	}
	response.Accepted(w, r, result)
}

func (h *SourcesHandler) writeError(w http.ResponseWriter, r *http.Request, id string, err error) {
	var (
		status int
		detail string
	)
	switch {
	case errors.Is(err, registry.ErrSourceNotFound):
		status, detail = http.StatusNotFound, "source "+id+" not found"
	case errors.Is(err, supervisor.ErrNotRunning):
		status, detail = http.StatusConflict, "source "+id+" is not running"
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		status, detail = http.StatusConflict, "source "+id+" is already running"
	case source.IsFatal(err):
		status, detail = http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, detail = http.StatusServiceUnavailable, "request ended before the source settled"
	default:
		h.logger.Error().Err(err).Str("source_id", id).Msg("source command failed")
		status, detail = http.StatusInternalServerError, "source command failed"
	}

	var current *lifecycle.Status
	if st, err := h.sources.Status(id); err == nil {
		current = &st.Status
	}
	problem := models.NewStatusProblem(status, middleware.GetRequestID(r.Context()), detail).ForSource(id, current)
	response.Error(w, r, problem)
}
