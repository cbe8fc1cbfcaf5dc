// Package handler provides the HTTP handlers of the homedeck ops and control
// API.
package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/homedeck/homedeck/internal/api/models"
	"github.com/homedeck/homedeck/internal/api/response"
	"github.com/homedeck/homedeck/internal/lifecycle"
)

// readyTimeout bounds each readiness check.
const readyTimeout = 2 * time.Second

// Pinger is a dependency that can report whether it is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// OpsConfig configures the OpsHandler.
type OpsConfig struct {
	Version   string
	BuildTime string
	Sources   Sources

	// Checks are probed by the readiness and status endpoints, keyed by
	// subsystem name.
	Checks map[string]Pinger

	Logger zerolog.Logger
}

// OpsHandler handles operational endpoints.
type OpsHandler struct {
	version   string
	buildTime string
	sources   Sources
	checks    map[string]Pinger
	logger    zerolog.Logger
}

// NewOpsHandler creates a new OpsHandler.
func NewOpsHandler(cfg OpsConfig) *OpsHandler {
	return &OpsHandler{
		version:   cfg.Version,
		buildTime: cfg.BuildTime,
		sources:   cfg.Sources,
		checks:    cfg.Checks,
		logger:    cfg.Logger,
	}
}

// HealthCheck handles GET /v1/ops/health - liveness check.
func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(time.Now()),
		Details: map[string]interface{}{
			"version":   h.version,
			"buildTime": h.buildTime,
		},
	}
	response.JSON(w, r, http.StatusOK, health)
}

// ReadinessCheck handles GET /v1/ops/ready. It fails while a subsystem is
// unreachable.
func (h *OpsHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	subsystems := h.probe(r.Context())

	health := models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(time.Now()),
	}
	for _, sub := range subsystems {
		if sub.Status != models.HealthStatusOK {
			health.Status = models.HealthStatusFail
			if health.Details == nil {
				health.Details = make(map[string]interface{})
			}
			health.Details[sub.Name] = *sub.Detail
		}
	}

	status := http.StatusOK
	if health.Status != models.HealthStatusOK {
		status = http.StatusServiceUnavailable
	}
	response.JSON(w, r, status, health)
}

// SystemStatus handles GET /v1/ops/status - source and subsystem status.
func (h *OpsHandler) SystemStatus(w http.ResponseWriter, r *http.Request) {
	out := models.SystemStatus{
		Time:       models.Timestamp(time.Now()),
		Summary:    make(map[string]int),
		Subsystems: h.probe(r.Context()),
		Sources:    []models.SourceStatus{},
	}

	summary := h.sources.Summary()
	for st, n := range summary {
		out.Summary[st.String()] = n
	}
	for _, st := range h.sources.Statuses() {
		out.Sources = append(out.Sources, models.NewSourceStatus(st))
	}
	out.Status = overallHealth(summary, out.Subsystems)

	response.JSON(w, r, http.StatusOK, out)
}

func (h *OpsHandler) probe(ctx context.Context) []models.SubsystemStatus {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]models.SubsystemStatus, 0, len(names))
	for _, name := range names {
		check := h.checks[name]
		pingCtx, cancel := context.WithTimeout(ctx, readyTimeout)
		err := check.Ping(pingCtx)
		cancel()

		sub := models.SubsystemStatus{Name: name, Status: models.HealthStatusOK}
		if err != nil {
			h.logger.Warn().Err(err).Str("subsystem", name).Msg("subsystem check failed")
			detail := err.Error()
			sub.Status = models.HealthStatusFail
			sub.Detail = &detail
		}
		out = append(out, sub)
	}
	return out
}

// overallHealth is FAIL when a subsystem is down or every active source is
// faulted, DEGRADED when any source is not running, and OK otherwise.
// Stopped sources are not counted.
func overallHealth(summary map[lifecycle.Status]int, subsystems []models.SubsystemStatus) models.HealthStatus {
	for _, sub := range subsystems {
		if sub.Status == models.HealthStatusFail {
			return models.HealthStatusFail
		}
	}

	active := 0
	for st, n := range summary {
		if st != lifecycle.Stopped {
			active += n
		}
	}
	if active == 0 {
		return models.HealthStatusOK
	}
	if summary[lifecycle.Faulted] == active {
		return models.HealthStatusFail
	}
	if summary[lifecycle.Running] == active {
		return models.HealthStatusOK
	}
	return models.HealthStatusDegraded
}
