package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/homedeck/homedeck/internal/api/models"
	"github.com/homedeck/homedeck/internal/api/response"
	"github.com/homedeck/homedeck/internal/events"
)

// Event stream defaults.
const (
	DefaultStreamBuffer    = 64
	DefaultStreamKeepAlive = 15 * time.Second
)

// EventsConfig configures the EventsHandler.
type EventsConfig struct {
	Sources   Sources
	Buffer    int
	KeepAlive time.Duration
	Logger    zerolog.Logger
}

// EventsHandler streams source events as server-sent events.
type EventsHandler struct {
	sources   Sources
	buffer    int
	keepAlive time.Duration
	logger    zerolog.Logger
}

// NewEventsHandler creates a new EventsHandler.
func NewEventsHandler(cfg EventsConfig) *EventsHandler {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultStreamBuffer
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultStreamKeepAlive
	}
	return &EventsHandler{
		sources:   cfg.Sources,
		buffer:    cfg.Buffer,
		keepAlive: cfg.KeepAlive,
		logger:    cfg.Logger,
	}
}

// eventFilter selects events by source id and kind. Empty sets match all.
type eventFilter struct {
	sources map[string]bool
	kinds   map[events.Kind]bool
}

func (f eventFilter) match(e events.Event) bool {
	if len(f.sources) > 0 && !f.sources[e.SourceID] {
		return false
	}
	if len(f.kinds) > 0 && !f.kinds[e.Kind] {
		return false
	}
	return true
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseFilter(r *http.Request) (eventFilter, []models.FieldError) {
	q := r.URL.Query()
	f := eventFilter{
		sources: make(map[string]bool),
		kinds:   make(map[events.Kind]bool),
	}
	var errs []models.FieldError

	for _, id := range splitList(q["source"]) {
		f.sources[id] = true
	}
	for _, k := range splitList(q["kind"]) {
		switch kind := events.Kind(k); kind {
		case events.KindDataReceived, events.KindStatusChanged, events.KindError:
			f.kinds[kind] = true
		default:
			errs = append(errs, models.FieldError{Field: "kind", Message: "unknown event kind " + k, Code: "INVALID"})
		}
	}
	return f, errs
}

// Stream handles GET /v1/events. Query parameters source and kind narrow the
// stream; both accept comma separated lists.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	filter, errs := parseFilter(r)
	if len(errs) > 0 {
		response.BadRequest(w, r, "invalid event filter", errs)
		return
	}

	rc := http.NewResponseController(w)
	ch, unsubscribe := h.sources.SubscribeChan(h.buffer)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Error().Err(err).Msg("event stream does not support flushing")
		return
	}

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !filter.match(e) {
				continue
			}
			if err := writeEvent(w, e); err != nil {
				h.logger.Debug().Err(err).Msg("event stream closed")
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, e events.Event) error {
	data, err := json.Marshal(models.NewEvent(e))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Kind, data)
	return err
}
