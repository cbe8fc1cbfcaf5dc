package handler_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/homedeck/homedeck/internal/api/handler"
	"github.com/homedeck/homedeck/internal/registry"
	"github.com/homedeck/homedeck/internal/schedule"
	"github.com/homedeck/homedeck/internal/source"
	"github.com/homedeck/homedeck/internal/supervisor"
)

func newData() source.Source {
	return source.Func{
		Name: "radar",
		FetchFn: func(context.Context) (source.Outcome, error) {
			return source.NewData(nil, time.Now()), nil
		},
	}
}

func fatal(id string) source.Source {
	return source.Func{
		Name: id,
		FetchFn: func(context.Context) (source.Outcome, error) {
			return source.Fatal("invalid api key"), nil
		},
	}
}

func newRegistry(t *testing.T, sources ...source.Source) *registry.Registry {
	t.Helper()
	r := registry.New(registry.Config{Logger: zerolog.Nop()})
	t.Cleanup(func() { _ = r.Close() })

	for _, src := range sources {
		_, err := r.Register(supervisor.Config{
			Source: src,
			Schedule: schedule.Config{
				BaseInterval:    time.Hour,
				MinimumInterval: time.Hour,
				MaximumInterval: 2 * time.Hour,
			},
		})
		require.NoError(t, err)
	}
	return r
}

func sourcesRouter(sources handler.Sources) chi.Router {
	h := handler.NewSourcesHandler(sources, zerolog.Nop())
	r := chi.NewRouter()
	r.Get("/v1/sources", h.ListSources)
	r.Post("/v1/sources/refresh", h.RefreshAll)
	r.Get("/v1/sources/{id}", h.GetSource)
	r.Post("/v1/sources/{id}/refresh", h.RefreshSource)
	r.Post("/v1/sources/{id}/start", h.StartSource)
	r.Post("/v1/sources/{id}/stop", h.StopSource)
	r.Post("/v1/sources/{id}/restart", h.RestartSource)
	return r
}
