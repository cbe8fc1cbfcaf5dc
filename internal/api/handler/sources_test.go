package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homedeck/homedeck/internal/api/models"
)

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, http.NoBody)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSourcesHandler_ListAndGet(t *testing.T) {
	reg := newRegistry(t, newData(), fatal("quotes"))
	router := sourcesRouter(reg)

	rec := do(t, router, http.MethodGet, "/v1/sources")
	require.Equal(t, http.StatusOK, rec.Code)

	var list models.SourceList
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list.Items, 2)
	assert.Equal(t, "quotes", list.Items[0].ID)
	assert.Equal(t, "radar", list.Items[1].ID)
	assert.Equal(t, "stopped", list.Items[1].Status)

	rec = do(t, router, http.MethodGet, "/v1/sources/radar")
	require.Equal(t, http.StatusOK, rec.Code)
	var st models.SourceStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, "radar", st.ID)
	assert.False(t, st.IsRunning)

	rec = do(t, router, http.MethodGet, "/v1/sources/tides")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestSourcesHandler_Lifecycle(t *testing.T) {
	reg := newRegistry(t, newData())
	router := sourcesRouter(reg)

	rec := do(t, router, http.MethodPost, "/v1/sources/radar/refresh")
	assert.Equal(t, http.StatusConflict, rec.Code, "refresh of a stopped source")

	rec = do(t, router, http.MethodPost, "/v1/sources/radar/start")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var result models.CommandResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.Equal(t, "start", result.Command)
	assert.Equal(t, "radar", result.SourceID)
	assert.True(t, result.Accepted)
	require.NotNil(t, result.Source)
	assert.Equal(t, "running", result.Source.Status)

	rec = do(t, router, http.MethodPost, "/v1/sources/radar/start")
	assert.Equal(t, http.StatusConflict, rec.Code)
	var problem models.Problem
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&problem))
	assert.Equal(t, "radar", problem.SourceID)
	assert.Equal(t, "running", problem.SourceStatus)

	rec = do(t, router, http.MethodPost, "/v1/sources/radar/refresh")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, router, http.MethodPost, "/v1/sources/radar/restart")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, router, http.MethodPost, "/v1/sources/radar/stop")
	require.Equal(t, http.StatusAccepted, rec.Code)
	st, err := reg.Status("radar")
	require.NoError(t, err)
	assert.Equal(t, "stopped", st.Status.String())

	rec = do(t, router, http.MethodPost, "/v1/sources/radar/stop")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, router, http.MethodPost, "/v1/sources/tides/stop")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	problem = models.Problem{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&problem))
	assert.Equal(t, "tides", problem.SourceID)
	assert.Empty(t, problem.SourceStatus)
}

func TestSourcesHandler_FatalStart(t *testing.T) {
	reg := newRegistry(t, fatal("quotes"))
	router := sourcesRouter(reg)

	rec := do(t, router, http.MethodPost, "/v1/sources/quotes/start")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var problem models.Problem
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&problem))
	assert.Contains(t, problem.Detail, "invalid api key")
	assert.Equal(t, "/v1/sources/quotes/start", problem.Instance)
	assert.Equal(t, "quotes", problem.SourceID)
	assert.Equal(t, "faulted", problem.SourceStatus)

	st, err := reg.Status("quotes")
	require.NoError(t, err)
	assert.Equal(t, "faulted", st.Status.String())
}

func TestSourcesHandler_RefreshAll(t *testing.T) {
	reg := newRegistry(t, newData(), fatal("quotes"))
	router := sourcesRouter(reg)

	rec := do(t, router, http.MethodPost, "/v1/sources/refresh")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"command":"refresh_all","accepted":false}`, rec.Body.String())

	require.NoError(t, reg.Start(context.Background(), "radar"))

	rec = do(t, router, http.MethodPost, "/v1/sources/refresh")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"command":"refresh_all","accepted":true}`, rec.Body.String())
}
