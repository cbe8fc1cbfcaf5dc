package models_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homedeck/homedeck/internal/api/models"
	"github.com/homedeck/homedeck/internal/lifecycle"
)

func TestProblem_NewProblem(t *testing.T) {
	p := models.NewProblem(
		models.ProblemTypeValidation,
		"Validation error",
		http.StatusBadRequest,
		"req_test123",
	)

	assert.Equal(t, models.ProblemTypeValidation, p.Type)
	assert.Equal(t, "Validation error", p.Title)
	assert.Equal(t, http.StatusBadRequest, p.Status)
	assert.Equal(t, "req_test123", p.TraceID)
	assert.Empty(t, p.Detail)
	assert.Empty(t, p.Instance)
	assert.Nil(t, p.Errors)
}

func TestProblem_NewBadRequest(t *testing.T) {
	p := models.NewBadRequest("req_test123", "unknown event kind",
		[]models.FieldError{{Field: "kind", Message: "unknown event kind", Code: "INVALID"}})

	assert.Equal(t, models.ProblemTypeValidation, p.Type)
	assert.Equal(t, http.StatusBadRequest, p.Status)
	assert.Equal(t, "unknown event kind", p.Detail)
	require.Len(t, p.Errors, 1)
	assert.Equal(t, "kind", p.Errors[0].Field)
	assert.Equal(t, "INVALID", p.Errors[0].Code)
}

func TestProblem_ForSource(t *testing.T) {
	running := lifecycle.Running

	body, err := json.Marshal(models.NewStatusProblem(http.StatusConflict, "t", "d").ForSource("radar", &running))
	require.NoError(t, err)
	assert.Contains(t, string(body), `"sourceId":"radar"`)
	assert.Contains(t, string(body), `"sourceStatus":"running"`)

	body, err = json.Marshal(models.NewStatusProblem(http.StatusNotFound, "t", "d").ForSource("tides", nil))
	require.NoError(t, err)
	assert.Contains(t, string(body), `"sourceId":"tides"`)
	assert.NotContains(t, string(body), "sourceStatus")

	body, err = json.Marshal(models.NewStatusProblem(http.StatusNotFound, "t", "d"))
	require.NoError(t, err)
	assert.NotContains(t, string(body), "sourceId")
}

func TestProblem_Write(t *testing.T) {
	p := models.NewStatusProblem(http.StatusNotFound, "req_test123", "source radar not found")
	p.Instance = "/v1/sources/radar"

	w := httptest.NewRecorder()
	p.Write(w)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	assert.Equal(t, "req_test123", w.Header().Get("X-Request-Id"))

	var decoded models.Problem
	require.NoError(t, json.NewDecoder(w.Body).Decode(&decoded))
	assert.Equal(t, models.ProblemTypeNotFound, decoded.Type)
	assert.Equal(t, "Not found", decoded.Title)
	assert.Equal(t, "source radar not found", decoded.Detail)
	assert.Equal(t, "/v1/sources/radar", decoded.Instance)
	assert.Equal(t, "req_test123", decoded.TraceID)
}

func TestNewStatusProblem(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		expectedType  string
		expectedTitle string
		expectedCode  int
	}{
		{"bad request", http.StatusBadRequest, models.ProblemTypeValidation, "Validation error", http.StatusBadRequest},
		{"unauthorized", http.StatusUnauthorized, models.ProblemTypeUnauthorized, "Unauthorized", http.StatusUnauthorized},
		{"forbidden", http.StatusForbidden, models.ProblemTypeForbidden, "Forbidden", http.StatusForbidden},
		{"not found", http.StatusNotFound, models.ProblemTypeNotFound, "Not found", http.StatusNotFound},
		{"conflict", http.StatusConflict, models.ProblemTypeConflict, "Conflict", http.StatusConflict},
		{"unsupported media type", http.StatusUnsupportedMediaType, models.ProblemTypeUnsupportedMediaType, "Unsupported media type", http.StatusUnsupportedMediaType},
		{"too many requests", http.StatusTooManyRequests, models.ProblemTypeTooManyRequests, "Too many requests", http.StatusTooManyRequests},
		{"internal", http.StatusInternalServerError, models.ProblemTypeInternal, "Internal server error", http.StatusInternalServerError},
		{"unavailable", http.StatusServiceUnavailable, models.ProblemTypeUnavailable, "Service unavailable", http.StatusServiceUnavailable},
		{"unregistered status", http.StatusTeapot, models.ProblemTypeInternal, "Internal server error", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := models.NewStatusProblem(tt.status, "t", "d")
			assert.Equal(t, tt.expectedType, p.Type)
			assert.Equal(t, tt.expectedTitle, p.Title)
			assert.Equal(t, tt.expectedCode, p.Status)
			assert.Equal(t, "d", p.Detail)
			assert.Equal(t, "t", p.TraceID)
			assert.True(t, strings.HasPrefix(p.Type, "https://problems.homedeck.dev/"))
		})
	}
}
