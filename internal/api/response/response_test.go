package response_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homedeck/homedeck/internal/api/middleware"
	"github.com/homedeck/homedeck/internal/api/models"
	"github.com/homedeck/homedeck/internal/api/response"
)

// requestWithID returns a request whose context went through the RequestID
// middleware.
func requestWithID(t *testing.T, method, path string) *http.Request {
	t.Helper()
	var processed *http.Request
	handler := middleware.RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		processed = r
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(method, path, http.NoBody))
	require.NotNil(t, processed)
	return processed
}

func TestJSON_IncludesRequestID(t *testing.T) {
	req := requestWithID(t, http.MethodGet, "/v1/sources")
	rec := httptest.NewRecorder()

	response.JSON(rec, req, http.StatusOK, map[string]string{"message": "hello"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, middleware.GetRequestID(req.Context()), rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"message":"hello"}`, rec.Body.String())
}

func TestJSON_WithoutRequestID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/sources", http.NoBody)
	rec := httptest.NewRecorder()

	response.JSON(rec, req, http.StatusOK, nil)

	assert.Empty(t, rec.Header().Get("X-Request-Id"))
	assert.Empty(t, rec.Body.String())
}

func TestAccepted(t *testing.T) {
	req := requestWithID(t, http.MethodPost, "/v1/sources/radar/refresh")
	rec := httptest.NewRecorder()

	response.Accepted(rec, req, models.CommandResult{Command: "refresh", SourceID: "radar", Accepted: true})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"command":"refresh","sourceId":"radar","accepted":true}`, rec.Body.String())
}

func TestErrorResponses(t *testing.T) {
	tests := []struct {
		name         string
		write        func(http.ResponseWriter, *http.Request)
		expectedCode int
		expectedType string
	}{
		{
			name: "bad request",
			write: func(w http.ResponseWriter, r *http.Request) {
				response.BadRequest(w, r, "invalid", nil)
			},
			expectedCode: http.StatusBadRequest,
			expectedType: models.ProblemTypeValidation,
		},
		{
			name: "not found",
			write: func(w http.ResponseWriter, r *http.Request) {
				response.Problem(w, r, http.StatusNotFound, "source not found")
			},
			expectedCode: http.StatusNotFound,
			expectedType: models.ProblemTypeNotFound,
		},
		{
			name: "conflict",
			write: func(w http.ResponseWriter, r *http.Request) {
				response.Problem(w, r, http.StatusConflict, "source not running")
			},
			expectedCode: http.StatusConflict,
			expectedType: models.ProblemTypeConflict,
		},
		{
			name: "internal error",
			write: func(w http.ResponseWriter, r *http.Request) {
				response.Problem(w, r, http.StatusInternalServerError, "boom")
			},
			expectedCode: http.StatusInternalServerError,
			expectedType: models.ProblemTypeInternal,
		},
		{
			name: "service unavailable",
			write: func(w http.ResponseWriter, r *http.Request) {
				response.Problem(w, r, http.StatusServiceUnavailable, "source faulted")
			},
			expectedCode: http.StatusServiceUnavailable,
			expectedType: models.ProblemTypeUnavailable,
		},
		{
			name: "unregistered status",
			write: func(w http.ResponseWriter, r *http.Request) {
				response.Problem(w, r, http.StatusTeapot, "short and stout")
			},
			expectedCode: http.StatusInternalServerError,
			expectedType: models.ProblemTypeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := requestWithID(t, http.MethodPost, "/v1/sources/radar/start")
			rec := httptest.NewRecorder()

			tt.write(rec, req)

			assert.Equal(t, tt.expectedCode, rec.Code)
			assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

			var problem models.Problem
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&problem))
			assert.Equal(t, tt.expectedType, problem.Type)
			assert.Equal(t, "/v1/sources/radar/start", problem.Instance)
			assert.Equal(t, middleware.GetRequestID(req.Context()), problem.TraceID)
		})
	}
}
