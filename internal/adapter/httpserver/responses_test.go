package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

func TestWriteErrorMapsSentinels(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{domain.ErrInvalidArgument, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{domain.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{domain.ErrConflict, http.StatusConflict, "CONFLICT"},
		{domain.ErrManualImportRequired, http.StatusUnprocessableEntity, "MANUAL_IMPORT_REQUIRED"},
		{domain.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED"},
		{domain.ErrUpstreamTimeout, http.StatusServiceUnavailable, "UPSTREAM_TIMEOUT"},
		{domain.ErrUpstreamRateLimit, http.StatusServiceUnavailable, "UPSTREAM_RATE_LIMIT"},
		{domain.ErrSchemaInvalid, http.StatusServiceUnavailable, "SCHEMA_INVALID"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "INTERNAL"},
	}

	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
			// Handlers always wrap sentinels with operation context.
			writeError(rec, req, fmt.Errorf("op=http.test: %w", tc.err), nil)

			assert.Equal(t, tc.status, rec.Code)
			var env errorEnvelope
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
			assert.Equal(t, tc.code, env.Error.Code)
			assert.Contains(t, env.Error.Message, tc.err.Error())
		})
	}
}

func TestWriteAPIErrorDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	writeAPIError(rec, http.StatusBadRequest, "INVALID_ARGUMENT", "validation failed", map[string]string{"type": "required"})

	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "INVALID_ARGUMENT", env.Error.Code)
	details, ok := env.Error.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "required", details["type"])
}

func TestWriteAPIErrorOmitsEmptyDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	writeAPIError(rec, http.StatusNotFound, "NOT_FOUND", "no such trial", nil)
	assert.NotContains(t, rec.Body.String(), "details")
}
