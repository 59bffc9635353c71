package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusworks/be-travel-requests/internal/apperrors"
	"github.com/campusworks/be-travel-requests/internal/logger"
)

func testHandler() *HTTPHandler {
	return NewHTTPHandler(nil, nil, nil, &logger.Logger{Logger: zerolog.Nop()})
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestGetRequest_MissingID(t *testing.T) {
	t.Parallel()

	h := testHandler()
	rec := httptest.NewRecorder()
	h.GetRequest(rec, httptest.NewRequest(http.MethodGet, "/api/v1/requests/get", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeError(t, rec)
	assert.True(t, resp.Error)
	assert.Contains(t, resp.FieldsWithErrors, "id")
}

func TestWriteError_StatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{"not found", apperrors.NotFound("request", "abc"), http.StatusNotFound, `request "abc" not found`},
		{"forbidden", apperrors.Forbidden("not your turn"), http.StatusForbidden, "not your turn"},
		{"conflict", apperrors.Conflict("already approved"), http.StatusConflict, "already approved"},
		{"dependency", apperrors.New(apperrors.CodeDependency, "identity unavailable"), http.StatusBadGateway, "identity unavailable"},
	}

	h := testHandler()
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			rec := httptest.NewRecorder()
			h.writeError(rec, tc.err)

			assert.Equal(t, tc.wantStatus, rec.Code)
			resp := decodeError(t, rec)
			assert.True(t, resp.Error)
			assert.Contains(t, resp.Message, tc.wantMsg)
		})
	}
}

func TestWriteError_InternalErrorsAreOpaque(t *testing.T) {
	t.Parallel()

	h := testHandler()
	rec := httptest.NewRecorder()
	h.writeError(rec, errors.New("pq: connection reset by peer"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "internal server error", resp.Message)
	assert.NotContains(t, rec.Body.String(), "connection reset")
}

func TestValidateStruct_FieldErrors(t *testing.T) {
	t.Parallel()

	h := testHandler()
	err := h.validateStruct(&submitRequest{})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))

	fields := apperrors.FieldsOf(err)
	assert.Contains(t, fields, "RequestID")
	assert.Contains(t, fields, "ActorKerberos")

	assert.NoError(t, h.validateStruct(&submitRequest{
		RequestID:     "req-1",
		ActorKerberos: "jdoe",
	}))
}
