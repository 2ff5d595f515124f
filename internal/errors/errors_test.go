package errors

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/render"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIErrorRender(t *testing.T) {
	apiErr := New(http.StatusForbidden, "FORBIDDEN", "Access denied")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	require.NoError(t, render.Render(rec, req, apiErr))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error_code":"FORBIDDEN"`)
	assert.Contains(t, rec.Body.String(), `"status_code":403`)
}

func TestAPIErrorImplementsError(t *testing.T) {
	err := NotFoundError("key")
	assert.Equal(t, "key not found", err.Error())
	assert.Equal(t, http.StatusNotFound, err.StatusCode)
}

func TestValidationErrorDetails(t *testing.T) {
	err := ErrValidation("days", "must be positive")
	assert.Equal(t, http.StatusBadRequest, err.StatusCode)

	details, ok := err.Details.(ValidationError)
	require.True(t, ok)
	assert.Equal(t, "days", details.Field)
}
