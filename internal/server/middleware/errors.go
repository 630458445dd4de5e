package middleware

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"training-orchestrator/logging"
	"training-orchestrator/types"
)

// TransparentErrorHandler maps domain errors onto HTTP statuses and always
// answers JSON. Unrecognized errors surface as 500 with their message
// intact rather than a generic "Internal Server Error".
func TransparentErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	msg := err.Error()

	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &httpErr):
		status = httpErr.Code
		if m, ok := httpErr.Message.(string); ok {
			msg = m
		}
	case errors.Is(err, types.ErrNodeNotRegistered), errors.Is(err, types.ErrUnitNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrNodeBanned):
		status = http.StatusForbidden
	case errors.Is(err, types.ErrAlreadySubmitted):
		status = http.StatusConflict
	case errors.Is(err, types.ErrInvalidSubmission), errors.Is(err, types.ErrWindowSealed):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrNoEligibleNodes):
		status = http.StatusUnprocessableEntity
	}

	if jsonErr := c.JSON(status, map[string]string{"error": msg}); jsonErr != nil {
		logging.Error("Failed to write error response", types.Server, "error", jsonErr)
	}
}
