package public

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"training-orchestrator/store"
)

func (s *Server) getCurrentWindow(c echo.Context) error {
	return c.JSON(http.StatusOK, s.windows.CurrentWindow())
}

// getWindowVector returns the sealed incentive vector for a window. 404
// until the window is sealed.
func (s *Server) getWindowVector(c echo.Context) error {
	windowID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid window id")
	}

	vector, err := s.store.GetVector(c.Request().Context(), windowID)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "no vector sealed for window")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, vector)
}
