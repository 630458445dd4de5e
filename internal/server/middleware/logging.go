package middleware

import (
	"time"

	"github.com/labstack/echo/v4"

	"training-orchestrator/logging"
	"training-orchestrator/types"
)

// LoggingMiddleware logs one line per request with method, path, status and
// latency.
func LoggingMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}

		logging.Info("request", types.Server,
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"status", c.Response().Status,
			"latency_ms", time.Since(start).Milliseconds(),
			"remote_ip", c.RealIP())
		return nil
	}
}
