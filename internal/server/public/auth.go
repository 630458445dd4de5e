package public

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"training-orchestrator/logging"
	"training-orchestrator/types"
	"training-orchestrator/utils"
)

// requireNodeSignature authenticates write requests from nodes. The node
// signs method, path, body hash, timestamp and its own id with the key it
// registered; stale timestamps are rejected to stop replays.
func (s *Server) requireNodeSignature(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		nodeID := c.Request().Header.Get(utils.XNodeIdHeader)
		if nodeID == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing node id header")
		}
		sig := c.Request().Header.Get(utils.XSignatureHeader)
		if sig == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing signature header")
		}
		tsRaw := c.Request().Header.Get(utils.XTimestampHeader)
		ts, err := strconv.ParseInt(tsRaw, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid timestamp header")
		}

		maxAge := s.configManager.GetApiConfig().SignatureMaxAge
		if age := time.Now().Unix() - ts; age < -maxAge || age > maxAge {
			return echo.NewHTTPError(http.StatusUnauthorized, "signature timestamp out of range")
		}

		node, err := s.registry.Get(nodeID)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "node not registered")
		}

		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
		}
		c.Request().Body = io.NopCloser(bytes.NewReader(body))

		payload := utils.BuildSignPayload(c.Request().Method, c.Request().URL.Path, body, ts, nodeID)
		if err := utils.VerifySignature(node.PubKey, sig, payload); err != nil {
			logging.Warn("Request signature rejected", types.Server,
				"node_id", nodeID, "path", c.Request().URL.Path, "error", err)
			return echo.NewHTTPError(http.StatusUnauthorized, "signature verification failed")
		}

		c.Set("node_id", nodeID)
		return next(c)
	}
}
