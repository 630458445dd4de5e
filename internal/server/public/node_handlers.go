package public

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"training-orchestrator/logging"
	"training-orchestrator/types"
	"training-orchestrator/utils"
)

// RegisterNodeRequest is the body for POST /v1/nodes.
type RegisterNodeRequest struct {
	NodeID     string           `json:"node_id"`
	PubKey     string           `json:"pub_key"`
	Capability types.Capability `json:"capability"`
}

// registerNode creates or refreshes a node record. Registration is
// self-signed: the signature must verify against the key in the request,
// which then becomes the node's identity for every later call.
func (s *Server) registerNode(c echo.Context) error {
	var req RegisterNodeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.NodeID == "" || req.PubKey == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "node_id and pub_key are required")
	}

	if err := s.verifySelfSigned(c, req.NodeID, req.PubKey); err != nil {
		return err
	}

	node, err := s.registry.Register(c.Request().Context(), req.NodeID, req.PubKey, req.Capability)
	if err != nil {
		return err
	}

	// A re-registering node gets its in-flight units back so it can resume
	// instead of waiting for them to time out.
	activeUnits, err := s.activeUnitsFor(c.Request().Context(), node.ID)
	if err != nil {
		return err
	}

	logging.Info("Node registered", types.Nodes,
		"node_id", node.ID, "status", node.Status, "compute_class", node.Capability.ComputeClass,
		"active_units", len(activeUnits))
	return c.JSON(http.StatusOK, map[string]interface{}{
		"node":         node,
		"active_units": activeUnits,
	})
}

func (s *Server) activeUnitsFor(ctx context.Context, nodeID string) ([]types.WorkUnit, error) {
	assigned, err := s.store.ListUnitsByState(ctx, types.UnitStateAssigned)
	if err != nil {
		return nil, err
	}
	units := make([]types.WorkUnit, 0)
	for _, u := range assigned {
		if u.ActiveAssignment(nodeID) != nil {
			units = append(units, u)
		}
	}
	return units, nil
}

// verifySelfSigned checks a registration signature against the key carried
// in the request itself.
func (s *Server) verifySelfSigned(c echo.Context, nodeID, pubKey string) error {
	sig := c.Request().Header.Get(utils.XSignatureHeader)
	tsRaw := c.Request().Header.Get(utils.XTimestampHeader)
	if sig == "" || tsRaw == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "registration must be signed")
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid timestamp header")
	}
	maxAge := s.configManager.GetApiConfig().SignatureMaxAge
	if age := time.Now().Unix() - ts; age < -maxAge || age > maxAge {
		return echo.NewHTTPError(http.StatusUnauthorized, "signature timestamp out of range")
	}

	// The body was already consumed by Bind; rebuild the payload from the
	// canonical fields instead.
	payload := utils.BuildSignPayload(c.Request().Method, c.Request().URL.Path, []byte(pubKey), ts, nodeID)
	if err := utils.VerifySignature(pubKey, sig, payload); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "registration signature verification failed")
	}
	return nil
}

func (s *Server) postHeartbeat(c echo.Context) error {
	nodeID := c.Param("id")
	if nodeID != c.Get("node_id") {
		return echo.NewHTTPError(http.StatusForbidden, "heartbeat for another node")
	}
	if err := s.registry.Heartbeat(c.Request().Context(), nodeID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listNodes(c echo.Context) error {
	return c.JSON(http.StatusOK, s.registry.List())
}

func (s *Server) getNode(c echo.Context) error {
	node, err := s.registry.Get(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, node)
}
