package public

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"training-orchestrator/logging"
	"training-orchestrator/scheduler"
	"training-orchestrator/types"
)

func (s *Server) getUnit(c echo.Context) error {
	cmd := scheduler.NewGetUnitCommand(c.Param("id"))
	if err := s.scheduler.QueueMessage(cmd); err != nil {
		return err
	}
	resp := <-cmd.Response
	if resp.Err != nil {
		return resp.Err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"unit":        resp.Unit,
		"submissions": resp.Submissions,
	})
}

// requestAssignment grants the calling node at most one unit. 204 means no
// assignable work right now; nodes poll again later.
func (s *Server) requestAssignment(c echo.Context) error {
	nodeID := c.Get("node_id").(string)

	cmd := scheduler.NewRequestWorkCommand(nodeID)
	if err := s.scheduler.QueueMessage(cmd); err != nil {
		return err
	}
	resp := <-cmd.Response
	if resp.Err != nil {
		return resp.Err
	}
	if resp.Unit == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, resp.Unit)
}

// SubmitResultRequest is the body for POST /v1/units/:id/submissions.
type SubmitResultRequest struct {
	PayloadRef string                `json:"payload_ref"`
	Metrics    types.ArtifactMetrics `json:"metrics"`
}

func (s *Server) postSubmission(c echo.Context) error {
	nodeID := c.Get("node_id").(string)
	unitID := c.Param("id")

	var req SubmitResultRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	sub := types.Submission{
		ID:         uuid.NewString(),
		UnitID:     unitID,
		NodeID:     nodeID,
		PayloadRef: req.PayloadRef,
		Metrics:    req.Metrics,
	}

	if err := s.validator.Check(sub); err != nil {
		s.recordRejection(c, nodeID)
		return err
	}

	getCmd := scheduler.NewGetUnitCommand(unitID)
	if err := s.scheduler.QueueMessage(getCmd); err != nil {
		return err
	}
	getResp := <-getCmd.Response
	if getResp.Err != nil {
		return getResp.Err
	}
	if err := s.validator.CheckShape(sub, *getResp.Unit); err != nil {
		s.recordRejection(c, nodeID)
		return err
	}

	cmd := scheduler.NewSubmitResultCommand(sub)
	if err := s.scheduler.QueueMessage(cmd); err != nil {
		return err
	}
	if err := <-cmd.Response; err != nil {
		return err
	}

	return c.JSON(http.StatusAccepted, map[string]string{
		"submission_id": sub.ID,
		"status":        "accepted",
	})
}

func (s *Server) recordRejection(c echo.Context, nodeID string) {
	if err := s.registry.RecordRejection(c.Request().Context(), nodeID); err != nil {
		logging.Warn("Failed to record rejection", types.Validation,
			"node_id", nodeID, "error", err)
	}
}
