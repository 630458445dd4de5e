// Package admin is the operator-facing API. It binds on a separate port
// and is expected to sit behind network-level access control.
package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"training-orchestrator/internal/server/middleware"
	"training-orchestrator/logging"
	"training-orchestrator/partition"
	"training-orchestrator/publisher"
	"training-orchestrator/registry"
	"training-orchestrator/scheduler"
	"training-orchestrator/store"
	"training-orchestrator/types"
)

type Server struct {
	e         *echo.Echo
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	publisher *publisher.Publisher
	store     store.Store
}

func NewServer(
	reg *registry.Registry,
	sched *scheduler.Scheduler,
	pub *publisher.Publisher,
	st store.Store,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = middleware.TransparentErrorHandler
	e.Use(middleware.LoggingMiddleware)

	s := &Server{
		e:         e,
		registry:  reg,
		scheduler: sched,
		publisher: pub,
		store:     st,
	}

	g := e.Group("/admin/v1/")

	g.POST("tasks", s.postTask)
	g.POST("nodes/:id/ban", s.banNode)
	g.POST("nodes/:id/unban", s.unbanNode)
	g.GET("windows/failed", s.listFailedWindows)
	g.POST("windows/:id/republish", s.republishWindow)

	return s
}

// postTask accepts a task descriptor, partitions it and loads the resulting
// units into the scheduler. Task creation is an operator action; nodes only
// consume work.
func (s *Server) postTask(c echo.Context) error {
	var task types.TaskDescriptor
	if err := c.Bind(&task); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	units, err := partition.Partition(task, time.Now())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	cmd := scheduler.NewAddUnitsCommand(units)
	if err := s.scheduler.QueueMessage(cmd); err != nil {
		return err
	}
	if err := <-cmd.Response; err != nil {
		return err
	}

	logging.Info("Task partitioned", types.Partitioning,
		"task_id", task.ID, "units", len(units))
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"task_id": task.ID,
		"units":   len(units),
	})
}

func (s *Server) Start(addr string) {
	go func() {
		_ = s.e.Start(addr)
	}()
}

func (s *Server) Shutdown() error {
	return s.e.Close()
}

// BanRequest is the body for POST /admin/v1/nodes/:id/ban.
type BanRequest struct {
	Reason string `json:"reason"`
}

// banNode bans a node and returns its in-flight assignments to pending.
func (s *Server) banNode(c echo.Context) error {
	nodeID := c.Param("id")

	var req BanRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Reason == "" {
		req.Reason = "banned by operator"
	}

	if err := s.registry.Ban(c.Request().Context(), nodeID, req.Reason); err != nil {
		return err
	}

	cmd := scheduler.NewReleaseNodeCommand(nodeID, req.Reason)
	if err := s.scheduler.QueueMessage(cmd); err != nil {
		return err
	}
	released := <-cmd.Response

	logging.Info("Node banned by operator", types.Nodes,
		"node_id", nodeID, "reason", req.Reason, "released_units", released)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":         "banned",
		"released_units": released,
	})
}

func (s *Server) unbanNode(c echo.Context) error {
	nodeID := c.Param("id")
	if err := s.registry.Unban(c.Request().Context(), nodeID); err != nil {
		return err
	}
	logging.Info("Node unbanned by operator", types.Nodes, "node_id", nodeID)
	return c.JSON(http.StatusOK, map[string]string{"status": "probation"})
}

func (s *Server) listFailedWindows(c echo.Context) error {
	windows, err := s.store.ListWindowsByState(c.Request().Context(), types.WindowStatePublishFailed)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, windows)
}

func (s *Server) republishWindow(c echo.Context) error {
	windowID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid window id")
	}
	if err := s.publisher.Republish(c.Request().Context(), windowID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "published"})
}
