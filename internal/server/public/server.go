package public

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"training-orchestrator/apiconfig"
	"training-orchestrator/utils"
	"training-orchestrator/internal/server/middleware"
	"training-orchestrator/registry"
	"training-orchestrator/scheduler"
	"training-orchestrator/scoring"
	"training-orchestrator/store"
	"training-orchestrator/validation"
)

// Server is the node-facing API: registration, heartbeats, assignment
// requests, submissions and read-only views of units and windows.
type Server struct {
	e             *echo.Echo
	configManager *apiconfig.ConfigManager
	registry      *registry.Registry
	scheduler     *scheduler.Scheduler
	validator     *validation.Validator
	windows       *scoring.WindowTracker
	store         store.Store
}

func NewServer(
	configManager *apiconfig.ConfigManager,
	reg *registry.Registry,
	sched *scheduler.Scheduler,
	validator *validation.Validator,
	windows *scoring.WindowTracker,
	st store.Store,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = middleware.TransparentErrorHandler

	s := &Server{
		e:             e,
		configManager: configManager,
		registry:      reg,
		scheduler:     sched,
		validator:     validator,
		windows:       windows,
		store:         st,
	}

	apiCfg := configManager.GetApiConfig()

	e.Use(middleware.LoggingMiddleware)
	g := e.Group("/v1/")

	g.GET("status", s.getStatus)

	g.POST("nodes", s.registerNode)
	g.GET("nodes", s.listNodes)
	g.GET("nodes/:id", s.getNode)
	g.POST("nodes/:id/heartbeat", s.postHeartbeat, s.requireNodeSignature)

	g.GET("units/:id", s.getUnit)

	g.GET("windows/current", s.getCurrentWindow)
	g.GET("windows/:id/vector", s.getWindowVector)

	// Submission endpoints carry rate limiting keyed by node identity,
	// falling back to the caller IP; one misbehaving node must not starve
	// the rest of the fleet.
	submitRateLimiter := echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: echomw.NewRateLimiterMemoryStoreWithConfig(
			echomw.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(apiCfg.RateLimitPerMin) / 60,
				Burst:     apiCfg.RateLimitBurst,
				ExpiresIn: 3 * time.Minute,
			},
		),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			if nodeID := c.Request().Header.Get(utils.XNodeIdHeader); nodeID != "" {
				return nodeID, nil
			}
			return c.RealIP(), nil
		},
	})
	g.POST("assignments/request", s.requestAssignment, s.requireNodeSignature, submitRateLimiter)
	g.POST("units/:id/submissions", s.postSubmission, s.requireNodeSignature, submitRateLimiter)

	return s
}

func (s *Server) Start(addr string) {
	go func() {
		_ = s.e.Start(addr)
	}()
}

func (s *Server) Shutdown() error {
	return s.e.Close()
}

func (s *Server) getStatus(ctx echo.Context) error {
	cmd := scheduler.NewGetStatsCommand()
	if err := s.scheduler.QueueMessage(cmd); err != nil {
		return err
	}
	stats := <-cmd.Response

	return ctx.JSON(http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"nodes":          len(s.registry.List()),
		"units_by_state": stats.ByState,
		"assignments":    stats.Assignments,
		"current_window": s.windows.CurrentWindow().ID,
	})
}
