// Package server exposes the HTTP and WebSocket API: workflow discovery,
// plan retrieval, soft deletion, stage-event ingestion, and the realtime
// event fabric the kanban frontend subscribes to.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"adw/internal/broadcast"
	"adw/internal/config"
	"adw/internal/discovery"
	"adw/internal/events"
	"adw/internal/gitops"
	"adw/internal/observability"
	"adw/internal/state"
	"adw/internal/worktree"
)

// Server bundles the HTTP surface and its collaborators.
type Server struct {
	cfg       config.AppConfig
	store     *state.Store
	discovery *discovery.Service
	worktrees *worktree.Manager
	git       *gitops.Git
	hub       *broadcast.Manager
	notifier  *events.Notifier
	logger    *observability.Logger
	planCache *planCache

	engine  *gin.Engine
	http    *http.Server
	started time.Time
}

// New builds the server and registers all routes.
func New(cfg config.AppConfig, store *state.Store, wt *worktree.Manager, git *gitops.Git, hub *broadcast.Manager, notifier *events.Notifier, logger *observability.Logger) *Server {
	if logger == nil {
		logger = observability.NewComponentLogger("Server")
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(logger))
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:5173", "http://localhost:3000"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		cfg:       cfg,
		store:     store,
		discovery: discovery.NewService(store),
		worktrees: wt,
		git:       git,
		hub:       hub,
		notifier:  notifier,
		logger:    logger,
		planCache: newPlanCache(64),
		engine:    engine,
		started:   time.Now(),
	}
	s.routes()

	if notifier != nil && hub != nil {
		WireNotifier(notifier, hub)
	}
	return s
}

func (s *Server) routes() {
	api := s.engine.Group("/api")
	{
		api.GET("/adws/list", s.handleList)
		api.GET("/adws/:adw_id", s.handleGet)
		api.GET("/adws/:adw_id/plan", s.handleGetPlan)
		api.GET("/adws/:adw_id/activity", s.handleActivity)
		api.DELETE("/adws/:adw_id", s.handleDelete)

		api.POST("/worktree/open/:adw_id", s.handleOpenWorktree)
		api.POST("/codebase/open/:adw_id", s.handleOpenCodebase)

		api.POST("/stage-event", s.handleStageEvent)
		api.POST("/agent-state-update", s.handleAgentStateUpdate)

		api.GET("/health", s.handleHealth)
	}

	s.engine.GET("/ws/trigger", s.handleWebSocket)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Handler exposes the router, used by tests and embedding callers.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.ServerHost, s.cfg.ServerPort)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	heartbeatStop := make(chan struct{})
	go s.hub.RunHeartbeat(30*time.Second, heartbeatStop)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		close(heartbeatStop)
		return err
	case <-ctx.Done():
	}

	close(heartbeatStop)
	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return <-errCh
}

// requestLogger is a minimal structured access log.
func requestLogger(logger *observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
		)
	}
}

// WireNotifier subscribes the broadcast hub to the engine's event stream so
// every lifecycle and agent event fans out to connected clients.
func WireNotifier(n *events.Notifier, hub *broadcast.Manager) {
	n.OnAll(func(evt events.Event) {
		data := map[string]any{
			"adw_id": evt.ADWID,
		}
		if evt.WorkflowName != "" {
			data["workflow_name"] = evt.WorkflowName
		}
		if evt.StageName != "" {
			data["stage_name"] = evt.StageName
		}
		if evt.Message != "" {
			data["message"] = evt.Message
		}
		if evt.Error != "" {
			data["error"] = evt.Error
		}
		if evt.SkipReason != "" {
			data["skip_reason"] = evt.SkipReason
		}
		if len(evt.CompletedStages) > 0 {
			data["completed_stages"] = evt.CompletedStages
		}
		if len(evt.PendingStages) > 0 {
			data["pending_stages"] = evt.PendingStages
		}
		for k, v := range evt.Data {
			data[k] = v
		}
		hub.Broadcast(broadcast.Message{Type: evt.Type, Data: data}, nil)

		// Lifecycle events additionally surface as the stage_transition
		// shape the board consumes directly.
		if from, to, ok := transitionForEvent(evt.Type, evt.StageName, evt.PreviousStage, evt.NextStage); ok {
			hub.BroadcastStageTransition(evt.ADWID, evt.WorkflowName, from, to, evt.Message)
		}
	})
}
