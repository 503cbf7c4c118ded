// Package server exposes the capture engine over HTTP and pushes live
// task updates to websocket subscribers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/snapgrid/snapgrid/bundle"
	"github.com/snapgrid/snapgrid/models"
	"github.com/snapgrid/snapgrid/service"
	"github.com/snapgrid/snapgrid/store"
	"github.com/snapgrid/snapgrid/submission"
)

// Config holds the HTTP listener settings.
type Config struct {
	Addr string
	Mode string
}

// Server is the HTTP and websocket front end.
type Server struct {
	svc      *service.Service
	hub      *Hub
	engine   *gin.Engine
	http     *http.Server
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

// submitRequest is the POST /api/captures body. Dimensions are checked
// at the edge; targets are not, a bad target fails its own job later.
type submitRequest struct {
	Targets    []string `json:"targets" binding:"required,min=1"`
	Dimensions []string `json:"dimensions" binding:"required,min=1,dive,dimension"`
	Mode       string   `json:"mode" binding:"omitempty,oneof=viewport full_page fullpage both"`
	WaitMs     int      `json:"wait_ms"`
}

// New builds the router and wires the service's task notifications into
// the websocket hub. The hub loop starts immediately so the router is
// usable before Start.
func New(svc *service.Service, cfg Config, log *logrus.Entry) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterValidation("dimension", validDimension)
	}

	s := &Server{
		svc: svc,
		hub: NewHub(log.WithField("component", "hub")),
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	svc.SetNotifier(s.hub.BroadcastTaskUpdate)
	s.hub.Start()

	engine := gin.New()
	engine.Use(gin.Recovery(), corsMiddleware(), requestLogger(log))

	engine.GET("/health", s.handleHealth)
	engine.GET("/ws", s.handleWebSocket)
	api := engine.Group("/api")
	{
		api.POST("/captures", s.handleSubmit)
		api.GET("/captures/:id", s.handleGet)
		api.POST("/captures/:id/cancel", s.handleCancel)
		api.GET("/captures/:id/bundle", s.handleBundle)
		api.GET("/stats", s.handleStats)
	}

	s.engine = engine
	s.http = &http.Server{Addr: cfg.Addr, Handler: engine}
	return s
}

func validDimension(fl validator.FieldLevel) bool {
	_, _, err := models.ParseDimension(fl.Field().String())
	return err == nil
}

// Router exposes the handler for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.engine
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.WithField("addr", s.http.Addr).Info("http server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener, then closes any websocket clients the
// graceful shutdown left behind.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.hub.Stop()
	return err
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := s.svc.Submit(c.Request.Context(), submission.Request{
		Targets:    req.Targets,
		Dimensions: req.Dimensions,
		Mode:       req.Mode,
		WaitMs:     req.WaitMs,
	})
	if err != nil {
		s.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"task_id":   task.ID,
		"status":    task.Status,
		"job_count": len(task.Jobs),
	})
}

func (s *Server) handleGet(c *gin.Context) {
	task, err := s.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleCancel(c *gin.Context) {
	outcome, err := s.svc.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task_id":                c.Param("id"),
		"status":                 outcome.Status,
		"cancellation_requested": outcome.Requested,
	})
}

func (s *Server) handleBundle(c *gin.Context) {
	id := c.Param("id")
	path, err := s.svc.BundlePath(c.Request.Context(), id)
	if err != nil {
		s.writeServiceError(c, err)
		return
	}
	c.FileAttachment(path, "snapgrid-"+id+".zip")
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.svc.Stats(c.Request.Context())
	if err != nil {
		s.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleWebSocket upgrades the connection and hands it to the hub along
// with a snapshot of active tasks, so a new client starts from current
// state before receiving live updates.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	var welcome []byte
	if tasks, err := s.svc.ActiveTasks(c.Request.Context()); err != nil {
		s.log.WithError(err).Warn("could not snapshot active tasks for new client")
	} else {
		if tasks == nil {
			tasks = []*models.Task{}
		}
		welcome, _ = json.Marshal(gin.H{"type": "active_tasks", "tasks": tasks})
	}
	s.hub.Register(conn, welcome)

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.Unregister(conn)
				return
			}
		}
	}()
}

func (s *Server) writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, submission.ErrInvalidSubmission):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	case errors.Is(err, service.ErrBundleNotReady), errors.Is(err, bundle.ErrNoArtifacts):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrQueueFull), errors.Is(err, service.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		s.log.WithError(err).Error("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func requestLogger(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).Round(time.Millisecond).String(),
		}).Debug("request handled")
	}
}
