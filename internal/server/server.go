// Package server is the HTTP and WebSocket boundary: task CRUD over REST and
// live event streaming over WebSocket. It is a thin veneer over the session
// manager; no execution logic lives here.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"argo/internal/events"
	"argo/internal/logging"
	"argo/internal/observability"
	"argo/internal/session"
)

// Server hosts the REST and WebSocket API.
type Server struct {
	manager *session.Manager
	logger  logging.Logger
	http    *http.Server
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The event stream is consumed by local tooling and dashboards; origin
	// policy is delegated to the CORS layer in front.
	CheckOrigin: func(*http.Request) bool { return true },
}

// New builds the server.
func New(manager *session.Manager, logger logging.Logger) *Server {
	return &Server{manager: manager, logger: logging.OrNop(logger)}
}

// Router assembles the gin engine.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(observability.Handler()))

	v1 := r.Group("/v1")
	{
		v1.POST("/tasks", s.createTask)
		v1.GET("/tasks", s.listTasks)
		v1.GET("/tasks/:id", s.getTask)
		v1.GET("/tasks/:id/events", s.taskEvents)
		v1.POST("/tasks/:id/cancel", s.cancelTask)
		v1.GET("/ws", s.websocketHandler)
	}
	return r
}

type createTaskRequest struct {
	Description string `json:"description" binding:"required"`
}

func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := s.manager.Create(req.Description)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrShuttingDown) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	observability.TasksStarted.Inc()
	c.JSON(http.StatusCreated, task)
}

func (s *Server) listTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": s.manager.List()})
}

func (s *Server) getTask(c *gin.Context) {
	task, err := s.manager.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) taskEvents(c *gin.Context) {
	history, err := s.manager.Snapshot(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": history})
}

func (s *Server) cancelTask(c *gin.Context) {
	if err := s.manager.Cancel(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

// wsCommand is one client message on the control socket.
type wsCommand struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	TaskID      string `json:"task_id,omitempty"`
	FromStart   bool   `json:"from_start,omitempty"`
}

// websocketHandler serves the control socket: start_task creates a task and
// streams its events; attach streams an existing task; cancel requests
// cancellation. Events are forwarded verbatim as JSON.
func (s *Server) websocketHandler(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	for {
		var cmd wsCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		switch cmd.Type {
		case "start_task":
			task, err := s.manager.Create(cmd.Description)
			if err != nil {
				s.writeWSError(conn, err)
				continue
			}
			observability.TasksStarted.Inc()
			_ = conn.WriteJSON(gin.H{"type": "task_created", "task_id": task.ID})
			s.streamEvents(conn, task.ID, true)
		case "attach":
			s.streamEvents(conn, cmd.TaskID, cmd.FromStart)
		case "cancel":
			if err := s.manager.Cancel(cmd.TaskID); err != nil {
				s.writeWSError(conn, err)
				continue
			}
			_ = conn.WriteJSON(gin.H{"type": "cancel_requested", "task_id": cmd.TaskID})
		default:
			s.writeWSError(conn, fmt.Errorf("unknown command type %q", cmd.Type))
		}
	}
}

// streamEvents forwards a task's events until its stream closes or the write
// side fails. Blocking here is fine: the socket is dedicated to one consumer.
func (s *Server) streamEvents(conn *websocket.Conn, taskID string, fromStart bool) {
	sub, err := s.manager.Attach(taskID, events.SubscribeOptions{FromStart: fromStart})
	if err != nil {
		s.writeWSError(conn, err)
		return
	}
	defer sub.Cancel()
	observability.EventSubscribers.Inc()
	defer observability.EventSubscribers.Dec()

	for ev := range sub.C {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
	_ = conn.WriteJSON(gin.H{"type": "stream_closed", "task_id": taskID})
}

func (s *Server) writeWSError(conn *websocket.Conn, err error) {
	_ = conn.WriteJSON(gin.H{"type": "error", "error": err.Error()})
}

// Start begins serving on addr. Non-blocking; errors land on the returned
// channel.
func (s *Server) Start(addr string) <-chan error {
	s.http = &http.Server{Addr: addr, Handler: s.Router()}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening on %s", addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Stop drains in-flight requests up to ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
