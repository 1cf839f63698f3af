// Package api exposes the operational HTTP surface: health, status, and
// read-only views over persisted projects and tasks.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/roomspark/roomspark/internal/common/config"
	"github.com/roomspark/roomspark/internal/common/errors"
	"github.com/roomspark/roomspark/internal/common/logger"
	"github.com/roomspark/roomspark/internal/orchestrator/scheduler"
	"github.com/roomspark/roomspark/internal/statestore"
)

// SchedulerStats exposes the sync loop counters.
type SchedulerStats interface {
	Stats() scheduler.Stats
}

// BusStatus exposes event bus connectivity.
type BusStatus interface {
	IsConnected() bool
}

// Server is the operational HTTP server.
type Server struct {
	store     *statestore.Store
	sched     SchedulerStats
	bus       BusStatus
	cfg       *config.Config
	logger    *logger.Logger
	http      *http.Server
	startedAt time.Time
}

// NewServer builds the server and its routes.
func NewServer(store *statestore.Store, sched SchedulerStats, busStatus BusStatus, cfg *config.Config, log *logger.Logger) *Server {
	s := &Server{
		store:     store,
		sched:     sched,
		bus:       busStatus,
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "http-api")),
		startedAt: time.Now().UTC(),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(Recovery(s.logger))
	router.Use(RequestLogger(s.logger))
	router.Use(ErrorHandler(s.logger))
	router.Use(CORS())

	router.GET("/health", s.handleHealth)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/projects", s.handleListProjects)
		v1.GET("/tasks", s.handleListTasks)
		v1.GET("/tasks/:taskId", s.handleGetTask)
	}

	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}
	return s
}

// Start runs the server until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.http.Addr
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	snapshot := s.store.Snapshot()
	stats := s.sched.Stats()

	byStatus := make(map[string]int)
	for _, task := range snapshot.Tasks {
		byStatus[string(task.Status)]++
	}

	c.JSON(http.StatusOK, gin.H{
		"scheduler":       stats,
		"bus_connected":   s.bus.IsConnected(),
		"state_file":      s.store.Path(),
		"projects":        len(snapshot.Projects),
		"tasks":           len(snapshot.Tasks),
		"tasks_by_status": byStatus,
	})
}

func (s *Server) handleListProjects(c *gin.Context) {
	snapshot := s.store.Snapshot()

	type projectView struct {
		Key string `json:"key"`
		*statestore.ProjectRecord
	}
	projects := make([]projectView, 0, len(snapshot.Projects))
	for key, rec := range snapshot.Projects {
		projects = append(projects, projectView{Key: key, ProjectRecord: rec})
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Key < projects[j].Key })

	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (s *Server) handleListTasks(c *gin.Context) {
	snapshot := s.store.Snapshot()
	project := c.Query("project")
	status := c.Query("status")

	tasks := make([]*statestore.TaskRecord, 0, len(snapshot.Tasks))
	for _, task := range snapshot.Tasks {
		if project != "" && task.ProjectKey != project {
			continue
		}
		if status != "" && string(task.Status) != status {
			continue
		}
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })

	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) handleGetTask(c *gin.Context) {
	taskID := c.Param("taskId")
	snapshot := s.store.Snapshot()

	task, ok := snapshot.Tasks[taskID]
	if !ok {
		appErr := errors.NotFound("task", taskID)
		c.JSON(appErr.HTTPStatus, errorBody(appErr.Code, appErr.Message))
		return
	}
	c.JSON(http.StatusOK, task)
}
