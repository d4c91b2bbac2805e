package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/wya0/ai-goofish-monitor/internal/api/middleware"
	"github.com/wya0/ai-goofish-monitor/internal/model"
	"github.com/wya0/ai-goofish-monitor/internal/storage"
	"github.com/wya0/ai-goofish-monitor/internal/supervisor"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RunController 运行控制接口，由 supervisor.Supervisor 实现。
type RunController interface {
	Start(ctx context.Context, taskID uint) (string, error)
	Stop(taskID uint) error
	RunningRunID(taskID uint) string
	Status(taskID uint) (supervisor.Progress, bool)
	ListRunning() map[uint]string
}

// RunQuerier 运行记录查询接口，由 storage.RunStore 实现。
type RunQuerier interface {
	LatestByTask(ctx context.Context, taskID uint) (*model.TaskRun, error)
}

// Server 控制面 HTTP 服务。
//
// 只暴露运行控制和观测端点，任务/账号的增删改由运维直接操作
// 数据库或由独立的管理面承担。
type Server struct {
	logger     *slog.Logger
	controller RunController
	runs       RunQuerier
	router     *gin.Engine
}

// NewServer 构建路由。
func NewServer(controller RunController, runs RunQuerier, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(logger))

	s := &Server{
		logger:     logger,
		controller: controller,
		runs:       runs,
		router:     router,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiGroup := s.router.Group("/api")
	{
		apiGroup.POST("/tasks/:id/start", s.handleStartTask)
		apiGroup.POST("/tasks/:id/stop", s.handleStopTask)
		apiGroup.GET("/tasks/:id/status", s.handleTaskStatus)
		apiGroup.GET("/runs/running", s.handleListRunning)
	}
}

// Handler 返回 http.Handler，供外层 http.Server 使用。
func (s *Server) Handler() http.Handler {
	return s.router
}

func parseTaskID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return 0, false
	}
	return uint(id), true
}

func (s *Server) handleStartTask(c *gin.Context) {
	taskID, ok := parseTaskID(c)
	if !ok {
		return
	}

	runID, err := s.controller.Start(c.Request.Context(), taskID)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"run_id": runID, "task_id": taskID})
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{
			"error":  "task already running",
			"run_id": s.controller.RunningRunID(taskID),
		})
	case errors.Is(err, supervisor.ErrConcurrencyLimit):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "max concurrent runs reached"})
	case errors.Is(err, supervisor.ErrTaskDisabled), errors.Is(err, supervisor.ErrTaskInvalid):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	default:
		s.logger.Error("start task failed",
			slog.Uint64("task_id", uint64(taskID)),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) handleStopTask(c *gin.Context) {
	taskID, ok := parseTaskID(c)
	if !ok {
		return
	}

	err := s.controller.Stop(taskID)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"task_id": taskID, "stopping": true})
	case errors.Is(err, supervisor.ErrRunNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "no running execution for task"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) handleTaskStatus(c *gin.Context) {
	taskID, ok := parseTaskID(c)
	if !ok {
		return
	}

	// 在途运行返回实时进度，空闲时回退到最近一次持久化的运行
	if p, running := s.controller.Status(taskID); running {
		c.JSON(http.StatusOK, gin.H{
			"run_id":            p.RunID,
			"task_id":           taskID,
			"status":            model.RunRunning,
			"stage":             p.Stage,
			"page":              p.Page,
			"items_found":       p.ItemsFound,
			"items_recommended": p.ItemsRecommended,
			"heartbeat_at":      p.LastBeat,
		})
		return
	}

	run, err := s.runs.LatestByTask(c.Request.Context(), taskID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"run_id":            run.ID,
			"task_id":           run.TaskID,
			"status":            run.Status,
			"reason":            run.Reason,
			"pages_scraped":     run.PagesScraped,
			"items_found":       run.ItemsFound,
			"items_recommended": run.ItemsRecommended,
			"heartbeat_at":      run.HeartbeatAt,
			"started_at":        run.StartedAt,
			"finished_at":       run.FinishedAt,
		})
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task has no runs"})
	default:
		s.logger.Error("query task status failed",
			slog.Uint64("task_id", uint64(taskID)),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) handleListRunning(c *gin.Context) {
	running := s.controller.ListRunning()
	out := make([]gin.H, 0, len(running))
	for taskID, runID := range running {
		out = append(out, gin.H{"task_id": taskID, "run_id": runID})
	}
	c.JSON(http.StatusOK, gin.H{"running": out, "count": len(out)})
}
