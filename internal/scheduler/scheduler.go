package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/wya0/ai-goofish-monitor/internal/model"
	"github.com/wya0/ai-goofish-monitor/internal/supervisor"

	"github.com/robfig/cron/v3"
)

// Starter 启动任务运行的接口，由 supervisor.Supervisor 实现。
type Starter interface {
	Start(ctx context.Context, taskID uint) (string, error)
}

// TaskLister 任务表只读访问，由 storage.TaskStore 实现。
type TaskLister interface {
	ListEnabled(ctx context.Context) ([]*model.Task, error)
}

// entry 一个已注册任务的调度状态。
type entry struct {
	id   cron.EntryID
	spec string
}

// Scheduler 按任务的 cron 表达式周期性触发运行。
//
// 任务表是外部可变的，调度器按固定间隔重新加载：新任务注册、
// 表达式变更重新注册、被禁用或删除的任务注销。触发时任务已在
// 运行中（ErrAlreadyRunning）只记日志，绝不排队补跑。
type Scheduler struct {
	cron    *cron.Cron
	tasks   TaskLister
	starter Starter
	logger  *slog.Logger
	refresh time.Duration

	mu      sync.Mutex
	entries map[uint]entry

	stop   context.CancelFunc
	doneCh chan struct{}
}

// New 创建调度器。refresh 是重新加载任务表的间隔。
func New(tasks TaskLister, starter Starter, logger *slog.Logger, refresh time.Duration) *Scheduler {
	if refresh <= 0 {
		refresh = time.Minute
	}
	return &Scheduler{
		cron:    cron.New(),
		tasks:   tasks,
		starter: starter,
		logger:  logger,
		refresh: refresh,
		entries: make(map[uint]entry),
	}
}

// Start 启动调度循环。立即加载一次任务表，之后按 refresh 间隔重载。
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.reload(ctx); err != nil {
		return err
	}
	s.cron.Start()

	loopCtx, cancel := context.WithCancel(ctx)
	s.stop = cancel
	s.doneCh = make(chan struct{})

	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := s.reload(loopCtx); err != nil {
					s.logger.Warn("scheduler reload failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
	return nil
}

// reload 将 cron 注册表与任务表对齐。
func (s *Scheduler) reload(ctx context.Context) error {
	tasks, err := s.tasks.ListEnabled(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[uint]string, len(tasks))
	for _, task := range tasks {
		if task.CronSpec == "" {
			continue // 仅手动触发
		}
		wanted[task.ID] = task.CronSpec
	}

	// 注销已删除/禁用/清空表达式的任务
	for taskID, e := range s.entries {
		if spec, ok := wanted[taskID]; !ok || spec != e.spec {
			s.cron.Remove(e.id)
			delete(s.entries, taskID)
			s.logger.Info("task unscheduled", slog.Uint64("task_id", uint64(taskID)))
		}
	}

	// 注册新任务与表达式变更的任务
	for taskID, spec := range wanted {
		if _, ok := s.entries[taskID]; ok {
			continue
		}
		taskID := taskID
		entryID, err := s.cron.AddFunc(spec, func() { s.trigger(taskID) })
		if err != nil {
			s.logger.Error("invalid cron spec, task skipped",
				slog.Uint64("task_id", uint64(taskID)),
				slog.String("spec", spec),
				slog.String("error", err.Error()))
			continue
		}
		s.entries[taskID] = entry{id: entryID, spec: spec}
		s.logger.Info("task scheduled",
			slog.Uint64("task_id", uint64(taskID)),
			slog.String("spec", spec))
	}
	return nil
}

// trigger 触发一次任务运行。重叠触发丢弃，不排队。
func (s *Scheduler) trigger(taskID uint) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	runID, err := s.starter.Start(ctx, taskID)
	switch {
	case err == nil:
		s.logger.Info("scheduled run triggered",
			slog.Uint64("task_id", uint64(taskID)),
			slog.String("run_id", runID))
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		s.logger.Info("previous run still in progress, tick dropped",
			slog.Uint64("task_id", uint64(taskID)))
	case errors.Is(err, supervisor.ErrConcurrencyLimit):
		s.logger.Warn("concurrency limit reached, tick dropped",
			slog.Uint64("task_id", uint64(taskID)))
	default:
		s.logger.Error("scheduled run failed to start",
			slog.Uint64("task_id", uint64(taskID)),
			slog.String("error", err.Error()))
	}
}

// Entries 返回当前已注册的任务数。
func (s *Scheduler) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop 停止调度，等待在途触发回调完成。
func (s *Scheduler) Stop() {
	if s.stop != nil {
		s.stop()
		<-s.doneCh
	}
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}
