package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/wya0/ai-goofish-monitor/internal/model"
	"github.com/wya0/ai-goofish-monitor/internal/pipeline"
	"github.com/wya0/ai-goofish-monitor/internal/pkg/metrics"
	"github.com/wya0/ai-goofish-monitor/internal/pool"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrAlreadyRunning 任务已有一次运行在进行中。
	ErrAlreadyRunning = errors.New("task already has a running execution")
	// ErrTaskDisabled 任务被禁用。
	ErrTaskDisabled = errors.New("task is disabled")
	// ErrTaskInvalid 任务配置不完整，无法运行。
	ErrTaskInvalid = errors.New("task configuration invalid")
	// ErrConcurrencyLimit 全局并发运行数已满。
	ErrConcurrencyLimit = errors.New("max concurrent runs reached")
	// ErrRunNotFound 运行不存在或已结束。
	ErrRunNotFound = errors.New("run not found")
)

// TaskStore 任务只读访问接口。
type TaskStore interface {
	Get(ctx context.Context, id uint) (*model.Task, error)
}

// RunStore 运行记录持久化接口。
type RunStore interface {
	Create(ctx context.Context, run *model.TaskRun) error
	Update(ctx context.Context, run *model.TaskRun) error
	Heartbeat(ctx context.Context, runID string, at time.Time) error
}

// LeasePool 账号/代理池接口，由 pool.Pool 实现。
type LeasePool interface {
	Allocate(ctx context.Context, task *model.Task) (*pool.Lease, error)
	Release(ctx context.Context, lease *pool.Lease, success bool)
	ForceRelease(ctx context.Context, lease *pool.Lease)
}

// Runner 管线执行接口，由 pipeline.Engine 实现。
type Runner interface {
	Run(ctx context.Context, task *model.Task, lease *pool.Lease, heartbeat func(pipeline.Progress)) (pipeline.Summary, *pool.Lease, error)
}

// Progress 在途运行的实时进度快照。
type Progress struct {
	RunID            string
	Stage            string
	Page             int
	ItemsFound       int
	ItemsRecommended int
	LastBeat         time.Time
}

// Options 监督器参数。
type Options struct {
	MaxConcurrentRuns int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// runningRun 一次在途运行的控制块。
type runningRun struct {
	runID  string
	taskID uint
	cancel context.CancelFunc

	mu       sync.Mutex
	lastBeat time.Time
	progress pipeline.Progress
	stale    bool // 被看门狗强杀
}

func (r *runningRun) beat(now time.Time, p pipeline.Progress) {
	r.mu.Lock()
	r.lastBeat = now
	r.progress = p
	r.mu.Unlock()
}

func (r *runningRun) snapshot() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Progress{
		RunID:            r.runID,
		Stage:            r.progress.Stage,
		Page:             r.progress.Page,
		ItemsFound:       r.progress.Found,
		ItemsRecommended: r.progress.Recommended,
		LastBeat:         r.lastBeat,
	}
}

func (r *runningRun) lastBeatAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastBeat
}

func (r *runningRun) markStale() {
	r.mu.Lock()
	r.stale = true
	r.mu.Unlock()
}

func (r *runningRun) isStale() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stale
}

// Supervisor 运行监督器。
//
// 负责任务级互斥（同一任务同时最多一次运行）、全局并发上限、
// 运行记录的全生命周期、心跳与卡死看门狗，以及租约的最终归还。
type Supervisor struct {
	tasks  TaskStore
	runs   RunStore
	pool   LeasePool
	runner Runner
	logger *slog.Logger
	opts   Options

	sem *semaphore.Weighted

	mu      sync.Mutex
	running map[uint]*runningRun // taskID -> 在途运行

	wg     sync.WaitGroup
	bgCtx  context.Context
	bgStop context.CancelFunc
}

// New 创建监督器并启动看门狗。
func New(tasks TaskStore, runs RunStore, leasePool LeasePool, runner Runner, logger *slog.Logger, opts Options) *Supervisor {
	if opts.MaxConcurrentRuns <= 0 {
		opts.MaxConcurrentRuns = 3
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 2 * time.Minute
	}

	bgCtx, bgStop := context.WithCancel(context.Background())
	s := &Supervisor{
		tasks:   tasks,
		runs:    runs,
		pool:    leasePool,
		runner:  runner,
		logger:  logger,
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(opts.MaxConcurrentRuns)),
		running: make(map[uint]*runningRun),
		bgCtx:   bgCtx,
		bgStop:  bgStop,
	}
	s.wg.Add(1)
	go s.watchdog()
	return s
}

// validateTask 检查任务是否可运行。
func validateTask(task *model.Task) error {
	if !task.Enabled {
		return ErrTaskDisabled
	}
	if strings.TrimSpace(task.Keyword) == "" {
		return fmt.Errorf("%w: keyword is empty", ErrTaskInvalid)
	}
	switch task.DecisionMode {
	case model.DecisionModeKeyword:
		if strings.TrimSpace(task.KeywordRules) == "" {
			return fmt.Errorf("%w: keyword mode requires at least one rule", ErrTaskInvalid)
		}
	case model.DecisionModeAI:
		if strings.TrimSpace(task.AICriteria) == "" {
			return fmt.Errorf("%w: ai mode requires criteria text", ErrTaskInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown decision mode %q", ErrTaskInvalid, task.DecisionMode)
	}
	return nil
}

// Start 启动任务的一次运行，返回运行 ID。
//
// 同一任务已有在途运行时返回 ErrAlreadyRunning；全局并发满时
// 返回 ErrConcurrencyLimit。运行本身在后台 goroutine 中执行。
func (s *Supervisor) Start(ctx context.Context, taskID uint) (string, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	if err := validateTask(task); err != nil {
		return "", err
	}

	// 互斥占位必须先于一切慢操作
	rr := &runningRun{taskID: taskID, lastBeat: time.Now()}
	s.mu.Lock()
	if _, exists := s.running[taskID]; exists {
		s.mu.Unlock()
		return "", ErrAlreadyRunning
	}
	s.running[taskID] = rr
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		delete(s.running, taskID)
		s.mu.Unlock()
	}

	if !s.sem.TryAcquire(1) {
		release()
		return "", ErrConcurrencyLimit
	}

	runID := uuid.NewString()
	rr.runID = runID
	now := time.Now()
	run := &model.TaskRun{
		ID:          runID,
		TaskID:      taskID,
		Status:      model.RunPending,
		HeartbeatAt: &now,
	}
	if err := s.runs.Create(ctx, run); err != nil {
		s.sem.Release(1)
		release()
		return "", fmt.Errorf("create run record: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rr.cancel = cancel

	s.wg.Add(1)
	go s.execute(runCtx, task, run, rr, func() {
		s.sem.Release(1)
		release()
		cancel()
		s.wg.Done()
	})

	s.logger.Info("run started",
		slog.Uint64("task_id", uint64(taskID)),
		slog.String("run_id", runID),
		slog.String("task", task.Name))
	return runID, nil
}

// execute 驱动一次运行到终态。
func (s *Supervisor) execute(ctx context.Context, task *model.Task, run *model.TaskRun, rr *runningRun, done func()) {
	defer done()

	start := time.Now()
	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	// 终态写入不响应取消
	finishCtx := context.WithoutCancel(ctx)

	var lease *pool.Lease
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("run panic recovered",
				slog.String("run_id", run.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			if lease != nil {
				s.pool.ForceRelease(finishCtx, lease)
			}
			s.finishRun(finishCtx, run, model.RunFailed, model.ReasonCrashed, start)
		}
	}()

	lease, err := s.pool.Allocate(ctx, task)
	if err != nil {
		reason := model.ReasonPoolExhausted
		if !errors.Is(err, pool.ErrResourceExhausted) {
			reason = model.ReasonConfig
		}
		s.logger.Warn("lease allocation failed",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()))
		s.finishRun(finishCtx, run, model.RunFailed, reason, start)
		return
	}

	run.Status = model.RunRunning
	run.IdentityID = lease.Identity.ID
	if lease.Proxy != nil {
		run.ProxyID = lease.Proxy.ID
	}
	startedAt := time.Now()
	run.StartedAt = &startedAt
	if err := s.runs.Update(finishCtx, run); err != nil {
		s.logger.Error("mark run running failed",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()))
	}

	// 心跳：运行线程翻页时打点，ticker 落库
	hbCtx, hbStop := context.WithCancel(ctx)
	defer hbStop()
	go s.heartbeatLoop(hbCtx, rr)

	summary, finalLease, runErr := s.runner.Run(ctx, task, lease, func(p pipeline.Progress) {
		rr.beat(time.Now(), p)
	})

	run.PagesScraped = summary.Pages
	run.ItemsFound = summary.Found
	run.ItemsRecommended = summary.Recommended

	status, reason := classifyOutcome(runErr)
	if rr.isStale() && status == model.RunStopped {
		// 看门狗强杀与用户主动停止不同，按崩溃记录
		status, reason = model.RunFailed, model.ReasonCrashed
	}
	s.pool.Release(finishCtx, finalLease, status != model.RunFailed)
	s.finishRun(finishCtx, run, status, reason, start)

	s.logger.Info("run finished",
		slog.String("run_id", run.ID),
		slog.String("status", status),
		slog.String("reason", reason),
		slog.Int("pages", summary.Pages),
		slog.Int("found", summary.Found),
		slog.Int("recommended", summary.Recommended),
		slog.Duration("duration", time.Since(start)))
}

// classifyOutcome 把管线返回的错误映射为运行终态。
func classifyOutcome(err error) (status, reason string) {
	switch {
	case err == nil:
		return model.RunSucceeded, ""
	case errors.Is(err, context.Canceled):
		return model.RunStopped, ""
	case errors.Is(err, pipeline.ErrPoolExhausted):
		return model.RunFailed, model.ReasonPoolExhausted
	case errors.Is(err, pipeline.ErrRiskPersisted):
		return model.RunFailed, model.ReasonRiskPersisted
	default:
		return model.RunFailed, model.ReasonRenderer
	}
}

func (s *Supervisor) finishRun(ctx context.Context, run *model.TaskRun, status, reason string, start time.Time) {
	now := time.Now()
	run.Status = status
	run.Reason = reason
	run.FinishedAt = &now
	if err := s.runs.Update(ctx, run); err != nil {
		s.logger.Error("persist run terminal state failed",
			slog.String("run_id", run.ID),
			slog.String("status", status),
			slog.String("error", err.Error()))
	}
	metrics.RunsTotal.WithLabelValues(status).Inc()
	metrics.RunDuration.Observe(time.Since(start).Seconds())
}

// heartbeatLoop 周期性把最近心跳时间写入运行记录。
func (s *Supervisor) heartbeatLoop(ctx context.Context, rr *runningRun) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			at := rr.lastBeatAt()
			hbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.runs.Heartbeat(hbCtx, rr.runID, at); err != nil {
				s.logger.Warn("persist heartbeat failed",
					slog.String("run_id", rr.runID),
					slog.String("error", err.Error()))
			}
			cancel()
		}
	}
}

// watchdog 检测心跳超时的在途运行并强制终止。
func (s *Supervisor) watchdog() {
	defer s.wg.Done()
	interval := s.opts.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.bgCtx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.opts.HeartbeatTimeout)
			s.mu.Lock()
			var stale []*runningRun
			for _, rr := range s.running {
				if rr.cancel != nil && rr.lastBeatAt().Before(cutoff) {
					stale = append(stale, rr)
				}
			}
			s.mu.Unlock()

			for _, rr := range stale {
				s.logger.Error("run heartbeat timed out, cancelling",
					slog.String("run_id", rr.runID),
					slog.Uint64("task_id", uint64(rr.taskID)))
				rr.markStale()
				rr.cancel()
			}
		}
	}
}

// Stop 协作式停止任务的在途运行。
func (s *Supervisor) Stop(taskID uint) error {
	s.mu.Lock()
	rr, ok := s.running[taskID]
	s.mu.Unlock()
	if !ok || rr.cancel == nil {
		return ErrRunNotFound
	}
	s.logger.Info("stop requested",
		slog.Uint64("task_id", uint64(taskID)),
		slog.String("run_id", rr.runID))
	rr.cancel()
	return nil
}

// RunningRunID 返回任务在途运行的 ID，没有则返回空串。
func (s *Supervisor) RunningRunID(taskID uint) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rr, ok := s.running[taskID]; ok {
		return rr.runID
	}
	return ""
}

// Status 返回任务在途运行的实时进度，没有在途运行时 ok 为 false。
func (s *Supervisor) Status(taskID uint) (Progress, bool) {
	s.mu.Lock()
	rr, ok := s.running[taskID]
	s.mu.Unlock()
	if !ok {
		return Progress{}, false
	}
	return rr.snapshot(), true
}

// ListRunning 返回所有在途运行的 (taskID, runID) 快照。
func (s *Supervisor) ListRunning() map[uint]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint]string, len(s.running))
	for taskID, rr := range s.running {
		out[taskID] = rr.runID
	}
	return out
}

// Shutdown 停止所有在途运行并等待收尾。
func (s *Supervisor) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	for _, rr := range s.running {
		if rr.cancel != nil {
			rr.cancel()
		}
	}
	s.mu.Unlock()
	s.bgStop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("supervisor shutdown timeout after %s", timeout)
	}
}
