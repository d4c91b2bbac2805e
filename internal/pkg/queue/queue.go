package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Job 表示一个可执行的异步任务。
type Job func(ctx context.Context) error

// Queue 固定 worker 数的内存任务队列。
// 通知派发等 fire-and-forget 场景使用，worker 内置 panic 恢复。
type Queue struct {
	logger  *slog.Logger
	workers int
	jobs    chan Job

	wg     sync.WaitGroup
	closed atomic.Bool

	stats queueStats
}

type queueStats struct {
	TotalEnqueued  atomic.Int64
	TotalProcessed atomic.Int64
	TotalSucceeded atomic.Int64
	TotalFailed    atomic.Int64
	TotalDropped   atomic.Int64
	TotalPanics    atomic.Int64
}

// Stats 队列统计信息快照。
type Stats struct {
	TotalEnqueued  int64
	TotalProcessed int64
	TotalSucceeded int64
	TotalFailed    int64
	TotalDropped   int64
	TotalPanics    int64
}

// NewQueue 创建任务队列。workers 和 capacity 最小为 1。
func NewQueue(logger *slog.Logger, workers int, capacity int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		logger:  logger,
		workers: workers,
		jobs:    make(chan Job, capacity),
	}
}

// Start 启动 worker 池，直到 ctx 被取消或调用 Shutdown。
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			q.logger.Debug("worker stopped", slog.Int("worker_id", id))
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			if job != nil {
				q.executeJob(ctx, job, id)
			}
		}
	}
}

func (q *Queue) executeJob(ctx context.Context, job Job, workerID int) {
	defer func() {
		if r := recover(); r != nil {
			q.stats.TotalPanics.Add(1)
			q.logger.Error("job panic recovered",
				slog.Int("worker_id", workerID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	err := job(ctx)
	q.stats.TotalProcessed.Add(1)
	if err != nil {
		q.stats.TotalFailed.Add(1)
		q.logger.Warn("job failed",
			slog.Int("worker_id", workerID),
			slog.String("error", err.Error()))
	} else {
		q.stats.TotalSucceeded.Add(1)
	}
}

// Enqueue 非阻塞入队，队列满时丢弃并返回 false。
func (q *Queue) Enqueue(job Job) bool {
	if job == nil || q.closed.Load() {
		return false
	}
	select {
	case q.jobs <- job:
		q.stats.TotalEnqueued.Add(1)
		return true
	default:
		q.stats.TotalDropped.Add(1)
		q.logger.Warn("queue full, drop job",
			slog.Int("capacity", cap(q.jobs)),
			slog.Int("pending", len(q.jobs)))
		return false
	}
}

// EnqueueBlocking 阻塞式入队，直到成功或 ctx 被取消。
func (q *Queue) EnqueueBlocking(ctx context.Context, job Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if q.closed.Load() {
		return fmt.Errorf("queue is closed")
	}
	select {
	case q.jobs <- job:
		q.stats.TotalEnqueued.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ShutdownWithTimeout 优雅关闭：拒绝新任务，等待在途任务完成。
func (q *Queue) ShutdownWithTimeout(timeout time.Duration) error {
	if !q.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("queue already closed")
	}
	close(q.jobs)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout after %s", timeout)
	}
}

// GetStats 获取统计信息快照。
func (q *Queue) GetStats() Stats {
	return Stats{
		TotalEnqueued:  q.stats.TotalEnqueued.Load(),
		TotalProcessed: q.stats.TotalProcessed.Load(),
		TotalSucceeded: q.stats.TotalSucceeded.Load(),
		TotalFailed:    q.stats.TotalFailed.Load(),
		TotalDropped:   q.stats.TotalDropped.Load(),
		TotalPanics:    q.stats.TotalPanics.Load(),
	}
}

// Len 返回当前待处理任务数。
func (q *Queue) Len() int {
	return len(q.jobs)
}
