package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/wya0/ai-goofish-monitor/internal/pkg/metrics"
	"github.com/wya0/ai-goofish-monitor/internal/pkg/queue"
)

// Message 一条推荐商品通知。
type Message struct {
	TaskName string // 任务名称
	Title    string // 商品标题
	Price    string // 价格
	ItemURL  string // 商品链接
	ImageURL string // 主图链接（可为空）
	Reason   string // 推荐理由
}

// Notifier 单个通知通道。
type Notifier interface {
	// Name 返回通道名称（用于日志和 metrics）。
	Name() string
	// Send 发送通知。
	Send(ctx context.Context, msg *Message) error
}

const sendTimeout = 15 * time.Second

// Dispatcher 将通知扇出到所有已配置的通道。
//
// 派发是尽力而为的：单个通道失败只记日志，不影响其他通道，
// 也不影响商品记录本身。实际发送由内部 worker 池异步执行。
type Dispatcher struct {
	channels []Notifier
	queue    *queue.Queue
	logger   *slog.Logger
}

// NewDispatcher 创建通知派发器。
func NewDispatcher(channels []Notifier, logger *slog.Logger, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	return &Dispatcher{
		channels: channels,
		queue:    queue.NewQueue(logger, workers, workers*16),
		logger:   logger,
	}
}

// Start 启动派发 worker。
func (d *Dispatcher) Start(ctx context.Context) {
	d.queue.Start(ctx)
}

// Dispatch 将消息异步发往所有通道。返回实际入队的通道数。
func (d *Dispatcher) Dispatch(msg *Message) int {
	enqueued := 0
	for _, ch := range d.channels {
		ch := ch
		ok := d.queue.Enqueue(func(ctx context.Context) error {
			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			defer cancel()

			if err := ch.Send(sendCtx, msg); err != nil {
				metrics.NotificationsTotal.WithLabelValues(ch.Name(), "failed").Inc()
				d.logger.Warn("notification channel failed",
					slog.String("channel", ch.Name()),
					slog.String("task", msg.TaskName),
					slog.String("error", err.Error()))
				return err
			}
			metrics.NotificationsTotal.WithLabelValues(ch.Name(), "success").Inc()
			d.logger.Info("notification sent",
				slog.String("channel", ch.Name()),
				slog.String("task", msg.TaskName),
				slog.String("title", msg.Title))
			return nil
		})
		if ok {
			enqueued++
		}
	}
	return enqueued
}

// Shutdown 优雅关闭派发器，等待在途通知发完。
func (d *Dispatcher) Shutdown(timeout time.Duration) error {
	return d.queue.ShutdownWithTimeout(timeout)
}

// Channels 返回已配置的通道数。
func (d *Dispatcher) Channels() int {
	return len(d.channels)
}
