package sink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wya0/ai-goofish-monitor/internal/model"
	"github.com/wya0/ai-goofish-monitor/internal/pkg/dedup"
	"github.com/wya0/ai-goofish-monitor/internal/pkg/metrics"
	"github.com/wya0/ai-goofish-monitor/internal/pkg/notify"

	"github.com/redis/go-redis/v9"
)

// 去重键的保留时长。远大于任务重跑周期即可，防止键空间无限增长。
const dedupTTL = 90 * 24 * time.Hour

// ItemStore 商品持久化接口，由 storage.ItemStore 实现。
type ItemStore interface {
	Insert(ctx context.Context, item *model.Item) (bool, error)
	MarkNotified(ctx context.Context, taskID uint, sourceID string) error
}

// Dispatcher 通知派发接口，由 notify.Dispatcher 实现。
type Dispatcher interface {
	Dispatch(msg *notify.Message) int
}

// Sink 结果落地组件。
//
// 去重以 (taskID, sourceID) 为粒度：Redis SETNX 是判新的权威，
// MySQL 的 (task_id, source_id) 唯一索引兜底，Redis 数据丢失时
// 同一商品最多重复判定一次，但不会重复入库、不会重复通知。
type Sink struct {
	guard  *dedup.Guard
	items  ItemStore
	jsonl  *jsonlWriter
	disp   Dispatcher
	logger *slog.Logger
}

// New 创建结果落地组件。dataDir 是 JSONL 数据文件目录。
func New(rdb *redis.Client, items ItemStore, disp Dispatcher, dataDir string, logger *slog.Logger) *Sink {
	return &Sink{
		guard:  dedup.NewGuard(rdb, dedupTTL),
		items:  items,
		jsonl:  newJSONLWriter(dataDir),
		disp:   disp,
		logger: logger,
	}
}

// Seen 只读探测商品是否已处理过，不占位。
// 搜索页用它统计"本页新商品数"，决定是否提前停止翻页。
func (s *Sink) Seen(ctx context.Context, taskID uint, sourceID string) (bool, error) {
	return s.guard.Seen(ctx, taskID, sourceID)
}

// Save 原子判新并持久化商品。返回商品是否是首次出现。
//
// SETNX 抢到位的调用者负责入库和追加 JSONL；没抢到的直接返回 false，
// 并发运行下同一商品只会有一条记录。
func (s *Sink) Save(ctx context.Context, task *model.Task, item *model.Item) (bool, error) {
	ok, err := s.guard.Claim(ctx, task.ID, item.SourceID)
	if err != nil {
		return false, err
	}
	if !ok {
		metrics.ItemsDuplicateTotal.Inc()
		return false, nil
	}

	inserted, err := s.items.Insert(ctx, item)
	if err != nil {
		// 入库失败时释放占位，让下次运行有机会重试这件商品
		if delErr := s.guard.Release(ctx, task.ID, item.SourceID); delErr != nil {
			s.logger.Warn("release dedup key failed",
				slog.Uint64("task_id", uint64(task.ID)),
				slog.String("source_id", item.SourceID),
				slog.String("error", delErr.Error()))
		}
		return false, fmt.Errorf("insert item: %w", err)
	}
	if !inserted {
		// 唯一索引兜住了：Redis 键曾丢失，商品其实早已入库
		metrics.ItemsDuplicateTotal.Inc()
		return false, nil
	}

	metrics.ItemsPersistedTotal.Inc()
	if err := s.jsonl.Append(task, item); err != nil {
		// 数据文件只是 MySQL 的补充导出，失败不回滚
		s.logger.Warn("append jsonl failed",
			slog.Uint64("task_id", uint64(task.ID)),
			slog.String("source_id", item.SourceID),
			slog.String("error", err.Error()))
	}
	return true, nil
}

// Notify 对新入库且被推荐的商品派发一次通知。
//
// 只有 Save 返回 true 的商品才会走到这里，通知的 exactly-once
// 由去重占位保证；Notified 标记仅供查询展示。
func (s *Sink) Notify(ctx context.Context, task *model.Task, item *model.Item) {
	if item.Verdict != model.VerdictRecommended {
		return
	}

	var image string
	if urls := item.ImageURLList(); len(urls) > 0 {
		image = urls[0]
	}
	s.disp.Dispatch(&notify.Message{
		TaskName: task.Name,
		Title:    item.Title,
		Price:    item.Price,
		ItemURL:  item.ItemURL,
		ImageURL: image,
		Reason:   item.VerdictReason,
	})

	if err := s.items.MarkNotified(ctx, task.ID, item.SourceID); err != nil {
		s.logger.Warn("mark notified failed",
			slog.Uint64("task_id", uint64(task.ID)),
			slog.String("source_id", item.SourceID),
			slog.String("error", err.Error()))
	}
}
