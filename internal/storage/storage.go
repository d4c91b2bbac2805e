package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wya0/ai-goofish-monitor/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"
)

// ErrNotFound 查询目标不存在。
var ErrNotFound = errors.New("record not found")

// Open 连接 MySQL 并迁移表结构。
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect mysql: %w", err)
	}
	if err := db.AutoMigrate(
		&model.Task{},
		&model.TaskRun{},
		&model.Identity{},
		&model.Proxy{},
		&model.Item{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return db, nil
}

// TaskStore 任务表的只读访问。监控核心不创建/修改任务。
type TaskStore struct {
	db *gorm.DB
}

// NewTaskStore 创建任务存储。
func NewTaskStore(db *gorm.DB) *TaskStore {
	return &TaskStore{db: db}
}

// Get 按 ID 查询任务。
func (s *TaskStore) Get(ctx context.Context, id uint) (*model.Task, error) {
	var task model.Task
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&task).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &task, nil
}

// ListEnabled 返回所有启用的任务。
func (s *TaskStore) ListEnabled(ctx context.Context) ([]*model.Task, error) {
	var tasks []*model.Task
	if err := s.db.WithContext(ctx).Where("enabled = ?", true).Order("id ASC").Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// RunStore 任务运行记录的持久化。
type RunStore struct {
	db *gorm.DB
}

// NewRunStore 创建运行记录存储。
func NewRunStore(db *gorm.DB) *RunStore {
	return &RunStore{db: db}
}

// Create 写入一条新的运行记录。
func (s *RunStore) Create(ctx context.Context, run *model.TaskRun) error {
	return s.db.WithContext(ctx).Create(run).Error
}

// Update 保存运行记录的最新状态。
func (s *RunStore) Update(ctx context.Context, run *model.TaskRun) error {
	return s.db.WithContext(ctx).Save(run).Error
}

// Heartbeat 更新运行心跳时间。
func (s *RunStore) Heartbeat(ctx context.Context, runID string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&model.TaskRun{}).
		Where("id = ?", runID).
		Update("heartbeat_at", at).Error
}

// LatestByTask 返回任务最近一次运行的记录。
func (s *RunStore) LatestByTask(ctx context.Context, taskID uint) (*model.TaskRun, error) {
	var run model.TaskRun
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("created_at DESC").
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &run, nil
}

// MarkStaleRunsFailed 把启动前遗留的 running 记录标记为 crashed。
// 服务异常退出后重启时调用，避免僵尸运行记录阻塞互斥判断。
func (s *RunStore) MarkStaleRunsFailed(ctx context.Context) (int64, error) {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&model.TaskRun{}).
		Where("status = ?", model.RunRunning).
		Updates(map[string]interface{}{
			"status":      model.RunFailed,
			"reason":      model.ReasonCrashed,
			"finished_at": now,
		})
	return res.RowsAffected, res.Error
}

// PoolStore 账号/代理池状态的持久化，实现 pool.Store。
type PoolStore struct {
	db *gorm.DB
}

// NewPoolStore 创建池状态存储。
func NewPoolStore(db *gorm.DB) *PoolStore {
	return &PoolStore{db: db}
}

func (s *PoolStore) ListIdentities(ctx context.Context) ([]*model.Identity, error) {
	var out []*model.Identity
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PoolStore) ListProxies(ctx context.Context) ([]*model.Proxy, error) {
	var out []*model.Proxy
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PoolStore) SaveIdentity(ctx context.Context, id *model.Identity) error {
	return s.db.WithContext(ctx).Save(id).Error
}

func (s *PoolStore) SaveProxy(ctx context.Context, p *model.Proxy) error {
	return s.db.WithContext(ctx).Save(p).Error
}

// ItemStore 商品记录的持久化。
type ItemStore struct {
	db *gorm.DB
}

// NewItemStore 创建商品存储。
func NewItemStore(db *gorm.DB) *ItemStore {
	return &ItemStore{db: db}
}

// Insert 写入商品记录。(task_id, source_id) 冲突时不做任何更新，
// 返回是否真正插入了新行。唯一索引是去重的第二道防线。
func (s *ItemStore) Insert(ctx context.Context, item *model.Item) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "task_id"}, {Name: "source_id"}},
		DoNothing: true,
	}).Create(item)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkNotified 将商品标记为已通知。入库后唯一允许的状态翻转。
func (s *ItemStore) MarkNotified(ctx context.Context, taskID uint, sourceID string) error {
	return s.db.WithContext(ctx).Model(&model.Item{}).
		Where("task_id = ? AND source_id = ?", taskID, sourceID).
		Update("notified", true).Error
}

// CountByTask 统计任务名下已持久化的商品数。
func (s *ItemStore) CountByTask(ctx context.Context, taskID uint) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Item{}).
		Where("task_id = ?", taskID).Count(&count).Error
	return count, err
}
