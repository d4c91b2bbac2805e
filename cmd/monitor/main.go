package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wya0/ai-goofish-monitor/internal/analyzer"
	"github.com/wya0/ai-goofish-monitor/internal/api"
	"github.com/wya0/ai-goofish-monitor/internal/config"
	"github.com/wya0/ai-goofish-monitor/internal/pipeline"
	"github.com/wya0/ai-goofish-monitor/internal/pkg/logger"
	"github.com/wya0/ai-goofish-monitor/internal/pkg/notify"
	"github.com/wya0/ai-goofish-monitor/internal/pkg/ratelimit"
	"github.com/wya0/ai-goofish-monitor/internal/pool"
	"github.com/wya0/ai-goofish-monitor/internal/renderer"
	"github.com/wya0/ai-goofish-monitor/internal/riskcontrol"
	"github.com/wya0/ai-goofish-monitor/internal/scheduler"
	"github.com/wya0/ai-goofish-monitor/internal/sink"
	"github.com/wya0/ai-goofish-monitor/internal/storage"
	"github.com/wya0/ai-goofish-monitor/internal/supervisor"

	"github.com/redis/go-redis/v9"
)

const shutdownTimeout = 10 * time.Second

// main 是监控服务的入口函数。
//
// 它负责：
// 1. 加载配置、初始化日志
// 2. 连接 MySQL / Redis，恢复遗留运行记录
// 3. 组装 池 → 渲染器 → 分析器 → 落地 → 管线 → 监督器 → 调度器
// 4. 启动控制面 HTTP 服务并按依赖逆序优雅退出
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.New(cfg.App.LogLevel, cfg.App.Env)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(cfg.MySQL.DSN)
	if err != nil {
		appLogger.Error("connect mysql failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	taskStore := storage.NewTaskStore(db)
	runStore := storage.NewRunStore(db)
	poolStore := storage.NewPoolStore(db)
	itemStore := storage.NewItemStore(db)

	// 上次进程异常退出遗留的 running 记录会阻塞互斥判断，先清掉
	if n, err := runStore.MarkStaleRunsFailed(ctx); err != nil {
		appLogger.Error("mark stale runs failed", slog.String("error", err.Error()))
		os.Exit(1)
	} else if n > 0 {
		appLogger.Warn("recovered stale runs from previous process", slog.Int64("count", n))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		appLogger.Error("connect redis failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	leasePool := pool.New(poolStore, appLogger, pool.Options{
		FailureWindow:    cfg.Pool.FailureWindow,
		FailureThreshold: cfg.Pool.FailureThreshold,
		BlacklistTTL:     cfg.Pool.BlacklistTTL,
		CooldownTTL:      cfg.Pool.CooldownTTL,
	})
	if err := leasePool.Load(ctx); err != nil {
		appLogger.Error("load pool failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	limiter := ratelimit.New(rdb, appLogger, "", cfg.App.RateLimit, cfg.App.RateBurst)
	rend := renderer.NewGoofishRenderer(&cfg.Browser, appLogger)
	ai := analyzer.NewClient(&cfg.AI, appLogger)

	var channels []notify.Notifier
	if cfg.Notify.Email.SMTPHost != "" && cfg.Notify.Email.ToEmail != "" {
		channels = append(channels, notify.NewEmailNotifier(&cfg.Notify.Email, appLogger))
	}
	if cfg.Notify.NtfyURL != "" {
		channels = append(channels, notify.NewNtfyNotifier(cfg.Notify.NtfyURL, appLogger))
	}
	if cfg.Notify.WebhookURL != "" {
		channels = append(channels, notify.NewWebhookNotifier(cfg.Notify.WebhookURL, appLogger))
	}
	dispatcher := notify.NewDispatcher(channels, appLogger, cfg.Notify.Workers)
	dispatcher.Start(ctx)
	appLogger.Info("notify dispatcher started", slog.Int("channels", dispatcher.Channels()))

	resultSink := sink.New(rdb, itemStore, dispatcher, cfg.App.DataDir, appLogger)

	engine := pipeline.NewEngine(rend, ai, resultSink, leasePool, limiter, appLogger, pipeline.Options{
		Policy: riskcontrol.Policy{
			MaxRetries:   cfg.Pipeline.MaxRetries,
			MaxRotations: cfg.Pipeline.MaxRotations,
			BackoffBase:  cfg.Pipeline.BackoffBase,
			BackoffMax:   cfg.Pipeline.BackoffMax,
		},
		ImageConcurrency: cfg.Pipeline.ImageConcurrency,
	})

	sup := supervisor.New(taskStore, runStore, leasePool, engine, appLogger, supervisor.Options{
		MaxConcurrentRuns: cfg.App.MaxConcurrentRuns,
		HeartbeatInterval: cfg.App.HeartbeatInterval,
		HeartbeatTimeout:  cfg.App.HeartbeatTimeout,
	})

	sched := scheduler.New(taskStore, sup, appLogger, cfg.App.SchedulerRefresh)
	if err := sched.Start(ctx); err != nil {
		appLogger.Error("start scheduler failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	srv := api.NewServer(sup, runStore, appLogger)
	httpServer := &http.Server{
		Addr:    cfg.App.HTTPAddr,
		Handler: srv.Handler(),
	}
	go func() {
		appLogger.Info("control server listening", slog.String("addr", cfg.App.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("server run failed", slog.String("error", err.Error()))
		}
	}()

	<-ctx.Done()
	appLogger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// 先停外部入口，再停内部执行，最后释放底层资源
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("http shutdown failed", slog.String("error", err.Error()))
	}
	sched.Stop()
	if err := sup.Shutdown(shutdownTimeout); err != nil {
		appLogger.Error("supervisor shutdown failed", slog.String("error", err.Error()))
	}
	if err := dispatcher.Shutdown(shutdownTimeout); err != nil {
		appLogger.Error("dispatcher shutdown failed", slog.String("error", err.Error()))
	}
	if err := rend.Close(); err != nil {
		appLogger.Error("close renderer failed", slog.String("error", err.Error()))
	}
	if err := rdb.Close(); err != nil {
		appLogger.Error("close redis failed", slog.String("error", err.Error()))
	}
	appLogger.Info("shutdown complete")
}
