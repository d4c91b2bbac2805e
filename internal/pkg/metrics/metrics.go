package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 任务运行相关指标。
var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_runs_total",
		Help: "Total task runs by final status.",
	}, []string{"status"})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "monitor_run_duration_seconds",
		Help:    "Duration of completed task runs.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "monitor_active_runs",
		Help: "Number of task runs currently executing.",
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "monitor_stage_duration_seconds",
		Help:    "Duration of pipeline stages.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"stage"})
)

// 风控与池相关指标。
var (
	RiskEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_risk_events_total",
		Help: "Risk-control events by failure class.",
	}, []string{"class"})

	PoolRotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_pool_rotations_total",
		Help: "Total identity/proxy rotations triggered by risk control.",
	})

	PoolIdentitiesAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "monitor_pool_identities_available",
		Help: "Identities currently healthy and unleased.",
	})

	PoolProxiesAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "monitor_pool_proxies_available",
		Help: "Proxies currently healthy and unleased.",
	})

	PoolExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_pool_exhausted_total",
		Help: "Allocation attempts that found no usable identity/proxy pair.",
	})
)

// 结果与通知相关指标。
var (
	ItemsPersistedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_items_persisted_total",
		Help: "New items persisted by the result sink.",
	})

	ItemsDuplicateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_items_duplicate_total",
		Help: "Listings skipped by the dedup authority.",
	})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_notifications_total",
		Help: "Notification dispatch outcomes by channel.",
	}, []string{"channel", "status"})
)

// 渲染器与分析器指标。
var (
	RendererRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_renderer_requests_total",
		Help: "Renderer operations by type and status.",
	}, []string{"op", "status"})

	AnalyzerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_analyzer_requests_total",
		Help: "Analyzer calls by status.",
	}, []string{"status"})

	BrowserInstances = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "monitor_browser_instances",
		Help: "Browser instances currently alive.",
	})
)

// 限流指标。
var (
	RateLimitWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "monitor_ratelimit_wait_seconds",
		Help:    "Time spent waiting for the global rate limiter.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	RateLimitTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_ratelimit_timeouts_total",
		Help: "Rate limiter waits aborted by context cancellation.",
	})
)
