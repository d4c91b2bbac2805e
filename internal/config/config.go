package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App      AppConfig      `json:"app"`
	MySQL    MySQLConfig    `json:"mysql"`
	Redis    RedisConfig    `json:"redis"`
	Browser  BrowserConfig  `json:"browser"`
	AI       AIConfig       `json:"ai"`
	Notify   NotifyConfig   `json:"notify"`
	Pool     PoolConfig     `json:"pool"`
	Pipeline PipelineConfig `json:"pipeline"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env               string        `json:"env"`                 // 运行环境: local / prod
	LogLevel          string        `json:"log_level"`           // 日志级别: debug / info / warn / error
	HTTPAddr          string        `json:"http_addr"`           // 控制接口监听地址
	DataDir           string        `json:"data_dir"`            // JSONL 数据目录
	MaxConcurrentRuns int           `json:"max_concurrent_runs"` // 全局最大并发运行数
	RateLimit         float64       `json:"rate_limit"`          // 全局出站限流速率（token/s）
	RateBurst         float64       `json:"rate_burst"`          // 限流桶容量
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`  // 运行心跳间隔
	HeartbeatTimeout  time.Duration `json:"heartbeat_timeout"`   // 心跳超时（超过则判定为 crashed）
	SchedulerRefresh  time.Duration `json:"scheduler_refresh"`   // 调度器重新加载任务表的间隔
}

// MySQLConfig MySQL 数据库配置。
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串
}

// RedisConfig Redis 配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// BrowserConfig 渲染器浏览器配置。
type BrowserConfig struct {
	BinPath         string        `json:"bin_path"`         // 浏览器可执行文件路径
	Headless        bool          `json:"headless"`         // 是否使用无头模式
	PageTimeout     time.Duration `json:"page_timeout"`     // 单页操作超时
	DebugScreenshot bool          `json:"debug_screenshot"` // 超时诊断时是否保存截图
}

// AIConfig AI 分析服务配置（OpenAI 兼容接口）。
type AIConfig struct {
	BaseURL string        `json:"base_url"` // 接口地址，如 https://api.openai.com/v1
	APIKey  string        `json:"api_key"`
	Model   string        `json:"model"`
	Timeout time.Duration `json:"timeout"` // 单次请求超时
}

// NotifyConfig 通知通道配置。
type NotifyConfig struct {
	Email      EmailConfig `json:"email"`
	NtfyURL    string      `json:"ntfy_url"`    // ntfy topic URL（空表示禁用）
	WebhookURL string      `json:"webhook_url"` // 通用 webhook（空表示禁用）
	Workers    int         `json:"workers"`     // 通知派发 worker 数
}

// EmailConfig 邮件通知配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
	ToEmail   string `json:"to_email"`
}

// PoolConfig 账号/代理池配置。
type PoolConfig struct {
	FailureWindow    time.Duration `json:"failure_window"`    // 失败滑动窗口长度
	FailureThreshold int           `json:"failure_threshold"` // 窗口内失败次数阈值
	BlacklistTTL     time.Duration `json:"blacklist_ttl"`     // 拉黑冷却时间
	CooldownTTL      time.Duration `json:"cooldown_ttl"`      // 风控触发后的短冷却时间
}

// PipelineConfig 管线执行与重试配置。
type PipelineConfig struct {
	MaxRetries       int           `json:"max_retries"`       // 瞬时失败的最大重试次数 K
	MaxRotations     int           `json:"max_rotations"`     // 单页的最大轮换次数 R
	BackoffBase      time.Duration `json:"backoff_base"`      // 指数退避基准
	BackoffMax       time.Duration `json:"backoff_max"`       // 退避上限
	ImageConcurrency int           `json:"image_concurrency"` // 单次运行内图片抓取并发数
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值。
// 环境变量优先于配置文件。
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	// 如果配置文件不存在，使用默认配置
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// Save 保存配置到 JSON 文件。
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:               "local",
			LogLevel:          "info",
			HTTPAddr:          ":8080",
			DataDir:           "data",
			MaxConcurrentRuns: 3,
			RateLimit:         2,
			RateBurst:         4,
			HeartbeatInterval: 10 * time.Second,
			HeartbeatTimeout:  2 * time.Minute,
			SchedulerRefresh:  1 * time.Minute,
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/goofish_monitor?parseTime=true&loc=Local",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
		},
		Browser: BrowserConfig{
			BinPath:     "",
			Headless:    true,
			PageTimeout: 60 * time.Second,
		},
		AI: AIConfig{
			BaseURL: "",
			Model:   "gpt-4o",
			Timeout: 90 * time.Second,
		},
		Notify: NotifyConfig{
			Email: EmailConfig{
				SMTPHost: "smtp.gmail.com",
				SMTPPort: 587,
			},
			Workers: 4,
		},
		Pool: PoolConfig{
			FailureWindow:    10 * time.Minute,
			FailureThreshold: 3,
			BlacklistTTL:     30 * time.Minute,
			CooldownTTL:      5 * time.Minute,
		},
		Pipeline: PipelineConfig{
			MaxRetries:       3,
			MaxRotations:     2,
			BackoffBase:      2 * time.Second,
			BackoffMax:       30 * time.Second,
			ImageConcurrency: 3,
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.DataDir == "" {
		cfg.App.DataDir = defaults.App.DataDir
	}
	if cfg.App.MaxConcurrentRuns == 0 {
		cfg.App.MaxConcurrentRuns = defaults.App.MaxConcurrentRuns
	}
	if cfg.App.RateLimit == 0 {
		cfg.App.RateLimit = defaults.App.RateLimit
	}
	if cfg.App.RateBurst == 0 {
		cfg.App.RateBurst = defaults.App.RateBurst
	}
	if cfg.App.HeartbeatInterval == 0 {
		cfg.App.HeartbeatInterval = defaults.App.HeartbeatInterval
	}
	if cfg.App.HeartbeatTimeout == 0 {
		cfg.App.HeartbeatTimeout = defaults.App.HeartbeatTimeout
	}
	if cfg.App.SchedulerRefresh == 0 {
		cfg.App.SchedulerRefresh = defaults.App.SchedulerRefresh
	}
	if cfg.Browser.PageTimeout == 0 {
		cfg.Browser.PageTimeout = defaults.Browser.PageTimeout
	}
	if cfg.AI.Model == "" {
		cfg.AI.Model = defaults.AI.Model
	}
	if cfg.AI.Timeout == 0 {
		cfg.AI.Timeout = defaults.AI.Timeout
	}
	if cfg.Notify.Email.SMTPPort == 0 {
		cfg.Notify.Email.SMTPPort = defaults.Notify.Email.SMTPPort
	}
	if cfg.Notify.Workers == 0 {
		cfg.Notify.Workers = defaults.Notify.Workers
	}
	if cfg.Pool.FailureWindow == 0 {
		cfg.Pool.FailureWindow = defaults.Pool.FailureWindow
	}
	if cfg.Pool.FailureThreshold == 0 {
		cfg.Pool.FailureThreshold = defaults.Pool.FailureThreshold
	}
	if cfg.Pool.BlacklistTTL == 0 {
		cfg.Pool.BlacklistTTL = defaults.Pool.BlacklistTTL
	}
	if cfg.Pool.CooldownTTL == 0 {
		cfg.Pool.CooldownTTL = defaults.Pool.CooldownTTL
	}
	if cfg.Pipeline.MaxRetries == 0 {
		cfg.Pipeline.MaxRetries = defaults.Pipeline.MaxRetries
	}
	if cfg.Pipeline.MaxRotations == 0 {
		cfg.Pipeline.MaxRotations = defaults.Pipeline.MaxRotations
	}
	if cfg.Pipeline.BackoffBase == 0 {
		cfg.Pipeline.BackoffBase = defaults.Pipeline.BackoffBase
	}
	if cfg.Pipeline.BackoffMax == 0 {
		cfg.Pipeline.BackoffMax = defaults.Pipeline.BackoffMax
	}
	if cfg.Pipeline.ImageConcurrency == 0 {
		cfg.Pipeline.ImageConcurrency = defaults.Pipeline.ImageConcurrency
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("ai_api_key", "AI_API_KEY")
	_ = viper.BindEnv("chrome_bin", "CHROME_BIN")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_DATA_DIR"); v != "" {
		cfg.App.DataDir = v
	}
	if v := os.Getenv("APP_MAX_CONCURRENT_RUNS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.MaxConcurrentRuns = i
		}
	}
	if v := os.Getenv("APP_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RateLimit = f
		}
	}
	if v := os.Getenv("APP_RATE_BURST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RateBurst = f
		}
	}
	if v := os.Getenv("APP_HEARTBEAT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.HeartbeatTimeout = d
		}
	}
	if v := os.Getenv("APP_SCHEDULER_REFRESH"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.SchedulerRefresh = d
		}
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		if v := viper.GetString("db_host"); v != "" {
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = v + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.MySQL.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := viper.GetString("chrome_bin"); v != "" {
		cfg.Browser.BinPath = v
	}
	if v := os.Getenv("BROWSER_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.Headless = b
		}
	}
	if v := os.Getenv("BROWSER_PAGE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Browser.PageTimeout = d
		}
	}
	if v := os.Getenv("BROWSER_DEBUG_SCREENSHOT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.DebugScreenshot = b
		}
	}

	if v := os.Getenv("AI_BASE_URL"); v != "" {
		cfg.AI.BaseURL = v
	}
	if v := viper.GetString("ai_api_key"); v != "" {
		cfg.AI.APIKey = v
	}
	if v := os.Getenv("AI_MODEL"); v != "" {
		cfg.AI.Model = v
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Notify.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Notify.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Notify.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Notify.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Notify.Email.FromEmail = v
	}
	if v := os.Getenv("SMTP_TO"); v != "" {
		cfg.Notify.Email.ToEmail = v
	}
	if v := os.Getenv("NTFY_TOPIC_URL"); v != "" {
		cfg.Notify.NtfyURL = v
	}
	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func parseMySQLDSN(dsn string) *mysql.Config {
	fallback := &mysql.Config{
		User:   "root",
		Passwd: "",
		Net:    "tcp",
		Addr:   "localhost:3306",
		DBName: "goofish_monitor",
		Params: map[string]string{
			"parseTime": "true",
			"loc":       "Local",
		},
	}
	if dsn == "" {
		return fallback
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return fallback
	}
	return parsed
}

// UnmarshalJSON 自定义 JSON 解析，支持时间 Duration 字符串。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		HeartbeatInterval string `json:"heartbeat_interval"`
		HeartbeatTimeout  string `json:"heartbeat_timeout"`
		SchedulerRefresh  string `json:"scheduler_refresh"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.HeartbeatInterval != "" {
		d, err := time.ParseDuration(aux.HeartbeatInterval)
		if err != nil {
			return fmt.Errorf("invalid heartbeat_interval format: %w", err)
		}
		a.HeartbeatInterval = d
	}
	if aux.HeartbeatTimeout != "" {
		d, err := time.ParseDuration(aux.HeartbeatTimeout)
		if err != nil {
			return fmt.Errorf("invalid heartbeat_timeout format: %w", err)
		}
		a.HeartbeatTimeout = d
	}
	if aux.SchedulerRefresh != "" {
		d, err := time.ParseDuration(aux.SchedulerRefresh)
		if err != nil {
			return fmt.Errorf("invalid scheduler_refresh format: %w", err)
		}
		a.SchedulerRefresh = d
	}
	return nil
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (a AppConfig) MarshalJSON() ([]byte, error) {
	type Alias AppConfig
	return json.Marshal(&struct {
		HeartbeatInterval string `json:"heartbeat_interval"`
		HeartbeatTimeout  string `json:"heartbeat_timeout"`
		SchedulerRefresh  string `json:"scheduler_refresh"`
		*Alias
	}{
		HeartbeatInterval: a.HeartbeatInterval.String(),
		HeartbeatTimeout:  a.HeartbeatTimeout.String(),
		SchedulerRefresh:  a.SchedulerRefresh.String(),
		Alias:             (*Alias)(&a),
	})
}

// UnmarshalJSON 解析 BrowserConfig 中的 Duration 字符串。
func (b *BrowserConfig) UnmarshalJSON(data []byte) error {
	type Alias BrowserConfig
	aux := &struct {
		PageTimeout string `json:"page_timeout"`
		*Alias
	}{
		Alias: (*Alias)(b),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.PageTimeout != "" {
		d, err := time.ParseDuration(aux.PageTimeout)
		if err != nil {
			return fmt.Errorf("invalid page_timeout format: %w", err)
		}
		b.PageTimeout = d
	}
	return nil
}

// MarshalJSON 序列化 BrowserConfig。
func (b BrowserConfig) MarshalJSON() ([]byte, error) {
	type Alias BrowserConfig
	return json.Marshal(&struct {
		PageTimeout string `json:"page_timeout"`
		*Alias
	}{
		PageTimeout: b.PageTimeout.String(),
		Alias:       (*Alias)(&b),
	})
}

// UnmarshalJSON 解析 AIConfig 中的 Duration 字符串。
func (c *AIConfig) UnmarshalJSON(data []byte) error {
	type Alias AIConfig
	aux := &struct {
		Timeout string `json:"timeout"`
		*Alias
	}{
		Alias: (*Alias)(c),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Timeout != "" {
		d, err := time.ParseDuration(aux.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout format: %w", err)
		}
		c.Timeout = d
	}
	return nil
}

// MarshalJSON 序列化 AIConfig。
func (c AIConfig) MarshalJSON() ([]byte, error) {
	type Alias AIConfig
	return json.Marshal(&struct {
		Timeout string `json:"timeout"`
		*Alias
	}{
		Timeout: c.Timeout.String(),
		Alias:   (*Alias)(&c),
	})
}

// UnmarshalJSON 解析 PoolConfig 中的 Duration 字符串。
func (p *PoolConfig) UnmarshalJSON(data []byte) error {
	type Alias PoolConfig
	aux := &struct {
		FailureWindow string `json:"failure_window"`
		BlacklistTTL  string `json:"blacklist_ttl"`
		CooldownTTL   string `json:"cooldown_ttl"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.FailureWindow != "" {
		d, err := time.ParseDuration(aux.FailureWindow)
		if err != nil {
			return fmt.Errorf("invalid failure_window format: %w", err)
		}
		p.FailureWindow = d
	}
	if aux.BlacklistTTL != "" {
		d, err := time.ParseDuration(aux.BlacklistTTL)
		if err != nil {
			return fmt.Errorf("invalid blacklist_ttl format: %w", err)
		}
		p.BlacklistTTL = d
	}
	if aux.CooldownTTL != "" {
		d, err := time.ParseDuration(aux.CooldownTTL)
		if err != nil {
			return fmt.Errorf("invalid cooldown_ttl format: %w", err)
		}
		p.CooldownTTL = d
	}
	return nil
}

// MarshalJSON 序列化 PoolConfig。
func (p PoolConfig) MarshalJSON() ([]byte, error) {
	type Alias PoolConfig
	return json.Marshal(&struct {
		FailureWindow string `json:"failure_window"`
		BlacklistTTL  string `json:"blacklist_ttl"`
		CooldownTTL   string `json:"cooldown_ttl"`
		*Alias
	}{
		FailureWindow: p.FailureWindow.String(),
		BlacklistTTL:  p.BlacklistTTL.String(),
		CooldownTTL:   p.CooldownTTL.String(),
		Alias:         (*Alias)(&p),
	})
}

// UnmarshalJSON 解析 PipelineConfig 中的 Duration 字符串。
func (p *PipelineConfig) UnmarshalJSON(data []byte) error {
	type Alias PipelineConfig
	aux := &struct {
		BackoffBase string `json:"backoff_base"`
		BackoffMax  string `json:"backoff_max"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.BackoffBase != "" {
		d, err := time.ParseDuration(aux.BackoffBase)
		if err != nil {
			return fmt.Errorf("invalid backoff_base format: %w", err)
		}
		p.BackoffBase = d
	}
	if aux.BackoffMax != "" {
		d, err := time.ParseDuration(aux.BackoffMax)
		if err != nil {
			return fmt.Errorf("invalid backoff_max format: %w", err)
		}
		p.BackoffMax = d
	}
	return nil
}

// MarshalJSON 序列化 PipelineConfig。
func (p PipelineConfig) MarshalJSON() ([]byte, error) {
	type Alias PipelineConfig
	return json.Marshal(&struct {
		BackoffBase string `json:"backoff_base"`
		BackoffMax  string `json:"backoff_max"`
		*Alias
	}{
		BackoffBase: p.BackoffBase.String(),
		BackoffMax:  p.BackoffMax.String(),
		Alias:       (*Alias)(&p),
	})
}
