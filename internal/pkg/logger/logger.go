package logger

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// ParseLevel 将配置中的日志级别字符串转换为 slog.Level。
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New 创建日志记录器。
//
// local 环境使用彩色文本输出（便于开发调试），其他环境使用 JSON 输出。
func New(level string, env string) *slog.Logger {
	lvl := ParseLevel(level)

	if strings.ToLower(strings.TrimSpace(env)) == "local" {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      lvl,
			TimeFormat: time.TimeOnly,
		}))
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// NewDefault 使用默认环境（local）创建日志记录器。
func NewDefault(level string) *slog.Logger {
	return New(level, "local")
}
