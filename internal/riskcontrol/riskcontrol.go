package riskcontrol

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// FailureClass 风控失败类别。
type FailureClass int

const (
	ClassTransient   FailureClass = iota // 瞬时失败（网络抖动、超时、渲染偶发错误）
	ClassRateLimited                     // 频率限制
	ClassCaptcha                         // 人机验证挑战（baxia 弹窗等）
	ClassAuthExpired                     // 登录态失效
	ClassFatal                           // 不可恢复（配置错误、页面结构彻底变化）
)

// String 返回用于日志和 metrics 的类别名称。
func (c FailureClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	case ClassCaptcha:
		return "captcha_challenge"
	case ClassAuthExpired:
		return "auth_expired"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// RiskError 是渲染器在识别到风控信号时返回的类型化错误。
//
// Signal 保留原始页面信号（如 "baxia-dialog"），用于日志排查。
type RiskError struct {
	Class  FailureClass
	Signal string
	Msg    string
}

func (e *RiskError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("risk control (%s): %s [signal=%s]", e.Class, e.Msg, e.Signal)
	}
	return fmt.Sprintf("risk control (%s): %s", e.Class, e.Msg)
}

// NewRiskError 构造一个带类别的风控错误。
func NewRiskError(class FailureClass, signal, msg string) *RiskError {
	return &RiskError{Class: class, Signal: signal, Msg: msg}
}

// 页面文本中的风控信号关键词。
// 闲鱼的风控弹窗容器是 baxia-dialog / J_MIDDLEWARE_FRAME_WIDGET，
// 接口层面的滑块校验返回 FAIL_SYS_USER_VALIDATE。
var (
	captchaHints = []string{
		"baxia-dialog",
		"j_middleware_frame_widget",
		"fail_sys_user_validate",
		"验证码",
		"安全验证",
		"captcha",
		"verify you are human",
	}
	rateLimitedHints = []string{
		"429",
		"too many requests",
		"rate limit",
		"访问过于频繁",
	}
	authExpiredHints = []string{
		"fail_sys_session_expired",
		"登录已过期",
		"请先登录",
		"not login",
		"session expired",
		"unauthorized",
	}
	transientHints = []string{
		"timeout",
		"deadline exceeded",
		"net::",
		"connection",
		"navigate",
		"temporarily unavailable",
		"reset by peer",
		"eof",
	}
)

// Classify 将任意错误归入风控失败类别。
//
// 类型化的 RiskError 优先生效；其余错误按消息文本分类，
// 无法识别的错误按瞬时失败处理（交给有限次重试兜底）。
func Classify(err error) FailureClass {
	if err == nil {
		return ClassTransient
	}

	var riskErr *RiskError
	if errors.As(err, &riskErr) {
		return riskErr.Class
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	if containsAny(msg, captchaHints) {
		return ClassCaptcha
	}
	if containsAny(msg, rateLimitedHints) {
		return ClassRateLimited
	}
	if containsAny(msg, authExpiredHints) {
		return ClassAuthExpired
	}
	if containsAny(msg, transientHints) {
		return ClassTransient
	}
	return ClassTransient
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
