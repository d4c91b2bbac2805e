package riskcontrol

import (
	"math/rand"
	"time"
)

// Action 策略评估后要求执行器采取的动作。
type Action int

const (
	ActionRetry          Action = iota // 退避后原地重试
	ActionRotate                       // 冷却当前账号+代理，换一对后重试
	ActionRotateIdentity               // 拉黑账号、仅更换账号（代理保留）
	ActionAbort                        // 终止本次运行
)

// String 返回动作名称。
func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionRotate:
		return "rotate"
	case ActionRotateIdentity:
		return "rotate_identity"
	case ActionAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// Policy 集中定义重试/轮换预算。所有阶段失败都经由它评估，
// 执行器不得自带内联重试逻辑。
type Policy struct {
	MaxRetries   int           // 瞬时失败的最大重试次数 K
	MaxRotations int           // 单页允许的最大轮换次数 R
	BackoffBase  time.Duration // 指数退避基准
	BackoffMax   time.Duration // 退避上限
}

// State 跟踪单个阶段（页）内已消耗的重试/轮换预算。
// 换页后归零，轮换成功后重试计数归零。
type State struct {
	Retries   int
	Rotations int
}

// Next 根据失败类别和已消耗预算决定下一步动作。
//
// 规则：
//   - transient: 重试至多 K 次，耗尽后升级为轮换
//   - rate_limited / captcha_challenge: 直接轮换，至多 R 次
//   - auth_expired: 拉黑账号并仅换账号（同样计入轮换预算）
//   - fatal: 立即终止
func (p Policy) Next(class FailureClass, st *State) Action {
	switch class {
	case ClassFatal:
		return ActionAbort

	case ClassTransient:
		if st.Retries < p.MaxRetries {
			st.Retries++
			return ActionRetry
		}
		// 重试预算耗尽，按环境问题升级处理
		if st.Rotations < p.MaxRotations {
			st.Rotations++
			st.Retries = 0
			return ActionRotate
		}
		return ActionAbort

	case ClassRateLimited, ClassCaptcha:
		if st.Rotations < p.MaxRotations {
			st.Rotations++
			st.Retries = 0
			return ActionRotate
		}
		return ActionAbort

	case ClassAuthExpired:
		if st.Rotations < p.MaxRotations {
			st.Rotations++
			st.Retries = 0
			return ActionRotateIdentity
		}
		return ActionAbort
	}
	return ActionAbort
}

// Backoff 计算第 attempt 次重试前的等待时间（指数退避 + 抖动）。
// attempt 从 1 开始。
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.BackoffMax > 0 && d >= p.BackoffMax {
			d = p.BackoffMax
			break
		}
	}
	if p.BackoffMax > 0 && d > p.BackoffMax {
		d = p.BackoffMax
	}
	// 10% 抖动，避免多个运行同步重试
	jitter := time.Duration(rand.Int63n(int64(d)/10 + 1))
	return d + jitter
}
