package renderer

import (
	"strings"
	"time"

	"github.com/wya0/ai-goofish-monitor/internal/riskcontrol"

	"github.com/go-rod/rod"
)

const riskCheckTimeout = 2 * time.Second

// 页面级风控信号。滑块验证通常以 baxia 弹层或中间件 iframe 出现，
// 接口拒绝则会把 FAIL_SYS 错误码渲染进页面文本。
var (
	captchaSelectors = []string{
		".baxia-dialog",
		"#baxia-dialog-content",
		".J_MIDDLEWARE_FRAME_WIDGET",
		"iframe[src*='punish']",
	}
	captchaTextHints = []string{
		"fail_sys_user_validate",
		"亲，请向右滑动验证",
		"安全验证",
	}
	authTextHints = []string{
		"fail_sys_session_expired",
		"fail_sys_token_empty",
		"请登录后再试",
		"扫码登录",
	}
	rateLimitTextHints = []string{
		"fail_sys_traffic_limit",
		"访问太频繁",
		"too many requests",
	}
)

// detectRiskSignals 检查页面是否处于风控状态。
// 命中时返回对应分类的 RiskError，正常页面返回 nil。
func detectRiskSignals(page *rod.Page) error {
	p := page.Timeout(riskCheckTimeout)

	for _, sel := range captchaSelectors {
		if elems, err := p.Elements(sel); err == nil && len(elems) > 0 {
			if visible, err := elems[0].Visible(); err == nil && !visible {
				continue
			}
			return riskcontrol.NewRiskError(riskcontrol.ClassCaptcha, sel, "captcha challenge detected")
		}
	}

	text := strings.ToLower(pageBodyText(page))
	if text == "" {
		return nil
	}
	for _, hint := range captchaTextHints {
		if strings.Contains(text, hint) {
			return riskcontrol.NewRiskError(riskcontrol.ClassCaptcha, hint, "captcha challenge detected")
		}
	}
	for _, hint := range authTextHints {
		if strings.Contains(text, hint) {
			return riskcontrol.NewRiskError(riskcontrol.ClassAuthExpired, hint, "login state rejected")
		}
	}
	for _, hint := range rateLimitTextHints {
		if strings.Contains(text, hint) {
			return riskcontrol.NewRiskError(riskcontrol.ClassRateLimited, hint, "rate limited by site")
		}
	}
	return nil
}

// pageBodyText 获取页面 body 文本（带超时保护）。
func pageBodyText(page *rod.Page) string {
	p := page.Timeout(riskCheckTimeout)
	body, err := p.Element("body")
	if err != nil {
		return ""
	}
	text, err := body.Text()
	if err != nil {
		return ""
	}
	return text
}
