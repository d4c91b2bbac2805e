package decision

import (
	"fmt"
	"regexp"
	"strings"
)

// Result 关键词判定结果。
type Result struct {
	Recommended bool
	Reason      string
	Hits        []string // 命中的规则（保留原始大小写）
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// Normalize 统一待匹配文本：小写化并压缩空白。
func Normalize(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	return whitespaceRe.ReplaceAllString(text, " ")
}

// NormalizeRules 规整关键词规则列表。
//
// 接受逗号或换行分隔的原始配置，去掉空白项，
// 并按不区分大小写的口径去重（保留首次出现的原始写法）。
func NormalizeRules(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := regexp.MustCompile(`[\n,]+`).Split(raw, -1)
	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		text := strings.TrimSpace(p)
		if text == "" {
			continue
		}
		key := strings.ToLower(text)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, text)
	}
	return out
}

// Engine 基于关键词规则的本地判定引擎。
//
// 规则之间是 OR 关系：任一规则作为子串命中即判定为推荐。
// 匹配不区分大小写，待匹配文本会先做空白压缩。
type Engine struct {
	rules []string
}

// NewEngine 创建判定引擎。rules 为已规整的规则列表。
func NewEngine(rules []string) *Engine {
	return &Engine{rules: rules}
}

// NewEngineFromRaw 从原始配置字符串创建判定引擎。
func NewEngineFromRaw(raw string) *Engine {
	return NewEngine(NormalizeRules(raw))
}

// Rules 返回引擎持有的规则列表。
func (e *Engine) Rules() []string {
	return e.rules
}

// Evaluate 对商品文本执行关键词判定。
//
// texts 通常是标题和描述；拼接后统一匹配。
// 空文本或空规则列表都判定为不推荐。
func (e *Engine) Evaluate(texts ...string) Result {
	search := Normalize(strings.Join(texts, " "))
	if search == "" || len(e.rules) == 0 {
		return Result{Recommended: false, Reason: "未命中任何关键词。"}
	}

	var hits []string
	for _, rule := range e.rules {
		if strings.Contains(search, strings.ToLower(rule)) {
			hits = append(hits, rule)
		}
	}

	if len(hits) == 0 {
		return Result{Recommended: false, Reason: "未命中任何关键词。"}
	}
	return Result{
		Recommended: true,
		Reason:      fmt.Sprintf("命中 %d 个关键词：%s", len(hits), strings.Join(hits, "、")),
		Hits:        hits,
	}
}
