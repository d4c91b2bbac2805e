package analyzer

import (
	"context"

	"github.com/wya0/ai-goofish-monitor/internal/renderer"
)

// Verdict AI 对单件商品的判定结果。
type Verdict struct {
	Recommended bool   `json:"is_recommended"`
	Reason      string `json:"reason"`
}

// Analyzer 商品分析器。
//
// criteria 是任务配置的自然语言分析标准，images 是已下载的商品图片，
// 可以为空（图片抓取是尽力而为的）。
type Analyzer interface {
	Analyze(ctx context.Context, criteria string, detail *renderer.ListingDetail, images [][]byte) (*Verdict, error)
}
