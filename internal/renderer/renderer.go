package renderer

import (
	"context"
)

// SearchQuery 一次搜索页抓取的参数。
type SearchQuery struct {
	Keyword          string
	Page             int    // 从 1 开始
	MinPrice         string // 空表示不限
	MaxPrice         string
	PersonalOnly     bool
	FreeShipping     bool
	NewPublishOption string // 如 "1天内"
	Region           string
}

// Listing 搜索结果页上的一条商品摘要。
type Listing struct {
	SourceID     string
	Title        string
	Price        string
	ItemURL      string
	SellerNick   string
	MainImageURL string
	Raw          string // 原始快照 JSON
}

// SearchPage 一页搜索结果。
type SearchPage struct {
	Listings []Listing
	HasMore  bool // 是否还有下一页
}

// ListingDetail 商品详情页内容。
type ListingDetail struct {
	SourceID    string
	Title       string
	Price       string
	Description string
	SellerNick  string
	ImageURLs   []string
	Raw         string
}

// Session 一次运行租用的访问身份。
//
// LoginState 是序列化后的 cookies 快照，ProxyURL 为空表示直连。
type Session struct {
	LoginState string
	ProxyURL   string
}

// Renderer 页面渲染与抓取的抽象。
//
// 实现负责识别目标站点的风控页面，遇到时返回 riskcontrol.RiskError
// 以便上层决定重试、轮换还是放弃。
type Renderer interface {
	// Search 抓取一页搜索结果。
	Search(ctx context.Context, q SearchQuery, sess Session) (*SearchPage, error)
	// FetchDetail 抓取商品详情页。
	FetchDetail(ctx context.Context, sourceID string, sess Session) (*ListingDetail, error)
	// FetchImage 下载一张商品图片。
	FetchImage(ctx context.Context, imageURL string) ([]byte, error)
	// Close 释放浏览器等资源。
	Close() error
}
