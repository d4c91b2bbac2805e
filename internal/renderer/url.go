package renderer

import (
	"net/url"
	"strconv"
	"strings"
)

const searchBase = "https://www.goofish.com/search"

// BuildSearchURL 构造闲鱼搜索页 URL。
//
// 筛选条件（价格区间、个人闲置、包邮、发布时间、区域）编码进查询串，
// 页面加载后前端会按这些参数初始化筛选状态。
func BuildSearchURL(q SearchQuery) string {
	values := url.Values{}
	values.Set("q", q.Keyword)

	page := q.Page
	if page < 1 {
		page = 1
	}
	if page > 1 {
		values.Set("page", strconv.Itoa(page))
	}

	// 价格区间格式为 "min,max"，缺省一侧留空
	if q.MinPrice != "" || q.MaxPrice != "" {
		values.Set("priceRange", strings.TrimSpace(q.MinPrice)+","+strings.TrimSpace(q.MaxPrice))
	}

	var quickFilters []string
	if q.PersonalOnly {
		quickFilters = append(quickFilters, "filterPersonal")
	}
	if q.FreeShipping {
		quickFilters = append(quickFilters, "filterFreePostage")
	}
	if len(quickFilters) > 0 {
		values.Set("quickFilter", strings.Join(quickFilters, ","))
	}

	if days := publishDays(q.NewPublishOption); days != "" {
		values.Set("publishDays", days)
	}
	if q.Region != "" {
		values.Set("city", q.Region)
	}

	qs := values.Encode()
	qs = strings.ReplaceAll(qs, "+", "%20")
	return searchBase + "?" + qs
}

// publishDays 将发布时间筛选文本映射为 URL 参数值。
func publishDays(option string) string {
	switch strings.TrimSpace(option) {
	case "1天内":
		return "1"
	case "3天内":
		return "3"
	case "7天内":
		return "7"
	case "14天内":
		return "14"
	default:
		return ""
	}
}

// itemURL 构造商品详情页链接。
func itemURL(sourceID string) string {
	return "https://www.goofish.com/item?id=" + url.QueryEscape(sourceID)
}

// normalizeItemURL 将相对或协议省略的商品链接补全为完整 URL。
func normalizeItemURL(u string) string {
	if u == "" {
		return u
	}
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if strings.HasPrefix(u, "//") {
		return "https:" + u
	}
	if strings.HasPrefix(u, "/") {
		return "https://www.goofish.com" + u
	}
	return "https://www.goofish.com/" + u
}

// extractSourceID 从商品链接中提取平台商品 ID。
func extractSourceID(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	if id := parsed.Query().Get("id"); id != "" {
		return id
	}
	// 兼容 /item/123456 形式的路径
	parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(parts) >= 2 && parts[0] == "item" {
		return parts[len(parts)-1]
	}
	return ""
}
