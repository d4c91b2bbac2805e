package renderer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/wya0/ai-goofish-monitor/internal/config"
	"github.com/wya0/ai-goofish-monitor/internal/pkg/metrics"
	"github.com/wya0/ai-goofish-monitor/internal/riskcontrol"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

const (
	// 超时常量
	browserInitTimeout   = 30 * time.Second       // 浏览器初始化超时
	pageCreateTimeout    = 10 * time.Second       // 页面创建超时
	stealthScriptTimeout = 5 * time.Second        // Stealth 脚本应用超时
	imageFetchTimeout    = 20 * time.Second       // 图片下载超时
	scrollWaitInterval   = 500 * time.Millisecond // 滚动后等待间隔
	maxScrollNoGrowth    = 3                      // 连续无增长后停止滚动

	debugScreenshotTimeout = 10 * time.Second
	debugScreenshotDir     = "/tmp/goofish-monitor/screenshots"

	defaultUA = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/118.0.0.0 Safari/537.36"
)

// 屏蔽高带宽资源和追踪脚本，商品图片单独经 FetchImage 下载
var blockedURLs = []string{
	"*.woff", "*.woff2", "*.ttf", "*.eot", "*.otf",
	"*.mp4", "*.webm", "*.m4v", "*.mov", "*.avi",
	"*.mp3", "*.aac", "*.m4a", "*.ogg", "*.wav",
	"*google-analytics*",
	"*googletagmanager*",
	"*doubleclick*",
	"*sentry*",
	"*mmstat*",
	"*arms-retcode*",
}

// GoofishRenderer 基于 rod 的闲鱼页面渲染器。
//
// 浏览器实例按代理绑定：Session 携带的代理和当前实例不一致时
// 先重启浏览器再抓取。登录态 cookies 在每次抓取前注入。
type GoofishRenderer struct {
	cfg    *config.BrowserConfig
	logger *slog.Logger

	mu           sync.Mutex
	browser      *rod.Browser
	currentProxy string

	httpClient *http.Client
}

// NewGoofishRenderer 创建渲染器。浏览器在首次抓取时惰性启动。
func NewGoofishRenderer(cfg *config.BrowserConfig, logger *slog.Logger) *GoofishRenderer {
	return &GoofishRenderer{
		cfg:        cfg,
		logger:     logger,
		httpClient: &http.Client{Timeout: imageFetchTimeout},
	}
}

// startBrowser 根据配置启动浏览器。
// 针对 Docker/容器环境做了适配（NoSandbox、禁用 /dev/shm）。
func startBrowser(ctx context.Context, cfg *config.BrowserConfig, logger *slog.Logger, proxyURL string) (*rod.Browser, error) {
	bin := cfg.BinPath
	if bin == "" {
		logger.Info("no browser binary specified, downloading default...")
		path, err := launcher.NewBrowser().Get()
		if err != nil {
			return nil, fmt.Errorf("download browser: %w", err)
		}
		bin = path
	}

	l := launcher.New().
		Headless(cfg.Headless).
		Bin(bin).
		NoSandbox(true).
		// 禁用 /dev/shm，防止容器内内存崩溃
		Set("disable-dev-shm-usage", "true").
		Set("disable-gpu", "true").
		Set("disable-software-rasterizer", "true").
		Set("remote-allow-origins", "*").
		// 缓存与内存优化，减少磁盘写入压力
		Set("disk-cache-size", "1").
		Set("media-cache-size", "1").
		Set("disable-application-cache", "true").
		Set("js-flags", "--max_old_space_size=512")

	var proxyUser, proxyPass string
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("invalid proxy url: %s", proxyURL)
		}
		l = l.Proxy(fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host))
		if parsed.User != nil {
			proxyUser = parsed.User.Username()
			if pass, ok := parsed.User.Password(); ok {
				proxyPass = pass
			}
		}
	}

	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().Context(ctx).ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	if proxyUser != "" {
		go browser.MustHandleAuth(proxyUser, proxyPass)()
	}

	mode := "direct"
	if proxyURL != "" {
		mode = "proxy"
	}
	logger.Info("browser started", slog.String("bin", bin), slog.String("mode", mode))
	metrics.BrowserInstances.Inc()
	return browser, nil
}

// ensureBrowser 确保当前浏览器实例绑定到 sess 的代理。
func (r *GoofishRenderer) ensureBrowser(sess Session) (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browser != nil && r.currentProxy == sess.ProxyURL {
		return r.browser, nil
	}

	if r.browser != nil {
		r.logger.Info("proxy changed, rotating browser instance",
			slog.String("from", r.currentProxy),
			slog.String("to", sess.ProxyURL))
		if err := r.browser.Close(); err != nil {
			r.logger.Warn("close old browser failed", slog.String("error", err.Error()))
		}
		metrics.BrowserInstances.Dec()
		r.browser = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), browserInitTimeout)
	defer cancel()
	browser, err := startBrowser(ctx, r.cfg, r.logger, sess.ProxyURL)
	if err != nil {
		return nil, err
	}
	r.browser = browser
	r.currentProxy = sess.ProxyURL
	return browser, nil
}

// loginCookie 登录态快照中的一条 cookie。
type loginCookie struct {
	Name    string  `json:"name"`
	Value   string  `json:"value"`
	Domain  string  `json:"domain"`
	Path    string  `json:"path"`
	Expires float64 `json:"expires"`
}

// applyLoginState 将登录态 cookies 注入浏览器。
func applyLoginState(browser *rod.Browser, loginState string) error {
	if strings.TrimSpace(loginState) == "" {
		return nil
	}
	var cookies []loginCookie
	if err := json.Unmarshal([]byte(loginState), &cookies); err != nil {
		return fmt.Errorf("parse login state: %w", err)
	}

	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		if c.Name == "" {
			continue
		}
		domain := c.Domain
		if domain == "" {
			domain = ".goofish.com"
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		p := &proto.NetworkCookieParam{
			Name:   c.Name,
			Value:  c.Value,
			Domain: domain,
			Path:   path,
		}
		if c.Expires > 0 {
			p.Expires = proto.TimeSinceEpoch(c.Expires)
		}
		params = append(params, p)
	}
	if len(params) == 0 {
		return nil
	}
	if err := browser.SetCookies(params); err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	return nil
}

// newPage 创建配置好的新标签页。
// 页面对象绑定调用方的完整 ctx，创建本身用独立 select 做超时保护。
func (r *GoofishRenderer) newPage(ctx context.Context, browser *rod.Browser) (*rod.Page, error) {
	type pageResult struct {
		page *rod.Page
		err  error
	}
	resultCh := make(chan pageResult, 1)
	go func() {
		page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{URL: ""})
		select {
		case resultCh <- pageResult{page: page, err: err}:
		default:
			if page != nil {
				_ = page.Close()
			}
		}
	}()

	timer := time.NewTimer(pageCreateTimeout)
	defer timer.Stop()

	var page *rod.Page
	select {
	case result := <-resultCh:
		if result.err != nil {
			return nil, fmt.Errorf("create page: %w", result.err)
		}
		page = result.page
	case <-timer.C:
		return nil, fmt.Errorf("create page timeout after %v", pageCreateTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled during page creation: %w", ctx.Err())
	}

	stealthDone := make(chan error, 1)
	go func() {
		_, err := page.EvalOnNewDocument(stealth.JS)
		stealthDone <- err
	}()
	stealthTimer := time.NewTimer(stealthScriptTimeout)
	defer stealthTimer.Stop()
	select {
	case err := <-stealthDone:
		if err != nil {
			_ = page.Close()
			return nil, fmt.Errorf("apply stealth script: %w", err)
		}
	case <-stealthTimer.C:
		_ = page.Close()
		return nil, fmt.Errorf("apply stealth script timeout after %v", stealthScriptTimeout)
	}

	if err := (proto.NetworkSetBlockedURLs{Urls: blockedURLs}).Call(page); err != nil {
		r.logger.Warn("set blocked urls failed", slog.String("error", err.Error()))
	}
	page = page.Timeout(r.cfg.PageTimeout)
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: defaultUA}); err != nil {
		r.logger.Warn("set user agent failed", slog.String("error", err.Error()))
	}
	return page, nil
}

// Search 抓取一页搜索结果。
func (r *GoofishRenderer) Search(ctx context.Context, q SearchQuery, sess Session) (*SearchPage, error) {
	start := time.Now()
	status := "success"
	defer func() {
		metrics.RendererRequestsTotal.WithLabelValues("search", status).Inc()
	}()

	browser, err := r.ensureBrowser(sess)
	if err != nil {
		status = "failed"
		return nil, err
	}
	if err := applyLoginState(browser, sess.LoginState); err != nil {
		status = "failed"
		return nil, err
	}

	page, err := r.newPage(ctx, browser)
	if err != nil {
		status = "failed"
		return nil, err
	}
	defer page.Close()

	target := BuildSearchURL(q)
	r.logger.Info("loading search page",
		slog.String("keyword", q.Keyword),
		slog.Int("page", q.Page),
		slog.String("url", target))

	if err := page.Navigate(target); err != nil {
		status = "failed"
		return nil, fmt.Errorf("navigate: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		status = "failed"
		return nil, fmt.Errorf("wait load: %w", err)
	}

	if err := detectRiskSignals(page); err != nil {
		status = "risk"
		return nil, err
	}

	// 等待商品卡片或空结果状态，超时前两者都没出现视为渲染失败
	_, waitErr := page.Race().
		Element(`a[href*="/item?id="]`).Handle(func(e *rod.Element) error {
		return nil
	}).
		Element(`.search-empty, [class*="emptyResult"]`).Handle(func(e *rod.Element) error {
		return errNoItems
	}).
		Do()
	if waitErr != nil {
		if waitErr == errNoItems || isNoItemsText(page) {
			r.logger.Info("no items on page",
				slog.String("keyword", q.Keyword),
				slog.Int("page", q.Page))
			return &SearchPage{Listings: nil, HasMore: false}, nil
		}
		// 渲染失败也可能是隐形风控，再探测一次
		if riskErr := detectRiskSignals(page); riskErr != nil {
			status = "risk"
			return nil, riskErr
		}
		status = "failed"
		r.saveDebugScreenshot(page, fmt.Sprintf("search_p%d", q.Page))
		return nil, fmt.Errorf("wait for items: %w", waitErr)
	}

	scrollToBottom(ctx, page)

	listings, err := extractListings(page)
	if err != nil {
		status = "failed"
		return nil, err
	}

	r.logger.Info("search page scraped",
		slog.String("keyword", q.Keyword),
		slog.Int("page", q.Page),
		slog.Int("count", len(listings)),
		slog.Duration("duration", time.Since(start)))

	return &SearchPage{
		Listings: listings,
		HasMore:  hasNextPage(page),
	}, nil
}

// saveDebugScreenshot 渲染异常时保存页面截图辅助排查。
// 截图本身可能卡死，放在独立 goroutine 里带超时执行，任何失败只记日志。
func (r *GoofishRenderer) saveDebugScreenshot(page *rod.Page, label string) string {
	if r.cfg == nil || !r.cfg.DebugScreenshot || page == nil {
		return ""
	}
	if err := os.MkdirAll(debugScreenshotDir, 0o755); err != nil {
		r.logger.Warn("create screenshot dir failed",
			slog.String("dir", debugScreenshotDir),
			slog.String("error", err.Error()))
		return ""
	}
	path := filepath.Join(debugScreenshotDir,
		fmt.Sprintf("%s_%s.png", label, time.Now().Format("20060102_150405")))

	done := make(chan error, 1)
	go func() {
		data, err := page.Screenshot(false, nil)
		if err == nil {
			err = os.WriteFile(path, data, 0o644)
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			r.logger.Warn("save debug screenshot failed",
				slog.String("label", label),
				slog.String("error", err.Error()))
			return ""
		}
		r.logger.Info("debug screenshot saved", slog.String("path", path))
		return path
	case <-time.After(debugScreenshotTimeout):
		r.logger.Warn("debug screenshot timed out", slog.String("label", label))
		return ""
	}
}

var errNoItems = fmt.Errorf("no_items_state")

// scrollToBottom 逐屏下滚触发懒加载，直到商品数不再增长。
func scrollToBottom(ctx context.Context, page *rod.Page) {
	noGrowth := 0
	lastCount := 0
	for noGrowth < maxScrollNoGrowth {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, _ = page.Eval(`() => window.scrollBy(0, window.innerHeight)`)
		time.Sleep(scrollWaitInterval)

		elems, err := page.Elements(`a[href*="/item?id="]`)
		if err != nil {
			return
		}
		if len(elems) <= lastCount {
			noGrowth++
		} else {
			noGrowth = 0
			lastCount = len(elems)
		}
	}
}

// extractListings 从搜索页 DOM 提取商品摘要。
func extractListings(page *rod.Page) ([]Listing, error) {
	elems, err := page.Elements(`a[href*="/item?id="]`)
	if err != nil {
		return nil, fmt.Errorf("get item cards: %w", err)
	}

	seen := make(map[string]struct{}, len(elems))
	listings := make([]Listing, 0, len(elems))
	for _, el := range elems {
		href, _ := el.Attribute("href")
		if href == nil {
			continue
		}
		link := normalizeItemURL(*href)
		sourceID := extractSourceID(link)
		if sourceID == "" {
			continue
		}
		if _, dup := seen[sourceID]; dup {
			continue
		}
		seen[sourceID] = struct{}{}

		listing := Listing{
			SourceID: sourceID,
			ItemURL:  link,
		}
		if titleEl, err := el.Element(`[class*="title"]`); err == nil {
			listing.Title, _ = titleEl.Text()
		}
		if priceEl, err := el.Element(`[class*="price"]`); err == nil {
			if txt, err := priceEl.Text(); err == nil {
				listing.Price = cleanPriceText(txt)
			}
		}
		if nickEl, err := el.Element(`[class*="nick"], [class*="seller"]`); err == nil {
			listing.SellerNick, _ = nickEl.Text()
		}
		if img, err := el.Element("img"); err == nil {
			if src, _ := img.Attribute("src"); src != nil {
				listing.MainImageURL = normalizeItemURL(*src)
			}
		}
		raw, _ := json.Marshal(map[string]string{
			"source_id": listing.SourceID,
			"title":     listing.Title,
			"price":     listing.Price,
			"item_url":  listing.ItemURL,
		})
		listing.Raw = string(raw)
		listings = append(listings, listing)
	}
	return listings, nil
}

// cleanPriceText 去掉价格文本中的货币符号和空白。
func cleanPriceText(txt string) string {
	txt = strings.ReplaceAll(txt, "¥", "")
	txt = strings.ReplaceAll(txt, "￥", "")
	txt = strings.ReplaceAll(txt, ",", "")
	return strings.TrimSpace(txt)
}

// hasNextPage 检查分页控件上是否还有可用的下一页。
func hasNextPage(page *rod.Page) bool {
	elems, err := page.Timeout(riskCheckTimeout).Elements(`[class*="search-pagination"] button, [class*="pagination-next"]`)
	if err != nil || len(elems) == 0 {
		return false
	}
	for _, el := range elems {
		txt, err := el.Text()
		if err != nil {
			continue
		}
		if strings.Contains(txt, "下一页") {
			if disabled, _ := el.Attribute("disabled"); disabled == nil {
				return true
			}
		}
	}
	return false
}

var noItemsTextHints = []string{
	"没有找到相关宝贝",
	"暂无搜索结果",
	"换个关键词试试",
}

func isNoItemsText(page *rod.Page) bool {
	text := pageBodyText(page)
	if text == "" {
		return false
	}
	for _, hint := range noItemsTextHints {
		if strings.Contains(text, hint) {
			return true
		}
	}
	return false
}

// FetchDetail 抓取商品详情页。
func (r *GoofishRenderer) FetchDetail(ctx context.Context, sourceID string, sess Session) (*ListingDetail, error) {
	status := "success"
	defer func() {
		metrics.RendererRequestsTotal.WithLabelValues("detail", status).Inc()
	}()

	browser, err := r.ensureBrowser(sess)
	if err != nil {
		status = "failed"
		return nil, err
	}
	if err := applyLoginState(browser, sess.LoginState); err != nil {
		status = "failed"
		return nil, err
	}

	page, err := r.newPage(ctx, browser)
	if err != nil {
		status = "failed"
		return nil, err
	}
	defer page.Close()

	target := itemURL(sourceID)
	if err := page.Navigate(target); err != nil {
		status = "failed"
		return nil, fmt.Errorf("navigate detail: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		status = "failed"
		return nil, fmt.Errorf("wait load detail: %w", err)
	}
	if err := detectRiskSignals(page); err != nil {
		status = "risk"
		return nil, err
	}

	detail := &ListingDetail{SourceID: sourceID}
	if titleEl, err := page.Element(`[class*="item-title"], h1`); err == nil {
		detail.Title, _ = titleEl.Text()
	}
	if priceEl, err := page.Element(`[class*="price"]`); err == nil {
		if txt, err := priceEl.Text(); err == nil {
			detail.Price = cleanPriceText(txt)
		}
	}
	if descEl, err := page.Element(`[class*="item-desc"], [class*="description"]`); err == nil {
		detail.Description, _ = descEl.Text()
	}
	if nickEl, err := page.Element(`[class*="seller-nick"], [class*="user-name"]`); err == nil {
		detail.SellerNick, _ = nickEl.Text()
	}

	if imgs, err := page.Elements(`[class*="item-image"] img, [class*="swiper"] img`); err == nil {
		seen := make(map[string]struct{}, len(imgs))
		for _, img := range imgs {
			src, _ := img.Attribute("src")
			if src == nil || *src == "" {
				continue
			}
			u := normalizeItemURL(*src)
			if _, dup := seen[u]; dup {
				continue
			}
			seen[u] = struct{}{}
			detail.ImageURLs = append(detail.ImageURLs, u)
		}
	}

	raw, _ := json.Marshal(map[string]interface{}{
		"source_id":   detail.SourceID,
		"title":       detail.Title,
		"price":       detail.Price,
		"description": detail.Description,
		"seller_nick": detail.SellerNick,
		"image_urls":  detail.ImageURLs,
	})
	detail.Raw = string(raw)
	return detail, nil
}

// FetchImage 用普通 HTTP 客户端下载商品图片，不占用浏览器。
func (r *GoofishRenderer) FetchImage(ctx context.Context, imageURL string) ([]byte, error) {
	status := "success"
	defer func() {
		metrics.RendererRequestsTotal.WithLabelValues("image", status).Inc()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		status = "failed"
		return nil, fmt.Errorf("build image request: %w", err)
	}
	req.Header.Set("User-Agent", defaultUA)
	req.Header.Set("Referer", "https://www.goofish.com/")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		status = "failed"
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		status = "risk"
		return nil, riskcontrol.NewRiskError(riskcontrol.ClassRateLimited, "429", "image cdn rate limited")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		status = "failed"
		return nil, fmt.Errorf("image cdn responded %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		status = "failed"
		return nil, fmt.Errorf("read image body: %w", err)
	}
	return data, nil
}

// Close 关闭浏览器实例。
func (r *GoofishRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser == nil {
		return nil
	}
	err := r.browser.Close()
	r.browser = nil
	metrics.BrowserInstances.Dec()
	return err
}
