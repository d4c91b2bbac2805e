package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wya0/ai-goofish-monitor/internal/analyzer"
	"github.com/wya0/ai-goofish-monitor/internal/decision"
	"github.com/wya0/ai-goofish-monitor/internal/model"
	"github.com/wya0/ai-goofish-monitor/internal/pkg/metrics"
	"github.com/wya0/ai-goofish-monitor/internal/pool"
	"github.com/wya0/ai-goofish-monitor/internal/renderer"
	"github.com/wya0/ai-goofish-monitor/internal/riskcontrol"

	"golang.org/x/sync/errgroup"
)

// 连续多少个"零新商品"页后提前停止翻页。
const maxConsecutiveZeroNewPages = 2

// 终止错误。监督器据此填写运行记录的失败原因。
var (
	ErrRiskPersisted  = errors.New("risk control persisted")
	ErrPoolExhausted  = errors.New("pool exhausted during run")
	ErrRendererFailed = errors.New("renderer failed")
)

// Sink 结果落地接口，由 sink.Sink 实现。
type Sink interface {
	Seen(ctx context.Context, taskID uint, sourceID string) (bool, error)
	Save(ctx context.Context, task *model.Task, item *model.Item) (bool, error)
	Notify(ctx context.Context, task *model.Task, item *model.Item)
}

// Rotator 租用轮换接口，由 pool.Pool 实现。
type Rotator interface {
	Rotate(ctx context.Context, task *model.Task, lease *pool.Lease, keepProxy bool) (*pool.Lease, error)
}

// Limiter 全局出站限流接口，由 ratelimit.Limiter 实现。
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Summary 一次运行的结果汇总。
type Summary struct {
	Pages       int // 已抓取页数
	Found       int // 新发现商品数
	Recommended int // 被推荐商品数
}

// Progress 运行中的进度快照，随心跳上报。
type Progress struct {
	Stage       string // 当前阶段: search / process / page_done
	Page        int    // 当前页码
	Found       int    // 截至目前的新商品数
	Recommended int    // 截至目前的推荐数
}

// Engine 管线执行器。
//
// 一次 Run 按 搜索页 → 详情 → 图片 → 判定 → 落地 → 通知 的
// 顺序处理商品，所有阶段失败统一交由 riskcontrol.Policy 裁决，
// 执行器自身不做内联重试。
type Engine struct {
	renderer renderer.Renderer
	analyzer analyzer.Analyzer
	sink     Sink
	pool     Rotator
	limiter  Limiter
	policy   riskcontrol.Policy
	logger   *slog.Logger

	imageConcurrency int
	maxImages        int
}

// Options 引擎可调参数。
type Options struct {
	Policy           riskcontrol.Policy
	ImageConcurrency int // 单次运行内图片下载并发
	MaxImages        int // 每件商品最多下载的图片数
}

// NewEngine 创建管线执行器。
func NewEngine(r renderer.Renderer, a analyzer.Analyzer, s Sink, p Rotator, l Limiter, logger *slog.Logger, opts Options) *Engine {
	if opts.ImageConcurrency <= 0 {
		opts.ImageConcurrency = 3
	}
	if opts.MaxImages <= 0 {
		opts.MaxImages = 3
	}
	return &Engine{
		renderer:         r,
		analyzer:         a,
		sink:             s,
		pool:             p,
		limiter:          l,
		policy:           opts.Policy,
		logger:           logger,
		imageConcurrency: opts.ImageConcurrency,
		maxImages:        opts.MaxImages,
	}
}

// run 单次运行的可变状态。
type run struct {
	e         *Engine
	task      *model.Task
	lease     *pool.Lease
	keyword   *decision.Engine
	summary   Summary
	heartbeat func(Progress)

	// 详情按商品 ID 记忆，重试/轮换后不重复抓取
	detailCache map[string]*renderer.ListingDetail
}

// Run 执行一次任务运行。
//
// 返回时 lease 可能已因轮换变更，调用方必须以返回的 lease 为准归还。
// heartbeat 在阶段边界调用，携带当前进度快照。ctx 取消是协作式停止：
// 正在处理的商品会完整落地后才返回 ctx.Err()。
func (e *Engine) Run(ctx context.Context, task *model.Task, lease *pool.Lease, heartbeat func(Progress)) (Summary, *pool.Lease, error) {
	r := &run{
		e:           e,
		task:        task,
		lease:       lease,
		heartbeat:   heartbeat,
		detailCache: make(map[string]*renderer.ListingDetail),
	}
	if task.DecisionMode == model.DecisionModeKeyword {
		r.keyword = decision.NewEngineFromRaw(task.KeywordRules)
	}

	maxPages := task.MaxPages
	if maxPages < 1 {
		maxPages = 1
	}

	consecutiveZeroNew := 0
	for page := 1; page <= maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return r.summary, r.lease, err
		}

		r.beat("search", page)
		searchPage, err := r.searchPage(ctx, page)
		if err != nil {
			return r.summary, r.lease, err
		}
		r.summary.Pages++
		r.beat("process", page)

		newOnPage, err := r.processListings(ctx, searchPage.Listings)
		r.beat("page_done", page)
		if err != nil {
			return r.summary, r.lease, err
		}

		e.logger.Info("page processed",
			slog.Uint64("task_id", uint64(task.ID)),
			slog.Int("page", page),
			slog.Int("listings", len(searchPage.Listings)),
			slog.Int("new", newOnPage))

		if newOnPage == 0 {
			consecutiveZeroNew++
			if consecutiveZeroNew >= maxConsecutiveZeroNewPages {
				e.logger.Info("consecutive pages without new items, stopping early",
					slog.Uint64("task_id", uint64(task.ID)),
					slog.Int("page", page))
				break
			}
		} else {
			consecutiveZeroNew = 0
		}

		if !searchPage.HasMore {
			break
		}
	}
	return r.summary, r.lease, nil
}

// beat 上报一次进度心跳。
func (r *run) beat(stage string, page int) {
	if r.heartbeat == nil {
		return
	}
	r.heartbeat(Progress{
		Stage:       stage,
		Page:        page,
		Found:       r.summary.Found,
		Recommended: r.summary.Recommended,
	})
}

func (r *run) session() renderer.Session {
	sess := renderer.Session{}
	if r.lease != nil {
		if r.lease.Identity != nil {
			sess.LoginState = r.lease.Identity.LoginState
		}
		if r.lease.Proxy != nil {
			sess.ProxyURL = r.lease.Proxy.Address
		}
	}
	return sess
}

// searchPage 抓取一页搜索结果，失败按策略重试/轮换。
func (r *run) searchPage(ctx context.Context, page int) (*renderer.SearchPage, error) {
	q := renderer.SearchQuery{
		Keyword:          r.task.Keyword,
		Page:             page,
		MinPrice:         r.task.MinPrice,
		MaxPrice:         r.task.MaxPrice,
		PersonalOnly:     r.task.PersonalOnly,
		FreeShipping:     r.task.FreeShipping,
		NewPublishOption: r.task.NewPublishOption,
		Region:           r.task.Region,
	}

	var result *renderer.SearchPage
	err := r.withResilience(ctx, "search", func(ctx context.Context) error {
		pg, err := r.e.renderer.Search(ctx, q, r.session())
		if err != nil {
			return err
		}
		result = pg
		return nil
	})
	return result, err
}

// fetchDetail 抓取商品详情，按运行内缓存去重。
func (r *run) fetchDetail(ctx context.Context, sourceID string) (*renderer.ListingDetail, error) {
	if detail, ok := r.detailCache[sourceID]; ok {
		return detail, nil
	}
	var result *renderer.ListingDetail
	err := r.withResilience(ctx, "detail", func(ctx context.Context) error {
		d, err := r.e.renderer.FetchDetail(ctx, sourceID, r.session())
		if err != nil {
			return err
		}
		result = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.detailCache[sourceID] = result
	return result, nil
}

// withResilience 执行一个阶段操作，失败交给策略裁决。
// 每次调用使用独立的重试/轮换预算。
func (r *run) withResilience(ctx context.Context, stage string, op func(ctx context.Context) error) error {
	st := &riskcontrol.State{}
	for {
		if err := r.e.limiter.Acquire(ctx); err != nil {
			return err
		}

		start := time.Now()
		err := op(ctx)
		metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		class := riskcontrol.Classify(err)
		metrics.RiskEventsTotal.WithLabelValues(class.String()).Inc()
		action := r.e.policy.Next(class, st)
		r.e.logger.Warn("stage failed",
			slog.Uint64("task_id", uint64(r.task.ID)),
			slog.String("stage", stage),
			slog.String("class", class.String()),
			slog.String("action", action.String()),
			slog.Int("retries", st.Retries),
			slog.Int("rotations", st.Rotations),
			slog.String("error", err.Error()))

		switch action {
		case riskcontrol.ActionRetry:
			if sleepErr := sleepCtx(ctx, r.e.policy.Backoff(st.Retries)); sleepErr != nil {
				return sleepErr
			}

		case riskcontrol.ActionRotate, riskcontrol.ActionRotateIdentity:
			keepProxy := action == riskcontrol.ActionRotateIdentity
			next, rotateErr := r.e.pool.Rotate(ctx, r.task, r.lease, keepProxy)
			if rotateErr != nil {
				if errors.Is(rotateErr, pool.ErrResourceExhausted) {
					return fmt.Errorf("%w: %s stage, class %s", ErrPoolExhausted, stage, class)
				}
				return fmt.Errorf("rotate lease: %w", rotateErr)
			}
			r.lease = next

		case riskcontrol.ActionAbort:
			if class == riskcontrol.ClassFatal {
				return fmt.Errorf("%w: %s", ErrRendererFailed, err)
			}
			return fmt.Errorf("%w: class %s at %s stage: %s", ErrRiskPersisted, class, stage, err)
		}
	}
}

// processListings 处理一页的商品，返回本页新商品数。
//
// 协作式停止：每件商品开始前检查 ctx，正在处理的商品会完整落地。
func (r *run) processListings(ctx context.Context, listings []renderer.Listing) (int, error) {
	newOnPage := 0
	for i := range listings {
		listing := &listings[i]

		seen, err := r.e.sink.Seen(ctx, r.task.ID, listing.SourceID)
		if err != nil {
			r.e.logger.Warn("dedup probe failed, treating as unseen",
				slog.String("source_id", listing.SourceID),
				slog.String("error", err.Error()))
		}
		if seen {
			continue
		}

		isNew, err := r.processItem(ctx, listing)
		if err != nil {
			return newOnPage, err
		}
		if isNew {
			newOnPage++
			r.summary.Found++
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return newOnPage, ctxErr
		}
	}
	return newOnPage, nil
}

// processItem 走完单件商品的 详情 → 图片 → 判定 → 落地 → 通知。
func (r *run) processItem(ctx context.Context, listing *renderer.Listing) (bool, error) {
	detail, err := r.fetchDetail(ctx, listing.SourceID)
	if err != nil {
		return false, err
	}

	item := buildItem(r.task, listing, detail)

	var images [][]byte
	if r.task.DecisionMode != model.DecisionModeKeyword {
		// 图片仅供 AI 分析，下载失败不阻塞判定
		images = r.fetchImages(ctx, detail.ImageURLs)
	}

	r.decide(ctx, item, listing, detail, images)

	// 落地阶段不响应取消：协作式停止要求在途商品完整持久化
	persistCtx := context.WithoutCancel(ctx)
	isNew, err := r.e.sink.Save(persistCtx, r.task, item)
	if err != nil {
		return false, fmt.Errorf("persist item %s: %w", item.SourceID, err)
	}
	if !isNew {
		return false, nil
	}

	if item.Verdict == model.VerdictRecommended {
		r.summary.Recommended++
		r.e.sink.Notify(persistCtx, r.task, item)
	}
	return true, nil
}

// fetchImages 并发下载商品图片，失败的单张跳过。
func (r *run) fetchImages(ctx context.Context, urls []string) [][]byte {
	if len(urls) == 0 {
		return nil
	}
	if len(urls) > r.e.maxImages {
		urls = urls[:r.e.maxImages]
	}

	images := make([][]byte, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.e.imageConcurrency)
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			data, err := r.e.renderer.FetchImage(gctx, u)
			if err != nil {
				r.e.logger.Warn("fetch image failed",
					slog.String("url", u),
					slog.String("error", err.Error()))
				return nil
			}
			images[i] = data
			return nil
		})
	}
	_ = g.Wait()

	out := images[:0]
	for _, img := range images {
		if len(img) > 0 {
			out = append(out, img)
		}
	}
	return out
}

// decide 按任务配置的模式给商品打判定。
// 关键词模式完全本地判定，绝不调用 AI；AI 失败的商品归为 unknown。
func (r *run) decide(ctx context.Context, item *model.Item, listing *renderer.Listing, detail *renderer.ListingDetail, images [][]byte) {
	if r.keyword != nil {
		// 搜索页摘要和详情页内容都参与匹配，摘要标题可能比详情更完整
		res := r.keyword.Evaluate(listing.Title, listing.SellerNick,
			detail.Title, detail.Description, detail.SellerNick)
		item.VerdictSource = model.DecisionModeKeyword
		item.VerdictReason = res.Reason
		if res.Recommended {
			item.Verdict = model.VerdictRecommended
		} else {
			item.Verdict = model.VerdictRejected
		}
		return
	}

	item.VerdictSource = model.DecisionModeAI
	verdict, err := r.e.analyzer.Analyze(ctx, r.task.AICriteria, detail, images)
	if err != nil {
		r.e.logger.Warn("ai analysis failed, marking verdict unknown",
			slog.String("source_id", item.SourceID),
			slog.String("error", err.Error()))
		item.Verdict = model.VerdictUnknown
		item.VerdictReason = "AI 分析失败：" + err.Error()
		return
	}
	item.VerdictReason = verdict.Reason
	if verdict.Recommended {
		item.Verdict = model.VerdictRecommended
	} else {
		item.Verdict = model.VerdictRejected
	}
}

// buildItem 合并搜索页摘要和详情页内容，详情页字段优先。
func buildItem(task *model.Task, listing *renderer.Listing, detail *renderer.ListingDetail) *model.Item {
	item := &model.Item{
		TaskID:     task.ID,
		SourceID:   listing.SourceID,
		Title:      listing.Title,
		Price:      listing.Price,
		ItemURL:    listing.ItemURL,
		SellerNick: listing.SellerNick,
		Raw:        listing.Raw,
	}
	if detail != nil {
		if detail.Title != "" {
			item.Title = detail.Title
		}
		if detail.Price != "" {
			item.Price = detail.Price
		}
		if detail.SellerNick != "" {
			item.SellerNick = detail.SellerNick
		}
		if detail.Raw != "" {
			item.Raw = detail.Raw
		}
		if len(detail.ImageURLs) > 0 {
			item.ImageURLs = strings.Join(detail.ImageURLs, "\n")
		}
	}
	if item.ImageURLs == "" && listing.MainImageURL != "" {
		item.ImageURLs = listing.MainImageURL
	}
	return item
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
