package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/wya0/ai-goofish-monitor/internal/analyzer"
	"github.com/wya0/ai-goofish-monitor/internal/model"
	"github.com/wya0/ai-goofish-monitor/internal/pool"
	"github.com/wya0/ai-goofish-monitor/internal/renderer"
	"github.com/wya0/ai-goofish-monitor/internal/riskcontrol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPolicy() riskcontrol.Policy {
	return riskcontrol.Policy{
		MaxRetries:   2,
		MaxRotations: 2,
		BackoffBase:  time.Millisecond,
		BackoffMax:   2 * time.Millisecond,
	}
}

// ---- fakes ----

type fakeRenderer struct {
	pages      map[int]*renderer.SearchPage
	searchErrs []error // 依次消费，消费完后正常返回
	details    map[string]*renderer.ListingDetail
	detailHook func(sourceID string)

	searchCalls int
	detailCalls map[string]int
}

func (f *fakeRenderer) Search(ctx context.Context, q renderer.SearchQuery, sess renderer.Session) (*renderer.SearchPage, error) {
	f.searchCalls++
	if len(f.searchErrs) > 0 {
		err := f.searchErrs[0]
		f.searchErrs = f.searchErrs[1:]
		return nil, err
	}
	if pg, ok := f.pages[q.Page]; ok {
		return pg, nil
	}
	return &renderer.SearchPage{}, nil
}

func (f *fakeRenderer) FetchDetail(ctx context.Context, sourceID string, sess renderer.Session) (*renderer.ListingDetail, error) {
	if f.detailCalls == nil {
		f.detailCalls = make(map[string]int)
	}
	f.detailCalls[sourceID]++
	if f.detailHook != nil {
		f.detailHook(sourceID)
	}
	if d, ok := f.details[sourceID]; ok {
		return d, nil
	}
	return &renderer.ListingDetail{SourceID: sourceID, Title: "商品 " + sourceID}, nil
}

func (f *fakeRenderer) FetchImage(ctx context.Context, imageURL string) ([]byte, error) {
	return []byte("img"), nil
}

func (f *fakeRenderer) Close() error { return nil }

type fakeSink struct {
	saved    map[string]*model.Item
	notified []string
}

func newFakeSink() *fakeSink {
	return &fakeSink{saved: make(map[string]*model.Item)}
}

func (s *fakeSink) key(taskID uint, sourceID string) string {
	return fmt.Sprintf("%d/%s", taskID, sourceID)
}

func (s *fakeSink) Seen(ctx context.Context, taskID uint, sourceID string) (bool, error) {
	_, ok := s.saved[s.key(taskID, sourceID)]
	return ok, nil
}

func (s *fakeSink) Save(ctx context.Context, task *model.Task, item *model.Item) (bool, error) {
	key := s.key(task.ID, item.SourceID)
	if _, ok := s.saved[key]; ok {
		return false, nil
	}
	s.saved[key] = item
	return true, nil
}

func (s *fakeSink) Notify(ctx context.Context, task *model.Task, item *model.Item) {
	s.notified = append(s.notified, item.SourceID)
}

type fakeRotator struct {
	calls     int
	keepProxy []bool
	err       error
	nextID    uint
}

func (r *fakeRotator) Rotate(ctx context.Context, task *model.Task, lease *pool.Lease, keepProxy bool) (*pool.Lease, error) {
	r.calls++
	r.keepProxy = append(r.keepProxy, keepProxy)
	if r.err != nil {
		return nil, r.err
	}
	r.nextID++
	next := &pool.Lease{Identity: &model.Identity{ID: 100 + r.nextID, Name: fmt.Sprintf("acct-%d", r.nextID)}}
	if keepProxy {
		next.Proxy = lease.Proxy
	} else {
		next.Proxy = &model.Proxy{ID: 200 + r.nextID}
	}
	return next, nil
}

type fakeLimiter struct{ calls int }

func (l *fakeLimiter) Acquire(ctx context.Context) error {
	l.calls++
	return ctx.Err()
}

type fakeAnalyzer struct {
	verdict *analyzer.Verdict
	err     error
	calls   int
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, criteria string, detail *renderer.ListingDetail, images [][]byte) (*analyzer.Verdict, error) {
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	if a.verdict != nil {
		return a.verdict, nil
	}
	return &analyzer.Verdict{Recommended: false, Reason: "不符合标准"}, nil
}

// ---- helpers ----

func listingsN(prefix string, n int) []renderer.Listing {
	out := make([]renderer.Listing, 0, n)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("%s%d", prefix, i)
		out = append(out, renderer.Listing{
			SourceID: id,
			Title:    "索尼全画幅 a7m4 套机",
			Price:    "11500",
			ItemURL:  "https://www.goofish.com/item?id=" + id,
		})
	}
	return out
}

func keywordTask() *model.Task {
	return &model.Task{
		ID:           1,
		Name:         "索尼相机",
		Keyword:      "索尼 a7m4",
		MaxPages:     2,
		DecisionMode: model.DecisionModeKeyword,
		KeywordRules: "a7m4\n全画幅",
	}
}

func baseLease() *pool.Lease {
	return &pool.Lease{
		Identity: &model.Identity{ID: 1, Name: "acct-main"},
		Proxy:    &model.Proxy{ID: 1, Address: "http://proxy-a:8080"},
	}
}

func newEngine(r renderer.Renderer, a analyzer.Analyzer, s Sink, rot Rotator) *Engine {
	return NewEngine(r, a, s, rot, &fakeLimiter{}, testLogger(), Options{Policy: testPolicy()})
}

// ---- tests ----

func TestRunPageLoopStopsAtMaxPages(t *testing.T) {
	fr := &fakeRenderer{pages: map[int]*renderer.SearchPage{
		1: {Listings: listingsN("a", 5), HasMore: true},
		2: {Listings: nil, HasMore: true},
	}}
	sink := newFakeSink()
	e := newEngine(fr, &fakeAnalyzer{}, sink, &fakeRotator{})

	summary, _, err := e.Run(context.Background(), keywordTask(), baseLease(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Pages != 2 {
		t.Errorf("Pages = %d, want 2", summary.Pages)
	}
	if summary.Found != 5 {
		t.Errorf("Found = %d, want 5", summary.Found)
	}
	if summary.Recommended != 5 {
		t.Errorf("Recommended = %d, want 5 (titles hit both rules)", summary.Recommended)
	}
	if len(sink.notified) != 5 {
		t.Errorf("notified = %d, want 5", len(sink.notified))
	}
}

func TestRunStopsAfterConsecutiveZeroNewPages(t *testing.T) {
	fr := &fakeRenderer{pages: map[int]*renderer.SearchPage{
		1: {Listings: listingsN("a", 2), HasMore: true},
		2: {Listings: nil, HasMore: true},
		3: {Listings: nil, HasMore: true},
		4: {Listings: listingsN("b", 2), HasMore: true},
	}}
	task := keywordTask()
	task.MaxPages = 10
	e := newEngine(fr, &fakeAnalyzer{}, newFakeSink(), &fakeRotator{})

	summary, _, err := e.Run(context.Background(), task, baseLease(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	// 第 2、3 页连续零新商品，第 4 页不该被抓
	if summary.Pages != 3 {
		t.Errorf("Pages = %d, want 3", summary.Pages)
	}
	if summary.Found != 2 {
		t.Errorf("Found = %d, want 2", summary.Found)
	}
}

func TestRunIsIdempotentAcrossRuns(t *testing.T) {
	pages := map[int]*renderer.SearchPage{
		1: {Listings: listingsN("a", 3), HasMore: false},
	}
	sink := newFakeSink()

	first := newEngine(&fakeRenderer{pages: pages}, &fakeAnalyzer{}, sink, &fakeRotator{})
	s1, _, err := first.Run(context.Background(), keywordTask(), baseLease(), nil)
	if err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if s1.Found != 3 {
		t.Fatalf("first Found = %d, want 3", s1.Found)
	}

	second := newEngine(&fakeRenderer{pages: pages}, &fakeAnalyzer{}, sink, &fakeRotator{})
	s2, _, err := second.Run(context.Background(), keywordTask(), baseLease(), nil)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if s2.Found != 0 {
		t.Errorf("second Found = %d, want 0", s2.Found)
	}
	if len(sink.notified) != 3 {
		t.Errorf("notified = %d, want 3 (no duplicate notifications)", len(sink.notified))
	}
}

func TestRunRotatesOnCaptcha(t *testing.T) {
	captcha := riskcontrol.NewRiskError(riskcontrol.ClassCaptcha, ".baxia-dialog", "captcha challenge detected")
	fr := &fakeRenderer{
		searchErrs: []error{captcha},
		pages: map[int]*renderer.SearchPage{
			1: {Listings: listingsN("a", 1), HasMore: false},
		},
	}
	rot := &fakeRotator{}
	e := newEngine(fr, &fakeAnalyzer{}, newFakeSink(), rot)

	lease := baseLease()
	summary, finalLease, err := e.Run(context.Background(), keywordTask(), lease, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rot.calls != 1 {
		t.Fatalf("rotations = %d, want 1", rot.calls)
	}
	if rot.keepProxy[0] {
		t.Error("captcha should rotate the full pair, not keep proxy")
	}
	if finalLease.Identity.ID == lease.Identity.ID {
		t.Error("lease identity should change after rotation")
	}
	if summary.Found != 1 {
		t.Errorf("Found = %d, want 1", summary.Found)
	}
}

func TestRunRotatesIdentityOnlyOnAuthExpired(t *testing.T) {
	authErr := riskcontrol.NewRiskError(riskcontrol.ClassAuthExpired, "fail_sys_session_expired", "login state rejected")
	fr := &fakeRenderer{
		searchErrs: []error{authErr},
		pages: map[int]*renderer.SearchPage{
			1: {Listings: nil, HasMore: false},
		},
	}
	rot := &fakeRotator{}
	e := newEngine(fr, &fakeAnalyzer{}, newFakeSink(), rot)

	lease := baseLease()
	_, finalLease, err := e.Run(context.Background(), keywordTask(), lease, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rot.calls != 1 || !rot.keepProxy[0] {
		t.Fatalf("auth_expired should rotate identity keeping proxy, calls=%d keepProxy=%v", rot.calls, rot.keepProxy)
	}
	if finalLease.Proxy.ID != lease.Proxy.ID {
		t.Error("proxy should be kept on auth rotation")
	}
}

func TestRunAbortsOnPoolExhaustion(t *testing.T) {
	captcha := riskcontrol.NewRiskError(riskcontrol.ClassCaptcha, ".baxia-dialog", "captcha challenge detected")
	fr := &fakeRenderer{searchErrs: []error{captcha}}
	rot := &fakeRotator{err: pool.ErrResourceExhausted}
	e := newEngine(fr, &fakeAnalyzer{}, newFakeSink(), rot)

	_, _, err := e.Run(context.Background(), keywordTask(), baseLease(), nil)
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("Run() error = %v, want ErrPoolExhausted", err)
	}
}

func TestRunAbortsWhenRotationBudgetExhausted(t *testing.T) {
	captcha := riskcontrol.NewRiskError(riskcontrol.ClassCaptcha, ".baxia-dialog", "captcha challenge detected")
	// 预算 MaxRotations=2，三次连续 captcha 后必须放弃
	fr := &fakeRenderer{searchErrs: []error{captcha, captcha, captcha}}
	e := newEngine(fr, &fakeAnalyzer{}, newFakeSink(), &fakeRotator{})

	_, _, err := e.Run(context.Background(), keywordTask(), baseLease(), nil)
	if !errors.Is(err, ErrRiskPersisted) {
		t.Fatalf("Run() error = %v, want ErrRiskPersisted", err)
	}
}

func TestRunRetriesTransientThenSucceeds(t *testing.T) {
	transient := errors.New("net::ERR_CONNECTION_RESET")
	fr := &fakeRenderer{
		searchErrs: []error{transient, transient},
		pages: map[int]*renderer.SearchPage{
			1: {Listings: listingsN("a", 1), HasMore: false},
		},
	}
	rot := &fakeRotator{}
	e := newEngine(fr, &fakeAnalyzer{}, newFakeSink(), rot)

	summary, _, err := e.Run(context.Background(), keywordTask(), baseLease(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rot.calls != 0 {
		t.Errorf("transient failures within budget should not rotate, calls = %d", rot.calls)
	}
	if summary.Found != 1 {
		t.Errorf("Found = %d, want 1", summary.Found)
	}
}

func TestRunCancellationPersistsInFlightItem(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fr := &fakeRenderer{
		pages: map[int]*renderer.SearchPage{
			1: {Listings: listingsN("a", 3), HasMore: false},
		},
		// 第一件商品的详情抓取期间触发停止
		detailHook: func(sourceID string) {
			if sourceID == "a1" {
				cancel()
			}
		},
	}
	sink := newFakeSink()
	e := newEngine(fr, &fakeAnalyzer{}, sink, &fakeRotator{})

	summary, _, err := e.Run(ctx, keywordTask(), baseLease(), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	// 在途商品完整落地，后续商品不再处理
	if summary.Found != 1 {
		t.Errorf("Found = %d, want 1", summary.Found)
	}
	if _, ok := sink.saved["1/a1"]; !ok {
		t.Error("in-flight item should be persisted on cooperative stop")
	}
	if _, ok := sink.saved["1/a2"]; ok {
		t.Error("items after the stop point should not be processed")
	}
}

func TestRunKeywordModeNeverCallsAnalyzer(t *testing.T) {
	fr := &fakeRenderer{pages: map[int]*renderer.SearchPage{
		1: {Listings: listingsN("a", 2), HasMore: false},
	}}
	fa := &fakeAnalyzer{}
	e := newEngine(fr, fa, newFakeSink(), &fakeRotator{})

	if _, _, err := e.Run(context.Background(), keywordTask(), baseLease(), nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if fa.calls != 0 {
		t.Errorf("analyzer calls = %d, want 0 in keyword mode", fa.calls)
	}
}

func TestRunAIFailureMarksVerdictUnknown(t *testing.T) {
	fr := &fakeRenderer{pages: map[int]*renderer.SearchPage{
		1: {Listings: listingsN("a", 1), HasMore: false},
	}}
	fa := &fakeAnalyzer{err: errors.New("ai service responded 400")}
	sink := newFakeSink()

	task := keywordTask()
	task.DecisionMode = model.DecisionModeAI
	task.AICriteria = "快门数低于 5000"

	e := newEngine(fr, fa, sink, &fakeRotator{})
	summary, _, err := e.Run(context.Background(), task, baseLease(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Found != 1 {
		t.Fatalf("Found = %d, want 1 (unknown verdict still persists)", summary.Found)
	}
	item := sink.saved["1/a1"]
	if item.Verdict != model.VerdictUnknown {
		t.Errorf("Verdict = %q, want unknown", item.Verdict)
	}
	if len(sink.notified) != 0 {
		t.Errorf("unknown verdict must not notify, got %d", len(sink.notified))
	}
}

func TestRunHeartbeatReportsProgress(t *testing.T) {
	fr := &fakeRenderer{pages: map[int]*renderer.SearchPage{
		1: {Listings: listingsN("a", 1), HasMore: true},
		2: {Listings: nil, HasMore: false},
	}}
	var beats []Progress
	e := newEngine(fr, &fakeAnalyzer{}, newFakeSink(), &fakeRotator{})

	_, _, err := e.Run(context.Background(), keywordTask(), baseLease(), func(p Progress) {
		beats = append(beats, p)
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	// 每页三次：search / process / page_done
	if len(beats) != 6 {
		t.Fatalf("heartbeats = %d, want 6", len(beats))
	}
	if beats[0].Stage != "search" || beats[0].Page != 1 {
		t.Errorf("first beat = %+v, want search on page 1", beats[0])
	}
	last := beats[len(beats)-1]
	if last.Stage != "page_done" || last.Page != 2 {
		t.Errorf("last beat = %+v, want page_done on page 2", last)
	}
	if last.Found != 1 || last.Recommended != 1 {
		t.Errorf("last beat counts = %+v, want Found=1 Recommended=1", last)
	}
}

func TestRunKeywordMatchesSearchSummaryTitle(t *testing.T) {
	// 详情页标题/描述为空时，搜索页摘要标题仍然参与关键词匹配
	fr := &fakeRenderer{
		pages: map[int]*renderer.SearchPage{
			1: {Listings: listingsN("a", 1), HasMore: false},
		},
		details: map[string]*renderer.ListingDetail{
			"a1": {SourceID: "a1"},
		},
	}
	sink := newFakeSink()
	e := newEngine(fr, &fakeAnalyzer{}, sink, &fakeRotator{})

	summary, _, err := e.Run(context.Background(), keywordTask(), baseLease(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Recommended != 1 {
		t.Errorf("Recommended = %d, want 1 (summary title hits the rules)", summary.Recommended)
	}
	if len(sink.notified) != 1 {
		t.Errorf("notified = %d, want 1", len(sink.notified))
	}
}
