package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wya0/ai-goofish-monitor/internal/model"
	"github.com/wya0/ai-goofish-monitor/internal/pkg/metrics"
)

// ErrResourceExhausted 表示池中没有可用的账号/代理对。
var ErrResourceExhausted = errors.New("identity/proxy pool exhausted")

// Store 池状态的持久化接口，由 storage 层实现。
type Store interface {
	ListIdentities(ctx context.Context) ([]*model.Identity, error)
	ListProxies(ctx context.Context) ([]*model.Proxy, error)
	SaveIdentity(ctx context.Context, id *model.Identity) error
	SaveProxy(ctx context.Context, p *model.Proxy) error
}

// Options 池的健康管理参数。
type Options struct {
	FailureWindow    time.Duration // 失败滑动窗口
	FailureThreshold int           // 窗口内失败次数阈值，达到即拉黑
	BlacklistTTL     time.Duration // 拉黑时长
	CooldownTTL      time.Duration // 风控触发后的短冷却时长
}

// Lease 一次运行租用的 (账号, 代理) 对。Proxy 为 nil 表示直连。
type Lease struct {
	Identity *model.Identity
	Proxy    *model.Proxy
}

// Pool 账号与代理池。
//
// 所有分配/归还在同一把互斥锁下进行，锁是分配的唯一权威；
// 健康状态变更会通过 Store 持久化，重启后冷却/拉黑状态仍然生效。
type Pool struct {
	mu     sync.Mutex
	store  Store
	logger *slog.Logger
	opts   Options

	identities []*model.Identity
	proxies    []*model.Proxy

	leasedIdentity map[uint]bool
	leasedProxy    map[uint]bool

	// 每个资源的失败时间戳滑动窗口，key 形如 "identity:3" / "proxy:1"
	failures map[string][]time.Time

	now func() time.Time
}

// New 创建池实例。调用方需随后执行 Load 加载持久化状态。
func New(store Store, logger *slog.Logger, opts Options) *Pool {
	if opts.FailureWindow <= 0 {
		opts.FailureWindow = 10 * time.Minute
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.BlacklistTTL <= 0 {
		opts.BlacklistTTL = 30 * time.Minute
	}
	if opts.CooldownTTL <= 0 {
		opts.CooldownTTL = 5 * time.Minute
	}
	return &Pool{
		store:          store,
		logger:         logger,
		opts:           opts,
		leasedIdentity: make(map[uint]bool),
		leasedProxy:    make(map[uint]bool),
		failures:       make(map[string][]time.Time),
		now:            time.Now,
	}
}

// Load 从持久化层加载账号与代理。
func (p *Pool) Load(ctx context.Context) error {
	identities, err := p.store.ListIdentities(ctx)
	if err != nil {
		return fmt.Errorf("load identities: %w", err)
	}
	proxies, err := p.store.ListProxies(ctx)
	if err != nil {
		return fmt.Errorf("load proxies: %w", err)
	}

	p.mu.Lock()
	p.identities = identities
	p.proxies = proxies
	p.mu.Unlock()

	p.logger.Info("pool loaded",
		slog.Int("identities", len(identities)),
		slog.Int("proxies", len(proxies)))
	p.updateGauges()
	return nil
}

// Allocate 为任务分配一对可用的账号和代理。
//
// 绑定了账号的任务只会分配其绑定账号；否则按 LRU 挑选。
// 冷却到期的资源在分配时惰性恢复为 active。没有可用对时
// 返回 ErrResourceExhausted。
func (p *Pool) Allocate(ctx context.Context, task *model.Task) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.reviveExpiredLocked(now)

	var identity *model.Identity
	if task != nil && task.AccountID != 0 {
		// 任务绑定了固定账号
		for _, id := range p.identities {
			if id.ID == task.AccountID {
				if id.Health == model.HealthActive && !p.leasedIdentity[id.ID] {
					identity = id
				}
				break
			}
		}
	} else {
		identity = p.pickIdentityLocked(0)
	}
	if identity == nil {
		metrics.PoolExhaustedTotal.Inc()
		return nil, ErrResourceExhausted
	}

	var proxy *model.Proxy
	if len(p.proxies) > 0 {
		proxy = p.pickProxyLocked()
		if proxy == nil {
			metrics.PoolExhaustedTotal.Inc()
			return nil, ErrResourceExhausted
		}
	}

	p.leaseLocked(ctx, identity, proxy, now)
	p.updateGaugesLocked()
	return &Lease{Identity: identity, Proxy: proxy}, nil
}

// Release 归还租用对。
//
// success=true 时清空双方的失败窗口并把 cooling_down 恢复为 active；
// success=false 时为双方各记一次失败，达到阈值的资源被拉黑。
func (p *Pool) Release(ctx context.Context, lease *Lease, success bool) {
	if lease == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.unleaseLocked(lease)

	if success {
		p.clearFailuresLocked(ctx, lease)
	} else {
		if lease.Identity != nil {
			p.recordFailureLocked(ctx, identityKey(lease.Identity.ID), lease.Identity, nil)
		}
		if lease.Proxy != nil {
			p.recordFailureLocked(ctx, proxyKey(lease.Proxy.ID), nil, lease.Proxy)
		}
	}
	p.updateGaugesLocked()
}

// Cool 将租用对置入短冷却（rate_limited / captcha 触发），并各记一次失败。
func (p *Pool) Cool(ctx context.Context, lease *Lease) {
	if lease == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	until := p.now().Add(p.opts.CooldownTTL)
	if lease.Identity != nil {
		lease.Identity.Health = model.HealthCoolingDown
		lease.Identity.CooldownUntil = &until
		p.persistIdentityLocked(ctx, lease.Identity)
		p.recordFailureLocked(ctx, identityKey(lease.Identity.ID), lease.Identity, nil)
	}
	if lease.Proxy != nil {
		lease.Proxy.Health = model.HealthCoolingDown
		lease.Proxy.CooldownUntil = &until
		p.persistProxyLocked(ctx, lease.Proxy)
		p.recordFailureLocked(ctx, proxyKey(lease.Proxy.ID), nil, lease.Proxy)
	}
	p.updateGaugesLocked()
}

// BlacklistIdentity 立即拉黑账号（auth_expired 触发）。代理不受影响。
func (p *Pool) BlacklistIdentity(ctx context.Context, identityID uint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range p.identities {
		if id.ID == identityID {
			p.blacklistIdentityLocked(ctx, id)
			break
		}
	}
	p.updateGaugesLocked()
}

// Rotate 在风控触发后更换租用对。
//
// keepProxy=true 时只更换账号（登录态失效场景），代理继续持有；
// 否则冷却旧对并换一对全新的。换出的资源因处于冷却中，
// 不会被本次重新分配选中。
func (p *Pool) Rotate(ctx context.Context, task *model.Task, lease *Lease, keepProxy bool) (*Lease, error) {
	if lease == nil {
		return nil, errors.New("rotate without active lease")
	}

	if keepProxy {
		p.mu.Lock()
		if lease.Identity != nil {
			p.blacklistIdentityLocked(ctx, lease.Identity)
			delete(p.leasedIdentity, lease.Identity.ID)
		}
		now := p.now()
		p.reviveExpiredLocked(now)

		var identity *model.Identity
		if task != nil && task.AccountID != 0 {
			// 绑定账号已失效，无可替换账号
			p.mu.Unlock()
			metrics.PoolExhaustedTotal.Inc()
			return nil, ErrResourceExhausted
		}
		identity = p.pickIdentityLocked(0)
		if identity == nil {
			// 账号换不出来，代理也要归还
			if lease.Proxy != nil {
				delete(p.leasedProxy, lease.Proxy.ID)
			}
			p.updateGaugesLocked()
			p.mu.Unlock()
			metrics.PoolExhaustedTotal.Inc()
			return nil, ErrResourceExhausted
		}
		p.leasedIdentity[identity.ID] = true
		identity.LastUsedAt = &now
		p.persistIdentityLocked(ctx, identity)
		p.updateGaugesLocked()
		p.mu.Unlock()

		metrics.PoolRotationsTotal.Inc()
		return &Lease{Identity: identity, Proxy: lease.Proxy}, nil
	}

	p.Cool(ctx, lease)
	p.mu.Lock()
	p.unleaseLocked(lease)
	p.mu.Unlock()

	next, err := p.Allocate(ctx, task)
	if err != nil {
		return nil, err
	}
	metrics.PoolRotationsTotal.Inc()
	return next, nil
}

// ForceRelease 无条件解除租用（运行崩溃时由监督器调用），按失败计。
func (p *Pool) ForceRelease(ctx context.Context, lease *Lease) {
	p.Release(ctx, lease, false)
}

// ---- 内部实现（以下函数要求持有 p.mu）----

func (p *Pool) pickIdentityLocked(exclude uint) *model.Identity {
	var best *model.Identity
	for _, id := range p.identities {
		if id.ID == exclude || id.Health != model.HealthActive || p.leasedIdentity[id.ID] {
			continue
		}
		if best == nil || olderThan(id.LastUsedAt, best.LastUsedAt) {
			best = id
		}
	}
	return best
}

func (p *Pool) pickProxyLocked() *model.Proxy {
	var best *model.Proxy
	for _, px := range p.proxies {
		if px.Health != model.HealthActive || p.leasedProxy[px.ID] {
			continue
		}
		if best == nil || olderThan(px.LastUsedAt, best.LastUsedAt) {
			best = px
		}
	}
	return best
}

// olderThan 比较两个"最近使用时间"，nil 视为最旧。
func olderThan(a, b *time.Time) bool {
	if a == nil {
		return true
	}
	if b == nil {
		return false
	}
	return a.Before(*b)
}

func (p *Pool) leaseLocked(ctx context.Context, identity *model.Identity, proxy *model.Proxy, now time.Time) {
	p.leasedIdentity[identity.ID] = true
	identity.LastUsedAt = &now
	p.persistIdentityLocked(ctx, identity)
	if proxy != nil {
		p.leasedProxy[proxy.ID] = true
		proxy.LastUsedAt = &now
		p.persistProxyLocked(ctx, proxy)
	}
}

func (p *Pool) unleaseLocked(lease *Lease) {
	if lease.Identity != nil {
		delete(p.leasedIdentity, lease.Identity.ID)
	}
	if lease.Proxy != nil {
		delete(p.leasedProxy, lease.Proxy.ID)
	}
}

// reviveExpiredLocked 惰性恢复冷却到期的资源。
func (p *Pool) reviveExpiredLocked(now time.Time) {
	for _, id := range p.identities {
		if id.Health != model.HealthActive && id.CooldownUntil != nil && !now.Before(*id.CooldownUntil) {
			id.Health = model.HealthActive
			id.CooldownUntil = nil
			p.persistIdentityLocked(context.Background(), id)
			p.logger.Info("identity cooldown expired, back to active", slog.Uint64("identity_id", uint64(id.ID)))
		}
	}
	for _, px := range p.proxies {
		if px.Health != model.HealthActive && px.CooldownUntil != nil && !now.Before(*px.CooldownUntil) {
			px.Health = model.HealthActive
			px.CooldownUntil = nil
			p.persistProxyLocked(context.Background(), px)
			p.logger.Info("proxy cooldown expired, back to active", slog.Uint64("proxy_id", uint64(px.ID)))
		}
	}
}

func (p *Pool) clearFailuresLocked(ctx context.Context, lease *Lease) {
	if lease.Identity != nil {
		delete(p.failures, identityKey(lease.Identity.ID))
		if lease.Identity.Health == model.HealthCoolingDown {
			lease.Identity.Health = model.HealthActive
			lease.Identity.CooldownUntil = nil
			p.persistIdentityLocked(ctx, lease.Identity)
		}
	}
	if lease.Proxy != nil {
		delete(p.failures, proxyKey(lease.Proxy.ID))
		if lease.Proxy.Health == model.HealthCoolingDown {
			lease.Proxy.Health = model.HealthActive
			lease.Proxy.CooldownUntil = nil
			p.persistProxyLocked(ctx, lease.Proxy)
		}
	}
}

// recordFailureLocked 记录一次失败并在达到阈值时拉黑资源。
func (p *Pool) recordFailureLocked(ctx context.Context, key string, identity *model.Identity, proxy *model.Proxy) {
	now := p.now()
	window := p.failures[key]

	// 剪掉窗口外的旧记录
	cutoff := now.Add(-p.opts.FailureWindow)
	pruned := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	pruned = append(pruned, now)
	p.failures[key] = pruned

	if len(pruned) < p.opts.FailureThreshold {
		return
	}

	delete(p.failures, key)
	until := now.Add(p.opts.BlacklistTTL)
	if identity != nil {
		identity.Health = model.HealthBlacklisted
		identity.CooldownUntil = &until
		p.persistIdentityLocked(ctx, identity)
		p.logger.Warn("identity blacklisted after repeated failures",
			slog.Uint64("identity_id", uint64(identity.ID)),
			slog.Time("until", until))
	}
	if proxy != nil {
		proxy.Health = model.HealthBlacklisted
		proxy.CooldownUntil = &until
		p.persistProxyLocked(ctx, proxy)
		p.logger.Warn("proxy blacklisted after repeated failures",
			slog.Uint64("proxy_id", uint64(proxy.ID)),
			slog.Time("until", until))
	}
}

func (p *Pool) blacklistIdentityLocked(ctx context.Context, id *model.Identity) {
	until := p.now().Add(p.opts.BlacklistTTL)
	id.Health = model.HealthBlacklisted
	id.CooldownUntil = &until
	delete(p.failures, identityKey(id.ID))
	p.persistIdentityLocked(ctx, id)
	p.logger.Warn("identity blacklisted",
		slog.Uint64("identity_id", uint64(id.ID)),
		slog.Time("until", until))
}

func (p *Pool) persistIdentityLocked(ctx context.Context, id *model.Identity) {
	if err := p.store.SaveIdentity(ctx, id); err != nil {
		p.logger.Error("persist identity state failed",
			slog.Uint64("identity_id", uint64(id.ID)),
			slog.String("error", err.Error()))
	}
}

func (p *Pool) persistProxyLocked(ctx context.Context, px *model.Proxy) {
	if err := p.store.SaveProxy(ctx, px); err != nil {
		p.logger.Error("persist proxy state failed",
			slog.Uint64("proxy_id", uint64(px.ID)),
			slog.String("error", err.Error()))
	}
}

func (p *Pool) updateGauges() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateGaugesLocked()
}

func (p *Pool) updateGaugesLocked() {
	var ids, pxs int
	for _, id := range p.identities {
		if id.Health == model.HealthActive && !p.leasedIdentity[id.ID] {
			ids++
		}
	}
	for _, px := range p.proxies {
		if px.Health == model.HealthActive && !p.leasedProxy[px.ID] {
			pxs++
		}
	}
	metrics.PoolIdentitiesAvailable.Set(float64(ids))
	metrics.PoolProxiesAvailable.Set(float64(pxs))
}

func identityKey(id uint) string {
	return fmt.Sprintf("identity:%d", id)
}

func proxyKey(id uint) string {
	return fmt.Sprintf("proxy:%d", id)
}
