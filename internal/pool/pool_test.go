package pool

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/wya0/ai-goofish-monitor/internal/model"
)

type memStore struct {
	identities []*model.Identity
	proxies    []*model.Proxy
}

func (m *memStore) ListIdentities(ctx context.Context) ([]*model.Identity, error) {
	return m.identities, nil
}

func (m *memStore) ListProxies(ctx context.Context) ([]*model.Proxy, error) {
	return m.proxies, nil
}

func (m *memStore) SaveIdentity(ctx context.Context, id *model.Identity) error { return nil }
func (m *memStore) SaveProxy(ctx context.Context, p *model.Proxy) error        { return nil }

func newTestPool(t *testing.T, nIdentities, nProxies int, opts Options) *Pool {
	t.Helper()
	store := &memStore{}
	for i := 1; i <= nIdentities; i++ {
		store.identities = append(store.identities, &model.Identity{
			ID: uint(i), Name: "acc", Health: model.HealthActive,
		})
	}
	for i := 1; i <= nProxies; i++ {
		store.proxies = append(store.proxies, &model.Proxy{
			ID: uint(i), Address: "http://proxy", Health: model.HealthActive,
		})
	}
	p := New(store, slog.New(slog.NewTextHandler(io.Discard, nil)), opts)
	if err := p.Load(context.Background()); err != nil {
		t.Fatalf("load pool: %v", err)
	}
	return p
}

func TestAllocateExhaustion(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, 2, 2, Options{})

	l1, err := p.Allocate(ctx, nil)
	if err != nil {
		t.Fatalf("alloc 1: %v", err)
	}
	l2, err := p.Allocate(ctx, nil)
	if err != nil {
		t.Fatalf("alloc 2: %v", err)
	}
	if l1.Identity.ID == l2.Identity.ID {
		t.Errorf("same identity leased twice: %d", l1.Identity.ID)
	}

	if _, err := p.Allocate(ctx, nil); err != ErrResourceExhausted {
		t.Fatalf("alloc 3: got %v, want ErrResourceExhausted", err)
	}

	// 归还后可再次分配
	p.Release(ctx, l1, true)
	if _, err := p.Allocate(ctx, nil); err != nil {
		t.Fatalf("alloc after release: %v", err)
	}
}

func TestAllocateWithoutProxiesIsDirect(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, 1, 0, Options{})

	lease, err := p.Allocate(ctx, nil)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if lease.Proxy != nil {
		t.Errorf("expected direct connection lease, got proxy %d", lease.Proxy.ID)
	}
}

func TestAllocateHonorsBoundIdentity(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, 3, 0, Options{})

	task := &model.Task{AccountID: 2}
	lease, err := p.Allocate(ctx, task)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if lease.Identity.ID != 2 {
		t.Errorf("bound identity ignored: got %d, want 2", lease.Identity.ID)
	}

	// 绑定账号被占用时不退化为其他账号
	if _, err := p.Allocate(ctx, task); err != ErrResourceExhausted {
		t.Fatalf("got %v, want ErrResourceExhausted", err)
	}
}

func TestRotateReturnsDifferentPair(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, 2, 2, Options{CooldownTTL: time.Hour})

	lease, err := p.Allocate(ctx, nil)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}

	next, err := p.Rotate(ctx, nil, lease, false)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if next.Identity.ID == lease.Identity.ID {
		t.Errorf("rotation reused cooling identity %d", lease.Identity.ID)
	}
	if next.Proxy.ID == lease.Proxy.ID {
		t.Errorf("rotation reused cooling proxy %d", lease.Proxy.ID)
	}
	if lease.Identity.Health != model.HealthCoolingDown {
		t.Errorf("rotated-out identity health = %s, want cooling_down", lease.Identity.Health)
	}
}

func TestRotateExhaustsWithSingleIdentity(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, 1, 0, Options{CooldownTTL: time.Hour})

	lease, err := p.Allocate(ctx, nil)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if _, err := p.Rotate(ctx, nil, lease, false); err != ErrResourceExhausted {
		t.Fatalf("got %v, want ErrResourceExhausted", err)
	}
}

func TestRotateKeepProxyBlacklistsIdentityOnly(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, 2, 1, Options{BlacklistTTL: time.Hour})

	lease, err := p.Allocate(ctx, nil)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	oldIdentity := lease.Identity

	next, err := p.Rotate(ctx, nil, lease, true)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if next.Identity.ID == oldIdentity.ID {
		t.Errorf("identity not rotated")
	}
	if next.Proxy == nil || next.Proxy.ID != lease.Proxy.ID {
		t.Errorf("proxy should be kept on auth rotation")
	}
	if oldIdentity.Health != model.HealthBlacklisted {
		t.Errorf("old identity health = %s, want blacklisted", oldIdentity.Health)
	}
}

func TestFailureWindowBlacklists(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, 1, 0, Options{FailureThreshold: 2, FailureWindow: time.Hour, BlacklistTTL: time.Hour})

	l1, _ := p.Allocate(ctx, nil)
	p.Release(ctx, l1, false)
	if p.identities[0].Health == model.HealthBlacklisted {
		t.Fatal("blacklisted before threshold")
	}

	l2, _ := p.Allocate(ctx, nil)
	p.Release(ctx, l2, false)
	if p.identities[0].Health != model.HealthBlacklisted {
		t.Fatalf("health = %s, want blacklisted after threshold", p.identities[0].Health)
	}

	if _, err := p.Allocate(ctx, nil); err != ErrResourceExhausted {
		t.Fatalf("blacklisted identity still allocatable: %v", err)
	}
}

func TestCooldownExpiryRevives(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, 1, 0, Options{CooldownTTL: time.Minute})

	base := time.Now()
	p.now = func() time.Time { return base }

	lease, _ := p.Allocate(ctx, nil)
	p.Cool(ctx, lease)
	p.Release(ctx, lease, false)

	if _, err := p.Allocate(ctx, nil); err != ErrResourceExhausted {
		t.Fatalf("cooling identity should not be allocatable: %v", err)
	}

	// 冷却到期后惰性恢复
	p.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := p.Allocate(ctx, nil); err != nil {
		t.Fatalf("expired cooldown not revived: %v", err)
	}
}
