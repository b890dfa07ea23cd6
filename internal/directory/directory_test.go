package directory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"AgentVault/internal/events"
	"AgentVault/internal/ledger"
	"AgentVault/internal/treasury"
)

// recordingPublisher 记录发布的事件，用于断言广播行为。
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) kinds() []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	kinds := make([]events.Kind, 0, len(p.events))
	for _, event := range p.events {
		kinds = append(kinds, event.Kind)
	}
	return kinds
}

func newTestAgent(id string) *Agent {
	return &Agent{
		ID:           id,
		Name:         "tester",
		Role:         RoleAnalyst,
		Status:       StatusIdle,
		AuthLevel:    2,
		Capabilities: []string{"echo.ping"},
	}
}

func TestRegisterAndLoad(t *testing.T) {
	dir, err := New(NewMemoryStore())
	if err != nil {
		t.Fatalf("创建目录失败: %v", err)
	}
	ctx := context.Background()

	if err := dir.Register(ctx, newTestAgent("agent-1")); err != nil {
		t.Fatalf("注册失败: %v", err)
	}
	if err := dir.Register(ctx, newTestAgent("agent-1")); !errors.Is(err, ErrAgentConflict) {
		t.Fatalf("重复注册应返回 ErrAgentConflict，实际 %v", err)
	}

	agent, err := dir.Load(ctx, "agent-1")
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if agent.Status != StatusIdle || agent.AuthLevel != 2 {
		t.Fatalf("读取的智能体不符: %+v", agent)
	}

	if _, err := dir.Load(ctx, "ghost"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("未知智能体应返回 ErrAgentNotFound，实际 %v", err)
	}
}

func TestLoadUsesCache(t *testing.T) {
	cache := NewMemoryCache()
	dir, err := New(NewMemoryStore(), WithCache(cache))
	if err != nil {
		t.Fatalf("创建目录失败: %v", err)
	}
	ctx := context.Background()

	if err := dir.Register(ctx, newTestAgent("agent-1")); err != nil {
		t.Fatalf("注册失败: %v", err)
	}

	// 首次读取回源并写入缓存。
	if _, err := dir.Load(ctx, "agent-1"); err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	cached, err := cache.Get(ctx, "agent-1")
	if err != nil {
		t.Fatalf("读取缓存失败: %v", err)
	}
	if cached == nil {
		t.Fatal("回源读取后缓存应被填充")
	}
}

func TestStatusTransitions(t *testing.T) {
	publisher := &recordingPublisher{}
	cache := NewMemoryCache()
	dir, err := New(NewMemoryStore(), WithCache(cache), WithEventPublisher(publisher))
	if err != nil {
		t.Fatalf("创建目录失败: %v", err)
	}
	ctx := context.Background()

	if err := dir.Register(ctx, newTestAgent("agent-1")); err != nil {
		t.Fatalf("注册失败: %v", err)
	}
	if _, err := dir.Load(ctx, "agent-1"); err != nil {
		t.Fatalf("读取失败: %v", err)
	}

	agent, err := dir.Suspend(ctx, "agent-1")
	if err != nil {
		t.Fatalf("挂起失败: %v", err)
	}
	if agent.Status != StatusSuspended {
		t.Fatalf("状态应为 suspended，实际 %s", agent.Status)
	}

	// 状态变更同步失效缓存并广播事件。
	cached, err := cache.Get(ctx, "agent-1")
	if err != nil {
		t.Fatalf("读取缓存失败: %v", err)
	}
	if cached != nil {
		t.Fatal("状态变更后缓存应被失效")
	}
	if kinds := publisher.kinds(); len(kinds) != 1 || kinds[0] != events.KindAgentStatus {
		t.Fatalf("应广播一条状态变更事件，实际 %v", kinds)
	}

	if _, err := dir.Activate(ctx, "agent-1"); err != nil {
		t.Fatalf("恢复失败: %v", err)
	}

	// retired 是终态。
	if _, err := dir.Retire(ctx, "agent-1"); err != nil {
		t.Fatalf("退役失败: %v", err)
	}
	if _, err := dir.Activate(ctx, "agent-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("复活退役智能体应返回 ErrInvalidTransition，实际 %v", err)
	}

	// 定义保留用于审计。
	agent, err = dir.Load(ctx, "agent-1")
	if err != nil {
		t.Fatalf("退役后读取失败: %v", err)
	}
	if agent.Status != StatusRetired {
		t.Fatalf("退役后状态应为 retired，实际 %s", agent.Status)
	}
}

func TestHandleStatusEventInvalidatesCache(t *testing.T) {
	cache := NewMemoryCache()
	dir, err := New(NewMemoryStore(), WithCache(cache))
	if err != nil {
		t.Fatalf("创建目录失败: %v", err)
	}
	ctx := context.Background()

	if err := dir.Register(ctx, newTestAgent("agent-1")); err != nil {
		t.Fatalf("注册失败: %v", err)
	}
	if _, err := dir.Load(ctx, "agent-1"); err != nil {
		t.Fatalf("读取失败: %v", err)
	}

	event := events.NewEvent(events.KindAgentStatus, "agent-1", map[string]string{"status": "suspended"})
	if err := dir.HandleStatusEvent(ctx, event); err != nil {
		t.Fatalf("处理状态事件失败: %v", err)
	}
	cached, err := cache.Get(ctx, "agent-1")
	if err != nil {
		t.Fatalf("读取缓存失败: %v", err)
	}
	if cached != nil {
		t.Fatal("收到状态事件后本地缓存应被失效")
	}
}

func TestListFilters(t *testing.T) {
	dir, err := New(NewMemoryStore())
	if err != nil {
		t.Fatalf("创建目录失败: %v", err)
	}
	ctx := context.Background()

	analyst := newTestAgent("agent-1")
	trader := newTestAgent("agent-2")
	trader.Role = RoleTrader
	for _, agent := range []*Agent{analyst, trader} {
		if err := dir.Register(ctx, agent); err != nil {
			t.Fatalf("注册失败: %v", err)
		}
	}
	if _, err := dir.Suspend(ctx, "agent-2"); err != nil {
		t.Fatalf("挂起失败: %v", err)
	}

	traders, err := dir.List(ctx, WithRoles(RoleTrader))
	if err != nil {
		t.Fatalf("按角色过滤失败: %v", err)
	}
	if len(traders) != 1 || traders[0].ID != "agent-2" {
		t.Fatalf("trader 过滤结果不符: %+v", traders)
	}

	idle, err := dir.List(ctx, WithStatuses(StatusIdle))
	if err != nil {
		t.Fatalf("按状态过滤失败: %v", err)
	}
	if len(idle) != 1 || idle[0].ID != "agent-1" {
		t.Fatalf("idle 过滤结果不符: %+v", idle)
	}
}

func TestAnalyticsAggregatesLedger(t *testing.T) {
	store := ledger.NewMemoryStore()
	vault := treasury.New(store)
	dir, err := New(NewMemoryStore(), WithLedgerSource(vault))
	if err != nil {
		t.Fatalf("创建目录失败: %v", err)
	}
	ctx := context.Background()

	if err := dir.Register(ctx, newTestAgent("agent-1")); err != nil {
		t.Fatalf("注册失败: %v", err)
	}
	if _, err := vault.Allocate(ctx, "agent-1", ledger.Credits(100)); err != nil {
		t.Fatalf("分配预算失败: %v", err)
	}

	// 一次成功消费 30，一次失败退回。
	res, err := vault.Reserve(ctx, "agent-1", ledger.Credits(30))
	if err != nil {
		t.Fatalf("预留失败: %v", err)
	}
	if _, err := vault.Settle(ctx, res.Token, ledger.Credits(30), treasury.OutcomeSuccess, "work"); err != nil {
		t.Fatalf("结算失败: %v", err)
	}
	res, err = vault.Reserve(ctx, "agent-1", ledger.Credits(10))
	if err != nil {
		t.Fatalf("预留失败: %v", err)
	}
	if _, err := vault.Settle(ctx, res.Token, 0, treasury.OutcomeFailure, "timeout"); err != nil {
		t.Fatalf("失败结算失败: %v", err)
	}

	view, err := dir.Analytics(ctx, "agent-1")
	if err != nil {
		t.Fatalf("生成分析视图失败: %v", err)
	}
	if view.Balance != ledger.Credits(70) {
		t.Fatalf("余额应为 70，实际 %s", view.Balance)
	}
	if view.TotalSpent != ledger.Credits(30) {
		t.Fatalf("累计消耗应为 30，实际 %s", view.TotalSpent)
	}
	if view.SuccessRatio != 0.5 {
		t.Fatalf("成功率应为 0.5，实际 %f", view.SuccessRatio)
	}
	if view.ActionsPerCredit <= 0 {
		t.Fatalf("单位积分产出应为正数，实际 %f", view.ActionsPerCredit)
	}
}

func TestAnalyticsSpendRateOverKnownWindow(t *testing.T) {
	store := ledger.NewMemoryStore()
	vault := treasury.New(store)
	dir, err := New(NewMemoryStore(), WithLedgerSource(vault))
	if err != nil {
		t.Fatalf("创建目录失败: %v", err)
	}
	ctx := context.Background()

	if err := dir.Register(ctx, newTestAgent("agent-1")); err != nil {
		t.Fatalf("注册失败: %v", err)
	}

	// 直接构造账本：窗口恰好一小时，共消耗 60 credits。
	// CreatedAt 是 Unix 秒级时间戳。
	base := time.Now().Unix()
	entries := []*ledger.Transaction{
		{ID: "rate-1", AgentID: "agent-1", Amount: ledger.Credits(100), Category: ledger.CategoryAllocation, BalanceAfter: ledger.Credits(100), Outcome: ledger.OutcomeCommitted, CreatedAt: base},
		{ID: "rate-2", AgentID: "agent-1", Amount: -ledger.Credits(20), Category: ledger.CategoryDebit, BalanceAfter: ledger.Credits(80), Outcome: ledger.OutcomeCommitted, CreatedAt: base},
		{ID: "rate-3", AgentID: "agent-1", Amount: -ledger.Credits(40), Category: ledger.CategoryDebit, BalanceAfter: ledger.Credits(40), Outcome: ledger.OutcomeCommitted, CreatedAt: base + 3600},
	}
	for _, tx := range entries {
		if err := store.Append(ctx, tx); err != nil {
			t.Fatalf("追加交易失败: %v", err)
		}
	}

	view, err := dir.Analytics(ctx, "agent-1")
	if err != nil {
		t.Fatalf("生成分析视图失败: %v", err)
	}
	want := float64(ledger.Credits(60))
	if diff := view.SpendRatePerHour - want; diff > 1e-6 || diff < -1e-6 {
		t.Fatalf("每小时消耗应为 %f 微积分，实际 %f", want, view.SpendRatePerHour)
	}
}
