package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"AgentVault/internal/directory"
	"AgentVault/internal/ledger"
	"AgentVault/internal/registry"
	"AgentVault/internal/tools"
	"AgentVault/internal/treasury"
)

// scriptedInvoker 按预设脚本依次返回结果，用于模拟工具行为。
type scriptedInvoker struct {
	family string
	steps  []func() (*tools.Response, error)
	calls  int
}

func (s *scriptedInvoker) Family() string { return s.family }

func (s *scriptedInvoker) Invoke(_ context.Context, _ tools.Request) (*tools.Response, error) {
	step := s.calls
	if step >= len(s.steps) {
		step = len(s.steps) - 1
	}
	s.calls++
	return s.steps[step]()
}

type fixture struct {
	engine  *Engine
	vault   *treasury.Treasury
	store   *ledger.MemoryStore
	dir     *directory.Directory
	invoker *scriptedInvoker
}

func newFixture(t *testing.T, capability registry.Capability, agent *directory.Agent, invoker *scriptedInvoker, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	store := ledger.NewMemoryStore()
	vault := treasury.New(store)

	dirStore := directory.NewMemoryStore()
	dir, err := directory.New(dirStore)
	if err != nil {
		t.Fatalf("创建目录失败: %v", err)
	}
	if err := dir.Register(ctx, agent); err != nil {
		t.Fatalf("注册智能体失败: %v", err)
	}

	catalog := registry.New()
	if err := catalog.Register(capability); err != nil {
		t.Fatalf("注册能力失败: %v", err)
	}

	dispatcher, err := tools.NewDispatcher(invoker)
	if err != nil {
		t.Fatalf("创建分发器失败: %v", err)
	}

	opts = append([]Option{WithRetryBackoff(time.Millisecond)}, opts...)
	eng, err := New(dir, catalog, vault, dispatcher, opts...)
	if err != nil {
		t.Fatalf("创建引擎失败: %v", err)
	}
	return &fixture{engine: eng, vault: vault, store: store, dir: dir, invoker: invoker}
}

func testAgent(capabilities ...string) *directory.Agent {
	return &directory.Agent{
		ID:           "agent-1",
		Name:         "tester",
		Role:         directory.RoleResearcher,
		Status:       directory.StatusIdle,
		AuthLevel:    3,
		Capabilities: capabilities,
	}
}

func perUnitCapability(idempotent bool) registry.Capability {
	return registry.Capability{
		ID:         "lookup.fetch",
		Family:     "lookup",
		Idempotent: idempotent,
		Cost: registry.CostModel{
			Kind:     registry.CostPerUnit,
			Base:     ledger.Credits(1),
			PerUnit:  ledger.Amount(500_000),
			MaxUnits: 4,
		},
	}
}

func successStep(units int64) func() (*tools.Response, error) {
	return func() (*tools.Response, error) {
		return &tools.Response{Payload: map[string]any{"ok": true}, Units: units}, nil
	}
}

func TestExecuteSuccessDebitsActualCost(t *testing.T) {
	invoker := &scriptedInvoker{family: "lookup", steps: []func() (*tools.Response, error){successStep(1)}}
	f := newFixture(t, perUnitCapability(true), testAgent("lookup.fetch"), invoker)
	ctx := context.Background()

	if _, err := f.vault.Allocate(ctx, "agent-1", ledger.Credits(10)); err != nil {
		t.Fatalf("分配预算失败: %v", err)
	}

	result, err := f.engine.Execute(ctx, "agent-1", "lookup.fetch", nil)
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if result.Outcome != treasury.OutcomeSuccess || result.State != StateSettled {
		t.Fatalf("执行应成功结算，实际 %s/%s", result.Outcome, result.State)
	}

	// 估算按上限 1+0.5*4=3，实际 1+0.5*1=1.5，差额退回。
	wantEstimate := ledger.Credits(1) + ledger.Amount(500_000)*4
	wantActual := ledger.Credits(1) + ledger.Amount(500_000)
	if result.EstimatedCost != wantEstimate {
		t.Fatalf("估算成本不符: %s", result.EstimatedCost)
	}
	if result.ActualCost != wantActual {
		t.Fatalf("实际成本不符: %s", result.ActualCost)
	}

	balance, err := f.vault.Balance(ctx, "agent-1")
	if err != nil {
		t.Fatalf("读取余额失败: %v", err)
	}
	if balance != ledger.Credits(10)-wantActual {
		t.Fatalf("余额应只扣实际成本，实际 %s", balance)
	}
	if result.Ledger == nil || result.Ledger.Category != ledger.CategoryDebit {
		t.Fatalf("成功执行应产生 debit 交易: %+v", result.Ledger)
	}
}

func TestExecuteInsufficientFundsHasNoSideEffects(t *testing.T) {
	invoker := &scriptedInvoker{family: "lookup", steps: []func() (*tools.Response, error){successStep(1)}}
	f := newFixture(t, perUnitCapability(true), testAgent("lookup.fetch"), invoker)
	ctx := context.Background()

	// 余额低于估算上限。
	if _, err := f.vault.Allocate(ctx, "agent-1", ledger.Credits(2)); err != nil {
		t.Fatalf("分配预算失败: %v", err)
	}

	result, err := f.engine.Execute(ctx, "agent-1", "lookup.fetch", nil)
	if err != nil {
		t.Fatalf("余额不足应是业务结论而非错误: %v", err)
	}
	if result.Outcome != treasury.OutcomeFailure || result.Reason == "" {
		t.Fatalf("余额不足应返回失败结果: %+v", result)
	}
	if invoker.calls != 0 {
		t.Fatal("余额不足时不应调用工具")
	}

	history, err := f.vault.History(ctx, "agent-1")
	if err != nil {
		t.Fatalf("读取历史失败: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("除 allocation 外不应有其它交易，实际 %d 条", len(history))
	}
}

func TestExecuteUnauthorizedSkipsTreasury(t *testing.T) {
	invoker := &scriptedInvoker{family: "lookup", steps: []func() (*tools.Response, error){successStep(1)}}
	// 白名单为空。
	f := newFixture(t, perUnitCapability(true), testAgent(), invoker)
	ctx := context.Background()

	if _, err := f.vault.Allocate(ctx, "agent-1", ledger.Credits(10)); err != nil {
		t.Fatalf("分配预算失败: %v", err)
	}

	result, err := f.engine.Execute(ctx, "agent-1", "lookup.fetch", nil)
	if err != nil {
		t.Fatalf("授权拒绝应是业务结论而非错误: %v", err)
	}
	if result.Outcome != treasury.OutcomeFailure || result.State != StateRequested {
		t.Fatalf("授权拒绝应停在 requested 阶段: %+v", result)
	}
	if invoker.calls != 0 {
		t.Fatal("授权拒绝时不应调用工具")
	}

	balance, err := f.vault.Balance(ctx, "agent-1")
	if err != nil {
		t.Fatalf("读取余额失败: %v", err)
	}
	if balance != ledger.Credits(10) {
		t.Fatalf("授权拒绝不应触碰资金，实际余额 %s", balance)
	}
}

func TestExecuteSuspendedAgentDenied(t *testing.T) {
	invoker := &scriptedInvoker{family: "lookup", steps: []func() (*tools.Response, error){successStep(1)}}
	f := newFixture(t, perUnitCapability(true), testAgent("lookup.fetch"), invoker)
	ctx := context.Background()

	if _, err := f.vault.Allocate(ctx, "agent-1", ledger.Credits(10)); err != nil {
		t.Fatalf("分配预算失败: %v", err)
	}
	if _, err := f.dir.Suspend(ctx, "agent-1"); err != nil {
		t.Fatalf("挂起智能体失败: %v", err)
	}

	result, err := f.engine.Execute(ctx, "agent-1", "lookup.fetch", nil)
	if err != nil {
		t.Fatalf("挂起拒绝应是业务结论而非错误: %v", err)
	}
	if result.Outcome != treasury.OutcomeFailure || invoker.calls != 0 {
		t.Fatalf("挂起的智能体不应执行任何动作: %+v", result)
	}
}

func TestExecuteToolFailureRefundsReservation(t *testing.T) {
	toolErr := errors.New("upstream unavailable")
	invoker := &scriptedInvoker{
		family: "lookup",
		steps: []func() (*tools.Response, error){
			func() (*tools.Response, error) { return nil, toolErr },
		},
	}
	// 非幂等能力不重试。
	f := newFixture(t, perUnitCapability(false), testAgent("lookup.fetch"), invoker)
	ctx := context.Background()

	if _, err := f.vault.Allocate(ctx, "agent-1", ledger.Credits(10)); err != nil {
		t.Fatalf("分配预算失败: %v", err)
	}

	result, err := f.engine.Execute(ctx, "agent-1", "lookup.fetch", nil)
	if err != nil {
		t.Fatalf("工具失败应以失败结算收尾: %v", err)
	}
	if result.Outcome != treasury.OutcomeFailure || result.State != StateSettled {
		t.Fatalf("工具失败应结算为 failure: %+v", result)
	}
	if result.Attempts != 1 {
		t.Fatalf("非幂等能力只应尝试一次，实际 %d", result.Attempts)
	}
	if result.Ledger == nil || result.Ledger.Category != ledger.CategoryFailedAttempt {
		t.Fatalf("失败结算应写入 failed_attempt 交易: %+v", result.Ledger)
	}

	balance, err := f.vault.Balance(ctx, "agent-1")
	if err != nil {
		t.Fatalf("读取余额失败: %v", err)
	}
	if balance != ledger.Credits(10) {
		t.Fatalf("失败后预留应全额退回，实际 %s", balance)
	}
}

func TestExecuteRetriesIdempotentCapability(t *testing.T) {
	toolErr := errors.New("transient glitch")
	invoker := &scriptedInvoker{
		family: "lookup",
		steps: []func() (*tools.Response, error){
			func() (*tools.Response, error) { return nil, toolErr },
			successStep(1),
		},
	}
	f := newFixture(t, perUnitCapability(true), testAgent("lookup.fetch"), invoker, WithMaxAttempts(3))
	ctx := context.Background()

	if _, err := f.vault.Allocate(ctx, "agent-1", ledger.Credits(10)); err != nil {
		t.Fatalf("分配预算失败: %v", err)
	}

	result, err := f.engine.Execute(ctx, "agent-1", "lookup.fetch", nil)
	if err != nil {
		t.Fatalf("重试后应执行成功: %v", err)
	}
	if result.Outcome != treasury.OutcomeSuccess {
		t.Fatalf("重试后应成功结算: %+v", result)
	}
	if result.Attempts != 2 {
		t.Fatalf("应在第二次尝试成功，实际 %d", result.Attempts)
	}

	// 整个重试窗口只消费一份预留，只产生一条 debit。
	history, err := f.vault.History(ctx, "agent-1", ledger.WithCategories(ledger.CategoryDebit))
	if err != nil {
		t.Fatalf("读取历史失败: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("应只有一条 debit 交易，实际 %d", len(history))
	}
}

func TestExecuteOverageSettlesAsFailure(t *testing.T) {
	// 产出单位超过 MaxUnits，实际成本超出预留上界。
	invoker := &scriptedInvoker{family: "lookup", steps: []func() (*tools.Response, error){successStep(100)}}
	f := newFixture(t, perUnitCapability(true), testAgent("lookup.fetch"), invoker)
	ctx := context.Background()

	if _, err := f.vault.Allocate(ctx, "agent-1", ledger.Credits(10)); err != nil {
		t.Fatalf("分配预算失败: %v", err)
	}

	result, err := f.engine.Execute(ctx, "agent-1", "lookup.fetch", nil)
	if err != nil {
		t.Fatalf("超额应以失败结算收尾: %v", err)
	}
	if result.Outcome != treasury.OutcomeFailure {
		t.Fatalf("超额应结算为 failure: %+v", result)
	}

	balance, err := f.vault.Balance(ctx, "agent-1")
	if err != nil {
		t.Fatalf("读取余额失败: %v", err)
	}
	if balance != ledger.Credits(10) {
		t.Fatalf("超额拒绝后预留应全额退回，实际 %s", balance)
	}
}

// cancellingInvoker 在执行中取消调用方 context，再检查自己的
// context 是否受牵连，模拟调用方在工具运行期间撤单。
type cancellingInvoker struct {
	family string
	cancel context.CancelFunc
	calls  int
}

func (c *cancellingInvoker) Family() string { return c.family }

func (c *cancellingInvoker) Invoke(ctx context.Context, _ tools.Request) (*tools.Response, error) {
	c.calls++
	c.cancel()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tools.Response{Payload: map[string]any{"ok": true}, Units: 1}, nil
}

func TestExecuteCallerCancelDuringInvokeStillSettles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	invoker := &cancellingInvoker{family: "lookup", cancel: cancel}

	store := ledger.NewMemoryStore()
	vault := treasury.New(store)
	dir, err := directory.New(directory.NewMemoryStore())
	if err != nil {
		t.Fatalf("创建目录失败: %v", err)
	}
	if err := dir.Register(context.Background(), testAgent("lookup.fetch")); err != nil {
		t.Fatalf("注册智能体失败: %v", err)
	}
	catalog := registry.New()
	if err := catalog.Register(perUnitCapability(false)); err != nil {
		t.Fatalf("注册能力失败: %v", err)
	}
	dispatcher, err := tools.NewDispatcher(invoker)
	if err != nil {
		t.Fatalf("创建分发器失败: %v", err)
	}
	eng, err := New(dir, catalog, vault, dispatcher)
	if err != nil {
		t.Fatalf("创建引擎失败: %v", err)
	}
	if _, err := vault.Allocate(context.Background(), "agent-1", ledger.Credits(10)); err != nil {
		t.Fatalf("分配预算失败: %v", err)
	}

	result, err := eng.Execute(ctx, "agent-1", "lookup.fetch", nil)
	if err != nil {
		t.Fatalf("执行期间的取消不应中断动作: %v", err)
	}
	// 工具已经开始执行，取消不得打断调用，结算照常完成。
	if result.Outcome != treasury.OutcomeSuccess || result.State != StateSettled {
		t.Fatalf("动作应照常成功结算: %+v", result)
	}
	if invoker.calls != 1 {
		t.Fatalf("工具应恰好执行一次，实际 %d", invoker.calls)
	}

	wantActual := ledger.Credits(1) + ledger.Amount(500_000)
	balance, err := vault.Balance(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("读取余额失败: %v", err)
	}
	if balance != ledger.Credits(10)-wantActual {
		t.Fatalf("余额应只扣实际成本，实际 %s", balance)
	}
}

func TestExecutePreInvokeCancelSettlesFailure(t *testing.T) {
	invoker := &scriptedInvoker{family: "lookup", steps: []func() (*tools.Response, error){successStep(1)}}
	f := newFixture(t, perUnitCapability(true), testAgent("lookup.fetch"), invoker)

	if _, err := f.vault.Allocate(context.Background(), "agent-1", ledger.Credits(10)); err != nil {
		t.Fatalf("分配预算失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := f.engine.Execute(ctx, "agent-1", "lookup.fetch", nil)
	if err != nil {
		t.Fatalf("调用前取消应以失败结算收尾: %v", err)
	}
	if result.Outcome != treasury.OutcomeFailure || result.State != StateSettled {
		t.Fatalf("调用前取消应结算为 failure: %+v", result)
	}
	if f.invoker.calls != 0 {
		t.Fatal("取消后不应再调用工具")
	}
	// 主动取消不是超时，审计记录要分清。
	if !strings.Contains(result.Reason, string(CodeCancelled)) {
		t.Fatalf("失败原因应标记为取消，实际 %s", result.Reason)
	}

	balance, err := f.vault.Balance(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("读取余额失败: %v", err)
	}
	if balance != ledger.Credits(10) {
		t.Fatalf("取消后预留应全额退回，实际 %s", balance)
	}
	history, err := f.vault.History(context.Background(), "agent-1", ledger.WithCategories(ledger.CategoryFailedAttempt))
	if err != nil {
		t.Fatalf("读取历史失败: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("应写入一条 failed_attempt 交易，实际 %d", len(history))
	}
}

func TestExecuteUnknownAgentFailsFast(t *testing.T) {
	invoker := &scriptedInvoker{family: "lookup", steps: []func() (*tools.Response, error){successStep(1)}}
	f := newFixture(t, perUnitCapability(true), testAgent("lookup.fetch"), invoker)

	if _, err := f.engine.Execute(context.Background(), "ghost", "lookup.fetch", nil); !errors.Is(err, directory.ErrAgentNotFound) {
		t.Fatalf("未知智能体应返回 ErrAgentNotFound，实际 %v", err)
	}
}

func TestExecuteUnknownCapabilityFailsFast(t *testing.T) {
	invoker := &scriptedInvoker{family: "lookup", steps: []func() (*tools.Response, error){successStep(1)}}
	f := newFixture(t, perUnitCapability(true), testAgent("lookup.fetch"), invoker)

	if _, err := f.engine.Execute(context.Background(), "agent-1", "missing", nil); !errors.Is(err, registry.ErrUnknownCapability) {
		t.Fatalf("未知能力应返回 ErrUnknownCapability，实际 %v", err)
	}
}
