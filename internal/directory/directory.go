// Package directory 管理智能体的注册、查询与生命周期状态。
// 目录持有智能体的定义与授权等级；资金状态归 Treasury 所有，
// 这里只在分析视图中按需聚合账本数据。
package directory

import (
	"context"
	"fmt"
	"time"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/events"
	"AgentVault/internal/ledger"
	"AgentVault/pkg/logger"
)

// LedgerSource 是分析视图所需的资金数据最小接口，由 Treasury 实现。
type LedgerSource interface {
	Balance(ctx context.Context, agentID string) (ledger.Amount, error)
	LedgerStats(ctx context.Context, agentID string) (ledger.Stats, error)
}

// Directory 是目录的统一入口：读路径走缓存，写路径同步
// 失效缓存并广播事件，保证状态变更在下一次授权判定前可见。
type Directory struct {
	store     Store
	cache     Cache
	publisher events.Publisher
	funds     LedgerSource
}

// Option 配置 Directory 的可选依赖。
type Option func(*Directory)

// WithCache 启用旁路缓存。
func WithCache(cache Cache) Option {
	return func(d *Directory) { d.cache = cache }
}

// WithEventPublisher 启用状态变更事件广播。
func WithEventPublisher(publisher events.Publisher) Option {
	return func(d *Directory) { d.publisher = publisher }
}

// WithLedgerSource 启用分析视图的资金数据来源。
func WithLedgerSource(funds LedgerSource) Option {
	return func(d *Directory) { d.funds = funds }
}

// New 创建目录。store 为必填，缓存与事件为可选增强。
func New(store Store, opts ...Option) (*Directory, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "directory store 不能为空")
	}
	d := &Directory{store: store}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

// Register 注册一个新智能体，初始状态默认为 idle。
func (d *Directory) Register(ctx context.Context, agent *Agent) error {
	if err := d.store.Create(ctx, agent); err != nil {
		return err
	}
	logger.Audit().Info("智能体注册",
		"agent_id", agent.ID,
		"role", string(agent.Role),
		"auth_level", agent.AuthLevel,
	)
	return nil
}

// Load 读取智能体快照。缓存命中直接返回；未命中回源并写回；
// 缓存故障降级为回源读取，只记日志不报错。
func (d *Directory) Load(ctx context.Context, id string) (*Agent, error) {
	if id == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent ID 不能为空")
	}
	if d.cache != nil {
		cached, err := d.cache.Get(ctx, id)
		if err != nil {
			logger.L().Warn("目录缓存读取失败，降级为回源", "agent_id", id, "error", err)
		} else if cached != nil {
			return cached, nil
		}
	}
	agent, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.cache != nil {
		if err := d.cache.Set(ctx, agent); err != nil {
			logger.L().Warn("目录缓存写入失败", "agent_id", id, "error", err)
		}
	}
	return agent, nil
}

// List 绕过缓存直接回源，列表要求新鲜快照。
func (d *Directory) List(ctx context.Context, opts ...ListOption) ([]*Agent, error) {
	return d.store.List(ctx, buildListOptions(opts))
}

// Suspend 挂起智能体，立即阻断后续动作的授权。
func (d *Directory) Suspend(ctx context.Context, id string) (*Agent, error) {
	return d.setStatus(ctx, id, StatusSuspended)
}

// Activate 恢复智能体为活跃状态。
func (d *Directory) Activate(ctx context.Context, id string) (*Agent, error) {
	return d.setStatus(ctx, id, StatusActive)
}

// Rest 将智能体置回空闲状态。
func (d *Directory) Rest(ctx context.Context, id string) (*Agent, error) {
	return d.setStatus(ctx, id, StatusIdle)
}

// Retire 退役智能体。退役是终态，定义与账本历史保留用于审计。
func (d *Directory) Retire(ctx context.Context, id string) (*Agent, error) {
	return d.setStatus(ctx, id, StatusRetired)
}

func (d *Directory) setStatus(ctx context.Context, id string, status Status) (*Agent, error) {
	agent, err := d.store.UpdateStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}
	// 先同步失效本实例缓存，再广播给其它实例。
	if d.cache != nil {
		if err := d.cache.Invalidate(ctx, id); err != nil {
			logger.L().Warn("目录缓存失效失败", "agent_id", id, "error", err)
		}
	}
	if d.publisher != nil {
		event := events.NewEvent(events.KindAgentStatus, id, map[string]string{
			"status": string(status),
		})
		if err := d.publisher.Publish(ctx, event); err != nil {
			logger.L().Warn("状态变更事件发布失败", "agent_id", id, "error", err)
		}
	}
	logger.Audit().Info("智能体状态变更", "agent_id", id, "status", string(status))
	return agent, nil
}

// HandleStatusEvent 消费其它实例广播的状态变更事件，失效本地缓存。
func (d *Directory) HandleStatusEvent(ctx context.Context, event events.Event) error {
	if event.Kind != events.KindAgentStatus || event.AgentID == "" {
		return nil
	}
	if d.cache == nil {
		return nil
	}
	return d.cache.Invalidate(ctx, event.AgentID)
}

// Analytics 是单个智能体的经济表现视图。
type Analytics struct {
	AgentID        string        `json:"agent_id"`
	Balance        ledger.Amount `json:"balance"`
	TotalAllocated ledger.Amount `json:"total_allocated"`
	TotalSpent     ledger.Amount `json:"total_spent"`
	TotalRefunded  ledger.Amount `json:"total_refunded"`
	Committed      int           `json:"committed"`
	Reversed       int           `json:"reversed"`
	// SuccessRatio 是成功结算占全部结算的比例。
	SuccessRatio float64 `json:"success_ratio"`
	// SpendRatePerHour 是观测窗口内每小时消耗的微积分。
	SpendRatePerHour float64 `json:"spend_rate_per_hour"`
	// ActionsPerCredit 衡量单位积分换得的成功动作数。
	ActionsPerCredit float64 `json:"actions_per_credit"`
}

// Analytics 聚合账本数据生成经济表现视图。未配置资金来源时返回错误。
func (d *Directory) Analytics(ctx context.Context, id string) (*Analytics, error) {
	if d.funds == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置资金数据来源")
	}
	if _, err := d.Load(ctx, id); err != nil {
		return nil, err
	}
	balance, err := d.funds.Balance(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("读取余额失败: %w", err)
	}
	stats, err := d.funds.LedgerStats(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("读取账本统计失败: %w", err)
	}

	view := &Analytics{
		AgentID:        id,
		Balance:        balance,
		TotalAllocated: stats.TotalAllocated,
		TotalSpent:     stats.TotalDebited,
		TotalRefunded:  stats.TotalRefunded,
		Committed:      stats.Committed,
		Reversed:       stats.Reversed,
	}
	settled := stats.Debits + stats.FailedAttempts
	if settled > 0 {
		view.SuccessRatio = float64(stats.Debits) / float64(settled)
	}
	if stats.FirstCreatedAt > 0 && stats.LastCreatedAt > stats.FirstCreatedAt {
		// CreatedAt 是 Unix 秒级时间戳。
		window := time.Duration(stats.LastCreatedAt-stats.FirstCreatedAt) * time.Second
		view.SpendRatePerHour = float64(stats.TotalDebited) / window.Hours()
	}
	if stats.TotalDebited > 0 {
		spentCredits := float64(stats.TotalDebited) / float64(ledger.MicrosPerCredit)
		view.ActionsPerCredit = float64(stats.Debits) / spentCredits
	}
	return view, nil
}
