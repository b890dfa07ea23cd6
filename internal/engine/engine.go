// Package engine 将目录、注册表、金库与工具层编排为一次完整的
// 经济动作：授权、预留、调用、结算。资金安全的不变量是
// 先预留后调用，结算恰好一次，任何失败路径都把预留退回账户。
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"AgentVault/internal/directory"
	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/ledger"
	"AgentVault/internal/registry"
	"AgentVault/internal/signal"
	"AgentVault/internal/tools"
	"AgentVault/internal/treasury"
	"AgentVault/pkg/logger"
)

// State 表示动作在生命周期中到达的阶段。
type State string

const (
	StateRequested  State = "requested"
	StateAuthorized State = "authorized"
	StateReserved   State = "reserved"
	StateInvoked    State = "invoked"
	StateSettled    State = "settled"
)

const (
	// CodeUnauthorized 标识授权被拒绝后的审计记录。
	CodeUnauthorized xerrors.Code = "UNAUTHORIZED"
	// CodeCancelled 标识调用方在工具调用开始前主动取消。
	CodeCancelled xerrors.Code = "CANCELLED"
)

func init() {
	xerrors.Register(CodeUnauthorized, xerrors.Attributes{
		Message:   "action not authorized",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeCancelled, xerrors.Attributes{
		Message:   "action cancelled by caller",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// ActionResult 是一次动作执行的完整结论。授权拒绝与余额不足
// 是正常的经济结论，体现在 Outcome 与 Reason 上，不作为错误返回。
type ActionResult struct {
	ActionID   string           `json:"action_id"`
	AgentID    string           `json:"agent_id"`
	Capability string           `json:"capability"`
	State      State            `json:"state"`
	Outcome    treasury.Outcome `json:"outcome"`
	Reason     string           `json:"reason,omitempty"`

	EstimatedCost ledger.Amount `json:"estimated_cost"`
	ActualCost    ledger.Amount `json:"actual_cost"`

	Payload  map[string]any      `json:"payload,omitempty"`
	Units    int64               `json:"units"`
	Attempts int                 `json:"attempts"`
	Ledger   *ledger.Transaction `json:"ledger,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Engine 是动作执行的唯一入口。
type Engine struct {
	directory  *directory.Directory
	registry   *registry.Registry
	treasury   *treasury.Treasury
	dispatcher *tools.Dispatcher
	signals    signal.Provider

	invokeTimeout time.Duration
	maxAttempts   int
	retryBackoff  time.Duration
}

// Option 配置 Engine 的可选行为。
type Option func(*Engine)

// WithInvokeTimeout 设置单次工具调用的超时，默认 30 秒。
func WithInvokeTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		if timeout > 0 {
			e.invokeTimeout = timeout
		}
	}
}

// WithMaxAttempts 设置幂等能力的最大尝试次数，默认 3。
func WithMaxAttempts(attempts int) Option {
	return func(e *Engine) {
		if attempts > 0 {
			e.maxAttempts = attempts
		}
	}
}

// WithRetryBackoff 设置重试的基础退避间隔，默认 200 毫秒。
func WithRetryBackoff(backoff time.Duration) Option {
	return func(e *Engine) {
		if backoff > 0 {
			e.retryBackoff = backoff
		}
	}
}

// WithSignalProvider 启用市场信号提示注入。
func WithSignalProvider(provider signal.Provider) Option {
	return func(e *Engine) { e.signals = provider }
}

// New 创建执行引擎。四个核心依赖都是必填的。
func New(dir *directory.Directory, reg *registry.Registry, tre *treasury.Treasury, dis *tools.Dispatcher, opts ...Option) (*Engine, error) {
	if dir == nil || reg == nil || tre == nil || dis == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "engine 的核心依赖不能为空")
	}
	e := &Engine{
		directory:     dir,
		registry:      reg,
		treasury:      tre,
		dispatcher:    dis,
		invokeTimeout: 30 * time.Second,
		maxAttempts:   3,
		retryBackoff:  200 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Execute 执行一次经济动作。返回 error 仅表示基础设施故障或
// 非法输入；业务上的拒绝与失败通过 ActionResult 表达。
func (e *Engine) Execute(ctx context.Context, agentID, capabilityID string, params map[string]any) (*ActionResult, error) {
	result := &ActionResult{
		ActionID:   uuid.NewString(),
		AgentID:    agentID,
		Capability: capabilityID,
		State:      StateRequested,
		Outcome:    treasury.OutcomeFailure,
		StartedAt:  time.Now(),
	}
	defer func() { result.FinishedAt = time.Now() }()

	// 快速失败：智能体与能力必须都存在，才谈得上授权与计费。
	agent, err := e.directory.Load(ctx, agentID)
	if err != nil {
		return nil, err
	}
	capability, err := e.registry.Get(capabilityID)
	if err != nil {
		return nil, err
	}

	if decision := e.authorize(agent, capabilityID); !decision.Allowed {
		result.Reason = decision.Reason
		logger.Audit().Warn("动作授权被拒绝",
			"action_id", result.ActionID,
			"agent_id", agentID,
			"capability", capabilityID,
			"reason", decision.Reason,
		)
		return result, nil
	}
	result.State = StateAuthorized

	estimate, err := e.registry.EstimateCost(capabilityID, params)
	if err != nil {
		return nil, err
	}
	result.EstimatedCost = estimate

	res, err := e.treasury.Reserve(ctx, agentID, estimate)
	if err != nil {
		if errors.Is(err, treasury.ErrInsufficientFunds) {
			// 预留失败没有副作用，留下审计记录即可。
			result.Reason = fmt.Sprintf("余额不足：预估成本 %s", estimate)
			logger.Audit().Warn("动作因余额不足被拒绝",
				"action_id", result.ActionID,
				"agent_id", agentID,
				"capability", capabilityID,
				"estimate", estimate.String(),
			)
			return result, nil
		}
		return nil, err
	}
	result.State = StateReserved

	// 预留一旦建立，结算就必须走到头：调用方取消只能阻止下一次
	// 尝试开始，不能让账本停在预留状态。
	settleCtx := context.WithoutCancel(ctx)

	response, attempts, invokeErr := e.invoke(ctx, agent, capability, params)
	result.Attempts = attempts
	if invokeErr != nil {
		result.Reason = invokeErr.Error()
		return e.settleFailure(settleCtx, result, res.Token, invokeErr.Error())
	}
	result.State = StateInvoked
	result.Payload = response.Payload
	result.Units = response.Units
	if ctx.Err() != nil {
		logger.Audit().Warn("调用方在工具执行期间取消，动作仍完成结算",
			"action_id", result.ActionID,
			"agent_id", agentID,
			"capability", capabilityID,
		)
	}

	actualCost, err := e.registry.ActualCost(capabilityID, response.Units)
	if err != nil {
		result.Reason = err.Error()
		return e.settleFailure(settleCtx, result, res.Token, err.Error())
	}
	if actualCost > res.Amount {
		// 实际成本超出预留上界，按失败结算，成本不被静默吸收。
		reason := fmt.Sprintf("实际成本 %s 超出预留 %s", actualCost, res.Amount)
		result.Reason = reason
		return e.settleFailure(settleCtx, result, res.Token, reason)
	}
	result.ActualCost = actualCost

	tx, err := e.treasury.Settle(settleCtx, res.Token, actualCost, treasury.OutcomeSuccess,
		fmt.Sprintf("capability %s action %s", capabilityID, result.ActionID))
	if err != nil {
		return result, err
	}
	result.State = StateSettled
	result.Outcome = treasury.OutcomeSuccess
	result.Ledger = tx

	logger.Audit().Info("动作结算完成",
		"action_id", result.ActionID,
		"agent_id", agentID,
		"capability", capabilityID,
		"estimate", estimate.String(),
		"actual", actualCost.String(),
		"attempts", attempts,
	)
	return result, nil
}

// authorize 在注册表判定之前先检查目录状态：挂起或退役的
// 智能体不允许发起任何动作。
func (e *Engine) authorize(agent *directory.Agent, capabilityID string) registry.Decision {
	switch agent.Status {
	case directory.StatusSuspended:
		return registry.Decision{Reason: "agent is suspended"}
	case directory.StatusRetired:
		return registry.Decision{Reason: "agent is retired"}
	}
	view := registry.AgentView{
		ID:           agent.ID,
		AuthLevel:    agent.AuthLevel,
		Capabilities: agent.Capabilities,
	}
	decision, err := e.registry.Authorize(view, capabilityID)
	if err != nil {
		return registry.Decision{Reason: err.Error()}
	}
	return decision
}

// invoke 在账户锁之外执行工具调用。幂等能力按指数退避重试，
// 整个重试窗口复用同一份预留，绝不重复预留或重复结算。
func (e *Engine) invoke(ctx context.Context, agent *directory.Agent, capability registry.Capability, params map[string]any) (*tools.Response, int, error) {
	invoker, err := e.dispatcher.Resolve(capability.Family)
	if err != nil {
		return nil, 0, err
	}

	req := tools.Request{
		Capability: capability.ID,
		AgentID:    agent.ID,
		Operation:  operationFromParams(params),
		Params:     params,
		Hints:      e.hints(capability),
	}

	maxAttempts := 1
	if capability.Idempotent {
		maxAttempts = e.maxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, attempt - 1, xerrors.Wrap(CodeCancelled, err, "动作在调用前被取消")
		}
		response, err := e.invokeOnce(ctx, invoker, req)
		if err == nil {
			return response, attempt, nil
		}
		lastErr = err
		if attempt < maxAttempts && xerrors.RetryableError(err) {
			backoff := e.retryBackoff * time.Duration(1<<(attempt-1))
			logger.L().Warn("工具调用失败，准备重试",
				"agent_id", agent.ID,
				"capability", capability.ID,
				"attempt", attempt,
				"backoff", backoff.String(),
				"error", err,
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, attempt, xerrors.Wrap(CodeCancelled, ctx.Err(), "动作在重试等待期间被取消")
			}
			continue
		}
		return nil, attempt, lastErr
	}
	return nil, maxAttempts, lastErr
}

func (e *Engine) invokeOnce(ctx context.Context, invoker tools.Invoker, req tools.Request) (*tools.Response, error) {
	// 工具调用开始后只受超时约束，不随调用方取消而中断：
	// 半途掐断非幂等工具会让退款与已发生的副作用脱节。
	invokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.invokeTimeout)
	defer cancel()

	response, err := invoker.Invoke(invokeCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "工具调用超时")
		}
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeToolFailure, err, "工具调用失败")
	}
	if response == nil {
		response = &tools.Response{}
	}
	return response, nil
}

// hints 从信号源采集与能力家族相关的提示，注入工具请求。
func (e *Engine) hints(capability registry.Capability) map[string]string {
	if e.signals == nil {
		return nil
	}
	recent := e.signals.Recent(capability.Family)
	if len(recent) == 0 {
		return nil
	}
	hints := make(map[string]string, len(recent))
	for _, hint := range recent {
		hints[hint.Topic] = hint.Summary
	}
	return hints
}

// settleFailure 以失败结果结算预留：全额退回余额，写入
// 零金额的 failed_attempt 审计交易。
func (e *Engine) settleFailure(ctx context.Context, result *ActionResult, token, cause string) (*ActionResult, error) {
	tx, err := e.treasury.Settle(ctx, token, 0, treasury.OutcomeFailure, cause)
	if err != nil {
		// 结算失败说明账本不可用，预留已由金库回滚为未结算状态。
		return result, err
	}
	result.State = StateSettled
	result.Outcome = treasury.OutcomeFailure
	result.Ledger = tx
	logger.Audit().Warn("动作以失败结算",
		"action_id", result.ActionID,
		"agent_id", result.AgentID,
		"capability", result.Capability,
		"reason", cause,
	)
	return result, nil
}

func operationFromParams(params map[string]any) string {
	if params == nil {
		return ""
	}
	operation, _ := params["operation"].(string)
	return operation
}
