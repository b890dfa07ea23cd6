package directory

import (
	"context"

	xerrors "AgentVault/internal/errors"
)

// Role 表示智能体的职能角色。
type Role string

const (
	RoleResearcher Role = "researcher"
	RoleTrader     Role = "trader"
	RoleAnalyst    Role = "analyst"
)

// Status 表示智能体在生命周期中的状态。
// retired 是终态：智能体从不删除，只会退役。
type Status string

const (
	StatusIdle      Status = "idle"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRetired   Status = "retired"
)

// Agent 描述一个可执行动作的智能体定义。
// 预算账户归 Treasury 独占所有，这里只持有引用（AgentID 即账户键）。
type Agent struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Role         Role     `json:"role"`
	Status       Status   `json:"status"`
	AuthLevel    int      `json:"auth_level"`
	Capabilities []string `json:"capabilities"`
	CreatedAt    int64    `json:"created_at"`
	UpdatedAt    int64    `json:"updated_at"`
}

var (
	// ErrAgentNotFound 表示指定的智能体不存在。
	ErrAgentNotFound = xerrors.New(CodeUnknownAgent, "agent not found")
	// ErrAgentConflict 表示智能体 ID 已存在。
	ErrAgentConflict = xerrors.New(xerrors.CodeConflict, "agent already exists")
	// ErrInvalidTransition 表示状态迁移不被允许（例如复活已退役的智能体）。
	ErrInvalidTransition = xerrors.New(CodeInvalidTransition, "invalid status transition", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeUnknownAgent      xerrors.Code = "UNKNOWN_AGENT"
	CodeInvalidTransition xerrors.Code = "INVALID_STATUS_TRANSITION"
)

func init() {
	xerrors.Register(CodeUnknownAgent, xerrors.Attributes{
		Message:   "agent not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Message:   "invalid status transition",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Store 抽象智能体定义的持久化。
type Store interface {
	Create(ctx context.Context, agent *Agent) error
	Get(ctx context.Context, id string) (*Agent, error)
	UpdateStatus(ctx context.Context, id string, status Status) (*Agent, error)
	List(ctx context.Context, opts ListOptions) ([]*Agent, error)
	Close() error
}

// IsValidRole 检查角色是否为支持的枚举值。
func IsValidRole(role Role) bool {
	switch role {
	case RoleResearcher, RoleTrader, RoleAnalyst:
		return true
	default:
		return false
	}
}

// IsValidStatus 检查状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusIdle, StatusActive, StatusSuspended, StatusRetired:
		return true
	default:
		return false
	}
}

// CanTransition 判定状态迁移是否合法。retired 不可离开。
func CanTransition(from, to Status) bool {
	if !IsValidStatus(from) || !IsValidStatus(to) {
		return false
	}
	if from == StatusRetired {
		return false
	}
	return true
}

func validateAgent(agent *Agent) error {
	if agent == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}
	if agent.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent ID 不能为空")
	}
	if !IsValidRole(agent.Role) {
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的角色: "+string(agent.Role))
	}
	if agent.Status == "" {
		agent.Status = StatusIdle
	}
	if !IsValidStatus(agent.Status) {
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的状态: "+string(agent.Status))
	}
	return nil
}

func cloneAgent(agent *Agent) *Agent {
	clone := *agent
	clone.Capabilities = append([]string(nil), agent.Capabilities...)
	return &clone
}

// ListOptions 控制目录列表查询。
type ListOptions struct {
	Limit    int
	Offset   int
	Statuses []Status
	Roles    []Role
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 200 {
		opts.Limit = 200
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of agents returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

// WithOffset skips the first n matching agents.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithStatuses filters agents by status.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) { opts.Statuses = append(opts.Statuses[:0], statuses...) }
}

// WithRoles filters agents by role.
func WithRoles(roles ...Role) ListOption {
	return func(opts *ListOptions) { opts.Roles = append(opts.Roles[:0], roles...) }
}

func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func matchesAgentFilters(agent *Agent, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if agent.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(opts.Roles) > 0 {
		matched := false
		for _, role := range opts.Roles {
			if agent.Role == role {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}
