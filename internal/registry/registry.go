package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/ledger"
)

// CostKind 表示能力的计费方式。
type CostKind string

const (
	// CostFixed 固定成本，与产出无关。
	CostFixed CostKind = "fixed"
	// CostPerUnit 按产出单位计费，估算时按上限收敛。
	CostPerUnit CostKind = "per_unit"
)

// CostModel 描述一个能力的成本模型。估算值永远不允许低于真实成本：
// 按单位计费时估算取 MaxUnits 上限，超出部分在结算阶段被拒绝。
type CostModel struct {
	Kind     CostKind      `yaml:"kind"`
	Base     ledger.Amount `yaml:"base_micros"`
	PerUnit  ledger.Amount `yaml:"per_unit_micros"`
	MaxUnits int64         `yaml:"max_units"`
}

// Capability 是一个可调用能力的注册信息。
type Capability struct {
	ID            string    `yaml:"-"`
	Family        string    `yaml:"family"`
	Description   string    `yaml:"description"`
	Cost          CostModel `yaml:"cost"`
	RequiredLevel int       `yaml:"required_level"`
	Idempotent    bool      `yaml:"idempotent"`
}

// AgentView 是授权判定所需的智能体最小视图，由调用方提供，
// 注册表不反向依赖目录。
type AgentView struct {
	ID           string
	AuthLevel    int
	Capabilities []string
}

// Decision 是一次授权判定的结果。拒绝不是错误，
// 而是资金流动之前必须检查的正常否定结论。
type Decision struct {
	Allowed bool
	Reason  string
}

var (
	// ErrDuplicateCapability 表示能力 ID 已被注册。
	ErrDuplicateCapability = xerrors.New(CodeDuplicateCapability, "capability already registered")
	// ErrUnknownCapability 表示能力不存在。
	ErrUnknownCapability = xerrors.New(CodeUnknownCapability, "unknown capability")
)

const (
	CodeDuplicateCapability xerrors.Code = "DUPLICATE_CAPABILITY"
	CodeUnknownCapability   xerrors.Code = "UNKNOWN_CAPABILITY"
)

func init() {
	xerrors.Register(CodeDuplicateCapability, xerrors.Attributes{
		Message:   "capability already registered",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeUnknownCapability, xerrors.Attributes{
		Message:   "unknown capability",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Registry 独占管理能力目录。生命周期由构造方控制，
// 必须在执行引擎接受请求之前完成初始化。
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]Capability
}

// New 创建一个空的能力注册表。
func New() *Registry {
	return &Registry{capabilities: make(map[string]Capability)}
}

// Register 注册一个能力，重复 ID 返回 ErrDuplicateCapability。
func (r *Registry) Register(capability Capability) error {
	if strings.TrimSpace(capability.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "能力 ID 不能为空")
	}
	if strings.TrimSpace(capability.Family) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "能力 family 不能为空")
	}
	if err := validateCostModel(capability.Cost); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.capabilities[capability.ID]; ok {
		return ErrDuplicateCapability
	}
	r.capabilities[capability.ID] = capability
	return nil
}

// Get 返回指定能力。
func (r *Registry) Get(capabilityID string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	capability, ok := r.capabilities[capabilityID]
	if !ok {
		return Capability{}, ErrUnknownCapability
	}
	return capability, nil
}

// List 返回按 ID 排序的全部能力。
func (r *Registry) List() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Capability, 0, len(r.capabilities))
	for _, capability := range r.capabilities {
		result = append(result, capability)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Authorize 根据智能体的能力白名单与授权等级判定是否放行。
func (r *Registry) Authorize(agent AgentView, capabilityID string) (Decision, error) {
	capability, err := r.Get(capabilityID)
	if err != nil {
		return Decision{}, err
	}
	if !hasCapability(agent.Capabilities, capabilityID) {
		return Decision{Reason: fmt.Sprintf("capability %s not in allow-list", capabilityID)}, nil
	}
	if agent.AuthLevel < capability.RequiredLevel {
		return Decision{Reason: fmt.Sprintf("authorization level %d below required %d", agent.AuthLevel, capability.RequiredLevel)}, nil
	}
	return Decision{Allowed: true}, nil
}

// EstimateCost 返回用于资金预留的成本上界，绝不低估。
func (r *Registry) EstimateCost(capabilityID string, params map[string]any) (ledger.Amount, error) {
	capability, err := r.Get(capabilityID)
	if err != nil {
		return 0, err
	}
	switch capability.Cost.Kind {
	case CostFixed:
		return capability.Cost.Base, nil
	case CostPerUnit:
		units := capability.Cost.MaxUnits
		if requested, ok := unitsFromParams(params); ok && requested < units {
			units = requested
		}
		return capability.Cost.Base + capability.Cost.PerUnit*ledger.Amount(units), nil
	default:
		return 0, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的成本模型: %s", capability.Cost.Kind))
	}
}

// ActualCost 根据实际产出单位计算结算成本。
func (r *Registry) ActualCost(capabilityID string, measuredUnits int64) (ledger.Amount, error) {
	capability, err := r.Get(capabilityID)
	if err != nil {
		return 0, err
	}
	switch capability.Cost.Kind {
	case CostFixed:
		return capability.Cost.Base, nil
	case CostPerUnit:
		if measuredUnits < 0 {
			measuredUnits = 0
		}
		return capability.Cost.Base + capability.Cost.PerUnit*ledger.Amount(measuredUnits), nil
	default:
		return 0, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的成本模型: %s", capability.Cost.Kind))
	}
}

func validateCostModel(cost CostModel) error {
	switch cost.Kind {
	case CostFixed:
		if cost.Base < 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "固定成本不能为负")
		}
	case CostPerUnit:
		if cost.Base < 0 || cost.PerUnit < 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "单位成本不能为负")
		}
		if cost.MaxUnits <= 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "按单位计费必须设置 max_units 上限")
		}
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的成本模型: %s", cost.Kind))
	}
	return nil
}

func hasCapability(allowList []string, capabilityID string) bool {
	for _, id := range allowList {
		if strings.EqualFold(strings.TrimSpace(id), capabilityID) {
			return true
		}
	}
	return false
}

func unitsFromParams(params map[string]any) (int64, bool) {
	if params == nil {
		return 0, false
	}
	raw, ok := params["max_units"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int:
		if v > 0 {
			return int64(v), true
		}
	case int64:
		if v > 0 {
			return v, true
		}
	case float64:
		if v > 0 {
			return int64(v), true
		}
	}
	return 0, false
}
