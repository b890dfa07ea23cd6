package ledger

import (
	"context"
	"fmt"

	xerrors "AgentVault/internal/errors"
)

// Amount 是账本中的定点货币单位，1 credit = 1_000_000 micro-credit。
// 全程使用整数运算，避免浮点带来的舍入漂移。
type Amount int64

// MicrosPerCredit 定义定点精度。
const MicrosPerCredit = 1_000_000

// Credits 将整数 credit 转换为定点金额。
func Credits(n int64) Amount {
	return Amount(n * MicrosPerCredit)
}

// String 以人类可读形式输出金额。
func (a Amount) String() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%06d", sign, v/MicrosPerCredit, v%MicrosPerCredit)
}

// Category 表示交易的经济类别。
type Category string

const (
	CategoryAllocation    Category = "allocation"
	CategoryDebit         Category = "debit"
	CategoryRefund        Category = "refund"
	CategoryFailedAttempt Category = "failed_attempt"
)

// Outcome 表示交易的最终状态。交易一经写入不可修改，
// 更正只能通过新的冲正交易完成。
type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeReversed  Outcome = "reversed"
)

// Transaction 是一条不可变的账本记录。
type Transaction struct {
	ID           string   `json:"id"`
	AgentID      string   `json:"agent_id"`
	Amount       Amount   `json:"amount"`
	Category     Category `json:"category"`
	Description  string   `json:"description"`
	BalanceAfter Amount   `json:"balance_after"`
	Outcome      Outcome  `json:"outcome"`
	CreatedAt    int64    `json:"created_at"`
}

// Stats 聚合单个智能体的账本信息，供目录分析接口使用。
type Stats struct {
	Total          int    `json:"total"`
	Committed      int    `json:"committed"`
	Reversed       int    `json:"reversed"`
	Debits         int    `json:"debits"`
	FailedAttempts int    `json:"failed_attempts"`
	TotalAllocated Amount `json:"total_allocated"`
	TotalDebited   Amount `json:"total_debited"`
	TotalRefunded  Amount `json:"total_refunded"`
	FirstCreatedAt int64  `json:"first_created_at,omitempty"`
	LastCreatedAt  int64  `json:"last_created_at,omitempty"`
}

var (
	// ErrTransactionConflict 表示账本中已存在相同 ID 的交易。
	ErrTransactionConflict = xerrors.New(CodeLedgerConflict, "transaction already recorded", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeLedgerWrite    xerrors.Code = "LEDGER_WRITE_FAILURE"
	CodeLedgerConflict xerrors.Code = "LEDGER_CONFLICT"
)

func init() {
	xerrors.Register(CodeLedgerWrite, xerrors.Attributes{
		Message:   "ledger write failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeLedgerConflict, xerrors.Attributes{
		Message:   "transaction already recorded",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Store 抽象持久化账本。实现必须保证单条 Append 的原子性，
// 以及同一 agent 的 read-your-writes 一致性。
type Store interface {
	// Append 追加一条交易记录。记录写入后永不更新。
	Append(ctx context.Context, tx *Transaction) error
	// ReadBalance 返回指定智能体最后一条交易的余额快照，无记录时为 0。
	ReadBalance(ctx context.Context, agentID string) (Amount, error)
	// ListByAgent 返回指定智能体的交易历史。
	ListByAgent(ctx context.Context, agentID string, opts ListOptions) ([]*Transaction, error)
	// StatsByAgent 返回指定智能体的账本聚合信息。
	StatsByAgent(ctx context.Context, agentID string) (Stats, error)
	// Close 释放底层资源。
	Close() error
}

// IsValidCategory 检查类别是否为支持的枚举值。
func IsValidCategory(category Category) bool {
	switch category {
	case CategoryAllocation, CategoryDebit, CategoryRefund, CategoryFailedAttempt:
		return true
	default:
		return false
	}
}

// Validate 对交易做基础校验，所有实现共用。
func Validate(tx *Transaction) error {
	if tx == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "transaction 不能为空")
	}
	if tx.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}
	if tx.AgentID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 agent ID 不能为空")
	}
	if !IsValidCategory(tx.Category) {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的交易类别: %s", tx.Category))
	}
	if tx.Outcome != OutcomeCommitted && tx.Outcome != OutcomeReversed {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的交易结果: %s", tx.Outcome))
	}
	return nil
}
