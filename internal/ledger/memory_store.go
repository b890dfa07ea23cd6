package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "AgentVault/internal/errors"
)

// MemoryStore 以内存方式保存账本，主要用于测试与单机部署。
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Transaction
	byAgent map[string][]*Transaction

	// failNext 供测试注入一次性的写入失败，模拟持久化故障。
	failNext error
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Transaction),
		byAgent: make(map[string][]*Transaction),
	}
}

// FailNextAppend 让下一次 Append 返回指定错误，仅用于测试回滚路径。
func (m *MemoryStore) FailNextAppend(err error) {
	m.mu.Lock()
	m.failNext = err
	m.mu.Unlock()
}

// Append 实现 Store 接口。
func (m *MemoryStore) Append(_ context.Context, tx *Transaction) error {
	if err := Validate(tx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return xerrors.Wrap(CodeLedgerWrite, err, "账本写入失败")
	}
	if _, ok := m.byID[tx.ID]; ok {
		return ErrTransactionConflict
	}
	clone := *tx
	if clone.CreatedAt == 0 {
		clone.CreatedAt = time.Now().Unix()
	}
	m.byID[clone.ID] = &clone
	m.byAgent[clone.AgentID] = append(m.byAgent[clone.AgentID], &clone)
	return nil
}

// ReadBalance 返回最后一条交易的余额快照。
func (m *MemoryStore) ReadBalance(_ context.Context, agentID string) (Amount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.byAgent[agentID]
	if len(history) == 0 {
		return 0, nil
	}
	return history[len(history)-1].BalanceAfter, nil
}

// ListByAgent 返回指定智能体的交易历史。
func (m *MemoryStore) ListByAgent(_ context.Context, agentID string, opts ListOptions) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	history := m.byAgent[agentID]
	results := make([]*Transaction, 0, len(history))
	for _, tx := range history {
		if !matchesListFilters(tx, opts) {
			continue
		}
		clone := *tx
		results = append(results, &clone)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if opts.Order == SortByCreatedAsc {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].CreatedAt < results[j].CreatedAt
		}
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID > results[j].ID
		}
		return results[i].CreatedAt > results[j].CreatedAt
	})

	if opts.Offset >= len(results) {
		return []*Transaction{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// StatsByAgent 聚合指定智能体的账本信息。
func (m *MemoryStore) StatsByAgent(_ context.Context, agentID string) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{}
	for _, tx := range m.byAgent[agentID] {
		accumulate(&stats, tx)
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(tx *Transaction, opts ListOptions) bool {
	if len(opts.Categories) > 0 {
		matched := false
		for _, category := range opts.Categories {
			if tx.Category == category {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.CreatedGTE > 0 && tx.CreatedAt < opts.CreatedGTE {
		return false
	}
	if opts.CreatedLTE > 0 && tx.CreatedAt > opts.CreatedLTE {
		return false
	}
	return true
}

func accumulate(stats *Stats, tx *Transaction) {
	stats.Total++
	switch tx.Outcome {
	case OutcomeCommitted:
		stats.Committed++
	case OutcomeReversed:
		stats.Reversed++
	}
	switch tx.Category {
	case CategoryAllocation:
		stats.TotalAllocated += tx.Amount
	case CategoryDebit:
		stats.Debits++
		if tx.Amount < 0 {
			stats.TotalDebited += -tx.Amount
		}
	case CategoryRefund:
		stats.TotalRefunded += tx.Amount
	case CategoryFailedAttempt:
		stats.FailedAttempts++
	}
	if stats.FirstCreatedAt == 0 || tx.CreatedAt < stats.FirstCreatedAt {
		stats.FirstCreatedAt = tx.CreatedAt
	}
	if tx.CreatedAt > stats.LastCreatedAt {
		stats.LastCreatedAt = tx.CreatedAt
	}
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
