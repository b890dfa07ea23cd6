package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	xerrors "AgentVault/internal/errors"
)

var testTxSeq atomic.Int64

func newTestTransaction(agentID string, amount Amount, category Category) *Transaction {
	return &Transaction{
		ID:           fmt.Sprintf("tx-%s-%d", agentID, testTxSeq.Add(1)),
		AgentID:      agentID,
		Amount:       amount,
		Category:     category,
		Description:  "test",
		BalanceAfter: amount,
		Outcome:      OutcomeCommitted,
		CreatedAt:    time.Now().UnixMilli(),
	}
}

func TestMemoryStoreAppendAndBalance(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	tx := newTestTransaction("agent-1", Credits(100), CategoryAllocation)
	if err := store.Append(ctx, tx); err != nil {
		t.Fatalf("追加交易失败: %v", err)
	}

	balance, err := store.ReadBalance(ctx, "agent-1")
	if err != nil {
		t.Fatalf("读取余额失败: %v", err)
	}
	if balance != Credits(100) {
		t.Fatalf("余额应为 100 credits，实际 %s", balance)
	}

	// 无记录的智能体余额为 0。
	balance, err = store.ReadBalance(ctx, "agent-2")
	if err != nil {
		t.Fatalf("读取空余额失败: %v", err)
	}
	if balance != 0 {
		t.Fatalf("空账户余额应为 0，实际 %s", balance)
	}
}

func TestMemoryStoreAppendConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	tx := newTestTransaction("agent-1", Credits(10), CategoryAllocation)
	if err := store.Append(ctx, tx); err != nil {
		t.Fatalf("首次追加失败: %v", err)
	}
	duplicate := *tx
	if err := store.Append(ctx, &duplicate); !errors.Is(err, ErrTransactionConflict) {
		t.Fatalf("重复 ID 应返回 ErrTransactionConflict，实际 %v", err)
	}
}

func TestMemoryStoreFailNextAppend(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.FailNextAppend(errors.New("disk full"))
	err := store.Append(ctx, newTestTransaction("agent-1", Credits(5), CategoryAllocation))
	if err == nil {
		t.Fatal("注入故障后追加应失败")
	}
	if xerrors.CodeOf(err) != CodeLedgerWrite {
		t.Fatalf("错误码应为 %s，实际 %s", CodeLedgerWrite, xerrors.CodeOf(err))
	}

	// 故障只注入一次，下一次写入恢复正常。
	if err := store.Append(ctx, newTestTransaction("agent-1", Credits(5), CategoryAllocation)); err != nil {
		t.Fatalf("故障消费后追加应成功: %v", err)
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().UnixMilli()
	entries := []struct {
		category Category
		offset   int64
	}{
		{CategoryAllocation, 0},
		{CategoryDebit, 10},
		{CategoryRefund, 20},
		{CategoryDebit, 30},
	}
	for i, entry := range entries {
		tx := newTestTransaction("agent-1", Credits(1), entry.category)
		tx.ID = tx.ID + "-" + string(rune('a'+i))
		tx.CreatedAt = base + entry.offset
		if err := store.Append(ctx, tx); err != nil {
			t.Fatalf("追加交易失败: %v", err)
		}
	}

	debits, err := store.ListByAgent(ctx, "agent-1", ListOptions{Categories: []Category{CategoryDebit}, Limit: 10})
	if err != nil {
		t.Fatalf("按类别过滤失败: %v", err)
	}
	if len(debits) != 2 {
		t.Fatalf("debit 交易应有 2 条，实际 %d", len(debits))
	}

	recent, err := store.ListByAgent(ctx, "agent-1", ListOptions{CreatedGTE: base + 15, Limit: 10})
	if err != nil {
		t.Fatalf("按时间过滤失败: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("时间窗口内应有 2 条交易，实际 %d", len(recent))
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	allocation := newTestTransaction("agent-1", Credits(100), CategoryAllocation)
	if err := store.Append(ctx, allocation); err != nil {
		t.Fatalf("追加 allocation 失败: %v", err)
	}

	debit := newTestTransaction("agent-1", -Credits(30), CategoryDebit)
	if err := store.Append(ctx, debit); err != nil {
		t.Fatalf("追加 debit 失败: %v", err)
	}

	failed := newTestTransaction("agent-1", 0, CategoryFailedAttempt)
	failed.Outcome = OutcomeReversed
	if err := store.Append(ctx, failed); err != nil {
		t.Fatalf("追加 failed_attempt 失败: %v", err)
	}

	stats, err := store.StatsByAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("读取统计失败: %v", err)
	}
	if stats.Total != 3 {
		t.Fatalf("交易总数应为 3，实际 %d", stats.Total)
	}
	if stats.TotalAllocated != Credits(100) {
		t.Fatalf("累计分配应为 100 credits，实际 %s", stats.TotalAllocated)
	}
	if stats.TotalDebited != Credits(30) {
		t.Fatalf("累计消耗应为 30 credits，实际 %s", stats.TotalDebited)
	}
	if stats.Debits != 1 || stats.FailedAttempts != 1 {
		t.Fatalf("结算计数不符: debits=%d failed=%d", stats.Debits, stats.FailedAttempts)
	}
	if stats.Committed != 2 || stats.Reversed != 1 {
		t.Fatalf("结果计数不符: committed=%d reversed=%d", stats.Committed, stats.Reversed)
	}
}
