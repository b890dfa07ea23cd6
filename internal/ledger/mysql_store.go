package ledger

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AgentVault/internal/errors"
)

// MySQLStore 使用 MySQL 作为持久化账本。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore 并初始化表结构。
func NewMySQLStore(ctx context.Context, dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS ledger_transactions (
        id VARCHAR(36) PRIMARY KEY,
        agent_id VARCHAR(64) NOT NULL,
        amount BIGINT NOT NULL,
        category VARCHAR(32) NOT NULL,
        description TEXT,
        balance_after BIGINT NOT NULL,
        outcome VARCHAR(16) NOT NULL,
        created_at BIGINT NOT NULL,
        seq BIGINT NOT NULL AUTO_INCREMENT UNIQUE,
        INDEX idx_ledger_agent (agent_id, seq),
        INDEX idx_ledger_created (created_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 ledger_transactions 表失败")
	}
	return nil
}

// Append 追加一条交易记录。重复 ID 返回 ErrTransactionConflict。
func (s *MySQLStore) Append(ctx context.Context, tx *Transaction) error {
	if err := Validate(tx); err != nil {
		return err
	}
	if tx.CreatedAt == 0 {
		tx.CreatedAt = time.Now().Unix()
	}

	const stmt = `INSERT INTO ledger_transactions
        (id, agent_id, amount, category, description, balance_after, outcome, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		tx.ID,
		tx.AgentID,
		int64(tx.Amount),
		string(tx.Category),
		tx.Description,
		int64(tx.BalanceAfter),
		string(tx.Outcome),
		tx.CreatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTransactionConflict
		}
		return xerrors.Wrap(CodeLedgerWrite, err, "账本写入失败")
	}
	return nil
}

// ReadBalance 返回指定智能体最后一条交易的余额快照。
// 按插入序（seq）取最后一条，保证同账户 read-your-writes。
func (s *MySQLStore) ReadBalance(ctx context.Context, agentID string) (Amount, error) {
	const stmt = `SELECT balance_after FROM ledger_transactions
        WHERE agent_id = ? ORDER BY seq DESC LIMIT 1`

	var balance int64
	if err := s.db.QueryRowContext(ctx, stmt, agentID).Scan(&balance); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取余额失败")
	}
	return Amount(balance), nil
}

// ListByAgent 返回指定智能体的交易历史。
func (s *MySQLStore) ListByAgent(ctx context.Context, agentID string, opts ListOptions) ([]*Transaction, error) {
	opts.applyDefaults()

	query := `SELECT id, agent_id, amount, category, description, balance_after, outcome, created_at
        FROM ledger_transactions WHERE agent_id = ?`
	args := []any{agentID}

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " AND " + clause
		args = append(args, filterArgs...)
	}

	order := " ORDER BY seq DESC"
	if opts.Order == SortByCreatedAsc {
		order = " ORDER BY seq ASC"
	}
	query += order + " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易历史失败")
	}
	defer rows.Close()

	transactions := make([]*Transaction, 0, opts.Limit)
	for rows.Next() {
		var tx Transaction
		var amount, balanceAfter int64
		var category, outcome string
		var description sql.NullString
		if err := rows.Scan(
			&tx.ID,
			&tx.AgentID,
			&amount,
			&category,
			&description,
			&balanceAfter,
			&outcome,
			&tx.CreatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易记录失败")
		}
		tx.Amount = Amount(amount)
		tx.BalanceAfter = Amount(balanceAfter)
		tx.Category = Category(category)
		tx.Outcome = Outcome(outcome)
		tx.Description = description.String
		txCopy := tx
		transactions = append(transactions, &txCopy)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易记录失败")
	}
	return transactions, nil
}

// StatsByAgent 返回指定智能体的账本聚合信息。
func (s *MySQLStore) StatsByAgent(ctx context.Context, agentID string) (Stats, error) {
	const query = `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0) AS committed,
        COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0) AS reversed,
        COALESCE(SUM(CASE WHEN category = ? THEN 1 ELSE 0 END), 0) AS debits,
        COALESCE(SUM(CASE WHEN category = ? THEN 1 ELSE 0 END), 0) AS failed_attempts,
        COALESCE(SUM(CASE WHEN category = ? THEN amount ELSE 0 END), 0) AS allocated,
        COALESCE(SUM(CASE WHEN category = ? AND amount < 0 THEN -amount ELSE 0 END), 0) AS debited,
        COALESCE(SUM(CASE WHEN category = ? THEN amount ELSE 0 END), 0) AS refunded,
        COALESCE(MIN(created_at), 0) AS first_at,
        COALESCE(MAX(created_at), 0) AS last_at
        FROM ledger_transactions WHERE agent_id = ?`

	row := s.db.QueryRowContext(ctx, query,
		string(OutcomeCommitted),
		string(OutcomeReversed),
		string(CategoryDebit),
		string(CategoryFailedAttempt),
		string(CategoryAllocation),
		string(CategoryDebit),
		string(CategoryRefund),
		agentID,
	)

	var stats Stats
	var allocated, debited, refunded int64
	if err := row.Scan(
		&stats.Total,
		&stats.Committed,
		&stats.Reversed,
		&stats.Debits,
		&stats.FailedAttempts,
		&allocated,
		&debited,
		&refunded,
		&stats.FirstCreatedAt,
		&stats.LastCreatedAt,
	); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询账本统计失败")
	}
	stats.TotalAllocated = Amount(allocated)
	stats.TotalDebited = Amount(debited)
	stats.TotalRefunded = Amount(refunded)
	if stats.Total == 0 {
		stats.FirstCreatedAt = 0
		stats.LastCreatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 3)
	args := make([]any, 0, 4)

	if len(opts.Categories) > 0 {
		placeholders := make([]string, 0, len(opts.Categories))
		for range opts.Categories {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("category IN (%s)", strings.Join(placeholders, ",")))
		for _, category := range opts.Categories {
			args = append(args, string(category))
		}
	}
	if opts.CreatedGTE > 0 {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.CreatedGTE)
	}
	if opts.CreatedLTE > 0 {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, opts.CreatedLTE)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
