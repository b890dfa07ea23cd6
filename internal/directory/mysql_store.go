package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AgentVault/internal/errors"
)

// MySQLStore 基于 MySQL 持久化智能体目录。
type MySQLStore struct {
	db *sql.DB
}

const createAgentsTable = `
CREATE TABLE IF NOT EXISTS agents (
    id VARCHAR(64) NOT NULL PRIMARY KEY,
    name VARCHAR(128) NOT NULL,
    role VARCHAR(32) NOT NULL,
    status VARCHAR(32) NOT NULL,
    auth_level INT NOT NULL DEFAULT 0,
    capabilities TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL,
    KEY idx_agents_status (status),
    KEY idx_agents_role (role)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`

// NewMySQLStore 连接 MySQL 并确保 agents 表存在。
func NewMySQLStore(ctx context.Context, dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "打开 MySQL 连接失败")
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "MySQL 连通性检查失败")
	}
	if _, err := db.ExecContext(ctx, createAgentsTable); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化 agents 表失败")
	}
	return &MySQLStore{db: db}, nil
}

// Create 插入新的智能体定义，主键冲突映射为 ErrAgentConflict。
func (s *MySQLStore) Create(ctx context.Context, agent *Agent) error {
	if err := validateAgent(agent); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	if agent.CreatedAt == 0 {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	capabilities, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化能力白名单失败")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, role, status, auth_level, capabilities, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.Name, string(agent.Role), string(agent.Status),
		agent.AuthLevel, string(capabilities), agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrAgentConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入智能体失败")
	}
	return nil
}

// Get 按 ID 读取智能体。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, role, status, auth_level, capabilities, created_at, updated_at
		 FROM agents WHERE id = ?`, id)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取智能体失败")
	}
	return agent, nil
}

// UpdateStatus 在单条 UPDATE 中校验迁移合法性：retired 行不会被命中。
func (s *MySQLStore) UpdateStatus(ctx context.Context, id string, status Status) (*Agent, error) {
	if !IsValidStatus(status) {
		return nil, ErrInvalidTransition
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, updated_at = ? WHERE id = ? AND status != ?`,
		string(status), time.Now().UnixMilli(), id, string(StatusRetired))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新智能体状态失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取状态更新结果失败")
	}
	if affected == 0 {
		// 行不存在或已退役，二次读取区分两种情况。
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status == StatusRetired {
			return nil, ErrInvalidTransition
		}
		// 状态未变也算成功，返回当前快照。
		if current.Status == status {
			return current, nil
		}
		return nil, ErrInvalidTransition
	}
	return s.Get(ctx, id)
}

// List 按过滤条件分页查询智能体。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Agent, error) {
	opts.applyDefaults()

	query := `SELECT id, name, role, status, auth_level, capabilities, created_at, updated_at FROM agents`
	var conditions []string
	var args []any
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(opts.Roles) > 0 {
		placeholders := make([]string, 0, len(opts.Roles))
		for _, role := range opts.Roles {
			placeholders = append(placeholders, "?")
			args = append(args, string(role))
		}
		conditions = append(conditions, "role IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id ASC LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体列表失败")
	}
	defer rows.Close()

	var result []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析智能体记录失败")
		}
		result = append(result, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历智能体列表失败")
	}
	if result == nil {
		result = []*Agent{}
	}
	return result, nil
}

// Close 释放数据库连接。
func (s *MySQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var agent Agent
	var role, status, capabilities string
	if err := row.Scan(&agent.ID, &agent.Name, &role, &status,
		&agent.AuthLevel, &capabilities, &agent.CreatedAt, &agent.UpdatedAt); err != nil {
		return nil, err
	}
	agent.Role = Role(role)
	agent.Status = Status(status)
	if capabilities != "" {
		if err := json.Unmarshal([]byte(capabilities), &agent.Capabilities); err != nil {
			return nil, fmt.Errorf("解析能力白名单失败: %w", err)
		}
	}
	return &agent, nil
}

var _ Store = (*MySQLStore)(nil)
