package directory

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore 是智能体目录的内存实现，用于测试与单机部署。
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewMemoryStore 创建一个空的内存目录存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]*Agent)}
}

// Create 写入一个新的智能体定义。
func (s *MemoryStore) Create(_ context.Context, agent *Agent) error {
	if err := validateAgent(agent); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[agent.ID]; ok {
		return ErrAgentConflict
	}
	now := time.Now().UnixMilli()
	if agent.CreatedAt == 0 {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	s.agents[agent.ID] = cloneAgent(agent)
	return nil
}

// Get 按 ID 读取智能体。
func (s *MemoryStore) Get(_ context.Context, id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return cloneAgent(agent), nil
}

// UpdateStatus 迁移智能体状态并返回更新后的快照。
func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status Status) (*Agent, error) {
	if !IsValidStatus(status) {
		return nil, ErrInvalidTransition
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	if !CanTransition(agent.Status, status) {
		return nil, ErrInvalidTransition
	}
	agent.Status = status
	agent.UpdatedAt = time.Now().UnixMilli()
	return cloneAgent(agent), nil
}

// List 按过滤条件返回智能体快照，按 ID 排序保证稳定分页。
func (s *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Agent, error) {
	opts.applyDefaults()
	s.mu.RLock()
	matched := make([]*Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		if matchesAgentFilters(agent, opts) {
			matched = append(matched, agent)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	if opts.Offset >= len(matched) {
		return []*Agent{}, nil
	}
	matched = matched[opts.Offset:]
	if len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	result := make([]*Agent, 0, len(matched))
	for _, agent := range matched {
		result = append(result, cloneAgent(agent))
	}
	return result, nil
}

// Close 实现 Store 接口，内存实现无资源可释放。
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
