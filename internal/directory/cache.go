package directory

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "AgentVault/internal/errors"
)

// Cache 是目录读路径的旁路缓存。未命中返回 (nil, nil)，
// 缓存故障只能降级为回源读取，绝不能让状态读取失败。
type Cache interface {
	Get(ctx context.Context, id string) (*Agent, error)
	Set(ctx context.Context, agent *Agent) error
	Invalidate(ctx context.Context, id string) error
	Close() error
}

// RedisCacheConfig 描述 Redis 缓存连接参数。
type RedisCacheConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL 是缓存条目的安全过期时间，防止失效消息丢失后的永久脏读。
	TTL time.Duration
}

// RedisCache 基于 Redis 缓存智能体快照，值为 JSON。
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

const agentKeyPrefix = "agentvault:agent:"

// NewRedisCache 连接 Redis 并验证连通性。
func NewRedisCache(ctx context.Context, cfg RedisCacheConfig) (*RedisCache, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis 地址不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "Redis 连通性检查失败")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

// Get 读取缓存的智能体快照，未命中返回 (nil, nil)。
func (c *RedisCache) Get(ctx context.Context, id string) (*Agent, error) {
	raw, err := c.client.Get(ctx, agentKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCacheFailure, err, "读取智能体缓存失败")
	}
	var agent Agent
	if err := json.Unmarshal(raw, &agent); err != nil {
		// 损坏的条目当作未命中处理，由回源覆盖。
		_ = c.client.Del(ctx, agentKeyPrefix+id).Err()
		return nil, nil
	}
	return &agent, nil
}

// Set 写入智能体快照。
func (c *RedisCache) Set(ctx context.Context, agent *Agent) error {
	if agent == nil || agent.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "缓存对象不能为空")
	}
	raw, err := json.Marshal(agent)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化智能体失败")
	}
	if err := c.client.Set(ctx, agentKeyPrefix+agent.ID, raw, c.ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeCacheFailure, err, "写入智能体缓存失败")
	}
	return nil
}

// Invalidate 删除缓存条目，在状态变更路径上同步调用。
func (c *RedisCache) Invalidate(ctx context.Context, id string) error {
	if err := c.client.Del(ctx, agentKeyPrefix+id).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeCacheFailure, err, "删除智能体缓存失败")
	}
	return nil
}

// Close 释放 Redis 连接。
func (c *RedisCache) Close() error { return c.client.Close() }

var _ Cache = (*RedisCache)(nil)

// MemoryCache 是进程内缓存实现，用于测试与单机部署。
type MemoryCache struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewMemoryCache 创建空的内存缓存。
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{agents: make(map[string]*Agent)}
}

func (c *MemoryCache) Get(_ context.Context, id string) (*Agent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	agent, ok := c.agents[id]
	if !ok {
		return nil, nil
	}
	return cloneAgent(agent), nil
}

func (c *MemoryCache) Set(_ context.Context, agent *Agent) error {
	if agent == nil || agent.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "缓存对象不能为空")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents[agent.ID] = cloneAgent(agent)
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.agents, id)
	return nil
}

func (c *MemoryCache) Close() error { return nil }

var _ Cache = (*MemoryCache)(nil)
