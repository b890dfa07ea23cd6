package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 AgentVault 在启动阶段需要加载的核心配置。
type Config struct {
	Ledger    LedgerConfig    `json:"ledger"`
	Directory DirectoryConfig `json:"directory"`
	Events    EventsConfig    `json:"events"`
	Treasury  TreasuryConfig  `json:"treasury"`
	Engine    EngineConfig    `json:"engine"`
	Catalog   CatalogConfig   `json:"catalog"`
	Signals   SignalsConfig   `json:"signals"`
	Chain     ChainConfig     `json:"chain"`
	Logging   LoggingConfig   `json:"logging"`
}

// LedgerConfig 描述账本存储后端。
type LedgerConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// DirectoryConfig 描述目录存储与旁路缓存。
type DirectoryConfig struct {
	Driver string      `json:"driver"`
	DSN    string      `json:"dsn"`
	Cache  CacheConfig `json:"cache"`
}

// CacheConfig 描述 Redis 缓存的连接参数。
type CacheConfig struct {
	Enabled    bool   `json:"enabled"`
	Addr       string `json:"addr"`
	Password   string `json:"password"`
	DB         int    `json:"db"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// EventsConfig 描述事件总线后端。
type EventsConfig struct {
	Driver   string `json:"driver"`
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// TreasuryConfig 控制资金预留与账本写入的运行参数。
type TreasuryConfig struct {
	ReservationTTLSeconds int `json:"reservation_ttl_seconds"`
	SweepIntervalSeconds  int `json:"sweep_interval_seconds"`
	AppendRetries         int `json:"append_retries"`
	HealthStreak          int `json:"health_streak"`
}

// EngineConfig 控制动作执行的超时与重试。
type EngineConfig struct {
	InvokeTimeoutSeconds int `json:"invoke_timeout_seconds"`
	MaxAttempts          int `json:"max_attempts"`
	RetryBackoffMillis   int `json:"retry_backoff_ms"`
}

// CatalogConfig 指向能力目录文件。
type CatalogConfig struct {
	Path string `json:"path"`
}

// SignalsConfig 指向静态市场信号文件。
type SignalsConfig struct {
	Path       string `json:"path"`
	MaxResults int    `json:"max_results"`
}

// ChainConfig 描述链查询工具的节点接入。
type ChainConfig struct {
	Enabled bool   `json:"enabled"`
	RPCURL  string `json:"rpc_url"`
	Notes   string `json:"notes"`
}

// LoggingConfig 描述日志输出行为。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志的落盘与轮转。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}
	if c.Directory.Driver == "" {
		c.Directory.Driver = "memory"
	}
	if c.Directory.Cache.TTLSeconds <= 0 {
		c.Directory.Cache.TTLSeconds = 600
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.Queue == "" {
		c.Events.Queue = "agentvault.events"
	}
	if c.Events.Prefetch <= 0 {
		c.Events.Prefetch = 8
	}

	if c.Treasury.ReservationTTLSeconds <= 0 {
		c.Treasury.ReservationTTLSeconds = 120
	}
	if c.Treasury.SweepIntervalSeconds <= 0 {
		c.Treasury.SweepIntervalSeconds = 15
	}
	if c.Treasury.AppendRetries <= 0 {
		c.Treasury.AppendRetries = 2
	}
	if c.Treasury.HealthStreak <= 0 {
		c.Treasury.HealthStreak = 5
	}

	if c.Engine.InvokeTimeoutSeconds <= 0 {
		c.Engine.InvokeTimeoutSeconds = 30
	}
	if c.Engine.MaxAttempts <= 0 {
		c.Engine.MaxAttempts = 3
	}
	if c.Engine.RetryBackoffMillis <= 0 {
		c.Engine.RetryBackoffMillis = 200
	}

	if c.Catalog.Path == "" {
		c.Catalog.Path = filepath.Join(baseDir, "capabilities.yaml")
	} else if !filepath.IsAbs(c.Catalog.Path) {
		c.Catalog.Path = filepath.Join(baseDir, c.Catalog.Path)
	}

	if c.Signals.Path != "" && !filepath.IsAbs(c.Signals.Path) {
		c.Signals.Path = filepath.Join(baseDir, c.Signals.Path)
	}
	if c.Signals.MaxResults <= 0 {
		c.Signals.MaxResults = 3
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if len(c.Logging.OutputPaths) == 0 {
		c.Logging.OutputPaths = []string{"stdout"}
	}
	if c.Logging.Audit.Enabled {
		if c.Logging.Audit.Path == "" {
			c.Logging.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
		} else if !filepath.IsAbs(c.Logging.Audit.Path) {
			c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
		}
	}
}
