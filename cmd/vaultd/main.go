package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"AgentVault/internal/config"
	"AgentVault/internal/directory"
	"AgentVault/internal/engine"
	"AgentVault/internal/events"
	"AgentVault/internal/ledger"
	"AgentVault/internal/registry"
	signalfeed "AgentVault/internal/signal"
	"AgentVault/internal/tools"
	"AgentVault/internal/tools/chainquery"
	"AgentVault/internal/treasury"
	"AgentVault/pkg/logger"
)

// main 是 AgentVault 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("vaultd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTVAULT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "vault.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}

	var ledgerStore ledger.Store
	switch cfg.Ledger.Driver {
	case "", "memory":
		ledgerStore = ledger.NewMemoryStore()
	case "mysql":
		store, err := ledger.NewMySQLStore(ctx, cfg.Ledger.DSN)
		if err != nil {
			return err
		}
		ledgerStore = store
	default:
		return fmt.Errorf("未知的账本驱动: %s", cfg.Ledger.Driver)
	}
	defer func() {
		if err := ledgerStore.Close(); err != nil {
			logger.L().Warn("关闭账本存储失败", "error", err)
		}
	}()

	var bus events.Bus
	switch cfg.Events.Driver {
	case "", "memory":
		bus = events.NewMemoryBus(1024)
	case "rabbitmq":
		rabbit, err := events.NewRabbitMQBus(events.RabbitMQConfig{
			URL:      cfg.Events.URL,
			Queue:    cfg.Events.Queue,
			Prefetch: cfg.Events.Prefetch,
			Durable:  cfg.Events.Durable,
		})
		if err != nil {
			return err
		}
		bus = rabbit
	default:
		return fmt.Errorf("未知的事件总线驱动: %s", cfg.Events.Driver)
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logger.L().Warn("关闭事件总线失败", "error", err)
		}
	}()

	vault := treasury.New(ledgerStore,
		treasury.WithReservationTTL(time.Duration(cfg.Treasury.ReservationTTLSeconds)*time.Second),
		treasury.WithSweepInterval(time.Duration(cfg.Treasury.SweepIntervalSeconds)*time.Second),
		treasury.WithAppendRetries(cfg.Treasury.AppendRetries),
		treasury.WithHealthStreak(cfg.Treasury.HealthStreak),
		treasury.WithEventPublisher(bus),
	)

	var directoryStore directory.Store
	switch cfg.Directory.Driver {
	case "", "memory":
		directoryStore = directory.NewMemoryStore()
	case "mysql":
		store, err := directory.NewMySQLStore(ctx, cfg.Directory.DSN)
		if err != nil {
			return err
		}
		directoryStore = store
	default:
		return fmt.Errorf("未知的目录驱动: %s", cfg.Directory.Driver)
	}
	defer func() {
		if err := directoryStore.Close(); err != nil {
			logger.L().Warn("关闭目录存储失败", "error", err)
		}
	}()

	directoryOpts := []directory.Option{
		directory.WithEventPublisher(bus),
		directory.WithLedgerSource(vault),
	}
	if cfg.Directory.Cache.Enabled {
		cache, err := directory.NewRedisCache(ctx, directory.RedisCacheConfig{
			Addr:     cfg.Directory.Cache.Addr,
			Password: cfg.Directory.Cache.Password,
			DB:       cfg.Directory.Cache.DB,
			TTL:      time.Duration(cfg.Directory.Cache.TTLSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.L().Warn("关闭目录缓存失败", "error", err)
			}
		}()
		directoryOpts = append(directoryOpts, directory.WithCache(cache))
	}

	dir, err := directory.New(directoryStore, directoryOpts...)
	if err != nil {
		return err
	}

	catalog := registry.New()
	if err := registry.LoadCatalog(catalog, cfg.Catalog.Path); err != nil {
		return err
	}

	invokers := []tools.Invoker{tools.EchoInvoker{}}
	if cfg.Chain.Enabled {
		chain, err := chainquery.New(ctx, chainquery.Config{
			Name:   "default",
			RPCURL: cfg.Chain.RPCURL,
			Notes:  cfg.Chain.Notes,
		})
		if err != nil {
			return err
		}
		defer chain.Close()
		invokers = append(invokers, chain)
	}
	dispatcher, err := tools.NewDispatcher(invokers...)
	if err != nil {
		return err
	}

	engineOpts := []engine.Option{
		engine.WithInvokeTimeout(time.Duration(cfg.Engine.InvokeTimeoutSeconds) * time.Second),
		engine.WithMaxAttempts(cfg.Engine.MaxAttempts),
		engine.WithRetryBackoff(time.Duration(cfg.Engine.RetryBackoffMillis) * time.Millisecond),
	}
	if cfg.Signals.Path != "" {
		provider, err := signalfeed.LoadStaticProvider(cfg.Signals.Path, cfg.Signals.MaxResults)
		if err != nil {
			return err
		}
		engineOpts = append(engineOpts, engine.WithSignalProvider(provider))
	}

	executor, err := engine.New(dir, catalog, vault, dispatcher, engineOpts...)
	if err != nil {
		return err
	}

	// 订阅总线：状态变更事件维持目录缓存一致，动作请求事件
	// 驱动引擎执行。
	handler := func(ctx context.Context, event events.Event) error {
		switch event.Kind {
		case events.KindAgentStatus:
			return dir.HandleStatusEvent(ctx, event)
		case events.KindActionRequest:
			return executeRequest(ctx, executor, event)
		default:
			return nil
		}
	}
	go func() {
		if err := bus.Subscribe(ctx, 2, handler); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("事件订阅异常退出", "error", err)
		}
	}()

	go func() {
		if err := vault.RunSweeper(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("预留巡检异常退出", "error", err)
		}
	}()

	logger.L().Info("vaultd 启动完成",
		"ledger_driver", cfg.Ledger.Driver,
		"directory_driver", cfg.Directory.Driver,
		"events_driver", cfg.Events.Driver,
		"capabilities", len(catalog.List()),
	)

	<-ctx.Done()
	return nil
}

// executeRequest 把总线上的动作请求转交给执行引擎。
// 业务上的拒绝与失败已经体现在结果和审计日志里，不向总线报错。
func executeRequest(ctx context.Context, executor *engine.Engine, event events.Event) error {
	capability := event.Payload["capability"]
	if event.AgentID == "" || capability == "" {
		logger.L().Warn("忽略不完整的动作请求", "agent_id", event.AgentID, "capability", capability)
		return nil
	}
	var params map[string]any
	if raw := event.Payload["params"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			logger.L().Warn("动作请求参数解析失败", "agent_id", event.AgentID, "error", err)
			return nil
		}
	}
	result, err := executor.Execute(ctx, event.AgentID, capability, params)
	if err != nil {
		logger.L().Error("动作执行失败",
			"agent_id", event.AgentID,
			"capability", capability,
			"error", err,
		)
		return err
	}
	logger.L().Info("动作执行完成",
		"action_id", result.ActionID,
		"agent_id", result.AgentID,
		"capability", result.Capability,
		"outcome", string(result.Outcome),
		"reason", result.Reason,
	)
	return nil
}
