// Package chainquery implements the chain lookup tool family. It lets an
// authorized agent read lightweight on-chain facts (chain id, head block,
// account balances) from an EVM compatible endpoint.
package chainquery

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"AgentVault/internal/tools"
)

// Config describes how to construct an EVM backed invoker.
type Config struct {
	Name   string
	RPCURL string
	Notes  string
}

// backend mirrors the subset of ethclient methods the tool needs, so tests
// can substitute a fake without a live node.
type backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Invoker executes chain lookups against a single configured endpoint.
type Invoker struct {
	name  string
	notes string

	mu        sync.Mutex
	rpcClient *gethrpc.Client
	eth       backend
}

// New dials the configured RPC endpoint and returns a ready-to-use invoker.
func New(ctx context.Context, cfg Config) (*Invoker, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	return &Invoker{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
	}, nil
}

// NewWithBackend wraps an existing backend, used by tests.
func NewWithBackend(name string, eth backend) *Invoker {
	return &Invoker{name: name, eth: eth}
}

// Family 返回家族标识。
func (c *Invoker) Family() string { return "chainquery" }

// Invoke 按 Operation 执行链上查询。
func (c *Invoker) Invoke(ctx context.Context, req tools.Request) (*tools.Response, error) {
	if c == nil || c.eth == nil {
		return nil, errors.New("未初始化的链查询客户端")
	}
	switch strings.TrimSpace(req.Operation) {
	case "chain_snapshot":
		return c.snapshot(ctx)
	case "balance":
		address, _ := req.Params["address"].(string)
		return c.balance(ctx, address)
	default:
		return nil, fmt.Errorf("不支持的链查询操作: %s", req.Operation)
	}
}

func (c *Invoker) snapshot(ctx context.Context) (*tools.Response, error) {
	chainID, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	blockNumber, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	payload := map[string]any{
		"chain_id":     toHexBig(chainID),
		"block_number": fmt.Sprintf("0x%x", blockNumber),
	}
	if c.notes != "" {
		payload["notes"] = c.notes
	}
	return &tools.Response{Payload: payload, Units: 1}, nil
}

func (c *Invoker) balance(ctx context.Context, address string) (*tools.Response, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, errors.New("balance 查询需要提供地址")
	}
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("非法的以太坊地址: %s", address)
	}
	balance, err := c.eth.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	payload := map[string]any{
		"address":     address,
		"balance_wei": balance.String(),
	}
	return &tools.Response{Payload: payload, Units: 1}, nil
}

// Close releases network connections held by the invoker.
func (c *Invoker) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
	c.eth = nil
}

func toHexBig(v *big.Int) string {
	if v == nil {
		return "0x0"
	}
	return "0x" + v.Text(16)
}

var _ tools.Invoker = (*Invoker)(nil)
