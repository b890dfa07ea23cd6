package chainquery

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"AgentVault/internal/tools"
)

type fakeBackend struct {
	chainID     *big.Int
	blockNumber uint64
	balances    map[common.Address]*big.Int
	err         error
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.chainID, nil
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.blockNumber, nil
}

func (f *fakeBackend) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	balance, ok := f.balances[account]
	if !ok {
		return big.NewInt(0), nil
	}
	return balance, nil
}

func TestChainSnapshot(t *testing.T) {
	backend := &fakeBackend{chainID: big.NewInt(1), blockNumber: 0x10}
	invoker := NewWithBackend("test", backend)

	response, err := invoker.Invoke(context.Background(), tools.Request{Operation: "chain_snapshot"})
	if err != nil {
		t.Fatalf("快照查询失败: %v", err)
	}
	if response.Payload["chain_id"] != "0x1" {
		t.Fatalf("chain_id 不符: %v", response.Payload["chain_id"])
	}
	if response.Payload["block_number"] != "0x10" {
		t.Fatalf("block_number 不符: %v", response.Payload["block_number"])
	}
	if response.Units != 1 {
		t.Fatalf("快照查询应计 1 个产出单位，实际 %d", response.Units)
	}
}

func TestBalanceQuery(t *testing.T) {
	address := common.HexToAddress("0x00000000000000000000000000000000deadbeef")
	backend := &fakeBackend{
		chainID:  big.NewInt(1),
		balances: map[common.Address]*big.Int{address: big.NewInt(42)},
	}
	invoker := NewWithBackend("test", backend)

	response, err := invoker.Invoke(context.Background(), tools.Request{
		Operation: "balance",
		Params:    map[string]any{"address": address.Hex()},
	})
	if err != nil {
		t.Fatalf("余额查询失败: %v", err)
	}
	if response.Payload["balance_wei"] != "42" {
		t.Fatalf("余额不符: %v", response.Payload["balance_wei"])
	}
}

func TestBalanceRejectsInvalidAddress(t *testing.T) {
	invoker := NewWithBackend("test", &fakeBackend{})
	if _, err := invoker.Invoke(context.Background(), tools.Request{
		Operation: "balance",
		Params:    map[string]any{"address": "not-an-address"},
	}); err == nil {
		t.Fatal("非法地址应报错")
	}
}

func TestUnknownOperation(t *testing.T) {
	invoker := NewWithBackend("test", &fakeBackend{})
	if _, err := invoker.Invoke(context.Background(), tools.Request{Operation: "transfer"}); err == nil {
		t.Fatal("不支持的操作应报错")
	}
}

func TestBackendErrorPropagates(t *testing.T) {
	backendErr := errors.New("node unreachable")
	invoker := NewWithBackend("test", &fakeBackend{err: backendErr})
	if _, err := invoker.Invoke(context.Background(), tools.Request{Operation: "chain_snapshot"}); !errors.Is(err, backendErr) {
		t.Fatalf("节点错误应向上传递，实际 %v", err)
	}
}
