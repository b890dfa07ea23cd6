package events

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBusPublishSubscribe(t *testing.T) {
	bus := NewMemoryBus(8)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Event, 1)
	go func() {
		_ = bus.Subscribe(ctx, 1, func(_ context.Context, event Event) error {
			received <- event
			return nil
		})
	}()

	event := NewEvent(KindSettlement, "agent-1", map[string]string{"outcome": "success"})
	if err := bus.Publish(ctx, event); err != nil {
		t.Fatalf("发布事件失败: %v", err)
	}

	select {
	case got := <-received:
		if got.Kind != KindSettlement || got.AgentID != "agent-1" {
			t.Fatalf("收到的事件不符: %+v", got)
		}
		if got.Payload["outcome"] != "success" {
			t.Fatalf("事件负载不符: %+v", got.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("等待事件超时")
	}
}

func TestMemoryBusPublishAfterClose(t *testing.T) {
	bus := NewMemoryBus(1)
	if err := bus.Close(); err != nil {
		t.Fatalf("关闭总线失败: %v", err)
	}
	if err := bus.Publish(context.Background(), NewEvent(KindAgentStatus, "agent-1", nil)); err == nil {
		t.Fatal("关闭后的发布应失败")
	}
}
