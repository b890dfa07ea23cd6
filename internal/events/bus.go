package events

import (
	"context"
	"time"
)

// Kind 表示事件类别。
type Kind string

const (
	// KindAgentStatus 表示智能体状态变更（挂起、恢复、退役）。
	KindAgentStatus Kind = "agent_status"
	// KindSettlement 表示一次预留结算完成。
	KindSettlement Kind = "settlement"
	// KindActionRequest 表示一次待执行的动作请求。
	KindActionRequest Kind = "action_request"
)

// Event 是总线上传递的消息。状态变更事件用于让各实例的
// 目录缓存立即失效；结算事件供下游审计消费。
type Event struct {
	Kind       Kind              `json:"kind"`
	AgentID    string            `json:"agent_id"`
	Payload    map[string]string `json:"payload,omitempty"`
	OccurredAt int64             `json:"occurred_at"`
}

// NewEvent 构造一个带时间戳的事件。
func NewEvent(kind Kind, agentID string, payload map[string]string) Event {
	return Event{
		Kind:       kind,
		AgentID:    agentID,
		Payload:    payload,
		OccurredAt: time.Now().Unix(),
	}
}

// Handler 处理来自总线的事件。
type Handler func(ctx context.Context, event Event) error

// Publisher 负责向总线投递事件。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Subscriber 负责从总线消费事件。
type Subscriber interface {
	Subscribe(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Bus 同时具备发布与订阅能力。
type Bus interface {
	Publisher
	Subscriber
}
